package mp3

import (
	"bytes"

	"m7s.live/mediakit/pkg/util"
)

const (
	XingFrames  uint32 = 1
	XingBytes   uint32 = 2
	XingTOC     uint32 = 4
	XingQuality uint32 = 8

	tocSize = 100
)

var (
	tagXing = []byte("Xing")
	tagInfo = []byte("Info")
	tagVBRI = []byte("VBRI")
)

// Xing is the summary a Layer III encoder leaves in place of the audio of
// the first frame. Info is the same layout written for constant bitrate.
type Xing struct {
	Info    bool
	Flags   uint32
	Frames  uint32
	Bytes   uint32
	TOC     []byte
	Quality uint32
}

// xingOffsets are where the tag may start in a frame: after the side
// information, or after the checksum and side information.
func xingOffsets(h *FrameHeader) []int {
	at := HeaderSize + h.SideInfoSize()
	if h.Protected {
		return []int{at, at + 2}
	}
	return []int{at}
}

// ReadXing looks for a Xing or Info tag in frame.
func ReadXing(frame []byte, h *FrameHeader) (x *Xing, err error) {
	if h.Layer != 3 {
		return nil, nil
	}
	for _, at := range xingOffsets(h) {
		if at+8 > len(frame) {
			continue
		}
		tag := frame[at : at+4]
		if !bytes.Equal(tag, tagXing) && !bytes.Equal(tag, tagInfo) {
			continue
		}
		c := util.NewByteCursor(frame[at+4:], 0)
		x = &Xing{Info: bytes.Equal(tag, tagInfo)}
		x.Flags, _ = c.ReadU32()
		if x.Flags&XingFrames != 0 {
			if x.Frames, err = c.ReadU32(); err != nil {
				return nil, util.Malformed("xing frame count cut off")
			}
		}
		if x.Flags&XingBytes != 0 {
			if x.Bytes, err = c.ReadU32(); err != nil {
				return nil, util.Malformed("xing byte count cut off")
			}
		}
		if x.Flags&XingTOC != 0 {
			toc, err := c.ReadBytes(tocSize)
			if err != nil {
				return nil, util.Malformed("xing table of contents cut off")
			}
			x.TOC = bytes.Clone(toc)
		}
		if x.Flags&XingQuality != 0 {
			x.Quality, _ = c.ReadU32()
		}
		return x, nil
	}
	return nil, nil
}

// IsVBRI reports a Fraunhofer VBRI tag, which also takes the place of the
// audio of the first frame.
func IsVBRI(frame []byte) bool {
	const at = HeaderSize + 32
	return len(frame) >= at+4 && bytes.Equal(frame[at:at+4], tagVBRI)
}

func (x *Xing) Size() int {
	n := 8
	if x.Flags&XingFrames != 0 {
		n += 4
	}
	if x.Flags&XingBytes != 0 {
		n += 4
	}
	if x.Flags&XingTOC != 0 {
		n += tocSize
	}
	if x.Flags&XingQuality != 0 {
		n += 4
	}
	return n
}

func (x *Xing) Append(b []byte) []byte {
	w := util.ByteWriter{Buf: b}
	w.WriteBytes(util.Conditional(x.Info, tagInfo, tagXing)...)
	w.WriteU32(x.Flags)
	if x.Flags&XingFrames != 0 {
		w.WriteU32(x.Frames)
	}
	if x.Flags&XingBytes != 0 {
		w.WriteU32(x.Bytes)
	}
	if x.Flags&XingTOC != 0 {
		toc := make([]byte, tocSize)
		copy(toc, x.TOC)
		w.WriteBytes(toc...)
	}
	if x.Flags&XingQuality != 0 {
		w.WriteU32(x.Quality)
	}
	return w.Bytes()
}

// Offset maps a fraction of the duration to a byte offset from the start
// of the tag frame, interpolating in the table of contents.
func (x *Xing) Offset(fraction float64) int64 {
	fraction = min(max(fraction, 0), 1)
	total := float64(x.Bytes)
	if len(x.TOC) < tocSize {
		return int64(fraction * total)
	}
	percent := fraction * 100
	i := min(int(percent), tocSize-1)
	lo, hi := float64(x.TOC[i]), 256.0
	if i < tocSize-1 {
		hi = float64(x.TOC[i+1])
	}
	return int64((lo + (hi-lo)*(percent-float64(i))) / 256 * total)
}

// BuildTOC lays out the table of contents for frames starting at offsets
// in a stream of total bytes.
func BuildTOC(offsets []int64, total int64) []byte {
	toc := make([]byte, tocSize)
	if len(offsets) == 0 || total <= 0 {
		return toc
	}
	for i := range toc {
		at := offsets[i*len(offsets)/tocSize]
		toc[i] = byte(min(at*256/total, 255))
	}
	return toc
}

// XingFrame builds a silent frame shaped like h that carries x, at the
// lowest bitrate the tag fits in.
func XingFrame(h FrameHeader, x *Xing) ([]byte, error) {
	if h.Layer != 3 {
		return nil, util.Unsupported("xing tag in layer %d", h.Layer)
	}
	h.Protected, h.Padding = false, false
	need := HeaderSize + h.SideInfoSize() + x.Size()
	for h.BitrateIndex = 1; h.BitrateIndex < 15; h.BitrateIndex++ {
		if size := h.Size(); size >= need {
			frame := h.Append(make([]byte, 0, size))
			frame = append(frame, make([]byte, h.SideInfoSize())...)
			frame = x.Append(frame)
			return append(frame, make([]byte, size-len(frame))...), nil
		}
	}
	return nil, util.Unsupported("xing tag of %d bytes does not fit a frame", x.Size())
}
