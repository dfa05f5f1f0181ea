package mp3

import (
	"fmt"

	"m7s.live/mediakit/pkg/util"
)

const HeaderSize = 4

type (
	Version     uint8
	ChannelMode uint8
)

const (
	MPEG25 Version = iota
	_
	MPEG2
	MPEG1
)

const (
	Stereo ChannelMode = iota
	JointStereo
	DualChannel
	Mono
)

func (v Version) String() string {
	switch v {
	case MPEG1:
		return "MPEG-1"
	case MPEG2:
		return "MPEG-2"
	case MPEG25:
		return "MPEG-2.5"
	}
	return "reserved"
}

// bitrates in kbit/s by [MPEG-1][layer-1][index]. MPEG-2 and 2.5 share a
// table.
var bitrates = [2][3][15]int{
	{
		{0, 32, 48, 56, 64, 80, 96, 112, 128, 144, 160, 176, 192, 224, 256},
		{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160},
		{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160},
	},
	{
		{0, 32, 64, 96, 128, 160, 192, 224, 256, 288, 320, 352, 384, 416, 448},
		{0, 32, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 384},
		{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320},
	},
}

var sampleRates = [3]int{44100, 48000, 32000}

// FrameHeader is the 32-bit header of an MPEG audio frame.
type FrameHeader struct {
	Version      Version
	Layer        int
	Protected    bool
	BitrateIndex int
	RateIndex    int
	Padding      bool
	Private      bool
	Mode         ChannelMode
	ModeExt      uint8
	Copyright    bool
	Original     bool
	Emphasis     uint8
}

// ParseHeader validates the frame header at the start of b. Free format
// frames have no computable length and are rejected like the reserved
// field values.
func ParseHeader(b []byte) (h FrameHeader, err error) {
	if len(b) < HeaderSize {
		return h, util.Malformed("frame header cut off after %d bytes", len(b))
	}
	if b[0] != 0xFF || b[1]&0xE0 != 0xE0 {
		return h, util.Malformed("no frame sync")
	}
	h.Version = Version(b[1] >> 3 & 3)
	h.Layer = 4 - int(b[1]>>1&3)
	h.Protected = b[1]&1 == 0
	h.BitrateIndex = int(b[2] >> 4)
	h.RateIndex = int(b[2] >> 2 & 3)
	h.Padding = b[2]&2 != 0
	h.Private = b[2]&1 != 0
	h.Mode = ChannelMode(b[3] >> 6)
	h.ModeExt = b[3] >> 4 & 3
	h.Copyright = b[3]&8 != 0
	h.Original = b[3]&4 != 0
	h.Emphasis = b[3] & 3
	switch {
	case h.Version == 1:
		err = util.Malformed("reserved MPEG version")
	case h.Layer == 4:
		err = util.Malformed("reserved layer")
	case h.BitrateIndex == 15:
		err = util.Malformed("bad bitrate index")
	case h.BitrateIndex == 0:
		err = util.Unsupported("free format bitrate")
	case h.RateIndex == 3:
		err = util.Malformed("reserved sample rate")
	case h.Emphasis == 2:
		err = util.Malformed("reserved emphasis")
	}
	return
}

func (h *FrameHeader) Append(b []byte) []byte {
	b1 := 0xE0 | byte(h.Version)<<3 | byte(4-h.Layer)<<1 | util.Conditional[byte](h.Protected, 0, 1)
	b2 := byte(h.BitrateIndex)<<4 | byte(h.RateIndex)<<2 | util.Conditional[byte](h.Padding, 2, 0) | util.Conditional[byte](h.Private, 1, 0)
	b3 := byte(h.Mode)<<6 | h.ModeExt<<4 | util.Conditional[byte](h.Copyright, 8, 0) | util.Conditional[byte](h.Original, 4, 0) | h.Emphasis
	return append(b, 0xFF, b1, b2, b3)
}

// Bitrate is in bit/s.
func (h *FrameHeader) Bitrate() int {
	return bitrates[util.Conditional(h.Version == MPEG1, 1, 0)][h.Layer-1][h.BitrateIndex] * 1000
}

func (h *FrameHeader) SampleRate() int {
	switch h.Version {
	case MPEG2:
		return sampleRates[h.RateIndex] / 2
	case MPEG25:
		return sampleRates[h.RateIndex] / 4
	}
	return sampleRates[h.RateIndex]
}

func (h *FrameHeader) Channels() int {
	return util.Conditional(h.Mode == Mono, 1, 2)
}

// Samples is the number of samples per channel a frame decodes to.
func (h *FrameHeader) Samples() int {
	switch {
	case h.Layer == 1:
		return 384
	case h.Layer == 3 && h.Version != MPEG1:
		return 576
	}
	return 1152
}

// Size is the frame length in bytes, header included.
func (h *FrameHeader) Size() int {
	pad := util.Conditional(h.Padding, 1, 0)
	if h.Layer == 1 {
		return (12*h.Bitrate()/h.SampleRate() + pad) * 4
	}
	return h.Samples()/8*h.Bitrate()/h.SampleRate() + pad
}

// SideInfoSize is the Layer III side information length following the
// header and its checksum.
func (h *FrameHeader) SideInfoSize() int {
	if h.Version == MPEG1 {
		return util.Conditional(h.Mode == Mono, 17, 32)
	}
	return util.Conditional(h.Mode == Mono, 9, 17)
}

// Compatible reports whether o can continue a stream started by h.
func (h *FrameHeader) Compatible(o *FrameHeader) bool {
	return h.Version == o.Version && h.Layer == o.Layer && h.RateIndex == o.RateIndex
}

func (h *FrameHeader) String() string {
	return fmt.Sprintf("%s layer %d %d kbit/s %d Hz %d ch", h.Version, h.Layer, h.Bitrate()/1000, h.SampleRate(), h.Channels())
}

// SplitFrames cuts b into whole frames compatible with the first one.
func SplitFrames(b []byte, fn func(h *FrameHeader, frame []byte) error) error {
	var first FrameHeader
	for at := 0; at < len(b); {
		h, err := ParseHeader(b[at:])
		if err != nil {
			return fmt.Errorf("frame at %d: %w", at, err)
		}
		if at == 0 {
			first = h
		} else if !first.Compatible(&h) {
			return util.Malformed("frame at %d is %s after %s", at, h.String(), first.String())
		}
		size := h.Size()
		if at+size > len(b) {
			return util.Malformed("frame at %d of %d bytes cut off at %d", at, size, len(b))
		}
		if err = fn(&h, b[at:at+size]); err != nil {
			return err
		}
		at += size
	}
	return nil
}
