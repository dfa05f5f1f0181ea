package mkv

import (
	"m7s.live/mediakit/pkg/util"
	"m7s.live/mediakit/plugin/mkv/pkg/ebml"
)

const (
	lacingNone = iota
	lacingXiph
	lacingFixed
	lacingEBML
)

const (
	flagKey         = 0x80
	flagInvisible   = 0x08
	flagDiscardable = 0x01
)

type (
	Frame struct {
		Offset int64
		Size   uint32
	}

	// Block is a SimpleBlock or the Block of a BlockGroup. Frame offsets
	// are absolute.
	Block struct {
		Track uint64
		// Timestamp is relative to the cluster.
		Timestamp int16
		Flags     uint8
		Frames    []Frame
	}
)

// Key is only meaningful for SimpleBlock; a BlockGroup is key when it has
// no ReferenceBlock.
func (b *Block) Key() bool {
	return b.Flags&flagKey != 0
}

// ParseBlock reads a block body, splitting laced frames.
func ParseBlock(c *util.ByteCursor) (b Block, err error) {
	if b.Track, _, _, err = ebml.ReadVint(c); err != nil {
		return
	}
	if b.Timestamp, err = c.ReadI16(); err != nil {
		return
	}
	if b.Flags, err = c.ReadU8(); err != nil {
		return
	}
	lacing := b.Flags >> 1 & 3
	if lacing == lacingNone {
		b.Frames = []Frame{{Offset: c.Offset(), Size: uint32(c.Remaining())}}
		return
	}
	count, err := c.ReadU8()
	if err != nil {
		return
	}
	n := int(count) + 1
	sizes := make([]int64, n)
	switch lacing {
	case lacingXiph:
		for i := range n - 1 {
			for {
				var v byte
				if v, err = c.ReadU8(); err != nil {
					return
				}
				sizes[i] += int64(v)
				if v != 255 {
					break
				}
			}
		}
	case lacingEBML:
		var first uint64
		if first, _, _, err = ebml.ReadVint(c); err != nil {
			return
		}
		sizes[0] = int64(first)
		for i := 1; i < n-1; i++ {
			var v uint64
			var width int
			if v, width, _, err = ebml.ReadVint(c); err != nil {
				return
			}
			sizes[i] = sizes[i-1] + int64(v) - (1<<(7*width-1) - 1)
		}
	case lacingFixed:
		if c.Remaining()%n != 0 {
			return b, util.Malformed("%d bytes in %d fixed size frames at %d", c.Remaining(), n, c.Offset())
		}
		for i := range n - 1 {
			sizes[i] = int64(c.Remaining() / n)
		}
	}
	rest := int64(c.Remaining())
	for _, s := range sizes[:n-1] {
		if s < 0 {
			return b, util.Malformed("negative laced frame size at %d", c.Offset())
		}
		rest -= s
	}
	if rest < 0 {
		return b, util.Malformed("laced frames overrun the block at %d", c.Offset())
	}
	sizes[n-1] = rest
	pos := c.Offset()
	b.Frames = make([]Frame, n)
	for i, s := range sizes {
		b.Frames[i] = Frame{Offset: pos, Size: uint32(s)}
		pos += s
	}
	return
}

// AppendBlockHeader writes an unlaced block header.
func AppendBlockHeader(b []byte, track uint64, timestamp int16, flags uint8) []byte {
	b = ebml.AppendSize(b, track, 0)
	return append(b, byte(uint16(timestamp)>>8), byte(timestamp), flags)
}
