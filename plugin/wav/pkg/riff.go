package wav

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"m7s.live/mediakit/pkg/util"
)

const (
	ChunkHeaderSize = 8
	// ds64Size is the ds64 body without its chunk size table.
	ds64Size = 28
	// sizeInDS64 in a 32-bit size field defers to the ds64 chunk.
	sizeInDS64 = math.MaxUint32
)

type ChunkID [4]byte

var (
	IDRIFF = ChunkID{'R', 'I', 'F', 'F'}
	IDRF64 = ChunkID{'R', 'F', '6', '4'}
	IDWAVE = ChunkID{'W', 'A', 'V', 'E'}
	IDFmt  = ChunkID{'f', 'm', 't', ' '}
	IDData = ChunkID{'d', 'a', 't', 'a'}
	IDFact = ChunkID{'f', 'a', 'c', 't'}
	IDDS64 = ChunkID{'d', 's', '6', '4'}
	IDJunk = ChunkID{'J', 'U', 'N', 'K'}
	IDList = ChunkID{'L', 'I', 'S', 'T'}
	IDInfo = ChunkID{'I', 'N', 'F', 'O'}
)

func (id ChunkID) String() string {
	return string(bytes.ToValidUTF8(id[:], []byte("?")))
}

// Chunk is a chunk header. Size is the declared body size, without the pad
// byte that follows odd sized bodies.
type Chunk struct {
	ID     ChunkID
	Size   uint64
	Offset int64
}

func (c *Chunk) BodyOffset() int64 {
	return c.Offset + ChunkHeaderSize
}

// End is where the next sibling starts.
func (c *Chunk) End() int64 {
	return c.BodyOffset() + int64(c.Size+c.Size&1)
}

func (c *Chunk) String() string {
	return fmt.Sprintf("%s@%d+%d", c.ID, c.Offset, c.Size)
}

func ReadHeader(c *util.ByteCursor) (h Chunk, err error) {
	h.Offset = c.Offset()
	id, err := c.ReadBytes(4)
	if err != nil {
		return
	}
	copy(h.ID[:], id)
	le := c.LittleEndian
	c.LittleEndian = true
	size, err := c.ReadU32()
	c.LittleEndian = le
	h.Size = uint64(size)
	return
}

// Traverse walks the sibling chunks under the cursor and moves on by the
// declared size plus padding whatever fn read. A missing final pad byte is
// tolerated.
func Traverse(c *util.ByteCursor, fn func(h *Chunk, body *util.ByteCursor) error) error {
	for c.Remaining() >= ChunkHeaderSize {
		h, err := ReadHeader(c)
		if err != nil {
			return err
		}
		if h.Size > uint64(c.Remaining()) {
			return fmt.Errorf("%w: chunk %s overruns its parent by %d bytes", util.ErrMalformedStream, h.String(), h.Size-uint64(c.Remaining()))
		}
		body := &util.ByteCursor{Data: c.Data[c.Pos : c.Pos+int(h.Size)], Base: c.Offset(), LittleEndian: true}
		if err = fn(&h, body); err != nil {
			return err
		}
		c.Pos = min(c.Pos+int(h.Size+h.Size&1), len(c.Data))
	}
	return nil
}

// AppendChunk writes a complete chunk with its pad byte.
func AppendChunk(b []byte, id ChunkID, body []byte) []byte {
	b = append(b, id[:]...)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(body)))
	b = append(b, body...)
	if len(body)&1 == 1 {
		b = append(b, 0)
	}
	return b
}

// DS64 carries the 64-bit sizes of an RF64 file.
type DS64 struct {
	RIFFSize    uint64
	DataSize    uint64
	SampleCount uint64
	// Sizes of other chunks whose 32-bit size field overflowed.
	Table map[ChunkID]uint64
}

func (d *DS64) Unmarshal(body *util.ByteCursor) (err error) {
	body.LittleEndian = true
	if d.RIFFSize, err = body.ReadU64(); err != nil {
		return
	}
	if d.DataSize, err = body.ReadU64(); err != nil {
		return
	}
	if d.SampleCount, err = body.ReadU64(); err != nil {
		return
	}
	n, err := body.ReadU32()
	if err != nil {
		// some writers leave out the table length
		return nil
	}
	if uint64(n) > uint64(body.Remaining()/12) {
		return util.Malformed("ds64 table of %d entries in %d bytes", n, body.Remaining())
	}
	for range n {
		var id ChunkID
		b, _ := body.ReadBytes(4)
		copy(id[:], b)
		size, _ := body.ReadU64()
		if d.Table == nil {
			d.Table = make(map[ChunkID]uint64)
		}
		d.Table[id] = size
	}
	return nil
}

func (d *DS64) Append(b []byte) []byte {
	b = binary.LittleEndian.AppendUint64(b, d.RIFFSize)
	b = binary.LittleEndian.AppendUint64(b, d.DataSize)
	b = binary.LittleEndian.AppendUint64(b, d.SampleCount)
	return binary.LittleEndian.AppendUint32(b, 0)
}
