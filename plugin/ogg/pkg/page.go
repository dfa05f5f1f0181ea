package ogg

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"m7s.live/mediakit/pkg/util"
)

const (
	HeaderSize  = 27
	MaxSegments = 255
	MaxPageSize = HeaderSize + MaxSegments + MaxSegments*255

	FlagContinued = 0x01
	FlagBOS       = 0x02
	FlagEOS       = 0x04

	// NoGranule marks a page on which no packet completes.
	NoGranule int64 = -1
)

var capturePattern = []byte("OggS")

var crcTable = func() (t [256]uint32) {
	for i := range t {
		r := uint32(i) << 24
		for range 8 {
			if r&0x80000000 != 0 {
				r = r<<1 ^ 0x04c11db7
			} else {
				r <<= 1
			}
		}
		t[i] = r
	}
	return
}()

// Checksum is the page CRC: polynomial 0x04c11db7, no reflection, zero
// initial value and no final xor.
func Checksum(b []byte) (crc uint32) {
	for _, v := range b {
		crc = crc<<8 ^ crcTable[byte(crc>>24)^v]
	}
	return
}

type (
	Page struct {
		Flags    uint8
		Granule  int64
		Serial   uint32
		Sequence uint32
		Lacing   []byte
		Body     []byte
		// Offset is where the page starts in the stream.
		Offset int64
		// CRCValid is false when the stored checksum does not match.
		CRCValid bool
	}

	// Piece is the part of a packet carried by one page.
	Piece struct {
		Data     []byte
		Complete bool
	}
)

func (p *Page) Size() int64 {
	return int64(HeaderSize + len(p.Lacing) + len(p.Body))
}

func (p *Page) End() int64 {
	return p.Offset + p.Size()
}

func (p *Page) Continued() bool {
	return p.Flags&FlagContinued != 0
}

func (p *Page) BOS() bool {
	return p.Flags&FlagBOS != 0
}

func (p *Page) EOS() bool {
	return p.Flags&FlagEOS != 0
}

// Pieces splits the body along the lacing values. When the page is
// continued the first piece finishes a packet begun earlier; a last piece
// ending on a 255 lacing value is completed by a later page.
func (p *Page) Pieces() (pieces []Piece) {
	start, end := 0, 0
	for i, l := range p.Lacing {
		end += int(l)
		if l < 255 {
			pieces = append(pieces, Piece{Data: p.Body[start:end:end], Complete: true})
			start = end
		} else if i == len(p.Lacing)-1 {
			pieces = append(pieces, Piece{Data: p.Body[start:end:end]})
		}
	}
	return
}

// Starts is the number of packets beginning on the page.
func (p *Page) Starts() int {
	n := len(p.Pieces())
	if p.Continued() && n > 0 {
		n--
	}
	return n
}

// LastComplete is the index of the last piece that ends a packet, -1 when
// none does.
func (p *Page) LastComplete() int {
	pieces := p.Pieces()
	for i := len(pieces) - 1; i >= 0; i-- {
		if pieces[i].Complete {
			return i
		}
	}
	return -1
}

// ParsePage reads a page at the cursor. A checksum mismatch is reported
// through CRCValid, not as an error.
func ParsePage(c *util.ByteCursor) (p *Page, err error) {
	start := c.Pos
	offset := c.Offset()
	head, err := c.ReadBytes(HeaderSize)
	if err != nil {
		return
	}
	if !bytes.Equal(head[:4], capturePattern) {
		return nil, util.Malformed("no Ogg capture pattern at %d", offset)
	}
	if head[4] != 0 {
		return nil, util.Unsupported("Ogg version %d at %d", head[4], offset)
	}
	p = &Page{
		Flags:    head[5],
		Granule:  int64(binary.LittleEndian.Uint64(head[6:14])),
		Serial:   binary.LittleEndian.Uint32(head[14:18]),
		Sequence: binary.LittleEndian.Uint32(head[18:22]),
		Offset:   offset,
	}
	if p.Lacing, err = c.ReadBytes(int(head[26])); err != nil {
		return nil, err
	}
	size := 0
	for _, l := range p.Lacing {
		size += int(l)
	}
	if p.Body, err = c.ReadBytes(size); err != nil {
		return nil, err
	}
	raw := c.Data[start:c.Pos]
	crc := binary.LittleEndian.Uint32(raw[22:26])
	p.CRCValid = crc == pageChecksum(raw)
	return
}

// pageChecksum computes the CRC of a serialized page with its CRC field
// taken as zero.
func pageChecksum(raw []byte) uint32 {
	var zero [4]byte
	crc := uint32(0)
	for _, part := range [][]byte{raw[:22], zero[:], raw[26:]} {
		for _, v := range part {
			crc = crc<<8 ^ crcTable[byte(crc>>24)^v]
		}
	}
	return crc
}

// Append serializes the page with its checksum.
func (p *Page) Append(b []byte) []byte {
	start := len(b)
	b = append(b, capturePattern...)
	b = append(b, 0, p.Flags)
	b = binary.LittleEndian.AppendUint64(b, uint64(p.Granule))
	b = binary.LittleEndian.AppendUint32(b, p.Serial)
	b = binary.LittleEndian.AppendUint32(b, p.Sequence)
	b = append(b, 0, 0, 0, 0, byte(len(p.Lacing)))
	b = append(b, p.Lacing...)
	b = append(b, p.Body...)
	binary.LittleEndian.PutUint32(b[start+22:], Checksum(b[start:]))
	return b
}

func (p *Page) String() string {
	return fmt.Sprintf("page serial=%08x seq=%d granule=%d flags=%d segments=%d at %d", p.Serial, p.Sequence, p.Granule, p.Flags, len(p.Lacing), p.Offset)
}

// Lace returns the lacing values of a packet of n bytes. A multiple of 255
// ends with a 0.
func Lace(n int) []byte {
	l := bytes.Repeat([]byte{255}, n/255)
	return append(l, byte(n%255))
}

// Paginator lays the packets of one logical stream out in pages. Pages are
// cut when the segment table fills up or on Flush.
type Paginator struct {
	Serial   uint32
	sequence uint32
	started  bool
	// continued is set when the open page starts with the rest of a packet.
	continued bool
	lacing    []byte
	body      []byte
	granule   int64
	// Packets counts packets completed on the open page.
	Packets int
}

func NewPaginator(serial uint32) *Paginator {
	return &Paginator{Serial: serial, granule: NoGranule}
}

// Pending reports whether the open page holds any segment.
func (pg *Paginator) Pending() bool {
	return len(pg.lacing) > 0
}

// Add appends a packet ending at granule and returns the pages it filled.
func (pg *Paginator) Add(packet []byte, granule int64) (pages []byte) {
	lacing := Lace(len(packet))
	for len(lacing) > 0 {
		n := min(MaxSegments-len(pg.lacing), len(lacing))
		size := 0
		for _, l := range lacing[:n] {
			size += int(l)
		}
		pg.lacing = append(pg.lacing, lacing[:n]...)
		pg.body = append(pg.body, packet[:size]...)
		lacing, packet = lacing[n:], packet[size:]
		if len(lacing) == 0 {
			pg.granule = granule
			pg.Packets++
		}
		if len(pg.lacing) == MaxSegments {
			pages = pg.page(pages, false)
			pg.continued = len(lacing) > 0
		}
	}
	return
}

// Flush closes the open page. With eos an empty page is written when
// nothing is pending, so the stream always ends on a flagged page.
func (pg *Paginator) Flush(eos bool) []byte {
	if !pg.Pending() && !eos {
		return nil
	}
	return pg.page(nil, eos)
}

func (pg *Paginator) page(b []byte, eos bool) []byte {
	p := Page{
		Flags:    util.Conditional[uint8](pg.continued, FlagContinued, 0),
		Granule:  pg.granule,
		Serial:   pg.Serial,
		Sequence: pg.sequence,
		Lacing:   pg.lacing,
		Body:     pg.body,
	}
	if !pg.started {
		p.Flags |= FlagBOS
		pg.started = true
	}
	if eos {
		p.Flags |= FlagEOS
	}
	b = p.Append(b)
	pg.sequence++
	pg.lacing, pg.body = pg.lacing[:0], pg.body[:0]
	pg.continued = false
	pg.Packets = 0
	pg.granule = NoGranule
	return b
}

// SetGranule sets the granule position an empty EOS page carries.
func (pg *Paginator) SetGranule(granule int64) {
	if !pg.Pending() {
		pg.granule = granule
	}
}
