package ebml

import (
	"bytes"
	"fmt"
	"math"
	"math/bits"

	"m7s.live/mediakit/pkg/util"
)

// ID is an element id with its length marker kept, 0x1A45DFA3 for the EBML
// header.
type ID uint32

const (
	IDEBML               ID = 0x1A45DFA3
	IDEBMLVersion        ID = 0x4286
	IDEBMLReadVersion    ID = 0x42F7
	IDEBMLMaxIDLength    ID = 0x42F2
	IDEBMLMaxSizeLength  ID = 0x42F3
	IDDocType            ID = 0x4282
	IDDocTypeVersion     ID = 0x4287
	IDDocTypeReadVersion ID = 0x4285
	IDVoid               ID = 0xEC
	IDCRC32              ID = 0xBF

	IDSegment      ID = 0x18538067
	IDSeekHead     ID = 0x114D9B74
	IDSeek         ID = 0x4DBB
	IDSeekID       ID = 0x53AB
	IDSeekPosition ID = 0x53AC

	IDInfo           ID = 0x1549A966
	IDSegmentUUID    ID = 0x73A4
	IDTimestampScale ID = 0x2AD7B1
	IDDuration       ID = 0x4489
	IDDateUTC        ID = 0x4461
	IDTitle          ID = 0x7BA9
	IDMuxingApp      ID = 0x4D80
	IDWritingApp     ID = 0x5741

	IDTracks           ID = 0x1654AE6B
	IDTrackEntry       ID = 0xAE
	IDTrackNumber      ID = 0xD7
	IDTrackUID         ID = 0x73C5
	IDTrackType        ID = 0x83
	IDFlagEnabled      ID = 0xB9
	IDFlagDefault      ID = 0x88
	IDFlagLacing       ID = 0x9C
	IDDefaultDuration  ID = 0x23E383
	IDName             ID = 0x536E
	IDLanguage         ID = 0x22B59C
	IDCodecID          ID = 0x86
	IDCodecPrivate     ID = 0x63A2
	IDCodecDelay       ID = 0x56AA
	IDSeekPreRoll      ID = 0x56BB
	IDContentEncodings ID = 0x6D80

	IDVideo                   ID = 0xE0
	IDPixelWidth              ID = 0xB0
	IDPixelHeight             ID = 0xBA
	IDColour                  ID = 0x55B0
	IDMatrixCoefficients      ID = 0x55B1
	IDRange                   ID = 0x55B9
	IDTransferCharacteristics ID = 0x55BA
	IDPrimaries               ID = 0x55BB

	IDAudio             ID = 0xE1
	IDSamplingFrequency ID = 0xB5
	IDChannels          ID = 0x9F
	IDBitDepth          ID = 0x6264

	IDCluster        ID = 0x1F43B675
	IDTimestamp      ID = 0xE7
	IDPosition       ID = 0xA7
	IDPrevSize       ID = 0xAB
	IDSimpleBlock    ID = 0xA3
	IDBlockGroup     ID = 0xA0
	IDBlock          ID = 0xA1
	IDBlockDuration  ID = 0x9B
	IDReferenceBlock ID = 0xFB
	IDDiscardPadding ID = 0x75A2

	IDCues               ID = 0x1C53BB6B
	IDCuePoint           ID = 0xBB
	IDCueTime            ID = 0xB3
	IDCueTrackPositions  ID = 0xB7
	IDCueTrack           ID = 0xF7
	IDCueClusterPosition ID = 0xF1

	IDChapters    ID = 0x1043A770
	IDAttachments ID = 0x1941A469
	IDTags        ID = 0x1254C367
	IDTag         ID = 0x7373
	IDTargets     ID = 0x63C0
	IDTagTrackUID ID = 0x63C5
	IDSimpleTag   ID = 0x67C8
	IDTagName     ID = 0x45A3
	IDTagString   ID = 0x4487
)

// HeaderMaxLen is the longest id plus size.
const HeaderMaxLen = 12

// TopLevel lists the elements found directly under a Segment.
var TopLevel = []ID{IDSeekHead, IDInfo, IDTracks, IDCluster, IDCues, IDChapters, IDAttachments, IDTags, IDVoid, IDCRC32}

func (id ID) String() string {
	return fmt.Sprintf("0x%X", uint32(id))
}

// Width is the encoded length of the id.
func (id ID) Width() int {
	return max(1, (bits.Len32(uint32(id))+7)/8)
}

func IsTopLevel(id ID) bool {
	for _, t := range TopLevel {
		if t == id {
			return true
		}
	}
	return false
}

// Header is an element header. Size is the body size, -1 when unknown.
type Header struct {
	ID         ID
	Offset     int64
	HeaderSize int
	Size       int64
}

func (h *Header) Unknown() bool {
	return h.Size < 0
}

func (h *Header) BodyOffset() int64 {
	return h.Offset + int64(h.HeaderSize)
}

// End is the offset after the body, -1 for unknown sizes.
func (h *Header) End() int64 {
	if h.Unknown() {
		return -1
	}
	return h.BodyOffset() + h.Size
}

func (h *Header) String() string {
	return fmt.Sprintf("%s@%d+%d", h.ID, h.Offset, h.Size)
}

// ReadVint reads a variable size integer without its marker. unknown is set
// when every value bit is one, the reserved "unknown size" coding.
func ReadVint(c *util.ByteCursor) (v uint64, width int, unknown bool, err error) {
	var first byte
	if first, err = c.ReadU8(); err != nil {
		return
	}
	if first == 0 {
		return 0, 0, false, util.Malformed("vint wider than 8 bytes at %d", c.Offset()-1)
	}
	width = bits.LeadingZeros8(first) + 1
	v = uint64(first & (0xFF >> width))
	for range width - 1 {
		var b byte
		if b, err = c.ReadU8(); err != nil {
			return
		}
		v = v<<8 | uint64(b)
	}
	unknown = v == 1<<(7*width)-1
	return
}

// ReadID reads an element id, at most 4 bytes.
func ReadID(c *util.ByteCursor) (id ID, err error) {
	var first byte
	if first, err = c.ReadU8(); err != nil {
		return
	}
	width := bits.LeadingZeros8(first) + 1
	if width > 4 {
		return 0, util.Malformed("element id 0x%02X at %d", first, c.Offset()-1)
	}
	id = ID(first)
	for range width - 1 {
		var b byte
		if b, err = c.ReadU8(); err != nil {
			return
		}
		id = id<<8 | ID(b)
	}
	return
}

func ReadHeader(c *util.ByteCursor) (h Header, err error) {
	h.Offset = c.Offset()
	if h.ID, err = ReadID(c); err != nil {
		return
	}
	size, _, unknown, err := ReadVint(c)
	if err != nil {
		return
	}
	h.HeaderSize = int(c.Offset() - h.Offset)
	switch {
	case unknown:
		h.Size = -1
	case size > math.MaxInt64/2:
		err = util.Malformed("element %s at %d declares size %d", h.ID, h.Offset, size)
	default:
		h.Size = int64(size)
	}
	return
}

// Traverse walks the sibling elements under the cursor. fn gets a cursor
// over each body; the walk always moves on by the declared size. An unknown
// size body runs to the end of the cursor.
func Traverse(c *util.ByteCursor, fn func(h *Header, body *util.ByteCursor) error) error {
	for c.Remaining() > 0 {
		h, err := ReadHeader(c)
		if err != nil {
			return err
		}
		size := h.Size
		if h.Unknown() {
			size = int64(c.Remaining())
		} else if size > int64(c.Remaining()) {
			return util.Malformed("element %s overruns its parent by %d bytes", h.String(), size-int64(c.Remaining()))
		}
		body := util.NewByteCursor(c.Data[c.Pos:c.Pos+int(size)], c.Offset())
		if err = fn(&h, body); err != nil {
			return err
		}
		c.Pos += int(size)
	}
	return nil
}

// Uint reads an unsigned integer body of 0 to 8 bytes.
func Uint(c *util.ByteCursor) (uint64, error) {
	n := c.Remaining()
	if n == 0 {
		return 0, nil
	}
	if n > 8 {
		return 0, util.Malformed("%d byte unsigned integer at %d", n, c.Offset())
	}
	return c.ReadUint(n)
}

func Int(c *util.ByteCursor) (int64, error) {
	n := c.Remaining()
	v, err := Uint(c)
	if err != nil || n == 0 {
		return 0, err
	}
	shift := 64 - 8*n
	return int64(v<<shift) >> shift, nil
}

func Float(c *util.ByteCursor) (float64, error) {
	switch c.Remaining() {
	case 0:
		return 0, nil
	case 4:
		v, err := c.ReadF32()
		return float64(v), err
	case 8:
		return c.ReadF64()
	}
	return 0, util.Malformed("%d byte float at %d", c.Remaining(), c.Offset())
}

func ReadString(c *util.ByteCursor) (string, error) {
	return c.ReadString(c.Remaining())
}

// ScanForNextSiblingID searches forward from the cursor position for one of
// the candidate ids. A hit counts only when its header parses and the
// element after its body is one known accepts, or the body reaches past the
// scanned data. For unknown sizes the first child must be known instead. The
// cursor is left on the hit.
func ScanForNextSiblingID(c *util.ByteCursor, candidates []ID, known func(ID) bool) (offset int64, found bool) {
	patterns := make([][]byte, len(candidates))
	for i, id := range candidates {
		patterns[i] = AppendID(nil, id)
	}
	for pos := c.Pos; pos < len(c.Data); pos++ {
		for _, p := range patterns {
			if !bytes.HasPrefix(c.Data[pos:], p) {
				continue
			}
			if plausible(util.NewByteCursor(c.Data[pos:], c.Base+int64(pos)), known) {
				c.Pos = pos
				return c.Base + int64(pos), true
			}
		}
	}
	return -1, false
}

func plausible(c *util.ByteCursor, known func(ID) bool) bool {
	h, err := ReadHeader(c)
	if err != nil {
		return false
	}
	if !h.Unknown() {
		if h.Size >= int64(c.Remaining()) {
			return true
		}
		c.Pos += int(h.Size)
	}
	if c.Remaining() == 0 {
		return true
	}
	next, err := ReadID(c)
	return err == nil && known(next)
}
