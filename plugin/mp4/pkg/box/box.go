package box

import (
	"fmt"
	"io"
	"math"

	"m7s.live/mediakit/pkg/util"
)

const (
	BasicBoxLen = 8
	LargeBoxLen = 16
	FullBoxLen  = 12
)

func f(s string) [4]byte {
	return [4]byte([]byte(s))
}

var (
	TypeFTYP = f("ftyp")
	TypeSTYP = f("styp")
	TypeMOOV = f("moov")
	TypeMVHD = f("mvhd")
	TypeTRAK = f("trak")
	TypeTKHD = f("tkhd")
	TypeMDIA = f("mdia")
	TypeMDHD = f("mdhd")
	TypeHDLR = f("hdlr")
	TypeMINF = f("minf")
	TypeSTBL = f("stbl")
	TypeSTSD = f("stsd")
	TypeSTTS = f("stts")
	TypeSTSC = f("stsc")
	TypeSTSZ = f("stsz")
	TypeSTZ2 = f("stz2")
	TypeSTCO = f("stco")
	TypeMDAT = f("mdat")
	TypeFREE = f("free")
	TypeSKIP = f("skip")
	TypeWIDE = f("wide")
	TypeUUID = f("uuid")
	TypeUDTA = f("udta")

	TypeVMHD = f("vmhd")
	TypeSMHD = f("smhd")
	TypeCTTS = f("ctts")
	TypeCO64 = f("co64")
	TypeSTSS = f("stss")
	TypeEDTS = f("edts")
	TypeELST = f("elst")
	TypeDINF = f("dinf")
	TypeDREF = f("dref")
	TypeURL  = f("url ")

	TypeAVC1 = f("avc1")
	TypeAVC3 = f("avc3")
	TypeHVC1 = f("hvc1")
	TypeHEV1 = f("hev1")
	TypeVP09 = f("vp09")
	TypeAV01 = f("av01")
	TypeMP4A = f("mp4a")
	TypeOPUS = f("Opus")
	TypeFLAC = f("fLaC")
	TypeMP3  = f(".mp3")
	TypeULAW = f("ulaw")
	TypeALAW = f("alaw")
	TypeSOWT = f("sowt")
	TypeTWOS = f("twos")
	TypeLPCM = f("lpcm")
	TypeRAW  = f("raw ")
	TypeFL32 = f("fl32")
	TypeFL64 = f("fl64")
	TypeIN24 = f("in24")
	TypeIN32 = f("in32")
	TypeIPCM = f("ipcm")
	TypeFPCM = f("fpcm")

	TypeAVCC = f("avcC")
	TypeHVCC = f("hvcC")
	TypeVPCC = f("vpcC")
	TypeAV1C = f("av1C")
	TypeESDS = f("esds")
	TypeDOPS = f("dOps")
	TypeDFLA = f("dfLa")
	TypeCOLR = f("colr")
	TypePCMC = f("pcmC")
	TypeWAVE = f("wave")
	TypeENDA = f("enda")
	TypeBTRT = f("btrt")
	TypePASP = f("pasp")

	TypeMVEX = f("mvex")
	TypeMEHD = f("mehd")
	TypeTREX = f("trex")
	TypeMOOF = f("moof")
	TypeMFHD = f("mfhd")
	TypeTRAF = f("traf")
	TypeTFHD = f("tfhd")
	TypeTFDT = f("tfdt")
	TypeTRUN = f("trun")
	TypeSIDX = f("sidx")
	TypeMFRA = f("mfra")
	TypeTFRA = f("tfra")
	TypeMFRO = f("mfro")

	TypeVIDE = f("vide")
	TypeSOUN = f("soun")

	TypeISOM = f("isom")
	TypeISO2 = f("iso2")
	TypeISO5 = f("iso5")
	TypeISO6 = f("iso6")
	TypeMP41 = f("mp41")
	TypeMP42 = f("mp42")
	TypeQT   = f("qt  ")
	TypeM4A  = f("M4A ")
	TypeDASH = f("dash")
)

// Payload is the body of a box after its header. Size must equal the number
// of bytes Encode appends.
type Payload interface {
	Size() int
	Encode(w *util.ByteWriter)
}

// Decoder reads a box body; the cursor spans exactly the body.
type Decoder interface {
	Decode(c *util.ByteCursor) error
}

//	aligned(8) class Box (unsigned int(32) boxtype, optional unsigned int(8)[16] extended_type) {
//	    unsigned int(32) size;
//	    unsigned int(32) type = boxtype;
//	    if (size==1) {
//	       unsigned int(64) largesize;
//	    } else if (size==0) {
//	       // box extends to end of file
//	    }
//	    if (boxtype=='uuid') {
//	    unsigned int(8)[16] usertype = extended_type;
//	 }
//	}
type BasicBox struct {
	Offset     int64
	Size       uint64
	HeaderSize int
	Type       [4]byte
	UserType   [16]byte
	// ToEnd marks a size 0 box, Size was then set to what the data holds.
	ToEnd bool
}

func (b *BasicBox) End() int64 {
	return b.Offset + int64(b.Size)
}

func (b *BasicBox) BodyOffset() int64 {
	return b.Offset + int64(b.HeaderSize)
}

func (b *BasicBox) BodySize() int64 {
	return int64(b.Size) - int64(b.HeaderSize)
}

func (b *BasicBox) String() string {
	return fmt.Sprintf("%s@%d+%d", b.Type[:], b.Offset, b.Size)
}

// ReadHeader reads a box header at the cursor. A size 0 box extends to
// streamSize, which is the cursor end when streamSize is negative.
func ReadHeader(c *util.ByteCursor, streamSize int64) (h BasicBox, err error) {
	h.Offset = c.Offset()
	var size32 uint32
	if size32, err = c.ReadU32(); err != nil {
		return
	}
	var typ []byte
	if typ, err = c.ReadBytes(4); err != nil {
		return
	}
	copy(h.Type[:], typ)
	h.Size, h.HeaderSize = uint64(size32), BasicBoxLen
	switch size32 {
	case 1:
		if h.Size, err = c.ReadU64(); err != nil {
			return
		}
		h.HeaderSize = LargeBoxLen
	case 0:
		if streamSize < 0 {
			streamSize = c.Base + int64(len(c.Data))
		}
		h.Size, h.ToEnd = uint64(streamSize-h.Offset), true
	}
	if h.Type == TypeUUID {
		var ut []byte
		if ut, err = c.ReadBytes(16); err != nil {
			return
		}
		copy(h.UserType[:], ut)
		h.HeaderSize += 16
	}
	if h.Size < uint64(h.HeaderSize) || h.Size > math.MaxInt64 {
		err = fmt.Errorf("%w: box %q at %d declares size %d", util.ErrMalformedStream, h.Type[:], h.Offset, h.Size)
	}
	return
}

// Traverse walks the sibling boxes under the cursor. fn gets a cursor over
// the body of each box; the walk always moves on by the declared size.
// Trailing bytes too short for a header are ignored.
func Traverse(c *util.ByteCursor, fn func(h *BasicBox, body *util.ByteCursor) error) error {
	for c.Remaining() >= BasicBoxLen {
		h, err := ReadHeader(c, -1)
		if err != nil {
			return err
		}
		bodyLen := h.BodySize()
		if bodyLen > int64(c.Remaining()) {
			return fmt.Errorf("%w: box %s overruns its parent by %d bytes", util.ErrMalformedStream, h.String(), bodyLen-int64(c.Remaining()))
		}
		body := util.NewByteCursor(c.Data[c.Pos:c.Pos+int(bodyLen)], c.Offset())
		if err = fn(&h, body); err != nil {
			return err
		}
		c.Pos += int(bodyLen)
	}
	return nil
}

// Find returns the body of the first box of type t along path, or nil.
func Find(c *util.ByteCursor, path ...[4]byte) (found *util.ByteCursor, err error) {
	if len(path) == 0 {
		return c, nil
	}
	start := c.Pos
	defer func() { c.Pos = start }()
	err = Traverse(c, func(h *BasicBox, body *util.ByteCursor) (err error) {
		if found == nil && h.Type == path[0] {
			found, err = Find(body, path[1:]...)
		}
		return
	})
	return
}

// aligned(8) class FullBox(unsigned int(32) boxtype, unsigned int(8) v, bit(24) f) extends Box(boxtype) {
//     unsigned int(8) version = v;
//     bit(24) flags = f;
// }

type FullBox struct {
	Version uint8
	Flags   uint32
}

func (box *FullBox) decodeFull(c *util.ByteCursor) (err error) {
	var v uint32
	if v, err = c.ReadU32(); err == nil {
		box.Version, box.Flags = uint8(v>>24), v&0xFFFFFF
	}
	return
}

func (box *FullBox) encodeFull(w *util.ByteWriter) {
	w.WriteU32(uint32(box.Version)<<24 | box.Flags&0xFFFFFF)
}

// Raw is an opaque payload such as avcC or hvcC.
type Raw []byte

func (r Raw) Size() int {
	return len(r)
}

func (r Raw) Encode(w *util.ByteWriter) {
	w.WriteBytes(r...)
}

// Node is a box in a Builder tree. Sizes are computed bottom-up before the
// tree is emitted top-down, so nothing has to be patched afterwards.
type Node struct {
	Type     [4]byte
	Payload  Payload
	Children []*Node
	size     uint64
}

func New(t [4]byte, p Payload, children ...*Node) *Node {
	return (&Node{Type: t, Payload: p}).Add(children...)
}

// Container is a box with children only.
func Container(t [4]byte, children ...*Node) *Node {
	return (&Node{Type: t}).Add(children...)
}

func (n *Node) Add(children ...*Node) *Node {
	for _, c := range children {
		if c != nil {
			n.Children = append(n.Children, c)
		}
	}
	return n
}

func (n *Node) measure() uint64 {
	size := uint64(BasicBoxLen)
	if n.Payload != nil {
		size += uint64(n.Payload.Size())
	}
	for _, c := range n.Children {
		size += c.measure()
	}
	if size > math.MaxUint32 {
		size += LargeBoxLen - BasicBoxLen
	}
	n.size = size
	return size
}

// Size is the encoded size of the box including its header.
func (n *Node) Size() uint64 {
	return n.measure()
}

func (n *Node) emit(w *util.ByteWriter) {
	start := w.Len()
	if n.size > math.MaxUint32 {
		w.WriteU32(1)
		w.WriteBytes(n.Type[:]...)
		w.WriteU64(n.size)
	} else {
		w.WriteU32(uint32(n.size))
		w.WriteBytes(n.Type[:]...)
	}
	if n.Payload != nil {
		n.Payload.Encode(w)
	}
	for _, c := range n.Children {
		c.emit(w)
	}
	if got := uint64(w.Len() - start); got != n.size {
		panic(fmt.Sprintf("box %s: encoded %d bytes, measured %d", n.Type[:], got, n.size))
	}
}

// Builder holds top-level boxes until they are written.
type Builder struct {
	Nodes []*Node
}

func (b *Builder) Add(nodes ...*Node) *Builder {
	b.Nodes = append(b.Nodes, nodes...)
	return b
}

func (b *Builder) Size() (size uint64) {
	for _, n := range b.Nodes {
		size += n.measure()
	}
	return
}

func (b *Builder) Bytes() []byte {
	w := util.ByteWriter{Buf: make([]byte, 0, b.Size())}
	for _, n := range b.Nodes {
		n.emit(&w)
	}
	return w.Bytes()
}

func (b *Builder) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(b.Bytes())
	return int64(n), err
}

// Encode builds one node.
func Encode(n *Node) []byte {
	return (&Builder{Nodes: []*Node{n}}).Bytes()
}

// WriteMdatHeader writes an 8-byte free box followed by an 8-byte mdat
// header: the pair can later become a 16-byte large mdat header in place.
func WriteMdatHeader(w *util.ByteWriter) {
	w.WriteU32(BasicBoxLen)
	w.WriteBytes(TypeFREE[:]...)
	w.WriteU32(BasicBoxLen)
	w.WriteBytes(TypeMDAT[:]...)
}

// MdatHeader returns the 16 bytes replacing WriteMdatHeader's output once
// the payload size is known.
func MdatHeader(payload uint64) []byte {
	var w util.ByteWriter
	if total := payload + BasicBoxLen; total <= math.MaxUint32 {
		w.WriteU32(BasicBoxLen)
		w.WriteBytes(TypeFREE[:]...)
		w.WriteU32(uint32(total))
		w.WriteBytes(TypeMDAT[:]...)
	} else {
		w.WriteU32(1)
		w.WriteBytes(TypeMDAT[:]...)
		w.WriteU64(payload + LargeBoxLen)
	}
	return w.Bytes()
}
