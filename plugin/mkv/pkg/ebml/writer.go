package ebml

import (
	"fmt"
	"io"
	"math"
	"math/bits"

	"m7s.live/mediakit/pkg/util"
)

// UnknownSize is the 8-byte coding of an unknown element size.
var UnknownSize = []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

func AppendID(b []byte, id ID) []byte {
	for i := id.Width() - 1; i >= 0; i-- {
		b = append(b, byte(id>>(8*i)))
	}
	return b
}

// SizeWidth is the shortest coding of size; all-ones values are reserved.
func SizeWidth(size uint64) int {
	for w := 1; w < 8; w++ {
		if size < 1<<(7*w)-1 {
			return w
		}
	}
	return 8
}

// AppendSize writes size as a vint of the given width, 0 picks the shortest.
func AppendSize(b []byte, size uint64, width int) []byte {
	if width == 0 {
		width = SizeWidth(size)
	}
	v := size | 1<<(7*width)
	for i := width - 1; i >= 0; i-- {
		b = append(b, byte(v>>(8*i)))
	}
	return b
}

// Element is a node of an EBML tree. Sizes are measured bottom-up before
// the tree is emitted.
type Element struct {
	ID       ID
	Data     []byte
	Children []*Element
	// UnknownSize writes the reserved size coding; readers then end the
	// element at the first id that cannot be its child.
	UnknownSize bool
	// SizeLength fixes the width of the size field, 0 picks the shortest.
	SizeLength int
	body       uint64
}

func Master(id ID, children ...*Element) *Element {
	return (&Element{ID: id}).Add(children...)
}

func (e *Element) Add(children ...*Element) *Element {
	for _, c := range children {
		if c != nil {
			e.Children = append(e.Children, c)
		}
	}
	return e
}

func Binary(id ID, b []byte) *Element {
	return &Element{ID: id, Data: b}
}

func String(id ID, s string) *Element {
	return &Element{ID: id, Data: []byte(s)}
}

func UintElement(id ID, v uint64) *Element {
	n := max(1, (bits.Len64(v)+7)/8)
	var w util.ByteWriter
	w.WriteUint(v, n)
	return &Element{ID: id, Data: w.Bytes()}
}

func IntElement(id ID, v int64) *Element {
	n := 1
	for n < 8 && (v < -(1<<(8*n-1)) || v >= 1<<(8*n-1)) {
		n++
	}
	var w util.ByteWriter
	w.WriteUint(uint64(v), n)
	return &Element{ID: id, Data: w.Bytes()}
}

func FloatElement(id ID, v float64) *Element {
	var w util.ByteWriter
	w.WriteF64(v)
	return &Element{ID: id, Data: w.Bytes()}
}

// Void pads exactly total bytes, at least 2.
func Void(total int) *Element {
	if total < 2 {
		panic(fmt.Sprintf("ebml: void of %d bytes", total))
	}
	if total-2 < 1<<7-1 {
		return &Element{ID: IDVoid, Data: make([]byte, total-2)}
	}
	return &Element{ID: IDVoid, Data: make([]byte, total-9), SizeLength: 8}
}

func (e *Element) measure() uint64 {
	e.body = uint64(len(e.Data))
	for _, c := range e.Children {
		e.body += c.measure()
	}
	return e.headerSize() + e.body
}

func (e *Element) headerSize() uint64 {
	if e.UnknownSize {
		return uint64(e.ID.Width() + len(UnknownSize))
	}
	return uint64(e.ID.Width() + max(e.SizeLength, SizeWidth(e.body)))
}

// Size is the encoded size including the header.
func (e *Element) Size() uint64 {
	return e.measure()
}

func (e *Element) emit(w *util.ByteWriter) {
	w.Buf = AppendID(w.Buf, e.ID)
	if e.UnknownSize {
		w.Buf = append(w.Buf, UnknownSize...)
	} else {
		w.Buf = AppendSize(w.Buf, e.body, max(e.SizeLength, SizeWidth(e.body)))
	}
	w.WriteBytes(e.Data...)
	for _, c := range e.Children {
		c.emit(w)
	}
}

// Encode measures and emits elements one after the other.
func Encode(elements ...*Element) []byte {
	var size uint64
	for _, e := range elements {
		size += e.measure()
	}
	w := util.ByteWriter{Buf: make([]byte, 0, size)}
	for _, e := range elements {
		e.emit(&w)
	}
	return w.Bytes()
}

// Target is an output that can patch bytes it already wrote.
type Target interface {
	io.Writer
	Pos() int64
	PatchAt(off int64, b []byte) error
}

// Writer streams elements to a Target. Masters whose size is only known
// at the end are opened with Start and patched by End.
type Writer struct {
	Target
}

// Mark remembers where an open master was written.
type Mark struct {
	ID     ID
	SizeAt int64
	BodyAt int64
}

func NewWriter(t Target) *Writer {
	return &Writer{t}
}

func (w *Writer) WriteElements(elements ...*Element) error {
	_, err := w.Write(Encode(elements...))
	return err
}

// Start opens a master with an unknown 8-byte size.
func (w *Writer) Start(id ID) (m Mark, err error) {
	m.ID = id
	b := AppendID(nil, id)
	m.SizeAt = w.Pos() + int64(len(b))
	if _, err = w.Write(append(b, UnknownSize...)); err != nil {
		return
	}
	m.BodyAt = w.Pos()
	return
}

// End patches the size of m to everything written since Start.
func (w *Writer) End(m Mark) error {
	size := w.Pos() - m.BodyAt
	if size < 0 || uint64(size) >= math.MaxUint64>>8 {
		return fmt.Errorf("ebml: cannot close %s with size %d", m.ID, size)
	}
	return w.PatchAt(m.SizeAt, AppendSize(nil, uint64(size), len(UnknownSize)))
}

// Reserve writes n bytes of Void to be replaced later by Fill.
func (w *Writer) Reserve(n int) (at int64, err error) {
	at = w.Pos()
	err = w.WriteElements(Void(n))
	return
}

// Fill replaces a reserved area with elements followed by Void padding.
func (w *Writer) Fill(at int64, n int, elements ...*Element) error {
	b := Encode(elements...)
	switch pad := n - len(b); {
	case pad == 0:
	case pad >= 2:
		b = append(b, Encode(Void(pad))...)
	default:
		return fmt.Errorf("ebml: %d bytes do not fit a %d byte reservation", len(b), n)
	}
	return w.PatchAt(at, b)
}
