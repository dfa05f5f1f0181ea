package util

import (
	"encoding/binary"
	"math"
)

// ByteWriter appends fixed-width fields to a growable buffer. Reserve and the
// Patch methods allow a size field to be filled in after its body is written.
type ByteWriter struct {
	Buf          []byte
	LittleEndian bool
}

type byteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

func (w *ByteWriter) order() byteOrder {
	if w.LittleEndian {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

func (w *ByteWriter) Len() int {
	return len(w.Buf)
}

func (w *ByteWriter) Bytes() []byte {
	return w.Buf
}

func (w *ByteWriter) Reset() {
	w.Buf = w.Buf[:0]
}

// Write implements io.Writer.
func (w *ByteWriter) Write(p []byte) (int, error) {
	w.Buf = append(w.Buf, p...)
	return len(p), nil
}

func (w *ByteWriter) WriteBytes(p ...byte) {
	w.Buf = append(w.Buf, p...)
}

func (w *ByteWriter) WriteU8(v uint8) {
	w.Buf = append(w.Buf, v)
}

func (w *ByteWriter) WriteU16(v uint16) {
	w.Buf = w.order().AppendUint16(w.Buf, v)
}

func (w *ByteWriter) WriteU24(v uint32) {
	if w.LittleEndian {
		w.Buf = append(w.Buf, byte(v), byte(v>>8), byte(v>>16))
	} else {
		w.Buf = append(w.Buf, byte(v>>16), byte(v>>8), byte(v))
	}
}

func (w *ByteWriter) WriteU32(v uint32) {
	w.Buf = w.order().AppendUint32(w.Buf, v)
}

func (w *ByteWriter) WriteU64(v uint64) {
	w.Buf = w.order().AppendUint64(w.Buf, v)
}

// WriteUint writes the low n bytes of v.
func (w *ByteWriter) WriteUint(v uint64, n int) {
	for i := range n {
		if w.LittleEndian {
			w.Buf = append(w.Buf, byte(v>>(8*i)))
		} else {
			w.Buf = append(w.Buf, byte(v>>(8*(n-1-i))))
		}
	}
}

func (w *ByteWriter) WriteI16(v int16) {
	w.WriteU16(uint16(v))
}

func (w *ByteWriter) WriteI32(v int32) {
	w.WriteU32(uint32(v))
}

func (w *ByteWriter) WriteI64(v int64) {
	w.WriteU64(uint64(v))
}

func (w *ByteWriter) WriteF32(v float32) {
	w.WriteU32(math.Float32bits(v))
}

func (w *ByteWriter) WriteF64(v float64) {
	w.WriteU64(math.Float64bits(v))
}

func (w *ByteWriter) WriteFixed16_16(v float64) {
	w.WriteI32(int32(math.Round(v * 0x10000)))
}

func (w *ByteWriter) WriteFixed2_30(v float64) {
	w.WriteI32(int32(math.Round(v * 0x40000000)))
}

func (w *ByteWriter) WriteFixed8_8(v float64) {
	w.WriteI16(int16(math.Round(v * 0x100)))
}

// WriteString writes s padded with NULs (or truncated) to n bytes; n<0 writes s as is.
func (w *ByteWriter) WriteString(s string, n int) {
	if n < 0 {
		w.Buf = append(w.Buf, s...)
		return
	}
	b := make([]byte, n)
	copy(b, s)
	w.Buf = append(w.Buf, b...)
}

func (w *ByteWriter) WriteZero(n int) {
	for range n {
		w.Buf = append(w.Buf, 0)
	}
}

// Reserve appends n placeholder bytes and returns their position.
func (w *ByteWriter) Reserve(n int) (at int) {
	at = len(w.Buf)
	w.WriteZero(n)
	return
}

func (w *ByteWriter) PatchU32(at int, v uint32) {
	w.order().PutUint32(w.Buf[at:], v)
}

func (w *ByteWriter) PatchU64(at int, v uint64) {
	w.order().PutUint64(w.Buf[at:], v)
}

func (w *ByteWriter) PatchAt(at int, p []byte) {
	copy(w.Buf[at:], p)
}
