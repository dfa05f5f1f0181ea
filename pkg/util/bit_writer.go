package util

import (
	"bytes"

	"github.com/icza/bitio"
)

// BitWriter accumulates MSB-first bit fields. Write errors are sticky and
// reported by Bytes.
type BitWriter struct {
	buf bytes.Buffer
	w   *bitio.Writer
}

func NewBitWriter() *BitWriter {
	bw := &BitWriter{}
	bw.w = bitio.NewWriter(&bw.buf)
	return bw
}

func (bw *BitWriter) WriteBits(v uint64, n int) {
	for n > 64 {
		bw.w.TryWriteBits(0, 64)
		n -= 64
	}
	if n > 0 {
		bw.w.TryWriteBits(v, uint8(n))
	}
}

func (bw *BitWriter) WriteFlag(b bool) {
	bw.w.TryWriteBool(b)
}

func (bw *BitWriter) WriteUE(v uint32) {
	x := uint64(v) + 1
	n := 0
	for t := x; t > 1; t >>= 1 {
		n++
	}
	bw.WriteBits(0, n)
	bw.WriteBits(x, n+1)
}

func (bw *BitWriter) WriteSE(v int32) {
	if v > 0 {
		bw.WriteUE(uint32(2*v - 1))
	} else {
		bw.WriteUE(uint32(-2 * v))
	}
}

func (bw *BitWriter) WriteBytes(p []byte) {
	bw.w.TryWrite(p)
}

// Align pads with zero bits to the next byte boundary.
func (bw *BitWriter) Align() {
	bw.w.TryAlign()
}

func (bw *BitWriter) Bytes() ([]byte, error) {
	bw.w.TryAlign()
	if bw.w.TryError != nil {
		return nil, bw.w.TryError
	}
	return bw.buf.Bytes(), nil
}
