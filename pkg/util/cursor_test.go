package util

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByteCursor(t *testing.T) {
	t.Run(t.Name(), func(t *testing.T) {
		var w ByteWriter
		w.WriteU8(0xAB)
		w.WriteU16(0x1234)
		w.WriteU24(0x56789A)
		w.WriteU32(0xDEADBEEF)
		w.WriteU64(0x0102030405060708)
		w.WriteFixed16_16(1.5)
		w.WriteFixed2_30(-0.25)
		w.WriteFixed8_8(2.5)
		w.WriteF64(3.25)
		w.WriteString("mp42", 4)
		w.WriteString("und", -1)
		w.WriteU8(0)

		c := NewByteCursor(w.Bytes(), 100)
		u8, _ := c.ReadU8()
		assert.Equal(t, uint8(0xAB), u8)
		u16, _ := c.ReadU16()
		assert.Equal(t, uint16(0x1234), u16)
		u24, _ := c.ReadU24()
		assert.Equal(t, uint32(0x56789A), u24)
		u32, _ := c.ReadU32()
		assert.Equal(t, uint32(0xDEADBEEF), u32)
		u64, _ := c.ReadU64()
		assert.Equal(t, uint64(0x0102030405060708), u64)
		f, _ := c.ReadFixed16_16()
		assert.Equal(t, 1.5, f)
		f, _ = c.ReadFixed2_30()
		assert.Equal(t, -0.25, f)
		f, _ = c.ReadFixed8_8()
		assert.Equal(t, 2.5, f)
		f, _ = c.ReadF64()
		assert.Equal(t, 3.25, f)
		s, _ := c.ReadString(4)
		assert.Equal(t, "mp42", s)
		s, err := c.ReadCString()
		require.NoError(t, err)
		assert.Equal(t, "und", s)
		assert.Equal(t, int64(100+len(w.Bytes())), c.Offset())

		_, err = c.ReadU8()
		assert.True(t, errors.Is(err, ErrMalformedStream))
	})
}

func TestByteCursorLittleEndian(t *testing.T) {
	t.Run(t.Name(), func(t *testing.T) {
		w := ByteWriter{LittleEndian: true}
		w.WriteU16(0x0102)
		w.WriteU24(0x030405)
		w.WriteU32(0x06070809)
		w.WriteUint(0x0A0B0C, 3)
		assert.Equal(t, []byte{2, 1, 5, 4, 3, 9, 8, 7, 6, 0x0C, 0x0B, 0x0A}, w.Bytes())

		c := &ByteCursor{Data: w.Bytes(), LittleEndian: true}
		u16, _ := c.ReadU16()
		assert.Equal(t, uint16(0x0102), u16)
		u24, _ := c.ReadU24()
		assert.Equal(t, uint32(0x030405), u24)
		u32, _ := c.ReadU32()
		assert.Equal(t, uint32(0x06070809), u32)
		v, _ := c.ReadUint(3)
		assert.Equal(t, uint64(0x0A0B0C), v)
	})
}

func TestByteWriterPatch(t *testing.T) {
	t.Run(t.Name(), func(t *testing.T) {
		var w ByteWriter
		at := w.Reserve(4)
		w.WriteString("free", 4)
		w.WriteBytes(1, 2, 3)
		w.PatchU32(at, uint32(w.Len()))
		c := NewByteCursor(w.Bytes(), 0)
		size, _ := c.ReadU32()
		assert.Equal(t, uint32(11), size)
	})
}

func TestSignedReads(t *testing.T) {
	t.Run(t.Name(), func(t *testing.T) {
		c := NewByteCursor([]byte{0xFF, 0xFF, 0xFE, 0x80, 0x00, 0x00, 0x00}, 0)
		v24, _ := c.ReadI24()
		assert.Equal(t, int32(-2), v24)
		v32, _ := c.ReadI32()
		assert.Equal(t, int32(-0x80000000), v32)
	})
}
