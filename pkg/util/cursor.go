package util

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// ByteCursor reads fixed-width fields from a byte slice. Base is the absolute
// offset of Data[0] in the underlying stream.
type ByteCursor struct {
	Data         []byte
	Pos          int
	Base         int64
	LittleEndian bool
}

func NewByteCursor(data []byte, base int64) *ByteCursor {
	return &ByteCursor{Data: data, Base: base}
}

func (c *ByteCursor) order() binary.ByteOrder {
	if c.LittleEndian {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

func (c *ByteCursor) Offset() int64 {
	return c.Base + int64(c.Pos)
}

func (c *ByteCursor) Remaining() int {
	return len(c.Data) - c.Pos
}

func (c *ByteCursor) need(n int) error {
	if n < 0 || c.Pos+n > len(c.Data) {
		return fmt.Errorf("%w: need %d bytes at offset %d, %d available", ErrMalformedStream, n, c.Offset(), c.Remaining())
	}
	return nil
}

func (c *ByteCursor) Seek(pos int) error {
	if pos < 0 || pos > len(c.Data) {
		return fmt.Errorf("%w: seek to %d outside [0,%d]", ErrMalformedStream, pos, len(c.Data))
	}
	c.Pos = pos
	return nil
}

// SeekAbs moves to an absolute stream offset.
func (c *ByteCursor) SeekAbs(offset int64) error {
	return c.Seek(int(offset - c.Base))
}

func (c *ByteCursor) Skip(n int) (err error) {
	if err = c.need(n); err == nil {
		c.Pos += n
	}
	return
}

// ReadBytes returns a view into Data, not a copy.
func (c *ByteCursor) ReadBytes(n int) (b []byte, err error) {
	if err = c.need(n); err != nil {
		return
	}
	b = c.Data[c.Pos : c.Pos+n : c.Pos+n]
	c.Pos += n
	return
}

func (c *ByteCursor) Peek(n int) (b []byte, err error) {
	if err = c.need(n); err != nil {
		return
	}
	return c.Data[c.Pos : c.Pos+n], nil
}

func (c *ByteCursor) ReadU8() (v uint8, err error) {
	if err = c.need(1); err != nil {
		return
	}
	v = c.Data[c.Pos]
	c.Pos++
	return
}

func (c *ByteCursor) ReadU16() (v uint16, err error) {
	if err = c.need(2); err != nil {
		return
	}
	v = c.order().Uint16(c.Data[c.Pos:])
	c.Pos += 2
	return
}

func (c *ByteCursor) ReadU24() (v uint32, err error) {
	if err = c.need(3); err != nil {
		return
	}
	b := c.Data[c.Pos : c.Pos+3]
	if c.LittleEndian {
		v = uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
	} else {
		v = uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
	}
	c.Pos += 3
	return
}

func (c *ByteCursor) ReadU32() (v uint32, err error) {
	if err = c.need(4); err != nil {
		return
	}
	v = c.order().Uint32(c.Data[c.Pos:])
	c.Pos += 4
	return
}

func (c *ByteCursor) ReadU64() (v uint64, err error) {
	if err = c.need(8); err != nil {
		return
	}
	v = c.order().Uint64(c.Data[c.Pos:])
	c.Pos += 8
	return
}

// ReadUint reads an unsigned big- or little-endian integer of 1 to 8 bytes.
func (c *ByteCursor) ReadUint(n int) (v uint64, err error) {
	if n < 1 || n > 8 {
		return 0, fmt.Errorf("%w: integer width %d", ErrMalformedStream, n)
	}
	if err = c.need(n); err != nil {
		return
	}
	b := c.Data[c.Pos : c.Pos+n]
	for i := range n {
		if c.LittleEndian {
			v |= uint64(b[i]) << (8 * i)
		} else {
			v = v<<8 | uint64(b[i])
		}
	}
	c.Pos += n
	return
}

func (c *ByteCursor) ReadI8() (int8, error) {
	v, err := c.ReadU8()
	return int8(v), err
}

func (c *ByteCursor) ReadI16() (int16, error) {
	v, err := c.ReadU16()
	return int16(v), err
}

func (c *ByteCursor) ReadI24() (int32, error) {
	v, err := c.ReadU24()
	return int32(v<<8) >> 8, err
}

func (c *ByteCursor) ReadI32() (int32, error) {
	v, err := c.ReadU32()
	return int32(v), err
}

func (c *ByteCursor) ReadI64() (int64, error) {
	v, err := c.ReadU64()
	return int64(v), err
}

func (c *ByteCursor) ReadF32() (float32, error) {
	v, err := c.ReadU32()
	return math.Float32frombits(v), err
}

func (c *ByteCursor) ReadF64() (float64, error) {
	v, err := c.ReadU64()
	return math.Float64frombits(v), err
}

func (c *ByteCursor) ReadFixed16_16() (float64, error) {
	v, err := c.ReadI32()
	return float64(v) / 0x10000, err
}

func (c *ByteCursor) ReadFixed2_30() (float64, error) {
	v, err := c.ReadI32()
	return float64(v) / 0x40000000, err
}

func (c *ByteCursor) ReadFixed8_8() (float64, error) {
	v, err := c.ReadI16()
	return float64(v) / 0x100, err
}

// ReadString reads n bytes of ASCII and drops trailing NULs.
func (c *ByteCursor) ReadString(n int) (s string, err error) {
	var b []byte
	if b, err = c.ReadBytes(n); err != nil {
		return
	}
	return string(bytes.TrimRight(b, "\x00")), nil
}

func (c *ByteCursor) ReadCString() (s string, err error) {
	i := bytes.IndexByte(c.Data[c.Pos:], 0)
	if i < 0 {
		return "", fmt.Errorf("%w: unterminated string at %d", ErrMalformedStream, c.Offset())
	}
	s = string(c.Data[c.Pos : c.Pos+i])
	c.Pos += i + 1
	return
}
