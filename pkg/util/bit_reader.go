package util

import (
	"fmt"

	"github.com/bluenviron/mediacommon/pkg/bits"
)

// BitReader reads MSB-first bit fields. Pos counts bits from the start of Data.
type BitReader struct {
	Data []byte
	Pos  int
}

func NewBitReader(data []byte) *BitReader {
	return &BitReader{Data: data}
}

func (r *BitReader) wrap(err error) error {
	return fmt.Errorf("%w: bit %d of %d: %v", ErrMalformedStream, r.Pos, len(r.Data)*8, err)
}

func (r *BitReader) BitsLeft() int {
	return len(r.Data)*8 - r.Pos
}

func (r *BitReader) ReadBit() (res uint, err error) {
	return r.ReadBits(1)
}

func (r *BitReader) ReadBits(n int) (res uint, err error) {
	if n == 0 {
		return
	}
	var v uint64
	if v, err = bits.ReadBits(r.Data, &r.Pos, n); err != nil {
		return 0, r.wrap(err)
	}
	return uint(v), nil
}

func (r *BitReader) ReadBits64(n int) (res uint64, err error) {
	if n == 0 {
		return
	}
	if res, err = bits.ReadBits(r.Data, &r.Pos, n); err != nil {
		err = r.wrap(err)
	}
	return
}

func (r *BitReader) ReadFlag() (res bool, err error) {
	if res, err = bits.ReadFlag(r.Data, &r.Pos); err != nil {
		err = r.wrap(err)
	}
	return
}

func (r *BitReader) SkipBits(n int) error {
	if err := bits.HasSpace(r.Data, r.Pos, n); err != nil {
		return r.wrap(err)
	}
	r.Pos += n
	return nil
}

// ReadExponentialGolombCode reads ue(v).
func (r *BitReader) ReadExponentialGolombCode() (res uint, err error) {
	var v uint32
	if v, err = bits.ReadGolombUnsigned(r.Data, &r.Pos); err != nil {
		return 0, r.wrap(err)
	}
	return uint(v), nil
}

// ReadSE reads se(v).
func (r *BitReader) ReadSE() (res int, err error) {
	var v int32
	if v, err = bits.ReadGolombSigned(r.Data, &r.Pos); err != nil {
		return 0, r.wrap(err)
	}
	return int(v), nil
}

func (r *BitReader) ByteAlign() {
	r.Pos = (r.Pos + 7) &^ 7
}

// ByteOffset is the index of the byte holding the next unread bit.
func (r *BitReader) ByteOffset() int {
	return r.Pos >> 3
}
