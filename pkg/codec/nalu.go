package codec

import (
	"fmt"

	"m7s.live/mediakit/pkg/util"
)

// SplitAnnexB returns the NAL units between 00 00 01 / 00 00 00 01 start codes.
// Trailing zero bytes of a unit belong to the next start code and are dropped.
func SplitAnnexB(data []byte) (nalus [][]byte) {
	start := -1
	for i := 0; i+2 < len(data); {
		if data[i] != 0 || data[i+1] != 0 || data[i+2] != 1 {
			i++
			continue
		}
		if start >= 0 {
			end := i
			for end > start && data[end-1] == 0 {
				end--
			}
			if end > start {
				nalus = append(nalus, data[start:end])
			}
		}
		i += 3
		start = i
	}
	if start >= 0 && start < len(data) {
		nalus = append(nalus, data[start:])
	} else if start < 0 && len(data) > 0 {
		// no start code: treat the whole buffer as a single unit
		nalus = append(nalus, data)
	}
	return
}

// IsAnnexB reports whether data starts with a start code.
func IsAnnexB(data []byte) bool {
	return len(data) >= 4 && data[0] == 0 && data[1] == 0 && (data[2] == 1 || data[2] == 0 && data[3] == 1)
}

// SplitLengthPrefixed splits NAL units prefixed by lengthSize-byte big-endian sizes.
func SplitLengthPrefixed(data []byte, lengthSize int) (nalus [][]byte, err error) {
	if lengthSize < 1 || lengthSize > 4 {
		return nil, fmt.Errorf("%w: NAL length size %d", util.ErrMalformedStream, lengthSize)
	}
	c := util.NewByteCursor(data, 0)
	for c.Remaining() > 0 {
		var n uint64
		if n, err = c.ReadUint(lengthSize); err != nil {
			return
		}
		var nalu []byte
		if nalu, err = c.ReadBytes(int(n)); err != nil {
			return
		}
		nalus = append(nalus, nalu)
	}
	return
}

// SplitNALUs accepts either framing; lengthSize 0 forces Annex-B.
func SplitNALUs(data []byte, lengthSize int) ([][]byte, error) {
	if lengthSize == 0 || IsAnnexB(data) {
		return SplitAnnexB(data), nil
	}
	return SplitLengthPrefixed(data, lengthSize)
}

func JoinLengthPrefixed(nalus [][]byte, lengthSize int) []byte {
	var w util.ByteWriter
	for _, nalu := range nalus {
		w.WriteUint(uint64(len(nalu)), lengthSize)
		w.WriteBytes(nalu...)
	}
	return w.Bytes()
}

func JoinAnnexB(nalus [][]byte) []byte {
	var out []byte
	for _, nalu := range nalus {
		out = append(out, 0, 0, 0, 1)
		out = append(out, nalu...)
	}
	return out
}

// AnnexBToLengthPrefixed rewrites a start-code framed access unit.
func AnnexBToLengthPrefixed(data []byte, lengthSize int) []byte {
	return JoinLengthPrefixed(SplitAnnexB(data), lengthSize)
}

// RemoveEmulationPrevention turns 00 00 03 into 00 00.
func RemoveEmulationPrevention(nalu []byte) []byte {
	out := make([]byte, 0, len(nalu))
	zeros := 0
	for _, b := range nalu {
		if zeros >= 2 && b == 3 {
			zeros = 0
			continue
		}
		out = append(out, b)
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}

// AddEmulationPrevention is the inverse of RemoveEmulationPrevention.
func AddEmulationPrevention(rbsp []byte) []byte {
	out := make([]byte, 0, len(rbsp)+len(rbsp)/64)
	zeros := 0
	for _, b := range rbsp {
		if zeros >= 2 && b <= 3 {
			out = append(out, 3)
			zeros = 0
		}
		out = append(out, b)
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}

func appendU16Prefixed(w *util.ByteWriter, b []byte) {
	w.WriteU16(uint16(len(b)))
	w.WriteBytes(b...)
}

func readU16Prefixed(c *util.ByteCursor) (b []byte, err error) {
	var n uint16
	if n, err = c.ReadU16(); err != nil {
		return
	}
	b, err = c.ReadBytes(int(n))
	return
}
