package codec

import (
	"fmt"

	"m7s.live/mediakit/pkg/util"
)

type AV1OBUType uint8

const (
	AV1_OBU_SEQUENCE_HEADER        AV1OBUType = 1
	AV1_OBU_TEMPORAL_DELIMITER     AV1OBUType = 2
	AV1_OBU_FRAME_HEADER           AV1OBUType = 3
	AV1_OBU_TILE_GROUP             AV1OBUType = 4
	AV1_OBU_METADATA               AV1OBUType = 5
	AV1_OBU_FRAME                  AV1OBUType = 6
	AV1_OBU_REDUNDANT_FRAME_HEADER AV1OBUType = 7
	AV1_OBU_TILE_LIST              AV1OBUType = 8
	AV1_OBU_PADDING                AV1OBUType = 15
)

// ReadLEB128 decodes an unsigned LEB128 value of at most 8 bytes.
func ReadLEB128(data []byte) (v uint64, n int, err error) {
	for i := 0; i < 8; i++ {
		if i >= len(data) {
			break
		}
		v |= uint64(data[i]&0x7f) << (7 * i)
		if data[i]&0x80 == 0 {
			return v, i + 1, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: truncated leb128", util.ErrMalformedStream)
}

func AppendLEB128(dst []byte, v uint64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(dst, b)
		}
		dst = append(dst, b|0x80)
	}
}

type OBUHeader struct {
	Type         AV1OBUType
	HasExtension bool
	HasSizeField bool
	TemporalID   uint8
	SpatialID    uint8
	HeaderLength int
}

// IterateOBUs walks a temporal unit. OBUs without a size field extend to the
// end of data. fn returning false stops the walk.
func IterateOBUs(data []byte, fn func(h OBUHeader, obu, payload []byte) bool) error {
	for pos := 0; pos < len(data); {
		start := pos
		b := data[pos]
		if b&0x80 != 0 {
			return fmt.Errorf("%w: OBU forbidden bit at %d", util.ErrMalformedStream, pos)
		}
		h := OBUHeader{Type: AV1OBUType(b >> 3 & 0xF), HasExtension: b&4 != 0, HasSizeField: b&2 != 0}
		pos++
		if h.HasExtension {
			if pos >= len(data) {
				return fmt.Errorf("%w: truncated OBU extension", util.ErrMalformedStream)
			}
			h.TemporalID, h.SpatialID = data[pos]>>5, data[pos]>>3&3
			pos++
		}
		size := uint64(len(data) - pos)
		if h.HasSizeField {
			v, n, err := ReadLEB128(data[pos:])
			if err != nil {
				return err
			}
			pos += n
			size = v
		}
		h.HeaderLength = pos - start
		if uint64(len(data)-pos) < size {
			return fmt.Errorf("%w: OBU size %d exceeds %d remaining", util.ErrMalformedStream, size, len(data)-pos)
		}
		end := pos + int(size)
		if !fn(h, data[start:end], data[pos:end]) {
			return nil
		}
		pos = end
	}
	return nil
}

type AV1SequenceHeader struct {
	SeqProfile           uint8
	StillPicture         bool
	ReducedStillPicture  bool
	SeqLevelIdx0         uint8
	SeqTier0             uint8
	MaxFrameWidth        int
	MaxFrameHeight       int
	BitDepth             uint8
	MonoChrome           bool
	SubsamplingX         bool
	SubsamplingY         bool
	ChromaSamplePosition uint8
	Color                ColorInfo
}

func readUVLC(r *util.BitReader) (uint64, error) {
	lz := 0
	for {
		b, err := r.ReadFlag()
		if err != nil {
			return 0, err
		}
		if b {
			break
		}
		lz++
	}
	if lz >= 32 {
		return 1<<32 - 1, nil
	}
	v, err := r.ReadBits64(lz)
	return v + 1<<lz - 1, err
}

// ParseAV1SequenceHeader decodes a sequence_header_obu payload.
func ParseAV1SequenceHeader(payload []byte) (sh AV1SequenceHeader, err error) {
	r := util.NewBitReader(payload)
	var v uint
	read := func(n int) uint {
		if err == nil {
			v, err = r.ReadBits(n)
			return v
		}
		return 0
	}
	flag := func() bool { return read(1) == 1 }
	sh.SeqProfile = uint8(read(3))
	sh.StillPicture = flag()
	sh.ReducedStillPicture = flag()
	if sh.ReducedStillPicture {
		sh.SeqLevelIdx0 = uint8(read(5))
	} else {
		var bufferDelayLength int
		decoderModelInfo := false
		if flag() { // timing_info_present_flag
			read(32)
			read(32)
			if flag() && err == nil {
				_, err = readUVLC(r)
			}
			if decoderModelInfo = flag(); decoderModelInfo {
				bufferDelayLength = int(read(5)) + 1
				read(32)
				read(10)
			}
		}
		initialDisplayDelay := flag()
		count := read(5) + 1
		for i := uint(0); i < count && err == nil; i++ {
			read(12)
			level := uint8(read(5))
			var tier uint8
			if level > 7 {
				tier = uint8(read(1))
			}
			if i == 0 {
				sh.SeqLevelIdx0, sh.SeqTier0 = level, tier
			}
			if decoderModelInfo && flag() {
				read(bufferDelayLength)
				read(bufferDelayLength)
				read(1)
			}
			if initialDisplayDelay && flag() {
				read(4)
			}
		}
	}
	wBits := int(read(4)) + 1
	hBits := int(read(4)) + 1
	sh.MaxFrameWidth = int(read(wBits)) + 1
	sh.MaxFrameHeight = int(read(hBits)) + 1
	if !sh.ReducedStillPicture && flag() {
		read(7) // delta_frame_id_length_minus_2, additional_frame_id_length_minus_1
	}
	read(3) // use_128x128_superblock, enable_filter_intra, enable_intra_edge_filter
	if !sh.ReducedStillPicture {
		read(4) // interintra, masked compound, warped motion, dual filter
		orderHint := flag()
		if orderHint {
			read(2)
		}
		forceScreenContent := uint(2)
		if !flag() {
			forceScreenContent = read(1)
		}
		if forceScreenContent > 0 && !flag() {
			read(1)
		}
		if orderHint {
			read(3)
		}
	}
	read(3) // superres, cdef, restoration
	sh.BitDepth = 8
	high := flag()
	if sh.SeqProfile == 2 && high {
		sh.BitDepth = util.Conditional[uint8](flag(), 12, 10)
	} else if high {
		sh.BitDepth = 10
	}
	if sh.SeqProfile != 1 {
		sh.MonoChrome = flag()
	}
	sh.Color = ColorInfo{Primaries: 2, Transfer: 2, Matrix: 2}
	if flag() {
		sh.Color.Primaries = uint8(read(8))
		sh.Color.Transfer = uint8(read(8))
		sh.Color.Matrix = uint8(read(8))
	}
	switch {
	case sh.MonoChrome:
		sh.Color.FullRange = flag()
		sh.SubsamplingX, sh.SubsamplingY = true, true
	case sh.Color.Primaries == 1 && sh.Color.Transfer == 13 && sh.Color.Matrix == 0:
		sh.Color.FullRange = true
	default:
		sh.Color.FullRange = flag()
		switch sh.SeqProfile {
		case 0:
			sh.SubsamplingX, sh.SubsamplingY = true, true
		case 1:
		default:
			if sh.BitDepth == 12 {
				if sh.SubsamplingX = flag(); sh.SubsamplingX {
					sh.SubsamplingY = flag()
				}
			} else {
				sh.SubsamplingX = true
			}
		}
		if sh.SubsamplingX && sh.SubsamplingY {
			sh.ChromaSamplePosition = uint8(read(2))
		}
	}
	return
}

// AV1CodecConfigurationRecord is the av1C payload.
type AV1CodecConfigurationRecord struct {
	AV1SequenceHeader
	ConfigOBUs []byte
}

func (rec *AV1CodecConfigurationRecord) Marshal() []byte {
	b := []byte{
		0x81,
		rec.SeqProfile<<5 | rec.SeqLevelIdx0&0x1F,
		rec.SeqTier0<<7 | util.Conditional[byte](rec.BitDepth > 8, 0x40, 0) | util.Conditional[byte](rec.BitDepth == 12, 0x20, 0) |
			util.Conditional[byte](rec.MonoChrome, 0x10, 0) | util.Conditional[byte](rec.SubsamplingX, 0x08, 0) |
			util.Conditional[byte](rec.SubsamplingY, 0x04, 0) | rec.ChromaSamplePosition&3,
		0,
	}
	return append(b, rec.ConfigOBUs...)
}

// Unmarshal reads av1C and re-parses the embedded sequence header OBU, which
// carries the fields the fixed part does not.
func (rec *AV1CodecConfigurationRecord) Unmarshal(b []byte) (err error) {
	if len(b) < 4 || b[0] != 0x81 {
		return fmt.Errorf("%w: av1C marker/version", util.ErrUnsupportedHeader)
	}
	rec.ConfigOBUs = b[4:]
	found := false
	var parseErr error
	err = IterateOBUs(rec.ConfigOBUs, func(h OBUHeader, _, payload []byte) bool {
		if h.Type == AV1_OBU_SEQUENCE_HEADER {
			rec.AV1SequenceHeader, parseErr = ParseAV1SequenceHeader(payload)
			found = true
			return false
		}
		return true
	})
	if err == nil {
		err = parseErr
	}
	if err == nil && !found {
		rec.SeqProfile = b[1] >> 5
		rec.SeqLevelIdx0 = b[1] & 0x1F
		rec.SeqTier0 = b[2] >> 7
		rec.BitDepth = util.Conditional[uint8](b[2]&0x40 == 0, 8, util.Conditional[uint8](b[2]&0x20 != 0, 12, 10))
		rec.MonoChrome = b[2]&0x10 != 0
		rec.SubsamplingX, rec.SubsamplingY = b[2]&0x08 != 0, b[2]&0x04 != 0
		rec.ChromaSamplePosition = b[2] & 3
	}
	return
}

type AV1Ctx struct {
	AV1CodecConfigurationRecord
	record []byte
}

func NewAV1CtxFromRecord(record []byte) (ctx *AV1Ctx, err error) {
	ctx = &AV1Ctx{record: record}
	if err = ctx.Unmarshal(record); err != nil {
		return nil, err
	}
	return
}

// NewAV1CtxFromTemporalUnit takes the sequence header OBU of a key frame.
func NewAV1CtxFromTemporalUnit(tu []byte) (ctx *AV1Ctx, err error) {
	var seq []byte
	var payload []byte
	if err = IterateOBUs(tu, func(h OBUHeader, obu, p []byte) bool {
		if h.Type == AV1_OBU_SEQUENCE_HEADER {
			seq, payload = obu, p
			return false
		}
		return true
	}); err != nil {
		return
	}
	if seq == nil {
		return nil, fmt.Errorf("%w: no AV1 sequence header", util.ErrUnsupportedHeader)
	}
	ctx = &AV1Ctx{}
	if ctx.AV1SequenceHeader, err = ParseAV1SequenceHeader(payload); err != nil {
		return nil, err
	}
	if seq[0]&2 == 0 {
		// av1C requires the size field
		obu := []byte{seq[0] | 2}
		obu = append(obu, seq[1:len(seq)-len(payload)]...)
		obu = AppendLEB128(obu, uint64(len(payload)))
		seq = append(obu, payload...)
	}
	ctx.ConfigOBUs = seq
	ctx.record = ctx.Marshal()
	return
}

func (*AV1Ctx) FourCC() FourCC {
	return FourCC_AV1
}

func (ctx *AV1Ctx) GetInfo() string {
	return fmt.Sprintf("profile: %d, level: %d, resolution: %dx%d", ctx.SeqProfile, ctx.SeqLevelIdx0, ctx.MaxFrameWidth, ctx.MaxFrameHeight)
}

func (ctx *AV1Ctx) GetRecord() []byte {
	return ctx.record
}

func (ctx *AV1Ctx) CodecString() string {
	return fmt.Sprintf("av01.%d.%02d%c.%02d", ctx.SeqProfile, ctx.SeqLevelIdx0, "MH"[ctx.SeqTier0&1], ctx.BitDepth)
}

func (ctx *AV1Ctx) Width() int {
	return ctx.MaxFrameWidth
}

func (ctx *AV1Ctx) Height() int {
	return ctx.MaxFrameHeight
}

// IsAV1KeyFrame reports whether a temporal unit starts a coded video sequence.
func IsAV1KeyFrame(tu []byte) bool {
	key := false
	_ = IterateOBUs(tu, func(h OBUHeader, _, payload []byte) bool {
		switch h.Type {
		case AV1_OBU_SEQUENCE_HEADER:
			key = true
			return false
		case AV1_OBU_FRAME, AV1_OBU_FRAME_HEADER:
			// show_existing_frame = 0, frame_type = KEY_FRAME
			key = len(payload) > 0 && payload[0]&0xE0 == 0
			return false
		}
		return true
	})
	return key
}
