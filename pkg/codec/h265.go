package codec

import (
	"fmt"
	"math/bits"
	"strings"

	"m7s.live/mediakit/pkg/util"
)

type H265NALUType byte

func ParseH265NALUType(b byte) H265NALUType {
	return H265NALUType(b & 0x7E >> 1)
}

const (
	NAL_UNIT_CODED_SLICE_TRAIL_N    H265NALUType = 0
	NAL_UNIT_CODED_SLICE_BLA_W_LP   H265NALUType = 16
	NAL_UNIT_CODED_SLICE_IDR_W_RADL H265NALUType = 19
	NAL_UNIT_CODED_SLICE_IDR_N_LP   H265NALUType = 20
	NAL_UNIT_CODED_SLICE_CRA        H265NALUType = 21
	NAL_UNIT_RESERVED_IRAP_23       H265NALUType = 23
	NAL_UNIT_VPS                    H265NALUType = 32
	NAL_UNIT_SPS                    H265NALUType = 33
	NAL_UNIT_PPS                    H265NALUType = 34
	NAL_UNIT_ACCESS_UNIT_DELIMITER  H265NALUType = 35
	NAL_UNIT_PREFIX_SEI             H265NALUType = 39
	NAL_UNIT_SUFFIX_SEI             H265NALUType = 40
)

func (t H265NALUType) IsIRAP() bool {
	return t >= NAL_UNIT_CODED_SLICE_BLA_W_LP && t <= NAL_UNIT_RESERVED_IRAP_23
}

// ProfileTierLevel holds the general_* fields of profile_tier_level().
type ProfileTierLevel struct {
	ProfileSpace         uint8
	TierFlag             uint8
	ProfileIdc           uint8
	CompatibilityFlags   uint32
	ConstraintIndicators uint64 // 48 bits
	LevelIdc             uint8
}

type HEVCSPSInfo struct {
	ProfileTierLevel
	MaxSubLayersMinus1        uint8
	TemporalIdNested          bool
	ChromaFormatIdc           uint
	BitDepthLumaMinus8        uint
	BitDepthChromaMinus8      uint
	Width, Height             uint
	MinSpatialSegmentationIdc uint
	Color                     *ColorInfo
}

type hevcReader struct {
	*util.BitReader
	err error
}

func (r *hevcReader) u(n int) uint {
	if r.err != nil {
		return 0
	}
	var v uint
	v, r.err = r.ReadBits(n)
	return v
}

func (r *hevcReader) u64(n int) uint64 {
	if r.err != nil {
		return 0
	}
	var v uint64
	v, r.err = r.ReadBits64(n)
	return v
}

func (r *hevcReader) ue() uint {
	if r.err != nil {
		return 0
	}
	var v uint
	v, r.err = r.ReadExponentialGolombCode()
	return v
}

func (r *hevcReader) se() int {
	if r.err != nil {
		return 0
	}
	var v int
	v, r.err = r.ReadSE()
	return v
}

func (r *hevcReader) profileTierLevel(ptl *ProfileTierLevel, maxSubLayersMinus1 uint8) {
	ptl.ProfileSpace = uint8(r.u(2))
	ptl.TierFlag = uint8(r.u(1))
	ptl.ProfileIdc = uint8(r.u(5))
	ptl.CompatibilityFlags = uint32(r.u64(32))
	ptl.ConstraintIndicators = r.u64(48)
	ptl.LevelIdc = uint8(r.u(8))
	profilePresent := make([]bool, maxSubLayersMinus1)
	levelPresent := make([]bool, maxSubLayersMinus1)
	for i := range maxSubLayersMinus1 {
		profilePresent[i] = r.u(1) == 1
		levelPresent[i] = r.u(1) == 1
	}
	if maxSubLayersMinus1 > 0 {
		for i := maxSubLayersMinus1; i < 8; i++ {
			r.u(2)
		}
	}
	for i := range maxSubLayersMinus1 {
		if profilePresent[i] {
			r.u64(32)
			r.u64(56)
		}
		if levelPresent[i] {
			r.u(8)
		}
	}
}

func (r *hevcReader) scalingListData() {
	for sizeID := 0; sizeID < 4; sizeID++ {
		for matrixID := 0; matrixID < 6; matrixID += util.Conditional(sizeID == 3, 3, 1) {
			if r.u(1) == 0 {
				r.ue() // scaling_list_pred_matrix_id_delta
				continue
			}
			coefNum := min(64, 1<<(4+(sizeID<<1)))
			if sizeID > 1 {
				r.se()
			}
			for range coefNum {
				r.se()
			}
		}
	}
}

// stRefPicSets walks st_ref_pic_set(i) for every set and returns nothing; only
// the bit position matters to the caller.
func (r *hevcReader) stRefPicSets(num uint) {
	numDeltaPocs := make([]uint, num)
	for idx := uint(0); idx < num && r.err == nil; idx++ {
		interPred := idx != 0 && r.u(1) == 1
		if interPred {
			r.u(1) // delta_rps_sign
			r.ue() // abs_delta_rps_minus1
			ref := idx - 1
			for j := uint(0); j <= numDeltaPocs[ref]; j++ {
				used := r.u(1) == 1
				useDelta := true
				if !used {
					useDelta = r.u(1) == 1
				}
				if used || useDelta {
					numDeltaPocs[idx]++
				}
			}
			continue
		}
		neg, pos := r.ue(), r.ue()
		if neg > 16 || pos > 16 {
			r.err = fmt.Errorf("%w: st_ref_pic_set with %d/%d pictures", util.ErrMalformedStream, neg, pos)
			return
		}
		for range neg + pos {
			r.ue()
			r.u(1)
		}
		numDeltaPocs[idx] = neg + pos
	}
}

func (r *hevcReader) subLayerHRD(cpbCnt uint, subPic bool) {
	for range cpbCnt + 1 {
		r.ue()
		r.ue()
		if subPic {
			r.ue()
			r.ue()
		}
		r.u(1)
	}
}

func (r *hevcReader) hrdParameters(maxSubLayersMinus1 uint8) {
	nal := r.u(1) == 1
	vcl := r.u(1) == 1
	subPic := false
	if nal || vcl {
		if subPic = r.u(1) == 1; subPic {
			r.u(8)
			r.u(5)
			r.u(1)
			r.u(5)
		}
		r.u(8) // bit_rate_scale, cpb_size_scale
		if subPic {
			r.u(4)
		}
		r.u(15)
	}
	for range maxSubLayersMinus1 + 1 {
		fixedWithinCVS := r.u(1) == 1
		if !fixedWithinCVS {
			fixedWithinCVS = r.u(1) == 1
		}
		lowDelay := false
		if fixedWithinCVS {
			r.ue()
		} else {
			lowDelay = r.u(1) == 1
		}
		var cpbCnt uint
		if !lowDelay {
			cpbCnt = r.ue()
		}
		if nal {
			r.subLayerHRD(cpbCnt, subPic)
		}
		if vcl {
			r.subLayerHRD(cpbCnt, subPic)
		}
	}
}

func (r *hevcReader) vui(info *HEVCSPSInfo) {
	if r.u(1) == 1 && r.u(8) == 255 {
		r.u(32)
	}
	if r.u(1) == 1 {
		r.u(1)
	}
	if r.err == nil {
		info.Color, r.err = readVideoSignalType(r.BitReader)
	}
	if r.u(1) == 1 {
		r.ue()
		r.ue()
	}
	r.u(3) // neutral_chroma, field_seq, frame_field_info
	if r.u(1) == 1 {
		r.ue()
		r.ue()
		r.ue()
		r.ue()
	}
	if r.u(1) == 1 {
		r.u64(64)
		if r.u(1) == 1 {
			r.ue()
		}
		if r.u(1) == 1 {
			r.hrdParameters(info.MaxSubLayersMinus1)
		}
	}
	if r.u(1) == 1 {
		r.u(3)
		info.MinSpatialSegmentationIdc = r.ue()
		r.ue()
		r.ue()
		r.ue()
		r.ue()
	}
}

// ParseHEVCSPS walks an H.265 SPS through the VUI. nalu includes the two-byte
// NAL header.
func ParseHEVCSPS(nalu []byte) (info HEVCSPSInfo, err error) {
	if len(nalu) < 3 || ParseH265NALUType(nalu[0]) != NAL_UNIT_SPS {
		return info, fmt.Errorf("%w: not an HEVC SPS", util.ErrMalformedStream)
	}
	r := &hevcReader{BitReader: util.NewBitReader(RemoveEmulationPrevention(nalu[2:]))}
	r.u(4) // sps_video_parameter_set_id
	info.MaxSubLayersMinus1 = uint8(r.u(3))
	info.TemporalIdNested = r.u(1) == 1
	r.profileTierLevel(&info.ProfileTierLevel, info.MaxSubLayersMinus1)
	r.ue() // sps_seq_parameter_set_id
	if info.ChromaFormatIdc = r.ue(); info.ChromaFormatIdc == 3 {
		r.u(1)
	}
	info.Width = r.ue()
	info.Height = r.ue()
	if r.u(1) == 1 {
		subW := util.Conditional[uint](info.ChromaFormatIdc == 1 || info.ChromaFormatIdc == 2, 2, 1)
		subH := util.Conditional[uint](info.ChromaFormatIdc == 1, 2, 1)
		left, right, top, bottom := r.ue(), r.ue(), r.ue(), r.ue()
		info.Width -= subW * (left + right)
		info.Height -= subH * (top + bottom)
	}
	info.BitDepthLumaMinus8 = r.ue()
	info.BitDepthChromaMinus8 = r.ue()
	log2MaxPocLsb := r.ue() + 4
	first := uint(info.MaxSubLayersMinus1)
	if r.u(1) == 1 {
		first = 0
	}
	for i := first; i <= uint(info.MaxSubLayersMinus1); i++ {
		r.ue()
		r.ue()
		r.ue()
	}
	for range 6 {
		r.ue() // coding block, transform block and hierarchy depths
	}
	if r.u(1) == 1 && r.u(1) == 1 {
		r.scalingListData()
	}
	r.u(2) // amp, sample_adaptive_offset
	if r.u(1) == 1 {
		r.u(8)
		r.ue()
		r.ue()
		r.u(1)
	}
	r.stRefPicSets(r.ue())
	if r.u(1) == 1 {
		n := r.ue()
		for i := uint(0); i < n && r.err == nil; i++ {
			r.u(int(log2MaxPocLsb))
			r.u(1)
		}
	}
	r.u(2) // temporal_mvp, strong_intra_smoothing
	if r.u(1) == 1 {
		r.vui(&info)
	}
	err = r.err
	return
}

// HEVCDecoderConfigurationRecord is the hvcC payload (ISO/IEC 14496-15 8.3.3).
type HEVCDecoderConfigurationRecord struct {
	ProfileTierLevel
	MinSpatialSegmentationIdc uint16
	ParallelismType           uint8
	ChromaFormat              uint8
	BitDepthLumaMinus8        uint8
	BitDepthChromaMinus8      uint8
	AvgFrameRate              uint16
	ConstantFrameRate         uint8
	NumTemporalLayers         uint8
	TemporalIdNested          bool
	LengthSizeMinusOne        uint8
	Arrays                    []HEVCNALUArray
}

type HEVCNALUArray struct {
	Completeness bool
	Type         H265NALUType
	NALUs        [][]byte
}

func (rec *HEVCDecoderConfigurationRecord) Marshal() ([]byte, error) {
	w := util.NewBitWriter()
	w.WriteBits(1, 8)
	w.WriteBits(uint64(rec.ProfileSpace), 2)
	w.WriteBits(uint64(rec.TierFlag), 1)
	w.WriteBits(uint64(rec.ProfileIdc), 5)
	w.WriteBits(uint64(rec.CompatibilityFlags), 32)
	w.WriteBits(rec.ConstraintIndicators, 48)
	w.WriteBits(uint64(rec.LevelIdc), 8)
	w.WriteBits(0xF, 4)
	w.WriteBits(uint64(rec.MinSpatialSegmentationIdc), 12)
	w.WriteBits(0x3F, 6)
	w.WriteBits(uint64(rec.ParallelismType), 2)
	w.WriteBits(0x3F, 6)
	w.WriteBits(uint64(rec.ChromaFormat), 2)
	w.WriteBits(0x1F, 5)
	w.WriteBits(uint64(rec.BitDepthLumaMinus8), 3)
	w.WriteBits(0x1F, 5)
	w.WriteBits(uint64(rec.BitDepthChromaMinus8), 3)
	w.WriteBits(uint64(rec.AvgFrameRate), 16)
	w.WriteBits(uint64(rec.ConstantFrameRate), 2)
	w.WriteBits(uint64(rec.NumTemporalLayers), 3)
	w.WriteFlag(rec.TemporalIdNested)
	w.WriteBits(uint64(rec.LengthSizeMinusOne), 2)
	w.WriteBits(uint64(len(rec.Arrays)), 8)
	for _, a := range rec.Arrays {
		w.WriteFlag(a.Completeness)
		w.WriteBits(0, 1)
		w.WriteBits(uint64(a.Type), 6)
		w.WriteBits(uint64(len(a.NALUs)), 16)
		for _, nalu := range a.NALUs {
			w.WriteBits(uint64(len(nalu)), 16)
			w.WriteBytes(nalu)
		}
	}
	return w.Bytes()
}

func (rec *HEVCDecoderConfigurationRecord) Unmarshal(b []byte) (err error) {
	if len(b) < 23 {
		return fmt.Errorf("%w: hvcC too short", util.ErrMalformedStream)
	}
	r := &hevcReader{BitReader: util.NewBitReader(b)}
	if v := r.u(8); v != 1 {
		return fmt.Errorf("%w: hvcC version %d", util.ErrUnsupportedHeader, v)
	}
	rec.ProfileSpace = uint8(r.u(2))
	rec.TierFlag = uint8(r.u(1))
	rec.ProfileIdc = uint8(r.u(5))
	rec.CompatibilityFlags = uint32(r.u64(32))
	rec.ConstraintIndicators = r.u64(48)
	rec.LevelIdc = uint8(r.u(8))
	r.u(4)
	rec.MinSpatialSegmentationIdc = uint16(r.u(12))
	r.u(6)
	rec.ParallelismType = uint8(r.u(2))
	r.u(6)
	rec.ChromaFormat = uint8(r.u(2))
	r.u(5)
	rec.BitDepthLumaMinus8 = uint8(r.u(3))
	r.u(5)
	rec.BitDepthChromaMinus8 = uint8(r.u(3))
	rec.AvgFrameRate = uint16(r.u(16))
	rec.ConstantFrameRate = uint8(r.u(2))
	rec.NumTemporalLayers = uint8(r.u(3))
	rec.TemporalIdNested = r.u(1) == 1
	rec.LengthSizeMinusOne = uint8(r.u(2))
	numArrays := r.u(8)
	if r.err != nil {
		return r.err
	}
	c := util.NewByteCursor(b, 0)
	c.Pos = r.ByteOffset()
	rec.Arrays = make([]HEVCNALUArray, numArrays)
	for i := range rec.Arrays {
		var v uint8
		var n uint16
		if v, err = c.ReadU8(); err != nil {
			return
		}
		if n, err = c.ReadU16(); err != nil {
			return
		}
		a := &rec.Arrays[i]
		a.Completeness = v&0x80 != 0
		a.Type = H265NALUType(v & 0x3F)
		a.NALUs = make([][]byte, n)
		for j := range a.NALUs {
			if a.NALUs[j], err = readU16Prefixed(c); err != nil {
				return
			}
		}
	}
	return
}

// NALUs returns the parameter sets of type t.
func (rec *HEVCDecoderConfigurationRecord) NALUs(t H265NALUType) [][]byte {
	for _, a := range rec.Arrays {
		if a.Type == t {
			return a.NALUs
		}
	}
	return nil
}

type H265Ctx struct {
	HEVCDecoderConfigurationRecord
	SPSInfo HEVCSPSInfo
	record  []byte
}

func NewH265CtxFromRecord(record []byte) (ctx *H265Ctx, err error) {
	ctx = &H265Ctx{record: record}
	if err = ctx.HEVCDecoderConfigurationRecord.Unmarshal(record); err != nil {
		return nil, err
	}
	sps := ctx.NALUs(NAL_UNIT_SPS)
	if len(sps) == 0 {
		return nil, fmt.Errorf("%w: hvcC without SPS", util.ErrUnsupportedHeader)
	}
	if ctx.SPSInfo, err = ParseHEVCSPS(sps[0]); err != nil {
		return nil, err
	}
	return
}

func NewH265CtxFromNALUs(au []byte, lengthSize int) (ctx *H265Ctx, err error) {
	nalus, err := SplitNALUs(au, lengthSize)
	if err != nil {
		return nil, err
	}
	var vps, sps, pps, sei [][]byte
	for _, nalu := range nalus {
		if len(nalu) < 2 {
			continue
		}
		switch ParseH265NALUType(nalu[0]) {
		case NAL_UNIT_VPS:
			vps = append(vps, nalu)
		case NAL_UNIT_SPS:
			sps = append(sps, nalu)
		case NAL_UNIT_PPS:
			pps = append(pps, nalu)
		case NAL_UNIT_PREFIX_SEI:
			sei = append(sei, nalu)
		}
	}
	if len(vps) == 0 || len(sps) == 0 || len(pps) == 0 {
		return nil, fmt.Errorf("%w: no VPS/SPS/PPS in access unit", util.ErrUnsupportedHeader)
	}
	ctx = &H265Ctx{}
	if ctx.SPSInfo, err = ParseHEVCSPS(sps[0]); err != nil {
		return nil, err
	}
	info := &ctx.SPSInfo
	rec := &ctx.HEVCDecoderConfigurationRecord
	rec.ProfileTierLevel = info.ProfileTierLevel
	rec.MinSpatialSegmentationIdc = uint16(info.MinSpatialSegmentationIdc)
	rec.ChromaFormat = uint8(info.ChromaFormatIdc)
	rec.BitDepthLumaMinus8 = uint8(info.BitDepthLumaMinus8)
	rec.BitDepthChromaMinus8 = uint8(info.BitDepthChromaMinus8)
	rec.NumTemporalLayers = info.MaxSubLayersMinus1 + 1
	rec.TemporalIdNested = info.TemporalIdNested
	rec.LengthSizeMinusOne = 3
	rec.Arrays = []HEVCNALUArray{
		{Completeness: true, Type: NAL_UNIT_VPS, NALUs: vps},
		{Completeness: true, Type: NAL_UNIT_SPS, NALUs: sps},
		{Completeness: true, Type: NAL_UNIT_PPS, NALUs: pps},
	}
	if len(sei) > 0 {
		rec.Arrays = append(rec.Arrays, HEVCNALUArray{Type: NAL_UNIT_PREFIX_SEI, NALUs: sei})
	}
	ctx.record, err = rec.Marshal()
	return
}

func (*H265Ctx) FourCC() FourCC {
	return FourCC_H265
}

func (ctx *H265Ctx) GetInfo() string {
	return fmt.Sprintf("profile: %d, level: %d, resolution: %dx%d", ctx.ProfileIdc, ctx.LevelIdc, ctx.SPSInfo.Width, ctx.SPSInfo.Height)
}

func (ctx *H265Ctx) GetRecord() []byte {
	return ctx.record
}

func (ctx *H265Ctx) Width() int {
	return int(ctx.SPSInfo.Width)
}

func (ctx *H265Ctx) Height() int {
	return int(ctx.SPSInfo.Height)
}

func (ctx *H265Ctx) NALULengthSize() int {
	return int(ctx.LengthSizeMinusOne) + 1
}

// CodecString follows ISO/IEC 14496-15 Annex E, e.g. hvc1.1.6.L93.B0.
func (ctx *H265Ctx) CodecString() string {
	var sb strings.Builder
	sb.WriteString("hvc1.")
	if ctx.ProfileSpace > 0 {
		sb.WriteByte("ABC"[ctx.ProfileSpace-1])
	}
	fmt.Fprintf(&sb, "%d.%X.%c%d", ctx.ProfileIdc, bits.Reverse32(ctx.CompatibilityFlags), "LH"[ctx.TierFlag&1], ctx.LevelIdc)
	constraint := make([]byte, 6)
	for i := range constraint {
		constraint[i] = byte(ctx.ConstraintIndicators >> (40 - 8*i))
	}
	end := len(constraint)
	for end > 0 && constraint[end-1] == 0 {
		end--
	}
	for _, b := range constraint[:end] {
		fmt.Fprintf(&sb, ".%X", b)
	}
	return sb.String()
}

func IsH265KeyFrame(au []byte, lengthSize int) bool {
	nalus, _ := SplitNALUs(au, lengthSize)
	for _, nalu := range nalus {
		if len(nalu) > 0 && ParseH265NALUType(nalu[0]).IsIRAP() {
			return true
		}
	}
	return false
}
