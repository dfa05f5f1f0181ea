package codec

import (
	"fmt"

	"m7s.live/mediakit/pkg/util"
)

type H264NALUType byte

func ParseH264NALUType(b byte) H264NALUType {
	return H264NALUType(b & 0x1F)
}

func (t *H264NALUType) Parse(b byte) H264NALUType {
	*t = H264NALUType(b & 0x1F)
	return *t
}

const (
	NALU_Unspecified           H264NALUType = iota
	NALU_Non_IDR_Picture                    // 1
	NALU_Data_Partition_A                   // 2
	NALU_Data_Partition_B                   // 3
	NALU_Data_Partition_C                   // 4
	NALU_IDR_Picture                        // 5
	NALU_SEI                                // 6
	NALU_SPS                                // 7
	NALU_PPS                                // 8
	NALU_Access_Unit_Delimiter              // 9
	NALU_Sequence_End                       // 10
	NALU_Stream_End                         // 11
	NALU_Filler_Data                        // 12
	NALU_SPS_Extension                      // 13
)

type SPSInfo struct {
	ProfileIdc      uint
	ConstraintFlags uint
	LevelIdc        uint
	ChromaFormatIdc uint
	BitDepthLuma    uint
	BitDepthChroma  uint
	FrameMbsOnly    bool
	Width, Height   uint
	Color           *ColorInfo
}

func hasChromaInfo(profile uint) bool {
	switch profile {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134, 135:
		return true
	}
	return false
}

func skipScalingList(r *util.BitReader, size int) error {
	last, next := 8, 8
	for range size {
		if next != 0 {
			delta, err := r.ReadSE()
			if err != nil {
				return err
			}
			next = (last + delta + 256) % 256
		}
		if next != 0 {
			last = next
		}
	}
	return nil
}

// ParseSPS decodes the fields of an H.264 SPS needed for the avcC record and
// the display size. nalu includes the one-byte NAL header.
func ParseSPS(nalu []byte) (info SPSInfo, err error) {
	if len(nalu) < 4 || ParseH264NALUType(nalu[0]) != NALU_SPS {
		return info, fmt.Errorf("%w: not an SPS", util.ErrMalformedStream)
	}
	r := util.NewBitReader(RemoveEmulationPrevention(nalu[1:]))
	var v uint
	read := func(n int) uint {
		if err == nil {
			v, err = r.ReadBits(n)
			return v
		}
		return 0
	}
	ue := func() uint {
		if err == nil {
			v, err = r.ReadExponentialGolombCode()
			return v
		}
		return 0
	}
	info.ProfileIdc = read(8)
	info.ConstraintFlags = read(8)
	info.LevelIdc = read(8)
	ue() // seq_parameter_set_id
	info.ChromaFormatIdc, info.BitDepthLuma, info.BitDepthChroma = 1, 8, 8
	separateColourPlane := false
	if hasChromaInfo(info.ProfileIdc) {
		if info.ChromaFormatIdc = ue(); info.ChromaFormatIdc == 3 {
			separateColourPlane = read(1) == 1
		}
		info.BitDepthLuma = ue() + 8
		info.BitDepthChroma = ue() + 8
		read(1) // qpprime_y_zero_transform_bypass_flag
		if read(1) == 1 {
			lists := 8
			if info.ChromaFormatIdc == 3 {
				lists = 12
			}
			for i := 0; i < lists && err == nil; i++ {
				if read(1) == 1 {
					err = skipScalingList(r, util.Conditional(i < 6, 16, 64))
				}
			}
		}
	}
	ue() // log2_max_frame_num_minus4
	switch ue() {
	case 0:
		ue() // log2_max_pic_order_cnt_lsb_minus4
	case 1:
		read(1)
		for range 2 {
			if err == nil {
				_, err = r.ReadSE()
			}
		}
		n := ue()
		for i := uint(0); i < n && err == nil; i++ {
			_, err = r.ReadSE()
		}
	}
	ue() // max_num_ref_frames
	read(1)
	mbWidth := ue() + 1
	mapHeight := ue() + 1
	info.FrameMbsOnly = read(1) == 1
	if !info.FrameMbsOnly {
		read(1) // mb_adaptive_frame_field_flag
	}
	read(1) // direct_8x8_inference_flag
	var cropLeft, cropRight, cropTop, cropBottom uint
	if read(1) == 1 {
		cropLeft, cropRight, cropTop, cropBottom = ue(), ue(), ue(), ue()
	}
	if err != nil {
		return
	}
	cropX, cropY := uint(1), uint(1)
	if info.ChromaFormatIdc != 0 && !separateColourPlane {
		cropX = util.Conditional[uint](info.ChromaFormatIdc == 3, 1, 2)
		cropY = util.Conditional[uint](info.ChromaFormatIdc == 1, 2, 1)
	}
	frameHeightFactor := util.Conditional[uint](info.FrameMbsOnly, 1, 2)
	cropY *= frameHeightFactor
	info.Width = mbWidth*16 - cropX*(cropLeft+cropRight)
	info.Height = frameHeightFactor*mapHeight*16 - cropY*(cropTop+cropBottom)
	if read(1) == 1 {
		info.Color, err = parseH264VUIColor(r)
	}
	if err == nil && (info.Width == 0 || info.Height == 0) {
		err = fmt.Errorf("%w: SPS picture size %dx%d", util.ErrMalformedStream, info.Width, info.Height)
	}
	return
}

// parseH264VUIColor reads the VUI up to the colour description.
func parseH264VUIColor(r *util.BitReader) (*ColorInfo, error) {
	if f, err := r.ReadFlag(); err != nil {
		return nil, err
	} else if f {
		idc, err := r.ReadBits(8)
		if err != nil {
			return nil, err
		}
		if idc == 255 { // Extended_SAR
			if err = r.SkipBits(32); err != nil {
				return nil, err
			}
		}
	}
	if f, err := r.ReadFlag(); err != nil {
		return nil, err
	} else if f {
		if err = r.SkipBits(1); err != nil {
			return nil, err
		}
	}
	return readVideoSignalType(r)
}

// readVideoSignalType is shared by the H.264 and H.265 VUI.
func readVideoSignalType(r *util.BitReader) (*ColorInfo, error) {
	present, err := r.ReadFlag()
	if err != nil || !present {
		return nil, err
	}
	if err = r.SkipBits(3); err != nil { // video_format
		return nil, err
	}
	c := &ColorInfo{Primaries: 2, Transfer: 2, Matrix: 2}
	if c.FullRange, err = r.ReadFlag(); err != nil {
		return nil, err
	}
	if desc, err := r.ReadFlag(); err != nil {
		return nil, err
	} else if desc {
		v, err := r.ReadBits(24)
		if err != nil {
			return nil, err
		}
		c.Primaries, c.Transfer, c.Matrix = uint8(v>>16), uint8(v>>8), uint8(v)
	}
	return c, nil
}

// AVCDecoderConfigurationRecord is the avcC payload (ISO/IEC 14496-15 5.3.3).
type AVCDecoderConfigurationRecord struct {
	ConfigurationVersion byte
	Profile              byte
	Compatibility        byte
	Level                byte
	LengthSizeMinusOne   byte
	SPS, PPS, SPSExt     [][]byte
	ChromaFormat         byte
	BitDepthLumaMinus8   byte
	BitDepthChromaMinus8 byte
}

func (r *AVCDecoderConfigurationRecord) Unmarshal(b []byte) (err error) {
	c := util.NewByteCursor(b, 0)
	var v uint8
	fields := []*byte{&r.ConfigurationVersion, &r.Profile, &r.Compatibility, &r.Level, &v}
	for _, f := range fields {
		if *f, err = c.ReadU8(); err != nil {
			return
		}
	}
	if r.ConfigurationVersion != 1 {
		return fmt.Errorf("%w: avcC version %d", util.ErrUnsupportedHeader, r.ConfigurationVersion)
	}
	r.LengthSizeMinusOne = v & 3
	if v, err = c.ReadU8(); err != nil {
		return
	}
	r.SPS = make([][]byte, v&0x1F)
	for i := range r.SPS {
		if r.SPS[i], err = readU16Prefixed(c); err != nil {
			return
		}
	}
	if v, err = c.ReadU8(); err != nil {
		return
	}
	r.PPS = make([][]byte, v)
	for i := range r.PPS {
		if r.PPS[i], err = readU16Prefixed(c); err != nil {
			return
		}
	}
	r.ChromaFormat, r.BitDepthLumaMinus8, r.BitDepthChromaMinus8 = 1, 0, 0
	// the high profile extension is frequently omitted by writers
	if hasChromaInfo(uint(r.Profile)) && c.Remaining() >= 4 {
		ext, _ := c.ReadBytes(4)
		r.ChromaFormat = ext[0] & 3
		r.BitDepthLumaMinus8 = ext[1] & 7
		r.BitDepthChromaMinus8 = ext[2] & 7
		r.SPSExt = make([][]byte, ext[3])
		for i := range r.SPSExt {
			if r.SPSExt[i], err = readU16Prefixed(c); err != nil {
				return
			}
		}
	}
	return
}

func (r *AVCDecoderConfigurationRecord) Marshal() []byte {
	var w util.ByteWriter
	w.WriteBytes(1, r.Profile, r.Compatibility, r.Level, 0xFC|r.LengthSizeMinusOne&3, 0xE0|byte(len(r.SPS))&0x1F)
	for _, sps := range r.SPS {
		appendU16Prefixed(&w, sps)
	}
	w.WriteU8(byte(len(r.PPS)))
	for _, pps := range r.PPS {
		appendU16Prefixed(&w, pps)
	}
	if hasChromaInfo(uint(r.Profile)) {
		w.WriteBytes(0xFC|r.ChromaFormat&3, 0xF8|r.BitDepthLumaMinus8&7, 0xF8|r.BitDepthChromaMinus8&7, byte(len(r.SPSExt)))
		for _, ext := range r.SPSExt {
			appendU16Prefixed(&w, ext)
		}
	}
	return w.Bytes()
}

type H264Ctx struct {
	AVCDecoderConfigurationRecord
	SPSInfo
	record []byte
}

// NewH264CtxFromRecord parses an avcC payload.
func NewH264CtxFromRecord(record []byte) (ctx *H264Ctx, err error) {
	ctx = &H264Ctx{record: record}
	if err = ctx.AVCDecoderConfigurationRecord.Unmarshal(record); err != nil {
		return nil, err
	}
	if len(ctx.SPS) == 0 {
		return nil, fmt.Errorf("%w: avcC without SPS", util.ErrUnsupportedHeader)
	}
	if ctx.SPSInfo, err = ParseSPS(ctx.SPS[0]); err != nil {
		return nil, err
	}
	return
}

// NewH264CtxFromNALUs builds the configuration from the parameter sets found in
// an access unit (Annex-B or length-prefixed with lengthSize).
func NewH264CtxFromNALUs(au []byte, lengthSize int) (ctx *H264Ctx, err error) {
	nalus, err := SplitNALUs(au, lengthSize)
	if err != nil {
		return nil, err
	}
	ctx = &H264Ctx{}
	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		switch ParseH264NALUType(nalu[0]) {
		case NALU_SPS:
			ctx.SPS = append(ctx.SPS, nalu)
		case NALU_PPS:
			ctx.PPS = append(ctx.PPS, nalu)
		case NALU_SPS_Extension:
			ctx.SPSExt = append(ctx.SPSExt, nalu)
		}
	}
	if len(ctx.SPS) == 0 || len(ctx.PPS) == 0 {
		return nil, fmt.Errorf("%w: no SPS/PPS in access unit", util.ErrUnsupportedHeader)
	}
	if ctx.SPSInfo, err = ParseSPS(ctx.SPS[0]); err != nil {
		return nil, err
	}
	ctx.ConfigurationVersion = 1
	ctx.Profile = ctx.SPS[0][1]
	ctx.Compatibility = ctx.SPS[0][2]
	ctx.Level = ctx.SPS[0][3]
	ctx.LengthSizeMinusOne = 3
	ctx.ChromaFormat = byte(ctx.ChromaFormatIdc)
	ctx.BitDepthLumaMinus8 = byte(ctx.BitDepthLuma - 8)
	ctx.BitDepthChromaMinus8 = byte(ctx.BitDepthChroma - 8)
	ctx.record = ctx.AVCDecoderConfigurationRecord.Marshal()
	return
}

func (*H264Ctx) FourCC() FourCC {
	return FourCC_H264
}

func (ctx *H264Ctx) GetInfo() string {
	return fmt.Sprintf("profile: %d, level: %d, resolution: %dx%d", ctx.ProfileIdc, ctx.LevelIdc, ctx.SPSInfo.Width, ctx.SPSInfo.Height)
}

func (ctx *H264Ctx) GetRecord() []byte {
	return ctx.record
}

func (ctx *H264Ctx) CodecString() string {
	return fmt.Sprintf("avc1.%02x%02x%02x", ctx.Profile, ctx.Compatibility, ctx.Level)
}

func (ctx *H264Ctx) Width() int {
	return int(ctx.SPSInfo.Width)
}

func (ctx *H264Ctx) Height() int {
	return int(ctx.SPSInfo.Height)
}

func (ctx *H264Ctx) NALULengthSize() int {
	return int(ctx.LengthSizeMinusOne) + 1
}

// IsH264KeyFrame reports whether the access unit holds an IDR slice.
func IsH264KeyFrame(au []byte, lengthSize int) bool {
	nalus, _ := SplitNALUs(au, lengthSize)
	for _, nalu := range nalus {
		if len(nalu) > 0 && ParseH264NALUType(nalu[0]) == NALU_IDR_Picture {
			return true
		}
	}
	return false
}
