package codec

import (
	"fmt"

	"m7s.live/mediakit/pkg/util"
)

const vp9ColorSpaceRGB = 7

// vp9MatrixCoeffs maps the VP9 color_space code to ISO/IEC 23091-2 matrix coefficients.
var vp9MatrixCoeffs = map[uint8]uint8{1: 6, 2: 1, 3: 7, 5: 9, vp9ColorSpaceRGB: 0}

// VP9FrameInfo is read from the uncompressed header of a key frame.
type VP9FrameInfo struct {
	Profile      uint8
	KeyFrame     bool
	BitDepth     uint8
	ColorSpace   uint8
	FullRange    bool
	SubsamplingX bool
	SubsamplingY bool
	Width        int
	Height       int
}

// ParseVP9FrameHeader reads the uncompressed header far enough to learn the
// frame type and, for key frames, the colour config and frame size.
func ParseVP9FrameHeader(frame []byte) (info VP9FrameInfo, err error) {
	r := util.NewBitReader(frame)
	var v uint
	read := func(n int) uint {
		if err == nil {
			v, err = r.ReadBits(n)
			return v
		}
		return 0
	}
	if read(2) != 2 {
		return info, fmt.Errorf("%w: VP9 frame marker", util.ErrMalformedStream)
	}
	low := read(1)
	info.Profile = uint8(read(1)<<1 | low)
	if info.Profile == 3 {
		read(1)
	}
	if read(1) == 1 { // show_existing_frame
		return info, err
	}
	info.KeyFrame = read(1) == 0
	read(2) // show_frame, error_resilient_mode
	if !info.KeyFrame || err != nil {
		return info, err
	}
	if read(24) != 0x498342 {
		return info, fmt.Errorf("%w: VP9 sync code", util.ErrMalformedStream)
	}
	info.BitDepth = 8
	if info.Profile >= 2 {
		info.BitDepth = util.Conditional[uint8](read(1) == 1, 12, 10)
	}
	info.ColorSpace = uint8(read(3))
	if info.ColorSpace != vp9ColorSpaceRGB {
		info.FullRange = read(1) == 1
		if info.Profile == 1 || info.Profile == 3 {
			info.SubsamplingX = read(1) == 1
			info.SubsamplingY = read(1) == 1
			read(1)
		} else {
			info.SubsamplingX, info.SubsamplingY = true, true
		}
	} else {
		info.FullRange = true
		if info.Profile == 1 || info.Profile == 3 {
			read(1)
		}
	}
	info.Width = int(read(16)) + 1
	info.Height = int(read(16)) + 1
	return
}

// VPCodecConfigurationRecord is the vpcC body (after the FullBox header).
type VPCodecConfigurationRecord struct {
	Profile           uint8
	Level             uint8
	BitDepth          uint8
	ChromaSubsampling uint8
	FullRange         bool
	ColorPrimaries    uint8
	TransferFunction  uint8
	MatrixCoeffs      uint8
}

func (rec *VPCodecConfigurationRecord) Marshal() []byte {
	var w util.ByteWriter
	w.WriteU8(rec.Profile)
	w.WriteU8(rec.Level)
	w.WriteU8(rec.BitDepth<<4 | rec.ChromaSubsampling<<1 | util.Conditional[uint8](rec.FullRange, 1, 0))
	w.WriteBytes(rec.ColorPrimaries, rec.TransferFunction, rec.MatrixCoeffs)
	w.WriteU16(0) // codecIntializationDataSize
	return w.Bytes()
}

func (rec *VPCodecConfigurationRecord) Unmarshal(b []byte) error {
	if len(b) < 8 {
		return fmt.Errorf("%w: vpcC too short", util.ErrMalformedStream)
	}
	rec.Profile, rec.Level = b[0], b[1]
	rec.BitDepth = b[2] >> 4
	rec.ChromaSubsampling = b[2] >> 1 & 7
	rec.FullRange = b[2]&1 == 1
	rec.ColorPrimaries, rec.TransferFunction, rec.MatrixCoeffs = b[3], b[4], b[5]
	return nil
}

// vp9Levels maps a level to its maximum luma picture size.
var vp9Levels = []struct {
	level uint8
	size  int
}{
	{10, 36864}, {11, 73728}, {20, 122880}, {21, 245760}, {30, 552960}, {31, 983040},
	{40, 2228224}, {41, 2228224}, {50, 8912896}, {51, 8912896}, {52, 8912896},
	{60, 35651584}, {61, 35651584}, {62, 35651584},
}

func vp9LevelFor(width, height int) uint8 {
	for _, l := range vp9Levels {
		if width*height <= l.size {
			return l.level
		}
	}
	return 62
}

type VP9Ctx struct {
	VPCodecConfigurationRecord
	width, height int
}

// NewVP9CtxFromFrame derives vpcC from the first key frame.
func NewVP9CtxFromFrame(frame []byte) (*VP9Ctx, error) {
	info, err := ParseVP9FrameHeader(frame)
	if err != nil {
		return nil, err
	}
	if !info.KeyFrame {
		return nil, fmt.Errorf("%w: VP9 configuration needs a key frame", util.ErrUnsupportedHeader)
	}
	ctx := &VP9Ctx{width: info.Width, height: info.Height}
	ctx.Profile = info.Profile
	ctx.Level = vp9LevelFor(info.Width, info.Height)
	ctx.BitDepth = info.BitDepth
	switch {
	case info.SubsamplingX && info.SubsamplingY:
		ctx.ChromaSubsampling = 1
	case info.SubsamplingX:
		ctx.ChromaSubsampling = 2
	default:
		ctx.ChromaSubsampling = 3
	}
	ctx.FullRange = info.FullRange
	ctx.ColorPrimaries, ctx.TransferFunction, ctx.MatrixCoeffs = 2, 2, 2
	if m, ok := vp9MatrixCoeffs[info.ColorSpace]; ok {
		ctx.MatrixCoeffs = m
	}
	return ctx, nil
}

func NewVP9CtxFromRecord(record []byte, width, height int) (*VP9Ctx, error) {
	ctx := &VP9Ctx{width: width, height: height}
	return ctx, ctx.Unmarshal(record)
}

func (*VP9Ctx) FourCC() FourCC {
	return FourCC_VP9
}

func (ctx *VP9Ctx) GetInfo() string {
	return fmt.Sprintf("profile: %d, bit depth: %d, resolution: %dx%d", ctx.Profile, ctx.BitDepth, ctx.width, ctx.height)
}

func (ctx *VP9Ctx) GetRecord() []byte {
	return ctx.Marshal()
}

func (ctx *VP9Ctx) CodecString() string {
	return fmt.Sprintf("vp09.%02d.%02d.%02d", ctx.Profile, ctx.Level, ctx.BitDepth)
}

func (ctx *VP9Ctx) Width() int {
	return ctx.width
}

func (ctx *VP9Ctx) Height() int {
	return ctx.height
}

func IsVP9KeyFrame(frame []byte) bool {
	info, err := ParseVP9FrameHeader(frame)
	return err == nil && info.KeyFrame
}

type VP8Ctx struct {
	width, height int
}

// NewVP8CtxFromFrame reads the key frame start code and dimensions.
func NewVP8CtxFromFrame(frame []byte) (*VP8Ctx, error) {
	if !IsVP8KeyFrame(frame) || len(frame) < 10 {
		return nil, fmt.Errorf("%w: VP8 configuration needs a key frame", util.ErrUnsupportedHeader)
	}
	if frame[3] != 0x9d || frame[4] != 0x01 || frame[5] != 0x2a {
		return nil, fmt.Errorf("%w: VP8 start code", util.ErrMalformedStream)
	}
	c := util.ByteCursor{Data: frame, Pos: 6, LittleEndian: true}
	w, _ := c.ReadU16()
	h, _ := c.ReadU16()
	return &VP8Ctx{width: int(w & 0x3fff), height: int(h & 0x3fff)}, nil
}

func NewVP8Ctx(width, height int) *VP8Ctx {
	return &VP8Ctx{width: width, height: height}
}

func IsVP8KeyFrame(frame []byte) bool {
	return len(frame) > 0 && frame[0]&1 == 0
}

func (*VP8Ctx) FourCC() FourCC {
	return FourCC_VP8
}

func (ctx *VP8Ctx) GetInfo() string {
	return fmt.Sprintf("resolution: %dx%d", ctx.width, ctx.height)
}

func (*VP8Ctx) GetRecord() []byte {
	return nil
}

func (*VP8Ctx) CodecString() string {
	return "vp8"
}

func (ctx *VP8Ctx) Width() int {
	return ctx.width
}

func (ctx *VP8Ctx) Height() int {
	return ctx.height
}
