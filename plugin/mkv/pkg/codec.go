package mkv

import (
	"fmt"
	"slices"

	"m7s.live/mediakit/pkg"
	"m7s.live/mediakit/pkg/codec"
	"m7s.live/mediakit/pkg/util"
)

const (
	DocTypeMatroska = "matroska"
	DocTypeWebM     = "webm"

	trackTypeVideo = 1
	trackTypeAudio = 2
)

var (
	// Supported lists the codecs a Matroska file can carry.
	Supported = []codec.FourCC{
		codec.FourCC_H264, codec.FourCC_H265, codec.FourCC_VP8, codec.FourCC_VP9, codec.FourCC_AV1,
		codec.FourCC_MP4A, codec.FourCC_MP3, codec.FourCC_OPUS, codec.FourCC_VORBIS, codec.FourCC_FLAC,
		codec.FourCC_PCM,
	}
	// SupportedWebM is the WebM subset.
	SupportedWebM = []codec.FourCC{
		codec.FourCC_VP8, codec.FourCC_VP9, codec.FourCC_AV1, codec.FourCC_OPUS, codec.FourCC_VORBIS,
	}

	codecIDs = map[string]codec.FourCC{
		"V_MPEG4/ISO/AVC":  codec.FourCC_H264,
		"V_MPEGH/ISO/HEVC": codec.FourCC_H265,
		"V_VP8":            codec.FourCC_VP8,
		"V_VP9":            codec.FourCC_VP9,
		"V_AV1":            codec.FourCC_AV1,
		"A_AAC":            codec.FourCC_MP4A,
		"A_MPEG/L3":        codec.FourCC_MP3,
		"A_OPUS":           codec.FourCC_OPUS,
		"A_VORBIS":         codec.FourCC_VORBIS,
		"A_FLAC":           codec.FourCC_FLAC,
		"A_PCM/INT/LIT":    codec.FourCC_PCM,
		"A_PCM/INT/BIG":    codec.FourCC_PCM,
		"A_PCM/FLOAT/IEEE": codec.FourCC_PCM,
	}
)

func SupportedBy(docType string) []codec.FourCC {
	if docType == DocTypeWebM {
		return SupportedWebM
	}
	return Supported
}

type trackEntry struct {
	number          uint64
	uid             uint64
	trackType       uint64
	codecID         string
	private         []byte
	language        string
	name            string
	isDefault       bool
	defaultDuration uint64
	codecDelay      uint64
	seekPreRoll     uint64
	width, height   uint64
	colour          *codec.ColorInfo
	sampleRate      float64
	channels        uint64
	bitDepth        uint64
	encoded         bool
}

// trackCodec builds the decoder configuration from a TrackEntry. Codecs
// carrying it in band return a nil context and no error.
func trackCodec(e *trackEntry) (fourcc codec.FourCC, ctx codec.ICodecCtx, err error) {
	fourcc, ok := codecIDs[e.codecID]
	if !ok {
		return fourcc, nil, util.Unsupported("codec %q", e.codecID)
	}
	if e.encoded {
		return fourcc, nil, util.Unsupported("content encoding on %s", e.codecID)
	}
	audio := codec.AudioCtx{SampleRate: int(e.sampleRate), Channels: int(e.channels)}
	switch fourcc {
	case codec.FourCC_H264:
		ctx, err = codec.NewH264CtxFromRecord(e.private)
	case codec.FourCC_H265:
		ctx, err = codec.NewH265CtxFromRecord(e.private)
	case codec.FourCC_VP8:
		ctx = codec.NewVP8Ctx(int(e.width), int(e.height))
	case codec.FourCC_VP9:
		// the optional CodecPrivate is a feature list, not vpcC
		return
	case codec.FourCC_AV1:
		if len(e.private) == 0 {
			return
		}
		ctx, err = codec.NewAV1CtxFromRecord(e.private)
	case codec.FourCC_MP4A:
		ctx, err = codec.NewAACCtx(e.private)
	case codec.FourCC_MP3:
		ctx = &codec.MP3Ctx{AudioCtx: audio, Layer: 3}
	case codec.FourCC_OPUS:
		ctx, err = codec.NewOpusCtx(e.private)
	case codec.FourCC_VORBIS:
		ctx, err = codec.NewVorbisCtxFromRecord(e.private)
	case codec.FourCC_FLAC:
		ctx, err = codec.NewFLACCtx(e.private)
	case codec.FourCC_PCM:
		format, ok := codec.PCMFormatFor(int(e.bitDepth), e.codecID == "A_PCM/FLOAT/IEEE", e.codecID == "A_PCM/INT/BIG")
		if !ok || audio.Channels == 0 {
			return fourcc, nil, util.Unsupported("%s with %d bits", e.codecID, e.bitDepth)
		}
		ctx = &codec.PCMCtx{AudioCtx: audio, Format: format}
	}
	if err != nil {
		return fourcc, nil, err
	}
	return
}

// codecID picks the CodecID and CodecPrivate for an output track.
func codecID(info *pkg.TrackInfo, docType string) (id string, private []byte, err error) {
	if !slices.Contains(SupportedBy(docType), info.Codec) {
		return "", nil, fmt.Errorf("%w: %s in %s", pkg.ErrCodecNotSupported, info.Codec, docType)
	}
	if info.CodecCtx != nil {
		private = info.CodecCtx.GetRecord()
	}
	switch info.Codec {
	case codec.FourCC_PCM:
		pcm, ok := info.CodecCtx.(*codec.PCMCtx)
		if !ok {
			return "", nil, fmt.Errorf("%w: PCM without a sample format", pkg.ErrCodecNotSupported)
		}
		switch {
		case pcm.Format.IsFloat():
			if pcm.Format.IsBigEndian() {
				return "", nil, fmt.Errorf("%w: big-endian float PCM in %s", pkg.ErrCodecNotSupported, docType)
			}
			id = "A_PCM/FLOAT/IEEE"
		case pcm.Format.IsBigEndian():
			id = "A_PCM/INT/BIG"
		default:
			id = "A_PCM/INT/LIT"
		}
		return id, nil, nil
	case codec.FourCC_VP9, codec.FourCC_VP8, codec.FourCC_MP3:
		private = nil
	}
	for k, v := range codecIDs {
		if v == info.Codec {
			return k, private, nil
		}
	}
	return "", nil, fmt.Errorf("%w: %s in %s", pkg.ErrCodecNotSupported, info.Codec, docType)
}

func colourOf(ctx codec.ICodecCtx) *codec.ColorInfo {
	switch c := ctx.(type) {
	case *codec.H264Ctx:
		return c.SPSInfo.Color
	case *codec.H265Ctx:
		return c.SPSInfo.Color
	case *codec.VP9Ctx:
		return &codec.ColorInfo{Primaries: c.ColorPrimaries, Transfer: c.TransferFunction, Matrix: c.MatrixCoeffs, FullRange: c.FullRange}
	case *codec.AV1Ctx:
		return &c.Color
	}
	return nil
}

// applyColour completes a VP9 configuration read from a frame header,
// which has no primaries or transfer function.
func applyColour(ctx codec.ICodecCtx, colour *codec.ColorInfo) {
	if vp9, ok := ctx.(*codec.VP9Ctx); ok && colour != nil {
		vp9.ColorPrimaries, vp9.TransferFunction, vp9.MatrixCoeffs = colour.Primaries, colour.Transfer, colour.Matrix
		vp9.FullRange = colour.FullRange
	}
}
