package codec

import (
	"fmt"

	"m7s.live/mediakit/pkg/util"
)

// FromPacket derives a decoder configuration from the first key packet of
// codecs that carry it in band.
func FromPacket(fourcc FourCC, data []byte) (ICodecCtx, error) {
	switch fourcc {
	case FourCC_H264:
		return NewH264CtxFromNALUs(data, 4)
	case FourCC_H265:
		return NewH265CtxFromNALUs(data, 4)
	case FourCC_VP9:
		return NewVP9CtxFromFrame(data)
	case FourCC_VP8:
		return NewVP8CtxFromFrame(data)
	case FourCC_AV1:
		return NewAV1CtxFromTemporalUnit(data)
	}
	return nil, fmt.Errorf("%w: %s needs an explicit decoder configuration", util.ErrUnsupportedHeader, fourcc)
}

// IsKeyFrame inspects the bitstream; audio is always key.
func IsKeyFrame(fourcc FourCC, data []byte, lengthSize int) bool {
	switch fourcc {
	case FourCC_H264:
		return IsH264KeyFrame(data, lengthSize)
	case FourCC_H265:
		return IsH265KeyFrame(data, lengthSize)
	case FourCC_VP9:
		return IsVP9KeyFrame(data)
	case FourCC_VP8:
		return IsVP8KeyFrame(data)
	case FourCC_AV1:
		return IsAV1KeyFrame(data)
	}
	return true
}

// ToLengthPrefixed rewrites Annex-B access units into the 4-byte length
// prefixed form stored by MP4 and Matroska. Other payloads pass through.
func ToLengthPrefixed(fourcc FourCC, data []byte) []byte {
	if (fourcc == FourCC_H264 || fourcc == FourCC_H265) && IsAnnexB(data) {
		return AnnexBToLengthPrefixed(data, 4)
	}
	return data
}
