package codec

import "encoding/binary"

type FourCC [4]byte

var (
	FourCC_H264   = FourCC{'a', 'v', 'c', '1'}
	FourCC_H265   = FourCC{'h', 'v', 'c', '1'}
	FourCC_AV1    = FourCC{'a', 'v', '0', '1'}
	FourCC_VP9    = FourCC{'v', 'p', '0', '9'}
	FourCC_VP8    = FourCC{'v', 'p', '0', '8'}
	FourCC_MP4A   = FourCC{'m', 'p', '4', 'a'}
	FourCC_OPUS   = FourCC{'O', 'p', 'u', 's'}
	FourCC_VORBIS = FourCC{'v', 'o', 'r', 'b'}
	FourCC_FLAC   = FourCC{'f', 'L', 'a', 'C'}
	FourCC_MP3    = FourCC{'.', 'm', 'p', '3'}
	FourCC_PCM    = FourCC{'l', 'p', 'c', 'm'}
	FourCC_ALAW   = FourCC{'a', 'l', 'a', 'w'}
	FourCC_ULAW   = FourCC{'u', 'l', 'a', 'w'}
)

func (f FourCC) String() string {
	return string(f[:])
}

func (f FourCC) Uint32() uint32 {
	return binary.BigEndian.Uint32(f[:])
}

func (f FourCC) IsVideo() bool {
	switch f {
	case FourCC_H264, FourCC_H265, FourCC_AV1, FourCC_VP9, FourCC_VP8:
		return true
	}
	return false
}

func (f FourCC) IsAudio() bool {
	switch f {
	case FourCC_MP4A, FourCC_OPUS, FourCC_VORBIS, FourCC_FLAC, FourCC_MP3, FourCC_PCM, FourCC_ALAW, FourCC_ULAW:
		return true
	}
	return false
}

// ICodecCtx is the decoder configuration of one track: what a codec provider
// needs to initialise and what a muxer writes into the sample description.
type ICodecCtx interface {
	FourCC() FourCC
	GetInfo() string
	// GetRecord returns the container-neutral configuration record
	// (avcC/hvcC/av1C/vpcC payload, OpusHead, Xiph-laced Vorbis headers, ...).
	GetRecord() []byte
	// CodecString is the RFC 6381 codecs parameter.
	CodecString() string
}

type IVideoCodecCtx interface {
	ICodecCtx
	Width() int
	Height() int
}

type IAudioCodecCtx interface {
	ICodecCtx
	GetSampleRate() int
	GetChannels() int
	GetSampleSize() int
}

// ColorInfo carries ISO/IEC 23091-2 colour description codes.
type ColorInfo struct {
	Primaries uint8
	Transfer  uint8
	Matrix    uint8
	FullRange bool
}

func (c *ColorInfo) Valid() bool {
	return c != nil && (c.Primaries != 2 || c.Transfer != 2 || c.Matrix != 2)
}
