package wav

import (
	"bytes"
	"encoding/binary"

	"m7s.live/mediakit/pkg/codec"
	"m7s.live/mediakit/pkg/util"
)

const (
	FormatPCM        uint16 = 0x0001
	FormatIEEEFloat  uint16 = 0x0003
	FormatALaw       uint16 = 0x0006
	FormatMuLaw      uint16 = 0x0007
	FormatExtensible uint16 = 0xFFFE
)

// subFormatTail follows the format tag in a KSDATAFORMAT_SUBTYPE GUID.
var subFormatTail = []byte{0x00, 0x00, 0x00, 0x00, 0x10, 0x00, 0x80, 0x00, 0x00, 0xAA, 0x00, 0x38, 0x9B, 0x71}

// defaultChannelMasks are the speaker layouts assumed for common channel counts.
var defaultChannelMasks = [...]uint32{0, 0x4, 0x3, 0x7, 0x33, 0x37, 0x3F, 0x13F, 0x63F}

// WaveFormat is the body of the fmt chunk, WAVEFORMATEX and
// WAVEFORMATEXTENSIBLE alike.
type WaveFormat struct {
	FormatTag     uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	// extensible only
	ValidBits   uint16
	ChannelMask uint32
	SubFormat   [16]byte
}

func (f *WaveFormat) Unmarshal(c *util.ByteCursor) (err error) {
	c.LittleEndian = true
	if c.Remaining() < 16 {
		return util.Malformed("fmt chunk of %d bytes", c.Remaining())
	}
	f.FormatTag, _ = c.ReadU16()
	f.Channels, _ = c.ReadU16()
	f.SampleRate, _ = c.ReadU32()
	f.ByteRate, _ = c.ReadU32()
	f.BlockAlign, _ = c.ReadU16()
	f.BitsPerSample, _ = c.ReadU16()
	if f.FormatTag != FormatExtensible {
		return nil
	}
	extra, err := c.ReadU16()
	if err != nil || extra < 22 {
		return util.Malformed("extensible fmt chunk with %d extra bytes", extra)
	}
	f.ValidBits, _ = c.ReadU16()
	f.ChannelMask, _ = c.ReadU32()
	sub, err := c.ReadBytes(16)
	if err != nil {
		return
	}
	copy(f.SubFormat[:], sub)
	return nil
}

func (f *WaveFormat) Append(b []byte) []byte {
	w := util.ByteWriter{Buf: b, LittleEndian: true}
	w.WriteU16(f.FormatTag)
	w.WriteU16(f.Channels)
	w.WriteU32(f.SampleRate)
	w.WriteU32(f.ByteRate)
	w.WriteU16(f.BlockAlign)
	w.WriteU16(f.BitsPerSample)
	switch f.FormatTag {
	case FormatPCM:
	case FormatExtensible:
		w.WriteU16(22)
		w.WriteU16(f.ValidBits)
		w.WriteU32(f.ChannelMask)
		w.WriteBytes(f.SubFormat[:]...)
	default:
		w.WriteU16(0)
	}
	return w.Bytes()
}

// Tag is the format tag, looked up in the sub-format of extensible formats.
func (f *WaveFormat) Tag() uint16 {
	if f.FormatTag == FormatExtensible && bytes.Equal(f.SubFormat[2:], subFormatTail) {
		return binary.LittleEndian.Uint16(f.SubFormat[:2])
	}
	return f.FormatTag
}

// Codec maps the format to a PCM configuration.
func (f *WaveFormat) Codec() (*codec.PCMCtx, error) {
	if f.Channels == 0 || f.SampleRate == 0 {
		return nil, util.Malformed("%d channels at %d Hz", f.Channels, f.SampleRate)
	}
	ctx := &codec.PCMCtx{AudioCtx: codec.AudioCtx{SampleRate: int(f.SampleRate), Channels: int(f.Channels)}}
	tag := f.Tag()
	switch tag {
	case FormatMuLaw, FormatALaw:
		ctx.Format = util.Conditional(tag == FormatMuLaw, codec.PCM_ULAW, codec.PCM_ALAW)
	case FormatPCM, FormatIEEEFloat:
		format, ok := codec.PCMFormatFor(int(f.BitsPerSample), tag == FormatIEEEFloat, false)
		if !ok {
			return nil, util.Unsupported("%d bit samples of format 0x%04x", f.BitsPerSample, tag)
		}
		ctx.Format = format
	default:
		return nil, util.Unsupported("WAVE format 0x%04x", tag)
	}
	if int(f.BlockAlign) != ctx.FrameSize() {
		return nil, util.Unsupported("block align %d for %d channels of %s", f.BlockAlign, f.Channels, ctx.Format)
	}
	return ctx, nil
}

// FormatFor lays out the fmt chunk for ctx. Multichannel and wide integer
// formats get the extensible layout.
func FormatFor(ctx *codec.PCMCtx) (f WaveFormat, err error) {
	if ctx.Format.IsBigEndian() {
		return f, util.Unsupported("big endian %s in WAVE", ctx.Format)
	}
	var tag uint16
	switch {
	case ctx.Format == codec.PCM_ULAW:
		tag = FormatMuLaw
	case ctx.Format == codec.PCM_ALAW:
		tag = FormatALaw
	case ctx.Format.IsFloat():
		tag = FormatIEEEFloat
	default:
		tag = FormatPCM
	}
	f = WaveFormat{
		FormatTag:     tag,
		Channels:      uint16(ctx.Channels),
		SampleRate:    uint32(ctx.SampleRate),
		BlockAlign:    uint16(ctx.FrameSize()),
		BitsPerSample: uint16(ctx.GetSampleSize()),
	}
	f.ByteRate = f.SampleRate * uint32(f.BlockAlign)
	if ctx.Channels > 2 || (tag == FormatPCM && ctx.GetSampleSize() > 16) {
		f.FormatTag = FormatExtensible
		f.ValidBits = f.BitsPerSample
		if ctx.Channels < len(defaultChannelMasks) {
			f.ChannelMask = defaultChannelMasks[ctx.Channels]
		}
		binary.LittleEndian.PutUint16(f.SubFormat[:2], tag)
		copy(f.SubFormat[2:], subFormatTail)
	}
	return
}

// silence is one frame of digital silence.
func silence(ctx *codec.PCMCtx) []byte {
	var b byte
	switch ctx.Format {
	case codec.PCM_U8:
		b = 0x80
	case codec.PCM_ULAW:
		b = 0xFF
	case codec.PCM_ALAW:
		b = 0xD5
	}
	return bytes.Repeat([]byte{b}, ctx.FrameSize())
}
