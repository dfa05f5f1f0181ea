package codec

import "fmt"

type PCMFormat uint8

const (
	PCM_U8 PCMFormat = iota
	PCM_S16LE
	PCM_S16BE
	PCM_S24LE
	PCM_S24BE
	PCM_S32LE
	PCM_S32BE
	PCM_F32LE
	PCM_F32BE
	PCM_F64LE
	PCM_F64BE
	PCM_ULAW
	PCM_ALAW
)

var pcmFormatNames = [...]string{"u8", "s16le", "s16be", "s24le", "s24be", "s32le", "s32be", "f32le", "f32be", "f64le", "f64be", "ulaw", "alaw"}

func (f PCMFormat) String() string {
	if int(f) < len(pcmFormatNames) {
		return pcmFormatNames[f]
	}
	return fmt.Sprintf("pcm(%d)", uint8(f))
}

func (f PCMFormat) BytesPerSample() int {
	switch f {
	case PCM_U8, PCM_ULAW, PCM_ALAW:
		return 1
	case PCM_S16LE, PCM_S16BE:
		return 2
	case PCM_S24LE, PCM_S24BE:
		return 3
	case PCM_F64LE, PCM_F64BE:
		return 8
	}
	return 4
}

func (f PCMFormat) IsFloat() bool {
	return f >= PCM_F32LE && f <= PCM_F64BE
}

func (f PCMFormat) IsBigEndian() bool {
	switch f {
	case PCM_S16BE, PCM_S24BE, PCM_S32BE, PCM_F32BE, PCM_F64BE:
		return true
	}
	return false
}

// PCMFormatFor picks the format for a sample width and endianness.
func PCMFormatFor(bits int, float, bigEndian bool) (PCMFormat, bool) {
	for f := PCM_U8; f <= PCM_F64BE; f++ {
		if f.BytesPerSample()*8 == bits && f.IsFloat() == float && (bits == 8 || f.IsBigEndian() == bigEndian) {
			return f, true
		}
	}
	return 0, false
}

type (
	AudioCtx struct {
		SampleRate int
		Channels   int
	}
	PCMCtx struct {
		AudioCtx
		Format PCMFormat
	}
	MP3Ctx struct {
		AudioCtx
		Layer int
	}
)

func (ctx *AudioCtx) GetSampleRate() int {
	return ctx.SampleRate
}

func (ctx *AudioCtx) GetChannels() int {
	return ctx.Channels
}

func (*AudioCtx) GetRecord() []byte {
	return nil
}

func (ctx *AudioCtx) GetInfo() string {
	return fmt.Sprintf("sample rate: %d, channels: %d", ctx.SampleRate, ctx.Channels)
}

func (ctx *PCMCtx) FourCC() FourCC {
	switch ctx.Format {
	case PCM_ULAW:
		return FourCC_ULAW
	case PCM_ALAW:
		return FourCC_ALAW
	}
	return FourCC_PCM
}

func (ctx *PCMCtx) GetSampleSize() int {
	return ctx.Format.BytesPerSample() * 8
}

// FrameSize is the byte size of one sample across all channels.
func (ctx *PCMCtx) FrameSize() int {
	return ctx.Format.BytesPerSample() * ctx.Channels
}

func (ctx *PCMCtx) GetInfo() string {
	return fmt.Sprintf("%s, sample rate: %d, channels: %d", ctx.Format, ctx.SampleRate, ctx.Channels)
}

func (ctx *PCMCtx) CodecString() string {
	switch ctx.Format {
	case PCM_ULAW:
		return "ulaw"
	case PCM_ALAW:
		return "alaw"
	}
	return "pcm-" + ctx.Format.String()
}

func (*MP3Ctx) FourCC() FourCC {
	return FourCC_MP3
}

func (*MP3Ctx) GetSampleSize() int {
	return 16
}

func (*MP3Ctx) CodecString() string {
	return "mp3"
}
