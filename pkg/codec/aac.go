package codec

import (
	"fmt"

	"github.com/bluenviron/mediacommon/pkg/codecs/mpeg4audio"
)

type AACCtx struct {
	Config mpeg4audio.Config
	record []byte
}

func NewAACCtx(asc []byte) (*AACCtx, error) {
	ctx := &AACCtx{record: asc}
	if err := ctx.Config.Unmarshal(asc); err != nil {
		return nil, fmt.Errorf("audio specific config: %w", err)
	}
	return ctx, nil
}

func NewAACCtxFromConfig(conf mpeg4audio.Config) (*AACCtx, error) {
	asc, err := conf.Marshal()
	if err != nil {
		return nil, err
	}
	return &AACCtx{Config: conf, record: asc}, nil
}

func (*AACCtx) FourCC() FourCC {
	return FourCC_MP4A
}

func (ctx *AACCtx) GetInfo() string {
	return fmt.Sprintf("sample rate: %d, channels: %d, object type: %d", ctx.Config.SampleRate, ctx.Config.ChannelCount, ctx.Config.Type)
}

func (ctx *AACCtx) GetRecord() []byte {
	return ctx.record
}

func (ctx *AACCtx) CodecString() string {
	return fmt.Sprintf("mp4a.40.%d", ctx.Config.Type)
}

func (ctx *AACCtx) GetSampleRate() int {
	return ctx.Config.SampleRate
}

func (ctx *AACCtx) GetChannels() int {
	return ctx.Config.ChannelCount
}

func (*AACCtx) GetSampleSize() int {
	return 16
}

// FrameSamples is the number of PCM frames per access unit.
func (ctx *AACCtx) FrameSamples() int {
	if ctx.Config.FrameLengthFlag {
		return 960
	}
	return 1024
}
