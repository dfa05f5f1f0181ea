package plugin_wav

import (
	"bytes"
	"context"
	"log/slog"
	"slices"

	"m7s.live/mediakit"
	"m7s.live/mediakit/pkg"
	"m7s.live/mediakit/pkg/codec"
	"m7s.live/mediakit/pkg/config"
	wav "m7s.live/mediakit/plugin/wav/pkg"
)

type WAVFormat struct {
	mediakit.Format
	PacketFrames int `default:"2048" desc:"frames per packet read from the data chunk"`
}

var _ = mediakit.InstallFormat[WAVFormat](
	mediakit.Extensions{"wav", "wave", "rf64"},
	mediakit.MimeTypes{"audio/wav", "audio/x-wav", "audio/wave", "audio/vnd.wave"},
)

func (f *WAVFormat) Probe(head []byte) bool {
	if len(head) < 12 || !bytes.Equal(head[8:12], wav.IDWAVE[:]) {
		return false
	}
	return bytes.Equal(head[:4], wav.IDRIFF[:]) || bytes.Equal(head[:4], wav.IDRF64[:])
}

func (f *WAVFormat) Supports(c codec.FourCC) bool {
	return slices.Contains(wav.Supported, c)
}

func (f *WAVFormat) OpenDemuxer(ctx context.Context, cache *pkg.RangeCache, logger *slog.Logger) (pkg.IDemuxer, error) {
	d := wav.NewDemuxer(cache, f.PacketFrames, logger)
	if err := d.Demux(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

func (f *WAVFormat) NewMuxer(target pkg.Target, conf config.Output, logger *slog.Logger) (pkg.IMuxer, error) {
	return wav.NewMuxer(target, conf, logger), nil
}
