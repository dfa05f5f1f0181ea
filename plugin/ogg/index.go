package plugin_ogg

import (
	"bytes"
	"context"
	"log/slog"
	"slices"

	"m7s.live/mediakit"
	"m7s.live/mediakit/pkg"
	"m7s.live/mediakit/pkg/codec"
	"m7s.live/mediakit/pkg/config"
	ogg "m7s.live/mediakit/plugin/ogg/pkg"
)

type OggFormat struct {
	mediakit.Format
	PageCache     int   `default:"512" desc:"parsed pages kept per open file"`
	ScanThreshold int64 `default:"65536" desc:"bytes below which a time lookup stops bisecting and scans"`
}

var _ = mediakit.InstallFormat[OggFormat](
	mediakit.Extensions{"ogg", "oga", "opus"},
	mediakit.MimeTypes{"audio/ogg", "application/ogg", "audio/opus"},
)

// Probe accepts a first page that opens a logical stream.
func (f *OggFormat) Probe(head []byte) bool {
	return len(head) >= ogg.HeaderSize && bytes.HasPrefix(head, []byte("OggS")) && head[4] == 0 && head[5]&ogg.FlagBOS != 0
}

func (f *OggFormat) Supports(c codec.FourCC) bool {
	return slices.Contains(ogg.Supported, c)
}

func (f *OggFormat) OpenDemuxer(ctx context.Context, cache *pkg.RangeCache, logger *slog.Logger) (pkg.IDemuxer, error) {
	d := ogg.NewDemuxer(cache, ogg.Options{PageCache: f.PageCache, ScanThreshold: f.ScanThreshold}, logger)
	if err := d.Demux(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

func (f *OggFormat) NewMuxer(target pkg.Target, conf config.Output, logger *slog.Logger) (pkg.IMuxer, error) {
	return ogg.NewMuxer(target, conf, logger), nil
}
