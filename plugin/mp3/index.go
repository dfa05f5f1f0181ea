package plugin_mp3

import (
	"context"
	"log/slog"
	"slices"

	"m7s.live/mediakit"
	"m7s.live/mediakit/pkg"
	"m7s.live/mediakit/pkg/codec"
	"m7s.live/mediakit/pkg/config"
	mp3 "m7s.live/mediakit/plugin/mp3/pkg"
)

type MP3Format struct {
	mediakit.Format
	SyncLimit int64 `default:"1048576" desc:"bytes searched for the first frame after the ID3v2 tags"`
}

var _ = mediakit.InstallFormat[MP3Format](
	mediakit.Extensions{"mp3", "mp2", "mpga"},
	mediakit.MimeTypes{"audio/mpeg", "audio/mp3", "audio/mpa"},
)

// Probe accepts an ID3v2 tag or two consecutive frames at the start.
func (f *MP3Format) Probe(head []byte) bool {
	if mp3.ID3v2Size(head) > 0 {
		return true
	}
	h, err := mp3.ParseHeader(head)
	if err != nil {
		return false
	}
	next := h.Size()
	if next+mp3.HeaderSize > len(head) {
		return next == len(head)
	}
	n, err := mp3.ParseHeader(head[next:])
	return err == nil && h.Compatible(&n)
}

func (f *MP3Format) Supports(c codec.FourCC) bool {
	return slices.Contains(mp3.Supported, c)
}

func (f *MP3Format) OpenDemuxer(ctx context.Context, cache *pkg.RangeCache, logger *slog.Logger) (pkg.IDemuxer, error) {
	d := mp3.NewDemuxer(cache, f.SyncLimit, logger)
	if err := d.Demux(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

func (f *MP3Format) NewMuxer(target pkg.Target, conf config.Output, logger *slog.Logger) (pkg.IMuxer, error) {
	return mp3.NewMuxer(target, conf, logger), nil
}
