package plugin_mp4

import (
	"context"
	"log/slog"
	"slices"

	"m7s.live/mediakit"
	"m7s.live/mediakit/pkg"
	"m7s.live/mediakit/pkg/codec"
	"m7s.live/mediakit/pkg/config"
	mp4 "m7s.live/mediakit/plugin/mp4/pkg"
	"m7s.live/mediakit/plugin/mp4/pkg/box"
)

type MP4Format struct {
	mediakit.Format
	MovieTimescale uint32 `default:"1000" desc:"mvhd timescale"`
	VideoTimescale uint32 `default:"90000" desc:"mdhd timescale of video tracks, audio uses its sample rate"`
}

const defaultConfig mediakit.DefaultYaml = `movietimescale: 1000`

var _ = mediakit.InstallFormat[MP4Format](defaultConfig,
	mediakit.Extensions{"mp4", "m4a", "m4v", "mov"},
	mediakit.MimeTypes{"video/mp4", "audio/mp4", "video/quicktime"},
)

// probeTypes are the boxes a file may open with.
var probeTypes = [][4]byte{box.TypeFTYP, box.TypeSTYP, box.TypeMOOV, box.TypeMDAT, box.TypeFREE, box.TypeSKIP, box.TypeWIDE}

func (f *MP4Format) Probe(head []byte) bool {
	if len(head) < box.BasicBoxLen {
		return false
	}
	return slices.Contains(probeTypes, [4]byte(head[4:8]))
}

func (f *MP4Format) Supports(c codec.FourCC) bool {
	return slices.Contains(mp4.Supported, c)
}

func (f *MP4Format) OpenDemuxer(ctx context.Context, cache *pkg.RangeCache, logger *slog.Logger) (pkg.IDemuxer, error) {
	d := mp4.NewDemuxer(cache, logger)
	if err := d.Demux(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

func (f *MP4Format) NewMuxer(target pkg.Target, conf config.Output, logger *slog.Logger) (pkg.IMuxer, error) {
	return mp4.NewMuxer(target, conf, mp4.Options{
		MovieTimescale: f.MovieTimescale,
		VideoTimescale: f.VideoTimescale,
	}, logger), nil
}
