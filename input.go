package mediakit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"m7s.live/mediakit/pkg"
	"m7s.live/mediakit/pkg/config"
)

const probeSize = 4096

// Input is an opened media file. Its tracks share one RangeCache.
type Input struct {
	*slog.Logger
	Format     *FormatMeta
	Cache      *pkg.RangeCache
	source     pkg.Source
	conf       config.Input
	demuxer    pkg.IDemuxer
	tracks     []pkg.InputTrack
	unreadable []pkg.InputTrack
}

// OpenInput probes source and opens it with the matching format.
func OpenInput(ctx context.Context, source pkg.Source, conf config.Input, logger *slog.Logger) (*Input, error) {
	return OpenInputAs(ctx, nil, source, conf, logger)
}

// OpenInputAs opens source with meta, probing when meta is nil.
func OpenInputAs(ctx context.Context, meta *FormatMeta, source pkg.Source, conf config.Input, logger *slog.Logger) (input *Input, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	cache := pkg.NewRangeCache(source, conf.Cache, logger)
	if meta == nil {
		var size int64
		if size, err = cache.Size(ctx); err != nil {
			return
		}
		var head []byte
		if head, err = cache.Read(ctx, 0, min(size, probeSize)); err != nil {
			return
		}
		if meta = ProbeFormat(head); meta == nil {
			return nil, pkg.ErrUnknownFormat
		}
	}
	f, err := meta.New(nil, logger)
	if err != nil {
		return
	}
	input = &Input{
		Logger: logger.With("format", meta.Name),
		Format: meta,
		Cache:  cache,
		source: source,
		conf:   conf,
	}
	if input.demuxer, err = f.OpenDemuxer(ctx, cache, input.Logger); err != nil {
		return nil, fmt.Errorf("open %s: %w", meta.Name, err)
	}
	for _, t := range input.demuxer.Tracks() {
		if info := t.Info(); info.CodecCtx == nil {
			input.Warn("track unreadable", "track", info, "error", info.CodecErr)
			input.unreadable = append(input.unreadable, t)
		} else {
			input.tracks = append(input.tracks, t)
		}
	}
	if len(input.tracks) == 0 {
		return nil, pkg.ErrNoTracks
	}
	input.Info("opened", "tracks", len(input.tracks), "unreadable", len(input.unreadable))
	return
}

// OpenURL opens a local path or an http(s) URL. The extension picks the
// format when probing fails.
func OpenURL(ctx context.Context, url string, conf config.Input, logger *slog.Logger) (input *Input, err error) {
	var source pkg.Source
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		source = pkg.NewHTTPSource(url, conf.HTTP, logger)
	} else if source, err = pkg.OpenFileSource(url); err != nil {
		return
	}
	input, err = OpenInput(ctx, source, conf, logger)
	if err == pkg.ErrUnknownFormat {
		if meta := FormatForPath(strings.SplitN(url, "?", 2)[0]); meta != nil {
			input, err = OpenInputAs(ctx, meta, source, conf, logger)
		}
	}
	if err != nil {
		if c, ok := source.(io.Closer); ok {
			c.Close()
		}
	}
	return
}

// Tracks are the tracks with a readable decoder configuration.
func (i *Input) Tracks() []pkg.InputTrack {
	return i.tracks
}

// UnreadableTracks are the tracks whose codec could not be identified.
func (i *Input) UnreadableTracks() []pkg.InputTrack {
	return i.unreadable
}

func (i *Input) VideoTracks() (tracks []pkg.InputTrack) {
	for _, t := range i.tracks {
		if t.Info().IsVideo() {
			tracks = append(tracks, t)
		}
	}
	return
}

func (i *Input) AudioTracks() (tracks []pkg.InputTrack) {
	for _, t := range i.tracks {
		if t.Info().IsAudio() {
			tracks = append(tracks, t)
		}
	}
	return
}

func primary(tracks []pkg.InputTrack) pkg.InputTrack {
	for _, t := range tracks {
		if t.Info().Default {
			return t
		}
	}
	if len(tracks) > 0 {
		return tracks[0]
	}
	return nil
}

// PrimaryVideoTrack is the default video track, or the first one.
func (i *Input) PrimaryVideoTrack() pkg.InputTrack {
	return primary(i.VideoTracks())
}

func (i *Input) PrimaryAudioTrack() pkg.InputTrack {
	return primary(i.AudioTracks())
}

func (i *Input) Tags() map[string]string {
	return i.demuxer.Tags()
}

// Duration is the end of the longest track.
func (i *Input) Duration(ctx context.Context) (d time.Duration, err error) {
	for _, t := range i.tracks {
		var td time.Duration
		if td, err = t.Duration(ctx); err != nil {
			return
		}
		d = max(d, td)
	}
	return
}

// Packets iterates t from the key packet at or before from up to, but not
// including, the first packet in decode order whose timestamp reaches to. A
// non-positive to runs to the end.
func (i *Input) Packets(ctx context.Context, t pkg.InputTrack, from, to time.Duration, opts pkg.PacketOptions) (sink *pkg.PacketSink, err error) {
	var start, end *pkg.Packet
	if from > 0 {
		if start, err = t.GetKeyPacket(ctx, from, opts); err != nil {
			return
		}
	}
	if start == nil {
		if start, err = t.FirstPacket(ctx, opts); err != nil {
			return
		}
	}
	if to > 0 {
		if end, err = t.GetPacket(ctx, to, pkg.PacketOptions{MetadataOnly: true}); err != nil {
			return
		}
		if end != nil && end.Timestamp < to {
			if end, err = t.NextPacket(ctx, end, pkg.PacketOptions{MetadataOnly: true}); err != nil {
				return
			}
		}
		if end == nil && start != nil && start.Timestamp >= to {
			end = start
		}
	}
	return pkg.NewPacketSink(ctx, t, start, end, i.conf.PrefetchPackets, opts), nil
}

// Close releases the source when it holds a file.
func (i *Input) Close() error {
	if c, ok := i.source.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
