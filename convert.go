package mediakit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"m7s.live/mediakit/pkg"
	"m7s.live/mediakit/pkg/codec"
)

type ConvertOptions struct {
	// Start and End trim the input to [Start, End). Video starts at the key
	// frame at or before Start. Zero End runs to the end.
	Start, End time.Duration
	// Providers are tried in order; the first whose Supports accepts a track
	// handles it. Empty means NativeCodecProvider only.
	Providers []pkg.CodecProvider
	// TargetCodec picks the output codec of a track, false drops the track.
	// Nil keeps the input codec when the output format carries it.
	TargetCodec func(in *pkg.TrackInfo) (codec.FourCC, bool)
}

type convertTrack struct {
	in      pkg.InputTrack
	out     int
	session pkg.CodecSession
}

// Convert copies every usable track of input into output, one goroutine per
// track. The output is finalized on success and canceled on failure.
func Convert(ctx context.Context, input *Input, output *Output, opts ConvertOptions) (err error) {
	providers := opts.Providers
	if len(providers) == 0 {
		providers = []pkg.CodecProvider{pkg.NativeCodecProvider{}}
	}
	offset, err := convertOffset(ctx, input, opts.Start)
	if err != nil {
		return
	}
	var tracks []*convertTrack
	defer func() {
		for _, t := range tracks {
			if t.session != nil {
				t.session.Close()
			}
		}
		if err != nil {
			output.Cancel(err)
		}
	}()
	for _, in := range input.Tracks() {
		info := in.Info()
		target, ok := info.Codec, output.Supports(info.Codec)
		if opts.TargetCodec != nil {
			target, ok = opts.TargetCodec(info)
		}
		if !ok {
			input.Info("track skipped", "track", info)
			continue
		}
		var provider pkg.CodecProvider
		for _, p := range providers {
			if p.Supports(info, target) {
				provider = p
				break
			}
		}
		if provider == nil {
			input.Warn("no codec provider", "track", info, "target", target)
			continue
		}
		t := &convertTrack{in: in}
		emit := func(ctx context.Context, p *pkg.Packet) error {
			if p.Timestamp < offset {
				return nil
			}
			q := *p
			q.Timestamp -= offset
			return output.WritePacket(ctx, t.out, &q)
		}
		var outCtx codec.ICodecCtx
		if t.session, outCtx, err = provider.Open(ctx, info, target, emit); err != nil {
			return fmt.Errorf("track %d: %w", info.ID, err)
		}
		tracks = append(tracks, t)
		if t.out, err = output.AddTrack(pkg.TrackInfo{
			Type:     info.Type,
			Codec:    target,
			CodecCtx: outCtx,
			Language: info.Language,
			Rotation: info.Rotation,
			Name:     info.Name,
			Default:  info.Default,
		}); err != nil {
			return
		}
	}
	if len(tracks) == 0 {
		return pkg.ErrNoTracks
	}
	if err = output.Start(); err != nil {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range tracks {
		g.Go(func() error {
			return convertTrackPackets(gctx, input, output, t, opts)
		})
	}
	if err = g.Wait(); err != nil {
		return
	}
	return output.Finalize(ctx)
}

// convertOffset is the earliest timestamp kept, subtracted from every packet
// so the output starts near zero.
func convertOffset(ctx context.Context, input *Input, start time.Duration) (offset time.Duration, err error) {
	if start <= 0 {
		return
	}
	offset = start
	for _, t := range input.Tracks() {
		var p *pkg.Packet
		if p, err = t.GetKeyPacket(ctx, start, pkg.PacketOptions{MetadataOnly: true}); err != nil {
			return
		}
		if p != nil {
			offset = min(offset, p.Timestamp)
		}
	}
	return
}

func convertTrackPackets(ctx context.Context, input *Input, output *Output, t *convertTrack, opts ConvertOptions) (err error) {
	info := t.in.Info()
	sink, err := input.Packets(ctx, t.in, opts.Start, opts.End, pkg.PacketOptions{})
	if err != nil {
		return
	}
	defer sink.Close()
	for {
		var p *pkg.Packet
		if p, err = sink.Next(ctx); err != nil {
			// a broken track ends early, the others carry on
			input.Warn("track read failed", "track", info, "error", err)
			break
		}
		if p == nil {
			break
		}
		if info.IsAudio() && opts.End > 0 && p.Timestamp >= opts.End {
			continue
		}
		if err = t.session.Process(ctx, p); err != nil {
			return
		}
	}
	if err = ctx.Err(); err != nil {
		return
	}
	if err = t.session.Flush(ctx); err != nil {
		return
	}
	err = output.CloseTrack(ctx, t.out)
	if errors.Is(err, pkg.ErrTrackClosed) {
		err = nil
	}
	return
}
