package mediakit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"m7s.live/mediakit/pkg"
	"m7s.live/mediakit/pkg/codec"
	"m7s.live/mediakit/pkg/config"
	"m7s.live/mediakit/pkg/util"
)

type OutputState int32

const (
	OutputPending OutputState = iota
	OutputStarted
	OutputFinalizing
	OutputFinalized
	OutputCanceled
)

var outputStateNames = [...]string{"pending", "started", "finalizing", "finalized", "canceled"}

func (s OutputState) String() string {
	return outputStateNames[s]
}

type (
	OutputTrack struct {
		pkg.TrackInfo
		closed  bool
		written int
		last    time.Duration
		mux     int // index passed to the muxer, -1 when left out
	}

	heldPacket struct {
		track int
		p     *pkg.Packet
	}

	// Output writes tracks into one container. WritePacket may be called
	// from one goroutine per track; writes are serialized internally.
	Output struct {
		*slog.Logger
		Format *FormatMeta
		format IFormat
		conf   config.Output
		target pkg.Target
		muxer  pkg.IMuxer

		mu      sync.Mutex
		state   OutputState
		err     error
		tracks  []*OutputTrack
		latch   *util.Latch[int]
		gate    *util.PacingGate[int]
		started bool
		held    []heldPacket
	}
)

func NewOutput(meta *FormatMeta, target pkg.Target, conf config.Output, logger *slog.Logger) (o *Output, err error) {
	if meta == nil {
		return nil, pkg.ErrUnknownFormat
	}
	if logger == nil {
		logger = slog.Default()
	}
	o = &Output{
		Logger: logger.With("format", meta.Name),
		Format: meta,
		conf:   conf,
		target: target,
	}
	if o.format, err = meta.New(nil, logger); err != nil {
		return nil, err
	}
	if o.muxer, err = o.format.NewMuxer(target, conf, o.Logger); err != nil {
		return nil, err
	}
	return
}

func (o *Output) State() OutputState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Err is the error that canceled the output.
func (o *Output) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Supports reports whether the output format can carry fourcc.
func (o *Output) Supports(fourcc codec.FourCC) bool {
	return o.format.Supports(fourcc)
}

// AddTrack registers a track and returns its index. CodecCtx may be nil for
// codecs whose configuration can be derived from the first packet.
func (o *Output) AddTrack(info pkg.TrackInfo) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != OutputPending {
		return -1, pkg.ErrOutputStarted
	}
	if !o.format.Supports(info.Codec) {
		return -1, fmt.Errorf("%w: %s in %s", pkg.ErrCodecNotSupported, info.Codec, o.Format.Name)
	}
	if info.Type == 0 {
		info.Type = pkg.TrackType4CC(info.Codec)
	}
	info.ID = len(o.tracks) + 1
	o.tracks = append(o.tracks, &OutputTrack{TrackInfo: info, mux: -1})
	return info.ID - 1, nil
}

// Start freezes the track set. The container header is written once every
// track produced its first packet or closed.
func (o *Output) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != OutputPending {
		return pkg.ErrOutputStarted
	}
	if len(o.tracks) == 0 {
		return pkg.ErrNoTracks
	}
	ids := make([]int, len(o.tracks))
	for i := range ids {
		ids[i] = i
	}
	o.latch = util.NewLatch(ids...)
	o.gate = util.NewPacingGate(o.conf.MaxTrackLead, ids...)
	o.state = OutputStarted
	o.Info("started", "tracks", len(o.tracks))
	return nil
}

func (o *Output) checkState() error {
	switch o.state {
	case OutputStarted:
		return nil
	case OutputPending:
		return errors.New("output not started")
	case OutputCanceled:
		return fmt.Errorf("%w: %w", pkg.ErrOutputCanceled, o.err)
	}
	return pkg.ErrTrackClosed
}

// abort records the first failure and releases every waiter.
func (o *Output) abort(err error) error {
	if o.state == OutputCanceled {
		return err
	}
	o.state, o.err = OutputCanceled, err
	for i, t := range o.tracks {
		t.closed = true
		o.gate.Close(i)
		o.latch.Arrive(i)
	}
	o.held = nil
	o.Error("canceled", "error", err)
	return err
}

func (o *Output) prepare(t *OutputTrack, p *pkg.Packet) (*pkg.Packet, error) {
	if p.Timestamp < 0 {
		return nil, fmt.Errorf("%w: track %d negative timestamp %v", pkg.ErrTimestampRegression, t.ID, p.Timestamp)
	}
	if t.IsAudio() && t.written > 0 && p.Timestamp < t.last {
		return nil, fmt.Errorf("%w: track %d %v after %v", pkg.ErrTimestampRegression, t.ID, p.Timestamp, t.last)
	}
	if t.Codec == codec.FourCC_H264 || t.Codec == codec.FourCC_H265 {
		if codec.IsAnnexB(p.Data) {
			q := *p
			q.Data = codec.ToLengthPrefixed(t.Codec, p.Data)
			q.ByteSize = len(q.Data)
			p = &q
		}
	}
	if t.CodecCtx == nil {
		ctx, err := codec.FromPacket(t.Codec, p.Data)
		if err != nil {
			return nil, fmt.Errorf("track %d: %w", t.ID, err)
		}
		t.CodecCtx = ctx
		o.Debug("derived decoder configuration", "track", t.ID, "info", ctx.GetInfo())
	}
	return p, nil
}

// openMuxer starts the muxer and replays what arrived before.
func (o *Output) openMuxer(ctx context.Context) (err error) {
	var infos []*pkg.TrackInfo
	for _, t := range o.tracks {
		if t.CodecCtx == nil {
			o.Warn("track left out, no decoder configuration", "track", t.ID)
			continue
		}
		t.mux = len(infos)
		infos = append(infos, &t.TrackInfo)
	}
	if len(infos) == 0 {
		return pkg.ErrNoTracks
	}
	if err = o.muxer.Start(ctx, infos); err != nil {
		return
	}
	o.started = true
	held := o.held
	o.held = nil
	for _, h := range held {
		if err = o.muxer.WritePacket(ctx, o.tracks[h.track].mux, h.p); err != nil {
			return
		}
	}
	for _, t := range o.tracks {
		if t.closed && t.mux >= 0 {
			if err = o.muxer.CloseTrack(ctx, t.mux); err != nil {
				return
			}
		}
	}
	return
}

func (o *Output) WritePacket(ctx context.Context, track int, p *pkg.Packet) error {
	if o.gate != nil {
		if err := o.gate.Wait(ctx, track); err != nil {
			return err
		}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkState(); err != nil {
		return err
	}
	if track < 0 || track >= len(o.tracks) || o.tracks[track].closed {
		return pkg.ErrTrackClosed
	}
	t := o.tracks[track]
	if t.written == 0 && t.IsVideo() && !p.IsKey() {
		o.Debug("dropping leading delta packet", "track", t.ID, "timestamp", p.Timestamp)
		return nil
	}
	p, err := o.prepare(t, p)
	if err != nil {
		return o.abort(err)
	}
	t.written++
	t.last = max(t.last, p.Timestamp)
	if !o.started {
		o.held = append(o.held, heldPacket{track, p})
		if o.latch.Arrive(track); o.latch.IsOpen() {
			if err = o.openMuxer(ctx); err != nil {
				return o.abort(err)
			}
		}
	} else if err = o.muxer.WritePacket(ctx, t.mux, p); err != nil {
		return o.abort(err)
	}
	o.gate.Advance(track, p.Timestamp)
	return nil
}

func (o *Output) closeTrack(ctx context.Context, track int) (err error) {
	t := o.tracks[track]
	if t.closed {
		return
	}
	t.closed = true
	o.gate.Close(track)
	if !o.started {
		if o.latch.Arrive(track); o.latch.IsOpen() {
			return o.openMuxer(ctx)
		}
		return
	}
	if t.mux >= 0 {
		err = o.muxer.CloseTrack(ctx, t.mux)
	}
	return
}

// CloseTrack ends a track; its buffered partial unit is flushed.
func (o *Output) CloseTrack(ctx context.Context, track int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkState(); err != nil {
		return err
	}
	if track < 0 || track >= len(o.tracks) {
		return pkg.ErrTrackClosed
	}
	if err := o.closeTrack(ctx, track); err != nil {
		return o.abort(err)
	}
	return nil
}

// Finalize closes the remaining tracks and completes the container.
func (o *Output) Finalize(ctx context.Context) (err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err = o.checkState(); err != nil {
		return
	}
	o.state = OutputFinalizing
	for i := range o.tracks {
		if err = o.closeTrack(ctx, i); err != nil {
			return o.abort(err)
		}
	}
	if err = o.muxer.Finalize(ctx); err != nil {
		return o.abort(err)
	}
	if err = o.target.Flush(); err != nil {
		return o.abort(err)
	}
	o.state = OutputFinalized
	o.Info("finalized")
	return
}

// Cancel aborts the output; the target keeps whatever was written.
func (o *Output) Cancel(cause error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == OutputFinalized || o.state == OutputCanceled {
		return
	}
	if cause == nil {
		cause = pkg.ErrOutputCanceled
	}
	if o.gate == nil {
		o.state, o.err = OutputCanceled, cause
		return
	}
	o.abort(cause)
}
