package pkg

import (
	"context"
	"errors"
	"sync"

	"m7s.live/mediakit/pkg/codec"
)

type (
	// EmitFunc receives the packets a codec session produces.
	EmitFunc func(ctx context.Context, p *Packet) error

	CodecSession interface {
		Process(ctx context.Context, p *Packet) error
		// Flush drains every in-flight unit through the emit callback.
		Flush(ctx context.Context) error
		Close() error
	}

	// CodecProvider turns packets of one track into packets of a target
	// codec. Open returns the decoder configuration of what it emits.
	CodecProvider interface {
		Supports(in *TrackInfo, target codec.FourCC) bool
		Open(ctx context.Context, in *TrackInfo, target codec.FourCC, emit EmitFunc) (CodecSession, codec.ICodecCtx, error)
	}

	// NativeCodecProvider copies packets through when no transcoding is needed.
	NativeCodecProvider struct{}

	nativeSession struct {
		emit EmitFunc
	}

	// CustomCodecProvider adapts user functions. At most MaxInFlight
	// packets are queued ahead of ProcessFunc.
	CustomCodecProvider struct {
		SupportsFunc func(in *TrackInfo, target codec.FourCC) bool
		OpenFunc     func(ctx context.Context, in *TrackInfo, target codec.FourCC) (codec.ICodecCtx, error)
		ProcessFunc  func(ctx context.Context, p *Packet, emit EmitFunc) error
		FlushFunc    func(ctx context.Context, emit EmitFunc) error
		CloseFunc    func() error
		MaxInFlight  int
	}

	customSession struct {
		provider *CustomCodecProvider
		emit     EmitFunc
		queue    chan *Packet
		idle     chan struct{}
		stopped  chan struct{}
		ctx      context.Context
		cancel   context.CancelFunc
		mu       sync.Mutex
		err      error
		pending  int
		flushed  bool
		closed   bool
	}
)

func (NativeCodecProvider) Supports(in *TrackInfo, target codec.FourCC) bool {
	return in.CodecCtx != nil && in.Codec == target
}

func (NativeCodecProvider) Open(_ context.Context, in *TrackInfo, target codec.FourCC, emit EmitFunc) (CodecSession, codec.ICodecCtx, error) {
	if in.CodecCtx == nil || in.Codec != target {
		return nil, nil, ErrCodecNotSupported
	}
	return &nativeSession{emit: emit}, in.CodecCtx, nil
}

func (s *nativeSession) Process(ctx context.Context, p *Packet) error {
	return s.emit(ctx, p)
}

func (s *nativeSession) Flush(context.Context) error { return nil }

func (s *nativeSession) Close() error { return nil }

func (c *CustomCodecProvider) Supports(in *TrackInfo, target codec.FourCC) bool {
	return c.SupportsFunc != nil && c.SupportsFunc(in, target)
}

func (c *CustomCodecProvider) Open(ctx context.Context, in *TrackInfo, target codec.FourCC, emit EmitFunc) (CodecSession, codec.ICodecCtx, error) {
	out, err := c.OpenFunc(ctx, in, target)
	if err != nil {
		return nil, nil, err
	}
	s := &customSession{
		provider: c,
		emit:     emit,
		queue:    make(chan *Packet, max(c.MaxInFlight, 1)),
		idle:     make(chan struct{}, 1),
		stopped:  make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	go s.run()
	return s, out, nil
}

func (s *customSession) run() {
	defer close(s.stopped)
	for p := range s.queue {
		err := s.provider.ProcessFunc(s.ctx, p, s.emit)
		s.mu.Lock()
		s.err = errors.Join(s.err, err)
		s.pending--
		if s.pending == 0 {
			select {
			case s.idle <- struct{}{}:
			default:
			}
		}
		s.mu.Unlock()
	}
}

func (s *customSession) Process(ctx context.Context, p *Packet) error {
	s.mu.Lock()
	if err := s.err; err != nil || s.closed {
		s.mu.Unlock()
		return errors.Join(err, ErrTrackClosed)
	}
	s.pending++
	s.flushed = false
	s.mu.Unlock()
	select {
	case s.queue <- p:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		s.pending--
		s.mu.Unlock()
		return context.Cause(ctx)
	}
}

func (s *customSession) Flush(ctx context.Context) (err error) {
	for {
		s.mu.Lock()
		pending := s.pending
		s.mu.Unlock()
		if pending == 0 {
			break
		}
		select {
		case <-s.idle:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
	s.mu.Lock()
	err, s.flushed = s.err, true
	s.mu.Unlock()
	if err == nil && s.provider.FlushFunc != nil {
		err = s.provider.FlushFunc(ctx, s.emit)
	}
	return
}

// Close flushes first when the caller did not.
func (s *customSession) Close() (err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	flushed := s.flushed
	s.closed = true
	s.mu.Unlock()
	if !flushed {
		err = s.Flush(s.ctx)
	}
	close(s.queue)
	<-s.stopped
	s.cancel()
	if s.provider.CloseFunc != nil {
		err = errors.Join(err, s.provider.CloseFunc())
	}
	return
}
