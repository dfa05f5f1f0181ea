package pkg

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"m7s.live/mediakit/pkg/util"
)

// PacketSink iterates a track from an inclusive start packet to an
// exclusive end packet (nil runs to the end). A producer goroutine keeps a
// bounded queue filled: up to Limits[1] packets while the consumer reports
// no decode pressure, Limits[0] once it does.
type PacketSink struct {
	track    InputTrack
	end      *Packet
	opts     PacketOptions
	limits   util.Range[int]
	pressure atomic.Int64

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}

	mu      sync.Mutex
	queue   []*Packet
	changed chan struct{}
	err     error
}

func NewPacketSink(ctx context.Context, track InputTrack, start, end *Packet, limits util.Range[int], opts PacketOptions) *PacketSink {
	s := &PacketSink{
		track:   track,
		end:     end,
		opts:    opts,
		limits:  util.Range[int]{max(limits[0], 1), max(limits[1], limits[0], 1)},
		done:    make(chan struct{}),
		changed: make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancelCause(ctx)
	go s.produce(start)
	return s
}

func (s *PacketSink) notify() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *PacketSink) limit() int {
	if s.pressure.Load() > 0 {
		return s.limits[0]
	}
	return s.limits[1]
}

// SetDecodePressure reports how many decoded samples the consumer holds.
func (s *PacketSink) SetDecodePressure(n int) {
	s.pressure.Store(int64(n))
	s.mu.Lock()
	s.notify()
	s.mu.Unlock()
}

func (s *PacketSink) beforeEnd(p *Packet) bool {
	return p != nil && (s.end == nil || p.SequenceNumber < s.end.SequenceNumber)
}

func (s *PacketSink) produce(p *Packet) {
	defer close(s.done)
	var err error
	for s.beforeEnd(p) {
		s.mu.Lock()
		for len(s.queue) >= s.limit() {
			ch := s.changed
			s.mu.Unlock()
			select {
			case <-ch:
			case <-s.ctx.Done():
				s.finish(nil)
				return
			}
			s.mu.Lock()
		}
		s.queue = append(s.queue, p)
		s.notify()
		s.mu.Unlock()
		if p, err = s.track.NextPacket(s.ctx, p, s.opts); err != nil {
			break
		}
	}
	s.finish(err)
}

func (s *PacketSink) finish(err error) {
	if errors.Is(err, util.ErrCanceled) || errors.Is(err, context.Canceled) || s.ctx.Err() != nil {
		err = nil
	}
	s.mu.Lock()
	s.err = err
	s.notify()
	s.mu.Unlock()
}

// Next returns the next packet, or nil once the sequence ended or was
// canceled.
func (s *PacketSink) Next(ctx context.Context) (*Packet, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			p := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.notify()
			s.mu.Unlock()
			return p, nil
		}
		ch := s.changed
		s.mu.Unlock()
		select {
		case <-s.done:
			s.mu.Lock()
			empty, err := len(s.queue) == 0, s.err
			s.mu.Unlock()
			if empty {
				return nil, err
			}
		case <-ch:
		case <-ctx.Done():
			return nil, nil
		case <-s.ctx.Done():
			return nil, nil
		}
	}
}

// Close stops the producer and waits for it to exit.
func (s *PacketSink) Close() {
	s.cancel(util.ErrCanceled)
	<-s.done
}

// Buffered is the current queue length.
func (s *PacketSink) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
