package util

import (
	"context"
	"sync"
	"time"
)

// PacingGate keeps producers from running ahead of the slowest open track.
// Wait blocks while the caller's latest timestamp minus the minimum latest
// timestamp over all open tracks is at least Threshold. A zero Threshold
// disables the gate.
type PacingGate[K comparable] struct {
	Threshold time.Duration
	mu        sync.Mutex
	latest    map[K]time.Duration
	seen      map[K]bool
	changed   chan struct{}
}

func NewPacingGate[K comparable](threshold time.Duration, keys ...K) *PacingGate[K] {
	g := &PacingGate[K]{
		Threshold: threshold,
		latest:    make(map[K]time.Duration, len(keys)),
		seen:      make(map[K]bool, len(keys)),
		changed:   make(chan struct{}),
	}
	for _, k := range keys {
		g.latest[k] = 0
	}
	return g
}

func (g *PacingGate[K]) notify() {
	close(g.changed)
	g.changed = make(chan struct{})
}

// Advance records ts for key if it is later than what was seen before.
func (g *PacingGate[K]) Advance(key K, ts time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.latest[key]; ok && (!g.seen[key] || ts > cur) {
		g.latest[key] = ts
		g.seen[key] = true
		g.notify()
	}
}

// Close removes key from the minimum computation.
func (g *PacingGate[K]) Close(key K) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.latest[key]; ok {
		delete(g.latest, key)
		delete(g.seen, key)
		g.notify()
	}
}

// Lead is how far key is ahead of the slowest open track.
func (g *PacingGate[K]) Lead(key K) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lead(key)
}

func (g *PacingGate[K]) lead(key K) time.Duration {
	own, ok := g.latest[key]
	if !ok {
		return 0
	}
	lowest := own
	for _, ts := range g.latest {
		lowest = min(lowest, ts)
	}
	return own - lowest
}

func (g *PacingGate[K]) Wait(ctx context.Context, key K) error {
	if g.Threshold <= 0 {
		return nil
	}
	for {
		g.mu.Lock()
		if g.lead(key) < g.Threshold {
			g.mu.Unlock()
			return nil
		}
		ch := g.changed
		g.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}
