package util

import (
	"context"
	"sync"
)

// Latch opens once every expected producer has arrived. Arriving twice, or
// arriving with an unknown key, has no effect.
type Latch[K comparable] struct {
	mu      sync.Mutex
	pending map[K]struct{}
	open    *Promise[struct{}]
}

func NewLatch[K comparable](keys ...K) *Latch[K] {
	l := &Latch[K]{
		pending: make(map[K]struct{}, len(keys)),
		open:    NewPromise(struct{}{}),
	}
	for _, k := range keys {
		l.pending[k] = struct{}{}
	}
	if len(keys) == 0 {
		l.open.Fulfill(nil)
	}
	return l
}

func (l *Latch[K]) Arrive(key K) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.pending[key]; !ok {
		return
	}
	delete(l.pending, key)
	if len(l.pending) == 0 {
		l.open.Fulfill(nil)
	}
}

func (l *Latch[K]) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

func (l *Latch[K]) IsOpen() bool {
	return l.open.IsFulfilled()
}

func (l *Latch[K]) Wait(ctx context.Context) (err error) {
	_, err = l.open.Await(ctx)
	return
}
