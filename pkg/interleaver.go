package pkg

import "time"

type (
	interleaveItem[T any] struct {
		ts    time.Duration
		value T
	}

	interleaveQueue[T any] struct {
		items  []interleaveItem[T]
		closed bool
		rank   int
	}

	// Interleaver merges per-track queues into one stream ordered by
	// timestamp. Pop only yields once every open track has something
	// pending, so nothing earlier can still arrive. Ties go to the track
	// registered first.
	Interleaver[T any] struct {
		queues map[int]*interleaveQueue[T]
	}
)

func NewInterleaver[T any](ids ...int) *Interleaver[T] {
	il := &Interleaver[T]{queues: make(map[int]*interleaveQueue[T], len(ids))}
	for _, id := range ids {
		il.AddTrack(id)
	}
	return il
}

func (il *Interleaver[T]) AddTrack(id int) {
	if _, ok := il.queues[id]; !ok {
		il.queues[id] = &interleaveQueue[T]{rank: len(il.queues)}
	}
}

func (il *Interleaver[T]) Push(id int, ts time.Duration, v T) error {
	q := il.queues[id]
	if q == nil || q.closed {
		return ErrTrackClosed
	}
	q.items = append(q.items, interleaveItem[T]{ts, v})
	return nil
}

// Close marks a track as finished, its pending items still drain.
func (il *Interleaver[T]) Close(id int) {
	if q := il.queues[id]; q != nil {
		q.closed = true
	}
}

func (il *Interleaver[T]) Closed(id int) bool {
	q := il.queues[id]
	return q == nil || q.closed
}

// Peek returns the head of a track queue.
func (il *Interleaver[T]) Peek(id int) (ts time.Duration, v T, ok bool) {
	if q := il.queues[id]; q != nil && len(q.items) > 0 {
		return q.items[0].ts, q.items[0].value, true
	}
	return
}

func (il *Interleaver[T]) Pending(id int) int {
	if q := il.queues[id]; q != nil {
		return len(q.items)
	}
	return 0
}

func (il *Interleaver[T]) Pop() (id int, ts time.Duration, v T, ok bool) {
	var best *interleaveQueue[T]
	for qid, q := range il.queues {
		if len(q.items) == 0 {
			if !q.closed {
				return 0, 0, v, false
			}
			continue
		}
		if best == nil || q.items[0].ts < best.items[0].ts || (q.items[0].ts == best.items[0].ts && q.rank < best.rank) {
			best, id = q, qid
		}
	}
	if best == nil {
		return 0, 0, v, false
	}
	item := best.items[0]
	var zero interleaveItem[T]
	best.items[0] = zero
	best.items = best.items[1:]
	return id, item.ts, item.value, true
}

// Done reports whether every track is closed and drained.
func (il *Interleaver[T]) Done() bool {
	for _, q := range il.queues {
		if !q.closed || len(q.items) > 0 {
			return false
		}
	}
	return true
}
