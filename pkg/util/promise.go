package util

import (
	"context"
	"errors"
)

// Promise settles once. Its context is done after Fulfill.
type Promise[T any] struct {
	context.Context
	context.CancelCauseFunc
	Value T
}

func NewPromise[T any](v T) *Promise[T] {
	p := &Promise[T]{Value: v}
	p.Context, p.CancelCauseFunc = context.WithCancelCause(context.Background())
	return p
}

var ErrResolve = errors.New("promise resolved")

func (p *Promise[T]) Fulfill(err error) {
	p.CancelCauseFunc(Conditional(err == nil, ErrResolve, err))
}

func (p *Promise[T]) IsFulfilled() bool {
	return p.Err() != nil
}

// Await blocks until the promise settles or ctx is done. A promise settled
// with nil yields its value and no error.
func (p *Promise[T]) Await(ctx context.Context) (v T, err error) {
	select {
	case <-p.Done():
	case <-ctx.Done():
		return v, ctx.Err()
	}
	if err = context.Cause(p.Context); errors.Is(err, ErrResolve) {
		return p.Value, nil
	}
	return
}
