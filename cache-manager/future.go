package cachemanager

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Future is the handle returned by asynchronous engine operations.
type Future[T any] struct {
	id    string
	done  chan struct{}
	once  sync.Once
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{
		id:   uuid.New().String(),
		done: make(chan struct{}),
	}
}

// ID returns the operation ID. Log lines emitted by the operation carry it
// as op_id.
func (f *Future[T]) ID() string {
	return f.id
}

// Done is closed when the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the result is available or ctx ends. Abandoning a Wait
// does not cancel the operation.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// resolve publishes the result. Only the first call has an effect.
func (f *Future[T]) resolve(value T, err error) {
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
	})
}
