package worker

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// Executor bounds the number of engine calls running at once. Engine calls
// may block for a long time, so they never run on a coordination loop.
//
// A call that has started is never cancelled: the function receives a
// context detached from the caller's cancellation. Only waiting for a free
// slot honours ctx.
type Executor struct {
	sem *semaphore.Weighted
}

// NewExecutor returns an executor running at most n calls concurrently.
func NewExecutor(n int) *Executor {
	if n < 1 {
		n = 1
	}
	return &Executor{sem: semaphore.NewWeighted(int64(n))}
}

// Do runs fn once a slot is free. A panic in fn is returned as an error.
func (e *Executor) Do(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.sem.Release(1)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panic: %v", r)
		}
	}()
	return fn(context.WithoutCancel(ctx))
}
