package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/fiscalsync/internal/fiscal"
)

// Deadlines are the hard upper bounds enforced on upstream and storage
// calls, independent of any transport timeout.
type Deadlines struct {
	Default  time.Duration
	PerClass map[fiscal.Class]time.Duration
}

// For returns the deadline for calls concerning class.
func (d Deadlines) For(class fiscal.Class) time.Duration {
	if v, ok := d.PerClass[class]; ok && v > 0 {
		return v
	}
	return d.Default
}

// callWithDeadline runs fn in its own goroutine and abandons it once limit
// elapses. The abandoned call's context is cancelled and its result is
// dropped when it eventually returns; the caller never waits for it.
//
// A non-positive limit runs fn inline.
func callWithDeadline[T any](ctx context.Context, limit time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if limit <= 0 {
		return fn(ctx)
	}

	callCtx, cancel := context.WithCancel(ctx)

	type result struct {
		val T
		err error
	}
	// Buffered so an abandoned goroutine can always deliver and exit.
	done := make(chan result, 1)
	go func() {
		v, err := fn(callCtx)
		done <- result{v, err}
	}()

	timer := time.NewTimer(limit)
	defer timer.Stop()

	var zero T
	select {
	case r := <-done:
		cancel()
		return r.val, r.err
	case <-timer.C:
		cancel()
		return zero, fmt.Errorf("%w after %s", ErrHardDeadline, limit)
	case <-ctx.Done():
		cancel()
		return zero, ctx.Err()
	}
}
