package storage

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultWriteGateTimeout bounds how long a mutating operation waits for the
// write gate
const DefaultWriteGateTimeout = 10 * time.Second

// WriteGate admits one mutating operation at a time. Each Store owns its
// gate, so independent stores never contend.
type WriteGate struct {
	sem     *semaphore.Weighted
	timeout time.Duration
}

// NewWriteGate creates a gate that fails acquisitions after timeout
func NewWriteGate(timeout time.Duration) *WriteGate {
	if timeout <= 0 {
		timeout = DefaultWriteGateTimeout
	}
	return &WriteGate{
		sem:     semaphore.NewWeighted(1),
		timeout: timeout,
	}
}

// Acquire waits for the gate. It returns ErrBusy when the timeout elapses and
// the context error when the caller gives up first. On success the returned
// release func must be called exactly once.
func (g *WriteGate) Acquire(ctx context.Context) (release func(), err error) {
	waitCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := g.sem.Acquire(waitCtx, 1); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrBusy
		}
		return nil, err
	}

	return func() { g.sem.Release(1) }, nil
}

// Timeout returns the acquisition ceiling
func (g *WriteGate) Timeout() time.Duration {
	return g.timeout
}
