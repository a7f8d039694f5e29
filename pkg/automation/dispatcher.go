package automation

import (
	"context"
	"time"

	"github.com/odvcencio/beacon/pkg/errors"
)

// Fanout delivers each command to every underlying dispatcher. The first
// failure is returned but every dispatcher is attempted.
type Fanout struct {
	dispatchers []Dispatcher
}

// NewFanout builds a fanout over the given dispatchers.
func NewFanout(dispatchers ...Dispatcher) *Fanout {
	return &Fanout{dispatchers: dispatchers}
}

// Dispatch forwards the command to all sinks.
func (f *Fanout) Dispatch(ctx context.Context, cmd Command) error {
	var firstErr error
	for _, d := range f.dispatchers {
		if err := d.Dispatch(ctx, cmd); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close closes all underlying dispatchers.
func (f *Fanout) Close() error {
	var firstErr error
	for _, d := range f.dispatchers {
		if err := d.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Retrying wraps a dispatcher with bounded retry and exponential backoff.
// An unreachable sink never blocks the durable recording that already
// happened upstream; exhausting the retries surfaces a retryable error
// the caller reports rather than fails on.
type Retrying struct {
	inner    Dispatcher
	attempts int
	backoff  time.Duration
}

// NewRetrying wraps inner with up to attempts deliveries, backing off
// exponentially from the base backoff between tries.
func NewRetrying(inner Dispatcher, attempts int, backoff time.Duration) *Retrying {
	if attempts < 1 {
		attempts = 1
	}
	if backoff <= 0 {
		backoff = time.Second
	}
	return &Retrying{inner: inner, attempts: attempts, backoff: backoff}
}

// Dispatch delivers the command, retrying on failure until the context
// is cancelled or the attempt budget is spent.
func (r *Retrying) Dispatch(ctx context.Context, cmd Command) error {
	var lastErr error
	backoff := r.backoff

	for attempt := 0; attempt < r.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		if lastErr = r.inner.Dispatch(ctx, cmd); lastErr == nil {
			return nil
		}
	}

	return errors.Wrap(lastErr, errors.ErrCodeDispatchFailed, "automation sink unreachable").
		WithContext("action", cmd.Action).
		WithContext("session_id", cmd.SessionID).
		WithContext("attempts", r.attempts).
		WithRetryable(true)
}

// Close closes the wrapped dispatcher.
func (r *Retrying) Close() error {
	return r.inner.Close()
}
