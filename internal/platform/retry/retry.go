// Package retry runs startup operations that may fail while a dependency is
// still coming up, backing off exponentially between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// Policy bounds a retry loop. Attempts must be at least 1.
type Policy struct {
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration // 0 leaves the backoff uncapped
	OnRetry    func(attempt int, err error, wait time.Duration)
	Clock      clockwork.Clock // nil uses the real clock
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the unwrapped error
// immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

func (p Policy) next(wait time.Duration) time.Duration {
	wait *= 2
	if p.MaxBackoff > 0 && wait > p.MaxBackoff {
		return p.MaxBackoff
	}
	return wait
}

// Do calls op until it succeeds, returns a Permanent error, or the attempts
// run out. The returned error wraps the last failure.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if p.Attempts < 1 {
		return zero, fmt.Errorf("retry: attempts must be >= 1, got %d", p.Attempts)
	}
	clock := p.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	wait := p.Backoff
	for attempt := 1; ; attempt++ {
		val, err := op(ctx)
		if err == nil {
			return val, nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}
		if attempt == p.Attempts {
			return zero, fmt.Errorf("gave up after %d attempts: %w", attempt, err)
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}

		select {
		case <-clock.After(wait):
			wait = p.next(wait)
		case <-ctx.Done():
			return zero, fmt.Errorf("retry interrupted after %d attempts: %w", attempt, ctx.Err())
		}
	}
}
