// Package retry runs an operation a bounded number of times with capped
// exponential backoff between attempts.
package retry

import (
	"context"
	"errors"
	"math"
	"time"
)

// Policy bounds the attempts and the wait between them.
type Policy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Default is used by callers that have no configured policy.
var Default = Policy{Attempts: 3, InitialBackoff: 500 * time.Millisecond, MaxBackoff: 5 * time.Second}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the unwrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Backoff returns the wait before the attempt following attempt (0-based).
func (p Policy) Backoff(attempt int) time.Duration {
	initial := p.InitialBackoff
	if initial <= 0 {
		initial = Default.InitialBackoff
	}
	d := time.Duration(float64(initial) * math.Pow(2, float64(attempt)))
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// Do calls fn until it succeeds, returns a Permanent error, ctx is done, or
// the attempts run out. The last error is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := range attempts {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		// Parent cancellation is never retried.
		if ctx.Err() != nil {
			return err
		}
		lastErr = err

		if attempt < attempts-1 {
			t := time.NewTimer(p.Backoff(attempt))
			select {
			case <-ctx.Done():
				t.Stop()
				return lastErr
			case <-t.C:
			}
		}
	}
	return lastErr
}
