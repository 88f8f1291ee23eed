// Package retry runs an operation a bounded number of times with exponential
// backoff and jitter. It is used for one-shot remote calls (connectivity
// probe, flag and draft writes, reply generation), never around a whole
// mirror cycle.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// DefaultAttempts is the number of tries callers use unless they have a
// reason to differ.
const DefaultAttempts = 3

// Policy shapes the pause between attempts: Base doubles per attempt up to
// Max, and the actual pause is drawn uniformly from [d/2, d).
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

// Default is the policy used by [Do].
var Default = Policy{Base: 500 * time.Millisecond, Max: 5 * time.Second}

// Permanent wraps an error that must not be retried.
type Permanent struct{ Err error }

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

// Stop marks err as permanent. Stop(nil) is nil.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return &Permanent{Err: err}
}

// Do runs fn with the [Default] policy.
func Do(ctx context.Context, maxAttempts int, fn func() error) error {
	return Default.Do(ctx, maxAttempts, fn)
}

// Do executes fn up to maxAttempts times (at least once). It returns nil on
// the first success, the inner error of a [Permanent] failure immediately,
// or the last failure wrapped once attempts are exhausted.
func (p Policy) Do(ctx context.Context, maxAttempts int, fn func() error) error {
	maxAttempts = max(maxAttempts, 1)

	var lastErr error
	for attempt := range maxAttempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		var perm *Permanent
		if errors.As(lastErr, &perm) {
			return perm.Err
		}

		if attempt == maxAttempts-1 {
			break
		}
		timer := time.NewTimer(p.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled after %d attempt(s): %w (last error: %v)", attempt+1, ctx.Err(), lastErr)
		case <-timer.C:
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", maxAttempts, lastErr)
}

func (p Policy) delay(attempt int) time.Duration {
	d := p.Base << attempt
	if d > p.Max || d <= 0 {
		d = p.Max
	}
	if d < 2 {
		return d
	}
	return d/2 + time.Duration(rand.Int63n(int64(d/2))) //nolint:gosec // jitter does not need crypto/rand
}
