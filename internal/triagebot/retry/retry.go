package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultBackoff is the default set of delays between retry attempts.
// Forge API transients (resets, 5xx, incomplete reads) tend to clear on the
// order of minutes, not seconds.
var DefaultBackoff = []time.Duration{2 * time.Minute, 4 * time.Minute, 8 * time.Minute}

// DefaultResetPad is added on top of the rate-limit reset instant before
// the next attempt.
const DefaultResetPad = 5 * time.Second

// DefaultMaxRateLimitCycles bounds how many rate-limit sleep cycles a single
// call may go through before it is treated as fatal.
const DefaultMaxRateLimitCycles = 10

// permanentError wraps an error that should not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps an error to signal that it should not be retried.
func Permanent(err error) error {
	return &permanentError{err: err}
}

// RateLimitedError signals that the remote rate-limit budget is exhausted.
// ResetAt is the instant at which the budget refreshes.
type RateLimitedError struct {
	ResetAt time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, resets at %s", e.ResetAt.UTC().Format(time.RFC3339))
}

// RateLimited constructs a RateLimitedError for the given reset instant.
func RateLimited(resetAt time.Time) error {
	return &RateLimitedError{ResetAt: resetAt}
}

type options struct {
	maxAttempts        int
	backoff            []time.Duration
	resetPad           time.Duration
	maxRateLimitCycles int
	now                func() time.Time
	sleep              func(context.Context, time.Duration) error
}

// Option configures retry behavior.
type Option func(*options)

// WithMaxAttempts sets the maximum number of attempts (including first try).
func WithMaxAttempts(n int) Option {
	return func(o *options) { o.maxAttempts = n }
}

// WithBackoff sets the delays between attempts. The number of delays should be
// maxAttempts-1. If fewer delays are provided, the last delay is reused.
func WithBackoff(delays ...time.Duration) Option {
	return func(o *options) { o.backoff = delays }
}

// WithResetPad sets the pad added after a rate-limit reset instant.
func WithResetPad(pad time.Duration) Option {
	return func(o *options) { o.resetPad = pad }
}

// WithMaxRateLimitCycles bounds the number of rate-limit sleep cycles
// tolerated for one call.
func WithMaxRateLimitCycles(n int) Option {
	return func(o *options) { o.maxRateLimitCycles = n }
}

// WithClock overrides the time source and sleeper (used in tests).
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(o *options) {
		o.now = now
		o.sleep = sleep
	}
}

func resolveOptions(opts []Option) options {
	o := options{
		maxAttempts:        3,
		backoff:            DefaultBackoff,
		resetPad:           DefaultResetPad,
		maxRateLimitCycles: DefaultMaxRateLimitCycles,
		now:                time.Now,
		sleep:              sleepCtx,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Do executes fn, retrying transient failures with backoff. A RateLimitedError
// from fn does not consume a retry attempt: Do sleeps until the reset instant
// plus the pad and tries again, up to the rate-limit cycle bound. Permanent
// errors and context cancellation stop immediately.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	_, err := DoVal(ctx, func() (struct{}, error) {
		return struct{}{}, fn()
	}, opts...)
	return err
}

// DoVal is like Do but for functions that return a value and an error.
func DoVal[T any](ctx context.Context, fn func() (T, error), opts ...Option) (T, error) {
	o := resolveOptions(opts)

	var zero T
	var lastErr error
	rlCycles := 0

	for attempt := 0; attempt < o.maxAttempts; {
		val, err := fn()
		if err == nil {
			return val, nil
		}
		lastErr = err

		var pe *permanentError
		if errors.As(err, &pe) {
			return zero, pe.err
		}

		var rle *RateLimitedError
		if errors.As(err, &rle) {
			rlCycles++
			if rlCycles > o.maxRateLimitCycles {
				return zero, fmt.Errorf("gave up after %d rate limit cycles: %w", o.maxRateLimitCycles, err)
			}
			wait := rle.ResetAt.Sub(o.now())
			if wait < 0 {
				wait = 0
			}
			if serr := o.sleep(ctx, wait+o.resetPad); serr != nil {
				return zero, lastErr
			}
			// Rate-limit sleeps don't consume a retry attempt.
			continue
		}

		attempt++
		if attempt >= o.maxAttempts {
			break
		}
		if serr := o.sleep(ctx, backoffDelay(o.backoff, attempt-1)); serr != nil {
			return zero, lastErr
		}
	}
	return zero, lastErr
}

// backoffDelay returns the delay for the given attempt index. If the index
// exceeds the backoff slice, the last delay is reused.
func backoffDelay(backoff []time.Duration, attempt int) time.Duration {
	if attempt < len(backoff) {
		return backoff[attempt]
	}
	return backoff[len(backoff)-1]
}
