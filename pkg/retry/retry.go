// Package retry provides a bounded exponential backoff primitive for
// transient failures against model endpoints, tools, and stores.
package retry

import (
	"context"
	"log/slog"
	"time"
)

// Options controls the retry schedule.
type Options struct {
	// MaxRetries is the number of re-attempts after the first failure.
	// A function is invoked at most MaxRetries+1 times.
	MaxRetries int

	// InitialDelay is the sleep before the first retry.
	InitialDelay time.Duration

	// BackoffFactor multiplies the delay after each retry.
	BackoffFactor float64

	// MaxDelay caps the per-retry sleep. Zero means no cap.
	MaxDelay time.Duration

	// Logger receives per-attempt diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultOptions returns the schedule used when a zero Options is passed:
// three retries starting at one second, doubling, capped at ten seconds.
func DefaultOptions() Options {
	return Options{
		MaxRetries:    3,
		InitialDelay:  time.Second,
		BackoffFactor: 2,
		MaxDelay:      10 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = time.Second
	}
	if o.BackoffFactor < 1 {
		o.BackoffFactor = 2
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Delay returns the sleep before retry k (1-based):
// min(InitialDelay * BackoffFactor^(k-1), MaxDelay).
func (o Options) Delay(k int) time.Duration {
	d := o.InitialDelay
	for i := 1; i < k; i++ {
		d = time.Duration(float64(d) * o.BackoffFactor)
		if o.MaxDelay > 0 && d >= o.MaxDelay {
			return o.MaxDelay
		}
	}
	if o.MaxDelay > 0 && d > o.MaxDelay {
		return o.MaxDelay
	}
	return d
}

// Do invokes fn until it succeeds or the attempt budget is exhausted,
// sleeping between attempts (never during). On exhaustion the last
// error is returned. Context cancellation interrupts the sleep and
// returns ctx.Err() wrapped with the last attempt's error context.
func Do[T any](ctx context.Context, fn func(ctx context.Context) (T, error), opts Options) (T, error) {
	opts = opts.withDefaults()

	var zero T
	var lastErr error

	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := opts.Delay(attempt)
			opts.Logger.Debug("retrying after failure",
				"attempt", attempt+1,
				"max_attempts", opts.MaxRetries+1,
				"delay", delay,
				"error", lastErr,
			)

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}

		v, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				opts.Logger.Info("succeeded after retry", "attempts", attempt+1)
			}
			return v, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
	}

	return zero, lastErr
}
