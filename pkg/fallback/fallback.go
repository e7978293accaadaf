// Package fallback provides degrade-gracefully wrappers: a generic
// primary/secondary executor and a classifier that falls back from a
// cheap constrained-label model to the full-capability model.
package fallback

import (
	"context"
	"log/slog"
)

// Options[T] controls what happens after the primary path fails.
type Options[T any] struct {
	// Name identifies the operation in logs.
	Name string

	// Fallback is the secondary path, tried after the primary fails.
	Fallback func(ctx context.Context) (T, error)

	// FallbackValue is returned when both the primary and Fallback fail
	// (or Fallback is absent). Nil means no default exists.
	FallbackValue *T

	// ReturnFallbackError makes a failed Fallback surface its own error
	// instead of the primary's. Off by default: the primary error is the
	// one callers can act on.
	ReturnFallbackError bool

	// Logger receives structured failure context before each fallback
	// path is attempted. Defaults to slog.Default().
	Logger *slog.Logger
}

// Do runs primary, then walks the fallback chain: Fallback function,
// then FallbackValue, then the original error. Every failure is logged
// before the next path is tried.
func Do[T any](ctx context.Context, primary func(ctx context.Context) (T, error), opts Options[T]) (T, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	v, primaryErr := primary(ctx)
	if primaryErr == nil {
		return v, nil
	}

	logger.Warn("primary path failed",
		"operation", opts.Name,
		"has_fallback_fn", opts.Fallback != nil,
		"has_fallback_value", opts.FallbackValue != nil,
		"error", primaryErr,
	)

	if opts.Fallback != nil {
		fv, fbErr := opts.Fallback(ctx)
		if fbErr == nil {
			logger.Info("fallback path succeeded", "operation", opts.Name)
			return fv, nil
		}
		logger.Warn("fallback path failed",
			"operation", opts.Name,
			"error", fbErr,
		)
		if opts.FallbackValue == nil && opts.ReturnFallbackError {
			var zero T
			return zero, fbErr
		}
	}

	if opts.FallbackValue != nil {
		logger.Info("using fallback value", "operation", opts.Name)
		return *opts.FallbackValue, nil
	}

	var zero T
	return zero, primaryErr
}
