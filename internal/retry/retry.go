// Package retry runs idempotent operations again after transient failures,
// backing off exponentially with jitter between attempts.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int // 0 retries until ctx is done
	InitialWait time.Duration
	MaxWait     time.Duration
	Multiplier  float64
	Jitter      float64 // fraction of the wait, 0-1

	// Retryable reports whether err is worth another attempt.
	// Nothing is retried when it is nil.
	Retryable func(err error) bool

	// OnRetry, when set, is told about each failed attempt that will be
	// retried after wait.
	OnRetry func(ctx context.Context, attempt int, err error, wait time.Duration)
}

// DefaultConfig is three attempts starting at 100ms.
func DefaultConfig(retryable func(error) bool) Config {
	return Config{
		MaxAttempts: 3,
		InitialWait: 100 * time.Millisecond,
		MaxWait:     5 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
		Retryable:   retryable,
	}
}

// Do runs fn until it succeeds, fails terminally, runs out of attempts or
// ctx is done.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	_, err := DoWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult is Do for functions that return a value.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var zero T
	wait := cfg.InitialWait
	for attempt := 1; ; attempt++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		if cfg.Retryable == nil || !cfg.Retryable(err) {
			return zero, err
		}
		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		d := jittered(wait, cfg.Jitter)
		if cfg.OnRetry != nil {
			cfg.OnRetry(ctx, attempt, err, d)
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}

		wait = time.Duration(float64(wait) * cfg.Multiplier)
		if cfg.MaxWait > 0 && wait > cfg.MaxWait {
			wait = cfg.MaxWait
		}
	}
}

func jittered(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	return d + time.Duration(float64(d)*jitter*(rand.Float64()*2-1))
}
