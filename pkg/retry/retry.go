package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Config holds retry configuration
type Config struct {
	MaxAttempts  int           // total attempts including the first; < 1 means one attempt
	InitialDelay time.Duration // delay after the first failure
	MaxDelay     time.Duration // cap on any single delay
	Multiplier   float64       // exponential backoff multiplier
	Jitter       bool          // spread each delay by up to ±25%

	// Permanent errors stop retrying immediately (matched with errors.Is).
	Permanent []error

	// OnRetry, if set, is called before each wait.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig returns a default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Do runs fn until it succeeds, returns a permanent error, the attempts run out or ctx is done.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	_, err := DoWithResult(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoWithResult is Do for functions returning a value
func DoWithResult[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := max(cfg.MaxAttempts, 1)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("retry cancelled: %w", err)
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if isPermanent(err, cfg.Permanent) {
			return zero, err
		}
		if attempt == attempts {
			break
		}

		delay := Backoff(cfg, attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("retry cancelled during wait: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return zero, fmt.Errorf("giving up after %d attempts: %w", attempts, lastErr)
}

// Backoff returns the delay to wait after the given failed attempt (1-based)
func Backoff(cfg Config, attempt int) time.Duration {
	multiplier := cfg.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(cfg.InitialDelay) * math.Pow(multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	if cfg.Jitter && delay > 0 {
		spread := delay / 4
		delay = delay - spread + rand.Float64()*2*spread
	}
	return time.Duration(delay)
}

func isPermanent(err error, permanent []error) bool {
	for _, target := range permanent {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
