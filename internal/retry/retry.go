// Package retry provides exponential backoff policies shared by the
// reconnect loops and retried gateway calls.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	perrors "github.com/p-blackswan/gateway-bridge/internal/errors"
)

// Policy computes backoff delays.
type Policy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    bool
}

// Delay returns the delay before the given zero-based attempt:
// BaseDelay doubled per attempt, capped at MaxDelay, optionally
// jittered down to half.
func (p Policy) Delay(attempt int) time.Duration {
	delay := time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(attempt)))
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}
	if p.Jitter {
		delay = time.Duration(float64(delay) * (0.5 + rand.Float64()*0.5))
	}
	return delay
}

// Config holds retry configuration for Do.
type Config struct {
	MaxAttempts int
	Policy      Policy
}

// DefaultConfig returns sensible retry defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		Policy: Policy{
			BaseDelay: 500 * time.Millisecond,
			MaxDelay:  10 * time.Second,
			Jitter:    true,
		},
	}
}

// Do executes fn with exponential backoff. Only retries if the error is retryable.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !perrors.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.Policy.Delay(attempt)):
		}
	}
	return lastErr
}
