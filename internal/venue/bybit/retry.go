package bybit

import (
	"context"
	"math"
	"time"

	"github.com/alphapulse/risk-core/internal/venue"
)

// RetryConfig controls the backoff applied to read-path calls
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig returns the standard backoff settings
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
	}
}

// withRetry retries fn with exponential backoff on connectivity errors only.
// Business rejections are surfaced immediately. Order placement never goes
// through here; retrying an order with an unknown outcome risks duplicates.
func (c *Connector) withRetry(ctx context.Context, op string, fn func() error) error {
	cfg := DefaultRetryConfig()

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return venue.NewConnectivityError(op, err)
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !venue.IsConnectivity(err) || attempt == cfg.MaxRetries {
			break
		}

		delay := time.Duration(float64(cfg.InitialDelay) * math.Pow(cfg.BackoffFactor, float64(attempt)))
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
		select {
		case <-ctx.Done():
			return venue.NewConnectivityError(op, ctx.Err())
		case <-time.After(delay):
		}
	}
	return lastErr
}
