// Package resilience provides retry and circuit breaker primitives used on
// the call-control path.
//
// [Retry] drives targeted recovery actions, such as restarting media
// transcription after the provider reports a transient failure.
// [CircuitBreaker] protects the call-control HTTP client from hammering an
// unhealthy endpoint. All types are safe for concurrent use.
package resilience

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig holds tuning knobs for [Retry]. Zero-value fields are replaced
// with defaults.
type RetryConfig struct {
	// Attempts is the total number of tries, including the first. Default: 3.
	Attempts int

	// InitialBackoff is the delay before the second attempt; subsequent
	// delays double. Default: 500ms.
	InitialBackoff time.Duration

	// MaxBackoff caps the per-attempt delay. Default: 5s.
	MaxBackoff time.Duration

	// Jitter adds up to this fraction of random spread to each delay,
	// in [0, 1]. Default: 0.2.
	Jitter float64
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.Jitter <= 0 {
		c.Jitter = 0.2
	}
	return c
}

// Retry runs an operation with exponential backoff.
type Retry struct {
	cfg RetryConfig
}

// NewRetry creates a Retry with the supplied configuration.
func NewRetry(cfg RetryConfig) *Retry {
	return &Retry{cfg: cfg.withDefaults()}
}

// Do invokes op until it succeeds, attempts are exhausted, or ctx is
// cancelled. The last error is returned on exhaustion.
func (r *Retry) Do(ctx context.Context, op func(ctx context.Context) error) error {
	backoff := r.cfg.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= r.cfg.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = op(ctx); lastErr == nil {
			return nil
		}
		if attempt == r.cfg.Attempts {
			break
		}

		delay := backoff
		if r.cfg.Jitter > 0 {
			delay += time.Duration(rand.Float64() * r.cfg.Jitter * float64(backoff))
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > r.cfg.MaxBackoff {
			backoff = r.cfg.MaxBackoff
		}
	}
	return lastErr
}
