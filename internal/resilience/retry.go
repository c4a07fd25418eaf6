// Package resilience provides bounded retry for transient failures: directory
// registration and broadcast fan-out. Errors that survive the retry budget
// surface to the caller; they are never retried indefinitely.
package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Config defines retry behavior.
type Config struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	Multiplier      float64
	RandomizeFactor float64 // jitter fraction, 0..1
}

// DefaultConfig is the kernel-wide transient-retry policy: 3 attempts,
// exponential backoff with 10% jitter.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		InitialDelay:    100 * time.Millisecond,
		Multiplier:      2.0,
		RandomizeFactor: 0.1,
	}
}

// Retry runs fn up to cfg.MaxAttempts times, sleeping with jittered
// exponential backoff between attempts. Returns nil on first success; the
// last error otherwise. Honors context cancellation between attempts.
func Retry(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultConfig()
	}
	var lastErr error
	delay := cfg.InitialDelay
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}
		select {
		case <-time.After(jitter(delay, cfg.RandomizeFactor)):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay = time.Duration(float64(delay) * cfg.Multiplier)
	}
	return fmt.Errorf("after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

func jitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return d
	}
	delta := float64(d) * factor
	return time.Duration(float64(d) - delta + rand.Float64()*2*delta)
}
