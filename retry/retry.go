// Package retry provides configurable retry logic with backoff delays for
// transient failures at the adapter boundary.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Config holds retry configuration.
type Config struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Values below 1 are treated as 1.
	MaxAttempts int

	// Delays are the waits applied before each retry. When attempts outrun
	// the slice, the last delay is reused.
	Delays []time.Duration
}

// Do executes fn up to MaxAttempts times, waiting between attempts.
// Only errors for which retryable returns true are retried; a nil retryable
// retries every error. The last error is returned wrapped when all attempts
// are exhausted.
func Do(ctx context.Context, cfg Config, retryable func(error) bool, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delayIndex := attempt - 1
			if delayIndex >= len(cfg.Delays) {
				delayIndex = len(cfg.Delays) - 1
			}
			var delay time.Duration
			if delayIndex >= 0 {
				delay = cfg.Delays[delayIndex]
			}

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if retryable != nil && !retryable(err) {
			return err
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}
