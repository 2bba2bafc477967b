// Package retry provides an explicit retry-with-backoff wrapper composed
// around individual outbound call sites, so retry behavior stays visible and
// testable per call instead of hiding inside a shared HTTP transport.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Config parameterizes a retried call
type Config struct {
	// MaxAttempts is the total number of tries, including the first
	MaxAttempts int

	// BaseDelay is the wait after the first failure; it doubles per attempt
	BaseDelay time.Duration
}

// DefaultConfig matches the retry discipline applied to sink calls
var DefaultConfig = Config{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
}

// Do runs op until it succeeds, the attempt bound is reached, or ctx is
// canceled. The delay before attempt n+1 is BaseDelay << (n-1).
func Do(ctx context.Context, cfg Config, op func(ctx context.Context) error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt < cfg.MaxAttempts {
			if err := Sleep(ctx, cfg.BaseDelay<<(attempt-1)); err != nil {
				return err
			}
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// Sleep waits for d or until ctx is canceled, whichever comes first
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
