// File: internal/services/retry/retry.go
package retry

import (
	"context"
	"time"

	"github.com/iyunix/go-smilin/internal/domain"
)

type Logger interface {
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Config defines bounded exponential backoff.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultConfig provides sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2,
	}
}

func (c Config) normalized() Config {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = DefaultConfig().InitialDelay
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2
	}
	return c
}

// Delay returns the wait before the given retry (1-based).
func (c Config) Delay(retry int) time.Duration {
	c = c.normalized()
	d := c.InitialDelay
	for i := 1; i < retry; i++ {
		d = time.Duration(float64(d) * c.Multiplier)
		if d >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	return d
}

// Do runs fn until it succeeds, returns a non-retryable error, the context
// ends or MaxAttempts is reached. It returns the last error seen.
func Do(ctx context.Context, cfg Config, logger Logger, operation string, fn func(ctx context.Context) error) error {
	cfg = cfg.normalized()
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 && logger != nil {
				logger.Debug("operation succeeded after retry", "operation", operation, "attempts", attempt)
			}
			return nil
		}
		lastErr = err

		if !domain.Retryable(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		if logger != nil {
			logger.Warn("operation failed, retrying", "operation", operation, "attempt", attempt, "error", err)
		}

		timer := time.NewTimer(cfg.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}

	if logger != nil {
		logger.Error("operation failed after all retries", "operation", operation, "attempts", cfg.MaxAttempts, "error", lastErr)
	}
	return lastErr
}
