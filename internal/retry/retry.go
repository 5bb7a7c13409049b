package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/juju/clock"

	"github.com/loykin/proxyfetch/internal/common"
)

// Config controls how telemetry persistence retries transient store errors.
type Config struct {
	MaxRetries      int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffFactor   float64
	RetryableErrors []string // matched case-insensitively against err.Error()
	Clock           clock.Clock
}

// DefaultRetryConfig returns the settings used by the event store.
func DefaultRetryConfig() *Config {
	return &Config{
		MaxRetries:    3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		RetryableErrors: []string{
			"connection refused",
			"connection reset",
			"timeout",
			"deadlock",
			"database is locked",
			"sqlite_busy",
			"broken pipe",
		},
		Clock: clock.WallClock,
	}
}

func (rc *Config) retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range rc.RetryableErrors {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// delay is the backoff before retry number attempt+1, capped at MaxDelay.
func (rc *Config) delay(attempt int) time.Duration {
	if attempt <= 0 {
		return rc.InitialDelay
	}
	d := time.Duration(float64(rc.InitialDelay) * math.Pow(rc.BackoffFactor, float64(attempt)))
	if d > rc.MaxDelay {
		d = rc.MaxDelay
	}
	return d
}

// Operation is a unit of store work that may be retried.
type Operation func() error

// WithRetry runs op until it succeeds, fails with a non-retryable error,
// exhausts MaxRetries, or ctx is cancelled while waiting.
func WithRetry(ctx context.Context, config *Config, op Operation) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	logger := common.GetLogger().WithComponent("store-retry")

	var lastErr error
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		err := op()
		if err == nil {
			if attempt > 0 {
				logger.Debug("store operation succeeded after retry", "attempt", attempt+1)
			}
			return nil
		}
		lastErr = err
		if attempt == config.MaxRetries {
			break
		}
		if !config.retryable(err) {
			return err
		}

		d := config.delay(attempt)
		logger.Warn("store operation failed, retrying",
			"error", err,
			"attempt", attempt+1,
			"max_attempts", config.MaxRetries+1,
			"retry_delay", d)
		select {
		case <-ctx.Done():
			return fmt.Errorf("operation cancelled during retry: %w", ctx.Err())
		case <-clk.After(d):
		}
	}

	logger.Error("store operation failed after all retry attempts", "error", lastErr, "attempts", config.MaxRetries+1)
	return fmt.Errorf("operation failed after %d attempts: %w", config.MaxRetries+1, lastErr)
}

// Do is WithRetry for operations that produce a value.
func Do[T any](ctx context.Context, config *Config, fn func() (T, error)) (T, error) {
	var out T
	err := WithRetry(ctx, config, func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
