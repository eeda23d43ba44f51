package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	apperrors "github.com/eigensurance/internal/errors"
	"github.com/eigensurance/internal/logging"
)

// ErrNotReady is returned by a poll condition that should be asked again later
var ErrNotReady = errors.New("not ready")

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts  int           // Maximum number of attempts, including the first
	InitialDelay time.Duration // Delay before the second attempt
	MaxDelay     time.Duration // Upper bound for a single delay
	Multiplier   float64       // Multiplier for exponential backoff
	Jitter       float64       // Fraction of each delay randomized away (0.0-1.0)
	// ShouldRetry decides whether an error is worth another attempt.
	// Nil retries everything apperrors.IsRetryable accepts.
	ShouldRetry func(error) bool
}

// DefaultRetryConfig returns a default retry configuration
// Pattern: 500ms, 1s, 2s, max 10s
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  4,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// PollConfig builds the schedule used while waiting for claim approval
func PollConfig(interval, maxInterval time.Duration, maxAttempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  maxAttempts,
		InitialDelay: interval,
		MaxDelay:     maxInterval,
		Multiplier:   1.5,
		Jitter:       0.1,
	}
}

// RetryResult contains information about the retry operation
type RetryResult struct {
	Attempts      int           `json:"attempts"`
	Success       bool          `json:"success"`
	TotalDuration time.Duration `json:"totalDuration"`
	LastError     error         `json:"lastError,omitempty"`
}

// Err returns nil on success and a wrapped last error otherwise
func (r *RetryResult) Err() error {
	if r.Success {
		return nil
	}
	return fmt.Errorf("operation failed after %d attempts: %w", r.Attempts, r.LastError)
}

// RetryFunc is a function that can be retried
type RetryFunc func(ctx context.Context, attempt int) error

// WithExponentialBackoff executes a function with exponential backoff retry logic
func WithExponentialBackoff(ctx context.Context, config *RetryConfig, fn RetryFunc) *RetryResult {
	logger := logging.FromContext(ctx)
	startTime := time.Now()
	shouldRetry := config.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = apperrors.IsRetryable
	}

	result := &RetryResult{}

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		err := fn(ctx, attempt)
		if err == nil {
			result.Success = true
			result.LastError = nil
			result.TotalDuration = time.Since(startTime)
			if attempt > 1 {
				logger.WithFields(map[string]interface{}{
					"attempts":      attempt,
					"totalDuration": result.TotalDuration.String(),
				}).Debug("Operation succeeded after retry")
			}
			return result
		}
		result.LastError = err

		if attempt >= config.MaxAttempts {
			logger.WithFields(map[string]interface{}{
				"attempts": attempt,
				"error":    err.Error(),
			}).Warn("Operation failed after max retry attempts")
			break
		}

		if !shouldRetry(err) {
			break
		}

		if ctx.Err() != nil {
			result.LastError = ctx.Err()
			break
		}

		delay := calculateDelay(config, attempt)

		logger.WithFields(map[string]interface{}{
			"attempt":     attempt,
			"maxAttempts": config.MaxAttempts,
			"delay":       delay.String(),
			"error":       err.Error(),
		}).Debug("Operation failed, retrying with exponential backoff")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(startTime)
			return result
		}
	}

	result.TotalDuration = time.Since(startTime)
	return result
}

// calculateDelay returns initialDelay * multiplier^(attempt-1), capped at MaxDelay,
// with up to Jitter of it randomly removed.
func calculateDelay(config *RetryConfig, attempt int) time.Duration {
	delay := float64(config.InitialDelay) * math.Pow(config.Multiplier, float64(attempt-1))
	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}

	if config.Jitter > 0 {
		j := math.Min(config.Jitter, 1)
		delay -= delay * j * rand.Float64()
	}

	return time.Duration(delay)
}

// Poll calls check until it returns done=true, a non-retryable error, the attempt
// budget is spent, or ctx is cancelled. check returning (false, nil) means
// "ask again after the next backoff delay".
func Poll[T any](ctx context.Context, config *RetryConfig, check func(ctx context.Context, attempt int) (T, bool, error)) (T, *RetryResult) {
	var value T
	cfg := *config
	inner := cfg.ShouldRetry
	cfg.ShouldRetry = func(err error) bool {
		if errors.Is(err, ErrNotReady) {
			return true
		}
		if inner != nil {
			return inner(err)
		}
		return apperrors.IsRetryable(err)
	}

	result := WithExponentialBackoff(ctx, &cfg, func(ctx context.Context, attempt int) error {
		v, done, err := check(ctx, attempt)
		if err != nil {
			return err
		}
		value = v
		if !done {
			return ErrNotReady
		}
		return nil
	})
	return value, result
}
