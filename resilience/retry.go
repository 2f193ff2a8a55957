package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/superglue-ai/superglue-sub011/core"
)

// BackoffStrategy selects how the delay between attempts grows.
type BackoffStrategy int

const (
	// BackoffExponential multiplies the delay by BackoffFactor each attempt.
	BackoffExponential BackoffStrategy = iota
	// BackoffLinear waits InitialDelay * attempt, the policy the transports
	// apply to network-level failures.
	BackoffLinear
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	Strategy      BackoffStrategy
	BackoffFactor float64
	JitterEnabled bool
}

// DefaultRetryConfig provides sensible defaults
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		Strategy:      BackoffExponential,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// LinearRetryConfig builds the linear-backoff policy used for transport
// retries: attempts total calls, waiting delay, 2*delay, 3*delay, ...
// between them.
func LinearRetryConfig(attempts int, delay time.Duration) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  attempts,
		InitialDelay: delay,
		Strategy:     BackoffLinear,
	}
}

// Retry executes fn up to MaxAttempts times, sleeping between attempts
// according to the configured strategy. The context is honored both before
// each attempt and during the sleeps.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == config.MaxAttempts {
			break
		}

		switch config.Strategy {
		case BackoffLinear:
			delay = time.Duration(attempt) * config.InitialDelay
		default:
			if attempt > 1 {
				delay = time.Duration(float64(delay) * config.BackoffFactor)
			}
		}
		if config.MaxDelay > 0 && delay > config.MaxDelay {
			delay = config.MaxDelay
		}

		// Jitter desynchronizes retries across clients hitting the same host.
		if config.JitterEnabled {
			delay += time.Duration(float64(delay) * 0.1 * rand.Float64())
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded for %v: %w", config.MaxAttempts, lastErr, core.ErrMaxRetriesExceeded)
}
