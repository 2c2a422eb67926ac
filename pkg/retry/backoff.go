// Package retry provides the retry policy shared by every component that
// talks to an unreliable collaborator.
//
// A Policy is a maximum attempt count plus a backoff function. The same type
// drives IMAP connection establishment (fixed delay), attachment uploads
// (linear delay) and startup connectivity checks (exponential with jitter):
//
//	policy := retry.Policy{
//		MaxAttempts:   3,
//		Backoff:       retry.Fixed(2 * time.Second),
//		OperationName: "imap_connect",
//	}
//	err := policy.Do(ctx, func(attempt int) error {
//		return dial()
//	})
//
// Returning retry.Stop(err) from the callback ends the loop immediately and
// Do returns the unwrapped err.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/freightdesk/mailingest/logger"
)

// BackoffFunc returns the delay to wait after the given failed attempt (1-based).
type BackoffFunc func(attempt int) time.Duration

// Fixed waits d between every attempt.
func Fixed(d time.Duration) BackoffFunc {
	return func(int) time.Duration { return d }
}

// Linear waits step*attempt after each failed attempt.
func Linear(step time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		return step * time.Duration(attempt)
	}
}

type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
	}
}

// Exponential grows the delay by Multiplier per attempt up to MaxInterval.
// With Jitter the delay is drawn from [d/2, d).
func Exponential(config BackoffConfig) BackoffFunc {
	return func(attempt int) time.Duration {
		if attempt <= 1 {
			attempt = 1
		}

		interval := float64(config.InitialInterval) * math.Pow(config.Multiplier, float64(attempt-1))
		if config.MaxInterval > 0 && interval > float64(config.MaxInterval) {
			interval = float64(config.MaxInterval)
		}

		duration := time.Duration(interval)
		if config.Jitter && duration/2 > 0 {
			duration = duration/2 + time.Duration(rand.Int63n(int64(duration/2)))
		}
		return duration
	}
}

// Policy is a bounded retry strategy.
type Policy struct {
	// MaxAttempts is the total number of calls, including the first. Values
	// below 1 are treated as 1.
	MaxAttempts int
	// Backoff computes the wait after a failed attempt. Nil means no wait.
	Backoff BackoffFunc
	// Retryable reports whether err is worth another attempt. Nil retries
	// everything except StopError.
	Retryable func(err error) bool
	// OperationName labels log lines.
	OperationName string
}

// Do calls fn until it succeeds, returns a permanent error, the attempts run
// out, or ctx is done. fn receives the 1-based attempt number.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	name := p.OperationName
	if name == "" {
		name = "operation"
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		var stopErr StopError
		if errors.As(err, &stopErr) {
			return stopErr.Err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}

		var delay time.Duration
		if p.Backoff != nil {
			delay = p.Backoff(attempt)
		}
		logger.Debug("Retry: attempt failed", "operation", name, "attempt", attempt,
			"max_attempts", maxAttempts, "delay", delay, "error", err)

		if delay <= 0 {
			if ctx.Err() != nil {
				return fmt.Errorf("%s cancelled after %d attempts: %w (last error: %w)", name, attempt, ctx.Err(), lastErr)
			}
			continue
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s cancelled after %d attempts: %w (last error: %w)", name, attempt, ctx.Err(), lastErr)
		case <-timer.C:
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", name, maxAttempts, lastErr)
}

// StopError wraps an error to indicate that retries should stop immediately
type StopError struct {
	Err error
}

func (s StopError) Error() string {
	return s.Err.Error()
}

func (s StopError) Unwrap() error {
	return s.Err
}

// Stop wraps an error to indicate that retries should stop immediately
func Stop(err error) error {
	return StopError{Err: err}
}

// IsStopError checks if an error is a StopError
func IsStopError(err error) bool {
	var stopErr StopError
	return errors.As(err, &stopErr)
}
