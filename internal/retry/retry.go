// Package retry retries transient store and queue failures with exponential backoff.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/job-scheduler/internal/domain"
)

// Policy controls how many times and how quickly an operation is retried
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultPolicy returns the policy used when none is configured
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
	}
}

// Delay returns the backoff before the given retry (0-based)
func (p Policy) Delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	delay := float64(p.BaseDelay)
	for i := 0; i < attempt; i++ {
		delay *= mult
		if p.MaxDelay > 0 && delay >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	return time.Duration(delay)
}

// Do runs fn until it succeeds, returns a non-transient error, the attempts
// are exhausted or ctx is done. The last error is returned unchanged.
func Do(ctx context.Context, p Policy, logger *slog.Logger, op string, fn func() error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil || !domain.IsTransient(err) {
			return err
		}

		if attempt == maxAttempts-1 {
			break
		}

		delay := p.Delay(attempt)
		if logger != nil {
			logger.Warn("Transient failure, retrying",
				slog.String("op", op),
				slog.Int("attempt", attempt+1),
				slog.Int("max_attempts", maxAttempts),
				slog.Duration("retry_after", delay),
				slog.Any("error", err),
			)
		}

		if delay <= 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}

	if logger != nil {
		logger.Error("Operation failed after all retries",
			slog.String("op", op),
			slog.Int("attempts", maxAttempts),
			slog.Any("error", err),
		)
	}
	return err
}
