package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// LogHandler logs the execution and its payload
func LogHandler(logger *slog.Logger) Handler {
	return HandlerFunc(func(ctx context.Context, exec Execution) error {
		logger.Info("Job executed",
			slog.String("job_name", exec.JobName),
			slog.String("run_id", exec.RunID),
			slog.Int64("seq", exec.Seq),
			slog.Int("attempt", exec.Attempt),
			slog.String("payload", exec.Payload),
		)
		return nil
	})
}

// sleepPayload is the payload of the sleep handler, e.g. {"duration":"2s"}
type sleepPayload struct {
	Duration string `json:"duration"`
	Fail     bool   `json:"fail"`
}

// SleepHandler waits for the payload duration, honouring cancellation and
// timeouts. With "fail": true it fails after sleeping.
func SleepHandler() Handler {
	return HandlerFunc(func(ctx context.Context, exec Execution) error {
		var p sleepPayload
		if err := exec.Decode(&p); err != nil {
			return err
		}

		d := time.Second
		if p.Duration != "" {
			parsed, err := time.ParseDuration(p.Duration)
			if err != nil {
				return fmt.Errorf("invalid sleep duration %q: %w", p.Duration, err)
			}
			d = parsed
		}

		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return fmt.Errorf("sleep interrupted: %w", ctx.Err())
		}

		if p.Fail {
			return fmt.Errorf("sleep handler asked to fail")
		}
		return nil
	})
}
