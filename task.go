package fxmonitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// runPeriodic calls fn until ctx is done. The next delay is computed only after
// fn returns, so two runs never overlap. Panics are logged and the loop goes on.
func runPeriodic(ctx context.Context, logger *slog.Logger, name string, next func(now time.Time) time.Duration, fn func(ctx context.Context)) {
	timer := time.NewTimer(next(time.Now()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if err := safeRun(ctx, fn); err != nil {
				logger.Error("Periodic task failed", slog.String("task", name), slog.String("err", err.Error()))
			}
			timer.Reset(next(time.Now()))
		}
	}
}

func safeRun(ctx context.Context, fn func(ctx context.Context)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	fn(ctx)
	return nil
}

func every(d time.Duration) func(time.Time) time.Duration {
	return func(time.Time) time.Duration { return d }
}

// nextMinute fires just after each wall-clock minute boundary.
func nextMinute(now time.Time) time.Duration {
	return now.Truncate(time.Minute).Add(time.Minute + 50*time.Millisecond).Sub(now)
}
