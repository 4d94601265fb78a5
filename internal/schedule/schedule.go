package schedule

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Parse reads a standard 5-field cron expression (minute hour day-of-month
// month day-of-week), e.g. "0 7 * * 1" for Mondays at 07:00.
func Parse(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", expr, err)
	}
	return sched, nil
}

// Job runs once per tick. Its error is logged and the loop keeps going.
type Job func(ctx context.Context, tick time.Time) error

// Loop sleeps until each next activation of sched in loc and runs job, until
// ctx is done. Ticks never overlap: the next one is computed after job
// returns.
func Loop(ctx context.Context, sched cron.Schedule, loc *time.Location, job Job, logger *zap.Logger) error {
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	now := func() time.Time { return time.Now().In(loc) }
	for {
		current := now()
		next := sched.Next(current)
		wait := next.Sub(current)
		logger.Info("next analysis scheduled",
			zap.Time("at", next),
			zap.Duration("in", wait.Round(time.Second)))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if err := job(ctx, next); err != nil {
			logger.Error("scheduled analysis failed", zap.Time("tick", next), zap.Error(err))
		}
	}
}
