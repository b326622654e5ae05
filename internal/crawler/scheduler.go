package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorhill/cronexpr"
)

// Scheduler runs a job on a cron expression or, failing that, a fixed
// interval. Runs never overlap.
type Scheduler struct {
	Schedule string
	Interval time.Duration
	Now      func() time.Time
	After    func(time.Duration) <-chan time.Time
	Logger   *slog.Logger

	expr *cronexpr.Expression
}

func NewScheduler(schedule string, interval time.Duration) (*Scheduler, error) {
	s := &Scheduler{Schedule: schedule, Interval: interval, Now: time.Now, After: time.After}
	if schedule != "" {
		expr, err := cronexpr.Parse(schedule)
		if err != nil {
			return nil, fmt.Errorf("parse schedule %q: %w", schedule, err)
		}
		s.expr = expr
	} else if interval <= 0 {
		return nil, errors.New("crawler: schedule or interval is required")
	}
	return s, nil
}

// Next returns the first run time after now.
func (s *Scheduler) Next(now time.Time) time.Time {
	if s.expr != nil {
		return s.expr.Next(now)
	}
	return now.Add(s.Interval)
}

func (s *Scheduler) Run(ctx context.Context, job func(context.Context)) error {
	log := s.Logger
	if log == nil {
		log = slog.Default()
	}
	for {
		now := s.Now()
		next := s.Next(now)
		if next.IsZero() {
			log.WarnContext(ctx, "schedule has no future runs", "schedule", s.Schedule)
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-s.After(next.Sub(now)):
		}
		job(ctx)
	}
}
