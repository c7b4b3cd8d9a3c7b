// Package scheduler fires the daily feed refresh on weekdays at a fixed
// local wall-clock time, the way exchange data becomes available after the
// close.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// NextRun returns the first weekday instant strictly after `after` at
// hour:minute in loc. Saturdays and Sundays are skipped.
func NextRun(after time.Time, hour, minute int, loc *time.Location) time.Time {
	local := after.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !next.After(after) {
		next = next.AddDate(0, 0, 1)
	}
	for wd := next.Weekday(); wd == time.Saturday || wd == time.Sunday; wd = next.Weekday() {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Scheduler runs a job on the weekday schedule until its context ends.
type Scheduler struct {
	hour   int
	minute int
	loc    *time.Location
	job    func(context.Context)
	log    *zap.Logger
}

// New builds a scheduler for job at hour:minute in loc.
func New(hour, minute int, loc *time.Location, job func(context.Context), logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{hour: hour, minute: minute, loc: loc, job: job, log: logger}
}

// Run blocks, invoking the job at each scheduled instant, until ctx is
// canceled. The next instant is recomputed after every run so a job that
// overruns its slot never queues a backlog.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		next := NextRun(time.Now(), s.hour, s.minute, s.loc)
		s.log.Info("scheduled refresh armed", zap.Time("next_run", next))
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.job(ctx)
		}
	}
}
