// Package scheduler fires the daily search quota reset.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/raaihank/leak-sentinel/internal/logger"
)

// Resetter is anything whose daily counters can be cleared.
type Resetter interface {
	Reset()
}

// QuotaReset runs Reset on its targets at every tick of a cron schedule.
type QuotaReset struct {
	cron    *cron.Cron
	entryID cron.EntryID
	targets []Resetter
	logger  *logger.Logger
	onReset func()
}

// NewQuotaReset schedules targets to be reset on schedule (standard five
// field cron syntax) evaluated in timezone. An empty timezone means local
// time. onReset, when not nil, runs after every reset.
func NewQuotaReset(schedule, timezone string, log *logger.Logger, onReset func(), targets ...Resetter) (*QuotaReset, error) {
	loc := time.Local
	if timezone != "" {
		var err error
		if loc, err = time.LoadLocation(timezone); err != nil {
			return nil, fmt.Errorf("invalid reset timezone %q: %w", timezone, err)
		}
	}

	parsed, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid reset schedule %q: %w", schedule, err)
	}

	if log == nil {
		log = logger.NewNop()
	}

	q := &QuotaReset{
		cron:    cron.New(cron.WithLocation(loc)),
		targets: targets,
		logger:  log,
		onReset: onReset,
	}
	q.entryID = q.cron.Schedule(parsed, cron.FuncJob(q.Run))

	return q, nil
}

// Run performs one reset immediately.
func (q *QuotaReset) Run() {
	for _, t := range q.targets {
		t.Reset()
	}
	if q.onReset != nil {
		q.onReset()
	}
	q.logger.Info("Search quota reset", zap.Int("targets", len(q.targets)))
}

// Start begins firing on schedule.
func (q *QuotaReset) Start() {
	q.cron.Start()
	q.logger.Info("Quota reset scheduler started", zap.Time("next_run", q.NextRun()))
}

// Stop halts the schedule and waits for a running reset to finish or ctx
// to expire.
func (q *QuotaReset) Stop(ctx context.Context) {
	done := q.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// NextRun reports when the next reset will fire. Zero before Start.
func (q *QuotaReset) NextRun() time.Time {
	return q.cron.Entry(q.entryID).Next
}
