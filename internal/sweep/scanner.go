// Package sweep runs the periodic due-schedule scan and dispatches one
// notification per schedule per calendar day.
//
// The scanner never touches NextDue. A schedule that stays due is rescanned
// every tick and deduplicated by its dispatch key, so ticks may overlap, run
// on several workers, or be re-run after a crash.
package sweep

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"comparium/internal/eventbus"
	"comparium/internal/maint"
	"comparium/internal/metrics"
	"comparium/internal/storage"
	logx "comparium/pkg/logx"
)

const DefaultTickBudget = 2 * time.Minute

type ScannerOptions struct {
	Clock maint.Clock
	// Location decides the calendar day of a tick; nil means the clock's.
	Location *time.Location
	// TickBudget bounds one tick; records left when it runs out are abandoned.
	TickBudget time.Duration
	Log        logx.Logger
	Metrics    *metrics.Metrics
	Bus        eventbus.Bus
}

type Scanner struct {
	schedules storage.ScheduleStore
	dispatch  *Dispatcher
	clock     maint.Clock
	loc       *time.Location
	budget    time.Duration
	log       logx.Logger
	metrics   *metrics.Metrics
	bus       eventbus.Bus
}

// TickReport summarizes one tick.
type TickReport struct {
	TickID    string        `json:"tickId"`
	Now       time.Time     `json:"now"`
	Date      string        `json:"date"`
	Due       int           `json:"due"`
	Created   int           `json:"created"`
	Duplicate int           `json:"duplicate"`
	Failed    int           `json:"failed"`
	Abandoned int           `json:"abandoned"`
	Took      time.Duration `json:"took"`
}

func NewScanner(schedules storage.ScheduleStore, d *Dispatcher, opts ScannerOptions) *Scanner {
	if opts.Clock == nil {
		opts.Clock = maint.SystemClock{Location: opts.Location}
	}
	if opts.TickBudget <= 0 {
		opts.TickBudget = DefaultTickBudget
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	return &Scanner{
		schedules: schedules,
		dispatch:  d,
		clock:     opts.Clock,
		loc:       opts.Location,
		budget:    opts.TickBudget,
		log:       opts.Log.With(logx.String("comp", "sweep")),
		metrics:   opts.Metrics,
		bus:       opts.Bus,
	}
}

// Tick runs one scan. It returns an error only when the whole tick failed:
// the due query errored (a *maint.ConfigurationError for schema problems) or
// ctx itself was cancelled. Per-record failures are counted and skipped.
func (s *Scanner) Tick(ctx context.Context) (TickReport, error) {
	start := time.Now()
	now := s.clock.Now()
	if s.loc != nil {
		now = now.In(s.loc)
	}
	rep := TickReport{TickID: uuid.NewString(), Now: now, Date: maint.NewDispatchKey("", now).Date}
	log := s.log.With(logx.String("tick", rep.TickID), logx.String("date", rep.Date))

	tctx, cancel := context.WithTimeout(ctx, s.budget)
	defer cancel()

	due, err := s.schedules.QueryDue(tctx, now)
	if err != nil {
		rep.Took = time.Since(start)
		return rep, s.failTick(log, rep, err)
	}
	rep.Due = len(due)

	names := map[string]string{}
	for i, sch := range due {
		if !sch.Enabled || sch.NextDue.After(now) {
			// The store broke its query contract; never notify for these.
			log.Warn("store returned a schedule that is not due",
				logx.String("schedule", sch.ID), logx.Bool("enabled", sch.Enabled))
			continue
		}
		created, err := s.dispatch.dispatch(tctx, sch, now, names)
		if err != nil {
			if errors.Is(err, ErrAbandoned) || tctx.Err() != nil {
				rep.Abandoned = len(due) - i
				break
			}
			rep.Failed++
			s.metrics.Dispatch(metrics.OutcomeFailed)
			log.Warn("dispatch failed", logx.String("schedule", sch.ID), logx.Err(err))
			continue
		}
		if created {
			rep.Created++
			s.metrics.Dispatch(metrics.OutcomeCreated)
		} else {
			rep.Duplicate++
			s.metrics.Dispatch(metrics.OutcomeDuplicate)
		}
	}
	rep.Took = time.Since(start)

	if err := ctx.Err(); err != nil {
		s.metrics.DispatchN(metrics.OutcomeAbandoned, rep.Abandoned)
		s.metrics.ObserveTick("cancelled", rep.Took, rep.Due, now)
		return rep, err
	}
	result := "ok"
	if rep.Abandoned > 0 {
		result = "budget"
		s.metrics.DispatchN(metrics.OutcomeAbandoned, rep.Abandoned)
		log.Warn("tick budget exhausted; remaining schedules retry next tick",
			logx.Int("abandoned", rep.Abandoned), logx.Duration("budget", s.budget))
	}
	s.metrics.ObserveTick(result, rep.Took, rep.Due, now)
	eventbus.Publish(s.bus, eventbus.TypeScanFinished, rep)
	log.Info("tick finished",
		logx.Int("due", rep.Due), logx.Int("created", rep.Created), logx.Int("duplicate", rep.Duplicate),
		logx.Int("failed", rep.Failed), logx.Duration("took", rep.Took))
	return rep, nil
}

func (s *Scanner) failTick(log logx.Logger, rep TickReport, err error) error {
	var cfgErr *maint.ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		s.metrics.ObserveTick("configuration", rep.Took, 0, rep.Now)
		log.Error("due-schedule query misconfigured; no notifications will be sent until fixed",
			logx.String("op", cfgErr.Op), logx.String("hint", cfgErr.Hint), logx.Err(err))
	default:
		s.metrics.ObserveTick("transient", rep.Took, 0, rep.Now)
		log.Warn("due-schedule query failed", logx.Err(err))
		err = maint.Transient("query due schedules", err)
	}
	eventbus.Publish(s.bus, eventbus.TypeScanFailed, err)
	return err
}
