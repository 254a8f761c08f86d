package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"comparium/internal/task/engine"
	logx "comparium/pkg/logx"
)

func New(cfg Config, eng *engine.Service, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "scheduler")),
		engine: eng,
		// SecondOptional accepts both 5 and 6 field specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// AddSchedule registers or replaces the job called name. spec is a cron
// expression, "@every 5m", a Go duration or HH:MM interval. Overlapping runs
// are skipped.
func (s *Service) AddSchedule(name, spec string, timeout time.Duration, run func(ctx context.Context) error) error {
	return s.AddScheduleOpt(name, spec, timeout, engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning}, run)
}

func (s *Service) AddScheduleOpt(name, spec string, timeout time.Duration, opt engine.TaskOptions, run func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if run == nil {
		return errors.New("job required")
	}
	ps, err := ParseSchedule(spec)
	if err != nil {
		return err
	}
	j := &job{name: name, timeout: timeout, run: run, opt: opt, state: &engine.RunState{}}
	j.warn.Interval = enqueueWarnEvery
	switch ps.Kind {
	case SpecCron:
		if _, err := s.parser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
		j.spec = ps.Cron
	case SpecInterval:
		j.spec = "@every " + ps.Every.String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	s.jobs = append(s.jobs, j)
	if s.c != nil {
		if err := s.registerLocked(j); err != nil {
			return err
		}
	}
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", j.spec), logx.Duration("timeout", timeout))
	return nil
}

// Remove unregisters name and reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) removeLocked(name string) bool {
	n := 0
	removed := false
	for _, j := range s.jobs {
		if j.name == name {
			if s.c != nil && j.entryID != 0 {
				s.c.Remove(j.entryID)
			}
			removed = true
			continue
		}
		s.jobs[n] = j
		n++
	}
	s.jobs = s.jobs[:n]
	return removed
}

// Trigger enqueues name right away, outside its schedule, waiting for queue
// room until ctx ends. The overlap gate still applies.
func (s *Service) Trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	var j *job
	for _, cand := range s.jobs {
		if cand.name == name {
			j = cand
		}
	}
	s.mu.Unlock()
	if j == nil {
		return fmt.Errorf("schedule %q not registered", name)
	}
	if s.engine == nil {
		return engine.ErrStopped
	}
	return s.engine.Submit(ctx, s.task(j))
}

func (s *Service) enqueue(j *job) error {
	if s.engine == nil {
		return engine.ErrStopped
	}
	return s.engine.Enqueue(s.task(j))
}

func (s *Service) task(j *job) engine.Task {
	return engine.Task{Name: j.name, Timeout: j.timeout, Run: j.run, Opt: j.opt, State: j.state}
}

const enqueueWarnEvery = 5 * time.Second

// fire is the cron callback. A run still in flight when the next trigger
// arrives is routine and only logged at debug.
func (s *Service) fire(j *job) {
	err := s.enqueue(j)
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrOverlapSkip):
		s.log.Debug("schedule trigger skipped", logx.String("schedule", j.name))
	default:
		j.warn.Do(func() {
			s.log.Warn("schedule failed to enqueue task", logx.String("schedule", j.name), logx.Err(err))
		})
	}
}

func (s *Service) registerLocked(j *job) error {
	fire := cron.FuncJob(func() { s.fire(j) })
	if strings.HasPrefix(j.spec, "@every ") {
		every, err := time.ParseDuration(strings.TrimPrefix(j.spec, "@every "))
		if err == nil && every > 0 {
			sched, spread := withStartupSpread(every, time.Now().In(s.loc), j.name)
			j.spread = spread
			j.entryID = s.c.Schedule(sched, fire)
			return nil
		}
	}
	j.spread = 0
	id, err := s.c.AddJob(j.spec, fire)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", j.name, err)
	}
	j.entryID = id
	return nil
}

// Apply swaps the config. A timezone change rebuilds the cron runner.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.c != nil
	s.mu.Unlock()

	switch {
	case running && !cfg.Enabled:
		s.Stop(ctx)
	case !running && cfg.Enabled:
		s.Start(ctx)
	case running && strings.TrimSpace(prev.Timezone) != strings.TrimSpace(cfg.Timezone):
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func (s *Service) Start(ctx context.Context) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return
	}
	s.loc = loadLocation(s.cfg.Timezone, s.log)
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, j := range s.jobs {
		if err := s.registerLocked(j); err != nil {
			s.log.Error("schedule register failed", logx.String("name", j.name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, j := range s.jobs {
		j.entryID = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Enabled: s.cfg.Enabled, Timezone: s.cfg.Timezone}
	if s.loc != nil {
		snap.Timezone = s.loc.String()
	}
	for _, j := range s.jobs {
		info := JobInfo{Name: j.name, Spec: j.spec, Timeout: j.timeout}
		if s.c != nil && j.entryID != 0 {
			e := s.c.Entry(j.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		snap.Jobs = append(snap.Jobs, info)
	}
	eng := s.engine
	s.mu.Unlock()
	if eng != nil {
		snap.Engine = eng.Snapshot()
	}
	return snap
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
