// Package app wires the maintenance daemon: stores, the lifecycle manager,
// the sweep scanner behind the task scheduler, the HTTP API and hot reload.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"comparium/internal/config"
	"comparium/internal/eventbus"
	"comparium/internal/httpapi"
	"comparium/internal/lifecycle"
	"comparium/internal/maint"
	"comparium/internal/metrics"
	"comparium/internal/runtime/supervisor"
	"comparium/internal/storage"
	"comparium/internal/storage/redisnotify"
	"comparium/internal/sweep"
	"comparium/internal/task/engine"
	"comparium/internal/task/scheduler"
	logx "comparium/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	clock maint.Clock

	store storage.Store
	// notes is store itself unless notifications live in Redis.
	notes storage.NotificationStore
	redis *redisnotify.Store

	metrics *metrics.Metrics
	life    *lifecycle.Manager
	engine  *engine.Service
	sched   *scheduler.Service

	resolved atomic.Pointer[config.Resolved]
	sweep    atomic.Pointer[sweepSet]
	lastScan atomic.Pointer[sweep.TickReport]
}

type Option func(*App)

// WithClock replaces the system clock for the lifecycle manager and scanner.
func WithClock(c maint.Clock) Option { return func(a *App) { a.clock = c } }

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	r, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logConfig(cfg))
	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		logs:    logSvc,
		log:     log.With(logx.String("comp", "app")),
		bus:     eventbus.New(),
	}
	a.resolved.Store(&r)
	for _, o := range opts {
		o(a)
	}
	if a.clock == nil {
		a.clock = maint.SystemClock{Location: r.Scanner.Location}
	}
	if r.Metrics.Enabled {
		a.metrics = metrics.New(r.Metrics.Namespace)
	}

	st, err := storage.Open(storageConfig(r), log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	a.store, a.notes = st, st
	a.log.Info("storage opened", logx.String("driver", r.Storage.Driver))

	if r.Notifications.Redis {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rs, err := redisnotify.New(ctx, redisConfig(cfg), log)
		cancel()
		if err != nil {
			_ = st.Close()
			_ = logSvc.Close()
			return nil, fmt.Errorf("notifications.redis: %w", err)
		}
		a.redis, a.notes = rs, rs
		a.log.Info("notifications stored in redis")
	}

	a.life = lifecycle.New(st, st, lifecycle.Options{
		Clock:   a.clock,
		Log:     log,
		Bus:     a.bus,
		Metrics: a.metrics,
	})
	a.sweep.Store(buildSweep(a.sweepDeps(), r))

	a.engine = engine.New(engineConfig(r), log, a.bus)
	a.sched = scheduler.New(schedulerConfig(r), a.engine, log)
	if err := a.registerJobs(r); err != nil {
		a.closeStores()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) sweepDeps() sweepDeps {
	return sweepDeps{
		schedules: a.store,
		notes:     a.notes,
		names:     a.store,
		clock:     a.clock,
		log:       a.log.With(logx.String("comp", "sweep")),
		metrics:   a.metrics,
		bus:       a.bus,
	}
}

// registerJobs adds, replaces or removes the scan and purge jobs to match r.
const (
	purgeRetryWait = 15 * time.Second
	// triggerWait bounds how long a manual scan waits for queue room.
	triggerWait = 5 * time.Second
)

func (a *App) registerJobs(r config.Resolved) error {
	if r.Scanner.Enabled {
		if err := a.sched.AddSchedule(JobScan, r.Scanner.Every, scanTimeout(r), a.runScan); err != nil {
			return fmt.Errorf("scanner.every: %w", err)
		}
	} else if a.sched.Remove(JobScan) {
		a.log.Info("scanner disabled")
	}
	if r.Notifications.PurgeEvery > 0 {
		if err := a.sched.AddSchedule(JobPurge, r.Notifications.PurgeEvery.String(), 0, a.runPurge); err != nil {
			return fmt.Errorf("notifications.purge_every: %w", err)
		}
	} else {
		a.sched.Remove(JobPurge)
	}
	return nil
}

// runScan is the scheduled job. Configuration failures are not retried by the
// engine; anything else is.
func (a *App) runScan(ctx context.Context) error {
	rep, err := a.sweep.Load().scanner.Tick(ctx)
	if err != nil {
		return err
	}
	a.lastScan.Store(&rep)
	return nil
}

// runPurge backs off harder than the default curve while the store is down.
func (a *App) runPurge(ctx context.Context) error {
	_, err := a.sweep.Load().purger.Purge(ctx)
	if errors.Is(err, maint.ErrTransient) {
		return engine.RetryIn(err, purgeRetryWait)
	}
	return err
}

func (a *App) Lifecycle() *lifecycle.Manager            { return a.life }
func (a *App) Notifications() storage.NotificationStore { return a.notes }
func (a *App) Logger() logx.Logger                      { return a.log }

// TriggerScan queues a scan now, outside the schedule.
func (a *App) TriggerScan() error {
	if !a.resolved.Load().Scanner.Enabled {
		return errors.New("scanner disabled")
	}
	ctx, cancel := context.WithTimeout(context.Background(), triggerWait)
	defer cancel()
	return a.sched.Trigger(ctx, JobScan)
}

// ScanStatus streams a one-line summary of each finished or failed scan until
// ctx ends. Lines are dropped while the reader is behind.
func (a *App) ScanStatus(ctx context.Context) <-chan string {
	events, unsub := a.bus.Subscribe(8)
	out := make(chan string, 1)
	go func() {
		defer close(out)
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if line := scanStatusLine(e); line != "" {
					select {
					case out <- line:
					default:
					}
				}
			}
		}
	}()
	return out
}

func scanStatusLine(e eventbus.Event) string {
	switch e.Type {
	case eventbus.TypeScanFinished:
		rep, ok := e.Data.(sweep.TickReport)
		if !ok {
			return ""
		}
		return fmt.Sprintf("last scan %s: due=%d created=%d failed=%d abandoned=%d",
			rep.Date, rep.Due, rep.Created, rep.Failed, rep.Abandoned)
	case eventbus.TypeScanFailed:
		if err, ok := e.Data.(error); ok {
			return "last scan failed: " + err.Error()
		}
		return "last scan failed"
	}
	return ""
}

// Health is served on /healthz.
type Health struct {
	Status     string              `json:"status"`
	Scheduler  scheduler.Snapshot  `json:"scheduler"`
	Supervisor supervisor.Snapshot `json:"supervisor"`
	LastScan   *sweep.TickReport   `json:"lastScan,omitempty"`
	// AlertsDropped counts stderr alert lines lost to the rate limit.
	AlertsDropped uint64 `json:"alertsDropped"`
}

func (a *App) Health() Health {
	h := Health{Status: "ok", Scheduler: a.sched.Snapshot(), LastScan: a.lastScan.Load()}
	if a.logs != nil {
		h.AlertsDropped = a.logs.Suppressed()
	}
	if a.sup != nil {
		h.Supervisor = a.sup.Snapshot()
		if h.Supervisor.FirstError != "" {
			h.Status = "degraded"
		}
	}
	return h
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional reload: a config that does not resolve is never committed
	a.cfgm.SetLogger(a.log)
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := config.Resolve(cfg)
		return err
	})

	// engine first so the scheduler never fires into a stopped queue
	a.engine.Start(a.sup.Context())
	a.sched.Start(a.sup.Context())

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	r := a.resolved.Load()
	if h := r.HTTP; h.Enabled {
		router := httpapi.NewRouter(httpapi.Deps{
			Manager:       a.life,
			Notifications: a.notes,
			Parents:       a.store,
			Metrics:       a.metrics,
			MetricsPath:   r.Metrics.Path,
			ViewTTL:       h.ViewTTL,
			TriggerScan:   a.TriggerScan,
			AdminToken:    r.Debug.Token,
			Health:        func() any { return a.Health() },
			Log:           a.log,
		})
		cfg := httpapi.ServerConfig{Addr: h.Addr, ReadTimeout: h.ReadTimeout, WriteTimeout: h.WriteTimeout}
		a.sup.Go("http", func(c context.Context) error {
			return httpapi.Serve(c, cfg, router, a.log)
		})
	} else if a.metrics != nil {
		a.log.Warn("metrics enabled but http disabled; metrics are not exposed")
	}
	if d := r.Debug; d.Enabled {
		// CPU profiles stream for up to ?seconds=, so writes get a long bound.
		cfg := httpapi.ServerConfig{Addr: d.Addr, ReadTimeout: 10 * time.Second, WriteTimeout: 2 * time.Minute}
		router := httpapi.NewDebugRouter(d.Token, a.log)
		a.sup.Go("debug", func(c context.Context) error {
			return httpapi.Serve(c, cfg, router, a.log)
		})
	}

	a.log.Info("app started",
		logx.String("config", a.cfgPath),
		logx.Bool("scanner", r.Scanner.Enabled),
		logx.String("every", r.Scanner.Every),
		logx.String("timezone", r.Scanner.Location.String()))
	return nil
}

// RunOnce runs a single scan (and a purge when one is configured) without
// starting any background service, then closes the stores.
func (a *App) RunOnce(ctx context.Context) (sweep.TickReport, error) {
	defer func() { _ = a.Stop(context.Background(), StopRunOnce) }()
	set := a.sweep.Load()
	rep, err := set.scanner.Tick(ctx)
	if err != nil {
		return rep, err
	}
	if a.resolved.Load().Notifications.PurgeEvery > 0 {
		if _, err := set.purger.Purge(ctx); err != nil {
			a.log.Warn("purge failed", logx.Err(err))
		}
	}
	return rep, nil
}

func (a *App) closeStores() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		// cancel first so background loops start unwinding immediately
		a.sup.Cancel()
	}

	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	if a.sup != nil {
		// http shutdown and config watch exit under the supervisor
		a.step(ctx, "supervisor", 11*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	}
	if a.redis != nil {
		a.step(ctx, "notifications", time.Second, func(context.Context) error { return a.redis.Close() })
	}
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so a stuck component cannot
// stall the rest. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped; deadline passed", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}
