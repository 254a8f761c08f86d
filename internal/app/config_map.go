package app

import (
	"time"

	"comparium/internal/config"
	"comparium/internal/eventbus"
	"comparium/internal/maint"
	"comparium/internal/metrics"
	"comparium/internal/storage"
	"comparium/internal/storage/redisnotify"
	"comparium/internal/sweep"
	"comparium/internal/task/engine"
	"comparium/internal/task/scheduler"
	logx "comparium/pkg/logx"
)

const (
	JobScan  = "maintenance.scan"
	JobPurge = "notifications.purge"
)

func logConfig(cfg *config.Config) logx.Config {
	if cfg == nil {
		return logx.Config{Level: "INFO", Console: true}
	}
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    l.Alert.Enabled,
			MinLevel:   l.Alert.MinLevel,
			RatePerSec: l.Alert.RatePerSec,
		},
	}
}

func storageConfig(r config.Resolved) storage.Config {
	return storage.Config{
		Driver:         r.Storage.Driver,
		Path:           r.Storage.Path,
		BusyTimeout:    r.Storage.BusyTimeout,
		SkipMigrations: r.Storage.SkipMigrations,
		Location:       r.Scanner.Location,
	}
}

func redisConfig(cfg *config.Config) redisnotify.Config {
	rc := cfg.Notifications.Redis
	return redisnotify.Config{
		URL:          rc.URL,
		Prefix:       rc.Prefix,
		PoolSize:     rc.PoolSize,
		MinIdleConns: rc.MinIdleConns,
	}
}

// The engine stays on for the whole process; disabling the scanner only
// unregisters its job.
func engineConfig(r config.Resolved) engine.Config {
	return engine.Config{
		Enabled:        true,
		Workers:        r.Engine.Workers,
		QueueSize:      r.Engine.QueueSize,
		DefaultTimeout: r.Engine.DefaultTimeout,
		MaxQueueDelay:  r.Engine.MaxQueueDelay,
		HistorySize:    r.Engine.HistorySize,
		RetryMax:       r.Engine.RetryMax,
	}
}

// schedulerConfig fires cron specs in the same zone the sweep dates with.
func schedulerConfig(r config.Resolved) scheduler.Config {
	return scheduler.Config{Enabled: true, Timezone: r.Scanner.Location.String()}
}

// sweepSet is rebuilt on every reload so scanner and dispatch settings apply
// without a restart. Both halves share the stores opened at startup.
type sweepSet struct {
	scanner *sweep.Scanner
	purger  *sweep.Purger
}

type sweepDeps struct {
	schedules storage.ScheduleStore
	notes     storage.NotificationStore
	names     storage.ParentNamer
	clock     maint.Clock
	log       logx.Logger
	metrics   *metrics.Metrics
	bus       eventbus.Bus
}

func buildSweep(d sweepDeps, r config.Resolved) *sweepSet {
	disp := sweep.NewDispatcher(d.notes, sweep.DispatcherOptions{
		Names:        d.names,
		FallbackName: r.Notifications.FallbackName,
		Retention:    r.Notifications.Retention,
		WriteRate:    r.Notifications.WriteRate,
		WriteBurst:   r.Notifications.WriteBurst,
		Log:          d.log,
		Metrics:      d.metrics,
		Bus:          d.bus,
	})
	return &sweepSet{
		scanner: sweep.NewScanner(d.schedules, disp, sweep.ScannerOptions{
			Clock:      d.clock,
			Location:   r.Scanner.Location,
			TickBudget: r.Scanner.TickBudget,
			Log:        d.log,
			Metrics:    d.metrics,
			Bus:        d.bus,
		}),
		purger: sweep.NewPurger(d.notes, d.clock, d.log, d.metrics),
	}
}

// scanTimeout leaves the scanner room to hit its own budget first, so an
// overrun is reported as abandoned work rather than a cancelled task.
func scanTimeout(r config.Resolved) time.Duration {
	return r.Scanner.TickBudget + r.Scanner.TickBudget/10 + time.Second
}
