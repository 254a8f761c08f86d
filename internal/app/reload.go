package app

import (
	"context"
	"strings"

	"comparium/internal/config"
	logx "comparium/pkg/logx"
)

// reloadLoop applies every committed config until ctx ends. Bursts are
// coalesced to the newest config.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		var newCfg *config.Config
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub:
			if !ok {
				return
			}
			newCfg = c
		}
	coalesce:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					newCfg = newer
				}
			default:
				break coalesce
			}
		}
		a.applyConfig(ctx, lastApplied, newCfg)
		lastApplied = newCfg
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	// The manager validated before commit, so this only fails on a race
	// with a hand-edited file; keep the running config then.
	r, err := config.Resolve(newCfg)
	if err != nil {
		a.log.Warn("config no longer resolves; keeping previous", logx.Err(err))
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}
	if oldCfg != nil && (oldCfg.Notifications.Store != newCfg.Notifications.Store ||
		oldCfg.Notifications.Redis != newCfg.Notifications.Redis) {
		a.log.Warn("notification store changed; restart required for changes to take effect")
	}

	// Stores, listeners and the timezone stay as opened; everything else the
	// sweep derives from config is rebuilt.
	prev := a.resolved.Load()
	r.Storage, r.HTTP, r.Metrics, r.Debug = prev.Storage, prev.HTTP, prev.Metrics, prev.Debug
	r.Notifications.Redis = prev.Notifications.Redis
	r.Scanner.Location = prev.Scanner.Location

	a.logs.Apply(logConfig(newCfg))
	a.engine.Apply(ctx, engineConfig(r))
	a.sched.Apply(ctx, schedulerConfig(r))
	a.sweep.Store(buildSweep(a.sweepDeps(), r))
	if err := a.registerJobs(r); err != nil {
		a.log.Warn("job registration failed", logx.Err(err))
	}
	a.resolved.Store(&r)

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
