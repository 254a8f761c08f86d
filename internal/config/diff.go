package config

import (
	"reflect"
	"strings"

	logx "comparium/pkg/logx"
)

// SummarizeChange lists the sections that differ between two configs and
// returns log fields describing the new values. Secrets such as the Redis URL
// are reported only as set or unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var changed []string
	var attrs []logx.Field

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert", newCfg.Logging.Alert.Enabled))
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path))
	}
	if !reflect.DeepEqual(oldCfg.Notifications, newCfg.Notifications) {
		n := newCfg.Notifications
		changed = append(changed, "notifications")
		attrs = append(attrs,
			logx.String("notifications.retention", n.Retention),
			logx.String("notifications.store", n.Store),
			logx.Bool("notifications.redis_url_set", strings.TrimSpace(n.Redis.URL) != ""),
			logx.String("notifications.purge_every", n.PurgeEvery))
	}
	if !reflect.DeepEqual(oldCfg.Scanner, newCfg.Scanner) {
		s := newCfg.Scanner
		changed = append(changed, "scanner")
		attrs = append(attrs,
			logx.Bool("scanner.enabled", s.Enabled == nil || *s.Enabled),
			logx.String("scanner.every", s.Every),
			logx.String("scanner.tick_budget", s.TickBudget),
			logx.String("scanner.timezone", s.Timezone))
		if strings.TrimSpace(oldCfg.Scanner.Timezone) != strings.TrimSpace(s.Timezone) {
			changed = append(changed, "scanner.timezone")
		}
	}
	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.workers", newCfg.TaskEngine.Workers),
			logx.Int("task_engine.queue_size", newCfg.TaskEngine.QueueSize))
	}
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs, logx.Bool("http.enabled", newCfg.HTTP.Enabled), logx.String("http.addr", newCfg.HTTP.Addr))
	}
	if !reflect.DeepEqual(oldCfg.Metrics, newCfg.Metrics) {
		changed = append(changed, "metrics")
		attrs = append(attrs, logx.Bool("metrics.enabled", newCfg.Metrics.Enabled))
	}
	if !reflect.DeepEqual(oldCfg.Debug, newCfg.Debug) {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.Bool("debug.token_set", newCfg.Debug.Token != ""))
	}
	return changed, attrs
}

// RestartRequired reports changes that hot reload cannot apply. The store and
// listeners are opened once at startup, and the scanner timezone is shared
// with the lifecycle clock and the store's read-back location.
func RestartRequired(changed []string) []string {
	var out []string
	for _, c := range changed {
		switch c {
		case "storage", "http", "metrics", "debug", "scanner.timezone":
			out = append(out, c)
		}
	}
	return out
}
