package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"comparium/internal/maint"
	"comparium/internal/task/scheduler"
)

const (
	DefaultScanEvery   = "15m"
	DefaultTickBudget  = 2 * time.Minute
	DefaultHTTPAddr    = ":8080"
	DefaultMetricsPath = "/metrics"
	DefaultNamespace   = "comparium"
	DefaultDebugAddr   = "127.0.0.1:6060"
)

// Resolved is Config with defaults applied and every string parsed.
type Resolved struct {
	Storage struct {
		Driver         string
		Path           string
		BusyTimeout    time.Duration
		SkipMigrations bool
	}
	Notifications struct {
		Retention    time.Duration
		Redis        bool
		PurgeEvery   time.Duration
		WriteRate    float64
		WriteBurst   int
		FallbackName string
	}
	Scanner struct {
		Enabled    bool
		Every      string
		TickBudget time.Duration
		Location   *time.Location
	}
	Engine struct {
		Workers        int
		QueueSize      int
		DefaultTimeout time.Duration
		MaxQueueDelay  time.Duration
		HistorySize    int
		RetryMax       int
	}
	HTTP struct {
		Enabled      bool
		Addr         string
		ReadTimeout  time.Duration
		WriteTimeout time.Duration
		ViewTTL      time.Duration
	}
	Metrics struct {
		Enabled   bool
		Namespace string
		Path      string
	}
	Debug struct {
		Enabled bool
		Addr    string
		Token   string
	}
}

// Resolve validates cfg and applies defaults. It is also the reload
// validator: a config that fails here is never committed.
func Resolve(cfg *Config) (Resolved, error) {
	var r Resolved
	if cfg == nil {
		return r, fmt.Errorf("config is nil")
	}
	var err error
	d := func(path, raw string, def time.Duration) time.Duration {
		if err != nil {
			return 0
		}
		var v time.Duration
		v, err = ParseDurationOrDefault(path, raw, def)
		return v
	}

	switch drv := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); drv {
	case "", "memory":
		r.Storage.Driver = "memory"
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return r, fmt.Errorf("storage.path: required for driver %q", drv)
		}
		r.Storage.Driver = drv
	default:
		return r, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	r.Storage.Path = strings.TrimSpace(cfg.Storage.Path)
	r.Storage.BusyTimeout = d("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	r.Storage.SkipMigrations = cfg.Storage.SkipMigrations

	n := cfg.Notifications
	r.Notifications.Retention = d("notifications.retention", n.Retention, maint.DefaultRetention)
	r.Notifications.PurgeEvery = d("notifications.purge_every", n.PurgeEvery, 0)
	switch strings.ToLower(strings.TrimSpace(n.Store)) {
	case "":
	case "redis":
		if strings.TrimSpace(n.Redis.URL) == "" {
			return r, fmt.Errorf("notifications.redis.url: required when store is redis")
		}
		r.Notifications.Redis = true
	default:
		return r, fmt.Errorf("notifications.store: unknown store %q", n.Store)
	}
	if n.WriteRate < 0 || n.WriteBurst < 0 {
		return r, fmt.Errorf("notifications.write_rate: must be >= 0")
	}
	r.Notifications.WriteRate = n.WriteRate
	r.Notifications.WriteBurst = n.WriteBurst
	r.Notifications.FallbackName = strings.TrimSpace(n.FallbackName)

	r.Scanner.Enabled = cfg.Scanner.Enabled == nil || *cfg.Scanner.Enabled
	r.Scanner.Every = strings.TrimSpace(cfg.Scanner.Every)
	if r.Scanner.Every == "" {
		r.Scanner.Every = DefaultScanEvery
	}
	if _, perr := scheduler.ParseSchedule(r.Scanner.Every); perr != nil {
		return r, fmt.Errorf("scanner.every: %w", perr)
	}
	r.Scanner.TickBudget = d("scanner.tick_budget", cfg.Scanner.TickBudget, DefaultTickBudget)
	r.Scanner.Location = time.Local
	if tz := strings.TrimSpace(cfg.Scanner.Timezone); tz != "" {
		loc, lerr := time.LoadLocation(tz)
		if lerr != nil {
			return r, fmt.Errorf("scanner.timezone: %w", lerr)
		}
		r.Scanner.Location = loc
	}

	te := cfg.TaskEngine
	if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 {
		return r, fmt.Errorf("task_engine: sizes must be >= 0")
	}
	r.Engine.Workers = orInt(te.Workers, 2)
	r.Engine.QueueSize = orInt(te.QueueSize, 64)
	r.Engine.HistorySize = orInt(te.HistorySize, 100)
	r.Engine.RetryMax = 2
	if te.RetryMax != nil {
		r.Engine.RetryMax = max(*te.RetryMax, 0)
	}
	r.Engine.DefaultTimeout = d("task_engine.default_timeout", te.DefaultTimeout, 0)
	r.Engine.MaxQueueDelay = d("task_engine.max_queue_delay", te.MaxQueueDelay, 0)

	r.HTTP.Enabled = cfg.HTTP.Enabled
	r.HTTP.Addr = strings.TrimSpace(cfg.HTTP.Addr)
	if r.HTTP.Addr == "" {
		r.HTTP.Addr = DefaultHTTPAddr
	}
	r.HTTP.ReadTimeout = d("http.read_timeout", cfg.HTTP.ReadTimeout, 10*time.Second)
	r.HTTP.WriteTimeout = d("http.write_timeout", cfg.HTTP.WriteTimeout, 30*time.Second)
	r.HTTP.ViewTTL = d("http.view_ttl", cfg.HTTP.ViewTTL, 5*time.Second)

	r.Metrics.Enabled = cfg.Metrics.Enabled
	r.Metrics.Namespace = strings.TrimSpace(cfg.Metrics.Namespace)
	if r.Metrics.Namespace == "" {
		r.Metrics.Namespace = DefaultNamespace
	}
	r.Metrics.Path = strings.TrimSpace(cfg.Metrics.Path)
	if r.Metrics.Path == "" {
		r.Metrics.Path = DefaultMetricsPath
	}
	if !strings.HasPrefix(r.Metrics.Path, "/") {
		return r, fmt.Errorf("metrics.path: must start with /")
	}

	r.Debug.Enabled = cfg.Debug.Enabled
	r.Debug.Addr = strings.TrimSpace(cfg.Debug.Addr)
	if r.Debug.Addr == "" {
		r.Debug.Addr = DefaultDebugAddr
	}
	r.Debug.Token = strings.TrimSpace(cfg.Debug.Token)
	if r.Debug.Enabled && r.Debug.Token == "" && !isLoopback(r.Debug.Addr) {
		return r, fmt.Errorf("debug.token: required when debug.addr %q is not loopback", r.Debug.Addr)
	}
	return r, err
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func orInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
