package config

// Config is the on-disk shape of maintd's config file (JSON or YAML). Unknown
// keys are rejected. Durations are Go duration strings ("15m", "720h").
type Config struct {
	Logging       LoggingConfig       `json:"logging"`
	Storage       StorageConfig       `json:"storage"`
	Notifications NotificationsConfig `json:"notifications"`
	Scanner       ScannerConfig       `json:"scanner"`
	TaskEngine    TaskEngineConfig    `json:"task_engine"`
	HTTP          HTTPConfig          `json:"http"`
	Metrics       MetricsConfig       `json:"metrics"`
	Debug         DebugConfig         `json:"debug"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert copies error lines to stderr in a compact form, rate limited.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the document store.
//
//	"storage": { "driver": "sqlite", "path": "./data/maint.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // memory, file or sqlite
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	// SkipMigrations leaves schema and indexes to the operator.
	SkipMigrations bool `json:"skip_migrations,omitempty"`
}

type NotificationsConfig struct {
	// Retention sets ExpiresAt relative to dispatch time. Default 720h.
	Retention string `json:"retention,omitempty"`
	// Store is "" to keep notifications in the main store, or "redis".
	Store string      `json:"store,omitempty"`
	Redis RedisConfig `json:"redis,omitempty"`
	// PurgeEvery enables the expired-notification purge job. Empty disables it.
	PurgeEvery string `json:"purge_every,omitempty"`
	// WriteRate caps notification upserts per second during a tick. 0 is unlimited.
	WriteRate    float64 `json:"write_rate,omitempty"`
	WriteBurst   int     `json:"write_burst,omitempty"`
	FallbackName string  `json:"fallback_name,omitempty"`
}

type RedisConfig struct {
	URL          string `json:"url,omitempty"`
	Prefix       string `json:"prefix,omitempty"`
	PoolSize     int    `json:"pool_size,omitempty"`
	MinIdleConns int    `json:"min_idle_conns,omitempty"`
}

type ScannerConfig struct {
	// Enabled defaults to true when omitted.
	Enabled *bool `json:"enabled,omitempty"`
	// Every is a cron spec or interval. Default "15m".
	Every string `json:"every,omitempty"`
	// TickBudget bounds one tick. Default 2m.
	TickBudget string `json:"tick_budget,omitempty"`
	// Timezone decides the calendar date in dispatch keys. Empty means Local.
	Timezone string `json:"timezone,omitempty"`
}

// TaskEngineConfig sizes the job engine that runs scan and purge jobs.
//
// Defaults: workers 2, queue_size 64, history_size 100, retry_max 2.
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       *int   `json:"retry_max,omitempty"`
}

type HTTPConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"` // default ":8080"
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	// ViewTTL is how long a request-scoped read view may cache lists.
	ViewTTL string `json:"view_ttl,omitempty"`
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace,omitempty"` // default "comparium"
	Path      string `json:"path,omitempty"`      // default "/metrics"
}

// DebugConfig runs net/http/pprof on its own listener. A non-loopback Addr
// requires Token.
type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:6060"
	Token   string `json:"token,omitempty"`
}
