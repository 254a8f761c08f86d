package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"comparium/internal/maint"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./data/maint.db
notifications:
  retention: 240h
  purge_every: 6h
  write_rate: 50
scanner:
  every: "*/10 * * * *"
  tick_budget: 90s
  timezone: UTC
task_engine:
  workers: 1
  retry_max: 0
http:
  enabled: true
  addr: 127.0.0.1:9090
`

func TestDecodeYAMLAndResolve(t *testing.T) {
	cfg, err := Decode("maintd.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	r, err := Resolve(cfg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if r.Storage.Driver != "sqlite" || r.Storage.BusyTimeout != 5*time.Second {
		t.Fatalf("storage=%+v", r.Storage)
	}
	if r.Notifications.Retention != 240*time.Hour || r.Notifications.PurgeEvery != 6*time.Hour || r.Notifications.WriteRate != 50 {
		t.Fatalf("notifications=%+v", r.Notifications)
	}
	if !r.Scanner.Enabled || r.Scanner.TickBudget != 90*time.Second || r.Scanner.Location != time.UTC {
		t.Fatalf("scanner=%+v", r.Scanner)
	}
	if r.Engine.Workers != 1 || r.Engine.RetryMax != 0 || r.Engine.QueueSize != 64 {
		t.Fatalf("engine=%+v", r.Engine)
	}
	if !r.HTTP.Enabled || r.HTTP.Addr != "127.0.0.1:9090" || r.Metrics.Path != DefaultMetricsPath {
		t.Fatalf("http=%+v metrics=%+v", r.HTTP, r.Metrics)
	}
}

func TestResolveDefaults(t *testing.T) {
	r, err := Resolve(&Config{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if r.Storage.Driver != "memory" || r.Scanner.Every != DefaultScanEvery || r.Scanner.TickBudget != DefaultTickBudget {
		t.Fatalf("defaults=%+v", r)
	}
	if r.Notifications.Retention != maint.DefaultRetention || r.Notifications.PurgeEvery != 0 {
		t.Fatalf("notification defaults=%+v", r.Notifications)
	}
	if r.Engine.RetryMax != 2 || r.HTTP.Enabled {
		t.Fatalf("engine=%+v http=%+v", r.Engine, r.HTTP)
	}
}

func TestResolveRejects(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"unknown driver", Config{Storage: StorageConfig{Driver: "mongo"}}, "storage.driver"},
		{"sqlite without path", Config{Storage: StorageConfig{Driver: "sqlite"}}, "storage.path"},
		{"bad retention", Config{Notifications: NotificationsConfig{Retention: "soon"}}, "notifications.retention"},
		{"redis without url", Config{Notifications: NotificationsConfig{Store: "redis"}}, "notifications.redis.url"},
		{"bad scan spec", Config{Scanner: ScannerConfig{Every: "whenever"}}, "scanner.every"},
		{"bad timezone", Config{Scanner: ScannerConfig{Timezone: "Mars/Olympus"}}, "scanner.timezone"},
		{"negative budget", Config{Scanner: ScannerConfig{TickBudget: "-1s"}}, "scanner.tick_budget"},
		{"metrics path", Config{Metrics: MetricsConfig{Path: "metrics"}}, "metrics.path"},
		{"public debug without token", Config{Debug: DebugConfig{Enabled: true, Addr: "0.0.0.0:6060"}}, "debug.token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(&tt.cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err=%v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestDecodeRejectsUnknownKeysAndTrailingData(t *testing.T) {
	if _, err := Decode("c.json", []byte(`{"scanner":{"evry":"5m"}}`)); err == nil {
		t.Fatal("expected unknown field error")
	}
	if _, err := Decode("c.json", []byte(`{} {}`)); err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestSummarizeChange(t *testing.T) {
	old := &Config{Scanner: ScannerConfig{Every: "15m"}}
	next := &Config{Scanner: ScannerConfig{Every: "5m"}, Storage: StorageConfig{Driver: "file", Path: "x"}}
	changed, attrs := SummarizeChange(old, next)
	if strings.Join(changed, ",") != "storage,scanner" || len(attrs) == 0 {
		t.Fatalf("changed=%v", changed)
	}
	if got := RestartRequired(changed); len(got) != 1 || got[0] != "storage" {
		t.Fatalf("restart=%v", got)
	}

	tz := &Config{Scanner: ScannerConfig{Every: "15m", Timezone: "Asia/Tokyo"}}
	changed, _ = SummarizeChange(old, tz)
	if got := RestartRequired(changed); strings.Join(got, ",") != "scanner.timezone" {
		t.Fatalf("timezone change restart=%v (changed=%v)", got, changed)
	}
}

func TestReloadValidatesAndPublishes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "maintd.json")
	if err := os.WriteFile(path, []byte(`{"scanner":{"every":"15m"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		_, err := Resolve(cfg)
		return err
	})
	ch := m.Subscribe(1)
	ctx := context.Background()

	if err := m.reload(ctx); err != nil {
		t.Fatalf("unchanged reload: %v", err)
	}
	select {
	case <-ch:
		t.Fatal("unchanged content was published")
	default:
	}

	_ = os.WriteFile(path, []byte(`{"scanner":{"every":"whenever"}}`), 0o644)
	if err := m.reload(ctx); err == nil {
		t.Fatal("invalid config accepted")
	}
	if m.Get().Scanner.Every != "15m" {
		t.Fatalf("rejected config committed: %+v", m.Get().Scanner)
	}

	_ = os.WriteFile(path, []byte(`{"scanner":{"every":"5m"}}`), 0o644)
	if err := m.reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	select {
	case cfg := <-ch:
		if cfg.Scanner.Every != "5m" {
			t.Fatalf("published %+v", cfg.Scanner)
		}
	default:
		t.Fatal("nothing published")
	}
	m.Unsubscribe(ch)
}

func TestIsLoopback(t *testing.T) {
	for addr, want := range map[string]bool{
		"127.0.0.1:6060": true,
		"[::1]:6060":     true,
		"localhost:6060": true,
		":6060":          false,
		"10.0.0.5:6060":  false,
		"nonsense":       false,
	} {
		if got := isLoopback(addr); got != want {
			t.Fatalf("isLoopback(%q)=%v want %v", addr, got, want)
		}
	}
}

func TestParseDurationField(t *testing.T) {
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"15m", 15 * time.Minute, false},
		{"30d", 30 * 24 * time.Hour, false},
		{" 1d ", 24 * time.Hour, false},
		{"1.5d", 0, true},
		{"-2d", 0, true},
		{"-1s", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDurationField("x", tt.raw)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Fatalf("%q: got %s err=%v", tt.raw, got, err)
		}
	}
}

func TestDecodeYAMLRejectsMultiDocAndScalarRoot(t *testing.T) {
	if _, err := Decode("c.yaml", []byte("scanner:\n  every: 5m\n---\nscanner: {}\n")); err == nil {
		t.Fatalf("multi-document yaml accepted")
	}
	if _, err := Decode("c.yml", []byte("- a\n- b\n")); err == nil {
		t.Fatalf("sequence root accepted")
	}
	cfg, err := Decode("c.yaml", []byte(""))
	if err != nil || cfg == nil {
		t.Fatalf("empty yaml: cfg=%v err=%v", cfg, err)
	}
}
