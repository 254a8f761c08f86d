package logx

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFormatAlertLineSortsFields(t *testing.T) {
	t.Parallel()
	line := []byte(`{"level":"error","time":"x","message":"scan failed","tick":"t1","comp":"sweep"}` + "\n")
	got := formatAlertLine(line)
	want := "[ERROR] scan failed comp=sweep tick=t1"
	if got != want {
		t.Fatalf("formatAlertLine = %q, want %q", got, want)
	}
}

func TestFormatAlertLineNonJSON(t *testing.T) {
	t.Parallel()
	if got := formatAlertLine([]byte("  plain text \n")); got != "plain text" {
		t.Fatalf("unexpected: %q", got)
	}
}

func TestAlertSinkHonoursMinLevelAndRate(t *testing.T) {
	var alerts bytes.Buffer
	svc, log := New(Config{
		Level: "debug",
		Alert: AlertConfig{Enabled: true, MinLevel: "error", RatePerSec: 1, Out: &alerts},
	})
	defer svc.Close()

	log.Warn("not an alert")
	log.Error("first")
	log.Error("second") // limited: burst is 1

	out := alerts.String()
	if strings.Contains(out, "not an alert") {
		t.Fatalf("warn line leaked into alerts: %q", out)
	}
	if !strings.Contains(out, "[ERROR] first") {
		t.Fatalf("missing first alert: %q", out)
	}
	if strings.Contains(out, "second") {
		t.Fatalf("rate limiter did not drop second alert: %q", out)
	}
}

func TestWithAppliesFixedFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "sweep"))
	log.Info("hello", Int("n", 2))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal: %v (%q)", err, buf.String())
	}
	if m["comp"] != "sweep" || m["n"] != float64(2) || m["message"] != "hello" {
		t.Fatalf("unexpected fields: %v", m)
	}
	if !log.Enabled(LevelInfo) || log.Enabled(LevelDebug) {
		t.Fatal("level gating mismatch")
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Error("ignored")
	Nop().Info("ignored")
}

func TestAlertSinkReportsSuppressedCount(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	var a alertSink
	a.configure(AlertConfig{Enabled: true, RatePerSec: 1, Out: &out})

	_, _ = a.WriteLevel(LevelError, []byte(`{"level":"error","message":"one"}`))
	_, _ = a.WriteLevel(LevelError, []byte(`{"level":"error","message":"two"}`))
	if a.suppressed.Load() != 1 {
		t.Fatalf("suppressed = %d, want 1", a.suppressed.Load())
	}
	a.limiter.SetBurst(2)
	a.limiter.SetLimit(1000)
	time.Sleep(5 * time.Millisecond)
	_, _ = a.WriteLevel(LevelError, []byte(`{"level":"error","message":"three"}`))
	if !strings.Contains(out.String(), "[ERROR] three (+1 suppressed)") {
		t.Fatalf("missing suppressed note: %q", out.String())
	}
}

func TestFileSinkCreatesDirectory(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "maintd.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	log.Info("written")
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(b), `"message":"written"`) {
		t.Fatalf("unexpected file contents: %q", b)
	}
}
