package logx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	maxAlertLine  = 2000
	maxAlertValue = 400
)

// alertSink is a zerolog.LevelWriter. Lines dropped by the limiter are
// counted and the count is reported on the next line that gets through.
type alertSink struct {
	mu       sync.Mutex
	out      io.Writer
	minLevel Level
	limiter  *rate.Limiter
	pending  uint64

	suppressed atomic.Uint64
}

func (a *alertSink) configure(cfg AlertConfig) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.out = cfg.Out
	if a.out == nil {
		a.out = stderr
	}
	a.minLevel = parseLevel(cfg.MinLevel, LevelError)
	rps := max(1, cfg.RatePerSec)
	a.limiter = rate.NewLimiter(rate.Limit(rps), rps)
}

func (a *alertSink) Write(p []byte) (int, error) { return a.WriteLevel(LevelInfo, p) }

func (a *alertSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.out == nil || level < a.minLevel {
		return len(p), nil
	}
	if !a.limiter.Allow() {
		a.pending++
		a.suppressed.Add(1)
		return len(p), nil
	}
	line := formatAlertLine(p)
	if line == "" {
		return len(p), nil
	}
	if a.pending > 0 {
		line = fmt.Sprintf("%s (+%d suppressed)", line, a.pending)
		a.pending = 0
	}
	_, _ = io.WriteString(a.out, line+"\n")
	return len(p), nil
}

// formatAlertLine renders a JSON log line as "[LEVEL] msg k=v ..." with keys
// sorted. Anything that is not JSON passes through trimmed.
func formatAlertLine(p []byte) string {
	p = bytes.TrimSpace(p)
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return clip(string(p), maxAlertLine)
	}
	level, _ := m[zerolog.LevelFieldName].(string)
	msg, _ := m[zerolog.MessageFieldName].(string)
	delete(m, zerolog.LevelFieldName)
	delete(m, zerolog.MessageFieldName)
	delete(m, zerolog.TimestampFieldName)

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	if level != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(level))
	}
	b.WriteString(msg)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, clip(fmt.Sprint(m[k]), maxAlertValue))
	}
	return clip(b.String(), maxAlertLine)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
