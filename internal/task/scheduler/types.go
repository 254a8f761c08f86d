package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"comparium/internal/task/engine"
	logx "comparium/pkg/logx"
)

type Config struct {
	Enabled bool
	// Timezone is an IANA name such as "Europe/Berlin"; empty means Local.
	Timezone string
}

type job struct {
	name    string
	spec    string
	timeout time.Duration
	run     func(ctx context.Context) error
	opt     engine.TaskOptions
	state   *engine.RunState
	entryID cron.EntryID
	spread  time.Duration
	// enqueue failures are logged at most once per enqueueWarnEvery
	warn rate.Sometimes
}

// Service turns cron or interval specs into engine tasks. It never runs a job
// itself.
type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	engine *engine.Service
	parser cron.Parser
	loc    *time.Location
	c      *cron.Cron
	jobs   []*job
}

type JobInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Next    time.Time     `json:"next"`
	Prev    time.Time     `json:"prev"`
}

type Snapshot struct {
	Enabled  bool            `json:"enabled"`
	Timezone string          `json:"timezone"`
	Jobs     []JobInfo       `json:"jobs"`
	Engine   engine.Snapshot `json:"engine"`
}
