package engine

import (
	"context"
	"sync/atomic"
	"time"
)

// Config controls the job engine that runs the scan and purge jobs.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops tasks that waited longer than this. 0 disables it.
	MaxQueueDelay time.Duration

	HistorySize int
	RetryMax    int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
	return c
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	OverlapSkipIfRunning
)

type TaskOptions struct {
	Overlap       OverlapPolicy
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%
}

func (o TaskOptions) withDefaults(cfg Config) TaskOptions {
	if o.RetryMax <= 0 {
		o.RetryMax = cfg.RetryMax
	}
	if o.RetryBase <= 0 {
		o.RetryBase = time.Second
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 30 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	if o.Overlap != OverlapAllow && o.Overlap != OverlapSkipIfRunning {
		o.Overlap = OverlapSkipIfRunning
	}
	return o
}

// RunState gates overlapping runs of the same job. It is held from enqueue
// until the run ends, so a trigger that lands while the previous scan is queued
// or running is skipped.
type RunState struct{ busy atomic.Bool }

func (s *RunState) tryAcquire() bool { return s.busy.CompareAndSwap(false, true) }
func (s *RunState) release()         { s.busy.Store(false) }

type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Opt     TaskOptions
	// State is shared by every run of one schedule; nil uses a per-name state.
	State *RunState
}

// Record describes one task run, or a task that never ran (Error names the
// reason). It is both the history entry and the task.* event payload.
type Record struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queueDelay"`
	Duration   time.Duration `json:"duration,omitempty"`
	Attempts   int           `json:"attempts,omitempty"`
	Error      string        `json:"error,omitempty"`
}

type Snapshot struct {
	Enabled          bool          `json:"enabled"`
	Running          bool          `json:"running"`
	Workers          int           `json:"workers"`
	InFlight         int           `json:"inFlight"`
	QueueLen         int           `json:"queueLen"`
	QueueCap         int           `json:"queueCap"`
	Dropped          uint64        `json:"dropped"`
	DroppedQueueFull uint64        `json:"droppedQueueFull"`
	DroppedStale     uint64        `json:"droppedStale"`
	DefaultTimeout   time.Duration `json:"defaultTimeout"`
	MaxQueueDelay    time.Duration `json:"maxQueueDelay"`
	RetryMax         int           `json:"retryMax"`
	History          []Record      `json:"history"`
}
