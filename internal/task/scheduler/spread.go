package scheduler

import (
	"hash/fnv"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// firstRunSchedule fires once soon after startup, at a random offset so
// replicas started together do not scan in lockstep, then every interval.
// Waiting a full interval after a restart would leave due schedules unseen
// for that long.
type firstRunSchedule struct {
	every cron.Schedule
	first time.Time
}

func (s *firstRunSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.every.Next(t)
}

var spreadSeq atomic.Uint64

// withStartupSpread returns the schedule for an interval job and the offset
// chosen for its first run. Offsets are at least one second and below
// min(every, maxStartupSpread).
func withStartupSpread(every time.Duration, now time.Time, name string) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	limit := min(every, maxStartupSpread)
	if limit <= time.Second {
		return base, 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(spreadSeq.Add(1)) ^ int64(h.Sum64())))
	// whole seconds, matching cron.Every's rounding
	offset := (time.Second + time.Duration(rng.Int63n(int64(limit-time.Second)))).Truncate(time.Second)
	return &firstRunSchedule{every: base, first: now.Add(offset)}, offset
}
