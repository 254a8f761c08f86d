package sweep

import (
	"context"

	"comparium/internal/maint"
	"comparium/internal/metrics"
	"comparium/internal/storage"
	logx "comparium/pkg/logx"
)

// Purger deletes notifications past their expiry. It only runs when the
// operator schedules it; expiry is otherwise informational.
type Purger struct {
	store   storage.NotificationStore
	clock   maint.Clock
	log     logx.Logger
	metrics *metrics.Metrics
}

func NewPurger(store storage.NotificationStore, clock maint.Clock, log logx.Logger, m *metrics.Metrics) *Purger {
	if clock == nil {
		clock = maint.SystemClock{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Purger{store: store, clock: clock, log: log.With(logx.String("comp", "purge")), metrics: m}
}

func (p *Purger) Purge(ctx context.Context) (int, error) {
	n, err := p.store.PurgeExpired(ctx, p.clock.Now())
	if err != nil {
		return 0, maint.Transient("purge notifications", err)
	}
	p.metrics.Purged(n)
	if n > 0 {
		p.log.Info("expired notifications purged", logx.Int("count", n))
	}
	return n, nil
}
