package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"comparium/internal/eventbus"
	"comparium/internal/maint"
	"comparium/internal/metrics"
	"comparium/internal/storage"
	logx "comparium/pkg/logx"
)

// ErrAbandoned marks a record that was not attempted because the tick ran
// out of budget. It is retried on the next tick.
var ErrAbandoned = errors.New("tick budget exhausted")

const DefaultParentName = "your tank"

type DispatcherOptions struct {
	// Names resolves parent display names; nil uses FallbackName.
	Names        storage.ParentNamer
	FallbackName string
	Retention    time.Duration
	// WriteRate limits upserts per second; 0 disables the limit.
	WriteRate  float64
	WriteBurst int
	Log        logx.Logger
	Metrics    *metrics.Metrics
	Bus        eventbus.Bus
}

// Dispatcher turns a due schedule into at most one notification per calendar
// day by writing under the schedule's dispatch key.
type Dispatcher struct {
	store     storage.NotificationStore
	names     storage.ParentNamer
	fallback  string
	retention time.Duration
	limiter   *rate.Limiter
	log       logx.Logger
	metrics   *metrics.Metrics
	bus       eventbus.Bus
}

// Dispatched is published on the bus for every newly created notification.
type Dispatched struct {
	Key          string
	Notification maint.Notification
}

func NewDispatcher(store storage.NotificationStore, opts DispatcherOptions) *Dispatcher {
	if opts.FallbackName == "" {
		opts.FallbackName = DefaultParentName
	}
	if opts.Retention <= 0 {
		opts.Retention = maint.DefaultRetention
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	d := &Dispatcher{
		store:     store,
		names:     opts.Names,
		fallback:  opts.FallbackName,
		retention: opts.Retention,
		log:       opts.Log.With(logx.String("comp", "dispatch")),
		metrics:   opts.Metrics,
		bus:       opts.Bus,
	}
	if opts.WriteRate > 0 {
		burst := max(opts.WriteBurst, 1)
		d.limiter = rate.NewLimiter(rate.Limit(opts.WriteRate), burst)
	}
	return d
}

// Dispatch writes the notification for s on the calendar day of now. created
// is false when the day's notification already existed.
func (d *Dispatcher) Dispatch(ctx context.Context, s maint.Schedule, now time.Time) (bool, error) {
	return d.dispatch(ctx, s, now, nil)
}

func (d *Dispatcher) dispatch(ctx context.Context, s maint.Schedule, now time.Time, names map[string]string) (bool, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return false, fmt.Errorf("%w: %v", ErrAbandoned, err)
		}
	} else if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrAbandoned, err)
	}

	key := maint.NewDispatchKey(s.ID, now)
	n := d.Build(ctx, s, now, names)
	created, err := d.store.UpsertNotification(ctx, key, n)
	if err != nil {
		return false, err
	}
	if created {
		n.ID = key.String()
		eventbus.Publish(d.bus, eventbus.TypeNotificationDispatched, Dispatched{Key: key.String(), Notification: n})
	}
	return created, nil
}

// Build renders the notification payload. It is a pure function of s, now
// and the parent name, so rewriting it for the same key is harmless.
func (d *Dispatcher) Build(ctx context.Context, s maint.Schedule, now time.Time, names map[string]string) maint.Notification {
	label := s.Label()
	status := maint.Classify(s.NextDue, now, s.Enabled)
	parent := d.parentName(ctx, s.OwnerID, s.ParentID, names)
	return maint.Notification{
		OwnerID:   s.OwnerID,
		Type:      maint.NotificationTypeMaintenance,
		Title:     label + " due",
		Body:      fmt.Sprintf("%s for %s is due (%s).", label, parent, lowerFirst(status.Label)),
		CreatedAt: now,
		ExpiresAt: now.Add(d.retention),
		Source:    maint.NotificationSource{ScheduleID: s.ID, ParentID: s.ParentID},
	}
}

func (d *Dispatcher) parentName(ctx context.Context, ownerID, parentID string, memo map[string]string) string {
	memoKey := ownerID + "/" + parentID
	if name, ok := memo[memoKey]; ok {
		return name
	}
	name := d.fallback
	if d.names != nil {
		got, err := d.names.ParentName(ctx, ownerID, parentID)
		switch {
		case err == nil && got != "":
			name = got
		case err != nil && !errors.Is(err, maint.ErrNotFound):
			d.log.Debug("parent name lookup failed", logx.String("parent", parentID), logx.Err(err))
		}
	}
	if memo != nil {
		memo[memoKey] = name
	}
	return name
}

func lowerFirst(s string) string {
	if s == "" || s[0] < 'A' || s[0] > 'Z' {
		return s
	}
	return string(s[0]+('a'-'A')) + s[1:]
}
