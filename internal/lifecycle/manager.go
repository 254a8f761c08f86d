// Package lifecycle owns schedule mutations: create, update, delete and the
// complete transition that advances a schedule and logs the event.
//
// The manager does not retry. Store failures come back as maint.TransientError
// for the caller to retry.
package lifecycle

import (
	"context"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"comparium/internal/eventbus"
	"comparium/internal/maint"
	"comparium/internal/metrics"
	"comparium/internal/storage"
	logx "comparium/pkg/logx"
)

type Options struct {
	Clock   maint.Clock
	Log     logx.Logger
	Bus     eventbus.Bus
	Metrics *metrics.Metrics
	// NewID generates schedule and event ids; uuid.NewString when nil.
	NewID func() string
}

type Manager struct {
	schedules storage.ScheduleStore
	events    storage.EventLog
	clock     maint.Clock
	log       logx.Logger
	bus       eventbus.Bus
	metrics   *metrics.Metrics
	newID     func() string
	validate  *validator.Validate
}

func New(schedules storage.ScheduleStore, events storage.EventLog, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = maint.SystemClock{}
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Manager{
		schedules: schedules,
		events:    events,
		clock:     opts.Clock,
		log:       opts.Log.With(logx.String("comp", "lifecycle")),
		bus:       opts.Bus,
		metrics:   opts.Metrics,
		newID:     opts.NewID,
		validate:  newValidator(),
	}
}

// Completion is the outcome of Complete. EventLogged is false only when the
// store has no atomic completion and the best-effort event append failed.
type Completion struct {
	Schedule    maint.Schedule `json:"schedule"`
	Event       maint.Event    `json:"event"`
	EventLogged bool           `json:"eventLogged"`
}

func requireOwner(ownerID string) error {
	if strings.TrimSpace(ownerID) == "" {
		return &maint.ValidationError{Field: "ownerId", Reason: "required"}
	}
	return nil
}

func (m *Manager) Create(ctx context.Context, ownerID string, in CreateInput) (maint.Schedule, error) {
	if err := requireOwner(ownerID); err != nil {
		return maint.Schedule{}, err
	}
	if err := m.validate.Struct(in); err != nil {
		return maint.Schedule{}, toValidationError(err)
	}
	now := m.clock.Now()
	s := maint.Schedule{
		ID:           m.newID(),
		OwnerID:      ownerID,
		ParentID:     in.ParentID,
		TaskType:     in.TaskType,
		IntervalDays: in.IntervalDays,
		NextDue:      now,
		Enabled:      true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if s.IntervalDays == 0 {
		s.IntervalDays = in.TaskType.DefaultIntervalDays()
	}
	if in.NextDue != nil {
		s.NextDue = *in.NextDue
	}
	if in.Enabled != nil {
		s.Enabled = *in.Enabled
	}
	if s.TaskType == maint.TaskCustom {
		s.CustomLabel = strings.TrimSpace(in.CustomLabel)
	}
	if err := s.Validate(); err != nil {
		return maint.Schedule{}, err
	}
	if err := m.schedules.PutSchedule(ctx, s); err != nil {
		return maint.Schedule{}, maint.Transient("create schedule", err)
	}
	m.log.Info("schedule created",
		logx.String("schedule", s.ID), logx.String("owner", ownerID),
		logx.String("task", string(s.TaskType)), logx.Int("interval_days", s.IntervalDays))
	return s, nil
}

// Get returns the schedule if it exists and belongs to ownerID.
func (m *Manager) Get(ctx context.Context, ownerID, id string) (maint.Schedule, error) {
	s, err := m.schedules.GetSchedule(ctx, id)
	if err != nil {
		return maint.Schedule{}, maint.Transient("get schedule", err)
	}
	if s.OwnerID != ownerID {
		return maint.Schedule{}, &maint.NotFoundError{Kind: "schedule", ID: id}
	}
	return s, nil
}

// Update applies p to the owner's schedule. It fails with a transient
// storage.ErrConflict when the schedule changed since it was read.
func (m *Manager) Update(ctx context.Context, ownerID, id string, p Patch) (maint.Schedule, error) {
	if err := m.validate.Struct(p); err != nil {
		return maint.Schedule{}, toValidationError(err)
	}
	prev, err := m.Get(ctx, ownerID, id)
	if err != nil {
		return maint.Schedule{}, err
	}
	s := prev
	if p.TaskType != nil {
		s.TaskType = *p.TaskType
	}
	if p.CustomLabel != nil {
		s.CustomLabel = strings.TrimSpace(*p.CustomLabel)
	}
	if p.IntervalDays != nil {
		s.IntervalDays = *p.IntervalDays
	}
	if p.NextDue != nil {
		s.NextDue = *p.NextDue
	}
	if p.Enabled != nil {
		s.Enabled = *p.Enabled
	}
	if s.TaskType != maint.TaskCustom {
		s.CustomLabel = ""
	}
	if err := s.Validate(); err != nil {
		return maint.Schedule{}, err
	}
	s.UpdatedAt = m.clock.Now()
	// Guarded on prev so a completion that lands in between is not undone.
	if err := m.schedules.ReplaceSchedule(ctx, prev, s); err != nil {
		return maint.Schedule{}, maint.Transient("update schedule", err)
	}
	return s, nil
}

// Delete removes the schedule. A missing id, or one owned by someone else, is
// a NotFoundError.
func (m *Manager) Delete(ctx context.Context, ownerID, id string) error {
	if _, err := m.Get(ctx, ownerID, id); err != nil {
		return err
	}
	if err := m.schedules.DeleteSchedule(ctx, id); err != nil {
		return maint.Transient("delete schedule", err)
	}
	m.log.Info("schedule deleted", logx.String("schedule", id), logx.String("owner", ownerID))
	return nil
}

// Complete advances NextDue by exactly IntervalDays from its previous value,
// whether the task was done early or late, and logs the matching event.
// Calling it twice advances twice.
func (m *Manager) Complete(ctx context.Context, ownerID, id string) (Completion, error) {
	s, err := m.Get(ctx, ownerID, id)
	if err != nil {
		return Completion{}, err
	}
	now := m.clock.Now()
	prevDue := s.NextDue
	s.NextDue = s.NextOccurrence()
	s.UpdatedAt = now

	ev := maint.Event{
		ID:         m.newID(),
		OwnerID:    s.OwnerID,
		ParentID:   s.ParentID,
		Type:       s.TaskType.EventType(),
		OccurredAt: now,
		Notes:      maint.CompletionNote,
		Data:       maint.EventData{FromSchedule: s.ID},
	}
	out := Completion{Schedule: s, Event: ev, EventLogged: true}

	if c, ok := m.schedules.(storage.Completer); ok {
		if err := c.CompleteSchedule(ctx, prevDue, s, ev); err != nil {
			return Completion{}, maint.Transient("complete schedule", err)
		}
	} else {
		// The advance must land; a lost event only costs history.
		if err := m.schedules.PutSchedule(ctx, s); err != nil {
			return Completion{}, maint.Transient("complete schedule", err)
		}
		if err := m.events.AppendEvent(ctx, ev); err != nil {
			out.EventLogged = false
			m.log.Warn("completion event not logged",
				logx.String("schedule", s.ID), logx.String("event", ev.ID), logx.Err(err))
		}
	}

	m.metrics.Completed(string(s.TaskType))
	eventbus.Publish(m.bus, eventbus.TypeScheduleCompleted, out)
	m.log.Info("schedule completed",
		logx.String("schedule", s.ID),
		logx.Time("prev_due", prevDue),
		logx.Time("next_due", s.NextDue))
	return out, nil
}

func (m *Manager) List(ctx context.Context, ownerID string) ([]maint.Schedule, error) {
	out, err := m.schedules.ListSchedulesByOwner(ctx, ownerID)
	return out, maint.Transient("list schedules", err)
}

func (m *Manager) ListByParent(ctx context.Context, ownerID, parentID string) ([]maint.Schedule, error) {
	all, err := m.schedules.ListSchedulesByParent(ctx, parentID)
	if err != nil {
		return nil, maint.Transient("list schedules", err)
	}
	out := all[:0]
	for _, s := range all {
		if s.OwnerID == ownerID {
			out = append(out, s)
		}
	}
	return out, nil
}

// LogEvent appends a manually recorded action.
func (m *Manager) LogEvent(ctx context.Context, ownerID string, in EventInput) (maint.Event, error) {
	if err := requireOwner(ownerID); err != nil {
		return maint.Event{}, err
	}
	if err := m.validate.Struct(in); err != nil {
		return maint.Event{}, toValidationError(err)
	}
	ev := maint.Event{
		ID:         m.newID(),
		OwnerID:    ownerID,
		ParentID:   in.ParentID,
		Type:       in.Type,
		OccurredAt: m.clock.Now(),
		Notes:      strings.TrimSpace(in.Notes),
		Data:       in.Data,
	}
	if in.OccurredAt != nil {
		ev.OccurredAt = *in.OccurredAt
	}
	if err := ev.Validate(); err != nil {
		return maint.Event{}, err
	}
	if err := m.events.AppendEvent(ctx, ev); err != nil {
		return maint.Event{}, maint.Transient("log event", err)
	}
	return ev, nil
}

// History lists the owner's events for a parent, newest first.
func (m *Manager) History(ctx context.Context, ownerID, parentID string, limit int) ([]maint.Event, error) {
	all, err := m.events.ListEventsByParent(ctx, parentID, 0)
	if err != nil {
		return nil, maint.Transient("list events", err)
	}
	out := make([]maint.Event, 0, len(all))
	for _, e := range all {
		if e.OwnerID != ownerID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Now exposes the manager's clock so views classify against the same time.
func (m *Manager) Now() time.Time { return m.clock.Now() }
