package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"comparium/internal/maint"
)

// memStore keeps everything in maps. Mutations go through apply so the file
// driver can journal the same records it replays on open.
type memStore struct {
	mu sync.RWMutex

	schedules     map[string]maint.Schedule
	events        []maint.Event
	notifications map[string]maint.Notification
	parents       map[string]Parent

	// journal, when set, is called with the lock held before a record is
	// applied. An error aborts the mutation.
	journal func(rec record) error
	closed  bool
}

// NewMemory returns an empty in-process store.
func NewMemory() Store {
	return newMemStore()
}

func newMemStore() *memStore {
	return &memStore{
		schedules:     map[string]maint.Schedule{},
		notifications: map[string]maint.Notification{},
		parents:       map[string]Parent{},
	}
}

const (
	opPutSchedule    = "put_schedule"
	opDeleteSchedule = "delete_schedule"
	opAppendEvent    = "append_event"
	opComplete       = "complete"
	opPutNotif       = "put_notification"
	opMarkRead       = "mark_read"
	opMarkDismissed  = "mark_dismissed"
	opPurge          = "purge"
	opPutParent      = "put_parent"
)

// record is one journal line.
type record struct {
	Op           string              `json:"op"`
	Seq          uint64              `json:"seq,omitempty"`
	ID           string              `json:"id,omitempty"`
	At           time.Time           `json:"at,omitempty"`
	Schedule     *maint.Schedule     `json:"schedule,omitempty"`
	Event        *maint.Event        `json:"event,omitempty"`
	Notification *maint.Notification `json:"notification,omitempty"`
	Parent       *Parent             `json:"parent,omitempty"`
}

func (s *memStore) commitLocked(rec record) error {
	if s.closed {
		return maint.Transient(rec.Op, errClosed)
	}
	if s.journal != nil {
		if err := s.journal(rec); err != nil {
			return maint.Transient(rec.Op, err)
		}
	}
	s.applyLocked(rec)
	return nil
}

func (s *memStore) applyLocked(rec record) {
	switch rec.Op {
	case opPutSchedule:
		s.schedules[rec.Schedule.ID] = *rec.Schedule
	case opDeleteSchedule:
		delete(s.schedules, rec.ID)
	case opAppendEvent:
		s.events = append(s.events, *rec.Event)
	case opComplete:
		s.schedules[rec.Schedule.ID] = *rec.Schedule
		s.events = append(s.events, *rec.Event)
	case opPutNotif:
		s.notifications[rec.Notification.ID] = *rec.Notification
	case opMarkRead:
		if n, ok := s.notifications[rec.ID]; ok {
			n.Read = true
			s.notifications[rec.ID] = n
		}
	case opMarkDismissed:
		if n, ok := s.notifications[rec.ID]; ok {
			n.Dismissed = true
			s.notifications[rec.ID] = n
		}
	case opPurge:
		for id, n := range s.notifications {
			if !n.ExpiresAt.IsZero() && !n.ExpiresAt.After(rec.At) {
				delete(s.notifications, id)
			}
		}
	case opPutParent:
		s.parents[rec.Parent.ID] = *rec.Parent
	}
}

func (s *memStore) GetSchedule(ctx context.Context, id string) (maint.Schedule, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	sch, ok := s.schedules[id]
	if !ok {
		return maint.Schedule{}, notFound("schedule", id)
	}
	return sch, nil
}

func (s *memStore) PutSchedule(ctx context.Context, sch maint.Schedule) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(record{Op: opPutSchedule, Schedule: &sch})
}

func (s *memStore) ReplaceSchedule(ctx context.Context, prev, sch maint.Schedule) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.schedules[sch.ID]
	if !ok {
		return notFound("schedule", sch.ID)
	}
	if !cur.NextDue.Equal(prev.NextDue) || !cur.UpdatedAt.Equal(prev.UpdatedAt) {
		return maint.Transient("replace schedule", ErrConflict)
	}
	return s.commitLocked(record{Op: opPutSchedule, Schedule: &sch})
}

func (s *memStore) DeleteSchedule(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[id]; !ok {
		return notFound("schedule", id)
	}
	return s.commitLocked(record{Op: opDeleteSchedule, ID: id})
}

func (s *memStore) QueryDue(ctx context.Context, now time.Time) ([]maint.Schedule, error) {
	return s.filterSchedules(ctx, func(sch maint.Schedule) bool {
		return sch.Enabled && !sch.NextDue.After(now)
	})
}

func (s *memStore) ListSchedulesByOwner(ctx context.Context, ownerID string) ([]maint.Schedule, error) {
	return s.filterSchedules(ctx, func(sch maint.Schedule) bool { return sch.OwnerID == ownerID })
}

func (s *memStore) ListSchedulesByParent(ctx context.Context, parentID string) ([]maint.Schedule, error) {
	return s.filterSchedules(ctx, func(sch maint.Schedule) bool { return sch.ParentID == parentID })
}

func (s *memStore) filterSchedules(ctx context.Context, keep func(maint.Schedule) bool) ([]maint.Schedule, error) {
	if err := ctx.Err(); err != nil {
		return nil, maint.Transient("list schedules", err)
	}
	s.mu.RLock()
	out := make([]maint.Schedule, 0, len(s.schedules))
	for _, sch := range s.schedules {
		if keep(sch) {
			out = append(out, sch)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextDue.Equal(out[j].NextDue) {
			return out[i].NextDue.Before(out[j].NextDue)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memStore) AppendEvent(ctx context.Context, e maint.Event) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(record{Op: opAppendEvent, Event: &e})
}

func (s *memStore) ListEventsByParent(ctx context.Context, parentID string, limit int) ([]maint.Event, error) {
	_ = ctx
	s.mu.RLock()
	var out []maint.Event
	// newest insert first, so equal timestamps keep that order after the
	// stable sort
	for i := len(s.events) - 1; i >= 0; i-- {
		if e := s.events[i]; e.ParentID == parentID {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) CompleteSchedule(ctx context.Context, prevDue time.Time, sch maint.Schedule, e maint.Event) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.schedules[sch.ID]
	if !ok {
		return notFound("schedule", sch.ID)
	}
	if !cur.NextDue.Equal(prevDue) {
		return maint.Transient("complete schedule", ErrConflict)
	}
	return s.commitLocked(record{Op: opComplete, Schedule: &sch, Event: &e})
}

func (s *memStore) UpsertNotification(ctx context.Context, key maint.DispatchKey, n maint.Notification) (bool, error) {
	_ = ctx
	n.ID = key.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.notifications[n.ID]; ok {
		return false, nil
	}
	if err := s.commitLocked(record{Op: opPutNotif, Notification: &n}); err != nil {
		return false, err
	}
	return true, nil
}

func (s *memStore) ListNotifications(ctx context.Context, ownerID string) ([]maint.Notification, error) {
	_ = ctx
	s.mu.RLock()
	var out []maint.Notification
	for _, n := range s.notifications {
		if n.OwnerID == ownerID {
			out = append(out, n)
		}
	}
	s.mu.RUnlock()
	sortNotifications(out)
	return out, nil
}

func sortNotifications(ns []maint.Notification) {
	sort.Slice(ns, func(i, j int) bool {
		if !ns[i].CreatedAt.Equal(ns[j].CreatedAt) {
			return ns[i].CreatedAt.After(ns[j].CreatedAt)
		}
		return ns[i].ID < ns[j].ID
	})
}

func (s *memStore) MarkRead(ctx context.Context, ownerID, id string) error {
	return s.markNotification(ctx, opMarkRead, ownerID, id)
}

func (s *memStore) MarkDismissed(ctx context.Context, ownerID, id string) error {
	return s.markNotification(ctx, opMarkDismissed, ownerID, id)
}

func (s *memStore) markNotification(ctx context.Context, op, ownerID, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok || n.OwnerID != ownerID {
		return notFound("notification", id)
	}
	return s.commitLocked(record{Op: op, ID: id})
}

func (s *memStore) PurgeExpired(ctx context.Context, before time.Time) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, v := range s.notifications {
		if !v.ExpiresAt.IsZero() && !v.ExpiresAt.After(before) {
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	if err := s.commitLocked(record{Op: opPurge, At: before}); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *memStore) PutParent(ctx context.Context, p Parent) error {
	_ = ctx
	p.Name = strings.TrimSpace(p.Name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.parents[p.ID]; ok && cur.OwnerID != p.OwnerID {
		return notFound("parent", p.ID)
	}
	return s.commitLocked(record{Op: opPutParent, Parent: &p})
}

func (s *memStore) ParentName(ctx context.Context, ownerID, parentID string) (string, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.parents[parentID]
	if !ok || p.Name == "" || p.OwnerID != ownerID {
		return "", notFound("parent", parentID)
	}
	return p.Name, nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
