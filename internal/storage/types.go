package storage

import (
	"context"
	"errors"
	"time"

	"comparium/internal/maint"
)

// ErrConflict is returned (wrapped as a transient error) when a completion or
// guarded update lost a race with another write to the same schedule.
var ErrConflict = errors.New("schedule changed concurrently")

var errClosed = errors.New("store closed")

// Config configures storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// SkipMigrations leaves the schema to the operator. The due-schedule
	// query then fails with a configuration error if its index is missing.
	SkipMigrations bool

	// Location is applied to timestamps read back from disk. Nil means
	// time.Local.
	Location *time.Location
}

// Parent is the display record of a tank-like entity schedules hang off.
type Parent struct {
	ID      string `json:"id"`
	OwnerID string `json:"ownerId"`
	Name    string `json:"name"`
}

// ScheduleStore is the durable keyed collection of schedules.
type ScheduleStore interface {
	GetSchedule(ctx context.Context, id string) (maint.Schedule, error)
	PutSchedule(ctx context.Context, s maint.Schedule) error
	// ReplaceSchedule writes s only while the stored record still has prev's
	// NextDue and UpdatedAt. A mismatch is a transient ErrConflict.
	ReplaceSchedule(ctx context.Context, prev, s maint.Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
	// QueryDue returns every schedule with Enabled && NextDue <= now.
	QueryDue(ctx context.Context, now time.Time) ([]maint.Schedule, error)
	ListSchedulesByOwner(ctx context.Context, ownerID string) ([]maint.Schedule, error)
	ListSchedulesByParent(ctx context.Context, parentID string) ([]maint.Schedule, error)
}

// EventLog is append-only.
type EventLog interface {
	AppendEvent(ctx context.Context, e maint.Event) error
	// ListEventsByParent returns newest first; limit <= 0 means no limit.
	ListEventsByParent(ctx context.Context, parentID string, limit int) ([]maint.Event, error)
}

// NotificationStore keys notifications by dispatch key.
type NotificationStore interface {
	// UpsertNotification stores n under key unless a record already exists.
	// created reports whether this call wrote it.
	UpsertNotification(ctx context.Context, key maint.DispatchKey, n maint.Notification) (created bool, err error)
	ListNotifications(ctx context.Context, ownerID string) ([]maint.Notification, error)
	MarkRead(ctx context.Context, ownerID, id string) error
	MarkDismissed(ctx context.Context, ownerID, id string) error
	// PurgeExpired deletes notifications with ExpiresAt <= before.
	PurgeExpired(ctx context.Context, before time.Time) (int, error)
}

// ParentNamer looks up display names. A parent owned by someone else is
// reported as not found.
type ParentNamer interface {
	ParentName(ctx context.Context, ownerID, parentID string) (string, error)
}

// Completer applies a completion atomically: the schedule advance (guarded by
// the previous due date) and the event append commit together or not at all.
type Completer interface {
	CompleteSchedule(ctx context.Context, prevDue time.Time, s maint.Schedule, e maint.Event) error
}

// Store is what every driver returned by Open implements.
type Store interface {
	ScheduleStore
	EventLog
	NotificationStore
	ParentNamer
	Completer
	// PutParent creates or renames a parent. Renaming one that belongs to
	// another owner fails with a NotFoundError.
	PutParent(ctx context.Context, p Parent) error
	Close() error
}

func notFound(kind, id string) error { return &maint.NotFoundError{Kind: kind, ID: id} }
