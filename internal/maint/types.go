package maint

import (
	"fmt"
	"strings"
	"time"
)

const (
	MinIntervalDays = 1
	MaxIntervalDays = 365

	// DefaultRetention is how long a maintenance notification stays relevant.
	DefaultRetention = 30 * 24 * time.Hour

	// NotificationTypeMaintenance tags every notification produced by the sweep.
	NotificationTypeMaintenance = "maintenance"

	// CompletionNote is written on events appended by Complete.
	CompletionNote = "Completed from schedule"
)

// TaskType enumerates the kinds of recurring maintenance a schedule tracks.
type TaskType string

const (
	TaskWaterChange       TaskType = "water-change"
	TaskParameterTest     TaskType = "parameter-test"
	TaskFilterMaintenance TaskType = "filter-maintenance"
	TaskGlassClean        TaskType = "glass-clean"
	TaskSubstrateVacuum   TaskType = "substrate-vacuum"
	TaskPlantTrim         TaskType = "plant-trim"
	TaskCustom            TaskType = "custom"
)

type taskInfo struct {
	label       string
	defaultDays int
}

var taskTypes = map[TaskType]taskInfo{
	TaskWaterChange:       {label: "Water change", defaultDays: 7},
	TaskParameterTest:     {label: "Parameter test", defaultDays: 7},
	TaskFilterMaintenance: {label: "Filter maintenance", defaultDays: 30},
	TaskGlassClean:        {label: "Glass cleaning", defaultDays: 7},
	TaskSubstrateVacuum:   {label: "Substrate vacuum", defaultDays: 14},
	TaskPlantTrim:         {label: "Plant trimming", defaultDays: 14},
	TaskCustom:            {label: "Custom task", defaultDays: 7},
}

// TaskTypes returns every known task type in display order.
func TaskTypes() []TaskType {
	return []TaskType{
		TaskWaterChange, TaskParameterTest, TaskFilterMaintenance,
		TaskGlassClean, TaskSubstrateVacuum, TaskPlantTrim, TaskCustom,
	}
}

func (t TaskType) Valid() bool {
	_, ok := taskTypes[t]
	return ok
}

// Label is the human display name for the type.
func (t TaskType) Label() string {
	if info, ok := taskTypes[t]; ok {
		return info.label
	}
	return string(t)
}

// DefaultIntervalDays is used when a schedule is created without an interval.
func (t TaskType) DefaultIntervalDays() int {
	if info, ok := taskTypes[t]; ok {
		return info.defaultDays
	}
	return 7
}

// EventType maps the task type to the event recorded on completion.
func (t TaskType) EventType() EventType {
	if t == TaskCustom {
		return EventNote
	}
	return EventType(t)
}

// Schedule is a recurring maintenance task for one parent (tank).
type Schedule struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"ownerId"`
	ParentID     string    `json:"parentId"`
	TaskType     TaskType  `json:"taskType"`
	CustomLabel  string    `json:"customLabel,omitempty"`
	IntervalDays int       `json:"intervalDays"`
	NextDue      time.Time `json:"nextDue"`
	Enabled      bool      `json:"enabled"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Label returns the custom label for custom schedules, the type label otherwise.
func (s Schedule) Label() string {
	if s.TaskType == TaskCustom {
		if l := strings.TrimSpace(s.CustomLabel); l != "" {
			return l
		}
	}
	return s.TaskType.Label()
}

// Validate checks the schedule invariants.
func (s Schedule) Validate() error {
	if !s.TaskType.Valid() {
		return &ValidationError{Field: "taskType", Reason: fmt.Sprintf("unknown task type %q", s.TaskType)}
	}
	if s.IntervalDays < MinIntervalDays || s.IntervalDays > MaxIntervalDays {
		return &ValidationError{Field: "intervalDays", Reason: fmt.Sprintf("must be between %d and %d", MinIntervalDays, MaxIntervalDays)}
	}
	if s.TaskType == TaskCustom && strings.TrimSpace(s.CustomLabel) == "" {
		return &ValidationError{Field: "customLabel", Reason: "required for custom tasks"}
	}
	if s.NextDue.IsZero() {
		return &ValidationError{Field: "nextDue", Reason: "required"}
	}
	return nil
}

// NextOccurrence returns the due instant after a completion. It always
// advances from the previous due date, never from the completion time, so
// completing early or late never shifts the cadence.
func (s Schedule) NextOccurrence() time.Time {
	return s.NextDue.AddDate(0, 0, s.IntervalDays)
}

// Notification is a dedup-guarded signal that a schedule occurrence became due.
type Notification struct {
	ID        string             `json:"id"`
	OwnerID   string             `json:"ownerId"`
	Type      string             `json:"type"`
	Title     string             `json:"title"`
	Body      string             `json:"body"`
	CreatedAt time.Time          `json:"createdAt"`
	Read      bool               `json:"read"`
	Dismissed bool               `json:"dismissed"`
	ExpiresAt time.Time          `json:"expiresAt"`
	Source    NotificationSource `json:"source"`
}

type NotificationSource struct {
	ScheduleID string `json:"scheduleId"`
	ParentID   string `json:"parentId"`
}

// Expired reports whether the notification is past its retention window.
func (n Notification) Expired(now time.Time) bool {
	return !n.ExpiresAt.IsZero() && !now.Before(n.ExpiresAt)
}

const dispatchDateLayout = "2006-01-02"

// DispatchKey is the storage identity of a notification: one per schedule per
// calendar day.
type DispatchKey struct {
	ScheduleID string
	Date       string // YYYY-MM-DD
}

// NewDispatchKey derives the key from the calendar date of now in now's location.
func NewDispatchKey(scheduleID string, now time.Time) DispatchKey {
	return DispatchKey{ScheduleID: scheduleID, Date: now.Format(dispatchDateLayout)}
}

func (k DispatchKey) String() string { return k.ScheduleID + "_" + k.Date }
