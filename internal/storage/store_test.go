package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"comparium/internal/maint"
	logx "comparium/pkg/logx"
)

var t0 = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

func drivers(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"file": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "maint.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("open file: %v", err)
			}
			return st
		},
		"sqlite": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "maint.sqlite"), Location: time.UTC}, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			return st
		},
	}
}

func sched(id string, due time.Time, enabled bool) maint.Schedule {
	return maint.Schedule{
		ID: id, OwnerID: "u1", ParentID: "tank1", TaskType: maint.TaskWaterChange,
		IntervalDays: 7, NextDue: due, Enabled: enabled, CreatedAt: t0, UpdatedAt: t0,
	}
}

func TestQueryDueExcludesDisabledAndFuture(t *testing.T) {
	for name, open := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			defer st.Close()
			ctx := context.Background()
			now := t0.Add(48 * time.Hour)
			for _, s := range []maint.Schedule{
				sched("due", t0, true),
				sched("exact", now, true),
				sched("paused", t0.Add(-72*time.Hour), false),
				sched("future", now.Add(time.Minute), true),
			} {
				if err := st.PutSchedule(ctx, s); err != nil {
					t.Fatalf("put %s: %v", s.ID, err)
				}
			}
			got, err := st.QueryDue(ctx, now)
			if err != nil {
				t.Fatalf("QueryDue: %v", err)
			}
			if len(got) != 2 || got[0].ID != "due" || got[1].ID != "exact" {
				t.Fatalf("got %+v", ids(got))
			}
			for _, s := range got {
				if !s.Enabled {
					t.Fatalf("disabled schedule %s returned", s.ID)
				}
			}
		})
	}
}

func ids(ss []maint.Schedule) []string {
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		out = append(out, s.ID)
	}
	return out
}

func TestScheduleRoundTripAndDelete(t *testing.T) {
	for name, open := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			defer st.Close()
			ctx := context.Background()
			s := sched("s1", t0, true)
			s.TaskType = maint.TaskCustom
			s.CustomLabel = "Dose ferts"
			if err := st.PutSchedule(ctx, s); err != nil {
				t.Fatalf("put: %v", err)
			}
			got, err := st.GetSchedule(ctx, "s1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.CustomLabel != "Dose ferts" || !got.NextDue.Equal(t0) || got.IntervalDays != 7 || !got.Enabled {
				t.Fatalf("got %+v", got)
			}
			byOwner, _ := st.ListSchedulesByOwner(ctx, "u1")
			byParent, _ := st.ListSchedulesByParent(ctx, "tank1")
			if len(byOwner) != 1 || len(byParent) != 1 {
				t.Fatalf("owner=%d parent=%d", len(byOwner), len(byParent))
			}
			if err := st.DeleteSchedule(ctx, "s1"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if err := st.DeleteSchedule(ctx, "s1"); !errors.Is(err, maint.ErrNotFound) {
				t.Fatalf("second delete err=%v", err)
			}
			if _, err := st.GetSchedule(ctx, "s1"); !errors.Is(err, maint.ErrNotFound) {
				t.Fatalf("get after delete err=%v", err)
			}
		})
	}
}

func TestUpsertNotificationOncePerKey(t *testing.T) {
	for name, open := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			defer st.Close()
			ctx := context.Background()
			day1 := maint.NewDispatchKey("s1", t0)
			n := maint.Notification{
				OwnerID: "u1", Type: maint.NotificationTypeMaintenance, Title: "Water change due",
				Body: "x", CreatedAt: t0, ExpiresAt: t0.Add(maint.DefaultRetention),
				Source: maint.NotificationSource{ScheduleID: "s1", ParentID: "tank1"},
			}
			created, err := st.UpsertNotification(ctx, day1, n)
			if err != nil || !created {
				t.Fatalf("first upsert created=%v err=%v", created, err)
			}
			n2 := n
			n2.Title = "changed"
			created, err = st.UpsertNotification(ctx, day1, n2)
			if err != nil || created {
				t.Fatalf("second upsert created=%v err=%v", created, err)
			}
			day2 := maint.NewDispatchKey("s1", t0.AddDate(0, 0, 1))
			if created, _ := st.UpsertNotification(ctx, day2, n); !created {
				t.Fatalf("next day should create")
			}

			list, err := st.ListNotifications(ctx, "u1")
			if err != nil || len(list) != 2 {
				t.Fatalf("list=%v err=%v", list, err)
			}
			for _, got := range list {
				if got.Title != "Water change due" {
					t.Fatalf("existing record overwritten: %+v", got)
				}
			}
			if err := st.MarkRead(ctx, "u1", day1.String()); err != nil {
				t.Fatalf("mark read: %v", err)
			}
			if err := st.MarkDismissed(ctx, "u2", day1.String()); !errors.Is(err, maint.ErrNotFound) {
				t.Fatalf("foreign dismiss err=%v", err)
			}
			list, _ = st.ListNotifications(ctx, "u1")
			for _, got := range list {
				if got.ID == day1.String() && !got.Read {
					t.Fatalf("not marked read")
				}
			}

			purged, err := st.PurgeExpired(ctx, t0.Add(maint.DefaultRetention))
			if err != nil || purged != 2 {
				t.Fatalf("purged=%d err=%v", purged, err)
			}
		})
	}
}

func TestCompleteScheduleAtomic(t *testing.T) {
	for name, open := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			defer st.Close()
			ctx := context.Background()
			s := sched("s1", t0, true)
			_ = st.PutSchedule(ctx, s)

			adv := s
			adv.NextDue = s.NextOccurrence()
			ev := maint.Event{ID: "e1", OwnerID: "u1", ParentID: "tank1", Type: maint.EventWaterChange,
				OccurredAt: t0, Notes: maint.CompletionNote, Data: maint.EventData{FromSchedule: "s1"}}
			if err := st.CompleteSchedule(ctx, t0, adv, ev); err != nil {
				t.Fatalf("complete: %v", err)
			}
			// Stale previous due date loses.
			ev.ID = "e2"
			if err := st.CompleteSchedule(ctx, t0, adv, ev); !errors.Is(err, ErrConflict) || !errors.Is(err, maint.ErrTransient) {
				t.Fatalf("stale complete err=%v", err)
			}
			if err := st.CompleteSchedule(ctx, t0, maint.Schedule{ID: "nope"}, ev); !errors.Is(err, maint.ErrNotFound) {
				t.Fatalf("missing complete err=%v", err)
			}
			got, _ := st.GetSchedule(ctx, "s1")
			if !got.NextDue.Equal(t0.AddDate(0, 0, 7)) {
				t.Fatalf("nextDue=%s", got.NextDue)
			}
			evs, err := st.ListEventsByParent(ctx, "tank1", 10)
			if err != nil || len(evs) != 1 || evs[0].Data.FromSchedule != "s1" {
				t.Fatalf("events=%+v err=%v", evs, err)
			}
		})
	}
}

func TestEventsNewestFirstWithLimit(t *testing.T) {
	for name, open := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			defer st.Close()
			ctx := context.Background()
			for i, typ := range []maint.EventType{maint.EventNote, maint.EventWaterChange, maint.EventMedication} {
				e := maint.Event{ID: string(rune('a' + i)), OwnerID: "u1", ParentID: "tank1", Type: typ,
					OccurredAt: t0.Add(time.Duration(i) * time.Hour)}
				if typ == maint.EventWaterChange {
					e.Data.Payload = maint.WaterChangeData{Percent: 30}
				}
				if err := st.AppendEvent(ctx, e); err != nil {
					t.Fatalf("append: %v", err)
				}
			}
			evs, err := st.ListEventsByParent(ctx, "tank1", 2)
			if err != nil || len(evs) != 2 {
				t.Fatalf("evs=%v err=%v", evs, err)
			}
			if evs[0].ID != "c" || evs[1].ID != "b" {
				t.Fatalf("order %s,%s", evs[0].ID, evs[1].ID)
			}
			if p, ok := evs[1].Data.Payload.(maint.WaterChangeData); !ok || p.Percent != 30 {
				t.Fatalf("payload=%#v", evs[1].Data.Payload)
			}
		})
	}
}

func TestParentName(t *testing.T) {
	for name, open := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			defer st.Close()
			ctx := context.Background()
			if _, err := st.ParentName(ctx, "u1", "tank1"); !errors.Is(err, maint.ErrNotFound) {
				t.Fatalf("err=%v", err)
			}
			_ = st.PutParent(ctx, Parent{ID: "tank1", OwnerID: "u1", Name: " Reef 60 "})
			got, err := st.ParentName(ctx, "u1", "tank1")
			if err != nil || got != "Reef 60" {
				t.Fatalf("got %q err=%v", got, err)
			}
			if err := st.PutParent(ctx, Parent{ID: "tank1", OwnerID: "u1", Name: "Reef 90"}); err != nil {
				t.Fatalf("owner rename: %v", err)
			}

			// Another owner can neither rename nor read it.
			if err := st.PutParent(ctx, Parent{ID: "tank1", OwnerID: "u2", Name: "Mine now"}); !errors.Is(err, maint.ErrNotFound) {
				t.Fatalf("foreign rename err=%v", err)
			}
			if _, err := st.ParentName(ctx, "u2", "tank1"); !errors.Is(err, maint.ErrNotFound) {
				t.Fatalf("foreign read err=%v", err)
			}
			if got, _ := st.ParentName(ctx, "u1", "tank1"); got != "Reef 90" {
				t.Fatalf("name after foreign rename = %q", got)
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "maint.db")
	ctx := context.Background()
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = st.PutSchedule(ctx, sched("s1", t0, true))
	_, _ = st.UpsertNotification(ctx, maint.NewDispatchKey("s1", t0), maint.Notification{OwnerID: "u1"})
	_ = st.AppendEvent(ctx, maint.Event{ID: "e1", ParentID: "tank1", Type: maint.EventNote, OccurredAt: t0})
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	if _, err := st.GetSchedule(ctx, "s1"); err != nil {
		t.Fatalf("schedule lost: %v", err)
	}
	if created, _ := st.UpsertNotification(ctx, maint.NewDispatchKey("s1", t0), maint.Notification{OwnerID: "u1"}); created {
		t.Fatalf("dedup key lost across reopen")
	}
	if evs, _ := st.ListEventsByParent(ctx, "tank1", 0); len(evs) != 1 {
		t.Fatalf("events=%d", len(evs))
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestFileStoreCrashAfterSnapshotDoesNotDuplicateEvents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "maint.db")
	journal := filepath.Join(dir, "maint.journal.jsonl")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s := sched("s1", t0, true)
	_ = st.PutSchedule(ctx, s)
	_ = st.AppendEvent(ctx, maint.Event{ID: "e1", ParentID: "tank1", Type: maint.EventNote, OccurredAt: t0})
	adv := s
	adv.NextDue = s.NextOccurrence()
	if err := st.CompleteSchedule(ctx, t0, adv, maint.Event{ID: "e2", ParentID: "tank1", Type: maint.EventWaterChange,
		OccurredAt: t0, Notes: maint.CompletionNote, Data: maint.EventData{FromSchedule: "s1"}}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	pending, err := os.ReadFile(journal)
	if err != nil || len(pending) == 0 {
		t.Fatalf("journal: %d bytes err=%v", len(pending), err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// The snapshot now covers everything; put the old journal back as if the
	// truncate never happened.
	if err := os.WriteFile(journal, pending, 0o600); err != nil {
		t.Fatal(err)
	}

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	if evs, _ := st.ListEventsByParent(ctx, "tank1", 0); len(evs) != 2 {
		t.Fatalf("events=%d, want 2", len(evs))
	}
	// New writes continue past the covered sequence and survive another reopen.
	_ = st.AppendEvent(ctx, maint.Event{ID: "e3", ParentID: "tank1", Type: maint.EventNote, OccurredAt: t0})
	if evs, _ := st.ListEventsByParent(ctx, "tank1", 0); len(evs) != 3 {
		t.Fatalf("events after append=%d", len(evs))
	}
}

func TestEventsSameTimestampNewestInsertFirst(t *testing.T) {
	for name, open := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			defer st.Close()
			ctx := context.Background()
			for _, id := range []string{"first", "second", "third"} {
				if err := st.AppendEvent(ctx, maint.Event{ID: id, OwnerID: "u1", ParentID: "tank1", Type: maint.EventNote, OccurredAt: t0}); err != nil {
					t.Fatalf("append: %v", err)
				}
			}
			evs, err := st.ListEventsByParent(ctx, "tank1", 0)
			if err != nil || len(evs) != 3 {
				t.Fatalf("evs=%v err=%v", evs, err)
			}
			if evs[0].ID != "third" || evs[1].ID != "second" || evs[2].ID != "first" {
				t.Fatalf("order %s,%s,%s", evs[0].ID, evs[1].ID, evs[2].ID)
			}
		})
	}
}

func TestReplaceScheduleGuardsOnPrevious(t *testing.T) {
	for name, open := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			defer st.Close()
			ctx := context.Background()
			s := sched("s1", t0, true)
			_ = st.PutSchedule(ctx, s)
			prev, _ := st.GetSchedule(ctx, "s1")

			// A completion moves NextDue after prev was read.
			adv := prev
			adv.NextDue = prev.NextOccurrence()
			adv.UpdatedAt = t0.Add(time.Minute)
			_ = st.CompleteSchedule(ctx, prev.NextDue, adv, maint.Event{ID: "e1", OwnerID: "u1", ParentID: "tank1",
				Type: maint.EventWaterChange, OccurredAt: t0, Data: maint.EventData{FromSchedule: "s1"}})

			stale := prev
			stale.Enabled = false
			stale.UpdatedAt = t0.Add(2 * time.Minute)
			if err := st.ReplaceSchedule(ctx, prev, stale); !errors.Is(err, ErrConflict) || !errors.Is(err, maint.ErrTransient) {
				t.Fatalf("stale replace err=%v", err)
			}
			if err := st.ReplaceSchedule(ctx, prev, maint.Schedule{ID: "nope"}); !errors.Is(err, maint.ErrNotFound) {
				t.Fatalf("missing replace err=%v", err)
			}

			cur, _ := st.GetSchedule(ctx, "s1")
			next := cur
			next.Enabled = false
			next.UpdatedAt = t0.Add(3 * time.Minute)
			if err := st.ReplaceSchedule(ctx, cur, next); err != nil {
				t.Fatalf("fresh replace: %v", err)
			}
			got, _ := st.GetSchedule(ctx, "s1")
			if got.Enabled || !got.NextDue.Equal(t0.AddDate(0, 0, 7)) {
				t.Fatalf("got %+v", got)
			}
		})
	}
}
