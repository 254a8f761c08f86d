package redisnotify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"comparium/internal/maint"
	logx "comparium/pkg/logx"
)

var t0 = time.Date(2026, 1, 2, 8, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*miniredis.Miniredis, *Store) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := NewWithClient(rdb, "test:", logx.Nop())
	t.Cleanup(func() { _ = st.Close() })
	return mr, st
}

func notif(owner string, at time.Time) maint.Notification {
	return maint.Notification{
		OwnerID: owner, Type: maint.NotificationTypeMaintenance, Title: "Water change due",
		CreatedAt: at, ExpiresAt: at.Add(maint.DefaultRetention),
		Source: maint.NotificationSource{ScheduleID: "s1", ParentID: "tank1"},
	}
}

func TestUpsertOncePerKey(t *testing.T) {
	mr, st := newTestStore(t)
	ctx := context.Background()
	key := maint.NewDispatchKey("s1", t0)

	created, err := st.UpsertNotification(ctx, key, notif("u1", t0))
	if err != nil || !created {
		t.Fatalf("created=%v err=%v", created, err)
	}
	again := notif("u1", t0.Add(time.Hour))
	again.Title = "other"
	created, err = st.UpsertNotification(ctx, key, again)
	if err != nil || created {
		t.Fatalf("second created=%v err=%v", created, err)
	}
	if !mr.Exists("test:n:s1_2026-01-02") {
		t.Fatalf("record key missing: %v", mr.Keys())
	}
	list, err := st.ListNotifications(ctx, "u1")
	if err != nil || len(list) != 1 || list[0].Title != "Water change due" {
		t.Fatalf("list=%+v err=%v", list, err)
	}
}

func TestMarkAndPurge(t *testing.T) {
	_, st := newTestStore(t)
	ctx := context.Background()
	k1 := maint.NewDispatchKey("s1", t0)
	k2 := maint.NewDispatchKey("s1", t0.AddDate(0, 0, 40))
	_, _ = st.UpsertNotification(ctx, k1, notif("u1", t0))
	_, _ = st.UpsertNotification(ctx, k2, notif("u1", t0.AddDate(0, 0, 40)))

	if err := st.MarkRead(ctx, "u1", k1.String()); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if err := st.MarkDismissed(ctx, "u2", k1.String()); !errors.Is(err, maint.ErrNotFound) {
		t.Fatalf("foreign owner err=%v", err)
	}
	if err := st.MarkRead(ctx, "u1", "missing"); !errors.Is(err, maint.ErrNotFound) {
		t.Fatalf("missing err=%v", err)
	}

	list, _ := st.ListNotifications(ctx, "u1")
	if len(list) != 2 || list[0].ID != k2.String() || !list[1].Read {
		t.Fatalf("list=%+v", list)
	}

	n, err := st.PurgeExpired(ctx, t0.Add(maint.DefaultRetention))
	if err != nil || n != 1 {
		t.Fatalf("purged=%d err=%v", n, err)
	}
	list, _ = st.ListNotifications(ctx, "u1")
	if len(list) != 1 || list[0].ID != k2.String() {
		t.Fatalf("after purge list=%+v", list)
	}
}

func TestUnavailableIsTransient(t *testing.T) {
	mr, st := newTestStore(t)
	mr.Close()
	_, err := st.UpsertNotification(context.Background(), maint.NewDispatchKey("s1", t0), notif("u1", t0))
	if !errors.Is(err, maint.ErrTransient) {
		t.Fatalf("err=%v", err)
	}
}
