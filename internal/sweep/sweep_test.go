package sweep

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"comparium/internal/eventbus"
	"comparium/internal/lifecycle"
	"comparium/internal/maint"
	"comparium/internal/metrics"
	"comparium/internal/storage"
	logx "comparium/pkg/logx"
)

func day(d, hour int) time.Time { return time.Date(2026, 1, d, hour, 0, 0, 0, time.UTC) }

type fixture struct {
	store   storage.Store
	clock   *maint.FakeClock
	scanner *Scanner
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, now time.Time, dopts DispatcherOptions, sopts ScannerOptions) *fixture {
	t.Helper()
	st := storage.NewMemory()
	clk := maint.NewFakeClock(now)
	m := metrics.New("test")
	if dopts.Names == nil {
		dopts.Names = st
	}
	dopts.Metrics = m
	sopts.Clock = clk
	sopts.Metrics = m
	if sopts.Location == nil {
		sopts.Location = time.UTC
	}
	d := NewDispatcher(st, dopts)
	return &fixture{store: st, clock: clk, scanner: NewScanner(st, d, sopts), metrics: m}
}

func (f *fixture) put(t *testing.T, s maint.Schedule) maint.Schedule {
	t.Helper()
	if s.OwnerID == "" {
		s.OwnerID = "u1"
	}
	if s.ParentID == "" {
		s.ParentID = "tank1"
	}
	if s.TaskType == "" {
		s.TaskType = maint.TaskWaterChange
	}
	if s.IntervalDays == 0 {
		s.IntervalDays = 7
	}
	if err := f.store.PutSchedule(context.Background(), s); err != nil {
		t.Fatalf("put: %v", err)
	}
	return s
}

func (f *fixture) notifications(t *testing.T, owner string) []maint.Notification {
	t.Helper()
	ns, err := f.store.ListNotifications(context.Background(), owner)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	return ns
}

func TestSameDayRerunsNotifyOnce(t *testing.T) {
	f := newFixture(t, day(2, 8), DispatcherOptions{}, ScannerOptions{})
	f.put(t, maint.Schedule{ID: "s1", NextDue: day(1, 0), Enabled: true})
	ctx := context.Background()

	rep, err := f.scanner.Tick(ctx)
	if err != nil || rep.Created != 1 || rep.Due != 1 {
		t.Fatalf("first tick rep=%+v err=%v", rep, err)
	}
	f.clock.Advance(10 * time.Hour)
	rep, err = f.scanner.Tick(ctx)
	if err != nil || rep.Created != 0 || rep.Duplicate != 1 {
		t.Fatalf("second tick rep=%+v err=%v", rep, err)
	}

	ns := f.notifications(t, "u1")
	if len(ns) != 1 {
		t.Fatalf("notifications=%d want 1", len(ns))
	}
	n := ns[0]
	if n.ID != "s1_2026-01-02" || n.Title != "Water change due" || n.Type != maint.NotificationTypeMaintenance {
		t.Fatalf("notification=%+v", n)
	}
	if n.Read || n.Dismissed || !n.ExpiresAt.Equal(day(2, 8).Add(maint.DefaultRetention)) {
		t.Fatalf("defaults wrong: %+v", n)
	}
	if n.Source.ScheduleID != "s1" || n.Source.ParentID != "tank1" {
		t.Fatalf("source=%+v", n.Source)
	}
	if got := testutil.ToFloat64(f.metrics.Dispatches.WithLabelValues(metrics.OutcomeDuplicate)); got != 1 {
		t.Fatalf("duplicate metric=%v", got)
	}
}

func TestConsecutiveDaysNotifyEachDay(t *testing.T) {
	f := newFixture(t, day(2, 23), DispatcherOptions{}, ScannerOptions{})
	f.put(t, maint.Schedule{ID: "s1", NextDue: day(1, 0), Enabled: true})
	ctx := context.Background()

	_, _ = f.scanner.Tick(ctx)
	f.clock.Advance(2 * time.Hour)
	_, _ = f.scanner.Tick(ctx)

	ns := f.notifications(t, "u1")
	if len(ns) != 2 || ns[0].ID == ns[1].ID {
		t.Fatalf("notifications=%+v", ns)
	}
}

func TestDispatchDateFollowsConfiguredZone(t *testing.T) {
	ny := time.FixedZone("EST", -5*3600)
	// 03:00 UTC on the 3rd is still the 2nd in New York.
	f := newFixture(t, day(3, 3), DispatcherOptions{}, ScannerOptions{Location: ny})
	f.put(t, maint.Schedule{ID: "s1", NextDue: day(1, 0), Enabled: true})
	rep, _ := f.scanner.Tick(context.Background())
	if rep.Date != "2026-01-02" {
		t.Fatalf("date=%s", rep.Date)
	}
	if ns := f.notifications(t, "u1"); ns[0].ID != "s1_2026-01-02" {
		t.Fatalf("id=%s", ns[0].ID)
	}
}

func TestDisabledAndFutureSchedulesNeverNotified(t *testing.T) {
	f := newFixture(t, day(10, 8), DispatcherOptions{}, ScannerOptions{})
	f.put(t, maint.Schedule{ID: "paused", NextDue: day(1, 0), Enabled: false})
	f.put(t, maint.Schedule{ID: "future", NextDue: day(11, 0), Enabled: true})
	rep, err := f.scanner.Tick(context.Background())
	if err != nil || rep.Due != 0 {
		t.Fatalf("rep=%+v err=%v", rep, err)
	}
	if ns := f.notifications(t, "u1"); len(ns) != 0 {
		t.Fatalf("notifications=%v", ns)
	}
}

func TestCompletionStopsNotifications(t *testing.T) {
	f := newFixture(t, day(2, 8), DispatcherOptions{}, ScannerOptions{})
	s := f.put(t, maint.Schedule{ID: "s1", NextDue: day(1, 0), Enabled: true})
	mgr := lifecycle.New(f.store, f.store, lifecycle.Options{Clock: f.clock})
	ctx := context.Background()

	_, _ = f.scanner.Tick(ctx)
	c, err := mgr.Complete(ctx, "u1", s.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !c.Schedule.NextDue.Equal(day(8, 0)) || c.Event.Data.FromSchedule != "s1" {
		t.Fatalf("completion=%+v", c)
	}
	for d := 0; d < 5; d++ {
		f.clock.Advance(24 * time.Hour)
		rep, _ := f.scanner.Tick(ctx)
		if rep.Due != 0 {
			t.Fatalf("day %d: completed schedule still due", d+3)
		}
	}
	f.clock.Set(day(8, 6))
	if rep, _ := f.scanner.Tick(ctx); rep.Created != 1 {
		t.Fatalf("next occurrence not notified: %+v", rep)
	}
}

func TestConcurrentTicksConverge(t *testing.T) {
	f := newFixture(t, day(2, 8), DispatcherOptions{}, ScannerOptions{})
	for _, id := range []string{"a", "b", "c", "d"} {
		f.put(t, maint.Schedule{ID: id, NextDue: day(1, 0), Enabled: true})
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.scanner.Tick(context.Background())
		}()
	}
	wg.Wait()
	if ns := f.notifications(t, "u1"); len(ns) != 4 {
		t.Fatalf("notifications=%d want 4", len(ns))
	}
}

type misconfiguredStore struct{ storage.Store }

func (misconfiguredStore) QueryDue(context.Context, time.Time) ([]maint.Schedule, error) {
	return nil, &maint.ConfigurationError{Op: "query due schedules", Hint: "create index"}
}

func TestConfigurationErrorAbortsTick(t *testing.T) {
	st := misconfiguredStore{storage.NewMemory()}
	m := metrics.New("test")
	bus := eventbus.New()
	sub, unsub := bus.Subscribe(2)
	defer unsub()
	sc := NewScanner(st, NewDispatcher(st, DispatcherOptions{}), ScannerOptions{
		Clock: maint.NewFakeClock(day(2, 8)), Metrics: m, Bus: bus,
	})
	_, err := sc.Tick(context.Background())
	var ce *maint.ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("err=%v want ConfigurationError", err)
	}
	if got := testutil.ToFloat64(m.ScanTicks.WithLabelValues("configuration")); got != 1 {
		t.Fatalf("configuration ticks=%v", got)
	}
	if e := <-sub; e.Type != eventbus.TypeScanFailed {
		t.Fatalf("bus event=%+v", e)
	}
}

type flakyNotifications struct {
	storage.NotificationStore
	failFor string
}

func (f flakyNotifications) UpsertNotification(ctx context.Context, key maint.DispatchKey, n maint.Notification) (bool, error) {
	if key.ScheduleID == f.failFor {
		return false, maint.Transient("upsert notification", errors.New("write timeout"))
	}
	return f.NotificationStore.UpsertNotification(ctx, key, n)
}

func TestPerRecordFailureDoesNotAbortTick(t *testing.T) {
	st := storage.NewMemory()
	clk := maint.NewFakeClock(day(2, 8))
	for _, id := range []string{"a", "b", "c"} {
		_ = st.PutSchedule(context.Background(), maint.Schedule{ID: id, OwnerID: "u1", ParentID: "tank1",
			TaskType: maint.TaskWaterChange, IntervalDays: 7, NextDue: day(1, 0), Enabled: true})
	}
	sc := NewScanner(st, NewDispatcher(flakyNotifications{st, "b"}, DispatcherOptions{}), ScannerOptions{Clock: clk})
	rep, err := sc.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick err=%v", err)
	}
	if rep.Created != 2 || rep.Failed != 1 {
		t.Fatalf("rep=%+v", rep)
	}
	// The failed schedule is retried next tick with an unchanged nextDue.
	sc = NewScanner(st, NewDispatcher(st, DispatcherOptions{}), ScannerOptions{Clock: clk})
	rep, _ = sc.Tick(context.Background())
	if rep.Created != 1 || rep.Duplicate != 2 {
		t.Fatalf("retry rep=%+v", rep)
	}
}

type blockingNotifications struct{ storage.NotificationStore }

func (blockingNotifications) UpsertNotification(ctx context.Context, _ maint.DispatchKey, _ maint.Notification) (bool, error) {
	<-ctx.Done()
	return false, maint.Transient("upsert notification", ctx.Err())
}

func TestTickBudgetAbandonsRemaining(t *testing.T) {
	st := storage.NewMemory()
	for _, id := range []string{"a", "b", "c"} {
		_ = st.PutSchedule(context.Background(), maint.Schedule{ID: id, OwnerID: "u1", ParentID: "tank1",
			TaskType: maint.TaskWaterChange, IntervalDays: 7, NextDue: day(1, 0), Enabled: true})
	}
	sc := NewScanner(st, NewDispatcher(blockingNotifications{st}, DispatcherOptions{}), ScannerOptions{
		Clock: maint.NewFakeClock(day(2, 8)), TickBudget: 30 * time.Millisecond,
	})
	rep, err := sc.Tick(context.Background())
	if err != nil {
		t.Fatalf("budget exhaustion is not a tick error: %v", err)
	}
	if rep.Abandoned != 3 || rep.Failed != 0 {
		t.Fatalf("rep=%+v", rep)
	}
}

func TestRateLimitedWritesAbandonPastBudget(t *testing.T) {
	f := newFixture(t, day(2, 8), DispatcherOptions{WriteRate: 1, WriteBurst: 1}, ScannerOptions{TickBudget: 100 * time.Millisecond})
	for _, id := range []string{"a", "b", "c"} {
		f.put(t, maint.Schedule{ID: id, NextDue: day(1, 0), Enabled: true})
	}
	rep, err := f.scanner.Tick(context.Background())
	if err != nil || rep.Created != 1 || rep.Abandoned != 2 {
		t.Fatalf("rep=%+v err=%v", rep, err)
	}
}

func TestCancelledContextFailsTick(t *testing.T) {
	f := newFixture(t, day(2, 8), DispatcherOptions{}, ScannerOptions{})
	f.put(t, maint.Schedule{ID: "s1", NextDue: day(1, 0), Enabled: true})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.scanner.Tick(ctx); err == nil {
		t.Fatalf("expected error on cancelled context")
	}
}

func TestBodyUsesParentName(t *testing.T) {
	f := newFixture(t, day(4, 8), DispatcherOptions{}, ScannerOptions{})
	_ = f.store.PutParent(context.Background(), storage.Parent{ID: "tank1", OwnerID: "u1", Name: "Reef 60"})
	f.put(t, maint.Schedule{ID: "s1", NextDue: day(1, 0), Enabled: true})
	f.put(t, maint.Schedule{ID: "s2", ParentID: "tank2", TaskType: maint.TaskCustom, CustomLabel: "Dose ferts", NextDue: day(4, 0), Enabled: true})
	f.put(t, maint.Schedule{ID: "s3", OwnerID: "u2", NextDue: day(1, 0), Enabled: true})
	_, _ = f.scanner.Tick(context.Background())

	bodies := map[string]maint.Notification{}
	for _, n := range f.notifications(t, "u1") {
		bodies[n.Source.ScheduleID] = n
	}
	if b := bodies["s1"].Body; b != "Water change for Reef 60 is due (3 days overdue)." {
		t.Fatalf("s1 body=%q", b)
	}
	if n := bodies["s2"]; n.Title != "Dose ferts due" || !strings.Contains(n.Body, DefaultParentName) {
		t.Fatalf("s2=%+v", n)
	}
	// Same parent id under another owner never borrows u1's name.
	foreign := f.notifications(t, "u2")
	if len(foreign) != 1 {
		t.Fatalf("u2 notifications=%d", len(foreign))
	}
	for _, n := range foreign {
		if strings.Contains(n.Body, "Reef 60") {
			t.Fatalf("foreign name leaked: %q", n.Body)
		}
	}
}

func TestPurgerDeletesOnlyExpired(t *testing.T) {
	st := storage.NewMemory()
	ctx := context.Background()
	_, _ = st.UpsertNotification(ctx, maint.NewDispatchKey("old", day(1, 0)), maint.Notification{OwnerID: "u1", ExpiresAt: day(2, 0)})
	_, _ = st.UpsertNotification(ctx, maint.NewDispatchKey("new", day(1, 0)), maint.Notification{OwnerID: "u1", ExpiresAt: day(20, 0)})
	p := NewPurger(st, maint.NewFakeClock(day(3, 0)), logx.Nop(), nil)
	n, err := p.Purge(ctx)
	if err != nil || n != 1 {
		t.Fatalf("purged=%d err=%v", n, err)
	}
}
