package maint

import (
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	loc := time.FixedZone("test", 2*3600)
	now := time.Date(2026, 3, 10, 23, 30, 0, 0, loc)
	day := func(d int) time.Time { return time.Date(2026, 3, 10+d, 1, 0, 0, 0, loc) }

	cases := []struct {
		name    string
		nextDue time.Time
		enabled bool
		label   string
		urgency Urgency
	}{
		{"paused overdue", day(-40), false, "Paused", UrgencyNone},
		{"paused future", day(10), false, "Paused", UrgencyNone},
		{"yesterday", day(-1), true, "1 day overdue", UrgencyOverdue},
		{"long overdue", day(-9), true, "9 days overdue", UrgencyOverdue},
		{"same calendar day earlier", day(0), true, "Due today", UrgencyDueToday},
		{"exactly now", now, true, "Due today", UrgencyDueToday},
		{"tomorrow", day(1), true, "Due tomorrow", UrgencyDueSoon},
		{"two days", day(2), true, "Due in 2 days", UrgencyDueSoon},
		{"three days", day(3), true, "Due in 3 days", UrgencyDueSoon},
		{"four days", day(4), true, "Due in 4 days", UrgencyNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.nextDue, now, tc.enabled)
			if got.Label != tc.label || got.Urgency != tc.urgency {
				t.Fatalf("Classify(%s)=%+v want {%s %s}", tc.nextDue, got, tc.label, tc.urgency)
			}
		})
	}
}

func TestClassifyUsesNowLocation(t *testing.T) {
	// 23:00 UTC on the 9th is already the 10th in UTC+2.
	nextDue := time.Date(2026, 3, 9, 23, 0, 0, 0, time.UTC)
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.FixedZone("test", 2*3600))
	if got := Classify(nextDue, now, true); got.Label != "Due today" {
		t.Fatalf("got %q", got.Label)
	}
}

func TestDaysBetweenAcrossDST(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	a := time.Date(2026, 3, 28, 12, 0, 0, 0, loc)
	b := time.Date(2026, 3, 30, 0, 30, 0, 0, loc)
	if got := DaysBetween(a, b); got != 2 {
		t.Fatalf("DaysBetween=%d want 2", got)
	}
}
