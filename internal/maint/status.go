package maint

import (
	"fmt"
	"time"
)

type Urgency string

const (
	UrgencyNone     Urgency = "none"
	UrgencyOverdue  Urgency = "overdue"
	UrgencyDueToday Urgency = "due-today"
	UrgencyDueSoon  Urgency = "due-soon"
)

// Status is the display label and urgency of a schedule at a point in time.
type Status struct {
	Label   string  `json:"label"`
	Urgency Urgency `json:"urgency"`
}

// Classify maps a due date to a display status. Days are counted between
// calendar dates in now's location, not between instants, so the label does
// not flap within a single day.
func Classify(nextDue, now time.Time, enabled bool) Status {
	if !enabled {
		return Status{Label: "Paused", Urgency: UrgencyNone}
	}
	days := DaysBetween(now, nextDue)
	switch {
	case days < 0:
		n := -days
		if n == 1 {
			return Status{Label: "1 day overdue", Urgency: UrgencyOverdue}
		}
		return Status{Label: fmt.Sprintf("%d days overdue", n), Urgency: UrgencyOverdue}
	case days == 0:
		return Status{Label: "Due today", Urgency: UrgencyDueToday}
	case days == 1:
		return Status{Label: "Due tomorrow", Urgency: UrgencyDueSoon}
	case days <= 3:
		return Status{Label: fmt.Sprintf("Due in %d days", days), Urgency: UrgencyDueSoon}
	default:
		return Status{Label: fmt.Sprintf("Due in %d days", days), Urgency: UrgencyNone}
	}
}

// DaysBetween returns the number of calendar days from a to b, both taken as
// dates in a's location.
func DaysBetween(a, b time.Time) int {
	loc := a.Location()
	ay, am, ad := a.Date()
	by, bm, bd := b.In(loc).Date()
	// UTC midnights avoid DST-length days skewing the division.
	da := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	db := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}
