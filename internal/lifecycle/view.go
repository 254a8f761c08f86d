package lifecycle

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"comparium/internal/maint"
)

// Item is a schedule with its display label and current status.
type Item struct {
	maint.Schedule
	Label  string       `json:"label"`
	Status maint.Status `json:"status"`
}

// NewItem classifies s at now.
func NewItem(s maint.Schedule, now time.Time) Item {
	return Item{Schedule: s, Label: s.Label(), Status: maint.Classify(s.NextDue, now, s.Enabled)}
}

// View is a short-lived read cache for one owner, created per request or per
// screen and dropped afterwards. Statuses are recomputed on every read.
type View struct {
	m     *Manager
	owner string
	c     *cache.Cache
}

// NewView returns a view whose entries live for ttl. No janitor goroutine is
// started; expired entries are skipped on read and freed with the view.
func (m *Manager) NewView(ownerID string, ttl time.Duration) *View {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &View{m: m, owner: ownerID, c: cache.New(ttl, 0)}
}

func (v *View) Schedules(ctx context.Context, parentID string) ([]Item, error) {
	key := "sched:" + parentID
	var list []maint.Schedule
	if cached, ok := v.c.Get(key); ok {
		list = cached.([]maint.Schedule)
	} else {
		var err error
		if list, err = v.m.ListByParent(ctx, v.owner, parentID); err != nil {
			return nil, err
		}
		v.c.SetDefault(key, list)
	}
	now := v.m.Now()
	out := make([]Item, 0, len(list))
	for _, s := range list {
		out = append(out, NewItem(s, now))
	}
	return out, nil
}

func (v *View) History(ctx context.Context, parentID string, limit int) ([]maint.Event, error) {
	key := "events:" + parentID + ":" + strconv.Itoa(limit)
	if cached, ok := v.c.Get(key); ok {
		return cached.([]maint.Event), nil
	}
	evs, err := v.m.History(ctx, v.owner, parentID, limit)
	if err != nil {
		return nil, err
	}
	v.c.SetDefault(key, evs)
	return evs, nil
}

// Complete completes through the manager and drops the parent's entries.
func (v *View) Complete(ctx context.Context, id string) (Completion, error) {
	c, err := v.m.Complete(ctx, v.owner, id)
	if err != nil {
		return Completion{}, err
	}
	v.Invalidate(c.Schedule.ParentID)
	return c, nil
}

func (v *View) Invalidate(parentID string) {
	v.c.Delete("sched:" + parentID)
	prefix := "events:" + parentID + ":"
	for k := range v.c.Items() {
		if strings.HasPrefix(k, prefix) {
			v.c.Delete(k)
		}
	}
}
