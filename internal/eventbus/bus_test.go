package eventbus

import "testing"

func TestPublishFansOutAndDropsWhenFull(t *testing.T) {
	b := New()
	fast, unsubFast := b.Subscribe(4)
	defer unsubFast()
	slow, unsubSlow := b.Subscribe(1)
	defer unsubSlow()

	Publish(b, TypeScanFinished, 1)
	Publish(b, TypeScanFinished, 2)

	if len(fast) != 2 {
		t.Fatalf("fast got %d", len(fast))
	}
	if len(slow) != 1 {
		t.Fatalf("slow got %d", len(slow))
	}
	if got := b.(*memBus).Dropped(); got != 1 {
		t.Fatalf("dropped=%d", got)
	}
	if e := <-fast; e.Type != TypeScanFinished || e.Time.IsZero() {
		t.Fatalf("event=%+v", e)
	}
}

func TestUnsubscribeClosesAndStopsDelivery(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel not closed")
	}
	Publish(b, TypeScheduleCompleted, nil)
	Publish(nil, TypeScheduleCompleted, nil)
}
