package events

import (
	"testing"
	"time"
)

func TestHubDeliversInSequenceOrder(t *testing.T) {
	hub := NewHub()
	sub, err := hub.Subscribe(8)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	hub.Publish(KindSpawn, 1, 100, 100)
	hub.Publish(KindMove, 1, 101, 100)
	hub.Publish(KindDespawn, 1, 0, 0)

	want := []Kind{KindSpawn, KindMove, KindDespawn}
	for i, kind := range want {
		select {
		case evt := <-sub.Events():
			if evt.Kind != kind || evt.Sequence != uint64(i+1) || evt.AvatarID != 1 {
				t.Fatalf("event %d: unexpected %+v", i, evt)
			}
			if evt.At.IsZero() {
				t.Fatalf("event %d: missing timestamp", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
	if hub.Sequence() != 3 {
		t.Fatalf("expected sequence 3, got %d", hub.Sequence())
	}
}

func TestHubDropsSlowSubscriber(t *testing.T) {
	hub := NewHub()
	slow, _ := hub.Subscribe(1)
	fast, _ := hub.Subscribe(4)
	defer fast.Close()

	hub.Publish(KindSpawn, 2, 0, 0)
	hub.Publish(KindMove, 2, 1, 1)

	if hub.Subscribers() != 1 || hub.Dropped() != 1 {
		t.Fatalf("expected slow subscriber to be dropped, subscribers=%d dropped=%d", hub.Subscribers(), hub.Dropped())
	}
	if evt, ok := <-slow.Events(); !ok || evt.Kind != KindSpawn {
		t.Fatalf("expected buffered spawn before close, got %+v ok=%v", evt, ok)
	}
	if _, ok := <-slow.Events(); ok {
		t.Fatal("expected slow subscriber channel to be closed")
	}
	slow.Close()

	if got := len(fast.Events()); got != 2 {
		t.Fatalf("expected fast subscriber to hold 2 events, got %d", got)
	}
}

func TestHubCloseDetachesSubscribers(t *testing.T) {
	hub := NewHub()
	sub, _ := hub.Subscribe(0)
	hub.Close()
	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected closed channel")
	}
	sub.Close()
	if _, err := hub.Subscribe(1); err != ErrHubClosed {
		t.Fatalf("expected ErrHubClosed, got %v", err)
	}
	if evt := hub.Publish(KindMove, 3, 1, 2); evt.Sequence != 1 {
		t.Fatalf("expected sequence to advance after close, got %d", evt.Sequence)
	}
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	hub := NewHub()
	sub, _ := hub.Subscribe(1)
	sub.Close()
	sub.Close()
	if hub.Subscribers() != 0 {
		t.Fatalf("expected no subscribers, got %d", hub.Subscribers())
	}
}
