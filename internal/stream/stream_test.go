package stream

import (
	"context"
	"testing"
	"time"

	"stratasync.io/internal/syncq"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := bus.Subscribe(ctx)
	b := bus.Subscribe(ctx)

	event := syncq.CompletionEvent{ItemID: "item-1", MissionID: "m1", Action: syncq.ActionValidated, Timestamp: time.Now().UTC()}
	bus.SyncCompleted(event)

	for _, ch := range []<-chan syncq.CompletionEvent{a, b} {
		select {
		case got := <-ch:
			if got.ItemID != "item-1" {
				t.Fatalf("unexpected event: %#v", got)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = bus.Subscribe(ctx) // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			bus.Publish(syncq.CompletionEvent{ItemID: "item-1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
}

func TestSubscriberChannelClosesWithContext(t *testing.T) {
	bus := New()
	ctx, cancel := context.WithCancel(context.Background())

	ch := bus.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
}
