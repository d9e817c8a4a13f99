package events

import (
	"context"
	"testing"
	"time"

	"playshelf/internal/models"
)

func TestMemoryQueueFanOut(t *testing.T) {
	queue := NewMemoryQueue(4)
	first := queue.Subscribe()
	second := queue.Subscribe()
	defer first.Close()
	defer second.Close()

	event := Event{
		Type:      TypeSessionProgress,
		SessionID: "s1",
		UserID:    "u1",
		EmittedAt: time.Now(),
		Session:   &models.ClientView{ID: "s1", CurrentTime: 42},
	}
	if err := queue.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	for _, sub := range []Subscription{first, second} {
		select {
		case got := <-sub.Events():
			if got.SessionID != "s1" || got.Type != TypeSessionProgress {
				t.Fatalf("unexpected event: %+v", got)
			}
			if got.Session == nil || got.Session.CurrentTime != 42 {
				t.Fatalf("payload missing: %+v", got.Session)
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestMemoryQueueRejectsUntypedEvents(t *testing.T) {
	queue := NewMemoryQueue(1)
	if err := queue.Publish(context.Background(), Event{SessionID: "s1"}); err == nil {
		t.Fatal("expected an error for an event without a type")
	}
}

func TestMemoryQueueDropsWhenSubscriberStalls(t *testing.T) {
	queue := NewMemoryQueue(1)
	sub := queue.Subscribe()
	defer sub.Close()

	// Fill the buffer, then publish again without draining. The second
	// publish must return promptly instead of blocking.
	ctx := context.Background()
	if err := queue.Publish(ctx, Event{Type: TypeSessionOpen, SessionID: "s1"}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		done <- queue.Publish(ctx, Event{Type: TypeSessionOpen, SessionID: "s2"})
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("publish to stalled subscriber failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a stalled subscriber")
	}

	got := <-sub.Events()
	if got.SessionID != "s1" {
		t.Fatalf("expected the buffered event, got %+v", got)
	}
}

func TestMemorySubscriptionCloseIsIdempotent(t *testing.T) {
	queue := NewMemoryQueue(1)
	sub := queue.Subscribe()
	sub.Close()
	sub.Close()

	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected a closed event channel")
	}
	if err := queue.Publish(context.Background(), Event{Type: TypeSessionOpen}); err != nil {
		t.Fatalf("publish after unsubscribe failed: %v", err)
	}
}
