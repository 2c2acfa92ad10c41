package stream

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/abdullahbinali3/visitor-tablet-api/internal/store/pg"
)

func TestPublishReachesSubscribers(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := s.Subscribe(ctx)
	second := s.Subscribe(ctx)
	if got := s.SubscriberCount(); got != 2 {
		t.Fatalf("expected 2 subscribers, got %d", got)
	}

	evt := pg.MutationEvent{
		Operation: "MasterAddUserToBuilding",
		UID:       uuid.New(),
		Result:    "Ok",
		Timestamp: time.Now().UTC(),
	}
	s.Publish(evt)

	for _, ch := range []<-chan pg.MutationEvent{first, second} {
		select {
		case got := <-ch:
			if got.Operation != evt.Operation || got.UID != evt.UID {
				t.Fatalf("unexpected event: %+v", got)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestSubscribeClosesOnContextCancel(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel was not closed after cancel")
	}
}

func TestPublishDropsWhenSubscriberIsSlow(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := s.Subscribe(ctx)
	// Fill the buffer and then some; Publish must never block.
	for i := 0; i < 64; i++ {
		s.Publish(pg.MutationEvent{Operation: "MasterUpdateUserBuilding"})
	}

	var received int
	for {
		select {
		case <-ch:
			received++
		default:
			if received == 0 || received > 16 {
				t.Fatalf("expected 1..16 buffered events, got %d", received)
			}
			return
		}
	}
}
