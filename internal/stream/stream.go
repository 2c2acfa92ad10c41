package stream

import (
	"context"
	"sync"

	"github.com/abdullahbinali3/visitor-tablet-api/internal/store/pg"
)

// Stream fan-outs mutation events to all active subscribers (SSE clients,
// dashboards watching membership changes).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan pg.MutationEvent
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan pg.MutationEvent)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan pg.MutationEvent {
	ch := make(chan pg.MutationEvent, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers. Matches the signature the
// store's WithMutationPublisher option expects.
func (s *Stream) Publish(evt pg.MutationEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking the write path.
		}
	}
}

// SubscriberCount reports the number of active subscribers.
func (s *Stream) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
