package notify

import (
	"sync"
	"time"
)

type EventType string

const (
	TypeSyncComplete  EventType = "SYNC_COMPLETE"
	TypeSyncConflicts EventType = "SYNC_CONFLICTS"
	TypePush          EventType = "PUSH"
)

type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Bus fans events out to observers. Delivery is best-effort: a subscriber
// that cannot keep up loses events rather than blocking the publisher.
// Durable state lives only in the store, never here.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers an observer. The returned cancel func unregisters
// it and closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, 16)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers to every subscriber without blocking.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			// Subscriber is full; drop.
		}
	}
}
