package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_DeliversToSubscribers(t *testing.T) {
	bus := NewBus()

	first, cancelFirst := bus.Subscribe()
	defer cancelFirst()
	second, cancelSecond := bus.Subscribe()
	defer cancelSecond()

	bus.Publish(Event{Type: TypeSyncComplete})

	for _, ch := range []<-chan Event{first, second} {
		select {
		case event := <-ch:
			assert.Equal(t, TypeSyncComplete, event.Type)
			assert.False(t, event.Timestamp.IsZero(), "publish stamps the event")
		case <-time.After(time.Second):
			t.Fatal("expected event delivery")
		}
	}
}

func TestBus_SlowSubscriberNeverBlocksPublish(t *testing.T) {
	bus := NewBus()

	events, cancel := bus.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		// Publish far past the subscriber buffer without reading.
		for i := 0; i < 100; i++ {
			bus.Publish(Event{Type: TypePush})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish must be non-blocking")
	}

	// Whatever fit in the buffer is still readable.
	select {
	case event := <-events:
		assert.Equal(t, TypePush, event.Type)
	case <-time.After(time.Second):
		t.Fatal("buffered events should survive")
	}
}

func TestBus_CancelClosesChannel(t *testing.T) {
	bus := NewBus()

	events, cancel := bus.Subscribe()
	cancel()

	_, open := <-events
	require.False(t, open)

	// Publishing after cancel reaches nobody and does not panic.
	bus.Publish(Event{Type: TypeSyncConflicts})
}
