package telemetry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_PublishReachesSubscriber(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	ch, unsub := hub.Subscribe()
	defer unsub()

	hub.Publish(Event{Type: EventTriggerFired, SessionID: "sess-1"})

	select {
	case received := <-ch:
		assert.Equal(t, EventTriggerFired, received.Type)
		assert.Equal(t, "sess-1", received.SessionID)
		assert.False(t, received.Timestamp.IsZero(), "publish should stamp events")
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

func TestHub_UnsubscribeByID(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	ch, id := hub.SubscribeWithID()
	require.NotEmpty(t, id)

	hub.Unsubscribe(id)

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")

	assert.NotPanics(t, func() {
		hub.Unsubscribe(id)
	})
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	// Never consumed; fills its buffer.
	_, unsub := hub.Subscribe()
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.Publish(Event{Type: EventMetricsApplied})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish must not block on a slow subscriber")
	}
}

func TestHub_CloseStopsEverything(t *testing.T) {
	hub := NewHub()

	ch, _ := hub.SubscribeWithID()
	hub.Close()

	_, ok := <-ch
	assert.False(t, ok, "close should close subscriber channels")
	assert.Equal(t, 0, hub.SubscriberCount())

	assert.NotPanics(t, func() {
		hub.Publish(Event{Type: EventDecisionApplied})
		hub.Close()
	})

	// Subscribing after close yields a closed channel.
	late, id := hub.SubscribeWithID()
	assert.Empty(t, id)
	_, ok = <-late
	assert.False(t, ok)
}

func TestHub_ConcurrentSubscribeUnsubscribe(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, id := hub.SubscribeWithID()
			hub.Publish(Event{Type: EventGateEvaluated})
			hub.Unsubscribe(id)
			for range ch {
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, hub.SubscriberCount(), "all subscribers should be cleaned up")
}
