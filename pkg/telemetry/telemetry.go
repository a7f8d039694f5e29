// Package telemetry fans engine events out to in-process subscribers
// (SSE, websocket, tests) and exports Prometheus metrics. The engine
// publishes without knowing who listens; slow consumers are dropped
// rather than allowed to stall a decision cycle.
package telemetry

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of engine event.
type EventType string

const (
	EventSessionCreated   EventType = "session.created"
	EventSessionPaused    EventType = "session.paused"
	EventSessionResumed   EventType = "session.resumed"
	EventSessionCompleted EventType = "session.completed"
	EventSessionFailed    EventType = "session.failed"
	EventMetricsApplied   EventType = "metrics.applied"
	EventGateEvaluated    EventType = "gate.evaluated"
	EventGatePassed       EventType = "gate.passed"
	EventTriggerFired     EventType = "trigger.fired"
	EventTriggerResolved  EventType = "trigger.resolved"
	EventDecisionApplied  EventType = "decision.applied"
	EventDecisionRejected EventType = "decision.rejected"
	EventDispatchFailed   EventType = "dispatch.failed"
	EventCycleCompleted   EventType = "cycle.completed"
)

// Event describes engine activity that dashboards and clients consume.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"sessionId,omitempty"`
	ProductID string         `json:"productId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Hub fan-outs engine events to any number of subscribers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	closed      bool
}

// NewHub constructs a telemetry hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[string]chan Event)}
}

// Publish notifies all subscribers of an event. Non-blocking; drops if buffer full.
func (h *Hub) Publish(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	for _, ch := range h.subscribers {
		select {
		case ch <- event:
		default:
			// Drop if subscriber can't keep up; prevents blocking the engine.
		}
	}
}

// Subscribe returns a channel that will receive future events and a cleanup func.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch, id := h.SubscribeWithID()
	return ch, func() { h.Unsubscribe(id) }
}

// SubscribeWithID registers a subscriber and returns its channel and ID.
func (h *Hub) SubscribeWithID() (<-chan Event, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		empty := make(chan Event)
		close(empty)
		return empty, ""
	}
	id := uuid.NewString()
	ch := make(chan Event, 64)
	h.subscribers[id] = ch
	return ch, id
}

// Unsubscribe removes a subscriber and closes its channel. Safe to call twice.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subscribers[id]; ok {
		delete(h.subscribers, id)
		close(ch)
	}
}

// SubscriberCount reports the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close unsubscribes all listeners and prevents future publications.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, id)
	}
}
