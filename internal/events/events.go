package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	TypeIntentQueued        = "intent.queued"
	TypeIntentSynced        = "intent.synced"
	TypeIntentFailed        = "intent.failed"
	TypeIntentCancelled     = "intent.cancelled"
	TypeSyncStarted         = "sync.started"
	TypeSyncFinished        = "sync.finished"
	TypeConnectivityChanged = "connectivity.changed"
	TypeProfileUpdated      = "account.updated"
)

// Event represents a lightweight domain event.
type Event struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// EventHandler reacts to an event.
type EventHandler func(event Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string]map[int]EventHandler
	nextID      int
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string]map[int]EventHandler)}
}

// Subscribe registers a handler for a given event type. An empty type
// receives every event. The returned func removes the handler.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribers[eventType] == nil {
		b.subscribers[eventType] = make(map[int]EventHandler)
	}
	id := b.nextID
	b.nextID++
	b.subscribers[eventType][id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subscribers[eventType], id)
	}
}

// Publish notifies subscribers of the event type.
func (b *EventBus) Publish(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subscribers[event.Type])+len(b.subscribers[""]))
	for _, h := range b.subscribers[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range b.subscribers[""] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		_ = handler(event)
	}
}

// PublishJSON marshals payload and publishes it under evType.
func (b *EventBus) PublishJSON(evType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b.Publish(Event{Type: evType, Payload: data})
	return nil
}
