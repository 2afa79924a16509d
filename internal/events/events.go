package events

import (
	"sync"
	"time"
)

// DefaultHistoryLimit bounds the retained event history
const DefaultHistoryLimit = 100

// Type identifies a registry lifecycle event
type Type string

const (
	// ServerAdded fires when a backend joins the registry
	ServerAdded Type = "server_added"
	// ServerRemoved fires when a backend leaves the registry
	ServerRemoved Type = "server_removed"
	// ServerHealthy fires when a probe flips a backend to healthy
	ServerHealthy Type = "server_healthy"
	// ServerUnhealthy fires when a probe flips a backend to unhealthy
	ServerUnhealthy Type = "server_unhealthy"
)

// Event describes one registry state change
type Event struct {
	Type      Type      `json:"type"`
	ServerID  string    `json:"server_id"`
	Address   string    `json:"address"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler receives published events. Handlers run synchronously on the
// publishing goroutine and must not block.
type Handler func(Event)

// Bus is an explicit observer registration point for registry changes.
// Consumers such as pool eviction and logging subscribe here instead of
// relying on implicit side effects.
type Bus struct {
	mu        sync.RWMutex
	handlers  []Handler
	history   []Event
	maxEvents int
}

// NewBus creates an event bus retaining up to maxEvents of history
func NewBus(maxEvents int) *Bus {
	if maxEvents <= 0 {
		maxEvents = DefaultHistoryLimit
	}
	return &Bus{
		history:   make([]Event, 0, maxEvents),
		maxEvents: maxEvents,
	}
}

// Subscribe registers a handler for all future events
func (b *Bus) Subscribe(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

// Publish records the event and notifies every subscriber
func (b *Bus) Publish(eventType Type, serverID, address, detail string) {
	event := Event{
		Type:      eventType,
		ServerID:  serverID,
		Address:   address,
		Detail:    detail,
		Timestamp: time.Now(),
	}

	b.mu.Lock()
	if len(b.history) >= b.maxEvents {
		b.history = append(b.history[1:], event)
	} else {
		b.history = append(b.history, event)
	}
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.Unlock()

	for _, handler := range handlers {
		handler(event)
	}
}

// Recent returns up to limit of the most recent events, newest last
func (b *Bus) Recent(limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if limit <= 0 || limit > len(b.history) {
		limit = len(b.history)
	}
	start := len(b.history) - limit

	result := make([]Event, limit)
	copy(result, b.history[start:])
	return result
}
