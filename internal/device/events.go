package device

import (
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Event types
const (
	EventNetworkState = "network_state"
	EventSyncState    = "sync_state"
	EventFrame        = "frame"
	EventCountdown    = "countdown"
	EventSettings     = "settings"
	EventTimeSet      = "time_set"
)

// Event is published on the bus. Seq increases by one per emitted event so
// consumers can notice drops.
type Event struct {
	Seq  uint64    `json:"seq"`
	At   time.Time `json:"at"`
	Type string    `json:"type"`
	Data any       `json:"data"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

type subscription struct {
	types   []string
	handler EventHandler
}

// EventBus fans device events out to subscribers. Events are emitted from
// the loop goroutine, so handlers must hand work off rather than block.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[uint64]subscription
	nextID uint64
	seq    uint64
	logger *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		subs:   make(map[uint64]subscription),
		logger: logger,
	}
}

// Subscribe registers handler for the given event types, or for every type
// when none are given. It returns the unsubscribe func.
func (eb *EventBus) Subscribe(handler EventHandler, types ...string) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.subs[id] = subscription{types: types, handler: handler}
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.subs, id)
	}
}

// Emit stamps the event and calls matching handlers synchronously. A
// panicking handler is logged and skipped.
func (eb *EventBus) Emit(typ string, data any) {
	eb.mu.Lock()
	eb.seq++
	ev := Event{Seq: eb.seq, At: time.Now(), Type: typ, Data: data}
	handlers := make([]EventHandler, 0, len(eb.subs))
	for _, s := range eb.subs {
		if len(s.types) == 0 || slices.Contains(s.types, typ) {
			handlers = append(handlers, s.handler)
		}
	}
	eb.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "type", typ, "panic", r)
				}
			}()
			h(ev)
		}()
	}
}
