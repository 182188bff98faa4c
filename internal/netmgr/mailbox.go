package netmgr

import (
	"net/netip"
	"sync"
)

// EventType identifies a radio event.
type EventType int

const (
	EventGotIP EventType = iota + 1
	EventDisconnected
)

func (t EventType) String() string {
	switch t {
	case EventGotIP:
		return "got_ip"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is posted by the radio from its own goroutine.
type Event struct {
	Type EventType
	IP   netip.Addr
}

// Mailbox holds the most recent radio event until the loop takes it.
// A newer event overwrites an untaken older one.
type Mailbox struct {
	mu   sync.Mutex
	ev   Event
	full bool
}

// Post stores ev. Safe to call from any goroutine.
func (m *Mailbox) Post(ev Event) {
	m.mu.Lock()
	m.ev = ev
	m.full = true
	m.mu.Unlock()
}

// Take returns and clears the pending event.
func (m *Mailbox) Take() (Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.full {
		return Event{}, false
	}
	ev := m.ev
	m.ev = Event{}
	m.full = false
	return ev, true
}

// Clear drops any pending event.
func (m *Mailbox) Clear() {
	m.mu.Lock()
	m.ev = Event{}
	m.full = false
	m.mu.Unlock()
}
