// Package netmon defines the connectivity surface consumed by the sync
// engine. The actual connectivity source is platform-specific (a mobile
// reachability API, NetworkManager, a probe loop); implementations bridge it
// into a Status stream the engine can subscribe to.
//
// The engine derives sync eligibility itself because the decision also
// depends on queue contents; monitors only report raw device status.
package netmon

import (
	"sync"
)

// Transport identifies the active network transport.
type Transport string

const (
	TransportWifi     Transport = "wifi"
	TransportCellular Transport = "cellular"
	TransportEthernet Transport = "ethernet"
	TransportUnknown  Transport = "unknown"
)

// Status is the raw device connectivity snapshot.
type Status struct {
	Connected bool
	Transport Transport
	Metered   bool
}

// Monitor exposes a push-based connectivity status stream.
type Monitor interface {
	// Status returns the current connectivity snapshot.
	Status() Status

	// Subscribe registers a handler invoked on every status change. The
	// returned function unsubscribes the handler.
	Subscribe(handler func(Status)) (unsubscribe func())

	// Close releases monitor resources. Subscribers receive no further
	// notifications after Close returns.
	Close() error
}

// Manual is a Monitor whose status is set programmatically. It is the bridge
// point for platform connectivity callbacks and the workhorse for tests.
type Manual struct {
	mu          sync.RWMutex
	status      Status
	subscribers map[int]func(Status)
	nextID      int
	closed      bool
}

var _ Monitor = (*Manual)(nil)

// NewManual creates a Manual monitor with the given initial status.
func NewManual(initial Status) *Manual {
	return &Manual{
		status:      initial,
		subscribers: make(map[int]func(Status)),
	}
}

// Status returns the current connectivity snapshot.
func (m *Manual) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Set updates the status and notifies subscribers if it changed.
// Notifications run synchronously on the caller's goroutine so that tests
// and platform bridges observe deterministic ordering.
func (m *Manual) Set(status Status) {
	m.mu.Lock()
	if m.closed || m.status == status {
		m.mu.Unlock()
		return
	}
	m.status = status

	handlers := make([]func(Status), 0, len(m.subscribers))
	for _, h := range m.subscribers {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(status)
	}
}

// Subscribe registers a change handler and returns its unsubscribe function.
func (m *Manual) Subscribe(handler func(Status)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.subscribers[id] = handler

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers, id)
	}
}

// Close marks the monitor closed and drops all subscribers.
func (m *Manual) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.subscribers = make(map[int]func(Status))
	return nil
}
