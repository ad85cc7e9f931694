package kestrel

import (
	"sync"

	"github.com/kestrelnet/kestrel/pkg/conn"
)

// Events are modeled as ordered subscriber lists, one per event kind
// (spec.md §9 design note: "model events as an ordered subscriber list
// ... avoid shared mutable globals"), generalizing the teacher's
// core/events EventManager from a single map-of-slices keyed by an enum
// into a typed listener set per event so payloads need no interface{}
// cast.
type listenerSet[T any] struct {
	mu        sync.Mutex
	listeners []func(T)
}

func (s *listenerSet[T]) Subscribe(fn func(T)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// fire invokes every subscriber in registration order against a
// snapshot, so a subscriber registering another subscriber mid-fire
// cannot deadlock or be invoked for the event already in flight.
func (s *listenerSet[T]) fire(v T) {
	s.mu.Lock()
	snapshot := make([]func(T), len(s.listeners))
	copy(snapshot, s.listeners)
	s.mu.Unlock()

	for _, fn := range snapshot {
		fn(v)
	}
}

// ServerEvents are the subscriber lists a Server exposes (spec.md §6 Events).
type ServerEvents struct {
	Started          listenerSet[struct{}]
	Stopped          listenerSet[struct{}]
	ClientConnected  listenerSet[*conn.Connection]
	ClientDisconnected listenerSet[ClientDisconnectedEvent]
}

// ClientDisconnectedEvent pairs the disposed connection with why it left.
type ClientDisconnectedEvent struct {
	Conn  *conn.Connection
	Cause conn.DisconnectCause
}

func newServerEvents() *ServerEvents { return &ServerEvents{} }

// ClientEvents are the subscriber lists a Client exposes (spec.md §6 Events).
type ClientEvents struct {
	Connecting   listenerSet[struct{}]
	Connected    listenerSet[*conn.Connection]
	ConnectFailed listenerSet[struct{}]
	Disconnected listenerSet[conn.DisconnectCause]
}

func newClientEvents() *ClientEvents { return &ClientEvents{} }
