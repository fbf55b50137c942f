// Package status models the connection session lifecycle as an explicit
// finite state machine with a transition table. All transitions are
// driven by protocol-library callbacks; nothing in the receiver polls.
package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/niklas-mlrr/whatsapp-bridge/internal/bus"
)

// State represents a connection session state.
type State string

const (
	// Disconnected: no link to the network; a reconnect may be pending.
	Disconnected State = "DISCONNECTED"
	// Connecting: handshake in progress.
	Connecting State = "CONNECTING"
	// AwaitingSync: handshake done, waiting for the initial history sync.
	AwaitingSync State = "AWAITING_SYNC"
	// Open: fully established; sends are accepted.
	Open State = "OPEN"
	// Closing: orderly shutdown in progress.
	Closing State = "CLOSING"
	// Failed is terminal: logged-out credentials or an exhausted conflict
	// retry. Requires operator intervention; never auto-recovered.
	Failed State = "FAILED"
)

// validTransitions defines allowed state transitions. Failed has no
// outgoing edges: a failed session is replaced, not revived.
var validTransitions = map[State][]State{
	Disconnected: {Connecting, Closing, Failed},
	Connecting:   {AwaitingSync, Open, Disconnected, Closing, Failed},
	AwaitingSync: {Open, Disconnected, Closing, Failed},
	Open:         {Disconnected, Closing, Failed},
	Closing:      {Disconnected, Failed},
	Failed:       {},
}

// Machine tracks and enforces session state transitions. Every applied
// transition is published on the bus so the command surface and the logs
// observe lifecycle changes without coupling to the session manager.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a machine starting in Disconnected.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Terminal reports whether the machine has reached the Failed state.
func (m *Machine) Terminal() bool {
	return m.Current() == Failed
}

// Transition attempts to move to a new state. Returns an error and leaves
// the state unchanged if the edge is not in the table.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "session.state_changed",
			Timestamp: time.Now(),
			Payload: StateChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StateChange is the payload for session.state_changed events.
type StateChange struct {
	From State
	To   State
}
