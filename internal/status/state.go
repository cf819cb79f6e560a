package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/murmurapp/murmur/internal/bus"
)

// State represents a sync-engine runtime state.
type State string

const (
	Booting  State = "BOOTING"
	Offline  State = "OFFLINE"
	Idle     State = "IDLE"
	Draining State = "DRAINING"
	Degraded State = "DEGRADED"
	Stopped  State = "STOPPED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:  {Offline, Idle, Stopped},
	Offline:  {Idle, Stopped},
	Idle:     {Draining, Offline, Stopped},
	Draining: {Idle, Offline, Degraded, Stopped},
	Degraded: {Idle, Offline, Stopped},
	Stopped:  {},
}

// Machine tracks and enforces sync-engine state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is not allowed.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == to {
		return nil
	}
	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindEngineStatus,
			Timestamp: time.Now(),
			Payload:   StatusChange{From: from, To: to},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
