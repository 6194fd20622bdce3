package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/gfranco93/parley/internal/bus"
)

// State is a connection lifecycle phase of the delivery engine.
type State string

const (
	Booting      State = "BOOTING"
	Connecting   State = "CONNECTING"
	Open         State = "OPEN"
	Reconnecting State = "RECONNECTING"
	Offline      State = "OFFLINE"
	Closing      State = "CLOSING"
	Closed       State = "CLOSED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:      {Connecting, Closed},
	Connecting:   {Open, Reconnecting, Offline, Closing, Closed},
	Open:         {Reconnecting, Offline, Closing, Closed},
	Reconnecting: {Connecting, Open, Offline, Closing, Closed},
	Offline:      {Connecting, Reconnecting, Open, Closing, Closed},
	Closing:      {Closed},
	Closed:       {Connecting},
}

// Online reports whether the transport is usable in this state.
func (s State) Online() bool {
	return s == Open
}

// Machine tracks and enforces connection state transitions. Every accepted
// transition is published on the bus as a conn.status_changed event; the
// Offline->Open and Reconnecting->Open edges are what trigger the single
// flush-all of failed sends.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a state machine starting in Booting.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Booting, bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is invalid; the current state is left untouched then.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	if m.current == to {
		m.mu.Unlock()
		return nil
	}
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	from := m.current
	m.current = to
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "conn.status_changed",
			Timestamp: time.Now(),
			Payload:   Change{From: from, To: to},
		})
	}
	return nil
}

// Change is the payload for conn.status_changed events.
type Change struct {
	From State
	To   State
}

// CameOnline reports whether this change is an offline-to-online edge.
func (c Change) CameOnline() bool {
	return c.To == Open && (c.From == Reconnecting || c.From == Offline || c.From == Connecting)
}
