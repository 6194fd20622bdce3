package status

import (
	"testing"
	"time"

	"github.com/gfranco93/parley/internal/bus"
)

func TestValidTransitionPath(t *testing.T) {
	m := NewMachine(nil)

	steps := []State{Connecting, Open, Reconnecting, Connecting, Open, Closing, Closed}
	for _, to := range steps {
		if err := m.Transition(to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	if m.Current() != Closed {
		t.Errorf("current = %s, want CLOSED", m.Current())
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	m := NewMachine(nil)

	if err := m.Transition(Open); err == nil {
		t.Error("Booting -> Open should be rejected")
	}
	if m.Current() != Booting {
		t.Errorf("state changed on rejected transition: %s", m.Current())
	}
}

func TestSelfTransitionIsNoOp(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("conn.", 10)
	defer unsub()

	m := NewMachine(b)
	_ = m.Transition(Connecting)
	_ = m.Transition(Connecting)

	// Exactly one event for the two calls.
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for status event")
	}
	select {
	case evt := <-ch:
		t.Errorf("unexpected second event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChangePublishedOnBus(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("conn.status_changed", 10)
	defer unsub()

	m := NewMachine(b)
	_ = m.Transition(Connecting)

	select {
	case evt := <-ch:
		change, ok := evt.Payload.(Change)
		if !ok {
			t.Fatalf("payload type %T", evt.Payload)
		}
		if change.From != Booting || change.To != Connecting {
			t.Errorf("change = %+v", change)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for status event")
	}
}

func TestCameOnline(t *testing.T) {
	cases := []struct {
		change Change
		want   bool
	}{
		{Change{From: Reconnecting, To: Open}, true},
		{Change{From: Offline, To: Open}, true},
		{Change{From: Connecting, To: Open}, true},
		{Change{From: Open, To: Offline}, false},
		{Change{From: Closing, To: Closed}, false},
	}

	for _, tc := range cases {
		if got := tc.change.CameOnline(); got != tc.want {
			t.Errorf("CameOnline(%+v) = %v, want %v", tc.change, got, tc.want)
		}
	}
}
