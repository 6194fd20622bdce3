package ack

import "testing"

func TestSubscribeReceivesAck(t *testing.T) {
	m := NewMatcher()
	var got []Ack
	unsub := m.Subscribe(func(a Ack) { got = append(got, a) })
	defer unsub()

	m.OnAck(Ack{ClientID: "c1", ServerID: "s1", RoomID: "r1", SenderID: 7})

	if len(got) != 1 {
		t.Fatalf("got %d acks, want 1", len(got))
	}
	if got[0].ClientID != "c1" || got[0].ServerID != "s1" {
		t.Errorf("ack = %+v", got[0])
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	m := NewMatcher()
	calls := 0
	unsub := m.Subscribe(func(Ack) { calls++ })

	m.OnAck(Ack{ClientID: "c1"})
	unsub()
	unsub() // idempotent
	m.OnAck(Ack{ClientID: "c2"})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestFanoutToAllSubscribers(t *testing.T) {
	m := NewMatcher()
	a, b := 0, 0
	defer m.Subscribe(func(Ack) { a++ })()
	defer m.Subscribe(func(Ack) { b++ })()

	m.OnAck(Ack{ServerID: "s1"})

	if a != 1 || b != 1 {
		t.Errorf("a=%d b=%d, want 1 1", a, b)
	}
}

func TestKeyPrefersClientID(t *testing.T) {
	if got := (Ack{ClientID: "c1", ServerID: "s1"}).Key(); got != "c1" {
		t.Errorf("Key() = %q, want c1", got)
	}
	if got := (Ack{ServerID: "s1"}).Key(); got != "s1" {
		t.Errorf("Key() = %q, want s1", got)
	}
}
