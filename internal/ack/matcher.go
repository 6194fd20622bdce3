// Package ack correlates inbound server acknowledgements with outstanding
// sends. The matcher is a pure dispatcher: it keeps no memory of past acks
// and owns no retry or timeout logic — subscribers (the doSend wait loop,
// the engine's promotion path) decide what a given ack means for them.
package ack

import "sync"

// Ack is a server confirmation for one message. ClientID is the id the
// sender generated; ServerID is the canonical id the server assigned, which
// may differ. Matching prefers ClientID when present.
type Ack struct {
	ClientID string
	ServerID string
	RoomID   string
	SenderID int64
}

// Key returns the preferred correlation key for this ack.
func (a Ack) Key() string {
	if a.ClientID != "" {
		return a.ClientID
	}
	return a.ServerID
}

// Matcher fans each ack out to every subscriber exactly once. One instance
// is shared process-wide so acks are observable no matter which component
// produced the frame they arrived on.
type Matcher struct {
	mu   sync.RWMutex
	subs map[int]func(Ack)
	next int
}

// NewMatcher creates an empty matcher.
func NewMatcher() *Matcher {
	return &Matcher{subs: make(map[int]func(Ack))}
}

// OnAck publishes an ack to all current subscribers. Callbacks run on the
// caller's goroutine; subscribers must not block.
func (m *Matcher) OnAck(a Ack) {
	m.mu.RLock()
	fns := make([]func(Ack), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.RUnlock()

	for _, fn := range fns {
		fn(a)
	}
}

// Subscribe registers fn for every subsequent ack and returns an
// unsubscribe function. Unsubscribing is idempotent.
func (m *Matcher) Subscribe(fn func(Ack)) func() {
	m.mu.Lock()
	id := m.next
	m.next++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}
