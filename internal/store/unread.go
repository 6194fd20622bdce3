package store

import (
	"sync"
	"time"

	"github.com/gfranco93/parley/internal/bus"
)

// Unread owns per-room unread counters. The background watcher increments
// them; activating a room resets its counter via the engine.
type Unread struct {
	mu     sync.RWMutex
	counts map[string]int
	bus    *bus.Bus
}

// NewUnread creates an empty unread store. The bus may be nil in tests.
func NewUnread(b *bus.Bus) *Unread {
	return &Unread{counts: make(map[string]int), bus: b}
}

// Increment bumps a room's counter and returns the new value.
func (s *Unread) Increment(roomID string) int {
	roomID = NormalizeRoomID(roomID)
	s.mu.Lock()
	s.counts[roomID]++
	n := s.counts[roomID]
	s.mu.Unlock()

	s.publish(roomID, n)
	return n
}

// Reset clears a room's counter (mark read).
func (s *Unread) Reset(roomID string) {
	roomID = NormalizeRoomID(roomID)
	s.mu.Lock()
	had := s.counts[roomID] != 0
	delete(s.counts, roomID)
	s.mu.Unlock()

	if had {
		s.publish(roomID, 0)
	}
}

// Count returns a room's unread counter.
func (s *Unread) Count(roomID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counts[NormalizeRoomID(roomID)]
}

// Counts returns a copy of all non-zero counters.
func (s *Unread) Counts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

// UnreadChange is the payload for unread.changed events.
type UnreadChange struct {
	RoomID string
	Count  int
}

func (s *Unread) publish(roomID string, n int) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{
		Kind:      "unread.changed",
		Timestamp: time.Now(),
		Payload:   UnreadChange{RoomID: roomID, Count: n},
	})
}
