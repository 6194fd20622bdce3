package store

import (
	"sort"
	"sync"
	"time"

	"github.com/gfranco93/parley/internal/bus"
)

// Rooms owns the room list and active-room selection. At most one room is
// active; activating a room deactivates all others. Unread counters live in
// a separate store and are kept consistent by explicit cross-calls from the
// engine, never by shared references.
type Rooms struct {
	mu     sync.RWMutex
	byID   map[string]*Room
	active string
	bus    *bus.Bus
}

// NewRooms creates an empty rooms store. The bus may be nil in tests.
func NewRooms(b *bus.Bus) *Rooms {
	return &Rooms{byID: make(map[string]*Room), bus: b}
}

// Upsert inserts or updates a room. Zero-valued fields of r are preserved
// from the existing record. Activation state is not touched here.
func (s *Rooms) Upsert(r Room) {
	r.ID = NormalizeRoomID(r.ID)

	s.mu.Lock()
	cur, ok := s.byID[r.ID]
	if !ok {
		cp := r
		cp.IsActive = s.active == r.ID
		s.byID[r.ID] = &cp
	} else {
		if len(r.Participants) > 0 {
			cur.Participants = r.Participants
		}
		if r.LastMessageAt > cur.LastMessageAt {
			cur.LastMessageAt = r.LastMessageAt
		}
	}
	s.mu.Unlock()

	s.publish("room.changed", r.ID)
}

// Touch advances a room's last-message watermark.
func (s *Rooms) Touch(roomID string, at int64) {
	s.Upsert(Room{ID: roomID, LastMessageAt: at})
}

// SetActive marks roomID active and deactivates every other room. An empty
// roomID deactivates all. Returns the previously active id.
func (s *Rooms) SetActive(roomID string) string {
	roomID = NormalizeRoomID(roomID)

	s.mu.Lock()
	prev := s.active
	s.active = roomID
	for id, r := range s.byID {
		r.IsActive = id == roomID
	}
	s.mu.Unlock()

	if prev != roomID {
		s.publish("room.activated", roomID)
	}
	return prev
}

// Active returns the currently active room id, or "".
func (s *Rooms) Active() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Get returns a copy of one room.
func (s *Rooms) Get(roomID string) (Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.byID[NormalizeRoomID(roomID)]; ok {
		return *r, true
	}
	return Room{}, false
}

// List returns all rooms sorted by last message, newest first.
func (s *Rooms) List() []Room {
	s.mu.RLock()
	out := make([]Room, 0, len(s.byID))
	for _, r := range s.byID {
		out = append(out, *r)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageAt != out[j].LastMessageAt {
			return out[i].LastMessageAt > out[j].LastMessageAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// IDs returns all room ids, unordered guarantees aside from determinism.
func (s *Rooms) IDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (s *Rooms) publish(kind string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
