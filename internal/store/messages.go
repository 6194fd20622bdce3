package store

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gfranco93/parley/internal/bus"
)

// Messages is the authoritative table of all chat messages across all
// rooms, keyed by id. All mutations go through its methods; readers get
// copies, never aliases into internal state. Mutations publish
// "message.*" events on the bus so views can re-render reactively.
type Messages struct {
	mu       sync.RWMutex
	byID     map[string]*Message
	byClient map[string]string // client-generated id -> canonical id
	bus      *bus.Bus
}

// NewMessages creates an empty message store. The bus may be nil in tests.
func NewMessages(b *bus.Bus) *Messages {
	return &Messages{
		byID:     make(map[string]*Message),
		byClient: make(map[string]string),
		bus:      b,
	}
}

// Upsert inserts m or merges it into the existing record matched by ID,
// falling back to ClientID. Merge is shallow-overwrite: zero-valued fields
// of m are treated as unspecified and preserved from the existing record
// (boolean fields only ever flip to true). Returns the canonical id.
func (s *Messages) Upsert(m Message) string {
	m.RoomID = NormalizeRoomID(m.RoomID)

	s.mu.Lock()
	cur := s.lookupLocked(m.ID)
	if cur == nil && m.ClientID != "" {
		cur = s.lookupLocked(m.ClientID)
	}

	var id string
	if cur == nil {
		if m.Status == "" {
			m.Status = StatusPending
		}
		cp := m
		s.byID[m.ID] = &cp
		if m.ClientID != "" && m.ClientID != m.ID {
			s.byClient[m.ClientID] = m.ID
		}
		id = m.ID
	} else {
		mergeMessage(cur, m)
		if m.ClientID != "" && m.ClientID != cur.ID {
			s.byClient[m.ClientID] = cur.ID
		}
		id = cur.ID
	}
	room := s.byID[id].RoomID
	s.mu.Unlock()

	s.publish("message.upserted", Ref{RoomID: room, ID: id})
	return id
}

func mergeMessage(dst *Message, src Message) {
	if src.RoomID != "" {
		dst.RoomID = src.RoomID
	}
	if src.SenderID != 0 {
		dst.SenderID = src.SenderID
	}
	if src.Content != "" {
		dst.Content = src.Content
	}
	if src.Status != "" && dst.Status != StatusRemoved {
		dst.Status = src.Status
	}
	if src.CreatedAt != "" {
		dst.CreatedAt = src.CreatedAt
	}
	if src.ClientID != "" {
		dst.ClientID = src.ClientID
	}
	if src.Secure {
		dst.Secure = true
	}
	if src.IsOwner {
		dst.IsOwner = true
	}
}

// lookupLocked resolves key as a canonical id first, then as a client id.
func (s *Messages) lookupLocked(key string) *Message {
	if key == "" {
		return nil
	}
	if m, ok := s.byID[key]; ok {
		return m
	}
	if id, ok := s.byClient[key]; ok {
		return s.byID[id]
	}
	return nil
}

// Get returns a copy of the message matched by canonical id or client id.
func (s *Messages) Get(key string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m := s.lookupLocked(key); m != nil {
		return *m, true
	}
	return Message{}, false
}

// SetStatus updates the status of the message matched by either key.
// Returns false when no record matches.
func (s *Messages) SetStatus(key string, status Status) bool {
	s.mu.Lock()
	m := s.lookupLocked(key)
	if m == nil || (m.Status == StatusRemoved && status != StatusRemoved) {
		s.mu.Unlock()
		return false
	}
	m.Status = status
	id, room := m.ID, m.RoomID
	s.mu.Unlock()

	s.publish("message.status", StatusRef{Ref: Ref{RoomID: room, ID: id}, Status: status})
	return true
}

// Reconcile rebinds the record known under clientID to the server-issued
// serverID and marks it sent. The record stays retrievable by either key
// and exactly one live record remains. Duplicate reconciliation of an
// already-promoted message is a no-op.
func (s *Messages) Reconcile(clientID, serverID string) bool {
	if serverID == "" || serverID == clientID {
		return s.SetStatus(clientID, StatusSent)
	}

	s.mu.Lock()
	m := s.lookupLocked(clientID)
	if m == nil || m.Status == StatusRemoved {
		s.mu.Unlock()
		return false
	}
	if m.ID != serverID {
		// The server may have echoed the message under its own id before
		// the ack arrived; fold the echo into the promoted record.
		if echo, ok := s.byID[serverID]; ok {
			mergeMessage(m, *echo)
		}
		delete(s.byID, m.ID)
		if m.ClientID == "" {
			m.ClientID = clientID
		}
		m.ID = serverID
		s.byID[serverID] = m
		s.byClient[clientID] = serverID
	}
	m.Status = StatusSent
	room := m.RoomID
	s.mu.Unlock()

	s.publish("message.reconciled", StatusRef{Ref: Ref{RoomID: room, ID: serverID}, Status: StatusSent})
	return true
}

// Remove tombstones a message. The record is never resurrected.
func (s *Messages) Remove(key string) bool {
	return s.SetStatus(key, StatusRemoved)
}

// PrependHistory inserts a history page of older messages, skipping any id
// already present. Live state is never overwritten by backfill.
func (s *Messages) PrependHistory(roomID string, msgs []Message) int {
	roomID = NormalizeRoomID(roomID)
	added := 0

	s.mu.Lock()
	for _, m := range msgs {
		if s.lookupLocked(m.ID) != nil || s.lookupLocked(m.ClientID) != nil {
			continue
		}
		m.RoomID = roomID
		if m.Status == "" {
			m.Status = StatusSent
		}
		cp := m
		s.byID[m.ID] = &cp
		if m.ClientID != "" && m.ClientID != m.ID {
			s.byClient[m.ClientID] = m.ID
		}
		added++
	}
	s.mu.Unlock()

	if added > 0 {
		s.publish("message.history", Ref{RoomID: roomID})
	}
	return added
}

// ByRoom returns all live messages of a room in render order.
func (s *Messages) ByRoom(roomID string) []Message {
	roomID = NormalizeRoomID(roomID)

	s.mu.RLock()
	out := make([]Message, 0, 16)
	for _, m := range s.byID {
		if m.Status == StatusRemoved || m.RoomID != roomID {
			continue
		}
		out = append(out, *m)
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return messageLess(&out[i], &out[j])
	})
	return out
}

// Outstanding returns the ids of live messages in a room that have not been
// confirmed by the server. Used for the sync-pending join handshake.
func (s *Messages) Outstanding(roomID string) []string {
	roomID = NormalizeRoomID(roomID)

	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for _, m := range s.byID {
		if m.RoomID == roomID && m.Status != StatusRemoved && m.Status.Outstanding() {
			ids = append(ids, m.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

// messageLess is the total render order: parsed CreatedAt first, then
// numeric id, then lexical id. Unparsable timestamps sort by id, which keeps
// the order deterministic under clock skew or duplicate timestamps.
func messageLess(a, b *Message) bool {
	ta, oka := parseWhen(a.CreatedAt)
	tb, okb := parseWhen(b.CreatedAt)
	if oka && okb && !ta.Equal(tb) {
		return ta.Before(tb)
	}
	na, ea := strconv.ParseInt(a.ID, 10, 64)
	nb, eb := strconv.ParseInt(b.ID, 10, 64)
	if ea == nil && eb == nil && na != nb {
		return na < nb
	}
	return a.ID < b.ID
}

func parseWhen(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// Ref identifies a message for bus payloads.
type Ref struct {
	RoomID string
	ID     string
}

// StatusRef is the payload for status-change events.
type StatusRef struct {
	Ref
	Status Status
}

func (s *Messages) publish(kind string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
