package store

import (
	"testing"
)

func TestUpsertIdempotent(t *testing.T) {
	s := NewMessages(nil)

	m := Message{ID: "m1", RoomID: "r1", SenderID: 1, Content: "hello", CreatedAt: "2026-01-02T10:00:00Z"}
	s.Upsert(m)
	s.Upsert(m)

	msgs := s.ByRoom("r1")
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Content != "hello" {
		t.Errorf("content = %q, want hello", msgs[0].Content)
	}
}

func TestUpsertMergePreservesUnspecifiedFields(t *testing.T) {
	s := NewMessages(nil)

	s.Upsert(Message{ID: "m1", RoomID: "r1", SenderID: 1, Content: "hello", Secure: true, Status: StatusPending, CreatedAt: "2026-01-02T10:00:00Z"})
	// A status-only update must not clobber content, room or secure flag.
	s.Upsert(Message{ID: "m1", Status: StatusSending})

	m, ok := s.Get("m1")
	if !ok {
		t.Fatal("message missing")
	}
	if m.Status != StatusSending {
		t.Errorf("status = %q, want sending", m.Status)
	}
	if m.Content != "hello" || m.RoomID != "r1" || !m.Secure || m.SenderID != 1 {
		t.Errorf("merge clobbered fields: %+v", m)
	}
}

func TestUpsertNormalizesRoomID(t *testing.T) {
	s := NewMessages(nil)
	s.Upsert(Message{ID: "m1", RoomID: "  Room-A ", Content: "x"})

	if msgs := s.ByRoom("room-a"); len(msgs) != 1 {
		t.Fatalf("got %d messages for normalized room, want 1", len(msgs))
	}
}

// TestReconcileKeepsOneLiveRecord covers identity reconciliation: a message
// sent under client id A and acknowledged under server id B stays
// retrievable by either key and exactly one live record remains.
func TestReconcileKeepsOneLiveRecord(t *testing.T) {
	s := NewMessages(nil)
	s.Upsert(Message{ID: "c1", RoomID: "r1", SenderID: 1, Content: "hi", Status: StatusSending, IsOwner: true})

	if !s.Reconcile("c1", "s1") {
		t.Fatal("Reconcile returned false")
	}

	byServer, ok := s.Get("s1")
	if !ok {
		t.Fatal("not retrievable by server id")
	}
	byClient, ok := s.Get("c1")
	if !ok {
		t.Fatal("not retrievable by client id")
	}
	if byServer.ID != "s1" || byClient.ID != "s1" {
		t.Errorf("ids = %q / %q, want s1", byServer.ID, byClient.ID)
	}
	if byServer.ClientID != "c1" {
		t.Errorf("clientID = %q, want c1", byServer.ClientID)
	}
	if byServer.Status != StatusSent {
		t.Errorf("status = %q, want sent", byServer.Status)
	}
	if msgs := s.ByRoom("r1"); len(msgs) != 1 {
		t.Fatalf("got %d live records, want 1", len(msgs))
	}
}

func TestReconcileFoldsServerEcho(t *testing.T) {
	s := NewMessages(nil)
	s.Upsert(Message{ID: "c1", RoomID: "r1", SenderID: 1, Content: "hi", Status: StatusSending})
	// Server echoed the message under its own id before the ack arrived.
	s.Upsert(Message{ID: "s1", RoomID: "r1", SenderID: 1, Content: "hi", Status: StatusSent, CreatedAt: "2026-01-02T10:00:00Z"})

	s.Reconcile("c1", "s1")

	if msgs := s.ByRoom("r1"); len(msgs) != 1 {
		t.Fatalf("got %d live records after echo fold, want 1", len(msgs))
	}
	m, _ := s.Get("s1")
	if m.CreatedAt != "2026-01-02T10:00:00Z" {
		t.Errorf("echo timestamp lost: %+v", m)
	}
}

func TestReconcileDuplicateAckIsNoOp(t *testing.T) {
	s := NewMessages(nil)
	s.Upsert(Message{ID: "c1", RoomID: "r1", Content: "hi", Status: StatusSending})

	s.Reconcile("c1", "s1")
	s.Reconcile("c1", "s1")

	if msgs := s.ByRoom("r1"); len(msgs) != 1 {
		t.Fatalf("got %d live records, want 1", len(msgs))
	}
}

func TestByRoomOrder(t *testing.T) {
	s := NewMessages(nil)
	s.Upsert(Message{ID: "9", RoomID: "r1", CreatedAt: "2026-01-02T10:00:02Z", Content: "third"})
	s.Upsert(Message{ID: "10", RoomID: "r1", CreatedAt: "2026-01-02T10:00:01Z", Content: "second"})
	s.Upsert(Message{ID: "2", RoomID: "r1", CreatedAt: "2026-01-02T10:00:00Z", Content: "first"})

	msgs := s.ByRoom("r1")
	want := []string{"2", "10", "9"}
	for i, id := range want {
		if msgs[i].ID != id {
			t.Errorf("position %d: got id %q, want %q", i, msgs[i].ID, id)
		}
	}
}

// Ties and unparsable timestamps fall back to numeric, then lexical id so
// the order stays total under clock skew.
func TestByRoomOrderTieBreak(t *testing.T) {
	s := NewMessages(nil)
	ts := "2026-01-02T10:00:00Z"
	s.Upsert(Message{ID: "10", RoomID: "r1", CreatedAt: ts})
	s.Upsert(Message{ID: "2", RoomID: "r1", CreatedAt: ts})
	s.Upsert(Message{ID: "abc", RoomID: "r1", CreatedAt: "not-a-time"})
	s.Upsert(Message{ID: "abd", RoomID: "r1", CreatedAt: "not-a-time"})

	msgs := s.ByRoom("r1")
	got := make([]string, len(msgs))
	for i, m := range msgs {
		got[i] = m.ID
	}
	// Numeric ids order numerically (2 < 10); unparsable timestamps order
	// lexically after them.
	want := []string{"2", "10", "abc", "abd"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestRemoveExcludesFromRoom(t *testing.T) {
	s := NewMessages(nil)
	s.Upsert(Message{ID: "m1", RoomID: "r1", Content: "x"})
	s.Upsert(Message{ID: "m2", RoomID: "r1", Content: "y"})

	if !s.Remove("m1") {
		t.Fatal("Remove returned false")
	}

	msgs := s.ByRoom("r1")
	if len(msgs) != 1 || msgs[0].ID != "m2" {
		t.Errorf("ByRoom after remove = %+v", msgs)
	}
	// Tombstone is kept, not resurrected.
	m, ok := s.Get("m1")
	if !ok || m.Status != StatusRemoved {
		t.Errorf("tombstone = %+v ok=%v", m, ok)
	}
}

func TestRemovedIsNeverResurrected(t *testing.T) {
	s := NewMessages(nil)
	s.Upsert(Message{ID: "m1", RoomID: "r1", Content: "x"})
	s.Remove("m1")

	if s.SetStatus("m1", StatusSent) {
		t.Error("SetStatus resurrected a tombstone")
	}
	s.Upsert(Message{ID: "m1", RoomID: "r1", Content: "x", Status: StatusSent})
	m, _ := s.Get("m1")
	if m.Status != StatusRemoved {
		t.Errorf("status after re-upsert = %v, want removed", m.Status)
	}
}

func TestPrependHistorySkipsKnownIDs(t *testing.T) {
	s := NewMessages(nil)
	s.Upsert(Message{ID: "m1", RoomID: "r1", Content: "live", Status: StatusSending})

	added := s.PrependHistory("r1", []Message{
		{ID: "m1", Content: "stale copy"},
		{ID: "m0", Content: "older", CreatedAt: "2026-01-01T00:00:00Z"},
	})

	if added != 1 {
		t.Errorf("added = %d, want 1", added)
	}
	m, _ := s.Get("m1")
	if m.Content != "live" || m.Status != StatusSending {
		t.Errorf("backfill overwrote live state: %+v", m)
	}
	if len(s.ByRoom("r1")) != 2 {
		t.Errorf("got %d messages, want 2", len(s.ByRoom("r1")))
	}
}

func TestOutstanding(t *testing.T) {
	s := NewMessages(nil)
	s.Upsert(Message{ID: "a", RoomID: "r1", Status: StatusPending})
	s.Upsert(Message{ID: "b", RoomID: "r1", Status: StatusSent})
	s.Upsert(Message{ID: "c", RoomID: "r1", Status: StatusRetrying})
	s.Upsert(Message{ID: "d", RoomID: "r2", Status: StatusPending})

	ids := s.Outstanding("r1")
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "c" {
		t.Errorf("Outstanding = %v, want [a c]", ids)
	}
}
