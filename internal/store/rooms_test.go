package store

import "testing"

func TestSetActiveIsExclusive(t *testing.T) {
	s := NewRooms(nil)
	s.Upsert(Room{ID: "r1"})
	s.Upsert(Room{ID: "r2"})
	s.Upsert(Room{ID: "r3"})

	s.SetActive("r1")
	prev := s.SetActive("r2")

	if prev != "r1" {
		t.Errorf("prev = %q, want r1", prev)
	}
	for _, r := range s.List() {
		if r.ID == "r2" && !r.IsActive {
			t.Error("r2 should be active")
		}
		if r.ID != "r2" && r.IsActive {
			t.Errorf("%s should be inactive", r.ID)
		}
	}
	if s.Active() != "r2" {
		t.Errorf("Active() = %q, want r2", s.Active())
	}
}

func TestUpsertKeepsActivationForNewRoom(t *testing.T) {
	s := NewRooms(nil)
	s.SetActive("r1")
	s.Upsert(Room{ID: "R1 "}) // normalized to r1

	r, ok := s.Get("r1")
	if !ok || !r.IsActive {
		t.Errorf("room = %+v ok=%v, want active r1", r, ok)
	}
}

func TestTouchOnlyAdvancesWatermark(t *testing.T) {
	s := NewRooms(nil)
	s.Upsert(Room{ID: "r1", LastMessageAt: 2000})
	s.Touch("r1", 1000) // stale, ignored
	s.Touch("r1", 3000)

	r, _ := s.Get("r1")
	if r.LastMessageAt != 3000 {
		t.Errorf("LastMessageAt = %d, want 3000", r.LastMessageAt)
	}
}

func TestListSortsByLastMessage(t *testing.T) {
	s := NewRooms(nil)
	s.Upsert(Room{ID: "old", LastMessageAt: 100})
	s.Upsert(Room{ID: "new", LastMessageAt: 300})
	s.Upsert(Room{ID: "mid", LastMessageAt: 200})

	rooms := s.List()
	want := []string{"new", "mid", "old"}
	for i, id := range want {
		if rooms[i].ID != id {
			t.Errorf("position %d: got %q, want %q", i, rooms[i].ID, id)
		}
	}
}

func TestUnreadIncrementReset(t *testing.T) {
	u := NewUnread(nil)

	if n := u.Increment("r1"); n != 1 {
		t.Errorf("first increment = %d, want 1", n)
	}
	u.Increment("r1")
	u.Increment("r2")

	if u.Count("r1") != 2 || u.Count("r2") != 1 {
		t.Errorf("counts = %v", u.Counts())
	}

	u.Reset("r1")
	if u.Count("r1") != 0 {
		t.Errorf("count after reset = %d, want 0", u.Count("r1"))
	}
	if u.Count("r2") != 1 {
		t.Error("reset leaked into other room")
	}
}
