package send

import (
	"context"
	"testing"
	"time"

	"github.com/gfranco93/parley/internal/ack"
	"github.com/gfranco93/parley/internal/store"
	"github.com/gfranco93/parley/internal/wire"
)

// fakePort scripts the transport-level outcome.
type fakePort struct {
	serverID string
	ok       bool
	closed   bool
	done     chan struct{}
	calls    int
}

func newFakePort(serverID string, ok bool) *fakePort {
	return &fakePort{serverID: serverID, ok: ok, done: make(chan struct{})}
}

func (f *fakePort) Send(_ context.Context, _ string, d wire.MessagePayload) (string, bool) {
	f.calls++
	if !f.ok {
		return "", false
	}
	if f.serverID != "" {
		return f.serverID, true
	}
	return d.ID, true
}

func (f *fakePort) Closed() bool          { return f.closed }
func (f *fakePort) Done() <-chan struct{} { return f.done }

func fastOpts() Options {
	return Options{AckTimeout: 30 * time.Millisecond, AckExtends: 3}
}

// TestDoSendConfirmedByAck covers the happy path: pending -> sending on
// transport hand-off, then sent with reconciled server id on a matched ack.
func TestDoSendConfirmedByAck(t *testing.T) {
	msgs := store.NewMessages(nil)
	matcher := ack.NewMatcher()
	msgs.Upsert(store.Message{ID: "c1", RoomID: "r1", SenderID: 1, Content: "hi", Status: store.StatusPending, IsOwner: true})

	port := newFakePort("c1", true)
	s := NewSender(port, matcher, msgs, Options{AckTimeout: 500 * time.Millisecond, AckExtends: 3}, nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		matcher.OnAck(ack.Ack{ClientID: "c1", ServerID: "s1", RoomID: "r1", SenderID: 1})
	}()

	res := s.DoSend(context.Background(), wire.EvMessage, draft("c1"))

	if !res.Sent || res.ID != "c1" {
		t.Fatalf("result = %+v, want sent c1", res)
	}
	m, found := msgs.Get("c1")
	if !found {
		t.Fatal("message not retrievable by client id after reconciliation")
	}
	if m.Status != store.StatusSent || m.ID != "s1" {
		t.Errorf("message = %+v, want sent under s1", m)
	}
}

func TestDoSendTransportFailureSkipsAckWait(t *testing.T) {
	msgs := store.NewMessages(nil)
	msgs.Upsert(store.Message{ID: "c1", RoomID: "r1", Status: store.StatusPending})

	port := newFakePort("", false)
	s := NewSender(port, ack.NewMatcher(), msgs, fastOpts(), nil)

	start := time.Now()
	res := s.DoSend(context.Background(), wire.EvMessage, draft("c1"))

	if res.Sent {
		t.Error("transport failure should not report sent")
	}
	if elapsed := time.Since(start); elapsed > 20*time.Millisecond {
		t.Errorf("failed send waited %v for an ack that can never come", elapsed)
	}
	if m, _ := msgs.Get("c1"); m.Status != store.StatusPending {
		t.Errorf("status = %q, want pending untouched", m.Status)
	}
}

func TestDoSendTimeoutMarksRetrying(t *testing.T) {
	msgs := store.NewMessages(nil)
	msgs.Upsert(store.Message{ID: "c1", RoomID: "r1", Status: store.StatusPending})

	port := newFakePort("c1", true)
	s := NewSender(port, ack.NewMatcher(), msgs, fastOpts(), nil)

	start := time.Now()
	res := s.DoSend(context.Background(), wire.EvMessage, draft("c1"))
	elapsed := time.Since(start)

	if res.Sent {
		t.Error("unacked send reported sent")
	}
	// All three windows were used.
	if elapsed < 80*time.Millisecond {
		t.Errorf("wait = %v, want >= 3 windows of 30ms", elapsed)
	}
	if m, _ := msgs.Get("c1"); m.Status != store.StatusRetrying {
		t.Errorf("status = %q, want retrying after extension", m.Status)
	}
}

func TestDoSendAbortsOnChannelClose(t *testing.T) {
	msgs := store.NewMessages(nil)
	msgs.Upsert(store.Message{ID: "c1", RoomID: "r1", Status: store.StatusPending})

	port := newFakePort("c1", true)
	s := NewSender(port, ack.NewMatcher(), msgs, Options{AckTimeout: 5 * time.Second, AckExtends: 3}, nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(port.done)
	}()

	start := time.Now()
	res := s.DoSend(context.Background(), wire.EvMessage, draft("c1"))

	if res.Sent {
		t.Error("closed channel reported sent")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("close took %v to abort the wait", elapsed)
	}
}

func TestDoSendAckByServerIDOnly(t *testing.T) {
	msgs := store.NewMessages(nil)
	matcher := ack.NewMatcher()
	msgs.Upsert(store.Message{ID: "c1", RoomID: "r1", Status: store.StatusPending})

	port := newFakePort("s1", true)
	s := NewSender(port, matcher, msgs, Options{AckTimeout: 500 * time.Millisecond, AckExtends: 2}, nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		// Some servers ack only by their own id.
		matcher.OnAck(ack.Ack{ServerID: "s1", RoomID: "r1"})
	}()

	res := s.DoSend(context.Background(), wire.EvMessage, draft("c1"))
	if !res.Sent {
		t.Fatal("server-id-only ack not matched")
	}
	if m, objFound := msgs.Get("s1"); !objFound || m.Status != store.StatusSent {
		t.Errorf("message = %+v found=%v", m, objFound)
	}
}
