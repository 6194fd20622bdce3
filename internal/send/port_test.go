package send

import (
	"context"
	"errors"
	"testing"

	"github.com/gfranco93/parley/internal/transport"
	"github.com/gfranco93/parley/internal/wire"
)

// fakeTransport fakes a channel adapter behind the ChatTransport contract.
type fakeTransport struct {
	reply   transport.Reply
	pushErr error
	emitErr error
	closed  bool
	pushes  int
	emits   int
	onClose func()
}

var _ transport.ChatTransport = (*fakeTransport)(nil)

func (f *fakeTransport) Emit(string, any) error { f.emits++; return f.emitErr }
func (f *fakeTransport) Closed() bool           { return f.closed }
func (f *fakeTransport) Push(context.Context, string, any) (transport.Reply, error) {
	f.pushes++
	return f.reply, f.pushErr
}

func (f *fakeTransport) OnClose(fn func()) func() {
	f.onClose = fn
	return func() { f.onClose = nil }
}

func draft(id string) wire.MessagePayload {
	return wire.MessagePayload{ID: id, RoomID: "r1", SenderID: 1, Content: "hi"}
}

func TestPortRejectsDraftWithoutID(t *testing.T) {
	tr := &fakeTransport{}
	p := NewPort(tr, nil)

	if _, ok := p.Send(context.Background(), wire.EvMessage, wire.MessagePayload{RoomID: "r1"}); ok {
		t.Error("draft without id should fail")
	}
	if tr.pushes != 0 {
		t.Error("draft without id must not touch the wire")
	}
}

func TestPortUsesReplyServerID(t *testing.T) {
	tr := &fakeTransport{reply: transport.Reply{Status: "ok", Response: []byte(`{"id":"s1"}`)}}
	p := NewPort(tr, nil)

	serverID, ok := p.Send(context.Background(), wire.EvMessage, draft("c1"))
	if !ok || serverID != "s1" {
		t.Errorf("got (%q, %v), want (s1, true)", serverID, ok)
	}
}

func TestPortFallsBackToClientIDWithoutReplyID(t *testing.T) {
	tr := &fakeTransport{reply: transport.Reply{Status: "ok", Response: []byte(`{}`)}}
	p := NewPort(tr, nil)

	serverID, ok := p.Send(context.Background(), wire.EvMessage, draft("c1"))
	if !ok || serverID != "c1" {
		t.Errorf("got (%q, %v), want (c1, true)", serverID, ok)
	}
}

func TestPortRefusedReplyIsFalse(t *testing.T) {
	tr := &fakeTransport{reply: transport.Reply{Status: "error"}}
	p := NewPort(tr, nil)

	if _, ok := p.Send(context.Background(), wire.EvMessage, draft("c1")); ok {
		t.Error("error reply should report false")
	}
}

func TestPortPushErrorIsFalse(t *testing.T) {
	tr := &fakeTransport{pushErr: errors.New("boom")}
	p := NewPort(tr, nil)

	if _, ok := p.Send(context.Background(), wire.EvMessage, draft("c1")); ok {
		t.Error("push error should report false, never propagate")
	}
}

func TestPortClosedChannelIsFalse(t *testing.T) {
	tr := &fakeTransport{closed: true}
	p := NewPort(tr, nil)

	if _, ok := p.Send(context.Background(), wire.EvMessage, draft("c1")); ok {
		t.Error("closed channel should report false")
	}
	if tr.pushes != 0 {
		t.Error("closed channel must not be written to")
	}
}

func TestEmitPortSkipsPushes(t *testing.T) {
	tr := &fakeTransport{}
	p := NewEmitPort(tr, nil)

	serverID, ok := p.Send(context.Background(), wire.EvMessage, draft("c1"))
	if !ok || serverID != "c1" {
		t.Errorf("got (%q, %v), want (c1, true)", serverID, ok)
	}
	if tr.emits != 1 || tr.pushes != 0 {
		t.Errorf("emits = %d, pushes = %d, want 1 and 0", tr.emits, tr.pushes)
	}

	tr.emitErr = errors.New("write failed")
	if _, ok := p.Send(context.Background(), wire.EvMessage, draft("c2")); ok {
		t.Error("emit failure should report false")
	}
}

func TestPortDoneOnTransportClose(t *testing.T) {
	tr := &fakeTransport{}
	p := NewPort(tr, nil)

	select {
	case <-p.Done():
		t.Fatal("port done before the channel closed")
	default:
	}

	tr.closed = true
	tr.onClose()

	select {
	case <-p.Done():
	default:
		t.Error("channel close must close Done")
	}
	if !p.Closed() {
		t.Error("Closed() should report true after channel close")
	}
	if _, ok := p.Send(context.Background(), wire.EvMessage, draft("c1")); ok {
		t.Error("closed port should refuse to send")
	}
}
