package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeConn is an in-memory Conn. Frames written by the socket appear on
// sent; frames pushed into recv are returned by ReadMessage.
type fakeConn struct {
	recv      chan []byte
	sent      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		recv:   make(chan []byte, 64),
		sent:   make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.recv:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	c.sent <- data
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// inject delivers a frame to the socket's read loop.
func (c *fakeConn) inject(t *testing.T, f Frame) {
	t.Helper()
	data, err := json.Marshal(f)
	if err != nil {
		t.Fatal(err)
	}
	c.recv <- data
}

// nextSent returns the next frame the socket wrote.
func (c *fakeConn) nextSent(t *testing.T) Frame {
	t.Helper()
	select {
	case data := <-c.sent:
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("unmarshal sent frame: %v", err)
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for sent frame")
		return Frame{}
	}
}

// replyOK answers the next sent frame with an ok phx_reply.
func (c *fakeConn) replyOK(t *testing.T, response string) Frame {
	t.Helper()
	f := c.nextSent(t)
	c.inject(t, Frame{
		JoinRef: f.JoinRef,
		Ref:     f.Ref,
		Topic:   f.Topic,
		Event:   EventReply,
		Payload: json.RawMessage(`{"status":"ok","response":` + response + `}`),
	})
	return f
}

func testSocket(t *testing.T) (*Socket, *fakeConn) {
	t.Helper()
	fc := newFakeConn()
	s := newSocket("ws://test/socket", fc, nil)
	go s.readLoop()
	t.Cleanup(func() { _ = s.Close() })
	return s, fc
}

func TestFrameRoundTrip(t *testing.T) {
	f := Frame{JoinRef: "1", Ref: "2", Topic: "room:r1", Event: "chat:message", Payload: json.RawMessage(`{"id":"c1"}`)}
	data, err := json.Marshal(f)
	if err != nil {
		t.Fatal(err)
	}
	if want := `["1","2","room:r1","chat:message",{"id":"c1"}]`; string(data) != want {
		t.Errorf("encoded = %s, want %s", data, want)
	}

	var back Frame
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.Topic != "room:r1" || back.Event != "chat:message" || back.Ref != "2" {
		t.Errorf("decoded = %+v", back)
	}

	// Heartbeats carry a null joinRef.
	var hb Frame
	if err := json.Unmarshal([]byte(`[null,"5","phoenix","heartbeat",{}]`), &hb); err != nil {
		t.Fatal(err)
	}
	if hb.JoinRef != "" || hb.Event != EventHeartbeat {
		t.Errorf("heartbeat = %+v", hb)
	}
}

func TestFrameRejectsWrongArity(t *testing.T) {
	var f Frame
	if err := json.Unmarshal([]byte(`["1","2","topic","event"]`), &f); err == nil {
		t.Error("4-element frame should fail")
	}
	if err := json.Unmarshal([]byte(`{"event":"x"}`), &f); err == nil {
		t.Error("object frame should fail")
	}
}

func TestPushWithReplyCorrelatesByRef(t *testing.T) {
	s, fc := testSocket(t)

	done := make(chan Reply, 1)
	go func() {
		reply, err := s.pushWithReply(context.Background(), "", "room:r1", "chat:message", json.RawMessage(`{}`))
		if err != nil {
			t.Errorf("pushWithReply: %v", err)
		}
		done <- reply
	}()

	sent := fc.nextSent(t)
	// A reply for some other ref must not resolve the wait.
	fc.inject(t, Frame{Ref: "999", Topic: sent.Topic, Event: EventReply, Payload: json.RawMessage(`{"status":"ok","response":{}}`)})
	fc.inject(t, Frame{Ref: sent.Ref, Topic: sent.Topic, Event: EventReply, Payload: json.RawMessage(`{"status":"ok","response":{"id":"s1"}}`)})

	select {
	case reply := <-done:
		if !reply.OK() {
			t.Errorf("reply = %+v", reply)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for reply")
	}
}

func TestPushWithReplyFailsOnClose(t *testing.T) {
	s, _ := testSocket(t)

	done := make(chan error, 1)
	go func() {
		_, err := s.pushWithReply(context.Background(), "", "room:r1", "chat:message", json.RawMessage(`{}`))
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	_ = s.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrSocketClosed) {
			t.Errorf("err = %v, want ErrSocketClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for close propagation")
	}
}

func TestChannelJoinLifecycle(t *testing.T) {
	s, fc := testSocket(t)
	ch := s.Channel("room:r1")

	opened := make(chan struct{}, 1)
	ch.OnOpen(func() { opened <- struct{}{} })

	go fc.replyOK(t, `{}`)
	if err := ch.Join(context.Background(), map[string]any{"roomId": "r1"}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-opened:
	case <-time.After(time.Second):
		t.Fatal("onopen not invoked")
	}
	if ch.State() != StateOpen {
		t.Errorf("state = %s, want open", ch.State())
	}
	// Same topic returns the same channel.
	if s.Channel("room:r1") != ch {
		t.Error("topic channel not reused")
	}
}

func TestChannelJoinRefused(t *testing.T) {
	s, fc := testSocket(t)
	ch := s.Channel("room:r1")

	var errs []error
	ch.OnError(func(err error) { errs = append(errs, err) })

	go func() {
		f := fc.nextSent(t)
		fc.inject(t, Frame{Ref: f.Ref, Topic: f.Topic, Event: EventReply, Payload: json.RawMessage(`{"status":"error","response":{}}`)})
	}()

	if err := ch.Join(context.Background(), nil); err == nil {
		t.Fatal("join should fail on error reply")
	}
	if len(errs) != 1 {
		t.Errorf("got %d error callbacks, want 1", len(errs))
	}
	if ch.State() == StateOpen {
		t.Error("refused join left channel open")
	}
}

func TestChannelDispatchAndWildcard(t *testing.T) {
	s, fc := testSocket(t)
	ch := s.Channel("room:r1")

	named := make(chan Envelope, 1)
	all := make(chan Envelope, 2)
	off := ch.On("chat:typing", func(e Envelope) { named <- e })
	ch.On(WildcardEvent, func(e Envelope) { all <- e })

	fc.inject(t, Frame{Topic: "room:r1", Event: "chat:typing", Payload: json.RawMessage(`{"typing":true}`)})

	select {
	case e := <-named:
		if e.Event != "chat:typing" {
			t.Errorf("event = %q", e.Event)
		}
	case <-time.After(time.Second):
		t.Fatal("named handler not invoked")
	}
	select {
	case <-all:
	case <-time.After(time.Second):
		t.Fatal("wildcard handler not invoked")
	}

	// After Off, the named handler is gone but wildcard still fires.
	off()
	fc.inject(t, Frame{Topic: "room:r1", Event: "chat:typing", Payload: json.RawMessage(`{"typing":false}`)})
	select {
	case <-all:
	case <-time.After(time.Second):
		t.Fatal("wildcard handler not invoked after off")
	}
	select {
	case <-named:
		t.Error("removed handler still invoked")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnknownTopicDropped(t *testing.T) {
	s, fc := testSocket(t)
	_ = s.Channel("room:r1")

	// Must not panic or kill the read loop.
	fc.inject(t, Frame{Topic: "room:other", Event: "chat:message", Payload: json.RawMessage(`{}`)})
	fc.recv <- []byte(`not json at all`)
	fc.inject(t, Frame{Topic: "room:r1", Event: "chat:message", Payload: json.RawMessage(`{}`)})

	got := make(chan Envelope, 1)
	s.Channel("room:r1").On(WildcardEvent, func(e Envelope) { got <- e })
	fc.inject(t, Frame{Topic: "room:r1", Event: "chat:message", Payload: json.RawMessage(`{"id":"x"}`)})

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("read loop died after malformed frame")
	}
}

func TestChannelCloseIdempotent(t *testing.T) {
	s, _ := testSocket(t)
	ch := s.Channel("room:r1")

	closes := 0
	ch.OnClose(func() { closes++ })

	ch.Close()
	ch.Close()
	_ = s.Close() // socket close after channel close must not re-notify

	if closes != 1 {
		t.Errorf("onclose invoked %d times, want 1", closes)
	}
	if ch.State() != StateClosed {
		t.Errorf("state = %s, want closed", ch.State())
	}
}

func TestSocketCloseNotifiesChannels(t *testing.T) {
	s, _ := testSocket(t)
	ch := s.Channel("room:r1")

	closed := make(chan struct{}, 1)
	ch.OnClose(func() { closed <- struct{}{} })

	_ = s.Close()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("channel not notified of socket close")
	}
}

func TestHeartbeatEmitted(t *testing.T) {
	s, fc := testSocket(t)
	ch := s.Channel("room:r1")

	beats := make(chan struct{}, 4)
	ch.OnHeartbeat(func() { beats <- struct{}{} })

	s.StartHeartbeat(20 * time.Millisecond)

	f := fc.nextSent(t)
	if f.Topic != HeartbeatTopic || f.Event != EventHeartbeat {
		t.Errorf("frame = %+v, want phoenix heartbeat", f)
	}
	select {
	case <-beats:
	case <-time.After(time.Second):
		t.Fatal("heartbeat observer not invoked")
	}

	s.StopHeartbeat()
}
