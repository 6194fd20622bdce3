package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// ReadyState is the observable connection phase of a channel.
type ReadyState string

const (
	StateConnecting ReadyState = "connecting"
	StateOpen       ReadyState = "open"
	StateClosing    ReadyState = "closing"
	StateClosed     ReadyState = "closed"
)

// WildcardEvent subscribes a handler to every non-reply event on a channel.
const WildcardEvent = "*"

// Channel is one logical join session on a topic, multiplexed over a
// shared socket. Handlers run on the socket's read goroutine and must not
// block.
type Channel struct {
	sock  *Socket
	topic string

	mu       sync.Mutex
	state    ReadyState
	joinRef  string
	handlers map[string]map[int]func(Envelope)
	nextID   int

	onOpen      map[int]func()
	onClose     map[int]func()
	onError     map[int]func(error)
	onHeartbeat map[int]func()

	closeOnce sync.Once
}

func newChannel(s *Socket, topic string) *Channel {
	return &Channel{
		sock:        s,
		topic:       topic,
		state:       StateConnecting,
		handlers:    make(map[string]map[int]func(Envelope)),
		onOpen:      make(map[int]func()),
		onClose:     make(map[int]func()),
		onError:     make(map[int]func(error)),
		onHeartbeat: make(map[int]func()),
	}
}

// Topic returns the channel's topic.
func (c *Channel) Topic() string { return c.topic }

// State returns the current ready state.
func (c *Channel) State() ReadyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Join performs the join handshake and waits for the server's reply.
func (c *Channel) Join(ctx context.Context, params any) error {
	payload, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal join params: %w", err)
	}

	c.mu.Lock()
	c.state = StateConnecting
	c.joinRef = c.sock.nextRef()
	joinRef := c.joinRef
	c.mu.Unlock()

	reply, err := c.sock.pushWithReply(ctx, joinRef, c.topic, EventJoin, payload)
	if err != nil {
		c.notifyError(fmt.Errorf("join %s: %w", c.topic, err))
		return err
	}
	if !reply.OK() {
		err := fmt.Errorf("join %s refused: %s", c.topic, reply.Status)
		c.notifyError(err)
		return err
	}

	c.mu.Lock()
	c.state = StateOpen
	fns := snapshot(c.onOpen)
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	return nil
}

// Push sends an event and waits for the server's synchronous reply.
func (c *Channel) Push(ctx context.Context, event string, payload any) (Reply, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Reply{}, fmt.Errorf("marshal payload: %w", err)
	}
	c.mu.Lock()
	joinRef := c.joinRef
	c.mu.Unlock()
	return c.sock.pushWithReply(ctx, joinRef, c.topic, event, data)
}

// Send pushes an event without waiting for any reply.
func (c *Channel) Send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	c.mu.Lock()
	joinRef := c.joinRef
	c.mu.Unlock()
	_, err = c.sock.push(joinRef, c.topic, event, data)
	return err
}

// On registers a handler for an event name (or WildcardEvent) and returns
// its removal function.
func (c *Channel) On(event string, fn func(Envelope)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[int]func(Envelope))
	}
	c.handlers[event][id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		if m, ok := c.handlers[event]; ok {
			delete(m, id)
		}
		c.mu.Unlock()
	}
}

// OnOpen registers a join-success callback; returns its removal function.
func (c *Channel) OnOpen(fn func()) func() { return c.addLifecycle(c.onOpen, fn) }

// OnClose registers a close callback, invoked exactly once.
func (c *Channel) OnClose(fn func()) func() { return c.addLifecycle(c.onClose, fn) }

// OnHeartbeat registers a heartbeat observer.
func (c *Channel) OnHeartbeat(fn func()) func() { return c.addLifecycle(c.onHeartbeat, fn) }

// OnError registers a transport/join error callback.
func (c *Channel) OnError(fn func(error)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.onError[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.onError, id)
		c.mu.Unlock()
	}
}

func (c *Channel) addLifecycle(m map[int]func(), fn func()) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	m[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(m, id)
		c.mu.Unlock()
	}
}

// Close leaves the topic and transitions to closed exactly once. Further
// calls are no-ops.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosing
		joinRef := c.joinRef
		c.mu.Unlock()

		_, _ = c.sock.push(joinRef, c.topic, EventLeave, nil)
		c.sock.dropChannel(c.topic)

		c.mu.Lock()
		c.state = StateClosed
		fns := snapshot(c.onClose)
		c.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	})
}

// socketClosed is invoked by the socket when the underlying connection
// dies. The channel observes this as an error (when abnormal) followed by
// its single close notification.
func (c *Channel) socketClosed(cause error) {
	if cause != nil {
		c.notifyError(cause)
	}
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		fns := snapshot(c.onClose)
		c.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	})
}

func (c *Channel) notifyError(err error) {
	c.mu.Lock()
	fns := make([]func(error), 0, len(c.onError))
	for _, fn := range c.onError {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (c *Channel) notifyHeartbeat() {
	c.mu.Lock()
	fns := snapshot(c.onHeartbeat)
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *Channel) dispatch(f Frame) {
	switch f.Event {
	case EventClose:
		c.socketClosed(nil)
		return
	case EventError:
		c.notifyError(fmt.Errorf("channel %s errored", c.topic))
		return
	case EventReply:
		// Join replies are handled by the pending-reply path.
		return
	}

	env := Envelope{Event: f.Event, Topic: f.Topic, Payload: f.Payload}
	c.mu.Lock()
	fns := make([]func(Envelope), 0, 4)
	for _, fn := range c.handlers[f.Event] {
		fns = append(fns, fn)
	}
	for _, fn := range c.handlers[WildcardEvent] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(env)
	}
}

func snapshot(m map[int]func()) []func() {
	out := make([]func(), 0, len(m))
	for _, fn := range m {
		out = append(out, fn)
	}
	return out
}
