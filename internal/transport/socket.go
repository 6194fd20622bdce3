package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrSocketClosed is returned by operations on a closed socket.
var ErrSocketClosed = fmt.Errorf("socket closed")

// Conn is the minimal websocket surface the socket needs. Satisfied by
// *websocket.Conn; tests substitute a pipe.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Socket multiplexes logical channels over one websocket connection. It
// owns the read loop, reply correlation by msgRef, and the client-driven
// heartbeat. Join failures and transport errors are surfaced to channels
// via their error callbacks and are never retried here.
type Socket struct {
	url    string
	conn   Conn
	logger *zap.Logger

	writeMu sync.Mutex // guards conn writes
	ref     atomic.Uint64

	mu       sync.Mutex
	pending  map[string]chan Reply
	channels map[string]*Channel
	closed   bool

	stopHeartbeat chan struct{}
	heartbeatOnce sync.Once
	closeOnce     sync.Once
	done          chan struct{}

	onClose func(error)
}

// Dial connects to addr (ws:// or wss://) with the given connect params and
// starts the read loop.
func Dial(addr string, params map[string]string, logger *zap.Logger) (*Socket, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse socket url: %w", err)
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial socket: %w", err)
	}

	s := newSocket(addr, conn, logger)
	go s.readLoop()
	return s, nil
}

func newSocket(addr string, conn Conn, logger *zap.Logger) *Socket {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Socket{
		url:           addr,
		conn:          conn,
		logger:        logger,
		pending:       make(map[string]chan Reply),
		channels:      make(map[string]*Channel),
		stopHeartbeat: make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// URL returns the address this socket was dialed with.
func (s *Socket) URL() string { return s.url }

// Closed reports whether the socket is closed.
func (s *Socket) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// OnClose registers a callback invoked once when the socket closes. The
// error is nil on a clean local close.
func (s *Socket) OnClose(fn func(error)) {
	s.mu.Lock()
	s.onClose = fn
	s.mu.Unlock()
}

// Channel returns the channel for topic, creating it unjoined if needed.
// Channels are per-topic singletons on one socket.
func (s *Socket) Channel(topic string) *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channels[topic]; ok {
		return ch
	}
	ch := newChannel(s, topic)
	s.channels[topic] = ch
	return ch
}

func (s *Socket) dropChannel(topic string) {
	s.mu.Lock()
	delete(s.channels, topic)
	s.mu.Unlock()
}

func (s *Socket) nextRef() string {
	return fmt.Sprintf("%d", s.ref.Add(1))
}

// push writes one frame. Returns the msgRef used.
func (s *Socket) push(joinRef, topic, event string, payload json.RawMessage) (string, error) {
	if s.Closed() {
		return "", ErrSocketClosed
	}
	f := Frame{JoinRef: joinRef, Ref: s.nextRef(), Topic: topic, Event: event, Payload: payload}
	data, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("marshal frame: %w", err)
	}

	s.writeMu.Lock()
	err = s.conn.WriteMessage(websocket.TextMessage, data)
	s.writeMu.Unlock()
	if err != nil {
		return "", fmt.Errorf("write frame: %w", err)
	}
	return f.Ref, nil
}

// pushWithReply writes one frame and waits for the server's synchronous
// phx_reply matched by msgRef. This is the request/acknowledge primitive
// the sender port prefers when available.
func (s *Socket) pushWithReply(ctx context.Context, joinRef, topic, event string, payload json.RawMessage) (Reply, error) {
	if s.Closed() {
		return Reply{}, ErrSocketClosed
	}

	f := Frame{JoinRef: joinRef, Ref: s.nextRef(), Topic: topic, Event: event, Payload: payload}
	data, err := json.Marshal(f)
	if err != nil {
		return Reply{}, fmt.Errorf("marshal frame: %w", err)
	}

	replyCh := make(chan Reply, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Reply{}, ErrSocketClosed
	}
	s.pending[f.Ref] = replyCh
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, f.Ref)
		s.mu.Unlock()
	}()

	s.writeMu.Lock()
	err = s.conn.WriteMessage(websocket.TextMessage, data)
	s.writeMu.Unlock()
	if err != nil {
		return Reply{}, fmt.Errorf("write frame: %w", err)
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-s.done:
		return Reply{}, ErrSocketClosed
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// StartHeartbeat begins the client-driven periodic heartbeat push. It is
// independently stoppable and safe to call once per socket; a failed
// heartbeat write closes the socket, which is the only way a dead
// connection becomes observable to channels.
func (s *Socket) StartHeartbeat(interval time.Duration) {
	s.heartbeatOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if _, err := s.push("", HeartbeatTopic, EventHeartbeat, nil); err != nil {
						s.logger.Warn("heartbeat failed", zap.Error(err))
						s.closeWith(err)
						return
					}
					s.notifyHeartbeat()
				case <-s.stopHeartbeat:
					return
				case <-s.done:
					return
				}
			}
		}()
	})
}

// StopHeartbeat stops the heartbeat goroutine without closing the socket.
func (s *Socket) StopHeartbeat() {
	select {
	case <-s.stopHeartbeat:
	default:
		close(s.stopHeartbeat)
	}
}

func (s *Socket) notifyHeartbeat() {
	s.mu.Lock()
	chans := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		chans = append(chans, ch)
	}
	s.mu.Unlock()
	for _, ch := range chans {
		ch.notifyHeartbeat()
	}
}

// Close shuts the socket down. Idempotent.
func (s *Socket) Close() error {
	s.closeWith(nil)
	return nil
}

func (s *Socket) closeWith(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		pending := s.pending
		s.pending = make(map[string]chan Reply)
		chans := make([]*Channel, 0, len(s.channels))
		for _, ch := range s.channels {
			chans = append(chans, ch)
		}
		onClose := s.onClose
		s.mu.Unlock()

		close(s.done)
		_ = s.conn.Close()

		// Unblock every waiter; their reads fail with ErrSocketClosed
		// via the done channel.
		for _, ch := range pending {
			close(ch)
		}
		for _, ch := range chans {
			ch.socketClosed(cause)
		}
		if onClose != nil {
			onClose(cause)
		}
	})
}

func (s *Socket) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.Closed() {
				s.logger.Warn("socket read failed", zap.Error(err))
			}
			s.closeWith(err)
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			// A single bad frame must not kill the connection.
			s.logger.Debug("dropping malformed frame", zap.Error(err))
			continue
		}
		s.route(f)
	}
}

func (s *Socket) route(f Frame) {
	if f.Event == EventReply {
		s.mu.Lock()
		replyCh, ok := s.pending[f.Ref]
		if ok {
			delete(s.pending, f.Ref)
		}
		s.mu.Unlock()
		if ok {
			var reply Reply
			if err := json.Unmarshal(f.Payload, &reply); err != nil {
				reply = Reply{Status: "error"}
			}
			replyCh <- reply
			return
		}
		// Reply for a join is also observed by the channel below.
	}

	s.mu.Lock()
	ch, ok := s.channels[f.Topic]
	s.mu.Unlock()
	if !ok {
		s.logger.Debug("frame for unknown topic", zap.String("topic", f.Topic), zap.String("event", f.Event))
		return
	}
	ch.dispatch(f)
}
