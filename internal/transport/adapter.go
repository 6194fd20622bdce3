package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gfranco93/parley/internal/wire"
)

// ChatTransport is the explicit contract the sender port and outbound chat
// calls depend on. Every adapter implementation satisfies it; adapter
// selection is a constructor choice, never runtime probing.
type ChatTransport interface {
	// Push sends an event and waits for the server's synchronous reply.
	Push(ctx context.Context, event string, payload any) (Reply, error)
	// Emit sends an event without waiting for any reply.
	Emit(event string, payload any) error
	// Closed reports whether the underlying channel is observably closed.
	Closed() bool
	// OnClose registers a callback invoked when the channel closes; the
	// returned function removes it.
	OnClose(fn func()) func()
}

var _ ChatTransport = (*Adapter)(nil)

// Pool caches one multiplexed socket per distinct address so remounts and
// per-room adapters share a single handshake.
type Pool struct {
	params    map[string]string
	heartbeat time.Duration
	logger    *zap.Logger

	mu    sync.Mutex
	socks map[string]*Socket
}

// NewPool creates a socket pool. params are appended to every dial.
func NewPool(params map[string]string, heartbeat time.Duration, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		params:    params,
		heartbeat: heartbeat,
		logger:    logger,
		socks:     make(map[string]*Socket),
	}
}

// Get returns the cached socket for addr, dialing (and starting its
// heartbeat) when none is open. A socket found closed is replaced.
func (p *Pool) Get(addr string) (*Socket, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.socks[addr]; ok && !s.Closed() {
		return s, nil
	}
	s, err := Dial(addr, p.params, p.logger)
	if err != nil {
		return nil, err
	}
	if p.heartbeat > 0 {
		s.StartHeartbeat(p.heartbeat)
	}
	p.socks[addr] = s
	return s, nil
}

// CloseAll closes every pooled socket.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	socks := make([]*Socket, 0, len(p.socks))
	for _, s := range p.socks {
		socks = append(socks, s)
	}
	p.socks = make(map[string]*Socket)
	p.mu.Unlock()
	for _, s := range socks {
		_ = s.Close()
	}
}

// PendingLister supplies the locally-known unacknowledged ids for a room,
// announced to the server right after a successful join so missed acks can
// be re-delivered.
type PendingLister func(roomID string) []string

// Adapter presents one uniform send/receive/lifecycle interface over a
// room-scoped channel. Transport errors surface through the error callback
// and are never retried here — retry belongs to the resend manager.
type Adapter struct {
	ch       *Channel
	roomID   string
	senderID int64
	pending  PendingLister
	logger   *zap.Logger

	mu    sync.Mutex
	onErr func(error)
}

// RoomTopic is the topic naming convention for room channels.
func RoomTopic(roomID string) string {
	return "room:" + roomID
}

// JoinRoom joins the room channel on sock and returns its adapter. On join
// success the sync-pending handshake is emitted before returning.
func JoinRoom(ctx context.Context, sock *Socket, roomID string, senderID int64, pending PendingLister, logger *zap.Logger) (*Adapter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Adapter{
		ch:       sock.Channel(RoomTopic(roomID)),
		roomID:   roomID,
		senderID: senderID,
		pending:  pending,
		logger:   logger,
	}
	a.ch.OnError(func(err error) { a.emitError(err) })

	if err := a.ch.Join(ctx, map[string]any{"roomId": roomID, "senderId": senderID}); err != nil {
		return nil, fmt.Errorf("join room %s: %w", roomID, err)
	}
	a.syncPending()
	return a, nil
}

// syncPending announces locally-known unacknowledged ids for this room.
func (a *Adapter) syncPending() {
	if a.pending == nil {
		return
	}
	list := a.pending(a.roomID)
	if len(list) == 0 {
		return
	}
	a.logger.Info("requesting ack resync",
		zap.String("room", a.roomID), zap.Int("pending", len(list)))
	if err := a.ch.Send(wire.EvSyncPending, wire.SyncPendingPayload{
		RoomID:   a.roomID,
		SenderID: a.senderID,
		List:     list,
	}); err != nil {
		a.emitError(err)
	}
}

// RoomID returns the room this adapter is bound to.
func (a *Adapter) RoomID() string { return a.roomID }

// Send serializes data and pushes it under the canonical message event.
// Serialization failures are swallowed into the error callback, never
// thrown to the caller.
func (a *Adapter) Send(data any) {
	if _, err := json.Marshal(data); err != nil {
		a.emitError(fmt.Errorf("serialize message: %w", err))
		return
	}
	if err := a.ch.Send(wire.EvMessage, data); err != nil {
		a.emitError(err)
	}
}

// Emit pushes an arbitrary named event without waiting for a reply.
func (a *Adapter) Emit(event string, payload any) error {
	return a.ch.Send(event, payload)
}

// Push sends an event and waits for the server's synchronous reply.
func (a *Adapter) Push(ctx context.Context, event string, payload any) (Reply, error) {
	return a.ch.Push(ctx, event, payload)
}

// OnMessage registers a handler for every inbound envelope on this room.
func (a *Adapter) OnMessage(fn func(Envelope)) func() {
	return a.ch.On(WildcardEvent, fn)
}

// On registers a handler for one event name.
func (a *Adapter) On(event string, fn func(Envelope)) func() {
	return a.ch.On(event, fn)
}

// OnOpen registers a join-success callback.
func (a *Adapter) OnOpen(fn func()) func() { return a.ch.OnOpen(fn) }

// OnClose registers a close callback, invoked exactly once.
func (a *Adapter) OnClose(fn func()) func() { return a.ch.OnClose(fn) }

// OnHeartbeat registers a heartbeat observer.
func (a *Adapter) OnHeartbeat(fn func()) func() { return a.ch.OnHeartbeat(fn) }

// OnError sets the adapter error callback.
func (a *Adapter) OnError(fn func(error)) {
	a.mu.Lock()
	a.onErr = fn
	a.mu.Unlock()
}

// ReadyState returns the channel's connection phase.
func (a *Adapter) ReadyState() ReadyState { return a.ch.State() }

// Closed reports whether the channel is observably closed.
func (a *Adapter) Closed() bool {
	st := a.ch.State()
	return st == StateClosed || st == StateClosing
}

// Close leaves the room channel. Idempotent.
func (a *Adapter) Close() { a.ch.Close() }

func (a *Adapter) emitError(err error) {
	a.mu.Lock()
	fn := a.onErr
	a.mu.Unlock()
	if fn != nil {
		fn(err)
		return
	}
	a.logger.Warn("adapter error", zap.String("room", a.roomID), zap.Error(err))
}
