// Package chat ties the delivery layer together: it owns the socket pool,
// joins room channels, routes inbound frames, promotes acknowledged
// messages, and drives resend flushes off connectivity transitions.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gfranco93/parley/internal/ack"
	"github.com/gfranco93/parley/internal/bus"
	"github.com/gfranco93/parley/internal/config"
	"github.com/gfranco93/parley/internal/journal"
	"github.com/gfranco93/parley/internal/metrics"
	"github.com/gfranco93/parley/internal/resend"
	"github.com/gfranco93/parley/internal/router"
	"github.com/gfranco93/parley/internal/send"
	"github.com/gfranco93/parley/internal/status"
	"github.com/gfranco93/parley/internal/store"
	"github.com/gfranco93/parley/internal/transport"
	"github.com/gfranco93/parley/internal/watcher"
	"github.com/gfranco93/parley/internal/wire"
)

// ErrRoomNotJoined is returned when an operation targets a room with no
// open channel.
var ErrRoomNotJoined = errors.New("room not joined")

type room struct {
	adapter *transport.Adapter
	port    send.Port
}

// Engine owns the realtime connection and the per-room channels. One
// socket is shared across all rooms; each room is an independent join
// session over it.
type Engine struct {
	cfg     *config.Config
	bus     *bus.Bus
	machine *status.Machine
	msgs    *store.Messages
	rooms   *store.Rooms
	unread  *store.Unread
	matcher *ack.Matcher
	journal *journal.DB
	pool    *transport.Pool
	resend  *resend.Manager
	router  *router.Router
	logger  *zap.Logger

	mu       sync.Mutex
	open     map[string]*room
	stopping bool
	ackOff   func()
	statOff  func()
}

func NewEngine(cfg *config.Config, b *bus.Bus, machine *status.Machine, msgs *store.Messages, rooms *store.Rooms, unread *store.Unread, matcher *ack.Matcher, db *journal.DB, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cfg:     cfg,
		bus:     b,
		machine: machine,
		msgs:    msgs,
		rooms:   rooms,
		unread:  unread,
		matcher: matcher,
		journal: db,
		logger:  logger,
		open:    make(map[string]*room),
	}
	e.pool = transport.NewPool(map[string]string{
		"token":  cfg.Token,
		"userId": strconv.FormatInt(cfg.UserID, 10),
	}, cfg.HeartbeatInterval(), logger)
	e.resend = resend.NewManager(msgs, e, db, resend.PolicyFromConfig(cfg.Delivery), logger)
	e.router = router.New(cfg.UserID, msgs, rooms, matcher, b, e.outboundFor, logger)
	return e
}

// Resend exposes the retry manager to the collaborator surface.
func (e *Engine) Resend() *resend.Manager { return e.resend }

// Start seeds state from the journal, wires the ack promotion path, and
// opens the connection. It does not block on the dial; connectivity is
// reported through the state machine.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.seedFromJournal(); err != nil {
		return err
	}

	e.ackOff = e.matcher.Subscribe(e.promote)
	ch, off := e.bus.Subscribe("conn.status_changed", 8)
	e.statOff = off
	go e.watchConnectivity(ctx, ch)

	_ = e.machine.Transition(status.Connecting)
	go e.connect(ctx)
	return nil
}

// Stop leaves all rooms and closes the connection.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopping = true
	open := e.open
	e.open = make(map[string]*room)
	ackOff, statOff := e.ackOff, e.statOff
	e.ackOff, e.statOff = nil, nil
	e.mu.Unlock()

	_ = e.machine.Transition(status.Closing)
	for _, r := range open {
		r.adapter.Close()
	}
	e.pool.CloseAll()
	if ackOff != nil {
		ackOff()
	}
	if statOff != nil {
		statOff()
	}
	_ = e.machine.Transition(status.Closed)
	metrics.SetConnectionUp(false)
}

// seedFromJournal restores unacked outbox entries into the in-memory
// store and their retry schedules into the resend manager, so a restart
// does not orphan messages that never got confirmed.
func (e *Engine) seedFromJournal() error {
	if e.journal == nil {
		return nil
	}
	entries, err := e.journal.Unacked()
	if err != nil {
		return err
	}
	for _, entry := range entries {
		var st store.Status
		switch entry.Status {
		case "queued":
			st = store.StatusPending
		case "failed":
			st = store.StatusFailed
		default:
			// A restart interrupted the confirmation; treat as retrying.
			st = store.StatusRetrying
		}
		e.msgs.Upsert(store.Message{
			ID:       entry.ClientMsgID,
			RoomID:   entry.RoomID,
			SenderID: entry.SenderID,
			Content:  entry.Content,
			Secure:   entry.Secure,
			Status:   st,
			IsOwner:  true,
		})
		e.resend.SeedMeta(entry.ClientMsgID, entry.RetryCount, entry.NextAttempt)
	}
	if len(entries) > 0 {
		e.logger.Info("journal entries restored", zap.Int("count", len(entries)))
	}
	return nil
}

// promote is the ack promotion path: any matched ack confirms the store
// record, drops retry bookkeeping, and settles the journal entry.
func (e *Engine) promote(a ack.Ack) {
	key := a.Key()
	if key == "" {
		return
	}
	if !e.msgs.Reconcile(key, a.ServerID) {
		return
	}
	e.resend.ClearMeta(key)
	if a.ClientID != "" && a.ClientID != key {
		e.resend.ClearMeta(a.ClientID)
	}
	if e.journal != nil {
		if err := e.journal.MarkSent(key, a.ServerID); err != nil {
			e.logger.Warn("journal ack settle failed", zap.String("id", key), zap.Error(err))
		}
	}
	metrics.IncAck()
}

// watchConnectivity triggers exactly one global flush per offline→online
// transition. Overlap with a flush already in progress no-ops inside the
// manager.
func (e *Engine) watchConnectivity(ctx context.Context, ch <-chan bus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			change, ok := evt.Payload.(status.Change)
			if !ok {
				continue
			}
			metrics.SetConnectionUp(change.To == status.Open)
			if change.CameOnline() {
				go e.resend.FlushAll(ctx)
			}
		}
	}
}

func (e *Engine) connect(ctx context.Context) {
	sock, err := e.pool.Get(e.cfg.ServerURL)
	if err != nil {
		e.logger.Warn("dial failed", zap.Error(err))
		_ = e.machine.Transition(status.Offline)
		e.scheduleReconnect(ctx)
		return
	}
	sock.OnClose(func(cause error) { e.onSocketClose(ctx, cause) })
	_ = e.machine.Transition(status.Open)
	e.rejoin(ctx, sock)
}

func (e *Engine) onSocketClose(ctx context.Context, cause error) {
	e.mu.Lock()
	stopping := e.stopping
	e.open = make(map[string]*room)
	e.mu.Unlock()
	if stopping {
		return
	}
	e.logger.Warn("connection lost", zap.Error(cause))
	_ = e.machine.Transition(status.Reconnecting)
	e.scheduleReconnect(ctx)
}

// scheduleReconnect re-dials with the same plateaued backoff table the
// resend policy uses.
func (e *Engine) scheduleReconnect(ctx context.Context) {
	go func() {
		policy := resend.PolicyFromConfig(e.cfg.Delivery)
		for attempt := 0; ; attempt++ {
			select {
			case <-ctx.Done():
				return
			case <-time.After(policy.Delay(attempt)):
			}
			e.mu.Lock()
			stopping := e.stopping
			e.mu.Unlock()
			if stopping {
				return
			}
			sock, err := e.pool.Get(e.cfg.ServerURL)
			if err != nil {
				e.logger.Debug("reconnect attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
				continue
			}
			sock.OnClose(func(cause error) { e.onSocketClose(ctx, cause) })
			_ = e.machine.Transition(status.Open)
			e.rejoin(ctx, sock)
			return
		}
	}()
}

// rejoin re-opens a channel for every known room after a (re)connect.
func (e *Engine) rejoin(ctx context.Context, sock *transport.Socket) {
	for _, id := range e.rooms.IDs() {
		if _, err := e.join(ctx, sock, id); err != nil {
			e.logger.Warn("room rejoin failed", zap.String("room_id", id), zap.Error(err))
		}
	}
}

// JoinRoom opens (or returns) the channel for a room. The join handshake
// announces locally-known unacked ids so the server can re-deliver missed
// acks.
func (e *Engine) JoinRoom(ctx context.Context, roomID string) error {
	roomID = store.NormalizeRoomID(roomID)
	e.mu.Lock()
	if _, ok := e.open[roomID]; ok {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	sock, err := e.pool.Get(e.cfg.ServerURL)
	if err != nil {
		return err
	}
	_, err = e.join(ctx, sock, roomID)
	return err
}

func (e *Engine) join(ctx context.Context, sock *transport.Socket, roomID string) (*room, error) {
	adapter, err := transport.JoinRoom(ctx, sock, roomID, e.cfg.UserID, e.pendingIDs, e.logger)
	if err != nil {
		return nil, err
	}
	adapter.OnMessage(func(env transport.Envelope) {
		metrics.IncInboundFrame(env.Event)
		e.router.Handle(env)
	})
	adapter.OnError(func(err error) {
		e.logger.Warn("channel error", zap.String("room_id", roomID), zap.Error(err))
	})

	r := &room{adapter: adapter, port: send.NewPort(adapter, e.logger)}
	e.mu.Lock()
	e.open[roomID] = r
	e.mu.Unlock()

	e.rooms.Upsert(store.Room{ID: roomID})
	return r, nil
}

// LeaveRoom closes a room's channel. Pending messages keep their journal
// entries and are re-announced on the next join.
func (e *Engine) LeaveRoom(roomID string) {
	roomID = store.NormalizeRoomID(roomID)
	e.mu.Lock()
	r, ok := e.open[roomID]
	delete(e.open, roomID)
	e.mu.Unlock()
	if ok {
		r.adapter.Close()
	}
}

// pendingIDs is the sync-pending list for a join handshake: journal-backed
// when available, falling back to the in-memory outstanding set.
func (e *Engine) pendingIDs(roomID string) []string {
	if e.journal != nil {
		if ids, err := e.journal.UnackedIDs(roomID); err == nil {
			return ids
		}
	}
	return e.msgs.Outstanding(roomID)
}

// PortFor returns the sender port for a room's open channel.
func (e *Engine) PortFor(roomID string) (send.Port, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.open[store.NormalizeRoomID(roomID)]
	if !ok || r.port.Closed() {
		return nil, false
	}
	return r.port, true
}

func (e *Engine) outboundFor(roomID string) (router.Outbound, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.open[store.NormalizeRoomID(roomID)]
	if !ok {
		return nil, false
	}
	return r.adapter, true
}

// Listen implements the background watcher's source: a message-only tap on
// a room's channel that never touches the message store.
func (e *Engine) Listen(roomID string, fn func(watcher.Inbound)) (func(), error) {
	e.mu.Lock()
	r, ok := e.open[store.NormalizeRoomID(roomID)]
	e.mu.Unlock()
	if !ok {
		return nil, ErrRoomNotJoined
	}
	off := r.adapter.On(wire.EvMessage, func(env transport.Envelope) {
		var p wire.MessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		id := p.ID
		if id == "" {
			id = p.ClientID
		}
		fn(watcher.Inbound{RoomID: roomID, MessageID: id, SenderID: p.SenderID})
	})
	return off, nil
}

// ActivateRoom makes one room the active conversation: previous activation
// drops, unread resets, and a targeted flush retries anything still
// outstanding there.
func (e *Engine) ActivateRoom(ctx context.Context, roomID string) error {
	roomID = store.NormalizeRoomID(roomID)
	if err := e.JoinRoom(ctx, roomID); err != nil {
		return err
	}
	e.rooms.SetActive(roomID)
	e.unread.Reset(roomID)
	go e.resend.FlushActive(ctx, roomID)
	return nil
}
