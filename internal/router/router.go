// Package router normalizes heterogeneous inbound wire frames and
// dispatches each one to exactly one downstream handler. Dispatch runs in
// a fixed priority order and short-circuits as soon as a path consumes the
// frame; a malformed frame is logged and dropped, never propagated.
package router

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gfranco93/parley/internal/ack"
	"github.com/gfranco93/parley/internal/bus"
	"github.com/gfranco93/parley/internal/store"
	"github.com/gfranco93/parley/internal/transport"
	"github.com/gfranco93/parley/internal/wire"
)

// Outbound is the slice of the channel adapter the router needs for
// replying with delivery acks.
type Outbound interface {
	Emit(event string, payload any) error
}

// OutboundResolver returns the open adapter for a room, if any. Acks for
// rooms without an open channel are dropped; the peer's reminder cycle
// covers the gap.
type OutboundResolver func(roomID string) (Outbound, bool)

// Router dispatches normalized envelopes into the store, the ack matcher,
// and the event bus.
type Router struct {
	selfID  int64
	msgs    *store.Messages
	rooms   *store.Rooms
	matcher *ack.Matcher
	bus     *bus.Bus
	out     OutboundResolver
	logger  *zap.Logger

	mu   sync.Mutex
	seen map[string]map[string]struct{}
}

// New creates a router. out may be nil when no outbound path exists (the
// delivery-ack cursor is then tracked but not emitted).
func New(selfID int64, msgs *store.Messages, rooms *store.Rooms, matcher *ack.Matcher, b *bus.Bus, out OutboundResolver, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		selfID:  selfID,
		msgs:    msgs,
		rooms:   rooms,
		matcher: matcher,
		bus:     b,
		out:     out,
		logger:  logger,
		seen:    make(map[string]map[string]struct{}),
	}
}

// Handle routes one inbound envelope. Priority order: status updates,
// presence, sync/ack protocol frames, typing (which may carry a
// read-receipt ride-along and therefore does not short-circuit it), read
// receipts, then message payloads. Anything else is broadcast raw as a
// best-effort fallback.
func (r *Router) Handle(env transport.Envelope) {
	switch env.Event {
	case wire.EvUpdate:
		r.handleUpdate(env)
	case wire.EvPresence:
		r.handlePresence(env)
	case wire.EvSyncPending:
		r.handleSyncPending(env)
	case wire.EvAckReminder:
		r.handleAckReminder(env)
	case wire.EvMessageAck:
		r.handleMessageAck(env)
	case wire.EvTyping:
		r.handleTyping(env)
	case wire.EvReadUpTo:
		r.handleReadUpTo(env)
	case wire.EvHistoryPage:
		r.handleHistoryPage(env)
	case wire.EvMessage:
		r.handleMessage(env)
	default:
		r.broadcastRaw(env)
	}
}

func (r *Router) handleUpdate(env transport.Envelope) {
	var p wire.UpdatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		r.dropMalformed(env, err)
		return
	}
	roomID := r.roomID(p.RoomID, env.Topic)
	if roomID != "" {
		r.rooms.Touch(roomID, time.Now().UnixMilli())
	}
	r.publish("inbound.update", p)
}

func (r *Router) handlePresence(env transport.Envelope) {
	var p wire.PresencePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		r.dropMalformed(env, err)
		return
	}
	r.publish("inbound.presence", p)
}

// handleSyncPending answers a peer's re-announced unacked list: every id
// the local store already holds gets a delivery ack back so the peer can
// promote it. Unknown ids are left for history backfill.
func (r *Router) handleSyncPending(env transport.Envelope) {
	var p wire.SyncPendingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		r.dropMalformed(env, err)
		return
	}
	roomID := r.roomID(p.RoomID, env.Topic)
	for _, id := range p.List {
		if msg, ok := r.msgs.Get(id); ok && !msg.IsOwner {
			r.sendDeliveryAck(roomID, id)
		}
	}
}

// handleAckReminder re-confirms receipt of messages the server is unsure
// about. Only messages we received (not authored) are re-acked.
func (r *Router) handleAckReminder(env transport.Envelope) {
	var p wire.AckReminderPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		r.dropMalformed(env, err)
		return
	}
	for _, id := range p.ClientIDs {
		if msg, ok := r.msgs.Get(id); ok && !msg.IsOwner {
			r.sendDeliveryAck(msg.RoomID, msg.ID)
		}
	}
}

func (r *Router) handleMessageAck(env transport.Envelope) {
	var p wire.MessageAckPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		r.dropMalformed(env, err)
		return
	}
	r.matcher.OnAck(ack.Ack{
		ClientID: p.ClientID,
		ServerID: p.ServerID,
		RoomID:   r.roomID(p.RoomID, env.Topic),
		SenderID: p.SenderID,
	})
}

// handleTyping publishes the indicator, then checks for read-receipt
// fields riding along on the same envelope. Typing and read receipts can
// coexist on one frame in this protocol, so typing must not swallow them.
func (r *Router) handleTyping(env transport.Envelope) {
	var p wire.TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		r.dropMalformed(env, err)
		return
	}
	r.publish("inbound.typing", p)
	if p.ReaderID != 0 && p.LastReadMessageID != "" {
		r.applyReadWatermark(r.roomID(p.RoomID, env.Topic), p.ReaderID, p.LastReadMessageID)
	}
}

func (r *Router) handleReadUpTo(env transport.Envelope) {
	var p wire.ReadUpToPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		r.dropMalformed(env, err)
		return
	}
	r.applyReadWatermark(r.roomID(p.RoomID, env.Topic), p.ReaderID, p.LastReadMessageID)
}

// applyReadWatermark promotes the local user's sent messages at or before
// the watermark to delivered. A watermark from the local user carries no
// new information and is ignored, and an unknown watermark id gives no
// position to bound promotion by, so nothing is promoted for it.
func (r *Router) applyReadWatermark(roomID string, readerID int64, lastReadID string) {
	if readerID == r.selfID || roomID == "" || lastReadID == "" {
		return
	}
	mark, ok := r.msgs.Get(lastReadID)
	if !ok {
		r.logger.Debug("read watermark for unknown message",
			zap.String("room_id", roomID), zap.String("id", lastReadID))
		return
	}
	for _, msg := range r.msgs.ByRoom(roomID) {
		if msg.IsOwner && msg.Status == store.StatusSent {
			r.msgs.SetStatus(msg.ID, store.StatusDelivered)
		}
		if msg.ID == mark.ID {
			break
		}
	}
	r.publish("inbound.read", wire.ReadUpToPayload{RoomID: roomID, ReaderID: readerID, LastReadMessageID: lastReadID})
}

func (r *Router) handleHistoryPage(env transport.Envelope) {
	var p wire.HistoryPagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		r.dropMalformed(env, err)
		return
	}
	r.handleBatch(env, p.Results)
}

func (r *Router) handleMessage(env transport.Envelope) {
	var p wire.MessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		r.dropMalformed(env, err)
		return
	}
	r.handleBatch(env, []wire.MessagePayload{p})
}

// handleBatch maps one or more message payloads into store records. Each
// record passes a per-room de-duplication check before upsert; the last
// non-self id in the batch becomes the new delivery-ack cursor and is
// acknowledged back immediately.
func (r *Router) handleBatch(env transport.Envelope, payloads []wire.MessagePayload) {
	var cursorRoom, cursorID string
	var unmappable bool
	for _, p := range payloads {
		msg, ok := r.toMessage(p, env.Topic)
		if !ok {
			unmappable = true
			continue
		}
		if r.duplicate(msg) {
			continue
		}
		id := r.msgs.Upsert(msg)
		r.rooms.Touch(msg.RoomID, time.Now().UnixMilli())
		if !msg.IsOwner {
			cursorRoom, cursorID = msg.RoomID, id
		}
	}
	if unmappable {
		// One fallback broadcast per frame, however many entries failed.
		r.broadcastRaw(env)
	}
	if cursorID != "" {
		r.sendDeliveryAck(cursorRoom, cursorID)
	}
}

// toMessage validates and normalizes a wire payload. A payload with no
// usable id or room cannot be keyed into the store and is rejected.
func (r *Router) toMessage(p wire.MessagePayload, topic string) (store.Message, bool) {
	id := p.ID
	if id == "" {
		id = p.ClientID
	}
	roomID := r.roomID(p.RoomID, topic)
	if id == "" || roomID == "" || p.SenderID == 0 {
		return store.Message{}, false
	}
	status := store.Status(p.Status)
	if !status.Valid() {
		status = store.StatusSent
	}
	return store.Message{
		ID:        id,
		ClientID:  p.ClientID,
		RoomID:    roomID,
		SenderID:  p.SenderID,
		Content:   p.Content,
		Secure:    p.Secure,
		Status:    status,
		CreatedAt: p.CreatedAt,
		IsOwner:   p.SenderID == r.selfID,
	}, true
}

// duplicate reports and records whether an equivalent frame was already
// routed. The signature covers id, room, sender, and timestamp so a
// re-delivered frame is dropped while a genuine edit (same id, new
// timestamp) still flows through.
func (r *Router) duplicate(msg store.Message) bool {
	sig := msg.ID + "|" + msg.RoomID + "|" + strconv.FormatInt(msg.SenderID, 10) + "|" + msg.CreatedAt

	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.seen[msg.RoomID]
	if !ok {
		set = make(map[string]struct{})
		r.seen[msg.RoomID] = set
	}
	if _, dup := set[sig]; dup {
		return true
	}
	set[sig] = struct{}{}
	return false
}

func (r *Router) sendDeliveryAck(roomID, messageID string) {
	if r.out == nil || roomID == "" {
		return
	}
	adapter, ok := r.out(roomID)
	if !ok {
		return
	}
	err := adapter.Emit(wire.EvAck, wire.AckPayload{
		RoomID:     roomID,
		ReceiverID: r.selfID,
		MessageID:  messageID,
	})
	if err != nil {
		r.logger.Debug("delivery ack emit failed", zap.String("room_id", roomID), zap.Error(err))
	}
}

func (r *Router) roomID(payloadRoom, topic string) string {
	if payloadRoom != "" {
		return store.NormalizeRoomID(payloadRoom)
	}
	return store.NormalizeRoomID(strings.TrimPrefix(topic, "room:"))
}

// dropMalformed logs the bad frame at debug level and still broadcasts the
// raw payload to generic listeners as a best-effort fallback.
func (r *Router) dropMalformed(env transport.Envelope, err error) {
	r.logger.Debug("malformed inbound frame dropped",
		zap.String("event", env.Event), zap.String("topic", env.Topic), zap.Error(err))
	r.broadcastRaw(env)
}

func (r *Router) broadcastRaw(env transport.Envelope) {
	r.publish("inbound.raw", env)
}

func (r *Router) publish(kind string, payload any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
