package chat

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gfranco93/parley/internal/ack"
	"github.com/gfranco93/parley/internal/config"
	"github.com/gfranco93/parley/internal/journal"
	"github.com/gfranco93/parley/internal/metrics"
	"github.com/gfranco93/parley/internal/send"
	"github.com/gfranco93/parley/internal/store"
	"github.com/gfranco93/parley/internal/wire"
)

// Draft is an outbound message as submitted by the caller. ID is optional;
// a client id is generated when absent.
type Draft struct {
	ID      string
	RoomID  string
	Content string
	Secure  bool
}

// Result reports the outcome of a send. ID is always set, even on failure,
// so the caller can render and later retry the optimistic record.
type Result struct {
	ID   string
	Sent bool
}

// Service is the surface the rest of the application calls. Everything is
// fire-and-forget except SendChatMessage, which reports whether the server
// confirmed the message.
type Service struct {
	engine  *Engine
	msgs    *store.Messages
	matcher *ack.Matcher
	journal *journal.DB
	opts    send.Options
	selfID  int64
	logger  *zap.Logger
}

func NewService(engine *Engine, cfg *config.Config, msgs *store.Messages, matcher *ack.Matcher, db *journal.DB, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := send.DefaultOptions()
	if cfg.Delivery.AckTimeoutMillis > 0 {
		opts.AckTimeout = time.Duration(cfg.Delivery.AckTimeoutMillis) * time.Millisecond
	}
	if cfg.Delivery.AckExtends > 0 {
		opts.AckExtends = cfg.Delivery.AckExtends
	}
	return &Service{
		engine:  engine,
		msgs:    msgs,
		matcher: matcher,
		journal: db,
		opts:    opts,
		selfID:  cfg.UserID,
		logger:  logger,
	}
}

// SendChatMessage creates the optimistic pending record, journals it, and
// runs the full send/ack protocol. A failure is reported through Sent, not
// an error: the message stays in the store and the resend manager picks it
// up later.
func (s *Service) SendChatMessage(ctx context.Context, d Draft) Result {
	id := d.ID
	if id == "" {
		id = uuid.NewString()
	} else {
		// A caller-supplied id is a manual retry of an existing record;
		// clearing the retry bookkeeping resets its backoff budget.
		s.engine.Resend().ClearMeta(id)
	}
	roomID := store.NormalizeRoomID(d.RoomID)
	createdAt := time.Now().UTC().Format(time.RFC3339Nano)

	s.msgs.Upsert(store.Message{
		ID:        id,
		RoomID:    roomID,
		SenderID:  s.selfID,
		Content:   d.Content,
		Secure:    d.Secure,
		Status:    store.StatusPending,
		CreatedAt: createdAt,
		IsOwner:   true,
	})
	if s.journal != nil {
		err := s.journal.Queue(journal.Entry{
			ClientMsgID: id,
			RoomID:      roomID,
			SenderID:    s.selfID,
			Content:     d.Content,
			Secure:      d.Secure,
		})
		if err != nil {
			s.logger.Warn("journal queue failed", zap.String("id", id), zap.Error(err))
		}
	}

	port, ok := s.engine.PortFor(roomID)
	if !ok {
		s.engine.Resend().OnSendFailure(id)
		metrics.IncSend("no_channel")
		return Result{ID: id, Sent: false}
	}

	sender := send.NewSender(port, s.matcher, s.msgs, s.opts, s.logger)
	res := sender.DoSend(ctx, wire.EvMessage, wire.MessagePayload{
		ID:        id,
		ClientID:  id,
		RoomID:    roomID,
		SenderID:  s.selfID,
		Content:   d.Content,
		Secure:    d.Secure,
		CreatedAt: createdAt,
	})
	if !res.Sent {
		s.markHandOff(id)
		s.engine.Resend().OnSendFailure(id)
		metrics.IncSend("unconfirmed")
		return Result{ID: id, Sent: false}
	}
	metrics.IncSend("ok")
	return Result{ID: res.ID, Sent: true}
}

// markHandOff journals that the transport accepted the frame even though
// no ack arrived. A message still pending never left the client; anything
// past pending is in flight and must restore as retrying after a crash.
func (s *Service) markHandOff(id string) {
	if s.journal == nil {
		return
	}
	cur, ok := s.msgs.Get(id)
	if !ok || cur.Status == store.StatusPending {
		return
	}
	if err := s.journal.MarkSending(id); err != nil {
		s.logger.Warn("journal hand-off mark failed", zap.String("id", id), zap.Error(err))
	}
}

// SendTyping emits a typing indicator. Fire-and-forget.
func (s *Service) SendTyping(roomID string, typing bool) {
	s.emit(roomID, wire.EvTyping, wire.TypingPayload{
		SenderID: s.selfID,
		RoomID:   store.NormalizeRoomID(roomID),
		Typing:   typing,
	})
}

// SendReadReceipt emits a read watermark. Fire-and-forget.
func (s *Service) SendReadReceipt(roomID, lastReadMessageID string) {
	s.emit(roomID, wire.EvReadUpTo, wire.ReadUpToPayload{
		RoomID:            store.NormalizeRoomID(roomID),
		ReaderID:          s.selfID,
		LastReadMessageID: lastReadMessageID,
	})
}

// SendDeliveryAck acknowledges receipt of one message. Fire-and-forget.
func (s *Service) SendDeliveryAck(roomID, messageID string) {
	s.emit(roomID, wire.EvAck, wire.AckPayload{
		RoomID:     store.NormalizeRoomID(roomID),
		ReceiverID: s.selfID,
		MessageID:  messageID,
	})
}

// SendRoomUpdateEvent emits a generic room status transition.
// Fire-and-forget.
func (s *Service) SendRoomUpdateEvent(roomID, updateType, prevStatus, statusTarget string) {
	s.emit(roomID, wire.EvUpdate, wire.UpdatePayload{
		RoomID:       store.NormalizeRoomID(roomID),
		UpdateType:   updateType,
		PrevStatus:   prevStatus,
		StatusTarget: statusTarget,
		SenderID:     s.selfID,
	})
}

func (s *Service) emit(roomID, event string, payload any) {
	out, ok := s.engine.outboundFor(roomID)
	if !ok {
		s.logger.Debug("emit skipped, room not joined",
			zap.String("room_id", roomID), zap.String("event", event))
		return
	}
	if err := out.Emit(event, payload); err != nil {
		s.logger.Debug("emit failed",
			zap.String("room_id", roomID), zap.String("event", event), zap.Error(err))
	}
}
