package resend

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gfranco93/parley/internal/metrics"
	"github.com/gfranco93/parley/internal/send"
	"github.com/gfranco93/parley/internal/store"
	"github.com/gfranco93/parley/internal/wire"
)

// Meta is per-message resend bookkeeping. It exists only while the message
// is outstanding and is deleted the instant the server confirms it.
type Meta struct {
	Retry int
	Next  int64 // epoch millis; not eligible until now >= Next
}

// PortProvider resolves the sender port for a room. A room without an open
// channel reports false and its messages count the attempt as failed.
type PortProvider interface {
	PortFor(roomID string) (send.Port, bool)
}

// Journal persists retry bookkeeping across restarts. May be nil.
type Journal interface {
	SaveRetry(clientMsgID string, retryCount int, nextAttempt int64) error
	MarkSent(clientMsgID, serverMsgID string) error
	MarkFailed(clientMsgID, errMsg string) error
}

// Manager coordinates backoff-scheduled resends. Two mutually-exclusive
// flush modes exist: a room-targeted flush and a global flush for
// connectivity-restored events. An overlapping flush request no-ops rather
// than queue, and an in-flight set keeps one message from being resent by
// two flushes at once.
type Manager struct {
	msgs    *store.Messages
	ports   PortProvider
	journal Journal
	policy  Policy
	logger  *zap.Logger

	mu            sync.Mutex
	meta          map[string]*Meta
	inflight      map[string]struct{}
	resendingAll  bool
	resendingRoom bool

	now       func() time.Time
	randFloat func() float64
}

// NewManager creates a resend manager. journal may be nil.
func NewManager(msgs *store.Messages, ports PortProvider, journal Journal, policy Policy, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		msgs:     msgs,
		ports:    ports,
		journal:  journal,
		policy:   policy,
		logger:   logger,
		meta:     make(map[string]*Meta),
		inflight: make(map[string]struct{}),
		now:      time.Now,
	}
}

// OnSendFailure records or refreshes retry bookkeeping for a message. It
// does not send; the next flush picks the message up once its backoff
// delay has elapsed.
func (m *Manager) OnSendFailure(id string) {
	m.mu.Lock()
	meta, ok := m.meta[id]
	if !ok {
		meta = &Meta{}
		m.meta[id] = meta
	}
	meta.Next = m.now().Add(m.delay(meta.Retry)).UnixMilli()
	retry, next := meta.Retry, meta.Next
	m.mu.Unlock()

	m.saveRetry(id, retry, next)
	m.logger.Info("send failure recorded",
		zap.String("id", id), zap.Int("retry", retry), zap.Int64("next", next))
}

// Meta returns a copy of a message's retry bookkeeping.
func (m *Manager) Meta(id string) (Meta, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if meta, ok := m.meta[id]; ok {
		return *meta, true
	}
	return Meta{}, false
}

// SeedMeta restores bookkeeping from the journal on startup.
func (m *Manager) SeedMeta(id string, retry int, next int64) {
	m.mu.Lock()
	m.meta[id] = &Meta{Retry: retry, Next: next}
	m.mu.Unlock()
}

// ClearMeta drops a message's retry bookkeeping. Called when an ack
// promotion confirms the message through a path other than a resend.
func (m *Manager) ClearMeta(id string) {
	m.mu.Lock()
	delete(m.meta, id)
	m.mu.Unlock()
}

// FlushActive attempts resend for due messages in one room. A flush
// already in progress (either mode) makes this call a no-op.
func (m *Manager) FlushActive(ctx context.Context, roomID string) {
	roomID = store.NormalizeRoomID(roomID)

	m.mu.Lock()
	if m.resendingRoom || m.resendingAll {
		m.mu.Unlock()
		return
	}
	m.resendingRoom = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.resendingRoom = false
		m.mu.Unlock()
	}()

	m.flush(ctx, func(msg store.Message) bool { return msg.RoomID == roomID })
}

// FlushAll is the connectivity-restored path: every currently-failed
// message is forced immediately due, then the same due-selection runs with
// an always-true room predicate. A flush already in progress (either mode)
// makes this call a no-op.
func (m *Manager) FlushAll(ctx context.Context) {
	m.mu.Lock()
	if m.resendingAll || m.resendingRoom {
		m.mu.Unlock()
		return
	}
	m.resendingAll = true
	now := m.now().UnixMilli()
	for id, meta := range m.meta {
		if msg, ok := m.msgs.Get(id); ok && msg.Status == store.StatusFailed {
			meta.Next = now
		}
	}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.resendingAll = false
		m.mu.Unlock()
	}()

	m.flush(ctx, func(store.Message) bool { return true })
}

func (m *Manager) flush(ctx context.Context, match func(store.Message) bool) {
	for _, id := range m.collectDue(match) {
		if ctx.Err() != nil {
			return
		}
		m.attempt(ctx, id)
	}
}

// collectDue applies the due-selection predicate: meta exists, backoff has
// elapsed, retry count is under the ceiling, the message matches, and it
// is not already in flight. Matching messages are claimed into the
// in-flight set before the lock is released.
func (m *Manager) collectDue(match func(store.Message) bool) []string {
	now := m.now().UnixMilli()

	m.mu.Lock()
	defer m.mu.Unlock()

	var due []string
	for id, meta := range m.meta {
		if meta.Next > now || meta.Retry >= m.policy.Ceiling {
			continue
		}
		if _, busy := m.inflight[id]; busy {
			continue
		}
		msg, ok := m.msgs.Get(id)
		if !ok || msg.Status == store.StatusRemoved || !match(msg) {
			continue
		}
		m.inflight[id] = struct{}{}
		due = append(due, id)
	}
	return due
}

func (m *Manager) attempt(ctx context.Context, id string) {
	defer func() {
		m.mu.Lock()
		delete(m.inflight, id)
		m.mu.Unlock()
	}()

	msg, ok := m.msgs.Get(id)
	if !ok {
		m.ClearMeta(id)
		return
	}

	metrics.IncResend()
	serverID, sent := m.trySend(ctx, msg)
	if sent && serverID != "" {
		m.msgs.Reconcile(id, serverID)
		m.ClearMeta(id)
		if m.journal != nil {
			_ = m.journal.MarkSent(clientKey(msg), serverID)
		}
		m.logger.Info("resend confirmed", zap.String("id", id), zap.String("server_id", serverID))
		return
	}

	m.mu.Lock()
	meta, ok := m.meta[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	meta.Retry++
	exhausted := meta.Retry >= m.policy.Ceiling
	// The next attempt is scheduled even past the ceiling: automatic
	// due-selection excludes the message, but a manual retry that resets
	// or ignores the ceiling can still find a valid schedule.
	meta.Next = m.now().Add(m.delay(meta.Retry)).UnixMilli()
	retry, next := meta.Retry, meta.Next
	m.mu.Unlock()

	if exhausted {
		metrics.IncResendExhausted()
		m.msgs.SetStatus(id, store.StatusFailed)
		if m.journal != nil {
			_ = m.journal.MarkFailed(clientKey(msg), "resend attempts exhausted")
		}
		m.logger.Warn("resend exhausted", zap.String("id", id), zap.Int("retry", retry))
	} else {
		m.msgs.SetStatus(id, store.StatusRetrying)
		m.logger.Info("resend failed, rescheduled",
			zap.String("id", id), zap.Int("retry", retry), zap.Int64("next", next))
	}
	m.saveRetry(id, retry, next)
}

func (m *Manager) trySend(ctx context.Context, msg store.Message) (string, bool) {
	port, ok := m.ports.PortFor(msg.RoomID)
	if !ok {
		return "", false
	}
	return port.Send(ctx, wire.EvMessage, wire.MessagePayload{
		ID:        msg.ID,
		ClientID:  msg.ClientID,
		RoomID:    msg.RoomID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		Secure:    msg.Secure,
		CreatedAt: msg.CreatedAt,
	})
}

func (m *Manager) delay(retryCount int) time.Duration {
	if m.randFloat != nil {
		return m.policy.delay(retryCount, m.randFloat)
	}
	return m.policy.Delay(retryCount)
}

func (m *Manager) saveRetry(id string, retry int, next int64) {
	if m.journal == nil {
		return
	}
	if err := m.journal.SaveRetry(id, retry, next); err != nil {
		m.logger.Warn("journal retry save failed", zap.String("id", id), zap.Error(err))
	}
}

// clientKey returns the id the journal knows the message by: the original
// client id survives reconciliation.
func clientKey(msg store.Message) string {
	if msg.ClientID != "" {
		return msg.ClientID
	}
	return msg.ID
}
