// Package send implements the outbound send path: a sender port that makes
// exactly one transport-level attempt, and the doSend sequence that layers
// an application-level acknowledgement wait on top of it. The transport may
// report "frame sent" without the server having processed the message; only
// the matched ack proves delivery.
package send

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gfranco93/parley/internal/transport"
	"github.com/gfranco93/parley/internal/wire"
)

// transportPushTimeout bounds the wait for the server's synchronous reply
// to one push. This is the transport-level ack, not the application ack.
const transportPushTimeout = 10 * time.Second

// Port is the minimal send contract: one transport-level attempt that
// reports a server-confirmed id, or ok=false for any failure. Failures are
// never surfaced as errors — a closed channel, a malformed payload and a
// transport exception all look the same to callers.
type Port interface {
	Send(ctx context.Context, event string, draft wire.MessagePayload) (serverID string, ok bool)
	Closed() bool
	Done() <-chan struct{}
}

// TransportPort implements Port over a transport.ChatTransport. Whether the
// request/acknowledge path is used is decided once, at construction.
type TransportPort struct {
	tr            transport.ChatTransport
	fireAndForget bool
	logger        *zap.Logger

	done     chan struct{}
	doneOnce sync.Once
}

// NewPort creates a sender port that pushes and observes the server's
// synchronous ok/error/timeout reply.
func NewPort(tr transport.ChatTransport, logger *zap.Logger) *TransportPort {
	return newPort(tr, false, logger)
}

// NewEmitPort creates a fire-and-forget port for servers that never reply
// to pushes; confirmation is left entirely to the async ack matcher.
func NewEmitPort(tr transport.ChatTransport, logger *zap.Logger) *TransportPort {
	return newPort(tr, true, logger)
}

func newPort(tr transport.ChatTransport, fireAndForget bool, logger *zap.Logger) *TransportPort {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &TransportPort{
		tr:            tr,
		fireAndForget: fireAndForget,
		logger:        logger,
		done:          make(chan struct{}),
	}
	// Channel close terminates in-flight ack waits early.
	tr.OnClose(func() { p.markDone() })
	return p
}

func (p *TransportPort) markDone() {
	p.doneOnce.Do(func() { close(p.done) })
}

// Closed reports whether the underlying channel is observably closed.
func (p *TransportPort) Closed() bool {
	if p.tr.Closed() {
		p.markDone()
		return true
	}
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Done is closed when the underlying channel closes.
func (p *TransportPort) Done() <-chan struct{} { return p.done }

// Send makes exactly one transport-level attempt. A draft without a
// client-assigned id is rejected before touching the wire.
func (p *TransportPort) Send(ctx context.Context, event string, draft wire.MessagePayload) (string, bool) {
	if draft.ID == "" {
		p.logger.Warn("rejecting draft without client id", zap.String("room", draft.RoomID))
		return "", false
	}
	if p.Closed() {
		return "", false
	}

	if p.fireAndForget {
		if err := p.tr.Emit(event, draft); err != nil {
			p.logger.Warn("fire-and-forget send failed", zap.String("id", draft.ID), zap.Error(err))
			return "", false
		}
		// Hand-off succeeded; confirmation is the ack matcher's job.
		return draft.ID, true
	}

	pushCtx, cancel := context.WithTimeout(ctx, transportPushTimeout)
	defer cancel()

	reply, err := p.tr.Push(pushCtx, event, draft)
	if err != nil {
		p.logger.Warn("push failed", zap.String("id", draft.ID), zap.Error(err))
		return "", false
	}
	if !reply.OK() {
		p.logger.Warn("push refused", zap.String("id", draft.ID), zap.String("status", reply.Status))
		return "", false
	}
	return serverIDFromReply(reply, draft.ID), true
}

// serverIDFromReply extracts the canonical id the server assigned; the
// client id stands in when the reply carries none.
func serverIDFromReply(reply transport.Reply, fallback string) string {
	var resp struct {
		ID        string `json:"id"`
		MessageID string `json:"messageId"`
	}
	if err := json.Unmarshal(reply.Response, &resp); err == nil {
		if resp.ID != "" {
			return resp.ID
		}
		if resp.MessageID != "" {
			return resp.MessageID
		}
	}
	return fallback
}
