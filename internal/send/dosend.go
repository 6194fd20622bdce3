package send

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/gfranco93/parley/internal/ack"
	"github.com/gfranco93/parley/internal/store"
	"github.com/gfranco93/parley/internal/wire"
)

// Result is the outcome of one send sequence.
type Result struct {
	ID   string
	Sent bool
}

// Options bound the application-level ack wait. AckExtends is the total
// number of wait windows, so the worst case is AckTimeout*AckExtends.
type Options struct {
	AckTimeout time.Duration
	AckExtends int
}

// DefaultOptions matches the production ack policy: 8s windows, 3 total.
func DefaultOptions() Options {
	return Options{AckTimeout: 8 * time.Second, AckExtends: 3}
}

// Sender runs the two-layer send sequence against one room transport.
type Sender struct {
	port   Port
	acks   *ack.Matcher
	msgs   *store.Messages
	opts   Options
	logger *zap.Logger
}

// NewSender creates a sender. The matcher and store are process-wide; the
// port is room-scoped.
func NewSender(port Port, acks *ack.Matcher, msgs *store.Messages, opts Options, logger *zap.Logger) *Sender {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultOptions().AckTimeout
	}
	if opts.AckExtends <= 0 {
		opts.AckExtends = DefaultOptions().AckExtends
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{port: port, acks: acks, msgs: msgs, opts: opts, logger: logger}
}

// DoSend performs one transport attempt and, on hand-off success, waits for
// the application-level ack. Sent is true only on a matched ack; the caller
// decides what a false result means (usually: record a send failure and let
// the resend manager take over).
func (s *Sender) DoSend(ctx context.Context, event string, draft wire.MessagePayload) Result {
	serverID, ok := s.port.Send(ctx, event, draft)
	if !ok {
		// Transport-level failure: no ack will ever come, don't wait.
		return Result{ID: draft.ID, Sent: false}
	}

	s.msgs.SetStatus(draft.ID, store.StatusSending)

	ackCh := make(chan ack.Ack, 1)
	unsub := s.acks.Subscribe(func(a ack.Ack) {
		if a.ClientID == draft.ID || (a.ClientID == "" && a.ServerID == draft.ID) || a.ServerID == serverID {
			select {
			case ackCh <- a:
			default:
			}
		}
	})
	defer unsub()

	timer := time.NewTimer(s.opts.AckTimeout)
	defer timer.Stop()

	for window := 0; window < s.opts.AckExtends; window++ {
		select {
		case a := <-ackCh:
			confirmed := a.ServerID
			if confirmed == "" {
				confirmed = serverID
			}
			s.msgs.Reconcile(draft.ID, confirmed)
			return Result{ID: draft.ID, Sent: true}

		case <-s.port.Done():
			// Channel observably closed: stop waiting immediately.
			s.logger.Info("ack wait aborted by channel close", zap.String("id", draft.ID))
			return Result{ID: draft.ID, Sent: false}

		case <-ctx.Done():
			return Result{ID: draft.ID, Sent: false}

		case <-timer.C:
			if s.port.Closed() {
				return Result{ID: draft.ID, Sent: false}
			}
			if window == 0 {
				s.msgs.SetStatus(draft.ID, store.StatusRetrying)
			}
			if window < s.opts.AckExtends-1 {
				s.logger.Info("extending ack wait",
					zap.String("id", draft.ID), zap.Int("window", window+1))
				timer.Reset(s.opts.AckTimeout)
			}
		}
	}

	return Result{ID: draft.ID, Sent: false}
}
