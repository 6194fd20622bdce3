package store

import "strings"

// Status is the delivery state of a chat message.
type Status string

const (
	// StatusPending is set the instant the user submits, before any
	// network activity.
	StatusPending Status = "pending"
	// StatusSending is set after the transport accepted the frame but
	// before the server acknowledged it.
	StatusSending Status = "sending"
	// StatusRetrying is set when an ack wait was extended or a resend is
	// scheduled; the message is still in flight, not yet a failure.
	StatusRetrying Status = "retrying"
	// StatusSent is set only by a confirmed server acknowledgement.
	StatusSent Status = "sent"
	// StatusDelivered is set when the recipient's client acknowledged.
	StatusDelivered Status = "delivered"
	// StatusFailed is set when resend attempts are exhausted. Visible to
	// the user as a manually retriable state.
	StatusFailed Status = "failed"
	// StatusRemoved is a terminal tombstone, excluded from room queries.
	StatusRemoved Status = "removed"
)

// Outstanding reports whether a message in this status may still carry
// retry bookkeeping (it has not been confirmed by the server).
func (s Status) Outstanding() bool {
	switch s {
	case StatusPending, StatusSending, StatusRetrying, StatusFailed:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSending, StatusRetrying, StatusSent,
		StatusDelivered, StatusFailed, StatusRemoved:
		return true
	}
	return false
}

// Message is one unit of conversation.
//
// ID is client-generated at creation time and may later be reconciled to a
// server-issued id; ClientID keeps the original identity stable across that
// reconciliation. Content may be ciphertext when Secure is set — the
// delivery layer passes it through without interpreting it.
type Message struct {
	ID        string
	ClientID  string
	RoomID    string
	SenderID  int64
	Content   string
	Secure    bool
	Status    Status
	CreatedAt string // ISO-8601
	IsOwner   bool
}

// NormalizeRoomID canonicalizes a room id before any comparison.
func NormalizeRoomID(roomID string) string {
	return strings.ToLower(strings.TrimSpace(roomID))
}

// Room is a conversation summary. Exactly one room is active at a time.
type Room struct {
	ID            string
	Participants  []int64
	LastMessageAt int64 // epoch millis
	IsActive      bool
}
