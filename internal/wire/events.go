// Package wire defines the chat-level event names and payload shapes
// carried inside transport envelopes. The inbound router normalizes these
// into domain records; the outbound paths marshal them.
package wire

// Chat event names.
const (
	EvMessage     = "chat:message"
	EvTyping      = "chat:typing"
	EvReadUpTo    = "chat:readUpTo"
	EvAck         = "chat:ack"
	EvUpdate      = "chat:update"
	EvSyncPending = "sync:pending"
	EvAckReminder = "ackReminder"
	EvMessageAck  = "messageAck"
	EvHistoryPage = "history_page"
	EvPresence    = "chat:presence"
)

// MessagePayload is a chat:message frame or one element of a history page.
type MessagePayload struct {
	ID        string `json:"id,omitempty"`
	ClientID  string `json:"clientId,omitempty"`
	RoomID    string `json:"roomId"`
	SenderID  int64  `json:"senderId"`
	Content   string `json:"content"`
	Secure    bool   `json:"secure,omitempty"`
	Status    string `json:"status,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
}

// TypingPayload is a chat:typing frame. ReaderID/LastReadMessageID may ride
// along on the same envelope type in this protocol, so typing handling must
// not short-circuit read-receipt handling.
type TypingPayload struct {
	SenderID          int64  `json:"senderId"`
	RoomID            string `json:"roomId"`
	Typing            bool   `json:"typing"`
	ReaderID          int64  `json:"readerId,omitempty"`
	LastReadMessageID string `json:"lastReadMessageId,omitempty"`
}

// ReadUpToPayload is a chat:readUpTo watermark frame.
type ReadUpToPayload struct {
	RoomID            string `json:"roomId"`
	ReaderID          int64  `json:"readerId"`
	LastReadMessageID string `json:"lastReadMessageId"`
}

// AckPayload is an outbound chat:ack delivery acknowledgement.
type AckPayload struct {
	RoomID     string `json:"roomId"`
	ReceiverID int64  `json:"receiverId"`
	MessageID  string `json:"messageId"`
}

// UpdatePayload is a chat:update generic status transition.
type UpdatePayload struct {
	RoomID       string `json:"roomId"`
	UpdateType   string `json:"updateType"`
	PrevStatus   string `json:"prevStatus,omitempty"`
	StatusTarget string `json:"statusTarget,omitempty"`
	SenderID     int64  `json:"senderId,omitempty"`
}

// SyncPendingPayload is the resync handshake announced on (re)join.
type SyncPendingPayload struct {
	RoomID    string   `json:"roomId"`
	SenderID  int64    `json:"senderId"`
	List      []string `json:"list"`
	SseqHello string   `json:"sseqHello,omitempty"`
}

// AckReminderPayload is a server request to re-confirm client ids.
type AckReminderPayload struct {
	ClientIDs []string `json:"clientIds"`
}

// MessageAckPayload confirms a specific client-generated id.
type MessageAckPayload struct {
	ClientID string `json:"clientId"`
	ServerID string `json:"serverId,omitempty"`
	RoomID   string `json:"roomId,omitempty"`
	SenderID int64  `json:"senderId,omitempty"`
}

// HistoryPagePayload is a paginated backfill frame.
type HistoryPagePayload struct {
	Results  []MessagePayload `json:"results"`
	PrevPage string           `json:"prevPage,omitempty"`
	NextPage string           `json:"nextPage,omitempty"`
}

// PresencePayload is a presence update frame.
type PresencePayload struct {
	RoomID   string `json:"roomId"`
	SenderID int64  `json:"senderId"`
	Online   bool   `json:"online"`
}
