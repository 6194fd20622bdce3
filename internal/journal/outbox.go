package journal

import "time"

// Entry is one journaled outbound message.
type Entry struct {
	ID          int64
	ClientMsgID string
	RoomID      string
	SenderID    int64
	Content     string
	Secure      bool
	Status      string // queued, sending, sent, failed
	ServerMsgID string
	RetryCount  int
	NextAttempt int64 // epoch millis; 0 = immediately due
	ErrorMsg    string
}

// Queue journals a new outbound message. Idempotent on client_msg_id.
func (db *DB) Queue(e Entry) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (client_msg_id, room_id, sender_id, content, secure, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'queued', ?, ?)
		ON CONFLICT(client_msg_id) DO NOTHING`,
		e.ClientMsgID, e.RoomID, e.SenderID, e.Content, e.Secure, now, now)
	return err
}

// MarkSending updates an entry to 'sending' status.
func (db *DB) MarkSending(clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', updated_at = ? WHERE client_msg_id = ?`, now, clientMsgID)
	return err
}

// MarkSent updates an entry to 'sent' with the server message id and clears
// its retry bookkeeping.
func (db *DB) MarkSent(clientMsgID, serverMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'sent', server_msg_id = ?, retry_count = 0, next_attempt_at = 0, updated_at = ?
		WHERE client_msg_id = ?`, serverMsgID, now, clientMsgID)
	return err
}

// MarkFailed updates an entry to 'failed' with an error message.
func (db *DB) MarkFailed(clientMsgID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_msg_id = ?`, errMsg, now, clientMsgID)
	return err
}

// SaveRetry records resend bookkeeping for an entry.
func (db *DB) SaveRetry(clientMsgID string, retryCount int, nextAttempt int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET retry_count = ?, next_attempt_at = ?, updated_at = ? WHERE client_msg_id = ?`,
		retryCount, nextAttempt, now, clientMsgID)
	return err
}

// Unacked returns entries that were never confirmed by the server, oldest
// first. These are re-announced in the sync-pending handshake and re-seeded
// into the resend manager on startup.
func (db *DB) Unacked() ([]Entry, error) {
	rows, err := db.Query(`
		SELECT id, client_msg_id, room_id, sender_id, content, secure, status, server_msg_id, retry_count, next_attempt_at, error_message
		FROM outbox WHERE status != 'sent' ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.ClientMsgID, &e.RoomID, &e.SenderID, &e.Content, &e.Secure, &e.Status, &e.ServerMsgID, &e.RetryCount, &e.NextAttempt, &e.ErrorMsg); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UnackedIDs returns the client message ids of unconfirmed entries for one
// room. This is the payload of the sync:pending join handshake.
func (db *DB) UnackedIDs(roomID string) ([]string, error) {
	rows, err := db.Query(`
		SELECT client_msg_id FROM outbox
		WHERE room_id = ? AND status != 'sent'
		ORDER BY created_at ASC`, roomID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
