package store

import (
	"database/sql"
	"errors"
	"time"
)

// TrackOutbox records a send awaiting its echo. Tracking the same token
// twice is a no-op.
func (db *DB) TrackOutbox(clientMsgID, conversationID, body string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (client_msg_id, conversation_id, body, status, created_at, updated_at)
		VALUES (?, ?, ?, 'sending', ?, ?)
		ON CONFLICT(client_msg_id) DO NOTHING`,
		clientMsgID, conversationID, body, now, now)
	return err
}

// MarkOutboxSent records the echo's server id. An unconfirmed send whose
// echo arrives late becomes sent as well.
func (db *DB) MarkOutboxSent(clientMsgID, serverMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', server_msg_id = ?, updated_at = ? WHERE client_msg_id = ?`,
		serverMsgID, now, clientMsgID)
	return err
}

// MarkOutboxUnconfirmed flags a send whose echo never arrived. Only rows
// still sending are changed; reports whether one was.
func (db *DB) MarkOutboxUnconfirmed(clientMsgID string) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`UPDATE outbox SET status = 'unconfirmed', updated_at = ? WHERE client_msg_id = ? AND status = 'sending'`,
		now, clientMsgID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteOutbox forgets an aborted send.
func (db *DB) DeleteOutbox(clientMsgID string) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE client_msg_id = ?`, clientMsgID)
	return err
}

// StaleOutbox returns sends still awaiting an echo that were tracked before
// the cutoff, oldest first.
func (db *DB) StaleOutbox(before time.Time) ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT client_msg_id, conversation_id, body, status, server_msg_id, created_at, updated_at
		FROM outbox WHERE status = 'sending' AND created_at < ?
		ORDER BY created_at ASC`, before.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ClientMsgID, &e.ConversationID, &e.Body, &e.Status, &e.ServerMsgID, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetOutbox returns one entry, or nil when unknown.
func (db *DB) GetOutbox(clientMsgID string) (*OutboxEntry, error) {
	var e OutboxEntry
	err := db.QueryRow(`
		SELECT client_msg_id, conversation_id, body, status, server_msg_id, created_at, updated_at
		FROM outbox WHERE client_msg_id = ?`, clientMsgID).
		Scan(&e.ClientMsgID, &e.ConversationID, &e.Body, &e.Status, &e.ServerMsgID, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}
