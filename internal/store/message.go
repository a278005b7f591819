package store

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
)

const upsertMessageSQL = `
	INSERT INTO messages (id, conversation_id, sender_id, body, attachment_url, reply_to, client_msg_id, status, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		body = excluded.body,
		attachment_url = excluded.attachment_url,
		client_msg_id = CASE WHEN excluded.client_msg_id != '' THEN excluded.client_msg_id ELSE messages.client_msg_id END,
		status = excluded.status`

// UpsertMessage inserts or updates a message, idempotent on id.
func (db *DB) UpsertMessage(m *Message) error {
	_, err := db.Exec(upsertMessageSQL,
		m.ID, m.ConversationID, m.SenderID, m.Body, m.AttachmentURL, m.ReplyTo, m.ClientMsgID, m.Status, m.CreatedAt)
	return err
}

// UpsertMessages stores a history batch in one transaction.
func (db *DB) UpsertMessages(msgs []Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range msgs {
		if _, err := tx.Exec(upsertMessageSQL,
			m.ID, m.ConversationID, m.SenderID, m.Body, m.AttachmentURL, m.ReplyTo, m.ClientMsgID, m.Status, m.CreatedAt); err != nil {
			return fmt.Errorf("upsert message %q: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// ReplaceMessageID moves a provisional row to its server id. A row already
// stored under newID wins and the provisional one is dropped.
func (db *DB) ReplaceMessageID(oldID string, m *Message) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE id = ?`, oldID); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, body, attachment_url, reply_to, client_msg_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status`,
		m.ID, m.ConversationID, m.SenderID, m.Body, m.AttachmentURL, m.ReplyTo, m.ClientMsgID, m.Status, m.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

// SetMessageStatus updates the send status of a message.
func (db *DB) SetMessageStatus(id, status string) error {
	_, err := db.Exec(`UPDATE messages SET status = ? WHERE id = ?`, status, id)
	return err
}

// DeleteMessage removes a message. Unknown ids are not an error.
func (db *DB) DeleteMessage(id string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE id = ?`, id)
	return err
}

// GetMessage returns one message, or nil when unknown.
func (db *DB) GetMessage(id string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT id, conversation_id, sender_id, body, attachment_url, reply_to, client_msg_id, status, created_at
		FROM messages WHERE id = ?`, id).
		Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body, &m.AttachmentURL, &m.ReplyTo, &m.ClientMsgID, &m.Status, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns a conversation's messages newest first, using keyset
// pagination on created_at. beforeTs <= 0 starts from the newest.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = math.MaxInt64
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, sender_id, body, attachment_url, reply_to, client_msg_id, status, created_at
		FROM messages
		WHERE conversation_id = ? AND created_at < ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body, &m.AttachmentURL, &m.ReplyTo, &m.ClientMsgID, &m.Status, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
