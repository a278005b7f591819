package store

import (
	"database/sql"
	"errors"
	"fmt"
)

const upsertChatSQL = `
	INSERT INTO chats (id, peer_id, preview, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		peer_id = CASE WHEN excluded.peer_id != '' THEN excluded.peer_id ELSE chats.peer_id END,
		preview = excluded.preview,
		updated_at = MAX(chats.updated_at, excluded.updated_at)`

// UpsertChat inserts or updates a chat row. updated_at never moves backwards.
func (db *DB) UpsertChat(c *Chat) error {
	_, err := db.Exec(upsertChatSQL, c.ID, c.PeerID, c.Preview, c.UpdatedAt)
	return err
}

// ReplaceChats swaps the whole chat list for chats, in one transaction.
func (db *DB) ReplaceChats(chats []Chat) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM chats`); err != nil {
		return fmt.Errorf("clear chats: %w", err)
	}
	for _, c := range chats {
		if _, err := tx.Exec(upsertChatSQL, c.ID, c.PeerID, c.Preview, c.UpdatedAt); err != nil {
			return fmt.Errorf("insert chat %q: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// ListChats returns chats most recently updated first. The peer name falls
// back to the peer id when the user is unknown.
func (db *DB) ListChats(limit, offset int) ([]Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT c.id, c.peer_id, COALESCE(NULLIF(u.name, ''), c.peer_id), c.preview, c.updated_at
		FROM chats c
		LEFT JOIN users u ON u.id = c.peer_id
		ORDER BY c.updated_at DESC, c.rowid ASC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.PeerID, &c.PeerName, &c.Preview, &c.UpdatedAt); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// GetChat returns one chat, or nil when unknown.
func (db *DB) GetChat(id string) (*Chat, error) {
	var c Chat
	err := db.QueryRow(`
		SELECT c.id, c.peer_id, COALESCE(NULLIF(u.name, ''), c.peer_id), c.preview, c.updated_at
		FROM chats c
		LEFT JOIN users u ON u.id = c.peer_id
		WHERE c.id = ?`, id).
		Scan(&c.ID, &c.PeerID, &c.PeerName, &c.Preview, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
