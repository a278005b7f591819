package store

import (
	"fmt"
	"time"
)

const upsertUserSQL = `
	INSERT INTO users (id, name, email, profile_pic, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = CASE WHEN excluded.name != '' THEN excluded.name ELSE users.name END,
		email = CASE WHEN excluded.email != '' THEN excluded.email ELSE users.email END,
		profile_pic = CASE WHEN excluded.profile_pic != '' THEN excluded.profile_pic ELSE users.profile_pic END,
		updated_at = excluded.updated_at`

// UpsertUsers records profiles in one transaction. Empty fields never
// overwrite known values.
func (db *DB) UpsertUsers(users []User) error {
	if len(users) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, u := range users {
		if u.ID == "" {
			continue
		}
		if _, err := tx.Exec(upsertUserSQL, u.ID, u.Name, u.Email, u.ProfilePic, now); err != nil {
			return fmt.Errorf("upsert user %q: %w", u.ID, err)
		}
	}
	return tx.Commit()
}

// ListUsers returns known users ordered by name.
func (db *DB) ListUsers() ([]User, error) {
	rows, err := db.Query(`SELECT id, name, email, profile_pic FROM users ORDER BY name COLLATE NOCASE, id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.ProfilePic); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Counts reports row totals, for status output.
func (db *DB) Counts() (chats, messages, pending int64, err error) {
	err = db.QueryRow(`
		SELECT (SELECT COUNT(*) FROM chats),
		       (SELECT COUNT(*) FROM messages),
		       (SELECT COUNT(*) FROM outbox WHERE status = 'sending')`).
		Scan(&chats, &messages, &pending)
	return chats, messages, pending, err
}
