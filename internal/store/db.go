package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// DB is the daemon's journal: a process-lifetime in-memory SQLite database.
type DB struct {
	*sql.DB
	name string
}

// Open creates a named shared-cache in-memory database. The data lives as
// long as the returned DB; an empty name picks a unique one.
func Open(name string) (*DB, error) {
	if name == "" {
		name = "journal-" + uuid.NewString()
	}
	db, err := sql.Open("sqlite3", "file:"+name+"?mode=memory&cache=shared&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// A memory database disappears with its last connection, so keep
	// exactly one open for the lifetime of the pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping journal: %w", err)
	}
	return &DB{DB: db, name: name}, nil
}

// Name returns the shared-cache name of the database.
func (db *DB) Name() string { return db.name }
