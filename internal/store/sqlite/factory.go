// Package sqlite implements the store interfaces on a local SQLite file via
// the cgo-free modernc driver. This is the standalone-mode default; schema is
// applied on open since there is no external migration step.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/driftlab/chatrelay/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS channels (
	id TEXT PRIMARY KEY,
	chat_key TEXT NOT NULL UNIQUE,
	channel_name TEXT NOT NULL DEFAULT '',
	chat_type TEXT NOT NULL DEFAULT 'group',
	is_active INTEGER NOT NULL DEFAULT 1,
	conversation_start TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	chat_key TEXT NOT NULL,
	message_id TEXT NOT NULL DEFAULT '',
	sender_id TEXT NOT NULL,
	sender_name TEXT NOT NULL,
	sender_nickname TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL,
	is_tome INTEGER NOT NULL DEFAULT 0,
	is_bot INTEGER NOT NULL DEFAULT 0,
	send_time TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_chat_time ON messages (chat_key, send_time);
`

// OpenDB opens (and if needed creates) the SQLite database at path and
// applies the schema. ":memory:" is accepted for tests.
func OpenDB(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The modernc driver serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}

// NewStores creates SQLite-backed stores at path.
func NewStores(path string) (*store.Stores, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	return store.NewStores(
		NewChannelStore(db),
		NewMessageStore(db),
		db.Close,
	), nil
}
