package agent

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// BufferedEvent is one queued row awaiting delivery to the controller.
type BufferedEvent struct {
	ID      int64
	Type    string
	Payload json.RawMessage
	Synced  bool
}

// EventBuffer is the Agent's durable on-disk queue (C1). It is append-only,
// keyed by a monotonic id, with a synced flag marking delivery. Corruption
// of the underlying store must never block append: on open failure the
// buffer falls back to a fresh file in place, logs, and continues, mirroring
// the original agent's _init_buffer_db behavior.
type EventBuffer struct {
	mu  sync.Mutex
	db  *sql.DB
	log zerolog.Logger
	path string
}

// NewEventBuffer opens (or creates) the buffer database at path.
func NewEventBuffer(path string, log zerolog.Logger) (*EventBuffer, error) {
	b := &EventBuffer{log: log.With().Str("component", "event_buffer").Logger(), path: path}
	if err := b.open(path); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *EventBuffer) open(path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return b.fallback(path, err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return b.fallback(path, err)
	}
	b.db = db
	return nil
}

// fallback deletes a corrupt buffer file and starts a fresh one:
// corruption of the local store must never block appending new events.
func (b *EventBuffer) fallback(path string, cause error) error {
	b.log.Warn().Err(cause).Str("path", path).Msg("event buffer store unreadable, recreating")
	_ = os.Remove(path)
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("recreate event buffer after corruption: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("init fresh event buffer: %w", err)
	}
	b.db = db
	return nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS buffered_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	type TEXT NOT NULL,
	payload TEXT NOT NULL,
	synced INTEGER NOT NULL DEFAULT 0
);
`

// Append adds a new event to the buffer and returns its id.
func (b *EventBuffer) Append(eventType string, payload any) (int64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal buffered event payload: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	res, err := b.db.Exec(`INSERT INTO buffered_events (type, payload, synced) VALUES (?, ?, 0)`, eventType, string(data))
	if err != nil {
		return 0, fmt.Errorf("append buffered event: %w", err)
	}
	return res.LastInsertId()
}

// Peek returns up to limit unsynced events ordered by id ascending.
func (b *EventBuffer) Peek(limit int) ([]BufferedEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rows, err := b.db.Query(`SELECT id, type, payload FROM buffered_events WHERE synced = 0 ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("peek buffered events: %w", err)
	}
	defer rows.Close()

	var events []BufferedEvent
	for rows.Next() {
		var e BufferedEvent
		var payload string
		if err := rows.Scan(&e.ID, &e.Type, &payload); err != nil {
			return nil, fmt.Errorf("scan buffered event: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// MarkSynced marks the given ids as delivered.
func (b *EventBuffer) MarkSynced(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	tx, err := b.db.Begin()
	if err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	stmt, err := tx.Prepare(`UPDATE buffered_events SET synced = 1 WHERE id = ?`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("mark synced: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.Exec(id); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("mark synced id %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// Close releases the underlying database handle.
func (b *EventBuffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}
