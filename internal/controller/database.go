package controller

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // pure-Go driver, no cgo
)

// InitDatabase opens (or creates) the controller database at path and
// ensures its schema exists, following internal/dashboard/database.go's
// shape (WAL mode, CREATE TABLE IF NOT EXISTS) but against this system's
// own Node/NodeEvent/UpdateInfo/UpdateJob/Backup/CodeVersion tables,
// layered with sqlx for struct scanning.
func InitDatabase(path string) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=OFF`); err != nil {
		// Foreign keys stay off deliberately: orphaned node_id references
		// must survive a Node delete, not cascade or block it.
		return nil, fmt.Errorf("disable foreign keys: %w", err)
	}

	if err := createSchema(db); err != nil {
		return nil, err
	}
	return db, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS nodes (
	node_id       TEXT PRIMARY KEY,
	hostname      TEXT NOT NULL,
	ip            TEXT,
	ssh_user      TEXT,
	ssh_port      INTEGER,
	agent_version TEXT,
	os_info       TEXT,
	code_version  TEXT,
	code_status   TEXT NOT NULL DEFAULT 'unknown',
	last_seen     DATETIME,
	cpu_percent   REAL,
	mem_percent   REAL,
	disk_percent  REAL,
	extra         TEXT,
	created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS node_events (
	event_id         TEXT PRIMARY KEY,
	node_id          TEXT NOT NULL,
	type             TEXT NOT NULL,
	severity         TEXT NOT NULL,
	message          TEXT NOT NULL,
	details          TEXT,
	source_event_id  INTEGER,
	created_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_node_events_node ON node_events(node_id, created_at);
-- A buffered agent event is identified by (node_id, source_event_id); the
-- sync endpoint must be idempotent on that pair per an at-least-once
-- delivery contract, so a retried sync of the same buffered id is a no-op.
CREATE UNIQUE INDEX IF NOT EXISTS idx_node_events_source ON node_events(node_id, source_event_id) WHERE source_event_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS update_info (
	update_id         TEXT PRIMARY KEY,
	node_id           TEXT,
	package_name      TEXT NOT NULL,
	current_version   TEXT,
	available_version TEXT,
	severity          TEXT NOT NULL DEFAULT 'info',
	is_applied        INTEGER NOT NULL DEFAULT 0,
	applied_at        DATETIME,
	created_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_update_info_node ON update_info(node_id, is_applied);

CREATE TABLE IF NOT EXISTS update_jobs (
	job_id          TEXT PRIMARY KEY,
	node_id         TEXT NOT NULL,
	status          TEXT NOT NULL,
	update_ids      TEXT NOT NULL,
	total_steps     INTEGER NOT NULL DEFAULT 0,
	completed_steps INTEGER NOT NULL DEFAULT 0,
	progress        INTEGER NOT NULL DEFAULT 0,
	current_step    TEXT,
	output          TEXT NOT NULL DEFAULT '',
	error           TEXT,
	created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	started_at      DATETIME,
	completed_at    DATETIME
);
CREATE INDEX IF NOT EXISTS idx_update_jobs_node ON update_jobs(node_id, created_at);

CREATE TABLE IF NOT EXISTS backups (
	backup_id    TEXT PRIMARY KEY,
	node_id      TEXT NOT NULL,
	service      TEXT NOT NULL,
	status       TEXT NOT NULL,
	backup_path  TEXT,
	size_bytes   INTEGER,
	checksum     TEXT,
	extra        TEXT,
	started_at   DATETIME,
	completed_at DATETIME,
	error        TEXT
);
CREATE INDEX IF NOT EXISTS idx_backups_node ON backups(node_id, started_at);

CREATE TABLE IF NOT EXISTS code_versions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	commit_hash TEXT NOT NULL,
	branch      TEXT,
	message     TEXT,
	source      TEXT NOT NULL,
	observed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

func createSchema(db *sqlx.DB) error {
	_, err := db.Exec(schemaSQL)
	if err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}
