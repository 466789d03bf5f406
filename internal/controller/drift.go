package controller

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/autobot-fleet/flm/internal/protocol"
)

// DriftDetector is the Code-Drift Detector (C11): it holds the single
// canonical CodeVersion and classifies every other node's reported commit
// against it. The canonical row is writer-serialized with a single mutex
// since this is an in-process, single-writer controller; there is no
// consensus protocol between controllers.
type DriftDetector struct {
	db   *sqlx.DB
	lock *keyedMutex
}

// NewDriftDetector builds a DriftDetector over db.
func NewDriftDetector(db *sqlx.DB) *DriftDetector {
	return &DriftDetector{db: db, lock: newKeyedMutex()}
}

// Canonical returns the current canonical CodeVersion, or (nil, nil) if
// none has been observed yet.
func (d *DriftDetector) Canonical(ctx context.Context) (*CodeVersion, error) {
	var cv CodeVersion
	err := d.db.GetContext(ctx, &cv, `SELECT * FROM code_versions ORDER BY id DESC LIMIT 1`)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load canonical code version: %w", err)
	}
	return &cv, nil
}

// NotifyCodeSource unconditionally replaces the canonical CodeVersion: the
// code-source node's git-hook notification always wins, regardless of
// what the current canonical commit is.
func (d *DriftDetector) NotifyCodeSource(ctx context.Context, req protocol.CodeSyncNotifyRequest) error {
	unlock := d.lock.Lock("canonical")
	defer unlock()

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO code_versions (commit_hash, branch, message, source, observed_at)
		VALUES (?, ?, ?, 'git-hook', ?)
	`, req.Commit, nullableString(req.Branch), nullableString(req.Message), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("record canonical code version from notify: %w", err)
	}
	return nil
}

// ObserveHeartbeat classifies a heartbeat's reported commit against the
// canonical value and, when the reporting node is itself the code-source
// node, advances the canonical value. Heartbeats from one node are
// funneled through a per-node serialization key and always arrive in
// order, so every heartbeat from the code-source node is newer than the
// last by construction.
func (d *DriftDetector) ObserveHeartbeat(ctx context.Context, commit string, isCodeSource bool) (string, error) {
	unlock := d.lock.Lock("canonical")
	defer unlock()

	if isCodeSource {
		if commit == "" {
			return protocol.CodeStatusUnknown, nil
		}
		var cv CodeVersion
		err := d.db.GetContext(ctx, &cv, `SELECT * FROM code_versions ORDER BY id DESC LIMIT 1`)
		switch {
		case err == sql.ErrNoRows:
			// no canonical yet; fall through and record the first one
		case err != nil:
			return "", fmt.Errorf("load canonical code version: %w", err)
		case cv.CommitHash == commit:
			// unchanged commit on a repeat heartbeat; don't grow the table
			return protocol.CodeStatusCurrent, nil
		}
		_, err = d.db.ExecContext(ctx, `
			INSERT INTO code_versions (commit_hash, source, observed_at)
			VALUES (?, 'heartbeat', ?)
		`, commit, time.Now().UTC().Format(time.RFC3339))
		if err != nil {
			return "", fmt.Errorf("record canonical code version from heartbeat: %w", err)
		}
		return protocol.CodeStatusCurrent, nil
	}

	var cv CodeVersion
	err := d.db.GetContext(ctx, &cv, `SELECT * FROM code_versions ORDER BY id DESC LIMIT 1`)
	if err == sql.ErrNoRows {
		return protocol.CodeStatusUnknown, nil
	}
	if err != nil {
		return "", fmt.Errorf("load canonical code version: %w", err)
	}

	if commit == "" {
		return protocol.CodeStatusUnknown, nil
	}
	if commit == cv.CommitHash {
		return protocol.CodeStatusCurrent, nil
	}
	return protocol.CodeStatusOutdated, nil
}
