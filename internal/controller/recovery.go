package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/autobot-fleet/flm/internal/protocol"
)

// RecoverNonTerminalState fails out every UpdateJob/Backup row left in a
// non-terminal status when the process last stopped. A job or backup
// that outlives a controller restart has no recovery path: its
// cancellation function and in-flight goroutine are gone, so leaving it
// pending/running would mean it runs forever against a running-jobs map
// that no longer exists. Call this before the HTTP server starts
// accepting traffic.
func RecoverNonTerminalState(ctx context.Context, db *sqlx.DB, log zerolog.Logger) error {
	now := time.Now().UTC().Format(time.RFC3339)

	jobsRes, err := db.ExecContext(ctx, `
		UPDATE update_jobs SET status = ?, error = ?, completed_at = ?
		WHERE status IN (?, ?)
	`, protocol.JobFailed, "controller restarted", now, protocol.JobPending, protocol.JobRunning)
	if err != nil {
		return fmt.Errorf("recover update jobs: %w", err)
	}
	if n, _ := jobsRes.RowsAffected(); n > 0 {
		log.Warn().Int64("count", n).Msg("failed non-terminal update jobs on startup")
	}

	backupsRes, err := db.ExecContext(ctx, `
		UPDATE backups SET status = ?, error = ?, completed_at = ?
		WHERE status IN (?, ?)
	`, protocol.BackupFailed, "controller restarted", now, protocol.BackupPending, protocol.BackupInProgress)
	if err != nil {
		return fmt.Errorf("recover backups: %w", err)
	}
	if n, _ := backupsRes.RowsAffected(); n > 0 {
		log.Warn().Int64("count", n).Msg("failed non-terminal backups on startup")
	}

	return nil
}
