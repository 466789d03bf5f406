package controller

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/autobot-fleet/flm/internal/executor"
	"github.com/autobot-fleet/flm/internal/protocol"
)

// bgsavePollInterval and bgsaveMaxWait reproduce backup.py's
// _wait_for_bgsave polling loop: check LASTSAVE every 2s, give up after
// 120s.
const (
	bgsavePollInterval = 2 * time.Second
	bgsaveMaxWait      = 120 * time.Second
)

// BackupExecutor is the Backup Executor (C9): triggers a Redis BGSAVE on
// a node over its remote command executor, pulls the RDB file into local
// storage, verifies its checksum, and restores it to a (possibly
// different) target node. Grounded in slm-server/services/backup.py's
// BackupService.
type BackupExecutor struct {
	db        *sqlx.DB
	registry  *Registry
	events    *EventLog
	hub       *Hub
	backupDir string
	metrics   *Metrics
	log       zerolog.Logger

	newExecutor func(node *Node) executor.Executor
}

// NewBackupExecutor builds a BackupExecutor rooted at backupDir. metrics
// may be nil.
func NewBackupExecutor(db *sqlx.DB, registry *Registry, events *EventLog, hub *Hub, backupDir string, metrics *Metrics, log zerolog.Logger, newExecutor func(node *Node) executor.Executor) *BackupExecutor {
	return &BackupExecutor{
		db:          db,
		registry:    registry,
		events:      events,
		hub:         hub,
		backupDir:   backupDir,
		metrics:     metrics,
		log:         log.With().Str("component", "backup_executor").Logger(),
		newExecutor: newExecutor,
	}
}

type backupExtra struct {
	Location       string `json:"location"`
	Host           string `json:"host,omitempty"`
	CopyError      string `json:"copy_error,omitempty"`
	RemoteChecksum string `json:"remote_checksum,omitempty"`
	LocalChecksum  string `json:"local_checksum,omitempty"`
	ChecksumWarn   string `json:"checksum_warning,omitempty"`
}

// Run creates a pending Backup row for nodeID/service and starts its
// background execution, returning the backup id immediately.
func (b *BackupExecutor) Run(ctx context.Context, nodeID, service string) (string, error) {
	node, err := b.registry.Get(ctx, nodeID)
	if err != nil {
		return "", fmt.Errorf("look up node %s: %w", nodeID, err)
	}
	if node == nil {
		return "", ErrNodeNotFound
	}
	if service == "" {
		service = "redis"
	}

	backupID := newShortID()
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO backups (backup_id, node_id, service, status)
		VALUES (?, ?, ?, ?)
	`, backupID, nodeID, service, protocol.BackupPending)
	if err != nil {
		return "", fmt.Errorf("create backup: %w", err)
	}

	go b.execute(context.Background(), backupID, node)

	return backupID, nil
}

func (b *BackupExecutor) execute(ctx context.Context, backupID string, node *Node) {
	defer recoverPanic(b.log, "backup_executor.execute")

	started := time.Now().UTC().Format(time.RFC3339)
	if err := b.setStatus(ctx, backupID, protocol.BackupInProgress, `started_at = ?`, started); err != nil {
		b.log.Error().Err(err).Str("backup_id", backupID).Msg("failed to mark backup in_progress")
		return
	}
	b.hub.Publish(TopicGlobal, protocol.EventBackupStarted, map[string]string{"backup_id": backupID, "node_id": node.NodeID})

	exec := b.newExecutor(node)
	redisAuthPrefix := b.discoverAuthPrefix(ctx, exec)
	rdbPath := b.discoverRDBPath(ctx, exec, redisAuthPrefix)

	bgsaveCmd := redisAuthPrefix + "redis-cli BGSAVE"
	result, err := exec.Run(ctx, strings.TrimSpace(bgsaveCmd), 30*time.Second)
	if err != nil || result.ExitCode != 0 {
		b.fail(ctx, backupID, fmt.Sprintf("BGSAVE failed: %s", result.Combined()))
		return
	}

	if !b.waitForBGSave(ctx, exec, redisAuthPrefix) {
		b.log.Warn().Str("backup_id", backupID).Msg("timed out waiting for BGSAVE confirmation, proceeding anyway")
	}

	sizeBytes := b.discoverRemoteSize(ctx, exec, rdbPath)
	remoteChecksum := b.discoverRemoteChecksum(ctx, exec, rdbPath)

	timestamp := time.Now().UTC().Format("20060102_150405")
	filename := fmt.Sprintf("%s_%s.rdb", backupID, timestamp)
	localPath := filepath.Join(b.backupDir, filename)

	if err := os.MkdirAll(b.backupDir, 0o750); err != nil {
		b.fail(ctx, backupID, fmt.Sprintf("cannot create backup directory: %s", err))
		return
	}

	pullErr := exec.Pull(ctx, rdbPath, localPath, 5*time.Minute)

	var extra backupExtra
	var backupPath string
	var finalSize int64 = sizeBytes
	var checksum string

	if pullErr != nil {
		// Backup exists on the remote host but the copy failed; still
		// record it as completed rather than losing the attempt entirely.
		extra = backupExtra{Location: "remote", Host: node.Hostname, CopyError: pullErr.Error()}
		backupPath = rdbPath
		checksum = remoteChecksum
	} else {
		localChecksum, err := checksumFile(localPath)
		if err != nil {
			b.log.Warn().Err(err).Str("backup_id", backupID).Msg("failed to compute local checksum")
		}
		if remoteChecksum != "" && localChecksum != remoteChecksum {
			extra.ChecksumWarn = "mismatch detected"
			b.log.Warn().Str("backup_id", backupID).Str("remote", remoteChecksum).Str("local", localChecksum).Msg("checksum mismatch")
		}
		extra.Location = "local"
		extra.RemoteChecksum = remoteChecksum
		extra.LocalChecksum = localChecksum
		backupPath = localPath
		checksum = localChecksum
		if checksum == "" {
			checksum = remoteChecksum
		}
		if info, err := os.Stat(localPath); err == nil {
			finalSize = info.Size()
		}
	}

	extraJSON, _ := json.Marshal(extra)
	completedAt := time.Now().UTC().Format(time.RFC3339)
	_, err = b.db.ExecContext(ctx, `
		UPDATE backups SET status = ?, backup_path = ?, size_bytes = ?, checksum = ?, extra = ?, completed_at = ?
		WHERE backup_id = ?
	`, protocol.BackupCompleted, backupPath, finalSize, nullableString(checksum), string(extraJSON), completedAt, backupID)
	if err != nil {
		b.log.Error().Err(err).Str("backup_id", backupID).Msg("failed to finalize backup row")
		return
	}

	if _, err := b.events.Record(ctx, node.NodeID, protocol.EventBackupCompleted, protocol.SeverityInfo,
		fmt.Sprintf("backup %s completed", backupID), map[string]any{"backup_id": backupID, "size_bytes": finalSize}); err != nil {
		b.log.Error().Err(err).Msg("failed to record backup_completed event")
	}
	b.hub.Publish(TopicGlobal, protocol.EventBackupCompleted, map[string]any{"backup_id": backupID, "node_id": node.NodeID})
	if b.metrics != nil {
		b.metrics.RecordBackupRun(protocol.BackupCompleted)
	}
}

func (b *BackupExecutor) discoverAuthPrefix(ctx context.Context, exec executor.Executor) string {
	result, err := exec.Run(ctx, `grep -E '^requirepass' /etc/redis/redis.conf 2>/dev/null | awk '{print $2}'`, 10*time.Second)
	if err != nil || result.ExitCode != 0 || strings.TrimSpace(result.Stdout) == "" {
		return ""
	}
	return `REDISCLI_AUTH="` + strings.TrimSpace(result.Stdout) + `" `
}

func (b *BackupExecutor) discoverRDBPath(ctx context.Context, exec executor.Executor, authPrefix string) string {
	dir, filename := "/var/lib/redis", "dump.rdb"
	result, err := exec.Run(ctx, authPrefix+"redis-cli CONFIG GET dir && "+authPrefix+"redis-cli CONFIG GET dbfilename", 15*time.Second)
	if err == nil && result.ExitCode == 0 {
		lines := nonEmptyLines(result.Stdout)
		for i, line := range lines {
			switch line {
			case "dir":
				if i+1 < len(lines) {
					dir = lines[i+1]
				}
			case "dbfilename":
				if i+1 < len(lines) {
					filename = lines[i+1]
				}
			}
		}
	}
	return dir + "/" + filename
}

func (b *BackupExecutor) discoverRemoteSize(ctx context.Context, exec executor.Executor, rdbPath string) int64 {
	result, err := exec.Run(ctx, fmt.Sprintf(`stat -c '%%s' %s 2>/dev/null || echo '0'`, rdbPath), 15*time.Second)
	if err != nil || result.ExitCode != 0 {
		return 0
	}
	lines := nonEmptyLines(result.Stdout)
	if len(lines) == 0 {
		return 0
	}
	size, _ := strconv.ParseInt(lines[len(lines)-1], 10, 64)
	return size
}

func (b *BackupExecutor) discoverRemoteChecksum(ctx context.Context, exec executor.Executor, rdbPath string) string {
	result, err := exec.Run(ctx, fmt.Sprintf(`sha256sum %s 2>/dev/null | cut -d' ' -f1`, rdbPath), 60*time.Second)
	if err != nil || result.ExitCode != 0 {
		return ""
	}
	return strings.TrimSpace(result.Stdout)
}

// waitForBGSave polls LASTSAVE until it advances past its starting value
// or bgsaveMaxWait elapses.
func (b *BackupExecutor) waitForBGSave(ctx context.Context, exec executor.Executor, authPrefix string) bool {
	deadline := time.Now().Add(bgsaveMaxWait)
	var initial int64 = -1
	for time.Now().Before(deadline) {
		result, err := exec.Run(ctx, authPrefix+"redis-cli LASTSAVE", 10*time.Second)
		if err == nil && result.ExitCode == 0 {
			if v, convErr := strconv.ParseInt(strings.TrimSpace(result.Stdout), 10, 64); convErr == nil {
				if initial == -1 {
					initial = v
				} else if v > initial {
					return true
				}
			}
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(bgsavePollInterval):
		}
	}
	return false
}

func (b *BackupExecutor) fail(ctx context.Context, backupID, message string) {
	if len(message) > 500 {
		message = message[:500]
	}
	completedAt := time.Now().UTC().Format(time.RFC3339)
	if err := b.setStatus(ctx, backupID, protocol.BackupFailed, `error = ?, completed_at = ?`, message, completedAt); err != nil {
		b.log.Error().Err(err).Str("backup_id", backupID).Msg("failed to record backup failure")
	}
	backup, _ := b.Get(ctx, backupID)
	if backup != nil {
		if _, err := b.events.Record(ctx, backup.NodeID, protocol.EventBackupFailed, protocol.SeverityError,
			fmt.Sprintf("backup %s failed: %s", backupID, message), nil); err != nil {
			b.log.Error().Err(err).Msg("failed to record backup_failed event")
		}
	}
	b.hub.Publish(TopicGlobal, protocol.EventBackupFailed, map[string]string{"backup_id": backupID, "error": message})
	if b.metrics != nil {
		b.metrics.RecordBackupRun(protocol.BackupFailed)
	}
}

func (b *BackupExecutor) setStatus(ctx context.Context, backupID, status, extraSet string, args ...any) error {
	query := fmt.Sprintf(`UPDATE backups SET status = ?, %s WHERE backup_id = ?`, extraSet)
	allArgs := append([]any{status}, args...)
	allArgs = append(allArgs, backupID)
	_, err := b.db.ExecContext(ctx, query, allArgs...)
	if err != nil {
		return fmt.Errorf("set backup %s status: %w", backupID, err)
	}
	return nil
}

// Get fetches a backup by id.
func (b *BackupExecutor) Get(ctx context.Context, backupID string) (*Backup, error) {
	var bk Backup
	err := b.db.GetContext(ctx, &bk, `SELECT * FROM backups WHERE backup_id = ?`, backupID)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get backup %s: %w", backupID, err)
	}
	return &bk, nil
}

// List returns backups for nodeID ordered newest first, or every backup
// if nodeID is empty.
func (b *BackupExecutor) List(ctx context.Context, nodeID string, limit int) ([]Backup, error) {
	var backups []Backup
	var err error
	if nodeID == "" {
		err = b.db.SelectContext(ctx, &backups, `SELECT * FROM backups ORDER BY started_at DESC LIMIT ?`, limit)
	} else {
		err = b.db.SelectContext(ctx, &backups, `SELECT * FROM backups WHERE node_id = ? ORDER BY started_at DESC LIMIT ?`, nodeID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	return backups, nil
}

// Verify recomputes a local backup file's checksum and compares it
// against the stored value, reproducing verify_backup_integrity's
// degraded-but-valid semantics when no checksum was stored.
func (b *BackupExecutor) Verify(ctx context.Context, backupID string) (protocol.VerifyBackupResponse, error) {
	backup, err := b.Get(ctx, backupID)
	if err != nil {
		return protocol.VerifyBackupResponse{}, err
	}
	if backup == nil {
		return protocol.VerifyBackupResponse{}, ErrBackupNotFound
	}
	if !backup.BackupPath.Valid {
		return protocol.VerifyBackupResponse{Valid: false, Error: "backup file not found"}, nil
	}
	if _, err := os.Stat(backup.BackupPath.String); err != nil {
		return protocol.VerifyBackupResponse{Valid: false, Error: "backup file not found"}, nil
	}

	actual, err := checksumFile(backup.BackupPath.String)
	if err != nil {
		return protocol.VerifyBackupResponse{Valid: false, Error: fmt.Sprintf("checksum failed: %s", err)}, nil
	}

	if !backup.Checksum.Valid || backup.Checksum.String == "" {
		return protocol.VerifyBackupResponse{Valid: true, Checksum: actual, Warning: "no stored checksum to verify against"}, nil
	}
	if actual == backup.Checksum.String {
		return protocol.VerifyBackupResponse{Valid: true, Checksum: actual}, nil
	}
	return protocol.VerifyBackupResponse{
		Valid:            false,
		ExpectedChecksum: backup.Checksum.String,
		ActualChecksum:   actual,
		Error:            "checksum mismatch, backup may be corrupted",
	}, nil
}

// Restore copies a completed backup to targetNodeID, stopping and
// restarting the target's Redis service around the file move, and
// verifies the service is healthy afterward.
func (b *BackupExecutor) Restore(ctx context.Context, backupID, targetNodeID string) (protocol.SimpleResult, error) {
	backup, err := b.Get(ctx, backupID)
	if err != nil {
		return protocol.SimpleResult{}, err
	}
	if backup == nil {
		return protocol.SimpleResult{}, ErrBackupNotFound
	}
	if backup.Status != protocol.BackupCompleted {
		return protocol.SimpleResult{}, ErrBackupNotRestoreable
	}

	target, err := b.registry.Get(ctx, targetNodeID)
	if err != nil {
		return protocol.SimpleResult{}, fmt.Errorf("look up target node %s: %w", targetNodeID, err)
	}
	if target == nil {
		return protocol.SimpleResult{}, ErrNodeNotFound
	}

	exec := b.newExecutor(target)

	if _, err := exec.Run(ctx, "sudo systemctl stop redis-server", 30*time.Second); err != nil {
		b.log.Warn().Err(err).Msg("failed to stop redis before restore, continuing")
	}

	var extra backupExtra
	if backup.Extra.Valid {
		_ = json.Unmarshal([]byte(backup.Extra.String), &extra)
	}

	if extra.Location == "local" {
		if err := exec.Push(ctx, backup.BackupPath.String, "/tmp/restore.rdb", 5*time.Minute); err != nil {
			return protocol.SimpleResult{Success: false, Message: "failed to copy backup to target"}, nil
		}
		result, err := exec.Run(ctx, "sudo mv /tmp/restore.rdb /var/lib/redis/dump.rdb && sudo chown redis:redis /var/lib/redis/dump.rdb", 30*time.Second)
		if err != nil || result.ExitCode != 0 {
			return protocol.SimpleResult{Success: false, Message: fmt.Sprintf("failed to move backup file: %s", result.Combined())}, nil
		}
	} else {
		result, err := exec.Run(ctx, fmt.Sprintf("test -f %s && echo 'exists'", backup.BackupPath.String), 10*time.Second)
		if err != nil || result.ExitCode != 0 || !strings.Contains(result.Stdout, "exists") {
			return protocol.SimpleResult{Success: false, Message: "backup file not found on target"}, nil
		}
	}

	result, err := exec.Run(ctx, "sudo systemctl start redis-server", 30*time.Second)
	if err != nil || result.ExitCode != 0 {
		return protocol.SimpleResult{Success: false, Message: fmt.Sprintf("failed to start redis: %s", result.Combined())}, nil
	}

	time.Sleep(3 * time.Second)

	result, err = exec.Run(ctx, "redis-cli PING && redis-cli DBSIZE", 15*time.Second)
	if err != nil || result.ExitCode != 0 || !strings.Contains(result.Stdout, "PONG") {
		return protocol.SimpleResult{Success: false, Message: fmt.Sprintf("redis not healthy after restore: %s", result.Combined())}, nil
	}

	return protocol.SimpleResult{Success: true, Message: fmt.Sprintf("restore completed. redis status: %s", strings.TrimSpace(result.Stdout))}, nil
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
