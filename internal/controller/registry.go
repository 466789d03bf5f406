package controller

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/autobot-fleet/flm/internal/protocol"
)

// Registry is the Node Registry (C5): a persistent map of Nodes keyed by
// node_id, backed by SQLite via sqlx. Reads are consistent with the last
// committed write on the same writer; SQLite has one writer, and no
// cross-node transactions are required.
type Registry struct {
	db *sqlx.DB
}

// NewRegistry builds a Registry over db.
func NewRegistry(db *sqlx.DB) *Registry {
	return &Registry{db: db}
}

// Filter narrows Registry.List.
type Filter struct {
	CodeStatus string
}

// UpsertResult reports whether UpsertOnHeartbeat created a new Node row, so
// the Heartbeat Ingest handler can decide whether to emit node_registered.
type UpsertResult struct {
	Created  bool
	Previous *Node // nil when Created
}

// UpsertOnHeartbeat creates or updates a Node from heartbeat data. JIT
// registration: a heartbeat from an unknown node_id creates the Node row.
func (r *Registry) UpsertOnHeartbeat(ctx context.Context, nodeID string, req protocol.HeartbeatRequest) (UpsertResult, error) {
	extraJSON, err := json.Marshal(req.Extra)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("marshal extra: %w", err)
	}

	existing, err := r.Get(ctx, nodeID)
	if err != nil && err != sql.ErrNoRows {
		return UpsertResult{}, err
	}

	now := time.Now().UTC().Format(time.RFC3339)

	if existing == nil {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO nodes (node_id, hostname, ip, agent_version, os_info, code_version, code_status, last_seen, cpu_percent, mem_percent, disk_percent, extra, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 'unknown', ?, ?, ?, ?, ?, ?)
		`, nodeID, req.Hostname, nullableString(req.IP), req.AgentVersion, req.OSInfo, req.CodeVersion, now, req.CPUPercent, req.MemPercent, req.DiskPercent, string(extraJSON), now)
		if err != nil {
			return UpsertResult{}, fmt.Errorf("insert node %s: %w", nodeID, err)
		}
		return UpsertResult{Created: true}, nil
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE nodes SET hostname = ?, ip = ?, agent_version = ?, os_info = ?, code_version = ?,
			last_seen = ?, cpu_percent = ?, mem_percent = ?, disk_percent = ?, extra = ?
		WHERE node_id = ?
	`, req.Hostname, nullableString(req.IP), req.AgentVersion, req.OSInfo, req.CodeVersion,
		now, req.CPUPercent, req.MemPercent, req.DiskPercent, string(extraJSON), nodeID)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("update node %s: %w", nodeID, err)
	}
	return UpsertResult{Created: false, Previous: existing}, nil
}

// Get fetches a single node, returning (nil, nil) if not found (Get's
// sql.ErrNoRows is swallowed for caller convenience); any other database
// error is returned, so "not found" and "db error" stay distinguishable.
func (r *Registry) Get(ctx context.Context, nodeID string) (*Node, error) {
	var n Node
	err := r.db.GetContext(ctx, &n, `SELECT * FROM nodes WHERE node_id = ?`, nodeID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", nodeID, err)
	}
	return &n, nil
}

// List returns all nodes matching filter, ordered by node_id for
// deterministic output.
func (r *Registry) List(ctx context.Context, filter Filter) ([]Node, error) {
	query := `SELECT * FROM nodes`
	args := []any{}
	if filter.CodeStatus != "" {
		query += ` WHERE code_status = ?`
		args = append(args, filter.CodeStatus)
	}
	query += ` ORDER BY node_id`

	var nodes []Node
	if err := r.db.SelectContext(ctx, &nodes, query, args...); err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	return nodes, nil
}

// SetCodeStatus updates a node's code_status, called by the Code-Drift
// Detector (C11) after comparing against the canonical commit.
func (r *Registry) SetCodeStatus(ctx context.Context, nodeID, status string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE nodes SET code_status = ? WHERE node_id = ?`, status, nodeID)
	if err != nil {
		return fmt.Errorf("set code status for %s: %w", nodeID, err)
	}
	return nil
}

// Delete removes a Node row. This never cascades to the node's
// Jobs/Backups/Events; those rows are retained with a dangling node_id,
// and every query against them must tolerate that.
func (r *Registry) Delete(ctx context.Context, nodeID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM nodes WHERE node_id = ?`, nodeID)
	if err != nil {
		return fmt.Errorf("delete node %s: %w", nodeID, err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
