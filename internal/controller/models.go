package controller

import "database/sql"

// Node is a registered fleet member. Mutated only by the Heartbeat
// Ingest (C6) and Code-Drift Detector (C11); deleted only by operator
// action, never cascaded.
type Node struct {
	NodeID       string         `db:"node_id"`
	Hostname     string         `db:"hostname"`
	IP           sql.NullString `db:"ip"`
	SSHUser      sql.NullString `db:"ssh_user"`
	SSHPort      sql.NullInt64  `db:"ssh_port"`
	AgentVersion string         `db:"agent_version"`
	OSInfo       string         `db:"os_info"`
	CodeVersion  string         `db:"code_version"`
	CodeStatus   string         `db:"code_status"`
	LastSeen     string         `db:"last_seen"`
	CPUPercent   float64        `db:"cpu_percent"`
	MemPercent   float64        `db:"mem_percent"`
	DiskPercent  float64        `db:"disk_percent"`
	Extra        sql.NullString `db:"extra"` // JSON blob of HeartbeatExtra
	CreatedAt    string         `db:"created_at"`
}

// NodeEvent is an append-only log entry for a node, the broadcaster's
// source of truth.
type NodeEvent struct {
	EventID       string         `db:"event_id"`
	NodeID        string         `db:"node_id"`
	Type          string         `db:"type"`
	Severity      string         `db:"severity"`
	Message       string         `db:"message"`
	Details       sql.NullString `db:"details"`
	SourceEventID sql.NullInt64  `db:"source_event_id"`
	CreatedAt     string         `db:"created_at"`
}

// UpdateInfo is one available package update. NodeID is null for a
// fleet-global update.
type UpdateInfo struct {
	UpdateID         string         `db:"update_id"`
	NodeID           sql.NullString `db:"node_id"`
	PackageName      string         `db:"package_name"`
	CurrentVersion   string         `db:"current_version"`
	AvailableVersion string         `db:"available_version"`
	Severity         string         `db:"severity"`
	IsApplied        bool           `db:"is_applied"`
	AppliedAt        sql.NullString `db:"applied_at"`
	CreatedAt        string         `db:"created_at"`
}

// UpdateJob tracks one in-flight or completed batch of package installs
// applied to a node, with its pending/running/completed/failed/cancelled
// state machine.
type UpdateJob struct {
	JobID          string         `db:"job_id"`
	NodeID         string         `db:"node_id"`
	Status         string         `db:"status"`
	UpdateIDs      string         `db:"update_ids"` // JSON array
	TotalSteps     int            `db:"total_steps"`
	CompletedSteps int            `db:"completed_steps"`
	Progress       int            `db:"progress"`
	CurrentStep    sql.NullString `db:"current_step"`
	Output         string         `db:"output"`
	Error          sql.NullString `db:"error"`
	CreatedAt      string         `db:"created_at"`
	StartedAt      sql.NullString `db:"started_at"`
	CompletedAt    sql.NullString `db:"completed_at"`
}

// Backup tracks one Redis snapshot/restore run against a node.
type Backup struct {
	BackupID    string         `db:"backup_id"`
	NodeID      string         `db:"node_id"`
	Service     string         `db:"service"`
	Status      string         `db:"status"`
	BackupPath  sql.NullString `db:"backup_path"`
	SizeBytes   sql.NullInt64  `db:"size_bytes"`
	Checksum    sql.NullString `db:"checksum"`
	Extra       sql.NullString `db:"extra"` // JSON blob
	StartedAt   sql.NullString `db:"started_at"`
	CompletedAt sql.NullString `db:"completed_at"`
	Error       sql.NullString `db:"error"`
}

// CodeVersion is the canonical commit every other node's code_status is
// compared against.
type CodeVersion struct {
	ID         int    `db:"id"`
	CommitHash string `db:"commit_hash"`
	Branch     sql.NullString `db:"branch"`
	Message    sql.NullString `db:"message"`
	Source     string `db:"source"` // "git-hook" | "heartbeat"
	ObservedAt string `db:"observed_at"`
}
