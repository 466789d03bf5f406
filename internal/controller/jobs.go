package controller

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/autobot-fleet/flm/internal/executor"
	"github.com/autobot-fleet/flm/internal/protocol"
)

// JobEngine is the Job Engine (C8): creates UpdateJobs, runs them in the
// background against a node's remote command executor, and tracks
// in-flight jobs so they can be cancelled, grounded in
// autobot-slm-backend/api/updates.py's apply_updates/_run_update_job/
// cancel_job and _running_jobs map.
type JobEngine struct {
	db       *sqlx.DB
	registry *Registry
	planner  *UpdatePlanner
	events   *EventLog
	hub      *Hub
	cfg      *Config
	metrics  *Metrics
	log      zerolog.Logger

	newExecutor func(node *Node) executor.Executor

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewJobEngine builds a JobEngine. newExecutor constructs the remote
// command executor for a node; production callers pass a function backed
// by executor.NewSSHExecutor, tests pass one backed by a fake. metrics
// may be nil.
func NewJobEngine(db *sqlx.DB, registry *Registry, planner *UpdatePlanner, events *EventLog, hub *Hub, cfg *Config, metrics *Metrics, log zerolog.Logger, newExecutor func(node *Node) executor.Executor) *JobEngine {
	return &JobEngine{
		db:          db,
		registry:    registry,
		planner:     planner,
		events:      events,
		hub:         hub,
		cfg:         cfg,
		metrics:     metrics,
		log:         log.With().Str("component", "job_engine").Logger(),
		newExecutor: newExecutor,
		running:     make(map[string]context.CancelFunc),
	}
}

// Apply validates nodeID and updateIDs, creates a pending UpdateJob row,
// and starts its background execution, returning the job id immediately
// the way apply_updates does (poll via Status, never blocks on
// completion).
func (j *JobEngine) Apply(ctx context.Context, nodeID string, updateIDs []string) (string, error) {
	node, err := j.registry.Get(ctx, nodeID)
	if err != nil {
		return "", fmt.Errorf("look up node %s: %w", nodeID, err)
	}
	if node == nil {
		return "", ErrNodeNotFound
	}

	updates, err := j.planner.Get(ctx, updateIDs)
	if err != nil {
		return "", err
	}
	if len(updates) == 0 {
		return "", ErrNoValidUpdates
	}

	jobID := newShortID()
	idsJSON, err := marshalUpdateIDs(updateIDs)
	if err != nil {
		return "", err
	}
	now := time.Now().UTC().Format(time.RFC3339)

	_, err = j.db.ExecContext(ctx, `
		INSERT INTO update_jobs (job_id, node_id, status, update_ids, total_steps, completed_steps, progress, output, created_at)
		VALUES (?, ?, ?, ?, ?, 0, 0, '', ?)
	`, jobID, nodeID, protocol.JobPending, idsJSON, len(updates), now)
	if err != nil {
		return "", fmt.Errorf("create update job: %w", err)
	}

	if _, err := j.events.Record(ctx, nodeID, protocol.EventDeploymentStarted, protocol.SeverityInfo,
		fmt.Sprintf("update job started: %d package(s)", len(updates)),
		map[string]any{"job_id": jobID, "update_ids": updateIDs}); err != nil {
		j.log.Error().Err(err).Msg("failed to record deployment_started event")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	j.mu.Lock()
	j.running[jobID] = cancel
	j.mu.Unlock()

	go j.run(runCtx, jobID, nodeID, node, updates)

	return jobID, nil
}

// run executes a job's steps sequentially. A failed step does not stop
// the remaining steps (updates.py's _run_update_job continues past a
// failed package and only fails the job as a whole at the end), so a
// single flaky package can't block the rest of the batch.
func (j *JobEngine) run(ctx context.Context, jobID, nodeID string, node *Node, updates []UpdateInfo) {
	defer func() {
		j.mu.Lock()
		delete(j.running, jobID)
		j.mu.Unlock()
	}()
	defer recoverPanic(j.log, "job_engine.run")

	started := time.Now().UTC().Format(time.RFC3339)
	if err := j.updateJob(context.Background(), jobID, `status = ?, started_at = ?`, protocol.JobRunning, started); err != nil {
		j.log.Error().Err(err).Str("job_id", jobID).Msg("failed to mark job running")
		return
	}
	j.broadcastProgress(jobID, nodeID, protocol.JobRunning, 0, "starting update process")

	exec := j.newExecutor(node)

	var outputLines []string
	var failedIDs []string
	completed := 0
	total := len(updates)
	cancelled := false

	for _, upd := range updates {
		select {
		case <-ctx.Done():
			cancelled = true
		default:
		}
		if cancelled {
			break
		}

		step := fmt.Sprintf("installing %s (%s)", upd.PackageName, upd.AvailableVersion)
		progress := int((float64(completed) / float64(total)) * 100)
		_ = j.updateJob(context.Background(), jobID, `current_step = ?`, step)
		j.broadcastProgress(jobID, nodeID, protocol.JobRunning, progress, step)

		result, err := exec.Run(ctx, installCommand(upd.PackageName), 5*time.Minute)
		success := err == nil && result.ExitCode == 0
		if success {
			if markErr := j.planner.MarkApplied(context.Background(), upd.UpdateID); markErr != nil {
				j.log.Error().Err(markErr).Str("update_id", upd.UpdateID).Msg("failed to mark update applied")
			}
			completed++
		} else {
			failedIDs = append(failedIDs, upd.UpdateID)
			if err != nil {
				outputLines = append(outputLines, fmt.Sprintf("ERROR: %s", err))
			} else {
				outputLines = append(outputLines, fmt.Sprintf("ERROR: exit %d: %s", result.ExitCode, result.Combined()))
			}
		}

		if out := result.Combined(); out != "" {
			outputLines = append(outputLines, out)
		}
		output := strings.Join(lastN(outputLines, 100), "\n")
		_ = j.updateJob(context.Background(), jobID, `completed_steps = ?, output = ?`, completed, output)
	}
	// A cancel that lands during the last step is only seen here; the job
	// still ends as cancelled.
	if ctx.Err() != nil {
		cancelled = true
	}

	completedAt := time.Now().UTC().Format(time.RFC3339)
	switch {
	case cancelled:
		_ = j.updateJob(context.Background(), jobID, `status = ?, completed_at = ?`, protocol.JobCancelled, completedAt)
		j.broadcastProgress(jobID, nodeID, protocol.JobCancelled, -1, "cancelled")
		j.recordOutcome(protocol.JobCancelled)
	case len(failedIDs) > 0:
		errMsg := fmt.Sprintf("failed to install %d package(s)", len(failedIDs))
		_ = j.updateJob(context.Background(), jobID, `status = ?, error = ?, progress = 100, current_step = 'completed', completed_at = ?`, protocol.JobFailed, errMsg, completedAt)
		j.broadcastProgress(jobID, nodeID, protocol.JobFailed, 100, fmt.Sprintf("completed: %d/%d applied", completed, total))
		j.recordOutcome(protocol.JobFailed)
		if _, err := j.events.Record(context.Background(), nodeID, protocol.EventDeploymentFailed, protocol.SeverityWarning,
			fmt.Sprintf("update job %s completed: %d/%d applied", jobID, completed, total),
			map[string]any{"job_id": jobID, "applied": completed, "failed": len(failedIDs)}); err != nil {
			j.log.Error().Err(err).Msg("failed to record deployment_failed event")
		}
	default:
		_ = j.updateJob(context.Background(), jobID, `status = ?, progress = 100, current_step = 'completed', completed_at = ?`, protocol.JobCompleted, completedAt)
		j.broadcastProgress(jobID, nodeID, protocol.JobCompleted, 100, fmt.Sprintf("completed: %d/%d applied", completed, total))
		j.recordOutcome(protocol.JobCompleted)
		if _, err := j.events.Record(context.Background(), nodeID, protocol.EventDeploymentCompleted, protocol.SeverityInfo,
			fmt.Sprintf("update job %s completed: %d/%d applied", jobID, completed, total),
			map[string]any{"job_id": jobID, "applied": completed, "failed": len(failedIDs)}); err != nil {
			j.log.Error().Err(err).Msg("failed to record deployment_completed event")
		}
	}
}

// Cancel stops a pending or running job. Terminal jobs are rejected with
// ErrJobNotCancellable.
func (j *JobEngine) Cancel(ctx context.Context, jobID string) error {
	job, err := j.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return ErrJobNotFound
	}
	if job.Status != protocol.JobPending && job.Status != protocol.JobRunning {
		return ErrJobNotCancellable
	}

	j.mu.Lock()
	if cancel, ok := j.running[jobID]; ok {
		cancel()
		delete(j.running, jobID)
	}
	j.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	return j.updateJob(ctx, jobID, `status = ?, completed_at = ?`, protocol.JobCancelled, now)
}

// Get fetches a job by id.
func (j *JobEngine) Get(ctx context.Context, jobID string) (*UpdateJob, error) {
	var job UpdateJob
	err := j.db.GetContext(ctx, &job, `SELECT * FROM update_jobs WHERE job_id = ?`, jobID)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return &job, nil
}

// List returns jobs ordered newest first, optionally filtered by node and
// status.
func (j *JobEngine) List(ctx context.Context, nodeID, status string, limit int) ([]UpdateJob, error) {
	query := `SELECT * FROM update_jobs WHERE 1=1`
	var args []any
	if nodeID != "" {
		query += ` AND node_id = ?`
		args = append(args, nodeID)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	var jobs []UpdateJob
	if err := j.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

func (j *JobEngine) updateJob(ctx context.Context, jobID, setClause string, args ...any) error {
	query := fmt.Sprintf(`UPDATE update_jobs SET %s WHERE job_id = ?`, setClause)
	_, err := j.db.ExecContext(ctx, query, append(args, jobID)...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", jobID, err)
	}
	return nil
}

func (j *JobEngine) recordOutcome(status string) {
	if j.metrics != nil {
		j.metrics.RecordJobRun(status)
	}
}

func (j *JobEngine) broadcastProgress(jobID, nodeID, status string, progress int, message string) {
	payload := map[string]any{
		"job_id":   jobID,
		"node_id":  nodeID,
		"status":   status,
		"progress": progress,
		"message":  message,
	}
	j.hub.Publish(TopicJob(jobID), protocol.EventJobProgress, payload)
	j.hub.Publish(TopicGlobal, protocol.EventJobProgress, payload)
}

// ToWire converts an UpdateJob to its API representation.
func (job UpdateJob) ToWire() protocol.UpdateJobWire {
	ids, _ := unmarshalUpdateIDs(job.UpdateIDs)
	return protocol.UpdateJobWire{
		JobID:          job.JobID,
		NodeID:         job.NodeID,
		Status:         job.Status,
		UpdateIDs:      ids,
		TotalSteps:     job.TotalSteps,
		CompletedSteps: job.CompletedSteps,
		Progress:       job.Progress,
		CurrentStep:    job.CurrentStep.String,
		Output:         job.Output,
		Error:          job.Error.String,
		CreatedAt:      job.CreatedAt,
		StartedAt:      job.StartedAt.String,
		CompletedAt:    job.CompletedAt.String,
	}
}

func installCommand(packageName string) string {
	return fmt.Sprintf("sudo apt-get install -y %s", shellQuoteArg(packageName))
}

func shellQuoteArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func lastN(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}
