// Package executor implements the remote command executor abstraction: an
// interface with SSH and local-shell variants exposing
// run(cmd, timeout) -> {exit, stdout, stderr}. The Job Engine (C8) uses it
// for package installs; the Backup Executor (C9) uses it for
// BGSAVE/LASTSAVE-equivalent commands and artefact copies.
package executor

import (
	"context"
	"time"
)

// Result is the outcome of a single remote command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Combined returns stdout and stderr concatenated, the shape the Job
// Engine retains as a job's output tail.
func (r Result) Combined() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// Executor runs commands and moves files against one node. The SSH variant
// targets a remote node over the network; the local-shell variant targets
// the machine the controller itself runs on, used by tests and by
// single-node deployments without SSH.
type Executor interface {
	// Run executes command, bounded by timeout, and reports its result.
	// A non-nil error means the command could not be attempted at all
	// (dial failure, timeout); a non-zero ExitCode with a nil error means
	// the command ran and failed.
	Run(ctx context.Context, command string, timeout time.Duration) (Result, error)

	// Push copies the local file at localPath to remotePath on the
	// target, used by the Backup Executor's restore flow.
	Push(ctx context.Context, localPath, remotePath string, timeout time.Duration) error

	// Pull copies remotePath on the target to the local file at
	// localPath, used by the Backup Executor's snapshot-copy step.
	Pull(ctx context.Context, remotePath, localPath string, timeout time.Duration) error
}
