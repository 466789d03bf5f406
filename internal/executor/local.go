package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// LocalExecutor runs commands on the machine the controller itself is
// running on: the local-shell variant. Used by tests and by deployments
// that manage the controller's own host without SSH in the loop.
type LocalExecutor struct{}

// NewLocalExecutor builds a LocalExecutor.
func NewLocalExecutor() *LocalExecutor { return &LocalExecutor{} }

// Run executes command via /bin/sh -c, bounded by timeout.
func (e *LocalExecutor) Run(ctx context.Context, command string, timeout time.Duration) (Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	if err == nil {
		return result, nil
	}
	if runCtx.Err() != nil {
		return result, fmt.Errorf("command timed out after %s", timeout)
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	return result, fmt.Errorf("run command: %w", err)
}

// Pull copies remotePath to localPath on the same filesystem.
func (e *LocalExecutor) Pull(ctx context.Context, remotePath, localPath string, timeout time.Duration) error {
	return copyFile(remotePath, localPath)
}

// Push copies localPath to remotePath on the same filesystem.
func (e *LocalExecutor) Push(ctx context.Context, localPath, remotePath string, timeout time.Duration) error {
	return copyFile(localPath, remotePath)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	return nil
}
