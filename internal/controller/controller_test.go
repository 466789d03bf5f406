package controller

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/autobot-fleet/flm/internal/executor"
	"github.com/autobot-fleet/flm/internal/protocol"
)

func newTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := InitDatabase(filepath.Join(t.TempDir(), "flm.db"))
	if err != nil {
		t.Fatalf("InitDatabase: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testConfig() *Config {
	return &Config{
		ListenAddr:           ":0",
		DBPath:               ":memory:",
		BackupDir:            "",
		AgentToken:           "test-token",
		SSHUser:              "autobot",
		SSHPort:              22,
		HeartbeatInterval:    30 * time.Second,
		StaleMultiplier:      6,
		StaleMinimum:         5 * time.Minute,
		StaleCleanupInterval: time.Hour,
		SamplerRatio:         1.0,
	}
}

func newHeartbeat(hostname, codeVersion string) protocol.HeartbeatRequest {
	return protocol.HeartbeatRequest{
		CPUPercent:   10,
		MemPercent:   20,
		DiskPercent:  30,
		AgentVersion: "1.0.0",
		OSInfo:       "test-os",
		CodeVersion:  codeVersion,
		Hostname:     hostname,
		Extra: protocol.HeartbeatExtra{
			Services: map[string]string{"nginx": "active"},
		},
	}
}

// noopExecutorFactory returns a newExecutor func suitable for wiring
// components that need one but whose tests never actually dispatch a
// remote command.
func noopExecutorFactory(_ *Node) executor.Executor { return &fakeExecutor{} }

// fakeExecutor is a scriptable executor.Executor for Job Engine and Backup
// Executor tests, standing in for the SSH/local-shell variants.
type fakeExecutor struct {
	run  func(ctx context.Context, cmd string, timeout time.Duration) (executor.Result, error)
	pull func(ctx context.Context, remotePath, localPath string, timeout time.Duration) error
	push func(ctx context.Context, localPath, remotePath string, timeout time.Duration) error
}

func (f *fakeExecutor) Run(ctx context.Context, cmd string, timeout time.Duration) (executor.Result, error) {
	if f.run != nil {
		return f.run(ctx, cmd, timeout)
	}
	return executor.Result{ExitCode: 0}, nil
}

func (f *fakeExecutor) Pull(ctx context.Context, remotePath, localPath string, timeout time.Duration) error {
	if f.pull != nil {
		return f.pull(ctx, remotePath, localPath, timeout)
	}
	return nil
}

func (f *fakeExecutor) Push(ctx context.Context, localPath, remotePath string, timeout time.Duration) error {
	if f.push != nil {
		return f.push(ctx, localPath, remotePath, timeout)
	}
	return nil
}

func testLogger() zerolog.Logger { return zerolog.Nop() }

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
