package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLocalExecutor_Run_Success(t *testing.T) {
	e := NewLocalExecutor()
	result, err := e.Run(context.Background(), "echo -n hello", 5*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", result.ExitCode)
	}
	if result.Stdout != "hello" {
		t.Fatalf("expected stdout=%q, got %q", "hello", result.Stdout)
	}
}

func TestLocalExecutor_Run_NonZeroExit(t *testing.T) {
	e := NewLocalExecutor()
	result, err := e.Run(context.Background(), "exit 7", 5*time.Second)
	if err != nil {
		t.Fatalf("Run should not return an error for a non-zero exit, got: %v", err)
	}
	if result.ExitCode != 7 {
		t.Fatalf("expected exit code 7, got %d", result.ExitCode)
	}
}

func TestLocalExecutor_Run_CapturesStderr(t *testing.T) {
	e := NewLocalExecutor()
	result, err := e.Run(context.Background(), "echo -n oops 1>&2", 5*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Stderr != "oops" {
		t.Fatalf("expected stderr=%q, got %q", "oops", result.Stderr)
	}
	if result.Combined() != "oops" {
		t.Fatalf("expected Combined() to fall back to stderr alone, got %q", result.Combined())
	}
}

func TestLocalExecutor_Run_TimeoutReportsError(t *testing.T) {
	e := NewLocalExecutor()
	_, err := e.Run(context.Background(), "sleep 5", 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected an error when the command exceeds its timeout")
	}
}

func TestLocalExecutor_PushAndPull_RoundTrip(t *testing.T) {
	e := NewLocalExecutor()
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")

	if err := os.WriteFile(src, []byte("payload"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := e.Push(context.Background(), src, dst, 5*time.Second); err != nil {
		t.Fatalf("Push: %v", err)
	}
	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("expected copied content %q, got %q", "payload", string(data))
	}

	dst2 := filepath.Join(dir, "dst2.txt")
	if err := e.Pull(context.Background(), src, dst2, 5*time.Second); err != nil {
		t.Fatalf("Pull: %v", err)
	}
	data2, err := os.ReadFile(dst2)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data2) != "payload" {
		t.Fatalf("expected pulled content %q, got %q", "payload", string(data2))
	}
}

func TestLocalExecutor_Pull_MissingSourceErrors(t *testing.T) {
	e := NewLocalExecutor()
	dir := t.TempDir()
	err := e.Pull(context.Background(), filepath.Join(dir, "does-not-exist"), filepath.Join(dir, "out"), 5*time.Second)
	if err == nil {
		t.Fatal("expected an error pulling a nonexistent source file")
	}
}

func TestResult_Combined(t *testing.T) {
	cases := []struct {
		name   string
		result Result
		want   string
	}{
		{"stdout only", Result{Stdout: "out"}, "out"},
		{"stderr only", Result{Stderr: "err"}, "err"},
		{"both", Result{Stdout: "out", Stderr: "err"}, "out\nerr"},
		{"neither", Result{}, ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.result.Combined(); got != c.want {
				t.Errorf("Combined() = %q, want %q", got, c.want)
			}
		})
	}
}
