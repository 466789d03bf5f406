package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHExecutor runs commands on a remote node over SSH: a fresh connection
// per call rather than a pooled client, since there is no persistent
// agent-side SSH session to reuse and every call already carries its own
// timeout.
type SSHExecutor struct {
	Host    string
	User    string
	Port    int
	Signers []ssh.Signer
}

// NewSSHExecutor builds an executor targeting host:port as user, using the
// private key at keyPath for authentication.
func NewSSHExecutor(host, user string, port int, keyPath string) (*SSHExecutor, error) {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key %s: %w", keyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key %s: %w", keyPath, err)
	}
	return &SSHExecutor{Host: host, User: user, Port: port, Signers: []ssh.Signer{signer}}, nil
}

func (e *SSHExecutor) dial(ctx context.Context, timeout time.Duration) (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		User:            e.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(e.Signers...)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // #nosec G106 -- fleet nodes are pre-enrolled, no CA in this spec
		Timeout:         timeout,
	}
	addr := fmt.Sprintf("%s:%d", e.Host, e.Port)

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// Run executes command on the remote node within timeout.
func (e *SSHExecutor) Run(ctx context.Context, command string, timeout time.Duration) (Result, error) {
	client, err := e.dial(ctx, timeout)
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = client.Close() }()

	session, err := client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("open ssh session: %w", err)
	}
	defer func() { _ = session.Close() }()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return Result{}, ctx.Err()
	case <-time.After(timeout):
		_ = session.Signal(ssh.SIGKILL)
		return Result{}, fmt.Errorf("command timed out after %s", timeout)
	case runErr := <-done:
		result := Result{Stdout: stdout.String(), Stderr: stderr.String()}
		if runErr == nil {
			return result, nil
		}
		if exitErr, ok := runErr.(*ssh.ExitError); ok {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return result, fmt.Errorf("run command: %w", runErr)
	}
}

// Pull copies remotePath to localPath by streaming `cat remotePath` over an
// SSH session, avoiding a dependency on a separate SFTP/SCP subsystem.
func (e *SSHExecutor) Pull(ctx context.Context, remotePath, localPath string, timeout time.Duration) error {
	client, err := e.dial(ctx, timeout)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("open ssh session: %w", err)
	}
	defer func() { _ = session.Close() }()

	out, err := session.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}

	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create local file %s: %w", localPath, err)
	}
	defer func() { _ = f.Close() }()

	if err := session.Start(fmt.Sprintf("cat %s", shellQuote(remotePath))); err != nil {
		return fmt.Errorf("start remote cat: %w", err)
	}

	copyDone := make(chan error, 1)
	go func() {
		_, copyErr := io.Copy(f, out)
		copyDone <- copyErr
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case copyErr := <-copyDone:
		if copyErr != nil {
			return fmt.Errorf("copy remote file: %w", copyErr)
		}
		return session.Wait()
	}
}

// Push copies localPath to remotePath by streaming its contents into
// `cat > remotePath` on the target.
func (e *SSHExecutor) Push(ctx context.Context, localPath, remotePath string, timeout time.Duration) error {
	client, err := e.dial(ctx, timeout)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("open ssh session: %w", err)
	}
	defer func() { _ = session.Close() }()

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local file %s: %w", localPath, err)
	}
	defer func() { _ = f.Close() }()

	in, err := session.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}

	if err := session.Start(fmt.Sprintf("cat > %s", shellQuote(remotePath))); err != nil {
		return fmt.Errorf("start remote cat: %w", err)
	}

	copyDone := make(chan error, 1)
	go func() {
		_, copyErr := io.Copy(in, f)
		_ = in.Close()
		copyDone <- copyErr
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case copyErr := <-copyDone:
		if copyErr != nil {
			return fmt.Errorf("copy local file: %w", copyErr)
		}
		return session.Wait()
	}
}

func shellQuote(path string) string {
	return "'" + path + "'"
}
