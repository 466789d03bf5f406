// Package transport implements the Transport component (C4): an HTTP
// client with bounded retries and trace-context propagation, plus an
// ExtractTraceContext helper for reading trace headers on inbound
// requests.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Timeout floors for the outbound call categories this client makes.
const (
	ConnectTimeout     = 15 * time.Second
	HeartbeatTimeout   = 30 * time.Second
	EventSyncTimeout   = 300 * time.Second
	SCPTimeout         = 300 * time.Second
	PackageInstallTimeout = 300 * time.Second
	BackupCompletionTimeout = 120 * time.Second
)

// retryableStatusExempt holds status codes that must never be retried
// regardless of method: the request reached the server and was rejected
// on its merits, so retrying would just repeat the same rejection.
var retryableStatusExempt = map[int]bool{
	http.StatusBadRequest:          true,
	http.StatusForbidden:           true,
	http.StatusNotFound:            true,
	http.StatusUnprocessableEntity: true,
}

// Client is an HTTP client with bounded exponential-backoff retry for
// idempotent calls: base 1s, factor 2, cap 60s, max 3 attempts.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        zerolog.Logger
	tracer     *Tracer
}

// NewClient builds a Transport client. insecure disables TLS certificate
// verification and must be explicitly requested. token, if non-empty, is
// sent as a Bearer credential on every request.
func NewClient(baseURL string, insecure bool, token string, log zerolog.Logger, tracer *Tracer) *Client {
	transport := &http.Transport{}
	if insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- explicit opt-in only
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Transport: transport,
		},
		log:    log.With().Str("component", "transport").Logger(),
		tracer: tracer,
	}
}

// Request describes one outbound call.
type Request struct {
	Method      string
	Path        string
	Body        any
	Timeout     time.Duration
	Idempotent  bool // governs whether retry is attempted at all
	NodeID      string
	JobID       string
	BackupID    string
}

// Do executes req with retry/backoff applied only when Idempotent is true,
// and returns the raw response body.
func (c *Client) Do(ctx context.Context, req Request) ([]byte, int, error) {
	timeout := req.Timeout
	if timeout == 0 {
		timeout = HeartbeatTimeout
	}

	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = json.Marshal(req.Body)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal request body: %w", err)
		}
	}

	ctx, end := c.tracer.StartSpan(ctx, "transport."+req.Method+" "+req.Path, map[string]string{
		"service.namespace": "fleet",
		"node_id":           req.NodeID,
		"job_id":            req.JobID,
		"backup_id":         req.BackupID,
	})
	defer func() { end(nil) }()

	if !req.Idempotent {
		return c.doOnce(ctx, req, bodyBytes, timeout)
	}

	var respBody []byte
	var status int

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 1 * time.Second
	policy.Multiplier = 2
	policy.MaxInterval = 60 * time.Second
	policy.MaxElapsedTime = 0
	var retrier backoff.BackOff = backoff.WithMaxRetries(policy, 2) // base attempt + 2 retries = 3 attempts total
	retrier = backoff.WithContext(retrier, ctx)

	err := backoff.Retry(func() error {
		b, s, err := c.doOnce(ctx, req, bodyBytes, timeout)
		respBody, status = b, s
		if err == nil {
			return nil
		}
		if retryableStatusExempt[status] {
			return backoff.Permanent(err)
		}
		return err
	}, retrier)

	return respBody, status, err
}

func (c *Client) doOnce(ctx context.Context, req Request, body []byte, timeout time.Duration) ([]byte, int, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(callCtx, req.Method, c.baseURL+req.Path, reader)
	if err != nil {
		return nil, 0, err
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}
	InjectTraceHeaders(callCtx, httpReq.Header)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("request %s %s: %w", req.Method, req.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response from %s: %w", req.Path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return respBody, resp.StatusCode, fmt.Errorf("%s %s: status %d: %s", req.Method, req.Path, resp.StatusCode, string(respBody))
	}

	return respBody, resp.StatusCode, nil
}
