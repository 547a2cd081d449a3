// Package queueclient implements the JSON-over-HTTP queue protocol the
// worker uses to claim jobs, renew leases, report progress, and issue the
// single terminal transition for a claimed job.
package queueclient

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/moonmindlabs/worker/pkg/workerrors"
)

const (
	workerTokenHeader   = "X-MoonMind-Worker-Token"
	affinityKeyHeader   = "X-MoonMind-Affinity-Key"
	defaultRequestTimeout = 30 * time.Second
)

// Config configures a Client.
type Config struct {
	BaseURL        string
	WorkerToken    string
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

// Client is a thin HTTP client over the control plane's /api/queue surface.
// Every method owns its own request context timeout; callers pass a parent
// context for cancellation propagation only.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	timeout    time.Duration
}

// New builds a Client. BaseURL must be non-empty.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, &workerrors.QueueClientError{Path: "", Err: fmt.Errorf("base URL is required")}
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		token:      cfg.WorkerToken,
		httpClient: httpClient,
		timeout:    timeout,
	}, nil
}

// ClaimRequest is the body of POST /jobs/claim.
type ClaimRequest struct {
	WorkerID           string   `json:"workerId"`
	LeaseSeconds       int      `json:"leaseSeconds"`
	AllowedTypes       []string `json:"allowedTypes"`
	WorkerCapabilities []string `json:"workerCapabilities"`
	AffinityKey        string   `json:"-"`
}

// Job is the claimed job envelope.
type Job struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type claimResponse struct {
	Job *Job `json:"job"`
}

// Claim attempts to claim at most one job. Returns (nil, nil) when the
// queue has nothing available for this worker.
func (c *Client) Claim(ctx context.Context, req ClaimRequest) (*Job, error) {
	var resp claimResponse
	headers := map[string]string{}
	if req.AffinityKey != "" {
		headers[affinityKeyHeader] = req.AffinityKey
	}
	if err := c.doJSON(ctx, "/jobs/claim", req, &resp, headers); err != nil {
		return nil, err
	}
	return resp.Job, nil
}

// HeartbeatRequest is the body of POST /jobs/{id}/heartbeat.
type HeartbeatRequest struct {
	WorkerID     string `json:"workerId"`
	LeaseSeconds int    `json:"leaseSeconds"`
}

// HeartbeatResponse carries an optional cooperative-cancellation request.
type HeartbeatResponse struct {
	CancelRequestedAt string `json:"cancelRequestedAt,omitempty"`
}

// Heartbeat renews the lease on jobID and reports whether the server
// requested cancellation.
func (c *Client) Heartbeat(ctx context.Context, jobID string, req HeartbeatRequest) (HeartbeatResponse, error) {
	var resp HeartbeatResponse
	path := fmt.Sprintf("/jobs/%s/heartbeat", jobID)
	if err := c.doJSON(ctx, path, req, &resp, nil); err != nil {
		return HeartbeatResponse{}, err
	}
	return resp, nil
}

// AckCancelRequest is the body of POST /jobs/{id}/ack-cancel.
type AckCancelRequest struct {
	WorkerID string `json:"workerId"`
	Message  string `json:"message,omitempty"`
}

// AckCancel confirms acceptance of a cancellation request. Terminal: no
// subsequent complete/fail call is permitted for this job.
func (c *Client) AckCancel(ctx context.Context, jobID string, req AckCancelRequest) error {
	path := fmt.Sprintf("/jobs/%s/ack-cancel", jobID)
	return c.doJSON(ctx, path, req, nil, nil)
}

// CompleteRequest is the body of POST /jobs/{id}/complete.
type CompleteRequest struct {
	WorkerID      string `json:"workerId"`
	ResultSummary string `json:"resultSummary,omitempty"`
}

// Complete issues the success terminal transition.
func (c *Client) Complete(ctx context.Context, jobID string, req CompleteRequest) error {
	path := fmt.Sprintf("/jobs/%s/complete", jobID)
	return c.doJSON(ctx, path, req, nil, nil)
}

// FailRequest is the body of POST /jobs/{id}/fail.
type FailRequest struct {
	WorkerID     string `json:"workerId"`
	ErrorMessage string `json:"errorMessage"`
	Retryable    bool   `json:"retryable"`
}

// Fail issues the failure terminal transition. Callers must have already
// redacted ErrorMessage through the secret redactor.
func (c *Client) Fail(ctx context.Context, jobID string, req FailRequest) error {
	path := fmt.Sprintf("/jobs/%s/fail", jobID)
	return c.doJSON(ctx, path, req, nil, nil)
}

// EventLevel enumerates the structured event severities.
type EventLevel string

const (
	EventInfo  EventLevel = "info"
	EventWarn  EventLevel = "warn"
	EventError EventLevel = "error"
)

// EventRequest is the body of POST /jobs/{id}/events.
type EventRequest struct {
	WorkerID string         `json:"workerId"`
	Level    EventLevel     `json:"level"`
	Message  string         `json:"message"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// AppendEvent emits a best-effort structured log event. Any failure is
// returned to the caller, which decides whether to log and drop it; a
// failed event must never block a terminal transition.
func (c *Client) AppendEvent(ctx context.Context, jobID string, req EventRequest) error {
	path := fmt.Sprintf("/jobs/%s/events", jobID)
	err := c.doJSON(ctx, path, req, nil, nil)
	if err != nil {
		return err
	}
	return nil
}

// Artifact describes a local file to be uploaded alongside its queue-facing
// name and content type.
type Artifact struct {
	Name        string
	LocalPath   string
	ContentType string
}

// UploadArtifactResult reports the digest computed for an uploaded artifact.
type UploadArtifactResult struct {
	Digest string
}

// UploadArtifact uploads a local file as a multipart artifact, computing a
// SHA-256 digest. Fails with *workerrors.QueueClientError if the local file
// is missing.
func (c *Client) UploadArtifact(ctx context.Context, jobID, workerID string, artifact Artifact) (UploadArtifactResult, error) {
	path := fmt.Sprintf("/jobs/%s/artifacts/upload", jobID)

	f, err := os.Open(artifact.LocalPath)
	if err != nil {
		return UploadArtifactResult{}, &workerrors.QueueClientError{Path: path, Err: fmt.Errorf("open artifact %s: %w", artifact.LocalPath, err)}
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return UploadArtifactResult{}, &workerrors.QueueClientError{Path: path, Err: fmt.Errorf("digest artifact %s: %w", artifact.LocalPath, err)}
	}
	digest := hex.EncodeToString(hasher.Sum(nil))

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return UploadArtifactResult{}, &workerrors.QueueClientError{Path: path, Err: fmt.Errorf("rewind artifact %s: %w", artifact.LocalPath, err)}
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	_ = writer.WriteField("name", artifact.Name)
	_ = writer.WriteField("workerId", workerID)
	_ = writer.WriteField("digest", digest)
	if artifact.ContentType != "" {
		_ = writer.WriteField("contentType", artifact.ContentType)
	}
	part, err := writer.CreateFormFile("file", filepath.Base(artifact.LocalPath))
	if err != nil {
		return UploadArtifactResult{}, &workerrors.QueueClientError{Path: path, Err: fmt.Errorf("build multipart request: %w", err)}
	}
	if _, err := io.Copy(part, f); err != nil {
		return UploadArtifactResult{}, &workerrors.QueueClientError{Path: path, Err: fmt.Errorf("copy artifact into request: %w", err)}
	}
	if err := writer.Close(); err != nil {
		return UploadArtifactResult{}, &workerrors.QueueClientError{Path: path, Err: fmt.Errorf("close multipart writer: %w", err)}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+path, &body)
	if err != nil {
		return UploadArtifactResult{}, &workerrors.QueueClientError{Path: path, Err: err}
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	c.applyAuth(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return UploadArtifactResult{}, &workerrors.QueueClientError{Path: path, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return UploadArtifactResult{}, &workerrors.QueueClientError{Path: path, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	return UploadArtifactResult{Digest: digest}, nil
}

// Ping performs a lightweight reachability check against the control
// plane, for use by the worker's readiness probe. It does not claim or
// otherwise mutate anything server-side.
func (c *Client) Ping(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return &workerrors.QueueClientError{Path: "/healthz", Err: err}
	}
	c.applyAuth(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &workerrors.QueueClientError{Path: "/healthz", Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &workerrors.QueueClientError{Path: "/healthz", Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	return nil
}

func (c *Client) applyAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set(workerTokenHeader, c.token)
	}
}

// doJSON performs a JSON POST to path, decoding the response into out when
// non-nil. Non-2xx responses become *workerrors.QueueClientError carrying
// only the path, never the response body (which may echo secrets).
func (c *Client) doJSON(ctx context.Context, path string, in any, out any, extraHeaders map[string]string) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var bodyReader io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return &workerrors.QueueClientError{Path: path, Err: err}
		}
		bodyReader = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+path, bodyReader)
	if err != nil {
		return &workerrors.QueueClientError{Path: path, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.applyAuth(httpReq)
	for k, v := range extraHeaders {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &workerrors.QueueClientError{Path: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return &workerrors.QueueClientError{Path: path, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return &workerrors.QueueClientError{Path: path, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
