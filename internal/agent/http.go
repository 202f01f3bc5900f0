package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPBackend talks to the agent's hosting process over plain
// request/response + polling endpoints.
type HTTPBackend struct {
	baseURL string
	client  *http.Client
}

// NewHTTPBackend creates a backend against the given base URL
func NewHTTPBackend(baseURL string, timeout time.Duration) *HTTPBackend {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Health probes GET /health
func (b *HTTPBackend) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("health probe: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health probe: status %d", resp.StatusCode)
	}
	return nil
}

// CreateJob submits POST /jobs. Network errors, 5xx responses and
// non-JSON bodies (symptoms of the hosting process rebuilding) are
// returned as *TransientError; 4xx responses fail immediately.
func (b *HTTPBackend) CreateJob(ctx context.Context, req CreateRequest) (*CreateResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/jobs", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, &TransientError{Reason: "create request failed", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Reason: "reading create response", Err: err}
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, &TransientError{Reason: fmt.Sprintf("agent hosting returned %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("create rejected (%d): %s", resp.StatusCode, errorMessage(data))
	}

	var created CreateResponse
	if err := json.Unmarshal(data, &created); err != nil {
		// A non-JSON body means the hosting process is serving a rebuild page
		return nil, &TransientError{Reason: "malformed create response", Err: err}
	}
	if created.Handle == "" {
		return nil, &TransientError{Reason: "create response missing handle"}
	}
	return &created, nil
}

// PollJob queries GET /jobs/{handle}
func (b *HTTPBackend) PollJob(ctx context.Context, handle string) (*PollResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/jobs/"+url.PathEscape(handle), nil)
	if err != nil {
		return nil, err
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading poll response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll returned %d: %s", resp.StatusCode, errorMessage(data))
	}

	var result PollResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("malformed poll response: %w", err)
	}
	return &result, nil
}

// CancelJob issues DELETE /jobs/{handle}
func (b *HTTPBackend) CancelJob(ctx context.Context, handle string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, b.baseURL+"/jobs/"+url.PathEscape(handle), nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("cancel returned %d", resp.StatusCode)
	}
	return nil
}

// DeleteArtifact issues POST /requirements/delete
func (b *HTTPBackend) DeleteArtifact(ctx context.Context, projectPath, jobName string) error {
	body, err := json.Marshal(map[string]string{
		"project_path": projectPath,
		"job_name":     jobName,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/requirements/delete", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("delete artifact returned %d", resp.StatusCode)
	}
	return nil
}

// SendHeartbeat issues POST /sessions/{id}/heartbeat
func (b *HTTPBackend) SendHeartbeat(ctx context.Context, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.baseURL+"/sessions/"+url.PathEscape(sessionID)+"/heartbeat", nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("heartbeat returned %d", resp.StatusCode)
	}
	return nil
}

func errorMessage(data []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		return body.Error
	}
	msg := strings.TrimSpace(string(data))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
