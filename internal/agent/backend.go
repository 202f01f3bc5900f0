// Package agent defines the contract to the external coding-agent process
// and its concrete transports. The orchestrator only ever talks to the
// JobBackend interface, so a push-based transport can replace the polling
// one without touching the state machine.
package agent

import (
	"context"
	"errors"
	"fmt"
)

// Status is the job state as reported by the agent
type Status string

const (
	StatusPending      Status = "pending"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusSessionLimit Status = "session_limit"
)

// Terminal reports whether the agent-side status is final
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSessionLimit:
		return true
	}
	return false
}

// CreateRequest describes a job submitted to the agent
type CreateRequest struct {
	ProjectPath  string `json:"project_path"`
	JobName      string `json:"job_name"`
	Prompt       string `json:"prompt"`
	SessionToken string `json:"session_token,omitempty"` // resume this conversation when set
}

// CreateResponse carries the opaque execution handle assigned by the agent
type CreateResponse struct {
	Handle string `json:"handle"`
}

// PollResult is one snapshot of a job's agent-side state
type PollResult struct {
	Status       Status   `json:"status"`
	Progress     []string `json:"progress,omitempty"`
	Error        string   `json:"error,omitempty"`
	SessionToken string   `json:"session_token,omitempty"`
	LogRef       string   `json:"log_ref,omitempty"`
}

// JobBackend is the contract the orchestrator depends on
type JobBackend interface {
	// Health probes the liveness of the agent's hosting process
	Health(ctx context.Context) error
	// CreateJob submits a job; transient failures carry a *TransientError
	CreateJob(ctx context.Context, req CreateRequest) (*CreateResponse, error)
	// PollJob queries the state of a previously created job
	PollJob(ctx context.Context, handle string) (*PollResult, error)
	// CancelJob aborts a job; best effort
	CancelJob(ctx context.Context, handle string) error
	// DeleteArtifact removes the satisfied requirement artifact
	DeleteArtifact(ctx context.Context, projectPath, jobName string) error
	// SendHeartbeat signals session liveness; fire and forget
	SendHeartbeat(ctx context.Context, sessionID string) error
}

// TransientError marks failures worth retrying: the hosting process
// rebuilding itself, malformed responses, network blips.
type TransientError struct {
	Reason string
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient: %s: %v", e.Reason, e.Err)
	}
	return "transient: " + e.Reason
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err carries a transient signature
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
