// Package poller drives an in-flight job to a terminal state by repeatedly
// querying the agent backend, with an adaptive interval and bounded error
// tolerance.
package poller

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/hochfrequenz/claude-task-runner/internal/agent"
)

// Config tunes the polling loop
type Config struct {
	// InitialDelay is the grace period before the first poll, letting the
	// agent's process settle after creation
	InitialDelay time.Duration
	// SlowInterval is the starting poll interval
	SlowInterval time.Duration
	// FastInterval is used after FastAfter consecutive successful polls
	FastInterval time.Duration
	// FastAfter is how many consecutive successes switch to FastInterval
	FastAfter int
	// MaxAttempts is the hard ceiling before the job is force-failed
	MaxAttempts int
	// MaxErrors is how many consecutive poll errors are tolerated
	MaxErrors int
}

// DefaultConfig returns the production tuning (~30 minutes at the slow rate)
func DefaultConfig() Config {
	return Config{
		InitialDelay: 5 * time.Second,
		SlowInterval: 5 * time.Second,
		FastInterval: 2 * time.Second,
		FastAfter:    3,
		MaxAttempts:  360,
		MaxErrors:    15,
	}
}

// Outcome is the terminal result of a polling run
type Outcome struct {
	Status       agent.Status
	Error        string
	SessionToken string
	LogRef       string
	TimedOut     bool
	Cancelled    bool
}

// Callbacks observe the polling run. Both are optional.
type Callbacks struct {
	// OnUpdate fires for every successful non-terminal poll
	OnUpdate func(*agent.PollResult)
	// OnHeartbeat fires after each heartbeat emission for session jobs
	OnHeartbeat func()
}

// Poller runs polling loops against a backend
type Poller struct {
	backend agent.JobBackend
	cfg     Config
}

// New creates a Poller
func New(backend agent.JobBackend, cfg Config) *Poller {
	if cfg.SlowInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Poller{backend: backend, cfg: cfg}
}

// Run polls the handle until it reaches a terminal state, the attempt
// ceiling is hit, the error tolerance is exhausted, or ctx is cancelled.
// It blocks; callers run it in a goroutine and cancel via ctx.
// When sessionID is set, each successful poll emits a liveness heartbeat;
// heartbeat failures never abort polling.
func (p *Poller) Run(ctx context.Context, handle, sessionID string, cb Callbacks) Outcome {
	if !p.sleep(ctx, p.cfg.InitialDelay) {
		return Outcome{Cancelled: true}
	}

	consecutiveErrors := 0
	consecutiveSuccesses := 0

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		result, err := p.backend.PollJob(ctx, handle)
		if ctx.Err() != nil {
			return Outcome{Cancelled: true}
		}

		if err != nil {
			consecutiveErrors++
			consecutiveSuccesses = 0
			if consecutiveErrors >= p.cfg.MaxErrors {
				return Outcome{
					Status: agent.StatusFailed,
					Error:  fmt.Sprintf("polling failed %d times in a row: %v", consecutiveErrors, err),
				}
			}
			// Back to the slow interval until the agent responds again
			if !p.sleep(ctx, p.cfg.SlowInterval) {
				return Outcome{Cancelled: true}
			}
			continue
		}

		consecutiveErrors = 0
		consecutiveSuccesses++

		if sessionID != "" {
			p.heartbeat(sessionID, cb)
		}

		if result.Status.Terminal() {
			return Outcome{
				Status:       result.Status,
				Error:        result.Error,
				SessionToken: result.SessionToken,
				LogRef:       result.LogRef,
			}
		}

		if cb.OnUpdate != nil {
			cb.OnUpdate(result)
		}

		if !p.sleep(ctx, p.interval(consecutiveSuccesses)) {
			return Outcome{Cancelled: true}
		}
	}

	return Outcome{
		Status:   agent.StatusFailed,
		Error:    fmt.Sprintf("timed out after %d poll attempts", p.cfg.MaxAttempts),
		TimedOut: true,
	}
}

// interval returns the poll interval given the consecutive success count
func (p *Poller) interval(consecutiveSuccesses int) time.Duration {
	if consecutiveSuccesses >= p.cfg.FastAfter {
		return p.cfg.FastInterval
	}
	return p.cfg.SlowInterval
}

// heartbeat emits session liveness, fire and forget
func (p *Poller) heartbeat(sessionID string, cb Callbacks) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.backend.SendHeartbeat(ctx, sessionID); err != nil {
			log.Printf("heartbeat for session %s failed: %v", sessionID, err)
		}
	}()
	if cb.OnHeartbeat != nil {
		cb.OnHeartbeat()
	}
}

// sleep waits d or returns false when ctx is cancelled
func (p *Poller) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

