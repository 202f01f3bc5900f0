// Package retry implements the bounded retry/backoff policies used around
// job creation and agent liveness probing.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Defaults tuned for an agent hosting process that may be rebuilding itself.
const (
	// DefaultCreateAttempts bounds job-creation retries on transient errors
	DefaultCreateAttempts = 5
	// DefaultCreateStep is the linear backoff step: attempt*step (2s, 4s, ...)
	DefaultCreateStep = 2 * time.Second
	// DefaultHealthAttempts bounds the pre-creation liveness probe
	DefaultHealthAttempts = 5
	// DefaultHealthDelay is the fixed wait between liveness probes
	DefaultHealthDelay = 2 * time.Second
	// DefaultMaxPollErrors is how many consecutive poll failures are
	// tolerated before a job is declared failed
	DefaultMaxPollErrors = 15
)

// Policy describes a bounded linear backoff. MaxAttempts counts retries
// after the initial call: a policy of 5 makes up to 6 calls in total, with
// delays of 1*Step .. 5*Step before each retry.
type Policy struct {
	MaxAttempts int
	Step        time.Duration
}

// CreatePolicy returns the default policy for job creation
func CreatePolicy() Policy {
	return Policy{MaxAttempts: DefaultCreateAttempts, Step: DefaultCreateStep}
}

// Delay returns the backoff before the given retry (1-based attempt number)
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(attempt) * p.Step
}

// Do runs fn until it succeeds, returns a non-retryable error, or the
// retry cap is reached. retryable decides whether an error is worth
// another attempt; a non-retryable error is returned immediately. The
// initial call does not count against the cap, so MaxAttempts=5 means
// six calls before giving up.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func() error) error {
	var lastErr error

	for retriesUsed := 0; retriesUsed <= p.MaxAttempts; retriesUsed++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		if retriesUsed == p.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Delay(retriesUsed + 1)):
		}
	}

	return fmt.Errorf("giving up after %d retries: %w", p.MaxAttempts, lastErr)
}

// WaitReady probes until probe succeeds or attempts are exhausted, waiting
// delay between probes. Exhaustion is a hard failure for the caller's job.
func WaitReady(ctx context.Context, attempts int, delay time.Duration, probe func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = probe(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("not ready after %d probes: %w", attempts, lastErr)
}
