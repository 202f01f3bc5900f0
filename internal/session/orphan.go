package session

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/errgroup"
)

// Detector scans for sessions whose heartbeat has lapsed with no running
// job. Cleanup is safe to invoke while unrelated sessions keep executing.
type Detector struct {
	manager   *Manager
	threshold time.Duration
	// hasRunning reports whether a session currently has a job in running
	hasRunning func(sessionID string) bool
	// cleanup removes the session's server-side resource
	cleanup func(ctx context.Context, sessionID string) error
}

// NewDetector creates an orphan detector
func NewDetector(manager *Manager, threshold time.Duration, hasRunning func(string) bool, cleanup func(context.Context, string) error) *Detector {
	return &Detector{
		manager:    manager,
		threshold:  threshold,
		hasRunning: hasRunning,
		cleanup:    cleanup,
	}
}

// Scan returns all sessions currently considered orphaned
func (d *Detector) Scan() []*Session {
	cutoff := time.Now().Add(-d.threshold)

	var orphans []*Session
	for _, s := range d.manager.List() {
		if s.HeartbeatAt.After(cutoff) {
			continue
		}
		if d.hasRunning != nil && d.hasRunning(s.ID) {
			continue
		}
		orphans = append(orphans, s)
	}
	return orphans
}

// CleanupAll removes every orphaned session, concurrently. Individual
// failures are logged; the first error is returned after all attempts.
func (d *Detector) CleanupAll(ctx context.Context) (int, error) {
	orphans := d.Scan()
	if len(orphans) == 0 {
		return 0, nil
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range orphans {
		s := s
		g.Go(func() error {
			if d.cleanup != nil {
				if err := d.cleanup(ctx, s.ID); err != nil {
					log.Printf("orphan cleanup for session %s failed: %v", s.ID, err)
					return err
				}
			}
			d.manager.Delete(s.ID)
			return nil
		})
	}

	return len(orphans), g.Wait()
}
