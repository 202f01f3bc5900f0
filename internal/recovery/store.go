// Package recovery persists a snapshot of batch/job state so a restarted
// process can repaint labels and counts and re-derive in-flight ground
// truth by re-polling. The snapshot is never authoritative for anything
// claiming to be running.
package recovery

import (
	"time"

	"github.com/hochfrequenz/claude-task-runner/internal/domain"
)

// Snapshot is the serializable projection of orchestrator state
type Snapshot struct {
	Batches       map[string]*domain.Batch
	Jobs          map[string]*domain.Job
	ActiveBatchID string
	SavedAt       time.Time
}

// SnapshotStore is the whole-snapshot persistence contract. Callers treat
// every error as "no snapshot": persistence failure degrades recovery,
// never the orchestrator.
type SnapshotStore interface {
	// Load returns the persisted snapshot, or (nil, nil) when none exists
	Load() (*Snapshot, error)
	// Save replaces the persisted snapshot atomically
	Save(*Snapshot) error
	// Clear removes the persisted snapshot
	Clear() error
}
