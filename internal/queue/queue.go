// Package queue holds the pending-job ordering and the in-flight guard.
// The guard prevents double-dispatch: a job id acquired by a dequeue stays
// in the in-flight set until Release is called, even when execution fails.
package queue

import (
	"sync"

	"github.com/hochfrequenz/claude-task-runner/internal/domain"
)

// BatchView is the per-batch state the eligibility scan needs.
// Settling means the batch's last job finished but its post-completion
// cool-down has not elapsed; the slot stays occupied until it has.
type BatchView struct {
	Paused     bool
	HasRunning bool
	Settling   bool
}

type entry struct {
	batchID string
	jobID   domain.JobID
}

// Queue is the FIFO pending list plus the execution guard.
// All mutations happen under one mutex so a dequeue can never observe
// a half-updated guard.
type Queue struct {
	mu       sync.Mutex
	pending  []entry
	inflight map[string]bool
}

// New creates an empty Queue
func New() *Queue {
	return &Queue{inflight: make(map[string]bool)}
}

// Enqueue appends job ids to the pending ordering. Ids already pending
// or in flight are skipped.
func (q *Queue) Enqueue(batchID string, ids []domain.JobID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range ids {
		key := id.String()
		if q.inflight[key] || q.containsLocked(id) {
			continue
		}
		q.pending = append(q.pending, entry{batchID: batchID, jobID: id})
	}
}

// NextEligible scans the pending list in FIFO order and returns the first
// job whose batch is not paused and has no running job. The returned job
// is removed from the pending list and marked in flight in the same
// critical section. The second return is false when nothing qualifies;
// callers re-invoke on a state-change event, never in a busy loop.
func (q *Queue) NextEligible(batches map[string]BatchView) (domain.JobID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.pending {
		view, ok := batches[e.batchID]
		if !ok || view.Paused || view.HasRunning || view.Settling {
			continue
		}
		if q.inflight[e.jobID.String()] {
			continue
		}

		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		q.inflight[e.jobID.String()] = true
		return e.jobID, true
	}

	return domain.JobID{}, false
}

// Acquire marks a job in flight without it having been enqueued.
// Used during recovery when a persisted job is resumed mid-poll.
// Returns false if the job is already in flight.
func (q *Queue) Acquire(id domain.JobID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := id.String()
	if q.inflight[key] {
		return false
	}
	q.inflight[key] = true
	return true
}

// Release removes a job from the in-flight set. Must be called exactly
// once per dequeue, on every exit path.
func (q *Queue) Release(id domain.JobID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, id.String())
}

// InFlight reports whether a job is currently in flight
func (q *Queue) InFlight(id domain.JobID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inflight[id.String()]
}

// Remove drops all pending entries for a batch and returns the dropped ids.
// In-flight jobs are untouched; the caller cancels their pollers separately.
func (q *Queue) Remove(batchID string) []domain.JobID {
	q.mu.Lock()
	defer q.mu.Unlock()

	var dropped []domain.JobID
	kept := q.pending[:0]
	for _, e := range q.pending {
		if e.batchID == batchID {
			dropped = append(dropped, e.jobID)
			continue
		}
		kept = append(kept, e)
	}
	q.pending = kept
	return dropped
}

// Pending returns the pending job ids for a batch, in order
func (q *Queue) Pending(batchID string) []domain.JobID {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ids []domain.JobID
	for _, e := range q.pending {
		if e.batchID == batchID {
			ids = append(ids, e.jobID)
		}
	}
	return ids
}

// Len returns the total number of pending entries
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) containsLocked(id domain.JobID) bool {
	for _, e := range q.pending {
		if e.jobID == id {
			return true
		}
	}
	return false
}
