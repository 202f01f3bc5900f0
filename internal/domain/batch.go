package domain

import "time"

// Batch is a named group of jobs sharing one concurrency slot.
// A batch with IsSession set additionally threads SessionToken into
// every job creation once the token has been captured.
type Batch struct {
	ID           string
	Name         string
	JobIDs       []JobID
	Status       BatchStatus
	IsSession    bool
	SessionToken string // agent-assigned conversation ID, immutable once set
	ErrorMessage string // aggregate error, e.g. after a session-limit failure
	HeartbeatAt  time.Time
	CreatedAt    time.Time
}

// HasJob reports whether the batch contains the given job
func (b *Batch) HasJob(id JobID) bool {
	for _, j := range b.JobIDs {
		if j == id {
			return true
		}
	}
	return false
}

// RemoveJob drops a job from the batch's ordering
func (b *Batch) RemoveJob(id JobID) {
	kept := b.JobIDs[:0]
	for _, j := range b.JobIDs {
		if j != id {
			kept = append(kept, j)
		}
	}
	b.JobIDs = kept
}
