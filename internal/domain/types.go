package domain

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobIdle         JobStatus = "idle"
	JobQueued       JobStatus = "queued"
	JobRunning      JobStatus = "running"
	JobCompleted    JobStatus = "completed"
	JobFailed       JobStatus = "failed"
	JobSessionLimit JobStatus = "session_limit"
)

// Terminal reports whether the status is final for a job
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobSessionLimit:
		return true
	}
	return false
}

// BatchStatus represents the execution state of a batch
type BatchStatus string

const (
	BatchIdle      BatchStatus = "idle"
	BatchRunning   BatchStatus = "running"
	BatchPaused    BatchStatus = "paused"
	BatchCompleted BatchStatus = "completed"
)
