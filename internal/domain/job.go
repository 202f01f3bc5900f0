package domain

import (
	"fmt"
	"regexp"
	"time"
)

var jobIDRegex = regexp.MustCompile(`^([A-Za-z0-9._-]+)/([A-Za-z0-9._-]+)$`)

// JobID uniquely identifies a job as project/requirement
type JobID struct {
	Project     string
	Requirement string
}

// ParseJobID parses a string like "dashboard/add-login" into a JobID
func ParseJobID(s string) (JobID, error) {
	matches := jobIDRegex.FindStringSubmatch(s)
	if matches == nil {
		return JobID{}, fmt.Errorf("invalid job ID format: %q (expected project/requirement)", s)
	}
	return JobID{Project: matches[1], Requirement: matches[2]}, nil
}

// String returns the canonical string representation
func (j JobID) String() string {
	return j.Project + "/" + j.Requirement
}

// Job represents one schedulable unit of agent work
type Job struct {
	ID              JobID
	BatchID         string // empty for standalone jobs
	Status          JobStatus
	ExecutionHandle string // assigned by the agent once creation succeeds
	ErrorMessage    string // set when Status is failed or session_limit
	LogRef          string
	Progress        []string
	Prompt          string
	ProjectPath     string
	CreatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
}

// Duration returns how long the job has been running
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	if j.FinishedAt != nil {
		return j.FinishedAt.Sub(*j.StartedAt)
	}
	return time.Since(*j.StartedAt)
}
