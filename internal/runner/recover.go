package runner

import (
	"log"
	"time"

	"github.com/hochfrequenz/claude-task-runner/internal/domain"
	"github.com/hochfrequenz/claude-task-runner/internal/session"
)

// Recover restores batches and jobs from the last snapshot. Jobs that were
// running with a known execution handle resume polling; running jobs
// without a handle may or may not exist on the agent side, so they are
// demoted to queued and recreated rather than trusted. Load failures are
// swallowed: a cold start beats refusing to start.
func (r *Runner) Recover() {
	if r.store == nil {
		return
	}

	snap, err := r.store.Load()
	if err != nil {
		log.Printf("Warning: loading recovery snapshot failed, starting cold: %v", err)
		return
	}
	if snap == nil {
		return
	}

	type resumeJob struct {
		id        domain.JobID
		handle    string
		sessionID string
	}
	var resumes []resumeJob
	enqueue := make(map[string][]domain.JobID)

	r.mu.Lock()
	r.activeBatchID = snap.ActiveBatchID
	for id, b := range snap.Batches {
		cp := *b
		cp.JobIDs = append([]domain.JobID(nil), b.JobIDs...)
		r.batches[id] = &cp

		if b.IsSession {
			r.sessions.Restore(&session.Session{
				ID:          b.ID,
				Name:        b.Name,
				Token:       b.SessionToken,
				JobIDs:      append([]domain.JobID(nil), b.JobIDs...),
				HeartbeatAt: b.HeartbeatAt,
				CreatedAt:   b.CreatedAt,
			})
		}
	}
	for id, j := range snap.Jobs {
		cp := *j
		r.jobs[id] = &cp
	}

	// Walk each batch in its recorded job order so queue positions survive
	// the restart
	for batchID, b := range r.batches {
		active := b.Status == domain.BatchRunning || b.Status == domain.BatchPaused
		for _, jobID := range b.JobIDs {
			j := r.jobs[jobID.String()]
			if j == nil {
				continue
			}
			if !active {
				// A stopped batch never re-runs work on its own; its
				// unfinished jobs wait for the next explicit start
				if !j.Status.Terminal() {
					j.Status = domain.JobIdle
					j.ExecutionHandle = ""
					j.StartedAt = nil
				}
				continue
			}
			switch j.Status {
			case domain.JobRunning:
				if j.ExecutionHandle != "" && r.queue.Acquire(jobID) {
					sessionID := ""
					if b.IsSession {
						sessionID = b.ID
					}
					resumes = append(resumes, resumeJob{id: jobID, handle: j.ExecutionHandle, sessionID: sessionID})
				} else {
					j.Status = domain.JobQueued
					j.ExecutionHandle = ""
					j.StartedAt = nil
					enqueue[batchID] = append(enqueue[batchID], jobID)
				}
			case domain.JobQueued:
				enqueue[batchID] = append(enqueue[batchID], jobID)
			}
		}
	}
	r.mu.Unlock()

	for batchID, ids := range enqueue {
		r.queue.Enqueue(batchID, ids)
	}

	total := len(snap.Jobs)
	log.Printf("Recovered %d batches, %d jobs (%d resumed, %s since snapshot)",
		len(snap.Batches), total, len(resumes), time.Since(snap.SavedAt).Round(time.Second))

	for _, res := range resumes {
		r.wg.Add(1)
		go func(res resumeJob) {
			defer r.wg.Done()
			defer func() {
				r.queue.Release(res.id)
				r.dispatch()
			}()

			outcome, ok := r.runPolling(res.id, res.handle, res.sessionID)
			if !ok {
				return
			}
			r.finishJob(res.id, res.sessionID, outcome)
		}(res)
	}

	r.dispatch()
}
