// Package runner is the top-level orchestrator: it owns the batch state
// machine, enforces one running job per batch while letting batches
// proceed in parallel, and drives each job through creation, polling and
// the post-completion side-effect chain.
package runner

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hochfrequenz/claude-task-runner/internal/agent"
	"github.com/hochfrequenz/claude-task-runner/internal/domain"
	"github.com/hochfrequenz/claude-task-runner/internal/poller"
	"github.com/hochfrequenz/claude-task-runner/internal/queue"
	"github.com/hochfrequenz/claude-task-runner/internal/recovery"
	"github.com/hochfrequenz/claude-task-runner/internal/retry"
	"github.com/hochfrequenz/claude-task-runner/internal/session"
)

// GitRunner executes the optional git side effect after a job completes
type GitRunner interface {
	Run(ctx context.Context, projectPath string, commands []string, commitMessage string) (string, error)
}

// IdeaMarker records that a requirement's originating idea was implemented.
// Best effort: failures are logged and never block the pipeline.
type IdeaMarker interface {
	MarkImplemented(jobName string) error
}

// Config tunes the orchestrator
type Config struct {
	// SettleDelay is the cool-down after artifact deletion before the next
	// dequeue, giving the collaborating hosting process time to rebuild
	SettleDelay time.Duration
	// Create bounds job-creation retries on transient errors
	Create retry.Policy
	// HealthAttempts/HealthDelay bound the pre-creation liveness probe
	HealthAttempts int
	HealthDelay    time.Duration
	// Poll tunes the status poller
	Poll poller.Config
	// Git side effect, only applied when enabled
	GitEnabled       bool
	GitCommands      []string
	GitCommitMessage string
}

// DefaultConfig returns the production tuning
func DefaultConfig() Config {
	return Config{
		SettleDelay:    5 * time.Second,
		Create:         retry.CreatePolicy(),
		HealthAttempts: retry.DefaultHealthAttempts,
		HealthDelay:    retry.DefaultHealthDelay,
		Poll:           poller.DefaultConfig(),
	}
}

// Runner orchestrates job execution across batches
type Runner struct {
	cfg      Config
	backend  agent.JobBackend
	queue    *queue.Queue
	poller   *poller.Poller
	sessions *session.Manager
	store    recovery.SnapshotStore // nil disables persistence

	git   GitRunner
	ideas IdeaMarker

	mu            sync.Mutex
	jobs          map[string]*domain.Job
	batches       map[string]*domain.Batch
	activeBatchID string
	pollCancels   map[string]context.CancelFunc
	// settling marks batches inside the post-completion cool-down; their
	// slot counts as occupied for the dispatch eligibility scan
	settling map[string]bool

	subsMu  sync.Mutex
	subs    map[int]chan Event
	nextSub int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Runner. The store may be nil, which disables recovery.
func New(backend agent.JobBackend, store recovery.SnapshotStore, sessions *session.Manager, cfg Config) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		cfg:         cfg,
		backend:     backend,
		queue:       queue.New(),
		poller:      poller.New(backend, cfg.Poll),
		sessions:    sessions,
		store:       store,
		jobs:        make(map[string]*domain.Job),
		batches:     make(map[string]*domain.Batch),
		pollCancels: make(map[string]context.CancelFunc),
		settling:    make(map[string]bool),
		subs:        make(map[int]chan Event),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetGit enables the git side effect
func (r *Runner) SetGit(git GitRunner) { r.git = git }

// SetIdeas enables idea bookkeeping
func (r *Runner) SetIdeas(ideas IdeaMarker) { r.ideas = ideas }

// Sessions returns the session manager
func (r *Runner) Sessions() *session.Manager { return r.sessions }

// Close stops dispatching and waits for in-flight goroutines to exit
func (r *Runner) Close() {
	r.cancel()
	r.wg.Wait()
}

// CreateBatch registers a new batch. Session batches share their ID with
// the session manager entry so token capture and heartbeats line up.
func (r *Runner) CreateBatch(name string, isSession bool) *domain.Batch {
	id := uuid.NewString()
	if isSession {
		id = r.sessions.Create(name).ID
	}

	b := &domain.Batch{
		ID:        id,
		Name:      name,
		Status:    domain.BatchIdle,
		IsSession: isSession,
		CreatedAt: time.Now(),
	}

	r.mu.Lock()
	r.batches[b.ID] = b
	r.mu.Unlock()

	r.persist()
	r.emit(Event{Type: EventBatchUpdate, BatchID: b.ID, Status: string(b.Status)})
	return b
}

// AddJobs registers jobs under a batch. When the batch is already running
// the jobs are enqueued immediately.
func (r *Runner) AddJobs(batchID string, jobs []*domain.Job) error {
	r.mu.Lock()
	b, ok := r.batches[batchID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown batch: %s", batchID)
	}

	var added []domain.JobID
	for _, j := range jobs {
		key := j.ID.String()
		if _, exists := r.jobs[key]; exists {
			continue
		}
		j.BatchID = batchID
		j.Status = domain.JobIdle
		if j.CreatedAt.IsZero() {
			j.CreatedAt = time.Now()
		}
		r.jobs[key] = j
		if !b.HasJob(j.ID) {
			b.JobIDs = append(b.JobIDs, j.ID)
		}
		added = append(added, j.ID)
	}

	running := b.Status == domain.BatchRunning
	if running {
		for _, id := range added {
			r.jobs[id.String()].Status = domain.JobQueued
		}
	}
	r.mu.Unlock()

	if b.IsSession {
		for _, id := range added {
			if err := r.sessions.AddJob(batchID, id); err != nil {
				log.Printf("registering %s with session %s: %v", id, batchID, err)
			}
		}
	}

	if running && len(added) > 0 {
		r.queue.Enqueue(batchID, added)
	}

	r.persist()
	r.emit(Event{Type: EventBatchUpdate, BatchID: batchID, Status: string(b.Status)})

	if running {
		r.dispatch()
	}
	return nil
}

// StartBatch moves an idle batch to running and enqueues its pending jobs
func (r *Runner) StartBatch(batchID string) error {
	r.mu.Lock()
	b, ok := r.batches[batchID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown batch: %s", batchID)
	}
	if b.Status == domain.BatchRunning || b.Status == domain.BatchPaused {
		r.mu.Unlock()
		return fmt.Errorf("batch %s already %s", batchID, b.Status)
	}

	var pending []domain.JobID
	for _, id := range b.JobIDs {
		j := r.jobs[id.String()]
		if j == nil || j.Status.Terminal() {
			continue
		}
		j.Status = domain.JobQueued
		pending = append(pending, id)
	}
	if len(pending) == 0 {
		r.mu.Unlock()
		return fmt.Errorf("batch %s has no pending jobs", batchID)
	}

	b.Status = domain.BatchRunning
	b.ErrorMessage = ""
	r.activeBatchID = batchID
	r.mu.Unlock()

	r.queue.Enqueue(batchID, pending)
	r.persist()
	r.emit(Event{Type: EventBatchUpdate, BatchID: batchID, Status: string(domain.BatchRunning)})
	r.dispatch()
	return nil
}

// PauseBatch stops future dequeues for the batch. An in-flight job is not
// interrupted; it drains to its terminal state.
func (r *Runner) PauseBatch(batchID string) error {
	r.mu.Lock()
	b, ok := r.batches[batchID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown batch: %s", batchID)
	}
	if b.Status != domain.BatchRunning {
		r.mu.Unlock()
		return fmt.Errorf("batch %s is not running", batchID)
	}
	b.Status = domain.BatchPaused
	r.mu.Unlock()

	r.persist()
	r.emit(Event{Type: EventBatchUpdate, BatchID: batchID, Status: string(domain.BatchPaused)})
	return nil
}

// ResumeBatch re-enables dequeuing for a paused batch
func (r *Runner) ResumeBatch(batchID string) error {
	r.mu.Lock()
	b, ok := r.batches[batchID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown batch: %s", batchID)
	}
	if b.Status != domain.BatchPaused {
		r.mu.Unlock()
		return fmt.Errorf("batch %s is not paused", batchID)
	}
	b.Status = domain.BatchRunning
	r.mu.Unlock()

	r.persist()
	r.emit(Event{Type: EventBatchUpdate, BatchID: batchID, Status: string(domain.BatchRunning)})
	r.dispatch()
	return nil
}

// DeleteBatch removes a batch and all its state. The active poller for its
// running job is cancelled immediately and the execution guard released so
// no slot stays stuck.
func (r *Runner) DeleteBatch(batchID string) error {
	r.mu.Lock()
	b, ok := r.batches[batchID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown batch: %s", batchID)
	}

	var cancelHandles []string
	for _, id := range b.JobIDs {
		key := id.String()
		if cancel, ok := r.pollCancels[key]; ok {
			cancel()
			delete(r.pollCancels, key)
		}
		if j := r.jobs[key]; j != nil && j.Status == domain.JobRunning && j.ExecutionHandle != "" {
			cancelHandles = append(cancelHandles, j.ExecutionHandle)
		}
		delete(r.jobs, key)
	}
	jobIDs := b.JobIDs
	isSession := b.IsSession
	delete(r.batches, batchID)
	delete(r.settling, batchID)
	if r.activeBatchID == batchID {
		r.activeBatchID = ""
	}
	r.mu.Unlock()

	r.queue.Remove(batchID)
	for _, id := range jobIDs {
		r.queue.Release(id)
	}
	if isSession {
		r.sessions.Delete(batchID)
	}

	// Abort the agent-side jobs, best effort
	for _, handle := range cancelHandles {
		go func(h string) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := r.backend.CancelJob(ctx, h); err != nil {
				log.Printf("cancelling job %s failed: %v", h, err)
			}
		}(handle)
	}

	r.persist()
	r.emit(Event{Type: EventBatchDeleted, BatchID: batchID})
	r.dispatch()
	return nil
}

// RenameBatch changes the batch's display name
func (r *Runner) RenameBatch(batchID, name string) error {
	r.mu.Lock()
	b, ok := r.batches[batchID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown batch: %s", batchID)
	}
	b.Name = name
	r.mu.Unlock()

	r.persist()
	r.emit(Event{Type: EventBatchUpdate, BatchID: batchID, Status: string(b.Status)})
	return nil
}

// CompactBatch drops completed jobs from the batch's visible list. The
// session token, when present, is untouched: pruning, not termination.
func (r *Runner) CompactBatch(batchID string) error {
	r.mu.Lock()
	b, ok := r.batches[batchID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown batch: %s", batchID)
	}

	removed := make(map[domain.JobID]bool)
	kept := b.JobIDs[:0]
	for _, id := range b.JobIDs {
		j := r.jobs[id.String()]
		if j != nil && j.Status == domain.JobCompleted {
			delete(r.jobs, id.String())
			removed[id] = true
			continue
		}
		kept = append(kept, id)
	}
	b.JobIDs = kept
	isSession := b.IsSession
	r.mu.Unlock()

	if isSession {
		r.sessions.Compact(batchID, func(id domain.JobID) bool {
			return removed[id]
		})
	}

	r.persist()
	r.emit(Event{Type: EventBatchUpdate, BatchID: batchID, Status: string(b.Status)})
	return nil
}

// HasRunningJob reports whether any job of the batch is currently running.
// Used by the orphan detector to spare sessions with live work.
func (r *Runner) HasRunningJob(batchID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.batches[batchID]
	if !ok {
		return false
	}
	for _, id := range b.JobIDs {
		if j := r.jobs[id.String()]; j != nil && j.Status == domain.JobRunning {
			return true
		}
	}
	return false
}

// ListBatches returns copies of all batches
func (r *Runner) ListBatches() []*domain.Batch {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*domain.Batch, 0, len(r.batches))
	for _, b := range r.batches {
		cp := *b
		cp.JobIDs = append([]domain.JobID(nil), b.JobIDs...)
		out = append(out, &cp)
	}
	return out
}

// ListJobs returns copies of all jobs
func (r *Runner) ListJobs() []*domain.Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*domain.Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		cp := *j
		out = append(out, &cp)
	}
	return out
}

// GetJob returns a copy of one job
func (r *Runner) GetJob(id domain.JobID) (*domain.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id.String()]
	if !ok {
		return nil, false
	}
	cp := *j
	return &cp, true
}

// FindBatchByName returns the first batch with the given display name
func (r *Runner) FindBatchByName(name string) (*domain.Batch, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.batches {
		if b.Name == name {
			cp := *b
			cp.JobIDs = append([]domain.JobID(nil), b.JobIDs...)
			return &cp, true
		}
	}
	return nil, false
}

// GetBatch returns a copy of one batch
func (r *Runner) GetBatch(id string) (*domain.Batch, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[id]
	if !ok {
		return nil, false
	}
	cp := *b
	cp.JobIDs = append([]domain.JobID(nil), b.JobIDs...)
	return &cp, true
}

// dispatch pulls eligible jobs off the queue until none qualify. It is
// re-invoked on every state-change event, never in a busy loop.
func (r *Runner) dispatch() {
	if r.ctx.Err() != nil {
		return
	}

	for {
		r.mu.Lock()
		views := make(map[string]queue.BatchView, len(r.batches))
		for id, b := range r.batches {
			views[id] = queue.BatchView{
				Paused:     b.Status == domain.BatchPaused,
				HasRunning: r.hasRunningLocked(b),
				Settling:   r.settling[id],
			}
		}

		jobID, ok := r.queue.NextEligible(views)
		if !ok {
			r.mu.Unlock()
			return
		}

		j := r.jobs[jobID.String()]
		if j == nil {
			// Job vanished between enqueue and dequeue (batch deleted)
			r.mu.Unlock()
			r.queue.Release(jobID)
			continue
		}
		j.Status = domain.JobRunning
		now := time.Now()
		j.StartedAt = &now
		r.mu.Unlock()

		r.emit(Event{Type: EventJobUpdate, JobID: jobID.String(), BatchID: j.BatchID, Status: string(domain.JobRunning)})

		r.wg.Add(1)
		go r.execute(jobID)
	}
}

func (r *Runner) hasRunningLocked(b *domain.Batch) bool {
	for _, id := range b.JobIDs {
		if j := r.jobs[id.String()]; j != nil && j.Status == domain.JobRunning {
			return true
		}
	}
	return false
}

// execute drives one job from creation to its terminal state. The guard
// slot is released on every exit path and the dispatch loop re-entered so
// the batch's next job (or another batch's) can proceed.
func (r *Runner) execute(jobID domain.JobID) {
	defer r.wg.Done()
	defer func() {
		r.queue.Release(jobID)
		r.dispatch()
	}()

	if err := retry.WaitReady(r.ctx, r.cfg.HealthAttempts, r.cfg.HealthDelay, r.backend.Health); err != nil {
		if r.ctx.Err() != nil {
			return
		}
		r.failJob(jobID, domain.JobFailed, fmt.Sprintf("agent not ready: %v", err))
		return
	}

	r.mu.Lock()
	j := r.jobs[jobID.String()]
	if j == nil {
		r.mu.Unlock()
		return
	}
	req := agent.CreateRequest{
		ProjectPath: j.ProjectPath,
		JobName:     j.ID.Requirement,
		Prompt:      j.Prompt,
	}
	sessionID := ""
	if b := r.batches[j.BatchID]; b != nil && b.IsSession {
		sessionID = b.ID
		req.SessionToken = r.sessions.Token(b.ID)
	}
	r.mu.Unlock()

	var created *agent.CreateResponse
	err := retry.Do(r.ctx, r.cfg.Create, agent.IsTransient, func() error {
		resp, err := r.backend.CreateJob(r.ctx, req)
		if err == nil {
			created = resp
		}
		return err
	})
	if err != nil {
		if r.ctx.Err() != nil {
			return
		}
		r.failJob(jobID, domain.JobFailed, fmt.Sprintf("creating job: %v", err))
		return
	}

	r.mu.Lock()
	j = r.jobs[jobID.String()]
	if j != nil {
		j.ExecutionHandle = created.Handle
	}
	r.mu.Unlock()
	if j == nil {
		// The batch was deleted while creation was in flight. The fresh
		// handle is not tracked anywhere, so cancel it here instead of
		// polling a job nobody owns anymore.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.backend.CancelJob(ctx, created.Handle); err != nil {
			log.Printf("runner: cancelling orphaned job %s: %v", jobID, err)
		}
		return
	}
	r.persist()

	outcome, ok := r.runPolling(jobID, created.Handle, sessionID)
	if !ok {
		return
	}
	r.finishJob(jobID, sessionID, outcome)
}

// runPolling runs the poller under a cancellable per-job handle. The
// second return is false when the run was cancelled (delete or shutdown).
func (r *Runner) runPolling(jobID domain.JobID, handle, sessionID string) (poller.Outcome, bool) {
	pollCtx, cancel := context.WithCancel(r.ctx)
	defer cancel()

	key := jobID.String()
	r.mu.Lock()
	r.pollCancels[key] = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pollCancels, key)
		r.mu.Unlock()
	}()

	outcome := r.poller.Run(pollCtx, handle, sessionID, poller.Callbacks{
		OnUpdate: func(result *agent.PollResult) {
			r.mu.Lock()
			if j := r.jobs[key]; j != nil {
				j.Progress = result.Progress
				if result.LogRef != "" {
					j.LogRef = result.LogRef
				}
			}
			r.mu.Unlock()
			r.emit(Event{Type: EventJobUpdate, JobID: key, Status: string(domain.JobRunning), Progress: result.Progress})
		},
		OnHeartbeat: func() {
			if sessionID == "" {
				return
			}
			r.sessions.Heartbeat(sessionID)
			r.mu.Lock()
			if b := r.batches[sessionID]; b != nil {
				b.HeartbeatAt = time.Now()
			}
			r.mu.Unlock()
		},
	})

	return outcome, !outcome.Cancelled
}

// finishJob routes a terminal polling outcome
func (r *Runner) finishJob(jobID domain.JobID, sessionID string, outcome poller.Outcome) {
	switch outcome.Status {
	case agent.StatusCompleted:
		r.completeJob(jobID, sessionID, outcome)
	case agent.StatusSessionLimit:
		r.sessionLimitFailure(jobID, outcome)
	default:
		msg := outcome.Error
		if msg == "" {
			msg = "agent reported failure"
		}
		r.failJob(jobID, domain.JobFailed, msg)
	}
}

// completeJob runs the success path: token capture, git side effect, idea
// bookkeeping, artifact deletion, then the settle delay before the next
// dequeue is allowed.
func (r *Runner) completeJob(jobID domain.JobID, sessionID string, outcome poller.Outcome) {
	key := jobID.String()

	r.mu.Lock()
	j := r.jobs[key]
	if j == nil {
		r.mu.Unlock()
		return
	}
	j.Status = domain.JobCompleted
	now := time.Now()
	j.FinishedAt = &now
	if outcome.LogRef != "" {
		j.LogRef = outcome.LogRef
	}
	projectPath := j.ProjectPath
	batchID := j.BatchID
	b := r.batches[batchID]
	captureToken := outcome.SessionToken != "" && b != nil && b.IsSession
	// The slot stays occupied until the settle elapses; flipping the job
	// terminal must never open a dequeue window mid-chain
	r.settling[batchID] = true
	r.mu.Unlock()

	if captureToken {
		if err := r.sessions.CaptureToken(sessionID, outcome.SessionToken); err != nil {
			log.Printf("session %s token capture ignored: %v", sessionID, err)
		} else {
			r.mu.Lock()
			if b := r.batches[batchID]; b != nil && b.SessionToken == "" {
				b.SessionToken = outcome.SessionToken
			}
			r.mu.Unlock()
		}
	}

	r.emit(Event{Type: EventJobUpdate, JobID: key, BatchID: batchID, Status: string(domain.JobCompleted)})

	if r.cfg.GitEnabled && r.git != nil {
		if msg, err := r.git.Run(r.ctx, projectPath, r.cfg.GitCommands, r.cfg.GitCommitMessage); err != nil {
			log.Printf("git side effect for %s failed: %v", key, err)
		} else if msg != "" {
			log.Printf("git side effect for %s: %s", key, msg)
		}
	}

	if r.ideas != nil {
		if err := r.ideas.MarkImplemented(jobID.Requirement); err != nil {
			log.Printf("marking idea implemented for %s failed: %v", key, err)
		}
	}

	deleteCtx, cancel := context.WithTimeout(r.ctx, 30*time.Second)
	if err := r.backend.DeleteArtifact(deleteCtx, projectPath, jobID.Requirement); err != nil {
		log.Printf("deleting artifact for %s failed: %v", key, err)
	}
	cancel()

	// Cool-down so the hosting process sees the deletion before the next
	// job starts; removing this causes observed flakiness downstream
	r.settle()

	r.mu.Lock()
	delete(r.settling, batchID)
	r.mu.Unlock()

	r.maybeCompleteBatch(batchID)
	r.persist()
}

func (r *Runner) settle() {
	if r.cfg.SettleDelay <= 0 {
		return
	}
	timer := time.NewTimer(r.cfg.SettleDelay)
	defer timer.Stop()
	select {
	case <-r.ctx.Done():
	case <-timer.C:
	}
}

// failJob marks a job terminal with the given status and error message
func (r *Runner) failJob(jobID domain.JobID, status domain.JobStatus, msg string) {
	key := jobID.String()

	r.mu.Lock()
	j := r.jobs[key]
	if j == nil {
		r.mu.Unlock()
		return
	}
	j.Status = status
	j.ErrorMessage = msg
	now := time.Now()
	j.FinishedAt = &now
	batchID := j.BatchID
	r.mu.Unlock()

	r.emit(Event{Type: EventJobUpdate, JobID: key, BatchID: batchID, Status: string(status), Error: msg})
	r.maybeCompleteBatch(batchID)
	r.persist()
}

// sessionLimitFailure is fatal for the whole remaining queue of the batch:
// continuing would only repeat the same limit failure.
func (r *Runner) sessionLimitFailure(jobID domain.JobID, outcome poller.Outcome) {
	key := jobID.String()

	r.mu.Lock()
	j := r.jobs[key]
	if j == nil {
		r.mu.Unlock()
		return
	}
	j.Status = domain.JobSessionLimit
	j.ErrorMessage = outcome.Error
	now := time.Now()
	j.FinishedAt = &now
	batchID := j.BatchID
	r.mu.Unlock()

	dropped := r.queue.Remove(batchID)

	r.mu.Lock()
	for _, id := range dropped {
		if dj := r.jobs[id.String()]; dj != nil {
			dj.Status = domain.JobIdle
		}
	}
	aggregate := fmt.Sprintf("session limit reached on %s; %d pending jobs dropped", key, len(dropped))
	if b := r.batches[batchID]; b != nil {
		b.Status = domain.BatchIdle
		b.ErrorMessage = aggregate
	}
	r.mu.Unlock()

	r.emit(Event{Type: EventJobUpdate, JobID: key, BatchID: batchID, Status: string(domain.JobSessionLimit), Error: outcome.Error})
	r.emit(Event{Type: EventBatchUpdate, BatchID: batchID, Status: string(domain.BatchIdle), Error: aggregate})
	r.persist()
}

// maybeCompleteBatch flips a running batch to completed the instant its
// last job reaches a terminal status with nothing left pending
func (r *Runner) maybeCompleteBatch(batchID string) {
	r.mu.Lock()
	b := r.batches[batchID]
	if b == nil || b.Status != domain.BatchRunning {
		r.mu.Unlock()
		return
	}
	// Pending is checked under r.mu so that the queue and the job map are
	// read as one view; AddJobs takes r.mu before enqueueing.
	if len(r.queue.Pending(batchID)) > 0 {
		r.mu.Unlock()
		return
	}
	for _, id := range b.JobIDs {
		if j := r.jobs[id.String()]; j != nil && !j.Status.Terminal() {
			r.mu.Unlock()
			return
		}
	}
	b.Status = domain.BatchCompleted
	r.mu.Unlock()

	r.emit(Event{Type: EventBatchUpdate, BatchID: batchID, Status: string(domain.BatchCompleted)})
}

// persist snapshots current state. Persistence failures are swallowed:
// the system degrades to "no recovery", never to a crash.
func (r *Runner) persist() {
	if r.store == nil {
		return
	}

	r.mu.Lock()
	snap := &recovery.Snapshot{
		Batches:       make(map[string]*domain.Batch, len(r.batches)),
		Jobs:          make(map[string]*domain.Job, len(r.jobs)),
		ActiveBatchID: r.activeBatchID,
		SavedAt:       time.Now(),
	}
	for id, b := range r.batches {
		cp := *b
		cp.JobIDs = append([]domain.JobID(nil), b.JobIDs...)
		snap.Batches[id] = &cp
	}
	for id, j := range r.jobs {
		cp := *j
		snap.Jobs[id] = &cp
	}
	r.mu.Unlock()

	if err := r.store.Save(snap); err != nil {
		log.Printf("Warning: saving recovery snapshot failed: %v", err)
	}
}
