package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/claude-task-runner/internal/agent"
	"github.com/hochfrequenz/claude-task-runner/internal/domain"
	"github.com/hochfrequenz/claude-task-runner/internal/poller"
	"github.com/hochfrequenz/claude-task-runner/internal/recovery"
	"github.com/hochfrequenz/claude-task-runner/internal/retry"
	"github.com/hochfrequenz/claude-task-runner/internal/session"
)

type pollStep struct {
	result agent.PollResult
	err    error
}

// fakeBackend scripts agent behavior per job name and records every call
// so tests can assert ordering across jobs.
type fakeBackend struct {
	mu          sync.Mutex
	healthErr   error
	createErrs  map[string][]error
	createGate  map[string]chan struct{}
	polls       map[string][]pollStep
	block       map[string]chan struct{}
	creates     []agent.CreateRequest
	creating    []string
	actions     []string
	actionTimes []time.Time
	handleJob   map[string]string
	pollCounts  map[string]int
	nextHandle  int
	heartbeats  int
	cancels     []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		createErrs: make(map[string][]error),
		createGate: make(map[string]chan struct{}),
		polls:      make(map[string][]pollStep),
		block:      make(map[string]chan struct{}),
		handleJob:  make(map[string]string),
		pollCounts: make(map[string]int),
	}
}

func (f *fakeBackend) Health(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthErr
}

func (f *fakeBackend) CreateJob(ctx context.Context, req agent.CreateRequest) (*agent.CreateResponse, error) {
	f.mu.Lock()
	gate := f.createGate[req.JobName]
	f.creating = append(f.creating, req.JobName)
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if errs := f.createErrs[req.JobName]; len(errs) > 0 {
		err := errs[0]
		f.createErrs[req.JobName] = errs[1:]
		if err != nil {
			return nil, err
		}
	}

	f.creates = append(f.creates, req)
	f.actions = append(f.actions, "create "+req.JobName)
	f.actionTimes = append(f.actionTimes, time.Now())
	f.nextHandle++
	handle := fmt.Sprintf("h-%d", f.nextHandle)
	f.handleJob[handle] = req.JobName
	return &agent.CreateResponse{Handle: handle}, nil
}

func (f *fakeBackend) PollJob(ctx context.Context, handle string) (*agent.PollResult, error) {
	f.mu.Lock()
	f.pollCounts[handle]++
	job := f.handleJob[handle]
	gate := f.block[job]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		default:
			return &agent.PollResult{Status: agent.StatusRunning}, nil
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	steps := f.polls[job]
	if len(steps) == 0 {
		return &agent.PollResult{Status: agent.StatusCompleted}, nil
	}
	step := steps[0]
	if len(steps) > 1 {
		f.polls[job] = steps[1:]
	}
	if step.err != nil {
		return nil, step.err
	}
	res := step.result
	return &res, nil
}

func (f *fakeBackend) CancelJob(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, handle)
	return nil
}

func (f *fakeBackend) DeleteArtifact(ctx context.Context, projectPath, jobName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, "delete "+jobName)
	f.actionTimes = append(f.actionTimes, time.Now())
	return nil
}

func (f *fakeBackend) SendHeartbeat(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func (f *fakeBackend) actionLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.actions...)
}

func (f *fakeBackend) createRequests() []agent.CreateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]agent.CreateRequest(nil), f.creates...)
}

func (f *fakeBackend) actionTimeline() ([]string, []time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.actions...), append([]time.Time(nil), f.actionTimes...)
}

// failingStore always errors; used to prove persistence failures are
// swallowed.
type failingStore struct{}

func (failingStore) Load() (*recovery.Snapshot, error) { return nil, errors.New("disk gone") }
func (failingStore) Save(*recovery.Snapshot) error     { return errors.New("disk gone") }
func (failingStore) Clear() error                      { return errors.New("disk gone") }

// memStore keeps the last snapshot in memory
type memStore struct {
	mu   sync.Mutex
	snap *recovery.Snapshot
}

func (s *memStore) Load() (*recovery.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap, nil
}

func (s *memStore) Save(snap *recovery.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
	return nil
}

func (s *memStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = nil
	return nil
}

func testConfig() Config {
	return Config{
		SettleDelay:    0,
		Create:         retry.Policy{MaxAttempts: 5, Step: 0},
		HealthAttempts: 2,
		HealthDelay:    0,
		Poll: poller.Config{
			InitialDelay: 0,
			SlowInterval: time.Millisecond,
			FastInterval: time.Millisecond,
			FastAfter:    3,
			MaxAttempts:  100000,
			MaxErrors:    15,
		},
	}
}

func newTestRunner(backend agent.JobBackend, store recovery.SnapshotStore) *Runner {
	return New(backend, store, session.NewManager(), testConfig())
}

func mustJobID(t *testing.T, s string) domain.JobID {
	t.Helper()
	id, err := domain.ParseJobID(s)
	if err != nil {
		t.Fatalf("ParseJobID(%q): %v", s, err)
	}
	return id
}

func newJob(t *testing.T, id string) *domain.Job {
	t.Helper()
	return &domain.Job{
		ID:          mustJobID(t, id),
		Prompt:      "do the thing",
		ProjectPath: "/tmp/proj",
	}
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func batchStatus(r *Runner, id string) domain.BatchStatus {
	b, ok := r.GetBatch(id)
	if !ok {
		return ""
	}
	return b.Status
}

func jobStatus(r *Runner, id domain.JobID) domain.JobStatus {
	j, ok := r.GetJob(id)
	if !ok {
		return ""
	}
	return j.Status
}

func TestBatchRunsJobsInOrder(t *testing.T) {
	backend := newFakeBackend()
	r := newTestRunner(backend, nil)
	defer r.Close()

	b := r.CreateBatch("alpha", false)
	jobs := []*domain.Job{newJob(t, "proj/a"), newJob(t, "proj/b"), newJob(t, "proj/c")}
	if err := r.AddJobs(b.ID, jobs); err != nil {
		t.Fatalf("AddJobs: %v", err)
	}
	if err := r.StartBatch(b.ID); err != nil {
		t.Fatalf("StartBatch: %v", err)
	}

	waitFor(t, "batch completion", func() bool {
		return batchStatus(r, b.ID) == domain.BatchCompleted
	})

	want := []string{"create a", "delete a", "create b", "delete b", "create c", "delete c"}
	got := backend.actionLog()
	if len(got) != len(want) {
		t.Fatalf("actions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("actions[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	for _, j := range jobs {
		if s := jobStatus(r, j.ID); s != domain.JobCompleted {
			t.Errorf("job %s status = %v, want %v", j.ID, s, domain.JobCompleted)
		}
	}
}

func TestBatchesRunInParallel(t *testing.T) {
	backend := newFakeBackend()
	gateA := make(chan struct{})
	backend.block["a"] = gateA

	r := newTestRunner(backend, nil)
	defer r.Close()

	b1 := r.CreateBatch("one", false)
	b2 := r.CreateBatch("two", false)
	if err := r.AddJobs(b1.ID, []*domain.Job{newJob(t, "p1/a")}); err != nil {
		t.Fatalf("AddJobs: %v", err)
	}
	if err := r.AddJobs(b2.ID, []*domain.Job{newJob(t, "p2/x")}); err != nil {
		t.Fatalf("AddJobs: %v", err)
	}
	if err := r.StartBatch(b1.ID); err != nil {
		t.Fatalf("StartBatch: %v", err)
	}
	if err := r.StartBatch(b2.ID); err != nil {
		t.Fatalf("StartBatch: %v", err)
	}

	// Batch two finishes while batch one's job is still polling
	waitFor(t, "batch two completion", func() bool {
		return batchStatus(r, b2.ID) == domain.BatchCompleted
	})
	if s := batchStatus(r, b1.ID); s != domain.BatchRunning {
		t.Errorf("batch one status = %v, want %v", s, domain.BatchRunning)
	}

	close(gateA)
	waitFor(t, "batch one completion", func() bool {
		return batchStatus(r, b1.ID) == domain.BatchCompleted
	})
}

func TestSessionTokenThreadedIntoLaterJobs(t *testing.T) {
	backend := newFakeBackend()
	backend.polls["a"] = []pollStep{
		{result: agent.PollResult{Status: agent.StatusCompleted, SessionToken: "tok-1"}},
	}

	r := newTestRunner(backend, nil)
	defer r.Close()

	b := r.CreateBatch("sess", true)
	if err := r.AddJobs(b.ID, []*domain.Job{newJob(t, "p/a"), newJob(t, "p/b")}); err != nil {
		t.Fatalf("AddJobs: %v", err)
	}
	if err := r.StartBatch(b.ID); err != nil {
		t.Fatalf("StartBatch: %v", err)
	}

	waitFor(t, "batch completion", func() bool {
		return batchStatus(r, b.ID) == domain.BatchCompleted
	})

	creates := backend.createRequests()
	if len(creates) != 2 {
		t.Fatalf("got %d creates, want 2", len(creates))
	}
	if creates[0].SessionToken != "" {
		t.Errorf("first create token = %q, want empty", creates[0].SessionToken)
	}
	if creates[1].SessionToken != "tok-1" {
		t.Errorf("second create token = %q, want tok-1", creates[1].SessionToken)
	}
	if got := r.Sessions().Token(b.ID); got != "tok-1" {
		t.Errorf("session token = %q, want tok-1", got)
	}
}

func TestSessionLimitDrainsRemainingQueue(t *testing.T) {
	backend := newFakeBackend()
	backend.polls["a"] = []pollStep{
		{result: agent.PollResult{Status: agent.StatusSessionLimit, Error: "usage limit reached"}},
	}

	r := newTestRunner(backend, nil)
	defer r.Close()

	b := r.CreateBatch("sess", true)
	jobs := []*domain.Job{newJob(t, "p/a"), newJob(t, "p/b"), newJob(t, "p/c")}
	if err := r.AddJobs(b.ID, jobs); err != nil {
		t.Fatalf("AddJobs: %v", err)
	}
	if err := r.StartBatch(b.ID); err != nil {
		t.Fatalf("StartBatch: %v", err)
	}

	waitFor(t, "batch drained", func() bool {
		return batchStatus(r, b.ID) == domain.BatchIdle
	})

	if s := jobStatus(r, jobs[0].ID); s != domain.JobSessionLimit {
		t.Errorf("job a status = %v, want %v", s, domain.JobSessionLimit)
	}
	for _, j := range jobs[1:] {
		if s := jobStatus(r, j.ID); s != domain.JobIdle {
			t.Errorf("job %s status = %v, want %v", j.ID, s, domain.JobIdle)
		}
	}

	batch, _ := r.GetBatch(b.ID)
	if !strings.Contains(batch.ErrorMessage, "2 pending jobs dropped") {
		t.Errorf("batch error = %q, want pending-drop aggregate", batch.ErrorMessage)
	}

	if got := len(backend.createRequests()); got != 1 {
		t.Errorf("got %d creates after session limit, want 1", got)
	}
}

func TestCreateRetriesTransientThenSucceeds(t *testing.T) {
	backend := newFakeBackend()
	backend.createErrs["a"] = []error{
		&agent.TransientError{Reason: "rebuilding"},
		&agent.TransientError{Reason: "rebuilding"},
	}

	r := newTestRunner(backend, nil)
	defer r.Close()

	b := r.CreateBatch("alpha", false)
	job := newJob(t, "p/a")
	if err := r.AddJobs(b.ID, []*domain.Job{job}); err != nil {
		t.Fatalf("AddJobs: %v", err)
	}
	if err := r.StartBatch(b.ID); err != nil {
		t.Fatalf("StartBatch: %v", err)
	}

	waitFor(t, "job completion", func() bool {
		return jobStatus(r, job.ID) == domain.JobCompleted
	})
}

func TestCreatePermanentErrorFailsJob(t *testing.T) {
	backend := newFakeBackend()
	backend.createErrs["a"] = []error{errors.New("invalid prompt")}

	r := newTestRunner(backend, nil)
	defer r.Close()

	b := r.CreateBatch("alpha", false)
	job := newJob(t, "p/a")
	if err := r.AddJobs(b.ID, []*domain.Job{job}); err != nil {
		t.Fatalf("AddJobs: %v", err)
	}
	if err := r.StartBatch(b.ID); err != nil {
		t.Fatalf("StartBatch: %v", err)
	}

	waitFor(t, "job failure", func() bool {
		return jobStatus(r, job.ID) == domain.JobFailed
	})

	j, _ := r.GetJob(job.ID)
	if !strings.Contains(j.ErrorMessage, "creating job") {
		t.Errorf("error = %q, want creation failure message", j.ErrorMessage)
	}
	if got := len(backend.createRequests()); got != 0 {
		t.Errorf("got %d successful creates, want 0", got)
	}
	if s := batchStatus(r, b.ID); s != domain.BatchCompleted {
		t.Errorf("batch status = %v, want %v", s, domain.BatchCompleted)
	}
}

func TestPauseHoldsNextJobUntilResume(t *testing.T) {
	backend := newFakeBackend()
	gateA := make(chan struct{})
	backend.block["a"] = gateA

	r := newTestRunner(backend, nil)
	defer r.Close()

	b := r.CreateBatch("alpha", false)
	jobA, jobB := newJob(t, "p/a"), newJob(t, "p/b")
	if err := r.AddJobs(b.ID, []*domain.Job{jobA, jobB}); err != nil {
		t.Fatalf("AddJobs: %v", err)
	}
	if err := r.StartBatch(b.ID); err != nil {
		t.Fatalf("StartBatch: %v", err)
	}

	waitFor(t, "job a running", func() bool {
		return jobStatus(r, jobA.ID) == domain.JobRunning
	})

	if err := r.PauseBatch(b.ID); err != nil {
		t.Fatalf("PauseBatch: %v", err)
	}

	// The in-flight job drains to completion; b stays queued
	close(gateA)
	waitFor(t, "job a completion", func() bool {
		return jobStatus(r, jobA.ID) == domain.JobCompleted
	})

	time.Sleep(20 * time.Millisecond)
	if s := jobStatus(r, jobB.ID); s != domain.JobQueued {
		t.Fatalf("job b status while paused = %v, want %v", s, domain.JobQueued)
	}

	if err := r.ResumeBatch(b.ID); err != nil {
		t.Fatalf("ResumeBatch: %v", err)
	}
	waitFor(t, "batch completion", func() bool {
		return batchStatus(r, b.ID) == domain.BatchCompleted
	})
}

func TestDeleteBatchCancelsRunningJob(t *testing.T) {
	backend := newFakeBackend()
	backend.block["a"] = make(chan struct{}) // never released

	r := newTestRunner(backend, nil)
	defer r.Close()

	b := r.CreateBatch("alpha", false)
	jobA := newJob(t, "p/a")
	if err := r.AddJobs(b.ID, []*domain.Job{jobA, newJob(t, "p/b")}); err != nil {
		t.Fatalf("AddJobs: %v", err)
	}
	if err := r.StartBatch(b.ID); err != nil {
		t.Fatalf("StartBatch: %v", err)
	}

	waitFor(t, "job a has a handle", func() bool {
		j, ok := r.GetJob(jobA.ID)
		return ok && j.ExecutionHandle != ""
	})

	if err := r.DeleteBatch(b.ID); err != nil {
		t.Fatalf("DeleteBatch: %v", err)
	}

	if _, ok := r.GetBatch(b.ID); ok {
		t.Error("batch still present after delete")
	}
	if _, ok := r.GetJob(jobA.ID); ok {
		t.Error("job still present after delete")
	}

	waitFor(t, "agent-side cancel", func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return len(backend.cancels) == 1
	})
}

func TestDeleteBatchDuringCreationCancelsFreshHandle(t *testing.T) {
	backend := newFakeBackend()
	gate := make(chan struct{})
	backend.createGate["a"] = gate

	r := newTestRunner(backend, nil)
	defer r.Close()

	b := r.CreateBatch("alpha", false)
	if err := r.AddJobs(b.ID, []*domain.Job{newJob(t, "p/a")}); err != nil {
		t.Fatalf("AddJobs: %v", err)
	}
	if err := r.StartBatch(b.ID); err != nil {
		t.Fatalf("StartBatch: %v", err)
	}

	waitFor(t, "creation in flight", func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return len(backend.creating) == 1
	})

	if err := r.DeleteBatch(b.ID); err != nil {
		t.Fatalf("DeleteBatch: %v", err)
	}
	close(gate)

	// The handle that materialized after the delete is cancelled, not polled
	waitFor(t, "cancel of the orphaned handle", func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return len(backend.cancels) == 1 && backend.cancels[0] == "h-1"
	})

	time.Sleep(20 * time.Millisecond)
	backend.mu.Lock()
	polled := backend.pollCounts["h-1"]
	backend.mu.Unlock()
	if polled != 0 {
		t.Errorf("polls of cancelled handle = %d, want 0", polled)
	}
}

func TestSettleDelayBlocksNextDequeue(t *testing.T) {
	backend := newFakeBackend()
	cfg := testConfig()
	cfg.SettleDelay = 300 * time.Millisecond
	r := New(backend, nil, session.NewManager(), cfg)
	defer r.Close()

	b := r.CreateBatch("alpha", false)
	if err := r.AddJobs(b.ID, []*domain.Job{newJob(t, "p/a"), newJob(t, "p/b")}); err != nil {
		t.Fatalf("AddJobs: %v", err)
	}
	if err := r.StartBatch(b.ID); err != nil {
		t.Fatalf("StartBatch: %v", err)
	}

	// Hammer the dispatcher with fresh work while job a settles; every
	// AddJobs call runs an eligibility scan that must keep skipping the
	// batch until the cool-down has elapsed.
	stop := make(chan struct{})
	var hammer sync.WaitGroup
	hammer.Add(1)
	go func() {
		defer hammer.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			case <-time.After(5 * time.Millisecond):
			}
			id := domain.JobID{Project: "p", Requirement: fmt.Sprintf("late%d", i)}
			r.AddJobs(b.ID, []*domain.Job{{ID: id, Prompt: "x", ProjectPath: "/tmp/proj"}})
		}
	}()

	waitFor(t, "second create", func() bool {
		actions, _ := backend.actionTimeline()
		for _, a := range actions {
			if a == "create b" {
				return true
			}
		}
		return false
	})
	close(stop)
	hammer.Wait()

	actions, times := backend.actionTimeline()
	deleteIdx := -1
	for i, a := range actions {
		if a == "delete a" {
			deleteIdx = i
			break
		}
	}
	if deleteIdx < 0 || deleteIdx+1 >= len(actions) {
		t.Fatalf("actions = %v, want a create after %q", actions, "delete a")
	}
	if next := actions[deleteIdx+1]; !strings.HasPrefix(next, "create ") {
		t.Fatalf("action after artifact deletion = %q, want a create", next)
	}
	if gap := times[deleteIdx+1].Sub(times[deleteIdx]); gap < cfg.SettleDelay {
		t.Errorf("gap between deletion and next create = %v, want >= %v", gap, cfg.SettleDelay)
	}
}

func TestAddJobsToRunningBatchEnqueues(t *testing.T) {
	backend := newFakeBackend()
	gateA := make(chan struct{})
	backend.block["a"] = gateA

	r := newTestRunner(backend, nil)
	defer r.Close()

	b := r.CreateBatch("alpha", false)
	if err := r.AddJobs(b.ID, []*domain.Job{newJob(t, "p/a")}); err != nil {
		t.Fatalf("AddJobs: %v", err)
	}
	if err := r.StartBatch(b.ID); err != nil {
		t.Fatalf("StartBatch: %v", err)
	}

	late := newJob(t, "p/late")
	if err := r.AddJobs(b.ID, []*domain.Job{late}); err != nil {
		t.Fatalf("AddJobs (late): %v", err)
	}
	if s := jobStatus(r, late.ID); s != domain.JobQueued {
		t.Fatalf("late job status = %v, want %v", s, domain.JobQueued)
	}

	close(gateA)
	waitFor(t, "batch completion", func() bool {
		return batchStatus(r, b.ID) == domain.BatchCompleted
	})
	if s := jobStatus(r, late.ID); s != domain.JobCompleted {
		t.Errorf("late job status = %v, want %v", s, domain.JobCompleted)
	}
}

func TestPersistFailuresAreSwallowed(t *testing.T) {
	backend := newFakeBackend()
	r := newTestRunner(backend, failingStore{})
	defer r.Close()

	b := r.CreateBatch("alpha", false)
	job := newJob(t, "p/a")
	if err := r.AddJobs(b.ID, []*domain.Job{job}); err != nil {
		t.Fatalf("AddJobs: %v", err)
	}
	if err := r.StartBatch(b.ID); err != nil {
		t.Fatalf("StartBatch: %v", err)
	}

	waitFor(t, "job completion despite store failures", func() bool {
		return jobStatus(r, job.ID) == domain.JobCompleted
	})
}

func TestRecoverResumesRunningJobWithHandle(t *testing.T) {
	started := time.Now().Add(-time.Minute)
	jobID := domain.JobID{Project: "p", Requirement: "a"}
	store := &memStore{snap: &recovery.Snapshot{
		Batches: map[string]*domain.Batch{
			"b1": {ID: "b1", Name: "alpha", Status: domain.BatchRunning, JobIDs: []domain.JobID{jobID}, CreatedAt: started},
		},
		Jobs: map[string]*domain.Job{
			jobID.String(): {ID: jobID, BatchID: "b1", Status: domain.JobRunning, ExecutionHandle: "h-old", ProjectPath: "/tmp/proj", CreatedAt: started, StartedAt: &started},
		},
		ActiveBatchID: "b1",
		SavedAt:       time.Now(),
	}}

	backend := newFakeBackend()
	backend.mu.Lock()
	backend.handleJob["h-old"] = "a"
	backend.mu.Unlock()

	r := newTestRunner(backend, store)
	defer r.Close()
	r.Recover()

	waitFor(t, "resumed job completion", func() bool {
		return jobStatus(r, jobID) == domain.JobCompleted
	})

	// Resume must poll the surviving handle, never create a new job
	if got := len(backend.createRequests()); got != 0 {
		t.Errorf("got %d creates after resume, want 0", got)
	}
	if s := batchStatus(r, "b1"); s != domain.BatchCompleted {
		t.Errorf("batch status = %v, want %v", s, domain.BatchCompleted)
	}
}

func TestRecoverDemotesRunningJobWithoutHandle(t *testing.T) {
	jobID := domain.JobID{Project: "p", Requirement: "a"}
	store := &memStore{snap: &recovery.Snapshot{
		Batches: map[string]*domain.Batch{
			"b1": {ID: "b1", Name: "alpha", Status: domain.BatchRunning, JobIDs: []domain.JobID{jobID}, CreatedAt: time.Now()},
		},
		Jobs: map[string]*domain.Job{
			jobID.String(): {ID: jobID, BatchID: "b1", Status: domain.JobRunning, ProjectPath: "/tmp/proj", CreatedAt: time.Now()},
		},
		SavedAt: time.Now(),
	}}

	backend := newFakeBackend()
	r := newTestRunner(backend, store)
	defer r.Close()
	r.Recover()

	// No handle survived, so the job is recreated from scratch
	waitFor(t, "requeued job completion", func() bool {
		return jobStatus(r, jobID) == domain.JobCompleted
	})
	if got := len(backend.createRequests()); got != 1 {
		t.Errorf("got %d creates after demotion, want 1", got)
	}
}

func TestRecoverRestoresSessionToken(t *testing.T) {
	jobID := domain.JobID{Project: "p", Requirement: "b"}
	store := &memStore{snap: &recovery.Snapshot{
		Batches: map[string]*domain.Batch{
			"s1": {ID: "s1", Name: "sess", Status: domain.BatchRunning, IsSession: true, SessionToken: "tok-9", JobIDs: []domain.JobID{jobID}, CreatedAt: time.Now()},
		},
		Jobs: map[string]*domain.Job{
			jobID.String(): {ID: jobID, BatchID: "s1", Status: domain.JobQueued, ProjectPath: "/tmp/proj", CreatedAt: time.Now()},
		},
		SavedAt: time.Now(),
	}}

	backend := newFakeBackend()
	r := newTestRunner(backend, store)
	defer r.Close()
	r.Recover()

	waitFor(t, "queued job completion", func() bool {
		return jobStatus(r, jobID) == domain.JobCompleted
	})

	creates := backend.createRequests()
	if len(creates) != 1 {
		t.Fatalf("got %d creates, want 1", len(creates))
	}
	if creates[0].SessionToken != "tok-9" {
		t.Errorf("create token = %q, want tok-9", creates[0].SessionToken)
	}
}

func TestCompactBatchKeepsUnfinishedJobs(t *testing.T) {
	backend := newFakeBackend()
	r := newTestRunner(backend, nil)
	defer r.Close()

	b := r.CreateBatch("alpha", false)
	jobs := []*domain.Job{newJob(t, "p/a"), newJob(t, "p/b")}
	if err := r.AddJobs(b.ID, jobs); err != nil {
		t.Fatalf("AddJobs: %v", err)
	}
	if err := r.StartBatch(b.ID); err != nil {
		t.Fatalf("StartBatch: %v", err)
	}
	waitFor(t, "batch completion", func() bool {
		return batchStatus(r, b.ID) == domain.BatchCompleted
	})

	unfinished := newJob(t, "p/c")
	if err := r.AddJobs(b.ID, []*domain.Job{unfinished}); err != nil {
		t.Fatalf("AddJobs: %v", err)
	}

	if err := r.CompactBatch(b.ID); err != nil {
		t.Fatalf("CompactBatch: %v", err)
	}

	batch, _ := r.GetBatch(b.ID)
	if len(batch.JobIDs) != 1 || batch.JobIDs[0] != unfinished.ID {
		t.Errorf("JobIDs after compact = %v, want [%v]", batch.JobIDs, unfinished.ID)
	}
	for _, j := range jobs {
		if _, ok := r.GetJob(j.ID); ok {
			t.Errorf("completed job %s survived compaction", j.ID)
		}
	}
}
