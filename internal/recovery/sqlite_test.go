package recovery

import (
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/hochfrequenz/claude-task-runner/internal/domain"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "runner.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleSnapshot() *Snapshot {
	started := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	return &Snapshot{
		Batches: map[string]*domain.Batch{
			"b1": {
				ID:           "b1",
				Name:         "auth refactor",
				Status:       domain.BatchRunning,
				IsSession:    true,
				SessionToken: "sess-abc",
				JobIDs: []domain.JobID{
					{Project: "dashboard", Requirement: "add-login"},
					{Project: "dashboard", Requirement: "add-logout"},
				},
				HeartbeatAt: started,
				CreatedAt:   started,
			},
		},
		Jobs: map[string]*domain.Job{
			"dashboard/add-login": {
				ID:              domain.JobID{Project: "dashboard", Requirement: "add-login"},
				BatchID:         "b1",
				Status:          domain.JobRunning,
				ExecutionHandle: "exec-1",
				Prompt:          "add a login page",
				ProjectPath:     "/srv/dashboard",
				CreatedAt:       started,
				StartedAt:       &started,
			},
			"dashboard/add-logout": {
				ID:        domain.JobID{Project: "dashboard", Requirement: "add-logout"},
				BatchID:   "b1",
				Status:    domain.JobQueued,
				CreatedAt: started,
			},
		},
		ActiveBatchID: "b1",
		SavedAt:       started,
	}
}

func TestSQLiteStore_SaveLoadRoundTrip(t *testing.T) {
	store := testStore(t)
	snap := sampleSnapshot()

	if err := store.Save(snap); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded == nil {
		t.Fatal("Load = nil, want snapshot")
	}

	if loaded.ActiveBatchID != "b1" {
		t.Errorf("ActiveBatchID = %q, want b1", loaded.ActiveBatchID)
	}

	b := loaded.Batches["b1"]
	if b == nil {
		t.Fatal("batch b1 missing")
	}
	if b.SessionToken != "sess-abc" || !b.IsSession {
		t.Errorf("batch session fields = (%q, %v), want (sess-abc, true)", b.SessionToken, b.IsSession)
	}
	if !reflect.DeepEqual(b.JobIDs, snap.Batches["b1"].JobIDs) {
		t.Errorf("JobIDs = %v, want %v", b.JobIDs, snap.Batches["b1"].JobIDs)
	}

	j := loaded.Jobs["dashboard/add-login"]
	if j == nil {
		t.Fatal("job dashboard/add-login missing")
	}
	if j.ExecutionHandle != "exec-1" {
		t.Errorf("ExecutionHandle = %q, want exec-1", j.ExecutionHandle)
	}
	if j.Status != domain.JobRunning {
		t.Errorf("Status = %s, want running", j.Status)
	}
	if j.StartedAt == nil {
		t.Error("StartedAt = nil, want set")
	}
}

func TestSQLiteStore_LoadIdempotent(t *testing.T) {
	store := testStore(t)
	if err := store.Save(sampleSnapshot()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	first, err := store.Load()
	if err != nil {
		t.Fatalf("first Load: %v", err)
	}
	second, err := store.Load()
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}

	if !reflect.DeepEqual(first.Batches, second.Batches) {
		t.Error("batches differ between consecutive loads")
	}
	if !reflect.DeepEqual(first.Jobs, second.Jobs) {
		t.Error("jobs differ between consecutive loads")
	}
}

func TestSQLiteStore_EmptyLoadReturnsNil(t *testing.T) {
	store := testStore(t)
	snap, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap != nil {
		t.Errorf("Load on empty store = %+v, want nil", snap)
	}
}

func TestSQLiteStore_SaveReplacesWholeSnapshot(t *testing.T) {
	store := testStore(t)
	if err := store.Save(sampleSnapshot()); err != nil {
		t.Fatalf("first Save: %v", err)
	}

	smaller := &Snapshot{
		Batches: map[string]*domain.Batch{
			"b2": {ID: "b2", Name: "other", Status: domain.BatchIdle, CreatedAt: time.Now()},
		},
		Jobs: map[string]*domain.Job{},
	}
	if err := store.Save(smaller); err != nil {
		t.Fatalf("second Save: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded.Batches) != 1 {
		t.Errorf("batches = %d, want 1 (old snapshot must be replaced)", len(loaded.Batches))
	}
	if _, ok := loaded.Batches["b1"]; ok {
		t.Error("stale batch b1 survived a replacing Save")
	}
	if len(loaded.Jobs) != 0 {
		t.Errorf("jobs = %d, want 0", len(loaded.Jobs))
	}
}

func TestSQLiteStore_Clear(t *testing.T) {
	store := testStore(t)
	if err := store.Save(sampleSnapshot()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	snap, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap != nil {
		t.Errorf("Load after Clear = %+v, want nil", snap)
	}
}
