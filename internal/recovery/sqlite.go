package recovery

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hochfrequenz/claude-task-runner/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a SnapshotStore backed by a local SQLite database
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the database at the given path
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save replaces the whole snapshot in one transaction
func (s *SQLiteStore) Save(snap *Snapshot) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM batches`); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM jobs`); err != nil {
		return err
	}

	for _, b := range snap.Batches {
		jobIDs := make([]string, len(b.JobIDs))
		for i, id := range b.JobIDs {
			jobIDs[i] = id.String()
		}
		idsJSON, err := json.Marshal(jobIDs)
		if err != nil {
			return err
		}

		_, err = tx.Exec(`
			INSERT INTO batches (id, name, status, is_session, session_token, error_message, job_ids, heartbeat_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			b.ID,
			b.Name,
			string(b.Status),
			b.IsSession,
			b.SessionToken,
			b.ErrorMessage,
			string(idsJSON),
			b.HeartbeatAt,
			b.CreatedAt,
		)
		if err != nil {
			return err
		}
	}

	for _, j := range snap.Jobs {
		_, err = tx.Exec(`
			INSERT INTO jobs (id, batch_id, status, execution_handle, error_message, log_ref, prompt, project_path, created_at, started_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			j.ID.String(),
			j.BatchID,
			string(j.Status),
			j.ExecutionHandle,
			j.ErrorMessage,
			j.LogRef,
			j.Prompt,
			j.ProjectPath,
			j.CreatedAt,
			j.StartedAt,
			j.FinishedAt,
		)
		if err != nil {
			return err
		}
	}

	savedAt := snap.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}
	metaPairs := map[string]string{
		"active_batch": snap.ActiveBatchID,
		"saved_at":     savedAt.Format(time.RFC3339Nano),
	}
	for key, value := range metaPairs {
		if _, err := tx.Exec(`
			INSERT INTO meta (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, key, value); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Load reads the persisted snapshot, or returns (nil, nil) when empty
func (s *SQLiteStore) Load() (*Snapshot, error) {
	snap := &Snapshot{
		Batches: make(map[string]*domain.Batch),
		Jobs:    make(map[string]*domain.Job),
	}

	rows, err := s.db.Query(`
		SELECT id, name, status, is_session, session_token, error_message, job_ids, heartbeat_at, created_at
		FROM batches
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		snap.Batches[b.ID] = b
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	jobRows, err := s.db.Query(`
		SELECT id, batch_id, status, execution_handle, error_message, log_ref, prompt, project_path, created_at, started_at, finished_at
		FROM jobs
	`)
	if err != nil {
		return nil, err
	}
	defer jobRows.Close()

	for jobRows.Next() {
		j, err := scanJob(jobRows)
		if err != nil {
			return nil, err
		}
		snap.Jobs[j.ID.String()] = j
	}
	if err := jobRows.Err(); err != nil {
		return nil, err
	}

	var savedAt string
	err = s.db.QueryRow(`SELECT value FROM meta WHERE key = 'saved_at'`).Scan(&savedAt)
	switch {
	case err == sql.ErrNoRows:
		if len(snap.Batches) == 0 && len(snap.Jobs) == 0 {
			return nil, nil
		}
	case err != nil:
		return nil, err
	default:
		snap.SavedAt, _ = time.Parse(time.RFC3339Nano, savedAt)
	}

	s.db.QueryRow(`SELECT value FROM meta WHERE key = 'active_batch'`).Scan(&snap.ActiveBatchID)

	return snap, nil
}

// Clear removes all persisted state
func (s *SQLiteStore) Clear() error {
	for _, stmt := range []string{
		`DELETE FROM batches`,
		`DELETE FROM jobs`,
		`DELETE FROM meta`,
	} {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func scanBatch(rows *sql.Rows) (*domain.Batch, error) {
	var b domain.Batch
	var status, idsJSON string
	var sessionToken, errorMessage sql.NullString
	var heartbeatAt sql.NullTime

	err := rows.Scan(&b.ID, &b.Name, &status, &b.IsSession, &sessionToken, &errorMessage, &idsJSON, &heartbeatAt, &b.CreatedAt)
	if err != nil {
		return nil, err
	}

	b.Status = domain.BatchStatus(status)
	if sessionToken.Valid {
		b.SessionToken = sessionToken.String
	}
	if errorMessage.Valid {
		b.ErrorMessage = errorMessage.String
	}
	if heartbeatAt.Valid {
		b.HeartbeatAt = heartbeatAt.Time
	}

	if idsJSON != "" && idsJSON != "null" {
		var ids []string
		if err := json.Unmarshal([]byte(idsJSON), &ids); err != nil {
			return nil, err
		}
		for _, raw := range ids {
			id, err := domain.ParseJobID(raw)
			if err != nil {
				return nil, err
			}
			b.JobIDs = append(b.JobIDs, id)
		}
	}

	return &b, nil
}

func scanJob(rows *sql.Rows) (*domain.Job, error) {
	var j domain.Job
	var id, status string
	var batchID, handle, errorMessage, logRef, prompt, projectPath sql.NullString
	var startedAt, finishedAt sql.NullTime

	err := rows.Scan(&id, &batchID, &status, &handle, &errorMessage, &logRef, &prompt, &projectPath, &j.CreatedAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	j.ID, err = domain.ParseJobID(id)
	if err != nil {
		return nil, err
	}
	j.Status = domain.JobStatus(status)
	if batchID.Valid {
		j.BatchID = batchID.String
	}
	if handle.Valid {
		j.ExecutionHandle = handle.String
	}
	if errorMessage.Valid {
		j.ErrorMessage = errorMessage.String
	}
	if logRef.Valid {
		j.LogRef = logRef.String
	}
	if prompt.Valid {
		j.Prompt = prompt.String
	}
	if projectPath.Valid {
		j.ProjectPath = projectPath.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		j.FinishedAt = &t
	}

	return &j, nil
}
