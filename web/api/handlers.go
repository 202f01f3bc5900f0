package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hochfrequenz/claude-task-runner/internal/domain"
)

// BatchResponse is the API response for a batch
type BatchResponse struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Status       string   `json:"status"`
	IsSession    bool     `json:"is_session"`
	HasToken     bool     `json:"has_token"`
	Error        string   `json:"error,omitempty"`
	JobIDs       []string `json:"job_ids"`
	CreatedAgo   string   `json:"created_ago"`
	HeartbeatAgo string   `json:"heartbeat_ago,omitempty"`
}

// JobResponse is the API response for a job
type JobResponse struct {
	ID         string   `json:"id"`
	BatchID    string   `json:"batch_id"`
	Status     string   `json:"status"`
	Error      string   `json:"error,omitempty"`
	LogRef     string   `json:"log_ref,omitempty"`
	Progress   []string `json:"progress,omitempty"`
	StartedAt  *string  `json:"started_at,omitempty"`
	FinishedAt *string  `json:"finished_at,omitempty"`
	Duration   string   `json:"duration,omitempty"`
}

// StatusResponse is the API response for overall status
type StatusResponse struct {
	Batches   int `json:"batches"`
	Running   int `json:"running"`
	Queued    int `json:"queued"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// SessionResponse is the API response for a session
type SessionResponse struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	JobIDs       []string `json:"job_ids"`
	HasToken     bool     `json:"has_token"`
	HeartbeatAgo string   `json:"heartbeat_ago"`
}

func batchToResponse(b *domain.Batch) BatchResponse {
	ids := make([]string, len(b.JobIDs))
	for i, id := range b.JobIDs {
		ids[i] = id.String()
	}

	resp := BatchResponse{
		ID:         b.ID,
		Name:       b.Name,
		Status:     string(b.Status),
		IsSession:  b.IsSession,
		HasToken:   b.SessionToken != "",
		Error:      b.ErrorMessage,
		JobIDs:     ids,
		CreatedAgo: humanize.Time(b.CreatedAt),
	}
	if !b.HeartbeatAt.IsZero() {
		resp.HeartbeatAgo = humanize.Time(b.HeartbeatAt)
	}
	return resp
}

func jobToResponse(j *domain.Job) JobResponse {
	resp := JobResponse{
		ID:       j.ID.String(),
		BatchID:  j.BatchID,
		Status:   string(j.Status),
		Error:    j.ErrorMessage,
		LogRef:   j.LogRef,
		Progress: j.Progress,
	}
	if j.StartedAt != nil {
		t := j.StartedAt.Format(time.RFC3339)
		resp.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := j.FinishedAt.Format(time.RFC3339)
		resp.FinishedAt = &t
	}
	if d := j.Duration(); d > 0 {
		resp.Duration = d.Round(time.Second).String()
	}
	return resp
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		var status StatusResponse
		status.Batches = len(s.runner.ListBatches())
		for _, j := range s.runner.ListJobs() {
			switch j.Status {
			case domain.JobRunning:
				status.Running++
			case domain.JobQueued:
				status.Queued++
			case domain.JobCompleted:
				status.Completed++
			case domain.JobFailed, domain.JobSessionLimit:
				status.Failed++
			}
		}

		writeJSON(w, status)
	}
}

func (s *Server) batchesHandler() http.HandlerFunc {
	type createRequest struct {
		Name    string `json:"name"`
		Session bool   `json:"session"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			batches := s.runner.ListBatches()
			sort.Slice(batches, func(i, j int) bool {
				return batches[i].CreatedAt.Before(batches[j].CreatedAt)
			})
			resp := make([]BatchResponse, len(batches))
			for i, b := range batches {
				resp[i] = batchToResponse(b)
			}
			writeJSON(w, resp)

		case http.MethodPost:
			var req createRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid JSON body")
				return
			}
			if req.Name == "" {
				writeError(w, http.StatusBadRequest, "name is required")
				return
			}
			b := s.runner.CreateBatch(req.Name, req.Session)
			writeJSON(w, batchToResponse(b))

		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

// batchHandler routes /api/batches/{id} and /api/batches/{id}/{action}
func (s *Server) batchHandler() http.HandlerFunc {
	type addJobsRequest struct {
		Jobs []struct {
			ID          string `json:"id"`
			Prompt      string `json:"prompt"`
			ProjectPath string `json:"project_path"`
		} `json:"jobs"`
	}
	type renameRequest struct {
		Name string `json:"name"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/batches/")
		parts := strings.SplitN(rest, "/", 2)
		batchID := parts[0]
		action := ""
		if len(parts) == 2 {
			action = parts[1]
		}
		if batchID == "" {
			writeError(w, http.StatusBadRequest, "missing batch ID")
			return
		}

		if action == "" {
			switch r.Method {
			case http.MethodGet:
				b, ok := s.runner.GetBatch(batchID)
				if !ok {
					writeError(w, http.StatusNotFound, "batch not found")
					return
				}
				writeJSON(w, batchToResponse(b))
			case http.MethodDelete:
				if err := s.runner.DeleteBatch(batchID); err != nil {
					writeError(w, http.StatusNotFound, err.Error())
					return
				}
				writeJSON(w, map[string]string{"status": "deleted"})
			default:
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			}
			return
		}

		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		var err error
		switch action {
		case "start":
			err = s.runner.StartBatch(batchID)
		case "pause":
			err = s.runner.PauseBatch(batchID)
		case "resume":
			err = s.runner.ResumeBatch(batchID)
		case "compact":
			err = s.runner.CompactBatch(batchID)
		case "rename":
			var req renameRequest
			if decErr := json.NewDecoder(r.Body).Decode(&req); decErr != nil || req.Name == "" {
				writeError(w, http.StatusBadRequest, "name is required")
				return
			}
			err = s.runner.RenameBatch(batchID, req.Name)
		case "jobs":
			var req addJobsRequest
			if decErr := json.NewDecoder(r.Body).Decode(&req); decErr != nil {
				writeError(w, http.StatusBadRequest, "invalid JSON body")
				return
			}
			var jobs []*domain.Job
			for _, j := range req.Jobs {
				id, parseErr := domain.ParseJobID(j.ID)
				if parseErr != nil {
					writeError(w, http.StatusBadRequest, parseErr.Error())
					return
				}
				jobs = append(jobs, &domain.Job{ID: id, Prompt: j.Prompt, ProjectPath: j.ProjectPath})
			}
			err = s.runner.AddJobs(batchID, jobs)
		default:
			writeError(w, http.StatusNotFound, "unknown action: "+action)
			return
		}

		if err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		b, ok := s.runner.GetBatch(batchID)
		if !ok {
			writeJSON(w, map[string]string{"status": "ok"})
			return
		}
		writeJSON(w, batchToResponse(b))
	}
}

func (s *Server) listJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		jobs := s.runner.ListJobs()
		sort.Slice(jobs, func(i, j int) bool {
			return jobs[i].ID.String() < jobs[j].ID.String()
		})
		resp := make([]JobResponse, len(jobs))
		for i, j := range jobs {
			resp[i] = jobToResponse(j)
		}
		writeJSON(w, resp)
	}
}

func (s *Server) listSessionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		sessions := s.runner.Sessions().List()
		resp := make([]SessionResponse, 0, len(sessions))
		for _, sess := range sessions {
			ids := make([]string, len(sess.JobIDs))
			for i, id := range sess.JobIDs {
				ids[i] = id.String()
			}
			resp = append(resp, SessionResponse{
				ID:           sess.ID,
				Name:         sess.Name,
				JobIDs:       ids,
				HasToken:     sess.Token != "",
				HeartbeatAgo: humanize.Time(sess.HeartbeatAt),
			})
		}
		writeJSON(w, resp)
	}
}

// orphansHandler lists orphaned sessions (GET) or cleans them up (POST)
func (s *Server) orphansHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.detector == nil {
			writeError(w, http.StatusNotFound, "orphan detection disabled")
			return
		}

		switch r.Method {
		case http.MethodGet:
			orphans := s.detector.Scan()
			resp := make([]SessionResponse, 0, len(orphans))
			for _, sess := range orphans {
				ids := make([]string, len(sess.JobIDs))
				for i, id := range sess.JobIDs {
					ids[i] = id.String()
				}
				resp = append(resp, SessionResponse{
					ID:           sess.ID,
					Name:         sess.Name,
					JobIDs:       ids,
					HasToken:     sess.Token != "",
					HeartbeatAgo: humanize.Time(sess.HeartbeatAt),
				})
			}
			writeJSON(w, resp)

		case http.MethodPost:
			cleaned, err := s.detector.CleanupAll(r.Context())
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, map[string]int{"cleaned": cleaned})

		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}
