// Package api exposes the orchestrator over HTTP for the browser UI:
// batch control endpoints plus a server-sent-event stream of state changes.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/hochfrequenz/claude-task-runner/internal/runner"
	"github.com/hochfrequenz/claude-task-runner/internal/session"
)

// Server is the HTTP API server
type Server struct {
	runner   *runner.Runner
	detector *session.Detector
	addr     string
	mux      *http.ServeMux
	events   *EventStream
}

// NewServer creates a new API server. The detector may be nil when orphan
// scanning is disabled.
func NewServer(r *runner.Runner, detector *session.Detector, addr string) *Server {
	s := &Server{
		runner:   r,
		detector: detector,
		addr:     addr,
		mux:      http.NewServeMux(),
		events:   NewEventStream(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/status", s.statusHandler())
	s.mux.HandleFunc("/api/batches", s.batchesHandler())
	s.mux.HandleFunc("/api/batches/", s.batchHandler())
	s.mux.HandleFunc("/api/jobs", s.listJobsHandler())
	s.mux.HandleFunc("/api/sessions", s.listSessionsHandler())
	s.mux.HandleFunc("/api/orphans", s.orphansHandler())
	s.mux.HandleFunc("/api/events", s.sseHandler())

	// Static files (UI build output)
	s.mux.Handle("/", http.FileServer(http.Dir("web/ui/build")))
}

// Start serves HTTP until the context is cancelled, forwarding runner
// events to connected SSE clients.
func (s *Server) Start(ctx context.Context) error {
	events, unsubscribe := s.runner.Subscribe()
	defer unsubscribe()
	go func() {
		for ev := range events {
			s.events.Broadcast(ev)
		}
	}()

	srv := &http.Server{Addr: s.addr, Handler: s.mux}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Handler returns the route mux, mainly for tests
func (s *Server) Handler() http.Handler { return s.mux }

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
