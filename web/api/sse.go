package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/hochfrequenz/claude-task-runner/internal/runner"
)

// EventStream fans runner events out to connected SSE clients. Clients
// that cannot keep up lose events, mirroring the runner's own subscriber
// contract.
type EventStream struct {
	mu      sync.Mutex
	clients map[chan runner.Event]struct{}
}

// NewEventStream creates an empty stream
func NewEventStream() *EventStream {
	return &EventStream{clients: make(map[chan runner.Event]struct{})}
}

func (s *EventStream) subscribe() chan runner.Event {
	ch := make(chan runner.Event, 64)
	s.mu.Lock()
	s.clients[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

func (s *EventStream) unsubscribe(ch chan runner.Event) {
	s.mu.Lock()
	if _, ok := s.clients[ch]; ok {
		delete(s.clients, ch)
		close(ch)
	}
	s.mu.Unlock()
}

// Broadcast delivers the event to every connected client without blocking
func (s *EventStream) Broadcast(ev runner.Event) {
	s.mu.Lock()
	for ch := range s.clients {
		select {
		case ch <- ev:
		default:
		}
	}
	s.mu.Unlock()
}

func (s *Server) sseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming not supported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")

		client := s.events.subscribe()
		defer s.events.unsubscribe(client)

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, ok := <-client:
				if !ok {
					return
				}
				data, _ := json.Marshal(ev)
				fmt.Fprintf(w, "event: %s\n", ev.Type)
				fmt.Fprintf(w, "data: %s\n\n", data)
				flusher.Flush()
			}
		}
	}
}
