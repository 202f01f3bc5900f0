package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Message types on the streaming connection
const (
	typeCreate    = "create"
	typeCreated   = "created"
	typeStatus    = "status"
	typeCancel    = "cancel"
	typeDelete    = "delete_artifact"
	typeHeartbeat = "heartbeat"
)

// envelope wraps every streamed message
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type createdMessage struct {
	JobName string `json:"job_name"`
	Handle  string `json:"handle"`
	Error   string `json:"error,omitempty"`
}

type statusMessage struct {
	Handle string `json:"handle"`
	PollResult
}

// StreamBackend satisfies JobBackend over a websocket connection where the
// agent pushes status updates instead of being polled. PollJob returns the
// most recently pushed state for a handle, so the poller's state machine
// works unchanged on top of it.
type StreamBackend struct {
	url  string
	conn *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	states  map[string]*PollResult
	created map[string]chan createdMessage // keyed by job name
	closed  bool
}

// NewStreamBackend dials the agent's streaming endpoint
func NewStreamBackend(url string) (*StreamBackend, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	b := &StreamBackend{
		url:     url,
		conn:    conn,
		states:  make(map[string]*PollResult),
		created: make(map[string]chan createdMessage),
	}
	go b.readLoop()
	return b, nil
}

func (b *StreamBackend) readLoop() {
	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			b.mu.Lock()
			b.closed = true
			b.mu.Unlock()
			log.Printf("agent stream closed: %v", err)
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("invalid stream message: %v", err)
			continue
		}

		switch env.Type {
		case typeCreated:
			var msg createdMessage
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				log.Printf("invalid created message: %v", err)
				continue
			}
			b.mu.Lock()
			if ch, ok := b.created[msg.JobName]; ok {
				delete(b.created, msg.JobName)
				ch <- msg
			}
			b.mu.Unlock()

		case typeStatus:
			var msg statusMessage
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				log.Printf("invalid status message: %v", err)
				continue
			}
			b.mu.Lock()
			result := msg.PollResult
			b.states[msg.Handle] = &result
			b.mu.Unlock()
		}
	}
}

func (b *StreamBackend) send(msgType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env, err := json.Marshal(envelope{Type: msgType, Payload: data})
	if err != nil {
		return err
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.conn.WriteMessage(websocket.TextMessage, env)
}

// Health reports whether the stream connection is still up
func (b *StreamBackend) Health(ctx context.Context) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return fmt.Errorf("agent stream disconnected")
	}
	return nil
}

// CreateJob sends a create message and waits for the agent's ack
func (b *StreamBackend) CreateJob(ctx context.Context, req CreateRequest) (*CreateResponse, error) {
	ack := make(chan createdMessage, 1)
	b.mu.Lock()
	b.created[req.JobName] = ack
	b.mu.Unlock()

	if err := b.send(typeCreate, req); err != nil {
		b.mu.Lock()
		delete(b.created, req.JobName)
		b.mu.Unlock()
		return nil, &TransientError{Reason: "stream write failed", Err: err}
	}

	select {
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.created, req.JobName)
		b.mu.Unlock()
		return nil, ctx.Err()
	case msg := <-ack:
		if msg.Error != "" {
			return nil, fmt.Errorf("create rejected: %s", msg.Error)
		}
		if msg.Handle == "" {
			return nil, &TransientError{Reason: "created ack missing handle"}
		}
		return &CreateResponse{Handle: msg.Handle}, nil
	case <-time.After(30 * time.Second):
		b.mu.Lock()
		delete(b.created, req.JobName)
		b.mu.Unlock()
		return nil, &TransientError{Reason: "timed out waiting for create ack"}
	}
}

// PollJob returns the last state pushed for the handle
func (b *StreamBackend) PollJob(ctx context.Context, handle string) (*PollResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("agent stream disconnected")
	}
	state, ok := b.states[handle]
	if !ok {
		// No push received yet; the job is settling after creation
		return &PollResult{Status: StatusPending}, nil
	}
	result := *state
	return &result, nil
}

// CancelJob pushes a cancel message
func (b *StreamBackend) CancelJob(ctx context.Context, handle string) error {
	return b.send(typeCancel, map[string]string{"handle": handle})
}

// DeleteArtifact pushes a delete message
func (b *StreamBackend) DeleteArtifact(ctx context.Context, projectPath, jobName string) error {
	return b.send(typeDelete, map[string]string{
		"project_path": projectPath,
		"job_name":     jobName,
	})
}

// SendHeartbeat pushes a heartbeat message
func (b *StreamBackend) SendHeartbeat(ctx context.Context, sessionID string) error {
	return b.send(typeHeartbeat, map[string]string{"session_id": sessionID})
}

// Close shuts the connection down
func (b *StreamBackend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return b.conn.Close()
}
