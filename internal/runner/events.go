package runner

// EventType discriminates runner events
type EventType string

const (
	EventJobUpdate    EventType = "job_update"
	EventBatchUpdate  EventType = "batch_update"
	EventBatchDeleted EventType = "batch_deleted"
)

// Event is a state-change notification pushed to subscribers
type Event struct {
	Type     EventType `json:"type"`
	JobID    string    `json:"job_id,omitempty"`
	BatchID  string    `json:"batch_id,omitempty"`
	Status   string    `json:"status,omitempty"`
	Error    string    `json:"error,omitempty"`
	Progress []string  `json:"progress,omitempty"`
}

// Subscribe registers an event channel. The returned func unsubscribes.
// Slow subscribers lose events rather than block the orchestrator.
func (r *Runner) Subscribe() (<-chan Event, func()) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()

	id := r.nextSub
	r.nextSub++
	ch := make(chan Event, 64)
	r.subs[id] = ch

	return ch, func() {
		r.subsMu.Lock()
		defer r.subsMu.Unlock()
		if ch, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(ch)
		}
	}
}

func (r *Runner) emit(e Event) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()

	for _, ch := range r.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
