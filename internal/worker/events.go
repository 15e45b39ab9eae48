package worker

import (
	"time"

	"github.com/google/uuid"
)

// EventType classifies a lifecycle event.
type EventType string

const (
	EventWorkerStarted EventType = "worker_started"
	EventWorkerStopped EventType = "worker_stopped"
	EventWorkerError   EventType = "worker_error"
	EventJobStarted    EventType = "job_started"
	EventJobProgress   EventType = "job_progress"
	EventJobCompleted  EventType = "job_completed"
	EventJobRetried    EventType = "job_retried"
	EventJobFailed     EventType = "job_failed"
)

// Event is one lifecycle notification for external logging/alerting.
type Event struct {
	Type   EventType `json:"type"`
	Worker string    `json:"worker"`
	Queue  string    `json:"queue"`
	JobID  uuid.UUID `json:"job_id,omitempty"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// emit sends e without blocking. Consumers that fall behind lose events;
// the job rows remain the source of truth.
func emit(ch chan<- Event, e Event) {
	if ch == nil {
		return
	}
	e.At = time.Now()
	select {
	case ch <- e:
	default:
	}
}
