package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventLog            EventType = "log"
	EventProcessStart   EventType = "process_start"
	EventProcessEnd     EventType = "process_end"
	EventFileApplied    EventType = "file_applied"
	EventProgress       EventType = "progress"
	EventPing           EventType = "ping"
	EventSessionChanges EventType = "session_changes"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEvent marshals payload into an Event envelope. A payload that cannot be
// marshalled is a programming error and panics.
func NewEvent(eventType EventType, payload any) Event {
	ev := Event{Type: eventType, Timestamp: time.Now()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			panic("domain: unmarshalable event payload for " + string(eventType) + ": " + err.Error())
		}
		ev.Payload = data
	}
	return ev
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Observer is a connected real-time client. Deliver must not block for long;
// an error means the observer is gone and it will be pruned.
type Observer interface {
	ObserverID() string
	Deliver(ctx context.Context, event Event) error
}

// DeliveryStatus is the outcome of one send to one observer.
type DeliveryStatus string

const (
	Delivered    DeliveryStatus = "delivered"
	ObserverGone DeliveryStatus = "observer_gone"
)

// DeliveryResult records what happened when an event was sent to an observer.
type DeliveryResult struct {
	ObserverID string         `json:"observer_id"`
	Status     DeliveryStatus `json:"status"`
	Err        error          `json:"-"`
}

// PublishReport aggregates the per-observer results of a single publish.
type PublishReport struct {
	Results []DeliveryResult
}

// Delivered returns how many observers received the event.
func (r PublishReport) Delivered() int {
	n := 0
	for _, res := range r.Results {
		if res.Status == Delivered {
			n++
		}
	}
	return n
}

// Pruned returns the ids of observers removed during the publish.
func (r PublishReport) Pruned() []string {
	var ids []string
	for _, res := range r.Results {
		if res.Status == ObserverGone {
			ids = append(ids, res.ObserverID)
		}
	}
	return ids
}

// EventBus fans events out to connected observers.
type EventBus interface {
	// Publish delivers an event to every observer, pruning failed ones.
	Publish(ctx context.Context, event Event) PublishReport
	// Attach registers an observer. Returns a detach function.
	Attach(obs Observer) func()
	// Len returns the number of attached observers.
	Len() int
}

// LogStream marks which stream a log line came from.
type LogStream string

const (
	StreamStdout LogStream = "stdout"
	StreamStderr LogStream = "stderr"
	StreamStdin  LogStream = "stdin"
	StreamSystem LogStream = "system"
)

// LogPayload is carried by EventLog.
type LogPayload struct {
	Token  string    `json:"token,omitempty"`
	Stream LogStream `json:"stream"`
	Line   string    `json:"line"`
}

// ProcessStartPayload is carried by EventProcessStart.
type ProcessStartPayload struct {
	Token   string `json:"token"`
	Command string `json:"command"`
	Dir     string `json:"dir,omitempty"`
}

// ProcessEndPayload is carried by EventProcessEnd.
type ProcessEndPayload struct {
	Token    string        `json:"token"`
	Command  string        `json:"command"`
	ExitCode int           `json:"exit_code"`
	Outcome  ProcessResult `json:"outcome"`
}

// FileAppliedPayload is carried by EventFileApplied.
type FileAppliedPayload struct {
	Token      string          `json:"token"`
	Path       string          `json:"path"`
	Diff       string          `json:"diff"`
	OldContent string          `json:"old_content"`
	NewContent string          `json:"new_content"`
	IsNewFile  bool            `json:"is_new_file"`
	Changes    []ChangeSummary `json:"changes"`
}

// SessionChangesPayload is carried by EventSessionChanges.
type SessionChangesPayload struct {
	Changes []ChangeSummary `json:"changes"`
}

// ProgressPhase says what caused a progress event.
type ProgressPhase string

const (
	ProgressSessionStarted ProgressPhase = "session_started"
	ProgressTaskAdded      ProgressPhase = "task_added"
	ProgressTaskUpdated    ProgressPhase = "task_updated"
	ProgressSessionEnded   ProgressPhase = "session_ended"
)

// ProgressPayload is carried by EventProgress. Tasks is always the full list.
type ProgressPayload struct {
	Phase ProgressPhase  `json:"phase"`
	Tasks []ProgressTask `json:"tasks"`
}
