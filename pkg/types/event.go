package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType categorizes the kind of event.
type EventType string

const (
	EventTypeRunStatus   EventType = "run_status"
	EventTypeStageStatus EventType = "stage_status"
	EventTypeLog         EventType = "log"
	EventTypeProgress    EventType = "progress"
	EventTypeStreamEnd   EventType = "stream_end"
)

// LogLevel represents the severity of a log event.
type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelError LogLevel = "error"
)

// Event represents a single event in a run's event stream.
type Event struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Type      EventType       `json:"type"`
	Stage     string          `json:"stage,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EventInput is used when appending new events.
type EventInput struct {
	Type  EventType   `json:"type"`
	Stage string      `json:"stage,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

// LogEvent is the payload of a log event: one line of stage output.
type LogEvent struct {
	Level   LogLevel `json:"level"`
	Stream  string   `json:"stream"` // stdout or stderr
	Message string   `json:"message"`
}

// StageStatusEvent is the payload of a stage status change.
type StageStatusEvent struct {
	Status   StageStatus `json:"status"`
	ExitCode *int        `json:"exit_code,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// RunStatusEvent is the payload of a run status change.
type RunStatusEvent struct {
	Status RunStatus `json:"status"`
	Error  string    `json:"error,omitempty"`
}

// ProgressEvent reports how far through the plan the run is.
type ProgressEvent struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Message string `json:"message,omitempty"`
}

// ToSSE formats the event for Server-Sent Events protocol.
// Format: id: <id>\nevent: <type>\ndata: <json>\n\n
func (e *Event) ToSSE() []byte {
	data, _ := json.Marshal(e)
	return []byte(fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data))
}
