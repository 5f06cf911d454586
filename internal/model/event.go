package model

import "time"

// Log levels carried by Event.
const (
	LevelDebug   = "debug"
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Event is one structured log line emitted by a task, tool instance or
// recipe. Jobs stamp ClientID before relaying it.
type Event struct {
	Time     time.Time `json:"time"`
	Module   string    `json:"module"`
	Level    string    `json:"level"`
	Message  string    `json:"message"`
	Sender   string    `json:"sender"`
	ClientID string    `json:"clientId,omitempty"`
}

// EventSink receives log events.
type EventSink interface {
	LogEvent(e Event)
}
