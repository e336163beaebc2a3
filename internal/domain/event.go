package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType tags a session event. The set is closed.
type EventType string

const (
	EventStateChanged EventType = "STATE_CHANGED"
	EventThinking     EventType = "THINKING"
	EventTerminal     EventType = "TERMINAL"
	EventFileChange   EventType = "FILE_CHANGE"
	EventCompletion   EventType = "COMPLETION"
	EventError        EventType = "ERROR"
)

// EventPayload is implemented by exactly one payload struct per EventType.
type EventPayload interface {
	EventType() EventType
}

// StateChanged records a session transition.
type StateChanged struct {
	From SessionStatus `json:"from"`
	To   SessionStatus `json:"to"`
}

// Thinking lists the tools the agent used in one iteration.
type Thinking struct {
	Iteration int      `json:"iteration"`
	Tools     []string `json:"tools"`
}

// TerminalOutput is a flushed chunk of process output.
type TerminalOutput struct {
	CommandID string `json:"command_id"`
	Stream    string `json:"stream"` // stdout or stderr
	Content   string `json:"content"`
	IsFinal   bool   `json:"is_final"`
}

// FileChange records a file written by the agent.
type FileChange struct {
	Path   string `json:"path"`
	Action string `json:"action"` // write
	Size   int    `json:"size"`
}

// Completion carries the agent's final answer and the run's stats.
type Completion struct {
	Text  string       `json:"text"`
	Stats SessionStats `json:"stats"`
}

// ErrorPayload is the user-facing shape of a normalized failure.
type ErrorPayload struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Category  string    `json:"category"`
	Retryable bool      `json:"retryable"`
	Timestamp time.Time `json:"timestamp"`
}

func (StateChanged) EventType() EventType   { return EventStateChanged }
func (Thinking) EventType() EventType       { return EventThinking }
func (TerminalOutput) EventType() EventType { return EventTerminal }
func (FileChange) EventType() EventType     { return EventFileChange }
func (Completion) EventType() EventType     { return EventCompletion }
func (ErrorPayload) EventType() EventType   { return EventError }

// SessionEvent is an immutable, append-only record of an observable change.
type SessionEvent struct {
	ID        int64        `json:"id"`
	SessionID string       `json:"session_id"`
	Type      EventType    `json:"event_type"`
	Payload   EventPayload `json:"data"`
	Timestamp time.Time    `json:"timestamp"`
}

// NewSessionEvent builds an event whose Type always matches its payload.
func NewSessionEvent(sessionID string, payload EventPayload, at time.Time) SessionEvent {
	return SessionEvent{
		SessionID: sessionID,
		Type:      payload.EventType(),
		Payload:   payload,
		Timestamp: at,
	}
}

// DecodeEventPayload parses stored JSON into the payload struct for t.
func DecodeEventPayload(t EventType, data []byte) (EventPayload, error) {
	var (
		payload EventPayload
		err     error
	)
	switch t {
	case EventStateChanged:
		var p StateChanged
		err = json.Unmarshal(data, &p)
		payload = p
	case EventThinking:
		var p Thinking
		err = json.Unmarshal(data, &p)
		payload = p
	case EventTerminal:
		var p TerminalOutput
		err = json.Unmarshal(data, &p)
		payload = p
	case EventFileChange:
		var p FileChange
		err = json.Unmarshal(data, &p)
		payload = p
	case EventCompletion:
		var p Completion
		err = json.Unmarshal(data, &p)
		payload = p
	case EventError:
		var p ErrorPayload
		err = json.Unmarshal(data, &p)
		payload = p
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return payload, nil
}
