package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeSessionUpdate     = "session.update"
	TypeSessionTerminated = "session.terminated"
	TypeRunStarted        = "run.started"
	TypeRunFinished       = "run.finished"
	TypeScriptOutput      = "script.output"
	TypeScriptInfo        = "script.info"
	TypeScriptSQL         = "script.sql"
	TypeScriptTable       = "script.table"
	TypeScriptError       = "script.error"
	TypeError             = "error"
)

// Client → Server message types.
const (
	TypeSessionCreate  = "session.create"
	TypeScriptSubmit   = "script.submit"
	TypeSessionRestart = "session.restart"
	TypeSessionKill    = "session.kill"
	TypeScriptWatch    = "script.watch"
	TypeScriptUnwatch  = "script.unwatch"
)

// Error codes.
const (
	ErrSessionNotFound   = "SESSION_NOT_FOUND"
	ErrSessionTerminated = "SESSION_TERMINATED"
	ErrRunInProgress     = "RUN_IN_PROGRESS"
	ErrRunNotFound       = "RUN_NOT_FOUND"
	ErrInvalidMessage    = "INVALID_MESSAGE"
	ErrMaxSessions       = "MAX_SESSIONS"
	ErrSpawnFailed       = "SPAWN_FAILED"
	ErrWatchFailed       = "WATCH_FAILED"
	ErrInternal          = "INTERNAL"
)

// Server → Client payloads.

type SessionUpdatePayload struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	Label     string `json:"label"`
	Pid       int    `json:"pid"`
	Runs      int    `json:"runs"`
	Watching  string `json:"watching,omitempty"`
	CreatedAt string `json:"createdAt"`
}

type SessionTerminatedPayload struct {
	SessionID string `json:"sessionId"`
	ExitCode  int    `json:"exitCode"`
}

type RunStartedPayload struct {
	SessionID string `json:"sessionId"`
	RunID     string `json:"runId"`
	Seq       int    `json:"seq"`
}

type RunFinishedPayload struct {
	SessionID string `json:"sessionId"`
	RunID     string `json:"runId"`
	Seq       int    `json:"seq"`
	Error     string `json:"error,omitempty"`
}

// ScriptEventPayload carries one classified interpreter event. Event holds
// the JSON form of the event (text, plus header and rows for tables).
type ScriptEventPayload struct {
	SessionID string `json:"sessionId"`
	RunID     string `json:"runId"`
	Seq       int    `json:"seq"`
	Event     any    `json:"event"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

type SessionCreatePayload struct {
	Label string `json:"label"`
}

type ScriptSubmitPayload struct {
	SessionID string `json:"sessionId"`
	Script    string `json:"script"`
}

type ScriptWatchPayload struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
}

type SessionIDPayload struct {
	SessionID string `json:"sessionId"`
}
