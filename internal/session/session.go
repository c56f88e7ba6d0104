package session

import (
	"time"

	"csv-inspector/internal/interp"
)

// State represents the lifecycle state of a session.
type State string

const (
	StateCreating   State = "creating"
	StateIdle       State = "idle"
	StateRunning    State = "running"
	StateTerminated State = "terminated"
)

// Session holds metadata and state for a single interpreter instance.
type Session struct {
	ID        string    `json:"id"`
	State     State     `json:"state"`
	Label     string    `json:"label"`
	Pid       int       `json:"pid"`
	Runs      int       `json:"runs"`
	CreatedAt time.Time `json:"createdAt"`
}

// RecordType distinguishes the entries a subscriber receives.
type RecordType string

const (
	RecordRunStarted  RecordType = "run.started"
	RecordEvent       RecordType = "event"
	RecordRunFinished RecordType = "run.finished"
	RecordRestarted   RecordType = "session.restarted"
	RecordTerminated  RecordType = "session.terminated"
)

// Record is one entry of a session's output history.
type Record struct {
	SessionID string       `json:"sessionId"`
	RunID     string       `json:"runId,omitempty"`
	Seq       int          `json:"seq"`
	Type      RecordType   `json:"type"`
	Event     interp.Event `json:"event,omitempty"`
	Error     string       `json:"error,omitempty"`
	ExitCode  int          `json:"exitCode,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Recorder persists the raw transcript of every run.
type Recorder interface {
	BeginRun(runID, sessionID, token, script string, at time.Time) error
	AppendLine(runID string, stream interp.Stream, line string) error
	FinishRun(runID string, runErr error, at time.Time) error
}
