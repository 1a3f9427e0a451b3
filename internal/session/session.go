package session

import (
	"errors"
	"time"
)

var (
	// ErrSessionNotFound is returned for ids that are not (or no longer) registered.
	ErrSessionNotFound = errors.New("session not found")
	// ErrMaxSessions is returned by Create when the registry is full.
	ErrMaxSessions = errors.New("maximum session limit reached")
	// ErrInvalidWorkDir is returned by Create for a missing or non-directory path.
	ErrInvalidWorkDir = errors.New("invalid working directory")
)

// State represents the lifecycle state of a session.
type State string

const (
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateDraining   State = "draining"
	StateTerminated State = "terminated"
)

// Session is a snapshot of one agent session's metadata.
type Session struct {
	ID        string    `json:"id"`
	State     State     `json:"state"`
	WorkDir   string    `json:"workDir"`
	CreatedAt time.Time `json:"createdAt"`
	Label     string    `json:"label,omitempty"`
	Pid       int       `json:"pid"`
}

// OutputEventType distinguishes stdout, stderr, and exit events.
type OutputEventType string

const (
	OutputStdout OutputEventType = "stdout"
	OutputStderr OutputEventType = "stderr"
	// OutputError carries a relay failure on stdout; it is followed by exit.
	OutputError OutputEventType = "error"
	OutputExit  OutputEventType = "exit"
)

// OutputEvent is a single record of output from a session's process.
type OutputEvent struct {
	SessionID string          `json:"sessionId"`
	Type      OutputEventType `json:"type"`
	Data      string          `json:"data,omitempty"`
	ExitCode  int             `json:"exitCode,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}
