package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"claude-bridge/internal/diff"
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
	TypeSessionOutput     = "session.output"
	TypeSessionTerminated = "session.terminated"
	TypeFilesTree         = "files.tree"
	TypeFilesDiff         = "files.diff"
	TypeDiffResult        = "diff.result"
	TypeError             = "error"
)

// Client → Server message types.
const (
	TypeSessionCreate    = "session.create"
	TypeSessionSend      = "session.send"
	TypeSessionDestroy   = "session.destroy"
	TypeFilesRequestTree = "files.requestTree"
	TypeDiffRequest      = "diff.request"
)

// Error codes.
const (
	ErrSessionNotFound   = "SESSION_NOT_FOUND"
	ErrSessionTerminated = "SESSION_TERMINATED"
	ErrInvalidMessage    = "INVALID_MESSAGE"
	ErrInvalidWorkDir    = "INVALID_WORKDIR"
	ErrMaxSessions       = "MAX_SESSIONS"
	ErrSpawnFailed       = "SPAWN_FAILED"
	ErrProcessFailed     = "PROCESS_FAILED"
	ErrStreamError       = "STREAM_ERROR"
	ErrInternal          = "INTERNAL"
)

// Server → Client payloads.

type SessionUpdatePayload struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	WorkDir   string `json:"workDir"`
	Label     string `json:"label"`
	Pid       int    `json:"pid"`
	CreatedAt string `json:"createdAt"`
}

type SessionOutputPayload struct {
	SessionID string `json:"sessionId"`
	Stream    string `json:"stream"` // "stdout" | "stderr"
	Data      string `json:"data"`
}

type SessionTerminatedPayload struct {
	SessionID string `json:"sessionId"`
	ExitCode  int    `json:"exitCode"`
}

type FilesTreePayload struct {
	SessionID string     `json:"sessionId"`
	Tree      []FileNode `json:"tree"`
}

type FilesDiffPayload struct {
	SessionID string    `json:"sessionId"`
	File      diff.File `json:"file"`
}

type DiffResultPayload struct {
	RequestID string    `json:"requestId,omitempty"`
	File      diff.File `json:"file"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

type SessionCreatePayload struct {
	WorkDir string `json:"workDir"`
	Label   string `json:"label"`
}

type SessionSendPayload struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

type SessionIDPayload struct {
	SessionID string `json:"sessionId"`
}

// DiffRequestPayload asks for the diff of two versions of one file. An empty
// OldPath defaults to Path; see diff.Compare for how paths map to status.
type DiffRequestPayload struct {
	RequestID string `json:"requestId,omitempty"`
	Path      string `json:"path"`
	OldPath   string `json:"oldPath,omitempty"`
	Old       string `json:"old"`
	New       string `json:"new"`
	Status    string `json:"status,omitempty"`
	Context   *int   `json:"context,omitempty"`
}

// FileNode represents a file or directory in the tree.
type FileNode struct {
	Name     string     `json:"name"`
	Path     string     `json:"path"`
	IsDir    bool       `json:"isDir"`
	Children []FileNode `json:"children,omitempty"`
	Size     int64      `json:"size,omitempty"`
}
