package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"claude-bridge/internal/diff"
)

// MaxDiffLines caps each side of a diff request.
const MaxDiffLines = 50000

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeSessionCreate:    true,
	TypeSessionSend:      true,
	TypeSessionDestroy:   true,
	TypeFilesRequestTree: true,
	TypeDiffRequest:      true,
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed Message and any validation error.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	if msg.Payload == nil {
		return nil, fmt.Errorf("missing 'payload' field")
	}

	switch msg.Type {
	case TypeSessionCreate:
		var p SessionCreatePayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		if p.WorkDir == "" {
			return nil, missingField(msg.Type, "workDir")
		}

	case TypeSessionSend:
		var p SessionSendPayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		if p.SessionID == "" {
			return nil, missingField(msg.Type, "sessionId")
		}
		if p.Message == "" {
			return nil, missingField(msg.Type, "message")
		}

	case TypeSessionDestroy, TypeFilesRequestTree:
		var p SessionIDPayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		if p.SessionID == "" {
			return nil, missingField(msg.Type, "sessionId")
		}

	case TypeDiffRequest:
		var p DiffRequestPayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}

	return &msg, nil
}

func decode(msg Message, v any) error {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
	}
	return nil
}

func missingField(msgType, field string) error {
	return fmt.Errorf("missing required field '%s' in %s payload", field, msgType)
}

// Validate checks the fields a diff request needs.
func (p DiffRequestPayload) Validate() error {
	if p.Path == "" && p.OldPath == "" {
		return missingField(TypeDiffRequest, "path")
	}
	switch diff.Status(p.Status) {
	case "", diff.StatusAdded, diff.StatusModified, diff.StatusDeleted, diff.StatusRenamed:
	default:
		return fmt.Errorf("unknown diff status: %s", p.Status)
	}
	if p.Context != nil && *p.Context < 0 {
		return fmt.Errorf("context must not be negative")
	}
	if strings.Count(p.Old, "\n") > MaxDiffLines || strings.Count(p.New, "\n") > MaxDiffLines {
		return fmt.Errorf("diff input exceeds %d lines", MaxDiffLines)
	}
	return nil
}

// Compute runs the diff the request describes. An explicit status wins over
// the one implied by the paths.
func (p DiffRequestPayload) Compute(defaultContext int) diff.File {
	oldPath, newPath := p.OldPath, p.Path
	if oldPath == "" {
		oldPath = newPath
	}
	if newPath == "" {
		newPath = oldPath
	}

	switch diff.Status(p.Status) {
	case diff.StatusAdded:
		oldPath = ""
	case diff.StatusDeleted:
		newPath = ""
	case diff.StatusModified:
		oldPath = newPath
	}

	context := defaultContext
	if p.Context != nil {
		context = *p.Context
	}
	return diff.Compare(oldPath, newPath, p.Old, p.New, context)
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
