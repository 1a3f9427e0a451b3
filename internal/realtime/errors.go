package realtime

import (
	"encoding/json"
	"errors"
	"net/http"

	"claude-bridge/internal/process"
	"claude-bridge/internal/protocol"
	"claude-bridge/internal/relay"
	"claude-bridge/internal/session"

	"github.com/charmbracelet/log"
)

// classify maps an error from the core packages to a protocol error code
// and the matching HTTP status.
func classify(err error) (string, int) {
	var (
		spawnErr  *process.SpawnError
		exitedErr *process.WriteAfterExitError
		failedErr *relay.ProcessFailedError
		streamErr *relay.StreamError
	)
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return protocol.ErrSessionNotFound, http.StatusNotFound
	case errors.As(err, &exitedErr):
		return protocol.ErrSessionTerminated, http.StatusConflict
	case errors.Is(err, session.ErrMaxSessions):
		return protocol.ErrMaxSessions, http.StatusTooManyRequests
	case errors.Is(err, session.ErrInvalidWorkDir):
		return protocol.ErrInvalidWorkDir, http.StatusUnprocessableEntity
	case errors.As(err, &spawnErr):
		return protocol.ErrSpawnFailed, http.StatusBadGateway
	case errors.As(err, &failedErr):
		return protocol.ErrProcessFailed, http.StatusBadGateway
	case errors.As(err, &streamErr):
		return protocol.ErrStreamError, http.StatusBadGateway
	default:
		return protocol.ErrInternal, http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code, status := classify(err)
	if status >= http.StatusInternalServerError {
		log.Warn("request failed", "code", code, "err", err)
	}
	writeJSON(w, status, protocol.ErrorPayload{Code: code, Message: err.Error()})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, protocol.ErrorPayload{Code: protocol.ErrInvalidMessage, Message: message})
}
