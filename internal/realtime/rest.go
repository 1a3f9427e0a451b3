package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"claude-bridge/internal/process"
	"claude-bridge/internal/protocol"
	"claude-bridge/internal/relay"
	"claude-bridge/internal/session"

	"github.com/charmbracelet/log"
)

const keepaliveInterval = 15 * time.Second

type createSessionRequest struct {
	WorkDir string `json:"workDir"`
	Label   string `json:"label"`
}

type sendMessageRequest struct {
	Message string `json:"message"`
}

type queryRequest struct {
	WorkDir string `json:"workDir"`
	Message string `json:"message"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if req.WorkDir == "" {
		writeBadRequest(w, "workDir is required")
		return
	}

	sess, err := s.createSession(req.WorkDir, req.Label)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, ok := s.registry.Get(id)
	if !ok {
		writeError(w, session.ErrSessionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleDeleteSession returns once the session's process has been reaped.
// Deleting an unknown session succeeds.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	s.destroySession(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if req.Message == "" {
		writeBadRequest(w, "message is required")
		return
	}

	if err := s.registry.Send(id, req.Message); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleSessionStream relays a session's stdout records as SSE until the
// session ends or the client goes away.
func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	subID, ch, history, err := s.registry.Subscribe(id)
	if err != nil {
		writeError(w, err)
		return
	}
	defer s.registry.Unsubscribe(id, subID)

	sse, ok := newSSEWriter(w)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	for _, event := range history {
		if finished, err := writeSessionEvent(sse, event); finished || err != nil {
			return
		}
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if err := sse.keepalive(); err != nil {
				return
			}
		case event, ok := <-ch:
			if !ok {
				sse.fail(protocol.ErrStreamError, "subscriber fell behind the session output")
				return
			}
			if finished, err := writeSessionEvent(sse, event); finished || err != nil {
				return
			}
		}
	}
}

// writeSessionEvent writes one session output event and reports whether the
// stream is finished.
func writeSessionEvent(sse *sseWriter, event session.OutputEvent) (bool, error) {
	switch event.Type {
	case session.OutputStdout:
		return false, sse.data(event.Data)
	case session.OutputError:
		return false, sse.fail(protocol.ErrStreamError, event.Data)
	case session.OutputExit:
		return true, sse.done()
	default:
		return false, nil
	}
}

func decodeQuery(w http.ResponseWriter, r *http.Request) (queryRequest, string, bool) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return req, "", false
	}
	if req.Message == "" {
		writeBadRequest(w, "message is required")
		return req, "", false
	}
	dir, err := session.ResolveWorkDir(req.WorkDir)
	if err != nil {
		writeError(w, err)
		return req, "", false
	}
	return req, dir, true
}

// handleQuery runs a one-shot invocation and streams its records as SSE.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	req, dir, ok := decodeQuery(w, r)
	if !ok {
		return
	}

	h, err := s.runner.Start(dir, req.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	defer stopProcess(h)

	sse, ok := newSSEWriter(w)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	_, err = relay.Follow(ctx, h, sse.data)
	if err != nil {
		if ctx.Err() != nil {
			log.Debug("query client went away", "pid", h.Pid())
			return
		}
		code, _ := classify(err)
		if err := sse.fail(code, err.Error()); err != nil {
			return
		}
	}
	sse.done()
}

// handleQueryCollect runs a one-shot invocation and returns all of its
// output at once.
func (s *Server) handleQueryCollect(w http.ResponseWriter, r *http.Request) {
	req, dir, ok := decodeQuery(w, r)
	if !ok {
		return
	}

	res, err := s.runner.Run(r.Context(), dir, req.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	if res.Records == nil {
		res.Records = []string{}
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxMessageSize)

	var req protocol.DiffRequestPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, protocol.ErrorPayload{
				Code:    protocol.ErrInvalidMessage,
				Message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
			})
			return
		}
		writeBadRequest(w, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, req.Compute(s.diffContext))
}

// stopProcess kills a one-shot process that is still running and releases
// its streams.
func stopProcess(h *process.Handle) {
	if !h.Exited() {
		h.Kill()
	}
	h.Close()
}
