package realtime

import (
	"encoding/json"
	"fmt"
	"net/http"

	"claude-bridge/internal/protocol"
)

const doneMarker = "[DONE]"

// sseWriter frames records as Server-Sent Events. Every record is one
// `data:` frame; records never contain a newline.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &sseWriter{w: w, flusher: flusher}, true
}

func (s *sseWriter) data(record string) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", record); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// fail sends an `error` event carrying a protocol error payload.
func (s *sseWriter) fail(code, message string) error {
	payload, err := json.Marshal(protocol.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: error\ndata: %s\n\n", payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) keepalive() error {
	if _, err := fmt.Fprint(s.w, ": keepalive\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) done() error {
	return s.data(doneMarker)
}
