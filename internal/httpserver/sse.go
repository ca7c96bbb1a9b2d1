package httpserver

import (
	"encoding/json"
	"io"
	"net/http"
)

type streamChunk struct {
	Text string `json:"text"`
}

type streamDone struct {
	Text      string `json:"text"`
	Done      bool   `json:"done"`
	Aborted   bool   `json:"aborted,omitempty"`
	TotalText string `json:"totalText"`
}

type streamError struct {
	Error string `json:"error"`
}

// sseWriter writes "data: {json}" events and flushes after each one.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	return &sseWriter{w: w, flusher: flusher}
}

func (s *sseWriter) event(payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(s.w, "data: "+string(b)+"\n\n"); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *sseWriter) done() {
	_, _ = io.WriteString(s.w, "data: [DONE]\n\n")
	s.flush()
}

func (s *sseWriter) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}
