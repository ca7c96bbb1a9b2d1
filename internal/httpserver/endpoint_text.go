package httpserver

import (
	"net/http"
	"time"

	"github.com/tokligence/credit-gateway/internal/httpserver/protocol"
	"github.com/tokligence/credit-gateway/internal/pricing"
	"github.com/tokligence/credit-gateway/internal/session"
)

type textEndpoint struct {
	server *Server
}

func newTextEndpoint(server *Server) protocol.Endpoint {
	return &textEndpoint{server: server}
}

func (e *textEndpoint) Name() string { return "text_generation" }

func (e *textEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodPost, Path: "/api/text/generate", Access: protocol.Authenticated, Handler: http.HandlerFunc(e.server.handleGenerate)},
		{Method: http.MethodGet, Path: "/api/text/models", Access: protocol.Authenticated, Handler: http.HandlerFunc(e.server.handleModels)},
		{Method: http.MethodPost, Path: "/api/text/abort", Access: protocol.Authenticated, Handler: http.HandlerFunc(e.server.handleAbort)},
	}
}

type generateRequest struct {
	ModelName   string   `json:"modelName"`
	Prompt      string   `json:"prompt"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"maxTokens,omitempty"`
	Supersede   bool     `json:"supersede,omitempty"`
}

// handleGenerate streams one generation as server-sent events. Errors found
// before streaming starts are plain JSON errors; later failures arrive as a
// final {"error"} event. A client disconnect cancels the request context,
// which aborts the session.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	reqStart := time.Now()
	id := identityFrom(r)
	var req generateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	gen, err := s.sessions.StartGeneration(r.Context(), session.Request{
		UserID:      id.UserID,
		Model:       req.ModelName,
		Prompt:      req.Prompt,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Supersede:   req.Supersede,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}

	sse := newSSEWriter(w)
	failed := false
	for ev := range gen.Events() {
		var payload any
		switch {
		case ev.Err != nil:
			failed = true
			payload = streamError{Error: ev.Err.Error()}
		case ev.Done:
			payload = streamDone{Done: true, Aborted: ev.Aborted, TotalText: ev.TotalText}
		default:
			payload = streamChunk{Text: ev.Text}
		}
		if err := sse.event(payload); err != nil {
			s.logger.Debugf("session %s: client write failed: %v", gen.SessionID(), err)
			gen.Abort()
		}
	}
	if !failed && r.Context().Err() == nil {
		sse.done()
	}

	res := gen.Wait()
	s.logger.Infof("generate user=%d model=%s session=%s outcome=%s cost=%d took=%s",
		id.UserID, req.ModelName, res.SessionID, res.Outcome, res.Cost, time.Since(reqStart).Round(time.Millisecond))
}

type modelEntry struct {
	Name        string          `json:"name"`
	MaxTokens   int             `json:"maxTokens"`
	Temperature float64         `json:"temperature"`
	Pricing     pricing.Pricing `json:"pricing"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models := s.sessions.Models()
	out := make([]modelEntry, 0, len(models))
	for _, m := range models {
		out = append(out, modelEntry{
			Name:        m.Name,
			MaxTokens:   m.MaxTokens,
			Temperature: m.Temperature,
			Pricing:     pricing.Pricing{CreditsPerToken: m.CreditsPerToken},
		})
	}
	s.respondData(w, map[string]any{"models": out})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	found := s.sessions.AbortGeneration(id.UserID)
	s.respondJSON(w, http.StatusOK, envelope{
		Status:  "success",
		Message: "generation aborted",
		Data:    map[string]bool{"active": found},
	})
}
