package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tokligence/credit-gateway/internal/adapter"
	"github.com/tokligence/credit-gateway/internal/auth"
	"github.com/tokligence/credit-gateway/internal/health"
	"github.com/tokligence/credit-gateway/internal/httpserver/protocol"
	"github.com/tokligence/credit-gateway/internal/ledger"
	"github.com/tokligence/credit-gateway/internal/logging"
	"github.com/tokligence/credit-gateway/internal/pricing"
	"github.com/tokligence/credit-gateway/internal/session"
	"github.com/tokligence/credit-gateway/internal/userstore"
)

var defaultEndpointKeys = []string{"text", "billing", "auth", "health"}

const maxBodyBytes = 1 << 20

// Server exposes the generation and billing REST endpoints.
type Server struct {
	sessions *session.Manager
	ledger   *ledger.Ledger
	identity userstore.Store
	auth     *auth.Manager
	health   *health.Checker
	logger   *logging.Logger

	endpointKeys []string
}

// New constructs a Server with the required dependencies.
func New(sessions *session.Manager, led *ledger.Ledger, identity userstore.Store, authManager *auth.Manager) *Server {
	return &Server{
		sessions:     sessions,
		ledger:       led,
		identity:     identity,
		auth:         authManager,
		endpointKeys: defaultEndpointKeys,
	}
}

// SetLogger sets the HTTP component logger.
func (s *Server) SetLogger(l *logging.Logger) { s.logger = l }

// SetHealthChecker enables the readiness endpoint.
func (s *Server) SetHealthChecker(c *health.Checker) { s.health = c }

// SetEndpoints restricts the registered endpoint groups. Empty restores the defaults.
func (s *Server) SetEndpoints(keys []string) {
	if len(keys) == 0 {
		keys = defaultEndpointKeys
	}
	s.endpointKeys = keys
}

// Router returns a configured chi router for embedding in HTTP servers.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: s.logger.Std(), NoColor: true}))
	r.Use(middleware.Recoverer)
	s.registerEndpointKeys(r, s.endpointKeys...)
	return r
}

func (s *Server) registerEndpointKeys(r chi.Router, keys ...string) int {
	seen := make(map[string]struct{}, len(keys))
	count := 0
	for _, key := range keys {
		key = strings.ToLower(strings.TrimSpace(key))
		if _, ok := seen[key]; ok || key == "" {
			continue
		}
		seen[key] = struct{}{}
		ep := s.endpointByKey(key)
		if ep == nil {
			s.logger.Warnf("endpoint %s unavailable, skipping registration", key)
			continue
		}
		s.logger.Debugf("registering endpoint %s", ep.Name())
		for _, route := range ep.Routes() {
			r.Method(route.Method, route.Path, s.guard(route.Access, route.Handler))
		}
		count++
	}
	return count
}

func (s *Server) endpointByKey(key string) protocol.Endpoint {
	switch key {
	case "text", "generation":
		return newTextEndpoint(s)
	case "billing":
		return newBillingEndpoint(s)
	case "auth", "profile":
		return newAuthEndpoint(s)
	case "health", "status":
		return newHealthEndpoint(s)
	default:
		return nil
	}
}

type envelope struct {
	Status  string       `json:"status"`
	Message string       `json:"message,omitempty"`
	Data    any          `json:"data,omitempty"`
	Errors  []fieldError `json:"errors,omitempty"`
}

type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondData(w http.ResponseWriter, data any) {
	s.respondJSON(w, http.StatusOK, envelope{Status: "success", Data: data})
}

// respondError maps the error taxonomy onto HTTP statuses.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError {
		s.logger.Errorf("request failed: %v", err)
	}
	s.respondJSON(w, status, body)
}

func errorResponse(err error) (int, envelope) {
	if err == nil {
		err = errors.New("unknown error")
	}
	body := envelope{Status: "error", Message: err.Error()}
	var verr *session.ValidationError
	switch {
	case errors.As(err, &verr):
		body.Message = "validation failed"
		body.Errors = []fieldError{{Field: verr.Field, Message: verr.Message}}
		return http.StatusBadRequest, body
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, errUnauthenticated):
		return http.StatusUnauthorized, body
	case errors.Is(err, ledger.ErrUnauthorized), errors.Is(err, errForbidden):
		return http.StatusForbidden, body
	case errors.Is(err, pricing.ErrUnknownModel), errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest, body
	case errors.Is(err, ledger.ErrUserNotFound):
		return http.StatusNotFound, body
	case errors.Is(err, session.ErrInsufficientCredits):
		return http.StatusPaymentRequired, body
	case errors.Is(err, session.ErrSessionAlreadyActive):
		return http.StatusConflict, body
	case errors.Is(err, adapter.ErrProvider):
		return http.StatusBadGateway, body
	}
	body.Message = "internal server error"
	return http.StatusInternalServerError, body
}

// decodeJSON reads a JSON body into dst. Malformed bodies are validation errors.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return &session.ValidationError{Field: "body", Message: "request body required"}
		}
		return &session.ValidationError{Field: "body", Message: err.Error()}
	}
	return nil
}
