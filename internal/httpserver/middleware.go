package httpserver

import (
	"errors"
	"net/http"
	"strings"

	"github.com/tokligence/credit-gateway/internal/auth"
	"github.com/tokligence/credit-gateway/internal/httpserver/protocol"
)

var (
	errUnauthenticated = errors.New("missing bearer token")
	errForbidden       = errors.New("admin access required")
)

func (s *Server) guard(access protocol.Access, next http.Handler) http.Handler {
	switch access {
	case protocol.Authenticated:
		return s.authenticate(next)
	case protocol.Admin:
		return s.authenticate(requireAdmin(s, next))
	}
	return next
}

// authenticate resolves the bearer token into an identity on the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			s.respondError(w, errUnauthenticated)
			return
		}
		id, err := s.auth.ValidateToken(token)
		if err != nil {
			s.logger.Debugf("rejecting token: %v", err)
			s.respondError(w, auth.ErrInvalidToken)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	})
}

func requireAdmin(s *Server, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.FromContext(r.Context())
		if !ok || !id.IsAdmin() {
			s.respondError(w, errForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func identityFrom(r *http.Request) auth.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
