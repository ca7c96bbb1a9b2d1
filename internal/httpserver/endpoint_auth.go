package httpserver

import (
	"net/http"

	"github.com/tokligence/credit-gateway/internal/httpserver/protocol"
	"github.com/tokligence/credit-gateway/internal/ledger"
)

type authEndpoint struct {
	server *Server
}

func newAuthEndpoint(server *Server) protocol.Endpoint {
	return &authEndpoint{server: server}
}

func (e *authEndpoint) Name() string { return "auth" }

func (e *authEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: "/api/auth/profile", Access: protocol.Authenticated, Handler: http.HandlerFunc(e.server.handleProfile)},
	}
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	user, err := s.identity.FindByID(r.Context(), identityFrom(r).UserID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if user == nil {
		s.respondError(w, ledger.ErrUserNotFound)
		return
	}
	s.respondData(w, map[string]any{"user": user})
}
