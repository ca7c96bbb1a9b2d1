package httpserver

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/tokligence/credit-gateway/internal/httpserver/protocol"
	"github.com/tokligence/credit-gateway/internal/session"
)

type billingEndpoint struct {
	server *Server
}

func newBillingEndpoint(server *Server) protocol.Endpoint {
	return &billingEndpoint{server: server}
}

func (e *billingEndpoint) Name() string { return "billing" }

func (e *billingEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: "/api/billing/balance", Access: protocol.Authenticated, Handler: http.HandlerFunc(e.server.handleBalance)},
		{Method: http.MethodPost, Path: "/api/billing/balance/update", Access: protocol.Admin, Handler: http.HandlerFunc(e.server.handleBalanceUpdate)},
		{Method: http.MethodGet, Path: "/api/billing/transactions", Access: protocol.Authenticated, Handler: http.HandlerFunc(e.server.handleTransactions)},
		{Method: http.MethodPost, Path: "/api/billing/estimate", Access: protocol.Authenticated, Handler: http.HandlerFunc(e.server.handleEstimate)},
	}
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := s.ledger.GetBalance(r.Context(), identityFrom(r).UserID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondData(w, map[string]int64{"credits": balance})
}

type balanceUpdateRequest struct {
	UserID      int64  `json:"userId"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

type balanceUpdateResponse struct {
	UserID     int64  `json:"userId"`
	NewBalance int64  `json:"newBalance"`
	Operation  string `json:"operation"`
	Amount     int64  `json:"amount"`
}

func (s *Server) handleBalanceUpdate(w http.ResponseWriter, r *http.Request) {
	var req balanceUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	switch {
	case req.UserID <= 0:
		s.respondError(w, &session.ValidationError{Field: "userId", Message: "must be a positive integer"})
		return
	case req.Amount == 0:
		s.respondError(w, &session.ValidationError{Field: "amount", Message: "must be a non-zero integer"})
		return
	case strings.TrimSpace(req.Description) == "":
		s.respondError(w, &session.ValidationError{Field: "description", Message: "is required"})
		return
	}

	tx, err := s.ledger.Adjust(r.Context(), req.UserID, req.Amount, identityFrom(r).UserID, req.Description)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondData(w, balanceUpdateResponse{
		UserID:     req.UserID,
		NewBalance: tx.BalanceAfter,
		Operation:  strings.ToLower(string(tx.Type)),
		Amount:     tx.Amount,
	})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	result, err := s.ledger.ListTransactions(r.Context(), identityFrom(r).UserID, page, limit)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondData(w, result)
}

type estimateRequest struct {
	ModelName   string `json:"modelName"`
	TokensCount int64  `json:"tokensCount"`
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var req estimateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	if strings.TrimSpace(req.ModelName) == "" {
		s.respondError(w, &session.ValidationError{Field: "modelName", Message: "is required"})
		return
	}
	if req.TokensCount < 1 {
		s.respondError(w, &session.ValidationError{Field: "tokensCount", Message: "must be at least 1"})
		return
	}
	cost, err := s.ledger.EstimateCost(req.ModelName, req.TokensCount)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondData(w, map[string]any{
		"modelName":     req.ModelName,
		"tokensCount":   req.TokensCount,
		"estimatedCost": cost,
	})
}
