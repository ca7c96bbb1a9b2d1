package httpserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokligence/credit-gateway/internal/adapter"
	"github.com/tokligence/credit-gateway/internal/adapter/loopback"
	"github.com/tokligence/credit-gateway/internal/adapter/router"
	"github.com/tokligence/credit-gateway/internal/auth"
	"github.com/tokligence/credit-gateway/internal/health"
	"github.com/tokligence/credit-gateway/internal/ledger"
	ledgersqlite "github.com/tokligence/credit-gateway/internal/ledger/sqlite"
	"github.com/tokligence/credit-gateway/internal/modelmeta"
	"github.com/tokligence/credit-gateway/internal/session"
	"github.com/tokligence/credit-gateway/internal/userstore"
	usersqlite "github.com/tokligence/credit-gateway/internal/userstore/sqlite"
)

// brokenGenerator streams one fragment and then fails like an overloaded provider.
type brokenGenerator struct{}

func (brokenGenerator) EstimateTokens(prompt string) int { return adapter.EstimateTokens(prompt) }

func (brokenGenerator) Generate(ctx context.Context, cfg adapter.GenerationConfig) (<-chan adapter.StreamEvent, error) {
	ch := make(chan adapter.StreamEvent)
	go func() {
		defer close(ch)
		if adapter.Emit(ctx, ch, adapter.StreamEvent{Text: "half"}) {
			adapter.Emit(ctx, ch, adapter.StreamEvent{Error: &adapter.ProviderError{Provider: "openai", Message: "upstream overloaded"}})
		}
	}()
	return ch, nil
}

type fixture struct {
	server     *Server
	handler    http.Handler
	users      *usersqlite.Store
	ledger     *ledger.Ledger
	sessions   *session.Manager
	user       *userstore.User
	admin      *userstore.User
	userToken  string
	adminToken string
	auth       *auth.Manager
}

func newFixture(t *testing.T, delay time.Duration) *fixture {
	t.Helper()
	users, err := usersqlite.New(usersqlite.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = users.Close() })
	store, err := ledgersqlite.New(users.DB())
	require.NoError(t, err)

	catalog, err := modelmeta.NewCatalog(modelmeta.Defaults())
	require.NoError(t, err)
	prices, err := catalog.PricingTable()
	require.NoError(t, err)
	led, err := ledger.New(store, prices, userstore.Admins{Store: users})
	require.NoError(t, err)

	rt := router.New()
	lb := loopback.New()
	lb.Delay = delay
	require.NoError(t, rt.RegisterAdapter("loopback", lb))
	require.NoError(t, rt.RegisterAdapter("broken", brokenGenerator{}))
	require.NoError(t, rt.RegisterRoute("o1-mini", "broken"))
	require.NoError(t, rt.SetFallback("loopback"))

	sessions, err := session.New(catalog, rt, led, session.Config{})
	require.NoError(t, err)
	authManager, err := auth.NewManager("test-secret", time.Hour)
	require.NoError(t, err)

	ctx := context.Background()
	user, err := users.CreateUser(ctx, "user@example.com", userstore.RoleUser, 100)
	require.NoError(t, err)
	admin, err := users.EnsureAdmin(ctx, "admin@example.com", 0)
	require.NoError(t, err)
	userToken, err := authManager.IssueToken(auth.Identity{UserID: user.ID, Role: string(user.Role)}, 0)
	require.NoError(t, err)
	adminToken, err := authManager.IssueToken(auth.Identity{UserID: admin.ID, Role: string(admin.Role)}, 0)
	require.NoError(t, err)

	srv := New(sessions, led, users, authManager)
	srv.SetHealthChecker(health.New(health.Config{Databases: map[string]health.Pinger{"sqlite": users.DB()}}))
	return &fixture{
		server: srv, handler: srv.Router(), users: users, ledger: led, sessions: sessions,
		user: user, admin: admin, userToken: userToken, adminToken: adminToken, auth: authManager,
	}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

type apiResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Errors  []fieldError    `json:"errors"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) apiResponse {
	t.Helper()
	var resp apiResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

// sseEvents returns the payload of every "data:" line.
func sseEvents(t *testing.T, body string) []string {
	t.Helper()
	var out []string
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "data: ") {
			out = append(out, strings.TrimPrefix(line, "data: "))
		}
	}
	return out
}

func TestGenerateStreamsAndSettles(t *testing.T) {
	f := newFixture(t, 0)

	rec := f.do(t, http.MethodPost, "/api/text/generate", f.userToken, generateRequest{ModelName: "gpt-4", Prompt: "hello world"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream; charset=utf-8", rec.Header().Get("Content-Type"))

	events := sseEvents(t, rec.Body.String())
	require.Equal(t, []string{
		`{"text":"[loopback]"}`,
		`{"text":" hello"}`,
		`{"text":" world"}`,
		`{"text":"","done":true,"totalText":"[loopback] hello world"}`,
		`[DONE]`,
	}, events)

	// prompt estimate ceil(11/4)=3 plus 3 completion fragments at 0.2 credits per token.
	rec = f.do(t, http.MethodGet, "/api/billing/balance", f.userToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"credits":98}`, string(decode(t, rec).Data))

	rec = f.do(t, http.MethodGet, "/api/billing/transactions", f.userToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page ledger.Page
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &page))
	require.Len(t, page.Transactions, 1)
	tx := page.Transactions[0]
	assert.Equal(t, ledger.TypeDebit, tx.Type)
	assert.Equal(t, int64(2), tx.Amount)
	assert.Equal(t, int64(100), tx.BalanceBefore)
	assert.Equal(t, int64(98), tx.BalanceAfter)
	require.NotNil(t, tx.TokensUsed)
	assert.Equal(t, int64(6), *tx.TokensUsed)
	assert.Equal(t, ledger.Pagination{Total: 1, Page: 1, Limit: 10, Pages: 1}, page.Pagination)
}

func TestGenerateProviderErrorEndsWithErrorEvent(t *testing.T) {
	f := newFixture(t, 0)

	rec := f.do(t, http.MethodPost, "/api/text/generate", f.userToken, generateRequest{ModelName: "o1-mini", Prompt: "hi"})
	require.Equal(t, http.StatusOK, rec.Code)
	events := sseEvents(t, rec.Body.String())
	require.Len(t, events, 2)
	assert.Equal(t, `{"text":"half"}`, events[0])
	assert.Contains(t, events[1], `"error":"openai: upstream overloaded"`)
	assert.NotContains(t, rec.Body.String(), "[DONE]")
	assert.NotContains(t, rec.Body.String(), `"done":true`)

	balance, err := f.ledger.GetBalance(context.Background(), f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
}

func TestGenerateRejections(t *testing.T) {
	f := newFixture(t, 0)
	poor, err := f.users.CreateUser(context.Background(), "poor@example.com", userstore.RoleUser, 0)
	require.NoError(t, err)
	poorToken, err := f.auth.IssueToken(auth.Identity{UserID: poor.ID, Role: "USER"}, 0)
	require.NoError(t, err)

	tests := []struct {
		name   string
		token  string
		body   any
		status int
		field  string
	}{
		{"missing token", "", generateRequest{ModelName: "gpt-4", Prompt: "x"}, http.StatusUnauthorized, ""},
		{"bad token", "garbage", generateRequest{ModelName: "gpt-4", Prompt: "x"}, http.StatusUnauthorized, ""},
		{"malformed body", f.userToken, `{"modelName":`, http.StatusBadRequest, "body"},
		{"empty prompt", f.userToken, generateRequest{ModelName: "gpt-4"}, http.StatusBadRequest, "prompt"},
		{"temperature out of range", f.userToken, map[string]any{"modelName": "gpt-4", "prompt": "x", "temperature": 2}, http.StatusBadRequest, "temperature"},
		{"unknown model", f.userToken, generateRequest{ModelName: "llama-9", Prompt: "x"}, http.StatusBadRequest, ""},
		{"insufficient credits", poorToken, generateRequest{ModelName: "gpt-4", Prompt: "x"}, http.StatusPaymentRequired, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/text/generate", tt.token, tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.NotContains(t, rec.Header().Get("Content-Type"), "text/event-stream")
			resp := decode(t, rec)
			assert.Equal(t, "error", resp.Status)
			if tt.field != "" {
				require.Len(t, resp.Errors, 1)
				assert.Equal(t, tt.field, resp.Errors[0].Field)
			}
		})
	}
}

func TestGenerateConflictsWithActiveSession(t *testing.T) {
	f := newFixture(t, time.Hour)
	gen, err := f.sessions.StartGeneration(context.Background(), session.Request{UserID: f.user.ID, Model: "gpt-4", Prompt: "busy"})
	require.NoError(t, err)
	defer func() {
		gen.Abort()
		for range gen.Events() {
		}
	}()

	rec := f.do(t, http.MethodPost, "/api/text/generate", f.userToken, generateRequest{ModelName: "gpt-4", Prompt: "again"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/text/abort", f.userToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"active":true}`, string(decode(t, rec).Data))
}

func TestClientDisconnectAbortsWithoutBilling(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	body := `{"modelName":"gpt-4","prompt":"one two three four five six seven eight nine ten"}`
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.URL+"/api/text/generate", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.userToken)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "), line)
	cancel()

	require.Eventually(t, func() bool { return len(f.sessions.ActiveSessions()) == 0 }, 5*time.Second, 10*time.Millisecond)
	balance, err := f.ledger.GetBalance(context.Background(), f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
}

func TestModelsAndAbort(t *testing.T) {
	f := newFixture(t, 0)

	rec := f.do(t, http.MethodGet, "/api/text/models", f.userToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var data struct {
		Models []modelEntry `json:"models"`
	}
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &data))
	require.Len(t, data.Models, 5)
	assert.Equal(t, "gemini-flash", data.Models[0].Name)
	assert.InDelta(t, 0.1, data.Models[0].Pricing.CreditsPerToken, 1e-9)

	rec = f.do(t, http.MethodPost, "/api/text/abort", f.userToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode(t, rec)
	assert.Equal(t, "success", resp.Status)
	assert.JSONEq(t, `{"active":false}`, string(resp.Data))
}

func TestBalanceUpdate(t *testing.T) {
	f := newFixture(t, 0)
	path := "/api/billing/balance/update"

	rec := f.do(t, http.MethodPost, path, f.userToken, balanceUpdateRequest{UserID: f.user.ID, Amount: 50, Description: "promo"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, path, f.adminToken, balanceUpdateRequest{UserID: f.user.ID, Amount: 50, Description: "promo"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out balanceUpdateResponse
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &out))
	assert.Equal(t, balanceUpdateResponse{UserID: f.user.ID, NewBalance: 150, Operation: "credit", Amount: 50}, out)

	rec = f.do(t, http.MethodPost, path, f.adminToken, balanceUpdateRequest{UserID: f.user.ID, Amount: -30, Description: "correction"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &out))
	assert.Equal(t, balanceUpdateResponse{UserID: f.user.ID, NewBalance: 120, Operation: "debit", Amount: 30}, out)

	for _, bad := range []balanceUpdateRequest{
		{Amount: 5, Description: "x"},
		{UserID: f.user.ID, Description: "x"},
		{UserID: f.user.ID, Amount: 5},
	} {
		rec = f.do(t, http.MethodPost, path, f.adminToken, bad)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	}

	rec = f.do(t, http.MethodPost, path, f.adminToken, balanceUpdateRequest{UserID: 9999, Amount: 5, Description: "ghost"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// A token claiming ADMIN for a user who is not an admin in the store is refused by the ledger.
	forged, err := f.auth.IssueToken(auth.Identity{UserID: f.user.ID, Role: "ADMIN"}, 0)
	require.NoError(t, err)
	rec = f.do(t, http.MethodPost, path, forged, balanceUpdateRequest{UserID: f.user.ID, Amount: 5, Description: "self"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestTransactionsPagination(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	for i := 0; i < 15; i++ {
		_, err := f.ledger.Credit(ctx, f.user.ID, 1, f.admin.ID, "topup")
		require.NoError(t, err)
	}

	rec := f.do(t, http.MethodGet, "/api/billing/transactions?page=2&limit=10", f.userToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page ledger.Page
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &page))
	assert.Len(t, page.Transactions, 5)
	assert.Equal(t, ledger.Pagination{Total: 15, Page: 2, Limit: 10, Pages: 2}, page.Pagination)

	rec = f.do(t, http.MethodGet, "/api/billing/transactions?page=abc&limit=-1", f.userToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &page))
	assert.Equal(t, 1, page.Pagination.Page)
	assert.Equal(t, 10, page.Pagination.Limit)
}

func TestEstimate(t *testing.T) {
	f := newFixture(t, 0)

	rec := f.do(t, http.MethodPost, "/api/billing/estimate", f.userToken, estimateRequest{ModelName: "gpt-4", TokensCount: 40})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"modelName":"gpt-4","tokensCount":40,"estimatedCost":8}`, string(decode(t, rec).Data))

	rec = f.do(t, http.MethodPost, "/api/billing/estimate", f.userToken, estimateRequest{ModelName: "gpt-4"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/billing/estimate", f.userToken, estimateRequest{ModelName: "nope", TokensCount: 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProfileAndHealth(t *testing.T) {
	f := newFixture(t, 0)

	rec := f.do(t, http.MethodGet, "/api/auth/profile", f.userToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var data struct {
		User userstore.User `json:"user"`
	}
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &data))
	assert.Equal(t, "user@example.com", data.User.Email)
	assert.Equal(t, userstore.RoleUser, data.User.Role)
	assert.Equal(t, int64(100), data.User.Credits)

	rec = f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = f.do(t, http.MethodGet, "/ready", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status health.HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, health.StatusHealthy, status.Status)
}

func TestSetEndpointsLimitsRoutes(t *testing.T) {
	f := newFixture(t, 0)
	f.server.SetEndpoints([]string{"health", "unknown"})
	h := f.server.Router()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/billing/balance", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
