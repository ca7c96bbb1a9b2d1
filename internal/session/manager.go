// Package session runs generations on behalf of users: one active session
// per user, an estimate-based credit pre-check, cooperative cancellation and
// settlement of the provider-reported usage against the ledger.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/tokligence/credit-gateway/internal/adapter"
	"github.com/tokligence/credit-gateway/internal/ledger"
	"github.com/tokligence/credit-gateway/internal/logging"
	"github.com/tokligence/credit-gateway/internal/metrics"
	"github.com/tokligence/credit-gateway/internal/modelmeta"
	"github.com/tokligence/credit-gateway/internal/pricing"
)

// Request limits.
const (
	MaxPromptLength = 32768
	MaxTokensLimit  = 32768
)

// State is the lifecycle position of a user's session.
type State int32

const (
	StateIdle State = iota
	StateActive
	StateSettling
	StateAborted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateActive:
		return "ACTIVE"
	case StateSettling:
		return "SETTLING"
	case StateAborted:
		return "ABORTED"
	case StateFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// AbortPolicy selects what an aborted session is billed.
type AbortPolicy string

const (
	// AbortBillNothing leaves the ledger untouched on abort.
	AbortBillNothing AbortPolicy = "none"
	// AbortBillStreamed debits the estimated cost of the prompt plus the
	// text already delivered, when at least one fragment was delivered.
	AbortBillStreamed AbortPolicy = "streamed"
)

// ParseAbortPolicy maps a configuration value to a policy; empty means none.
func ParseAbortPolicy(s string) (AbortPolicy, error) {
	switch AbortPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", AbortBillNothing:
		return AbortBillNothing, nil
	case AbortBillStreamed:
		return AbortBillStreamed, nil
	}
	return "", fmt.Errorf("session: unknown abort policy %q", s)
}

// Outcome is the terminal result of a started session.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeAborted   Outcome = "aborted"
	OutcomeFailed    Outcome = "failed"
)

// Billing is the slice of the ledger the manager needs.
type Billing interface {
	GetBalance(ctx context.Context, userID int64) (int64, error)
	EstimateCost(model string, tokens int64) (int64, error)
	Debit(ctx context.Context, userID, amount int64, description, modelName string, tokensUsed *int64) (ledger.Transaction, error)
}

// Config holds billing and contention policy.
type Config struct {
	// MinBalance is the balance that must remain after the estimated cost.
	MinBalance     int64
	AbortPolicy    AbortPolicy
	AllowSupersede bool
}

// Request starts one generation. Nil Temperature and MaxTokens take the
// model defaults.
type Request struct {
	UserID      int64
	Model       string
	Prompt      string
	Temperature *float64
	MaxTokens   *int
	// Supersede cancels the user's running session instead of failing with
	// ErrSessionAlreadyActive. It only applies when Config.AllowSupersede is set.
	Supersede bool
}

// Event is one item delivered to the caller: a text fragment or the single
// terminal event. Terminal events have Done set (success or abort) or carry Err.
type Event struct {
	Text      string
	Done      bool
	Aborted   bool
	TotalText string
	Err       error
}

// Terminal reports whether ev ends the stream.
func (ev Event) Terminal() bool {
	return ev.Done || ev.Err != nil
}

// Result summarizes a finished session.
type Result struct {
	SessionID   string
	Outcome     Outcome
	TotalText   string
	Usage       *adapter.Usage
	Cost        int64
	Transaction *ledger.Transaction
	Err         error
}

// Info is a snapshot of an active session.
type Info struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"userId"`
	Model     string    `json:"model"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"startedAt"`
}

// ModelInfo describes a registered model and its price.
type ModelInfo struct {
	Name            string  `json:"name"`
	MaxTokens       int     `json:"maxTokens"`
	Temperature     float64 `json:"temperature"`
	CreditsPerToken float64 `json:"creditsPerToken"`
}

type session struct {
	id        string
	userID    int64
	model     string
	startedAt time.Time
	token     *CancelToken
	state     atomic.Int32
	released  chan struct{}
}

func (s *session) setState(st State) { s.state.Store(int32(st)) }
func (s *session) State() State      { return State(s.state.Load()) }

// Generation is the caller's handle on a started session.
type Generation struct {
	s      *session
	events chan Event
	done   chan struct{}
	result Result
}

// SessionID identifies the session in logs and results.
func (g *Generation) SessionID() string { return g.s.id }

// Events yields fragments and then exactly one terminal event before closing.
// The consumer must drain it or cancel the context given to StartGeneration.
func (g *Generation) Events() <-chan Event { return g.events }

// Abort sets the session's cancellation flag.
func (g *Generation) Abort() { g.s.token.Cancel() }

// Wait blocks until the session has released and returns its result.
func (g *Generation) Wait() Result {
	<-g.done
	return g.result
}

// Manager owns the per-user session registry.
type Manager struct {
	catalog   *modelmeta.Catalog
	prices    *pricing.Table
	generator adapter.Generator
	billing   Billing
	cfg       Config
	logger    *logging.Logger
	metrics   *metrics.Collector
	now       func() time.Time

	mu       sync.Mutex
	sessions map[int64]*session
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the session logger.
func WithLogger(l *logging.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithMetrics records session outcomes on c.
func WithMetrics(c *metrics.Collector) Option { return func(m *Manager) { m.metrics = c } }

// New builds a Manager. generator is the single long-lived adapter (usually
// a router) that receives a per-call configuration.
func New(catalog *modelmeta.Catalog, generator adapter.Generator, billing Billing, cfg Config, opts ...Option) (*Manager, error) {
	if catalog == nil {
		return nil, errors.New("session: model catalog required")
	}
	if generator == nil {
		return nil, errors.New("session: generator required")
	}
	if billing == nil {
		return nil, errors.New("session: billing required")
	}
	if cfg.AbortPolicy == "" {
		cfg.AbortPolicy = AbortBillNothing
	}
	prices, err := catalog.PricingTable()
	if err != nil {
		return nil, err
	}
	m := &Manager{
		catalog:   catalog,
		prices:    prices,
		generator: generator,
		billing:   billing,
		cfg:       cfg,
		now:       time.Now,
		sessions:  make(map[int64]*session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// StartGeneration validates the request, claims the user's session slot,
// runs the credit pre-check and starts streaming. Errors returned here mean
// nothing was streamed and nothing was billed.
func (m *Manager) StartGeneration(ctx context.Context, req Request) (*Generation, error) {
	entry, cfg, err := m.resolve(req)
	if err != nil {
		m.reject(ctx, req, err)
		return nil, err
	}
	s, err := m.acquire(ctx, req.UserID, entry.Model, req.Supersede)
	if err != nil {
		m.reject(ctx, req, err)
		return nil, err
	}
	estimated := int64(m.generator.EstimateTokens(req.Prompt))
	if err := m.precheck(ctx, req.UserID, entry.Model, estimated); err != nil {
		m.release(s)
		m.reject(ctx, req, err)
		return nil, err
	}

	m.logger.Infof("session %s start user=%d model=%s estimate=%d tokens", s.id, s.userID, s.model, estimated)
	m.metrics.SessionStarted(ctx, s.model)
	g := &Generation{s: s, events: make(chan Event), done: make(chan struct{})}
	go m.run(ctx, g, cfg, estimated)
	return g, nil
}

// AbortGeneration flags the user's active session, if any. It is idempotent
// and reports whether a session was found.
func (m *Manager) AbortGeneration(userID int64) bool {
	m.mu.Lock()
	s := m.sessions[userID]
	m.mu.Unlock()
	if s == nil {
		return false
	}
	if !s.token.Cancelled() {
		m.logger.Infof("session %s abort requested user=%d", s.id, userID)
	}
	s.token.Cancel()
	return true
}

// GetAvailableModels lists registered model names.
func (m *Manager) GetAvailableModels() []string {
	return m.catalog.Names()
}

// GetModelPricing returns the price of model.
func (m *Manager) GetModelPricing(model string) (pricing.Pricing, error) {
	return m.prices.Pricing(model)
}

// Models lists registered models with their defaults and price.
func (m *Manager) Models() []ModelInfo {
	names := m.catalog.Names()
	out := make([]ModelInfo, 0, len(names))
	for _, name := range names {
		e, _ := m.catalog.Lookup(name)
		out = append(out, ModelInfo{
			Name:            e.Model,
			MaxTokens:       e.MaxTokens,
			Temperature:     e.Temperature,
			CreditsPerToken: e.CreditsPerToken.InexactFloat64(),
		})
	}
	return out
}

// ActiveSessions returns a snapshot of running sessions ordered by user.
func (m *Manager) ActiveSessions() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, Info{ID: s.id, UserID: s.userID, Model: s.model, State: s.State().String(), StartedAt: s.startedAt})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (m *Manager) resolve(req Request) (modelmeta.Entry, adapter.GenerationConfig, error) {
	if req.UserID <= 0 {
		return modelmeta.Entry{}, adapter.GenerationConfig{}, invalid("userId", "must be a positive integer")
	}
	if strings.TrimSpace(req.Model) == "" {
		return modelmeta.Entry{}, adapter.GenerationConfig{}, invalid("modelName", "is required")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return modelmeta.Entry{}, adapter.GenerationConfig{}, invalid("prompt", "is required")
	}
	if n := utf8.RuneCountInString(req.Prompt); n > MaxPromptLength {
		return modelmeta.Entry{}, adapter.GenerationConfig{}, invalid("prompt", "must be at most %d characters, got %d", MaxPromptLength, n)
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 1) {
		return modelmeta.Entry{}, adapter.GenerationConfig{}, invalid("temperature", "must be between 0 and 1")
	}
	if req.MaxTokens != nil && (*req.MaxTokens < 1 || *req.MaxTokens > MaxTokensLimit) {
		return modelmeta.Entry{}, adapter.GenerationConfig{}, invalid("maxTokens", "must be between 1 and %d", MaxTokensLimit)
	}
	entry, ok := m.catalog.Lookup(req.Model)
	if !ok {
		return modelmeta.Entry{}, adapter.GenerationConfig{}, fmt.Errorf("%w: %s", pricing.ErrUnknownModel, req.Model)
	}
	cfg := adapter.GenerationConfig{
		Model:       entry.Upstream(),
		Prompt:      req.Prompt,
		MaxTokens:   entry.MaxTokens,
		Temperature: entry.Temperature,
		User:        "user-" + strconv.FormatInt(req.UserID, 10),
	}
	if req.Temperature != nil {
		cfg.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		cfg.MaxTokens = *req.MaxTokens
	}
	return entry, cfg, nil
}

// acquire moves the user from IDLE to ACTIVE. With supersede it cancels the
// running session and waits for it to release first.
func (m *Manager) acquire(ctx context.Context, userID int64, model string, supersede bool) (*session, error) {
	for {
		m.mu.Lock()
		cur, busy := m.sessions[userID]
		if !busy {
			s := &session{
				id:        uuid.NewString(),
				userID:    userID,
				model:     model,
				startedAt: m.now(),
				token:     newCancelToken(),
				released:  make(chan struct{}),
			}
			s.setState(StateActive)
			m.sessions[userID] = s
			m.mu.Unlock()
			return s, nil
		}
		m.mu.Unlock()

		if !supersede || !m.cfg.AllowSupersede {
			return nil, ErrSessionAlreadyActive
		}
		m.logger.Infof("session %s superseded user=%d", cur.id, userID)
		cur.token.Cancel()
		select {
		case <-cur.released:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *Manager) release(s *session) {
	m.mu.Lock()
	if m.sessions[s.userID] == s {
		delete(m.sessions, s.userID)
	}
	m.mu.Unlock()
	close(s.released)
}

func (m *Manager) precheck(ctx context.Context, userID int64, model string, estimated int64) error {
	balance, err := m.billing.GetBalance(ctx, userID)
	if err != nil {
		return err
	}
	cost, err := m.billing.EstimateCost(model, estimated)
	if err != nil {
		return err
	}
	if balance-cost < m.cfg.MinBalance {
		m.logger.Warnf("insufficient credits user=%d model=%s balance=%d estimate=%d min=%d", userID, model, balance, cost, m.cfg.MinBalance)
		return fmt.Errorf("%w: balance %d, estimated cost %d", ErrInsufficientCredits, balance, cost)
	}
	m.logger.Debugf("precheck ok user=%d model=%s balance=%d estimate=%d", userID, model, balance, cost)
	return nil
}

func (m *Manager) reject(ctx context.Context, req Request, err error) {
	reason := "error"
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		reason = "validation"
	case errors.Is(err, pricing.ErrUnknownModel):
		reason = "unknown_model"
	case errors.Is(err, ErrSessionAlreadyActive):
		reason = "session_active"
	case errors.Is(err, ErrInsufficientCredits):
		reason = "insufficient_credits"
	case errors.Is(err, ledger.ErrUserNotFound):
		reason = "user_not_found"
	}
	m.metrics.SessionRejected(ctx, req.Model, reason)
}

// run drives one session from ACTIVE to a terminal state. The cancellation
// flag is consulted before every fragment is handed to the consumer.
func (m *Manager) run(ctx context.Context, g *Generation, cfg adapter.GenerationConfig, promptTokens int64) {
	s := g.s
	var text strings.Builder
	fragments := 0
	var res Result

	defer func() {
		res.SessionID = s.id
		res.TotalText = text.String()
		m.release(s)
		g.result = res
		close(g.done)
		m.metrics.SessionEnded(context.WithoutCancel(ctx), s.model, metricOutcome(res.Outcome), m.now().Sub(s.startedAt))
		g.deliverTerminal(ctx, res)
		close(g.events)
	}()

	upstreamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.token.Cancelled() {
		res = m.aborted(ctx, s, promptTokens, "", 0)
		return
	}
	stream, err := m.generator.Generate(upstreamCtx, cfg)
	if err != nil {
		res = m.failed(s, err)
		return
	}
	for {
		select {
		case <-s.token.Done():
			res = m.aborted(ctx, s, promptTokens, text.String(), fragments)
			return
		case <-ctx.Done():
			res = m.aborted(ctx, s, promptTokens, text.String(), fragments)
			return
		case ev, ok := <-stream:
			switch {
			case !ok:
				res = m.failed(s, fmt.Errorf("stream closed before usage report: %w", adapter.ErrUsageUnavailable))
				return
			case ev.IsError():
				res = m.failed(s, ev.Error)
				return
			case ev.IsUsage():
				cancel()
				res = m.settle(ctx, s, *ev.Usage)
				return
			case ev.Text == "":
				continue
			}
			if s.token.Cancelled() || ctx.Err() != nil {
				res = m.aborted(ctx, s, promptTokens, text.String(), fragments)
				return
			}
			if !g.deliver(ctx, Event{Text: ev.Text}) {
				res = m.aborted(ctx, s, promptTokens, text.String(), fragments)
				return
			}
			text.WriteString(ev.Text)
			fragments++
		}
	}
}

func (m *Manager) settle(ctx context.Context, s *session, usage adapter.Usage) Result {
	s.setState(StateSettling)
	m.metrics.TokensUsed(ctx, s.model, usage.PromptTokens, usage.CompletionTokens)
	tokens := int64(usage.TotalTokens)
	tx, cost, err := m.debit(context.WithoutCancel(ctx), s, tokens, "Generation using "+s.model)
	if err != nil {
		s.setState(StateFailed)
		m.logger.Errorf("session %s settlement failed user=%d model=%s tokens=%d: %v", s.id, s.userID, s.model, tokens, err)
		return Result{Outcome: OutcomeFailed, Usage: &usage, Err: fmt.Errorf("session: settle: %w", err)}
	}
	m.logger.Infof("session %s settled user=%d model=%s tokens=%d cost=%d balance=%d", s.id, s.userID, s.model, tokens, cost, tx.BalanceAfter)
	s.setState(StateIdle)
	return Result{Outcome: OutcomeCompleted, Usage: &usage, Cost: cost, Transaction: &tx}
}

func (m *Manager) aborted(ctx context.Context, s *session, promptTokens int64, text string, fragments int) Result {
	s.setState(StateAborted)
	res := Result{Outcome: OutcomeAborted}
	if m.cfg.AbortPolicy != AbortBillStreamed || fragments == 0 {
		m.logger.Infof("session %s aborted user=%d model=%s fragments=%d billed=0", s.id, s.userID, s.model, fragments)
		return res
	}
	tokens := promptTokens + int64(m.generator.EstimateTokens(text))
	tx, cost, err := m.debit(context.WithoutCancel(ctx), s, tokens, "Aborted generation using "+s.model)
	if err != nil {
		m.logger.Errorf("session %s abort billing failed user=%d: %v", s.id, s.userID, err)
		return res
	}
	m.logger.Infof("session %s aborted user=%d model=%s fragments=%d billed=%d", s.id, s.userID, s.model, fragments, cost)
	res.Cost = cost
	res.Transaction = &tx
	return res
}

func (m *Manager) failed(s *session, err error) Result {
	s.setState(StateFailed)
	m.logger.Errorf("session %s failed user=%d model=%s: %v", s.id, s.userID, s.model, err)
	return Result{Outcome: OutcomeFailed, Err: err}
}

func (m *Manager) debit(ctx context.Context, s *session, tokens int64, description string) (ledger.Transaction, int64, error) {
	cost, err := m.billing.EstimateCost(s.model, tokens)
	if err != nil {
		return ledger.Transaction{}, 0, err
	}
	if cost <= 0 {
		return ledger.Transaction{}, 0, fmt.Errorf("%w: zero cost for %d tokens", ledger.ErrInvalidAmount, tokens)
	}
	used := tokens
	tx, err := m.billing.Debit(ctx, s.userID, cost, description, s.model, &used)
	return tx, cost, err
}

// deliver hands a fragment to the consumer unless the session is cancelled
// or the consumer is gone.
func (g *Generation) deliver(ctx context.Context, ev Event) bool {
	select {
	case g.events <- ev:
		return true
	case <-g.s.token.Done():
		return false
	case <-ctx.Done():
		return false
	}
}

func (g *Generation) deliverTerminal(ctx context.Context, res Result) {
	ev := Event{Done: true, TotalText: res.TotalText}
	switch res.Outcome {
	case OutcomeAborted:
		ev.Aborted = true
	case OutcomeFailed:
		ev = Event{Err: res.Err}
	}
	select {
	case g.events <- ev:
	case <-ctx.Done():
	}
}

func metricOutcome(o Outcome) string {
	switch o {
	case OutcomeCompleted:
		return metrics.OutcomeSettled
	case OutcomeAborted:
		return metrics.OutcomeAborted
	}
	return metrics.OutcomeFailed
}
