package bootstrap

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tokligence/credit-gateway/internal/adapter"
	"github.com/tokligence/credit-gateway/internal/config"
	"github.com/tokligence/credit-gateway/internal/ledger"
	"github.com/tokligence/credit-gateway/internal/logging"
	"github.com/tokligence/credit-gateway/internal/modelmeta"
	"github.com/tokligence/credit-gateway/internal/testutil"
	"github.com/tokligence/credit-gateway/internal/userstore"
)

func TestInitCreatesConfigFiles(t *testing.T) {
	tmp := t.TempDir()
	opts := InitOptions{
		Root:           tmp,
		AdminEmail:     "Ops@Example.com",
		LedgerPath:     filepath.Join(tmp, "credits.db"),
		InitialCredits: 250,
		AbortPolicy:    "streamed",
	}
	if err := Init(opts); err != nil {
		t.Fatalf("Init: %v", err)
	}

	settingBytes, err := os.ReadFile(filepath.Join(tmp, "config", "setting.ini"))
	if err != nil {
		t.Fatalf("read setting: %v", err)
	}
	content := string(settingBytes)
	if !strings.Contains(content, "environment=dev") {
		t.Fatalf("missing environment: %s", content)
	}
	if !strings.Contains(content, "admin_email=ops@example.com") {
		t.Fatalf("missing admin email: %s", content)
	}

	gatewayBytes, err := os.ReadFile(filepath.Join(tmp, "config", "dev", "gateway.ini"))
	if err != nil {
		t.Fatalf("read gateway: %v", err)
	}
	gatewayContent := string(gatewayBytes)
	for _, want := range []string{"backend=sqlite", "initial_credits=250", "abort_policy=streamed"} {
		if !strings.Contains(gatewayContent, want) {
			t.Fatalf("missing %q: %s", want, gatewayContent)
		}
	}
}

func TestInitOutputLoads(t *testing.T) {
	tmp := t.TempDir()
	dbPath := filepath.Join(tmp, "data", "credits.db")
	if err := Init(InitOptions{Root: tmp, LedgerPath: dbPath, InitialCredits: 42}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	cfg, err := config.LoadGatewayConfig(tmp)
	if err != nil {
		t.Fatalf("load generated config: %v", err)
	}
	if cfg.LedgerPath != dbPath || cfg.InitialCredits != 42 || cfg.AdminEmail != "admin@local" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.AbortPolicy != config.AbortPolicyNone || cfg.FallbackAdapter != "loopback" {
		t.Fatalf("unexpected billing/models config %+v", cfg)
	}
}

func TestInitRespectsForce(t *testing.T) {
	tmp := t.TempDir()
	opts := InitOptions{Root: tmp, AdminEmail: "a@b.com"}
	if err := Init(opts); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := Init(opts); err == nil {
		t.Fatalf("expected error when files exist")
	}
	opts.Force = true
	if err := Init(opts); err != nil {
		t.Fatalf("Init with force: %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		opts InitOptions
		ok   bool
	}{
		{"defaults", InitOptions{}, true},
		{"invalid email", InitOptions{AdminEmail: "invalid"}, false},
		{"postgres without dsn", InitOptions{LedgerBackend: "postgres"}, false},
		{"postgres with dsn", InitOptions{LedgerBackend: "postgres", LedgerDSN: "postgres://localhost/credits"}, true},
		{"unknown backend", InitOptions{LedgerBackend: "redis"}, false},
		{"negative credits", InitOptions{InitialCredits: -1}, false},
		{"bad abort policy", InitOptions{AbortPolicy: "half"}, false},
	}
	for _, tc := range cases {
		err := Validate(tc.opts)
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestOpenStoresMemorySharesBalances(t *testing.T) {
	stores, err := OpenStores(config.GatewayConfig{LedgerBackend: config.BackendMemory})
	if err != nil {
		t.Fatalf("OpenStores: %v", err)
	}
	defer stores.Close()

	ctx := context.Background()
	u, err := stores.Users.CreateUser(ctx, "user@example.com", userstore.RoleUser, 30)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	tx, err := stores.Ledger.Apply(ctx, ledger.Mutation{UserID: u.ID, Type: ledger.TypeDebit, Amount: 12, Description: "Generation using gpt-4"})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if tx.BalanceBefore != 30 || tx.BalanceAfter != 18 {
		t.Fatalf("unexpected transaction %+v", tx)
	}
	reloaded, err := stores.Users.FindByID(ctx, u.ID)
	if err != nil || reloaded.Credits != 18 {
		t.Fatalf("user credits not updated: %+v %v", reloaded, err)
	}
	if _, ok := stores.Databases["sqlite"]; !ok {
		t.Fatalf("expected sqlite health check, got %v", stores.Databases)
	}
	if err := stores.Databases["sqlite"].PingContext(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestOpenStoresRejectsUnknownBackend(t *testing.T) {
	if _, err := OpenStores(config.GatewayConfig{LedgerBackend: "redis"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNewGeneratorRoutesConfiguredProviders(t *testing.T) {
	catalog, err := modelmeta.NewCatalog([]modelmeta.Entry{
		{Model: "echo", Provider: "loopback", MaxTokens: 64, Temperature: 0.5, CreditsPerToken: modelmeta.Defaults()[0].CreditsPerToken},
		{Model: "gpt-4", MaxTokens: 2048, Temperature: 0.7, CreditsPerToken: modelmeta.Defaults()[0].CreditsPerToken},
	})
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}

	r, err := NewGenerator(config.GatewayConfig{FallbackAdapter: "loopback"}, catalog, logging.Discard())
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	if got := r.ListAdapters(); len(got) != 1 || got[0] != "loopback" {
		t.Fatalf("adapters = %v", got)
	}
	if name, _ := r.AdapterForModel("gpt-4"); name != "loopback" {
		t.Fatalf("gpt-4 without key should fall back, got %q", name)
	}

	r, err = NewGenerator(config.GatewayConfig{FallbackAdapter: "loopback", OpenAIAPIKey: "sk-test"}, catalog, logging.Discard())
	if err != nil {
		t.Fatalf("NewGenerator with key: %v", err)
	}
	if name, _ := r.AdapterForModel("gpt-4"); name != "openai" {
		t.Fatalf("gpt-4 routed to %q", name)
	}
	if name, _ := r.AdapterForModel("echo"); name != "loopback" {
		t.Fatalf("echo routed to %q", name)
	}
}

func TestNewGeneratorRejectsUnknownFallback(t *testing.T) {
	catalog, err := LoadCatalog(config.GatewayConfig{})
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	if _, err := NewGenerator(config.GatewayConfig{FallbackAdapter: "gemini"}, catalog, nil); err == nil {
		t.Fatalf("expected unknown fallback error")
	}
}

func TestNewGeneratorDefaultConfigSurfacesProviderFailure(t *testing.T) {
	upstream := testutil.NewUpstream(t, testutil.Status(http.StatusServiceUnavailable, "upstream overloaded"))
	t.Setenv("TOKLIGENCE_OPENAI_API_KEY", "sk-test")
	t.Setenv("TOKLIGENCE_OPENAI_BASE_URL", upstream.URL)

	cfg, err := config.LoadGatewayConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadGatewayConfig: %v", err)
	}
	catalog, err := LoadCatalog(cfg)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	r, err := NewGenerator(cfg, catalog, logging.Discard())
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	_, err = r.Generate(context.Background(), adapter.GenerationConfig{Model: "gpt-4", Prompt: "hello", MaxTokens: 16, Temperature: 0.7})
	if !errors.Is(err, adapter.ErrProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
	var perr *adapter.ProviderError
	if !errors.As(err, &perr) || perr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("unexpected provider error %v", err)
	}
	if hits := upstream.Hits(); hits != 1 {
		t.Fatalf("upstream calls = %d, want 1", hits)
	}
}

func TestNewGeneratorRetriesOnlyWhenConfigured(t *testing.T) {
	upstream := testutil.NewUpstream(t, testutil.Status(http.StatusServiceUnavailable, "upstream overloaded"))
	t.Setenv("TOKLIGENCE_OPENAI_API_KEY", "sk-test")
	t.Setenv("TOKLIGENCE_OPENAI_BASE_URL", upstream.URL)
	t.Setenv("TOKLIGENCE_OPENAI_RETRIES", "1")
	t.Setenv("TOKLIGENCE_OPENAI_RETRY_DELAY", "1ms")

	cfg, err := config.LoadGatewayConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadGatewayConfig: %v", err)
	}
	catalog, err := LoadCatalog(cfg)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	r, err := NewGenerator(cfg, catalog, logging.Discard())
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	if _, err := r.Generate(context.Background(), adapter.GenerationConfig{Model: "gpt-4", Prompt: "hello", MaxTokens: 16}); !errors.Is(err, adapter.ErrProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if hits := upstream.Hits(); hits != 2 {
		t.Fatalf("upstream calls = %d, want 2", hits)
	}
}
