package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tokligence/credit-gateway/internal/config"
	"github.com/tokligence/credit-gateway/internal/userstore"
)

// InitOptions configures the bootstrap process for generating config files.
type InitOptions struct {
	Root           string
	Environment    string
	AdminEmail     string
	LedgerBackend  string
	LedgerPath     string
	LedgerDSN      string
	InitialCredits int64
	AbortPolicy    string
	OpenAIAPIKey   string
	Force          bool
}

// Init scaffolds configuration files for the gateway.
func Init(opts InitOptions) error {
	applyDefaults(&opts)
	if err := Validate(opts); err != nil {
		return err
	}
	if err := ensureDir(filepath.Join(opts.Root, "config", opts.Environment)); err != nil {
		return err
	}

	settingPath := filepath.Join(opts.Root, "config", "setting.ini")
	if err := writeFile(settingPath, settingTemplate(opts), opts.Force); err != nil {
		return err
	}

	gatewayPath := filepath.Join(opts.Root, "config", opts.Environment, "gateway.ini")
	if err := writeFile(gatewayPath, gatewayTemplate(opts), opts.Force); err != nil {
		return err
	}

	return nil
}

func applyDefaults(opts *InitOptions) {
	if strings.TrimSpace(opts.Root) == "" {
		opts.Root = "."
	}
	if strings.TrimSpace(opts.Environment) == "" {
		opts.Environment = "dev"
	}
	if strings.TrimSpace(opts.AdminEmail) == "" {
		opts.AdminEmail = "admin@local"
	}
	if strings.TrimSpace(opts.LedgerBackend) == "" {
		opts.LedgerBackend = config.BackendSQLite
	}
	opts.LedgerBackend = strings.ToLower(opts.LedgerBackend)
	if strings.TrimSpace(opts.LedgerPath) == "" {
		opts.LedgerPath = config.DefaultLedgerPath()
	}
	if opts.InitialCredits == 0 {
		opts.InitialCredits = 100
	}
	if strings.TrimSpace(opts.AbortPolicy) == "" {
		opts.AbortPolicy = config.AbortPolicyNone
	}
}

func ensureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

func writeFile(path, contents string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("file already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(contents), 0o600)
}

func settingTemplate(opts InitOptions) string {
	return fmt.Sprintf(`# Credit gateway settings
environment=%s
admin_email=%s
`, opts.Environment, userstore.NormalizeEmail(opts.AdminEmail))
}

func gatewayTemplate(opts InitOptions) string {
	var b strings.Builder
	fmt.Fprintf(&b, `# Environment specific overrides for %s
http_address=:8081
log_level=info
# Dash '-' disables file output.
log_file=logs/gatewayd.log

[ledger]
backend=%s
`, opts.Environment, opts.LedgerBackend)
	switch opts.LedgerBackend {
	case config.BackendPostgres:
		fmt.Fprintf(&b, "dsn=%s\nmax_open_conns=20\nmax_idle_conns=5\n", opts.LedgerDSN)
	case config.BackendSQLite:
		fmt.Fprintf(&b, "path=%s\n", opts.LedgerPath)
	}
	fmt.Fprintf(&b, `
[auth]
# Replace before exposing the gateway.
secret=%s
token_ttl=1h

[billing]
initial_credits=%d
min_balance=0
abort_policy=%s

[session]
allow_supersede=false

[models]
# file=config/models.yaml
fallback_adapter=loopback

[openai]
api_key=%s
base_url=%s
timeout=60s
# Opt-in: retries a failed stream open on 429/5xx. 0 surfaces the error at once.
retries=0
retry_delay=1s

[metrics]
# otlp_endpoint=localhost:4317
interval=15s
`, "tokligence-dev-secret", opts.InitialCredits, opts.AbortPolicy, opts.OpenAIAPIKey, config.DefaultOpenAIBaseURL)
	return b.String()
}

// Validate ensures required fields are present without modifying files.
func Validate(opts InitOptions) error {
	applyDefaults(&opts)
	if !userstore.ValidEmail(userstore.NormalizeEmail(opts.AdminEmail)) {
		return errors.New("admin email must look like user@host")
	}
	switch opts.LedgerBackend {
	case config.BackendSQLite, config.BackendMemory:
	case config.BackendPostgres:
		if strings.TrimSpace(opts.LedgerDSN) == "" {
			return errors.New("postgres backend requires a dsn")
		}
	default:
		return fmt.Errorf("unknown ledger backend %q", opts.LedgerBackend)
	}
	if opts.InitialCredits < 0 {
		return errors.New("initial credits must not be negative")
	}
	switch opts.AbortPolicy {
	case config.AbortPolicyNone, config.AbortPolicyStreamed:
	default:
		return fmt.Errorf("unknown abort policy %q", opts.AbortPolicy)
	}
	return nil
}
