package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/gateway.ini"
	envPrefix        = "TOKLIGENCE_"
)

// Ledger backends.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Abort billing policies.
const (
	AbortPolicyNone     = "none"
	AbortPolicyStreamed = "streamed"
)

// DefaultOpenAIBaseURL is the OpenAI-compatible endpoint used when none is configured.
const DefaultOpenAIBaseURL = "https://bothub.chat/api/v2/openai/v1"

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// GatewayConfig describes runtime options for the daemon and the CLI.
type GatewayConfig struct {
	Environment string
	HTTPAddress string

	LogFile       string
	LogLevel      string
	LogMaxBytes   int64
	LogMaxBackups int

	LedgerBackend       string
	LedgerPath          string
	LedgerDSN           string
	PoolMaxOpen         int
	PoolMaxIdle         int
	PoolLifetimeMinutes int
	PoolIdleMinutes     int

	AuthSecret string
	TokenTTL   time.Duration
	AdminEmail string

	InitialCredits int64
	MinBalance     int64
	AbortPolicy    string
	AllowSupersede bool

	ModelsFile      string
	FallbackAdapter string

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIOrg     string
	OpenAITimeout time.Duration
	// OpenAIRetries is an opt-in retry budget for a failed stream open. The
	// default 0 surfaces provider failures after a single upstream call.
	OpenAIRetries    int
	OpenAIRetryDelay time.Duration

	MetricsOTLPEndpoint string
	MetricsInsecure     bool
	MetricsInterval     time.Duration
}

// LoadGatewayConfig reads the current environment and loads the appropriate gateway config file.
// Precedence per key: TOKLIGENCE_* environment variable, environment file, settings file, default.
func LoadGatewayConfig(root string) (GatewayConfig, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return GatewayConfig{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return GatewayConfig{}, err
		}
		envValues = map[string]string{}
	}

	merged := make(map[string]string, len(s.Defaults)+len(envValues))
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}

	l := &loader{values: merged}
	cfg := GatewayConfig{
		Environment: s.Environment,
		HTTPAddress: l.str("http_address", ":8081"),

		LogFile:       l.str("log_file", ""),
		LogLevel:      strings.ToLower(l.str("log_level", "info")),
		LogMaxBytes:   l.int64("log_max_bytes", 100<<20),
		LogMaxBackups: int(l.int64("log_max_backups", 14)),

		LedgerBackend:       strings.ToLower(l.str("ledger.backend", BackendSQLite)),
		LedgerPath:          l.str("ledger.path", DefaultLedgerPath()),
		LedgerDSN:           l.str("ledger.dsn", ""),
		PoolMaxOpen:         int(l.int64("ledger.max_open_conns", 20)),
		PoolMaxIdle:         int(l.int64("ledger.max_idle_conns", 5)),
		PoolLifetimeMinutes: int(l.int64("ledger.conn_max_lifetime_minutes", 30)),
		PoolIdleMinutes:     int(l.int64("ledger.conn_max_idle_minutes", 5)),

		AuthSecret: l.str("auth.secret", "tokligence-dev-secret"),
		TokenTTL:   l.duration("auth.token_ttl", time.Hour),
		AdminEmail: l.str("admin_email", "admin@local"),

		InitialCredits: l.int64("billing.initial_credits", 100),
		MinBalance:     l.int64("billing.min_balance", 0),
		AbortPolicy:    strings.ToLower(l.str("billing.abort_policy", AbortPolicyNone)),
		AllowSupersede: l.bool("session.allow_supersede", false),

		ModelsFile:      l.str("models.file", ""),
		FallbackAdapter: l.str("models.fallback_adapter", "loopback"),

		OpenAIAPIKey:     l.str("openai.api_key", ""),
		OpenAIBaseURL:    l.str("openai.base_url", DefaultOpenAIBaseURL),
		OpenAIOrg:        l.str("openai.org", ""),
		OpenAITimeout:    l.duration("openai.timeout", 60*time.Second),
		OpenAIRetries:    int(l.int64("openai.retries", 0)),
		OpenAIRetryDelay: l.duration("openai.retry_delay", time.Second),

		MetricsOTLPEndpoint: l.str("metrics.otlp_endpoint", ""),
		MetricsInsecure:     l.bool("metrics.insecure", true),
		MetricsInterval:     l.duration("metrics.interval", 15*time.Second),
	}

	switch cfg.LedgerBackend {
	case BackendSQLite, BackendMemory:
	case BackendPostgres:
		if cfg.LedgerDSN == "" {
			l.fail("ledger.dsn", "required for postgres backend")
		}
	default:
		l.fail("ledger.backend", fmt.Sprintf("unknown backend %q", cfg.LedgerBackend))
	}
	switch cfg.AbortPolicy {
	case AbortPolicyNone, AbortPolicyStreamed:
	default:
		l.fail("billing.abort_policy", fmt.Sprintf("unknown policy %q", cfg.AbortPolicy))
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		l.fail("log_level", fmt.Sprintf("unknown level %q", cfg.LogLevel))
	}
	if cfg.InitialCredits < 0 {
		l.fail("billing.initial_credits", "must be >= 0")
	}
	if err := errors.Join(l.errs...); err != nil {
		return GatewayConfig{}, err
	}
	return cfg, nil
}

// EnvName returns the environment variable that overrides key.
func EnvName(key string) string {
	return envPrefix + strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
}

type loader struct {
	values map[string]string
	errs   []error
}

func (l *loader) raw(key string) string {
	return strings.TrimSpace(firstNonEmpty(os.Getenv(EnvName(key)), l.values[key]))
}

func (l *loader) fail(key, msg string) {
	l.errs = append(l.errs, fmt.Errorf("config %s: %s", key, msg))
}

func (l *loader) str(key, fallback string) string {
	return firstNonEmpty(l.raw(key), fallback)
}

func (l *loader) int64(key string, fallback int64) int64 {
	v := l.raw(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		l.fail(key, fmt.Sprintf("invalid integer %q", v))
		return fallback
	}
	return n
}

func (l *loader) bool(key string, fallback bool) bool {
	v := l.raw(key)
	if v == "" {
		return fallback
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	l.fail(key, fmt.Sprintf("invalid boolean %q", v))
	return fallback
}

func (l *loader) duration(key string, fallback time.Duration) time.Duration {
	v := l.raw(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		l.fail(key, fmt.Sprintf("invalid duration %q", v))
		return fallback
	}
	return d
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: firstNonEmpty(os.Getenv(EnvName("environment")), defaultEnv), Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := firstNonEmpty(os.Getenv(EnvName("environment")), values["environment"], defaultEnv)
	delete(values, "environment")
	return Settings{Environment: env, Defaults: values}, nil
}

// parseINI flattens an INI file into lowercase keys. Keys inside a section
// are prefixed with "<section>.".
func parseINI(path string) (map[string]string, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	values := make(map[string]string)
	for _, sec := range f.Sections() {
		prefix := ""
		if sec.Name() != ini.DefaultSection {
			prefix = strings.ToLower(sec.Name()) + "."
		}
		for _, key := range sec.Keys() {
			values[prefix+strings.ToLower(key.Name())] = strings.TrimSpace(key.String())
		}
	}
	return values, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// DefaultLedgerPath returns the fallback database location under the user's home directory.
func DefaultLedgerPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "credits.db"
	}
	return filepath.Join(home, ".tokligence", "credits.db")
}
