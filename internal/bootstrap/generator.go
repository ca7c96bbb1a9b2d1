package bootstrap

import (
	"fmt"

	"github.com/tokligence/credit-gateway/internal/adapter"
	"github.com/tokligence/credit-gateway/internal/adapter/fallback"
	"github.com/tokligence/credit-gateway/internal/adapter/loopback"
	openaiadapter "github.com/tokligence/credit-gateway/internal/adapter/openai"
	"github.com/tokligence/credit-gateway/internal/adapter/router"
	"github.com/tokligence/credit-gateway/internal/config"
	"github.com/tokligence/credit-gateway/internal/logging"
	"github.com/tokligence/credit-gateway/internal/modelmeta"
)

// LoadCatalog reads cfg.ModelsFile, or returns the built-in models when unset.
func LoadCatalog(cfg config.GatewayConfig) (*modelmeta.Catalog, error) {
	if cfg.ModelsFile != "" {
		return modelmeta.LoadFile(cfg.ModelsFile)
	}
	return modelmeta.NewCatalog(modelmeta.Defaults())
}

// NewGenerator registers the available adapters and routes every catalog
// model to its provider. Models whose provider is not configured fall back
// to cfg.FallbackAdapter.
func NewGenerator(cfg config.GatewayConfig, catalog *modelmeta.Catalog, logger *logging.Logger) (*router.Router, error) {
	r := router.New()
	if err := r.RegisterAdapter("loopback", loopback.New()); err != nil {
		return nil, err
	}
	if cfg.OpenAIAPIKey != "" {
		oa, err := openaiadapter.New(openaiadapter.Config{
			APIKey:         cfg.OpenAIAPIKey,
			BaseURL:        cfg.OpenAIBaseURL,
			Organization:   cfg.OpenAIOrg,
			RequestTimeout: cfg.OpenAITimeout,
		})
		if err != nil {
			return nil, err
		}
		var g adapter.Generator = oa
		if cfg.OpenAIRetries > 0 {
			g, err = fallback.New(fallback.Config{
				Adapters:   []adapter.Generator{oa},
				RetryCount: cfg.OpenAIRetries,
				RetryDelay: cfg.OpenAIRetryDelay,
			})
			if err != nil {
				return nil, err
			}
		}
		if err := r.RegisterAdapter("openai", g); err != nil {
			return nil, err
		}
	}

	registered := make(map[string]bool)
	for _, name := range r.ListAdapters() {
		registered[name] = true
	}
	for _, name := range catalog.Names() {
		entry, _ := catalog.Lookup(name)
		if !registered[entry.Provider] {
			logger.Warnf("model %s: provider %s not configured, using %s", name, entry.Provider, cfg.FallbackAdapter)
			continue
		}
		if err := r.RegisterRoute(entry.Upstream(), entry.Provider); err != nil {
			return nil, err
		}
	}
	if cfg.FallbackAdapter != "" {
		if err := r.SetFallback(cfg.FallbackAdapter); err != nil {
			return nil, fmt.Errorf("models.fallback_adapter: %w", err)
		}
	}
	return r, nil
}
