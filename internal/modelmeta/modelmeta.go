package modelmeta

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/tokligence/credit-gateway/internal/pricing"
)

// DefaultProvider is the adapter name used when an entry does not set one.
const DefaultProvider = "openai"

// Entry describes generation defaults and the price of a model.
type Entry struct {
	Model           string          `yaml:"model"`
	UpstreamModel   string          `yaml:"upstream_model,omitempty"`
	Provider        string          `yaml:"provider,omitempty"`
	MaxTokens       int             `yaml:"max_tokens"`
	Temperature     float64         `yaml:"temperature"`
	CreditsPerToken decimal.Decimal `yaml:"credits_per_token"`
}

// Upstream returns the model id sent to the provider.
func (e Entry) Upstream() string {
	if strings.TrimSpace(e.UpstreamModel) != "" {
		return e.UpstreamModel
	}
	return e.Model
}

type catalogFile struct {
	Models []Entry `yaml:"models"`
}

// Catalog holds the registered models. It is populated once at startup and
// only read afterwards.
type Catalog struct {
	entries map[string]Entry
	names   []string
}

// Defaults returns the built-in model set.
func Defaults() []Entry {
	return []Entry{
		{Model: "gpt-4", MaxTokens: 2048, Temperature: 0.7, CreditsPerToken: decimal.RequireFromString("0.2")},
		{Model: "gpt-4o", MaxTokens: 32000, Temperature: 0.7, CreditsPerToken: decimal.RequireFromString("0.3")},
		{Model: "o1-preview", MaxTokens: 32000, Temperature: 0.7, CreditsPerToken: decimal.RequireFromString("0.7")},
		{Model: "o1-mini", MaxTokens: 64000, Temperature: 0.7, CreditsPerToken: decimal.RequireFromString("0.5")},
		{Model: "gemini-flash", MaxTokens: 1024, Temperature: 0.5, CreditsPerToken: decimal.RequireFromString("0.1")},
	}
}

// NewCatalog validates entries and builds a catalog.
func NewCatalog(entries []Entry) (*Catalog, error) {
	if len(entries) == 0 {
		return nil, errors.New("modelmeta: no models configured")
	}
	c := &Catalog{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		key := strings.ToLower(strings.TrimSpace(e.Model))
		if key == "" {
			return nil, errors.New("modelmeta: model name required")
		}
		if _, dup := c.entries[key]; dup {
			return nil, fmt.Errorf("modelmeta: duplicate model %q", e.Model)
		}
		if e.MaxTokens <= 0 {
			return nil, fmt.Errorf("modelmeta: model %q: max_tokens must be > 0", e.Model)
		}
		if e.Temperature < 0 || e.Temperature > 1 {
			return nil, fmt.Errorf("modelmeta: model %q: temperature must be within [0,1]", e.Model)
		}
		if !e.CreditsPerToken.IsPositive() {
			return nil, fmt.Errorf("modelmeta: model %q: credits_per_token must be > 0", e.Model)
		}
		e.Model = key
		if strings.TrimSpace(e.Provider) == "" {
			e.Provider = DefaultProvider
		}
		c.entries[key] = e
		c.names = append(c.names, key)
	}
	sort.Strings(c.names)
	return c, nil
}

// LoadFile reads a YAML catalog from path.
func LoadFile(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("modelmeta: empty path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("modelmeta: read %s: %w", path, err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(b, &file); err != nil {
		return nil, fmt.Errorf("modelmeta: parse %s: %w", path, err)
	}
	return NewCatalog(file.Models)
}

// Lookup returns the entry for model, if registered.
func (c *Catalog) Lookup(model string) (Entry, bool) {
	e, ok := c.entries[strings.ToLower(strings.TrimSpace(model))]
	return e, ok
}

// Names lists registered model names in sorted order.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

// Providers lists the distinct provider names referenced by the catalog.
func (c *Catalog) Providers() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, name := range c.names {
		p := c.entries[name].Provider
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// PricingTable builds the read-only price table for the catalog.
func (c *Catalog) PricingTable() (*pricing.Table, error) {
	rates := make([]pricing.Rate, 0, len(c.names))
	for _, name := range c.names {
		rates = append(rates, pricing.Rate{Model: name, CreditsPerToken: c.entries[name].CreditsPerToken})
	}
	return pricing.New(rates)
}
