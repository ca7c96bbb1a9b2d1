package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tokligence/credit-gateway/internal/adapter"
)

// Ensure Router implements Generator.
var _ adapter.Generator = (*Router)(nil)

// Router dispatches generations to the adapter registered for the model.
type Router struct {
	mu       sync.RWMutex
	adapters map[string]adapter.Generator
	routes   map[string]string // model pattern -> adapter name
	fallback string
}

// New creates a new Router instance.
func New() *Router {
	return &Router{
		adapters: make(map[string]adapter.Generator),
		routes:   make(map[string]string),
	}
}

// RegisterAdapter registers an adapter with a name.
func (r *Router) RegisterAdapter(name string, g adapter.Generator) error {
	if name == "" {
		return errors.New("router: adapter name cannot be empty")
	}
	if g == nil {
		return errors.New("router: adapter cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.adapters[name] = g
	return nil
}

// RegisterRoute registers a model pattern to adapter mapping.
// Model patterns support:
// - Exact match: "gpt-4"
// - Prefix match: "gpt-*" (matches gpt-4, gpt-4o, etc.)
// - Suffix match: "*-mini" (matches o1-mini, etc.)
// - Contains match: "*flash*"
func (r *Router) RegisterRoute(modelPattern, adapterName string) error {
	if modelPattern == "" {
		return errors.New("router: model pattern cannot be empty")
	}
	if adapterName == "" {
		return errors.New("router: adapter name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[adapterName]; !exists {
		return fmt.Errorf("router: adapter %q not registered", adapterName)
	}

	r.routes[strings.ToLower(modelPattern)] = adapterName
	return nil
}

// SetFallback names the adapter used for unmatched models.
func (r *Router) SetFallback(adapterName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[adapterName]; !exists {
		return fmt.Errorf("router: adapter %q not registered", adapterName)
	}
	r.fallback = adapterName
	return nil
}

// EstimateTokens uses the shared estimate; every adapter agrees on it.
func (r *Router) EstimateTokens(prompt string) int {
	return adapter.EstimateTokens(prompt)
}

// Generate routes the call to the appropriate adapter.
func (r *Router) Generate(ctx context.Context, cfg adapter.GenerationConfig) (<-chan adapter.StreamEvent, error) {
	if cfg.Model == "" {
		return nil, errors.New("router: model name required")
	}

	adapterName, err := r.findAdapter(cfg.Model)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	selected, exists := r.adapters[adapterName]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("router: adapter %q not found", adapterName)
	}

	return selected.Generate(ctx, cfg)
}

// findAdapter finds the appropriate adapter for a given model.
// Exact routes win, then the longest matching pattern.
func (r *Router) findAdapter(model string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	model = strings.ToLower(strings.TrimSpace(model))

	if adapterName, exists := r.routes[model]; exists {
		return adapterName, nil
	}

	patterns := make([]string, 0, len(r.routes))
	for pattern := range r.routes {
		patterns = append(patterns, pattern)
	}
	sort.Slice(patterns, func(i, j int) bool {
		if len(patterns[i]) != len(patterns[j]) {
			return len(patterns[i]) > len(patterns[j])
		}
		return patterns[i] < patterns[j]
	})
	for _, pattern := range patterns {
		if matchPattern(model, pattern) {
			return r.routes[pattern], nil
		}
	}

	if r.fallback != "" {
		return r.fallback, nil
	}

	return "", fmt.Errorf("router: no adapter found for model %q", model)
}

// matchPattern checks if a model matches a pattern.
func matchPattern(model, pattern string) bool {
	model = strings.ToLower(model)
	pattern = strings.ToLower(pattern)

	if model == pattern {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}

	switch {
	case strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*"):
		return strings.Contains(model, strings.Trim(pattern, "*"))
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(model, strings.TrimSuffix(pattern, "*"))
	case strings.HasPrefix(pattern, "*"):
		return strings.HasSuffix(model, strings.TrimPrefix(pattern, "*"))
	}
	return false
}

// AdapterForModel returns the adapter name for a given model.
func (r *Router) AdapterForModel(model string) (string, error) {
	return r.findAdapter(model)
}

// ListAdapters returns all registered adapter names, sorted.
func (r *Router) ListAdapters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
