package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/tokligence/credit-gateway/internal/adapter"
)

// mockAdapter emits its name as a single fragment.
type mockAdapter struct {
	name string
	err  error
}

func (m *mockAdapter) EstimateTokens(prompt string) int { return adapter.EstimateTokens(prompt) }

func (m *mockAdapter) Generate(ctx context.Context, cfg adapter.GenerationConfig) (<-chan adapter.StreamEvent, error) {
	if m.err != nil {
		return nil, m.err
	}
	ch := make(chan adapter.StreamEvent, 2)
	ch <- adapter.StreamEvent{Text: m.name}
	ch <- adapter.StreamEvent{Usage: &adapter.Usage{TotalTokens: 1}}
	close(ch)
	return ch, nil
}

func firstText(t *testing.T, ch <-chan adapter.StreamEvent) string {
	t.Helper()
	ev, ok := <-ch
	if !ok {
		t.Fatal("stream closed without events")
	}
	for range ch {
	}
	return ev.Text
}

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	r := New()
	for _, name := range []string{"openai", "google", "loopback"} {
		if err := r.RegisterAdapter(name, &mockAdapter{name: name}); err != nil {
			t.Fatalf("RegisterAdapter(%s): %v", name, err)
		}
	}
	return r
}

func TestRegisterAdapter(t *testing.T) {
	r := New()
	if err := r.RegisterAdapter("", &mockAdapter{}); err == nil || !strings.Contains(err.Error(), "name cannot be empty") {
		t.Fatalf("expected empty name error, got %v", err)
	}
	if err := r.RegisterAdapter("x", nil); err == nil || !strings.Contains(err.Error(), "cannot be nil") {
		t.Fatalf("expected nil adapter error, got %v", err)
	}
	if err := r.RegisterAdapter("x", &mockAdapter{name: "x"}); err != nil {
		t.Fatalf("RegisterAdapter: %v", err)
	}
}

func TestRegisterRoute(t *testing.T) {
	r := newTestRouter(t)
	tests := []struct {
		name    string
		pattern string
		adapter string
		wantErr bool
	}{
		{"exact", "gpt-4", "openai", false},
		{"prefix", "gpt-*", "openai", false},
		{"empty pattern", "", "openai", true},
		{"empty adapter", "gpt-4", "", true},
		{"unknown adapter", "gpt-4", "missing", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.RegisterRoute(tt.pattern, tt.adapter)
			if (err != nil) != tt.wantErr {
				t.Fatalf("RegisterRoute() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGenerateRouting(t *testing.T) {
	r := newTestRouter(t)
	_ = r.RegisterRoute("gpt-4", "openai")
	_ = r.RegisterRoute("o1-*", "openai")
	_ = r.RegisterRoute("*flash*", "google")
	_ = r.RegisterRoute("*-echo", "loopback")

	tests := []struct {
		model string
		want  string
	}{
		{"gpt-4", "openai"},
		{"GPT-4", "openai"},
		{"o1-mini", "openai"},
		{"gemini-flash", "google"},
		{"house-echo", "loopback"},
	}
	for _, tt := range tests {
		ch, err := r.Generate(context.Background(), adapter.GenerationConfig{Model: tt.model, Prompt: "hi"})
		if err != nil {
			t.Fatalf("Generate(%s): %v", tt.model, err)
		}
		if got := firstText(t, ch); got != tt.want {
			t.Fatalf("model %s routed to %s, want %s", tt.model, got, tt.want)
		}
	}
}

func TestLongestPatternWins(t *testing.T) {
	r := newTestRouter(t)
	_ = r.RegisterRoute("gpt-*", "openai")
	_ = r.RegisterRoute("gpt-4o*", "loopback")
	name, err := r.AdapterForModel("gpt-4o-mini")
	if err != nil || name != "loopback" {
		t.Fatalf("AdapterForModel = %q, %v", name, err)
	}
	name, _ = r.AdapterForModel("gpt-4")
	if name != "openai" {
		t.Fatalf("AdapterForModel(gpt-4) = %q", name)
	}
}

func TestFallbackAndNoMatch(t *testing.T) {
	r := newTestRouter(t)
	if _, err := r.Generate(context.Background(), adapter.GenerationConfig{Model: "claude", Prompt: "hi"}); err == nil {
		t.Fatal("expected error without fallback")
	}
	if err := r.SetFallback("missing"); err == nil {
		t.Fatal("expected error for unknown fallback")
	}
	if err := r.SetFallback("loopback"); err != nil {
		t.Fatalf("SetFallback: %v", err)
	}
	ch, err := r.Generate(context.Background(), adapter.GenerationConfig{Model: "claude", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got := firstText(t, ch); got != "loopback" {
		t.Fatalf("fallback routed to %s", got)
	}
}

func TestGenerateErrors(t *testing.T) {
	r := New()
	if _, err := r.Generate(context.Background(), adapter.GenerationConfig{}); err == nil {
		t.Fatal("expected error for empty model")
	}
	boom := errors.New("boom")
	_ = r.RegisterAdapter("bad", &mockAdapter{err: boom})
	_ = r.RegisterRoute("gpt-4", "bad")
	if _, err := r.Generate(context.Background(), adapter.GenerationConfig{Model: "gpt-4"}); !errors.Is(err, boom) {
		t.Fatalf("expected adapter error, got %v", err)
	}
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		model, pattern string
		want           bool
	}{
		{"gpt-4", "gpt-4", true},
		{"gpt-4", "gpt-3", false},
		{"gpt-4o", "gpt-*", true},
		{"o1-mini", "*-mini", true},
		{"gemini-flash", "*flash*", true},
		{"gemini-pro", "*flash*", false},
		{"gpt-4", "g*4", false},
	}
	for _, tt := range tests {
		if got := matchPattern(tt.model, tt.pattern); got != tt.want {
			t.Errorf("matchPattern(%q, %q) = %v, want %v", tt.model, tt.pattern, got, tt.want)
		}
	}
}

func TestListAdapters(t *testing.T) {
	r := newTestRouter(t)
	got := strings.Join(r.ListAdapters(), ",")
	if got != "google,loopback,openai" {
		t.Fatalf("ListAdapters = %s", got)
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := newTestRouter(t)
	_ = r.RegisterRoute("gpt-*", "openai")
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ch, err := r.Generate(context.Background(), adapter.GenerationConfig{Model: "gpt-4", Prompt: "x"})
			if err == nil {
				for range ch {
				}
			}
		}()
		go func() {
			defer wg.Done()
			_ = r.RegisterRoute("o1-*", "openai")
		}()
	}
	wg.Wait()
}
