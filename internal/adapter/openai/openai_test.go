package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/tokligence/credit-gateway/internal/adapter"
	"github.com/tokligence/credit-gateway/internal/openai"
	"github.com/tokligence/credit-gateway/internal/testutil"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
		wantURL string
	}{
		{
			name: "valid config with all fields",
			cfg: Config{
				APIKey:         "sk-test123",
				BaseURL:        "https://bothub.chat/api/v2/openai/v1/",
				Organization:   "org-123",
				RequestTimeout: 30 * time.Second,
			},
			wantURL: "https://bothub.chat/api/v2/openai/v1",
		},
		{
			name:    "valid config with minimal fields",
			cfg:     Config{APIKey: "sk-test123"},
			wantURL: "https://api.openai.com/v1",
		},
		{
			name:    "missing api key",
			cfg:     Config{BaseURL: "https://api.openai.com/v1"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := New(tt.cfg)
			if tt.wantErr {
				if err == nil || !strings.Contains(err.Error(), "api key required") {
					t.Fatalf("New() error = %v, want api key error", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("New() unexpected error = %v", err)
			}
			if a.baseURL != tt.wantURL {
				t.Errorf("adapter.baseURL = %q, want %q", a.baseURL, tt.wantURL)
			}
			if a.org != tt.cfg.Organization {
				t.Errorf("adapter.org = %q, want %q", a.org, tt.cfg.Organization)
			}
		})
	}
}

func collect(t *testing.T, ch <-chan adapter.StreamEvent) (string, *adapter.Usage, error) {
	t.Helper()
	var text strings.Builder
	var usage *adapter.Usage
	var streamErr error
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return text.String(), usage, streamErr
			}
			switch {
			case ev.IsError():
				streamErr = ev.Error
			case ev.IsUsage():
				usage = ev.Usage
			default:
				text.WriteString(ev.Text)
			}
		case <-timeout:
			t.Fatalf("stream did not close")
		}
	}
}

func TestGenerateStreamsFragmentsAndUsage(t *testing.T) {
	var got openai.ChatCompletionRequest
	server := testutil.NewUpstream(t, testutil.SSEScript{
		OnRequest: func(r *http.Request) {
			if r.URL.Path != "/chat/completions" {
				t.Errorf("unexpected path %s", r.URL.Path)
			}
			if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
				t.Errorf("Authorization = %q", auth)
			}
			if accept := r.Header.Get("Accept"); accept != "text/event-stream" {
				t.Errorf("Accept = %q", accept)
			}
			if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
				t.Errorf("decode request: %v", err)
			}
		},
		Lines: []string{
			`: keep-alive`,
			`data: {"id":"c1","object":"chat.completion.chunk","model":"gpt-4","choices":[{"index":0,"delta":{"role":"assistant","content":""}}]}`,
			`data: {"id":"c1","object":"chat.completion.chunk","model":"gpt-4","choices":[{"index":0,"delta":{"content":"Hello"}}]}`,
			`data: {"id":"c1","object":"chat.completion.chunk","model":"gpt-4","choices":[{"index":0,"delta":{"content":" world"},"finish_reason":"stop"}]}`,
			`data: {"id":"c1","object":"chat.completion.chunk","model":"gpt-4","choices":[],"usage":{"prompt_tokens":4,"completion_tokens":2,"total_tokens":6}}`,
			`data: [DONE]`,
		},
	})
	defer server.Close()

	a, err := New(Config{APIKey: "sk-test", BaseURL: server.URL, HTTPClient: server.Client()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ch, err := a.Generate(context.Background(), adapter.GenerationConfig{
		Model:       "gpt-4",
		Prompt:      "Say hello",
		MaxTokens:   2048,
		Temperature: 0.7,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	text, usage, streamErr := collect(t, ch)
	if streamErr != nil {
		t.Fatalf("unexpected stream error: %v", streamErr)
	}
	if text != "Hello world" {
		t.Fatalf("text = %q", text)
	}
	if usage == nil || usage.TotalTokens != 6 || usage.PromptTokens != 4 || usage.CompletionTokens != 2 {
		t.Fatalf("unexpected usage %+v", usage)
	}

	if !got.Stream || got.StreamOptions == nil || !got.StreamOptions.IncludeUsage {
		t.Fatalf("expected streaming request with usage, got %+v", got)
	}
	if got.MaxTokens != 2048 || got.Temperature == nil || *got.Temperature != 0.7 {
		t.Fatalf("unexpected generation settings %+v", got)
	}
	if len(got.Messages) != 1 || got.Messages[0].Role != "user" || got.Messages[0].Content != "Say hello" {
		t.Fatalf("unexpected messages %+v", got.Messages)
	}
}

func TestGenerateWithoutUsageReportsUnavailable(t *testing.T) {
	server := testutil.NewUpstream(t, testutil.SSEScript{Lines: []string{
		`data: {"choices":[{"index":0,"delta":{"content":"partial"}}]}`,
		`data: [DONE]`,
	}})
	defer server.Close()

	a, _ := New(Config{APIKey: "sk-test", BaseURL: server.URL, HTTPClient: server.Client()})
	ch, err := a.Generate(context.Background(), adapter.GenerationConfig{Model: "gpt-4", Prompt: "x"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	text, usage, streamErr := collect(t, ch)
	if text != "partial" {
		t.Fatalf("text = %q", text)
	}
	if usage != nil {
		t.Fatalf("expected no usage, got %+v", usage)
	}
	if !errors.Is(streamErr, adapter.ErrUsageUnavailable) {
		t.Fatalf("expected ErrUsageUnavailable, got %v", streamErr)
	}
}

func TestGenerateMidStreamError(t *testing.T) {
	server := testutil.NewUpstream(t, testutil.SSEScript{Lines: []string{
		`data: {"choices":[{"index":0,"delta":{"content":"Hel"}}]}`,
		`data: {"error":{"message":"upstream overloaded","type":"server_error","code":503}}`,
	}})
	defer server.Close()

	a, _ := New(Config{APIKey: "sk-test", BaseURL: server.URL, HTTPClient: server.Client()})
	ch, err := a.Generate(context.Background(), adapter.GenerationConfig{Model: "gpt-4", Prompt: "x"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	_, usage, streamErr := collect(t, ch)
	if usage != nil {
		t.Fatalf("unexpected usage %+v", usage)
	}
	var perr *adapter.ProviderError
	if !errors.As(streamErr, &perr) {
		t.Fatalf("expected ProviderError, got %v", streamErr)
	}
	if perr.Message != "upstream overloaded" || perr.Code != "503" {
		t.Fatalf("unexpected provider error %+v", perr)
	}
}

func TestGenerateHTTPError(t *testing.T) {
	server := testutil.NewUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid API key","type":"invalid_request_error","code":"invalid_api_key"}}`))
	}))
	defer server.Close()

	a, _ := New(Config{APIKey: "sk-bad", BaseURL: server.URL, HTTPClient: server.Client()})
	_, err := a.Generate(context.Background(), adapter.GenerationConfig{Model: "gpt-4", Prompt: "x"})
	if !errors.Is(err, adapter.ErrProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
	var perr *adapter.ProviderError
	if !errors.As(err, &perr) || perr.StatusCode != http.StatusUnauthorized || perr.Code != "invalid_api_key" {
		t.Fatalf("unexpected provider error %+v", perr)
	}
}

func TestGenerateNonJSONError(t *testing.T) {
	server := testutil.NewUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer server.Close()

	a, _ := New(Config{APIKey: "sk-test", BaseURL: server.URL, HTTPClient: server.Client()})
	_, err := a.Generate(context.Background(), adapter.GenerationConfig{Model: "gpt-4", Prompt: "x"})
	if err == nil || !strings.Contains(err.Error(), "http 502: bad gateway") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestGenerateCancelClosesWithoutUsage(t *testing.T) {
	lines := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		lines = append(lines, `data: {"choices":[{"index":0,"delta":{"content":"tick "}}]}`)
	}
	server := testutil.NewUpstream(t, testutil.SSEScript{Lines: lines, Delay: 20 * time.Millisecond})
	defer server.Close()

	a, _ := New(Config{APIKey: "sk-test", BaseURL: server.URL, HTTPClient: server.Client()})
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := a.Generate(ctx, adapter.GenerationConfig{Model: "gpt-4", Prompt: "x"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	first := <-ch
	if first.Text != "tick " {
		t.Fatalf("unexpected first event %+v", first)
	}
	cancel()
	for ev := range ch {
		if ev.IsUsage() {
			t.Fatalf("unexpected usage after cancel")
		}
	}
}

func TestGenerateValidatesInput(t *testing.T) {
	a, _ := New(Config{APIKey: "sk-test"})
	if _, err := a.Generate(context.Background(), adapter.GenerationConfig{Prompt: "x"}); err == nil {
		t.Fatalf("expected error for missing model")
	}
	if _, err := a.Generate(context.Background(), adapter.GenerationConfig{Model: "gpt-4"}); err == nil {
		t.Fatalf("expected error for empty prompt")
	}
	if a.EstimateTokens("abcdefgh") != 2 {
		t.Fatalf("unexpected estimate")
	}
}
