package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tokligence/credit-gateway/internal/adapter"
	"github.com/tokligence/credit-gateway/internal/openai"
)

// Ensure OpenAIAdapter implements Generator.
var _ adapter.Generator = (*OpenAIAdapter)(nil)

const (
	providerName   = "openai"
	maxErrorBody   = 64 << 10
	maxStreamLine  = 1 << 20
	streamChanSize = 16
)

// OpenAIAdapter streams completions from an OpenAI-compatible chat API.
// One instance is shared by all generations; per-call settings travel in
// adapter.GenerationConfig.
type OpenAIAdapter struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	org        string // optional organization ID
}

// Config holds configuration for the OpenAI adapter.
type Config struct {
	APIKey       string
	BaseURL      string // optional, defaults to https://api.openai.com/v1
	Organization string // optional
	// RequestTimeout bounds the wait for response headers; the body of a
	// stream is read for as long as the provider keeps sending.
	RequestTimeout time.Duration
	HTTPClient     *http.Client // optional, overrides the timeout-configured client
}

// New creates an OpenAIAdapter instance.
func New(cfg Config) (*OpenAIAdapter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: api key required")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: timeout,
				IdleConnTimeout:       90 * time.Second,
				MaxIdleConnsPerHost:   16,
			},
		}
	}

	return &OpenAIAdapter{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		org:        cfg.Organization,
		httpClient: client,
	}, nil
}

// EstimateTokens returns the cheap pre-check estimate for prompt.
func (a *OpenAIAdapter) EstimateTokens(prompt string) int {
	return adapter.EstimateTokens(prompt)
}

// Generate opens a streaming chat completion and forwards deltas on the returned channel.
func (a *OpenAIAdapter) Generate(ctx context.Context, cfg adapter.GenerationConfig) (<-chan adapter.StreamEvent, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("openai: model required")
	}
	if cfg.Prompt == "" {
		return nil, errors.New("openai: prompt required")
	}

	temperature := cfg.Temperature
	req := openai.ChatCompletionRequest{
		Model:         cfg.Model,
		Messages:      []openai.ChatMessage{{Role: "user", Content: cfg.Prompt}},
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
		Temperature:   &temperature,
		MaxTokens:     cfg.MaxTokens,
		User:          cfg.User,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	if a.org != "" {
		httpReq.Header.Set("OpenAI-Organization", a.org)
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, &adapter.ProviderError{Provider: providerName, Err: fmt.Errorf("send request: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, parseError(resp)
	}

	ch := make(chan adapter.StreamEvent, streamChanSize)
	go readStream(ctx, resp.Body, ch)
	return ch, nil
}

func parseError(resp *http.Response) error {
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	perr := &adapter.ProviderError{Provider: providerName, StatusCode: resp.StatusCode}
	var errResp openai.ErrorResponse
	if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error.Message != "" {
		perr.Message = errResp.Error.Message
		perr.Type = errResp.Error.Type
		perr.Code = errResp.Error.CodeString()
		return perr
	}
	if text := strings.TrimSpace(string(respBody)); text != "" {
		perr.Message = fmt.Sprintf("http %d: %s", resp.StatusCode, text)
	}
	return perr
}

// readStream parses "data: {json}" lines until [DONE] or EOF and closes ch.
func readStream(ctx context.Context, body io.ReadCloser, ch chan<- adapter.StreamEvent) {
	defer close(ch)
	defer body.Close()

	fail := func(err error) {
		adapter.Emit(ctx, ch, adapter.StreamEvent{Error: err})
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLine)

	var usage *openai.UsageBreakdown
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}

		var chunk openai.ChatCompletionChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			fail(&adapter.ProviderError{Provider: providerName, Err: fmt.Errorf("decode chunk: %w", err)})
			return
		}
		if chunk.Error != nil {
			fail(&adapter.ProviderError{
				Provider: providerName,
				Message:  chunk.Error.Message,
				Type:     chunk.Error.Type,
				Code:     chunk.Error.CodeString(),
			})
			return
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if text := chunk.DeltaContent(); text != "" {
			if !adapter.Emit(ctx, ch, adapter.StreamEvent{Text: text}) {
				return
			}
		}
	}
	if ctx.Err() != nil {
		return
	}
	if err := scanner.Err(); err != nil {
		fail(&adapter.ProviderError{Provider: providerName, Err: fmt.Errorf("read stream: %w", err)})
		return
	}

	if usage == nil {
		fail(fmt.Errorf("openai: %w", adapter.ErrUsageUnavailable))
		return
	}
	total := usage.TotalTokens
	if total == 0 {
		total = usage.PromptTokens + usage.CompletionTokens
	}
	if total <= 0 {
		fail(fmt.Errorf("openai: zero token usage: %w", adapter.ErrUsageUnavailable))
		return
	}
	adapter.Emit(ctx, ch, adapter.StreamEvent{Usage: &adapter.Usage{
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      total,
	}})
}
