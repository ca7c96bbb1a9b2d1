package loopback

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/tokligence/credit-gateway/internal/adapter"
)

// Ensure LoopbackAdapter implements Generator.
var _ adapter.Generator = (*LoopbackAdapter)(nil)

// LoopbackAdapter echoes the prompt back word by word. It is used for local
// runs without a provider key and for exercising the session pipeline.
type LoopbackAdapter struct {
	// Delay is slept before each fragment.
	Delay time.Duration
}

// New creates a LoopbackAdapter instance.
func New() *LoopbackAdapter {
	return &LoopbackAdapter{}
}

// EstimateTokens uses the shared four-characters-per-token estimate.
func (a *LoopbackAdapter) EstimateTokens(prompt string) int {
	return adapter.EstimateTokens(prompt)
}

// Generate fabricates a deterministic stream for testing the gateway pipeline.
func (a *LoopbackAdapter) Generate(ctx context.Context, cfg adapter.GenerationConfig) (<-chan adapter.StreamEvent, error) {
	prompt := strings.TrimSpace(cfg.Prompt)
	if prompt == "" {
		return nil, errors.New("loopback: prompt required")
	}
	reply := "[loopback] " + prompt
	fragments := Fragments(reply)
	if cfg.MaxTokens > 0 && len(fragments) > cfg.MaxTokens {
		fragments = fragments[:cfg.MaxTokens]
	}

	ch := make(chan adapter.StreamEvent)
	go func() {
		defer close(ch)
		completion := 0
		for _, f := range fragments {
			if a.Delay > 0 {
				select {
				case <-time.After(a.Delay):
				case <-ctx.Done():
					return
				}
			}
			if !adapter.Emit(ctx, ch, adapter.StreamEvent{Text: f}) {
				return
			}
			completion++
		}
		promptTokens := adapter.EstimateTokens(cfg.Prompt)
		adapter.Emit(ctx, ch, adapter.StreamEvent{Usage: &adapter.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completion,
			TotalTokens:      promptTokens + completion,
		}})
	}()
	return ch, nil
}

// Fragments splits text into words, keeping the separating space on every
// fragment after the first so that concatenation restores the input.
func Fragments(text string) []string {
	words := strings.Fields(text)
	out := make([]string, 0, len(words))
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		out = append(out, w)
	}
	return out
}
