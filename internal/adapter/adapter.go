package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var (
	// ErrProvider marks transport or upstream failures.
	ErrProvider = errors.New("adapter: provider error")
	// ErrUsageUnavailable is reported when a stream ends without a usage record.
	ErrUsageUnavailable = errors.New("adapter: usage information not available")
)

// GenerationConfig is the per-call configuration handed to a long-lived Generator.
type GenerationConfig struct {
	Model       string
	Prompt      string
	MaxTokens   int
	Temperature float64
	// User is an optional end-user tag forwarded to the provider.
	User string
}

// Usage is the provider's authoritative token count for one generation.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// StreamEvent is one item of a generation stream: a text fragment, the
// terminal usage report, or the terminal error.
type StreamEvent struct {
	Text  string
	Usage *Usage
	Error error
}

// IsError checks if this event carries an error.
func (e StreamEvent) IsError() bool {
	return e.Error != nil
}

// IsUsage checks if this is the terminal usage report.
func (e StreamEvent) IsUsage() bool {
	return e.Usage != nil
}

// Generator produces streamed text for a prompt.
//
// Generate opens one provider call per invocation. The returned channel
// yields text fragments followed by exactly one terminal event (usage or
// error) and is then closed. A consumer that stops early cancels ctx; the
// producer then closes the channel without a usage report.
type Generator interface {
	EstimateTokens(prompt string) int
	Generate(ctx context.Context, cfg GenerationConfig) (<-chan StreamEvent, error)
}

// EstimateTokens approximates token count as one token per four characters, rounded up.
func EstimateTokens(prompt string) int {
	n := utf8.RuneCountInString(prompt)
	return (n + 3) / 4
}

// Emit delivers ev unless ctx is done first. It reports whether the event was sent.
func Emit(ctx context.Context, ch chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// ProviderError describes a failed upstream call.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Type       string
	Code       string
	Err        error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	b.WriteString(": ")
	switch {
	case e.Message != "":
		b.WriteString(e.Message)
		if e.Type != "" || e.Code != "" {
			fmt.Fprintf(&b, " (type=%s, code=%s)", e.Type, e.Code)
		}
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	default:
		fmt.Fprintf(&b, "http %d", e.StatusCode)
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Is makes every ProviderError match ErrProvider.
func (e *ProviderError) Is(target error) bool { return target == ErrProvider }
