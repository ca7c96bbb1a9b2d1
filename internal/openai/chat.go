package openai

import "fmt"

// ChatCompletionRequest captures the subset of OpenAI's request used for streamed generation.
type ChatCompletionRequest struct {
	Model         string         `json:"model"`
	Messages      []ChatMessage  `json:"messages"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *StreamOptions `json:"stream_options,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	User          string         `json:"user,omitempty"`
}

// StreamOptions asks the provider to append a usage-only chunk to the stream.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// ChatMessage follows OpenAI's role/content schema (plain text only).
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UsageBreakdown is the provider's token accounting for one completion.
type UsageBreakdown struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ErrorResponse is the error body returned by OpenAI-compatible APIs.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the provider's error description. Code may be a string or a number.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

// CodeString renders Code for logs and error messages.
func (d ErrorDetail) CodeString() string {
	if d.Code == nil {
		return ""
	}
	return fmt.Sprint(d.Code)
}
