package openai

// ChatCompletionChunk represents a chunk in an SSE streaming response.
// With stream_options.include_usage the final chunk has no choices and a non-nil Usage.
type ChatCompletionChunk struct {
	ID      string                      `json:"id"`
	Object  string                      `json:"object"`
	Created int64                       `json:"created"`
	Model   string                      `json:"model"`
	Choices []ChatCompletionChunkChoice `json:"choices"`
	Usage   *UsageBreakdown             `json:"usage,omitempty"`
	Error   *ErrorDetail                `json:"error,omitempty"`
}

// ChatCompletionChunkChoice represents a choice in a streaming chunk.
type ChatCompletionChunkChoice struct {
	Index        int              `json:"index"`
	Delta        ChatMessageDelta `json:"delta"`
	FinishReason *string          `json:"finish_reason"`
}

// ChatMessageDelta represents the incremental content in a stream chunk.
type ChatMessageDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// DeltaContent returns the text carried by the first choice, if any.
func (c *ChatCompletionChunk) DeltaContent() string {
	if len(c.Choices) > 0 {
		return c.Choices[0].Delta.Content
	}
	return ""
}

// FinishReason returns the first choice's finish reason, if set.
func (c *ChatCompletionChunk) FinishReason() *string {
	if len(c.Choices) > 0 {
		return c.Choices[0].FinishReason
	}
	return nil
}
