package fallback

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tokligence/credit-gateway/internal/adapter"
)

// Ensure FallbackAdapter implements Generator.
var _ adapter.Generator = (*FallbackAdapter)(nil)

// FallbackAdapter wraps one or more generators and retries opening the
// stream, moving on to the next generator once retries are exhausted. Only
// failures before the stream opens are retried: once fragments flow, the
// stream belongs to the caller and is never replayed.
type FallbackAdapter struct {
	adapters   []adapter.Generator
	retryCount int
	retryDelay time.Duration
}

// Config holds configuration for the FallbackAdapter.
type Config struct {
	Adapters   []adapter.Generator
	RetryCount int           // number of retries per adapter (default: 2)
	RetryDelay time.Duration // delay between retries (default: 1s)
}

// New creates a new FallbackAdapter.
func New(cfg Config) (*FallbackAdapter, error) {
	if len(cfg.Adapters) == 0 {
		return nil, errors.New("fallback: at least one adapter required")
	}
	for i, g := range cfg.Adapters {
		if g == nil {
			return nil, fmt.Errorf("fallback: adapter %d is nil", i)
		}
	}

	retryCount := cfg.RetryCount
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount == 0 {
		retryCount = 2
	}

	retryDelay := cfg.RetryDelay
	if retryDelay == 0 {
		retryDelay = time.Second
	}

	return &FallbackAdapter{
		adapters:   cfg.Adapters,
		retryCount: retryCount,
		retryDelay: retryDelay,
	}, nil
}

// EstimateTokens delegates to the primary adapter.
func (f *FallbackAdapter) EstimateTokens(prompt string) int {
	return f.adapters[0].EstimateTokens(prompt)
}

// Generate opens a stream on the first adapter that accepts the call.
func (f *FallbackAdapter) Generate(ctx context.Context, cfg adapter.GenerationConfig) (<-chan adapter.StreamEvent, error) {
	var lastErr error
	attempts := 0

	for adapterIdx, g := range f.adapters {
		for attempt := 0; attempt <= f.retryCount; attempt++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			ch, err := g.Generate(ctx, cfg)
			if err == nil {
				return ch, nil
			}
			attempts++
			lastErr = err

			isLastAdapter := adapterIdx == len(f.adapters)-1
			if (isLastAdapter && attempt == f.retryCount) || !IsRetryable(err) {
				break
			}
			if attempt < f.retryCount {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(f.retryDelay):
				}
			}
		}
	}

	return nil, fmt.Errorf("fallback: all adapters failed after %d attempts: %w", attempts, lastErr)
}

// IsRetryable reports whether a failed stream open may succeed on retry:
// transport failures, rate limits and 5xx responses.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var perr *adapter.ProviderError
	if errors.As(err, &perr) {
		switch {
		case perr.StatusCode == http.StatusTooManyRequests:
			return true
		case perr.StatusCode >= 500:
			return true
		case perr.StatusCode >= 400:
			return false
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"timeout", "connection refused", "connection reset", "no such host", "temporary failure"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
