package testutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
)

// Upstream is a fake provider endpoint on the IPv4 loopback. It counts the
// requests it receives and shuts itself down when the test ends.
type Upstream struct {
	URL string

	hits   atomic.Int64
	server *http.Server
	client *http.Client
	once   sync.Once
}

// NewUpstream serves handler on 127.0.0.1. The test is skipped when tcp4
// loopback is unavailable in the sandbox.
func NewUpstream(t *testing.T, handler http.Handler) *Upstream {
	t.Helper()
	if handler == nil {
		handler = http.NotFoundHandler()
	}
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("tcp4 loopback unavailable: %v", err)
	}
	u := &Upstream{
		URL:    "http://" + l.Addr().String(),
		client: &http.Client{Transport: &http.Transport{}},
	}
	u.server = &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		handler.ServeHTTP(w, r)
	})}
	go func() {
		if err := u.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logf("upstream serve: %v", err)
		}
	}()
	t.Cleanup(u.Close)
	return u
}

// Client returns a client with its own transport, so idle connections die
// with the server.
func (u *Upstream) Client() *http.Client { return u.client }

// Hits reports how many requests reached the handler.
func (u *Upstream) Hits() int64 { return u.hits.Load() }

// Close stops the server. It is safe to call more than once.
func (u *Upstream) Close() {
	u.once.Do(func() {
		_ = u.server.Shutdown(context.Background())
		u.client.CloseIdleConnections()
	})
}

// Status replies to every request with code and a JSON error body in the
// provider's shape.
func Status(code int, message string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		fmt.Fprintf(w, `{"error":{"message":%q}}`, message)
	})
}
