package session

import (
	"sync"
	"sync/atomic"
)

// CancelToken is the cooperative cancellation flag shared between the
// streaming loop and abort requests. It is safe for concurrent use.
type CancelToken struct {
	cancelled atomic.Bool
	once      sync.Once
	done      chan struct{}
}

func newCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel sets the flag. Repeated calls are no-ops.
func (t *CancelToken) Cancel() {
	t.once.Do(func() {
		t.cancelled.Store(true)
		close(t.done)
	})
}

// Cancelled reports whether Cancel has been called.
func (t *CancelToken) Cancelled() bool {
	return t.cancelled.Load()
}

// Done is closed once the token is cancelled.
func (t *CancelToken) Done() <-chan struct{} {
	return t.done
}
