package testutil

import (
	"fmt"
	"net/http"
	"time"
)

// SSEScript serves each line as one server-sent event, flushing after every
// write and sleeping Delay between events. Lines are written verbatim, so
// callers include the "data: " prefix.
type SSEScript struct {
	Lines []string
	Delay time.Duration
	// OnRequest, when set, inspects the incoming request before streaming.
	OnRequest func(r *http.Request)
}

func (s SSEScript) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.OnRequest != nil {
		s.OnRequest(r)
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	for _, line := range s.Lines {
		select {
		case <-r.Context().Done():
			return
		default:
		}
		fmt.Fprintf(w, "%s\n\n", line)
		flusher.Flush()
		if s.Delay > 0 {
			time.Sleep(s.Delay)
		}
	}
}
