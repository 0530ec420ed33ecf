package web

import (
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/inspirepan/stepchat"
)

var errStreamingUnsupported = errors.New("web: streaming unsupported")

// SSESink writes downstream events to an HTTP response as server-sent
// events, flushing after each one.
type SSESink struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

var _ stepchat.Sink = (*SSESink)(nil)

// NewSSESink sets the event-stream headers on w.
func NewSSESink(w http.ResponseWriter) (*SSESink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errStreamingUnsupported
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &SSESink{w: w, flusher: flusher}, nil
}

func (s *SSESink) Send(ev stepchat.DownstreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.w, stepchat.FormatSSE(ev)); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
