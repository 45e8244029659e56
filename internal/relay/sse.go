package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/auxothq/toolhost/pkg/protocol"
)

// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush.
var ErrStreamingUnsupported = errors.New("streaming not supported")

// SSE writes frames as "data: <json>\n\n" events.
type SSE struct {
	w       http.ResponseWriter
	flusher http.Flusher
	logger  *slog.Logger

	mu       sync.Mutex
	closed   bool
	terminal bool

	once sync.Once
	done chan struct{}
}

// NewSSE writes the event-stream headers and a 200 status, flushes them, and
// starts watching r for client disconnect.
func NewSSE(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (*SSE, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s := &SSE{
		w:       w,
		flusher: flusher,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go func() {
		select {
		case <-r.Context().Done():
			s.logger.Debug("sse client disconnected")
			s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

// Send writes one frame and flushes it.
func (s *SSE) Send(f protocol.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.terminal {
		return nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding %s frame: %w", f.Type, err)
	}
	if f.Terminal() {
		s.terminal = true
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		s.logger.Debug("sse write failed", "error", err)
		s.closed = true
		return nil
	}
	s.flusher.Flush()
	return nil
}

// Close stops all further writes.
func (s *SSE) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
	})
}

// Done implements Relay.
func (s *SSE) Done() <-chan struct{} { return s.done }
