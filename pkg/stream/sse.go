package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
)

// SSEWriter writes frames as Server-Sent Events:
//
//	event: TASK_UPDATE
//	data: {"id":"T1","name":"...","progress":40,"status":"IN_PROGRESS"}
//
// Headers are sent with the first frame and every frame is flushed.
type SSEWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started sync.Once
}

// NewSSEWriter wraps w.
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	return &SSEWriter{w: w, rc: http.NewResponseController(w)}
}

// Start sends the SSE response headers. WriteFrame calls it implicitly.
func (s *SSEWriter) Start() {
	s.started.Do(func() {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no") // Disable nginx buffering
		s.w.WriteHeader(http.StatusOK)
	})
}

// WriteFrame implements FrameWriter.
func (s *SSEWriter) WriteFrame(f Frame) error {
	data, err := json.Marshal(f.Data)
	if err != nil {
		return fmt.Errorf("encoding %s frame: %w", f.Type, err)
	}

	s.Start()
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", f.Type, data); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
