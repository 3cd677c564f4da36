package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/awschat/supervisor/runtime/agent/stream"
)

// eventWriter frames events as text/event-stream records and flushes each
// one. Writers that cannot flush, even through wrapping middleware, still
// receive every record, buffered until the handler returns.
type eventWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newEventWriter(w http.ResponseWriter) *eventWriter {
	return &eventWriter{w: w, rc: http.NewResponseController(w)}
}

func (e *eventWriter) flush() {
	_ = e.rc.Flush()
}

func (e *eventWriter) start() {
	h := e.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	e.w.WriteHeader(http.StatusOK)
	e.flush()
}

func (e *eventWriter) event(ev stream.Event) error {
	return e.raw(string(ev.Type()), ev.Payload())
}

func (e *eventWriter) raw(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", name, err)
	}
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	e.flush()
	return nil
}
