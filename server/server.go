// Package server exposes the supervisor over HTTP. Invocations stream the
// merged event sequence as server-sent events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/awschat/supervisor/agents/supervisor"
	"github.com/awschat/supervisor/runtime/agent/memory"
	"github.com/awschat/supervisor/runtime/agent/stream"
	"github.com/awschat/supervisor/runtime/agent/telemetry"
)

// EventDone and EventError are the SSE event names that end a stream.
const (
	EventDone  = "done"
	EventError = "error"
)

type (
	// Invoker runs invocations and reads session history.
	Invoker interface {
		Invoke(ctx context.Context, req supervisor.Request, yield func(stream.Event) error) error
		History(ctx context.Context, sessionID string, limit int) ([]memory.Message, error)
	}

	// Tailer follows the published events of a session.
	Tailer interface {
		Subscribe(ctx context.Context, sessionID string, opts ...streamopts.Sink) (<-chan stream.Event, <-chan error, context.CancelFunc, error)
	}

	// Options configures the HTTP handler.
	Options struct {
		// Invoker serves /invocations and /history. Required.
		Invoker Invoker
		// Publish opens the sink that receives a copy of every event of the
		// session. Nil disables publication.
		Publish func(sessionID string) (stream.Sink, error)
		// Tailer serves /sessions/{session_id}/events. Nil leaves the
		// endpoint unmounted.
		Tailer Tailer
		// Pingers report dependency health on /ping.
		Pingers []health.Pinger
		// Debug mounts the pprof and log-level endpoints.
		Debug  bool
		Logger telemetry.Logger
	}

	// Server holds the HTTP handlers.
	Server struct {
		invoker Invoker
		publish func(string) (stream.Sink, error)
		tailer  Tailer
		logger  telemetry.Logger
	}

	invokeBody struct {
		Input struct {
			Prompt    string `json:"prompt"`
			SessionID string `json:"session_id"`
		} `json:"input"`
	}

	historyBody struct {
		Input struct {
			SessionID string `json:"session_id"`
			Limit     int    `json:"limit"`
		} `json:"input"`
	}

	historyResponse struct {
		SessionID string           `json:"session_id"`
		History   []memory.Message `json:"history"`
	}

	errorBody struct {
		Error errorMessage `json:"error"`
	}

	errorMessage struct {
		Message string `json:"message"`
	}
)

// New returns the server handlers.
func New(opts Options) (*Server, error) {
	if opts.Invoker == nil {
		return nil, errors.New("invoker is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Server{invoker: opts.Invoker, publish: opts.Publish, tailer: opts.Tailer, logger: logger}, nil
}

// Handler builds the routed handler. ctx carries the clue logger used by the
// request logging middleware.
func Handler(ctx context.Context, opts Options) (http.Handler, error) {
	s, err := New(opts)
	if err != nil {
		return nil, err
	}
	mux := goahttp.NewMuxer()
	if opts.Debug {
		debug.MountPprofHandlers(debug.Adapt(mux))
		debug.MountDebugLogEnabler(debug.Adapt(mux))
	}
	s.Mount(mux, health.Handler(health.NewChecker(opts.Pingers...)))

	var handler http.Handler = mux
	if opts.Debug {
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(ctx)(handler)
	return handler, nil
}

// Mount registers the routes on mux.
func (s *Server) Mount(mux goahttp.Muxer, ping http.HandlerFunc) {
	mux.Handle(http.MethodPost, "/invocations", s.handleInvoke)
	mux.Handle(http.MethodPost, "/history", s.handleHistory)
	if ping != nil {
		mux.Handle(http.MethodGet, "/ping", ping)
	}
	if s.tailer != nil {
		mux.Handle(http.MethodGet, "/sessions/{session_id}/events", s.handleTail)
	}
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body invokeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if strings.TrimSpace(body.Input.Prompt) == "" {
		writeError(w, http.StatusBadRequest, supervisor.ErrEmptyPrompt)
		return
	}
	session := memory.SessionOrDefault(body.Input.SessionID)
	sse := newEventWriter(w)

	var (
		sink stream.Sink
		err  error
	)
	if s.publish != nil {
		if sink, err = s.publish(session); err != nil {
			s.logger.Warn(ctx, "event publication disabled", "session_id", session, "err", err)
			sink = nil
		}
	}
	if sink != nil {
		defer func(sink stream.Sink) {
			if err := sink.Close(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn(ctx, "close event sink", "session_id", session, "err", err)
			}
		}(sink)
	}

	sse.start()
	req := supervisor.Request{Prompt: body.Input.Prompt, SessionID: session}
	err = s.invoker.Invoke(ctx, req, func(ev stream.Event) error {
		if err := sse.event(ev); err != nil {
			return err
		}
		if sink != nil {
			if err := sink.Send(ctx, ev); err != nil {
				s.logger.Warn(ctx, "publish event", "session_id", session, "err", err)
				sink = nil // stop publishing, keep streaming
			}
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error(ctx, "invocation failed", "session_id", session, "err", err)
		_ = sse.raw(EventError, errorMessage{Message: err.Error()})
		return
	}
	_ = sse.raw(EventDone, struct{}{})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	var body historyBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	session := memory.SessionOrDefault(body.Input.SessionID)
	msgs, err := s.invoker.History(r.Context(), session, body.Input.Limit)
	if err != nil {
		s.logger.Error(r.Context(), "history failed", "session_id", session, "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{SessionID: session, History: msgs})
}

func (s *Server) handleTail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session := goahttp.Vars(r)["session_id"]
	events, errs, cancel, err := s.tailer.Subscribe(ctx, session)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	defer cancel()
	sse := newEventWriter(w)
	sse.start()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if ok && err != nil {
				s.logger.Warn(ctx, "tail failed", "session_id", session, "err", err)
				_ = sse.raw(EventError, errorMessage{Message: err.Error()})
				return
			}
			errs = nil
		case ev, ok := <-events:
			if !ok {
				_ = sse.raw(EventDone, struct{}{})
				return
			}
			if err := sse.event(ev); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: errorMessage{Message: err.Error()}})
}
