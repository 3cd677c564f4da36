package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/awschat/supervisor/agents/supervisor"
	"github.com/awschat/supervisor/client"
	"github.com/awschat/supervisor/runtime/agent/memory"
	"github.com/awschat/supervisor/runtime/agent/stream"
	"github.com/awschat/supervisor/server"
)

type fakeInvoker struct {
	mu       sync.Mutex
	events   []stream.Event
	err      error
	requests []supervisor.Request
	history  []memory.Message
	histErr  error
	limits   []int
}

func (f *fakeInvoker) Invoke(_ context.Context, req supervisor.Request, yield func(stream.Event) error) error {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	for _, ev := range f.events {
		if err := yield(ev); err != nil {
			return err
		}
	}
	return f.err
}

func (f *fakeInvoker) History(_ context.Context, sessionID string, limit int) ([]memory.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limits = append(f.limits, limit)
	return f.history, f.histErr
}

type recordingSink struct {
	mu      sync.Mutex
	session string
	events  []stream.Event
	closed  bool
	failAt  int
}

func (s *recordingSink) Send(_ context.Context, ev stream.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt > 0 && len(s.events)+1 == s.failAt {
		return errors.New("redis down")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) Close(context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

type fakeTailer struct {
	events []stream.Event
}

func (f fakeTailer) Subscribe(ctx context.Context, sessionID string, _ ...streamopts.Sink) (<-chan stream.Event, <-chan error, context.CancelFunc, error) {
	if sessionID == "" {
		return nil, nil, nil, errors.New("session id is required")
	}
	out := make(chan stream.Event, len(f.events))
	for _, ev := range f.events {
		out <- ev
	}
	close(out)
	return out, make(chan error), func() {}, nil
}

var merged = []stream.Event{
	stream.ToolUseStart{ToolName: "aws_knowledge_agent", ToolCallID: "t1"},
	stream.SubTaskProgress{Message: `Sub-agent "AWS Knowledge" was invoked`, Stage: stream.StageStart, Agent: "AWS Knowledge"},
	stream.TextDelta{Text: "S3 is ", Origin: "AWS Knowledge"},
	stream.SubTaskProgress{Message: "AWS Knowledge agent finished its research", Stage: stream.StageComplete, Agent: "AWS Knowledge"},
	stream.ToolUseStop{ToolCallID: "t1"},
	stream.TextDelta{Text: "Amazon S3 is object storage."},
}

func newServer(t *testing.T, opts server.Options) *httptest.Server {
	t.Helper()
	h, err := server.Handler(context.Background(), opts)
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func TestInvokeStreamsMergedEvents(t *testing.T) {
	inv := &fakeInvoker{events: merged}
	sink := &recordingSink{}
	srv := newServer(t, server.Options{
		Invoker: inv,
		Publish: func(session string) (stream.Sink, error) {
			sink.session = session
			return sink, nil
		},
	})

	var got []stream.Event
	err := client.New(srv.URL, nil).Invoke(context.Background(), "What is S3?", "", func(ev stream.Event) error {
		got = append(got, ev)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, merged, got)

	require.Len(t, inv.requests, 1)
	assert.Equal(t, supervisor.Request{Prompt: "What is S3?", SessionID: memory.DefaultSessionID}, inv.requests[0])
	assert.Equal(t, memory.DefaultSessionID, sink.session)
	assert.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.closed
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, merged, sink.events)
}

func TestInvokeWireFormat(t *testing.T) {
	srv := newServer(t, server.Options{Invoker: &fakeInvoker{events: merged[5:]}})

	resp, err := http.Post(srv.URL+"/invocations", "application/json",
		bytes.NewBufferString(`{"input":{"prompt":"hi","session_id":"s1"}}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Equal(t,
		"event: text_delta\ndata: {\"text\":\"Amazon S3 is object storage.\"}\n\n"+
			"event: done\ndata: {}\n\n",
		buf.String())
}

func TestInvokeFailureAfterStart(t *testing.T) {
	inv := &fakeInvoker{events: merged[:1], err: errors.New("primary stream: throttled")}
	srv := newServer(t, server.Options{Invoker: inv})

	var got []stream.Event
	err := client.New(srv.URL, nil).Invoke(context.Background(), "hi", "s1", func(ev stream.Event) error {
		got = append(got, ev)
		return nil
	})
	var remote *client.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "primary stream: throttled", remote.Message)
	assert.Len(t, got, 1)
}

func TestInvokeRejectsBadRequests(t *testing.T) {
	srv := newServer(t, server.Options{Invoker: &fakeInvoker{}})
	c := client.New(srv.URL, nil)

	err := c.Invoke(context.Background(), "   ", "s1", func(stream.Event) error { return nil })
	var remote *client.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, http.StatusBadRequest, remote.Status)
	assert.Equal(t, supervisor.ErrEmptyPrompt.Error(), remote.Message)

	resp, err := http.Post(srv.URL+"/invocations", "application/json", bytes.NewBufferString("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body map[string]map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body["error"]["message"], "invalid request body")
}

func TestPublishFailureDoesNotBreakStream(t *testing.T) {
	sink := &recordingSink{failAt: 2}
	srv := newServer(t, server.Options{
		Invoker: &fakeInvoker{events: merged},
		Publish: func(string) (stream.Sink, error) { return sink, nil },
	})

	var n int
	err := client.New(srv.URL, nil).Invoke(context.Background(), "hi", "s1", func(stream.Event) error {
		n++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, len(merged), n)
	assert.Len(t, sink.events, 1)
}

func TestPublishOpenFailureIsIgnored(t *testing.T) {
	srv := newServer(t, server.Options{
		Invoker: &fakeInvoker{events: merged},
		Publish: func(string) (stream.Sink, error) { return nil, errors.New("no stream") },
	})
	err := client.New(srv.URL, nil).Invoke(context.Background(), "hi", "s1", func(stream.Event) error { return nil })
	require.NoError(t, err)
}

func TestHistory(t *testing.T) {
	inv := &fakeInvoker{history: []memory.Message{
		{Role: memory.RoleUser, Content: "What is S3?"},
		{Role: memory.RoleAssistant, Content: "Object storage."},
	}}
	srv := newServer(t, server.Options{Invoker: inv})

	resp, err := http.Post(srv.URL+"/history", "application/json", bytes.NewBufferString(`{"input":{"session_id":"s1","limit":4}}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		SessionID string           `json:"session_id"`
		History   []memory.Message `json:"history"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "s1", body.SessionID)
	assert.Equal(t, inv.history, body.History)
	assert.Equal(t, []int{4}, inv.limits)

	msgs, err := client.New(srv.URL, nil).History(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Equal(t, inv.history, msgs)
}

func TestHistoryFailure(t *testing.T) {
	srv := newServer(t, server.Options{Invoker: &fakeInvoker{histErr: errors.New("load history: mongo down")}})

	_, err := client.New(srv.URL, nil).History(context.Background(), "s1", 0)
	var remote *client.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, http.StatusInternalServerError, remote.Status)
	assert.Equal(t, "load history: mongo down", remote.Message)
}

func TestPing(t *testing.T) {
	srv := newServer(t, server.Options{Invoker: &fakeInvoker{}})
	resp, err := http.Get(srv.URL + "/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTail(t *testing.T) {
	srv := newServer(t, server.Options{Invoker: &fakeInvoker{}, Tailer: fakeTailer{events: merged[:2]}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var got []stream.Event
	err := client.New(srv.URL, nil).Tail(ctx, "s1", func(ev stream.Event) error {
		got = append(got, ev)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, merged[:2], got)
}

func TestTailUnmountedWithoutTailer(t *testing.T) {
	srv := newServer(t, server.Options{Invoker: &fakeInvoker{}})
	resp, err := http.Get(srv.URL + "/sessions/s1/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandlerRequiresInvoker(t *testing.T) {
	_, err := server.Handler(context.Background(), server.Options{})
	assert.ErrorContains(t, err, "invoker is required")
}
