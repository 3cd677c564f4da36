package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awschat/supervisor/agents/subagent"
	"github.com/awschat/supervisor/runtime/agent/memory"
	"github.com/awschat/supervisor/runtime/agent/model"
	"github.com/awschat/supervisor/runtime/agent/model/modeltest"
	"github.com/awschat/supervisor/runtime/agent/relay"
	"github.com/awschat/supervisor/runtime/agent/stream"
)

type (
	fakeAgent struct {
		mu     sync.Mutex
		relays []*relay.Relay
	}

	failingStore struct{ memory.Store }

	// brokenAgent runs open through its relay; it shares fakeAgent's names.
	brokenAgent struct {
		fakeAgent
		open relay.OpenFunc
	}
)

func (a *fakeAgent) ToolName() string    { return "fake_agent" }
func (a *fakeAgent) DisplayName() string { return "Fake" }
func (a *fakeAgent) Description() string { return "answers everything" }

func (a *fakeAgent) Query(ctx context.Context, r *relay.Relay, q string) string {
	a.mu.Lock()
	a.relays = append(a.relays, r)
	a.mu.Unlock()
	return r.Run(ctx, func(context.Context) (stream.Source, func(), error) {
		return stream.FromSlice(
			stream.ToolUseStart{ToolName: "lookup", ToolCallID: "inner"},
			stream.TextDelta{Text: "sub:" + q},
		), nil, nil
	})
}

func (a *brokenAgent) Query(ctx context.Context, r *relay.Relay, _ string) string {
	return r.Run(ctx, a.open)
}

func (failingStore) AppendTurn(context.Context, string, memory.Turn) error {
	return errors.New("store down")
}

func (failingStore) LastTurns(context.Context, string, int) ([]memory.Turn, error) {
	return nil, errors.New("store down")
}

// delegatingClient asks the sub-agent once, then answers with its result.
func delegatingClient() *modeltest.Client {
	c := modeltest.NewClient()
	c.Route = func(req *model.Request) []model.Chunk {
		if res := modeltest.LastToolResult(*req); res != "" {
			return modeltest.TextTurn("answer ", "from ", res)
		}
		q := req.Messages[len(req.Messages)-1].Text()
		q = q[strings.LastIndex(q, "\n")+1:]
		return modeltest.ToolTurn("t1", "fake_agent", fmt.Sprintf(`{"query":%q}`, q))
	}
	return c
}

func collect(t *testing.T, s *Supervisor, req Request) ([]stream.Event, error) {
	t.Helper()
	var events []stream.Event
	err := s.Invoke(context.Background(), req, func(ev stream.Event) error {
		events = append(events, ev)
		return nil
	})
	return events, err
}

func TestInvokeMergesSubAgentEvents(t *testing.T) {
	agent := &fakeAgent{}
	mem := memory.NewInMem()
	s, err := New(Config{Client: delegatingClient(), Agents: []subagent.Agent{agent}, Memory: mem})
	require.NoError(t, err)

	events, err := collect(t, s, Request{Prompt: "q1", SessionID: "s1"})
	require.NoError(t, err)

	var stages []stream.Stage
	var primaryText, subText strings.Builder
	startIdx, toolStartIdx := -1, -1
	for i, ev := range events {
		switch e := ev.(type) {
		case stream.SubTaskProgress:
			stages = append(stages, e.Stage)
			if e.Stage == stream.StageStart {
				startIdx = i
			}
		case stream.ToolUseStart:
			if e.ToolName == "fake_agent" && toolStartIdx < 0 {
				toolStartIdx = i
			}
		case stream.TextDelta:
			if e.Origin == "" && !e.ToolInput {
				primaryText.WriteString(e.Text)
			}
			if e.Origin == "Fake" {
				subText.WriteString(e.Text)
			}
		}
	}
	assert.Equal(t, []stream.Stage{stream.StageStart, stream.StageToolUse, stream.StageComplete}, stages)
	assert.Greater(t, startIdx, toolStartIdx, "sub-agent start follows the supervisor tool call")
	assert.Equal(t, "answer from sub:q1", primaryText.String())
	assert.Equal(t, "sub:q1", subText.String())

	turns, err := mem.LastTurns(context.Background(), "s1", 10)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, memory.Turn{User: "q1", Assistant: "answer from sub:q1", CreatedAt: turns[0].CreatedAt}, turns[0])
}

func TestInvokeDetachesRelays(t *testing.T) {
	agent := &fakeAgent{}
	s, err := New(Config{Client: delegatingClient(), Agents: []subagent.Agent{agent}})
	require.NoError(t, err)

	_, err = collect(t, s, Request{Prompt: "q"})
	require.NoError(t, err)
	_, err = collect(t, s, Request{Prompt: "q"})
	require.NoError(t, err)

	require.Len(t, agent.relays, 2)
	assert.NotSame(t, agent.relays[0], agent.relays[1])
	for _, r := range agent.relays {
		assert.Nil(t, r.Channel())
	}
}

func TestInvokePrimaryFailure(t *testing.T) {
	agent := &fakeAgent{}
	llm := modeltest.NewClient()
	llm.Err = model.ErrRateLimited
	mem := memory.NewInMem()
	s, err := New(Config{Client: llm, Agents: []subagent.Agent{agent}, Memory: mem})
	require.NoError(t, err)

	_, err = collect(t, s, Request{Prompt: "q", SessionID: "s"})
	require.ErrorIs(t, err, model.ErrRateLimited)
	turns, err := mem.LastTurns(context.Background(), "s", 5)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestInvokeYieldErrorStops(t *testing.T) {
	s, err := New(Config{Client: modeltest.NewClient(modeltest.TextTurn("a", "b", "c"))})
	require.NoError(t, err)
	boom := errors.New("client gone")
	n := 0
	err = s.Invoke(context.Background(), Request{Prompt: "q"}, func(stream.Event) error {
		n++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, n)
}

func TestInvokePrependsHistory(t *testing.T) {
	mem := memory.NewInMem()
	require.NoError(t, mem.AppendTurn(context.Background(), memory.DefaultSessionID, memory.Turn{User: "old q", Assistant: "old a"}))
	llm := modeltest.NewClient(modeltest.TextTurn("new a"))
	s, err := New(Config{Client: llm, Memory: mem})
	require.NoError(t, err)

	_, err = collect(t, s, Request{Prompt: "new q"})
	require.NoError(t, err)

	reqs := llm.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "Previous conversation:\nuser: old q\nassistant: old a\n\nnew q", reqs[0].Messages[0].Text())
	assert.Equal(t, DefaultSystemPrompt, reqs[0].System)

	history, err := s.History(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Equal(t, []memory.Message{
		{Role: memory.RoleUser, Content: "old q"},
		{Role: memory.RoleAssistant, Content: "old a"},
		{Role: memory.RoleUser, Content: "new q"},
		{Role: memory.RoleAssistant, Content: "new a"},
	}, history)
}

func TestInvokeSkipsEmptyReply(t *testing.T) {
	mem := memory.NewInMem()
	s, err := New(Config{Client: modeltest.NewClient(modeltest.TextTurn()), Memory: mem})
	require.NoError(t, err)
	_, err = collect(t, s, Request{Prompt: "q"})
	require.NoError(t, err)
	turns, err := mem.LastTurns(context.Background(), memory.DefaultSessionID, 5)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestInvokeToleratesMemoryFailure(t *testing.T) {
	s, err := New(Config{Client: modeltest.NewClient(modeltest.TextTurn("ok")), Memory: failingStore{}})
	require.NoError(t, err)
	_, err = collect(t, s, Request{Prompt: "q"})
	require.NoError(t, err)

	_, err = s.History(context.Background(), "s", 3)
	assert.Error(t, err)
}

func TestInvokeConcurrentInvocationsAreIsolated(t *testing.T) {
	agent := &fakeAgent{}
	s, err := New(Config{Client: delegatingClient(), Agents: []subagent.Agent{agent}})
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	results := make([][]stream.Event, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = collect(t, s, Request{Prompt: fmt.Sprintf("q%d", i)})
		}()
	}
	wg.Wait()
	for i := range n {
		require.NoError(t, errs[i])
		for _, ev := range results[i] {
			if td, ok := ev.(stream.TextDelta); ok && td.Origin == "Fake" {
				assert.Equal(t, fmt.Sprintf("sub:q%d", i), td.Text)
			}
		}
	}
}

func TestInvokeRejectsEmptyPrompt(t *testing.T) {
	s, err := New(Config{Client: modeltest.NewClient()})
	require.NoError(t, err)
	_, err = collect(t, s, Request{Prompt: "  "})
	require.ErrorIs(t, err, ErrEmptyPrompt)
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{Client: modeltest.NewClient(), Agents: []subagent.Agent{&fakeAgent{}, &fakeAgent{}}})
	assert.Error(t, err)
}

func TestHistoryWithoutMemory(t *testing.T) {
	s, err := New(Config{Client: modeltest.NewClient()})
	require.NoError(t, err)
	h, err := s.History(context.Background(), "s", 0)
	require.NoError(t, err)
	assert.Empty(t, h)
}

func TestInvokeSubAgentFailureIsIsolated(t *testing.T) {
	hung := make(chan struct{})
	t.Cleanup(func() { close(hung) })

	cases := []struct {
		name string
		open relay.OpenFunc
	}{
		{"stream error", func(context.Context) (stream.Source, func(), error) {
			sent := false
			return stream.SourceFunc(func(context.Context) (stream.Event, error) {
				if !sent {
					sent = true
					return stream.TextDelta{Text: "partial"}, nil
				}
				return nil, errors.New("connection reset")
			}), nil, nil
		}},
		{"open hangs", func(context.Context) (stream.Source, func(), error) {
			<-hung
			return nil, nil, errors.New("too late")
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := New(Config{
				Client:       delegatingClient(),
				Agents:       []subagent.Agent{&brokenAgent{open: tc.open}},
				RelayOptions: []relay.Option{relay.WithTimeout(50 * time.Millisecond)},
			})
			require.NoError(t, err)

			events, err := collect(t, s, Request{Prompt: "q1"})
			require.NoError(t, err)

			var stages []stream.Stage
			var primaryText strings.Builder
			for _, ev := range events {
				switch e := ev.(type) {
				case stream.SubTaskProgress:
					stages = append(stages, e.Stage)
				case stream.TextDelta:
					if e.Origin == "" && !e.ToolInput {
						primaryText.WriteString(e.Text)
					}
				}
			}
			assert.Equal(t, []stream.Stage{stream.StageStart}, stages)
			assert.Equal(t, "answer from Fake agent failed", primaryText.String())
		})
	}
}
