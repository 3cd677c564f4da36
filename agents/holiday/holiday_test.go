package holiday

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awschat/supervisor/runtime/agent/relay"
	"github.com/awschat/supervisor/runtime/agent/stream"
)

var fixedNow = func() time.Time { return time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC) }

func newAPI(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case "/2025/date.json":
			_, _ = w.Write([]byte(`{"2025-05-05":"こどもの日","2025-01-01":"元日"}`))
		case "/date.json":
			_, _ = w.Write([]byte(`{"2024-01-01":"元日","2026-01-01":"元日"}`))
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newAgent(t *testing.T, base string) *Agent {
	t.Helper()
	a, err := New(Options{BaseURL: base, Now: fixedNow, RequestsPerSecond: 1000})
	require.NoError(t, err)
	return a
}

func drain(ch *stream.Channel) []stream.Event {
	var out []stream.Event
	for {
		ev, ok := ch.TryRecv()
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

func TestQueryWithYear(t *testing.T) {
	var hits atomic.Int32
	a := newAgent(t, newAPI(t, &hits).URL)
	ch := stream.NewChannel()
	r := relay.New(DisplayName)
	r.SetChannel(ch)

	out := a.Query(context.Background(), r, "What are the holidays in 2025?")
	assert.Equal(t, "Japanese public holidays in 2025:\n- 2025-01-01: 元日\n- 2025-05-05: こどもの日\n", out)

	var stages []stream.Stage
	for _, ev := range drain(ch) {
		if p, ok := ev.(stream.SubTaskProgress); ok {
			stages = append(stages, p.Stage)
			if p.Stage == stream.StageToolUse {
				assert.Equal(t, "holidays-jp API", p.ToolName)
			}
		}
	}
	assert.Equal(t, []stream.Stage{stream.StageStart, stream.StageToolUse, stream.StageComplete}, stages)
	assert.EqualValues(t, 1, hits.Load())
}

func TestQueryWithoutYearUsesDefaultWindow(t *testing.T) {
	var hits atomic.Int32
	a := newAgent(t, newAPI(t, &hits).URL)
	out := a.Query(context.Background(), relay.New(DisplayName), "Japanese holidays please")
	assert.Equal(t, "Japanese public holidays (2024 to 2026):\n- 2024-01-01: 元日\n- 2026-01-01: 元日\n", out)
}

func TestQueryRelativeDateAsksForYear(t *testing.T) {
	var hits atomic.Int32
	a := newAgent(t, newAPI(t, &hits).URL)
	for _, q := range []string{"Holidays next month?", "来年の祝日は？"} {
		ch := stream.NewChannel()
		r := relay.New(DisplayName)
		r.SetChannel(ch)
		out := a.Query(context.Background(), r, q)
		assert.Contains(t, out, "2025-03-14 09:30")
		assert.Contains(t, out, `"holidays in 2026"`)
		for _, ev := range drain(ch) {
			if p, ok := ev.(stream.SubTaskProgress); ok {
				assert.NotEqual(t, stream.StageToolUse, p.Stage)
			}
		}
	}
	assert.Zero(t, hits.Load())
}

func TestQueryFetchFailure(t *testing.T) {
	var hits atomic.Int32
	a := newAgent(t, newAPI(t, &hits).URL)
	assert.Equal(t, FetchFailedText, a.Query(context.Background(), relay.New(DisplayName), "holidays in 1999"))
}

func TestHolidaysCached(t *testing.T) {
	var hits atomic.Int32
	a := newAgent(t, newAPI(t, &hits).URL)
	for range 3 {
		h, err := a.Holidays(context.Background(), 2025)
		require.NoError(t, err)
		require.Len(t, h, 2)
	}
	assert.EqualValues(t, 1, hits.Load())

	a.now = func() time.Time { return fixedNow().Add(defaultCacheTTL + time.Minute) }
	_, err := a.Holidays(context.Background(), 2025)
	require.NoError(t, err)
	assert.EqualValues(t, 2, hits.Load())
}

func TestExtractYear(t *testing.T) {
	assert.Equal(t, 2024, extractYear("holidays in 2024"))
	assert.Equal(t, 1998, extractYear("1998 holidays"))
	assert.Equal(t, 0, extractYear("holidays in 2100"))
	assert.Equal(t, 0, extractYear("no year"))
}

func TestAgentIdentity(t *testing.T) {
	a := newAgent(t, "")
	assert.Equal(t, ToolName, a.ToolName())
	assert.Equal(t, DisplayName, a.DisplayName())
	assert.NotEmpty(t, a.Description())
	assert.Equal(t, DefaultBaseURL, a.base)
}
