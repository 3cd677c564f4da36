// Package holiday implements the Japanese public holiday sub-agent. It
// answers from the holidays-jp API without calling a model.
package holiday

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/awschat/supervisor/runtime/agent/relay"
	"github.com/awschat/supervisor/runtime/agent/stream"
	"github.com/awschat/supervisor/runtime/agent/telemetry"
)

const (
	// ToolName is the tool name presented to the supervisor model.
	ToolName = "japanese_holiday_agent"
	// DisplayName labels the agent in progress events.
	DisplayName = "Holiday API"
	// DefaultBaseURL is the holidays-jp API root.
	DefaultBaseURL = "https://holidays-jp.github.io/api/v1"

	apiToolName = "holidays-jp API"

	// FetchFailedText is returned when the API cannot be read.
	FetchFailedText = "Failed to fetch holiday information."

	defaultCacheSize = 32
	defaultCacheTTL  = 6 * time.Hour
	defaultRPS       = 2
)

var (
	yearPattern = regexp.MustCompile(`\b(20\d{2}|19\d{2})\b`)

	relativeTerms = []string{
		"next month", "next year", "this month", "this year", "last month", "last year",
		"来月", "来年", "今月", "今年", "先月", "去年", "昨年", "次の年", "次年", "今度の",
	}
)

type (
	// Options configures the Agent.
	Options struct {
		// BaseURL overrides DefaultBaseURL.
		BaseURL string
		// HTTPClient defaults to a client with a 10s timeout.
		HTTPClient *http.Client
		// CacheSize bounds cached API responses. Defaults to 32.
		CacheSize int
		// CacheTTL is how long a response is reused. Defaults to 6h.
		CacheTTL time.Duration
		// RequestsPerSecond limits API calls. Defaults to 2.
		RequestsPerSecond float64
		// Now defaults to time.Now.
		Now    func() time.Time
		Logger telemetry.Logger
	}

	// Agent answers holiday questions.
	Agent struct {
		base    string
		http    *http.Client
		cache   *lru.Cache[string, cacheEntry]
		ttl     time.Duration
		limiter *rate.Limiter
		now     func() time.Time
		logger  telemetry.Logger
	}

	cacheEntry struct {
		holidays map[string]string
		storedAt time.Time
	}
)

// New returns an Agent.
func New(opts Options) (*Agent, error) {
	size := opts.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil, fmt.Errorf("holiday cache: %w", err)
	}
	a := &Agent{
		base:    strings.TrimRight(opts.BaseURL, "/"),
		http:    opts.HTTPClient,
		cache:   cache,
		ttl:     opts.CacheTTL,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1),
		now:     opts.Now,
		logger:  opts.Logger,
	}
	if a.base == "" {
		a.base = DefaultBaseURL
	}
	if a.http == nil {
		a.http = &http.Client{Timeout: 10 * time.Second}
	}
	if a.ttl <= 0 {
		a.ttl = defaultCacheTTL
	}
	if opts.RequestsPerSecond <= 0 {
		a.limiter.SetLimit(defaultRPS)
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.logger == nil {
		a.logger = telemetry.NewNoopLogger()
	}
	return a, nil
}

func (a *Agent) ToolName() string    { return ToolName }
func (a *Agent) DisplayName() string { return DisplayName }
func (a *Agent) Description() string {
	return "Provides Japanese public holidays for a given year. Relative dates such as \"next year\" are answered with a request for a concrete year."
}

// Query answers query through r.
func (a *Agent) Query(ctx context.Context, r *relay.Relay, query string) string {
	return r.Run(ctx, func(context.Context) (stream.Source, func(), error) {
		return a.source(query), nil, nil
	})
}

// source yields the answer as inner stream events. The API request runs
// only after the tool-use event has been delivered.
func (a *Agent) source(query string) stream.Source {
	var (
		step int
		year int
		text string
	)
	return stream.SourceFunc(func(ctx context.Context) (stream.Event, error) {
		step++
		switch step {
		case 1:
			if hasRelativeDate(query) {
				step = 3
				return stream.TextDelta{Text: a.relativeReply()}, nil
			}
			year = extractYear(query)
			return stream.ToolUseStart{ToolName: apiToolName, ToolCallID: callID(year)}, nil
		case 2:
			var err error
			if text, err = a.answer(ctx, year); err != nil {
				return nil, err
			}
			return stream.ToolUseStop{ToolCallID: callID(year)}, nil
		case 3:
			return stream.TextDelta{Text: text}, nil
		default:
			return nil, io.EOF
		}
	})
}

func (a *Agent) answer(ctx context.Context, year int) (string, error) {
	holidays, err := a.Holidays(ctx, year)
	if err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		a.logger.Error(ctx, "holiday fetch failed", "year", year, "err", err)
		return FetchFailedText, nil
	}
	if len(holidays) == 0 {
		return FetchFailedText, nil
	}
	return a.format(year, holidays), nil
}

// Holidays returns the holidays of year keyed by YYYY-MM-DD. year 0 selects
// the API default window around the current year.
func (a *Agent) Holidays(ctx context.Context, year int) (map[string]string, error) {
	path := "/date.json"
	if year > 0 {
		path = "/" + strconv.Itoa(year) + "/date.json"
	}
	if e, ok := a.cache.Get(path); ok && a.now().Sub(e.storedAt) < a.ttl {
		return e.holidays, nil
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.base+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get %s: unexpected status %d", path, resp.StatusCode)
	}
	var holidays map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&holidays); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	a.cache.Add(path, cacheEntry{holidays: holidays, storedAt: a.now()})
	return holidays, nil
}

func (a *Agent) format(year int, holidays map[string]string) string {
	dates := make([]string, 0, len(holidays))
	for d := range holidays {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	var b strings.Builder
	if year > 0 {
		fmt.Fprintf(&b, "Japanese public holidays in %d:\n", year)
	} else {
		cur := a.now().Year()
		fmt.Fprintf(&b, "Japanese public holidays (%d to %d):\n", cur-1, cur+1)
	}
	for _, d := range dates {
		fmt.Fprintf(&b, "- %s: %s\n", d, holidays[d])
	}
	return b.String()
}

func (a *Agent) relativeReply() string {
	now := a.now()
	return fmt.Sprintf("The question contains a relative date. It is currently %s.\n"+
		"Please name a specific year so the holiday information is accurate.\n"+
		"For example: \"holidays in %d\" or \"holidays in %d\".",
		now.Format("2006-01-02 15:04"), now.Year(), now.Year()+1)
}

func hasRelativeDate(q string) bool {
	lower := strings.ToLower(q)
	for _, t := range relativeTerms {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

func extractYear(q string) int {
	m := yearPattern.FindStringSubmatch(q)
	if m == nil {
		return 0
	}
	y, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return y
}

func callID(year int) string {
	if year == 0 {
		return "holidays-default"
	}
	return "holidays-" + strconv.Itoa(year)
}
