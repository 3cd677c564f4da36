// Package middleware provides model.Client middlewares.
package middleware

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"github.com/awschat/supervisor/runtime/agent/model"
)

const (
	defaultTPM      = 60000
	backoffFactor   = 0.5
	minFraction     = 0.1
	recoveryFactor  = 0.05
	overheadTokens  = 500
	charsPerToken   = 3
	minimumEstimate = overheadTokens
)

type (
	// AdaptiveRateLimiter is an AIMD token bucket sized in tokens per
	// minute. Each model call waits for its estimated token cost; a
	// rate-limited provider response halves the budget and each successful
	// call grows it back by a fixed step up to the configured maximum.
	AdaptiveRateLimiter struct {
		mu       sync.Mutex
		limiter  *rate.Limiter
		tpm      float64
		floor    float64
		ceiling  float64
		step     float64
		onChange func(tpm float64, backoff bool)
	}

	limitedClient struct {
		next    model.Client
		limiter *AdaptiveRateLimiter
	}
)

// NewAdaptiveRateLimiter returns a process-local limiter starting at
// initialTPM tokens per minute and never exceeding maxTPM. Use
// NewClusterRateLimiter to share the budget across replicas.
func NewAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = defaultTPM
	}
	if maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	return &AdaptiveRateLimiter{
		limiter: rate.NewLimiter(rate.Limit(initialTPM/60), int(initialTPM)),
		tpm:     initialTPM,
		floor:   max(initialTPM*minFraction, 1),
		ceiling: maxTPM,
		step:    max(initialTPM*recoveryFactor, 1),
	}
}

// Middleware wraps a model.Client so every Stream call is admitted by the
// limiter.
func (l *AdaptiveRateLimiter) Middleware() func(model.Client) model.Client {
	return func(next model.Client) model.Client {
		return &limitedClient{next: next, limiter: l}
	}
}

// TPM returns the current tokens-per-minute budget.
func (l *AdaptiveRateLimiter) TPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tpm
}

func (c *limitedClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	if err := c.limiter.limiter.WaitN(ctx, c.limiter.cost(req)); err != nil {
		return nil, err
	}
	st, err := c.next.Stream(ctx, req)
	c.limiter.observe(err)
	return st, err
}

func (l *AdaptiveRateLimiter) observe(err error) {
	switch {
	case err == nil:
		l.adjust(func(tpm float64) float64 { return tpm + l.step }, false)
	case errors.Is(err, model.ErrRateLimited):
		l.adjust(func(tpm float64) float64 { return tpm * backoffFactor }, true)
	}
}

// adjust applies fn to the budget, clamps it and reconfigures the bucket.
func (l *AdaptiveRateLimiter) adjust(fn func(float64) float64, backoff bool) {
	l.mu.Lock()
	next := min(max(fn(l.tpm), l.floor), l.ceiling)
	if next == l.tpm {
		l.mu.Unlock()
		return
	}
	l.set(next)
	cb := l.onChange
	l.mu.Unlock()
	if cb != nil {
		cb(next, backoff)
	}
}

// replace sets the budget from an external source without notifying
// onChange.
func (l *AdaptiveRateLimiter) replace(tpm float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if tpm = min(max(tpm, l.floor), l.ceiling); tpm != l.tpm {
		l.set(tpm)
	}
}

func (l *AdaptiveRateLimiter) set(tpm float64) {
	l.tpm = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60))
	l.limiter.SetBurst(int(tpm))
}

// cost estimates the tokens of req from its text content, about one token
// per three characters plus a fixed allowance for framing and the system
// prompt. The estimate never exceeds the current burst.
func (l *AdaptiveRateLimiter) cost(req *model.Request) int {
	chars := len(req.System)
	for _, m := range req.Messages {
		for _, p := range m.Parts {
			switch v := p.(type) {
			case model.TextPart:
				chars += len(v.Text)
			case model.ToolResultPart:
				chars += len(v.Content)
			case model.ToolUsePart:
				chars += len(v.Input)
			}
		}
	}
	tokens := max(chars/charsPerToken+overheadTokens, minimumEstimate)
	if burst := l.limiter.Burst(); tokens > burst {
		tokens = burst
	}
	return tokens
}
