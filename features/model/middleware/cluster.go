package middleware

import (
	"context"
	"strconv"
	"time"

	"goa.design/pulse/rmap"
)

const (
	clusterAttempts = 3
	clusterTimeout  = 2 * time.Second
)

type (
	// clusterMap is the subset of *rmap.Map used to share the budget.
	clusterMap interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
	}

	// sharedBudget stores the cluster-wide tokens-per-minute value under a
	// single replicated map key.
	sharedBudget struct {
		m   clusterMap
		key string
	}
)

// NewClusterRateLimiter returns a limiter whose budget is shared by every
// process using the same Pulse replicated map and key. Local backoffs and
// recoveries are published with compare-and-swap; budget changes made by
// other processes are applied locally. When the map cannot be seeded the
// limiter degrades to process-local.
func NewClusterRateLimiter(ctx context.Context, m *rmap.Map, key string, initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if m == nil || key == "" {
		return NewAdaptiveRateLimiter(initialTPM, maxTPM)
	}
	return newClusterRateLimiter(ctx, m, key, initialTPM, maxTPM)
}

func newClusterRateLimiter(ctx context.Context, m clusterMap, key string, initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	b := &sharedBudget{m: m, key: key}
	if _, ok := m.Get(key); !ok {
		if _, err := m.SetIfNotExists(ctx, key, format(initialTPM)); err != nil {
			return NewAdaptiveRateLimiter(initialTPM, maxTPM)
		}
	}
	start := initialTPM
	if v, ok := b.load(); ok {
		start = v
	}
	l := NewAdaptiveRateLimiter(start, max(maxTPM, initialTPM))
	floor, ceiling, step := l.floor, l.ceiling, l.step
	l.onChange = func(_ float64, backoff bool) {
		if backoff {
			go b.update(func(cur float64) float64 { return max(cur*backoffFactor, floor) })
			return
		}
		go b.update(func(cur float64) float64 { return min(cur+step, ceiling) })
	}
	events := m.Subscribe()
	go func() {
		for range events {
			if v, ok := b.load(); ok {
				l.replace(v)
			}
		}
	}()
	return l
}

func (b *sharedBudget) load() (float64, bool) {
	cur, ok := b.m.Get(b.key)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(cur, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

// update applies fn to the shared value with a bounded compare-and-swap
// loop. Lost races are retried; persistent contention gives up silently
// since the local limiter already adjusted.
func (b *sharedBudget) update(fn func(float64) float64) {
	ctx, cancel := context.WithTimeout(context.Background(), clusterTimeout)
	defer cancel()
	for range clusterAttempts {
		curStr, ok := b.m.Get(b.key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		next := format(fn(cur))
		if next == curStr {
			return
		}
		prev, err := b.m.TestAndSet(ctx, b.key, curStr, next)
		if err != nil || prev == curStr {
			return
		}
	}
}

func format(tpm float64) string { return strconv.Itoa(int(tpm)) }
