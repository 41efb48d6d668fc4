package utils

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit is the outbound budget of one source.
type RateLimit struct {
	// Requests per Interval; zero disables the window budget.
	Requests int
	Interval time.Duration
	// MinDelay is the minimum spacing between two sends.
	MinDelay time.Duration
	// Cooldown is the minimum pause after an upstream rate-limit signal.
	Cooldown time.Duration
}

// Governor throttles outbound requests for a single source. It enforces a
// sliding-window budget (no window of length Interval ever holds more than
// Requests sends) and a minimum inter-request delay, and it can be put into
// cooldown after an upstream rate-limit signal.
//
// A Governor is safe for concurrent use.
type Governor struct {
	source  string
	limit   RateLimit
	limiter *rate.Limiter

	mu            sync.Mutex
	sent          []time.Time
	cooldownUntil time.Time
	now           func() time.Time
}

// NewGovernor creates a Governor for source.
func NewGovernor(source string, limit RateLimit) *Governor {
	every := rate.Inf
	if limit.MinDelay > 0 {
		every = rate.Every(limit.MinDelay)
	}
	return &Governor{
		source:  source,
		limit:   limit,
		limiter: rate.NewLimiter(every, 1),
		now:     time.Now,
	}
}

// Acquire blocks until a request may be sent. It returns a rate-limit error
// straight away while the source is cooling down, and the context error if
// ctx ends first. The caller must send immediately after a nil return.
func (g *Governor) Acquire(ctx context.Context) error {
	for {
		wait, err := g.reserve()
		if err != nil {
			return err
		}
		if wait == 0 {
			return nil
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// reserve records a send and returns zero, or returns how long to wait
// before trying again.
func (g *Governor) reserve() (time.Duration, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if now.Before(g.cooldownUntil) {
		return 0, &FetchError{
			Op:         "acquire " + g.source,
			Class:      ClassRateLimited,
			RetryAfter: g.cooldownUntil.Sub(now),
			Err:        fmt.Errorf("%w: cooling down until %s", ErrRateLimited, g.cooldownUntil.UTC().Format(time.RFC3339)),
		}
	}

	if g.limit.Requests > 0 && g.limit.Interval > 0 {
		cutoff := now.Add(-g.limit.Interval)
		drop := 0
		for drop < len(g.sent) && !g.sent[drop].After(cutoff) {
			drop++
		}
		g.sent = g.sent[drop:]
		if len(g.sent) >= g.limit.Requests {
			return g.sent[0].Add(g.limit.Interval).Sub(now) + time.Millisecond, nil
		}
	}

	r := g.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return delay, nil
	}

	if g.limit.Requests > 0 && g.limit.Interval > 0 {
		g.sent = append(g.sent, now)
	}
	return 0, nil
}

// Cooldown suspends the source for max(d, configured cooldown). An active
// cooldown is only ever extended.
func (g *Governor) Cooldown(d time.Duration) time.Time {
	if d < g.limit.Cooldown {
		d = g.limit.Cooldown
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	until := g.now().Add(d)
	if until.After(g.cooldownUntil) {
		g.cooldownUntil = until
	}
	return g.cooldownUntil
}

// CoolingDown reports whether the source is in cooldown and until when.
func (g *Governor) CoolingDown() (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cooldownUntil, g.now().Before(g.cooldownUntil)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}

// Governors is a registry holding one Governor per source.
type Governors struct {
	mu   sync.Mutex
	byID map[string]*Governor
}

// NewGovernors creates an empty registry.
func NewGovernors() *Governors {
	return &Governors{byID: make(map[string]*Governor)}
}

// Get returns the Governor for source, creating it with limit on first use.
func (gs *Governors) Get(source string, limit RateLimit) *Governor {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	if g, ok := gs.byID[source]; ok {
		return g
	}
	g := NewGovernor(source, limit)
	gs.byID[source] = g
	return g
}
