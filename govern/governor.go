// Package govern enforces rate-limit discipline on planner writes. It keeps
// one global backoff deadline honored before any mutating call, plus a
// per-endpoint token-bucket soft quota. The governor never blocks: callers
// that cannot proceed re-queue their work and try again after the deadline.
package govern

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"goa.design/taskbridge/retry"
)

const (
	// maxBackoff caps exponential growth when the planner throttles
	// repeatedly without a Retry-After hint.
	maxBackoff = 60 * time.Second
	// defaultQPS is the per-endpoint soft quota.
	defaultQPS = 5
	// defaultBurst allows short bursts within the quota.
	defaultBurst = 10
)

type (
	// Governor coordinates planner write pacing. Safe for concurrent use;
	// the backoff deadline uses atomic reads so the hot path takes no lock.
	Governor struct {
		// backoffUntil is a monotonic-ish deadline in unix nanoseconds.
		// Zero means no backoff in effect.
		backoffUntil atomic.Int64

		mu          sync.Mutex
		limiters    map[string]*rate.Limiter
		consecutive int
		base        time.Duration
		qps         rate.Limit
		burst       int
	}

	// ErrBackoff tells the caller to re-queue and stop draining.
	ErrBackoff struct {
		// Until is when writes may resume. Zero when the per-endpoint quota
		// (not the global clock) rejected the call.
		Until time.Time
	}

	// Option configures the governor.
	Option func(*Governor)
)

// Error implements the error interface.
func (e *ErrBackoff) Error() string {
	if e.Until.IsZero() {
		return "rate quota exceeded"
	}
	return fmt.Sprintf("backing off until %s", e.Until.Format(time.RFC3339))
}

// WithQuota overrides the per-endpoint soft quota.
func WithQuota(qps float64, burst int) Option {
	return func(g *Governor) {
		g.qps = rate.Limit(qps)
		g.burst = burst
	}
}

// WithBase overrides the base delay for exponential backoff when the
// planner throttles without a Retry-After hint.
func WithBase(d time.Duration) Option {
	return func(g *Governor) {
		g.base = d
	}
}

// New constructs a governor.
func New(opts ...Option) *Governor {
	g := &Governor{
		limiters: make(map[string]*rate.Limiter),
		base:     time.Second,
		qps:      defaultQPS,
		burst:    defaultBurst,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Acquire asks permission for one mutating call against the named endpoint.
// It never blocks: the return is nil (proceed) or *ErrBackoff (re-queue).
func (g *Governor) Acquire(endpoint string) error {
	if until := g.BackoffUntil(); !until.IsZero() && time.Now().Before(until) {
		return &ErrBackoff{Until: until}
	}
	if !g.limiter(endpoint).Allow() {
		return &ErrBackoff{}
	}
	return nil
}

// ReportResult records the outcome of a planner call. 429 and 503 arm the
// global backoff clock: Retry-After is honored with up to 50% added jitter;
// repeated throttling without a hint backs off exponentially up to 60s. Any
// other status clears the throttle streak.
func (g *Governor) ReportResult(status int, retryAfter time.Duration) {
	if status != 429 && status != 503 {
		g.mu.Lock()
		g.consecutive = 0
		g.mu.Unlock()
		return
	}

	g.mu.Lock()
	g.consecutive++
	n := g.consecutive
	base := g.base
	g.mu.Unlock()

	var delay time.Duration
	if retryAfter > 0 {
		delay = retry.Jittered(retryAfter, 0.5)
	} else {
		delay = base << (n - 1)
		if delay > maxBackoff || delay <= 0 {
			delay = maxBackoff
		}
		delay = retry.Jittered(delay, 0.25)
	}
	g.extend(time.Now().Add(delay))
}

// BackoffUntil returns the current global backoff deadline, or the zero
// time when writes are allowed.
func (g *Governor) BackoffUntil() time.Time {
	ns := g.backoffUntil.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Throttled reports whether the global backoff clock is armed.
func (g *Governor) Throttled() bool {
	until := g.BackoffUntil()
	return !until.IsZero() && time.Now().Before(until)
}

// extend moves the deadline forward, never backward.
func (g *Governor) extend(until time.Time) {
	ns := until.UnixNano()
	for {
		cur := g.backoffUntil.Load()
		if cur >= ns {
			return
		}
		if g.backoffUntil.CompareAndSwap(cur, ns) {
			return
		}
	}
}

func (g *Governor) limiter(endpoint string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	lim, ok := g.limiters[endpoint]
	if !ok {
		lim = rate.NewLimiter(g.qps, g.burst)
		g.limiters[endpoint] = lim
	}
	return lim
}
