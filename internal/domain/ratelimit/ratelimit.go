// Package ratelimit throttles inbound client traffic per connection. Each
// connection owns a token bucket; exhausting it drops the frame and counts a
// violation, and repeat offenders within the window get kicked with the
// rate-limit close code.
package ratelimit

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// Config tunes the limiter. Zero values fall back to production defaults.
type Config struct {
	// Rate is the sustained inbound budget in frames per second.
	Rate float64
	// Burst is the bucket depth: how many frames may arrive back to back.
	Burst int
	// MaxViolations is the kick threshold within one violation window.
	MaxViolations int
	// ViolationWindow is how long violations are held against a connection.
	ViolationWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.Rate <= 0 {
		c.Rate = 10
	}
	if c.Burst <= 0 {
		c.Burst = 20
	}
	if c.MaxViolations <= 0 {
		c.MaxViolations = 3
	}
	if c.ViolationWindow <= 0 {
		c.ViolationWindow = time.Minute
	}
	return c
}

// Verdict is the outcome of one inbound frame.
type Verdict struct {
	// Allowed means the frame may be processed.
	Allowed bool
	// Kick means the connection crossed the violation threshold and must be
	// closed with the rate-limit code.
	Kick bool
	// Violations is the count inside the current window, for logs and the
	// warning frame.
	Violations int
	// RetryAfter estimates when the next token becomes available.
	RetryAfter time.Duration
}

type bucket struct {
	lim         *rate.Limiter
	violations  int
	windowStart time.Time
}

// Limiter tracks one token bucket per connection id.
type Limiter struct {
	cfg   Config
	clock clockwork.Clock

	mu      sync.Mutex
	buckets map[string]*bucket
}

// New builds a limiter. The clock is injectable so tests can steer time.
func New(cfg Config, clock clockwork.Clock) *Limiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Limiter{
		cfg:     cfg.withDefaults(),
		clock:   clock,
		buckets: make(map[string]*bucket),
	}
}

// Observe charges one inbound frame against the connection's bucket and
// reports what to do with it.
func (l *Limiter) Observe(connID string) Verdict {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[connID]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(l.cfg.Rate), l.cfg.Burst)}
		l.buckets[connID] = b
	}

	// Violations age out after a quiet window.
	if b.violations > 0 && now.Sub(b.windowStart) > l.cfg.ViolationWindow {
		b.violations = 0
	}

	if b.lim.AllowN(now, 1) {
		return Verdict{Allowed: true, Violations: b.violations}
	}

	if b.violations == 0 {
		b.windowStart = now
	}
	b.violations++

	return Verdict{
		Allowed:    false,
		Kick:       b.violations >= l.cfg.MaxViolations,
		Violations: b.violations,
		RetryAfter: time.Duration(float64(time.Second) / l.cfg.Rate),
	}
}

// Forget drops the bucket when a connection unregisters.
func (l *Limiter) Forget(connID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, connID)
}

// Violations returns the current violation count for a connection.
func (l *Limiter) Violations(connID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[connID]
	if !ok {
		return 0
	}
	if b.violations > 0 && l.clock.Now().Sub(b.windowStart) > l.cfg.ViolationWindow {
		return 0
	}
	return b.violations
}

// Tracked returns how many connections currently hold buckets.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
