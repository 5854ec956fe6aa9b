// Package ratelimit throttles tunnels and relayed requests per agent on the relay.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket refills rate tokens per second up to capacity.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	rate       float64
	lastRefill time.Time
	now        func() time.Time
}

func NewTokenBucket(rate, capacity int) *TokenBucket {
	return newBucket(rate, capacity, time.Now)
}

func newBucket(rate, capacity int, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		rate:       float64(rate),
		lastRefill: now(),
		now:        now,
	}
}

// Allow consumes one token if available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Config sets rates in events per second. Zero disables that limit.
type Config struct {
	GlobalTunnels  int
	AgentTunnels   int
	GlobalRequests int
	AgentRequests  int
	Burst          int
}

// Limiter applies a global bucket and one bucket per agent for tunnels and
// for relayed HTTP requests.
type Limiter struct {
	cfg           Config
	now           func() time.Time
	globalTunnels *TokenBucket
	globalReqs    *TokenBucket

	mu      sync.Mutex
	tunnels map[string]*TokenBucket
	reqs    map[string]*TokenBucket
}

func New(cfg Config) *Limiter {
	return newLimiter(cfg, time.Now)
}

func newLimiter(cfg Config, now func() time.Time) *Limiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	l := &Limiter{
		cfg:     cfg,
		now:     now,
		tunnels: make(map[string]*TokenBucket),
		reqs:    make(map[string]*TokenBucket),
	}
	if cfg.GlobalTunnels > 0 {
		l.globalTunnels = newBucket(cfg.GlobalTunnels, cfg.Burst, now)
	}
	if cfg.GlobalRequests > 0 {
		l.globalReqs = newBucket(cfg.GlobalRequests, cfg.Burst, now)
	}
	return l
}

// AllowTunnel reports whether agent may open another CONNECT tunnel.
func (l *Limiter) AllowTunnel(agent string) bool {
	return l.allow(l.globalTunnels, l.tunnels, l.cfg.AgentTunnels, agent)
}

// AllowRequest reports whether agent may take another relayed HTTP request.
func (l *Limiter) AllowRequest(agent string) bool {
	return l.allow(l.globalReqs, l.reqs, l.cfg.AgentRequests, agent)
}

func (l *Limiter) allow(global *TokenBucket, per map[string]*TokenBucket, rate int, agent string) bool {
	if global != nil && !global.Allow() {
		return false
	}
	if rate <= 0 {
		return true
	}
	l.mu.Lock()
	b, ok := per[agent]
	if !ok {
		b = newBucket(rate, l.cfg.Burst, l.now)
		per[agent] = b
	}
	l.mu.Unlock()
	return b.Allow()
}

// Prune drops buckets of agents for which online reports false.
func (l *Limiter) Prune(online func(agent string) bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, m := range []map[string]*TokenBucket{l.tunnels, l.reqs} {
		for name := range m {
			if !online(name) {
				delete(m, name)
				n++
			}
		}
	}
	return n
}
