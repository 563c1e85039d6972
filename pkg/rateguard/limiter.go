package rateguard

import (
	"sync"
	"time"
)

// Decision is the outcome of a limit check.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

type counter struct {
	windowStart time.Time
	window      time.Duration
	count       int
}

// Limiter counts requests per (identifier, endpoint) key in fixed windows.
// Bursts at window boundaries are an accepted tradeoff for O(1) bookkeeping.
type Limiter struct {
	mu       sync.Mutex
	counters map[string]*counter
	now      func() time.Time
}

func NewLimiter() *Limiter {
	return &Limiter{
		counters: make(map[string]*counter),
		now:      time.Now,
	}
}

func limitKey(identifier, endpoint string) string {
	return identifier + "\x00" + endpoint
}

// Check increments the counter for the key and evaluates it against max.
// An elapsed window resets the counter to 1 before evaluating.
func (l *Limiter) Check(identifier, endpoint string, window time.Duration, max int) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := limitKey(identifier, endpoint)

	c, ok := l.counters[key]
	if !ok || now.Sub(c.windowStart) >= window {
		c = &counter{windowStart: now, window: window, count: 1}
		l.counters[key] = c
	} else {
		c.count++
	}

	remaining := max - c.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   c.count <= max,
		Remaining: remaining,
		ResetAt:   c.windowStart.Add(window),
	}
}

// Reset drops the counter for one key. Administrative override.
func (l *Limiter) Reset(identifier, endpoint string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.counters, limitKey(identifier, endpoint))
}

// ClearAll drops every counter.
func (l *Limiter) ClearAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counters = make(map[string]*counter)
}

// cleanup removes counters idle for several windows so the map doesn't grow
// with every identifier ever seen.
func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for key, c := range l.counters {
		if now.Sub(c.windowStart) > 3*c.window {
			delete(l.counters, key)
		}
	}
}
