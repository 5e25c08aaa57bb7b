// Package ratelimit implements fixed-window request limits.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Counter increments key and returns the new count; the first increment starts a window of period.
type Counter interface {
	IncrWindow(ctx context.Context, key string, period time.Duration) (int64, error)
}

type RateLimiter struct {
	counter Counter
}

func NewRateLimiter(counter Counter) *RateLimiter {
	return &RateLimiter{counter: counter}
}

// Allow reports whether another request for key fits in rate per period. Counter failures are
// returned alongside true so an unavailable backend does not block traffic.
func (rl *RateLimiter) Allow(ctx context.Context, key string, rate int, period time.Duration) (bool, error) {
	n, err := rl.counter.IncrWindow(ctx, "rl:"+key, period)
	if err != nil {
		return true, err
	}
	return n <= int64(rate), nil
}

// MemoryCounter is a process-local Counter.
type MemoryCounter struct {
	mu      sync.Mutex
	now     func() time.Time
	windows map[string]window
}

type window struct {
	count   int64
	expires time.Time
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{now: time.Now, windows: make(map[string]window)}
}

func (c *MemoryCounter) IncrWindow(_ context.Context, key string, period time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	w, ok := c.windows[key]
	if !ok || !now.Before(w.expires) {
		w = window{expires: now.Add(period)}
	}
	w.count++
	c.windows[key] = w
	return w.count, nil
}
