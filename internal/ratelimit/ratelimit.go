// Package ratelimit provides a keyed token-bucket limiter shared by the
// verifier (per key id), the gateway (per connection) and the HTTP API (per IP).
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Keyed holds one token bucket per key.
type Keyed struct {
	mu      sync.Mutex
	entries map[string]*entry
	limit   rate.Limit
	burst   int
}

type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewKeyed returns a limiter allowing burst events at once and limit events
// per second afterwards, independently for every key.
func NewKeyed(limit rate.Limit, burst int) *Keyed {
	return &Keyed{
		entries: make(map[string]*entry),
		limit:   limit,
		burst:   burst,
	}
}

// Per converts "n events per window" into a rate.Limit.
func Per(n int, window time.Duration) rate.Limit {
	if n <= 0 || window <= 0 {
		return rate.Inf
	}
	return rate.Every(window / time.Duration(n))
}

// Allow reports whether an event for key may happen now and consumes a token
// if so.
func (k *Keyed) Allow(key string) bool {
	return k.AllowAt(key, time.Now())
}

// AllowAt is Allow at an explicit time.
func (k *Keyed) AllowAt(key string, now time.Time) bool {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{lim: rate.NewLimiter(k.limit, k.burst)}
		k.entries[key] = e
	}
	e.lastSeen = now
	k.mu.Unlock()
	return e.lim.AllowN(now, 1)
}

// Forget drops the bucket for key, restoring its full burst.
func (k *Keyed) Forget(key string) {
	k.mu.Lock()
	delete(k.entries, key)
	k.mu.Unlock()
}

// Len returns the number of tracked keys.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

// Cleanup removes buckets idle for longer than maxIdle and returns how many
// were removed.
func (k *Keyed) Cleanup(maxIdle time.Duration, now time.Time) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	n := 0
	for key, e := range k.entries {
		if now.Sub(e.lastSeen) > maxIdle {
			delete(k.entries, key)
			n++
		}
	}
	return n
}

// StartCleanup runs Cleanup every interval until ctx is done.
func (k *Keyed) StartCleanup(ctx context.Context, interval, maxIdle time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				k.Cleanup(maxIdle, now)
			}
		}
	}()
}
