// Package ratelimit bounds login attempts per client key with token
// buckets. Failed attempts consume tokens; successful ones do not, so a
// legitimate user behind a shared address is not starved by their own
// logins.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tessera.org/internal/auth"
)

const idleTTL = 10 * time.Minute

// LoginLimiter implements auth.RateLimiter.
type LoginLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	stop    chan struct{}
}

type bucket struct {
	lim *rate.Limiter
	ts  time.Time
}

var _ auth.RateLimiter = (*LoginLimiter)(nil)

// NewLoginLimiter allows perMinute failed attempts with the given burst
// per key. A background sweep drops idle buckets.
func NewLoginLimiter(perMinute, burst int) *LoginLimiter {
	if perMinute <= 0 {
		perMinute = 5
	}
	if burst <= 0 {
		burst = perMinute
	}
	l := &LoginLimiter{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(float64(perMinute) / 60.0),
		burst:   burst,
		stop:    make(chan struct{}),
	}
	go l.sweep()
	return l
}

// Close stops the background sweep.
func (l *LoginLimiter) Close() {
	close(l.stop)
}

// Allow reports whether the key has tokens left. It does not consume a
// token; Observe does, on failure.
func (l *LoginLimiter) Allow(key string) bool {
	b := l.bucket(key)
	l.mu.Lock()
	defer l.mu.Unlock()
	return b.lim.Tokens() >= 1
}

// Observe records the attempt outcome. Failures burn a token.
func (l *LoginLimiter) Observe(key string, ok bool) {
	if ok {
		return
	}
	b := l.bucket(key)
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = b.lim.Allow()
}

func (l *LoginLimiter) bucket(key string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.ts = time.Now()
	return b
}

func (l *LoginLimiter) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			now := time.Now()
			l.mu.Lock()
			for k, b := range l.buckets {
				if now.Sub(b.ts) > idleTTL {
					delete(l.buckets, k)
				}
			}
			l.mu.Unlock()
		}
	}
}
