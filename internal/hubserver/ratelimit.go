package hubserver

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateResult is the outcome of one rate limit check.
type rateResult struct {
	allowed    bool
	retryAfter time.Duration
}

// rateLimiter keeps one token bucket per key (briefcase id for authenticated
// calls, client address for acquisition). Buckets idle for a while are
// reclaimed.
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rateBucket
	rate    rate.Limit
	burst   int
	stop    chan struct{}
}

type rateBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newRateLimiter allows requests tokens per window with the given burst.
func newRateLimiter(requests int, window time.Duration, burst int) *rateLimiter {
	l := &rateLimiter{
		buckets: make(map[string]*rateBucket),
		rate:    rate.Limit(float64(requests) / window.Seconds()),
		burst:   burst,
		stop:    make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// allow consumes one token for key.
func (l *rateLimiter) allow(key string) rateResult {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &rateBucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = time.Now()
	l.mu.Unlock()

	if b.limiter.Allow() {
		return rateResult{allowed: true}
	}
	retry := max(time.Duration(float64(time.Second)/float64(l.rate)), time.Second)
	return rateResult{allowed: false, retryAfter: retry}
}

func (l *rateLimiter) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stop:
			return
		}
	}
}

func (l *rateLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	stale := time.Now().Add(-10 * time.Minute)
	for key, b := range l.buckets {
		if b.lastSeen.Before(stale) && b.limiter.Tokens() >= float64(l.burst) {
			delete(l.buckets, key)
		}
	}
}

// Close stops the cleanup goroutine.
func (l *rateLimiter) Close() {
	close(l.stop)
}
