package ratelimit

import (
	"sync"
	"time"
)

// bucket tracks the token state for a single key.
type bucket struct {
	tokens     float64
	lastRefill time.Time
	rate       int
}

// Decision is the outcome of one Take.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter implements a token-bucket rate limiter keyed by arbitrary string
// identifiers (operator ID, account address).
type Limiter struct {
	mu          sync.Mutex
	buckets     map[string]*bucket
	defaultRate int
	window      time.Duration
	now         func() time.Time // injectable clock for testing
}

// New creates a Limiter that allows defaultRate requests per window.
func New(defaultRate int, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		buckets:     make(map[string]*bucket),
		defaultRate: defaultRate,
		window:      window,
		now:         time.Now,
	}
}

func (l *Limiter) effectiveRate(customRate int) int {
	if customRate > 0 {
		return customRate
	}
	return l.defaultRate
}

// bucketFor returns the refilled bucket for key. Must be called with l.mu held.
func (l *Limiter) bucketFor(key string, rate int) *bucket {
	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(rate), lastRefill: now, rate: rate}
		l.buckets[key] = b
		return b
	}
	b.rate = rate

	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens += elapsed * float64(rate) / l.window.Seconds()
		if b.tokens > float64(rate) {
			b.tokens = float64(rate)
		}
		b.lastRefill = now
	}
	return b
}

// decision reports the bucket state. Must be called with l.mu held.
func (l *Limiter) decision(b *bucket, allowed bool) Decision {
	d := Decision{Allowed: allowed, Limit: b.rate, Remaining: int(b.tokens)}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	deficit := float64(b.rate) - b.tokens
	if deficit <= 0 || b.rate == 0 {
		d.ResetAt = l.now()
	} else {
		perSecond := float64(b.rate) / l.window.Seconds()
		d.ResetAt = l.now().Add(time.Duration(deficit / perSecond * float64(time.Second)))
	}
	return d
}

// Take consumes one token for key when available. A positive customRate
// overrides the default rate for this key.
func (l *Limiter) Take(key string, customRate int) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucketFor(key, l.effectiveRate(customRate))
	if b.tokens < 1 {
		return l.decision(b, false)
	}
	b.tokens--
	return l.decision(b, true)
}

// Allow is Take reduced to its verdict.
func (l *Limiter) Allow(key string, customRate int) bool {
	return l.Take(key, customRate).Allowed
}

// Status returns the current state for key without consuming a token.
func (l *Limiter) Status(key string, customRate int) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.bucketFor(key, l.effectiveRate(customRate))
	return l.decision(b, b.tokens >= 1)
}
