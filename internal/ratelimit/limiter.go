// Package ratelimit implements the Rate Limiter (§4.3): a token-bucket
// and a sliding-window strategy behind a common Limiter interface, one
// instance per connector or provider route.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/ovencore/ovencore/pkg/coreerrors"
)

// Limiter is satisfied by both strategies.
type Limiter interface {
	// Allow reports whether `cost` units of admission are available
	// right now, consuming them if so.
	Allow(cost int) bool
	// WaitIfNeeded blocks until `cost` units are available or ctx is
	// done, whichever comes first.
	WaitIfNeeded(ctx context.Context, cost int) error
}

// ── Token bucket ─────────────────────────────────────────────

// TokenBucket refills continuously at RefillPerSecond and admits a
// call only if the bucket holds at least `cost` tokens.
type TokenBucket struct {
	mu             sync.Mutex
	capacity       float64
	tokens         float64
	refillPerSec   float64
	lastRefill     time.Time
}

func NewTokenBucket(capacity, refillPerSecond float64) *TokenBucket {
	return &TokenBucket{
		capacity:     capacity,
		tokens:       capacity,
		refillPerSec: refillPerSecond,
		lastRefill:   time.Now(),
	}
}

func (t *TokenBucket) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(t.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	t.tokens += elapsed * t.refillPerSec
	if t.tokens > t.capacity {
		t.tokens = t.capacity
	}
	t.lastRefill = now
}

func (t *TokenBucket) Allow(cost int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refillLocked()
	if t.tokens >= float64(cost) {
		t.tokens -= float64(cost)
		return true
	}
	return false
}

func (t *TokenBucket) WaitIfNeeded(ctx context.Context, cost int) error {
	for {
		if t.Allow(cost) {
			return nil
		}
		t.mu.Lock()
		deficit := float64(cost) - t.tokens
		wait := time.Duration(deficit/t.refillPerSec*1000) * time.Millisecond
		t.mu.Unlock()
		if wait <= 0 {
			wait = time.Millisecond
		}
		select {
		case <-ctx.Done():
			return &coreerrors.TimeoutError{Op: "ratelimit.WaitIfNeeded"}
		case <-time.After(wait):
		}
	}
}

// ── Sliding window ───────────────────────────────────────────

// SlidingWindow admits at most MaxCalls within the trailing Window
// duration, tracked by request timestamps.
type SlidingWindow struct {
	mu       sync.Mutex
	maxCalls int
	window   time.Duration
	hits     []time.Time
}

func NewSlidingWindow(maxCalls int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{maxCalls: maxCalls, window: window}
}

func (s *SlidingWindow) pruneLocked(now time.Time) {
	cutoff := now.Add(-s.window)
	i := 0
	for i < len(s.hits) && s.hits[i].Before(cutoff) {
		i++
	}
	s.hits = s.hits[i:]
}

// Allow treats `cost` as the number of call slots this admission
// consumes (cost=1 for a single call, >1 to reserve several slots).
func (s *SlidingWindow) Allow(cost int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.pruneLocked(now)
	if len(s.hits)+cost > s.maxCalls {
		return false
	}
	for i := 0; i < cost; i++ {
		s.hits = append(s.hits, now)
	}
	return true
}

func (s *SlidingWindow) WaitIfNeeded(ctx context.Context, cost int) error {
	for {
		if s.Allow(cost) {
			return nil
		}
		s.mu.Lock()
		var wait time.Duration
		if len(s.hits) > 0 {
			wait = s.window - time.Since(s.hits[0])
		} else {
			wait = time.Millisecond
		}
		s.mu.Unlock()
		if wait <= 0 {
			wait = time.Millisecond
		}
		select {
		case <-ctx.Done():
			return &coreerrors.TimeoutError{Op: "ratelimit.WaitIfNeeded"}
		case <-time.After(wait):
		}
	}
}

// New builds a Limiter from a strategy name and parameters, matching
// orchmodels.RateLimitConfig.
func New(strategy string, calls int, window time.Duration) Limiter {
	switch strategy {
	case "token-bucket":
		refillPerSec := float64(calls) / window.Seconds()
		return NewTokenBucket(float64(calls), refillPerSec)
	default: // "sliding-window" and any unrecognized value
		return NewSlidingWindow(calls, window)
	}
}
