// Package circuitbreaker implements the named circuit breaker primitive
// (§4.2): closed/open/half-open states guarding a call site from a
// failing dependency.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ovencore/ovencore/pkg/coreerrors"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config tunes one breaker instance.
type Config struct {
	// FailureThreshold is the number of consecutive failures in the
	// closed state that trips the breaker open.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive successes required
	// in the half-open state to close the breaker again.
	SuccessThreshold int
	// OpenTimeout is how long the breaker stays open before moving to
	// half-open. Half-open does not limit calls to one at a time: Allow
	// admits every call until a recorded outcome closes or re-trips it.
	OpenTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
	}
}

// Breaker is a single named circuit breaker. Safe for concurrent use.
type Breaker struct {
	name string
	cfg  Config

	mu               sync.Mutex
	state            State
	consecutiveFail  int
	consecutiveOK    int
	openedAt         time.Time
}

func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultConfig().OpenTimeout
	}
	return &Breaker{name: name, cfg: cfg, state: StateClosed}
}

// State returns the breaker's current state, transitioning open→half-open
// as a side effect if OpenTimeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeProbeLocked()
	return b.state
}

func (b *Breaker) maybeProbeLocked() {
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.OpenTimeout {
		b.state = StateHalfOpen
		b.consecutiveOK = 0
		log.Info().Str("breaker", b.name).Msg("circuitbreaker: open timeout elapsed, probing half-open")
	}
}

// Allow reports whether a call may proceed. Callers must report the
// outcome via RecordSuccess/RecordFailure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeProbeLocked()
	if b.state == StateOpen {
		return &coreerrors.CircuitOpen{Name: b.name, OpenSince: b.openedAt.UTC().Format(time.RFC3339)}
	}
	return nil
}

// RecordSuccess reports a successful call. In closed state this just
// resets the failure counter; in half-open it counts toward closing
// the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		b.consecutiveFail = 0
	case StateHalfOpen:
		b.consecutiveOK++
		if b.consecutiveOK >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.consecutiveFail = 0
			b.consecutiveOK = 0
			log.Info().Str("breaker", b.name).Msg("circuitbreaker: closed after successful probes")
		}
	}
}

// RecordFailure reports a failed call. A failure while half-open trips
// the breaker back open immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		b.consecutiveFail++
		if b.consecutiveFail >= b.cfg.FailureThreshold {
			b.trip()
		}
	case StateHalfOpen:
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = time.Now()
	b.consecutiveOK = 0
	log.Warn().Str("breaker", b.name).Msg("circuitbreaker: tripped open")
}

// Name returns the breaker's identifier.
func (b *Breaker) Name() string { return b.name }
