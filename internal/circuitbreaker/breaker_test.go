package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/ovencore/ovencore/pkg/coreerrors"
)

func TestClosedAllowsByDefault(t *testing.T) {
	b := New("test", DefaultConfig())
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow on fresh breaker: %v", err)
	}
}

func TestTripsOpenAfterThreshold(t *testing.T) {
	cfg := Config{FailureThreshold: 3, SuccessThreshold: 1, OpenTimeout: time.Hour}
	b := New("test", cfg)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}
	err := b.Allow()
	var circuitOpen *coreerrors.CircuitOpen
	if !errors.As(err, &circuitOpen) {
		t.Fatalf("Allow error = %v, want *coreerrors.CircuitOpen", err)
	}
}

func TestHalfOpenAfterTimeout(t *testing.T) {
	cfg := Config{FailureThreshold: 1, SuccessThreshold: 1, OpenTimeout: 10 * time.Millisecond}
	b := New("test", cfg)
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected open immediately after tripping")
	}
	time.Sleep(20 * time.Millisecond)
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after timeout", b.State())
	}
}

func TestHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	cfg := Config{FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: 1 * time.Millisecond}
	b := New("test", cfg)
	b.RecordFailure()
	time.Sleep(5 * time.Millisecond)
	b.State() // trigger half-open transition

	b.RecordSuccess()
	if b.State() != StateHalfOpen {
		t.Fatalf("expected still half-open after one success (threshold 2)")
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("expected closed after reaching success threshold")
	}
}

func TestHalfOpenFailureTripsBackOpen(t *testing.T) {
	cfg := Config{FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: 1 * time.Millisecond}
	b := New("test", cfg)
	b.RecordFailure()
	time.Sleep(5 * time.Millisecond)
	b.State()

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected failure during half-open to re-trip the breaker")
	}
}

func TestSuccessInClosedStateIsNoopBeyondResettingCounter(t *testing.T) {
	cfg := Config{FailureThreshold: 3, SuccessThreshold: 1, OpenTimeout: time.Hour}
	b := New("test", cfg)
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess() // should reset consecutive-failure counter
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed (success should have reset the streak)", b.State())
	}
}
