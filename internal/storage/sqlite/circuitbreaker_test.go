package sqlite

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mistakeknot/randomizer/internal/core"
)

func TestBreakerStartsClosed(t *testing.T) {
	cb := NewCircuitBreaker(5, 30*time.Second)
	if cb.State() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.State())
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(5, 30*time.Second)
	testErr := errors.New("fail")

	for i := 0; i < 5; i++ {
		_ = cb.Execute(func() error { return testErr })
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open after %d failures, got %s", 5, cb.State())
	}
}

func TestBreakerRejectsWhenOpen(t *testing.T) {
	cb := NewCircuitBreaker(5, 30*time.Second)
	testErr := errors.New("fail")

	for i := 0; i < 5; i++ {
		_ = cb.Execute(func() error { return testErr })
	}

	called := false
	err := cb.Execute(func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Fatal("fn should not have been called when breaker is open")
	}
}

func TestBreakerResetsAfterTimeout(t *testing.T) {
	cb := NewCircuitBreaker(5, 100*time.Millisecond)
	now := time.Now()
	cb.nowFunc = func() time.Time { return now }
	var transitions []string
	cb.OnStateChange = func(from, to BreakerState) {
		transitions = append(transitions, from.String()+">"+to.String())
	}
	testErr := errors.New("fail")

	for i := 0; i < 5; i++ {
		_ = cb.Execute(func() error { return testErr })
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	now = now.Add(200 * time.Millisecond)

	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected probe to succeed, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after successful probe, got %s", cb.State())
	}
	want := []string{"closed>open", "open>half_open", "half_open>closed"}
	if len(transitions) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("expected transitions %v, got %v", want, transitions)
		}
	}
}

func TestBreakerProbeFailureReOpens(t *testing.T) {
	cb := NewCircuitBreaker(5, 100*time.Millisecond)
	now := time.Now()
	cb.nowFunc = func() time.Time { return now }
	testErr := errors.New("fail")

	for i := 0; i < 5; i++ {
		_ = cb.Execute(func() error { return testErr })
	}

	now = now.Add(200 * time.Millisecond)
	_ = cb.Execute(func() error { return testErr })
	if cb.State() != StateOpen {
		t.Fatalf("expected open after probe failure, got %s", cb.State())
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(5, 30*time.Second)
	testErr := errors.New("fail")

	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return testErr })
	}
	_ = cb.Execute(func() error { return nil })
	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return testErr })
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed (3+3 non-consecutive < threshold 5), got %s", cb.State())
	}
}

func TestBreakerIgnoresAllocationOutcomes(t *testing.T) {
	cb := NewCircuitBreaker(2, 30*time.Second)
	cb.IsFailure = isInfrastructureError

	for i := 0; i < 10; i++ {
		err := cb.Execute(func() error { return core.ErrNoRowsAvailable })
		if !errors.Is(err, core.ErrNoRowsAvailable) {
			t.Fatalf("expected the outcome to pass through, got %v", err)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("logical errors must not trip the breaker, got %s", cb.State())
	}
	for i := 0; i < 2; i++ {
		_ = cb.Execute(func() error { return errors.New("disk I/O error") })
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}
}

func TestBreakerConcurrentAccess(t *testing.T) {
	cb := NewCircuitBreaker(100, 30*time.Second)
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = cb.Execute(func() error { return nil })
			_ = cb.State()
		}()
	}
	wg.Wait()
}
