package circuit

import (
	"context"
	"errors"
	"testing"
	"time"

	gospErrors "github.com/hashlane/gosp/pkg/errors"
)

func testConfig() *Config {
	return &Config{
		MaxFailures:     2,
		SuccessRequired: 2,
		Timeout:         20 * time.Millisecond,
		ResetTimeout:    time.Minute,
	}
}

func TestBreaker_OpensAfterFailures(t *testing.T) {
	cb := New(testConfig())
	ctx := context.Background()
	failing := func() error { return errors.New("broker down") }

	for range 2 {
		_ = cb.Execute(ctx, failing)
	}

	if cb.GetState() != StateOpen {
		t.Fatalf("state = %v, want open", cb.GetState())
	}

	// Requests are rejected without invoking fn while open
	called := false
	err := cb.Execute(ctx, func() error {
		called = true
		return nil
	})
	if err == nil {
		t.Error("Execute() on open breaker should fail")
	}
	if called {
		t.Error("Execute() on open breaker should not invoke fn")
	}
	if !gospErrors.IsType(err, gospErrors.ErrorTypeInternal) {
		t.Errorf("Execute() error type = %v, want internal", err)
	}
}

func TestBreaker_RecoversThroughHalfOpen(t *testing.T) {
	cb := New(testConfig())
	ctx := context.Background()

	for range 2 {
		_ = cb.Execute(ctx, func() error { return errors.New("fail") })
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("state = %v, want open", cb.GetState())
	}

	time.Sleep(25 * time.Millisecond)

	for range 2 {
		if err := cb.Execute(ctx, func() error { return nil }); err != nil {
			t.Fatalf("Execute() in half-open error = %v", err)
		}
	}

	if cb.GetState() != StateClosed {
		t.Errorf("state = %v, want closed after recovery", cb.GetState())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := New(testConfig())
	ctx := context.Background()

	for range 2 {
		_ = cb.Execute(ctx, func() error { return errors.New("fail") })
	}
	time.Sleep(25 * time.Millisecond)

	_ = cb.Execute(ctx, func() error { return errors.New("still failing") })

	if cb.GetState() != StateOpen {
		t.Errorf("state = %v, want open after half-open failure", cb.GetState())
	}
}

func TestExecuteWithResult(t *testing.T) {
	cb := New(testConfig())
	ctx := context.Background()

	got, err := ExecuteWithResult(ctx, cb, func() (int, error) {
		return 42, nil
	})
	if err != nil || got != 42 {
		t.Errorf("ExecuteWithResult() = (%d, %v), want (42, nil)", got, err)
	}
}

func TestBreaker_Reset(t *testing.T) {
	cb := New(testConfig())
	ctx := context.Background()

	for range 2 {
		_ = cb.Execute(ctx, func() error { return errors.New("fail") })
	}
	cb.Reset()

	if cb.GetState() != StateClosed {
		t.Errorf("state = %v, want closed after Reset", cb.GetState())
	}
}
