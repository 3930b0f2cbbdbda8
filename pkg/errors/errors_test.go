package errors

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	err := New(ErrorTypeUpstream, "subscribe", "handshake failed")

	if err.Type != ErrorTypeUpstream {
		t.Errorf("New() type = %v, want %v", err.Type, ErrorTypeUpstream)
	}
	if err.Operation != "subscribe" {
		t.Errorf("New() operation = %v, want subscribe", err.Operation)
	}
	if !err.IsRetryable() {
		t.Error("New() upstream errors should be retryable")
	}
	if !strings.Contains(err.Error(), "handshake failed") {
		t.Errorf("New() error string missing message: %v", err.Error())
	}
}

func TestNewNotRetryable(t *testing.T) {
	for _, typ := range []ErrorType{ErrorTypeValidation, ErrorTypeProtocol, ErrorTypeInternal} {
		if New(typ, "op", "msg").IsRetryable() {
			t.Errorf("New(%v) should not be retryable", typ)
		}
	}
}

func TestWrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(cause, ErrorTypeNetwork, "dial", "failed to reach pool")

	if !errors.Is(err, cause) {
		t.Error("Wrap() should preserve the cause for errors.Is")
	}
	if !err.IsRetryable() {
		t.Error("Wrap() connection refused should be retryable")
	}
	if !strings.Contains(err.Error(), "caused by") {
		t.Errorf("Wrap() error string missing cause: %v", err.Error())
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, ErrorTypeNetwork, "dial", "msg") != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestWrapPreservesRetryability(t *testing.T) {
	inner := New(ErrorTypeValidation, "share", "bad hex")
	outer := Wrap(inner, ErrorTypeInternal, "relay", "submit failed")

	if outer.IsRetryable() {
		t.Error("Wrap() should preserve non-retryable inner classification")
	}
}

func TestIsRetryableContextErrors(t *testing.T) {
	if IsRetryable(context.Canceled) {
		t.Error("context.Canceled should not be retryable")
	}
	if IsRetryable(context.DeadlineExceeded) {
		t.Error("context.DeadlineExceeded should not be retryable")
	}
}

func TestIsType(t *testing.T) {
	err := New(ErrorTypeKafka, "publish", "broker down")

	if !IsType(err, ErrorTypeKafka) {
		t.Error("IsType() should match kafka")
	}
	if IsType(err, ErrorTypeDatabase) {
		t.Error("IsType() should not match database")
	}
	if IsType(errors.New("plain"), ErrorTypeKafka) {
		t.Error("IsType() should not match plain errors")
	}
}

func TestWithContext(t *testing.T) {
	err := New(ErrorTypeUpstream, "submit", "rejected").
		WithContext("job_id", "ab12").
		WithContext("worker_id", "w1")

	ctx := GetContext(err)
	if ctx["job_id"] != "ab12" || ctx["worker_id"] != "w1" {
		t.Errorf("GetContext() = %v, missing expected keys", ctx)
	}
}
