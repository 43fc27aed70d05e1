package taskerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifyPassesRetryableThrough(t *testing.T) {
	re := NewRetryable("connection reset")
	retryable, permanent := Classify(re)
	if retryable != re {
		t.Fatalf("expected the same RetryableError back, got %#v", retryable)
	}
	if permanent != nil {
		t.Fatalf("expected nil permanent error, got %#v", permanent)
	}
}

func TestClassifyPassesPermanentThrough(t *testing.T) {
	pe := NewPermanent("invalid task definition")
	retryable, permanent := Classify(pe)
	if retryable != nil {
		t.Fatalf("expected nil retryable error, got %#v", retryable)
	}
	if permanent != pe {
		t.Fatalf("expected the same PermanentError back, got %#v", permanent)
	}
}

func TestClassifyWrapsUnknownErrorsAsRetryable(t *testing.T) {
	err := errors.New("boom")
	retryable, permanent := Classify(err)
	if permanent != nil {
		t.Fatalf("expected nil permanent error, got %#v", permanent)
	}
	if retryable == nil {
		t.Fatal("expected a RetryableError wrapping the unknown error")
	}
	if retryable.Message != "boom" {
		t.Errorf("message = %q, want %q", retryable.Message, "boom")
	}
	if retryable.ErrorClass != "*errors.errorString" {
		t.Errorf("error class = %q, want %q", retryable.ErrorClass, "*errors.errorString")
	}
}

func TestClassifyNil(t *testing.T) {
	retryable, permanent := Classify(nil)
	if retryable != nil || permanent != nil {
		t.Fatalf("expected both nil for a nil error, got (%#v, %#v)", retryable, permanent)
	}
}

func TestRetryableErrorWithRetryAfterDoesNotMutateOriginal(t *testing.T) {
	base := NewRetryable("rate limited")
	withDelay := base.WithRetryAfter(30)

	if base.RetryAfter != nil {
		t.Fatal("expected original error to remain untouched")
	}
	if withDelay.RetryAfter == nil || *withDelay.RetryAfter != 30 {
		t.Fatalf("expected RetryAfter = 30, got %v", withDelay.RetryAfter)
	}
}

func TestErrorStrings(t *testing.T) {
	re := &RetryableError{Message: "timeout", ErrorClass: "HandlerTimeout"}
	if got, want := re.Error(), "HandlerTimeout: timeout"; got != want {
		t.Errorf("RetryableError.Error() = %q, want %q", got, want)
	}

	pe := &PermanentError{Message: "bad config", ErrorCode: "E_CONFIG"}
	if got, want := pe.Error(), "[E_CONFIG] bad config"; got != want {
		t.Errorf("PermanentError.Error() = %q, want %q", got, want)
	}

	ve := &ValidationError{Message: "is required", Field: "name"}
	if got, want := ve.Error(), "name: is required"; got != want {
		t.Errorf("ValidationError.Error() = %q, want %q", got, want)
	}

	ce := &ConfigurationError{Message: "missing event"}
	if got, want := ce.Error(), "configuration error: missing event"; got != want {
		t.Errorf("ConfigurationError.Error() = %q, want %q", got, want)
	}
}

func TestIsTimeoutClass(t *testing.T) {
	cases := map[string]bool{
		"HandlerTimeout":   true,
		"TIMEOUT_EXCEEDED": true,
		"RetryableError":   false,
		"":                 false,
	}
	for class, want := range cases {
		if got := IsTimeoutClass(class); got != want {
			t.Errorf("IsTimeoutClass(%q) = %v, want %v", class, got, want)
		}
	}
}

func TestInfrastructureErrorWrapsCause(t *testing.T) {
	cause := errors.New("connection refused")
	ie := &InfrastructureError{Message: "publish reenqueue for task 7", Err: cause}

	if got, want := ie.Error(), "publish reenqueue for task 7: connection refused"; got != want {
		t.Errorf("InfrastructureError.Error() = %q, want %q", got, want)
	}
	if !errors.Is(ie, cause) {
		t.Error("expected errors.Is to reach the wrapped cause through Unwrap")
	}

	var target *InfrastructureError
	if !errors.As(fmt.Errorf("finalize task 7: %w", ie), &target) {
		t.Error("expected errors.As to find *InfrastructureError through wrapping")
	}

	bare := &InfrastructureError{Message: "database unreachable"}
	if got, want := bare.Error(), "database unreachable"; got != want {
		t.Errorf("InfrastructureError.Error() = %q, want %q", got, want)
	}
}
