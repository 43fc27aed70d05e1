package resilience

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/tasker-run/tasker/internal/taskerr"
)

func TestStepBreakersGuardPassesThroughSuccess(t *testing.T) {
	b := NewStepBreakers(zap.NewNop())
	result, err := b.Guard(context.Background(), "http", "charge_card", func(ctx context.Context) (map[string]interface{}, error) {
		return map[string]interface{}{"ok": true}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result["ok"] != true {
		t.Fatalf("expected handler result to pass through, got %#v", result)
	}
}

func TestStepBreakersGuardPreservesRetryableAndPermanentErrors(t *testing.T) {
	b := NewStepBreakers(zap.NewNop())

	_, err := b.Guard(context.Background(), "http", "charge_card", func(ctx context.Context) (map[string]interface{}, error) {
		return nil, taskerr.NewRetryable("gateway timeout")
	})
	if _, ok := err.(*taskerr.RetryableError); !ok {
		t.Fatalf("expected *taskerr.RetryableError, got %T", err)
	}

	_, err = b.Guard(context.Background(), "http", "charge_card", func(ctx context.Context) (map[string]interface{}, error) {
		return nil, taskerr.NewPermanent("invalid card")
	})
	if _, ok := err.(*taskerr.PermanentError); !ok {
		t.Fatalf("expected *taskerr.PermanentError, got %T", err)
	}
}

func TestStepBreakersGuardWrapsUnknownErrorsAsRetryable(t *testing.T) {
	b := NewStepBreakers(zap.NewNop())
	_, err := b.Guard(context.Background(), "http", "charge_card", func(ctx context.Context) (map[string]interface{}, error) {
		return nil, errors.New("connection refused")
	})
	if _, ok := err.(*taskerr.RetryableError); !ok {
		t.Fatalf("expected *taskerr.RetryableError, got %T", err)
	}
}

func TestStepBreakersGuardOpensAfterConsecutiveFailures(t *testing.T) {
	b := NewStepBreakers(zap.NewNop())
	failing := func(ctx context.Context) (map[string]interface{}, error) {
		return nil, errors.New("downstream unavailable")
	}

	// defaultStepBreakerConfig's ShouldTrip applies the package default
	// readyToTrip rule: trips after more than 5 consecutive failures.
	for i := 0; i < 6; i++ {
		if _, err := b.Guard(context.Background(), "http", "flaky_handler", failing); err == nil {
			t.Fatalf("expected failure %d to return an error", i)
		}
	}

	called := false
	_, err := b.Guard(context.Background(), "http", "flaky_handler", func(ctx context.Context) (map[string]interface{}, error) {
		called = true
		return map[string]interface{}{}, nil
	})
	if called {
		t.Fatal("expected the open breaker to skip invoking the handler")
	}
	if _, ok := err.(*taskerr.RetryableError); !ok {
		t.Fatalf("expected an open breaker to surface as *taskerr.RetryableError, got %T", err)
	}
}

func TestStepBreakersMetricsReportsPerHandlerClass(t *testing.T) {
	b := NewStepBreakers(zap.NewNop())
	b.Guard(context.Background(), "http", "charge_card", func(ctx context.Context) (map[string]interface{}, error) {
		return map[string]interface{}{}, nil
	})

	metrics := b.Metrics()
	if _, ok := metrics["http/charge_card"]; !ok {
		t.Fatalf("expected metrics keyed by \"http/charge_card\", got keys %v", keysOf(metrics))
	}
}

func keysOf(m map[string]CircuitBreakerMetrics) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
