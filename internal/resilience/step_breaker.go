package resilience

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tasker-run/tasker/internal/taskerr"
)

// StepBreakers wraps a CircuitBreakerManager keyed by named step
// ("dependent_system/name"), supplementing §4.5: the spec is silent on
// whether repeated handler-level failures should short-circuit retries
// faster than the backoff schedule of §4.1 allows. An open breaker is
// surfaced as a RetryableError so it composes with, rather than replaces,
// the backoff rules — it never marks a step permanently failed on its own.
type StepBreakers struct {
	manager *CircuitBreakerManager
}

// NewStepBreakers builds the per-step-handler-class breaker registry.
func NewStepBreakers(logger *zap.Logger) *StepBreakers {
	return &StepBreakers{manager: NewCircuitBreakerManager(logger)}
}

func stepBreakerName(dependentSystem, name string) string { return dependentSystem + "/" + name }

// defaultStepBreakerConfig trips after more than 5 consecutive failures
// (defaultReadyToTrip, applied through ShouldTrip because NewCircuitBreaker
// otherwise installs the failure-rate rule of defaultShouldTrip) and probes
// again after 30 seconds, matching the executor's own exponential-backoff
// cap (readiness.MaxBackoffSeconds) so a tripped breaker and an ordinary
// backoff window tend to release around the same time.
func defaultStepBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      30 * time.Second,
		IsSuccessful: defaultIsSuccessful,
		ShouldTrip: func(m CircuitBreakerMetrics) bool {
			return defaultReadyToTrip(m.Counts)
		},
	}
}

// Guard runs fn through the named step's circuit breaker. When the breaker
// is open, the handler invocation is skipped entirely and a RetryableError
// is returned in its place, so the caller's retry/backoff bookkeeping in
// §4.5 proceeds exactly as if the handler itself had raised a transient
// error.
func (b *StepBreakers) Guard(ctx context.Context, dependentSystem, name string, fn func(context.Context) (map[string]interface{}, error)) (map[string]interface{}, error) {
	cb := b.manager.GetOrCreate(stepBreakerName(dependentSystem, name), defaultStepBreakerConfig())

	result, err := cb.ExecuteWithContext(ctx, func(ctx context.Context) (interface{}, error) {
		return fn(ctx)
	})
	if err != nil {
		if _, isRetryable := err.(*taskerr.RetryableError); isRetryable {
			return nil, err
		}
		if _, isPermanent := err.(*taskerr.PermanentError); isPermanent {
			return nil, err
		}
		return nil, taskerr.NewRetryable(err.Error())
	}
	if result == nil {
		return nil, nil
	}
	return result.(map[string]interface{}), nil
}

// Metrics exposes per-step-handler-class breaker state; the HTTP API serves
// it at /handlers.
func (b *StepBreakers) Metrics() map[string]CircuitBreakerMetrics {
	return b.manager.GetAllMetrics()
}
