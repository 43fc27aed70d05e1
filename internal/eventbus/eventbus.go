// Package eventbus is Tasker's in-process publish/subscribe bus (C4): it
// decouples the state machines, discovery, executor, and finalizer so none
// of them call each other directly. Every event name a publisher may emit
// must be pre-registered; subscribers declare the names they want and are
// invoked synchronously on the publisher's goroutine.
package eventbus

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/tasker-run/tasker/internal/taskerr"
)

// Reserved prefixes may only be used for the engine's own built-in events;
// custom events registered by consumers must use a different namespace.
var reservedPrefixes = []string{"task.", "step.", "workflow.", "observability."}

// Built-in event names (§4.3, §4.4, §4.6, §4.7). Registered automatically by
// New so callers never need to call RegisterEvent for core engine events.
const (
	EventTaskInitializeRequested = "task.initialize_requested"
	EventTaskStarted             = "task.started"
	EventTaskCompleted           = "task.completed"
	EventTaskFailed              = "task.failed"
	EventTaskRetried             = "task.retried"
	EventTaskCancelled           = "task.cancelled"
	EventTaskResolvedManually    = "task.resolved_manually"

	EventStepInitialized      = "step.initialized"
	EventStepStarted          = "step.started"
	EventStepCompleted        = "step.completed"
	EventStepFailed           = "step.failed"
	EventStepRetried          = "step.retried"
	EventStepCancelled        = "step.cancelled"
	EventStepResolvedManually = "step.resolved_manually"

	EventWorkflowViableStepsDiscovered = "workflow.viable_steps_discovered"
	EventWorkflowNoViableSteps         = "workflow.no_viable_steps"
	EventWorkflowIterationStarted      = "workflow.iteration_started"
	EventWorkflowTaskReenqueueStarted  = "workflow.task_reenqueue_started"
	EventWorkflowTaskReenqueueFailed   = "workflow.task_reenqueue_failed"
	EventWorkflowTaskReenqueueDelayed  = "workflow.task_reenqueue_delayed"

	EventObservabilitySubscriberError = "observability.subscriber_error"
)

func builtinEvents() []string {
	return []string{
		EventTaskInitializeRequested, EventTaskStarted, EventTaskCompleted, EventTaskFailed,
		EventTaskRetried, EventTaskCancelled, EventTaskResolvedManually,
		EventStepInitialized, EventStepStarted, EventStepCompleted, EventStepFailed,
		EventStepRetried, EventStepCancelled, EventStepResolvedManually,
		EventWorkflowViableStepsDiscovered, EventWorkflowNoViableSteps, EventWorkflowIterationStarted,
		EventWorkflowTaskReenqueueStarted, EventWorkflowTaskReenqueueFailed, EventWorkflowTaskReenqueueDelayed,
		EventObservabilitySubscriberError,
	}
}

// HandlerFunc receives a registered event's name and its payload. A
// subscriber failure (non-nil return, or panic) is logged and never
// propagates to the publisher.
type HandlerFunc func(ctx context.Context, eventName string, payload interface{}) error

// Bus is a process-local publish/subscribe hub.
type Bus struct {
	logger *zap.Logger

	mu         sync.RWMutex
	registered map[string]struct{}
	// subscriptions is the static table built at registration time, keyed
	// by event name, per DESIGN NOTES §9 (no dynamic method-lookup dispatch).
	subscriptions map[string][]subscription
}

type subscription struct {
	name string
	fn   HandlerFunc
}

// New builds a Bus with the built-in event names pre-registered.
func New(logger *zap.Logger) *Bus {
	b := &Bus{
		logger:        logger.With(zap.String("component", "eventbus")),
		registered:    make(map[string]struct{}),
		subscriptions: make(map[string][]subscription),
	}
	for _, name := range builtinEvents() {
		b.registered[name] = struct{}{}
	}
	return b
}

// RegisterEvent adds a custom event name. Custom names must carry a
// namespace (contain a dot) and must not collide with a reserved prefix
// (§4.3 "Custom events").
func (b *Bus) RegisterEvent(name string) error {
	if !strings.Contains(name, ".") {
		return &taskerr.ConfigurationError{Message: fmt.Sprintf("event name %q must be namespaced with a dot", name)}
	}
	for _, p := range reservedPrefixes {
		if strings.HasPrefix(name, p) {
			return &taskerr.ConfigurationError{Message: fmt.Sprintf("event name %q collides with reserved prefix %q", name, p)}
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registered[name] = struct{}{}
	return nil
}

// Subscribe registers fn to receive events named name. Unlike Publish,
// Subscribe does not require the name to be registered yet, so subscriber
// setup order is unconstrained; fn only fires once the name is registered
// (built-in or via RegisterEvent) and published.
func (b *Bus) Subscribe(name string, subscriberName string, fn HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscriptions[name] = append(b.subscriptions[name], subscription{name: subscriberName, fn: fn})
}

// Publish delivers payload to every subscriber of name, synchronously, on
// the calling goroutine. Publishing an unregistered name fails fast (§4.3).
// A subscriber that returns an error or panics is logged and does not
// interrupt delivery to the remaining subscribers (§4.3 "log-and-continue").
func (b *Bus) Publish(ctx context.Context, name string, payload interface{}) error {
	b.mu.RLock()
	_, ok := b.registered[name]
	subs := append([]subscription(nil), b.subscriptions[name]...)
	b.mu.RUnlock()

	if !ok {
		return &taskerr.ConfigurationError{Message: fmt.Sprintf("event %q is not registered", name)}
	}

	for _, s := range subs {
		b.deliver(ctx, s, name, payload)
	}
	return nil
}

func (b *Bus) deliver(ctx context.Context, s subscription, name string, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked",
				zap.String("subscriber", s.name), zap.String("event", name), zap.Any("panic", r))
		}
	}()
	if err := s.fn(ctx, name, payload); err != nil {
		b.logger.Error("subscriber failed",
			zap.String("subscriber", s.name), zap.String("event", name), zap.Error(err))
	}
}

// correlationIDKey is the context key carrying the per-execution correlation
// id (§4.3) threaded through orchestrator iterations, step attempts, and
// their published events.
type correlationIDKey struct{}

// WithCorrelationID attaches a correlation id to ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// CorrelationID reads the correlation id attached to ctx, if any.
func CorrelationID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(correlationIDKey{}).(string)
	return id, ok && id != ""
}
