package observability

import (
	"context"

	"go.uber.org/zap"

	"github.com/tasker-run/tasker/internal/eventbus"
	"github.com/tasker-run/tasker/internal/models"
)

// BusSubscriber bridges the event bus (C4) to the Prometheus metrics: the
// telemetry sinks are subscribers, not core logic (§1), so the executor,
// finalizer, and orchestrator never touch a metric directly — they publish,
// and this subscriber records.
type BusSubscriber struct {
	metrics *Metrics
	logger  *zap.Logger
}

// RegisterBusSubscriber builds the subscriber and attaches it to every event
// it cares about. Subscription happens once at initialization (§9 design
// notes: a static table built at registration time).
func RegisterBusSubscriber(bus *eventbus.Bus, m *Metrics, logger *zap.Logger) *BusSubscriber {
	s := &BusSubscriber{metrics: m, logger: logger.With(zap.String("component", "metrics-subscriber"))}

	bus.Subscribe(eventbus.EventStepCompleted, "metrics", s.handleStepEvent)
	bus.Subscribe(eventbus.EventStepFailed, "metrics", s.handleStepEvent)

	bus.Subscribe(eventbus.EventTaskStarted, "metrics", s.handleTaskTransition)
	bus.Subscribe(eventbus.EventTaskRetried, "metrics", s.handleTaskTransition)
	bus.Subscribe(eventbus.EventTaskCancelled, "metrics", s.handleTaskTransition)
	bus.Subscribe(eventbus.EventTaskResolvedManually, "metrics", s.handleTaskTransition)
	bus.Subscribe(eventbus.EventTaskCompleted, "metrics", s.handleTaskTerminal)
	bus.Subscribe(eventbus.EventTaskFailed, "metrics", s.handleTaskTerminal)

	bus.Subscribe(eventbus.EventWorkflowIterationStarted, "metrics", s.handleIteration)
	bus.Subscribe(eventbus.EventWorkflowTaskReenqueueStarted, "metrics", s.handleReenqueue)
	bus.Subscribe(eventbus.EventWorkflowTaskReenqueueDelayed, "metrics", s.handleReenqueue)

	return s
}

func (s *BusSubscriber) handleStepEvent(ctx context.Context, eventName string, payload interface{}) error {
	p, ok := payload.(eventbus.StepPayload)
	if !ok {
		return nil
	}
	status := "completed"
	if eventName == eventbus.EventStepFailed {
		status = "failed"
	}
	s.metrics.RecordStepExecution(p.StepName, status)
	if p.ExecutionMillis > 0 {
		s.metrics.ObserveStepDuration(p.StepName, float64(p.ExecutionMillis)/1000)
	}
	return nil
}

// handleTaskTransition receives the raw transition row the state machine
// published and decodes its metadata map back into the typed shape so the
// correlation id and triggering component land in the log line.
func (s *BusSubscriber) handleTaskTransition(ctx context.Context, eventName string, payload interface{}) error {
	tr, ok := payload.(*models.TaskTransition)
	if !ok {
		return nil
	}
	s.metrics.RecordTaskTransition(string(tr.ToState))
	if meta, err := models.TransitionMetadataFromMap(tr.Metadata); err == nil {
		s.logger.Debug("task transition recorded",
			zap.Int64("task_id", tr.TaskID),
			zap.String("to_state", string(tr.ToState)),
			zap.String("triggered_by", meta.TriggeringComponent),
			zap.String("correlation_id", meta.CorrelationID))
	}
	return nil
}

// handleTaskTerminal covers task.completed and task.failed, which the
// finalizer publishes with the rich TaskPayload rather than a bare
// transition row.
func (s *BusSubscriber) handleTaskTerminal(ctx context.Context, eventName string, payload interface{}) error {
	toState := string(models.TaskComplete)
	if eventName == eventbus.EventTaskFailed {
		toState = string(models.TaskError)
	}
	s.metrics.RecordTaskTransition(toState)

	if p, ok := payload.(eventbus.TaskPayload); ok && p.TotalSteps > 0 {
		s.metrics.ObserveTaskCompletion(p.TaskName, 100*float64(p.CompletedSteps)/float64(p.TotalSteps))
	}
	return nil
}

func (s *BusSubscriber) handleIteration(ctx context.Context, eventName string, payload interface{}) error {
	p, ok := payload.(eventbus.OrchestrationPayload)
	if !ok {
		return nil
	}
	status, _ := p.Context["execution_status"].(string)
	s.metrics.RecordOrchestratorIteration(status)
	return nil
}

func (s *BusSubscriber) handleReenqueue(ctx context.Context, eventName string, payload interface{}) error {
	p, ok := payload.(eventbus.OrchestrationPayload)
	if !ok {
		return nil
	}
	reason, _ := p.Context["reason"].(string)
	s.metrics.RecordReenqueue(reason)
	return nil
}
