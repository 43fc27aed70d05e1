package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics exposed at /metrics (§6).
type Metrics struct {
	// Step execution metrics (C6)
	StepExecutionsTotal  *prometheus.CounterVec
	StepExecutionDuration *prometheus.HistogramVec
	ActiveStepExecutions *prometheus.GaugeVec

	// Task lifecycle metrics (C3, C7)
	TaskTransitionsTotal *prometheus.CounterVec
	ActiveTasks          *prometheus.GaugeVec
	TaskCompletionPct    *prometheus.HistogramVec

	// Orchestrator / reenqueue metrics (C7, C8)
	ReenqueuesTotal      *prometheus.CounterVec
	OrchestratorIterationsTotal *prometheus.CounterVec
	QueueDepth           *prometheus.GaugeVec

	// Circuit breaker metrics (resilience.StepBreakers)
	CircuitBreakerStateChanges *prometheus.CounterVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Resource metrics
	DatabaseConnections *prometheus.GaugeVec
}

// NewMetrics creates a new Metrics instance with all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		StepExecutionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tasker_step_executions_total",
				Help: "Total number of step executions",
			},
			[]string{"step_name", "status"},
		),

		StepExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tasker_step_execution_duration_seconds",
				Help:    "Duration of step executions in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"step_name"},
		),

		ActiveStepExecutions: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tasker_active_step_executions",
				Help: "Number of currently in-progress workflow steps",
			},
			[]string{"step_name"},
		),

		TaskTransitionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tasker_task_transitions_total",
				Help: "Total number of task state transitions",
			},
			[]string{"to_state"},
		),

		ActiveTasks: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tasker_active_tasks",
				Help: "Number of tasks not yet in a terminal state",
			},
			[]string{"namespace"},
		),

		TaskCompletionPct: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tasker_task_completion_percentage",
				Help:    "Completion percentage observed at finalization time",
				Buckets: []float64{0, 25, 50, 75, 90, 100},
			},
			[]string{"task_name"},
		),

		ReenqueuesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tasker_reenqueues_total",
				Help: "Total number of task reenqueue operations",
			},
			[]string{"reason"},
		),

		OrchestratorIterationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tasker_orchestrator_iterations_total",
				Help: "Total number of orchestrator loop iterations",
			},
			[]string{"execution_status"},
		),

		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tasker_queue_depth",
				Help: "Number of messages in a queue",
			},
			[]string{"queue_name"},
		),

		CircuitBreakerStateChanges: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tasker_circuit_breaker_state_changes_total",
				Help: "Total number of circuit breaker state transitions, per step-handler class",
			},
			[]string{"handler", "to_state"},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tasker_errors_total",
				Help: "Total number of errors by component and class",
			},
			[]string{"component", "error_type"},
		),

		DatabaseConnections: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tasker_database_connections",
				Help: "Number of database connections",
			},
			[]string{"state"}, // "active", "idle", "open"
		),
	}
}

// RecordStepExecution records a step execution outcome.
func (m *Metrics) RecordStepExecution(stepName, status string) {
	m.StepExecutionsTotal.WithLabelValues(stepName, status).Inc()
}

// ObserveStepDuration observes step execution duration.
func (m *Metrics) ObserveStepDuration(stepName string, duration float64) {
	m.StepExecutionDuration.WithLabelValues(stepName).Observe(duration)
}

// SetActiveSteps sets the number of active step executions.
func (m *Metrics) SetActiveSteps(stepName string, count float64) {
	m.ActiveStepExecutions.WithLabelValues(stepName).Set(count)
}

// RecordTaskTransition records a task reaching to_state.
func (m *Metrics) RecordTaskTransition(toState string) {
	m.TaskTransitionsTotal.WithLabelValues(toState).Inc()
}

// SetActiveTasks sets the number of non-terminal tasks for a namespace.
func (m *Metrics) SetActiveTasks(namespace string, count float64) {
	m.ActiveTasks.WithLabelValues(namespace).Set(count)
}

// ObserveTaskCompletion records a task's completion percentage at finalization.
func (m *Metrics) ObserveTaskCompletion(taskName string, pct float64) {
	m.TaskCompletionPct.WithLabelValues(taskName).Observe(pct)
}

// RecordReenqueue records a reenqueue operation.
func (m *Metrics) RecordReenqueue(reason string) {
	m.ReenqueuesTotal.WithLabelValues(reason).Inc()
}

// RecordOrchestratorIteration records one orchestrator loop pass.
func (m *Metrics) RecordOrchestratorIteration(executionStatus string) {
	m.OrchestratorIterationsTotal.WithLabelValues(executionStatus).Inc()
}

// SetQueueDepth sets the queue depth metric.
func (m *Metrics) SetQueueDepth(queueName string, depth float64) {
	m.QueueDepth.WithLabelValues(queueName).Set(depth)
}

// RecordCircuitBreakerStateChange records a breaker transitioning state.
func (m *Metrics) RecordCircuitBreakerStateChange(handler, toState string) {
	m.CircuitBreakerStateChanges.WithLabelValues(handler, toState).Inc()
}

// RecordError records an error metric.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// SetDatabaseConnections sets database connection metrics.
func (m *Metrics) SetDatabaseConnections(state string, count float64) {
	m.DatabaseConnections.WithLabelValues(state).Set(count)
}
