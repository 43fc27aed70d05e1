// Package httpapi is the thin HTTP adapter (§6) fronting the durable store,
// readiness projections, and task initializer. It uses net/http's
// ServeMux directly: the teacher and the rest of the retrieved pack never
// carry an HTTP router dependency (the teacher fronted everything with
// gRPC), so there is no third-party routing library to adopt here — see
// DESIGN.md for this standard-library justification. Validation and rate
// limiting still come from the pack (go-playground/validator,
// golang.org/x/time/rate).
package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tasker-run/tasker/internal/observability"
	"github.com/tasker-run/tasker/internal/readiness"
	"github.com/tasker-run/tasker/internal/repo"
	"github.com/tasker-run/tasker/internal/resilience"
	"github.com/tasker-run/tasker/internal/statemachine"
	"github.com/tasker-run/tasker/internal/taskinit"
)

// Server wires the durable store, readiness provider, and task initializer
// to an HTTP surface.
type Server struct {
	repo        *repo.Repository
	readiness   *readiness.Provider
	init        *taskinit.Initializer
	breakers    *resilience.StepBreakers
	metrics     *observability.Metrics
	taskMachine *statemachine.TaskMachine
	stepMachine *statemachine.StepMachine
	logger      *zap.Logger
	validate    *validator.Validate
	limiters    *rateLimiters
	startedAt   time.Time
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithRateLimit sets the per-source-system token bucket parameters (§6).
// A zero rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		s.limiters = newRateLimiters(rps, burst)
	}
}

// WithStateMachines wires the DELETE /tasks/:id and DELETE
// /workflow_steps/:id cancellation endpoints (§6) to the shared task/step
// state machines the orchestrator uses, so a cancel issued over HTTP goes
// through the same guarded, event-publishing transition path.
func WithStateMachines(tasks *statemachine.TaskMachine, steps *statemachine.StepMachine) Option {
	return func(s *Server) {
		s.taskMachine = tasks
		s.stepMachine = steps
	}
}

func New(r *repo.Repository, rp *readiness.Provider, init *taskinit.Initializer, breakers *resilience.StepBreakers,
	metrics *observability.Metrics, logger *zap.Logger, opts ...Option) *Server {
	s := &Server{
		repo: r, readiness: rp, init: init, breakers: breakers, metrics: metrics,
		logger: logger.With(zap.String("component", "httpapi")), validate: validator.New(),
		limiters: newRateLimiters(0, 0), startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes builds the full HTTP handler tree.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/live", s.handleLive)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/tasks", s.rateLimited(s.handleTasksCollection))
	mux.HandleFunc("/tasks/", s.handleTaskItem)
	mux.HandleFunc("/workflow_steps/", s.handleWorkflowStepItem)
	mux.HandleFunc("/handlers", s.handleHandlers)

	mux.HandleFunc("/analytics/performance", s.handlePerformance)
	mux.HandleFunc("/analytics/bottlenecks", s.handleBottlenecks)

	return mux
}

// rateLimiters is a per-source-system golang.org/x/time/rate limiter pool
// (§6): POST /tasks is the only endpoint the spec calls out as needing
// per-tenant limiting, so the pool is keyed by the X-Source-System request
// header, falling back to the client's remote address when it is absent.
// allow runs on every request goroutine, so the key map is guarded.
type rateLimiters struct {
	rps   rate.Limit
	burst int

	mu    sync.RWMutex
	byKey map[string]*rate.Limiter
}

func newRateLimiters(rps float64, burst int) *rateLimiters {
	return &rateLimiters{rps: rate.Limit(rps), burst: burst, byKey: make(map[string]*rate.Limiter)}
}

func (rl *rateLimiters) allow(key string) bool {
	if rl.rps <= 0 {
		return true
	}

	rl.mu.RLock()
	limiter, ok := rl.byKey[key]
	rl.mu.RUnlock()
	if !ok {
		rl.mu.Lock()
		limiter, ok = rl.byKey[key]
		if !ok {
			limiter = rate.NewLimiter(rl.rps, rl.burst)
			rl.byKey[key] = limiter
		}
		rl.mu.Unlock()
	}
	return limiter.Allow()
}

func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			key := r.Header.Get("X-Source-System")
			if key == "" {
				key = r.RemoteAddr
			}
			if !s.limiters.allow(key) {
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
