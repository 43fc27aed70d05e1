// Command tasker is the Tasker engine's entrypoint: a cobra CLI exposing
// "serve" (the HTTP surface plus the background reenqueue-driven
// orchestrator loop), "migrate", and "task show" for ad-hoc inspection.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tasker-run/tasker/internal/cache"
	"github.com/tasker-run/tasker/internal/config"
	"github.com/tasker-run/tasker/internal/discovery"
	"github.com/tasker-run/tasker/internal/eventbus"
	"github.com/tasker-run/tasker/internal/executor"
	"github.com/tasker-run/tasker/internal/finalizer"
	"github.com/tasker-run/tasker/internal/httpapi"
	"github.com/tasker-run/tasker/internal/invoker"
	"github.com/tasker-run/tasker/internal/models"
	"github.com/tasker-run/tasker/internal/observability"
	"github.com/tasker-run/tasker/internal/orchestrator"
	"github.com/tasker-run/tasker/internal/queue"
	"github.com/tasker-run/tasker/internal/readiness"
	"github.com/tasker-run/tasker/internal/repo"
	"github.com/tasker-run/tasker/internal/resilience"
	"github.com/tasker-run/tasker/internal/statemachine"
	"github.com/tasker-run/tasker/internal/taskinit"
)

const (
	serviceName    = "tasker"
	serviceVersion = "0.1.0"
)

func main() {
	root := &cobra.Command{
		Use:   "tasker",
		Short: "Tasker durable task-workflow engine",
	}
	root.AddCommand(serveCmd(), migrateCmd(), taskCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app bundles every wired component a subcommand might need.
type app struct {
	cfg          *config.Config
	logger       *zap.Logger
	repository   *repo.Repository
	redisCache   cache.Cache
	mq           *queue.RabbitMQQueue
	metrics      *observability.Metrics
	bus          *eventbus.Bus
	readinessP   *readiness.Provider
	taskMachine  *statemachine.TaskMachine
	stepMachine  *statemachine.StepMachine
	discoverer   *discovery.Discoverer
	registry     *invoker.Registry
	breakers     *resilience.StepBreakers
	exec         *executor.Executor
	final        *finalizer.Finalizer
	orch         *orchestrator.Orchestrator
	init         *taskinit.Initializer
	shutdownOtel func()
}

func bootstrap() (*app, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	logger.Info("starting tasker", zap.String("service", serviceName), zap.String("version", serviceVersion))

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	shutdownOtel, err := observability.InitTracing(serviceName, serviceVersion, cfg.Observability.OTLPEndpoint)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	metrics := observability.NewMetrics()

	repository, err := repo.New(cfg.Database.URL, logger)
	if err != nil {
		return nil, fmt.Errorf("init repository: %w", err)
	}

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		return nil, fmt.Errorf("init cache: %w", err)
	}

	mq, err := queue.NewRabbitMQQueue(cfg.MessageQueue.URL, logger)
	if err != nil {
		return nil, fmt.Errorf("init queue: %w", err)
	}
	if err := mq.DeclareReenqueueTopology(); err != nil {
		return nil, fmt.Errorf("declare queue topology: %w", err)
	}

	bus := eventbus.New(logger)
	observability.RegisterBusSubscriber(bus, metrics, logger)
	readinessP := readiness.New(repository)

	taskMachine := statemachine.NewTaskMachine(repository, bus, logger, allCompleteGuard(readinessP))
	stepMachine := statemachine.NewStepMachine(repository, bus, logger)

	discoverer := discovery.New(readinessP, bus, logger)
	registry := invoker.NewRegistry()
	breakers := resilience.NewStepBreakers(logger)

	exec := executor.New(repository, readinessP, bus, stepMachine, registry, breakers, cfg.Execution.MaxConcurrentSteps, logger)
	final := finalizer.New(repository, redisCache, bus, taskMachine, mq, logger)
	orch := orchestrator.New(repository, readinessP, discoverer, exec, final, taskMachine, bus, logger)
	initializer := taskinit.New(repository, redisCache, bus, taskMachine, stepMachine, logger)

	return &app{
		cfg: cfg, logger: logger, repository: repository, redisCache: redisCache, mq: mq,
		metrics: metrics, bus: bus, readinessP: readinessP, taskMachine: taskMachine,
		stepMachine: stepMachine, discoverer: discoverer, registry: registry, breakers: breakers,
		exec: exec, final: final, orch: orch, init: initializer, shutdownOtel: shutdownOtel,
	}, nil
}

func (a *app) Close() {
	a.shutdownOtel()
	a.repository.Close()
	a.redisCache.Close()
	a.mq.Close()
	a.logger.Sync()
}

// allCompleteGuard wires the in_progress -> complete guard (§4.2) to the
// readiness provider: a task may only complete once every step's readiness
// classifies the task as all_complete.
func allCompleteGuard(rp *readiness.Provider) statemachine.TaskGuard {
	return func(ctx context.Context, task *models.Task, to models.TaskStatus) (bool, string, error) {
		tc, err := rp.ExecutionContext(ctx, task.TaskID)
		if err != nil {
			return false, "", fmt.Errorf("evaluate completion guard: %w", err)
		}
		if tc.ExecutionStatus != readiness.StatusAllComplete {
			return false, fmt.Sprintf("execution_status is %s, not all_complete", tc.ExecutionStatus), nil
		}
		return true, "", nil
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the reenqueue-driven orchestrator worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve()
		},
	}
}

func (a *app) serve() error {
	server := httpapi.New(a.repository, a.readinessP, a.init, a.breakers, a.metrics, a.logger,
		httpapi.WithRateLimit(float64(a.cfg.RateLimit.RequestsPerSecond), a.cfg.RateLimit.BurstSize),
		httpapi.WithStateMachines(a.taskMachine, a.stepMachine))

	httpServer := &http.Server{Addr: a.cfg.HTTP.Address, Handler: server.Routes()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.runHTTPServer(ctx, httpServer); err != nil {
			a.logger.Error("http server failed", zap.Error(err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.consumeReadyQueue(ctx); err != nil {
			a.logger.Error("ready queue consumer failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	a.logger.Info("shutdown signal received, gracefully stopping")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.logger.Info("shutdown complete")
	case <-time.After(30 * time.Second):
		a.logger.Warn("shutdown timeout exceeded, forcing exit")
	}
	return nil
}

// runHTTPServer serves until ctx is cancelled, then shuts down gracefully.
func (a *app) runHTTPServer(ctx context.Context, httpServer *http.Server) error {
	a.logger.Info("starting http server", zap.String("address", httpServer.Addr))

	errChan := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("http server error: %w", err)
	}
}

// consumeReadyQueue subscribes to the ready queue and runs one orchestrator
// iteration per message (§4.6, §4.7). The consumer workers setting in config
// is not used: internal/queue.Subscribe runs a single consuming goroutine of
// its own, and this function just blocks until ctx is cancelled.
func (a *app) consumeReadyQueue(ctx context.Context) error {
	handler := func(body []byte) error {
		var msg queue.ReenqueueMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			return fmt.Errorf("unmarshal reenqueue message: %w", err)
		}

		// The task is off the queue now; release the reenqueue marker so the
		// finalizer can queue it again if this iteration doesn't finish it.
		if err := cache.ClearReenqueued(ctx, a.redisCache, msg.TaskID); err != nil {
			a.logger.Warn("clear reenqueue marker failed", zap.Error(err), zap.Int64("task_id", msg.TaskID))
		}

		iterCtx := eventbus.WithCorrelationID(ctx, uuid.NewString())
		if err := a.orch.RunIteration(iterCtx, msg.TaskID, false); err != nil {
			a.logger.Error("orchestrator iteration failed", zap.Error(err), zap.Int64("task_id", msg.TaskID))
			return err
		}
		return nil
	}
	if err := a.mq.Subscribe(ctx, queue.ReadyQueueName, handler); err != nil {
		return fmt.Errorf("subscribe to ready queue: %w", err)
	}
	<-ctx.Done()
	return nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Verify database connectivity (the schema is applied out of band)",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger.Info("migrations are applied out of band via the SQL files under migrations/; this command only verifies connectivity",
				zap.String("database_url", cfg.Database.URL))
			repository, err := repo.New(cfg.Database.URL, logger)
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer repository.Close()
			if err := repository.Ping(); err != nil {
				return fmt.Errorf("database not reachable: %w", err)
			}
			logger.Info("database reachable, schema assumed current")
			return nil
		},
	}
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Inspect tasks"}
	cmd.AddCommand(taskShowCmd())
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [task_id]",
		Short: "Print a task's execution context and step readiness table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid task id %q: %w", args[0], err)
			}

			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			repository, err := repo.New(cfg.Database.URL, logger)
			if err != nil {
				return err
			}
			defer repository.Close()

			rp := readiness.New(repository)
			task, err := repository.GetTask(cmd.Context(), taskID)
			if err != nil {
				return fmt.Errorf("load task: %w", err)
			}
			tc, err := rp.ExecutionContext(cmd.Context(), taskID)
			if err != nil {
				return fmt.Errorf("compute execution context: %w", err)
			}

			fmt.Printf("task %d  status=%s  execution_status=%s  health=%s\n",
				task.TaskID, task.CurrentStatus, tc.ExecutionStatus, tc.HealthStatus)
			fmt.Printf("%-10s %-14s %-10s %-12s %-10s\n", "step_id", "status", "ready", "deps_ok", "attempts")
			for _, sr := range tc.StepReadiness {
				fmt.Printf("%-10d %-14s %-10v %-12v %-10d\n",
					sr.WorkflowStepID, sr.CurrentState, sr.ReadyForExecution, sr.DependenciesSatisfied, sr.Attempts)
			}
			return nil
		},
	}
}
