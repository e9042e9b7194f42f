// Command orchestratord runs the browser-automation orchestration core: the
// task queue and worker pool, the agent registry, the workflow engine, and
// the thin HTTP surface that exposes their operations.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	natslib "github.com/nats-io/nats.go"

	"github.com/autobrowse/orchestrator-core/internal/config"
	"github.com/autobrowse/orchestrator-core/internal/core/logging"
	"github.com/autobrowse/orchestrator-core/internal/core/otelinit"
	"github.com/autobrowse/orchestrator-core/internal/core/resilience"
	"github.com/autobrowse/orchestrator-core/internal/orchestrator"
	"github.com/autobrowse/orchestrator-core/internal/persistence"
	"github.com/autobrowse/orchestrator-core/internal/queue"
	"github.com/autobrowse/orchestrator-core/internal/registry"
	"github.com/autobrowse/orchestrator-core/internal/scheduler"
	"github.com/autobrowse/orchestrator-core/internal/task"
	"github.com/autobrowse/orchestrator-core/internal/workflow"
)

func main() {
	cfg, err := config.Load(os.Getenv("ORCH_CONFIG_FILE"))
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.Init("orchestrator-core", cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer := otelinit.InitTracer(ctx, "orchestrator-core")
	defer otelinit.Flush(context.Background(), shutdownTracer)
	shutdownMetrics, _, _ := otelinit.InitMetrics(ctx, "orchestrator-core")
	defer otelinit.Flush(context.Background(), shutdownMetrics)

	reg := registry.New()
	registerDefaultAgents(reg)

	q := queue.New(cfg.Orchestrator.MaxConcurrentAgents, cfg.Orchestrator.TerminatedRetention)
	if err := otelinit.RegisterQueueGauges(q, reg); err != nil {
		logger.Warn("failed to register queue gauges", "error", err)
	}
	orch := orchestrator.New(q, reg, orchestrator.Config{
		MaxConcurrentAgents: cfg.Orchestrator.MaxConcurrentAgents,
		AgentTimeout:        time.Duration(cfg.Orchestrator.AgentTimeoutSeconds) * time.Second,
		RetryLimit:          cfg.Orchestrator.TaskRetryLimit,
		Backoff:             orchestrator.DefaultBackoff,
		DequeuePollInterval: cfg.Orchestrator.DequeuePollInterval,
	})
	orch.Start(ctx)
	defer orch.Stop()

	engine := workflow.NewEngine()
	executor := workflow.NewExecutor(engine)

	var store *persistence.Store
	if cfg.Persistence.Enabled {
		store, err = persistence.Open(cfg.Persistence.Dir)
		if err != nil {
			logger.Error("failed to open persistence store", "error", err)
			os.Exit(1)
		}
		defer store.Close()
	}

	var nc *natslib.Conn
	if cfg.NATS.Enabled {
		nc, err = natslib.Connect(cfg.NATS.URL)
		if err != nil {
			logger.Warn("nats connect failed, event-driven schedules disabled", "error", err)
			nc = nil
		} else {
			defer nc.Close()
		}
	}

	sched := scheduler.New(executor, store, nc)
	sched.Start()
	defer func() { _ = sched.Stop(context.Background()) }()
	if err := sched.RestoreSchedules(ctx); err != nil {
		logger.Warn("failed to restore persisted schedules", "error", err)
	}

	submitLimiter := resilience.NewRateLimiter(
		"task_submit",
		int64(cfg.HTTP.SubmitRateLimitBurst),
		float64(cfg.HTTP.SubmitRateLimitPerS),
		time.Second,
		int64(cfg.HTTP.SubmitRateLimitPerS*2),
	)

	srv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: newRouter(orch, executor, store, submitLimiter),
	}

	go func() {
		logger.Info("http server listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// registerDefaultAgents seeds the registry with one instance of each
// reference agent type; a deployment that needs more concurrency per type
// registers additional instances the same way.
func registerDefaultAgents(reg *registry.Registry) {
	reg.Register(registry.NewNavigatorAgent(uuid.NewString(), "navigator-1"))
	reg.Register(registry.NewPlannerAgent(uuid.NewString(), "planner-1"))
	reg.Register(registry.NewValidatorAgent(uuid.NewString(), "validator-1"))
	reg.Register(registry.NewExecutorAgent(uuid.NewString(), "executor-1"))
	reg.Register(registry.NewExtractorAgent(uuid.NewString(), "extractor-1"))
	reg.Register(registry.NewAnalyzerAgent(uuid.NewString(), "analyzer-1"))
}

// newRouter wires spec.md §6's operations onto net/http: task submission,
// status, cancellation; workflow registration and execution, execution
// status; and a plain liveness check at /health. It serves no metrics
// route; metrics leave the process through the OTLP exporter.
func newRouter(orch *orchestrator.Orchestrator, executor *workflow.Executor, store *persistence.Store, limiter *resilience.RateLimiter) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !limiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		var req struct {
			Type        string         `json:"type"`
			Description string         `json:"description"`
			Priority    string         `json:"priority"`
			Input       map[string]any `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		priority := task.Priority(req.Priority)
		if !priority.Valid() {
			priority = task.PriorityMedium
		}

		t := task.New(uuid.NewString(), req.Type, req.Description, priority, req.Input)
		id := orch.Submit(t)
		writeJSON(w, http.StatusAccepted, map[string]any{"task_id": id})
	})

	mux.HandleFunc("/v1/tasks/", func(w http.ResponseWriter, r *http.Request) {
		taskID, action := splitTaskPath(r.URL.Path)
		if taskID == "" {
			http.NotFound(w, r)
			return
		}
		switch {
		case r.Method == http.MethodGet && action == "":
			snap, ok := orch.Status(taskID)
			if !ok {
				http.NotFound(w, r)
				return
			}
			writeJSON(w, http.StatusOK, snap)
		case r.Method == http.MethodPost && action == "cancel":
			if !orch.Cancel(taskID) {
				http.NotFound(w, r)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	})

	mux.HandleFunc("/v1/workflows/", func(w http.ResponseWriter, r *http.Request) {
		workflowID, action := splitTaskPath(r.URL.Path)
		if workflowID == "" {
			http.NotFound(w, r)
			return
		}
		switch {
		case r.Method == http.MethodPut && action == "":
			var def workflow.Definition
			if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
				http.Error(w, "invalid workflow definition", http.StatusBadRequest)
				return
			}
			if err := executor.Register(workflowID, &def); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if store != nil {
				if err := store.PutDefinition(r.Context(), workflowID, &def); err != nil {
					slog.Error("failed to persist workflow definition", "workflow_id", workflowID, "error", err)
				}
			}
			w.WriteHeader(http.StatusNoContent)

		case r.Method == http.MethodPost && action == "execute":
			var req struct {
				Params map[string]any `json:"params"`
				User   string         `json:"user"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			summary, err := executor.Execute(r.Context(), workflowID, req.Params, req.User)
			if err != nil {
				writeJSON(w, http.StatusOK, summary)
				return
			}
			if store != nil {
				if state, ok := executor.Engine().Get(summary.ExecutionID); ok {
					if err := store.PutExecution(r.Context(), state); err != nil {
						slog.Error("failed to persist execution", "execution_id", summary.ExecutionID, "error", err)
					}
				}
			}
			writeJSON(w, http.StatusOK, summary)

		default:
			http.NotFound(w, r)
		}
	})

	mux.HandleFunc("/v1/executions/", func(w http.ResponseWriter, r *http.Request) {
		executionID, _ := splitTaskPath(r.URL.Path)
		if executionID == "" {
			http.NotFound(w, r)
			return
		}
		summary, ok := executor.GetSummary(executionID)
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// splitTaskPath parses "/v1/<prefix>/<id>[/<action>]" into (id, action).
func splitTaskPath(path string) (id string, action string) {
	trimmed := path
	for len(trimmed) > 0 && trimmed[0] == '/' {
		trimmed = trimmed[1:]
	}
	parts := make([]string, 0, 4)
	start := 0
	for i := 0; i <= len(trimmed); i++ {
		if i == len(trimmed) || trimmed[i] == '/' {
			if i > start {
				parts = append(parts, trimmed[start:i])
			}
			start = i + 1
		}
	}
	// parts[0] == "v1", parts[1] == resource name, parts[2] == id, parts[3]? == action
	if len(parts) < 3 {
		return "", ""
	}
	id = parts[2]
	if len(parts) >= 4 {
		action = parts[3]
	}
	return id, action
}
