package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mkrell/salesrunner/internal/agent"
	"github.com/mkrell/salesrunner/internal/api"
	"github.com/mkrell/salesrunner/internal/bus"
	"github.com/mkrell/salesrunner/internal/config"
	"github.com/mkrell/salesrunner/internal/orchestrator"
	"github.com/mkrell/salesrunner/internal/salesops"
	"github.com/mkrell/salesrunner/internal/scheduler"
	"github.com/mkrell/salesrunner/internal/store"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting SalesRunner...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/salesrunner.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Snapshot store backend
	var snapshots agent.SnapshotStore
	var pgStore *store.Store
	switch cfg.Snapshots.Backend {
	case "postgres":
		if cfg.Database.Postgres.DSN == "" {
			logger.Warn("postgres snapshot backend selected without a DSN, snapshots disabled")
			break
		}
		ps, pgErr := store.Open(context.Background(), cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, snapshots disabled", zap.Error(pgErr))
			break
		}
		if mErr := ps.Migrate(context.Background()); mErr != nil {
			logger.Fatal("migration failed", zap.Error(mErr))
		}
		pgStore = ps
		snapshots = ps
	case "file":
		dir := cfg.Snapshots.Dir
		if dir == "" {
			dir = "snapshots"
		}
		fs, fsErr := store.NewFileStore(dir)
		if fsErr != nil {
			logger.Warn("snapshot dir unavailable, snapshots disabled", zap.Error(fsErr))
			break
		}
		snapshots = fs
	}

	// Messaging exchange, optionally mirrored to Redis streams
	exch := bus.NewExchange(logger)
	var relay *bus.RedisRelay
	if cfg.Messaging.RelayEnabled && cfg.Database.Redis.URL != "" {
		rl, rErr := bus.NewRedisRelay(cfg.Database.Redis.URL, logger)
		if rErr != nil {
			logger.Warn("Redis unavailable, running without message relay", zap.Error(rErr))
		} else {
			relay = rl
			exch.SetRelay(rl)
			logger.Info("Redis relay enabled")
		}
	}

	// Orchestrator and adaptive scheduler
	orch := orchestrator.New(orchestrator.Config{
		Retention:  time.Duration(cfg.Ledger.RetentionHours * float64(time.Hour)),
		GCInterval: time.Duration(cfg.Ledger.GCSeconds) * time.Second,
	}, logger)

	sched := scheduler.New(scheduler.Config{
		HistoryCap:      cfg.Scheduler.HistoryCap,
		RelearnEvery:    cfg.Scheduler.RelearnEvery,
		LearnInterval:   time.Duration(cfg.Scheduler.LearnSeconds) * time.Second,
		SampleInterval:  time.Duration(cfg.Scheduler.SampleSeconds) * time.Second,
		MinSamples:      cfg.Scheduler.MinSamples,
		BusyActiveTasks: cfg.Scheduler.BusyActiveTasks,
		LightCPUPercent: cfg.Scheduler.LightCPUPercent,
		HighCPUPercent:  cfg.Scheduler.HighCPUPercent,
	}, scheduler.Probes{
		ActiveTasks: orch.ActiveCount,
		QueueDepth:  orch.TotalQueueDepth,
	}, logger)

	// Workers from config
	executors := map[string]agent.Executor{
		"prospector": salesops.NewProspector(),
		"generator":  salesops.NewPitchGenerator(),
	}
	var workers []*agent.Worker
	for _, wc := range cfg.Workers {
		exec, ok := executors[wc.Executor]
		if !ok {
			logger.Warn("unknown executor", zap.String("worker", wc.Name), zap.String("executor", wc.Executor))
			continue
		}
		w := agent.NewWorker(agent.Config{
			Name:             wc.Name,
			Mode:             agent.ExecutionMode(wc.Mode),
			Priority:         wc.Priority,
			Capabilities:     wc.Capabilities,
			MaxQueueSize:     wc.MaxQueueSize,
			MaxConcurrency:   wc.MaxConcurrency,
			BacklogThreshold: wc.BacklogThreshold,
			AutoSave:         wc.AutoSave,
			AutoSaveInterval: wc.AutoSaveInterval(),
		}, exec, logger)
		if snapshots != nil {
			w.SetSnapshotStore(snapshots)
		}
		w.SetObserver(func(taskType string, startedAt, completedAt time.Time, success bool) {
			sched.RecordOutcome(w.Name(), taskType, startedAt, completedAt, success)
		})
		w.Start()
		orch.RegisterWorker(w)
		workers = append(workers, w)

		// Mailbox: direct request messages run as tasks on the worker.
		mb := exch.Join(wc.Name, cfg.Messaging.MaxQueueSize)
		mb.Subscribe("direct", messageExecutor(w, logger))
	}

	sched.Start()
	orch.Start()

	// Build HTTP handler
	handler := api.NewHandler(orch, sched, exch, logger)

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	if port == "0" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("SalesRunner listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down SalesRunner...")
	srv.Shutdown(context.Background())
	orch.Stop()
	sched.Stop()
	for _, w := range workers {
		w.Shutdown()
	}
	if relay != nil {
		relay.Close()
	}
	if pgStore != nil {
		pgStore.Close()
	}
}

// messageExecutor runs direct request messages as tasks on the worker.
// Payloads carry {"task_type": ..., "payload": {...}}; anything else is
// left in the mailbox queue for inspection.
func messageExecutor(w *agent.Worker, logger *zap.Logger) bus.Handler {
	return func(ctx context.Context, msg *bus.Message) {
		if msg.Type != bus.TypeRequest {
			return
		}
		body, ok := msg.Payload.(map[string]any)
		if !ok {
			return
		}
		taskType, _ := body["task_type"].(string)
		if taskType == "" {
			return
		}
		payload, _ := body["payload"].(map[string]any)

		handle, err := w.Execute(ctx, agent.Request{TaskType: taskType, Payload: payload})
		if err != nil {
			logger.Warn("message task rejected",
				zap.String("worker", w.Name()),
				zap.String("from", msg.From),
				zap.Error(err))
			return
		}
		if _, err := handle.Wait(ctx); err != nil {
			logger.Warn("message task failed",
				zap.String("worker", w.Name()),
				zap.String("from", msg.From),
				zap.Error(err))
		}
	}
}
