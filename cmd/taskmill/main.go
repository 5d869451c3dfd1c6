// Package main is the Taskmill server entry point. One binary runs the
// store, task queue, trigger engine, health monitor, and HTTP surface
// together on shared infrastructure.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/taskmill/taskmill/internal/common/config"
	"github.com/taskmill/taskmill/internal/common/httpmw"
	"github.com/taskmill/taskmill/internal/common/logger"
	"github.com/taskmill/taskmill/internal/common/tracing"
	"github.com/taskmill/taskmill/internal/db"
	"github.com/taskmill/taskmill/internal/events"
	gateway "github.com/taskmill/taskmill/internal/gateway/websocket"
	"github.com/taskmill/taskmill/internal/metrics"
	"github.com/taskmill/taskmill/internal/orchestrator/executor"
	"github.com/taskmill/taskmill/internal/orchestrator/health"
	"github.com/taskmill/taskmill/internal/orchestrator/pool"
	"github.com/taskmill/taskmill/internal/orchestrator/queue"
	"github.com/taskmill/taskmill/internal/orchestrator/trigger"
	"github.com/taskmill/taskmill/internal/task/handlers"
	"github.com/taskmill/taskmill/internal/task/repository"
	"github.com/taskmill/taskmill/internal/task/service"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting Taskmill...")

	// 3. Root context cancelled by SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. Event bus: NATS when configured, in-memory otherwise
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer func() { _ = busCleanup() }()
	eventBus := provided.Bus
	if provided.NATS != nil {
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-memory event bus")
	}

	// 5. Store
	dbPool, err := db.OpenPool(ctx, cfg.Database.Driver, cfg.Database.Path, cfg.Database.URL,
		cfg.Database.MaxConns, cfg.Database.MinConns)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err),
			zap.String("driver", cfg.Database.Driver))
	}
	defer func() { _ = dbPool.Close() }()

	repo, repoCleanup, err := repository.Provide(dbPool.Writer(), dbPool.Reader())
	if err != nil {
		log.Fatal("Failed to initialize store", zap.Error(err))
	}
	defer func() { _ = repoCleanup() }()
	log.Info("Store initialized", zap.String("driver", cfg.Database.Driver))

	// 6. Execution chain: executor, worker pool, queue, triggers, health
	exec := executor.New(executor.Simulated(0), log)

	workerPool := pool.NewPool(pool.Config{
		Workers:        cfg.Queue.Workers,
		DefaultTimeout: cfg.Queue.DefaultTimeout(),
		DrainTimeout:   cfg.Queue.DrainTimeout(),
	}, log)

	taskQueue := queue.New(repo, workerPool, eventBus, queue.Config{
		MaxConcurrent: cfg.Queue.MaxConcurrent,
		RetryBase:     cfg.Queue.RetryBase(),
		Tick:          cfg.Queue.Tick(),
	}, log)
	taskQueue.SetExecutor(exec)

	engine := trigger.New(repo, taskQueue, eventBus, trigger.DefaultConfig(), log)

	monitor := health.New(repo, taskQueue, eventBus, health.Config{
		Interval:     cfg.Health.Interval(),
		StallTimeout: cfg.Health.StallTimeout(),
	}, log)

	system := service.New(repo, taskQueue, engine, monitor, exec, eventBus, service.Config{
		Retention:     time.Duration(cfg.Retention.Days) * 24 * time.Hour,
		SweepInterval: cfg.Retention.SweepInterval(),
	}, log)

	if err := system.Start(ctx); err != nil {
		log.Fatal("Failed to start system", zap.Error(err))
	}
	log.Info("System started",
		zap.Int("workers", cfg.Queue.Workers),
		zap.Int("max_concurrent", cfg.Queue.MaxConcurrent))

	// 7. Declarative trigger seeding
	if cfg.Triggers.SeedFile != "" {
		seeded, err := engine.LoadSeedFile(ctx, cfg.Triggers.SeedFile)
		if err != nil {
			log.Warn("Trigger seed file failed",
				zap.String("file", cfg.Triggers.SeedFile), zap.Error(err))
		} else {
			log.Info("Triggers seeded",
				zap.Int("count", seeded), zap.String("file", cfg.Triggers.SeedFile))
		}
	}

	// 8. Prometheus exporter fed from the event bus
	var exporter *metrics.Exporter
	if cfg.Metrics.Enabled {
		exporter = metrics.NewExporter(eventBus, nil, log)
		if err := exporter.Start(); err != nil {
			log.Fatal("Failed to start metrics exporter", zap.Error(err))
		}
		log.Info("Metrics exporter started")
	}

	// 9. WebSocket gateway
	hub := gateway.NewHub(eventBus, log)
	if err := hub.Start(ctx); err != nil {
		log.Fatal("Failed to start websocket hub", zap.Error(err))
	}

	// 10. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(log, "taskmill"))
	router.Use(httpmw.OtelTracing("taskmill-http"))

	handlers.RegisterRoutes(router, handlers.New(taskQueue, engine, monitor, system, repo, log))
	gateway.NewHandler(hub, log).RegisterRoutes(router)
	if cfg.Metrics.Enabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server listening",
			zap.String("addr", server.Addr),
			zap.String("api", "/api/v1"),
			zap.String("websocket", "/ws"))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("HTTP server error", zap.Error(err))
	}

	// 11. Graceful shutdown, queue drained before the bus closes
	log.Info("Shutting down Taskmill...")

	hub.Stop()
	if exporter != nil {
		if err := exporter.Stop(); err != nil {
			log.Error("Metrics exporter stop error", zap.Error(err))
		}
	}
	if err := system.Stop(); err != nil {
		log.Error("System stop error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Taskmill stopped")
}
