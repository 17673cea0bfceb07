// The SRE agent service: leases queued agent tasks, runs the diagnosis
// workflow against managed Redis instances, and serves health probes,
// metrics, and live task streams over HTTP.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/redis-field-engineering/redis-sre-agent/internal/agent"
	"github.com/redis-field-engineering/redis-sre-agent/internal/config"
	"github.com/redis-field-engineering/redis-sre-agent/internal/crypto"
	"github.com/redis-field-engineering/redis-sre-agent/internal/health"
	"github.com/redis-field-engineering/redis-sre-agent/internal/instances"
	"github.com/redis-field-engineering/redis-sre-agent/internal/keys"
	"github.com/redis-field-engineering/redis-sre-agent/internal/knowledge"
	"github.com/redis-field-engineering/redis-sre-agent/internal/llm"
	"github.com/redis-field-engineering/redis-sre-agent/internal/qa"
	"github.com/redis-field-engineering/redis-sre-agent/internal/runner"
	"github.com/redis-field-engineering/redis-sre-agent/internal/streaming"
	"github.com/redis-field-engineering/redis-sre-agent/internal/task"
	"github.com/redis-field-engineering/redis-sre-agent/internal/thread"
	"github.com/redis-field-engineering/redis-sre-agent/internal/tools"
	"github.com/redis-field-engineering/redis-sre-agent/internal/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := newLogger(cfg.Observability.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Observability.OTLPEndpoint != "",
		OTLPEndpoint: cfg.Observability.OTLPEndpoint,
	}, logger); err != nil {
		logger.Warn("Tracing initialization failed", zap.Error(err))
	}

	// Config hot reload for tunables; connection settings need a restart.
	cfgMgr := config.NewManager(cfg, logger)
	defer cfgMgr.Close()
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if err := cfgMgr.Watch(path); err != nil {
			logger.Warn("Config watch failed", zap.String("path", path), zap.Error(err))
		}
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal("Invalid redis url", zap.Error(err))
	}
	client := redis.NewClient(opts)
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Fatal("Redis unreachable", zap.Error(err))
	}

	encryptor, err := crypto.NewFromEnv()
	if err != nil {
		logger.Fatal("Encryption key unavailable", zap.Error(err))
	}

	provider := llm.NewOpenAI(os.Getenv("OPENAI_API_KEY"), cfg.Models.BaseURL, logger)

	threads := thread.NewStore(client, provider, cfg.Models.Mini, logger)
	tasks := task.NewStore(client, logger)
	queue := task.NewQueue(client, cfg.Worker.RedeliveryTimeout, logger)
	registry := instances.NewRegistry(client, encryptor, logger)
	recorder := qa.NewRecorder(client, logger)
	publisher := streaming.NewPublisher(client, logger)
	hub := streaming.NewHub(client, tasks, logger)

	knowledgeSvc := knowledge.NewService(client, nil, provider, cfg.Models.Embedding, logger)
	if err := knowledgeSvc.EnsureIndex(ctx); err != nil {
		logger.Warn("Knowledge index setup failed, retrieval degraded", zap.Error(err))
	}

	if n, err := registry.MigrateLegacy(ctx); err != nil {
		logger.Warn("Legacy instance migration failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("Migrated legacy instances", zap.Int("count", n))
	}

	var riskPatterns []agent.RiskPattern
	if path := cfg.Agent.RiskPatternsPath; path != "" {
		riskPatterns, err = agent.LoadRiskPatterns(path, logger)
		if err != nil {
			logger.Warn("Risk pattern catalog unreadable, using defaults",
				zap.String("path", path), zap.Error(err))
			riskPatterns = nil
		}
	}

	engine := agent.NewEngine(provider, cfg, tools.NewCache(), knowledgeSvc, riskPatterns, logger)

	healthMgr := health.NewManager(logger)
	mustRegister := func(c health.Checker) {
		if err := healthMgr.Register(c); err != nil {
			logger.Warn("Health checker registration failed", zap.Error(err))
		}
	}
	mustRegister(health.NewRedisChecker(client, logger))
	mustRegister(health.NewLLMChecker(cfg.Models.BaseURL))
	mustRegister(health.NewKnowledgeIndexChecker(client, keys.KnowledgeSearchIndex))

	mux := http.NewServeMux()
	health.NewHTTPHandler(healthMgr, logger).RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/tasks/stream", streaming.Handler(hub, logger, func(r *http.Request) string {
		return r.URL.Query().Get("task_id")
	}))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Observability.MetricsPort),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // streaming responses stay open
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", zap.Error(err))
		}
	}()

	embedWorker := qa.NewEmbedWorker(client, provider, cfg.Models.Embedding, logger)
	go embedWorker.Run(ctx)

	taskRunner := runner.New(queue, tasks, threads, registry, engine, publisher, recorder,
		cfg.Worker.Concurrency, logger)
	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		if err := taskRunner.Run(ctx); err != nil {
			logger.Error("Task runner exited", zap.Error(err))
		}
	}()

	logger.Info("SRE agent started",
		zap.Int("worker_concurrency", cfg.Worker.Concurrency),
		zap.String("main_model", cfg.Models.Main),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("Shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}

	select {
	case <-runnerDone:
	case <-shutdownCtx.Done():
		logger.Warn("Task runner did not drain before deadline")
	}
	logger.Info("Shutdown complete")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
