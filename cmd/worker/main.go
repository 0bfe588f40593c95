// Command worker drains the durable job queue: boundary extraction, naming,
// memo batching, embeddings, and companion responses. One process runs the
// AI facade, the budget enforcer, the retention sweeper, and the ops HTTP
// surface; scale out by running more replicas, the queue lease protocol
// keeps them from stepping on each other.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	ai "github.com/fairyhunter13/ai-chat-pipeline/internal/adapter/ai"
	httpserver "github.com/fairyhunter13/ai-chat-pipeline/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/adapter/queue/pgqueue"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/adapter/repo/postgres"
	qdrantcli "github.com/fairyhunter13/ai-chat-pipeline/internal/adapter/vector/qdrant"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/app"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/config"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/domain"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/service/modelcatalog"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/usecase"
)

// redisPinger adapts *redis.Client to the readiness probe interface.
type redisPinger struct{ c *redis.Client }

func (r redisPinger) Ping(ctx context.Context) app.RedisPingResult { return r.c.Ping(ctx) }

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so that /metrics
	// exposes job, AI call, and budget instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := postgres.NewPool(ctx, cfg)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() { _ = rdb.Close() }()

	// Repositories. Stores that append follow-up events share one event log
	// repo so everything lands on the same outbox channel.
	events := postgres.NewEventLogRepo(pool, cfg.OutboxChannel)
	cursors := postgres.NewCursorRepo(pool)
	chat := postgres.NewChatRepo(pool)
	boundaries := postgres.NewBoundaryStore(pool, events)
	namings := postgres.NewNamingStore(pool)
	memos := postgres.NewMemoStore(pool, events)
	companions := postgres.NewCompanionStore(pool, events)
	costs := postgres.NewCostRepo(pool)
	retrievalCache := postgres.NewRetrievalCacheRepo(pool)
	jobs := pgqueue.NewStore(pool)

	// Retention sweeper: old events below the minimum cursor, terminal
	// jobs, expired cache rows.
	if cfg.CleanupInterval > 0 {
		cleanup := postgres.NewCleanupService(pool, cfg.EventRetentionDays, cfg.JobRetentionDays, cfg.CacheRetentionDays)
		go cleanup.RunPeriodic(ctx, cfg.CleanupInterval)
		slog.Info("cleanup service started",
			slog.Int("event_days", cfg.EventRetentionDays),
			slog.Int("job_days", cfg.JobRetentionDays),
			slog.Duration("interval", cfg.CleanupInterval))
	}

	// Budget enforcement: policy file with a built-in fallback, redis-cached
	// month-to-date spend, and a recorder that folds new spend into the cache.
	policy, err := config.LoadBudgetPolicy(cfg.BudgetPolicyFile)
	if err != nil {
		slog.Warn("budget policy load failed, using defaults",
			slog.String("file", cfg.BudgetPolicyFile), slog.Any("error", err))
		policy = config.DefaultBudgetPolicy()
	}
	budget := usecase.NewBudget(policy, costs, rdb, cfg.BudgetCacheTTL)
	recorder := usecase.SpendObservingRecorder{Base: costs, Budget: budget}

	catalog := modelcatalog.New(cfg)
	go catalog.Run(ctx)

	facade := ai.NewFacade(cfg, budget, recorder, catalog)

	// The embedding and companion queues cannot run without the vector
	// index, so a worker with no qdrant configured is misconfigured.
	if cfg.QdrantURL == "" {
		slog.Error("QDRANT_URL is required for the worker")
		os.Exit(1)
	}
	qcli := qdrantcli.New(cfg.QdrantURL, cfg.QdrantAPIKey)
	app.EnsureDefaultCollections(ctx, qcli, cfg.EmbeddingDim)

	// Usecases behind the six queues.
	retrieval := usecase.NewRetrieval(cfg, facade, chat, qcli, retrievalCache, recorder)
	boundary := usecase.NewBoundary(cfg, facade, boundaries, recorder)
	naming := usecase.NewNaming(cfg, facade, namings, recorder)
	memorizer := usecase.NewMemorizer(cfg, facade, memos, jobs, recorder)
	embedder := usecase.NewEmbedder(cfg, facade, qcli, chat)
	companion := usecase.NewCompanion(cfg, facade, companions, retrieval, recorder)

	worker := pgqueue.NewWorker(jobs, cfg)
	handlers := map[string]pgqueue.Handler{
		domain.QueueBoundaryExtract:   boundary.Handle,
		domain.QueueNamingGenerate:    naming.Handle,
		domain.QueueMemoBatchCheck:    memorizer.HandleBatchCheck,
		domain.QueueMemoBatchProcess:  memorizer.HandleBatchProcess,
		domain.QueueEmbedding:         embedder.Handle,
		domain.QueueCompanionResponse: companion.Handle,
	}
	for queue, h := range handlers {
		if err := worker.RegisterHandler(queue, h); err != nil {
			slog.Error("handler registration failed", slog.String("queue", queue), slog.Any("error", err))
			os.Exit(1)
		}
	}

	// Ops HTTP server: probes, /metrics, and the admin API when configured.
	dbCheck, redisCheck, qdrantCheck := app.BuildReadinessChecks(cfg, pool, redisPinger{rdb})
	srv := httpserver.NewServer(cfg, jobs, cursors, costs, dbCheck, redisCheck, qdrantCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("worker http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	workerErrCh := make(chan error, 1)
	go func() {
		workerErrCh <- worker.Start(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	workerDone := false
	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	case err := <-workerErrCh:
		workerDone = true
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("worker error", slog.Any("error", err))
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer shutdownCancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
	if !workerDone {
		// Start returns after in-flight jobs finish or fail their lease.
		<-workerErrCh
	}
}
