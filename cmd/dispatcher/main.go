// Command dispatcher runs the outbox side of the pipeline: it tails the
// event log with cursor-leased listeners, debounces bursts, and enqueues
// AI jobs. It also serves the ops HTTP surface (probes, metrics, admin).
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

	httpserver "github.com/fairyhunter13/ai-chat-pipeline/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/adapter/queue/pgqueue"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/adapter/relay/redpanda"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/app"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/config"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/outbox"
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
	// exposes dispatch, outbox, and listener instrumentation.
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

	// Repositories. The event log repo doubles as the append-side notifier
	// target: it NOTIFYs cfg.OutboxChannel inside the append transaction.
	events := postgres.NewEventLogRepo(pool, cfg.OutboxChannel)
	cursors := postgres.NewCursorRepo(pool)
	chat := postgres.NewChatRepo(pool)
	memos := postgres.NewMemoStore(pool, events)
	costs := postgres.NewCostRepo(pool)
	jobs := pgqueue.NewStore(pool)

	deps := outbox.Deps{
		Cursors: cursors,
		Log:     events,
		Queue:   jobs,
		Chat:    chat,
		Memos:   memos,
	}

	if cfg.RelayEnabled() {
		producer, err := redpanda.NewProducer(cfg.KafkaBrokers, cfg.RelayTopic)
		if err != nil {
			slog.Error("relay producer connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := producer.Close(); err != nil {
				slog.Error("failed to close relay producer", slog.Any("error", err))
			}
		}()
		deps.Relay = producer
	}

	// LISTEN/NOTIFY wakeups; the dispatcher still polls so a dropped
	// connection only adds latency, never loses work.
	notifier := postgres.NewNotifier(cfg.DBURL, cfg.OutboxChannel, logger)
	go func() {
		if err := notifier.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("notifier stopped", slog.Any("error", err))
		}
	}()

	host, _ := os.Hostname()
	if host == "" {
		host = "dispatcher"
	}
	holder := fmt.Sprintf("%s-%d", host, os.Getpid())

	dispatcher := outbox.NewDispatcher(notifier, cfg.DispatchPollInterval, cfg.ListenerDebounce, cfg.ListenerMaxWait)
	for _, l := range outbox.BuildListeners(deps, cfg, holder) {
		dispatcher.Register(l)
	}
	go func() {
		if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("dispatcher stopped", slog.Any("error", err))
		}
	}()

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
		slog.Info("dispatcher http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer shutdownCancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
