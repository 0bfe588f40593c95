// Command backfill indexes exported chat history into qdrant. Run it once
// when enabling semantic retrieval over existing history; from then on the
// embedding listener keeps the index current.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	ai "github.com/fairyhunter13/ai-chat-pipeline/internal/adapter/ai"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/adapter/repo/postgres"
	qdrantcli "github.com/fairyhunter13/ai-chat-pipeline/internal/adapter/vector/qdrant"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/app"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/backfill"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/config"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/service/modelcatalog"
)

func main() {
	manifestPath := flag.String("manifest", "configs/backfill.yaml", "path to the backfill manifest")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	if cfg.QdrantURL == "" {
		slog.Error("QDRANT_URL is required for backfill")
		os.Exit(1)
	}

	m, err := backfill.LoadManifest(*manifestPath)
	if err != nil {
		slog.Error("manifest load failed", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	costs := postgres.NewCostRepo(pool)

	catalog := modelcatalog.New(cfg)
	if err := catalog.Refresh(ctx); err != nil {
		slog.Warn("model catalog refresh failed, cost estimates may be zero", slog.Any("error", err))
	}

	// Embed spend is recorded per workspace like any other AI call, but an
	// operator run is never budget-gated.
	facade := ai.NewFacade(cfg, nil, costs, catalog)

	qcli := qdrantcli.New(cfg.QdrantURL, cfg.QdrantAPIKey)
	app.EnsureDefaultCollections(ctx, qcli, cfg.EmbeddingDim)

	stats, err := backfill.Run(ctx, qcli, facade, m)
	if err != nil {
		slog.Error("backfill failed", slog.Any("error", err),
			slog.Int("points_indexed", stats.Points))
		os.Exit(1)
	}
	slog.Info("backfill complete",
		slog.Int("files_indexed", stats.FilesIndexed),
		slog.Int("files_skipped", stats.FilesSkipped),
		slog.Int("points_indexed", stats.Points),
		slog.Int("bad_records", stats.BadRecords))
}
