package postgres

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/domain"
)

// RetrievalCacheRepo stores the advisory per-trigger retrieval result.
type RetrievalCacheRepo struct{ Pool PgxPool }

// NewRetrievalCacheRepo constructs a RetrievalCacheRepo.
func NewRetrievalCacheRepo(p PgxPool) *RetrievalCacheRepo { return &RetrievalCacheRepo{Pool: p} }

// Get loads the cache entry for a trigger message; ok is false on miss.
func (r *RetrievalCacheRepo) Get(ctx domain.Context, workspaceID, triggerMessageID string) (domain.RetrievalCacheEntry, bool, error) {
	tracer := otel.Tracer("repo.retrieval_cache")
	ctx, span := tracer.Start(ctx, "retrieval_cache.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `
		SELECT should_search, retrieved_context, sources, searches_performed, created_at
		FROM retrieval_cache WHERE workspace_id = $1 AND trigger_message_id = $2`,
		workspaceID, triggerMessageID)
	e := domain.RetrievalCacheEntry{WorkspaceID: workspaceID, TriggerMessageID: triggerMessageID}
	var sourcesRaw, searchesRaw []byte
	err := row.Scan(&e.ShouldSearch, &e.RetrievedContext, &sourcesRaw, &searchesRaw, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.RetrievalCacheEntry{}, false, nil
	}
	if err != nil {
		return domain.RetrievalCacheEntry{}, false, fmt.Errorf("op=retrieval_cache.get: %w", err)
	}
	if len(sourcesRaw) > 0 {
		if err := json.Unmarshal(sourcesRaw, &e.Sources); err != nil {
			return domain.RetrievalCacheEntry{}, false, fmt.Errorf("op=retrieval_cache.get_sources: %w", err)
		}
	}
	if len(searchesRaw) > 0 {
		if err := json.Unmarshal(searchesRaw, &e.SearchesPerformed); err != nil {
			return domain.RetrievalCacheEntry{}, false, fmt.Errorf("op=retrieval_cache.get_searches: %w", err)
		}
	}
	return e, true, nil
}

// Put upserts the cache entry for a trigger message.
func (r *RetrievalCacheRepo) Put(ctx domain.Context, e domain.RetrievalCacheEntry) error {
	tracer := otel.Tracer("repo.retrieval_cache")
	ctx, span := tracer.Start(ctx, "retrieval_cache.Put")
	defer span.End()
	sources := e.Sources
	if sources == nil {
		sources = []domain.RetrievalSource{}
	}
	searches := e.SearchesPerformed
	if searches == nil {
		searches = []domain.SearchRecord{}
	}
	sourcesRaw, err := json.Marshal(sources)
	if err != nil {
		return fmt.Errorf("op=retrieval_cache.put_sources: %w", err)
	}
	searchesRaw, err := json.Marshal(searches)
	if err != nil {
		return fmt.Errorf("op=retrieval_cache.put_searches: %w", err)
	}
	_, err = r.Pool.Exec(ctx, `
		INSERT INTO retrieval_cache (workspace_id, trigger_message_id, should_search, retrieved_context, sources, searches_performed)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (workspace_id, trigger_message_id) DO UPDATE SET
			should_search = EXCLUDED.should_search,
			retrieved_context = EXCLUDED.retrieved_context,
			sources = EXCLUDED.sources,
			searches_performed = EXCLUDED.searches_performed`,
		e.WorkspaceID, e.TriggerMessageID, e.ShouldSearch, e.RetrievedContext, sourcesRaw, searchesRaw)
	if err != nil {
		return fmt.Errorf("op=retrieval_cache.put: %w", err)
	}
	return nil
}
