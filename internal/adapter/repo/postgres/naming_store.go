package postgres

import (
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/domain"
)

const namingRecentWindow = 10

// NamingStore is the fetch/commit pair of the stream naming worker.
type NamingStore struct{ Pool PgxPool }

// NewNamingStore constructs a NamingStore.
func NewNamingStore(p PgxPool) *NamingStore { return &NamingStore{Pool: p} }

// FetchNamingContext loads the stream and its recent messages.
func (s *NamingStore) FetchNamingContext(ctx domain.Context, workspaceID, streamID string) (domain.NamingContext, error) {
	tracer := otel.Tracer("repo.naming")
	ctx, span := tracer.Start(ctx, "naming.Fetch")
	defer span.End()
	stream, err := getStream(ctx, s.Pool, streamID)
	if err != nil {
		return domain.NamingContext{}, err
	}
	if stream.WorkspaceID != workspaceID {
		return domain.NamingContext{}, fmt.Errorf("op=naming.fetch stream=%s: %w", streamID, domain.ErrNotFound)
	}
	recent, err := recentMessages(ctx, s.Pool, streamID, "", namingRecentWindow)
	if err != nil {
		return domain.NamingContext{}, err
	}
	return domain.NamingContext{Stream: stream, Recent: recent}, nil
}

// CommitStreamName writes the display name and the cost rows together. The
// event taxonomy has no rename type, so no event is appended.
func (s *NamingStore) CommitStreamName(ctx domain.Context, workspaceID, streamID, name string, costs []domain.CostRecord) error {
	tracer := otel.Tracer("repo.naming")
	ctx, span := tracer.Start(ctx, "naming.Commit")
	defer span.End()
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("op=naming.begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	tag, err := tx.Exec(ctx, `
		UPDATE streams SET display_name = $3, updated_at = now()
		WHERE id = $2 AND workspace_id = $1`, workspaceID, streamID, name)
	if err != nil {
		return fmt.Errorf("op=naming.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=naming.update stream=%s: %w", streamID, domain.ErrNotFound)
	}
	if err := insertCosts(ctx, tx, costs); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=naming.commit: %w", err)
	}
	return nil
}
