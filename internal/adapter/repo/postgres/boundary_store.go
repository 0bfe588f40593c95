package postgres

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/domain"
)

const boundaryRecentWindow = 10

// BoundaryStore is the fetch/commit pair of the boundary extraction worker.
type BoundaryStore struct {
	Pool   PgxPool
	Events *EventLogRepo
}

// NewBoundaryStore constructs a BoundaryStore.
func NewBoundaryStore(p PgxPool, events *EventLogRepo) *BoundaryStore {
	return &BoundaryStore{Pool: p, Events: events}
}

// FetchBoundaryContext loads the snapshot the classifier prompt needs.
func (s *BoundaryStore) FetchBoundaryContext(ctx domain.Context, workspaceID, streamID, messageID string) (domain.BoundaryContext, error) {
	tracer := otel.Tracer("repo.boundary")
	ctx, span := tracer.Start(ctx, "boundary.Fetch")
	defer span.End()
	var bc domain.BoundaryContext
	stream, err := getStream(ctx, s.Pool, streamID)
	if err != nil {
		return bc, err
	}
	if stream.WorkspaceID != workspaceID {
		return bc, fmt.Errorf("op=boundary.fetch stream=%s: %w", streamID, domain.ErrNotFound)
	}
	msg, err := getMessage(ctx, s.Pool, messageID)
	if err != nil {
		return bc, err
	}
	recent, err := recentMessages(ctx, s.Pool, streamID, messageID, boundaryRecentWindow)
	if err != nil {
		return bc, err
	}
	open, err := openConversations(ctx, s.Pool, streamID)
	if err != nil {
		return bc, err
	}
	return domain.BoundaryContext{Stream: stream, Message: msg, Recent: recent, OpenConversations: open}, nil
}

func openConversations(ctx domain.Context, q Querier, streamID string) ([]domain.Conversation, error) {
	rows, err := q.Query(ctx, `
		SELECT `+convColumns+` FROM conversations
		WHERE stream_id = $1 AND completeness = $2
		ORDER BY updated_at DESC`, streamID, domain.ConversationOngoing)
	if err != nil {
		return nil, fmt.Errorf("op=boundary.open_conversations: %w", err)
	}
	convs, err := collectConversations(rows)
	if err != nil {
		return nil, fmt.Errorf("op=boundary.open_conversations_scan: %w", err)
	}
	return convs, nil
}

// CommitBoundary applies the classifier's decision in one transaction:
// message attachment or conversation creation, completeness updates with
// their follow-up events, and the cost rows.
func (s *BoundaryStore) CommitBoundary(ctx domain.Context, mut domain.BoundaryMutation) (domain.BoundaryOutcome, error) {
	tracer := otel.Tracer("repo.boundary")
	ctx, span := tracer.Start(ctx, "boundary.Commit")
	defer span.End()
	var out domain.BoundaryOutcome
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return out, fmt.Errorf("op=boundary.begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	switch {
	case mut.AttachConversationID != "":
		if err := attachMessageToConversation(ctx, tx, mut.MessageID, mut.AttachConversationID); err != nil {
			return out, err
		}
		out.ConversationID = mut.AttachConversationID
	case mut.Create != nil:
		convID, created, err := s.createConversation(ctx, tx, mut)
		if err != nil {
			return out, err
		}
		out.ConversationID = convID
		out.Created = created
	}

	for _, upd := range mut.CompletenessUpdates {
		tag, err := tx.Exec(ctx, `
			UPDATE conversations SET completeness = $2, updated_at = now()
			WHERE id = $1 AND stream_id = $3`, upd.ConversationID, upd.Completeness, mut.StreamID)
		if err != nil {
			return out, fmt.Errorf("op=boundary.completeness: %w", err)
		}
		if tag.RowsAffected() == 0 {
			continue
		}
		if _, err := appendEvent(ctx, tx, s.Events.Channel, domain.EventConversationUpdated, domain.ConversationEventPayload{
			ConversationID: upd.ConversationID, StreamID: mut.StreamID, WorkspaceID: mut.WorkspaceID,
		}); err != nil {
			return out, err
		}
	}

	if err := insertCosts(ctx, tx, mut.CostRecords); err != nil {
		return out, err
	}
	if err := tx.Commit(ctx); err != nil {
		return out, fmt.Errorf("op=boundary.commit: %w", err)
	}
	return out, nil
}

// createConversation re-validates the single-open-conversation invariant of
// scratchpads: it locks the stream row and re-reads before creating, so a
// racing worker attaches instead of double-creating.
func (s *BoundaryStore) createConversation(ctx domain.Context, tx pgx.Tx, mut domain.BoundaryMutation) (string, bool, error) {
	var kind string
	if err := tx.QueryRow(ctx, `SELECT kind FROM streams WHERE id = $1 FOR UPDATE`, mut.StreamID).Scan(&kind); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, fmt.Errorf("op=boundary.lock_stream id=%s: %w", mut.StreamID, domain.ErrNotFound)
		}
		return "", false, fmt.Errorf("op=boundary.lock_stream: %w", err)
	}
	if kind == domain.StreamScratchpad {
		var existing string
		err := tx.QueryRow(ctx, `
			SELECT id FROM conversations WHERE stream_id = $1 AND completeness = $2
			ORDER BY updated_at DESC LIMIT 1`, mut.StreamID, domain.ConversationOngoing).Scan(&existing)
		if err == nil {
			if err := attachMessageToConversation(ctx, tx, mut.MessageID, existing); err != nil {
				return "", false, err
			}
			return existing, false, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return "", false, fmt.Errorf("op=boundary.recheck: %w", err)
		}
	}
	convID := uuid.New().String()
	if _, err := tx.Exec(ctx, `
		INSERT INTO conversations (id, workspace_id, stream_id, title, summary, completeness)
		VALUES ($1, $2, $3, $4, '', $5)`,
		convID, mut.WorkspaceID, mut.StreamID, mut.Create.Title, domain.ConversationOngoing); err != nil {
		return "", false, fmt.Errorf("op=boundary.create_conversation: %w", err)
	}
	if err := attachMessageToConversation(ctx, tx, mut.MessageID, convID); err != nil {
		return "", false, err
	}
	if _, err := appendEvent(ctx, tx, s.Events.Channel, domain.EventConversationCreated, domain.ConversationEventPayload{
		ConversationID: convID, StreamID: mut.StreamID, WorkspaceID: mut.WorkspaceID,
	}); err != nil {
		return "", false, err
	}
	return convID, true, nil
}

func attachMessageToConversation(ctx domain.Context, q Querier, messageID, conversationID string) error {
	if _, err := q.Exec(ctx, `UPDATE messages SET conversation_id = $2 WHERE id = $1`, messageID, conversationID); err != nil {
		return fmt.Errorf("op=boundary.attach_message: %w", err)
	}
	return nil
}
