package postgres

import (
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/domain"
)

const companionHistoryWindow = 20

// CompanionStore is the fetch/commit pair of the companion responder.
type CompanionStore struct {
	Pool   PgxPool
	Events *EventLogRepo
}

// NewCompanionStore constructs a CompanionStore.
func NewCompanionStore(p PgxPool, events *EventLogRepo) *CompanionStore {
	return &CompanionStore{Pool: p, Events: events}
}

// FetchCompanionContext loads the stream, the trigger message, and the
// preceding history window.
func (s *CompanionStore) FetchCompanionContext(ctx domain.Context, workspaceID, streamID, messageID string) (domain.CompanionContext, error) {
	tracer := otel.Tracer("repo.companion")
	ctx, span := tracer.Start(ctx, "companion.Fetch")
	defer span.End()
	var cc domain.CompanionContext
	stream, err := getStream(ctx, s.Pool, streamID)
	if err != nil {
		return cc, err
	}
	if stream.WorkspaceID != workspaceID {
		return cc, fmt.Errorf("op=companion.fetch stream=%s: %w", streamID, domain.ErrNotFound)
	}
	trigger, err := getMessage(ctx, s.Pool, messageID)
	if err != nil {
		return cc, err
	}
	history, err := recentMessages(ctx, s.Pool, streamID, messageID, companionHistoryWindow)
	if err != nil {
		return cc, err
	}
	cc = domain.CompanionContext{Stream: stream, Trigger: trigger, History: history}
	if stream.Kind == domain.StreamDM {
		rows, err := s.Pool.Query(ctx, `SELECT user_id FROM stream_members WHERE stream_id = $1`, streamID)
		if err != nil {
			return cc, fmt.Errorf("op=companion.dm_members: %w", err)
		}
		cc.DMParticipantIDs, err = collectIDs(rows, "op=companion.dm_members_scan")
		if err != nil {
			return cc, err
		}
	}
	return cc, nil
}

// CommitCompanionReply inserts the reply message, the message:created event
// and the cost rows in one transaction. The reply inherits the trigger's
// conversation so it lands inside the thread it answers.
func (s *CompanionStore) CommitCompanionReply(ctx domain.Context, reply domain.CompanionReply) (domain.Message, error) {
	tracer := otel.Tracer("repo.companion")
	ctx, span := tracer.Start(ctx, "companion.Commit")
	defer span.End()
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return domain.Message{}, fmt.Errorf("op=companion.begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	m := domain.Message{
		ID:          uuid.New().String(),
		WorkspaceID: reply.WorkspaceID,
		StreamID:    reply.StreamID,
		AuthorID:    reply.AuthorID,
		AuthorKind:  domain.AuthorCompanion,
		Text:        reply.Text,
	}
	row := tx.QueryRow(ctx, `
		INSERT INTO messages (id, workspace_id, stream_id, author_id, author_kind, text, conversation_id)
		VALUES ($1, $2, $3, $4, $5, $6,
			(SELECT conversation_id FROM messages WHERE id = $7))
		RETURNING conversation_id, created_at`,
		m.ID, m.WorkspaceID, m.StreamID, m.AuthorID, m.AuthorKind, m.Text, reply.InReplyTo)
	if err := row.Scan(&m.ConversationID, &m.CreatedAt); err != nil {
		return domain.Message{}, fmt.Errorf("op=companion.insert_reply: %w", err)
	}

	if _, err := appendEvent(ctx, tx, s.Events.Channel, domain.EventMessageCreated, domain.MessageEventPayload{
		MessageID: m.ID, StreamID: m.StreamID, WorkspaceID: m.WorkspaceID,
		AuthorID: m.AuthorID, AuthorKind: m.AuthorKind,
	}); err != nil {
		return domain.Message{}, err
	}
	if err := insertCosts(ctx, tx, reply.CostRecords); err != nil {
		return domain.Message{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Message{}, fmt.Errorf("op=companion.commit: %w", err)
	}
	return m, nil
}
