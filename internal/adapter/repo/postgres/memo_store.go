package postgres

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/domain"
)

// MemoStore accumulates pending knowledge items and commits memo batches.
type MemoStore struct {
	Pool   PgxPool
	Events *EventLogRepo
}

// NewMemoStore constructs a MemoStore.
func NewMemoStore(p PgxPool, events *EventLogRepo) *MemoStore {
	return &MemoStore{Pool: p, Events: events}
}

// InsertPending records one not-yet-summarized item. Re-inserting the same
// reference before it is consumed is a no-op.
func (s *MemoStore) InsertPending(ctx domain.Context, item domain.MemoPendingItem) error {
	tracer := otel.Tracer("repo.memos")
	ctx, span := tracer.Start(ctx, "memos.InsertPending")
	defer span.End()
	id := item.ID
	if id == "" {
		id = uuid.New().String()
	}
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO memo_pending_items (id, workspace_id, stream_id, kind, ref_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (workspace_id, stream_id, kind, ref_id) DO NOTHING`,
		id, item.WorkspaceID, item.StreamID, item.Kind, item.RefID)
	if err != nil {
		return fmt.Errorf("op=memos.insert_pending: %w", err)
	}
	return nil
}

// CountPending returns the number of unconsumed items for the stream.
func (s *MemoStore) CountPending(ctx domain.Context, workspaceID, streamID string) (int, error) {
	tracer := otel.Tracer("repo.memos")
	ctx, span := tracer.Start(ctx, "memos.CountPending")
	defer span.End()
	row := s.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM memo_pending_items
		WHERE workspace_id = $1 AND stream_id = $2`, workspaceID, streamID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("op=memos.count_pending: %w", err)
	}
	return n, nil
}

const pendingColumns = `id, workspace_id, stream_id, kind, ref_id, created_at`

func scanPending(row rowScanner) (domain.MemoPendingItem, error) {
	var it domain.MemoPendingItem
	err := row.Scan(&it.ID, &it.WorkspaceID, &it.StreamID, &it.Kind, &it.RefID, &it.CreatedAt)
	return it, err
}

func collectPending(rows pgx.Rows) ([]domain.MemoPendingItem, error) {
	defer rows.Close()
	var out []domain.MemoPendingItem
	for rows.Next() {
		it, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// FetchPendingBatch returns the oldest unconsumed items for the stream.
func (s *MemoStore) FetchPendingBatch(ctx domain.Context, workspaceID, streamID string, limit int) ([]domain.MemoPendingItem, error) {
	tracer := otel.Tracer("repo.memos")
	ctx, span := tracer.Start(ctx, "memos.FetchPendingBatch")
	defer span.End()
	rows, err := s.Pool.Query(ctx, `
		SELECT `+pendingColumns+` FROM memo_pending_items
		WHERE workspace_id = $1 AND stream_id = $2
		ORDER BY created_at ASC, id ASC LIMIT $3`, workspaceID, streamID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=memos.fetch_pending: %w", err)
	}
	items, err := collectPending(rows)
	if err != nil {
		return nil, fmt.Errorf("op=memos.fetch_pending_scan: %w", err)
	}
	return items, nil
}

// FetchMemoContext assembles the batch snapshot: the referenced messages,
// the referenced conversations with their messages, and the stream's latest
// memo if any.
func (s *MemoStore) FetchMemoContext(ctx domain.Context, workspaceID, streamID string, pendingIDs []string) (domain.MemoContext, error) {
	tracer := otel.Tracer("repo.memos")
	ctx, span := tracer.Start(ctx, "memos.FetchContext")
	defer span.End()
	var mc domain.MemoContext
	stream, err := getStream(ctx, s.Pool, streamID)
	if err != nil {
		return mc, err
	}
	if stream.WorkspaceID != workspaceID {
		return mc, fmt.Errorf("op=memos.fetch_context stream=%s: %w", streamID, domain.ErrNotFound)
	}
	mc.Stream = stream

	if len(pendingIDs) > 0 {
		rows, err := s.Pool.Query(ctx, `
			SELECT `+pendingColumns+` FROM memo_pending_items
			WHERE id = ANY($1) ORDER BY created_at ASC, id ASC`, pendingIDs)
		if err != nil {
			return mc, fmt.Errorf("op=memos.fetch_items: %w", err)
		}
		mc.Items, err = collectPending(rows)
		if err != nil {
			return mc, fmt.Errorf("op=memos.fetch_items_scan: %w", err)
		}
	}

	var messageIDs, conversationIDs []string
	for _, it := range mc.Items {
		switch it.Kind {
		case domain.PendingKindMessage:
			messageIDs = append(messageIDs, it.RefID)
		case domain.PendingKindConversation:
			conversationIDs = append(conversationIDs, it.RefID)
		}
	}

	seen := make(map[string]bool)
	if len(messageIDs) > 0 {
		rows, err := s.Pool.Query(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ANY($1) AND NOT deleted`, messageIDs)
		if err != nil {
			return mc, fmt.Errorf("op=memos.fetch_messages: %w", err)
		}
		msgs, err := collectMessages(rows)
		if err != nil {
			return mc, fmt.Errorf("op=memos.fetch_messages_scan: %w", err)
		}
		for _, m := range msgs {
			if !seen[m.ID] {
				seen[m.ID] = true
				mc.Messages = append(mc.Messages, m)
			}
		}
	}
	if len(conversationIDs) > 0 {
		rows, err := s.Pool.Query(ctx, `SELECT `+convColumns+` FROM conversations WHERE id = ANY($1)`, conversationIDs)
		if err != nil {
			return mc, fmt.Errorf("op=memos.fetch_conversations: %w", err)
		}
		mc.Conversations, err = collectConversations(rows)
		if err != nil {
			return mc, fmt.Errorf("op=memos.fetch_conversations_scan: %w", err)
		}
		mrows, err := s.Pool.Query(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = ANY($1) AND NOT deleted
			ORDER BY created_at ASC, id ASC`, conversationIDs)
		if err != nil {
			return mc, fmt.Errorf("op=memos.fetch_conv_messages: %w", err)
		}
		msgs, err := collectMessages(mrows)
		if err != nil {
			return mc, fmt.Errorf("op=memos.fetch_conv_messages_scan: %w", err)
		}
		for _, m := range msgs {
			if !seen[m.ID] {
				seen[m.ID] = true
				mc.Messages = append(mc.Messages, m)
			}
		}
	}
	sort.Slice(mc.Messages, func(i, j int) bool {
		if mc.Messages[i].CreatedAt.Equal(mc.Messages[j].CreatedAt) {
			return mc.Messages[i].ID < mc.Messages[j].ID
		}
		return mc.Messages[i].CreatedAt.Before(mc.Messages[j].CreatedAt)
	})

	row := s.Pool.QueryRow(ctx, `
		SELECT `+memoColumns+` FROM memos
		WHERE stream_id = $1 ORDER BY updated_at DESC LIMIT 1`, streamID)
	memo, err := scanMemo(row)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return mc, fmt.Errorf("op=memos.fetch_existing: %w", err)
	default:
		mc.Existing = &memo
	}
	return mc, nil
}

// CommitMemo upserts the memo, marks gems, consumes pending items, appends
// the follow-up event and the cost rows, all in one transaction.
func (s *MemoStore) CommitMemo(ctx domain.Context, mut domain.MemoMutation) error {
	tracer := otel.Tracer("repo.memos")
	ctx, span := tracer.Start(ctx, "memos.Commit")
	defer span.End()
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("op=memos.begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// an empty memo id means the batch was consumed without an update
	if mut.Memo.ID != "" {
		srcIDs := mut.Memo.SourceMessageIDs
		if srcIDs == nil {
			srcIDs = []string{}
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO memos (id, workspace_id, stream_id, conversation_id, title, content, source_message_ids)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				conversation_id = EXCLUDED.conversation_id,
				title = EXCLUDED.title,
				content = EXCLUDED.content,
				source_message_ids = EXCLUDED.source_message_ids,
				updated_at = now()`,
			mut.Memo.ID, mut.WorkspaceID, mut.StreamID, mut.Memo.ConversationID, mut.Memo.Title, mut.Memo.Content, srcIDs); err != nil {
			return fmt.Errorf("op=memos.upsert: %w", err)
		}
	}

	if len(mut.GemMessageIDs) > 0 {
		if _, err := tx.Exec(ctx, `UPDATE messages SET is_gem = TRUE WHERE id = ANY($1)`, mut.GemMessageIDs); err != nil {
			return fmt.Errorf("op=memos.mark_gems: %w", err)
		}
	}
	if len(mut.ConsumedPendingIDs) > 0 {
		if _, err := tx.Exec(ctx, `DELETE FROM memo_pending_items WHERE id = ANY($1)`, mut.ConsumedPendingIDs); err != nil {
			return fmt.Errorf("op=memos.consume_pending: %w", err)
		}
	}
	if mut.ConversationID != nil {
		if _, err := appendEvent(ctx, tx, s.Events.Channel, domain.EventConversationUpdated, domain.ConversationEventPayload{
			ConversationID: *mut.ConversationID, StreamID: mut.StreamID, WorkspaceID: mut.WorkspaceID,
		}); err != nil {
			return err
		}
	}
	if err := insertCosts(ctx, tx, mut.CostRecords); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=memos.commit: %w", err)
	}
	return nil
}
