package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/domain"
)

// ChatRepo reads the chat tables owned by the backend: streams, members,
// messages, conversations, memos and attachments. It backs the directory
// lookups listeners make under the cursor lock and every relational search
// of the retrieval loop.
type ChatRepo struct{ Pool PgxPool }

// NewChatRepo constructs a ChatRepo with the given pool.
func NewChatRepo(p PgxPool) *ChatRepo { return &ChatRepo{Pool: p} }

const (
	streamColumns  = `id, workspace_id, kind, display_name, created_by, created_at, updated_at`
	messageColumns = `id, workspace_id, stream_id, author_id, author_kind, text, conversation_id, is_gem, deleted, created_at, edited_at`
	convColumns    = `id, workspace_id, stream_id, title, summary, completeness, created_at, updated_at`
	memoColumns    = `id, workspace_id, stream_id, conversation_id, title, content, source_message_ids, created_at, updated_at`
	attachColumns  = `id, workspace_id, stream_id, message_id, filename, mime, size, extraction_text, created_at`
)

func scanStream(row rowScanner) (domain.Stream, error) {
	var s domain.Stream
	err := row.Scan(&s.ID, &s.WorkspaceID, &s.Kind, &s.DisplayName, &s.CreatedBy, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

func scanMessage(row rowScanner) (domain.Message, error) {
	var m domain.Message
	err := row.Scan(&m.ID, &m.WorkspaceID, &m.StreamID, &m.AuthorID, &m.AuthorKind, &m.Text, &m.ConversationID, &m.IsGem, &m.Deleted, &m.CreatedAt, &m.EditedAt)
	return m, err
}

func scanConversation(row rowScanner) (domain.Conversation, error) {
	var c domain.Conversation
	err := row.Scan(&c.ID, &c.WorkspaceID, &c.StreamID, &c.Title, &c.Summary, &c.Completeness, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func scanMemo(row rowScanner) (domain.Memo, error) {
	var m domain.Memo
	err := row.Scan(&m.ID, &m.WorkspaceID, &m.StreamID, &m.ConversationID, &m.Title, &m.Content, &m.SourceMessageIDs, &m.CreatedAt, &m.UpdatedAt)
	return m, err
}

func scanAttachment(row rowScanner) (domain.Attachment, error) {
	var a domain.Attachment
	err := row.Scan(&a.ID, &a.WorkspaceID, &a.StreamID, &a.MessageID, &a.Filename, &a.MIME, &a.Size, &a.ExtractionText, &a.CreatedAt)
	return a, err
}

func collectMessages(rows pgx.Rows) ([]domain.Message, error) {
	defer rows.Close()
	var out []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func collectMemos(rows pgx.Rows) ([]domain.Memo, error) {
	defer rows.Close()
	var out []domain.Memo
	for rows.Next() {
		m, err := scanMemo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func collectConversations(rows pgx.Rows) ([]domain.Conversation, error) {
	defer rows.Close()
	var out []domain.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func getStream(ctx domain.Context, q Querier, streamID string) (domain.Stream, error) {
	row := q.QueryRow(ctx, `SELECT `+streamColumns+` FROM streams WHERE id = $1`, streamID)
	s, err := scanStream(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Stream{}, fmt.Errorf("op=chat.get_stream id=%s: %w", streamID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Stream{}, fmt.Errorf("op=chat.get_stream: %w", err)
	}
	return s, nil
}

func getMessage(ctx domain.Context, q Querier, id string) (domain.Message, error) {
	row := q.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Message{}, fmt.Errorf("op=chat.get_message id=%s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Message{}, fmt.Errorf("op=chat.get_message: %w", err)
	}
	return m, nil
}

// recentMessages returns up to limit non-deleted messages of the stream in
// chronological order, optionally only those strictly before beforeID.
func recentMessages(ctx domain.Context, q Querier, streamID, beforeID string, limit int) ([]domain.Message, error) {
	var rows pgx.Rows
	var err error
	if beforeID == "" {
		rows, err = q.Query(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE stream_id = $1 AND NOT deleted
			ORDER BY created_at DESC, id DESC LIMIT $2`, streamID, limit)
	} else {
		rows, err = q.Query(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE stream_id = $1 AND NOT deleted
			  AND (created_at, id) < (SELECT created_at, id FROM messages WHERE id = $2)
			ORDER BY created_at DESC, id DESC LIMIT $3`, streamID, beforeID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("op=chat.recent_messages: %w", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("op=chat.recent_messages_scan: %w", err)
	}
	// fetched newest-first; flip to chronological
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// GetStream implements domain.ChatDirectory.
func (r *ChatRepo) GetStream(ctx domain.Context, streamID string) (domain.Stream, error) {
	tracer := otel.Tracer("repo.chat")
	ctx, span := tracer.Start(ctx, "chat.GetStream")
	defer span.End()
	return getStream(ctx, r.Pool, streamID)
}

// IsStreamMember implements domain.ChatDirectory.
func (r *ChatRepo) IsStreamMember(ctx domain.Context, streamID, userID string) (bool, error) {
	tracer := otel.Tracer("repo.chat")
	ctx, span := tracer.Start(ctx, "chat.IsStreamMember")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM stream_members WHERE stream_id = $1 AND user_id = $2)`, streamID, userID)
	var ok bool
	if err := row.Scan(&ok); err != nil {
		return false, fmt.Errorf("op=chat.is_stream_member: %w", err)
	}
	return ok, nil
}

// GetMessage implements domain.MessageReader.
func (r *ChatRepo) GetMessage(ctx domain.Context, id string) (domain.Message, error) {
	tracer := otel.Tracer("repo.chat")
	ctx, span := tracer.Start(ctx, "chat.GetMessage")
	defer span.End()
	return getMessage(ctx, r.Pool, id)
}

// AllStreamIDs returns every stream id of the workspace.
func (r *ChatRepo) AllStreamIDs(ctx domain.Context, workspaceID string) ([]string, error) {
	tracer := otel.Tracer("repo.chat")
	ctx, span := tracer.Start(ctx, "chat.AllStreamIDs")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT id FROM streams WHERE workspace_id = $1`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("op=chat.all_stream_ids: %w", err)
	}
	return collectIDs(rows, "op=chat.all_stream_ids_scan")
}

// StreamsForMembers returns the union of streams the given members belong to
// within the workspace.
func (r *ChatRepo) StreamsForMembers(ctx domain.Context, workspaceID string, memberIDs []string) ([]string, error) {
	tracer := otel.Tracer("repo.chat")
	ctx, span := tracer.Start(ctx, "chat.StreamsForMembers")
	defer span.End()
	if len(memberIDs) == 0 {
		return nil, nil
	}
	rows, err := r.Pool.Query(ctx, `
		SELECT DISTINCT sm.stream_id FROM stream_members sm
		JOIN streams s ON s.id = sm.stream_id
		WHERE s.workspace_id = $1 AND sm.user_id = ANY($2)`, workspaceID, memberIDs)
	if err != nil {
		return nil, fmt.Errorf("op=chat.streams_for_members: %w", err)
	}
	return collectIDs(rows, "op=chat.streams_for_members_scan")
}

func collectIDs(rows pgx.Rows, errOp string) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%s: %w", errOp, err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", errOp, err)
	}
	return out, nil
}

// SearchMemosText runs a ranked full-text search over memo title and content.
// Nil streamIDs means no stream restriction beyond the workspace.
func (r *ChatRepo) SearchMemosText(ctx domain.Context, workspaceID string, streamIDs []string, text string, limit int) ([]domain.Memo, error) {
	tracer := otel.Tracer("repo.chat")
	ctx, span := tracer.Start(ctx, "chat.SearchMemosText")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `
		SELECT `+memoColumns+` FROM memos
		WHERE workspace_id = $1
		  AND ($2::text[] IS NULL OR stream_id = ANY($2))
		  AND search_tsv @@ websearch_to_tsquery('english', $3)
		ORDER BY ts_rank(search_tsv, websearch_to_tsquery('english', $3)) DESC, updated_at DESC
		LIMIT $4`, workspaceID, streamIDs, text, limit)
	if err != nil {
		return nil, fmt.Errorf("op=chat.search_memos: %w", err)
	}
	memos, err := collectMemos(rows)
	if err != nil {
		return nil, fmt.Errorf("op=chat.search_memos_scan: %w", err)
	}
	return memos, nil
}

// GetMemosByIDs loads memos by id, silently skipping missing ones.
func (r *ChatRepo) GetMemosByIDs(ctx domain.Context, ids []string) ([]domain.Memo, error) {
	tracer := otel.Tracer("repo.chat")
	ctx, span := tracer.Start(ctx, "chat.GetMemosByIDs")
	defer span.End()
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.Pool.Query(ctx, `SELECT `+memoColumns+` FROM memos WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("op=chat.memos_by_ids: %w", err)
	}
	memos, err := collectMemos(rows)
	if err != nil {
		return nil, fmt.Errorf("op=chat.memos_by_ids_scan: %w", err)
	}
	return memos, nil
}

// SearchMessagesText runs a ranked full-text search over message text,
// excluding deleted messages and the given ids.
func (r *ChatRepo) SearchMessagesText(ctx domain.Context, workspaceID string, streamIDs []string, text string, excludeIDs []string, limit int) ([]domain.Message, error) {
	tracer := otel.Tracer("repo.chat")
	ctx, span := tracer.Start(ctx, "chat.SearchMessagesText")
	defer span.End()
	if excludeIDs == nil {
		excludeIDs = []string{}
	}
	rows, err := r.Pool.Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE workspace_id = $1 AND NOT deleted
		  AND ($2::text[] IS NULL OR stream_id = ANY($2))
		  AND search_tsv @@ websearch_to_tsquery('english', $3)
		  AND NOT (id = ANY($4))
		ORDER BY ts_rank(search_tsv, websearch_to_tsquery('english', $3)) DESC, created_at DESC
		LIMIT $5`, workspaceID, streamIDs, text, excludeIDs, limit)
	if err != nil {
		return nil, fmt.Errorf("op=chat.search_messages: %w", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("op=chat.search_messages_scan: %w", err)
	}
	return msgs, nil
}

// GetMessagesByIDs loads messages by id, skipping missing and deleted ones.
func (r *ChatRepo) GetMessagesByIDs(ctx domain.Context, ids []string) ([]domain.Message, error) {
	tracer := otel.Tracer("repo.chat")
	ctx, span := tracer.Start(ctx, "chat.GetMessagesByIDs")
	defer span.End()
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.Pool.Query(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ANY($1) AND NOT deleted`, ids)
	if err != nil {
		return nil, fmt.Errorf("op=chat.messages_by_ids: %w", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("op=chat.messages_by_ids_scan: %w", err)
	}
	return msgs, nil
}

// NeighborMessages returns up to one message before and one after the given
// message in its stream, in chronological order.
func (r *ChatRepo) NeighborMessages(ctx domain.Context, streamID, messageID string) ([]domain.Message, error) {
	tracer := otel.Tracer("repo.chat")
	ctx, span := tracer.Start(ctx, "chat.NeighborMessages")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `
		(SELECT `+messageColumns+` FROM messages
		 WHERE stream_id = $1 AND NOT deleted
		   AND (created_at, id) < (SELECT created_at, id FROM messages WHERE id = $2)
		 ORDER BY created_at DESC, id DESC LIMIT 1)
		UNION ALL
		(SELECT `+messageColumns+` FROM messages
		 WHERE stream_id = $1 AND NOT deleted
		   AND (created_at, id) > (SELECT created_at, id FROM messages WHERE id = $2)
		 ORDER BY created_at ASC, id ASC LIMIT 1)`, streamID, messageID)
	if err != nil {
		return nil, fmt.Errorf("op=chat.neighbor_messages: %w", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("op=chat.neighbor_messages_scan: %w", err)
	}
	return msgs, nil
}

// RecentStreamMessages returns the latest non-deleted messages of the stream
// in chronological order.
func (r *ChatRepo) RecentStreamMessages(ctx domain.Context, streamID string, limit int) ([]domain.Message, error) {
	tracer := otel.Tracer("repo.chat")
	ctx, span := tracer.Start(ctx, "chat.RecentStreamMessages")
	defer span.End()
	return recentMessages(ctx, r.Pool, streamID, "", limit)
}

// SearchAttachments searches filenames and extracted text.
func (r *ChatRepo) SearchAttachments(ctx domain.Context, workspaceID string, streamIDs []string, text string, limit int) ([]domain.Attachment, error) {
	tracer := otel.Tracer("repo.chat")
	ctx, span := tracer.Start(ctx, "chat.SearchAttachments")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `
		SELECT `+attachColumns+` FROM attachments
		WHERE workspace_id = $1
		  AND ($2::text[] IS NULL OR stream_id = ANY($2))
		  AND (search_tsv @@ websearch_to_tsquery('english', $3) OR filename ILIKE '%' || $3 || '%')
		ORDER BY created_at DESC
		LIMIT $4`, workspaceID, streamIDs, text, limit)
	if err != nil {
		return nil, fmt.Errorf("op=chat.search_attachments: %w", err)
	}
	defer rows.Close()
	var out []domain.Attachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("op=chat.search_attachments_scan: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=chat.search_attachments_rows: %w", err)
	}
	return out, nil
}

// DisplayNames resolves author and stream display names for enrichment.
func (r *ChatRepo) DisplayNames(ctx domain.Context, userIDs []string, streamIDs []string) (map[string]string, map[string]string, error) {
	tracer := otel.Tracer("repo.chat")
	ctx, span := tracer.Start(ctx, "chat.DisplayNames")
	defer span.End()
	users := make(map[string]string, len(userIDs))
	streams := make(map[string]string, len(streamIDs))
	if len(userIDs) > 0 {
		rows, err := r.Pool.Query(ctx, `SELECT id, display_name FROM users WHERE id = ANY($1)`, userIDs)
		if err != nil {
			return nil, nil, fmt.Errorf("op=chat.display_names_users: %w", err)
		}
		if err := collectNamePairs(rows, users); err != nil {
			return nil, nil, fmt.Errorf("op=chat.display_names_users_scan: %w", err)
		}
	}
	if len(streamIDs) > 0 {
		rows, err := r.Pool.Query(ctx, `SELECT id, display_name FROM streams WHERE id = ANY($1)`, streamIDs)
		if err != nil {
			return nil, nil, fmt.Errorf("op=chat.display_names_streams: %w", err)
		}
		if err := collectNamePairs(rows, streams); err != nil {
			return nil, nil, fmt.Errorf("op=chat.display_names_streams_scan: %w", err)
		}
	}
	return users, streams, nil
}

func collectNamePairs(rows pgx.Rows, into map[string]string) error {
	defer rows.Close()
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return err
		}
		into[id] = name
	}
	return rows.Err()
}
