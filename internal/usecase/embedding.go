package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/config"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/domain"
	obsctx "github.com/fairyhunter13/ai-chat-pipeline/internal/observability"
	"github.com/fairyhunter13/ai-chat-pipeline/pkg/textx"
)

// Embedder keeps the message vector index in step with message edits. It
// re-reads the current row instead of trusting the job payload: the payload
// only says which message changed, the row says what it now contains.
//
// There is no snapshot/compute/commit split here. The single model call
// records its own cost through the facade and the upsert is idempotent, so
// a crash between embed and upsert is repaired by the job retry.
type Embedder struct {
	cfg      config.Config
	ai       domain.AI
	vectors  domain.VectorIndex
	messages domain.MessageReader
}

func NewEmbedder(cfg config.Config, ai domain.AI, vectors domain.VectorIndex, messages domain.MessageReader) *Embedder {
	return &Embedder{cfg: cfg, ai: ai, vectors: vectors, messages: messages}
}

func (e *Embedder) Handle(ctx context.Context, job domain.Job) error {
	var p domain.EmbeddingPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode embedding payload: %w", err)
	}

	msg, err := e.messages.GetMessage(ctx, p.MessageID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return e.remove(ctx, p.MessageID, "message gone")
		}
		return fmt.Errorf("load message %s: %w", p.MessageID, err)
	}
	text := textx.SanitizeText(msg.Text)
	if msg.Deleted || textx.IsBlank(text) {
		return e.remove(ctx, msg.ID, "message deleted or blank")
	}

	vec, err := e.ai.Embed(ctx, text, domain.CallContext{
		WorkspaceID: msg.WorkspaceID,
		ActorID:     msg.AuthorID,
		SessionID:   msg.ID,
		Origin:      domain.OriginSystem,
		FunctionID:  "embedding",
	})
	if err != nil {
		return fmt.Errorf("embed message %s: %w", msg.ID, err)
	}

	err = e.vectors.Upsert(ctx, domain.CollectionMessages, []domain.VectorPoint{{
		ID:     msg.ID,
		Vector: vec,
		Payload: map[string]any{
			"workspace_id": msg.WorkspaceID,
			"stream_id":    msg.StreamID,
		},
	}})
	if err != nil {
		return fmt.Errorf("upsert message vector %s: %w", msg.ID, err)
	}
	return nil
}

func (e *Embedder) remove(ctx context.Context, messageID, reason string) error {
	if err := e.vectors.Delete(ctx, domain.CollectionMessages, []string{messageID}); err != nil {
		return fmt.Errorf("delete message vector %s: %w", messageID, err)
	}
	obsctx.LoggerFromContext(ctx).Debug("message vector removed",
		slog.String("message_id", messageID), slog.String("reason", reason))
	return nil
}
