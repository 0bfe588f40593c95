package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/config"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/domain"
	obsctx "github.com/fairyhunter13/ai-chat-pipeline/internal/observability"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/pipeline"
	"github.com/fairyhunter13/ai-chat-pipeline/pkg/textx"
)

const (
	companionMaxTokens     = 600
	companionHistoryWindow = 20
)

const companionSystem = `You are the workspace companion in a team chat. Answer the user's message
directly and concisely. When retrieved workspace context is provided, ground
your answer in it and mention what it is based on; when it is empty, answer
from the conversation alone and say so if the question needed workspace
knowledge. Never invent workspace facts.`

// Companion answers mention and command triggers. Retrieval runs as a
// nested pipeline inside compute: its costs commit with its own cache
// write, while the completion's costs commit with the reply row here.
type Companion struct {
	cfg       config.Config
	ai        domain.AI
	store     domain.CompanionStore
	retrieval *Retrieval
	costs     domain.CostRecorder
}

func NewCompanion(cfg config.Config, ai domain.AI, store domain.CompanionStore, retrieval *Retrieval, costs domain.CostRecorder) *Companion {
	return &Companion{cfg: cfg, ai: ai, store: store, retrieval: retrieval, costs: costs}
}

func (c *Companion) Handle(ctx context.Context, job domain.Job) error {
	var p domain.CompanionResponsePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode companion payload: %w", err)
	}
	_, err := c.Run(ctx, p)
	return err
}

// Run produces and commits one companion reply. The returned string is the
// reply text, empty when the trigger vanished before the run.
func (c *Companion) Run(ctx context.Context, p domain.CompanionResponsePayload) (string, error) {
	actor := p.ActorID
	if actor == "" {
		actor = c.cfg.CompanionActorID
	}
	call := domain.CallContext{
		WorkspaceID: p.WorkspaceID,
		ActorID:     actor,
		SessionID:   p.MessageID,
		Origin:      domain.OriginSystem,
		FunctionID:  "companion-response",
	}
	return pipeline.Run(ctx, pipeline.Phases[domain.CompanionContext, string]{
		Task:        "companion-response",
		Attribution: call,
		Costs:       c.costs,
		Fetch: func(ctx context.Context) (domain.CompanionContext, *string, error) {
			empty := ""
			snap, err := c.store.FetchCompanionContext(ctx, p.WorkspaceID, p.StreamID, p.MessageID)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					obsctx.LoggerFromContext(ctx).Warn("companion trigger gone, skipping",
						slog.String("message_id", p.MessageID), slog.Any("error", err))
					return snap, &empty, nil
				}
				return snap, nil, err
			}
			if snap.Trigger.Deleted {
				return snap, &empty, nil
			}
			return snap, nil, nil
		},
		Compute: func(ctx context.Context, snap domain.CompanionContext) (string, error) {
			retrieved := c.retrieve(ctx, snap, actor)
			res, err := c.ai.GenerateText(ctx, domain.TextRequest{
				System:    companionSystem,
				Prompt:    companionPrompt(snap, retrieved),
				MaxTokens: companionMaxTokens,
				Call:      call,
			})
			if err != nil {
				return "", err
			}
			text := strings.TrimSpace(res.Text)
			if text == "" {
				return "", fmt.Errorf("companion completion for message %s came back empty", p.MessageID)
			}
			return text, nil
		},
		Commit: func(ctx context.Context, snap domain.CompanionContext, text string, costs []domain.CostRecord) error {
			if text == "" {
				return nil
			}
			reply, err := c.store.CommitCompanionReply(ctx, domain.CompanionReply{
				WorkspaceID: p.WorkspaceID,
				StreamID:    p.StreamID,
				AuthorID:    actor,
				Text:        text,
				InReplyTo:   p.MessageID,
				CostRecords: costs,
			})
			if err != nil {
				return err
			}
			obsctx.LoggerFromContext(ctx).Info("companion replied",
				slog.String("stream_id", p.StreamID),
				slog.String("in_reply_to", p.MessageID),
				slog.String("reply_id", reply.ID))
			return nil
		},
	})
}

// retrieve runs the retrieval loop for the trigger. Retrieval failure
// degrades to an unassisted answer rather than failing the reply.
func (c *Companion) retrieve(ctx context.Context, snap domain.CompanionContext, actor string) string {
	if c.retrieval == nil {
		return ""
	}
	ret, err := c.retrieval.Run(ctx, domain.RetrievalInvocation{
		WorkspaceID:         snap.Stream.WorkspaceID,
		StreamID:            snap.Stream.ID,
		TriggerMessage:      snap.Trigger,
		ConversationHistory: snap.History,
		ActorID:             actor,
		DMParticipantIDs:    snap.DMParticipantIDs,
	})
	if err != nil {
		obsctx.LoggerFromContext(ctx).Warn("retrieval failed, answering without workspace context",
			slog.String("message_id", snap.Trigger.ID), slog.Any("error", err))
		return ""
	}
	return ret.RetrievedContext
}

func companionPrompt(snap domain.CompanionContext, retrieved string) string {
	var sb strings.Builder
	if retrieved != "" {
		sb.WriteString("Retrieved workspace context:\n")
		sb.WriteString(retrieved)
		sb.WriteString("\n\n")
	}
	history := snap.History
	if len(history) > companionHistoryWindow {
		history = history[len(history)-companionHistoryWindow:]
	}
	if len(history) > 0 {
		sb.WriteString("Conversation so far:\n")
		for _, m := range history {
			fmt.Fprintf(&sb, "%s: %s\n", m.AuthorID, textx.CollapseWhitespace(m.Text))
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "New message from %s:\n%s\n", snap.Trigger.AuthorID, snap.Trigger.Text)
	return sb.String()
}
