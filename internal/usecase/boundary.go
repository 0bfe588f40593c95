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
	boundaryMaxTokens = 500
	titleMaxLen       = 120
)

const (
	classifyNew        = "new"
	classifyExisting   = "existing"
	classifyStandalone = "standalone"
)

const boundarySystem = `You segment team chat into conversations. Given a new message, the recent
messages of its stream and the currently open conversations, decide whether
the message continues an existing conversation, starts a new one, or stands
alone. You may also mark open conversations whose topic has clearly wrapped
up as complete. Respond with JSON only:
{"classification": "new" | "existing" | "standalone",
 "conversationId": string or "",
 "title": string,
 "completenessUpdates": [{"conversationId": string, "completeness": "ongoing" | "complete"}],
 "reasoning": string}`

// boundaryDecision is the wire shape of the classifier's answer.
type boundaryDecision struct {
	Classification      string                      `json:"classification"`
	ConversationID      string                      `json:"conversationId"`
	Title               string                      `json:"title"`
	CompletenessUpdates []domain.CompletenessUpdate `json:"completenessUpdates"`
	Reasoning           string                      `json:"reasoning"`
}

// Boundary classifies new messages into conversations. It runs as the
// boundary-extract queue handler.
type Boundary struct {
	cfg   config.Config
	ai    domain.AI
	store domain.BoundaryStore
	costs domain.CostRecorder
}

func NewBoundary(cfg config.Config, ai domain.AI, store domain.BoundaryStore, costs domain.CostRecorder) *Boundary {
	return &Boundary{cfg: cfg, ai: ai, store: store, costs: costs}
}

// Handle decodes one boundary-extract job and runs the classifier.
func (b *Boundary) Handle(ctx context.Context, job domain.Job) error {
	var p domain.BoundaryExtractPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode boundary payload: %w", err)
	}
	_, err := b.Run(ctx, p)
	return err
}

// Run executes one classification through the three phases and returns the
// committed mutation.
func (b *Boundary) Run(ctx context.Context, p domain.BoundaryExtractPayload) (domain.BoundaryMutation, error) {
	return pipeline.Run(ctx, pipeline.Phases[domain.BoundaryContext, domain.BoundaryMutation]{
		Task: "boundary-extract",
		Attribution: domain.CallContext{
			WorkspaceID: p.WorkspaceID,
			SessionID:   p.MessageID,
			Origin:      domain.OriginSystem,
			FunctionID:  "boundary-extract",
		},
		Costs: b.costs,
		Fetch: func(ctx context.Context) (domain.BoundaryContext, *domain.BoundaryMutation, error) {
			snap, err := b.store.FetchBoundaryContext(ctx, p.WorkspaceID, p.StreamID, p.MessageID)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					obsctx.LoggerFromContext(ctx).Warn("boundary context gone, skipping",
						slog.String("message_id", p.MessageID), slog.Any("error", err))
					return snap, &domain.BoundaryMutation{}, nil
				}
				return snap, nil, err
			}
			if snap.Message.Deleted || textx.IsBlank(snap.Message.Text) {
				return snap, &domain.BoundaryMutation{}, nil
			}
			return snap, nil, nil
		},
		Compute: func(ctx context.Context, snap domain.BoundaryContext) (domain.BoundaryMutation, error) {
			var dec boundaryDecision
			err := b.ai.GenerateObject(ctx, domain.ObjectRequest{
				System:     boundarySystem,
				Prompt:     boundaryPrompt(snap),
				MaxTokens:  boundaryMaxTokens,
				SchemaName: "boundaryDecision",
				Call: domain.CallContext{
					WorkspaceID: p.WorkspaceID,
					ActorID:     snap.Message.AuthorID,
					SessionID:   p.MessageID,
					Origin:      domain.OriginSystem,
					FunctionID:  "boundary-extract",
				},
			}, &dec)
			if err != nil {
				if !errors.Is(err, domain.ErrSchemaInvalid) {
					return domain.BoundaryMutation{}, err
				}
				// unusable output after repair classifies as standalone
				obsctx.LoggerFromContext(ctx).Warn("boundary output unusable, treating as standalone",
					slog.String("message_id", p.MessageID), slog.Any("error", err))
				dec = boundaryDecision{Classification: classifyStandalone}
			}
			return b.decide(ctx, snap, p, dec), nil
		},
		Commit: func(ctx context.Context, snap domain.BoundaryContext, mut domain.BoundaryMutation, costs []domain.CostRecord) error {
			log := obsctx.LoggerFromContext(ctx)
			mut.CompletenessUpdates = filterCompletenessUpdates(ctx, snap.ValidTargets(), mut.CompletenessUpdates)
			mut.CostRecords = costs
			out, err := b.store.CommitBoundary(ctx, mut)
			if err != nil {
				return err
			}
			if out.ConversationID != "" {
				log.Info("boundary decision committed",
					slog.String("message_id", mut.MessageID),
					slog.String("conversation_id", out.ConversationID),
					slog.Bool("created", out.Created))
			}
			return nil
		},
	})
}

// decide maps the model's answer onto a mutation. An attach aimed at a
// conversation the snapshot never contained demotes to standalone instead of
// trusting a hallucinated id.
func (b *Boundary) decide(ctx context.Context, snap domain.BoundaryContext, p domain.BoundaryExtractPayload, dec boundaryDecision) domain.BoundaryMutation {
	log := obsctx.LoggerFromContext(ctx)
	mut := domain.BoundaryMutation{
		WorkspaceID:         p.WorkspaceID,
		StreamID:            p.StreamID,
		MessageID:           p.MessageID,
		CompletenessUpdates: dec.CompletenessUpdates,
	}
	switch strings.ToLower(strings.TrimSpace(dec.Classification)) {
	case classifyExisting:
		if snap.ValidTargets()[dec.ConversationID] {
			mut.AttachConversationID = dec.ConversationID
		} else {
			log.Warn("attach target not among open conversations, demoting to standalone",
				slog.String("message_id", p.MessageID),
				slog.String("conversation_id", dec.ConversationID))
		}
	case classifyNew:
		mut.Create = &domain.ConversationDraft{Title: conversationTitle(dec.Title, snap.Message.Text)}
	case classifyStandalone:
	default:
		log.Warn("unrecognized classification, treating as standalone",
			slog.String("message_id", p.MessageID),
			slog.String("classification", dec.Classification))
	}
	return mut
}

// filterCompletenessUpdates enforces the valid-targets rule at commit time:
// updates aimed at conversations the fetched context never contained are
// dropped and logged, the valid remainder proceeds.
func filterCompletenessUpdates(ctx context.Context, valid map[string]bool, updates []domain.CompletenessUpdate) []domain.CompletenessUpdate {
	log := obsctx.LoggerFromContext(ctx)
	out := make([]domain.CompletenessUpdate, 0, len(updates))
	for _, u := range updates {
		if !valid[u.ConversationID] {
			log.Warn("completeness update rejected: target outside fetched context",
				slog.String("conversation_id", u.ConversationID))
			continue
		}
		switch strings.ToLower(strings.TrimSpace(u.Completeness)) {
		case domain.ConversationOngoing:
			u.Completeness = domain.ConversationOngoing
		case domain.ConversationComplete, "completed":
			u.Completeness = domain.ConversationComplete
		default:
			log.Warn("completeness update rejected: unknown value",
				slog.String("conversation_id", u.ConversationID),
				slog.String("completeness", u.Completeness))
			continue
		}
		out = append(out, u)
	}
	return out
}

func conversationTitle(proposed, messageText string) string {
	title := textx.Truncate(textx.CollapseWhitespace(textx.TrimQuotes(proposed)), titleMaxLen)
	if title != "" {
		return title
	}
	title = textx.Truncate(textx.CollapseWhitespace(messageText), titleMaxLen)
	if title != "" {
		return title
	}
	return "Conversation"
}

func boundaryPrompt(snap domain.BoundaryContext) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Stream kind: %s\n", snap.Stream.Kind)
	if len(snap.OpenConversations) == 0 {
		sb.WriteString("Open conversations: none\n")
	} else {
		sb.WriteString("Open conversations:\n")
		for _, c := range snap.OpenConversations {
			fmt.Fprintf(&sb, "- %s: %s\n", c.ID, c.Title)
		}
	}
	if len(snap.Recent) > 0 {
		sb.WriteString("Recent messages:\n")
		for _, m := range snap.Recent {
			conv := "-"
			if m.ConversationID != nil {
				conv = *m.ConversationID
			}
			fmt.Fprintf(&sb, "[conv %s] %s: %s\n", conv, m.AuthorID, textx.CollapseWhitespace(m.Text))
		}
	}
	fmt.Fprintf(&sb, "\nNew message by %s:\n%s\n",
		snap.Message.AuthorID, textx.CollapseWhitespace(snap.Message.Text))
	return sb.String()
}
