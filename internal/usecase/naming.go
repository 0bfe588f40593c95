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
	nameMaxLen       = 100
	nameMaxTokens    = 60
	notEnoughContext = "NOT_ENOUGH_CONTEXT"
)

const namingSystem = `You name streams in a team chat. Given the recent messages of an unnamed
stream, answer with a short descriptive display name (a few words, no
quotes, no trailing punctuation). If the messages are too sparse to name the
stream meaningfully, answer exactly NOT_ENOUGH_CONTEXT.`

// Naming generates display names for streams that still lack one. It runs
// as the naming-generate queue handler. Required runs come from non-human
// authors and may not decline.
type Naming struct {
	cfg   config.Config
	ai    domain.AI
	store domain.NamingStore
	costs domain.CostRecorder
}

func NewNaming(cfg config.Config, ai domain.AI, store domain.NamingStore, costs domain.CostRecorder) *Naming {
	return &Naming{cfg: cfg, ai: ai, store: store, costs: costs}
}

func (n *Naming) Handle(ctx context.Context, job domain.Job) error {
	var p domain.NamingGeneratePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode naming payload: %w", err)
	}
	_, err := n.Run(ctx, p)
	return err
}

// Run produces and commits one display name. The empty result means the
// model declined in optional mode or the stream no longer needs a name; the
// model's cost is recorded either way.
func (n *Naming) Run(ctx context.Context, p domain.NamingGeneratePayload) (string, error) {
	call := domain.CallContext{
		WorkspaceID: p.WorkspaceID,
		SessionID:   p.MessageID,
		Origin:      domain.OriginSystem,
		FunctionID:  "naming-generate",
	}
	return pipeline.Run(ctx, pipeline.Phases[domain.NamingContext, string]{
		Task:        "naming-generate",
		Attribution: call,
		Costs:       n.costs,
		Fetch: func(ctx context.Context) (domain.NamingContext, *string, error) {
			empty := ""
			snap, err := n.store.FetchNamingContext(ctx, p.WorkspaceID, p.StreamID)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					obsctx.LoggerFromContext(ctx).Warn("naming context gone, skipping",
						slog.String("stream_id", p.StreamID), slog.Any("error", err))
					return snap, &empty, nil
				}
				return snap, nil, err
			}
			// a racing run may have named the stream already
			if !snap.Stream.NeedsGeneratedName() {
				return snap, &empty, nil
			}
			return snap, nil, nil
		},
		Compute: func(ctx context.Context, snap domain.NamingContext) (string, error) {
			res, err := n.ai.GenerateText(ctx, domain.TextRequest{
				System:    namingSystem,
				Prompt:    namingPrompt(snap),
				MaxTokens: nameMaxTokens,
				Call:      call,
			})
			if err != nil {
				return "", err
			}
			raw := strings.TrimSpace(res.Text)
			if strings.Contains(strings.ToUpper(raw), notEnoughContext) {
				if p.Required {
					return "", fmt.Errorf("naming stream %s: model answered not enough context on a required run", p.StreamID)
				}
				obsctx.LoggerFromContext(ctx).Debug("naming declined for lack of context",
					slog.String("stream_id", p.StreamID))
				return "", nil
			}
			name := textx.Truncate(textx.CollapseWhitespace(textx.TrimQuotes(raw)), nameMaxLen)
			if name == "" && p.Required {
				return "", fmt.Errorf("naming stream %s: model produced an empty name on a required run", p.StreamID)
			}
			return name, nil
		},
		Commit: func(ctx context.Context, snap domain.NamingContext, name string, costs []domain.CostRecord) error {
			if name == "" {
				n.recordOnly(ctx, costs)
				return nil
			}
			err := n.store.CommitStreamName(ctx, p.WorkspaceID, p.StreamID, name, costs)
			if err != nil {
				// the stream disappearing between fetch and commit is not worth
				// a retry, but the model's spend still counts
				if errors.Is(err, domain.ErrNotFound) {
					obsctx.LoggerFromContext(ctx).Warn("stream vanished before naming commit",
						slog.String("stream_id", p.StreamID))
					n.recordOnly(ctx, costs)
					return nil
				}
				return err
			}
			obsctx.LoggerFromContext(ctx).Info("stream named",
				slog.String("stream_id", p.StreamID), slog.String("display_name", name))
			return nil
		},
	})
}

func (n *Naming) recordOnly(ctx context.Context, costs []domain.CostRecord) {
	if n.costs == nil {
		return
	}
	for _, rec := range costs {
		if err := n.costs.RecordUsage(ctx, rec); err != nil {
			obsctx.LoggerFromContext(ctx).Warn("naming cost record failed",
				slog.String("model", rec.Model), slog.Any("error", err))
		}
	}
}

func namingPrompt(snap domain.NamingContext) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Stream kind: %s\nRecent messages:\n", snap.Stream.Kind)
	for _, m := range snap.Recent {
		fmt.Fprintf(&sb, "%s: %s\n", m.AuthorID, textx.CollapseWhitespace(m.Text))
	}
	sb.WriteString("\nName this stream.")
	return sb.String()
}
