package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/config"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/domain"
	obsctx "github.com/fairyhunter13/ai-chat-pipeline/internal/observability"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/pipeline"
	"github.com/fairyhunter13/ai-chat-pipeline/pkg/textx"
)

const (
	memoMaxTokens   = 900
	memoTitleMaxLen = 120
)

const memoSystem = `You condense team chat into durable knowledge. Given pending messages and
conversations from one stream, plus the stream's existing memo if any,
decide whether they contain knowledge worth keeping: decisions, facts,
agreements, how-things-work. Social chatter and ephemeral coordination are
not worth keeping.

Answer with JSON:
{"isKnowledgeWorthy": bool, "title": string, "content": string,
 "gemMessageIds": [string], "reasoning": string}

When worthy, write content as a self-contained summary that merges the new
knowledge into the existing memo instead of repeating it. List in
gemMessageIds the ids of messages that carry standout knowledge on their
own, chosen only from the ids shown.`

type memoSummary struct {
	IsKnowledgeWorthy bool     `json:"isKnowledgeWorthy"`
	Title             string   `json:"title"`
	Content           string   `json:"content"`
	GemMessageIDs     []string `json:"gemMessageIds"`
	Reasoning         string   `json:"reasoning"`
}

// Memorizer maintains one rolling memo per stream. The check handler fires
// on every accumulation and decides whether enough pending knowledge piled
// up; the process handler summarizes one drained batch.
type Memorizer struct {
	cfg   config.Config
	ai    domain.AI
	store domain.MemoStore
	queue domain.JobQueue
	costs domain.CostRecorder
}

func NewMemorizer(cfg config.Config, ai domain.AI, store domain.MemoStore, queue domain.JobQueue, costs domain.CostRecorder) *Memorizer {
	return &Memorizer{cfg: cfg, ai: ai, store: store, queue: queue, costs: costs}
}

// HandleBatchCheck counts pending knowledge and, past the threshold, cuts a
// batch and enqueues its processing. The process job carries the pending
// ids so concurrent checks never hand the same items to two summaries.
func (m *Memorizer) HandleBatchCheck(ctx context.Context, job domain.Job) error {
	var p domain.MemoBatchCheckPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode memo check payload: %w", err)
	}
	n, err := m.store.CountPending(ctx, p.WorkspaceID, p.StreamID)
	if err != nil {
		return fmt.Errorf("count pending memo items: %w", err)
	}
	if n < m.cfg.MemoBatchThreshold {
		return nil
	}
	items, err := m.store.FetchPendingBatch(ctx, p.WorkspaceID, p.StreamID, m.cfg.MemoBatchMax)
	if err != nil {
		return fmt.Errorf("fetch pending memo batch: %w", err)
	}
	if len(items) == 0 {
		return nil
	}
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	_, err = m.queue.Send(ctx, domain.QueueMemoBatchProcess, domain.MemoBatchProcessPayload{
		WorkspaceID: p.WorkspaceID,
		StreamID:    p.StreamID,
		PendingIDs:  ids,
	})
	if err != nil {
		return fmt.Errorf("enqueue memo batch: %w", err)
	}
	obsctx.LoggerFromContext(ctx).Info("memo batch cut",
		slog.String("stream_id", p.StreamID), slog.Int("items", len(ids)))
	return nil
}

// HandleBatchProcess summarizes one batch into the stream memo. A model
// failure leaves the pending items unconsumed so a later batch retries the
// same knowledge; nothing is lost to a flaky summary.
func (m *Memorizer) HandleBatchProcess(ctx context.Context, job domain.Job) error {
	var p domain.MemoBatchProcessPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode memo process payload: %w", err)
	}
	call := domain.CallContext{
		WorkspaceID: p.WorkspaceID,
		Origin:      domain.OriginSystem,
		FunctionID:  "memo-batch-process",
	}
	_, err := pipeline.Run(ctx, pipeline.Phases[domain.MemoContext, domain.MemoMutation]{
		Task:        "memo-batch-process",
		Attribution: call,
		Costs:       m.costs,
		Fetch: func(ctx context.Context) (domain.MemoContext, *domain.MemoMutation, error) {
			snap, err := m.store.FetchMemoContext(ctx, p.WorkspaceID, p.StreamID, p.PendingIDs)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					obsctx.LoggerFromContext(ctx).Warn("memo context gone, skipping",
						slog.String("stream_id", p.StreamID), slog.Any("error", err))
					return snap, &domain.MemoMutation{}, nil
				}
				return snap, nil, err
			}
			// another process run already consumed these items
			if len(snap.Items) == 0 {
				return snap, &domain.MemoMutation{}, nil
			}
			return snap, nil, nil
		},
		Compute: func(ctx context.Context, snap domain.MemoContext) (domain.MemoMutation, error) {
			var sum memoSummary
			err := m.ai.GenerateObject(ctx, domain.ObjectRequest{
				System:     memoSystem,
				Prompt:     memoPrompt(snap),
				MaxTokens:  memoMaxTokens,
				SchemaName: "memoSummary",
				Call:       call,
			}, &sum)
			if err != nil {
				// the items stay pending, so failing loudly is safe: the next
				// accumulation re-checks and the same knowledge gets retried
				return domain.MemoMutation{}, err
			}
			return m.decide(ctx, snap, sum, p.PendingIDs), nil
		},
		Commit: func(ctx context.Context, snap domain.MemoContext, mut domain.MemoMutation, costs []domain.CostRecord) error {
			mut.CostRecords = costs
			if err := m.store.CommitMemo(ctx, mut); err != nil {
				return err
			}
			log := obsctx.LoggerFromContext(ctx)
			if mut.Memo.ID != "" {
				log.Info("memo updated",
					slog.String("stream_id", p.StreamID),
					slog.String("memo_id", mut.Memo.ID),
					slog.Int("gems", len(mut.GemMessageIDs)),
					slog.Int("consumed", len(mut.ConsumedPendingIDs)))
			} else {
				log.Info("memo batch discarded as not knowledge-worthy",
					slog.String("stream_id", p.StreamID),
					slog.Int("consumed", len(mut.ConsumedPendingIDs)))
			}
			return nil
		},
	})
	return err
}

func (m *Memorizer) decide(ctx context.Context, snap domain.MemoContext, sum memoSummary, pendingIDs []string) domain.MemoMutation {
	log := obsctx.LoggerFromContext(ctx)
	mut := domain.MemoMutation{
		WorkspaceID:        snap.Stream.WorkspaceID,
		StreamID:           snap.Stream.ID,
		ConsumedPendingIDs: pendingIDs,
	}
	if !sum.IsKnowledgeWorthy {
		return mut
	}
	content := strings.TrimSpace(sum.Content)
	if content == "" {
		log.Warn("memo marked worthy but content empty, consuming without update",
			slog.String("stream_id", snap.Stream.ID))
		return mut
	}

	title := textx.Truncate(textx.CollapseWhitespace(textx.TrimQuotes(sum.Title)), memoTitleMaxLen)
	if title == "" {
		if snap.Existing != nil {
			title = snap.Existing.Title
		} else {
			title = "Team knowledge"
		}
	}

	memo := domain.Memo{
		WorkspaceID: snap.Stream.WorkspaceID,
		StreamID:    snap.Stream.ID,
		Title:       title,
		Content:     content,
	}
	if snap.Existing != nil {
		memo.ID = snap.Existing.ID
	} else {
		memo.ID = uuid.New().String()
	}
	memo.SourceMessageIDs = mergeSourceIDs(snap, memo)

	mut.Memo = memo
	mut.GemMessageIDs = validGems(ctx, snap, sum.GemMessageIDs)
	mut.ConversationID = latestConversationRef(snap)
	return mut
}

// mergeSourceIDs unions the existing memo's sources with the message-kind
// items of this batch.
func mergeSourceIDs(snap domain.MemoContext, memo domain.Memo) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, id)
	}
	if snap.Existing != nil {
		for _, id := range snap.Existing.SourceMessageIDs {
			add(id)
		}
	}
	for _, it := range snap.Items {
		if it.Kind == domain.PendingKindMessage {
			add(it.RefID)
		}
	}
	return out
}

// validGems keeps only gem ids that name messages actually shown to the
// model. Hallucinated ids are dropped with a warning.
func validGems(ctx context.Context, snap domain.MemoContext, ids []string) []string {
	known := make(map[string]bool, len(snap.Messages))
	for _, msg := range snap.Messages {
		known[msg.ID] = true
	}
	var out []string
	for _, id := range ids {
		if known[id] {
			out = append(out, id)
			continue
		}
		obsctx.LoggerFromContext(ctx).Warn("gem id outside batch messages, dropping",
			slog.String("stream_id", snap.Stream.ID), slog.String("message_id", id))
	}
	return out
}

// latestConversationRef picks the most recently accumulated conversation of
// the batch, falling back to the existing memo's link.
func latestConversationRef(snap domain.MemoContext) *string {
	var latest *domain.MemoPendingItem
	for i := range snap.Items {
		it := &snap.Items[i]
		if it.Kind != domain.PendingKindConversation {
			continue
		}
		if latest == nil || it.CreatedAt.After(latest.CreatedAt) {
			latest = it
		}
	}
	if latest != nil {
		ref := latest.RefID
		return &ref
	}
	if snap.Existing != nil && snap.Existing.ConversationID != nil {
		ref := *snap.Existing.ConversationID
		return &ref
	}
	return nil
}

func memoPrompt(snap domain.MemoContext) string {
	var sb strings.Builder
	if snap.Existing != nil {
		fmt.Fprintf(&sb, "Existing memo %q:\n%s\n\n", snap.Existing.Title, snap.Existing.Content)
	} else {
		sb.WriteString("No memo exists for this stream yet.\n\n")
	}
	if len(snap.Conversations) > 0 {
		sb.WriteString("Pending conversations:\n")
		for _, c := range snap.Conversations {
			fmt.Fprintf(&sb, "- %s (%s)\n", c.Title, c.Completeness)
		}
		sb.WriteString("\n")
	}
	msgs := make([]domain.Message, len(snap.Messages))
	copy(msgs, snap.Messages)
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	sb.WriteString("Pending messages (id | author: text):\n")
	for _, msg := range msgs {
		fmt.Fprintf(&sb, "%s | %s: %s\n", msg.ID, msg.AuthorID, textx.CollapseWhitespace(msg.Text))
	}
	return sb.String()
}
