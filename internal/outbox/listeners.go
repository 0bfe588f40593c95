package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/config"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/domain"
	obsctx "github.com/fairyhunter13/ai-chat-pipeline/internal/observability"
)

// Listener ids as persisted in listener_cursors. Renaming one orphans its
// cursor row, so treat these as stable.
const (
	ListenerBoundary  = "boundary-extraction"
	ListenerNaming    = "naming"
	ListenerMemo      = "memo-accumulator"
	ListenerEmbedding = "embedding"
	ListenerCompanion = "companion-trigger"
	ListenerRelay     = "relay"
)

// Deps bundles what the concrete listeners read and call. Listeners run
// while holding a cursor lease, so every dependency here must be cheap:
// single indexed reads and queue inserts only.
type Deps struct {
	Cursors domain.CursorStore
	Log     domain.EventLog
	Queue   domain.JobQueue
	Chat    domain.ChatDirectory
	Memos   domain.MemoStore
	Relay   domain.EventRelay
}

func newListener(name string, deps Deps, cfg config.Config, holder string) *Listener {
	return &Listener{
		Name:  name,
		Log:   deps.Log,
		Batch: cfg.ListenerBatchSize,
		Lock: &CursorLock{
			Listener: name,
			Holder:   holder,
			Store:    deps.Cursors,
			Config:   cfg.CursorLock(),
		},
	}
}

// skipEvent marks a payload that can never be acted on; the listener
// acknowledges the event instead of retrying it forever.
func skipEvent(ctx context.Context, listener string, ev domain.Event, err error) error {
	obsctx.LoggerFromContext(ctx).Warn("skipping undecodable event",
		"listener", listener, "event_id", ev.ID, "event_type", ev.EventType, "error", err)
	return nil
}

// NewBoundaryListener enqueues conversation classification for messages
// written by human stream members.
func NewBoundaryListener(deps Deps, cfg config.Config, holder string) *Listener {
	l := newListener(ListenerBoundary, deps, cfg, holder)
	l.Interest = InterestIn(domain.EventMessageCreated)
	l.Action = func(ctx context.Context, ev domain.Event) error {
		p, err := domain.DecodeMessagePayload(ev)
		if err != nil {
			return skipEvent(ctx, l.Name, ev, err)
		}
		if p.AuthorKind != domain.AuthorHuman {
			return nil
		}
		member, err := deps.Chat.IsStreamMember(ctx, p.StreamID, p.AuthorID)
		if err != nil {
			return fmt.Errorf("membership check: %w", err)
		}
		if !member {
			return nil
		}
		_, err = deps.Queue.Send(ctx, domain.QueueBoundaryExtract, domain.BoundaryExtractPayload{
			MessageID:   p.MessageID,
			StreamID:    p.StreamID,
			WorkspaceID: p.WorkspaceID,
		}, domain.WithMessageID("boundary-"+p.MessageID))
		return err
	}
	return l
}

// NewNamingListener enqueues display-name generation for streams still
// carrying an empty name. Non-human triggers make the job required: the
// model may not answer "not enough context" for its own message.
func NewNamingListener(deps Deps, cfg config.Config, holder string) *Listener {
	l := newListener(ListenerNaming, deps, cfg, holder)
	l.Interest = InterestIn(domain.EventMessageCreated)
	l.Action = func(ctx context.Context, ev domain.Event) error {
		p, err := domain.DecodeMessagePayload(ev)
		if err != nil {
			return skipEvent(ctx, l.Name, ev, err)
		}
		stream, err := deps.Chat.GetStream(ctx, p.StreamID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return skipEvent(ctx, l.Name, ev, err)
			}
			return fmt.Errorf("stream lookup: %w", err)
		}
		if !stream.NeedsGeneratedName() {
			return nil
		}
		_, err = deps.Queue.Send(ctx, domain.QueueNamingGenerate, domain.NamingGeneratePayload{
			MessageID:   p.MessageID,
			StreamID:    p.StreamID,
			WorkspaceID: p.WorkspaceID,
			Required:    p.AuthorKind != domain.AuthorHuman,
		}, domain.WithMessageID("naming-"+p.MessageID))
		return err
	}
	return l
}

// NewMemoListener accumulates memo-pending items and keeps one batch-check
// job live per stream. The check job re-reads thresholds itself, so the
// listener only has to guarantee that a check eventually runs.
func NewMemoListener(deps Deps, cfg config.Config, holder string) *Listener {
	l := newListener(ListenerMemo, deps, cfg, holder)
	l.Interest = InterestIn(domain.EventMessageCreated, domain.EventConversationUpdated)
	l.Quiet = cfg.MemoDebounce
	l.MaxWait = cfg.MemoMaxWait
	l.Action = func(ctx context.Context, ev domain.Event) error {
		var item domain.MemoPendingItem
		switch ev.EventType {
		case domain.EventMessageCreated:
			p, err := domain.DecodeMessagePayload(ev)
			if err != nil {
				return skipEvent(ctx, l.Name, ev, err)
			}
			if p.AuthorKind == domain.AuthorSystem {
				return nil
			}
			item = domain.MemoPendingItem{
				WorkspaceID: p.WorkspaceID,
				StreamID:    p.StreamID,
				Kind:        domain.PendingKindMessage,
				RefID:       p.MessageID,
			}
		case domain.EventConversationUpdated:
			var p domain.ConversationEventPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return skipEvent(ctx, l.Name, ev, err)
			}
			item = domain.MemoPendingItem{
				WorkspaceID: p.WorkspaceID,
				StreamID:    p.StreamID,
				Kind:        domain.PendingKindConversation,
				RefID:       p.ConversationID,
			}
		default:
			return nil
		}
		if err := deps.Memos.InsertPending(ctx, item); err != nil {
			return fmt.Errorf("insert pending: %w", err)
		}
		_, err := deps.Queue.Send(ctx, domain.QueueMemoBatchCheck, domain.MemoBatchCheckPayload{
			WorkspaceID: item.WorkspaceID,
			StreamID:    item.StreamID,
		}, domain.WithSingleton(
			fmt.Sprintf("memo-check:%s:%s", item.WorkspaceID, item.StreamID),
			int(cfg.MemoMaxWait.Seconds()),
		))
		return err
	}
	return l
}

// NewEmbeddingListener enqueues index maintenance for created, edited and
// deleted messages. The job id carries the event id so an edit is not
// deduplicated against the create of the same message.
func NewEmbeddingListener(deps Deps, cfg config.Config, holder string) *Listener {
	l := newListener(ListenerEmbedding, deps, cfg, holder)
	l.Interest = InterestIn(domain.EventMessageCreated, domain.EventMessageEdited, domain.EventMessageDeleted)
	l.Action = func(ctx context.Context, ev domain.Event) error {
		p, err := domain.DecodeMessagePayload(ev)
		if err != nil {
			return skipEvent(ctx, l.Name, ev, err)
		}
		_, err = deps.Queue.Send(ctx, domain.QueueEmbedding, domain.EmbeddingPayload{
			MessageID:   p.MessageID,
			StreamID:    p.StreamID,
			WorkspaceID: p.WorkspaceID,
		}, domain.WithMessageID(fmt.Sprintf("embed-%s-%d", p.MessageID, ev.ID)))
		return err
	}
	return l
}

// NewCompanionListener turns companion commands into response jobs. The
// actor defaults to the workspace companion when the command names none.
func NewCompanionListener(deps Deps, cfg config.Config, holder string) *Listener {
	l := newListener(ListenerCompanion, deps, cfg, holder)
	l.Interest = InterestIn(domain.EventCommandDispatched)
	l.Action = func(ctx context.Context, ev domain.Event) error {
		var p domain.CommandEventPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return skipEvent(ctx, l.Name, ev, err)
		}
		if p.Command != domain.CommandCompanion {
			return nil
		}
		actor := p.ActorID
		if actor == "" {
			actor = cfg.CompanionActorID
		}
		_, err := deps.Queue.Send(ctx, domain.QueueCompanionResponse, domain.CompanionResponsePayload{
			MessageID:   p.MessageID,
			StreamID:    p.StreamID,
			WorkspaceID: p.WorkspaceID,
			ActorID:     actor,
		}, domain.WithMessageID("companion-"+p.MessageID), domain.WithPriority(domain.PriorityHigh))
		return err
	}
	return l
}

// NewRelayListener mirrors every committed event to the external stream.
func NewRelayListener(deps Deps, cfg config.Config, holder string) *Listener {
	l := newListener(ListenerRelay, deps, cfg, holder)
	l.Action = func(ctx context.Context, ev domain.Event) error {
		return deps.Relay.Publish(ctx, []domain.Event{ev})
	}
	return l
}

// BuildListeners wires every listener the configuration enables. The relay
// listener joins only when a relay sink is configured.
func BuildListeners(deps Deps, cfg config.Config, holder string) []*Listener {
	ls := []*Listener{
		NewBoundaryListener(deps, cfg, holder),
		NewNamingListener(deps, cfg, holder),
		NewMemoListener(deps, cfg, holder),
		NewEmbeddingListener(deps, cfg, holder),
		NewCompanionListener(deps, cfg, holder),
	}
	if cfg.RelayEnabled() && deps.Relay != nil {
		ls = append(ls, NewRelayListener(deps, cfg, holder))
	}
	return ls
}
