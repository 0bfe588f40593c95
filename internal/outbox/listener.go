package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/domain"
	obsctx "github.com/fairyhunter13/ai-chat-pipeline/internal/observability"
)

// Action reacts to one event. Returning nil acknowledges the event; an
// error leaves it for re-delivery on the next cycle. Actions must tolerate
// seeing the same event more than once.
type Action func(ctx context.Context, ev domain.Event) error

// Listener pairs a durable cursor with an interest filter and an action.
// Everything else (leasing, batching, partial progress) is shared machinery.
type Listener struct {
	Name     string
	Interest map[string]bool
	Action   Action

	// Quiet and MaxWait tune the listener's debouncer; zero values fall
	// back to the dispatcher defaults.
	Quiet   time.Duration
	MaxWait time.Duration

	Log   domain.EventLog
	Lock  *CursorLock
	Batch int
}

// ProcessEvents runs one cursor-locked batch: fetch events past the cursor,
// apply the action to each event of interest, and report progress. An event
// whose action fails does not block later events in the batch; the cursor
// simply stops short of it and the later acknowledgements ride along as
// processed ids.
func (l *Listener) ProcessEvents(ctx context.Context) error {
	return l.Lock.Run(ctx, func(ctx context.Context, cur domain.ListenerCursor) domain.ProcessResult {
		events, err := l.Log.FetchAfter(ctx, cur.LastProcessedID, l.Batch, cur.ProcessedIDs)
		if err != nil {
			return domain.Failed(fmt.Errorf("listener %s fetch: %w", l.Name, err), 0, nil)
		}
		if len(events) == 0 {
			return domain.NoEvents()
		}

		var (
			firstErr error
			failedID int64
			done     []int64
		)
		for _, ev := range events {
			if ctx.Err() != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("listener %s: %w", l.Name, ctx.Err())
					failedID = ev.ID
				}
				break
			}
			if err := l.handle(ctx, ev); err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("listener %s event %d: %w", l.Name, ev.ID, err)
					failedID = ev.ID
				}
				continue
			}
			done = append(done, ev.ID)
			observability.EventsDispatchedTotal.WithLabelValues(l.Name).Inc()
		}

		if firstErr == nil {
			return domain.Advanced(events[len(events)-1].ID)
		}

		// Contiguous prefix below the first failure advances the cursor;
		// acknowledgements beyond it are remembered without advancing.
		var newCursor int64
		var beyond []int64
		for _, id := range done {
			if id < failedID {
				newCursor = id
			} else {
				beyond = append(beyond, id)
			}
		}
		return domain.Failed(firstErr, newCursor, beyond)
	})
}

func (l *Listener) handle(ctx context.Context, ev domain.Event) error {
	if l.Interest != nil && !l.Interest[ev.EventType] {
		return nil
	}
	if err := l.Action(ctx, ev); err != nil {
		obsctx.LoggerFromContext(ctx).Error("listener action failed",
			"listener", l.Name, "event_id", ev.ID, "event_type", ev.EventType, "error", err)
		return err
	}
	return nil
}

// InterestIn builds the filter set for a listener.
func InterestIn(types ...string) map[string]bool {
	m := make(map[string]bool, len(types))
	for _, t := range types {
		m[t] = true
	}
	return m
}
