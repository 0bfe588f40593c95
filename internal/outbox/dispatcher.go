package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/domain"
	obsctx "github.com/fairyhunter13/ai-chat-pipeline/internal/observability"
)

// Dispatcher fans one change subscription out to every registered listener.
// Each listener sits behind its own debouncer so a burst of commits turns
// into one batch, and a poll tick guarantees progress when notifications
// are dropped or the connection is rebuilt.
type Dispatcher struct {
	notifier domain.ChangeNotifier
	poll     time.Duration

	defaultQuiet   time.Duration
	defaultMaxWait time.Duration

	entries []*dispatchEntry
}

type dispatchEntry struct {
	listener *Listener
	debounce *Debouncer
}

// NewDispatcher constructs a dispatcher; listeners are attached with
// Register before Run.
func NewDispatcher(n domain.ChangeNotifier, poll, quiet, maxWait time.Duration) *Dispatcher {
	return &Dispatcher{
		notifier:       n,
		poll:           poll,
		defaultQuiet:   quiet,
		defaultMaxWait: maxWait,
	}
}

// Register attaches a listener. The listener's own Quiet and MaxWait win
// over the dispatcher defaults when set.
func (d *Dispatcher) Register(l *Listener) {
	quiet, maxWait := d.defaultQuiet, d.defaultMaxWait
	if l.Quiet > 0 {
		quiet = l.Quiet
	}
	if l.MaxWait > 0 {
		maxWait = l.MaxWait
	}
	deb := NewDebouncer(quiet, maxWait, func(ctx context.Context, cause string) {
		observability.DebounceFiresTotal.WithLabelValues(l.Name, cause).Inc()
		if err := l.ProcessEvents(ctx); err != nil && ctx.Err() == nil {
			obsctx.LoggerFromContext(ctx).Error("listener batch failed",
				"listener", l.Name, "cause", cause, "error", err)
		}
	})
	d.entries = append(d.entries, &dispatchEntry{listener: l, debounce: deb})
}

// Run blocks until ctx is canceled. Batch failures are logged and retried
// on the next trigger; nothing short of cancellation stops the loop.
func (d *Dispatcher) Run(ctx context.Context) error {
	log := obsctx.LoggerFromContext(ctx)
	log.Info("dispatcher starting", "listeners", len(d.entries), "poll", d.poll.String())

	var wg sync.WaitGroup
	for _, e := range d.entries {
		wg.Add(1)
		go func(e *dispatchEntry) {
			defer wg.Done()
			e.debounce.Run(ctx)
		}(e)
	}

	t := time.NewTicker(d.poll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			log.Info("dispatcher stopped")
			return ctx.Err()
		case <-d.notifier.Notifications():
			d.triggerAll()
		case <-t.C:
			d.triggerAll()
		}
	}
}

func (d *Dispatcher) triggerAll() {
	for _, e := range d.entries {
		e.debounce.Trigger()
	}
}
