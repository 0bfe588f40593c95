// Package outbox dispatches committed events to listeners. A dispatcher
// subscribes once to the change channel, debounces bursts per listener, and
// runs each listener's batch under a lease-arbitrated cursor so that exactly
// one process at a time walks the log for a given listener.
package outbox

import (
	"context"
	"time"
)

// Fire causes, as reported to the fire callback.
const (
	FireQuiet   = "quiet"
	FireMaxWait = "max_wait"
)

// Debouncer coalesces bursts of triggers into one fire. The callback runs
// quiet after the last Trigger, or maxWait after the first Trigger of a
// burst, whichever comes first. Fires are serialized: triggers arriving
// while the callback runs start the next burst after it returns.
type Debouncer struct {
	quiet   time.Duration
	maxWait time.Duration
	fire    func(ctx context.Context, cause string)

	triggerC chan struct{}
}

// NewDebouncer constructs a Debouncer; Run must be started for triggers to
// have any effect.
func NewDebouncer(quiet, maxWait time.Duration, fire func(ctx context.Context, cause string)) *Debouncer {
	return &Debouncer{
		quiet:    quiet,
		maxWait:  maxWait,
		fire:     fire,
		triggerC: make(chan struct{}, 1),
	}
}

// Trigger records one burst input. It never blocks; triggers beyond the one
// already pending coalesce.
func (d *Debouncer) Trigger() {
	select {
	case d.triggerC <- struct{}{}:
	default:
	}
}

// Run owns the burst state machine until ctx is canceled.
func (d *Debouncer) Run(ctx context.Context) {
	var quietT, maxT *time.Timer
	var quietC, maxC <-chan time.Time

	clear := func() {
		if quietT != nil {
			quietT.Stop()
		}
		if maxT != nil {
			maxT.Stop()
		}
		quietT, maxT = nil, nil
		quietC, maxC = nil, nil
	}
	defer clear()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.triggerC:
			if quietT == nil {
				quietT = time.NewTimer(d.quiet)
				quietC = quietT.C
				maxT = time.NewTimer(d.maxWait)
				maxC = maxT.C
			} else {
				quietT.Reset(d.quiet)
			}
		case <-quietC:
			clear()
			d.fire(ctx, FireQuiet)
		case <-maxC:
			clear()
			d.fire(ctx, FireMaxWait)
		}
	}
}
