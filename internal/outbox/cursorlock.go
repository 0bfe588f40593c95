package outbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/domain"
	obsctx "github.com/fairyhunter13/ai-chat-pipeline/internal/observability"
)

var errLeaseBusy = errors.New("cursor lease held elsewhere")

// Work is one batch executed under the lease. Its context is canceled the
// moment the lease can no longer be extended; side effects already made
// stand (delivery is at least once).
type Work func(ctx context.Context, cur domain.ListenerCursor) domain.ProcessResult

// CursorLock runs listener batches under the lease stored alongside the
// listener's cursor. It retries acquisition with jittered exponential
// backoff, renews the lease while the work runs, and persists whatever
// progress the work reports.
type CursorLock struct {
	Listener string
	Holder   string
	Store    domain.CursorStore
	Config   domain.CursorLockConfig
}

// Run acquires the lease, executes work once, applies its result, and
// releases. A lease held by a live peer is not an error; Run returns nil
// and the caller tries again next cycle.
func (l *CursorLock) Run(ctx context.Context, work Work) error {
	cur, ok, err := l.acquire(ctx)
	if err != nil {
		return fmt.Errorf("cursor %s acquire: %w", l.Listener, err)
	}
	if !ok {
		return nil
	}
	defer l.release(ctx)

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go l.keepAlive(wctx, cancel)

	start := time.Now()
	res := work(wctx, cur)
	observability.DispatchBatchDuration.WithLabelValues(l.Listener).Observe(time.Since(start).Seconds())

	return l.apply(ctx, cur, res)
}

func (l *CursorLock) acquire(ctx context.Context) (domain.ListenerCursor, bool, error) {
	var cur domain.ListenerCursor
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.Config.BaseBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.5
	bo.MaxElapsedTime = 0

	op := func() error {
		c, ok, err := l.Store.Acquire(ctx, l.Listener, l.Holder, l.Config.LockDuration)
		if err != nil {
			return err
		}
		if !ok {
			return errLeaseBusy
		}
		cur = c
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(l.Config.MaxRetries)), ctx))
	switch {
	case err == nil:
		observability.LeaseAcquisitionsTotal.WithLabelValues(l.Listener, "acquired").Inc()
		return cur, true, nil
	case errors.Is(err, errLeaseBusy):
		observability.LeaseAcquisitionsTotal.WithLabelValues(l.Listener, "busy").Inc()
		return domain.ListenerCursor{}, false, nil
	default:
		observability.LeaseAcquisitionsTotal.WithLabelValues(l.Listener, "error").Inc()
		return domain.ListenerCursor{}, false, err
	}
}

// keepAlive extends the lease every RefreshInterval and cancels the work
// context when the lease is stolen or expired under us.
func (l *CursorLock) keepAlive(ctx context.Context, cancel context.CancelFunc) {
	t := time.NewTicker(l.Config.RefreshInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ok, err := l.Store.Extend(ctx, l.Listener, l.Holder, l.Config.LockDuration)
			if err != nil {
				if ctx.Err() == nil {
					obsctx.LoggerFromContext(ctx).Warn("cursor lease extend failed",
						"listener", l.Listener, "error", err)
				}
				continue
			}
			if !ok {
				observability.LeaseLostTotal.WithLabelValues(l.Listener).Inc()
				obsctx.LoggerFromContext(ctx).Warn("cursor lease lost, aborting batch",
					"listener", l.Listener, "holder", l.Holder)
				cancel()
				return
			}
		}
	}
}

// apply persists the batch outcome. The cursor advances past every id the
// work completed contiguously; ids completed beyond a gap ride along in
// ProcessedIDs until the cursor catches up.
func (l *CursorLock) apply(ctx context.Context, cur domain.ListenerCursor, res domain.ProcessResult) error {
	if res.Empty && res.Err == nil {
		return nil
	}

	newCursor := cur.LastProcessedID
	if res.NewCursor > newCursor {
		newCursor = res.NewCursor
	}
	ids := mergeProcessed(cur.ProcessedIDs, res.ProcessedIDs, newCursor, l.Config.BatchSize)

	// Acknowledged ids immediately above the cursor fold into it. Ids past
	// a numeric gap stay in the set: a lower id may still become visible
	// when its appending transaction commits.
	for len(ids) > 0 && ids[0] == newCursor+1 {
		newCursor++
		ids = ids[1:]
	}
	if len(ids) == 0 {
		ids = nil
	}

	if newCursor != cur.LastProcessedID || !equalIDs(ids, cur.ProcessedIDs) {
		if err := l.Store.Save(ctx, l.Listener, l.Holder, newCursor, ids); err != nil {
			if errors.Is(err, domain.ErrLeaseLost) {
				observability.LeaseLostTotal.WithLabelValues(l.Listener).Inc()
			}
			if res.Err != nil {
				return errors.Join(res.Err, err)
			}
			return fmt.Errorf("cursor %s save: %w", l.Listener, err)
		}
	}
	return res.Err
}

func (l *CursorLock) release(ctx context.Context) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := l.Store.Release(rctx, l.Listener, l.Holder); err != nil {
		obsctx.LoggerFromContext(ctx).Warn("cursor lease release failed",
			"listener", l.Listener, "error", err)
	}
}

// mergeProcessed unions acknowledged ids, drops everything the cursor now
// covers, and bounds the set so a stuck batch cannot grow it without limit.
// Dropped ids are simply re-delivered later.
func mergeProcessed(prev, add []int64, cursor int64, limit int) []int64 {
	seen := make(map[int64]struct{}, len(prev)+len(add))
	var out []int64
	for _, set := range [][]int64{prev, add} {
		for _, id := range set {
			if id <= cursor {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
