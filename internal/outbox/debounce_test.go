package outbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fireRecorder struct {
	mu     sync.Mutex
	causes []string
}

func (r *fireRecorder) fire(_ context.Context, cause string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.causes = append(r.causes, cause)
}

func (r *fireRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.causes...)
}

func TestDebouncer_FiresAfterQuietPeriod(t *testing.T) {
	t.Parallel()
	rec := &fireRecorder{}
	d := NewDebouncer(20*time.Millisecond, time.Second, rec.fire)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { defer close(done); d.Run(ctx) }()

	d.Trigger()
	d.Trigger()
	d.Trigger()

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{FireQuiet}, rec.snapshot())

	// Quiet again: no further fires without a trigger.
	time.Sleep(60 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 1)

	cancel()
	<-done
}

func TestDebouncer_MaxWaitBoundsABurst(t *testing.T) {
	t.Parallel()
	rec := &fireRecorder{}
	d := NewDebouncer(40*time.Millisecond, 100*time.Millisecond, rec.fire)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	// Triggers arrive faster than the quiet period for longer than maxWait.
	stop := time.After(250 * time.Millisecond)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
loop:
	for {
		select {
		case <-stop:
			break loop
		case <-tick.C:
			d.Trigger()
		}
	}

	require.Eventually(t, func() bool { return len(rec.snapshot()) >= 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, FireMaxWait, rec.snapshot()[0])
}

func TestDebouncer_TriggerBeforeRunIsRemembered(t *testing.T) {
	t.Parallel()
	rec := &fireRecorder{}
	d := NewDebouncer(10*time.Millisecond, time.Second, rec.fire)
	d.Trigger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestDebouncer_SerializesFires(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var running, overlapped bool
	fires := 0
	d := NewDebouncer(10*time.Millisecond, time.Second, func(ctx context.Context, _ string) {
		mu.Lock()
		if running {
			overlapped = true
		}
		running = true
		fires++
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		running = false
		mu.Unlock()
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Trigger()
	time.Sleep(25 * time.Millisecond) // first fire in progress
	d.Trigger()                       // starts the next burst after the fire returns

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fires == 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.False(t, overlapped)
}
