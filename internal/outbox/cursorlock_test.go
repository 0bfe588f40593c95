package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/domain"
)

func newLock(store *fakeCursorStore) *CursorLock {
	return &CursorLock{
		Listener: "test-listener",
		Holder:   "holder-a",
		Store:    store,
		Config:   lockConfig(),
	}
}

func TestCursorLock_BusyIsNotAnError(t *testing.T) {
	t.Parallel()
	store := newFakeCursorStore()
	store.busyFor = 10

	ran := false
	err := newLock(store).Run(context.Background(), func(context.Context, domain.ListenerCursor) domain.ProcessResult {
		ran = true
		return domain.NoEvents()
	})
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, 0, store.releases)
	// MaxRetries=2 means up to three attempts.
	assert.Equal(t, 3, store.acquires)
}

func TestCursorLock_RetriesAcquisition(t *testing.T) {
	t.Parallel()
	store := newFakeCursorStore()
	store.busyFor = 1
	store.cur.LastProcessedID = 7

	var got domain.ListenerCursor
	err := newLock(store).Run(context.Background(), func(_ context.Context, cur domain.ListenerCursor) domain.ProcessResult {
		got = cur
		return domain.NoEvents()
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.LastProcessedID)
	assert.Equal(t, 1, store.releases)
}

func TestCursorLock_AcquireErrorSurfaces(t *testing.T) {
	t.Parallel()
	store := newFakeCursorStore()
	store.acquireErr = errors.New("pool exhausted")

	err := newLock(store).Run(context.Background(), func(context.Context, domain.ListenerCursor) domain.ProcessResult {
		t.Fatal("work must not run")
		return domain.NoEvents()
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cursor test-listener acquire")
	assert.Equal(t, 0, store.releases)
}

func TestCursorLock_NoEventsSkipsSave(t *testing.T) {
	t.Parallel()
	store := newFakeCursorStore()

	err := newLock(store).Run(context.Background(), func(context.Context, domain.ListenerCursor) domain.ProcessResult {
		return domain.NoEvents()
	})
	require.NoError(t, err)
	assert.Equal(t, 0, store.savedCount())
	assert.Equal(t, 1, store.releases)
}

func TestCursorLock_AdvanceSavesAndPrunes(t *testing.T) {
	t.Parallel()
	store := newFakeCursorStore()
	store.cur.LastProcessedID = 3
	store.cur.ProcessedIDs = []int64{5, 9}

	err := newLock(store).Run(context.Background(), func(context.Context, domain.ListenerCursor) domain.ProcessResult {
		return domain.Advanced(7)
	})
	require.NoError(t, err)
	require.Equal(t, 1, store.savedCount())
	saved := store.lastSave()
	assert.Equal(t, int64(7), saved.lastProcessedID)
	// 5 is now covered by the cursor; 9 still is not.
	assert.Equal(t, []int64{9}, saved.processedIDs)
}

func TestCursorLock_PartialUnionsWithoutAdvancing(t *testing.T) {
	t.Parallel()
	store := newFakeCursorStore()
	store.cur.LastProcessedID = 3
	store.cur.ProcessedIDs = []int64{6}

	err := newLock(store).Run(context.Background(), func(context.Context, domain.ListenerCursor) domain.ProcessResult {
		return domain.Partial([]int64{9, 6, 4})
	})
	require.NoError(t, err)
	saved := store.lastSave()
	assert.Equal(t, int64(3), saved.lastProcessedID)
	assert.Equal(t, []int64{4, 6, 9}, saved.processedIDs)
}

func TestCursorLock_FailureAppliesPartialProgress(t *testing.T) {
	t.Parallel()
	store := newFakeCursorStore()
	store.cur.LastProcessedID = 3
	boom := errors.New("enqueue refused")

	err := newLock(store).Run(context.Background(), func(context.Context, domain.ListenerCursor) domain.ProcessResult {
		return domain.Failed(boom, 4, []int64{6})
	})
	require.ErrorIs(t, err, boom)
	saved := store.lastSave()
	assert.Equal(t, int64(4), saved.lastProcessedID)
	assert.Equal(t, []int64{6}, saved.processedIDs)
	assert.Equal(t, 1, store.releases)
}

func TestCursorLock_FailureWithoutProgressSkipsSave(t *testing.T) {
	t.Parallel()
	store := newFakeCursorStore()
	boom := errors.New("fetch refused")

	err := newLock(store).Run(context.Background(), func(context.Context, domain.ListenerCursor) domain.ProcessResult {
		return domain.Failed(boom, 0, nil)
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, store.savedCount())
	assert.Equal(t, 1, store.releases)
}

func TestCursorLock_SaveLeaseLostSurfaces(t *testing.T) {
	t.Parallel()
	store := newFakeCursorStore()
	store.saveErr = domain.ErrLeaseLost

	err := newLock(store).Run(context.Background(), func(context.Context, domain.ListenerCursor) domain.ProcessResult {
		return domain.Advanced(5)
	})
	require.ErrorIs(t, err, domain.ErrLeaseLost)
}

func TestCursorLock_HeartbeatExtendsWhileWorking(t *testing.T) {
	t.Parallel()
	store := newFakeCursorStore()

	err := newLock(store).Run(context.Background(), func(ctx context.Context, _ domain.ListenerCursor) domain.ProcessResult {
		time.Sleep(50 * time.Millisecond)
		return domain.NoEvents()
	})
	require.NoError(t, err)
	store.mu.Lock()
	extends := store.extends
	store.mu.Unlock()
	assert.GreaterOrEqual(t, extends, 2)
}

func TestCursorLock_LostLeaseCancelsWork(t *testing.T) {
	t.Parallel()
	store := newFakeCursorStore()
	store.extendOK = false

	err := newLock(store).Run(context.Background(), func(ctx context.Context, _ domain.ListenerCursor) domain.ProcessResult {
		select {
		case <-ctx.Done():
			return domain.Failed(ctx.Err(), 0, nil)
		case <-time.After(2 * time.Second):
			return domain.Failed(errors.New("work context never canceled"), 0, nil)
		}
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, store.releases)
}

func TestMergeProcessed(t *testing.T) {
	t.Parallel()
	t.Run("dedup sort prune", func(t *testing.T) {
		got := mergeProcessed([]int64{5, 9}, []int64{9, 2, 11}, 5, 50)
		assert.Equal(t, []int64{9, 11}, got)
	})
	t.Run("cap keeps lowest", func(t *testing.T) {
		got := mergeProcessed(nil, []int64{8, 6, 7, 9}, 0, 2)
		assert.Equal(t, []int64{6, 7}, got)
	})
	t.Run("empty", func(t *testing.T) {
		assert.Nil(t, mergeProcessed(nil, nil, 10, 50))
	})
}
