package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/domain"
)

func messageEvent(id int64, eventType string, p domain.MessageEventPayload) domain.Event {
	raw, _ := json.Marshal(p)
	return domain.Event{ID: id, EventType: eventType, Payload: raw}
}

func testListener(store *fakeCursorStore, log *fakeEventLog, action Action) *Listener {
	return &Listener{
		Name:   "test-listener",
		Action: action,
		Log:    log,
		Batch:  10,
		Lock: &CursorLock{
			Listener: "test-listener",
			Holder:   "holder-a",
			Store:    store,
			Config:   lockConfig(),
		},
	}
}

func TestListener_AdvancesPastFullBatch(t *testing.T) {
	t.Parallel()
	store := newFakeCursorStore()
	log := &fakeEventLog{events: []domain.Event{
		{ID: 1, EventType: domain.EventMessageCreated, Payload: []byte(`{}`)},
		{ID: 2, EventType: domain.EventMessageCreated, Payload: []byte(`{}`)},
		{ID: 4, EventType: domain.EventMessageCreated, Payload: []byte(`{}`)},
	}}
	var seen []int64
	l := testListener(store, log, func(_ context.Context, ev domain.Event) error {
		seen = append(seen, ev.ID)
		return nil
	})

	require.NoError(t, l.ProcessEvents(context.Background()))
	assert.Equal(t, []int64{1, 2, 4}, seen)
	saved := store.lastSave()
	assert.Equal(t, int64(4), saved.lastProcessedID)
	assert.Empty(t, saved.processedIDs)
}

func TestListener_EmptyFetchKeepsCursor(t *testing.T) {
	t.Parallel()
	store := newFakeCursorStore()
	store.cur.LastProcessedID = 9
	log := &fakeEventLog{}

	l := testListener(store, log, func(context.Context, domain.Event) error {
		t.Fatal("no events to handle")
		return nil
	})
	require.NoError(t, l.ProcessEvents(context.Background()))
	assert.Equal(t, 0, store.savedCount())
}

func TestListener_ExcludesAcknowledgedIDs(t *testing.T) {
	t.Parallel()
	store := newFakeCursorStore()
	store.cur.LastProcessedID = 1
	store.cur.ProcessedIDs = []int64{3}
	log := &fakeEventLog{events: []domain.Event{
		{ID: 2, EventType: domain.EventMessageCreated, Payload: []byte(`{}`)},
		{ID: 3, EventType: domain.EventMessageCreated, Payload: []byte(`{}`)},
		{ID: 4, EventType: domain.EventMessageCreated, Payload: []byte(`{}`)},
	}}
	var seen []int64
	l := testListener(store, log, func(_ context.Context, ev domain.Event) error {
		seen = append(seen, ev.ID)
		return nil
	})

	require.NoError(t, l.ProcessEvents(context.Background()))
	assert.Equal(t, []int64{2, 4}, seen)
}

func TestListener_MidBatchFailureSplitsProgress(t *testing.T) {
	t.Parallel()
	store := newFakeCursorStore()
	log := &fakeEventLog{events: []domain.Event{
		{ID: 1, EventType: domain.EventMessageCreated, Payload: []byte(`{}`)},
		{ID: 2, EventType: domain.EventMessageCreated, Payload: []byte(`{}`)},
		{ID: 3, EventType: domain.EventMessageCreated, Payload: []byte(`{}`)},
		{ID: 4, EventType: domain.EventMessageCreated, Payload: []byte(`{}`)},
	}}
	boom := errors.New("queue refused")
	l := testListener(store, log, func(_ context.Context, ev domain.Event) error {
		if ev.ID == 2 {
			return boom
		}
		return nil
	})

	err := l.ProcessEvents(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "event 2")

	saved := store.lastSave()
	assert.Equal(t, int64(1), saved.lastProcessedID)
	assert.Equal(t, []int64{3, 4}, saved.processedIDs)
}

func TestListener_RetryAfterPartialFailure(t *testing.T) {
	t.Parallel()
	store := newFakeCursorStore()
	log := &fakeEventLog{events: []domain.Event{
		{ID: 1, EventType: domain.EventMessageCreated, Payload: []byte(`{}`)},
		{ID: 2, EventType: domain.EventMessageCreated, Payload: []byte(`{}`)},
		{ID: 3, EventType: domain.EventMessageCreated, Payload: []byte(`{}`)},
	}}
	fail := true
	var seen []int64
	l := testListener(store, log, func(_ context.Context, ev domain.Event) error {
		if ev.ID == 2 && fail {
			return fmt.Errorf("transient")
		}
		seen = append(seen, ev.ID)
		return nil
	})

	require.Error(t, l.ProcessEvents(context.Background()))
	fail = false
	require.NoError(t, l.ProcessEvents(context.Background()))

	// Only the failed event is re-delivered.
	assert.Equal(t, []int64{1, 3, 2}, seen)
	saved := store.lastSave()
	assert.Equal(t, int64(3), saved.lastProcessedID)
	assert.Empty(t, saved.processedIDs)
}

func TestListener_InterestFilterAcknowledgesSilently(t *testing.T) {
	t.Parallel()
	store := newFakeCursorStore()
	log := &fakeEventLog{events: []domain.Event{
		{ID: 1, EventType: domain.EventStreamCreated, Payload: []byte(`{}`)},
		{ID: 2, EventType: domain.EventMessageCreated, Payload: []byte(`{}`)},
	}}
	var seen []int64
	l := testListener(store, log, func(_ context.Context, ev domain.Event) error {
		seen = append(seen, ev.ID)
		return nil
	})
	l.Interest = InterestIn(domain.EventMessageCreated)

	require.NoError(t, l.ProcessEvents(context.Background()))
	assert.Equal(t, []int64{2}, seen)
	saved := store.lastSave()
	assert.Equal(t, int64(2), saved.lastProcessedID)
}

func TestListener_FetchErrorFails(t *testing.T) {
	t.Parallel()
	store := newFakeCursorStore()
	log := &fakeEventLog{fetchErr: errors.New("connection reset")}
	l := testListener(store, log, func(context.Context, domain.Event) error { return nil })

	err := l.ProcessEvents(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch")
	assert.Equal(t, 0, store.savedCount())
}
