package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/config"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/domain"
)

type vectorUpsert struct {
	collection string
	points     []domain.VectorPoint
}

type vectorDelete struct {
	collection string
	ids        []string
}

type recordingVectors struct {
	mu        sync.Mutex
	upsertErr error
	deleteErr error
	upserts   []vectorUpsert
	deletes   []vectorDelete
}

func (f *recordingVectors) Upsert(_ domain.Context, collection string, points []domain.VectorPoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserts = append(f.upserts, vectorUpsert{collection: collection, points: points})
	return nil
}

func (f *recordingVectors) Search(domain.Context, string, []float32, int, float64, domain.VectorFilter) ([]domain.VectorHit, error) {
	return nil, errors.New("unexpected Search")
}

func (f *recordingVectors) Delete(_ domain.Context, collection string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deletes = append(f.deletes, vectorDelete{collection: collection, ids: ids})
	return nil
}

type fakeMessages struct {
	mu   sync.Mutex
	msgs map[string]domain.Message
	err  error
}

func (f *fakeMessages) GetMessage(_ domain.Context, id string) (domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.Message{}, f.err
	}
	m, ok := f.msgs[id]
	if !ok {
		return domain.Message{}, fmt.Errorf("op=chat.get_message: %w", domain.ErrNotFound)
	}
	return m, nil
}

func embeddingJob(t *testing.T) domain.Job {
	t.Helper()
	payload, err := json.Marshal(domain.EmbeddingPayload{MessageID: "m1", StreamID: "s1", WorkspaceID: "w1"})
	require.NoError(t, err)
	return domain.Job{Queue: domain.QueueEmbedding, Payload: payload}
}

func TestEmbedder_EmbedsAndUpsertsMessage(t *testing.T) {
	msgs := &fakeMessages{msgs: map[string]domain.Message{
		"m1": {ID: "m1", WorkspaceID: "w1", StreamID: "s1", AuthorID: "u1", Text: "ship it"},
	}}
	vectors := &recordingVectors{}
	ai := &workerAI{vec: []float32{0.1, 0.2}}
	e := NewEmbedder(config.Config{}, ai, vectors, msgs)

	require.NoError(t, e.Handle(context.Background(), embeddingJob(t)))
	assert.Equal(t, 1, ai.embeds)
	require.Len(t, vectors.upserts, 1)
	up := vectors.upserts[0]
	assert.Equal(t, domain.CollectionMessages, up.collection)
	require.Len(t, up.points, 1)
	assert.Equal(t, "m1", up.points[0].ID)
	assert.Equal(t, []float32{0.1, 0.2}, up.points[0].Vector)
	assert.Equal(t, "w1", up.points[0].Payload["workspace_id"])
	assert.Equal(t, "s1", up.points[0].Payload["stream_id"])
}

func TestEmbedder_MissingMessageRemovesVector(t *testing.T) {
	msgs := &fakeMessages{msgs: map[string]domain.Message{}}
	vectors := &recordingVectors{}
	ai := &workerAI{}
	e := NewEmbedder(config.Config{}, ai, vectors, msgs)

	require.NoError(t, e.Handle(context.Background(), embeddingJob(t)))
	assert.Zero(t, ai.embeds)
	require.Len(t, vectors.deletes, 1)
	assert.Equal(t, []string{"m1"}, vectors.deletes[0].ids)
	assert.Equal(t, domain.CollectionMessages, vectors.deletes[0].collection)
}

func TestEmbedder_DeletedMessageRemovesVector(t *testing.T) {
	msgs := &fakeMessages{msgs: map[string]domain.Message{
		"m1": {ID: "m1", WorkspaceID: "w1", StreamID: "s1", Text: "gone", Deleted: true},
	}}
	vectors := &recordingVectors{}
	e := NewEmbedder(config.Config{}, &workerAI{}, vectors, msgs)

	require.NoError(t, e.Handle(context.Background(), embeddingJob(t)))
	require.Len(t, vectors.deletes, 1)
	assert.Empty(t, vectors.upserts)
}

func TestEmbedder_BlankTextRemovesVector(t *testing.T) {
	msgs := &fakeMessages{msgs: map[string]domain.Message{
		"m1": {ID: "m1", WorkspaceID: "w1", StreamID: "s1", Text: "   \t  "},
	}}
	vectors := &recordingVectors{}
	e := NewEmbedder(config.Config{}, &workerAI{}, vectors, msgs)

	require.NoError(t, e.Handle(context.Background(), embeddingJob(t)))
	require.Len(t, vectors.deletes, 1)
	assert.Empty(t, vectors.upserts)
}

func TestEmbedder_SanitizesTextBeforeEmbedding(t *testing.T) {
	msgs := &fakeMessages{msgs: map[string]domain.Message{
		"m1": {ID: "m1", WorkspaceID: "w1", StreamID: "s1", Text: "ship\x00 it\x07"},
	}}
	vectors := &recordingVectors{}
	ai := &workerAI{}
	e := NewEmbedder(config.Config{}, ai, vectors, msgs)

	require.NoError(t, e.Handle(context.Background(), embeddingJob(t)))
	require.Len(t, ai.embedTexts, 1)
	assert.Equal(t, "ship it", ai.embedTexts[0])
}

func TestEmbedder_ControlOnlyTextRemovesVector(t *testing.T) {
	msgs := &fakeMessages{msgs: map[string]domain.Message{
		"m1": {ID: "m1", WorkspaceID: "w1", StreamID: "s1", Text: "\x00\x01\x02"},
	}}
	vectors := &recordingVectors{}
	ai := &workerAI{}
	e := NewEmbedder(config.Config{}, ai, vectors, msgs)

	require.NoError(t, e.Handle(context.Background(), embeddingJob(t)))
	assert.Zero(t, ai.embeds)
	require.Len(t, vectors.deletes, 1)
}

func TestEmbedder_EmbedFailurePropagatesForRetry(t *testing.T) {
	budget := &domain.BudgetExceededError{WorkspaceID: "w1"}
	msgs := &fakeMessages{msgs: map[string]domain.Message{
		"m1": {ID: "m1", WorkspaceID: "w1", StreamID: "s1", Text: "ship it"},
	}}
	vectors := &recordingVectors{}
	e := NewEmbedder(config.Config{}, &workerAI{embedErr: budget}, vectors, msgs)

	err := e.Handle(context.Background(), embeddingJob(t))
	var bex *domain.BudgetExceededError
	require.ErrorAs(t, err, &bex)
	assert.Empty(t, vectors.upserts)
}

func TestEmbedder_UpsertFailurePropagatesForRetry(t *testing.T) {
	boom := errors.New("qdrant down")
	msgs := &fakeMessages{msgs: map[string]domain.Message{
		"m1": {ID: "m1", WorkspaceID: "w1", StreamID: "s1", Text: "ship it"},
	}}
	vectors := &recordingVectors{upsertErr: boom}
	e := NewEmbedder(config.Config{}, &workerAI{}, vectors, msgs)

	require.ErrorIs(t, e.Handle(context.Background(), embeddingJob(t)), boom)
}

func TestEmbedder_ReadFailurePropagatesForRetry(t *testing.T) {
	boom := errors.New("pg down")
	msgs := &fakeMessages{err: boom}
	e := NewEmbedder(config.Config{}, &workerAI{}, &recordingVectors{}, msgs)

	require.ErrorIs(t, e.Handle(context.Background(), embeddingJob(t)), boom)
}

func TestEmbedder_BadPayloadFails(t *testing.T) {
	e := NewEmbedder(config.Config{}, &workerAI{}, &recordingVectors{}, &fakeMessages{})
	assert.Error(t, e.Handle(context.Background(), domain.Job{Payload: []byte("nope")}))
}
