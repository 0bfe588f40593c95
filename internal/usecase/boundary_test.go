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
	obsctx "github.com/fairyhunter13/ai-chat-pipeline/internal/observability"
)

// workerAI is the scripted facade shared by the worker handler tests. Every
// successful call pushes one usage sample so cost plumbing is observable
// from outside the pipeline.
type workerAI struct {
	mu       sync.Mutex
	text     string
	textErr  error
	textReqs []domain.TextRequest
	object   func(out any)
	objErr   error
	objReqs  []domain.ObjectRequest
	vec        []float32
	embedErr   error
	embeds     int
	embedTexts []string
}

func (f *workerAI) sample(ctx context.Context, model string) {
	if acc := obsctx.UsageFromContext(ctx); acc != nil {
		acc.Add(domain.UsageSample{
			Model:    model,
			Provider: "test",
			Usage:    domain.Usage{PromptTokens: 20, CompletionTokens: 10, TotalTokens: 30, CostUSD: 0.002},
		})
	}
}

func (f *workerAI) GenerateText(ctx domain.Context, req domain.TextRequest) (domain.TextResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.textReqs = append(f.textReqs, req)
	if f.textErr != nil {
		return domain.TextResult{}, f.textErr
	}
	f.sample(ctx, "text-model")
	return domain.TextResult{Text: f.text, Model: "text-model"}, nil
}

func (f *workerAI) GenerateObject(ctx domain.Context, req domain.ObjectRequest, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objReqs = append(f.objReqs, req)
	if f.objErr != nil {
		return f.objErr
	}
	if f.object != nil {
		f.object(out)
	}
	f.sample(ctx, "object-model")
	return nil
}

func (f *workerAI) Embed(ctx domain.Context, text string, _ domain.CallContext) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embeds++
	f.embedTexts = append(f.embedTexts, text)
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	f.sample(ctx, "embed-model")
	if f.vec != nil {
		return f.vec, nil
	}
	return []float32{0.5, 0.5}, nil
}

func (f *workerAI) EmbedMany(domain.Context, []string, domain.CallContext) ([][]float32, error) {
	return nil, errors.New("unexpected EmbedMany")
}

type fakeBoundaryStore struct {
	mu        sync.Mutex
	snap      domain.BoundaryContext
	fetchErr  error
	outcome   domain.BoundaryOutcome
	commitErr error
	fetches   int
	commits   []domain.BoundaryMutation
}

func (f *fakeBoundaryStore) FetchBoundaryContext(_ domain.Context, _, _, _ string) (domain.BoundaryContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return domain.BoundaryContext{}, f.fetchErr
	}
	return f.snap, nil
}

func (f *fakeBoundaryStore) CommitBoundary(_ domain.Context, mut domain.BoundaryMutation) (domain.BoundaryOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return domain.BoundaryOutcome{}, f.commitErr
	}
	f.commits = append(f.commits, mut)
	if f.outcome == (domain.BoundaryOutcome{}) && mut.AttachConversationID != "" {
		return domain.BoundaryOutcome{ConversationID: mut.AttachConversationID}, nil
	}
	return f.outcome, nil
}

func boundarySnap() domain.BoundaryContext {
	return domain.BoundaryContext{
		Stream: domain.Stream{ID: "s1", WorkspaceID: "w1", Kind: domain.StreamChannel, DisplayName: "general"},
		Message: domain.Message{
			ID: "m1", WorkspaceID: "w1", StreamID: "s1",
			AuthorID: "u1", AuthorKind: domain.AuthorHuman,
			Text: "can we ship the release tomorrow",
		},
		OpenConversations: []domain.Conversation{
			{ID: "c1", Title: "Release planning", Completeness: domain.ConversationOngoing},
		},
	}
}

func newBoundary(store *fakeBoundaryStore, ai *workerAI) (*Boundary, *captureCosts) {
	costs := &captureCosts{}
	return NewBoundary(config.Config{}, ai, store, costs), costs
}

func boundaryPayload() domain.BoundaryExtractPayload {
	return domain.BoundaryExtractPayload{MessageID: "m1", StreamID: "s1", WorkspaceID: "w1"}
}

func TestBoundary_AttachesToOpenConversation(t *testing.T) {
	store := &fakeBoundaryStore{snap: boundarySnap()}
	ai := &workerAI{object: func(out any) {
		*out.(*boundaryDecision) = boundaryDecision{Classification: "existing", ConversationID: "c1"}
	}}
	b, _ := newBoundary(store, ai)

	mut, err := b.Run(context.Background(), boundaryPayload())
	require.NoError(t, err)
	assert.Equal(t, "c1", mut.AttachConversationID)
	assert.Nil(t, mut.Create)

	require.Len(t, store.commits, 1)
	assert.Equal(t, "m1", store.commits[0].MessageID)
	require.Len(t, store.commits[0].CostRecords, 1)
	rec := store.commits[0].CostRecords[0]
	assert.Equal(t, "w1", rec.WorkspaceID)
	assert.Equal(t, "m1", rec.SessionID)
	assert.Equal(t, "boundary-extract", rec.FunctionID)
	assert.Equal(t, domain.OriginSystem, rec.Origin)
}

func TestBoundary_RejectsAttachOutsideOpenConversations(t *testing.T) {
	store := &fakeBoundaryStore{snap: boundarySnap()}
	ai := &workerAI{object: func(out any) {
		*out.(*boundaryDecision) = boundaryDecision{Classification: "existing", ConversationID: "c-made-up"}
	}}
	b, _ := newBoundary(store, ai)

	mut, err := b.Run(context.Background(), boundaryPayload())
	require.NoError(t, err)
	assert.Empty(t, mut.AttachConversationID)
	assert.Nil(t, mut.Create)
	require.Len(t, store.commits, 1)
}

func TestBoundary_CreatesConversationWithCleanedTitle(t *testing.T) {
	store := &fakeBoundaryStore{snap: boundarySnap(), outcome: domain.BoundaryOutcome{ConversationID: "c-new", Created: true}}
	ai := &workerAI{object: func(out any) {
		*out.(*boundaryDecision) = boundaryDecision{Classification: "NEW", Title: `  "Release   timing"  `}
	}}
	b, _ := newBoundary(store, ai)

	mut, err := b.Run(context.Background(), boundaryPayload())
	require.NoError(t, err)
	require.NotNil(t, mut.Create)
	assert.Equal(t, "Release timing", mut.Create.Title)
}

func TestBoundary_EmptyTitleFallsBackToMessageText(t *testing.T) {
	store := &fakeBoundaryStore{snap: boundarySnap()}
	ai := &workerAI{object: func(out any) {
		*out.(*boundaryDecision) = boundaryDecision{Classification: "new", Title: `""`}
	}}
	b, _ := newBoundary(store, ai)

	mut, err := b.Run(context.Background(), boundaryPayload())
	require.NoError(t, err)
	require.NotNil(t, mut.Create)
	assert.Equal(t, "can we ship the release tomorrow", mut.Create.Title)
}

func TestBoundary_SchemaInvalidDemotesToStandalone(t *testing.T) {
	store := &fakeBoundaryStore{snap: boundarySnap()}
	ai := &workerAI{objErr: fmt.Errorf("%w: schema boundaryDecision: bad json", domain.ErrSchemaInvalid)}
	b, _ := newBoundary(store, ai)

	mut, err := b.Run(context.Background(), boundaryPayload())
	require.NoError(t, err)
	assert.Empty(t, mut.AttachConversationID)
	assert.Nil(t, mut.Create)
	require.Len(t, store.commits, 1, "standalone outcome still commits the classification")
}

func TestBoundary_TransientModelErrorPropagates(t *testing.T) {
	boom := errors.New("upstream 503")
	store := &fakeBoundaryStore{snap: boundarySnap()}
	ai := &workerAI{objErr: boom}
	b, _ := newBoundary(store, ai)

	_, err := b.Run(context.Background(), boundaryPayload())
	require.ErrorIs(t, err, boom)
	assert.Empty(t, store.commits)
}

func TestBoundary_CompletenessUpdatesFilteredAtCommit(t *testing.T) {
	store := &fakeBoundaryStore{snap: boundarySnap()}
	ai := &workerAI{object: func(out any) {
		*out.(*boundaryDecision) = boundaryDecision{
			Classification: "standalone",
			CompletenessUpdates: []domain.CompletenessUpdate{
				{ConversationID: "c1", Completeness: "completed"},
				{ConversationID: "c-unknown", Completeness: "complete"},
				{ConversationID: "c1", Completeness: "half-done"},
			},
		}
	}}
	b, _ := newBoundary(store, ai)

	_, err := b.Run(context.Background(), boundaryPayload())
	require.NoError(t, err)
	require.Len(t, store.commits, 1)
	require.Len(t, store.commits[0].CompletenessUpdates, 1)
	upd := store.commits[0].CompletenessUpdates[0]
	assert.Equal(t, "c1", upd.ConversationID)
	assert.Equal(t, domain.ConversationComplete, upd.Completeness)
}

func TestBoundary_DeletedMessageEndsInFetch(t *testing.T) {
	snap := boundarySnap()
	snap.Message.Deleted = true
	store := &fakeBoundaryStore{snap: snap}
	ai := &workerAI{}
	b, _ := newBoundary(store, ai)

	mut, err := b.Run(context.Background(), boundaryPayload())
	require.NoError(t, err)
	assert.Equal(t, domain.BoundaryMutation{}, mut)
	assert.Empty(t, ai.objReqs)
	assert.Empty(t, store.commits)
}

func TestBoundary_MissingContextSkipsWithoutError(t *testing.T) {
	store := &fakeBoundaryStore{fetchErr: fmt.Errorf("op=boundary.fetch: %w", domain.ErrNotFound)}
	ai := &workerAI{}
	b, _ := newBoundary(store, ai)

	_, err := b.Run(context.Background(), boundaryPayload())
	require.NoError(t, err)
	assert.Empty(t, ai.objReqs)
	assert.Empty(t, store.commits)
}

func TestBoundary_CommitFailureSalvagesCosts(t *testing.T) {
	boom := errors.New("pg down")
	store := &fakeBoundaryStore{snap: boundarySnap(), commitErr: boom}
	ai := &workerAI{object: func(out any) {
		*out.(*boundaryDecision) = boundaryDecision{Classification: "standalone"}
	}}
	b, costs := newBoundary(store, ai)

	_, err := b.Run(context.Background(), boundaryPayload())
	require.ErrorIs(t, err, boom)
	require.Len(t, costs.recs, 1, "model spend survives the failed commit")
	assert.Equal(t, "boundary-extract", costs.recs[0].FunctionID)
}

func TestBoundary_HandleDecodesJobPayload(t *testing.T) {
	store := &fakeBoundaryStore{snap: boundarySnap()}
	ai := &workerAI{object: func(out any) {
		*out.(*boundaryDecision) = boundaryDecision{Classification: "existing", ConversationID: "c1"}
	}}
	b, _ := newBoundary(store, ai)

	payload, err := json.Marshal(boundaryPayload())
	require.NoError(t, err)
	require.NoError(t, b.Handle(context.Background(), domain.Job{Queue: domain.QueueBoundaryExtract, Payload: payload}))
	require.Len(t, store.commits, 1)
	assert.Equal(t, "c1", store.commits[0].AttachConversationID)

	assert.Error(t, b.Handle(context.Background(), domain.Job{Payload: []byte("{broken")}))
}
