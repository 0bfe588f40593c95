package domain

import "time"

//go:generate mockery --name=EventLog --with-expecter --filename=event_log_mock.go
//go:generate mockery --name=CursorStore --with-expecter --filename=cursor_store_mock.go
//go:generate mockery --name=JobQueue --with-expecter --filename=job_queue_mock.go
//go:generate mockery --name=AI --with-expecter --filename=ai_mock.go
//go:generate mockery --name=BudgetEnforcer --with-expecter --filename=budget_enforcer_mock.go
//go:generate mockery --name=VectorIndex --with-expecter --filename=vector_index_mock.go

// EventLog is the read side of the outbox log. Appends happen inside the
// commit methods of the stores so they stay transactional with business rows.
type EventLog interface {
	// FetchAfter returns up to maxBatch events with id > after and
	// id not in exclude, ascending.
	FetchAfter(ctx Context, after int64, maxBatch int, exclude []int64) ([]Event, error)
	// LatestID returns the greatest assigned event id, 0 when empty.
	LatestID(ctx Context) (int64, error)
}

// ChangeNotifier delivers at-least-one signal per append, eventually.
// Receivers must tolerate missed signals and fall back to polling.
type ChangeNotifier interface {
	Notifications() <-chan struct{}
}

// CursorStore persists listener cursors and arbitrates leases by CAS.
type CursorStore interface {
	// Acquire attempts the lease CAS; ok is false when another holder owns it.
	Acquire(ctx Context, listenerID, holder string, ttl time.Duration) (ListenerCursor, bool, error)
	// Extend renews the lease; ok is false when the lease was stolen.
	Extend(ctx Context, listenerID, holder string, ttl time.Duration) (bool, error)
	// Save persists progress under the lease; ErrLeaseLost when not held.
	Save(ctx Context, listenerID, holder string, lastProcessedID int64, processedIDs []int64) error
	// Release zeroes the holder; releasing a stolen lease is a no-op.
	Release(ctx Context, listenerID, holder string) error
	Get(ctx Context, listenerID string) (ListenerCursor, error)
	List(ctx Context) ([]ListenerCursor, error)
}

// JobQueue is the durable enqueue side.
type JobQueue interface {
	// Send inserts a job and returns its id. With WithMessageID the call is
	// idempotent: an existing id is returned instead of a conflict error.
	Send(ctx Context, queue string, payload any, opts ...SendOption) (string, error)
}

// QueueStat is one (queue, state) depth for the ops surface.
type QueueStat struct {
	Queue string
	State JobState
	Count int64
}

type QueueInspector interface {
	Stats(ctx Context) ([]QueueStat, error)
}

// TextRequest is one chat-completion call.
type TextRequest struct {
	Model     string
	System    string
	Prompt    string
	MaxTokens int
	Call      CallContext
}

type TextResult struct {
	Text  string
	Model string
	Usage Usage
}

// ObjectRequest is one structured-output call. Schema validation and the
// repair pass run before the decoded value is accepted.
type ObjectRequest struct {
	Model      string
	System     string
	Prompt     string
	MaxTokens  int
	SchemaName string
	Call       CallContext
}

// AI is the model façade: budget check before every call, usage recording
// after. GenerateObject decodes into out after repair and validation.
type AI interface {
	GenerateText(ctx Context, req TextRequest) (TextResult, error)
	GenerateObject(ctx Context, req ObjectRequest, out any) error
	Embed(ctx Context, text string, call CallContext) ([]float32, error)
	EmbedMany(ctx Context, texts []string, call CallContext) ([][]float32, error)
}

// BudgetEnforcer decides whether a prospective call may proceed.
type BudgetEnforcer interface {
	CheckBudget(ctx Context, workspaceID, requestedModel string) (BudgetStatus, error)
}

// CostRecorder persists usage rows best-effort.
type CostRecorder interface {
	RecordUsage(ctx Context, rec CostRecord) error
}

// ModelPrice is USD per 1K tokens for one model.
type ModelPrice struct {
	PromptUSDPer1K     float64
	CompletionUSDPer1K float64
}

// ModelCatalog answers pricing for cost estimation when the provider omits
// the cost field.
type ModelCatalog interface {
	PricePer1K(model string) (ModelPrice, bool)
}

// Vector index collections.
const (
	CollectionMessages    = "messages"
	CollectionMemos       = "memos"
	CollectionAttachments = "attachments"
)

type VectorPoint struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

type VectorHit struct {
	ID      string
	Score   float64
	Payload map[string]any
}

// VectorFilter scopes a similarity search. Empty StreamIDs means no stream
// restriction beyond the workspace.
type VectorFilter struct {
	WorkspaceID string
	StreamIDs   []string
}

// VectorIndex is the semantic index over messages, memos and attachments.
type VectorIndex interface {
	Upsert(ctx Context, collection string, points []VectorPoint) error
	Search(ctx Context, collection string, vector []float32, limit int, scoreThreshold float64, filter VectorFilter) ([]VectorHit, error)
	Delete(ctx Context, collection string, ids []string) error
}

// RetrievalCache stores the advisory per-trigger result.
type RetrievalCache interface {
	Get(ctx Context, workspaceID, triggerMessageID string) (RetrievalCacheEntry, bool, error)
	Put(ctx Context, e RetrievalCacheEntry) error
}

// EventRelay mirrors committed events to an external stream for downstream
// consumers.
type EventRelay interface {
	Publish(ctx Context, events []Event) error
}

// ChatDirectory answers the lightweight lookups listeners are allowed to
// make while holding the cursor lock (single indexed reads only).
type ChatDirectory interface {
	GetStream(ctx Context, streamID string) (Stream, error)
	IsStreamMember(ctx Context, streamID, userID string) (bool, error)
}
