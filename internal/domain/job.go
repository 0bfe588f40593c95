package domain

import (
	"encoding/json"
	"time"
)

// Queue names (closed set).
const (
	QueueBoundaryExtract   = "boundary-extract"
	QueueNamingGenerate    = "naming-generate"
	QueueMemoBatchCheck    = "memo-batch-check"
	QueueMemoBatchProcess  = "memo-batch-process"
	QueueEmbedding         = "embedding"
	QueueCompanionResponse = "companion-response"
)

// KnownQueues lists every queue a job may be sent to.
var KnownQueues = []string{
	QueueBoundaryExtract,
	QueueNamingGenerate,
	QueueMemoBatchCheck,
	QueueMemoBatchProcess,
	QueueEmbedding,
	QueueCompanionResponse,
}

// KnownQueue reports whether name belongs to the closed queue set.
func KnownQueue(name string) bool {
	for _, q := range KnownQueues {
		if q == name {
			return true
		}
	}
	return false
}

type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobDead      JobState = "dead"
)

// JobPriority orders jobs within a queue; higher runs first.
type JobPriority int16

const (
	PriorityLow    JobPriority = 0
	PriorityNormal JobPriority = 1
	PriorityHigh   JobPriority = 2
	PriorityUrgent JobPriority = 3
)

// Job is one durable work item.
// Invariants: a job is running only while some worker holds its lease; an
// expired lease returns it to pending. A caller-supplied ID doubles as the
// idempotency key.
type Job struct {
	ID             string
	Queue          string
	Payload        json.RawMessage
	Priority       JobPriority
	State          JobState
	Attempts       int
	RetryLimit     int
	NextAttemptAt  time.Time
	SingletonKey   string
	SingletonUntil time.Time
	LeaseHolder    string
	LeaseExpiresAt time.Time
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SendOptions collects the optional knobs of JobQueue.Send.
type SendOptions struct {
	MessageID        string
	Priority         JobPriority
	RetryLimit       int
	SingletonKey     string
	SingletonSeconds int
}

type SendOption func(*SendOptions)

// WithMessageID sets the caller-chosen job id. A duplicate insert with the
// same id returns that id instead of failing.
func WithMessageID(id string) SendOption { return func(o *SendOptions) { o.MessageID = id } }

func WithPriority(p JobPriority) SendOption { return func(o *SendOptions) { o.Priority = p } }

func WithRetryLimit(n int) SendOption { return func(o *SendOptions) { o.RetryLimit = n } }

// WithSingleton suppresses the insert when another non-terminal job with the
// same key exists within the window.
func WithSingleton(key string, seconds int) SendOption {
	return func(o *SendOptions) {
		o.SingletonKey = key
		o.SingletonSeconds = seconds
	}
}

// Queue payloads (per-queue schemas).

type BoundaryExtractPayload struct {
	MessageID   string `json:"messageId"`
	StreamID    string `json:"streamId"`
	WorkspaceID string `json:"workspaceId"`
}

type NamingGeneratePayload struct {
	StreamID    string `json:"streamId"`
	WorkspaceID string `json:"workspaceId"`
	MessageID   string `json:"messageId"`
	// Required marks the run as required-success: NOT_ENOUGH_CONTEXT from
	// the model is a hard error instead of an accepted outcome.
	Required bool `json:"required"`
}

type MemoBatchCheckPayload struct {
	WorkspaceID string `json:"workspaceId"`
	StreamID    string `json:"streamId"`
}

type MemoBatchProcessPayload struct {
	WorkspaceID string   `json:"workspaceId"`
	StreamID    string   `json:"streamId"`
	PendingIDs  []string `json:"pendingIds"`
}

type EmbeddingPayload struct {
	MessageID   string `json:"messageId"`
	StreamID    string `json:"streamId"`
	WorkspaceID string `json:"workspaceId"`
}

type CompanionResponsePayload struct {
	MessageID   string `json:"messageId"`
	StreamID    string `json:"streamId"`
	WorkspaceID string `json:"workspaceId"`
	ActorID     string `json:"actorId,omitempty"`
}
