package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrRateLimited       = errors.New("rate limited")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrSchemaInvalid     = errors.New("schema invalid")
	ErrBudgetExceeded    = errors.New("budget exceeded")
	ErrLeaseLost         = errors.New("lease lost")
	ErrInternal          = errors.New("internal error")
)

// AuthorKind discriminates who wrote a message.
const (
	AuthorHuman     = "human"
	AuthorCompanion = "companion"
	AuthorSystem    = "system"
)

// StreamKind enumerates stream flavors.
const (
	StreamScratchpad = "scratchpad"
	StreamChannel    = "channel"
	StreamDM         = "dm"
)

// Stream is a container of messages inside a workspace.
// Invariants: Kind in {scratchpad, channel, dm}; DisplayName may be empty
// until the naming worker fills it in.
type Stream struct {
	ID          string
	WorkspaceID string
	Kind        string
	DisplayName string
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NeedsGeneratedName reports whether the naming worker should produce a
// display name for the stream.
func (s Stream) NeedsGeneratedName() bool {
	return s.DisplayName == "" && s.Kind != StreamDM
}

type StreamMember struct {
	StreamID string
	UserID   string
	JoinedAt time.Time
}

// Message is the unit of chat content the pipeline reacts to.
type Message struct {
	ID             string
	WorkspaceID    string
	StreamID       string
	AuthorID       string
	AuthorKind     string
	Text           string
	ConversationID *string
	IsGem          bool
	Deleted        bool
	CreatedAt      time.Time
	EditedAt       *time.Time
}

// ConversationStatus values for Conversation.Completeness.
const (
	ConversationOngoing  = "ongoing"
	ConversationComplete = "complete"
)

// Conversation groups messages of one topic within a stream.
type Conversation struct {
	ID           string
	WorkspaceID  string
	StreamID     string
	Title        string
	Summary      string
	Completeness string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Memo is a summarized, persisted knowledge artifact derived from messages
// or conversations.
type Memo struct {
	ID               string
	WorkspaceID      string
	StreamID         string
	ConversationID   *string
	Title            string
	Content          string
	SourceMessageIDs []string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// MemoPendingItem is a unit of not-yet-summarized knowledge accumulated by
// the memo listener and drained by the batch workers.
type MemoPendingItem struct {
	ID          string
	WorkspaceID string
	StreamID    string
	Kind        string // message | conversation
	RefID       string
	CreatedAt   time.Time
}

const (
	PendingKindMessage      = "message"
	PendingKindConversation = "conversation"
)

type Attachment struct {
	ID             string
	WorkspaceID    string
	StreamID       string
	MessageID      string
	Filename       string
	MIME           string
	Size           int64
	ExtractionText string
	CreatedAt      time.Time
}

// Context is an alias to allow decoupling from std context in domain.
// Adapters and usecases pass context.Context through.
type Context = context.Context
