// Package domain defines the entities and ports of the event dispatch and
// asynchronous AI pipeline core.
package domain

import (
	"encoding/json"
	"time"
)

// Event types (closed set). Downstream consumers must tolerate unknown
// payload fields but never unknown types.
const (
	EventMessageCreated         = "message:created"
	EventMessageEdited          = "message:edited"
	EventMessageDeleted         = "message:deleted"
	EventMessageReactionAdded   = "message:reaction_added"
	EventMessageReactionRemoved = "message:reaction_removed"
	EventStreamCreated          = "stream:created"
	EventStreamMemberJoined     = "stream:member_joined"
	EventStreamMemberLeft       = "stream:member_left"
	EventConversationCreated    = "conversation:created"
	EventConversationUpdated    = "conversation:updated"
	EventCommandDispatched      = "command:dispatched"
)

// KnownEventTypes lists every event type the log accepts.
var KnownEventTypes = []string{
	EventMessageCreated,
	EventMessageEdited,
	EventMessageDeleted,
	EventMessageReactionAdded,
	EventMessageReactionRemoved,
	EventStreamCreated,
	EventStreamMemberJoined,
	EventStreamMemberLeft,
	EventConversationCreated,
	EventConversationUpdated,
	EventCommandDispatched,
}

// KnownEventType reports whether t belongs to the closed taxonomy.
func KnownEventType(t string) bool {
	for _, k := range KnownEventTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Event is one row of the append-only outbox log. Ordering is by ID;
// CreatedAt is observability only. Events are never updated or deleted
// (retention pruning aside).
type Event struct {
	ID        int64
	EventType string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// MessageEventPayload is the payload schema shared by the message:* types.
type MessageEventPayload struct {
	MessageID   string `json:"messageId"`
	StreamID    string `json:"streamId"`
	WorkspaceID string `json:"workspaceId"`
	AuthorID    string `json:"authorId,omitempty"`
	AuthorKind  string `json:"authorKind,omitempty"`
}

// StreamEventPayload is the payload schema for the stream:* types.
type StreamEventPayload struct {
	StreamID    string `json:"streamId"`
	WorkspaceID string `json:"workspaceId"`
	UserID      string `json:"userId,omitempty"`
}

// ConversationEventPayload is the payload schema for the conversation:* types.
type ConversationEventPayload struct {
	ConversationID string `json:"conversationId"`
	StreamID       string `json:"streamId"`
	WorkspaceID    string `json:"workspaceId"`
}

// CommandCompanion asks an AI companion to respond to the referenced
// message.
const CommandCompanion = "companion"

// CommandEventPayload is the payload schema for command:dispatched.
type CommandEventPayload struct {
	Command     string `json:"command"`
	MessageID   string `json:"messageId,omitempty"`
	StreamID    string `json:"streamId"`
	WorkspaceID string `json:"workspaceId"`
	ActorID     string `json:"actorId,omitempty"`
}

// DecodeMessagePayload decodes a message:* event payload, tolerating
// unknown fields.
func DecodeMessagePayload(ev Event) (MessageEventPayload, error) {
	var p MessageEventPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return MessageEventPayload{}, err
	}
	return p, nil
}
