// Worker store ports. Each Fetch returns a plain snapshot readable without
// a transaction; each Commit runs one transaction that writes the business
// rows, the follow-up event, and the cost records together.
package domain

// BoundaryContext is the fetch snapshot of the boundary extractor.
// OpenConversations doubles as the valid-update-targets set: the commit
// rejects completeness updates aimed anywhere else.
type BoundaryContext struct {
	Stream            Stream
	Message           Message
	Recent            []Message
	OpenConversations []Conversation
}

// ValidTargets returns the conversation ids a completeness update may aim at.
func (c BoundaryContext) ValidTargets() map[string]bool {
	out := make(map[string]bool, len(c.OpenConversations))
	for _, conv := range c.OpenConversations {
		out[conv.ID] = true
	}
	return out
}

type CompletenessUpdate struct {
	ConversationID string `json:"conversationId"`
	Completeness   string `json:"completeness"`
}

type ConversationDraft struct {
	Title string
}

// BoundaryMutation is the decided outcome to persist. Exactly one of
// AttachConversationID and Create is set; neither means the message was
// classified as standalone.
type BoundaryMutation struct {
	WorkspaceID          string
	StreamID             string
	MessageID            string
	AttachConversationID string
	Create               *ConversationDraft
	CompletenessUpdates  []CompletenessUpdate
	CostRecords          []CostRecord
}

type BoundaryOutcome struct {
	ConversationID string
	Created        bool
}

type BoundaryStore interface {
	FetchBoundaryContext(ctx Context, workspaceID, streamID, messageID string) (BoundaryContext, error)
	// CommitBoundary re-validates racy invariants inside the transaction:
	// for a scratchpad with no open conversation it locks the stream row and
	// re-reads before creating.
	CommitBoundary(ctx Context, mut BoundaryMutation) (BoundaryOutcome, error)
}

type NamingContext struct {
	Stream Stream
	Recent []Message
}

type NamingStore interface {
	FetchNamingContext(ctx Context, workspaceID, streamID string) (NamingContext, error)
	CommitStreamName(ctx Context, workspaceID, streamID, name string, costs []CostRecord) error
}

// MemoContext is the fetch snapshot of the memo batch processor.
type MemoContext struct {
	Stream        Stream
	Items         []MemoPendingItem
	Messages      []Message
	Conversations []Conversation
	Existing      *Memo
}

// MemoMutation upserts the memo, marks gems, and consumes pending items in
// one transaction. ConversationID, when set, drives the follow-up
// conversation:updated event.
type MemoMutation struct {
	WorkspaceID        string
	StreamID           string
	Memo               Memo
	GemMessageIDs      []string
	ConsumedPendingIDs []string
	ConversationID     *string
	CostRecords        []CostRecord
}

type MemoStore interface {
	InsertPending(ctx Context, item MemoPendingItem) error
	CountPending(ctx Context, workspaceID, streamID string) (int, error)
	FetchPendingBatch(ctx Context, workspaceID, streamID string, limit int) ([]MemoPendingItem, error)
	FetchMemoContext(ctx Context, workspaceID, streamID string, pendingIDs []string) (MemoContext, error)
	CommitMemo(ctx Context, mut MemoMutation) error
}

// CompanionContext is the fetch snapshot of the companion responder.
// DMParticipantIDs is populated only for dm streams; retrieval widens its
// access to the streams those members share.
type CompanionContext struct {
	Stream           Stream
	Trigger          Message
	History          []Message
	DMParticipantIDs []string
}

type CompanionReply struct {
	WorkspaceID string
	StreamID    string
	AuthorID    string
	Text        string
	InReplyTo   string
	CostRecords []CostRecord
}

type CompanionStore interface {
	FetchCompanionContext(ctx Context, workspaceID, streamID, messageID string) (CompanionContext, error)
	CommitCompanionReply(ctx Context, reply CompanionReply) (Message, error)
}

type MessageReader interface {
	GetMessage(ctx Context, id string) (Message, error)
}

// RetrievalSearcher is the relational side of retrieval execution. Every
// method is a single short query; the loop composes them with the vector
// index.
type RetrievalSearcher interface {
	AllStreamIDs(ctx Context, workspaceID string) ([]string, error)
	StreamsForMembers(ctx Context, workspaceID string, memberIDs []string) ([]string, error)
	SearchMemosText(ctx Context, workspaceID string, streamIDs []string, text string, limit int) ([]Memo, error)
	GetMemosByIDs(ctx Context, ids []string) ([]Memo, error)
	SearchMessagesText(ctx Context, workspaceID string, streamIDs []string, text string, excludeIDs []string, limit int) ([]Message, error)
	GetMessagesByIDs(ctx Context, ids []string) ([]Message, error)
	// NeighborMessages returns up to one message before and one after the
	// given message in the same stream.
	NeighborMessages(ctx Context, streamID, messageID string) ([]Message, error)
	RecentStreamMessages(ctx Context, streamID string, limit int) ([]Message, error)
	SearchAttachments(ctx Context, workspaceID string, streamIDs []string, text string, limit int) ([]Attachment, error)
	// DisplayNames resolves author and stream display names for enrichment.
	DisplayNames(ctx Context, userIDs []string, streamIDs []string) (map[string]string, map[string]string, error)
	GetStream(ctx Context, streamID string) (Stream, error)
}
