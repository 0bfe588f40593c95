package domain

import "time"

// Search targets and types for retrieval queries.
const (
	TargetMemos       = "memos"
	TargetMessages    = "messages"
	TargetAttachments = "attachments"

	SearchSemantic = "semantic"
	SearchExact    = "exact"
)

// SearchQuery is one planned retrieval query.
type SearchQuery struct {
	Target string `json:"target"`
	Type   string `json:"type"`
	Text   string `json:"text"`
}

// Key dedupes queries on (target, type, text).
func (q SearchQuery) Key() string { return q.Target + "\x00" + q.Type + "\x00" + q.Text }

// SearchRecord accounts for one executed query.
type SearchRecord struct {
	Target      string `json:"target"`
	Type        string `json:"type"`
	Text        string `json:"text"`
	ResultCount int    `json:"resultCount"`
}

// Access scopes for a retrieval invocation.
const (
	AccessAllStreams  = "all_streams"
	AccessMemberUnion = "member_union"
	AccessStreamIDs   = "stream_ids"
)

// AccessSpec abstractly describes which streams an invocation may read; it
// is resolved once into a concrete id set per invocation.
type AccessSpec struct {
	Scope     string
	MemberIDs []string
	StreamIDs []string
}

// RetrievalInvocation is the input of one retrieval loop run.
type RetrievalInvocation struct {
	WorkspaceID         string
	StreamID            string
	TriggerMessage      Message
	ConversationHistory []Message
	ActorID             string
	DMParticipantIDs    []string
}

// RetrievalSource points a consumer at one contributing artifact.
type RetrievalSource struct {
	Kind  string `json:"kind"` // memo | message | attachment
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// MessageHit is a retrieved message enriched with display names.
type MessageHit struct {
	Message
	AuthorName string
	StreamName string
}

// RetrievalResult is the output of one retrieval loop run. Accumulators are
// monotonic within a run: results are only ever added.
type RetrievalResult struct {
	RetrievedContext  string
	Sources           []RetrievalSource
	Memos             []Memo
	Messages          []MessageHit
	Attachments       []Attachment
	SearchesPerformed []SearchRecord
	ShouldSearch      bool
	FromCache         bool
}

// RetrievalCacheEntry is the advisory per-trigger cache row. Intermediate
// enriched results are deliberately not cached; consumers needing detail
// refetch.
type RetrievalCacheEntry struct {
	WorkspaceID       string
	TriggerMessageID  string
	ShouldSearch      bool
	RetrievedContext  string
	Sources           []RetrievalSource
	SearchesPerformed []SearchRecord
	CreatedAt         time.Time
}
