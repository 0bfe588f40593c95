package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/config"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/domain"
	obsctx "github.com/fairyhunter13/ai-chat-pipeline/internal/observability"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/pipeline"
	"github.com/fairyhunter13/ai-chat-pipeline/pkg/textx"
)

const (
	baselineVariants     = 3
	planMaxTokens        = 600
	historyPromptWindow  = 12
	neighborTopHits      = 3
	recencyTopStreams    = 2
	recencyWindow        = 5
	attachmentSnippetLen = 300
	contextMaxChars      = 6000
)

const planSystem = `You plan knowledge retrieval for a team chat assistant. Given the latest
message and its surrounding conversation, decide whether stored team
knowledge should be searched before responding. Targets: "memos"
(summarized team knowledge), "messages" (chat history), "attachments"
(uploaded files). Types: "semantic" (search by meaning) or "exact"
(verbatim phrases). Respond with JSON only:
{"needsSearch": boolean, "reasoning": string,
 "queries": [{"target": string, "type": string, "queryText": string}]}`

const evaluateSystem = `You judge whether the knowledge retrieved so far suffices to answer the
latest message in a team chat. If it does not, produce focused follow-up
queries using the same targets and types as before. Respond with JSON only:
{"sufficient": boolean, "reasoning": string,
 "additionalQueries": [{"target": string, "type": string, "queryText": string}] or null}`

// plannedQuery is the wire shape of one model-suggested search.
type plannedQuery struct {
	Target string `json:"target"`
	Type   string `json:"type"`
	Text   string `json:"queryText"`
}

type retrievalPlan struct {
	NeedsSearch bool           `json:"needsSearch"`
	Reasoning   string         `json:"reasoning"`
	Queries     []plannedQuery `json:"queries"`
}

type retrievalEvaluation struct {
	Sufficient        bool           `json:"sufficient"`
	Reasoning         string         `json:"reasoning"`
	AdditionalQueries []plannedQuery `json:"additionalQueries"`
}

// Retrieval runs the iterative search loop: a planner decides whether and
// what to search, the queries fan out in parallel over the relational and
// vector indexes, and an evaluator either closes the loop or asks for more.
// Results accumulate monotonically; every degradation path falls toward
// deterministic baseline queries rather than failure.
type Retrieval struct {
	cfg     config.Config
	ai      domain.AI
	search  domain.RetrievalSearcher
	vectors domain.VectorIndex
	cache   domain.RetrievalCache
	costs   domain.CostRecorder
}

// NewRetrieval constructs the loop with its dependencies.
func NewRetrieval(cfg config.Config, ai domain.AI, search domain.RetrievalSearcher, vectors domain.VectorIndex, cache domain.RetrievalCache, costs domain.CostRecorder) *Retrieval {
	return &Retrieval{cfg: cfg, ai: ai, search: search, vectors: vectors, cache: cache, costs: costs}
}

// retrievalSnapshot is the fetch-phase output: the resolved stream and the
// concrete set of stream ids this invocation may read.
type retrievalSnapshot struct {
	inv       domain.RetrievalInvocation
	stream    domain.Stream
	streamIDs []string
}

func (s retrievalSnapshot) filter() domain.VectorFilter {
	return domain.VectorFilter{WorkspaceID: s.inv.WorkspaceID, StreamIDs: s.streamIDs}
}

func (s retrievalSnapshot) callFor(functionID string) domain.CallContext {
	return domain.CallContext{
		WorkspaceID: s.inv.WorkspaceID,
		ActorID:     s.inv.ActorID,
		SessionID:   s.inv.TriggerMessage.ID,
		Origin:      domain.OriginSystem,
		FunctionID:  functionID,
	}
}

// Run executes one retrieval invocation through the three phases. A cached
// result short-circuits before any model call.
func (r *Retrieval) Run(ctx context.Context, inv domain.RetrievalInvocation) (domain.RetrievalResult, error) {
	return pipeline.Run(ctx, pipeline.Phases[retrievalSnapshot, domain.RetrievalResult]{
		Task: "retrieval",
		Attribution: domain.CallContext{
			WorkspaceID: inv.WorkspaceID,
			ActorID:     inv.ActorID,
			SessionID:   inv.TriggerMessage.ID,
			Origin:      domain.OriginSystem,
			FunctionID:  "retrieval",
		},
		Costs: r.costs,
		Fetch: func(ctx context.Context) (retrievalSnapshot, *domain.RetrievalResult, error) {
			return r.fetch(ctx, inv)
		},
		Compute: r.compute,
		Commit:  r.commit,
	})
}

func (r *Retrieval) fetch(ctx context.Context, inv domain.RetrievalInvocation) (retrievalSnapshot, *domain.RetrievalResult, error) {
	log := obsctx.LoggerFromContext(ctx)
	snap := retrievalSnapshot{inv: inv}

	entry, ok, err := r.cache.Get(ctx, inv.WorkspaceID, inv.TriggerMessage.ID)
	if err != nil {
		log.Warn("retrieval cache read failed", slog.Any("error", err))
	}
	if ok {
		observability.RetrievalCacheTotal.WithLabelValues("hit").Inc()
		res := domain.RetrievalResult{
			RetrievedContext:  entry.RetrievedContext,
			Sources:           entry.Sources,
			SearchesPerformed: entry.SearchesPerformed,
			ShouldSearch:      entry.ShouldSearch,
			FromCache:         true,
		}
		return snap, &res, nil
	}
	observability.RetrievalCacheTotal.WithLabelValues("miss").Inc()

	stream, err := r.search.GetStream(ctx, inv.StreamID)
	if err != nil {
		return snap, nil, fmt.Errorf("resolve stream: %w", err)
	}
	snap.stream = stream

	streamIDs, err := r.resolveAccess(ctx, inv.WorkspaceID, accessSpecFor(stream, inv))
	if err != nil {
		return snap, nil, err
	}
	if len(streamIDs) == 0 {
		log.Info("retrieval found no accessible streams",
			slog.String("workspace_id", inv.WorkspaceID), slog.String("stream_id", inv.StreamID))
		empty := domain.RetrievalResult{}
		return snap, &empty, nil
	}
	snap.streamIDs = streamIDs
	return snap, nil, nil
}

// accessSpecFor maps the stream flavor to the scope one invocation may read:
// scratchpads stay private to themselves, DMs reach the streams their
// participants share, channels search the whole workspace.
func accessSpecFor(stream domain.Stream, inv domain.RetrievalInvocation) domain.AccessSpec {
	switch stream.Kind {
	case domain.StreamScratchpad:
		return domain.AccessSpec{Scope: domain.AccessStreamIDs, StreamIDs: []string{stream.ID}}
	case domain.StreamDM:
		members := inv.DMParticipantIDs
		if len(members) == 0 && inv.ActorID != "" {
			members = []string{inv.ActorID}
		}
		return domain.AccessSpec{Scope: domain.AccessMemberUnion, MemberIDs: members}
	default:
		return domain.AccessSpec{Scope: domain.AccessAllStreams}
	}
}

func (r *Retrieval) resolveAccess(ctx context.Context, workspaceID string, spec domain.AccessSpec) ([]string, error) {
	switch spec.Scope {
	case domain.AccessAllStreams:
		ids, err := r.search.AllStreamIDs(ctx, workspaceID)
		if err != nil {
			return nil, fmt.Errorf("resolve workspace streams: %w", err)
		}
		return ids, nil
	case domain.AccessMemberUnion:
		if len(spec.MemberIDs) == 0 {
			return nil, nil
		}
		ids, err := r.search.StreamsForMembers(ctx, workspaceID, spec.MemberIDs)
		if err != nil {
			return nil, fmt.Errorf("resolve member streams: %w", err)
		}
		return ids, nil
	default:
		return spec.StreamIDs, nil
	}
}

type loopState int

const (
	stateDecide loopState = iota
	stateExecute
	stateEvaluate
	stateFinalize
)

func (r *Retrieval) compute(ctx context.Context, snap retrievalSnapshot) (domain.RetrievalResult, error) {
	log := obsctx.LoggerFromContext(ctx)
	maxIterations := r.cfg.RetrievalMaxIterations
	if maxIterations <= 0 {
		maxIterations = 1
	}

	var res domain.RetrievalResult
	acc := newAccumulator()
	baseline := r.baselineQueries(snap.inv.TriggerMessage)
	executed := make(map[string]bool)
	var pending []domain.SearchQuery
	iteration := 0
	baselineRetried := false

	state := stateDecide
	for state != stateFinalize {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		switch state {
		case stateDecide:
			queries := r.decide(ctx, snap, baseline)
			if len(queries) == 0 {
				state = stateFinalize
				continue
			}
			res.ShouldSearch = true
			pending = queries
			state = stateExecute

		case stateExecute:
			records := r.executeAll(ctx, snap, pending, acc)
			for _, q := range pending {
				executed[q.Key()] = true
			}
			res.SearchesPerformed = append(res.SearchesPerformed, records...)
			pending = nil
			iteration++
			state = stateEvaluate

		case stateEvaluate:
			if iteration >= maxIterations {
				state = stateFinalize
				continue
			}
			eval, err := r.evaluate(ctx, snap, acc, res.SearchesPerformed)
			if err != nil {
				// nothing accumulated means the first execution may have hit
				// transient store failures, so re-probe with the baseline once
				if acc.empty() && !baselineRetried && len(baseline) > 0 {
					baselineRetried = true
					log.Warn("retrieval evaluation failed with nothing found, retrying baseline queries",
						slog.Any("error", err))
					pending = baseline
					state = stateExecute
					continue
				}
				log.Warn("retrieval evaluation failed, finalizing with current results",
					slog.Any("error", err))
				state = stateFinalize
				continue
			}
			additional := filterExecuted(normalizeQueries(eval.AdditionalQueries), executed)
			if eval.Sufficient || len(additional) == 0 {
				state = stateFinalize
				continue
			}
			pending = additional
			state = stateExecute
		}
	}

	observability.RetrievalIterations.Observe(float64(iteration))
	res.Memos = acc.memos
	res.Messages = acc.messages
	res.Attachments = acc.attachments
	res.Sources = acc.sources()
	res.RetrievedContext = buildRetrievedContext(acc)
	return res, nil
}

// commit writes the advisory cache row and the cost rows. Both are
// best-effort: the computed result is already in hand, and a lost cache row
// only costs a recompute.
func (r *Retrieval) commit(ctx context.Context, snap retrievalSnapshot, res domain.RetrievalResult, costs []domain.CostRecord) error {
	log := obsctx.LoggerFromContext(ctx)
	entry := domain.RetrievalCacheEntry{
		WorkspaceID:       snap.inv.WorkspaceID,
		TriggerMessageID:  snap.inv.TriggerMessage.ID,
		ShouldSearch:      res.ShouldSearch,
		RetrievedContext:  res.RetrievedContext,
		Sources:           res.Sources,
		SearchesPerformed: res.SearchesPerformed,
		CreatedAt:         time.Now().UTC(),
	}
	if err := r.cache.Put(ctx, entry); err != nil {
		log.Warn("retrieval cache write failed", slog.Any("error", err))
	}
	if r.costs != nil {
		for _, rec := range costs {
			if err := r.costs.RecordUsage(ctx, rec); err != nil {
				log.Warn("retrieval cost record failed",
					slog.String("model", rec.Model), slog.Any("error", err))
			}
		}
	}
	return nil
}

// decide runs the single planning call and applies the fallback ladder: a
// failed call or a search-without-queries answer degrades to the baseline
// probes, and whatever survives is merged with the baseline and deduped.
// Empty means finalize without searching.
func (r *Retrieval) decide(ctx context.Context, snap retrievalSnapshot, baseline []domain.SearchQuery) []domain.SearchQuery {
	log := obsctx.LoggerFromContext(ctx)
	var plan retrievalPlan
	err := r.ai.GenerateObject(ctx, domain.ObjectRequest{
		System:     planSystem,
		Prompt:     r.planPrompt(snap),
		MaxTokens:  planMaxTokens,
		SchemaName: "retrievalPlan",
		Call:       snap.callFor("retrieval-plan"),
	}, &plan)

	queries := normalizeQueries(plan.Queries)
	if err != nil {
		log.Warn("retrieval planning failed, using baseline queries", slog.Any("error", err))
		queries = baseline
	} else if plan.NeedsSearch && len(queries) == 0 {
		log.Debug("planner asked to search without queries, using baseline")
		queries = baseline
	}
	if len(queries) == 0 {
		return nil
	}
	return mergeQueries(queries, baseline)
}

func (r *Retrieval) evaluate(ctx context.Context, snap retrievalSnapshot, acc *resultAccumulator, searches []domain.SearchRecord) (retrievalEvaluation, error) {
	var eval retrievalEvaluation
	err := r.ai.GenerateObject(ctx, domain.ObjectRequest{
		System:     evaluateSystem,
		Prompt:     r.evaluatePrompt(snap, acc, searches),
		MaxTokens:  planMaxTokens,
		SchemaName: "retrievalEvaluation",
		Call:       snap.callFor("retrieval-evaluate"),
	}, &eval)
	return eval, err
}

func (r *Retrieval) planPrompt(snap retrievalSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Stream: %s\n", streamLabel(snap.stream))
	history := snap.inv.ConversationHistory
	if len(history) > historyPromptWindow {
		history = history[len(history)-historyPromptWindow:]
	}
	if len(history) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, m := range history {
			fmt.Fprintf(&b, "%s: %s\n", m.AuthorID, textx.CollapseWhitespace(m.Text))
		}
	}
	fmt.Fprintf(&b, "\nLatest message:\n%s\n", textx.CollapseWhitespace(snap.inv.TriggerMessage.Text))
	return b.String()
}

func (r *Retrieval) evaluatePrompt(snap retrievalSnapshot, acc *resultAccumulator, searches []domain.SearchRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Latest message:\n%s\n\nSearches performed so far:\n",
		textx.CollapseWhitespace(snap.inv.TriggerMessage.Text))
	for _, s := range searches {
		fmt.Fprintf(&b, "- %s/%s %q found %d\n", s.Target, s.Type, s.Text, s.ResultCount)
	}
	digest := buildRetrievedContext(acc)
	if digest == "" {
		b.WriteString("\nNothing retrieved yet.\n")
	} else {
		fmt.Fprintf(&b, "\nRetrieved so far:\n%s\n", digest)
	}
	return b.String()
}

func streamLabel(s domain.Stream) string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.Kind + " " + s.ID
}

// baselineQueries derives deterministic probes from the trigger text: the
// full text probes memos and messages, the shorter window variants probe
// messages only.
func (r *Retrieval) baselineQueries(trigger domain.Message) []domain.SearchQuery {
	variants := textx.BaselineQueries(trigger.Text, baselineVariants)
	out := make([]domain.SearchQuery, 0, len(variants)+1)
	for i, v := range variants {
		if i == 0 {
			out = append(out, domain.SearchQuery{Target: domain.TargetMemos, Type: domain.SearchSemantic, Text: v})
		}
		out = append(out, domain.SearchQuery{Target: domain.TargetMessages, Type: domain.SearchSemantic, Text: v})
	}
	return out
}

// normalizeQueries drops malformed planned queries instead of failing the
// run: unknown targets disappear, unknown types degrade to semantic.
func normalizeQueries(in []plannedQuery) []domain.SearchQuery {
	out := make([]domain.SearchQuery, 0, len(in))
	for _, q := range in {
		text := textx.CollapseWhitespace(textx.SanitizeText(q.Text))
		if text == "" {
			continue
		}
		target := strings.ToLower(strings.TrimSpace(q.Target))
		switch target {
		case domain.TargetMemos, domain.TargetMessages, domain.TargetAttachments:
		default:
			continue
		}
		typ := strings.ToLower(strings.TrimSpace(q.Type))
		if typ != domain.SearchExact {
			typ = domain.SearchSemantic
		}
		out = append(out, domain.SearchQuery{Target: target, Type: typ, Text: text})
	}
	return out
}

func mergeQueries(planned, baseline []domain.SearchQuery) []domain.SearchQuery {
	seen := make(map[string]bool, len(planned)+len(baseline))
	out := make([]domain.SearchQuery, 0, len(planned)+len(baseline))
	for _, list := range [][]domain.SearchQuery{planned, baseline} {
		for _, q := range list {
			if seen[q.Key()] {
				continue
			}
			seen[q.Key()] = true
			out = append(out, q)
		}
	}
	return out
}

// filterExecuted drops evaluator queries this run already executed, so a
// model echoing earlier queries does not buy another round.
func filterExecuted(queries []domain.SearchQuery, executed map[string]bool) []domain.SearchQuery {
	out := make([]domain.SearchQuery, 0, len(queries))
	for _, q := range queries {
		if executed[q.Key()] {
			continue
		}
		out = append(out, q)
	}
	return out
}

// queryOutcome is what one executed search contributes. hits counts the
// primary results the search itself found, before neighbour and recency
// enrichment.
type queryOutcome struct {
	memos       []domain.Memo
	messages    []domain.MessageHit
	attachments []domain.Attachment
	hits        int
}

// executeAll fans one batch of queries out in parallel and merges the
// outcomes in input order, so accumulation stays deterministic for a given
// set of per-query results. Failures are isolated per query.
func (r *Retrieval) executeAll(ctx context.Context, snap retrievalSnapshot, queries []domain.SearchQuery, acc *resultAccumulator) []domain.SearchRecord {
	outcomes := make([]queryOutcome, len(queries))
	var wg sync.WaitGroup
	for i, q := range queries {
		wg.Add(1)
		go func(i int, q domain.SearchQuery) {
			defer wg.Done()
			outcomes[i] = r.executeOne(ctx, snap, q)
		}(i, q)
	}
	wg.Wait()

	records := make([]domain.SearchRecord, 0, len(queries))
	for i, q := range queries {
		acc.merge(outcomes[i])
		observability.RetrievalSearchesTotal.WithLabelValues(q.Target, q.Type).Inc()
		records = append(records, domain.SearchRecord{
			Target: q.Target, Type: q.Type, Text: q.Text, ResultCount: outcomes[i].hits,
		})
	}
	return records
}

func (r *Retrieval) executeOne(ctx context.Context, snap retrievalSnapshot, q domain.SearchQuery) queryOutcome {
	log := obsctx.LoggerFromContext(ctx)
	var out queryOutcome
	var err error
	switch q.Target {
	case domain.TargetMemos:
		out, err = r.searchMemos(ctx, snap, q)
	case domain.TargetMessages:
		out, err = r.searchMessages(ctx, snap, q)
	case domain.TargetAttachments:
		out, err = r.searchAttachments(ctx, snap, q)
	default:
		return queryOutcome{}
	}
	if err != nil {
		log.Warn("retrieval search failed",
			slog.String("target", q.Target), slog.String("type", q.Type), slog.Any("error", err))
		return queryOutcome{}
	}
	return out
}

func (r *Retrieval) perSearchLimit() int {
	if r.cfg.RetrievalMaxResultsPerSearch > 0 {
		return r.cfg.RetrievalMaxResultsPerSearch
	}
	return 5
}

// semanticMinScore converts the configured cosine distance threshold into
// the minimum similarity score the vector index filters on.
func (r *Retrieval) semanticMinScore() float64 {
	return 1 - r.cfg.SemanticDistanceThreshold
}

func (r *Retrieval) searchMemos(ctx context.Context, snap retrievalSnapshot, q domain.SearchQuery) (queryOutcome, error) {
	limit := r.perSearchLimit()
	if q.Type == domain.SearchSemantic {
		if memos := r.semanticMemos(ctx, snap, q.Text, limit); len(memos) > 0 {
			return queryOutcome{memos: memos, hits: len(memos)}, nil
		}
	}
	memos, err := r.search.SearchMemosText(ctx, snap.inv.WorkspaceID, snap.streamIDs, q.Text, limit)
	if err != nil {
		return queryOutcome{}, fmt.Errorf("memo text search: %w", err)
	}
	return queryOutcome{memos: memos, hits: len(memos)}, nil
}

// semanticMemos returns nil on any failure so the caller falls back to the
// full-text path.
func (r *Retrieval) semanticMemos(ctx context.Context, snap retrievalSnapshot, text string, limit int) []domain.Memo {
	log := obsctx.LoggerFromContext(ctx)
	vec, err := r.ai.Embed(ctx, text, snap.callFor("retrieval-embed"))
	if err != nil {
		log.Debug("memo query embedding failed, falling back to full text", slog.Any("error", err))
		return nil
	}
	hits, err := r.vectors.Search(ctx, domain.CollectionMemos, vec, limit, r.semanticMinScore(), snap.filter())
	if err != nil {
		log.Debug("memo semantic search failed, falling back to full text", slog.Any("error", err))
		return nil
	}
	if len(hits) == 0 {
		return nil
	}
	memos, err := r.search.GetMemosByIDs(ctx, hitIDs(hits))
	if err != nil {
		log.Debug("memo hit hydration failed, falling back to full text", slog.Any("error", err))
		return nil
	}
	return memos
}

func (r *Retrieval) searchMessages(ctx context.Context, snap retrievalSnapshot, q domain.SearchQuery) (queryOutcome, error) {
	log := obsctx.LoggerFromContext(ctx)
	limit := r.perSearchLimit()
	exclude := []string{snap.inv.TriggerMessage.ID}

	searchText := q.Text
	if q.Type == domain.SearchExact {
		searchText = `"` + q.Text + `"`
	}

	var semantic []domain.Message
	if vec, err := r.ai.Embed(ctx, q.Text, snap.callFor("retrieval-embed")); err != nil {
		log.Debug("message query embedding failed, keyword only", slog.Any("error", err))
	} else if hits, verr := r.vectors.Search(ctx, domain.CollectionMessages, vec, limit, r.semanticMinScore(), snap.filter()); verr != nil {
		log.Debug("message semantic search failed, keyword only", slog.Any("error", verr))
	} else if len(hits) > 0 {
		msgs, herr := r.search.GetMessagesByIDs(ctx, hitIDs(hits))
		if herr != nil {
			log.Debug("semantic hit hydration failed, keyword only", slog.Any("error", herr))
		} else {
			semantic = msgs
		}
	}

	fulltext, err := r.search.SearchMessagesText(ctx, snap.inv.WorkspaceID, snap.streamIDs, searchText, exclude, limit)
	if err != nil {
		if len(semantic) == 0 {
			return queryOutcome{}, fmt.Errorf("message text search: %w", err)
		}
		log.Debug("message full-text search failed, semantic only", slog.Any("error", err))
		fulltext = nil
	}

	primary := mergeMessages(fulltext, semantic, snap.inv.TriggerMessage.ID, limit)
	if len(primary) == 0 && searchText != q.Text {
		// a quoted phrase that matched nothing retries as plain full text
		fulltext, err = r.search.SearchMessagesText(ctx, snap.inv.WorkspaceID, snap.streamIDs, q.Text, exclude, limit)
		if err != nil {
			return queryOutcome{}, fmt.Errorf("message text retry: %w", err)
		}
		primary = mergeMessages(fulltext, semantic, snap.inv.TriggerMessage.ID, limit)
	}
	if len(primary) == 0 {
		return queryOutcome{}, nil
	}

	return queryOutcome{messages: r.enrichMessages(ctx, snap, primary), hits: len(primary)}, nil
}

func (r *Retrieval) searchAttachments(ctx context.Context, snap retrievalSnapshot, q domain.SearchQuery) (queryOutcome, error) {
	atts, err := r.search.SearchAttachments(ctx, snap.inv.WorkspaceID, snap.streamIDs, q.Text, r.perSearchLimit())
	if err != nil {
		return queryOutcome{}, fmt.Errorf("attachment search: %w", err)
	}
	return queryOutcome{attachments: atts, hits: len(atts)}, nil
}

// mergeMessages combines the full-text and semantic legs, full text first,
// dropping the excluded trigger, deleted rows and duplicates, capped at
// limit.
func mergeMessages(fulltext, semantic []domain.Message, excludeID string, limit int) []domain.Message {
	out := make([]domain.Message, 0, limit)
	seen := map[string]bool{excludeID: true}
	for _, list := range [][]domain.Message{fulltext, semantic} {
		for _, m := range list {
			if seen[m.ID] || m.Deleted {
				continue
			}
			seen[m.ID] = true
			out = append(out, m)
			if len(out) >= limit {
				return out
			}
		}
	}
	return out
}

// enrichMessages widens the primary hits with conversational surroundings:
// the neighbours of the top hits, the latest messages of the top hit
// streams, then display names for everything that survived dedup.
func (r *Retrieval) enrichMessages(ctx context.Context, snap retrievalSnapshot, primary []domain.Message) []domain.MessageHit {
	log := obsctx.LoggerFromContext(ctx)
	all := make([]domain.Message, 0, len(primary)*3)
	seen := map[string]bool{snap.inv.TriggerMessage.ID: true}
	add := func(ms []domain.Message) {
		for _, m := range ms {
			if seen[m.ID] || m.Deleted {
				continue
			}
			seen[m.ID] = true
			all = append(all, m)
		}
	}
	add(primary)

	for i := 0; i < len(primary) && i < neighborTopHits; i++ {
		ns, err := r.search.NeighborMessages(ctx, primary[i].StreamID, primary[i].ID)
		if err != nil {
			log.Debug("neighbour lookup failed", slog.String("message_id", primary[i].ID), slog.Any("error", err))
			continue
		}
		add(ns)
	}

	streamSeen := make(map[string]bool)
	for _, m := range primary {
		if streamSeen[m.StreamID] {
			continue
		}
		streamSeen[m.StreamID] = true
		ms, err := r.search.RecentStreamMessages(ctx, m.StreamID, recencyWindow)
		if err != nil {
			log.Debug("recency lookup failed", slog.String("stream_id", m.StreamID), slog.Any("error", err))
		} else {
			add(ms)
		}
		if len(streamSeen) >= recencyTopStreams {
			break
		}
	}

	return r.withDisplayNames(ctx, all)
}

func (r *Retrieval) withDisplayNames(ctx context.Context, msgs []domain.Message) []domain.MessageHit {
	userIDs := make([]string, 0, len(msgs))
	streamIDs := make([]string, 0, len(msgs))
	userSeen := make(map[string]bool)
	streamSeen := make(map[string]bool)
	for _, m := range msgs {
		if !userSeen[m.AuthorID] {
			userSeen[m.AuthorID] = true
			userIDs = append(userIDs, m.AuthorID)
		}
		if !streamSeen[m.StreamID] {
			streamSeen[m.StreamID] = true
			streamIDs = append(streamIDs, m.StreamID)
		}
	}
	authors, streams, err := r.search.DisplayNames(ctx, userIDs, streamIDs)
	if err != nil {
		obsctx.LoggerFromContext(ctx).Debug("display name lookup failed", slog.Any("error", err))
	}
	hits := make([]domain.MessageHit, 0, len(msgs))
	for _, m := range msgs {
		hits = append(hits, domain.MessageHit{
			Message:    m,
			AuthorName: authors[m.AuthorID],
			StreamName: streams[m.StreamID],
		})
	}
	return hits
}

func hitIDs(hits []domain.VectorHit) []string {
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.ID)
	}
	return ids
}

// resultAccumulator dedupes by artifact id and preserves first-seen order.
// Within a run it only ever grows.
type resultAccumulator struct {
	memoSeen    map[string]bool
	memos       []domain.Memo
	msgSeen     map[string]bool
	messages    []domain.MessageHit
	attSeen     map[string]bool
	attachments []domain.Attachment
}

func newAccumulator() *resultAccumulator {
	return &resultAccumulator{
		memoSeen: make(map[string]bool),
		msgSeen:  make(map[string]bool),
		attSeen:  make(map[string]bool),
	}
}

func (a *resultAccumulator) merge(out queryOutcome) {
	for _, m := range out.memos {
		if a.memoSeen[m.ID] {
			continue
		}
		a.memoSeen[m.ID] = true
		a.memos = append(a.memos, m)
	}
	for _, m := range out.messages {
		if a.msgSeen[m.ID] {
			continue
		}
		a.msgSeen[m.ID] = true
		a.messages = append(a.messages, m)
	}
	for _, at := range out.attachments {
		if a.attSeen[at.ID] {
			continue
		}
		a.attSeen[at.ID] = true
		a.attachments = append(a.attachments, at)
	}
}

func (a *resultAccumulator) empty() bool {
	return len(a.memos) == 0 && len(a.messages) == 0 && len(a.attachments) == 0
}

func (a *resultAccumulator) sources() []domain.RetrievalSource {
	out := make([]domain.RetrievalSource, 0, len(a.memos)+len(a.messages)+len(a.attachments))
	for _, m := range a.memos {
		out = append(out, domain.RetrievalSource{Kind: "memo", ID: m.ID, Title: m.Title})
	}
	for _, m := range a.messages {
		out = append(out, domain.RetrievalSource{Kind: "message", ID: m.ID})
	}
	for _, at := range a.attachments {
		out = append(out, domain.RetrievalSource{Kind: "attachment", ID: at.ID, Title: at.Filename})
	}
	return out
}

// buildRetrievedContext renders the accumulated artifacts into the digest
// handed to downstream prompts: memos first, then messages in time order,
// then attachments, bounded so the digest cannot blow up a prompt.
func buildRetrievedContext(acc *resultAccumulator) string {
	if acc.empty() {
		return ""
	}
	var b strings.Builder
	if len(acc.memos) > 0 {
		b.WriteString("## Memos\n")
		for _, m := range acc.memos {
			fmt.Fprintf(&b, "- %s: %s\n", m.Title, textx.CollapseWhitespace(m.Content))
		}
	}
	if len(acc.messages) > 0 {
		msgs := append([]domain.MessageHit(nil), acc.messages...)
		sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
		b.WriteString("## Messages\n")
		for _, m := range msgs {
			author := m.AuthorName
			if author == "" {
				author = m.AuthorID
			}
			where := m.StreamName
			if where == "" {
				where = m.StreamID
			}
			fmt.Fprintf(&b, "- [%s] %s: %s\n", where, author, textx.CollapseWhitespace(m.Text))
		}
	}
	if len(acc.attachments) > 0 {
		b.WriteString("## Attachments\n")
		for _, at := range acc.attachments {
			fmt.Fprintf(&b, "- %s: %s\n", at.Filename,
				textx.Truncate(textx.CollapseWhitespace(at.ExtractionText), attachmentSnippetLen))
		}
	}
	return textx.Truncate(strings.TrimSpace(b.String()), contextMaxChars)
}
