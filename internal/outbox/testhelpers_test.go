package outbox

import (
	"fmt"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/domain"
)

type savedCursor struct {
	lastProcessedID int64
	processedIDs    []int64
}

type fakeCursorStore struct {
	mu         sync.Mutex
	cur        domain.ListenerCursor
	busyFor    int
	acquireErr error
	acquires   int
	extendOK   bool
	extendErr  error
	extends    int
	saves      []savedCursor
	saveErr    error
	releases   int
}

func newFakeCursorStore() *fakeCursorStore {
	return &fakeCursorStore{extendOK: true}
}

func (s *fakeCursorStore) Acquire(_ domain.Context, listenerID, holder string, _ time.Duration) (domain.ListenerCursor, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acquires++
	if s.acquireErr != nil {
		return domain.ListenerCursor{}, false, s.acquireErr
	}
	if s.busyFor > 0 {
		s.busyFor--
		return domain.ListenerCursor{}, false, nil
	}
	cur := s.cur
	cur.ListenerID = listenerID
	cur.LeaseHolder = holder
	return cur, true, nil
}

func (s *fakeCursorStore) Extend(_ domain.Context, _, _ string, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extends++
	if s.extendErr != nil {
		return false, s.extendErr
	}
	return s.extendOK, nil
}

func (s *fakeCursorStore) Save(_ domain.Context, _, _ string, lastProcessedID int64, processedIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves = append(s.saves, savedCursor{lastProcessedID: lastProcessedID, processedIDs: processedIDs})
	s.cur.LastProcessedID = lastProcessedID
	s.cur.ProcessedIDs = processedIDs
	return nil
}

func (s *fakeCursorStore) Release(_ domain.Context, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases++
	return nil
}

func (s *fakeCursorStore) Get(_ domain.Context, listenerID string) (domain.ListenerCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.cur
	cur.ListenerID = listenerID
	return cur, nil
}

func (s *fakeCursorStore) List(_ domain.Context) ([]domain.ListenerCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return []domain.ListenerCursor{s.cur}, nil
}

func (s *fakeCursorStore) savedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saves)
}

func (s *fakeCursorStore) lastSave() savedCursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves[len(s.saves)-1]
}

type fakeEventLog struct {
	mu       sync.Mutex
	events   []domain.Event
	fetchErr error
	fetches  int
}

func (l *fakeEventLog) FetchAfter(_ domain.Context, after int64, maxBatch int, exclude []int64) ([]domain.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fetches++
	if l.fetchErr != nil {
		return nil, l.fetchErr
	}
	skip := make(map[int64]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	var out []domain.Event
	for _, ev := range l.events {
		if ev.ID <= after || skip[ev.ID] {
			continue
		}
		out = append(out, ev)
		if len(out) == maxBatch {
			break
		}
	}
	return out, nil
}

func (l *fakeEventLog) LatestID(_ domain.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) == 0 {
		return 0, nil
	}
	return l.events[len(l.events)-1].ID, nil
}

type sentJob struct {
	queue   string
	payload any
	opts    domain.SendOptions
}

type fakeJobQueue struct {
	mu      sync.Mutex
	sent    []sentJob
	sendErr error
}

func (q *fakeJobQueue) Send(_ domain.Context, queue string, payload any, opts ...domain.SendOption) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sendErr != nil {
		return "", q.sendErr
	}
	var o domain.SendOptions
	for _, opt := range opts {
		opt(&o)
	}
	q.sent = append(q.sent, sentJob{queue: queue, payload: payload, opts: o})
	if o.MessageID != "" {
		return o.MessageID, nil
	}
	return fmt.Sprintf("job-%d", len(q.sent)), nil
}

func (q *fakeJobQueue) sentJobs() []sentJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]sentJob(nil), q.sent...)
}

type fakeChatDirectory struct {
	streams   map[string]domain.Stream
	members   map[string]bool
	streamErr error
	memberErr error
}

func (d *fakeChatDirectory) GetStream(_ domain.Context, streamID string) (domain.Stream, error) {
	if d.streamErr != nil {
		return domain.Stream{}, d.streamErr
	}
	s, ok := d.streams[streamID]
	if !ok {
		return domain.Stream{}, domain.ErrNotFound
	}
	return s, nil
}

func (d *fakeChatDirectory) IsStreamMember(_ domain.Context, streamID, userID string) (bool, error) {
	if d.memberErr != nil {
		return false, d.memberErr
	}
	return d.members[streamID+"/"+userID], nil
}

type fakeMemoStore struct {
	mu        sync.Mutex
	pending   []domain.MemoPendingItem
	insertErr error
}

func (m *fakeMemoStore) InsertPending(_ domain.Context, item domain.MemoPendingItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	m.pending = append(m.pending, item)
	return nil
}

func (m *fakeMemoStore) CountPending(_ domain.Context, _, _ string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending), nil
}

func (m *fakeMemoStore) FetchPendingBatch(_ domain.Context, _, _ string, _ int) ([]domain.MemoPendingItem, error) {
	return nil, nil
}

func (m *fakeMemoStore) FetchMemoContext(_ domain.Context, _, _ string, _ []string) (domain.MemoContext, error) {
	return domain.MemoContext{}, nil
}

func (m *fakeMemoStore) CommitMemo(_ domain.Context, _ domain.MemoMutation) error {
	return nil
}

type fakeRelay struct {
	mu        sync.Mutex
	published []domain.Event
	err       error
}

func (r *fakeRelay) Publish(_ domain.Context, events []domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.published = append(r.published, events...)
	return nil
}

type fakeNotifier struct {
	ch chan struct{}
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{ch: make(chan struct{}, 1)}
}

func (n *fakeNotifier) Notifications() <-chan struct{} { return n.ch }

func (n *fakeNotifier) notify() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

func lockConfig() domain.CursorLockConfig {
	return domain.CursorLockConfig{
		LockDuration:    200 * time.Millisecond,
		RefreshInterval: 10 * time.Millisecond,
		MaxRetries:      2,
		BaseBackoff:     time.Millisecond,
		BatchSize:       50,
	}
}
