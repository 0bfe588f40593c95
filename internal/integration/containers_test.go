//go:build integration

// Package integration exercises the outbox, cursor, and queue repositories
// against real backends. Run with:
//
//	go test -tags=integration ./internal/integration/...
package integration

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/adapter/queue/pgqueue"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/adapter/repo/postgres"
	qdrantcli "github.com/fairyhunter13/ai-chat-pipeline/internal/adapter/vector/qdrant"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/domain"
)

// startPostgres runs a postgres container and applies the schema migration.
func startPostgres(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16",
		Env:          map[string]string{"POSTGRES_PASSWORD": "postgres", "POSTGRES_USER": "postgres", "POSTGRES_DB": "app"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForLog("database system is ready to accept connections").WithStartupTimeout(90 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "5432")
	require.NoError(t, err)
	dsn := "postgres://postgres:postgres@" + host + ":" + port.Port() + "/app?sslmode=disable"

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.Eventually(t, func() bool { return pool.Ping(ctx) == nil }, 30*time.Second, time.Second)

	schema, err := os.ReadFile("../../deploy/migrations/0001_init.sql")
	require.NoError(t, err)
	// No bind parameters, so pgx runs the whole script over the simple
	// protocol and multiple statements are allowed.
	_, err = pool.Exec(ctx, string(schema))
	require.NoError(t, err)
	return pool
}

func Test_Postgres_OutboxCursorsQueue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pool := startPostgres(t, ctx)

	// Outbox: append assigns ascending ids, FetchAfter pages past them.
	events := postgres.NewEventLogRepo(pool, "outbox_event")
	ev1, err := events.Append(ctx, domain.EventMessageCreated, map[string]string{"messageId": "m-1"})
	require.NoError(t, err)
	ev2, err := events.Append(ctx, domain.EventMessageEdited, map[string]string{"messageId": "m-1"})
	require.NoError(t, err)
	require.Greater(t, ev2.ID, ev1.ID)

	got, err := events.FetchAfter(ctx, 0, 10, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, domain.EventMessageCreated, got[0].EventType)

	got, err = events.FetchAfter(ctx, ev1.ID, 10, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ev2.ID, got[0].ID)

	got, err = events.FetchAfter(ctx, 0, 10, []int64{ev1.ID})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ev2.ID, got[0].ID)

	// Cursor leases: one holder at a time, progress survives a handover.
	cursors := postgres.NewCursorRepo(pool)
	const listener = "boundary-extraction"
	_, ok, err := cursors.Acquire(ctx, listener, "h1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = cursors.Acquire(ctx, listener, "h2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "live lease must not be stolen")

	require.NoError(t, cursors.Save(ctx, listener, "h1", ev1.ID, []int64{ev2.ID}))
	extended, err := cursors.Extend(ctx, listener, "h1", time.Minute)
	require.NoError(t, err)
	assert.True(t, extended)

	require.NoError(t, cursors.Release(ctx, listener, "h1"))
	cur, ok, err := cursors.Acquire(ctx, listener, "h2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ev1.ID, cur.LastProcessedID)
	assert.Equal(t, []int64{ev2.ID}, cur.ProcessedIDs)

	err = cursors.Save(ctx, listener, "h1", ev2.ID, nil)
	require.ErrorIs(t, err, domain.ErrLeaseLost)

	// Queue: id dedup, singleton suppression, lease lifecycle.
	jobs := pgqueue.NewStore(pool)
	id1, err := jobs.Send(ctx, domain.QueueBoundaryExtract, map[string]string{"streamId": "st-1"},
		domain.WithMessageID("job-1"))
	require.NoError(t, err)
	id1b, err := jobs.Send(ctx, domain.QueueBoundaryExtract, map[string]string{"streamId": "st-1"},
		domain.WithMessageID("job-1"))
	require.NoError(t, err)
	assert.Equal(t, id1, id1b)

	sg1, err := jobs.Send(ctx, domain.QueueMemoBatchCheck, map[string]string{"streamId": "st-1"},
		domain.WithSingleton("memo:st-1", 60))
	require.NoError(t, err)
	sg2, err := jobs.Send(ctx, domain.QueueMemoBatchCheck, map[string]string{"streamId": "st-1"},
		domain.WithSingleton("memo:st-1", 60))
	require.NoError(t, err)
	assert.Equal(t, sg1, sg2)

	job, ok, err := jobs.Dequeue(ctx, "w1", []string{domain.QueueBoundaryExtract}, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id1, job.ID)
	assert.Equal(t, 1, job.Attempts)

	alive, err := jobs.Heartbeat(ctx, job.ID, "w1", time.Minute)
	require.NoError(t, err)
	assert.True(t, alive)

	require.NoError(t, jobs.Complete(ctx, job.ID, "w1"))
	_, ok, err = jobs.Dequeue(ctx, "w1", []string{domain.QueueBoundaryExtract}, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "queue must be empty after complete")

	// Failed jobs come back after their backoff and die past the limit.
	fid, err := jobs.Send(ctx, domain.QueueEmbedding, map[string]string{"messageId": "m-9"},
		domain.WithRetryLimit(2))
	require.NoError(t, err)
	fjob, ok, err := jobs.Dequeue(ctx, "w1", []string{domain.QueueEmbedding}, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	state, err := jobs.Fail(ctx, fjob.ID, "w1", "provider 500", 0)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, state)

	fjob, ok, err = jobs.Dequeue(ctx, "w1", []string{domain.QueueEmbedding}, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, fid, fjob.ID)
	state, err = jobs.Fail(ctx, fjob.ID, "w1", "provider 500 again", 0)
	require.NoError(t, err)
	assert.Equal(t, domain.JobDead, state)

	stats, err := jobs.Stats(ctx)
	require.NoError(t, err)
	byQueue := map[string]map[domain.JobState]int64{}
	for _, s := range stats {
		if byQueue[s.Queue] == nil {
			byQueue[s.Queue] = map[domain.JobState]int64{}
		}
		byQueue[s.Queue][s.State] = s.Count
	}
	assert.Equal(t, int64(1), byQueue[domain.QueueBoundaryExtract][domain.JobSucceeded])
	assert.Equal(t, int64(1), byQueue[domain.QueueEmbedding][domain.JobDead])
	assert.Equal(t, int64(1), byQueue[domain.QueueMemoBatchCheck][domain.JobPending])
}

func Test_Redis_Up(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "redis:7",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "6379")
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	require.Eventually(t, func() bool { return rdb.Ping(ctx).Err() == nil }, 30*time.Second, time.Second)
}

func Test_Qdrant_VectorRoundtrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "qdrant/qdrant:latest",
		ExposedPorts: []string{"6333/tcp"},
		WaitingFor:   wait.ForHTTP("/collections").WithPort("6333/tcp").WithStartupTimeout(90 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "6333")
	require.NoError(t, err)
	q := qdrantcli.New("http://"+host+":"+port.Port(), "")

	require.NoError(t, q.EnsureCollection(ctx, domain.CollectionMessages, 4, "Cosine"))
	// Idempotent on an existing collection.
	require.NoError(t, q.EnsureCollection(ctx, domain.CollectionMessages, 4, "Cosine"))

	err = q.Upsert(ctx, domain.CollectionMessages, []domain.VectorPoint{
		{ID: "11111111-1111-1111-1111-111111111111", Vector: []float32{1, 0, 0, 0},
			Payload: map[string]any{"workspace_id": "ws-1", "stream_id": "st-1"}},
		{ID: "22222222-2222-2222-2222-222222222222", Vector: []float32{0, 1, 0, 0},
			Payload: map[string]any{"workspace_id": "ws-2", "stream_id": "st-2"}},
	})
	require.NoError(t, err)

	hits, err := q.Search(ctx, domain.CollectionMessages, []float32{1, 0, 0, 0}, 5, 0,
		domain.VectorFilter{WorkspaceID: "ws-1"})
	require.NoError(t, err)
	require.Len(t, hits, 1, "filter must keep the other workspace out")
	assert.Equal(t, "11111111-1111-1111-1111-111111111111", hits[0].ID)
}
