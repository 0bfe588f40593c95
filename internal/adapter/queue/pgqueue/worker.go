package pgqueue

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/config"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/domain"
	obsctx "github.com/fairyhunter13/ai-chat-pipeline/internal/observability"
)

// Handler processes one dequeued job. A nil return marks the job succeeded;
// any error routes it through the retry policy.
type Handler func(ctx context.Context, job domain.Job) error

// jobStore is the store surface the worker consumes.
type jobStore interface {
	Dequeue(ctx domain.Context, holder string, queues []string, leaseTTL time.Duration) (domain.Job, bool, error)
	Heartbeat(ctx domain.Context, jobID, holder string, leaseTTL time.Duration) (bool, error)
	Complete(ctx domain.Context, jobID, holder string) error
	Fail(ctx domain.Context, jobID, holder, lastError string, retryIn time.Duration) (domain.JobState, error)
	ReapExpired(ctx domain.Context) (map[string]int, error)
}

const maxBackoff = 5 * time.Minute

// Worker runs a fixed pool of goroutines that pull jobs from the registered
// queues and execute their handlers under a heartbeat-extended lease.
type Worker struct {
	store    jobStore
	handlers map[string]Handler
	queues   []string

	holder       string
	concurrency  int
	leaseTTL     time.Duration
	heartbeat    time.Duration
	pollInterval time.Duration
	baseBackoff  time.Duration
	reapInterval time.Duration
}

// NewWorker constructs a Worker from the queue section of the configuration.
func NewWorker(store jobStore, cfg config.Config) *Worker {
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	return &Worker{
		store:        store,
		handlers:     map[string]Handler{},
		holder:       fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8]),
		concurrency:  cfg.QueueWorkers,
		leaseTTL:     cfg.QueueLeaseDuration,
		heartbeat:    cfg.QueueHeartbeat,
		pollInterval: cfg.QueuePollInterval,
		baseBackoff:  cfg.QueueBaseBackoff,
		reapInterval: cfg.QueueReapInterval,
	}
}

// RegisterHandler binds a handler to a queue. The worker only dequeues from
// queues that have a handler.
func (w *Worker) RegisterHandler(queue string, h Handler) error {
	if !domain.KnownQueue(queue) {
		return fmt.Errorf("%w: unknown queue %q", domain.ErrInvalidArgument, queue)
	}
	if _, dup := w.handlers[queue]; dup {
		return fmt.Errorf("%w: handler already registered for %q", domain.ErrConflict, queue)
	}
	w.handlers[queue] = h
	w.queues = append(w.queues, queue)
	return nil
}

// Start runs the worker pool and the lease reaper until ctx is canceled.
func (w *Worker) Start(ctx context.Context) error {
	if len(w.queues) == 0 {
		return fmt.Errorf("%w: no handlers registered", domain.ErrInvalidArgument)
	}
	slog.Info("starting queue workers",
		slog.String("holder", w.holder),
		slog.Int("concurrency", w.concurrency),
		slog.Any("queues", w.queues))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.reapLoop(ctx)
	}()
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			w.pollLoop(ctx, workerID)
		}(i)
	}
	<-ctx.Done()
	wg.Wait()
	slog.Info("queue workers stopped", slog.String("holder", w.holder))
	return ctx.Err()
}

func (w *Worker) pollLoop(ctx context.Context, workerID int) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, ok, err := w.store.Dequeue(ctx, w.holder, w.queues, w.leaseTTL)
		if err != nil {
			slog.Error("dequeue failed", slog.Int("worker_id", workerID), slog.Any("error", err))
			w.sleep(ctx, w.pollInterval)
			continue
		}
		if !ok {
			w.sleep(ctx, w.pollInterval)
			continue
		}
		w.run(ctx, workerID, job)
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (w *Worker) run(ctx context.Context, workerID int, job domain.Job) {
	tracer := otel.Tracer("queue.worker")
	ctx, span := tracer.Start(ctx, "queue."+job.Queue)
	defer span.End()
	start := time.Now()

	lg := obsctx.LoggerFromContext(ctx).With(
		slog.String("job_id", job.ID),
		slog.String("queue", job.Queue),
		slog.Int("attempt", job.Attempts),
		slog.Int("worker_id", workerID))
	hctx, cancel := context.WithCancel(ctx)
	defer cancel()
	hctx = obsctx.ContextWithTask(hctx, lg, job.ID)

	observability.StartProcessingJob(job.Queue)
	lg.Info("job started")
	go w.keepAlive(hctx, job, cancel, lg)

	err := w.handlers[job.Queue](hctx, job)
	cancel()

	if err == nil {
		if cerr := w.store.Complete(ctx, job.ID, w.holder); cerr != nil {
			observability.FailJob(job.Queue)
			lg.Error("job completion lost", slog.Any("error", cerr))
			return
		}
		observability.CompleteJob(job.Queue)
		observability.JobDuration.WithLabelValues(job.Queue).Observe(time.Since(start).Seconds())
		lg.Info("job completed", slog.Duration("elapsed", time.Since(start)))
		return
	}

	delay := w.backoffDelay(job.Attempts)
	state, ferr := w.store.Fail(ctx, job.ID, w.holder, err.Error(), delay)
	observability.FailJob(job.Queue)
	if ferr != nil {
		lg.Error("job failure transition lost", slog.Any("error", ferr), slog.Any("handler_error", err))
		return
	}
	if state == domain.JobDead {
		observability.JobsDeadTotal.WithLabelValues(job.Queue).Inc()
		lg.Error("job dead", slog.Any("error", err), slog.Int("attempts", job.Attempts))
		return
	}
	lg.Warn("job failed, retry scheduled", slog.Any("error", err), slog.Duration("retry_in", delay))
}

// keepAlive extends the visibility lease until the handler context ends. A
// lost lease cancels the handler: another worker may already own the job.
func (w *Worker) keepAlive(ctx context.Context, job domain.Job, cancel context.CancelFunc, lg *slog.Logger) {
	t := time.NewTicker(w.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ok, err := w.store.Heartbeat(ctx, job.ID, w.holder, w.leaseTTL)
			if err != nil {
				lg.Warn("job heartbeat failed", slog.Any("error", err))
				continue
			}
			if !ok {
				lg.Warn("job lease lost, canceling handler")
				cancel()
				return
			}
		}
	}
}

// backoffDelay returns base*2^attempts capped at maxBackoff, jittered to the
// upper half of the interval so synchronized failures spread out.
func (w *Worker) backoffDelay(attempts int) time.Duration {
	d := w.baseBackoff
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			d = maxBackoff
			break
		}
	}
	if d <= 0 {
		d = maxBackoff
	}
	half := int64(d / 2)
	return time.Duration(half + rand.Int63n(half+1))
}

func (w *Worker) reapLoop(ctx context.Context) {
	t := time.NewTicker(w.reapInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			swept, err := w.store.ReapExpired(ctx)
			if err != nil {
				slog.Error("lease reap failed", slog.Any("error", err))
				continue
			}
			for q, n := range swept {
				observability.JobsReapedTotal.WithLabelValues(q).Add(float64(n))
				slog.Warn("reaped expired job leases", slog.String("queue", q), slog.Int("count", n))
			}
		}
	}
}
