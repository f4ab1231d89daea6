package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Luis4nge1/gps-mumlima-back-receiver/internal/eventbus"
	"github.com/Luis4nge1/gps-mumlima-back-receiver/internal/metrics"
)

// Queue names used by the ingestion pipeline.
const (
	HistoryQueueName = "history"
	LatestQueueName  = "latest"
)

// blockTimeout bounds each BLMOVE so workers notice shutdown promptly.
const blockTimeout = 2 * time.Second

// HandlerFunc processes one dequeued payload. A nil return acknowledges
// the job; an error triggers retry with backoff up to MaxAttempts.
type HandlerFunc func(ctx context.Context, payload *Payload) error

type Config struct {
	Name          string
	Concurrency   int
	MaxAttempts   int
	BackoffBase   time.Duration // attempt n waits BackoffBase * 2^(n-1)
	JobTimeout    time.Duration // per-attempt handler deadline
	KeepCompleted int           // completed ring size, 0 keeps none
	KeepFailed    int           // failed ring size, 0 keeps none
}

// Job is the JSON record stored on the queue lists. The waiting and
// active lists hold the record as enqueued; the completed and failed
// rings hold it with final attempt count and last error filled in.
type Job struct {
	ID          string    `json:"id"`
	Queue       string    `json:"queue"`
	Payload     *Payload  `json:"payload"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	CreatedAt   time.Time `json:"created_at"`
	LastError   string    `json:"last_error,omitempty"`
}

// JobEvent is the payload published on queue.completed and queue.failed.
type JobEvent struct {
	Queue    string `json:"queue"`
	JobID    string `json:"job_id"`
	BatchID  string `json:"batch_id"`
	Count    int    `json:"count"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// Stats is a point-in-time snapshot of one queue.
type Stats struct {
	Name           string `json:"name"`
	Waiting        int64  `json:"waiting"`
	Active         int64  `json:"active"`
	Completed      int64  `json:"completed"`
	Failed         int64  `json:"failed"`
	ProcessedTotal int64  `json:"processed_total"`
	FailedTotal    int64  `json:"failed_total"`
}

// Queue is a durable Redis-backed work queue. Jobs wait on a list, move
// to an active list while a worker runs them, and end in bounded
// completed/failed inspection rings. Delivery is at-least-once: entries
// orphaned on the active list by a crash are requeued via RecoverStalled.
type Queue struct {
	client  *redis.Client
	cfg     Config
	handler HandlerFunc
	bus     *eventbus.Bus
	logger  *zap.Logger

	keyWaiting   string
	keyActive    string
	keyCompleted string
	keyFailed    string

	processedTotal atomic.Int64
	failedTotal    atomic.Int64

	closing atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a queue. bus may be nil when nothing observes job events.
func New(client *redis.Client, cfg Config, handler HandlerFunc, bus *eventbus.Bus, logger *zap.Logger) *Queue {
	return &Queue{
		client:       client,
		cfg:          cfg,
		handler:      handler,
		bus:          bus,
		logger:       logger.Named("queue." + cfg.Name),
		keyWaiting:   queueKey(cfg.Name, "waiting"),
		keyActive:    queueKey(cfg.Name, "active"),
		keyCompleted: queueKey(cfg.Name, "completed"),
		keyFailed:    queueKey(cfg.Name, "failed"),
	}
}

func queueKey(name, section string) string {
	return fmt.Sprintf("gps:queue:%s:%s", name, section)
}

// Enqueue pushes one job onto the waiting list. It costs a single Redis
// round trip and never waits on workers.
func (q *Queue) Enqueue(ctx context.Context, payload *Payload) error {
	job := &Job{
		ID:          uuid.NewString(),
		Queue:       q.cfg.Name,
		Payload:     payload,
		MaxAttempts: q.cfg.MaxAttempts,
		CreatedAt:   time.Now().UTC(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job for %s: %w", q.cfg.Name, err)
	}
	if err := q.client.LPush(ctx, q.keyWaiting, data).Err(); err != nil {
		return fmt.Errorf("enqueuing on %s: %w", q.cfg.Name, err)
	}
	metrics.QueueJobsTotal.WithLabelValues(q.cfg.Name, "enqueued").Inc()
	return nil
}

// Start launches the configured number of workers. Call RecoverStalled
// first when resuming after a restart.
func (q *Queue) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	for i := 0; i < q.cfg.Concurrency; i++ {
		q.wg.Add(1)
		go q.worker(runCtx)
	}

	q.logger.Info("workers started",
		zap.Int("concurrency", q.cfg.Concurrency),
		zap.Int("max_attempts", q.cfg.MaxAttempts))
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}
		if q.closing.Load() {
			q.drainWaiting(ctx)
			return
		}

		raw, err := q.client.BLMove(ctx, q.keyWaiting, q.keyActive, "RIGHT", "LEFT", blockTimeout).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			q.logger.Warn("dequeue failed", zap.Error(err))
			if sleepCtx(ctx, time.Second) != nil {
				return
			}
			continue
		}

		q.process(ctx, raw)
	}
}

// drainWaiting empties the waiting list without blocking, so batches
// enqueued by the shutdown flush still reach the store before the
// workers exit. Bounded by the Close deadline through ctx.
func (q *Queue) drainWaiting(ctx context.Context) {
	for ctx.Err() == nil {
		raw, err := q.client.LMove(ctx, q.keyWaiting, q.keyActive, "RIGHT", "LEFT").Result()
		if err != nil {
			if err != redis.Nil && ctx.Err() == nil {
				q.logger.Warn("draining waiting jobs failed", zap.Error(err))
			}
			return
		}
		q.process(ctx, raw)
	}
}

// process runs one job through its retry attempts. The raw list entry
// stays on the active list until the job reaches a terminal state, so a
// crash mid-flight leaves it recoverable.
func (q *Queue) process(ctx context.Context, raw string) {
	job := &Job{}
	if err := json.Unmarshal([]byte(raw), job); err != nil {
		q.logger.Error("dropping malformed job", zap.Error(err))
		q.settle(ctx, raw, q.keyFailed, q.cfg.KeepFailed, []byte(raw))
		q.failedTotal.Add(1)
		metrics.QueueJobsTotal.WithLabelValues(q.cfg.Name, "failed").Inc()
		return
	}

	for job.Attempts < job.MaxAttempts {
		job.Attempts++

		attemptStart := time.Now()
		err := q.runHandler(ctx, job.Payload)
		metrics.QueueJobDuration.WithLabelValues(q.cfg.Name).Observe(time.Since(attemptStart).Seconds())

		if err == nil {
			metrics.QueueJobAttemptsTotal.WithLabelValues(q.cfg.Name, "ok").Inc()
			q.complete(ctx, raw, job)
			return
		}

		job.LastError = err.Error()
		metrics.QueueJobAttemptsTotal.WithLabelValues(q.cfg.Name, "error").Inc()
		q.logger.Warn("job attempt failed",
			zap.String("job_id", job.ID),
			zap.Int("attempt", job.Attempts),
			zap.Int("max_attempts", job.MaxAttempts),
			zap.Error(err))

		if job.Attempts >= job.MaxAttempts {
			break
		}

		backoff := q.cfg.BackoffBase << (job.Attempts - 1)
		if sleepCtx(ctx, backoff) != nil {
			// Shutdown mid-retry: the entry stays on the active list and
			// RecoverStalled requeues it on the next start.
			return
		}
	}

	q.fail(ctx, raw, job)
}

func (q *Queue) runHandler(ctx context.Context, payload *Payload) error {
	if q.cfg.JobTimeout <= 0 {
		return q.handler(ctx, payload)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, q.cfg.JobTimeout)
	defer cancel()
	return q.handler(attemptCtx, payload)
}

func (q *Queue) complete(ctx context.Context, raw string, job *Job) {
	job.LastError = ""
	data, err := json.Marshal(job)
	if err != nil {
		data = []byte(raw)
	}
	q.settle(ctx, raw, q.keyCompleted, q.cfg.KeepCompleted, data)
	q.processedTotal.Add(1)
	metrics.QueueJobsTotal.WithLabelValues(q.cfg.Name, "completed").Inc()
	q.publish(eventbus.TopicQueueCompleted, job, "")
}

func (q *Queue) fail(ctx context.Context, raw string, job *Job) {
	data, err := json.Marshal(job)
	if err != nil {
		data = []byte(raw)
	}
	q.settle(ctx, raw, q.keyFailed, q.cfg.KeepFailed, data)
	q.failedTotal.Add(1)
	metrics.QueueJobsTotal.WithLabelValues(q.cfg.Name, "failed").Inc()
	q.publish(eventbus.TopicQueueFailed, job, job.LastError)
	q.logger.Error("job failed permanently",
		zap.String("job_id", job.ID),
		zap.Int("attempts", job.Attempts),
		zap.String("last_error", job.LastError))
}

func (q *Queue) publish(topic string, job *Job, errMsg string) {
	if q.bus == nil {
		return
	}
	ev := JobEvent{
		Queue:    q.cfg.Name,
		JobID:    job.ID,
		Attempts: job.Attempts,
		Error:    errMsg,
	}
	if job.Payload != nil {
		ev.BatchID = job.Payload.BatchID
		ev.Count = job.Payload.Count
	}
	q.bus.Publish(topic, ev)
}

// settle removes the active entry and records the outcome on a bounded
// inspection ring.
func (q *Queue) settle(ctx context.Context, raw, ringKey string, keep int, record []byte) {
	pipe := q.client.Pipeline()
	pipe.LRem(ctx, q.keyActive, 1, raw)
	if keep > 0 {
		pipe.LPush(ctx, ringKey, record)
		pipe.LTrim(ctx, ringKey, 0, int64(keep-1))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Warn("settling job failed", zap.Error(err))
	}
}

// RecoverStalled moves entries parked on the active list back to waiting.
// Call it before Start: anything active at that point was orphaned by a
// previous process. Oldest entries go back first.
func (q *Queue) RecoverStalled(ctx context.Context) (int, error) {
	moved := 0
	for {
		_, err := q.client.LMove(ctx, q.keyActive, q.keyWaiting, "RIGHT", "RIGHT").Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return moved, fmt.Errorf("recovering stalled jobs for %s: %w", q.cfg.Name, err)
		}
		moved++
	}
	if moved > 0 {
		q.logger.Info("recovered stalled jobs", zap.Int("count", moved))
	}
	return moved, nil
}

// Stats reads list depths in one pipeline and combines them with the
// process-lifetime counters.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, q.keyWaiting)
	active := pipe.LLen(ctx, q.keyActive)
	completed := pipe.LLen(ctx, q.keyCompleted)
	failed := pipe.LLen(ctx, q.keyFailed)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("reading stats for %s: %w", q.cfg.Name, err)
	}

	metrics.QueueDepth.WithLabelValues(q.cfg.Name).Set(float64(waiting.Val()))

	return &Stats{
		Name:           q.cfg.Name,
		Waiting:        waiting.Val(),
		Active:         active.Val(),
		Completed:      completed.Val(),
		Failed:         failed.Val(),
		ProcessedTotal: q.processedTotal.Load(),
		FailedTotal:    q.failedTotal.Load(),
	}, nil
}

// Close stops intake and waits for in-flight jobs. When ctx expires
// first, running handlers are cancelled and Close still waits for the
// workers to return before reporting the deadline error.
func (q *Queue) Close(ctx context.Context) error {
	q.closing.Store(true)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info("workers drained")
		return nil
	case <-ctx.Done():
		if q.cancel != nil {
			q.cancel()
		}
		<-done
		q.logger.Warn("workers cancelled at shutdown deadline")
		return ctx.Err()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
