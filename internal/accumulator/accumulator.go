package accumulator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Luis4nge1/gps-mumlima-back-receiver/internal/eventbus"
	"github.com/Luis4nge1/gps-mumlima-back-receiver/internal/metrics"
	"github.com/Luis4nge1/gps-mumlima-back-receiver/internal/position"
	"github.com/Luis4nge1/gps-mumlima-back-receiver/internal/queue"
)

// Enqueuer is the queue side of a flush. Implemented by *queue.Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload *queue.Payload) error
}

type Config struct {
	BatchInterval    time.Duration
	BatchMaxSize     int
	CompressPayloads bool
}

// FlushEvent is the payload published on eventbus.TopicBatchFlushed.
type FlushEvent struct {
	Kind    string `json:"kind"`
	BatchID string `json:"batch_id"`
	Count   int    `json:"count"`
	Trigger string `json:"trigger"`
}

// Stats reports buffer occupancy and lifetime flush counters.
type Stats struct {
	HistoryBuffered int   `json:"history_buffered"`
	LatestBuffered  int   `json:"latest_buffered"`
	HistoryBatches  int64 `json:"history_batches"`
	LatestBatches   int64 `json:"latest_batches"`
	FlushErrors     int64 `json:"flush_errors"`
}

// Accumulator buffers accepted positions into two in-memory shapes: an
// ordered history buffer and a latest-per-device map. Flushes swap the
// live structure for an empty one under the mutex and enqueue outside
// it, so submitters never wait on the queue.
type Accumulator struct {
	cfg     Config
	history Enqueuer
	latest  Enqueuer
	bus     *eventbus.Bus
	logger  *zap.Logger

	mu         sync.Mutex
	historyBuf []*position.Position
	latestMap  map[string]*position.Position

	// Per-shape flush locks: at most one flush cycle per shape at a
	// time; the two shapes flush concurrently.
	historyFlushMu sync.Mutex
	latestFlushMu  sync.Mutex

	sizeFlushPending atomic.Bool

	historyBatches atomic.Int64
	latestBatches  atomic.Int64
	flushErrors    atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

func New(cfg Config, history, latest Enqueuer, bus *eventbus.Bus, logger *zap.Logger) *Accumulator {
	return &Accumulator{
		cfg:       cfg,
		history:   history,
		latest:    latest,
		bus:       bus,
		logger:    logger,
		latestMap: make(map[string]*position.Position),
		now:       time.Now,
	}
}

// Submit appends to the history buffer and folds into the latest map.
// Greatest timestamp wins per device; ties go to the later arrival. When
// the history buffer reaches BatchMaxSize an async history-only flush is
// scheduled; Submit itself never blocks on the queue.
func (a *Accumulator) Submit(pos *position.Position) {
	a.mu.Lock()
	a.historyBuf = append(a.historyBuf, pos)
	if cur, ok := a.latestMap[pos.DeviceID]; !ok || !cur.Timestamp.After(pos.Timestamp) {
		a.latestMap[pos.DeviceID] = pos
	}
	size := len(a.historyBuf)
	a.mu.Unlock()

	if size >= a.cfg.BatchMaxSize {
		a.scheduleHistoryFlush()
	}
}

// Start launches the timer loop that flushes both shapes every
// BatchInterval.
func (a *Accumulator) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(1)
	go a.run(runCtx)

	a.logger.Info("accumulator started",
		zap.Duration("batch_interval", a.cfg.BatchInterval),
		zap.Int("batch_max_size", a.cfg.BatchMaxSize))
}

func (a *Accumulator) run(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.flushBoth(ctx, "timer"); err != nil {
				a.logger.Warn("timer flush failed", zap.Error(err))
			}
		}
	}
}

// ForceFlush flushes both shapes and returns the first error. Buffers
// that fail to enqueue are restored, so a later tick retries them.
func (a *Accumulator) ForceFlush(ctx context.Context) error {
	return a.flushBoth(ctx, "force")
}

func (a *Accumulator) flushBoth(ctx context.Context, trigger string) error {
	var wg sync.WaitGroup
	var histErr, latestErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		histErr = a.flushHistory(ctx, trigger)
	}()
	go func() {
		defer wg.Done()
		latestErr = a.flushLatest(ctx, trigger)
	}()
	wg.Wait()

	if histErr != nil {
		return histErr
	}
	return latestErr
}

// scheduleHistoryFlush runs a history-only flush off the submitter's
// goroutine. Repeated size triggers coalesce onto one pending flush.
func (a *Accumulator) scheduleHistoryFlush() {
	if !a.sizeFlushPending.CompareAndSwap(false, true) {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.sizeFlushPending.Store(false)
		if err := a.flushHistory(context.Background(), "size"); err != nil {
			a.logger.Warn("size-triggered flush failed", zap.Error(err))
		}
	}()
}

func (a *Accumulator) flushHistory(ctx context.Context, trigger string) error {
	a.historyFlushMu.Lock()
	defer a.historyFlushMu.Unlock()

	a.mu.Lock()
	batch := a.historyBuf
	a.historyBuf = nil
	a.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	batchID := newBatchID("hist", a.now())
	payload, err := queue.NewPayload(batchID, batch, a.cfg.CompressPayloads)
	if err == nil {
		err = a.history.Enqueue(ctx, payload)
	}
	if err != nil {
		a.restoreHistory(batch)
		a.flushErrors.Add(1)
		metrics.BatchFlushesTotal.WithLabelValues("history", trigger, "error").Inc()
		return fmt.Errorf("flushing history batch %s: %w", batchID, err)
	}

	a.historyBatches.Add(1)
	metrics.BatchFlushesTotal.WithLabelValues("history", trigger, "ok").Inc()
	metrics.BatchSize.WithLabelValues("history").Observe(float64(len(batch)))
	a.bus.Publish(eventbus.TopicBatchFlushed, FlushEvent{
		Kind:    "history",
		BatchID: batchID,
		Count:   len(batch),
		Trigger: trigger,
	})
	a.logger.Debug("history batch flushed",
		zap.String("batch_id", batchID),
		zap.Int("count", len(batch)),
		zap.String("trigger", trigger))
	return nil
}

// restoreHistory puts a failed batch back ahead of anything submitted
// since the swap, preserving source order.
func (a *Accumulator) restoreHistory(batch []*position.Position) {
	a.mu.Lock()
	a.historyBuf = append(batch, a.historyBuf...)
	a.mu.Unlock()
}

func (a *Accumulator) flushLatest(ctx context.Context, trigger string) error {
	a.latestFlushMu.Lock()
	defer a.latestFlushMu.Unlock()

	a.mu.Lock()
	snapshot := a.latestMap
	a.latestMap = make(map[string]*position.Position)
	a.mu.Unlock()

	if len(snapshot) == 0 {
		return nil
	}

	batch := make([]*position.Position, 0, len(snapshot))
	for _, p := range snapshot {
		batch = append(batch, p)
	}

	batchID := newBatchID("latest", a.now())
	payload, err := queue.NewPayload(batchID, batch, a.cfg.CompressPayloads)
	if err == nil {
		err = a.latest.Enqueue(ctx, payload)
	}
	if err != nil {
		a.restoreLatest(snapshot)
		a.flushErrors.Add(1)
		metrics.BatchFlushesTotal.WithLabelValues("latest", trigger, "error").Inc()
		return fmt.Errorf("flushing latest batch %s: %w", batchID, err)
	}

	a.latestBatches.Add(1)
	metrics.BatchFlushesTotal.WithLabelValues("latest", trigger, "ok").Inc()
	metrics.BatchSize.WithLabelValues("latest").Observe(float64(len(batch)))
	a.bus.Publish(eventbus.TopicBatchFlushed, FlushEvent{
		Kind:    "latest",
		BatchID: batchID,
		Count:   len(batch),
		Trigger: trigger,
	})
	a.logger.Debug("latest batch flushed",
		zap.String("batch_id", batchID),
		zap.Int("count", len(batch)),
		zap.String("trigger", trigger))
	return nil
}

// restoreLatest reinserts a failed snapshot, keeping whichever entry is
// newer: the restored one or what devices submitted since the swap.
func (a *Accumulator) restoreLatest(snapshot map[string]*position.Position) {
	a.mu.Lock()
	for id, p := range snapshot {
		if cur, ok := a.latestMap[id]; !ok || cur.Timestamp.Before(p.Timestamp) {
			a.latestMap[id] = p
		}
	}
	a.mu.Unlock()
}

// Stats returns buffer occupancy and lifetime counters.
func (a *Accumulator) Stats() Stats {
	a.mu.Lock()
	historyLen := len(a.historyBuf)
	latestLen := len(a.latestMap)
	a.mu.Unlock()

	return Stats{
		HistoryBuffered: historyLen,
		LatestBuffered:  latestLen,
		HistoryBatches:  a.historyBatches.Load(),
		LatestBatches:   a.latestBatches.Load(),
		FlushErrors:     a.flushErrors.Load(),
	}
}

// Buffered returns the number of positions currently held in memory
// across both shapes.
func (a *Accumulator) Buffered() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.historyBuf) + len(a.latestMap)
}

// Clear drops both buffers without flushing.
func (a *Accumulator) Clear() {
	a.mu.Lock()
	dropped := len(a.historyBuf) + len(a.latestMap)
	a.historyBuf = nil
	a.latestMap = make(map[string]*position.Position)
	a.mu.Unlock()

	if dropped > 0 {
		a.logger.Warn("accumulator cleared", zap.Int("dropped", dropped))
	}
}

// Shutdown stops the timer loop, waits for pending async flushes under
// the context deadline, then flushes whatever remains buffered.
func (a *Accumulator) Shutdown(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	return a.flushBoth(ctx, "shutdown")
}

func newBatchID(kind string, now time.Time) string {
	return fmt.Sprintf("%s_%d_%s", kind, now.UnixMilli(), uuid.NewString()[:8])
}
