// Package coordinator owns the gateway's component lifecycle: it builds
// the processor, accumulator, queues and store against one Redis client,
// runs the submit paths, and enforces the leaves-first shutdown order.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Luis4nge1/gps-mumlima-back-receiver/internal/accumulator"
	"github.com/Luis4nge1/gps-mumlima-back-receiver/internal/config"
	"github.com/Luis4nge1/gps-mumlima-back-receiver/internal/eventbus"
	"github.com/Luis4nge1/gps-mumlima-back-receiver/internal/metrics"
	"github.com/Luis4nge1/gps-mumlima-back-receiver/internal/position"
	"github.com/Luis4nge1/gps-mumlima-back-receiver/internal/queue"
	"github.com/Luis4nge1/gps-mumlima-back-receiver/internal/store"
)

// ErrShuttingDown rejects submissions once shutdown has begun.
var ErrShuttingDown = errors.New("gateway is shutting down")

// Queue tuning that is not exposed through configuration. The latest
// queue retries sooner and keeps smaller inspection rings; that is the
// whole of its "high priority" over the history queue besides worker
// counts.
const (
	historyBackoffBase   = 2 * time.Second
	latestBackoffBase    = time.Second
	historyKeepCompleted = 100
	historyKeepFailed    = 50
	latestKeepCompleted  = 50
	latestKeepFailed     = 25

	healthCheckTimeout = 2 * time.Second
)

// StoreWrittenEvent is published on store.written after a worker lands a
// batch.
type StoreWrittenEvent struct {
	Shape   string `json:"shape"`
	BatchID string `json:"batch_id"`
	Count   int    `json:"count"`
}

// Health aggregates per-component status for the readiness endpoint.
type Health struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

// Stats bundles the per-component statistics surfaced by the stats
// endpoint.
type Stats struct {
	Store             *store.Stats            `json:"store"`
	Queues            map[string]*queue.Stats `json:"queues"`
	Accumulator       accumulator.Stats       `json:"accumulator"`
	DedupCacheDevices int                     `json:"dedup_cache_devices"`
}

// Coordinator wires the ingestion pipeline together and owns its
// lifecycle. Components never hold references back to it.
type Coordinator struct {
	cfg    *config.Config
	logger *zap.Logger
	bus    *eventbus.Bus

	processor   *position.Processor
	accumulator *accumulator.Accumulator
	historyQ    *queue.Queue
	latestQ     *queue.Queue
	store       *store.Store

	stopIntake atomic.Bool
}

// New builds the full pipeline on top of an established Redis client.
// Nothing runs until Start.
func New(cfg *config.Config, client *redis.Client, logger *zap.Logger) *Coordinator {
	bus := eventbus.New(logger.Named("eventbus"))

	st := store.New(client, logger.Named("store"), store.Config{
		MaxHistoryEntries:   cfg.Ingest.MaxHistoryEntries,
		LatestTTL:           time.Duration(cfg.Ingest.LatestKeyTTLSeconds) * time.Second,
		CleanupEnabled:      cfg.Ingest.CleanupEnabled,
		MaxDeviceInactivity: time.Duration(cfg.Ingest.MaxDeviceInactivityMs) * time.Millisecond,
		StoreBatchMetadata:  cfg.Ingest.StoreBatchMetadata,
	})

	c := &Coordinator{
		cfg:    cfg,
		logger: logger,
		bus:    bus,
		store:  st,
	}

	jobTimeout := time.Duration(cfg.Ingest.JobTimeoutMs) * time.Millisecond

	c.historyQ = queue.New(client, queue.Config{
		Name:          queue.HistoryQueueName,
		Concurrency:   cfg.Ingest.HistoryQueueConcurrency,
		MaxAttempts:   cfg.Ingest.JobMaxAttempts,
		BackoffBase:   historyBackoffBase,
		JobTimeout:    jobTimeout,
		KeepCompleted: historyKeepCompleted,
		KeepFailed:    historyKeepFailed,
	}, c.writeHistory, bus, logger)

	c.latestQ = queue.New(client, queue.Config{
		Name:          queue.LatestQueueName,
		Concurrency:   cfg.Ingest.LatestQueueConcurrency,
		MaxAttempts:   cfg.Ingest.JobMaxAttempts,
		BackoffBase:   latestBackoffBase,
		JobTimeout:    jobTimeout,
		KeepCompleted: latestKeepCompleted,
		KeepFailed:    latestKeepFailed,
	}, c.writeLatest, bus, logger)

	c.processor = position.NewProcessor(position.Config{
		DedupEnabled:   cfg.Ingest.DuplicateEnabled,
		TimeThreshold:  time.Duration(cfg.Ingest.DuplicateTimeThresholdMs) * time.Millisecond,
		CoordThreshold: cfg.Ingest.DuplicateCoordinateThreshold,
		CacheSize:      cfg.Ingest.DuplicateCacheSize,
		MaxAge:         time.Duration(cfg.Ingest.MaxAgeMs) * time.Millisecond,
		MaxFuture:      time.Duration(cfg.Ingest.MaxFutureMs) * time.Millisecond,
	}, logger.Named("processor"))

	c.accumulator = accumulator.New(accumulator.Config{
		BatchInterval:    time.Duration(cfg.Ingest.BatchIntervalMs) * time.Millisecond,
		BatchMaxSize:     cfg.Ingest.BatchMaxSize,
		CompressPayloads: cfg.Ingest.CompressPayloads,
	}, c.historyQ, c.latestQ, bus, logger.Named("accumulator"))

	return c
}

// writeHistory is the history queue's job handler.
func (c *Coordinator) writeHistory(ctx context.Context, payload *queue.Payload) error {
	positions, err := payload.Decode()
	if err != nil {
		return err
	}
	if err := c.store.WriteHistoryBatch(ctx, payload.BatchID, positions); err != nil {
		return err
	}
	c.bus.Publish(eventbus.TopicStoreWritten, StoreWrittenEvent{
		Shape:   "history",
		BatchID: payload.BatchID,
		Count:   len(positions),
	})
	return nil
}

// writeLatest is the latest queue's job handler.
func (c *Coordinator) writeLatest(ctx context.Context, payload *queue.Payload) error {
	positions, err := payload.Decode()
	if err != nil {
		return err
	}
	if err := c.store.WriteLatest(ctx, positions); err != nil {
		return err
	}
	c.bus.Publish(eventbus.TopicStoreWritten, StoreWrittenEvent{
		Shape:   "latest",
		BatchID: payload.BatchID,
		Count:   len(positions),
	})
	return nil
}

// Start recovers jobs orphaned by a previous run, then launches the
// queue workers and the flush timer.
func (c *Coordinator) Start(ctx context.Context) error {
	for _, q := range []*queue.Queue{c.historyQ, c.latestQ} {
		if _, err := q.RecoverStalled(ctx); err != nil {
			return fmt.Errorf("recovering stalled jobs: %w", err)
		}
	}

	c.historyQ.Start(ctx)
	c.latestQ.Start(ctx)
	c.accumulator.Start(ctx)

	c.logger.Info("gateway pipeline started",
		zap.Int("history_workers", c.cfg.Ingest.HistoryQueueConcurrency),
		zap.Int("latest_workers", c.cfg.Ingest.LatestQueueConcurrency))
	return nil
}

// Bus exposes the event bus so adapters can attach observers.
func (c *Coordinator) Bus() *eventbus.Bus {
	return c.bus
}

// SubmitPosition runs one raw report through the processor and, when
// accepted, hands it to the accumulator. Returns ErrShuttingDown once
// shutdown has begun.
func (c *Coordinator) SubmitPosition(raw position.Raw) (*position.Position, error) {
	if c.stopIntake.Load() {
		return nil, ErrShuttingDown
	}

	pos, err := c.processor.Process(raw)
	if err != nil {
		if errors.Is(err, position.ErrDuplicate) {
			metrics.PositionsTotal.WithLabelValues("duplicate").Inc()
		} else {
			metrics.PositionsTotal.WithLabelValues("invalid").Inc()
		}
		return nil, err
	}

	c.accumulator.Submit(pos)
	metrics.PositionsTotal.WithLabelValues("accepted").Inc()
	c.bus.Publish(eventbus.TopicPositionProcessed, pos)
	return pos, nil
}

// SubmitBatch processes a batch of raw reports. Invalid entries never
// fail the batch; the result accounts for every report.
func (c *Coordinator) SubmitBatch(raws []position.Raw) (position.BatchResult, error) {
	if c.stopIntake.Load() {
		return position.BatchResult{}, ErrShuttingDown
	}

	res := c.processor.ProcessBatch(raws)
	for _, pos := range res.Accepted {
		c.accumulator.Submit(pos)
		c.bus.Publish(eventbus.TopicPositionProcessed, pos)
	}

	metrics.PositionsTotal.WithLabelValues("accepted").Add(float64(len(res.Accepted)))
	metrics.PositionsTotal.WithLabelValues("duplicate").Add(float64(res.Duplicates))
	metrics.PositionsTotal.WithLabelValues("invalid").Add(float64(len(res.Errors)))
	return res, nil
}

// ForceFlush flushes both accumulator shapes. A nil return means both
// batches were handed to their queues and the buffers are empty.
func (c *Coordinator) ForceFlush(ctx context.Context) error {
	return c.accumulator.ForceFlush(ctx)
}

// Cleanup runs the store maintenance pass.
func (c *Coordinator) Cleanup(ctx context.Context) (*store.CleanupResult, error) {
	res, err := c.store.Cleanup(ctx)
	if err != nil {
		return nil, err
	}
	c.bus.Publish(eventbus.TopicStoreCleaned, res)
	return res, nil
}

// GetLatest returns the stored latest position for one device, nil when
// unknown.
func (c *Coordinator) GetLatest(ctx context.Context, deviceID string) (*store.Latest, error) {
	return c.store.GetLatest(ctx, deviceID)
}

// GetLatestMany returns stored latest positions; missing devices are
// omitted.
func (c *Coordinator) GetLatestMany(ctx context.Context, deviceIDs []string) ([]*store.Latest, error) {
	return c.store.GetLatestMany(ctx, deviceIDs)
}

// Accepting reports whether new submissions are still taken.
func (c *Coordinator) Accepting() bool {
	return !c.stopIntake.Load()
}

// Health pings the store and checks that both queues answer. Intake
// state is reported as its own component so a draining instance shows
// up as degraded.
func (c *Coordinator) Health(ctx context.Context) *Health {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	h := &Health{Status: "ok", Components: map[string]string{}}
	mark := func(name string, err error) {
		if err != nil {
			h.Components[name] = "error"
			h.Status = "degraded"
		} else {
			h.Components[name] = "ok"
		}
	}

	mark("redis", c.store.Ping(ctx))

	_, histErr := c.historyQ.Stats(ctx)
	mark("history_queue", histErr)
	_, latestErr := c.latestQ.Stats(ctx)
	mark("latest_queue", latestErr)

	if c.stopIntake.Load() {
		h.Components["intake"] = "stopped"
		h.Status = "degraded"
	} else {
		h.Components["intake"] = "ok"
	}
	return h
}

// Stats aggregates store occupancy, queue depths, buffer sizes and the
// duplicate-cache population.
func (c *Coordinator) Stats(ctx context.Context) (*Stats, error) {
	storeStats, err := c.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	histStats, err := c.historyQ.Stats(ctx)
	if err != nil {
		return nil, err
	}
	latestStats, err := c.latestQ.Stats(ctx)
	if err != nil {
		return nil, err
	}

	return &Stats{
		Store: storeStats,
		Queues: map[string]*queue.Stats{
			queue.HistoryQueueName: histStats,
			queue.LatestQueueName:  latestStats,
		},
		Accumulator:       c.accumulator.Stats(),
		DedupCacheDevices: c.processor.CacheLen(),
	}, nil
}

// Shutdown stops intake, flushes both batches, drains the queue workers
// under the context deadline, and closes the store connection. Order is
// leaves-first: the flush must run while workers are still up, so the
// accumulator goes down before the queues.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if !c.stopIntake.CompareAndSwap(false, true) {
		return nil
	}
	c.logger.Info("shutting down gateway pipeline")
	c.bus.Publish(eventbus.TopicShutdown, nil)

	var firstErr error
	keep := func(stage string, err error) {
		if err == nil {
			return
		}
		c.logger.Error("shutdown stage failed", zap.String("stage", stage), zap.Error(err))
		if firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", stage, err)
		}
	}

	if err := c.accumulator.Shutdown(ctx); err != nil {
		keep("flushing accumulator", err)
		if n := c.accumulator.Buffered(); n > 0 {
			c.logger.Warn("positions left unflushed at shutdown", zap.Int("count", n))
		}
	}

	keep("draining history queue", c.historyQ.Close(ctx))
	keep("draining latest queue", c.latestQ.Close(ctx))
	keep("closing store", c.store.Close())

	if firstErr == nil {
		c.logger.Info("gateway pipeline stopped")
	}
	return firstErr
}
