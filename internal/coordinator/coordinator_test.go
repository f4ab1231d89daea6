package coordinator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Luis4nge1/gps-mumlima-back-receiver/internal/config"
	"github.com/Luis4nge1/gps-mumlima-back-receiver/internal/eventbus"
	"github.com/Luis4nge1/gps-mumlima-back-receiver/internal/position"
)

const historyKey = "gps:history:global"

func baseTestConfig(addr string) *config.Config {
	return &config.Config{
		Service: config.ServiceConfig{
			InstanceID:             "test",
			HTTPListen:             ":0",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 5,
		},
		Redis: config.RedisConfig{Addr: addr, PoolSize: 10, MinIdleConns: 1},
		Ingest: config.IngestConfig{
			BatchIntervalMs:         3600000, // flushes are driven by the tests
			BatchMaxSize:            100,
			HistoryQueueConcurrency: 2,
			LatestQueueConcurrency:  2,
			JobMaxAttempts:          1,
			JobTimeoutMs:            5000,
			MaxHistoryEntries:       1000,
			MaxAgeMs:                86400000,
			MaxFutureMs:             300000,

			DuplicateEnabled:             true,
			DuplicateTimeThresholdMs:     1000,
			DuplicateCoordinateThreshold: 0.0001,
			DuplicateCacheSize:           1000,

			CleanupEnabled:      true,
			LatestKeyTTLSeconds: 604800,
		},
	}
}

func newTestCoordinator(t *testing.T, mutate func(*config.Config)) (*Coordinator, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := baseTestConfig(mr.Addr())
	if mutate != nil {
		mutate(cfg)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := New(cfg, client, zap.NewNop())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c.Shutdown(ctx)
	})
	return c, mr, client
}

func waitFor(t *testing.T, timeout time.Duration, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func rawReport(deviceID string, lat, lng float64, ts time.Time) position.Raw {
	return position.Raw{
		"id":        deviceID,
		"lat":       lat,
		"lng":       lng,
		"timestamp": float64(ts.UnixMilli()),
	}
}

func historyLen(client *redis.Client) int64 {
	return client.LLen(context.Background(), historyKey).Val()
}

// Single accept: one submission lands in both store shapes after a flush.
func TestSubmitPositionEndToEnd(t *testing.T) {
	c, _, client := newTestCoordinator(t, nil)
	ctx := context.Background()
	ts := time.Now().Add(-time.Minute).UTC().Truncate(time.Millisecond)

	pos, err := c.SubmitPosition(rawReport("d1", 40.7128, -74.0060, ts))
	if err != nil {
		t.Fatalf("SubmitPosition failed: %v", err)
	}
	if pos.DeviceID != "d1" {
		t.Errorf("DeviceID = %q, want d1", pos.DeviceID)
	}

	if err := c.ForceFlush(ctx); err != nil {
		t.Fatalf("ForceFlush failed: %v", err)
	}

	waitFor(t, 5*time.Second, "history write", func() bool { return historyLen(client) == 1 })

	elems, _ := client.LRange(ctx, historyKey, 0, -1).Result()
	if !strings.Contains(elems[0], `"deviceId":"d1"`) {
		t.Errorf("history element missing device: %s", elems[0])
	}

	waitFor(t, 5*time.Second, "latest write", func() bool {
		l, err := c.GetLatest(ctx, "d1")
		return err == nil && l != nil
	})
	latest, err := c.GetLatest(ctx, "d1")
	if err != nil {
		t.Fatalf("GetLatest failed: %v", err)
	}
	if latest.Lat != 40.7128 || latest.Lng != -74.0060 {
		t.Errorf("latest coords = (%v, %v), want (40.7128, -74.0060)", latest.Lat, latest.Lng)
	}
	if !latest.Timestamp.Equal(ts) {
		t.Errorf("latest timestamp = %v, want %v", latest.Timestamp, ts)
	}
}

// Duplicate collapse: the second identical report is acknowledged but
// not ingested; history grows by exactly one.
func TestDuplicateCollapse(t *testing.T) {
	c, _, client := newTestCoordinator(t, nil)
	ctx := context.Background()
	ts := time.Now().Add(-time.Minute)

	if _, err := c.SubmitPosition(rawReport("d1", 40.7128, -74.0060, ts)); err != nil {
		t.Fatalf("first SubmitPosition failed: %v", err)
	}
	// 200 ms later, same coordinates: inside both duplicate thresholds.
	_, err := c.SubmitPosition(rawReport("d1", 40.7128, -74.0060, ts.Add(200*time.Millisecond)))
	if !errors.Is(err, position.ErrDuplicate) {
		t.Fatalf("second SubmitPosition err = %v, want ErrDuplicate", err)
	}

	if err := c.ForceFlush(ctx); err != nil {
		t.Fatalf("ForceFlush failed: %v", err)
	}
	waitFor(t, 5*time.Second, "history write", func() bool { return historyLen(client) == 1 })
}

// Batch with mixed outcomes: one invalid, one valid, one duplicate.
func TestSubmitBatchMixedOutcomes(t *testing.T) {
	c, _, _ := newTestCoordinator(t, nil)
	now := time.Now()

	res, err := c.SubmitBatch([]position.Raw{
		rawReport("d2", 91, 0, now),                         // invalid lat
		rawReport("d3", 0, 0, now),                          // valid
		rawReport("d3", 0, 0, now.Add(50*time.Millisecond)), // duplicate of the previous
	})
	if err != nil {
		t.Fatalf("SubmitBatch failed: %v", err)
	}

	if len(res.Accepted) != 1 || res.Duplicates != 1 || len(res.Errors) != 1 {
		t.Errorf("accepted=%d duplicates=%d errors=%d, want 1/1/1",
			len(res.Accepted), res.Duplicates, len(res.Errors))
	}
	if len(res.Errors) == 1 {
		if res.Errors[0].Index != 0 || !strings.Contains(res.Errors[0].Reason, "lat") {
			t.Errorf("error = %+v, want index 0 about lat", res.Errors[0])
		}
	}
}

// Latest collapse within one flush window: the timer flush stores only
// the newest of five submissions while history gains all five.
func TestLatestCollapseOnTimerFlush(t *testing.T) {
	c, _, client := newTestCoordinator(t, func(cfg *config.Config) {
		cfg.Ingest.BatchIntervalMs = 50
		cfg.Ingest.DuplicateEnabled = false
	})
	ctx := context.Background()

	base := time.Now().Add(-time.Minute).UTC().Truncate(time.Millisecond)
	for i := 0; i < 5; i++ {
		if _, err := c.SubmitPosition(rawReport("d4", float64(i), float64(i), base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("SubmitPosition %d failed: %v", i, err)
		}
	}

	waitFor(t, 5*time.Second, "timer flush to land", func() bool {
		return historyLen(client) == 5
	})

	waitFor(t, 5*time.Second, "latest write", func() bool {
		l, err := c.GetLatest(ctx, "d4")
		return err == nil && l != nil && l.Lat == 4
	})
	latest, _ := c.GetLatest(ctx, "d4")
	if !latest.Timestamp.Equal(base.Add(4 * time.Second)) {
		t.Errorf("latest timestamp = %v, want the 5th submission's", latest.Timestamp)
	}
}

// Retention enforcement: with a bound of 10, fifteen accepted positions
// leave exactly the last ten in the history.
func TestRetentionEnforcement(t *testing.T) {
	c, _, client := newTestCoordinator(t, func(cfg *config.Config) {
		cfg.Ingest.MaxHistoryEntries = 10
		cfg.Ingest.DuplicateEnabled = false
	})
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	for i := 0; i < 15; i++ {
		if _, err := c.SubmitPosition(rawReport("d5", float64(i), 0, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("SubmitPosition %d failed: %v", i, err)
		}
	}
	if err := c.ForceFlush(ctx); err != nil {
		t.Fatalf("ForceFlush failed: %v", err)
	}

	waitFor(t, 5*time.Second, "trimmed history write", func() bool {
		return historyLen(client) == 10
	})

	elems, _ := client.LRange(ctx, historyKey, 0, -1).Result()
	// Submissions 0..4 fell off the head; 5..14 survive in order.
	if !strings.Contains(elems[0], `"lat":5`) {
		t.Errorf("first retained element = %s, want lat 5", elems[0])
	}
	if !strings.Contains(elems[9], `"lat":14`) {
		t.Errorf("last retained element = %s, want lat 14", elems[9])
	}
}

// Force flush during shutdown: pending positions are written before the
// gateway reports the pipeline stopped.
func TestShutdownFlushesPending(t *testing.T) {
	c, _, client := newTestCoordinator(t, func(cfg *config.Config) {
		cfg.Ingest.DuplicateEnabled = false
	})
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		if _, err := c.SubmitPosition(rawReport("d6", float64(i), 0, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("SubmitPosition %d failed: %v", i, err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := c.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if got := historyLen(client); got != 3 {
		t.Errorf("history length after shutdown = %d, want 3", got)
	}

	// Intake is closed for good.
	if _, err := c.SubmitPosition(rawReport("d6", 9, 9, time.Now())); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("SubmitPosition after shutdown err = %v, want ErrShuttingDown", err)
	}
	if _, err := c.SubmitBatch([]position.Raw{rawReport("d6", 9, 9, time.Now())}); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("SubmitBatch after shutdown err = %v, want ErrShuttingDown", err)
	}
	if c.Accepting() {
		t.Error("Accepting() = true after shutdown")
	}
}

// A failed enqueue leaves the batch in the accumulator; the next flush
// retries it and nothing is lost.
func TestEnqueueFailureIsRetriedNextFlush(t *testing.T) {
	c, mr, client := newTestCoordinator(t, func(cfg *config.Config) {
		cfg.Ingest.DuplicateEnabled = false
	})
	ctx := context.Background()

	if _, err := c.SubmitPosition(rawReport("d7", 1, 1, time.Now().Add(-time.Minute))); err != nil {
		t.Fatalf("SubmitPosition failed: %v", err)
	}

	mr.SetError("redis unavailable")
	if err := c.ForceFlush(ctx); err == nil {
		t.Fatal("ForceFlush succeeded while the queue store was down")
	}
	if buffered := c.accumulator.Buffered(); buffered == 0 {
		t.Fatal("failed batch was not restored to the accumulator")
	}

	mr.SetError("")
	if err := c.ForceFlush(ctx); err != nil {
		t.Fatalf("retry ForceFlush failed: %v", err)
	}
	waitFor(t, 5*time.Second, "history write after retry", func() bool {
		return historyLen(client) == 1
	})
}

func TestCleanup(t *testing.T) {
	c, _, client := newTestCoordinator(t, func(cfg *config.Config) {
		cfg.Ingest.MaxHistoryEntries = 3
	})
	ctx := context.Background()

	// Seed the list past the bound, as if retention had been lowered.
	for i := 0; i < 5; i++ {
		client.RPush(ctx, historyKey, `{"deviceId":"x"}`)
	}

	res, err := c.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if res.HistoryTrimmed != 2 {
		t.Errorf("HistoryTrimmed = %d, want 2", res.HistoryTrimmed)
	}
	if got := historyLen(client); got != 3 {
		t.Errorf("history length = %d, want 3", got)
	}
}

func TestHealthAggregation(t *testing.T) {
	c, mr, _ := newTestCoordinator(t, nil)
	ctx := context.Background()

	h := c.Health(ctx)
	if h.Status != "ok" {
		t.Fatalf("Status = %q, want ok (components %v)", h.Status, h.Components)
	}
	for _, name := range []string{"redis", "history_queue", "latest_queue", "intake"} {
		if h.Components[name] != "ok" {
			t.Errorf("component %s = %q, want ok", name, h.Components[name])
		}
	}

	mr.SetError("down for maintenance")
	h = c.Health(ctx)
	if h.Status != "degraded" {
		t.Errorf("Status = %q with store down, want degraded", h.Status)
	}
	if h.Components["redis"] != "error" {
		t.Errorf("redis component = %q, want error", h.Components["redis"])
	}
	mr.SetError("")
}

func TestStatsAggregation(t *testing.T) {
	c, _, client := newTestCoordinator(t, nil)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	c.SubmitPosition(rawReport("d8", 1, 1, base))
	c.SubmitPosition(rawReport("d9", 2, 2, base))
	if err := c.ForceFlush(ctx); err != nil {
		t.Fatalf("ForceFlush failed: %v", err)
	}
	waitFor(t, 5*time.Second, "writes to land", func() bool {
		return historyLen(client) == 2
	})

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Store.HistoryLength != 2 {
		t.Errorf("store history length = %d, want 2", stats.Store.HistoryLength)
	}
	if _, ok := stats.Queues["history"]; !ok {
		t.Error("missing history queue stats")
	}
	if _, ok := stats.Queues["latest"]; !ok {
		t.Error("missing latest queue stats")
	}
	if stats.DedupCacheDevices != 2 {
		t.Errorf("DedupCacheDevices = %d, want 2", stats.DedupCacheDevices)
	}
	if stats.Accumulator.HistoryBuffered != 0 {
		t.Errorf("HistoryBuffered = %d after flush, want 0", stats.Accumulator.HistoryBuffered)
	}
}

func TestStoreWrittenEventsPublished(t *testing.T) {
	c, _, client := newTestCoordinator(t, nil)
	ctx := context.Background()

	events := make(chan StoreWrittenEvent, 4)
	c.Bus().Subscribe(eventbus.TopicStoreWritten, func(topic string, data any) {
		events <- data.(StoreWrittenEvent)
	})

	c.SubmitPosition(rawReport("d10", 1, 1, time.Now().Add(-time.Minute)))
	if err := c.ForceFlush(ctx); err != nil {
		t.Fatalf("ForceFlush failed: %v", err)
	}
	waitFor(t, 5*time.Second, "history write", func() bool { return historyLen(client) == 1 })

	shapes := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-events:
			shapes[ev.Shape] = true
			if ev.Count != 1 {
				t.Errorf("event count = %d, want 1", ev.Count)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("saw %d store.written events, want 2", i)
		}
	}
	if !shapes["history"] || !shapes["latest"] {
		t.Errorf("shapes = %v, want history and latest", shapes)
	}
}
