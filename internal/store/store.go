package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	historyKey      = "gps:history:global"
	latestKeyPrefix = "gps:last:"
	batchMetaPrefix = "gps:metadata:batch:"

	batchMetaTTL    = 24 * time.Hour
	statsSampleSize = 1000
	scanBatchSize   = 100
)

// isoMillis matches JavaScript Date.toISOString output: RFC 3339 with
// exactly millisecond precision, always UTC. Every timestamp persisted
// to Redis uses this layout.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// Config holds the retention and cleanup knobs for the Redis layout.
type Config struct {
	MaxHistoryEntries   int
	LatestTTL           time.Duration // 0 disables key expiry
	CleanupEnabled      bool
	MaxDeviceInactivity time.Duration // 0 disables inactivity deletion
	StoreBatchMetadata  bool
}

// Store owns the Redis key layout: the bounded global history list plus
// one latest-position hash per device. All writes for a batch share a
// single pipeline so retention trims ride along with appends.
type Store struct {
	client *redis.Client
	logger *zap.Logger
	cfg    Config
	now    func() time.Time
}

func New(client *redis.Client, logger *zap.Logger, cfg Config) *Store {
	return &Store{
		client: client,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
	}
}

func latestKey(deviceID string) string {
	return latestKeyPrefix + deviceID
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}
