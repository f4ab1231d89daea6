package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Luis4nge1/gps-mumlima-back-receiver/internal/metrics"
)

// Stats summarizes store occupancy. DeviceFrequency is sampled from the
// most recent history entries, not the whole list.
type Stats struct {
	HistoryLength     int64          `json:"history_length"`
	MaxHistoryEntries int            `json:"max_history_entries"`
	UtilizationPct    float64        `json:"utilization_pct"`
	DeviceCount       int            `json:"device_count"`
	SampleSize        int            `json:"sample_size"`
	DeviceFrequency   map[string]int `json:"device_frequency"`
}

// CleanupResult reports what a maintenance pass removed.
type CleanupResult struct {
	HistoryTrimmed int64 `json:"history_trimmed"`
	LatestDeleted  int   `json:"latest_deleted"`
}

// Stats reads history occupancy and counts device records. The per-device
// frequency histogram covers at most statsSampleSize recent entries;
// undecodable entries are skipped rather than failing the whole call.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	pipe := s.client.Pipeline()
	lenCmd := pipe.LLen(ctx, historyKey)
	sampleCmd := pipe.LRange(ctx, historyKey, -statsSampleSize, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("reading history stats: %w", err)
	}

	freq := make(map[string]int)
	for _, raw := range sampleCmd.Val() {
		var rec historyRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		freq[rec.DeviceID]++
	}

	deviceCount := 0
	iter := s.client.Scan(ctx, 0, latestKeyPrefix+"*", scanBatchSize).Iterator()
	for iter.Next(ctx) {
		deviceCount++
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning latest keys: %w", err)
	}

	length := lenCmd.Val()
	utilization := 0.0
	if s.cfg.MaxHistoryEntries > 0 {
		utilization = 100 * float64(length) / float64(s.cfg.MaxHistoryEntries)
	}

	metrics.HistoryLength.Set(float64(length))

	return &Stats{
		HistoryLength:     length,
		MaxHistoryEntries: s.cfg.MaxHistoryEntries,
		UtilizationPct:    utilization,
		DeviceCount:       deviceCount,
		SampleSize:        len(sampleCmd.Val()),
		DeviceFrequency:   freq,
	}, nil
}

// Cleanup re-trims the history list to the retention bound and, when an
// inactivity window is configured, deletes latest records not updated
// within it. Safe to run repeatedly; a second pass removes nothing new.
func (s *Store) Cleanup(ctx context.Context) (*CleanupResult, error) {
	before, err := s.client.LLen(ctx, historyKey).Result()
	if err != nil {
		return nil, fmt.Errorf("reading history length: %w", err)
	}

	res := &CleanupResult{}
	if before > int64(s.cfg.MaxHistoryEntries) {
		if err := s.client.LTrim(ctx, historyKey, int64(-s.cfg.MaxHistoryEntries), -1).Err(); err != nil {
			return nil, fmt.Errorf("trimming history: %w", err)
		}
		res.HistoryTrimmed = before - int64(s.cfg.MaxHistoryEntries)
	}

	if s.cfg.MaxDeviceInactivity > 0 {
		deleted, err := s.deleteInactiveLatest(ctx)
		if err != nil {
			return nil, err
		}
		res.LatestDeleted = deleted
	}

	after := before - res.HistoryTrimmed
	metrics.HistoryLength.Set(float64(after))
	metrics.LatestRecordsCleanedTotal.Add(float64(res.LatestDeleted))

	s.logger.Info("store cleanup finished",
		zap.Int64("history_trimmed", res.HistoryTrimmed),
		zap.Int("latest_deleted", res.LatestDeleted),
		zap.Int64("history_length", after))

	return res, nil
}

// deleteInactiveLatest removes gps:last keys whose updatedAt is older than
// the inactivity bound. Records with an unreadable updatedAt are left alone.
func (s *Store) deleteInactiveLatest(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().Add(-s.cfg.MaxDeviceInactivity)

	var stale []string
	iter := s.client.Scan(ctx, 0, latestKeyPrefix+"*", scanBatchSize).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		updatedAt, err := s.client.HGet(ctx, key, "updatedAt").Result()
		if err != nil {
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, updatedAt)
		if err != nil {
			continue
		}
		if ts.Before(cutoff) {
			stale = append(stale, key)
		}
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("scanning latest keys: %w", err)
	}

	if len(stale) == 0 {
		return 0, nil
	}
	if err := s.client.Del(ctx, stale...).Err(); err != nil {
		return 0, fmt.Errorf("deleting inactive latest records: %w", err)
	}
	return len(stale), nil
}
