package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Luis4nge1/gps-mumlima-back-receiver/internal/metrics"
	"github.com/Luis4nge1/gps-mumlima-back-receiver/internal/position"
)

// historyRecord is the JSON shape of one gps:history:global list element.
// Field order is part of the stored format.
type historyRecord struct {
	DeviceID   string         `json:"deviceId"`
	Lat        float64        `json:"lat"`
	Lng        float64        `json:"lng"`
	Timestamp  string         `json:"timestamp"`
	ReceivedAt string         `json:"receivedAt"`
	BatchID    string         `json:"batchId"`
	Metadata   map[string]any `json:"metadata"`
}

func encodeHistory(p *position.Position, batchID string) ([]byte, error) {
	md := p.Metadata
	if md == nil {
		md = map[string]any{}
	}
	return json.Marshal(historyRecord{
		DeviceID:   p.DeviceID,
		Lat:        p.Lat,
		Lng:        p.Lng,
		Timestamp:  p.Timestamp.UTC().Format(isoMillis),
		ReceivedAt: p.ReceivedAt.UTC().Format(isoMillis),
		BatchID:    batchID,
		Metadata:   md,
	})
}

// batchDescriptor is the optional gps:metadata:batch:<id> value.
type batchDescriptor struct {
	BatchID  string `json:"batchId"`
	Count    int    `json:"count"`
	StoredAt string `json:"storedAt"`
}

// WriteHistoryBatch appends every position to the global history list and
// trims it to the retention bound in the same pipeline round trip, so the
// list never stays over max_history_entries between calls.
func (s *Store) WriteHistoryBatch(ctx context.Context, batchID string, positions []*position.Position) error {
	if len(positions) == 0 {
		return nil
	}

	start := time.Now()

	vals := make([]any, 0, len(positions))
	for _, p := range positions {
		enc, err := encodeHistory(p, batchID)
		if err != nil {
			return fmt.Errorf("encoding history record: %w", err)
		}
		vals = append(vals, enc)
	}

	pipe := s.client.Pipeline()
	pipe.RPush(ctx, historyKey, vals...)
	pipe.LTrim(ctx, historyKey, int64(-s.cfg.MaxHistoryEntries), -1)
	lenCmd := pipe.LLen(ctx, historyKey)
	if s.cfg.StoreBatchMetadata {
		desc, err := json.Marshal(batchDescriptor{
			BatchID:  batchID,
			Count:    len(positions),
			StoredAt: s.now().UTC().Format(isoMillis),
		})
		if err != nil {
			return fmt.Errorf("encoding batch descriptor: %w", err)
		}
		pipe.Set(ctx, batchMetaPrefix+batchID, desc, batchMetaTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("writing history batch: %w", err)
	}

	metrics.HistoryLength.Set(float64(lenCmd.Val()))
	metrics.StoreWriteDuration.WithLabelValues("history").Observe(time.Since(start).Seconds())
	metrics.StorePositionsWrittenTotal.WithLabelValues("history").Add(float64(len(positions)))

	s.logger.Debug("history batch written",
		zap.String("batch_id", batchID),
		zap.Int("positions", len(positions)),
		zap.Int64("history_length", lenCmd.Val()))

	return nil
}
