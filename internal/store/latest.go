package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Luis4nge1/gps-mumlima-back-receiver/internal/metrics"
	"github.com/Luis4nge1/gps-mumlima-back-receiver/internal/position"
)

// Latest is a device's most recent position as stored in its gps:last hash.
type Latest struct {
	DeviceID   string         `json:"deviceId"`
	Lat        float64        `json:"lat"`
	Lng        float64        `json:"lng"`
	Timestamp  time.Time      `json:"timestamp"`
	ReceivedAt time.Time      `json:"receivedAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
	Metadata   map[string]any `json:"metadata"`
}

// WriteLatest overwrites each device's latest-position hash. The input is
// collapsed to the newest report per device first, so one pipeline never
// writes the same key twice. Later entries win timestamp ties.
func (s *Store) WriteLatest(ctx context.Context, positions []*position.Position) error {
	if len(positions) == 0 {
		return nil
	}

	start := time.Now()

	newest := make(map[string]*position.Position, len(positions))
	for _, p := range positions {
		if cur, ok := newest[p.DeviceID]; ok && cur.Timestamp.After(p.Timestamp) {
			continue
		}
		newest[p.DeviceID] = p
	}

	updatedAt := s.now().UTC().Format(isoMillis)

	pipe := s.client.Pipeline()
	for _, p := range newest {
		md := p.Metadata
		if md == nil {
			md = map[string]any{}
		}
		mdJSON, err := json.Marshal(md)
		if err != nil {
			return fmt.Errorf("encoding metadata for %s: %w", p.DeviceID, err)
		}
		key := latestKey(p.DeviceID)
		pipe.HSet(ctx, key, map[string]any{
			"deviceId":   p.DeviceID,
			"lat":        strconv.FormatFloat(p.Lat, 'f', -1, 64),
			"lng":        strconv.FormatFloat(p.Lng, 'f', -1, 64),
			"timestamp":  p.Timestamp.UTC().Format(isoMillis),
			"receivedAt": p.ReceivedAt.UTC().Format(isoMillis),
			"updatedAt":  updatedAt,
			"metadata":   string(mdJSON),
		})
		if s.cfg.CleanupEnabled && s.cfg.LatestTTL > 0 {
			pipe.Expire(ctx, key, s.cfg.LatestTTL)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("writing latest positions: %w", err)
	}

	metrics.StoreWriteDuration.WithLabelValues("latest").Observe(time.Since(start).Seconds())
	metrics.StorePositionsWrittenTotal.WithLabelValues("latest").Add(float64(len(newest)))

	return nil
}

// GetLatest returns the stored latest position for a device, or nil when
// the device has none.
func (s *Store) GetLatest(ctx context.Context, deviceID string) (*Latest, error) {
	fields, err := s.client.HGetAll(ctx, latestKey(deviceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading latest for %s: %w", deviceID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	l, err := decodeLatest(fields)
	if err != nil {
		return nil, fmt.Errorf("decoding latest for %s: %w", deviceID, err)
	}
	return l, nil
}

// GetLatestMany fetches latest positions for several devices in one
// pipeline. Devices without a record are omitted from the result.
func (s *Store) GetLatestMany(ctx context.Context, deviceIDs []string) ([]*Latest, error) {
	if len(deviceIDs) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(deviceIDs))
	for i, id := range deviceIDs {
		cmds[i] = pipe.HGetAll(ctx, latestKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("reading latest positions: %w", err)
	}

	out := make([]*Latest, 0, len(deviceIDs))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		l, err := decodeLatest(fields)
		if err != nil {
			return nil, fmt.Errorf("decoding latest for %s: %w", deviceIDs[i], err)
		}
		out = append(out, l)
	}
	return out, nil
}

func decodeLatest(fields map[string]string) (*Latest, error) {
	lat, err := strconv.ParseFloat(fields["lat"], 64)
	if err != nil {
		return nil, fmt.Errorf("parsing lat: %w", err)
	}
	lng, err := strconv.ParseFloat(fields["lng"], 64)
	if err != nil {
		return nil, fmt.Errorf("parsing lng: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, fields["timestamp"])
	if err != nil {
		return nil, fmt.Errorf("parsing timestamp: %w", err)
	}
	receivedAt, err := time.Parse(time.RFC3339Nano, fields["receivedAt"])
	if err != nil {
		return nil, fmt.Errorf("parsing receivedAt: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, fields["updatedAt"])
	if err != nil {
		return nil, fmt.Errorf("parsing updatedAt: %w", err)
	}

	md := map[string]any{}
	if raw := fields["metadata"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &md); err != nil {
			return nil, fmt.Errorf("parsing metadata: %w", err)
		}
	}

	return &Latest{
		DeviceID:   fields["deviceId"],
		Lat:        lat,
		Lng:        lng,
		Timestamp:  ts,
		ReceivedAt: receivedAt,
		UpdatedAt:  updatedAt,
		Metadata:   md,
	}, nil
}
