package position

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"time"

	"github.com/Luis4nge1/gps-mumlima-back-receiver/internal/metrics"
	"go.uber.org/zap"
)

var validDeviceID = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// liftedKeys are recognized top-level report fields copied into metadata.
var liftedKeys = []string{"speed", "heading", "altitude", "accuracy"}

// Config controls validation windows and the duplicate filter.
type Config struct {
	DedupEnabled   bool
	TimeThreshold  time.Duration
	CoordThreshold float64
	CacheSize      int
	MaxAge         time.Duration
	MaxFuture      time.Duration
}

// DefaultConfig mirrors the gateway's shipped defaults: 1 s / ~10 m
// duplicate thresholds, 1000-device cache, 24 h past and 5 min future
// timestamp window.
func DefaultConfig() Config {
	return Config{
		DedupEnabled:   true,
		TimeThreshold:  time.Second,
		CoordThreshold: 1e-4,
		CacheSize:      1000,
		MaxAge:         24 * time.Hour,
		MaxFuture:      5 * time.Minute,
	}
}

// Processor normalizes raw reports into canonical Positions, validates
// them, and filters near-identical duplicates per device.
type Processor struct {
	cfg    Config
	cache  *dedupCache
	logger *zap.Logger
	now    func() time.Time
}

func NewProcessor(cfg Config, logger *zap.Logger) *Processor {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultConfig().CacheSize
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultConfig().MaxAge
	}
	if cfg.MaxFuture <= 0 {
		cfg.MaxFuture = DefaultConfig().MaxFuture
	}
	return &Processor{
		cfg:    cfg,
		cache:  newDedupCache(cfg.CacheSize, cfg.TimeThreshold, cfg.CoordThreshold),
		logger: logger,
		now:    time.Now,
	}
}

// Process normalizes and validates one raw report. It returns the
// canonical Position, ErrDuplicate for an acknowledged non-ingest, or an
// *InvalidError carrying every failed field.
func (p *Processor) Process(raw Raw) (*Position, error) {
	now := p.now()

	pos, fieldErrs := p.normalize(raw, now)
	if len(fieldErrs) > 0 {
		for _, fe := range fieldErrs {
			metrics.ValidationErrorsTotal.WithLabelValues(fe.Field).Inc()
		}
		invErr := &InvalidError{Fields: fieldErrs}
		p.logger.Debug("rejected position", zap.String("reason", invErr.Error()))
		return nil, invErr
	}

	if p.cfg.DedupEnabled && p.cache.observe(pos.DeviceID, pos.Lat, pos.Lng, pos.Timestamp) {
		return nil, ErrDuplicate
	}

	return pos, nil
}

// ProcessBatch runs Process over each report. Invalid entries never fail
// the batch; every outcome is accounted for in the result.
func (p *Processor) ProcessBatch(raws []Raw) BatchResult {
	res := BatchResult{}
	for i, raw := range raws {
		pos, err := p.Process(raw)
		switch {
		case err == nil:
			res.Accepted = append(res.Accepted, pos)
		case err == ErrDuplicate:
			res.Duplicates++
		default:
			res.Errors = append(res.Errors, BatchError{Index: i, Reason: err.Error()})
		}
	}
	return res
}

// CacheLen reports how many devices the duplicate cache tracks.
func (p *Processor) CacheLen() int {
	return p.cache.len()
}

// ResetCache drops all cached duplicate entries.
func (p *Processor) ResetCache() {
	p.cache.clear()
}

func (p *Processor) normalize(raw Raw, now time.Time) (*Position, []FieldError) {
	var fieldErrs []FieldError

	deviceID := firstString(raw, "device_id", "id")
	switch {
	case deviceID == "":
		fieldErrs = append(fieldErrs, FieldError{Field: "device_id", Reason: "missing"})
	case len(deviceID) > MaxDeviceIDLen:
		fieldErrs = append(fieldErrs, FieldError{Field: "device_id", Reason: fmt.Sprintf("exceeds %d characters", MaxDeviceIDLen)})
	case !validDeviceID.MatchString(deviceID):
		fieldErrs = append(fieldErrs, FieldError{Field: "device_id", Reason: "must match [A-Za-z0-9_-]+"})
	}

	lat, err := coordinateField(raw, -90, 90, "lat", "latitude")
	if err != nil {
		fieldErrs = append(fieldErrs, FieldError{Field: "lat", Reason: err.Error()})
	}
	lng, err := coordinateField(raw, -180, 180, "lng", "longitude")
	if err != nil {
		fieldErrs = append(fieldErrs, FieldError{Field: "lng", Reason: err.Error()})
	}

	ts, err := timestampField(raw, now)
	if err != nil {
		fieldErrs = append(fieldErrs, FieldError{Field: "timestamp", Reason: err.Error()})
	} else if ts.Before(now.Add(-p.cfg.MaxAge)) {
		fieldErrs = append(fieldErrs, FieldError{Field: "timestamp", Reason: fmt.Sprintf("older than %s", p.cfg.MaxAge)})
	} else if ts.After(now.Add(p.cfg.MaxFuture)) {
		fieldErrs = append(fieldErrs, FieldError{Field: "timestamp", Reason: fmt.Sprintf("more than %s in the future", p.cfg.MaxFuture)})
	}

	if len(fieldErrs) > 0 {
		return nil, fieldErrs
	}

	return &Position{
		DeviceID:   deviceID,
		Lat:        lat,
		Lng:        lng,
		Timestamp:  ts,
		ReceivedAt: now,
		Metadata:   buildMetadata(raw),
	}, nil
}

// buildMetadata merges the explicit metadata object with lifted
// top-level keys. User-supplied metadata keys win over lifted ones.
func buildMetadata(raw Raw) map[string]any {
	md := make(map[string]any)
	if m, ok := raw["metadata"].(map[string]any); ok {
		for k, v := range m {
			md[k] = v
		}
	}
	for _, k := range liftedKeys {
		if _, taken := md[k]; taken {
			continue
		}
		if v, ok := raw[k]; ok {
			md[k] = v
		}
	}
	return md
}

// Helper functions for safe field extraction from raw reports.

func firstString(m Raw, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			switch s := v.(type) {
			case string:
				return s
			case float64:
				return strconv.FormatFloat(s, 'f', -1, 64)
			}
		}
	}
	return ""
}

func coordinateField(m Raw, min, max float64, keys ...string) (float64, error) {
	for _, key := range keys {
		v, ok := m[key]
		if !ok {
			continue
		}
		f, ok := numberValue(v)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, fmt.Errorf("not a number")
		}
		if f < min || f > max {
			return 0, fmt.Errorf("out of range [%g, %g]", min, max)
		}
		return f, nil
	}
	return 0, fmt.Errorf("missing")
}

func numberValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// timestampField resolves the report timestamp: absent defaults to now,
// numbers are epoch milliseconds, strings are RFC 3339 or a numeric
// epoch-millisecond string.
func timestampField(m Raw, now time.Time) (time.Time, error) {
	v, ok := m["timestamp"]
	if !ok || v == nil {
		return now, nil
	}
	switch t := v.(type) {
	case float64:
		return time.UnixMilli(int64(t)).UTC(), nil
	case int64:
		return time.UnixMilli(t).UTC(), nil
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed.UTC(), nil
		}
		if ms, err := strconv.ParseInt(t, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), nil
		}
		return time.Time{}, fmt.Errorf("unparseable")
	}
	return time.Time{}, fmt.Errorf("unparseable")
}
