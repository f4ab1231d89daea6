package position

import (
	"math"
	"sync"
	"time"

	"github.com/Luis4nge1/gps-mumlima-back-receiver/internal/metrics"
)

type cacheEntry struct {
	lat float64
	lng float64
	ts  time.Time
}

// dedupCache keeps the last accepted (lat, lng, timestamp) per device.
// The map is bounded: when it grows past max, the oldest-inserted device
// is evicted. Eviction is by insertion order, not recency; accepting a
// newer report refreshes an entry's value but not its eviction slot.
type dedupCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	order   []string
	max     int

	timeThreshold  time.Duration
	coordThreshold float64
}

func newDedupCache(max int, timeThreshold time.Duration, coordThreshold float64) *dedupCache {
	return &dedupCache{
		entries:        make(map[string]cacheEntry, max),
		max:            max,
		timeThreshold:  timeThreshold,
		coordThreshold: coordThreshold,
	}
}

// observe reports whether the position duplicates the device's cached
// entry and, when it does not, replaces the entry. Check and update share
// one critical section so two concurrent identical reports cannot both
// be accepted.
func (c *dedupCache) observe(deviceID string, lat, lng float64, ts time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[deviceID]
	if ok && c.isDuplicate(e, lat, lng, ts) {
		return true
	}

	if !ok {
		if len(c.entries) >= c.max {
			c.evictOldest()
		}
		c.order = append(c.order, deviceID)
	}
	c.entries[deviceID] = cacheEntry{lat: lat, lng: lng, ts: ts}
	metrics.DedupCacheSize.Set(float64(len(c.entries)))
	return false
}

func (c *dedupCache) isDuplicate(e cacheEntry, lat, lng float64, ts time.Time) bool {
	dt := ts.Sub(e.ts)
	if dt < 0 {
		dt = -dt
	}
	return dt <= c.timeThreshold &&
		math.Abs(lat-e.lat) < c.coordThreshold &&
		math.Abs(lng-e.lng) < c.coordThreshold
}

func (c *dedupCache) evictOldest() {
	if len(c.order) == 0 {
		return
	}
	oldest := c.order[0]
	c.order = c.order[1:]
	delete(c.entries, oldest)
}

func (c *dedupCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *dedupCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry, c.max)
	c.order = nil
	metrics.DedupCacheSize.Set(0)
}
