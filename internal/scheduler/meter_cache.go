package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/skylapse/brain/internal/exposure"
	"github.com/skylapse/brain/pkg/cache"
)

// MeterCache remembers the last meter reading fetched from each node, TTL'd
// per spec §4.6 ("if the last cached reading is older than meter_ttl,
// fetch /meter first"). Backed by Redis so every scheduler replica shares
// one view, the same way the teacher's NodeLoadTracker shares per-node
// counters across control-plane replicas.
type MeterCache struct {
	redis *cache.Cache
	ttl   time.Duration
}

// NewMeterCache returns a MeterCache with the given TTL.
func NewMeterCache(redis *cache.Cache, ttl time.Duration) *MeterCache {
	return &MeterCache{redis: redis, ttl: ttl}
}

func meterKey(nodeID string) string {
	return fmt.Sprintf("brain:meter:%s", nodeID)
}

// Get returns the cached reading for nodeID, and whether it is still fresh.
func (m *MeterCache) Get(ctx context.Context, nodeID string) (exposure.MeterReading, bool) {
	raw, err := m.redis.Get(ctx, meterKey(nodeID))
	if err != nil {
		return exposure.MeterReading{}, false
	}
	var reading exposure.MeterReading
	if err := json.Unmarshal([]byte(raw), &reading); err != nil {
		return exposure.MeterReading{}, false
	}
	return reading, true
}

// Put stores a freshly fetched reading with the configured TTL.
func (m *MeterCache) Put(ctx context.Context, nodeID string, reading exposure.MeterReading) error {
	data, err := json.Marshal(reading)
	if err != nil {
		return err
	}
	return m.redis.Set(ctx, meterKey(nodeID), string(data), m.ttl)
}
