package metrics

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// StatsSource is the flat counter map exposed by the distributed store.
type StatsSource interface {
	Stats(ctx context.Context) (map[string]int64, error)
}

// registryPrefix marks registry operation counters in the stats map.
const registryPrefix = "ContentLocationStore."

// queueOutcomes maps stats keys of the batch queues to metric labels.
var queueOutcomes = map[string][2]string{
	"EvictionQueue.Flushed": {"eviction", "flushed"},
	"EvictionQueue.Failed":  {"eviction", "failed"},
	"EvictionQueue.Dropped": {"eviction", "dropped"},
	"TouchQueue.Flushed":    {"touch", "flushed"},
	"TouchQueue.Failed":     {"touch", "failed"},
	"TouchQueue.Dropped":    {"touch", "dropped"},
}

// replicationStatuses maps replication counters to the status label.
var replicationStatuses = map[string]string{
	"ProactiveReplication.Succeeded": "success",
	"ProactiveReplication.Failed":    "error",
	"ProactiveReplication.Skipped":   "skipped",
	"ProactiveReplication.Rejected":  "rejected",
}

// Collector periodically mirrors store stats into Prometheus metrics.
// Monotonic stats are applied as counter deltas.
type Collector struct {
	metrics *CacheMetrics
	source  StatsSource
	logger  zerolog.Logger

	// Last snapshot for delta calculation
	last map[string]int64
}

// NewCollector creates a new metrics collector.
func NewCollector(m *CacheMetrics, source StatsSource, logger zerolog.Logger) *Collector {
	return &Collector{
		metrics: m,
		source:  source,
		logger:  logger.With().Str("component", "metrics").Logger(),
		last:    make(map[string]int64),
	}
}

// Collect updates all metrics from the current stats.
func (c *Collector) Collect(ctx context.Context) {
	stats, err := c.source.Stats(ctx)
	if err != nil {
		c.logger.Debug().Err(err).Msg("Stats unavailable")
		return
	}

	for key, status := range replicationStatuses {
		c.addDelta(c.metrics.ReplicationCopies.WithLabelValues(status), key, stats)
	}
	c.addDelta(c.metrics.ReplicationIterations, "ProactiveReplication.Iterations", stats)
	c.addDelta(c.metrics.RejectedPushes, "RejectedPushCopyOlderThanEvicted", stats)

	for key, labels := range queueOutcomes {
		c.addDelta(c.metrics.QueueItems.WithLabelValues(labels[0], labels[1]), key, stats)
	}

	for key := range stats {
		if op, ok := strings.CutPrefix(key, registryPrefix); ok {
			c.addDelta(c.metrics.RegistryOps.WithLabelValues(op), key, stats)
		}
	}

	c.addDelta(c.metrics.StoreEvictions, "Evictions", stats)
	c.addDelta(c.metrics.StoreHits, "Hits", stats)
	c.addDelta(c.metrics.StoreMisses, "Misses", stats)
	c.metrics.StoreBlobs.Set(float64(stats["Blobs"]))
	c.metrics.StoreBytes.Set(float64(stats["Bytes"]))
	c.metrics.StorePinned.Set(float64(stats["Pinned"]))

	if wm, ok := stats["LastEvictedEffectiveLastAccessTime"]; ok {
		c.metrics.LastEvicted.Set(float64(time.Unix(0, wm).Unix()))
	}
}

// addDelta adds the growth of stats[key] since the last collection.
func (c *Collector) addDelta(counter prometheus.Counter, key string, stats map[string]int64) {
	v, ok := stats[key]
	if !ok {
		return
	}
	if v > c.last[key] {
		counter.Add(float64(v - c.last[key]))
	}
	c.last[key] = v
}

// Run starts periodic metric collection.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect immediately on start
	c.Collect(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

// ObserveRequest counts one inbound API request.
func (m *CacheMetrics) ObserveRequest(route string, code int) {
	m.Requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// ObserveRegistryRequest counts one registry server request.
func (m *CacheMetrics) ObserveRegistryRequest(op string, code int) {
	m.RegistryRequests.WithLabelValues(op, strconv.Itoa(code)).Inc()
}
