// Package metrics provides Prometheus metrics for casmesh nodes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all casmesh metrics.
var Registry = prometheus.NewRegistry()

// CacheMetrics holds all Prometheus metrics for a casmesh node.
type CacheMetrics struct {
	// Proactive replication (counters)
	ReplicationCopies     *prometheus.CounterVec // labels: status
	ReplicationIterations prometheus.Counter

	// Push admission
	RejectedPushes prometheus.Counter
	// LastEvicted is the eviction watermark as a Unix timestamp.
	LastEvicted prometheus.Gauge

	// Batch queues, labels: queue, outcome
	QueueItems *prometheus.CounterVec

	// Registry operations issued by this node, labels: op
	RegistryOps *prometheus.CounterVec

	// Local store
	StoreBlobs     prometheus.Gauge
	StoreBytes     prometheus.Gauge
	StorePinned    prometheus.Gauge
	StoreEvictions prometheus.Counter
	StoreHits      prometheus.Counter
	StoreMisses    prometheus.Counter

	// Inbound peer API, labels: route, code
	Requests *prometheus.CounterVec
	// Registry server requests when this node serves the registry, labels: op, code
	RegistryRequests *prometheus.CounterVec

	// Node info (constant labels exposed as a gauge)
	NodeInfo *prometheus.GaugeVec // labels: node, version
}

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// InitMetrics initializes all metrics with the given node name as a constant
// label. It must be called once per Registry.
func InitMetrics(nodeName, version string) *CacheMetrics {
	constLabels := prometheus.Labels{
		"node": nodeName,
	}
	factory := promauto.With(Registry)

	m := &CacheMetrics{
		ReplicationCopies: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "casmesh_replication_copies_total",
			Help:        "Proactive replication copies by outcome",
			ConstLabels: constLabels,
		}, []string{"status"}),
		ReplicationIterations: factory.NewCounter(prometheus.CounterOpts{
			Name:        "casmesh_replication_iterations_total",
			Help:        "Proactive replication iterations started",
			ConstLabels: constLabels,
		}),

		RejectedPushes: factory.NewCounter(prometheus.CounterOpts{
			Name:        "casmesh_rejected_pushes_older_than_evicted_total",
			Help:        "Peer pushes rejected because the content is older than the last evicted content",
			ConstLabels: constLabels,
		}),
		LastEvicted: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "casmesh_last_evicted_effective_last_access_seconds",
			Help:        "Effective last-access time of the most recently evicted content (Unix seconds)",
			ConstLabels: constLabels,
		}),

		QueueItems: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "casmesh_queue_items_total",
			Help:        "Batch queue items by queue and outcome (flushed, failed, dropped)",
			ConstLabels: constLabels,
		}, []string{"queue", "outcome"}),

		RegistryOps: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "casmesh_registry_operations_total",
			Help:        "Location registry operations issued by this node",
			ConstLabels: constLabels,
		}, []string{"op"}),

		StoreBlobs: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "casmesh_store_blobs",
			Help:        "Number of blobs held by the local store",
			ConstLabels: constLabels,
		}),
		StoreBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "casmesh_store_bytes",
			Help:        "Uncompressed bytes held by the local store",
			ConstLabels: constLabels,
		}),
		StorePinned: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "casmesh_store_pinned_blobs",
			Help:        "Number of blobs pinned by a session",
			ConstLabels: constLabels,
		}),
		StoreEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name:        "casmesh_store_evictions_total",
			Help:        "Blobs removed by quota eviction",
			ConstLabels: constLabels,
		}),
		StoreHits: factory.NewCounter(prometheus.CounterOpts{
			Name:        "casmesh_store_hits_total",
			Help:        "Local store reads that found the content",
			ConstLabels: constLabels,
		}),
		StoreMisses: factory.NewCounter(prometheus.CounterOpts{
			Name:        "casmesh_store_misses_total",
			Help:        "Local store reads that missed",
			ConstLabels: constLabels,
		}),

		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "casmesh_api_requests_total",
			Help:        "Inbound peer API requests by route and status code",
			ConstLabels: constLabels,
		}, []string{"route", "code"}),
		RegistryRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "casmesh_registry_server_requests_total",
			Help:        "Registry server requests by operation and status code",
			ConstLabels: constLabels,
		}, []string{"op", "code"}),

		NodeInfo: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "casmesh_node_info",
			Help: "Node information (value is always 1)",
		}, []string{"node", "version"}),
	}

	m.NodeInfo.WithLabelValues(nodeName, version).Set(1)

	return m
}

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
