// Package metrics provides the Prometheus collectors logpipe exports. Every
// stage records into the package-level vectors; the gateway serves them on
// /metrics.
//
// # Overview
//
// The metrics package provides:
//   - Pre-registered collectors for ingestion, parsing, queueing, persistence
//     and broadcast
//   - A Timer for flush latency
//   - A ThroughputTracker for per-group persisted records per second
//
// # Basic Usage
//
//	// Count an accepted submission
//	metrics.Ingested.WithLabelValues("json", metrics.StatusQueued).Inc()
//
//	// Time a batch flush
//	timer := metrics.NewTimer("flush")
//	flush(batch)
//	metrics.BatchFlushSeconds.Observe(timer.Stop().Seconds())
//
// # Metric Types
//
// Counter: Monotonically increasing values (e.g., records persisted)
// Gauge: Values that can go up or down (e.g., queue depth, hub clients)
// Histogram: Distribution of values (e.g., flush latency)
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label values shared across collectors.
const (
	StatusQueued   = "queued"
	StatusRejected = "rejected"
	StatusFailed   = "failed"
	StatusSuccess  = "success"
	StatusPoison   = "poison"
	StatusDropped  = "dropped"
)

var (
	// Ingested counts submissions by detected format and outcome.
	// Labels: format (json, syslog_rfc5424, ..., canonical), status (queued/rejected/failed)
	//
	// Example:
	//	metrics.Ingested.WithLabelValues("apache_combined", metrics.StatusQueued).Inc()
	Ingested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logpipe_ingested_total",
			Help: "Total number of submissions handled by the gateway",
		},
		[]string{"format", "status"},
	)

	// ParseFailures counts raw lines the registry could not normalize.
	// Labels: kind (no_format_matched/malformed_field)
	ParseFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logpipe_parse_failures_total",
			Help: "Total number of raw lines that failed to parse",
		},
		[]string{"kind"},
	)

	// QueueDepth tracks the last observed queue length.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "logpipe_queue_depth",
			Help: "Current number of entries retained by the queue",
		},
	)

	// BatchFlushSeconds tracks how long a worker flush takes, retries included.
	BatchFlushSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "logpipe_batch_flush_seconds",
			Help: "Batch flush duration in seconds",
			Buckets: []float64{
				0.001, // 1ms - in-memory sinks
				0.01,  // 10ms - local database
				0.05,  // 50ms - typical batch insert
				0.1,   // 100ms
				0.5,   // 500ms - large batches
				1,     // 1s
				5,     // 5s - retries under backoff
				30,    // 30s
			},
		},
	)

	// RecordsPersisted counts records by persistence outcome.
	// Labels: status (success/poison/failed)
	RecordsPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logpipe_records_persisted_total",
			Help: "Total number of records handled by worker flushes",
		},
		[]string{"status"},
	)

	// WorkerAlerts counts operator alerts raised by the worker pool.
	// Labels: reason (poison_message/persist_failed/ack_failed)
	WorkerAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logpipe_worker_alerts_total",
			Help: "Total number of alerts raised by workers",
		},
		[]string{"reason"},
	)

	// BroadcastEvents counts broadcast publications and fan-out drops.
	// Labels: status (success/failed/dropped)
	BroadcastEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logpipe_broadcast_events_total",
			Help: "Total number of broadcast events by outcome",
		},
		[]string{"status"},
	)

	// HubClients tracks connected live subscribers.
	HubClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "logpipe_hub_clients",
			Help: "Number of connected websocket subscribers",
		},
	)

	// HubResubscribes counts broadcast subscriptions the hub had to renew.
	HubResubscribes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "logpipe_hub_resubscribes_total",
			Help: "Total number of lost broadcast subscriptions renewed by the hub",
		},
	)

	// ClientRequests counts requests sent by the shipper's HTTP client.
	// Labels: status (success/failed/rejected)
	ClientRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logpipe_client_requests_total",
			Help: "Total number of outbound gateway requests by outcome",
		},
		[]string{"status"},
	)

	// Throughput tracks persisted records per second.
	Throughput = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "logpipe_throughput_records_per_second",
			Help: "Current persisted records per second",
		},
		[]string{"group"},
	)
)

// Timer measures an operation from creation.
type Timer struct {
	start time.Time
	name  string
}

// NewTimer starts a timer. The name is for identification in logs.
func NewTimer(name string) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
	}
}

// Name returns the timer's name.
func (t *Timer) Name() string { return t.name }

// Stop returns the elapsed time since creation. It may be called repeatedly.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// ThroughputTracker computes records per second over reporting windows.
// Safe for concurrent use.
type ThroughputTracker struct {
	mu        sync.Mutex
	count     int64
	lastReset time.Time
	group     string
}

// NewThroughputTracker creates a tracker reporting under group.
//
// Example:
//
//	tracker := metrics.NewThroughputTracker("log-processors")
//	tracker.Increment(int64(len(batch)))
//	perSecond := tracker.GetAndReset()
func NewThroughputTracker(group string) *ThroughputTracker {
	return &ThroughputTracker{
		lastReset: time.Now(),
		group:     group,
	}
}

// Increment adds n to the current window.
func (t *ThroughputTracker) Increment(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count += n
}

// GetAndReset returns the rate over the window since the last reset,
// publishes it to the Throughput gauge and starts a new window.
func (t *ThroughputTracker) GetAndReset() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.lastReset).Seconds()
	if elapsed == 0 {
		return 0
	}

	throughput := float64(t.count) / elapsed
	t.count = 0
	t.lastReset = time.Now()

	Throughput.WithLabelValues(t.group).Set(throughput)
	return throughput
}
