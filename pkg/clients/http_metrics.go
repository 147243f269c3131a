package clients

import (
	"sort"
	"sync"
	"time"

	"github.com/ajitpratap0/logpipe/pkg/metrics"
)

const maxLatencySamples = 1000

// HTTPMetrics tracks request outcomes and latency for one client. Outcomes
// are also exported through metrics.ClientRequests.
type HTTPMetrics struct {
	mu sync.Mutex

	totalRequests      int64
	successfulRequests int64
	failedRequests     int64
	rejectedRequests   int64
	errorsByStatus     map[int]int64

	samples     []time.Duration
	sampleIndex int
	sampleCount int
}

// NewHTTPMetrics creates an empty tracker.
func NewHTTPMetrics() *HTTPMetrics {
	return &HTTPMetrics{
		errorsByStatus: make(map[int]int64),
		samples:        make([]time.Duration, maxLatencySamples),
	}
}

// RecordRequest records one attempt. status is the HTTP status code, or 0
// when no response was received.
func (hm *HTTPMetrics) RecordRequest(status int, latency time.Duration, failed bool) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.totalRequests++
	if failed {
		hm.failedRequests++
		hm.errorsByStatus[status]++
		metrics.ClientRequests.WithLabelValues(metrics.StatusFailed).Inc()
	} else {
		hm.successfulRequests++
		metrics.ClientRequests.WithLabelValues(metrics.StatusSuccess).Inc()
	}

	hm.samples[hm.sampleIndex] = latency
	hm.sampleIndex = (hm.sampleIndex + 1) % len(hm.samples)
	if hm.sampleCount < len(hm.samples) {
		hm.sampleCount++
	}
}

// RecordRejected records a request refused locally by the breaker or the
// rate limiter.
func (hm *HTTPMetrics) RecordRejected() {
	hm.mu.Lock()
	hm.rejectedRequests++
	hm.mu.Unlock()
	metrics.ClientRequests.WithLabelValues(metrics.StatusRejected).Inc()
}

// GetAverageLatency returns the mean over retained samples.
func (hm *HTTPMetrics) GetAverageLatency() time.Duration {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if hm.sampleCount == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range hm.samples[:hm.sampleCount] {
		total += s
	}
	return total / time.Duration(hm.sampleCount)
}

// GetP95Latency returns the 95th percentile latency
func (hm *HTTPMetrics) GetP95Latency() time.Duration {
	return hm.percentile(0.95)
}

// GetP99Latency returns the 99th percentile latency
func (hm *HTTPMetrics) GetP99Latency() time.Duration {
	return hm.percentile(0.99)
}

func (hm *HTTPMetrics) percentile(p float64) time.Duration {
	hm.mu.Lock()
	sorted := make([]time.Duration, hm.sampleCount)
	copy(sorted, hm.samples[:hm.sampleCount])
	hm.mu.Unlock()

	if len(sorted) == 0 {
		return 0
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[int(float64(len(sorted)-1)*p)]
}

// GetErrorStats returns failure counts by status code; 0 counts transport
// errors.
func (hm *HTTPMetrics) GetErrorStats() map[int]int64 {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	out := make(map[int]int64, len(hm.errorsByStatus))
	for status, n := range hm.errorsByStatus {
		out[status] = n
	}
	return out
}

func (hm *HTTPMetrics) counts() (total, failed, rejected int64) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	return hm.totalRequests, hm.failedRequests, hm.rejectedRequests
}
