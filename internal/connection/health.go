package connection

import (
	"sync"
	"time"
)

// Quality is a coarse rating of the connection.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
	QualityUnknown   Quality = "unknown"
)

// maxLatencies is how many recent ping round trips are kept.
const maxLatencies = 10

// Health tracks ping latencies and failures.
type Health struct {
	mu          sync.Mutex
	latencies   []time.Duration
	successes   int
	failures    int
	lastSuccess time.Time
}

// RecordLatency adds a ping round trip.
func (h *Health) RecordLatency(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.latencies = append(h.latencies, d)
	if len(h.latencies) > maxLatencies {
		h.latencies = h.latencies[1:]
	}
	h.successes++
	h.lastSuccess = time.Now()
}

// RecordFailure counts a failed ping or lost connection.
func (h *Health) RecordFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures++
}

// Reset clears all samples.
func (h *Health) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latencies = nil
	h.successes = 0
	h.failures = 0
	h.lastSuccess = time.Time{}
}

// AverageLatency returns the mean of recent latencies, or false without samples.
func (h *Health) AverageLatency() (time.Duration, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.average()
}

func (h *Health) average() (time.Duration, bool) {
	if len(h.latencies) == 0 {
		return 0, false
	}
	var sum time.Duration
	for _, l := range h.latencies {
		sum += l
	}
	return sum / time.Duration(len(h.latencies)), true
}

// Quality rates the connection from latency and failure rate. At least
// three samples are needed.
func (h *Health) Quality() Quality {
	h.mu.Lock()
	defer h.mu.Unlock()

	avg, ok := h.average()
	if !ok || len(h.latencies) < 3 {
		return QualityUnknown
	}

	var failureRate float64
	if total := h.successes + h.failures; total > 0 {
		failureRate = float64(h.failures) / float64(total)
	}

	switch {
	case avg < 100*time.Millisecond && failureRate < 0.05:
		return QualityExcellent
	case avg < 300*time.Millisecond && failureRate < 0.1:
		return QualityGood
	case avg < time.Second && failureRate < 0.25:
		return QualityFair
	default:
		return QualityPoor
	}
}
