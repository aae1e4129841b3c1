package metrics

import (
	"sync"
	"time"

	"github.com/streamledger/chatstream/internal/stream"
)

// Collector collects and exports metrics for Prometheus.
// This implementation uses manual metric tracking without external dependencies.
// For production, consider integrating prometheus/client_golang.
type Collector struct {
	mu sync.RWMutex

	// Request metrics
	totalRequests    map[string]int64 // by endpoint
	totalRequestsDur map[string]int64 // total duration in ms
	requestErrors    map[string]int64 // by endpoint

	// Session metrics
	sessionsStarted  map[string]int64 // by model
	sessionsByStatus map[string]int64 // terminal sessions by status
	sessionsActive   int64

	// Token metrics
	totalTokensStreamed int64
	tokensByModel       map[string]int64

	// Credit metrics
	totalCreditsCharged  int64
	totalCreditsRefunded int64

	// Hub metrics
	observersDropped int64

	// System metrics
	startTime time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		totalRequests:    make(map[string]int64),
		totalRequestsDur: make(map[string]int64),
		requestErrors:    make(map[string]int64),
		sessionsStarted:  make(map[string]int64),
		sessionsByStatus: make(map[string]int64),
		tokensByModel:    make(map[string]int64),
		startTime:        time.Now(),
	}
}

// RecordRequest records a request to an endpoint.
func (c *Collector) RecordRequest(endpoint string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalRequests[endpoint]++
	c.totalRequestsDur[endpoint] += duration.Milliseconds()
}

// RecordError records an error for an endpoint.
func (c *Collector) RecordError(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestErrors[endpoint]++
}

// RecordSessionStart records a session entering the streaming state.
func (c *Collector) RecordSessionStart(modelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sessionsStarted[modelID]++
	c.sessionsActive++
}

// RecordSessionEnd records a terminal session with its token output.
func (c *Collector) RecordSessionEnd(modelID string, status stream.Status, tokensGenerated int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sessionsByStatus[string(status)]++
	if c.sessionsActive > 0 {
		c.sessionsActive--
	}
	c.totalTokensStreamed += tokensGenerated
	if modelID != "" {
		c.tokensByModel[modelID] += tokensGenerated
	}
}

// RecordSettlement records credits charged and refunded at settlement.
func (c *Collector) RecordSettlement(charged, refunded int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalCreditsCharged += charged
	c.totalCreditsRefunded += refunded
}

// RecordObserverDropped records an observer removed for falling behind.
func (c *Collector) RecordObserverDropped() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.observersDropped++
}

// Snapshot returns a point-in-time snapshot of all metrics.
type Snapshot struct {
	Uptime               int64
	TotalRequests        map[string]int64
	TotalRequestsDur     map[string]int64
	RequestErrors        map[string]int64
	SessionsStarted      map[string]int64
	SessionsByStatus     map[string]int64
	SessionsActive       int64
	TotalTokensStreamed  int64
	TokensByModel        map[string]int64
	TotalCreditsCharged  int64
	TotalCreditsRefunded int64
	ObserversDropped     int64
}

// GetSnapshot returns a snapshot of current metrics.
func (c *Collector) GetSnapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		Uptime:               int64(time.Since(c.startTime).Seconds()),
		TotalRequests:        copyMap(c.totalRequests),
		TotalRequestsDur:     copyMap(c.totalRequestsDur),
		RequestErrors:        copyMap(c.requestErrors),
		SessionsStarted:      copyMap(c.sessionsStarted),
		SessionsByStatus:     copyMap(c.sessionsByStatus),
		SessionsActive:       c.sessionsActive,
		TotalTokensStreamed:  c.totalTokensStreamed,
		TokensByModel:        copyMap(c.tokensByModel),
		TotalCreditsCharged:  c.totalCreditsCharged,
		TotalCreditsRefunded: c.totalCreditsRefunded,
		ObserversDropped:     c.observersDropped,
	}
}

func copyMap(m map[string]int64) map[string]int64 {
	result := make(map[string]int64, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}
