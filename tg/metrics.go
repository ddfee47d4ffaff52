// metrics.go tracks in-memory operational counters for the HTTP surface:
// per-route request stats, per-pipeline collection outcomes, per-type
// sync classification totals and flush/retry volume.

package tg

import (
	"strings"
	"sync"
	"time"
)

type SyncMetrics interface {
	RecordRequest(method, path string, status int, latencyMS int64)
	RecordPipeline(name string, success bool, collected int, latencyMS int64)
	RecordSync(entityType string, counts SyncCounts, latencyMS int64)
	RecordFlush(key string, bytes int, err error)
	ObserveRetry(stats RetryStats)
	Snapshot() MetricsSnapshot
}

type RouteStats struct {
	Count        int64 `json:"count"`
	ErrorCount   int64 `json:"error_count"`
	LatencySumMS int64 `json:"latency_sum_ms"`
	LatencyMinMS int64 `json:"latency_min_ms"`
	LatencyMaxMS int64 `json:"latency_max_ms"`
}

type PipelineStats struct {
	Runs           int64 `json:"runs"`
	Failures       int64 `json:"failures"`
	TotalCollected int64 `json:"total_collected"`
	LatencySumMS   int64 `json:"latency_sum_ms"`
	LatencyMaxMS   int64 `json:"latency_max_ms"`
}

type SyncTypeStats struct {
	Runs         int64 `json:"runs"`
	New          int64 `json:"new"`
	Modified     int64 `json:"modified"`
	Deleted      int64 `json:"deleted"`
	Unchanged    int64 `json:"unchanged"`
	Errors       int64 `json:"errors"`
	Writes       int64 `json:"writes"`
	LatencySumMS int64 `json:"latency_sum_ms"`
	LatencyMaxMS int64 `json:"latency_max_ms"`
}

type FlushStats struct {
	Count      int64 `json:"count"`
	ErrorCount int64 `json:"error_count"`
	TotalBytes int64 `json:"total_bytes"`
}

type RetryTotals struct {
	Operations   int64 `json:"operations"`
	Retried      int64 `json:"retried"`
	Exhausted    int64 `json:"exhausted"`
	TotalDelayMS int64 `json:"total_delay_ms"`
}

type MetricsSnapshot struct {
	RouteStats    map[string]RouteStats    `json:"route_stats"`
	PipelineStats map[string]PipelineStats `json:"pipeline_stats"`
	SyncStats     map[string]SyncTypeStats `json:"sync_stats"`
	FlushStats    FlushStats               `json:"flush_stats"`
	RetryTotals   RetryTotals              `json:"retry_totals"`
	UptimeSeconds int64                    `json:"uptime_seconds"`
	StartTime     time.Time                `json:"start_time"`
}

// noop implementation: used when metrics are disabled.
type NoopSyncMetrics struct{}

func (NoopSyncMetrics) RecordRequest(method, path string, status int, latencyMS int64) {}

func (NoopSyncMetrics) RecordPipeline(name string, success bool, collected int, latencyMS int64) {}

func (NoopSyncMetrics) RecordSync(entityType string, counts SyncCounts, latencyMS int64) {}

func (NoopSyncMetrics) RecordFlush(key string, bytes int, err error) {}

func (NoopSyncMetrics) ObserveRetry(stats RetryStats) {}

func (NoopSyncMetrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{}
}

// InMemSyncMetrics records metrics into local maps behind a mutex.
type InMemSyncMetrics struct {
	mu sync.Mutex

	routeStats    map[string]RouteStats
	pipelineStats map[string]PipelineStats
	syncStats     map[string]SyncTypeStats
	flushStats    FlushStats
	retryTotals   RetryTotals

	startTime time.Time
}

func NewInMemSyncMetrics() *InMemSyncMetrics {
	return &InMemSyncMetrics{
		routeStats:    make(map[string]RouteStats),
		pipelineStats: make(map[string]PipelineStats),
		syncStats:     make(map[string]SyncTypeStats),
		startTime:     time.Now().UTC(),
	}
}

func (m *InMemSyncMetrics) RecordRequest(method, path string, status int, latencyMS int64) {
	if m == nil {
		return
	}

	method = strings.TrimSpace(strings.ToUpper(method))
	path = strings.TrimSpace(path)
	if method == "" {
		method = "UNKNOWN"
	}
	if path == "" {
		path = "/"
	}
	if latencyMS < 0 {
		latencyMS = 0
	}

	key := method + " " + path

	m.mu.Lock()
	defer m.mu.Unlock()

	v := m.routeStats[key]
	v.Count++
	if status >= 400 {
		v.ErrorCount++
	}
	v.LatencySumMS += latencyMS
	if v.Count == 1 || latencyMS < v.LatencyMinMS {
		v.LatencyMinMS = latencyMS
	}
	if latencyMS > v.LatencyMaxMS {
		v.LatencyMaxMS = latencyMS
	}
	m.routeStats[key] = v
}

func (m *InMemSyncMetrics) RecordPipeline(name string, success bool, collected int, latencyMS int64) {
	if m == nil {
		return
	}
	if latencyMS < 0 {
		latencyMS = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	v := m.pipelineStats[name]
	v.Runs++
	if !success {
		v.Failures++
	}
	v.TotalCollected += int64(collected)
	v.LatencySumMS += latencyMS
	if latencyMS > v.LatencyMaxMS {
		v.LatencyMaxMS = latencyMS
	}
	m.pipelineStats[name] = v
}

func (m *InMemSyncMetrics) RecordSync(entityType string, counts SyncCounts, latencyMS int64) {
	if m == nil {
		return
	}
	if latencyMS < 0 {
		latencyMS = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	v := m.syncStats[entityType]
	v.Runs++
	v.New += int64(counts.New)
	v.Modified += int64(counts.Modified)
	v.Deleted += int64(counts.Deleted)
	v.Unchanged += int64(counts.Unchanged)
	v.Errors += int64(counts.Errors)
	v.Writes += int64(counts.Writes)
	v.LatencySumMS += latencyMS
	if latencyMS > v.LatencyMaxMS {
		v.LatencyMaxMS = latencyMS
	}
	m.syncStats[entityType] = v
}

func (m *InMemSyncMetrics) RecordFlush(key string, bytes int, err error) {
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.flushStats.Count++
	if err != nil {
		m.flushStats.ErrorCount++
	}
	if bytes > 0 {
		m.flushStats.TotalBytes += int64(bytes)
	}
}

// ObserveRetry lets the metrics sink double as the RetryObserver for
// every I/O boundary in the run.
func (m *InMemSyncMetrics) ObserveRetry(stats RetryStats) {
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.retryTotals.Operations++
	if stats.Attempts > 1 {
		m.retryTotals.Retried++
	}
	if !stats.Success {
		m.retryTotals.Exhausted++
	}
	m.retryTotals.TotalDelayMS += stats.TotalRetryDelay.Milliseconds()
}

func (m *InMemSyncMetrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snap := MetricsSnapshot{
		RouteStats:    make(map[string]RouteStats, len(m.routeStats)),
		PipelineStats: make(map[string]PipelineStats, len(m.pipelineStats)),
		SyncStats:     make(map[string]SyncTypeStats, len(m.syncStats)),
		FlushStats:    m.flushStats,
		RetryTotals:   m.retryTotals,
		StartTime:     m.startTime,
		UptimeSeconds: int64(time.Since(m.startTime).Seconds()),
	}
	for k, v := range m.routeStats {
		snap.RouteStats[k] = v
	}
	for k, v := range m.pipelineStats {
		snap.PipelineStats[k] = v
	}
	for k, v := range m.syncStats {
		snap.SyncStats[k] = v
	}
	return snap
}
