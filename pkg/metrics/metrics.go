package metrics

import (
	"sync"
	"time"

	"github.com/mnohosten/strata/pkg/concurrent"
)

// MetricsCollector collects real-time performance metrics for the storage
// engine: per-operation counters and timing histograms for reads, writes,
// and scans, plus counters for the background flush/compaction/manifest
// machinery and the reader cache. Every counter is a *concurrent.Counter,
// the same lock-free counter the version set's ts/gen sequences use, so
// every monotonic counter in the engine is built the same way.
type MetricsCollector struct {
	// Get metrics
	getsExecuted *concurrent.Counter
	getsFailed   *concurrent.Counter
	totalGetTime *concurrent.Counter // in nanoseconds

	// Insert/Remove metrics
	writesExecuted *concurrent.Counter
	writesFailed   *concurrent.Counter
	totalWriteTime *concurrent.Counter // in nanoseconds

	// Scan metrics
	scansExecuted *concurrent.Counter
	scansFailed   *concurrent.Counter
	totalScanTime *concurrent.Counter // in nanoseconds

	// Commit (OCC) metrics
	commitsStarted   *concurrent.Counter
	commitsCommitted *concurrent.Counter
	commitsAborted   *concurrent.Counter

	// Reader cache metrics
	cacheHits   *concurrent.Counter
	cacheMisses *concurrent.Counter

	// Background compaction metrics
	flushesCompleted          *concurrent.Counter
	flushesFailed             *concurrent.Counter
	minorCompactionsCompleted *concurrent.Counter
	minorCompactionsFailed    *concurrent.Counter
	majorCompactionsCompleted *concurrent.Counter
	majorCompactionsFailed    *concurrent.Counter
	manifestRewrites          *concurrent.Counter
	walAppends                *concurrent.Counter

	mu           sync.RWMutex
	getTimings   *TimingHistogram
	writeTimings *TimingHistogram
	scanTimings  *TimingHistogram

	startTime time.Time
}

// TimingHistogram stores timing data in buckets for histogram generation.
type TimingHistogram struct {
	// Buckets: <1ms, 1-10ms, 10-100ms, 100ms-1s, >1s
	bucket0_1ms      *concurrent.Counter
	bucket1_10ms     *concurrent.Counter
	bucket10_100ms   *concurrent.Counter
	bucket100_1000ms *concurrent.Counter
	bucket1000ms     *concurrent.Counter

	mu               sync.Mutex
	recentTimings    []time.Duration // Keep last maxRecentTimings timings
	maxRecentTimings int
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		getsExecuted:   concurrent.NewCounter(),
		getsFailed:     concurrent.NewCounter(),
		totalGetTime:   concurrent.NewCounter(),
		writesExecuted: concurrent.NewCounter(),
		writesFailed:   concurrent.NewCounter(),
		totalWriteTime: concurrent.NewCounter(),
		scansExecuted:  concurrent.NewCounter(),
		scansFailed:    concurrent.NewCounter(),
		totalScanTime:  concurrent.NewCounter(),

		commitsStarted:   concurrent.NewCounter(),
		commitsCommitted: concurrent.NewCounter(),
		commitsAborted:   concurrent.NewCounter(),

		cacheHits:   concurrent.NewCounter(),
		cacheMisses: concurrent.NewCounter(),

		flushesCompleted:          concurrent.NewCounter(),
		flushesFailed:             concurrent.NewCounter(),
		minorCompactionsCompleted: concurrent.NewCounter(),
		minorCompactionsFailed:    concurrent.NewCounter(),
		majorCompactionsCompleted: concurrent.NewCounter(),
		majorCompactionsFailed:    concurrent.NewCounter(),
		manifestRewrites:          concurrent.NewCounter(),
		walAppends:                concurrent.NewCounter(),

		getTimings:   NewTimingHistogram(1000),
		writeTimings: NewTimingHistogram(1000),
		scanTimings:  NewTimingHistogram(1000),
		startTime:    time.Now(),
	}
}

// NewTimingHistogram creates a new timing histogram.
func NewTimingHistogram(maxRecent int) *TimingHistogram {
	return &TimingHistogram{
		bucket0_1ms:      concurrent.NewCounter(),
		bucket1_10ms:     concurrent.NewCounter(),
		bucket10_100ms:   concurrent.NewCounter(),
		bucket100_1000ms: concurrent.NewCounter(),
		bucket1000ms:     concurrent.NewCounter(),
		recentTimings:    make([]time.Duration, 0, maxRecent),
		maxRecentTimings: maxRecent,
	}
}

// RecordGet records a Get call.
func (mc *MetricsCollector) RecordGet(duration time.Duration, success bool) {
	mc.getsExecuted.Inc()
	if !success {
		mc.getsFailed.Inc()
	}
	mc.totalGetTime.Add(uint64(duration.Nanoseconds()))
	mc.getTimings.Record(duration)
}

// RecordWrite records an Insert or Remove call.
func (mc *MetricsCollector) RecordWrite(duration time.Duration, success bool) {
	mc.writesExecuted.Inc()
	if !success {
		mc.writesFailed.Inc()
	}
	mc.totalWriteTime.Add(uint64(duration.Nanoseconds()))
	mc.writeTimings.Record(duration)
}

// RecordScan records a range Scan call.
func (mc *MetricsCollector) RecordScan(duration time.Duration, success bool) {
	mc.scansExecuted.Inc()
	if !success {
		mc.scansFailed.Inc()
	}
	mc.totalScanTime.Add(uint64(duration.Nanoseconds()))
	mc.scanTimings.Record(duration)
}

// RecordCommitStart records the start of an OCC commit.
func (mc *MetricsCollector) RecordCommitStart() { mc.commitsStarted.Inc() }

// RecordCommitCommitted records a successful OCC commit.
func (mc *MetricsCollector) RecordCommitCommitted() { mc.commitsCommitted.Inc() }

// RecordCommitAborted records an OCC commit rejected by a conflict.
func (mc *MetricsCollector) RecordCommitAborted() { mc.commitsAborted.Inc() }

// RecordCacheHit records a reader-cache hit.
func (mc *MetricsCollector) RecordCacheHit() { mc.cacheHits.Inc() }

// RecordCacheMiss records a reader-cache miss.
func (mc *MetricsCollector) RecordCacheMiss() { mc.cacheMisses.Inc() }

// RecordFlush records a completed (or failed) minor-compaction flush.
func (mc *MetricsCollector) RecordFlush(success bool) {
	if success {
		mc.flushesCompleted.Inc()
	} else {
		mc.flushesFailed.Inc()
	}
}

// RecordMinorCompaction records a completed (or failed) minor compaction.
func (mc *MetricsCollector) RecordMinorCompaction(success bool) {
	if success {
		mc.minorCompactionsCompleted.Inc()
	} else {
		mc.minorCompactionsFailed.Inc()
	}
}

// RecordMajorCompaction records a completed (or failed) major compaction.
func (mc *MetricsCollector) RecordMajorCompaction(success bool) {
	if success {
		mc.majorCompactionsCompleted.Inc()
	} else {
		mc.majorCompactionsFailed.Inc()
	}
}

// RecordManifestRewrite records a manifest log snapshot rewrite.
func (mc *MetricsCollector) RecordManifestRewrite() { mc.manifestRewrites.Inc() }

// RecordWalAppend records a WAL frame append.
func (mc *MetricsCollector) RecordWalAppend() { mc.walAppends.Inc() }

// Record adds a timing to the histogram.
func (th *TimingHistogram) Record(duration time.Duration) {
	ms := duration.Milliseconds()
	switch {
	case ms < 1:
		th.bucket0_1ms.Inc()
	case ms < 10:
		th.bucket1_10ms.Inc()
	case ms < 100:
		th.bucket10_100ms.Inc()
	case ms < 1000:
		th.bucket100_1000ms.Inc()
	default:
		th.bucket1000ms.Inc()
	}

	th.mu.Lock()
	defer th.mu.Unlock()
	if len(th.recentTimings) >= th.maxRecentTimings {
		th.recentTimings = th.recentTimings[1:]
	}
	th.recentTimings = append(th.recentTimings, duration)
}

// GetBuckets returns the histogram bucket counts.
func (th *TimingHistogram) GetBuckets() map[string]uint64 {
	return map[string]uint64{
		"0-1ms":      th.bucket0_1ms.Load(),
		"1-10ms":     th.bucket1_10ms.Load(),
		"10-100ms":   th.bucket10_100ms.Load(),
		"100-1000ms": th.bucket100_1000ms.Load(),
		">1000ms":    th.bucket1000ms.Load(),
	}
}

// GetPercentiles calculates P50, P95, P99 from recent timings.
func (th *TimingHistogram) GetPercentiles() map[string]time.Duration {
	th.mu.Lock()
	defer th.mu.Unlock()

	if len(th.recentTimings) == 0 {
		return map[string]time.Duration{"p50": 0, "p95": 0, "p99": 0}
	}

	sorted := make([]time.Duration, len(th.recentTimings))
	copy(sorted, th.recentTimings)

	for i := 1; i < len(sorted); i++ {
		key := sorted[i]
		j := i - 1
		for j >= 0 && sorted[j] > key {
			sorted[j+1] = sorted[j]
			j--
		}
		sorted[j+1] = key
	}

	p50idx := len(sorted) * 50 / 100
	p95idx := len(sorted) * 95 / 100
	p99idx := len(sorted) * 99 / 100

	return map[string]time.Duration{
		"p50": sorted[p50idx],
		"p95": sorted[p95idx],
		"p99": sorted[p99idx],
	}
}

// GetMetrics returns a snapshot of all metrics.
func (mc *MetricsCollector) GetMetrics() map[string]interface{} {
	getsExecuted := mc.getsExecuted.Load()
	getsFailed := mc.getsFailed.Load()
	totalGetTime := mc.totalGetTime.Load()

	writesExecuted := mc.writesExecuted.Load()
	writesFailed := mc.writesFailed.Load()
	totalWriteTime := mc.totalWriteTime.Load()

	scansExecuted := mc.scansExecuted.Load()
	scansFailed := mc.scansFailed.Load()
	totalScanTime := mc.totalScanTime.Load()

	commitsStarted := mc.commitsStarted.Load()
	commitsCommitted := mc.commitsCommitted.Load()
	commitsAborted := mc.commitsAborted.Load()

	cacheHits := mc.cacheHits.Load()
	cacheMisses := mc.cacheMisses.Load()

	var avgGetTime, avgWriteTime, avgScanTime float64
	if getsExecuted > 0 {
		avgGetTime = float64(totalGetTime) / float64(getsExecuted) / 1e6
	}
	if writesExecuted > 0 {
		avgWriteTime = float64(totalWriteTime) / float64(writesExecuted) / 1e6
	}
	if scansExecuted > 0 {
		avgScanTime = float64(totalScanTime) / float64(scansExecuted) / 1e6
	}

	var cacheHitRate float64
	totalCacheOps := cacheHits + cacheMisses
	if totalCacheOps > 0 {
		cacheHitRate = float64(cacheHits) / float64(totalCacheOps) * 100
	}

	uptime := time.Since(mc.startTime)

	return map[string]interface{}{
		"uptime_seconds": uptime.Seconds(),

		"gets": map[string]interface{}{
			"total":              getsExecuted,
			"failed":             getsFailed,
			"success_rate":       calculateSuccessRate(getsExecuted, getsFailed),
			"avg_duration_ms":    avgGetTime,
			"timing_histogram":   mc.getTimings.GetBuckets(),
			"timing_percentiles": mc.getTimings.GetPercentiles(),
		},

		"writes": map[string]interface{}{
			"total":              writesExecuted,
			"failed":             writesFailed,
			"success_rate":       calculateSuccessRate(writesExecuted, writesFailed),
			"avg_duration_ms":    avgWriteTime,
			"timing_histogram":   mc.writeTimings.GetBuckets(),
			"timing_percentiles": mc.writeTimings.GetPercentiles(),
		},

		"scans": map[string]interface{}{
			"total":              scansExecuted,
			"failed":             scansFailed,
			"success_rate":       calculateSuccessRate(scansExecuted, scansFailed),
			"avg_duration_ms":    avgScanTime,
			"timing_histogram":   mc.scanTimings.GetBuckets(),
			"timing_percentiles": mc.scanTimings.GetPercentiles(),
		},

		"commits": map[string]interface{}{
			"started":   commitsStarted,
			"committed": commitsCommitted,
			"aborted":   commitsAborted,
		},

		"cache": map[string]interface{}{
			"hits":     cacheHits,
			"misses":   cacheMisses,
			"hit_rate": cacheHitRate,
		},

		"compaction": map[string]interface{}{
			"flushes_completed":           mc.flushesCompleted.Load(),
			"flushes_failed":              mc.flushesFailed.Load(),
			"minor_compactions_completed": mc.minorCompactionsCompleted.Load(),
			"minor_compactions_failed":    mc.minorCompactionsFailed.Load(),
			"major_compactions_completed": mc.majorCompactionsCompleted.Load(),
			"major_compactions_failed":    mc.majorCompactionsFailed.Load(),
			"manifest_rewrites":           mc.manifestRewrites.Load(),
			"wal_appends":                 mc.walAppends.Load(),
		},
	}
}

// Reset resets all metrics to zero.
func (mc *MetricsCollector) Reset() {
	mc.getsExecuted.Reset()
	mc.getsFailed.Reset()
	mc.totalGetTime.Reset()

	mc.writesExecuted.Reset()
	mc.writesFailed.Reset()
	mc.totalWriteTime.Reset()

	mc.scansExecuted.Reset()
	mc.scansFailed.Reset()
	mc.totalScanTime.Reset()

	mc.commitsStarted.Reset()
	mc.commitsCommitted.Reset()
	mc.commitsAborted.Reset()

	mc.cacheHits.Reset()
	mc.cacheMisses.Reset()

	mc.flushesCompleted.Reset()
	mc.flushesFailed.Reset()
	mc.minorCompactionsCompleted.Reset()
	mc.minorCompactionsFailed.Reset()
	mc.majorCompactionsCompleted.Reset()
	mc.majorCompactionsFailed.Reset()
	mc.manifestRewrites.Reset()
	mc.walAppends.Reset()

	mc.mu.Lock()
	mc.getTimings = NewTimingHistogram(1000)
	mc.writeTimings = NewTimingHistogram(1000)
	mc.scanTimings = NewTimingHistogram(1000)
	mc.mu.Unlock()

	mc.startTime = time.Now()
}

func calculateSuccessRate(total, failed uint64) float64 {
	if total == 0 {
		return 0
	}
	succeeded := total - failed
	return float64(succeeded) / float64(total) * 100
}
