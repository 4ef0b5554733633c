package metrics

import (
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// PrometheusExporter renders a MetricsCollector (and, optionally, a
// ResourceTracker) as a Prometheus text exposition. Every value is wrapped
// with prometheus.NewConstMetric/NewConstHistogram rather than synthesized
// by hand: the collector and tracker own the counters, this type only
// describes them to the client library on each export.
type PrometheusExporter struct {
	collector       *MetricsCollector
	resourceTracker *ResourceTracker
	namespace       string // Metric namespace prefix (e.g., "strata")
}

// NewPrometheusExporter creates a new Prometheus exporter
func NewPrometheusExporter(collector *MetricsCollector, resourceTracker *ResourceTracker) *PrometheusExporter {
	return &PrometheusExporter{
		collector:       collector,
		resourceTracker: resourceTracker,
		namespace:       "strata",
	}
}

// SetNamespace sets the metric namespace prefix
func (pe *PrometheusExporter) SetNamespace(namespace string) {
	pe.namespace = namespace
}

// WriteMetrics writes all metrics in Prometheus text format to the writer.
func (pe *PrometheusExporter) WriteMetrics(w io.Writer) error {
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))

	uptime := time.Since(pe.collector.startTime).Seconds()
	if err := pe.encodeGauge(enc, "uptime_seconds", "Database uptime in seconds", uptime); err != nil {
		return err
	}

	if err := pe.encodeOpMetrics(enc, "get", "Get", pe.collector.getsExecuted.Load(),
		pe.collector.getsFailed.Load(), pe.collector.totalGetTime.Load(), pe.collector.getTimings); err != nil {
		return err
	}
	if err := pe.encodeOpMetrics(enc, "write", "Insert/Remove", pe.collector.writesExecuted.Load(),
		pe.collector.writesFailed.Load(), pe.collector.totalWriteTime.Load(), pe.collector.writeTimings); err != nil {
		return err
	}
	if err := pe.encodeOpMetrics(enc, "scan", "Scan", pe.collector.scansExecuted.Load(),
		pe.collector.scansFailed.Load(), pe.collector.totalScanTime.Load(), pe.collector.scanTimings); err != nil {
		return err
	}

	commitsStarted := pe.collector.commitsStarted.Load()
	commitsCommitted := pe.collector.commitsCommitted.Load()
	commitsAborted := pe.collector.commitsAborted.Load()
	if err := pe.encodeCounter(enc, "commits_started_total", "Total number of OCC commits attempted", commitsStarted); err != nil {
		return err
	}
	if err := pe.encodeCounter(enc, "commits_committed_total", "Total number of OCC commits that landed", commitsCommitted); err != nil {
		return err
	}
	if err := pe.encodeCounter(enc, "commits_aborted_total", "Total number of OCC commits rejected by a conflict", commitsAborted); err != nil {
		return err
	}

	cacheHits := pe.collector.cacheHits.Load()
	cacheMisses := pe.collector.cacheMisses.Load()
	totalCacheOps := cacheHits + cacheMisses
	var cacheHitRate float64
	if totalCacheOps > 0 {
		cacheHitRate = float64(cacheHits) / float64(totalCacheOps)
	}
	if err := pe.encodeCounter(enc, "cache_hits_total", "Total number of sstable reader cache hits", cacheHits); err != nil {
		return err
	}
	if err := pe.encodeCounter(enc, "cache_misses_total", "Total number of sstable reader cache misses", cacheMisses); err != nil {
		return err
	}
	if err := pe.encodeGauge(enc, "cache_hit_rate", "Sstable reader cache hit rate (0-1)", cacheHitRate); err != nil {
		return err
	}

	if err := pe.encodeCounter(enc, "flushes_completed_total", "Total number of completed minor-compaction flushes", pe.collector.flushesCompleted.Load()); err != nil {
		return err
	}
	if err := pe.encodeCounter(enc, "flushes_failed_total", "Total number of failed flushes", pe.collector.flushesFailed.Load()); err != nil {
		return err
	}
	if err := pe.encodeCounter(enc, "minor_compactions_completed_total", "Total number of completed minor compactions", pe.collector.minorCompactionsCompleted.Load()); err != nil {
		return err
	}
	if err := pe.encodeCounter(enc, "minor_compactions_failed_total", "Total number of failed minor compactions", pe.collector.minorCompactionsFailed.Load()); err != nil {
		return err
	}
	if err := pe.encodeCounter(enc, "major_compactions_completed_total", "Total number of completed major compactions", pe.collector.majorCompactionsCompleted.Load()); err != nil {
		return err
	}
	if err := pe.encodeCounter(enc, "major_compactions_failed_total", "Total number of failed major compactions", pe.collector.majorCompactionsFailed.Load()); err != nil {
		return err
	}
	if err := pe.encodeCounter(enc, "manifest_rewrites_total", "Total number of manifest log snapshot rewrites", pe.collector.manifestRewrites.Load()); err != nil {
		return err
	}
	if err := pe.encodeCounter(enc, "wal_appends_total", "Total number of WAL frame appends", pe.collector.walAppends.Load()); err != nil {
		return err
	}

	if pe.resourceTracker != nil {
		stats := pe.resourceTracker.GetStats()

		if err := pe.encodeGauge(enc, "memory_heap_bytes", "Heap memory in bytes", float64(stats.HeapInUse)); err != nil {
			return err
		}
		if err := pe.encodeGauge(enc, "memory_stack_bytes", "Stack memory in bytes", float64(stats.StackInUse)); err != nil {
			return err
		}
		if err := pe.encodeCounter(enc, "memory_allocations_total", "Total memory allocations", stats.AllocBytes); err != nil {
			return err
		}
		if err := pe.encodeGauge(enc, "memory_objects", "Number of allocated objects", float64(stats.AllocObjects)); err != nil {
			return err
		}
		if err := pe.encodeGauge(enc, "goroutines", "Number of goroutines", float64(stats.NumGoroutines)); err != nil {
			return err
		}
		if err := pe.encodeCounter(enc, "io_bytes_read_total", "Total bytes read", stats.BytesRead); err != nil {
			return err
		}
		if err := pe.encodeCounter(enc, "io_bytes_written_total", "Total bytes written", stats.BytesWritten); err != nil {
			return err
		}
		if err := pe.encodeCounter(enc, "io_read_operations_total", "Total read operations", stats.ReadsCompleted); err != nil {
			return err
		}
		if err := pe.encodeCounter(enc, "io_write_operations_total", "Total write operations", stats.WritesCompleted); err != nil {
			return err
		}
		if err := pe.encodeCounter(enc, "gc_runs_total", "Total garbage collection runs", uint64(stats.GCRuns)); err != nil {
			return err
		}
		if err := pe.encodeGauge(enc, "gc_pause_nanoseconds", "Total GC pause time in nanoseconds", stats.GCPauseTotalMs*1e6); err != nil {
			return err
		}
		if err := pe.encodeGauge(enc, "cpu_count", "Number of CPUs", float64(stats.NumCPU)); err != nil {
			return err
		}
	}

	return nil
}

// encodeOpMetrics writes the executed/failed/duration counters plus the
// histogram and percentile gauges shared by the Get/write/scan operation
// families.
func (pe *PrometheusExporter) encodeOpMetrics(enc expfmt.Encoder, op, verb string, executed, failed, totalNanos uint64, th *TimingHistogram) error {
	if err := pe.encodeCounter(enc, op+"s_total", "Total number of "+verb+" calls", executed); err != nil {
		return err
	}
	if err := pe.encodeCounter(enc, op+"s_failed_total", "Total number of failed "+verb+" calls", failed); err != nil {
		return err
	}
	if err := pe.encodeCounter(enc, op+"_duration_nanoseconds_total", "Total "+verb+" execution time in nanoseconds", totalNanos); err != nil {
		return err
	}

	histName := op + "_duration_seconds"
	if err := pe.encodeHistogram(enc, histName, verb+" call duration histogram", th, totalNanos); err != nil {
		return err
	}
	return pe.encodePercentiles(enc, histName, th)
}

func (pe *PrometheusExporter) desc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc(pe.namespace+"_"+name, help, nil, nil)
}

func (pe *PrometheusExporter) encodeCounter(enc expfmt.Encoder, name, help string, value uint64) error {
	m, err := prometheus.NewConstMetric(pe.desc(name, help), prometheus.CounterValue, float64(value))
	if err != nil {
		return err
	}
	return encodeMetric(enc, pe.namespace+"_"+name, help, dto.MetricType_COUNTER, m)
}

func (pe *PrometheusExporter) encodeGauge(enc expfmt.Encoder, name, help string, value float64) error {
	m, err := prometheus.NewConstMetric(pe.desc(name, help), prometheus.GaugeValue, value)
	if err != nil {
		return err
	}
	return encodeMetric(enc, pe.namespace+"_"+name, help, dto.MetricType_GAUGE, m)
}

// encodeHistogram renders cumulative bucket counts (seconds upper bounds
// matching the TimingHistogram's fixed ranges) and the total observed
// duration as the histogram sum.
func (pe *PrometheusExporter) encodeHistogram(enc expfmt.Encoder, name, help string, th *TimingHistogram, totalNanos uint64) error {
	buckets := th.GetBuckets()

	var cumulative uint64
	cumulative += buckets["0-1ms"]
	b1 := cumulative
	cumulative += buckets["1-10ms"]
	b2 := cumulative
	cumulative += buckets["10-100ms"]
	b3 := cumulative
	cumulative += buckets["100-1000ms"]
	b4 := cumulative
	cumulative += buckets[">1000ms"]
	count := cumulative

	sum := float64(totalNanos) / float64(time.Second)

	m, err := prometheus.NewConstHistogram(pe.desc(name, help), count, sum, map[float64]uint64{
		0.001: b1,
		0.01:  b2,
		0.1:   b3,
		1.0:   b4,
	})
	if err != nil {
		return err
	}
	return encodeMetric(enc, pe.namespace+"_"+name, help, dto.MetricType_HISTOGRAM, m)
}

func (pe *PrometheusExporter) encodePercentiles(enc expfmt.Encoder, baseName string, th *TimingHistogram) error {
	percentiles := th.GetPercentiles()

	if err := pe.encodeGauge(enc, baseName+"_p50", "50th percentile of "+baseName, percentiles["p50"].Seconds()); err != nil {
		return err
	}
	if err := pe.encodeGauge(enc, baseName+"_p95", "95th percentile of "+baseName, percentiles["p95"].Seconds()); err != nil {
		return err
	}
	if err := pe.encodeGauge(enc, baseName+"_p99", "99th percentile of "+baseName, percentiles["p99"].Seconds()); err != nil {
		return err
	}
	return nil
}

// encodeMetric converts a single prometheus.Metric into a one-metric
// MetricFamily and writes it through the expfmt text encoder, so each call
// site emits its own HELP/TYPE header the way the teacher's hand-rolled
// exporter did, but backed by real client_golang types end to end.
func encodeMetric(enc expfmt.Encoder, name, help string, typ dto.MetricType, m prometheus.Metric) error {
	var pb dto.Metric
	if err := m.Write(&pb); err != nil {
		return err
	}
	mf := &dto.MetricFamily{
		Name:   &name,
		Help:   &help,
		Type:   &typ,
		Metric: []*dto.Metric{&pb},
	}
	return enc.Encode(mf)
}
