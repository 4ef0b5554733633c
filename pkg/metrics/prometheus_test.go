package metrics

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestPrometheusExporter_BasicMetrics(t *testing.T) {
	collector := NewMetricsCollector()
	exporter := NewPrometheusExporter(collector, nil)

	// Record some operations
	collector.RecordGet(100*time.Millisecond, true)
	collector.RecordWrite(10*time.Millisecond, true)
	collector.RecordScan(50*time.Millisecond, false)

	var buf bytes.Buffer
	err := exporter.WriteMetrics(&buf)
	if err != nil {
		t.Fatalf("Failed to write metrics: %v", err)
	}

	output := buf.String()

	// Check for essential metric types
	if !strings.Contains(output, "# TYPE strata_gets_total counter") {
		t.Error("Missing gets_total counter type")
	}
	if !strings.Contains(output, "# TYPE strata_writes_total counter") {
		t.Error("Missing writes_total counter type")
	}
	if !strings.Contains(output, "# TYPE strata_scans_total counter") {
		t.Error("Missing scans_total counter type")
	}

	// Check for metric values
	if !strings.Contains(output, "strata_gets_total 1") {
		t.Error("Expected gets_total to be 1")
	}
	if !strings.Contains(output, "strata_writes_total 1") {
		t.Error("Expected writes_total to be 1")
	}
	if !strings.Contains(output, "strata_scans_total 1") {
		t.Error("Expected scans_total to be 1")
	}
	if !strings.Contains(output, "strata_scans_failed_total 1") {
		t.Error("Expected scans_failed_total to be 1")
	}
}

func TestPrometheusExporter_Histograms(t *testing.T) {
	collector := NewMetricsCollector()
	exporter := NewPrometheusExporter(collector, nil)

	// Record operations with different timings to populate histogram buckets
	collector.RecordGet(500*time.Microsecond, true) // 0-1ms
	collector.RecordGet(5*time.Millisecond, true)   // 1-10ms
	collector.RecordGet(50*time.Millisecond, true)  // 10-100ms
	collector.RecordGet(500*time.Millisecond, true) // 100-1000ms
	collector.RecordGet(2*time.Second, true)        // >1000ms

	var buf bytes.Buffer
	err := exporter.WriteMetrics(&buf)
	if err != nil {
		t.Fatalf("Failed to write metrics: %v", err)
	}

	output := buf.String()

	// Check for histogram type
	if !strings.Contains(output, "# TYPE strata_get_duration_seconds histogram") {
		t.Error("Missing get_duration_seconds histogram type")
	}

	// Check for histogram buckets (cumulative counts)
	if !strings.Contains(output, "strata_get_duration_seconds_bucket{le=\"0.001\"} 1") {
		t.Error("Expected 1 operation in 0-1ms bucket")
	}
	if !strings.Contains(output, "strata_get_duration_seconds_bucket{le=\"0.01\"} 2") {
		t.Error("Expected cumulative 2 operations in 1-10ms bucket")
	}
	if !strings.Contains(output, "strata_get_duration_seconds_bucket{le=\"0.1\"} 3") {
		t.Error("Expected cumulative 3 operations in 10-100ms bucket")
	}
	if !strings.Contains(output, "strata_get_duration_seconds_bucket{le=\"1.0\"} 4") {
		t.Error("Expected cumulative 4 operations in 100-1000ms bucket")
	}
	if !strings.Contains(output, "strata_get_duration_seconds_bucket{le=\"+Inf\"} 5") {
		t.Error("Expected cumulative 5 operations in +Inf bucket")
	}

	// Check for count
	if !strings.Contains(output, "strata_get_duration_seconds_count 5") {
		t.Error("Expected histogram count to be 5")
	}
}

func TestPrometheusExporter_Percentiles(t *testing.T) {
	collector := NewMetricsCollector()
	exporter := NewPrometheusExporter(collector, nil)

	// Record 100 operations with varying timings
	for i := 0; i < 100; i++ {
		duration := time.Duration(i) * time.Millisecond
		collector.RecordGet(duration, true)
	}

	var buf bytes.Buffer
	err := exporter.WriteMetrics(&buf)
	if err != nil {
		t.Fatalf("Failed to write metrics: %v", err)
	}

	output := buf.String()

	// Check for percentile metrics
	if !strings.Contains(output, "# TYPE strata_get_duration_seconds_p50 gauge") {
		t.Error("Missing P50 percentile metric")
	}
	if !strings.Contains(output, "# TYPE strata_get_duration_seconds_p95 gauge") {
		t.Error("Missing P95 percentile metric")
	}
	if !strings.Contains(output, "# TYPE strata_get_duration_seconds_p99 gauge") {
		t.Error("Missing P99 percentile metric")
	}

	// Check that percentile values are present (values will vary)
	if !strings.Contains(output, "strata_get_duration_seconds_p50") {
		t.Error("Missing P50 percentile value")
	}
	if !strings.Contains(output, "strata_get_duration_seconds_p95") {
		t.Error("Missing P95 percentile value")
	}
	if !strings.Contains(output, "strata_get_duration_seconds_p99") {
		t.Error("Missing P99 percentile value")
	}
}

func TestPrometheusExporter_CommitMetrics(t *testing.T) {
	collector := NewMetricsCollector()
	exporter := NewPrometheusExporter(collector, nil)

	// Record OCC commit events
	collector.RecordCommitStart()
	collector.RecordCommitStart()
	collector.RecordCommitCommitted()
	collector.RecordCommitAborted()

	var buf bytes.Buffer
	err := exporter.WriteMetrics(&buf)
	if err != nil {
		t.Fatalf("Failed to write metrics: %v", err)
	}

	output := buf.String()

	// Check commit metrics
	if !strings.Contains(output, "strata_commits_started_total 2") {
		t.Error("Expected commits_started_total to be 2")
	}
	if !strings.Contains(output, "strata_commits_committed_total 1") {
		t.Error("Expected commits_committed_total to be 1")
	}
	if !strings.Contains(output, "strata_commits_aborted_total 1") {
		t.Error("Expected commits_aborted_total to be 1")
	}
}

func TestPrometheusExporter_CacheMetrics(t *testing.T) {
	collector := NewMetricsCollector()
	exporter := NewPrometheusExporter(collector, nil)

	// Record cache operations
	for i := 0; i < 7; i++ {
		collector.RecordCacheHit()
	}
	for i := 0; i < 3; i++ {
		collector.RecordCacheMiss()
	}

	var buf bytes.Buffer
	err := exporter.WriteMetrics(&buf)
	if err != nil {
		t.Fatalf("Failed to write metrics: %v", err)
	}

	output := buf.String()

	// Check cache metrics
	if !strings.Contains(output, "strata_cache_hits_total 7") {
		t.Error("Expected cache_hits_total to be 7")
	}
	if !strings.Contains(output, "strata_cache_misses_total 3") {
		t.Error("Expected cache_misses_total to be 3")
	}

	// Cache hit rate should be 0.7 (7/10)
	if !strings.Contains(output, "strata_cache_hit_rate 0.7") {
		t.Error("Expected cache_hit_rate to be 0.7")
	}
}

func TestPrometheusExporter_CompactionMetrics(t *testing.T) {
	collector := NewMetricsCollector()
	exporter := NewPrometheusExporter(collector, nil)

	for i := 0; i < 8; i++ {
		collector.RecordFlush(true)
	}
	for i := 0; i < 2; i++ {
		collector.RecordFlush(false)
	}
	collector.RecordMinorCompaction(true)
	collector.RecordMajorCompaction(true)
	collector.RecordManifestRewrite()
	collector.RecordWalAppend()

	var buf bytes.Buffer
	err := exporter.WriteMetrics(&buf)
	if err != nil {
		t.Fatalf("Failed to write metrics: %v", err)
	}

	output := buf.String()

	if !strings.Contains(output, "strata_flushes_completed_total 8") {
		t.Error("Expected flushes_completed_total to be 8")
	}
	if !strings.Contains(output, "strata_flushes_failed_total 2") {
		t.Error("Expected flushes_failed_total to be 2")
	}
	if !strings.Contains(output, "strata_minor_compactions_completed_total 1") {
		t.Error("Expected minor_compactions_completed_total to be 1")
	}
	if !strings.Contains(output, "strata_major_compactions_completed_total 1") {
		t.Error("Expected major_compactions_completed_total to be 1")
	}
	if !strings.Contains(output, "strata_manifest_rewrites_total 1") {
		t.Error("Expected manifest_rewrites_total to be 1")
	}
	if !strings.Contains(output, "strata_wal_appends_total 1") {
		t.Error("Expected wal_appends_total to be 1")
	}
}

func TestPrometheusExporter_ResourceTrackerIntegration(t *testing.T) {
	collector := NewMetricsCollector()
	tracker := NewResourceTracker(nil) // Use default config
	defer tracker.Disable()

	exporter := NewPrometheusExporter(collector, tracker)

	// Give tracker time to collect some data
	time.Sleep(100 * time.Millisecond)

	// Record some I/O operations
	tracker.RecordRead(1024)
	tracker.RecordWrite(2048)

	var buf bytes.Buffer
	err := exporter.WriteMetrics(&buf)
	if err != nil {
		t.Fatalf("Failed to write metrics: %v", err)
	}

	output := buf.String()

	// Check for resource metrics
	if !strings.Contains(output, "# TYPE strata_memory_heap_bytes gauge") {
		t.Error("Missing memory_heap_bytes metric")
	}
	if !strings.Contains(output, "# TYPE strata_goroutines gauge") {
		t.Error("Missing goroutines metric")
	}
	if !strings.Contains(output, "# TYPE strata_io_bytes_read_total counter") {
		t.Error("Missing io_bytes_read_total metric")
	}
	if !strings.Contains(output, "# TYPE strata_io_bytes_written_total counter") {
		t.Error("Missing io_bytes_written_total metric")
	}
	if !strings.Contains(output, "# TYPE strata_cpu_count gauge") {
		t.Error("Missing cpu_count metric")
	}

	// Check I/O values
	if !strings.Contains(output, "strata_io_bytes_read_total 1024") {
		t.Error("Expected io_bytes_read_total to be 1024")
	}
	if !strings.Contains(output, "strata_io_bytes_written_total 2048") {
		t.Error("Expected io_bytes_written_total to be 2048")
	}
}

func TestPrometheusExporter_CustomNamespace(t *testing.T) {
	collector := NewMetricsCollector()
	exporter := NewPrometheusExporter(collector, nil)
	exporter.SetNamespace("custom_engine")

	collector.RecordGet(10*time.Millisecond, true)

	var buf bytes.Buffer
	err := exporter.WriteMetrics(&buf)
	if err != nil {
		t.Fatalf("Failed to write metrics: %v", err)
	}

	output := buf.String()

	// Check for custom namespace
	if !strings.Contains(output, "custom_engine_gets_total 1") {
		t.Error("Expected custom namespace 'custom_engine' in metric name")
	}
	if strings.Contains(output, "strata_gets_total") {
		t.Error("Should not contain default namespace 'strata'")
	}
}

func TestPrometheusExporter_UptimeMetric(t *testing.T) {
	collector := NewMetricsCollector()
	exporter := NewPrometheusExporter(collector, nil)

	// Wait a bit for uptime
	time.Sleep(100 * time.Millisecond)

	var buf bytes.Buffer
	err := exporter.WriteMetrics(&buf)
	if err != nil {
		t.Fatalf("Failed to write metrics: %v", err)
	}

	output := buf.String()

	// Check for uptime metric
	if !strings.Contains(output, "# TYPE strata_uptime_seconds gauge") {
		t.Error("Missing uptime_seconds metric")
	}
	if !strings.Contains(output, "strata_uptime_seconds") {
		t.Error("Missing uptime_seconds value")
	}
}

func TestPrometheusExporter_AllOperationTypes(t *testing.T) {
	collector := NewMetricsCollector()
	exporter := NewPrometheusExporter(collector, nil)

	// Record all types of operations
	collector.RecordGet(10*time.Millisecond, true)
	collector.RecordWrite(20*time.Millisecond, true)
	collector.RecordScan(30*time.Millisecond, true)

	var buf bytes.Buffer
	err := exporter.WriteMetrics(&buf)
	if err != nil {
		t.Fatalf("Failed to write metrics: %v", err)
	}

	output := buf.String()

	// Check for all operation histograms
	operations := []string{"get", "write", "scan"}
	for _, op := range operations {
		metricName := "strata_" + op + "_duration_seconds"
		if !strings.Contains(output, "# TYPE "+metricName+" histogram") {
			t.Errorf("Missing histogram for %s", op)
		}
		if !strings.Contains(output, metricName+"_bucket{le=\"0.001\"}") {
			t.Errorf("Missing histogram buckets for %s", op)
		}
		if !strings.Contains(output, metricName+"_p50") {
			t.Errorf("Missing P50 percentile for %s", op)
		}
		if !strings.Contains(output, metricName+"_p95") {
			t.Errorf("Missing P95 percentile for %s", op)
		}
		if !strings.Contains(output, metricName+"_p99") {
			t.Errorf("Missing P99 percentile for %s", op)
		}
	}
}

func TestPrometheusExporter_EmptyMetrics(t *testing.T) {
	collector := NewMetricsCollector()
	exporter := NewPrometheusExporter(collector, nil)

	var buf bytes.Buffer
	err := exporter.WriteMetrics(&buf)
	if err != nil {
		t.Fatalf("Failed to write metrics: %v", err)
	}

	output := buf.String()

	// Should still have metric definitions even with zero values
	if !strings.Contains(output, "strata_gets_total 0") {
		t.Error("Expected gets_total to be 0 when no operations recorded")
	}
	if !strings.Contains(output, "strata_cache_hit_rate 0") {
		t.Error("Expected cache_hit_rate to be 0 when no cache operations")
	}
}

func TestPrometheusExporter_LargeMetricValues(t *testing.T) {
	collector := NewMetricsCollector()
	exporter := NewPrometheusExporter(collector, nil)

	// Record many operations
	for i := 0; i < 1000; i++ {
		collector.RecordGet(time.Duration(i)*time.Microsecond, true)
	}

	var buf bytes.Buffer
	err := exporter.WriteMetrics(&buf)
	if err != nil {
		t.Fatalf("Failed to write metrics: %v", err)
	}

	output := buf.String()

	// Check that large values are formatted correctly
	if !strings.Contains(output, "strata_gets_total 1000") {
		t.Error("Expected gets_total to be 1000")
	}
}
