package metrics

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"
	"time"
)

func TestSlowEventLog_LogEvent(t *testing.T) {
	sel, err := NewSlowEventLog(&SlowEventLogConfig{
		Threshold:  50 * time.Millisecond,
		MaxEntries: 100,
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("Failed to create slow event log: %v", err)
	}

	// Log a slow event (above threshold)
	sel.LogEvent(SlowEventEntry{
		Duration:       100 * time.Millisecond,
		Operation:      "major_compaction",
		Level:          2,
		TablesInvolved: 4,
	})

	// Log a fast event (below threshold)
	sel.LogEvent(SlowEventEntry{
		Duration:  10 * time.Millisecond,
		Operation: "flush",
	})

	entries := sel.GetEntries()
	if len(entries) != 1 {
		t.Errorf("Expected 1 slow event entry, got %d", len(entries))
	}

	if entries[0].Operation != "major_compaction" {
		t.Errorf("Expected operation 'major_compaction', got '%s'", entries[0].Operation)
	}
	if entries[0].Level != 2 {
		t.Errorf("Expected level 2, got %d", entries[0].Level)
	}
}

func TestSlowEventLog_MaxEntries(t *testing.T) {
	sel, err := NewSlowEventLog(&SlowEventLogConfig{
		Threshold:  10 * time.Millisecond,
		MaxEntries: 5, // Small buffer
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("Failed to create slow event log: %v", err)
	}

	// Log 10 slow events
	for i := 0; i < 10; i++ {
		sel.LogEvent(SlowEventEntry{
			Duration:  20 * time.Millisecond,
			Operation: "flush",
		})
	}

	entries := sel.GetEntries()
	if len(entries) != 5 {
		t.Errorf("Expected 5 entries (max), got %d", len(entries))
	}
}

func TestSlowEventLog_GetRecentEntries(t *testing.T) {
	sel, err := NewSlowEventLog(&SlowEventLogConfig{
		Threshold:  10 * time.Millisecond,
		MaxEntries: 100,
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("Failed to create slow event log: %v", err)
	}

	for i := 0; i < 10; i++ {
		sel.LogEvent(SlowEventEntry{
			Duration:  20 * time.Millisecond,
			Operation: "flush",
		})
	}

	recent := sel.GetRecentEntries(3)
	if len(recent) != 3 {
		t.Errorf("Expected 3 recent entries, got %d", len(recent))
	}
}

func TestSlowEventLog_GetEntriesByOperation(t *testing.T) {
	sel, err := NewSlowEventLog(&SlowEventLogConfig{
		Threshold:  10 * time.Millisecond,
		MaxEntries: 100,
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("Failed to create slow event log: %v", err)
	}

	sel.LogEvent(SlowEventEntry{
		Duration:  50 * time.Millisecond,
		Operation: "flush",
	})

	sel.LogEvent(SlowEventEntry{
		Duration:  60 * time.Millisecond,
		Operation: "minor_compaction",
	})

	sel.LogEvent(SlowEventEntry{
		Duration:  70 * time.Millisecond,
		Operation: "flush",
	})

	flushEntries := sel.GetEntriesByOperation("flush")
	if len(flushEntries) != 2 {
		t.Errorf("Expected 2 flush entries, got %d", len(flushEntries))
	}

	compactEntries := sel.GetEntriesByOperation("minor_compaction")
	if len(compactEntries) != 1 {
		t.Errorf("Expected 1 minor_compaction entry, got %d", len(compactEntries))
	}
}

func TestSlowEventLog_GetEntriesSince(t *testing.T) {
	sel, err := NewSlowEventLog(&SlowEventLogConfig{
		Threshold:  10 * time.Millisecond,
		MaxEntries: 100,
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("Failed to create slow event log: %v", err)
	}

	now := time.Now()

	// Log entry in the past
	sel.mu.Lock()
	sel.entries = append(sel.entries, SlowEventEntry{
		Timestamp: now.Add(-10 * time.Minute),
		Duration:  50 * time.Millisecond,
		Operation: "flush",
	})
	sel.mu.Unlock()

	// Log current entry
	sel.LogEvent(SlowEventEntry{
		Duration:  60 * time.Millisecond,
		Operation: "minor_compaction",
	})

	// Get entries since 5 minutes ago
	recent := sel.GetEntriesSince(now.Add(-5 * time.Minute))
	if len(recent) != 1 {
		t.Errorf("Expected 1 recent entry, got %d", len(recent))
	}
}

func TestSlowEventLog_GetStatistics(t *testing.T) {
	sel, err := NewSlowEventLog(&SlowEventLogConfig{
		Threshold:  10 * time.Millisecond,
		MaxEntries: 100,
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("Failed to create slow event log: %v", err)
	}

	sel.LogEvent(SlowEventEntry{
		Duration:  50 * time.Millisecond,
		Operation: "flush",
	})

	sel.LogEvent(SlowEventEntry{
		Duration:  100 * time.Millisecond,
		Operation: "major_compaction",
	})

	sel.LogEvent(SlowEventEntry{
		Duration:  75 * time.Millisecond,
		Operation: "flush",
	})

	stats := sel.GetStatistics()

	if stats["total_entries"].(int) != 3 {
		t.Errorf("Expected 3 total entries, got %v", stats["total_entries"])
	}

	avgDuration := stats["avg_duration_ms"].(float64)
	if avgDuration < 74.0 || avgDuration > 76.0 {
		t.Errorf("Expected avg duration ~75ms, got %.2fms", avgDuration)
	}

	byOp := stats["by_operation"].(map[string]int)
	if byOp["flush"] != 2 {
		t.Errorf("Expected 2 flushes, got %d", byOp["flush"])
	}
	if byOp["major_compaction"] != 1 {
		t.Errorf("Expected 1 major_compaction, got %d", byOp["major_compaction"])
	}
}

func TestSlowEventLog_Clear(t *testing.T) {
	sel, err := NewSlowEventLog(&SlowEventLogConfig{
		Threshold:  10 * time.Millisecond,
		MaxEntries: 100,
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("Failed to create slow event log: %v", err)
	}

	sel.LogEvent(SlowEventEntry{
		Duration:  50 * time.Millisecond,
		Operation: "flush",
	})

	if len(sel.GetEntries()) != 1 {
		t.Error("Expected 1 entry before clear")
	}

	sel.Clear()

	if len(sel.GetEntries()) != 0 {
		t.Error("Expected 0 entries after clear")
	}
}

func TestSlowEventLog_ThresholdUpdate(t *testing.T) {
	sel, err := NewSlowEventLog(&SlowEventLogConfig{
		Threshold:  50 * time.Millisecond,
		MaxEntries: 100,
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("Failed to create slow event log: %v", err)
	}

	if sel.GetThreshold() != 50*time.Millisecond {
		t.Error("Expected initial threshold of 50ms")
	}

	sel.SetThreshold(200 * time.Millisecond)
	if sel.GetThreshold() != 200*time.Millisecond {
		t.Error("Expected updated threshold of 200ms")
	}

	// Event below new threshold shouldn't be logged.
	sel.LogEvent(SlowEventEntry{Duration: 100 * time.Millisecond, Operation: "flush"})
	if len(sel.GetEntries()) != 0 {
		t.Error("Expected 0 entries below new threshold")
	}
}

func TestSlowEventLog_EnableDisable(t *testing.T) {
	sel, err := NewSlowEventLog(&SlowEventLogConfig{
		Threshold:  10 * time.Millisecond,
		MaxEntries: 100,
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("Failed to create slow event log: %v", err)
	}

	if !sel.IsEnabled() {
		t.Error("Expected logging enabled by default")
	}

	sel.Disable()
	sel.LogEvent(SlowEventEntry{Duration: 50 * time.Millisecond, Operation: "flush"})
	if len(sel.GetEntries()) != 0 {
		t.Error("Expected 0 entries while disabled")
	}

	sel.Enable()
	sel.LogEvent(SlowEventEntry{Duration: 50 * time.Millisecond, Operation: "flush"})
	if len(sel.GetEntries()) != 1 {
		t.Error("Expected 1 entry after re-enabling")
	}
}

func TestSlowEventLog_ExportToJSON(t *testing.T) {
	sel, err := NewSlowEventLog(&SlowEventLogConfig{
		Threshold:  10 * time.Millisecond,
		MaxEntries: 100,
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("Failed to create slow event log: %v", err)
	}

	sel.LogEvent(SlowEventEntry{Duration: 50 * time.Millisecond, Operation: "flush"})
	sel.LogEvent(SlowEventEntry{Duration: 60 * time.Millisecond, Operation: "minor_compaction"})

	var buf bytes.Buffer
	if err := sel.ExportToJSON(&buf); err != nil {
		t.Fatalf("ExportToJSON failed: %v", err)
	}

	var decoded []SlowEventEntry
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("Failed to decode exported JSON: %v", err)
	}
	if len(decoded) != 2 {
		t.Errorf("Expected 2 exported entries, got %d", len(decoded))
	}
}

func TestSlowEventLog_FileLogging(t *testing.T) {
	path := t.TempDir() + "/slow_events.log"

	sel, err := NewSlowEventLog(&SlowEventLogConfig{
		Threshold:   10 * time.Millisecond,
		MaxEntries:  100,
		LogFilePath: path,
		Enabled:     true,
	})
	if err != nil {
		t.Fatalf("Failed to create slow event log: %v", err)
	}

	sel.LogEvent(SlowEventEntry{Duration: 50 * time.Millisecond, Operation: "flush"})

	if err := sel.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if len(data) == 0 {
		t.Error("Expected non-empty log file")
	}
}

func TestSlowEventLog_GetTopSlowest(t *testing.T) {
	sel, err := NewSlowEventLog(&SlowEventLogConfig{
		Threshold:  10 * time.Millisecond,
		MaxEntries: 100,
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("Failed to create slow event log: %v", err)
	}

	sel.LogEvent(SlowEventEntry{Duration: 50 * time.Millisecond, Operation: "flush"})
	sel.LogEvent(SlowEventEntry{Duration: 200 * time.Millisecond, Operation: "major_compaction"})
	sel.LogEvent(SlowEventEntry{Duration: 100 * time.Millisecond, Operation: "minor_compaction"})

	top := sel.GetTopSlowest(2)
	if len(top) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(top))
	}
	if top[0].Operation != "major_compaction" {
		t.Errorf("Expected slowest entry to be major_compaction, got %s", top[0].Operation)
	}
	if top[1].Operation != "minor_compaction" {
		t.Errorf("Expected second slowest entry to be minor_compaction, got %s", top[1].Operation)
	}
}

func TestSlowEventLog_DefaultConfig(t *testing.T) {
	cfg := DefaultSlowEventLogConfig()
	if cfg.Threshold != 100*time.Millisecond {
		t.Errorf("Expected default threshold 100ms, got %v", cfg.Threshold)
	}
	if cfg.MaxEntries != 1000 {
		t.Errorf("Expected default max entries 1000, got %d", cfg.MaxEntries)
	}
	if !cfg.Enabled {
		t.Error("Expected logging enabled by default")
	}

	sel, err := NewSlowEventLog(nil)
	if err != nil {
		t.Fatalf("NewSlowEventLog(nil) failed: %v", err)
	}
	if sel.GetThreshold() != 100*time.Millisecond {
		t.Error("Expected nil config to fall back to defaults")
	}
}

func TestSlowEventLog_EmptyStatistics(t *testing.T) {
	sel, err := NewSlowEventLog(&SlowEventLogConfig{
		Threshold:  10 * time.Millisecond,
		MaxEntries: 100,
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("Failed to create slow event log: %v", err)
	}

	stats := sel.GetStatistics()
	if stats["total_entries"].(int) != 0 {
		t.Errorf("Expected 0 total entries, got %v", stats["total_entries"])
	}
}
