package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// SlowEventLog tracks and logs engine operations (flush, minor compaction,
// major compaction, manifest rewrite) that take longer than a configured
// threshold, the same ring-buffer-plus-optional-file design the original
// slow query log used for MongoDB-style operations.
type SlowEventLog struct {
	threshold  time.Duration
	maxEntries int
	logFile    *os.File
	entries    []SlowEventEntry
	mu         sync.RWMutex
	enabled    bool
	logToFile  bool
}

// SlowEventEntry is a single slow-operation log entry.
type SlowEventEntry struct {
	Timestamp      time.Time     `json:"timestamp"`
	Duration       time.Duration `json:"duration_ns"`
	DurationMS     float64       `json:"duration_ms"`
	Operation      string        `json:"operation"` // "flush", "minor_compaction", "major_compaction", "manifest_rewrite"
	Level          int           `json:"level,omitempty"`
	TablesInvolved int           `json:"tables_involved,omitempty"`
	RowsWritten    int           `json:"rows_written,omitempty"`
	BytesWritten   int64         `json:"bytes_written,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// SlowEventLogConfig holds configuration for the slow event log.
type SlowEventLogConfig struct {
	Threshold   time.Duration // Minimum duration to log (default: 100ms)
	MaxEntries  int           // Maximum in-memory entries (default: 1000)
	LogFilePath string        // Optional file path for persistent logging
	Enabled     bool          // Enable/disable logging (default: true)
}

// DefaultSlowEventLogConfig returns default configuration.
func DefaultSlowEventLogConfig() *SlowEventLogConfig {
	return &SlowEventLogConfig{
		Threshold:  100 * time.Millisecond,
		MaxEntries: 1000,
		Enabled:    true,
	}
}

// NewSlowEventLog creates a new slow event log.
func NewSlowEventLog(config *SlowEventLogConfig) (*SlowEventLog, error) {
	if config == nil {
		config = DefaultSlowEventLogConfig()
	}

	sel := &SlowEventLog{
		threshold:  config.Threshold,
		maxEntries: config.MaxEntries,
		entries:    make([]SlowEventEntry, 0, config.MaxEntries),
		enabled:    config.Enabled,
	}

	if config.LogFilePath != "" {
		f, err := os.OpenFile(config.LogFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open slow event log file: %w", err)
		}
		sel.logFile = f
		sel.logToFile = true
	}

	return sel, nil
}

// LogEvent logs an operation if it exceeds the threshold.
func (sel *SlowEventLog) LogEvent(entry SlowEventEntry) {
	if !sel.enabled {
		return
	}
	if entry.Duration < sel.threshold {
		return
	}

	entry.Timestamp = time.Now()
	entry.DurationMS = float64(entry.Duration.Nanoseconds()) / 1e6

	sel.mu.Lock()
	defer sel.mu.Unlock()

	if len(sel.entries) >= sel.maxEntries {
		sel.entries = sel.entries[1:]
	}
	sel.entries = append(sel.entries, entry)

	if sel.logToFile && sel.logFile != nil {
		sel.writeToFile(entry)
	}
}

func (sel *SlowEventLog) writeToFile(entry SlowEventEntry) {
	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_, _ = sel.logFile.Write(jsonBytes)
	_, _ = sel.logFile.Write([]byte("\n"))
}

// GetEntries returns all slow event log entries.
func (sel *SlowEventLog) GetEntries() []SlowEventEntry {
	sel.mu.RLock()
	defer sel.mu.RUnlock()

	entries := make([]SlowEventEntry, len(sel.entries))
	copy(entries, sel.entries)
	return entries
}

// GetRecentEntries returns the N most recent entries.
func (sel *SlowEventLog) GetRecentEntries(n int) []SlowEventEntry {
	sel.mu.RLock()
	defer sel.mu.RUnlock()

	if n > len(sel.entries) {
		n = len(sel.entries)
	}
	start := len(sel.entries) - n
	entries := make([]SlowEventEntry, n)
	copy(entries, sel.entries[start:])
	return entries
}

// GetEntriesByOperation returns entries for a specific operation kind.
func (sel *SlowEventLog) GetEntriesByOperation(operation string) []SlowEventEntry {
	sel.mu.RLock()
	defer sel.mu.RUnlock()

	var filtered []SlowEventEntry
	for _, entry := range sel.entries {
		if entry.Operation == operation {
			filtered = append(filtered, entry)
		}
	}
	return filtered
}

// GetEntriesSince returns entries since a specific time.
func (sel *SlowEventLog) GetEntriesSince(since time.Time) []SlowEventEntry {
	sel.mu.RLock()
	defer sel.mu.RUnlock()

	var filtered []SlowEventEntry
	for _, entry := range sel.entries {
		if entry.Timestamp.After(since) {
			filtered = append(filtered, entry)
		}
	}
	return filtered
}

// GetStatistics returns aggregate statistics about logged events.
func (sel *SlowEventLog) GetStatistics() map[string]interface{} {
	sel.mu.RLock()
	defer sel.mu.RUnlock()

	if len(sel.entries) == 0 {
		return map[string]interface{}{
			"total_entries": 0,
			"threshold_ms":  sel.threshold.Milliseconds(),
		}
	}

	var totalDuration, maxDuration time.Duration
	minDuration := time.Duration(1<<63 - 1)
	byOperation := make(map[string]int)

	for _, entry := range sel.entries {
		totalDuration += entry.Duration
		if entry.Duration > maxDuration {
			maxDuration = entry.Duration
		}
		if entry.Duration < minDuration {
			minDuration = entry.Duration
		}
		byOperation[entry.Operation]++
	}

	avgDuration := totalDuration / time.Duration(len(sel.entries))

	return map[string]interface{}{
		"total_entries":   len(sel.entries),
		"threshold_ms":    sel.threshold.Milliseconds(),
		"avg_duration_ms": float64(avgDuration.Nanoseconds()) / 1e6,
		"min_duration_ms": float64(minDuration.Nanoseconds()) / 1e6,
		"max_duration_ms": float64(maxDuration.Nanoseconds()) / 1e6,
		"by_operation":    byOperation,
	}
}

// Clear removes all entries from the log.
func (sel *SlowEventLog) Clear() {
	sel.mu.Lock()
	defer sel.mu.Unlock()
	sel.entries = make([]SlowEventEntry, 0, sel.maxEntries)
}

// SetThreshold updates the threshold duration.
func (sel *SlowEventLog) SetThreshold(threshold time.Duration) {
	sel.mu.Lock()
	defer sel.mu.Unlock()
	sel.threshold = threshold
}

// GetThreshold returns the current threshold.
func (sel *SlowEventLog) GetThreshold() time.Duration {
	sel.mu.RLock()
	defer sel.mu.RUnlock()
	return sel.threshold
}

// Enable enables slow event logging.
func (sel *SlowEventLog) Enable() {
	sel.mu.Lock()
	defer sel.mu.Unlock()
	sel.enabled = true
}

// Disable disables slow event logging.
func (sel *SlowEventLog) Disable() {
	sel.mu.Lock()
	defer sel.mu.Unlock()
	sel.enabled = false
}

// IsEnabled returns whether logging is enabled.
func (sel *SlowEventLog) IsEnabled() bool {
	sel.mu.RLock()
	defer sel.mu.RUnlock()
	return sel.enabled
}

// ExportToJSON exports all entries to a JSON writer.
func (sel *SlowEventLog) ExportToJSON(w io.Writer) error {
	sel.mu.RLock()
	defer sel.mu.RUnlock()

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(sel.entries)
}

// Close closes the log file if open.
func (sel *SlowEventLog) Close() error {
	sel.mu.Lock()
	defer sel.mu.Unlock()

	if sel.logFile != nil {
		err := sel.logFile.Close()
		sel.logFile = nil
		sel.logToFile = false
		return err
	}
	return nil
}

// GetTopSlowest returns the N slowest operations.
func (sel *SlowEventLog) GetTopSlowest(n int) []SlowEventEntry {
	sel.mu.RLock()
	defer sel.mu.RUnlock()

	if len(sel.entries) == 0 {
		return nil
	}

	entries := make([]SlowEventEntry, len(sel.entries))
	copy(entries, sel.entries)

	for i := 1; i < len(entries); i++ {
		key := entries[i]
		j := i - 1
		for j >= 0 && entries[j].Duration < key.Duration {
			entries[j+1] = entries[j]
			j--
		}
		entries[j+1] = key
	}

	if n > len(entries) {
		n = len(entries)
	}
	return entries[:n]
}
