package engine

import (
	"github.com/mnohosten/strata/pkg/compaction"
	"github.com/mnohosten/strata/pkg/metrics"
	"github.com/mnohosten/strata/pkg/sstable"
	"github.com/mnohosten/strata/pkg/trigger"
	"github.com/mnohosten/strata/pkg/version"
)

// EventLogger is the slow-event sink type Options.Logger accepts;
// *metrics.SlowEventLog implements it. The engine itself never calls
// LogEvent: flush, compaction and recovery produce no entries in it.
type EventLogger interface {
	LogEvent(entry metrics.SlowEventEntry)
}

// Options aggregates every subsystem's tunables into the single struct a
// caller passes to Open, mirroring the original engine's single top-level
// Config that fans out into per-component defaults.
type Options struct {
	// Dir is the root directory tables, WAL segments, and the manifest
	// live under.
	Dir string

	Trigger    *trigger.Config
	Compaction *compaction.Config
	Version    *version.Config
	SsTable    *sstable.Config

	// Logger is held by the DB and, if it has a Close method, closed by
	// DB.Close. The engine does not emit slow events to it. Nil is allowed.
	Logger EventLogger
}

// DefaultOptions builds an Options rooted at dir with every subsystem at
// its own package default. The default slow-event logger is in-memory only
// (no log file), so construction never fails.
func DefaultOptions(dir string) *Options {
	logger, _ := metrics.NewSlowEventLog(metrics.DefaultSlowEventLogConfig())
	return &Options{
		Dir:        dir,
		Trigger:    trigger.DefaultConfig(),
		Compaction: compaction.DefaultConfig(),
		Version:    version.DefaultConfig(),
		SsTable:    sstable.DefaultConfig(),
		Logger:     logger,
	}
}
