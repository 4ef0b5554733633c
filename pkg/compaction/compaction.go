// Package compaction drives both minor compaction (freezing immutable
// snapshots into a level-0 on-disk table) and major compaction (merging
// overlapping runs between adjacent levels), and owns the state machine
// that keeps the two from racing each other.
package compaction

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/spf13/afero"

	"github.com/mnohosten/strata/pkg/immutable"
	"github.com/mnohosten/strata/pkg/record"
	"github.com/mnohosten/strata/pkg/sstable"
	"github.com/mnohosten/strata/pkg/version"
)

// State names the compactor's current phase, observable for diagnostics
// and tests. Minor compaction moves Idle -> Draining -> Writing -> Idle and
// major compaction Idle -> Writing -> Idle; the Compactor never enters
// Applying or Cleaning itself.
type State int

const (
	Idle State = iota
	Draining
	Writing
	Applying
	Cleaning
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Draining:
		return "draining"
	case Writing:
		return "writing"
	case Applying:
		return "applying"
	case Cleaning:
		return "cleaning"
	default:
		return "unknown"
	}
}

// Config tunes when and how aggressively major compaction runs.
type Config struct {
	// LevelSizeBase and LevelSizeMultiplier describe a per-level byte
	// budget (level N: LevelSizeBase * LevelSizeMultiplier^N). No
	// compaction decision reads them: IsThresholdExceededMajor counts
	// tables against MajorThresholdTables only.
	LevelSizeBase       int64
	LevelSizeMultiplier int64
	// MajorThresholdTables is how many tables in a level trigger major
	// compaction of that level into the next.
	MajorThresholdTables int
	// MajorLSelectionTableMax bounds how many this-level tables one major
	// compaction pass picks up.
	MajorLSelectionTableMax int
	// MajorDefaultOldestTableNum is how many of the oldest tables to pick
	// when no table in the level overlaps the triggering key range.
	MajorDefaultOldestTableNum int
	// MaxSstFileSize is the byte threshold build_tables rolls over at.
	MaxSstFileSize int64

	// ImmutableChunkNum is how many queued immutables a normal (trigger-
	// driven) flush writes into one level-0 table.
	ImmutableChunkNum int
	// ImmutableChunkMaxNum is the queue depth that forces a flush even
	// without a fresh trigger firing, so a burst of rotations can't pile
	// up immutables indefinitely while minor compaction falls behind.
	ImmutableChunkMaxNum int
}

// DefaultConfig matches the original engine's defaults.
func DefaultConfig() *Config {
	return &Config{
		LevelSizeBase:              4 << 20,
		LevelSizeMultiplier:        10,
		MajorThresholdTables:       4,
		MajorLSelectionTableMax:    4,
		MajorDefaultOldestTableNum: 2,
		MaxSstFileSize:             256 << 20,
		ImmutableChunkNum:          1,
		ImmutableChunkMaxNum:       4,
	}
}

// IsThresholdExceededMajor reports whether level has enough tables to
// warrant compacting it into level+1.
func (c *Config) IsThresholdExceededMajor(v *version.Version, level int) bool {
	return len(v.Levels[level]) >= c.MajorThresholdTables
}

// Opener opens an on-disk table for scanning.
type Opener func(ctx context.Context, level int, id sstable.ID) (*sstable.Reader, error)

// Compactor owns the moving parts of both compaction kinds: the schema it
// writes tables for, the filesystem it writes them to, and the version
// set it applies edits against.
type Compactor struct {
	schema *record.DynSchema
	fs     afero.Fs
	levels func(level int) string // path prefix for a level's tables
	set    *version.Set
	cfg    *Config
	sstCfg *sstable.Config
	pool   memory.Allocator
	open   Opener
	state  State
}

// New creates a Compactor. levelPath maps a level index to the directory
// its on-disk tables live in, and open is how the compactor reads an
// existing table during a merge.
func New(schema *record.DynSchema, fs afero.Fs, levelPath func(int) string, set *version.Set, cfg *Config, open Opener) *Compactor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Compactor{
		schema: schema,
		fs:     fs,
		levels: levelPath,
		set:    set,
		cfg:    cfg,
		sstCfg: sstable.DefaultConfig(),
		pool:   memory.NewGoAllocator(),
		open:   open,
		state:  Idle,
	}
}

// State reports the compactor's current phase.
func (c *Compactor) State() State { return c.state }

// MinorCompaction flushes one or more immutable snapshots into a single
// new level-0 table, folding recoverWalIDs (pending from a prior crash
// recovery, drained exactly once by the caller) into the resulting
// Scope's WalIDs alongside the WAL ids the snapshots themselves carried.
func (c *Compactor) MinorCompaction(ctx context.Context, snapshots []*immutable.Snapshot, walIDs [][]byte, recoverWalIDs []sstable.ID) (*version.Scope, error) {
	if len(snapshots) == 0 {
		return nil, nil
	}
	c.state = Draining
	defer func() { c.state = Idle }()

	gen := sstable.NewID()
	path := fmt.Sprintf("%s/%s.parquet", c.levels(0), gen.String())

	var min, max record.Key
	var allKeys []record.BytesKey

	c.state = Writing
	// Snapshots are written back to back in source order rather than
	// merged: a fresh minor compaction's snapshots never overlap in time
	// (each came from a distinct mutable-table rotation), so a k-way
	// merge would do extra work for no benefit here.
	builder := immutable.NewBuilder(c.schema, c.pool)
	for _, snap := range snapshots {
		smin, smax, ok := snap.Scope()
		if !ok {
			continue
		}
		if min == nil || smin.Compare(min) < 0 {
			min = smin
		}
		if max == nil || smax.Compare(max) > 0 {
			max = smax
		}
		it := snap.NewIterator(record.Range{}, record.ProjectionMask{})
		for it.Valid() {
			rec, err := it.Record()
			if err != nil {
				return nil, fmt.Errorf("compaction: minor read: %w", err)
			}
			builder.Push(rec)
			allKeys = append(allKeys, rec.PrimaryKey())
			it.Next()
		}
	}
	if min == nil || max == nil {
		return nil, ErrEmptyLevel
	}

	batch := builder.Finish().AsRecordBatch()
	if err := sstable.Write(c.fs, path, batch, allKeys, c.sstCfg); err != nil {
		return nil, fmt.Errorf("compaction: minor write: %w", err)
	}

	scope := &version.Scope{Min: min, Max: max, Gen: gen}
	scope.WalIDs = append(append([]sstable.ID(nil), recoverWalIDs...), decodeWalIDs(walIDs)...)
	return scope, nil
}

func decodeWalIDs(raw [][]byte) []sstable.ID {
	out := make([]sstable.ID, 0, len(raw))
	for _, r := range raw {
		var id sstable.ID
		copy(id[:], r)
		out = append(out, id)
	}
	return out
}

// ThisLevelScopes selects the scopes in level that overlap [min, max],
// capped at cfg.MajorLSelectionTableMax; if none overlap, it falls back
// to the oldest MajorDefaultOldestTableNum scopes in the level so major
// compaction still makes progress on a level whose key ranges have
// drifted away from the most recently written data.
func (c *Compactor) ThisLevelScopes(v *version.Version, min, max record.Key, level int) (scopes []version.Scope, start, end int) {
	scopesInLevel := v.Levels[level]
	start = version.ScopeSearch(min, scopesInLevel)
	end = start

	for _, s := range scopesInLevel[start:] {
		if (s.Contains(min) || s.Contains(max)) && len(scopes) < c.cfg.MajorLSelectionTableMax {
			scopes = append(scopes, s)
			end++
		} else {
			break
		}
	}
	if len(scopes) == 0 {
		start = 0
		end = c.cfg.MajorDefaultOldestTableNum
		if end > len(scopesInLevel) {
			end = len(scopesInLevel)
		}
		for _, s := range scopesInLevel[:end] {
			if len(scopes) >= c.cfg.MajorLSelectionTableMax {
				break
			}
			scopes = append(scopes, s)
		}
	}
	return scopes, start, end - 1
}

// NextLevelScopes selects the scopes in level+1 overlapping the min/max
// range implied by meetScopesL, widening min/max to that range's own
// extent first (the original engine mutates the caller's min/max pointers
// for the same reason: a later call into major compaction's per-level
// loop needs the widened range, not the original triggering key range).
func (c *Compactor) NextLevelScopes(v *version.Version, min, max record.Key, level int, meetScopesL []version.Scope) (scopes []version.Scope, start, end int, newMin, newMax record.Key, err error) {
	newMin, newMax = min, max
	if len(v.Levels[level+1]) == 0 {
		return nil, 0, 0, newMin, newMax, nil
	}

	for _, s := range meetScopesL {
		if newMin == nil || s.Min.Compare(newMin) < 0 {
			newMin = s.Min
		}
		if newMax == nil || s.Max.Compare(newMax) > 0 {
			newMax = s.Max
		}
	}

	nextLevel := v.Levels[level+1]
	start = version.ScopeSearch(newMin, nextLevel)
	end = version.ScopeSearch(newMax, nextLevel)

	upper := end + 1
	if upper > len(nextLevel) {
		upper = len(nextLevel)
	}
	for _, s := range nextLevel[start:upper] {
		if s.Contains(newMin) || s.Contains(newMax) {
			scopes = append(scopes, s)
		}
	}
	return scopes, start, end, newMin, newMax, nil
}
