// Package version tracks the set of on-disk tables that make up the
// database at any point in time: a leveled list of Scopes per level, a
// monotonic commit timestamp, and a manifest log of edits that lets the
// engine recover the exact table set after a restart.
package version

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mnohosten/strata/pkg/concurrent"
	"github.com/mnohosten/strata/pkg/record"
	"github.com/mnohosten/strata/pkg/sstable"
)

// MaxLevel bounds how deep the leveled tree can grow.
const MaxLevel = 7

// Scope describes one on-disk table's key range, generation id, and (for
// level 0 tables produced by minor compaction) the WAL segment ids it
// makes durable.
type Scope struct {
	Min    record.Key
	Max    record.Key
	Gen    sstable.ID
	WalIDs []sstable.ID
}

// Contains reports whether key falls within [Min, Max].
func (s Scope) Contains(key record.Key) bool {
	return key.Compare(s.Min) >= 0 && key.Compare(s.Max) <= 0
}

// EditKind tags a VersionEdit's effect on a Version.
type EditKind int

const (
	EditAdd EditKind = iota
	EditRemove
	EditLatestTimestamp
)

// VersionEdit is one change to apply to a Version: add a table to a
// level, remove one, or bump the latest commit timestamp.
type VersionEdit struct {
	Kind  EditKind
	Level int
	Scope Scope
	Gen   sstable.ID
	Ts    record.Timestamp
}

// Version is one immutable snapshot of the table set: per-level Scope
// lists sorted by Min. A VersionSet never mutates a Version in place; it
// always builds the next Version from edits and swaps it in atomically.
type Version struct {
	Levels [MaxLevel][]Scope
	ts     record.Timestamp
}

// clone returns a deep-enough copy of v for building the next version:
// each level's slice is copied so edits never alias a still-readable
// Version.
func (v *Version) clone() *Version {
	out := &Version{ts: v.ts}
	for i := range v.Levels {
		if len(v.Levels[i]) > 0 {
			out.Levels[i] = append([]Scope(nil), v.Levels[i]...)
		}
	}
	return out
}

// Ts returns the commit timestamp this version was current as of.
func (v *Version) Ts() record.Timestamp { return v.ts }

// ScopeSearch returns the index of the first scope in scopes whose Max is
// greater than or equal to key — a lower-bound binary search over Max,
// since scopes within a level are sorted by Min and never overlap, Max is
// monotonic too.
func ScopeSearch(key record.Key, scopes []Scope) int {
	return sort.Search(len(scopes), func(i int) bool {
		return scopes[i].Max.Compare(key) >= 0
	})
}

// Apply returns a new Version with edits applied in order: EditAdd inserts
// a scope into its level at the position that keeps the level sorted by
// Min, whatever order the edits arrive in, EditRemove deletes a scope by
// generation id, and EditLatestTimestamp bumps the version's ts if higher
// than the current one.
func (v *Version) Apply(edits []VersionEdit) *Version {
	next := v.clone()
	for _, e := range edits {
		switch e.Kind {
		case EditAdd:
			next.Levels[e.Level] = insertSorted(next.Levels[e.Level], e.Scope)
		case EditRemove:
			next.Levels[e.Level] = removeGen(next.Levels[e.Level], e.Gen)
		case EditLatestTimestamp:
			if e.Ts > next.ts {
				next.ts = e.Ts
			}
		}
	}
	return next
}

func insertSorted(scopes []Scope, s Scope) []Scope {
	idx := sort.Search(len(scopes), func(i int) bool {
		return scopes[i].Min.Compare(s.Min) >= 0
	})
	scopes = append(scopes, Scope{})
	copy(scopes[idx+1:], scopes[idx:])
	scopes[idx] = s
	return scopes
}

func removeGen(scopes []Scope, gen sstable.ID) []Scope {
	out := scopes[:0]
	for _, s := range scopes {
		if s.Gen != gen {
			out = append(out, s)
		}
	}
	return out
}

// Set owns the current Version and the manifest log of edits that
// produced it, serializing every mutation behind one mutex — the single-
// compactor invariant means Set is never contended enough to need
// anything fancier than a plain mutex-guarded swap.
type Set struct {
	mu      sync.RWMutex
	current *Version
	// tsSeq/genSeq are lock-free counters shared with the rest of the
	// engine's concurrency toolkit rather than ad hoc atomic.Uint32/64
	// fields, so every monotonic counter in the engine is built the same
	// way.
	tsSeq  *concurrent.Counter
	genSeq *concurrent.Counter

	log              *ManifestLog
	editsSinceRewrite int
	rewriteThreshold  int

	cleaner *Cleaner
}

// ObsoleteTable names an on-disk table a compaction has just replaced,
// schedulable for deferred deletion once no reader can still reach it.
type ObsoleteTable struct {
	Level int
	Gen   sstable.ID
}

// Config controls manifest rewrite behavior.
type Config struct {
	// RewriteThreshold is the number of edits appended to the manifest
	// log since the last snapshot before ApplyEdits snapshots it again.
	RewriteThreshold int
}

// DefaultConfig rewrites the manifest every 512 edits.
func DefaultConfig() *Config {
	return &Config{RewriteThreshold: 512}
}

// NewSet creates a Set over an empty Version, backed by log.
func NewSet(log *ManifestLog, cfg *Config) *Set {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Set{
		current:          &Version{},
		log:              log,
		rewriteThreshold: cfg.RewriteThreshold,
		tsSeq:            concurrent.NewCounter(),
		genSeq:           concurrent.NewCounter(),
	}
}

// SetCleaner attaches the deferred-deletion queue compaction schedules
// obsoleted tables on. Until a cleaner is attached, ApplyEdits still swaps
// in the new Version but leaves the replaced tables on disk.
func (s *Set) SetCleaner(c *Cleaner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleaner = c
}

// SeedCurrent installs v as the current Version without touching the
// manifest log. It exists for the one moment a caller legitimately bypasses
// the log-then-swap discipline ApplyEdits enforces: right after
// ManifestLog.Recover has replayed the log into v on startup, before this
// process appends anything of its own.
func (s *Set) SeedCurrent(v *Version) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = v
}

// Current returns the currently visible Version. Callers must not hold
// onto it across a compaction boundary if they need to observe later
// edits, but the returned Version itself never mutates.
func (s *Set) Current() *Version {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// IncreaseTs allocates and returns the next commit timestamp.
func (s *Set) IncreaseTs() record.Timestamp {
	return record.Timestamp(s.tsSeq.Inc())
}

// NextGen allocates a generation counter used to form new file ids when a
// caller wants a deterministic ordinal instead of a fresh ULID.
func (s *Set) NextGen() uint64 {
	return s.genSeq.Inc()
}

// ApplyEdits appends edits to the manifest log, builds the next Version,
// swaps it in, and (unless deferRewrite is set, for callers that will
// call Rewrite themselves at the end of a larger operation) triggers a
// manifest rewrite once editsSinceRewrite crosses the configured
// threshold.
func (s *Set) ApplyEdits(edits []VersionEdit, deferRewrite bool) error {
	return s.ApplyEditsObsolete(edits, nil, deferRewrite)
}

// ApplyEditsObsolete is ApplyEdits plus a list of tables the edits just
// replaced; once the swap has landed, those tables are pushed onto the
// attached Cleaner's queue. Nothing is deleted here and no reader
// reference count is kept: a queued table is removed only when
// Cleaner.Drain runs, whether or not a reader still uses it.
func (s *Set) ApplyEditsObsolete(edits []VersionEdit, obsolete []ObsoleteTable, deferRewrite bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.log != nil {
		if err := s.log.Append(edits); err != nil {
			return fmt.Errorf("version: append manifest: %w", err)
		}
	}
	s.current = s.current.Apply(edits)
	s.editsSinceRewrite += len(edits)

	if s.cleaner != nil {
		for _, o := range obsolete {
			s.cleaner.Push(o.Level, o.Gen)
		}
	}

	if !deferRewrite && s.editsSinceRewrite >= s.rewriteThreshold {
		return s.rewriteLocked()
	}
	return nil
}

// Rewrite compacts the manifest log down to a single snapshot of the
// current Version, the manifest-log analogue of minor compaction.
func (s *Set) Rewrite() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rewriteLocked()
}

func (s *Set) rewriteLocked() error {
	if s.log == nil {
		s.editsSinceRewrite = 0
		return nil
	}
	if err := s.log.Snapshot(s.current); err != nil {
		return fmt.Errorf("version: rewrite manifest: %w", err)
	}
	s.editsSinceRewrite = 0
	return nil
}
