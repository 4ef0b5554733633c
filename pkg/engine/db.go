// Package engine ties the mutable table, immutable snapshots, on-disk
// SSTables, the compactor, and the version set into the single embeddable
// database the rest of the packages exist to support: DB.Open recovers
// whatever a prior process left on disk, and Insert/Remove/Get/Scan/Commit
// are the entire surface a host program needs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/spf13/afero"
	"golang.org/x/sync/semaphore"

	"github.com/mnohosten/strata/pkg/compaction"
	"github.com/mnohosten/strata/pkg/immutable"
	"github.com/mnohosten/strata/pkg/metrics"
	"github.com/mnohosten/strata/pkg/mutable"
	"github.com/mnohosten/strata/pkg/record"
	"github.com/mnohosten/strata/pkg/sstable"
	"github.com/mnohosten/strata/pkg/trigger"
	"github.com/mnohosten/strata/pkg/version"
	"github.com/mnohosten/strata/pkg/wal"
)

// immutableEntry is one frozen mutable table still sitting in the flush
// queue, paired with the WAL segment id its rows are durable under.
type immutableEntry struct {
	walID sstable.ID
	snap  *immutable.Snapshot
}

// DB is the embedded storage engine: a mutable table fronting a durable
// WAL, a queue of frozen immutables awaiting minor compaction, and a
// version set describing the on-disk table tree. Every exported method is
// safe for concurrent use by multiple goroutines.
type DB struct {
	schema *record.DynSchema
	fs     afero.Fs
	dir    string
	opts   *Options

	// mu guards mutable/immutables/recoverWalIDs the same way the
	// original engine's upgradable RW-lock guards DbStorage: readers take
	// RLock, the freeze step that swaps in a fresh mutable table takes
	// Lock.
	mu            sync.RWMutex
	mutable       *mutable.Table
	curWAL        *wal.WAL
	immutables    []immutableEntry
	recoverWalIDs []sstable.ID
	trig          trigger.Trigger

	version   *version.Set
	manifest  *version.ManifestLog
	cleaner   *version.Cleaner
	compactor *compaction.Compactor
	cache     *sstable.Cache
	pool      memory.Allocator

	// compactSem enforces the single-compactor invariant: only one minor
	// or major compaction pass runs at a time, mirroring the original
	// engine's single compaction task.
	compactSem *semaphore.Weighted

	metrics *metrics.MetricsCollector
	logger  EventLogger

	closed bool
}

// fsDeleter implements version.Deleter by removing a table's parquet file
// and bloom sidecar from fs and evicting any cached Reader for it.
type fsDeleter struct {
	fs        afero.Fs
	levelPath func(int) string
	cache     *sstable.Cache
}

func (d *fsDeleter) Delete(level int, gen sstable.ID) error {
	d.cache.Evict(gen)
	path := fmt.Sprintf("%s/%s.parquet", d.levelPath(level), gen.String())
	if err := d.fs.Remove(path); err != nil && !isNotExist(err) {
		return fmt.Errorf("engine: delete %s: %w", path, err)
	}
	_ = d.fs.Remove(path + ".bloom")
	return nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

// levelPath returns the directory level L's tables live under.
func (db *DB) levelPath(level int) string {
	return fmt.Sprintf("%s/%d", db.dir, level)
}

func (db *DB) walDir() string { return db.dir + "/wal" }

// Open recovers (or creates) a database rooted at opts.Dir on fs: the
// manifest log is replayed into a Version, WAL segments not referenced by
// any Scope are replayed into a fresh mutable table, and a new WAL segment
// is opened for writes made in this process.
func Open(fs afero.Fs, schema *record.DynSchema, opts *Options) (*DB, error) {
	if opts == nil {
		opts = DefaultOptions(".")
	}
	for _, dir := range []string{opts.Dir, opts.Dir + "/wal", opts.Dir + "/version"} {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("engine: mkdir %s: %w", dir, err)
		}
	}
	for l := 0; l < version.MaxLevel; l++ {
		if err := fs.MkdirAll(fmt.Sprintf("%s/%d", opts.Dir, l), 0o755); err != nil {
			return nil, fmt.Errorf("engine: mkdir level %d: %w", l, err)
		}
	}

	manifestPath := opts.Dir + "/version/manifest"
	manifest, err := version.OpenManifestLog(fs, manifestPath)
	if err != nil {
		return nil, fmt.Errorf("engine: open manifest: %w", err)
	}
	recovered, err := manifest.Recover()
	if err != nil {
		return nil, fmt.Errorf("engine: recover manifest: %w", err)
	}

	vset := version.NewSet(manifest, opts.Version)
	vset.SeedCurrent(recovered)

	cache := sstable.NewCache(256, 16)
	pool := memory.NewGoAllocator()

	db := &DB{
		schema:     schema,
		fs:         fs,
		dir:        opts.Dir,
		opts:       opts,
		version:    vset,
		manifest:   manifest,
		cache:      cache,
		pool:       pool,
		compactSem: semaphore.NewWeighted(1),
		metrics:    metrics.NewMetricsCollector(),
		logger:     opts.Logger,
	}

	db.cleaner = version.NewCleaner(&fsDeleter{fs: fs, levelPath: db.levelPath, cache: cache})
	vset.SetCleaner(db.cleaner)

	db.compactor = compaction.New(schema, fs, db.levelPath, vset, opts.Compaction, db.openTable)

	if err := db.recover(); err != nil {
		return nil, err
	}

	return db, nil
}

// recover replays every WAL segment not referenced by a Scope.wal_ids into
// a fresh mutable table, then attaches a newly created WAL segment so
// writes made in this process land in their own file.
func (db *DB) recover() error {
	referenced := map[sstable.ID]bool{}
	v := db.version.Current()
	for level := range v.Levels {
		for _, s := range v.Levels[level] {
			for _, id := range s.WalIDs {
				referenced[id] = true
			}
		}
	}

	entries, err := afero.ReadDir(db.fs, db.walDir())
	if err != nil {
		return fmt.Errorf("engine: list wal dir: %w", err)
	}
	var unreferenced []sstable.ID
	for _, e := range entries {
		name := e.Name()
		if len(name) < 5 || name[len(name)-4:] != ".wal" {
			continue
		}
		var id sstable.ID
		if perr := id.UnmarshalText([]byte(name[:len(name)-4])); perr != nil {
			continue
		}
		if !referenced[id] {
			unreferenced = append(unreferenced, id)
		}
	}
	sort.Slice(unreferenced, func(i, j int) bool {
		return unreferenced[i].Compare(unreferenced[j]) < 0
	})

	db.trig = trigger.New(db.opts.Trigger)
	table := mutable.New(db.schema, db.trig, nil)
	for _, id := range unreferenced {
		path := fmt.Sprintf("%s/%s.wal", db.walDir(), id.String())
		seg, err := mutable.Recover(db.fs, path, db.schema, db.trig)
		if err != nil {
			return fmt.Errorf("engine: recover wal segment %s: %w", id.String(), err)
		}
		it := seg.NewIterator(record.Range{})
		for it.Valid() {
			if _, err := table.Insert(it.Record()); err != nil {
				return fmt.Errorf("engine: replay wal segment %s: %w", id.String(), err)
			}
			it.Next()
		}
	}
	db.trig.Reset()

	freshID := wal.NewID()
	w, err := wal.Open(db.fs, db.walDir(), freshID)
	if err != nil {
		return fmt.Errorf("engine: open wal segment: %w", err)
	}
	table.AttachLog(w)

	db.mutable = table
	db.curWAL = w
	db.recoverWalIDs = unreferenced
	return nil
}

// Metrics returns the engine's live metrics collector, so an embedder can
// wire its own Prometheus exporter, slow-query logger, or profiler against
// it without reaching into DB internals.
func (db *DB) Metrics() *metrics.MetricsCollector { return db.metrics }

func (db *DB) openTable(ctx context.Context, level int, id sstable.ID) (*sstable.Reader, error) {
	if rdr, ok := db.cache.Get(id); ok {
		db.metrics.RecordCacheHit()
		return rdr, nil
	}
	db.metrics.RecordCacheMiss()
	path := fmt.Sprintf("%s/%s.parquet", db.levelPath(level), id.String())
	rdr, err := sstable.Open(db.fs, path, db.schema, db.pool)
	if err != nil {
		return nil, err
	}
	db.cache.Put(id, rdr)
	return rdr, nil
}

// Close flushes the active WAL segment and releases open table readers.
// Close does not force a final minor compaction; pending writes remain in
// the WAL and are replayed the next time Open runs against this directory.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	db.closed = true

	var err error
	if db.curWAL != nil {
		err = db.curWAL.Close()
	}
	db.cache.Close()
	if db.logger != nil {
		if closer, ok := db.logger.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
	}
	return err
}

func (db *DB) checkOpen() error {
	if db.closed {
		return ErrClosed
	}
	return nil
}

// Insert durably writes rec, assigning it the next commit timestamp, and
// rotates the mutable table into the flush queue if the write pushed it
// past its trigger.
func (db *DB) Insert(ctx context.Context, rec *record.DynRecord) error {
	start := time.Now()
	rec.Ts = db.version.IncreaseTs()

	db.mu.RLock()
	exceeded, err := db.mutable.Insert(rec)
	db.mu.RUnlock()

	db.metrics.RecordWrite(time.Since(start), err == nil)
	if err != nil {
		return err
	}
	db.metrics.RecordWalAppend()
	if exceeded {
		return db.rotate(ctx, false)
	}
	return nil
}

// Remove writes a tombstone for key, assigning it the next commit
// timestamp.
func (db *DB) Remove(ctx context.Context, key record.BytesKey) error {
	start := time.Now()
	ts := db.version.IncreaseTs()

	db.mu.RLock()
	exceeded, err := db.mutable.Remove(key, ts)
	db.mu.RUnlock()

	db.metrics.RecordWrite(time.Since(start), err == nil)
	if err != nil {
		return err
	}
	db.metrics.RecordWalAppend()
	if exceeded {
		return db.rotate(ctx, false)
	}
	return nil
}

// Write is one key's new value (or tombstone, if Record is nil) submitted
// to Commit.
type Write struct {
	Key    record.BytesKey
	Record *record.DynRecord
}

// Commit applies writes atomically under optimistic concurrency control:
// if any key in writes was modified by another writer strictly after
// readTs, the whole batch is rejected with ErrCommit and nothing is
// applied. Every accepted write is assigned the same new commit timestamp.
func (db *DB) Commit(ctx context.Context, writes []Write, readTs record.Timestamp) error {
	db.metrics.RecordCommitStart()
	if err := db.checkOpen(); err != nil {
		db.metrics.RecordCommitAborted()
		return err
	}

	db.mu.RLock()
	for _, w := range writes {
		if db.mutable.CheckConflict(w.Key, readTs) {
			db.mu.RUnlock()
			db.metrics.RecordCommitAborted()
			return ErrCommit
		}
	}

	ts := db.version.IncreaseTs()
	var exceeded bool
	for _, w := range writes {
		var ok bool
		var err error
		if w.Record == nil {
			ok, err = db.mutable.Remove(w.Key, ts)
		} else {
			w.Record.Ts = ts
			ok, err = db.mutable.Insert(w.Record)
		}
		if err != nil {
			db.mu.RUnlock()
			db.metrics.RecordCommitAborted()
			return err
		}
		exceeded = exceeded || ok
	}
	db.mu.RUnlock()

	db.metrics.RecordCommitCommitted()
	if exceeded {
		return db.rotate(ctx, false)
	}
	return nil
}

// Get returns the newest version of key visible at readTs, searching the
// mutable table, then the flush queue newest-first, then the on-disk
// levels from 0 upward — the same newest-layer-wins order MergeStream
// uses for scans.
func (db *DB) Get(ctx context.Context, key record.BytesKey, readTs record.Timestamp) (*record.DynRecord, error) {
	start := time.Now()
	rec, err := db.get(ctx, key, readTs)
	db.metrics.RecordGet(time.Since(start), err == nil)
	return rec, err
}

func (db *DB) get(ctx context.Context, key record.BytesKey, readTs record.Timestamp) (*record.DynRecord, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}

	db.mu.RLock()
	if rec, present, tombstone := db.mutable.Lookup(key, readTs); present {
		db.mu.RUnlock()
		if tombstone {
			return nil, ErrNotFound
		}
		return rec, nil
	}
	for i := len(db.immutables) - 1; i >= 0; i-- {
		rec, present, tombstone, err := db.getFromSnapshot(db.immutables[i].snap, key, readTs)
		if err != nil {
			db.mu.RUnlock()
			return nil, err
		}
		if present {
			db.mu.RUnlock()
			if tombstone {
				return nil, ErrNotFound
			}
			return rec, nil
		}
	}
	v := db.version.Current()
	db.mu.RUnlock()

	mask := record.ProjectionMask{}
	for level := 0; level < version.MaxLevel; level++ {
		scopes := v.Levels[level]
		if level == 0 {
			for i := len(scopes) - 1; i >= 0; i-- {
				if !scopes[i].Contains(key) {
					continue
				}
				rdr, err := db.openTable(ctx, level, scopes[i].Gen)
				if err != nil {
					return nil, err
				}
				rec, ok, err := rdr.Get(ctx, key, readTs, mask)
				if err != nil {
					return nil, err
				}
				if ok {
					return rec, nil
				}
			}
			continue
		}
		idx := version.ScopeSearch(key, scopes)
		if idx >= len(scopes) || !scopes[idx].Contains(key) {
			continue
		}
		rdr, err := db.openTable(ctx, level, scopes[idx].Gen)
		if err != nil {
			return nil, err
		}
		rec, ok, err := rdr.Get(ctx, key, readTs, mask)
		if err != nil {
			return nil, err
		}
		if ok {
			return rec, nil
		}
	}
	return nil, ErrNotFound
}

// getFromSnapshot returns the newest row for key visible at readTs within
// one immutable snapshot. present reports whether any entry for key exists
// in this snapshot at all (tombstone or value); tombstone reports whether
// that newest entry is a deletion marker, which must shadow every older
// layer rather than fall through to them.
func (db *DB) getFromSnapshot(snap *immutable.Snapshot, key record.BytesKey, readTs record.Timestamp) (rec *record.DynRecord, present bool, tombstone bool, err error) {
	rng := record.Range{
		Low:  record.Bound{Kind: record.Included, Key: key},
		High: record.Bound{Kind: record.Included, Key: key},
	}
	it := snap.NewIterator(rng, record.ProjectionMask{})
	for it.Valid() {
		if it.Key().Ts > readTs {
			it.Next()
			continue
		}
		r, rerr := it.Record()
		if rerr != nil {
			return nil, false, false, rerr
		}
		if r.Null {
			return nil, true, true, nil
		}
		return r, true, false, nil
	}
	return nil, false, false, nil
}
