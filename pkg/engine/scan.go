package engine

import (
	"context"
	"time"

	"github.com/mnohosten/strata/pkg/record"
	"github.com/mnohosten/strata/pkg/sstable"
	"github.com/mnohosten/strata/pkg/stream"
	"github.com/mnohosten/strata/pkg/version"
)

// Entry is one row a Scan returns: the key, the timestamp of the version
// that satisfied the read, and the projected record. Tombstoned keys are
// never returned — a deletion shadows every older version of its key
// exactly the way Get treats it as absent.
type Entry struct {
	Key    record.BytesKey
	Ts     record.Timestamp
	Record *record.DynRecord
}

// Scan returns every visible row in rng as of readTs, collapsed to one
// entry per key (the newest version with ts<=readTs), in the requested
// order. Scan is a snapshot: it reads a single Version plus whatever the
// mutable table and immutable queue held at the moment it was called, with
// no guarantee about writes that land after it starts.
func (db *DB) Scan(ctx context.Context, rng record.Range, readTs record.Timestamp, mask record.ProjectionMask, order sstable.Order) ([]Entry, error) {
	start := time.Now()
	entries, err := db.scan(ctx, rng, readTs, mask, order)
	db.metrics.RecordScan(time.Since(start), err == nil)
	return entries, err
}

func (db *DB) scan(ctx context.Context, rng record.Range, readTs record.Timestamp, mask record.ProjectionMask, order sstable.Order) ([]Entry, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}

	db.mu.RLock()
	sources := []stream.ScanStream{stream.FromMutable(db.mutable.NewIterator(rng))}
	for i := len(db.immutables) - 1; i >= 0; i-- {
		sources = append(sources, stream.FromImmutable(db.immutables[i].snap.NewIterator(rng, mask)))
	}
	v := db.version.Current()
	db.mu.RUnlock()

	// Level 0's scopes may overlap in arrival order, so each is scanned as
	// an independent source the same way major compaction treats them;
	// every other level never overlaps within itself and is virtualized as
	// one LevelStream.
	for _, s := range v.Levels[0] {
		if !scopeIntersects(s, rng) {
			continue
		}
		rdr, err := db.openTable(ctx, 0, s.Gen)
		if err != nil {
			closeAll(sources)
			return nil, err
		}
		it, err := rdr.Scan(ctx, rng, readTs, mask, sstable.Asc)
		if err != nil {
			closeAll(sources)
			return nil, err
		}
		sources = append(sources, stream.FromSsTable(it))
	}
	for level := 1; level < version.MaxLevel; level++ {
		scopes := v.Levels[level]
		if len(scopes) == 0 {
			continue
		}
		startIdx, endIdx := levelRangeIndices(scopes, rng)
		if startIdx > endIdx {
			continue
		}
		ids := make([]sstable.ID, 0, endIdx-startIdx+1)
		for _, s := range scopes[startIdx : endIdx+1] {
			ids = append(ids, s.Gen)
		}
		lvl := level
		sources = append(sources, stream.NewLevelStream(ctx, ids, func(ctx context.Context, id sstable.ID) (stream.ScanStream, error) {
			rdr, err := db.openTable(ctx, lvl, id)
			if err != nil {
				return nil, err
			}
			it, err := rdr.Scan(ctx, rng, readTs, mask, sstable.Asc)
			if err != nil {
				return nil, err
			}
			return stream.FromSsTable(it), nil
		}))
	}

	merged := stream.NewMergeStream(sources)
	defer merged.Close()

	var entries []Entry
	var lastKey record.Key
	haveLast := false
	for merged.Next() {
		tk := merged.Key()
		if tk.Ts > readTs {
			continue
		}
		if haveLast && tk.Key.Equal(lastKey) {
			// An older version of a key whose newest visible entry (value
			// or tombstone) has already been resolved this scan.
			continue
		}
		lastKey = tk.Key
		haveLast = true

		rec, err := merged.Record()
		if err != nil {
			return nil, err
		}
		if rec.Null {
			continue
		}
		entries = append(entries, Entry{Key: tk.Key.(record.BytesKey), Ts: tk.Ts, Record: rec})
	}

	// MergeStream only ever produces ascending (key asc, ts desc) order;
	// Desc is served the same way sstable.Reader.Scan serves it for a
	// single table, by materializing the ascending result and reversing
	// it, which trivially satisfies "reverse scan is the exact inverse of
	// forward scan" since both walk the identical collapsed row set.
	if order == sstable.Desc {
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
	}
	return entries, nil
}

func closeAll(sources []stream.ScanStream) {
	for _, s := range sources {
		s.Close()
	}
}

// scopeIntersects reports whether s's key range can contain any key in rng.
func scopeIntersects(s version.Scope, rng record.Range) bool {
	if rng.Low.Kind != record.Unbounded {
		c := s.Max.Compare(rng.Low.Key)
		if c < 0 || (c == 0 && rng.Low.Kind == record.Excluded) {
			return false
		}
	}
	if rng.High.Kind != record.Unbounded {
		c := s.Min.Compare(rng.High.Key)
		if c > 0 || (c == 0 && rng.High.Kind == record.Excluded) {
			return false
		}
	}
	return true
}

// levelRangeIndices returns the inclusive [start, end] index range within
// scopes (sorted ascending by Min, disjoint) that can intersect rng, empty
// as start > end.
func levelRangeIndices(scopes []version.Scope, rng record.Range) (start, end int) {
	start = 0
	if rng.Low.Kind != record.Unbounded {
		start = version.ScopeSearch(rng.Low.Key, scopes)
	}
	end = len(scopes) - 1
	if rng.High.Kind != record.Unbounded {
		idx := version.ScopeSearch(rng.High.Key, scopes)
		if idx >= len(scopes) {
			idx = len(scopes) - 1
		}
		end = idx
	}
	for start <= end && !scopeIntersects(scopes[start], rng) {
		start++
	}
	for end >= start && !scopeIntersects(scopes[end], rng) {
		end--
	}
	return start, end
}

// Stats is a point-in-time snapshot of the engine's internal state exposed
// for operational visibility (the debug HTTP surface and tests).
type Stats struct {
	MutableRows     int
	ImmutableQueue  int
	LevelTableCount [version.MaxLevel]int
	Metrics         map[string]interface{}
}

// Stats reports the current mutable row count, immutable queue depth,
// per-level table counts, and the full metrics snapshot.
func (db *DB) Stats() Stats {
	db.mu.RLock()
	s := Stats{MutableRows: db.mutable.Len(), ImmutableQueue: len(db.immutables)}
	db.mu.RUnlock()

	v := db.version.Current()
	for l := 0; l < version.MaxLevel; l++ {
		s.LevelTableCount[l] = len(v.Levels[l])
	}
	s.Metrics = db.metrics.GetMetrics()
	return s
}
