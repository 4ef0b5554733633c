package compaction

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/mnohosten/strata/pkg/record"
	"github.com/mnohosten/strata/pkg/sstable"
	"github.com/mnohosten/strata/pkg/stream"
	"github.com/mnohosten/strata/pkg/version"
)

// MajorCompaction walks levels starting at 0, merging each overloaded
// level into the next until either a level is no longer over threshold or
// MaxLevel-2 is reached, accumulating the VersionEdits and obsoleted
// (level, gen) pairs a caller applies afterward (the compactor itself
// never applies edits; MinorCompaction's scope is always prepended by the
// caller before ApplyEdits, matching the original ordering).
func (c *Compactor) MajorCompaction(ctx context.Context, v *version.Version, min, max record.Key) ([]version.VersionEdit, []struct {
	Level int
	Gen   sstable.ID
}, error) {
	var edits []version.VersionEdit
	var obsolete []struct {
		Level int
		Gen   sstable.ID
	}

	level := 0
	for level < version.MaxLevel-2 {
		if !c.cfg.IsThresholdExceededMajor(v, level) {
			break
		}

		meetL, startL, endL := c.ThisLevelScopes(v, min, max, level)
		_ = startL
		_ = endL
		meetLL, _, _, newMin, newMax, err := c.NextLevelScopes(v, min, max, level, meetL)
		if err != nil {
			return nil, nil, err
		}
		min, max = newMin, newMax

		streams, err := c.openMergeSources(ctx, v, level, meetL, meetLL)
		if err != nil {
			return nil, nil, err
		}

		tableEdits, err := c.buildTables(ctx, level+1, streams)
		if err != nil {
			return nil, nil, err
		}
		edits = append(edits, tableEdits...)

		for _, s := range meetL {
			edits = append(edits, version.VersionEdit{Kind: version.EditRemove, Level: level, Gen: s.Gen})
			obsolete = append(obsolete, struct {
				Level int
				Gen   sstable.ID
			}{level, s.Gen})
		}
		for _, s := range meetLL {
			edits = append(edits, version.VersionEdit{Kind: version.EditRemove, Level: level + 1, Gen: s.Gen})
			obsolete = append(obsolete, struct {
				Level int
				Gen   sstable.ID
			}{level + 1, s.Gen})
		}

		level++
	}
	return edits, obsolete, nil
}

// openMergeSources builds the ScanStreams major compaction merges: level 0
// is scanned table by table since its scopes may overlap, while every
// other level is virtualized as one LevelStream since scopes within it
// never overlap.
func (c *Compactor) openMergeSources(ctx context.Context, v *version.Version, level int, meetL, meetLL []version.Scope) ([]stream.ScanStream, error) {
	var streams []stream.ScanStream

	if level == 0 {
		// Level 0's selected tables never overlap in time with each other
		// in a way that lets one open depend on another, so the open/seek
		// cost (file handle, parquet footer, page index) for each table is
		// paid concurrently rather than one at a time.
		opened := make([]stream.ScanStream, len(meetL))
		g, gctx := errgroup.WithContext(ctx)
		for i, s := range meetL {
			i, s := i, s
			g.Go(func() error {
				rdr, err := c.open(gctx, level, s.Gen)
				if err != nil {
					return fmt.Errorf("compaction: open level 0 table: %w", err)
				}
				it, err := rdr.Scan(gctx, record.Range{}, record.MaxTimestamp, record.ProjectionMask{}, sstable.Asc)
				if err != nil {
					return err
				}
				opened[i] = stream.FromSsTable(it)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		streams = append(streams, opened...)
	} else if len(meetL) > 0 {
		ids := scopeGens(meetL)
		streams = append(streams, stream.NewLevelStream(ctx, ids, c.levelOpener(level)))
	}

	if len(meetLL) > 0 {
		ids := scopeGens(meetLL)
		streams = append(streams, stream.NewLevelStream(ctx, ids, c.levelOpener(level+1)))
	}
	return streams, nil
}

func (c *Compactor) levelOpener(level int) stream.LevelOpener {
	return func(ctx context.Context, id sstable.ID) (stream.ScanStream, error) {
		rdr, err := c.open(ctx, level, id)
		if err != nil {
			return nil, err
		}
		it, err := rdr.Scan(ctx, record.Range{}, record.MaxTimestamp, record.ProjectionMask{}, sstable.Asc)
		if err != nil {
			return nil, err
		}
		return stream.FromSsTable(it), nil
	}
}

func scopeGens(scopes []version.Scope) []sstable.ID {
	out := make([]sstable.ID, len(scopes))
	for i, s := range scopes {
		out[i] = s.Gen
	}
	return out
}

// buildTables merges streams and writes the result to one or more new
// tables at level, rolling over to a fresh table whenever the in-progress
// builder's written size reaches MaxSstFileSize. The roll check happens
// after every pushed row rather than once per merged batch, so a single
// oversize run of input can still straddle two output tables.
func (c *Compactor) buildTables(ctx context.Context, level int, streams []stream.ScanStream) ([]version.VersionEdit, error) {
	c.state = Writing
	defer func() { c.state = Idle }()

	merged := stream.NewMergeStream(streams)
	defer merged.Close()

	var edits []version.VersionEdit
	builder := newRollingBuilder(c.schema, c.pool)

	for merged.Next() {
		rec, err := merged.Record()
		if err != nil {
			return nil, fmt.Errorf("compaction: merge: %w", err)
		}
		builder.push(rec)

		if builder.writtenSize() >= c.cfg.MaxSstFileSize {
			edit, err := c.flushBuilder(level, builder)
			if err != nil {
				return nil, err
			}
			edits = append(edits, edit)
			builder = newRollingBuilder(c.schema, c.pool)
		}
	}
	if builder.len() > 0 {
		edit, err := c.flushBuilder(level, builder)
		if err != nil {
			return nil, err
		}
		edits = append(edits, edit)
	}
	return edits, nil
}

func (c *Compactor) flushBuilder(level int, b *rollingBuilder) (version.VersionEdit, error) {
	gen := sstable.NewID()
	path := fmt.Sprintf("%s/%s.parquet", c.levels(level), gen.String())

	batch := b.finish()
	if err := sstable.Write(c.fs, path, batch, b.keys, c.sstCfg); err != nil {
		return version.VersionEdit{}, fmt.Errorf("compaction: write table: %w", err)
	}
	return version.VersionEdit{
		Kind:  version.EditAdd,
		Level: level,
		Scope: version.Scope{Min: b.min, Max: b.max, Gen: gen},
	}, nil
}
