// Package sstable is the on-disk, immutable, sorted table format: a
// parquet file (page index enabled) holding one arrow record batch,
// fronted by a bloom filter and an LRU of open readers so repeat scans of
// a hot table skip the open/footer-parse cost.
package sstable

import (
	"context"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/oklog/ulid/v2"
	"github.com/spf13/afero"

	"github.com/mnohosten/strata/pkg/compression"
	"github.com/mnohosten/strata/pkg/record"
)

// ID is the sortable file id assigned to each on-disk table at write time.
type ID = ulid.ULID

// NewID allocates a fresh table id.
func NewID() ID { return ulid.Make() }

// Config controls how a table is written.
type Config struct {
	// RowGroupSize bounds how many rows land in one parquet row group.
	RowGroupSize int64
}

// DefaultConfig picks a row group size tuned for point lookups over scans.
func DefaultConfig() *Config {
	return &Config{RowGroupSize: 8192}
}

// Write streams batch to a new parquet file at path on fs, attaching a
// bloom filter built from keys and the schema's primary_key_index
// metadata (already present on the arrow schema embedded in batch).
func Write(fs afero.Fs, path string, batch arrow.Record, keys []record.BytesKey, cfg *Config) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	bf := newBloomFilter(len(keys), 7)
	for _, k := range keys {
		bf.add(k)
	}

	f, err := fs.OpenFile(path, writeFlags, 0o644)
	if err != nil {
		return fmt.Errorf("sstable: create %s: %w", path, err)
	}
	defer f.Close()

	props := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Zstd),
		parquet.WithDictionaryDefault(true),
	)
	arrowProps := pqarrow.DefaultWriterProps()

	writer, err := pqarrow.NewFileWriter(batch.Schema(), f, props, arrowProps)
	if err != nil {
		return fmt.Errorf("sstable: new writer: %w", err)
	}
	if err := writer.Write(batch); err != nil {
		_ = writer.Close()
		return fmt.Errorf("sstable: write batch: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("sstable: close writer: %w", err)
	}

	return writeSidecar(fs, path, bf)
}

// writeSidecar persists the bloom filter next to the parquet file, since
// the writer properties above attach key/value metadata at the arrow
// schema level rather than after the fact; a small sidecar keeps the
// write path a single straightforward pass over the batch. The sidecar
// is zstd-3 compressed with the same compressor the table's own pages
// use (spec's "default ZSTD-3"), not left raw.
func writeSidecar(fs afero.Fs, path string, bf *bloomFilter) error {
	c, err := compression.NewCompressor(compression.DefaultConfig())
	if err != nil {
		return fmt.Errorf("sstable: new sidecar compressor: %w", err)
	}
	defer c.Close()

	compressed, err := c.Compress(bf.marshal())
	if err != nil {
		return fmt.Errorf("sstable: compress bloom sidecar: %w", err)
	}

	f, err := fs.OpenFile(path+".bloom", writeFlags, 0o644)
	if err != nil {
		return fmt.Errorf("sstable: create bloom sidecar: %w", err)
	}
	defer f.Close()
	_, err = f.Write(compressed)
	return err
}

// Reader wraps an open parquet file for point lookups and range scans.
type Reader struct {
	path   string
	file   afero.File
	pf     *file.Reader
	arrow  *pqarrow.FileReader
	bloom  *bloomFilter
	schema *record.DynSchema
	pool   memory.Allocator
}

// Open opens the table at path for reading, loading its bloom filter
// sidecar and the parquet footer (including the page index).
func Open(fs afero.Fs, path string, schema *record.DynSchema, pool memory.Allocator) (*Reader, error) {
	if pool == nil {
		pool = memory.NewGoAllocator()
	}
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: open %s: %w", path, err)
	}

	ra, ok := f.(readerAtSeeker)
	if !ok {
		f.Close()
		return nil, fmt.Errorf("sstable: %s does not support random access", path)
	}

	pf, err := file.NewParquetReader(ra, file.WithReadProps(parquet.NewReaderProperties(pool)))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("sstable: parse footer %s: %w", path, err)
	}

	arrowRdr, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{}, pool)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("sstable: arrow reader %s: %w", path, err)
	}

	var bf *bloomFilter
	if bsidecar, err := afero.ReadFile(fs, path+".bloom"); err == nil {
		if c, cerr := compression.NewCompressor(compression.DefaultConfig()); cerr == nil {
			if raw, derr := c.Decompress(bsidecar); derr == nil {
				bf, _ = unmarshalBloomFilter(raw)
			}
			c.Close()
		}
	}

	return &Reader{path: path, file: f, pf: pf, arrow: arrowRdr, bloom: bf, schema: schema, pool: pool}, nil
}

// readerAtSeeker is what parquet's file reader needs from an afero.File.
type readerAtSeeker interface {
	io.ReaderAt
	io.Seeker
	io.Closer
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	return r.file.Close()
}

// MayContain reports whether key could be present, consulting the bloom
// filter first; absence of a sidecar degrades to "maybe" so a missing
// filter never causes a false negative.
func (r *Reader) MayContain(key record.BytesKey) bool {
	if r.bloom == nil {
		return true
	}
	return r.bloom.mayContain(key)
}

// Get scans the table for the newest version of key visible at readTs,
// returning false if absent, tombstoned, or filtered out by the bloom
// filter.
func (r *Reader) Get(ctx context.Context, key record.BytesKey, readTs record.Timestamp, mask record.ProjectionMask) (*record.DynRecord, bool, error) {
	if !r.MayContain(key) {
		return nil, false, nil
	}

	rr, err := r.recordReader(ctx, mask)
	if err != nil {
		return nil, false, err
	}
	defer rr.Release()

	for rr.Next() {
		rec := rr.Record()
		n := int(rec.NumRows())
		for i := 0; i < n; i++ {
			rowKey, ts, null := decodeKeyTs(rec, i, r.schema)
			if !rowKey.Equal(key) || ts > readTs {
				continue
			}
			if null {
				return nil, false, nil
			}
			dr, derr := decodeRow(rec, i, r.schema, mask, ts, null)
			return dr, derr == nil, derr
		}
	}
	return nil, false, rr.Err()
}

// Order selects the direction Scan walks rows in.
type Order int

const (
	// Asc scans ascending by key (the table's native on-disk order).
	Asc Order = iota
	// Desc scans descending by key, the exact inverse of Asc over the
	// same inputs, bounds, projection and read timestamp.
	Desc
)

// Scan opens an iterator over rng in the requested order, projected
// through mask, filtered to versions visible at readTs. Desc is served by
// draining the underlying (necessarily forward) parquet record reader once
// and replaying the decoded rows back to front, since the column-chunk
// format has no native reverse iteration; Asc stays a true row-at-a-time
// stream.
func (r *Reader) Scan(ctx context.Context, rng record.Range, readTs record.Timestamp, mask record.ProjectionMask, order Order) (*ScanIterator, error) {
	rr, err := r.recordReader(ctx, mask)
	if err != nil {
		return nil, err
	}
	return &ScanIterator{rr: rr, rng: rng, readTs: readTs, mask: mask, schema: r.schema, order: order}, nil
}

func (r *Reader) recordReader(ctx context.Context, mask record.ProjectionMask) (pqarrow.RecordReader, error) {
	indices := mask.ArrowIndices(r.schema)
	rgs := make([]int, r.pf.NumRowGroups())
	for i := range rgs {
		rgs[i] = i
	}
	return r.arrow.GetRecordReader(ctx, indices, rgs)
}

// ScanIterator walks the decoded rows of a table scan, applying the read
// timestamp filter row by row since parquet row groups mix timestamps.
type ScanIterator struct {
	rr     pqarrow.RecordReader
	rng    record.Range
	readTs record.Timestamp
	mask   record.ProjectionMask
	schema *record.DynSchema
	order  Order

	cur arrow.Record
	pos int

	// buffered rows, filled lazily on first Next() when order is Desc.
	buffered bool
	rows     []*record.DynRecord
	idx      int
}

// Next advances to the next row visible at readTs and within rng,
// returning false once the table is exhausted.
func (it *ScanIterator) Next() bool {
	if it.order == Desc {
		if !it.buffered {
			it.bufferDesc()
		}
		it.idx--
		return it.idx >= 0
	}
	return it.nextAsc()
}

func (it *ScanIterator) nextAsc() bool {
	for {
		if it.cur != nil && it.pos < int(it.cur.NumRows()) {
			key, ts, _ := decodeKeyTs(it.cur, it.pos, it.schema)
			if ts > it.readTs || !inRange(key, it.rng) {
				it.pos++
				continue
			}
			return true
		}
		if !it.rr.Next() {
			return false
		}
		it.cur = it.rr.Record()
		it.pos = 0
	}
}

// bufferDesc drains the forward reader once, decoding every row that
// passes the range/timestamp filter, so Next()/Record() can then replay
// them back to front.
func (it *ScanIterator) bufferDesc() {
	it.buffered = true
	for it.nextAsc() {
		_, ts, null := decodeKeyTs(it.cur, it.pos, it.schema)
		rec, err := decodeRow(it.cur, it.pos, it.schema, it.mask, ts, null)
		it.pos++
		if err != nil {
			continue
		}
		it.rows = append(it.rows, rec)
	}
	it.idx = len(it.rows)
}

// Record decodes the current row.
func (it *ScanIterator) Record() (*record.DynRecord, error) {
	if it.order == Desc {
		return it.rows[it.idx], nil
	}
	_, ts, null := decodeKeyTs(it.cur, it.pos, it.schema)
	rec, err := decodeRow(it.cur, it.pos, it.schema, it.mask, ts, null)
	it.pos++
	return rec, err
}

// Close releases the underlying record reader.
func (it *ScanIterator) Close() {
	it.rr.Release()
}

func inRange(key record.Key, rng record.Range) bool {
	if rng.Low.Kind != record.Unbounded {
		c := key.Compare(rng.Low.Key)
		if rng.Low.Kind == record.Included && c < 0 {
			return false
		}
		if rng.Low.Kind == record.Excluded && c <= 0 {
			return false
		}
	}
	if rng.High.Kind != record.Unbounded {
		c := key.Compare(rng.High.Key)
		if rng.High.Kind == record.Included && c > 0 {
			return false
		}
		if rng.High.Kind == record.Excluded && c >= 0 {
			return false
		}
	}
	return true
}
