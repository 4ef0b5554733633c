// Package immutable holds a frozen mutable table as a columnar snapshot:
// an arrow record batch built once the table has been rotated out, ready
// either to be scanned directly or flushed to an on-disk table by minor
// compaction.
package immutable

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/mnohosten/strata/pkg/mutable"
	"github.com/mnohosten/strata/pkg/record"
)

// Snapshot is an immutable, columnar view of everything that was in a
// mutable table at the moment it was frozen, kept sorted by (key asc, ts
// desc) the same way the source table was.
type Snapshot struct {
	schema *record.DynSchema
	batch  arrow.Record
	keys   []record.TimestampedKey
}

// Builder accumulates rows into arrow column builders and reports its
// running byte estimate, the same way the mutable table's trigger tracks
// size, so a caller converting a table can decide how large the resulting
// snapshot grew.
type Builder struct {
	schema  *record.DynSchema
	pool    memory.Allocator
	nullB   *array.BooleanBuilder
	tsB     *array.Uint32Builder
	cols    []array.Builder
	keys    []record.TimestampedKey
	written int64
}

// NewBuilder creates a Builder for schema using pool for allocations.
func NewBuilder(schema *record.DynSchema, pool memory.Allocator) *Builder {
	if pool == nil {
		pool = memory.NewGoAllocator()
	}
	arrowSchema := schema.ArrowSchema()
	cols := make([]array.Builder, len(schema.Columns))
	for i, field := range arrowSchema.Fields()[2:] {
		cols[i] = array.NewBuilder(pool, field.Type)
	}
	return &Builder{
		schema: schema,
		pool:   pool,
		nullB:  array.NewBooleanBuilder(pool),
		tsB:    array.NewUint32Builder(pool),
		cols:   cols,
	}
}

// Push appends rec's row to the builder, returning the builder's total
// estimated written size after the append.
func (b *Builder) Push(rec *record.DynRecord) int64 {
	b.nullB.Append(rec.Null)
	b.tsB.Append(uint32(rec.Ts))
	for i, col := range b.cols {
		var v record.Value
		if i < len(rec.Values) {
			v = rec.Values[i]
		}
		appendValue(col, v)
	}
	b.keys = append(b.keys, rec.TimestampedKey())
	b.written += rowSize(rec)
	return b.written
}

// WrittenSize reports the builder's current cumulative byte estimate.
func (b *Builder) WrittenSize() int64 { return b.written }

// Len reports the number of rows pushed so far.
func (b *Builder) Len() int { return len(b.keys) }

// Finish materializes the accumulated columns into a Snapshot. The
// builder must not be reused afterward.
func (b *Builder) Finish() *Snapshot {
	arrays := make([]arrow.Array, 0, 2+len(b.cols))
	arrays = append(arrays, b.nullB.NewArray(), b.tsB.NewArray())
	for _, col := range b.cols {
		arrays = append(arrays, col.NewArray())
	}
	arrowSchema := b.schema.ArrowSchema()
	batch := array.NewRecord(arrowSchema, arrays, int64(len(b.keys)))
	return &Snapshot{schema: b.schema, batch: batch, keys: b.keys}
}

// FromTable drains table's iterator over the whole keyspace into a fresh
// Snapshot, the columnar equivalent of the original engine's
// into_immutable step.
func FromTable(schema *record.DynSchema, table *mutable.Table, pool memory.Allocator) *Snapshot {
	b := NewBuilder(schema, pool)
	it := table.NewIterator(record.Range{})
	for it.Valid() {
		b.Push(it.Record())
		it.Next()
	}
	return b.Finish()
}

// Scope reports the (min, max) key bounds of the snapshot, empty if the
// snapshot has no rows.
func (s *Snapshot) Scope() (min, max record.Key, ok bool) {
	if len(s.keys) == 0 {
		return nil, nil, false
	}
	return s.keys[0].Key, s.keys[len(s.keys)-1].Key, true
}

// Len reports the row count.
func (s *Snapshot) Len() int { return len(s.keys) }

// AsRecordBatch returns the underlying arrow record batch, reserved
// columns included.
func (s *Snapshot) AsRecordBatch() arrow.Record { return s.batch }

// Get returns the row at offset projected through mask, or an error if
// offset is out of range.
func (s *Snapshot) Get(offset int, mask record.ProjectionMask) (*record.DynRecord, error) {
	if offset < 0 || offset >= len(s.keys) {
		return nil, fmt.Errorf("immutable: offset %d out of range for %d rows", offset, len(s.keys))
	}
	tk := s.keys[offset]
	rec := &record.DynRecord{Schema: s.schema, Ts: tk.Ts}
	nullArr := s.batch.Column(0).(*array.Boolean)
	rec.Null = nullArr.Value(offset)

	indices := mask.Indices
	if len(indices) == 0 {
		indices = make([]int, len(s.schema.Columns))
		for i := range indices {
			indices[i] = i
		}
	}
	rec.Values = make([]record.Value, len(s.schema.Columns))
	for _, idx := range indices {
		col := s.batch.Column(idx + 2)
		rec.Values[idx] = readValue(col, offset, s.schema.Columns[idx].Type)
	}
	return rec, nil
}

// Iterator walks a Snapshot's rows in stored (key asc, ts desc) order
// between bounds, the columnar counterpart of mutable.Iterator.
type Iterator struct {
	snap *Snapshot
	mask record.ProjectionMask
	pos  int
	end  int
}

// NewIterator positions an Iterator over rng, projected through mask.
func (s *Snapshot) NewIterator(rng record.Range, mask record.ProjectionMask) *Iterator {
	start := 0
	end := len(s.keys)
	if rng.Low.Kind != record.Unbounded {
		start = lowerBound(s.keys, rng.Low.Key)
		if rng.Low.Kind == record.Excluded {
			for start < end && s.keys[start].Key.Equal(rng.Low.Key) {
				start++
			}
		}
	}
	if rng.High.Kind != record.Unbounded {
		hi := lowerBound(s.keys, rng.High.Key)
		for hi < len(s.keys) && s.keys[hi].Key.Equal(rng.High.Key) {
			if rng.High.Kind == record.Excluded {
				break
			}
			hi++
		}
		end = hi
	}
	return &Iterator{snap: s, mask: mask, pos: start, end: end}
}

func lowerBound(keys []record.TimestampedKey, k record.Key) int {
	lo, hi := 0, len(keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if keys[mid].Key.Compare(k) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Valid reports whether the iterator has more rows.
func (it *Iterator) Valid() bool { return it.pos < it.end }

// Next advances the iterator.
func (it *Iterator) Next() { it.pos++ }

// Key returns the current row's TimestampedKey.
func (it *Iterator) Key() record.TimestampedKey { return it.snap.keys[it.pos] }

// Record returns the current row, projected.
func (it *Iterator) Record() (*record.DynRecord, error) {
	return it.snap.Get(it.pos, it.mask)
}

func rowSize(rec *record.DynRecord) int64 {
	size := int64(8)
	for _, v := range rec.Values {
		switch v.Type {
		case record.Utf8, record.Binary:
			size += int64(len(v.Bytes))
		default:
			size += 8
		}
	}
	return size
}

func appendValue(b array.Builder, v record.Value) {
	if v.IsNull {
		b.AppendNull()
		return
	}
	switch bb := b.(type) {
	case *array.Int8Builder:
		bb.Append(int8(v.I64))
	case *array.Int16Builder:
		bb.Append(int16(v.I64))
	case *array.Int32Builder:
		bb.Append(int32(v.I64))
	case *array.Int64Builder:
		bb.Append(v.I64)
	case *array.Uint8Builder:
		bb.Append(uint8(v.U64))
	case *array.Uint16Builder:
		bb.Append(uint16(v.U64))
	case *array.Uint32Builder:
		bb.Append(uint32(v.U64))
	case *array.Uint64Builder:
		bb.Append(v.U64)
	case *array.Float32Builder:
		bb.Append(float32(v.F64))
	case *array.Float64Builder:
		bb.Append(v.F64)
	case *array.BooleanBuilder:
		bb.Append(v.Bool)
	case *array.StringBuilder:
		bb.Append(string(v.Bytes))
	case *array.BinaryBuilder:
		bb.Append(v.Bytes)
	default:
		panic(fmt.Sprintf("immutable: unsupported builder type %T", b))
	}
}

func readValue(col arrow.Array, offset int, dt record.Datatype) record.Value {
	if col.IsNull(offset) {
		return record.Value{Type: dt, IsNull: true}
	}
	switch a := col.(type) {
	case *array.Int8:
		return record.Value{Type: dt, I64: int64(a.Value(offset))}
	case *array.Int16:
		return record.Value{Type: dt, I64: int64(a.Value(offset))}
	case *array.Int32:
		return record.Value{Type: dt, I64: int64(a.Value(offset))}
	case *array.Int64:
		return record.Value{Type: dt, I64: a.Value(offset)}
	case *array.Uint8:
		return record.Value{Type: dt, U64: uint64(a.Value(offset))}
	case *array.Uint16:
		return record.Value{Type: dt, U64: uint64(a.Value(offset))}
	case *array.Uint32:
		return record.Value{Type: dt, U64: uint64(a.Value(offset))}
	case *array.Uint64:
		return record.Value{Type: dt, U64: a.Value(offset)}
	case *array.Float32:
		return record.Value{Type: dt, F64: float64(a.Value(offset))}
	case *array.Float64:
		return record.Value{Type: dt, F64: a.Value(offset)}
	case *array.Boolean:
		return record.Value{Type: dt, Bool: a.Value(offset)}
	case *array.String:
		return record.Value{Type: dt, Bytes: []byte(a.Value(offset))}
	case *array.Binary:
		return record.Value{Type: dt, Bytes: a.Value(offset)}
	default:
		panic(fmt.Sprintf("immutable: unsupported array type %T", col))
	}
}
