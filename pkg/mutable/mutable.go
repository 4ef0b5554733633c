// Package mutable implements the engine's single writable table: an
// MVCC-ordered map keyed by (key, timestamp) with a write-ahead log
// guaranteeing durability, and optimistic-concurrency conflict checking
// for the commit path.
package mutable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/huandu/skiplist"
	"github.com/spf13/afero"

	"github.com/mnohosten/strata/pkg/record"
	"github.com/mnohosten/strata/pkg/trigger"
	"github.com/mnohosten/strata/pkg/wal"
)

// timestampedKeyType adapts record.TimestampedKey to huandu/skiplist's
// Comparable interface, which the library needs since it has no built-in
// notion of our (key asc, ts desc) order.
type timestampedKeyType struct{}

func (timestampedKeyType) Compare(lhs, rhs interface{}) int {
	a := lhs.(record.TimestampedKey)
	b := rhs.(record.TimestampedKey)
	return a.Compare(b)
}

func (timestampedKeyType) CalcScore(key interface{}) float64 {
	return 0
}

// Config controls rotation and WAL placement for a Table.
type Config struct {
	Trigger *trigger.Config
	WalDir  string
}

// DefaultConfig matches the trigger package's default rotation policy.
func DefaultConfig(walDir string) *Config {
	return &Config{Trigger: trigger.DefaultConfig(), WalDir: walDir}
}

// Table is the single mutable, writable view of the keyspace. All writes
// pass through it before being durable; once its Trigger fires it is
// frozen and handed to the immutable builder by the caller (typically the
// compactor's minor-compaction path).
type Table struct {
	schema *record.DynSchema

	mu   sync.RWMutex
	list *skiplist.SkipList
	size int64
	rows int

	trigger trigger.Trigger
	log     *wal.WAL
}

// New creates an empty table bound to schema and durable via log. log may
// be nil for tables built purely in memory (e.g. during recovery replay
// before a fresh segment is opened).
func New(schema *record.DynSchema, trig trigger.Trigger, log *wal.WAL) *Table {
	return &Table{
		schema:  schema,
		list:    skiplist.New(timestampedKeyType{}),
		trigger: trig,
		log:     log,
	}
}

// Insert durably appends a record, returning true if the table has
// exceeded its rotation trigger and should be frozen.
func (t *Table) Insert(rec *record.DynRecord) (exceeded bool, err error) {
	return t.append(rec)
}

// Remove writes a tombstone for key at ts, the same representation Insert
// uses for a deletion (DynRecord.Null = true).
func (t *Table) Remove(key record.BytesKey, ts record.Timestamp) (exceeded bool, err error) {
	tomb := &record.DynRecord{Schema: t.schema, Null: true, Ts: ts}
	// A tombstone carries only the key; the primary-key value slot is
	// reconstructed from key directly rather than round-tripped through
	// Values, since callers already hold the encoded key.
	t.mu.Lock()
	defer t.mu.Unlock()
	tk := record.TimestampedKey{Key: key, Ts: ts}
	if t.log != nil {
		payload := encodeTombstone(key, ts)
		if err := t.log.Append(payload); err != nil {
			return false, fmt.Errorf("mutable: wal append: %w", err)
		}
	}
	t.list.Set(tk, tomb)
	t.size += int64(len(key)) + 16
	t.rows++
	return t.trigger.Check(t.size, t.rows), nil
}

func (t *Table) append(rec *record.DynRecord) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tk := rec.TimestampedKey()
	if t.log != nil {
		payload, err := encodeRecord(rec)
		if err != nil {
			return false, err
		}
		if err := t.log.Append(payload); err != nil {
			return false, fmt.Errorf("mutable: wal append: %w", err)
		}
	}
	t.list.Set(tk, rec)
	t.size += estimateSize(rec)
	t.rows++
	return t.trigger.Check(t.size, t.rows), nil
}

// Get returns the newest version of key visible at readTs, or false if
// absent or tombstoned.
func (t *Table) Get(key record.BytesKey, readTs record.Timestamp) (*record.DynRecord, bool) {
	rec, present, tombstone := t.Lookup(key, readTs)
	return rec, present && !tombstone
}

// Lookup is Get plus whether an entry was found at all, distinct from
// whether that entry was a tombstone. A multi-layer point lookup (mutable,
// then immutables, then on-disk levels) needs this distinction: a
// tombstone is authoritative and stops the search, while a true absence
// means the key might still exist in an older layer.
func (t *Table) Lookup(key record.BytesKey, readTs record.Timestamp) (rec *record.DynRecord, present, tombstone bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	// huandu/skiplist walks ascending; since our Compare orders ts
	// descending within a key, the first element at or after (key, readTs)
	// with a matching key is the newest version visible at readTs.
	seek := record.TimestampedKey{Key: key, Ts: readTs}
	el := t.list.Find(seek)
	if el == nil {
		return nil, false, false
	}
	tk := el.Key().(record.TimestampedKey)
	if !tk.Key.Equal(key) {
		return nil, false, false
	}
	rec = el.Value.(*record.DynRecord)
	if rec.Null {
		return nil, true, true
	}
	return rec, true, false
}

// CheckConflict implements the optimistic-concurrency guard used by the
// engine's commit path: it reports whether any version of key was written
// strictly after readTs, which means a concurrent writer raced the
// transaction reading at readTs.
func (t *Table) CheckConflict(key record.BytesKey, readTs record.Timestamp) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	seek := record.TimestampedKey{Key: key, Ts: record.MaxTimestamp}
	el := t.list.Find(seek)
	if el == nil {
		return false
	}
	tk := el.Key().(record.TimestampedKey)
	if !tk.Key.Equal(key) {
		return false
	}
	return tk.Ts > readTs
}

// Len reports the current row count, including tombstones.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rows
}

// SizeBytes reports the current estimated byte size.
func (t *Table) SizeBytes() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}

// Iterator walks entries in (key asc, ts desc) order between lo and hi
// (record.Range), snapshotting nothing — callers must hold a reference
// that keeps the table alive (the caller is expected to do this only
// against a frozen table being converted to an immutable snapshot).
type Iterator struct {
	el   *skiplist.Element
	high record.Bound
}

// NewIterator positions an Iterator at the start of rng; Valid stops the
// iterator once it walks past rng.High so callers never need to re-check
// the upper bound themselves.
func (t *Table) NewIterator(rng record.Range) *Iterator {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var el *skiplist.Element
	if rng.Low.Kind == record.Unbounded {
		el = t.list.Front()
	} else {
		seek := record.TimestampedKey{Key: rng.Low.Key, Ts: record.MaxTimestamp}
		el = t.list.Find(seek)
		if rng.Low.Kind == record.Excluded {
			for el != nil {
				tk := el.Key().(record.TimestampedKey)
				if !tk.Key.Equal(rng.Low.Key) {
					break
				}
				el = el.Next()
			}
		}
	}
	return &Iterator{el: el, high: rng.High}
}

// Valid reports whether the iterator currently points at an element within
// the configured upper bound.
func (it *Iterator) Valid() bool {
	if it.el == nil {
		return false
	}
	if it.high.Kind == record.Unbounded {
		return true
	}
	tk := it.el.Key().(record.TimestampedKey)
	c := tk.Key.Compare(it.high.Key)
	if it.high.Kind == record.Included {
		return c <= 0
	}
	return c < 0
}

// Key returns the current element's TimestampedKey.
func (it *Iterator) Key() record.TimestampedKey {
	return it.el.Key().(record.TimestampedKey)
}

// Record returns the current element's DynRecord.
func (it *Iterator) Record() *record.DynRecord {
	return it.el.Value.(*record.DynRecord)
}

// Next advances the iterator.
func (it *Iterator) Next() {
	it.el = it.el.Next()
}

func estimateSize(rec *record.DynRecord) int64 {
	size := int64(24) // key/ts/null overhead
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

// walKindRecord and walKindTombstone tag a WAL payload's shape; Recover
// switches on this byte before anything else.
const (
	walKindRecord    byte = 0
	walKindTombstone byte = 1
)

// encodeRecord serializes rec's full row (ts and every column value; the
// record-level Null flag is not written, since tombstones travel as
// walKindTombstone frames) so Recover can rebuild the row that was inserted, not just
// its key. Column order follows the schema the table was opened with,
// which Recover is always given, so no type tags need to travel on the
// wire beyond each value's own null flag.
func encodeRecord(rec *record.DynRecord) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(walKindRecord)
	writeU32(&buf, uint32(rec.Ts))
	writeU16(&buf, uint16(len(rec.Values)))
	for _, v := range rec.Values {
		if err := writeValue(&buf, v); err != nil {
			return nil, fmt.Errorf("mutable: encode wal record: %w", err)
		}
	}
	return buf.Bytes(), nil
}

func encodeTombstone(key record.BytesKey, ts record.Timestamp) []byte {
	var buf bytes.Buffer
	buf.WriteByte(walKindTombstone)
	writeU32(&buf, uint32(ts))
	writeBytes(&buf, key)
	return buf.Bytes()
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeU32(buf, uint32(len(b)))
	buf.Write(b)
}

// writeValue encodes one column value: a leading null byte, then (for a
// non-null value) a fixed 8-byte slot for every integer and float type,
// one byte for a Boolean, or a length-prefixed run for Utf8/Binary. The
// 8-byte slot holds the largest scalar datatype, so no per-type tag
// travels on the wire.
func writeValue(buf *bytes.Buffer, v record.Value) error {
	if v.IsNull {
		buf.WriteByte(1)
		return nil
	}
	buf.WriteByte(0)
	switch v.Type {
	case record.Int8, record.Int16, record.Int32, record.Int64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v.I64))
		buf.Write(b[:])
	case record.UInt8, record.UInt16, record.UInt32, record.UInt64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], v.U64)
		buf.Write(b[:])
	case record.Float32, record.Float64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(v.F64))
		buf.Write(b[:])
	case record.Boolean:
		if v.Bool {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case record.Utf8, record.Binary:
		writeBytes(buf, v.Bytes)
	default:
		return fmt.Errorf("mutable: cannot wal-encode datatype %d", v.Type)
	}
	return nil
}

// walReader is a tiny cursor over a decoded WAL payload; Recover uses it to
// walk encodeRecord/encodeTombstone's output without allocating a reader
// per field.
type walReader struct {
	data []byte
	pos  int
	err  error
}

func (r *walReader) u16() uint16 {
	if r.err != nil || r.pos+2 > len(r.data) {
		r.err = fmt.Errorf("mutable: truncated wal record")
		return 0
	}
	v := binary.BigEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v
}

func (r *walReader) u32() uint32 {
	if r.err != nil || r.pos+4 > len(r.data) {
		r.err = fmt.Errorf("mutable: truncated wal record")
		return 0
	}
	v := binary.BigEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v
}

func (r *walReader) byte() byte {
	if r.err != nil || r.pos+1 > len(r.data) {
		r.err = fmt.Errorf("mutable: truncated wal record")
		return 0
	}
	v := r.data[r.pos]
	r.pos++
	return v
}

func (r *walReader) bytes() []byte {
	n := r.u32()
	if r.err != nil || r.pos+int(n) > len(r.data) {
		r.err = fmt.Errorf("mutable: truncated wal record")
		return nil
	}
	v := append([]byte(nil), r.data[r.pos:r.pos+int(n)]...)
	r.pos += int(n)
	return v
}

func (r *walReader) value(dt record.Datatype) record.Value {
	isNull := r.byte() == 1
	if isNull {
		return record.Value{Type: dt, IsNull: true}
	}
	switch dt {
	case record.Int8, record.Int16, record.Int32, record.Int64:
		return record.Value{Type: dt, I64: int64(r.u64())}
	case record.UInt8, record.UInt16, record.UInt32, record.UInt64:
		return record.Value{Type: dt, U64: r.u64()}
	case record.Float32, record.Float64:
		return record.Value{Type: dt, F64: math.Float64frombits(r.u64())}
	case record.Boolean:
		return record.Value{Type: dt, Bool: r.byte() == 1}
	case record.Utf8, record.Binary:
		return record.Value{Type: dt, Bytes: r.bytes()}
	default:
		r.err = fmt.Errorf("mutable: cannot wal-decode datatype %d", dt)
		return record.Value{Type: dt}
	}
}

func (r *walReader) u64() uint64 {
	if r.err != nil || r.pos+8 > len(r.data) {
		r.err = fmt.Errorf("mutable: truncated wal record")
		return 0
	}
	v := binary.BigEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v
}

// decodeRecord rebuilds the DynRecord encodeRecord wrote, given the schema
// that was in effect when it was written.
func decodeRecord(schema *record.DynSchema, payload []byte) (*record.DynRecord, error) {
	r := &walReader{data: payload}
	ts := record.Timestamp(r.u32())
	n := r.u16()
	values := make([]record.Value, n)
	for i := range values {
		dt := record.Utf8
		if int(i) < len(schema.Columns) {
			dt = schema.Columns[i].Type
		}
		values[i] = r.value(dt)
	}
	if r.err != nil {
		return nil, r.err
	}
	return &record.DynRecord{Schema: schema, Ts: ts, Values: values}, nil
}

func decodeTombstone(payload []byte) (record.BytesKey, record.Timestamp, error) {
	r := &walReader{data: payload}
	ts := record.Timestamp(r.u32())
	key := r.bytes()
	if r.err != nil {
		return nil, 0, r.err
	}
	return record.BytesKey(key), ts, nil
}

// Recover replays the WAL segment at path into a fresh Table bound to
// schema: every record/tombstone frame is inserted directly into the
// skiplist without re-appending to a log, since the segment being read is
// itself the durable copy of this data. The caller is expected to attach a
// fresh WAL segment with AttachLog once recovery completes, so that writes
// made after reopening land in a new segment rather than the recovered one.
func Recover(fs afero.Fs, path string, schema *record.DynSchema, trig trigger.Trigger) (*Table, error) {
	t := New(schema, trig, nil)
	err := wal.Replay(fs, path, func(payload []byte) error {
		if len(payload) == 0 {
			return nil
		}
		switch payload[0] {
		case walKindRecord:
			rec, err := decodeRecord(schema, payload[1:])
			if err != nil {
				return err
			}
			t.list.Set(rec.TimestampedKey(), rec)
			t.size += estimateSize(rec)
			t.rows++
		case walKindTombstone:
			key, ts, err := decodeTombstone(payload[1:])
			if err != nil {
				return err
			}
			tomb := &record.DynRecord{Schema: schema, Null: true, Ts: ts}
			t.list.Set(record.TimestampedKey{Key: key, Ts: ts}, tomb)
			t.size += int64(len(key)) + 16
			t.rows++
		default:
			return fmt.Errorf("mutable: unknown wal payload kind %d", payload[0])
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mutable: recover %s: %w", path, err)
	}
	return t, nil
}

// AttachLog binds log as the table's durable WAL sink. Used after Recover
// rebuilds a table purely from replay, so subsequent writes are appended to
// a fresh segment instead of the one just replayed.
func (t *Table) AttachLog(log *wal.WAL) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.log = log
}
