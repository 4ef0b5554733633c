package record

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/apache/arrow-go/v18/arrow"
)

// Datatype enumerates the value types the dynamic schema supports. This
// mirrors the runtime-described column set the engine actually exercises;
// a host record-definition macro that would generate static Go structs for
// user schemas is out of scope, so DynRecord is the only record shape.
type Datatype int

const (
	Int8 Datatype = iota
	Int16
	Int32
	Int64
	UInt8
	UInt16
	UInt32
	UInt64
	Float32
	Float64
	Boolean
	Utf8
	Binary
)

func (d Datatype) arrowType() arrow.DataType {
	switch d {
	case Int8:
		return arrow.PrimitiveTypes.Int8
	case Int16:
		return arrow.PrimitiveTypes.Int16
	case Int32:
		return arrow.PrimitiveTypes.Int32
	case Int64:
		return arrow.PrimitiveTypes.Int64
	case UInt8:
		return arrow.PrimitiveTypes.Uint8
	case UInt16:
		return arrow.PrimitiveTypes.Uint16
	case UInt32:
		return arrow.PrimitiveTypes.Uint32
	case UInt64:
		return arrow.PrimitiveTypes.Uint64
	case Float32:
		return arrow.PrimitiveTypes.Float32
	case Float64:
		return arrow.PrimitiveTypes.Float64
	case Boolean:
		return arrow.FixedWidthTypes.Boolean
	case Utf8:
		return arrow.BinaryTypes.String
	case Binary:
		return arrow.BinaryTypes.Binary
	default:
		panic(fmt.Sprintf("record: unknown datatype %d", d))
	}
}

// ColumnDef is one (name, type, nullable) tuple in a runtime-described
// schema, the Go analogue of the original engine's column descriptor.
type ColumnDef struct {
	Name     string
	Type     Datatype
	Nullable bool
}

// DynSchema is a schema described entirely at runtime: a primary key column
// index plus an ordered list of user columns. Two reserved columns, "_null"
// and "_ts", are always prepended ahead of the user columns at arrow-schema
// construction time; callers never see or address them directly.
type DynSchema struct {
	Columns         []ColumnDef
	PrimaryKeyIndex int
}

// NewDynSchema validates that PrimaryKeyIndex refers to an existing column
// and returns a ready-to-use schema.
func NewDynSchema(columns []ColumnDef, primaryKeyIndex int) (*DynSchema, error) {
	if primaryKeyIndex < 0 || primaryKeyIndex >= len(columns) {
		return nil, fmt.Errorf("record: primary key index %d out of range for %d columns", primaryKeyIndex, len(columns))
	}
	return &DynSchema{Columns: columns, PrimaryKeyIndex: primaryKeyIndex}, nil
}

// reservedOffset is the number of leading columns ("_null", "_ts") that
// precede user columns in every arrow schema and record batch this engine
// produces.
const reservedOffset = 2

// ArrowSchema builds the on-disk/in-memory arrow schema for this DynSchema,
// with "_null" (bool) and "_ts" (uint32) as columns 0 and 1, followed by
// the user columns at their declared offsets, and primary_key_index stored
// as schema metadata so a reader can recover which user column is keyed.
func (s *DynSchema) ArrowSchema() *arrow.Schema {
	fields := make([]arrow.Field, 0, reservedOffset+len(s.Columns))
	fields = append(fields,
		arrow.Field{Name: "_null", Type: arrow.FixedWidthTypes.Boolean, Nullable: false},
		arrow.Field{Name: "_ts", Type: arrow.PrimitiveTypes.Uint32, Nullable: false},
	)
	for _, c := range s.Columns {
		fields = append(fields, arrow.Field{Name: c.Name, Type: c.Type.arrowType(), Nullable: c.Nullable})
	}
	md := arrow.NewMetadata(
		[]string{"primary_key_index"},
		[]string{fmt.Sprintf("%d", s.PrimaryKeyIndex+reservedOffset)},
	)
	return arrow.NewSchema(fields, &md)
}

// ProjectionMask selects a subset of user columns (indices into s.Columns,
// never the reserved "_null"/"_ts" columns, which are always implicitly
// included). A nil/empty mask means "all columns".
type ProjectionMask struct {
	Indices []int
}

// Validate rejects an out-of-range index or an attempt to address the
// reserved columns through the public projection API.
func (p ProjectionMask) Validate(s *DynSchema) error {
	for _, idx := range p.Indices {
		if idx < 0 || idx >= len(s.Columns) {
			return fmt.Errorf("record: projection index %d out of range for %d user columns", idx, len(s.Columns))
		}
	}
	return nil
}

// ArrowIndices translates user-column indices to their offsets in the full
// arrow schema (reserved columns included), for use with pqarrow reader
// column selection.
func (p ProjectionMask) ArrowIndices(s *DynSchema) []int {
	if len(p.Indices) == 0 {
		out := make([]int, reservedOffset+len(s.Columns))
		for i := range out {
			out[i] = i
		}
		return out
	}
	out := make([]int, 0, reservedOffset+len(p.Indices))
	out = append(out, 0, 1)
	for _, idx := range p.Indices {
		out = append(out, idx+reservedOffset)
	}
	return out
}

// Value is a dynamically typed column value. Exactly one of the typed
// fields is meaningful, selected by the paired Datatype; IsNull indicates a
// SQL-style null regardless of the Datatype.
type Value struct {
	Type   Datatype
	IsNull bool
	I64    int64
	U64    uint64
	F64    float64
	Bool   bool
	Bytes  []byte
}

// DynRecord is one row: a Null flag (tombstone marker, distinct from a
// column-level null), a Timestamp, and one Value per user column in the
// owning DynSchema's column order.
type DynRecord struct {
	Schema *DynSchema
	Null   bool
	Ts     Timestamp
	Values []Value
}

// PrimaryKey extracts and byte-encodes the primary key column into a
// BytesKey so it can participate in the engine's ordered indexes.
func (r *DynRecord) PrimaryKey() BytesKey {
	return EncodeValue(r.Values[r.Schema.PrimaryKeyIndex])
}

// TimestampedKey returns the (key, ts) pair used to place this record in
// the mutable table and the on-disk sort order.
func (r *DynRecord) TimestampedKey() TimestampedKey {
	return TimestampedKey{Key: r.PrimaryKey(), Ts: r.Ts}
}

// EncodeValue produces a byte-comparable encoding of v: fixed-width
// integers and floats are written big-endian with the sign/exponent bit
// flipped so that byte-comparison matches numeric comparison, and
// strings/bytes are copied verbatim since they already compare correctly
// byte-wise.
func EncodeValue(v Value) BytesKey {
	switch v.Type {
	case Int8:
		return BytesKey([]byte{byte(v.I64) ^ 0x80})
	case Int16:
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(v.I64)^0x8000)
		return BytesKey(b[:])
	case Int32:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(v.I64)^0x80000000)
		return BytesKey(b[:])
	case Int64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v.I64)^0x8000000000000000)
		return BytesKey(b[:])
	case UInt8:
		return BytesKey([]byte{byte(v.U64)})
	case UInt16:
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(v.U64))
		return BytesKey(b[:])
	case UInt32:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(v.U64))
		return BytesKey(b[:])
	case UInt64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], v.U64)
		return BytesKey(b[:])
	case Float32:
		bits := math.Float32bits(float32(v.F64))
		if bits&0x80000000 != 0 {
			bits = ^bits
		} else {
			bits |= 0x80000000
		}
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], bits)
		return BytesKey(b[:])
	case Float64:
		bits := math.Float64bits(v.F64)
		if bits&0x8000000000000000 != 0 {
			bits = ^bits
		} else {
			bits |= 0x8000000000000000
		}
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], bits)
		return BytesKey(b[:])
	case Boolean:
		if v.Bool {
			return BytesKey([]byte{1})
		}
		return BytesKey([]byte{0})
	case Utf8, Binary:
		out := make([]byte, len(v.Bytes))
		copy(out, v.Bytes)
		return BytesKey(out)
	default:
		panic(fmt.Sprintf("record: cannot encode datatype %d", v.Type))
	}
}
