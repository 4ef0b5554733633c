package sstable

import (
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/mnohosten/strata/pkg/record"
)

const writeFlags = os.O_CREATE | os.O_RDWR | os.O_TRUNC

// decodeKeyTs reads the reserved "_null"/"_ts" columns and the primary key
// column at row i of rec, returning the encoded key, the timestamp, and
// whether the row is a tombstone.
func decodeKeyTs(rec arrow.Record, i int, schema *record.DynSchema) (record.BytesKey, record.Timestamp, bool) {
	null := rec.Column(0).(*array.Boolean).Value(i)
	ts := record.Timestamp(rec.Column(1).(*array.Uint32).Value(i))
	pkCol := rec.Column(schema.PrimaryKeyIndex + 2)
	pkValue := columnValue(pkCol, i, schema.Columns[schema.PrimaryKeyIndex].Type)
	return record.EncodeValue(pkValue), ts, null
}

// decodeRow materializes row i of rec into a DynRecord, restricted to the
// columns named by mask (reserved columns are always decoded for Null/Ts).
func decodeRow(rec arrow.Record, i int, schema *record.DynSchema, mask record.ProjectionMask, ts record.Timestamp, null bool) (*record.DynRecord, error) {
	out := &record.DynRecord{Schema: schema, Null: null, Ts: ts, Values: make([]record.Value, len(schema.Columns))}

	indices := mask.Indices
	if len(indices) == 0 {
		indices = make([]int, len(schema.Columns))
		for j := range indices {
			indices[j] = j
		}
	}
	// rec's columns are laid out exactly as mask.ArrowIndices(schema)
	// produced them: _null, _ts, then the requested user columns in
	// order, so position j in indices maps to column j+2 in rec.
	for j, idx := range indices {
		out.Values[idx] = columnValue(rec.Column(j+2), i, schema.Columns[idx].Type)
	}
	return out, nil
}

func columnValue(col arrow.Array, i int, dt record.Datatype) record.Value {
	if col.IsNull(i) {
		return record.Value{Type: dt, IsNull: true}
	}
	switch a := col.(type) {
	case *array.Int8:
		return record.Value{Type: dt, I64: int64(a.Value(i))}
	case *array.Int16:
		return record.Value{Type: dt, I64: int64(a.Value(i))}
	case *array.Int32:
		return record.Value{Type: dt, I64: int64(a.Value(i))}
	case *array.Int64:
		return record.Value{Type: dt, I64: a.Value(i)}
	case *array.Uint8:
		return record.Value{Type: dt, U64: uint64(a.Value(i))}
	case *array.Uint16:
		return record.Value{Type: dt, U64: uint64(a.Value(i))}
	case *array.Uint32:
		return record.Value{Type: dt, U64: uint64(a.Value(i))}
	case *array.Uint64:
		return record.Value{Type: dt, U64: a.Value(i)}
	case *array.Float32:
		return record.Value{Type: dt, F64: float64(a.Value(i))}
	case *array.Float64:
		return record.Value{Type: dt, F64: a.Value(i)}
	case *array.Boolean:
		return record.Value{Type: dt, Bool: a.Value(i)}
	case *array.String:
		return record.Value{Type: dt, Bytes: []byte(a.Value(i))}
	case *array.Binary:
		return record.Value{Type: dt, Bytes: a.Value(i)}
	default:
		return record.Value{Type: dt, IsNull: true}
	}
}
