package immutable

import (
	"testing"

	"github.com/mnohosten/strata/pkg/mutable"
	"github.com/mnohosten/strata/pkg/record"
	"github.com/mnohosten/strata/pkg/trigger"
)

func testSchema(t *testing.T) *record.DynSchema {
	t.Helper()
	s, err := record.NewDynSchema([]record.ColumnDef{
		{Name: "key", Type: record.Utf8},
		{Name: "value", Type: record.Utf8, Nullable: true},
	}, 0)
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	return s
}

func rec(schema *record.DynSchema, key, value string, ts record.Timestamp) *record.DynRecord {
	return &record.DynRecord{
		Schema: schema,
		Ts:     ts,
		Values: []record.Value{
			{Type: record.Utf8, Bytes: []byte(key)},
			{Type: record.Utf8, Bytes: []byte(value)},
		},
	}
}

func TestFromTableBuildsSortedSnapshot(t *testing.T) {
	schema := testSchema(t)
	tbl := mutable.New(schema, trigger.New(trigger.DefaultConfig()), nil)
	for _, k := range []string{"c", "a", "b"} {
		if _, err := tbl.Insert(rec(schema, k, "v-"+k, 1)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	snap := FromTable(schema, tbl, nil)
	if snap.Len() != 3 {
		t.Fatalf("expected 3 rows, got %d", snap.Len())
	}
	min, max, ok := snap.Scope()
	if !ok {
		t.Fatalf("expected non-empty scope")
	}
	if min.Compare(record.BytesKey("a")) != 0 || max.Compare(record.BytesKey("c")) != 0 {
		t.Fatalf("expected scope [a,c], got [%v,%v]", min, max)
	}
}

func TestSnapshotGetProjection(t *testing.T) {
	schema := testSchema(t)
	b := NewBuilder(schema, nil)
	b.Push(rec(schema, "k1", "v1", 1))
	snap := b.Finish()

	full, err := snap.Get(0, record.ProjectionMask{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(full.Values[0].Bytes) != "k1" || string(full.Values[1].Bytes) != "v1" {
		t.Fatalf("unexpected full projection: %+v", full.Values)
	}

	projected, err := snap.Get(0, record.ProjectionMask{Indices: []int{1}})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(projected.Values[1].Bytes) != "v1" {
		t.Fatalf("expected projected column 1 to be populated, got %+v", projected.Values[1])
	}
	if len(projected.Values[0].Bytes) != 0 {
		t.Fatalf("expected unprojected column 0 to be left zero-value, got %+v", projected.Values[0])
	}
}

func TestSnapshotIteratorRangeBounds(t *testing.T) {
	schema := testSchema(t)
	b := NewBuilder(schema, nil)
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		b.Push(rec(schema, k, k, 1))
	}
	snap := b.Finish()

	rng := record.Range{
		Low:  record.Bound{Kind: record.Included, Key: record.BytesKey("b")},
		High: record.Bound{Kind: record.Excluded, Key: record.BytesKey("d")},
	}
	it := snap.NewIterator(rng, record.ProjectionMask{})
	var seen []string
	for it.Valid() {
		r, err := it.Record()
		if err != nil {
			t.Fatalf("record: %v", err)
		}
		seen = append(seen, string(r.Values[0].Bytes))
		it.Next()
	}
	if len(seen) != 2 || seen[0] != "b" || seen[1] != "c" {
		t.Fatalf("expected [b c], got %v", seen)
	}
}

func TestSnapshotIteratorTombstoneRowSurfacesNull(t *testing.T) {
	schema := testSchema(t)
	b := NewBuilder(schema, nil)
	b.Push(&record.DynRecord{Schema: schema, Null: true, Ts: 1})
	snap := b.Finish()

	it := snap.NewIterator(record.Range{}, record.ProjectionMask{})
	if !it.Valid() {
		t.Fatalf("expected one row")
	}
	r, err := it.Record()
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if !r.Null {
		t.Fatalf("expected tombstone row to round-trip Null=true")
	}
}
