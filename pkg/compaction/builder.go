package compaction

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/mnohosten/strata/pkg/immutable"
	"github.com/mnohosten/strata/pkg/record"
)

// rollingBuilder wraps an immutable.Builder with the min/max and key
// tracking build_tables needs to turn an in-progress output batch into a
// version.Scope once it rolls over.
type rollingBuilder struct {
	inner    *immutable.Builder
	min, max record.Key
	keys     []record.BytesKey
}

func newRollingBuilder(schema *record.DynSchema, pool memory.Allocator) *rollingBuilder {
	return &rollingBuilder{inner: immutable.NewBuilder(schema, pool)}
}

func (b *rollingBuilder) push(rec *record.DynRecord) {
	key := rec.PrimaryKey()
	if b.min == nil || key.Compare(b.min) < 0 {
		b.min = key
	}
	if b.max == nil || key.Compare(b.max) > 0 {
		b.max = key
	}
	b.keys = append(b.keys, key)
	b.inner.Push(rec)
}

func (b *rollingBuilder) writtenSize() int64 { return b.inner.WrittenSize() }
func (b *rollingBuilder) len() int           { return b.inner.Len() }

func (b *rollingBuilder) finish() arrow.Record {
	return b.inner.Finish().AsRecordBatch()
}
