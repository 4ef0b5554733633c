// Package stream provides the iterator abstractions compaction and scans
// use to walk sorted data uniformly regardless of where it lives: the
// mutable table, a frozen immutable snapshot, a single on-disk table, or
// an entire level virtualized as one stream.
package stream

import (
	"container/heap"
	"context"

	"github.com/mnohosten/strata/pkg/immutable"
	"github.com/mnohosten/strata/pkg/mutable"
	"github.com/mnohosten/strata/pkg/record"
	"github.com/mnohosten/strata/pkg/sstable"
)

// ScanStream is the common iterator surface every source of sorted rows
// implements: a cursor that must be advanced with Next before Record is
// valid, exposing the current row's key for merge ordering.
type ScanStream interface {
	Next() bool
	Key() record.TimestampedKey
	Record() (*record.DynRecord, error)
	Close()
}

// mutableStream adapts mutable.Iterator to ScanStream. mutable.Iterator
// already starts positioned at its first element rather than before it,
// so Next defers the first advance until it has been called once,
// matching the "not yet advanced" starting semantics every other stream
// source in this package follows.
type mutableStream struct {
	it      *mutable.Iterator
	started bool
}

// FromMutable wraps a mutable table's iterator.
func FromMutable(it *mutable.Iterator) ScanStream {
	return &mutableStream{it: it}
}

func (s *mutableStream) Next() bool {
	if !s.started {
		s.started = true
		return s.it.Valid()
	}
	s.it.Next()
	return s.it.Valid()
}

func (s *mutableStream) Key() record.TimestampedKey        { return s.it.Key() }
func (s *mutableStream) Record() (*record.DynRecord, error) { return s.it.Record(), nil }
func (s *mutableStream) Close()                             {}

// immutableStream adapts immutable.Iterator to ScanStream.
type immutableStream struct {
	it      *immutable.Iterator
	started bool
}

// FromImmutable wraps a frozen snapshot's iterator.
func FromImmutable(it *immutable.Iterator) ScanStream {
	return &immutableStream{it: it}
}

func (s *immutableStream) Next() bool {
	if !s.started {
		s.started = true
		return s.it.Valid()
	}
	s.it.Next()
	return s.it.Valid()
}
func (s *immutableStream) Key() record.TimestampedKey        { return s.it.Key() }
func (s *immutableStream) Record() (*record.DynRecord, error) { return s.it.Record() }
func (s *immutableStream) Close()                             {}

// sstableStream adapts an open table's ScanIterator to ScanStream.
type sstableStream struct {
	it  *sstable.ScanIterator
	rec *record.DynRecord
	ts  record.Timestamp
	key record.TimestampedKey
}

// FromSsTable wraps an on-disk table scan.
func FromSsTable(it *sstable.ScanIterator) ScanStream {
	return &sstableStream{it: it}
}

func (s *sstableStream) Next() bool {
	if !s.it.Next() {
		return false
	}
	rec, err := s.it.Record()
	if err != nil {
		return false
	}
	s.rec = rec
	s.key = rec.TimestampedKey()
	return true
}
func (s *sstableStream) Key() record.TimestampedKey { return s.key }
func (s *sstableStream) Record() (*record.DynRecord, error) { return s.rec, nil }
func (s *sstableStream) Close() { s.it.Close() }

// heapItem pairs a ScanStream with its current row for the merge heap,
// tagged with sourceOrder so ties between equal (key, ts) pairs break
// toward the earliest-listed source, matching the priority a caller
// assigns by stream order (mutable first, then immutable, then levels
// oldest-written-last).
type heapItem struct {
	stream      ScanStream
	sourceOrder int
}

type mergeHeap []*heapItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if c := a.stream.Key().Compare(b.stream.Key()); c != 0 {
		return c < 0
	}
	return a.sourceOrder < b.sourceOrder
}
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(*heapItem)) }
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// MergeStream performs a k-way merge over its sources in (key asc, ts
// desc) order; when two sources agree on the exact same (key, ts), the
// source listed earlier in the constructor's slice wins, which lets a
// caller give the mutable table and newer levels priority over older
// on-disk tables without any extra bookkeeping.
type MergeStream struct {
	heap   mergeHeap
	curKey record.TimestampedKey
	curRec *record.DynRecord
	curErr error
}

// NewMergeStream merges sources, which must already be positioned before
// their first element (i.e. Next has not yet been called on any of them).
func NewMergeStream(sources []ScanStream) *MergeStream {
	m := &MergeStream{}
	for i, s := range sources {
		if s.Next() {
			m.heap = append(m.heap, &heapItem{stream: s, sourceOrder: i})
		} else {
			s.Close()
		}
	}
	heap.Init(&m.heap)
	return m
}

// Next advances to the next merged row, returning false once every source
// is exhausted. The row at the top of the heap is captured before its
// source is advanced, so Key/Record after Next report the row Next just
// surfaced, not the row the source advanced into.
func (m *MergeStream) Next() bool {
	if len(m.heap) == 0 {
		return false
	}
	top := m.heap[0]
	m.curKey = top.stream.Key()
	m.curRec, m.curErr = top.stream.Record()
	if top.stream.Next() {
		heap.Fix(&m.heap, 0)
	} else {
		heap.Pop(&m.heap)
		top.stream.Close()
	}
	return true
}

// Key returns the current merged row's key.
func (m *MergeStream) Key() record.TimestampedKey { return m.curKey }

// Record returns the current merged row.
func (m *MergeStream) Record() (*record.DynRecord, error) { return m.curRec, m.curErr }

// Close closes every remaining source stream.
func (m *MergeStream) Close() {
	for _, item := range m.heap {
		item.stream.Close()
	}
	m.heap = nil
}

// LevelOpener opens the on-disk table with the given id for scanning,
// letting LevelStream defer actually touching disk until a table's range
// is reached instead of opening every table in a level up front.
type LevelOpener func(ctx context.Context, id sstable.ID) (ScanStream, error)

// LevelStream virtualizes an entire level (a sequence of non-overlapping,
// sorted on-disk tables) as a single ScanStream, opening each table lazily
// as the previous one is exhausted.
type LevelStream struct {
	ctx    context.Context
	ids    []sstable.ID
	opener LevelOpener
	idx    int
	cur    ScanStream
}

// NewLevelStream builds a lazy stream over ids, which must already be in
// ascending scope order.
func NewLevelStream(ctx context.Context, ids []sstable.ID, opener LevelOpener) *LevelStream {
	return &LevelStream{ctx: ctx, ids: ids, opener: opener, idx: -1}
}

// Next advances to the next row, opening the next table in the level when
// the current one is exhausted.
func (l *LevelStream) Next() bool {
	for {
		if l.cur != nil && l.cur.Next() {
			return true
		}
		if l.cur != nil {
			l.cur.Close()
			l.cur = nil
		}
		l.idx++
		if l.idx >= len(l.ids) {
			return false
		}
		s, err := l.opener(l.ctx, l.ids[l.idx])
		if err != nil {
			return false
		}
		l.cur = s
	}
}

// Key returns the current row's key.
func (l *LevelStream) Key() record.TimestampedKey { return l.cur.Key() }

// Record returns the current row.
func (l *LevelStream) Record() (*record.DynRecord, error) { return l.cur.Record() }

// Close closes whichever table is currently open.
func (l *LevelStream) Close() {
	if l.cur != nil {
		l.cur.Close()
	}
}
