// Package record defines the domain-typed key/value model shared by every
// layer of the storage engine: the mutable table, the columnar builder, the
// on-disk table and the merge streams all operate on the types here rather
// than on raw bytes, so a schema only needs to be taught to this package.
package record

import (
	"bytes"
	"fmt"
)

// Timestamp is a non-decreasing sequence number allocated by the VersionSet.
// EPOCH is reserved for "earliest" and is never assigned to a real write.
type Timestamp uint32

// EPOCH is the reserved earliest timestamp.
const EPOCH Timestamp = 0

// MaxTimestamp is used by compaction and full-history scans to mean
// "newest possible", i.e. nothing is filtered by read timestamp.
const MaxTimestamp Timestamp = 1<<32 - 1

// Key is any domain value that supports total order and equality. Schemas
// designate exactly one record field as the primary key and produce Keys
// from it.
type Key interface {
	// Compare returns <0, 0, >0 the way bytes.Compare does.
	Compare(other Key) int
	// Equal reports whether two keys are the same value.
	Equal(other Key) bool
	// String renders the key for logs and manifest entries.
	String() string
}

// BytesKey is the concrete Key implementation used by DynRecord; every
// datatype the dynamic schema supports is encoded to a byte-comparable
// representation before being wrapped in a BytesKey (see dyn.go).
type BytesKey []byte

func (k BytesKey) Compare(other Key) int {
	o, ok := other.(BytesKey)
	if !ok {
		panic(fmt.Sprintf("record: incomparable key types %T and %T", k, other))
	}
	return bytes.Compare(k, o)
}

func (k BytesKey) Equal(other Key) bool {
	o, ok := other.(BytesKey)
	if !ok {
		return false
	}
	return bytes.Equal(k, o)
}

func (k BytesKey) String() string {
	return string(k)
}

// TimestampedKey is the primary index element: (key, ts). Ordering is key
// ascending, ts descending within equal keys, so the newest version of a
// key always sorts first — this is what makes Get() a simple "first in
// range" lookup instead of a linear scan for the newest visible version.
type TimestampedKey struct {
	Key Key
	Ts  Timestamp
}

// Compare implements the (key asc, ts desc) order used throughout the
// engine: the mutable skiplist, the SSTable's sort order, and MergeStream.
func (tk TimestampedKey) Compare(other TimestampedKey) int {
	if c := tk.Key.Compare(other.Key); c != 0 {
		return c
	}
	switch {
	case tk.Ts > other.Ts:
		return -1
	case tk.Ts < other.Ts:
		return 1
	default:
		return 0
	}
}

// Equal reports whether both the key and the timestamp match exactly.
func (tk TimestampedKey) Equal(other TimestampedKey) bool {
	return tk.Key.Equal(other.Key) && tk.Ts == other.Ts
}

func (tk TimestampedKey) String() string {
	return fmt.Sprintf("%s@%d", tk.Key.String(), tk.Ts)
}

// Bound describes one side of a scan range.
type BoundKind int

const (
	Unbounded BoundKind = iota
	Included
	Excluded
)

// Bound pairs a BoundKind with the key it refers to (nil for Unbounded).
type Bound struct {
	Kind BoundKind
	Key  Key
}

// Range is a (low, high) pair of Bounds. An empty Range (both Unbounded)
// scans the whole keyspace.
type Range struct {
	Low  Bound
	High Bound
}
