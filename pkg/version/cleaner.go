package version

import (
	"github.com/mnohosten/strata/pkg/concurrent"
	"github.com/mnohosten/strata/pkg/sstable"
)

// pendingDelete is one table awaiting removal once nothing can still be
// reading it.
type pendingDelete struct {
	level int
	gen   sstable.ID
}

// Deleter removes the table file(s) for (level, gen) from disk.
type Deleter interface {
	Delete(level int, gen sstable.ID) error
}

// Cleaner queues on-disk tables made obsolete by compaction for deferred
// deletion on a concurrent.LockFreeStack, so a push never waits on a lock.
// Tables leave disk only when Drain is called; the engine runs no
// background sweep and never calls Drain, so queued tables stay on disk.
// Drain checks no reader reference counts before deleting.
type Cleaner struct {
	pending *concurrent.LockFreeStack
	fs      Deleter
}

// NewCleaner creates a Cleaner that delegates actual file removal to d.
func NewCleaner(d Deleter) *Cleaner {
	return &Cleaner{pending: concurrent.NewLockFreeStack(), fs: d}
}

// Push enqueues a table for later deletion.
func (c *Cleaner) Push(level int, gen sstable.ID) {
	c.pending.Push(pendingDelete{level: level, gen: gen})
}

// Drain removes and deletes every currently queued table, returning the
// first error encountered (subsequent deletes are still attempted).
func (c *Cleaner) Drain() error {
	var firstErr error
	for {
		v, ok := c.pending.Pop()
		if !ok {
			return firstErr
		}
		pd := v.(pendingDelete)
		if err := c.fs.Delete(pd.level, pd.gen); err != nil && firstErr == nil {
			firstErr = err
		}
	}
}

// Len reports the approximate number of tables still queued; like the
// stack it is built on, this is not an atomic snapshot under concurrent
// pushes.
func (c *Cleaner) Len() int {
	return c.pending.Size()
}
