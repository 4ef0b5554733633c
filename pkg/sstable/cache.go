package sstable

import (
	"container/list"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Cache is a sharded LRU of open Readers keyed by file id, so a hot level
// doesn't pay file-open and parquet-footer-parse cost on every scan.
// Partitioning into shards keeps a single busy table from serializing
// every other table's cache traffic behind one lock. Entries never expire
// on a timer: this cache evicts purely on capacity and closes the Reader
// it displaces, so an evicted Reader's file handle is released.
type Cache struct {
	shards    []*cacheShard
	shardMask uint32
	capacity  int
}

type cacheShard struct {
	mu       sync.Mutex
	items    map[ulid.ULID]*list.Element
	order    *list.List
	capacity int
}

type cacheEntry struct {
	id     ulid.ULID
	reader *Reader
}

// NewCache builds a cache with the given total capacity split across
// shardCount shards (rounded up to a power of two).
func NewCache(capacity int, shardCount uint32) *Cache {
	shardCount = nextPowerOfTwo(shardCount)
	perShard := capacity / int(shardCount)
	if perShard < 1 {
		perShard = 1
	}
	shards := make([]*cacheShard, shardCount)
	for i := range shards {
		shards[i] = &cacheShard{
			items:    make(map[ulid.ULID]*list.Element),
			order:    list.New(),
			capacity: perShard,
		}
	}
	return &Cache{shards: shards, shardMask: shardCount - 1, capacity: capacity}
}

func (c *Cache) shardFor(id ulid.ULID) *cacheShard {
	var h uint32
	for _, b := range id {
		h = h*31 + uint32(b)
	}
	return c.shards[h&c.shardMask]
}

// Get returns a cached Reader for id, if present, marking it most
// recently used.
func (c *Cache) Get(id ulid.ULID) (*Reader, bool) {
	shard := c.shardFor(id)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	el, ok := shard.items[id]
	if !ok {
		return nil, false
	}
	shard.order.MoveToFront(el)
	return el.Value.(*cacheEntry).reader, true
}

// Put inserts reader under id, evicting and closing the shard's least
// recently used entry if the shard is over capacity.
func (c *Cache) Put(id ulid.ULID, reader *Reader) {
	shard := c.shardFor(id)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if el, ok := shard.items[id]; ok {
		el.Value.(*cacheEntry).reader = reader
		shard.order.MoveToFront(el)
		return
	}
	el := shard.order.PushFront(&cacheEntry{id: id, reader: reader})
	shard.items[id] = el

	if shard.order.Len() > shard.capacity {
		oldest := shard.order.Back()
		entry := oldest.Value.(*cacheEntry)
		shard.order.Remove(oldest)
		delete(shard.items, entry.id)
		_ = entry.reader.Close()
	}
}

// Evict removes and closes id's cached reader, if any, used when a table
// is deleted by the cleaner.
func (c *Cache) Evict(id ulid.ULID) {
	shard := c.shardFor(id)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	el, ok := shard.items[id]
	if !ok {
		return
	}
	entry := el.Value.(*cacheEntry)
	shard.order.Remove(el)
	delete(shard.items, id)
	_ = entry.reader.Close()
}

// Close closes every reader still held by the cache, for use when the
// owning database shuts down.
func (c *Cache) Close() {
	for _, shard := range c.shards {
		shard.mu.Lock()
		for _, el := range shard.items {
			_ = el.Value.(*cacheEntry).reader.Close()
		}
		shard.items = make(map[ulid.ULID]*list.Element)
		shard.order = list.New()
		shard.mu.Unlock()
	}
}

func nextPowerOfTwo(n uint32) uint32 {
	if n == 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	return n + 1
}
