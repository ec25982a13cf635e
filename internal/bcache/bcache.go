// Package bcache implements the bounded LRU block cache (spec §4.3):
// fixed-capacity, at most one entry per block id, closures-based
// read/modify, write-back on eviction and on SyncAll. Grounded on
// biscuit's fs/blk.go Bdev_block_t (cached-block-with-its-own-mutex
// shape), trimmed of the journaling machinery (CommitBlk/RevokeBlk) that
// spec §1's Non-goals (crash consistency beyond sync-all) rule out.
package bcache

import (
	"container/list"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/stride-os/kernel/internal/bdev"
)

// DefaultCapacity is the cache's default bound (spec §3: "e.g., 16").
const DefaultCapacity = 16

// Block is a single cached disk block (spec §3: block id, 512-byte
// buffer, dirty flag, device handle).
type Block struct {
	id    uint64
	buf   [bdev.BlockSize]byte
	dirty bool
	mu    sync.Mutex
}

// Read calls f with the block's bytes at offset off.
func (b *Block) Read(off int, f func([]byte)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f(b.buf[off:])
}

// Modify calls f with the block's bytes at offset off and marks the block
// dirty — it may have been changed.
func (b *Block) Modify(off int, f func([]byte)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f(b.buf[off:])
	b.dirty = true
}

// Cache is a bounded LRU cache of Blocks over a bdev.BlockDevice.
type Cache struct {
	mu       sync.Mutex
	capacity int
	dev      bdev.BlockDevice
	entries  map[uint64]*list.Element // block id -> element in lru
	lru      *list.List               // front = most recently used
	group    singleflight.Group

	hits   atomic.Uint64
	misses atomic.Uint64
}

type lruEntry struct {
	id  uint64
	blk *Block
}

// New creates a Cache with the given capacity over dev.
func New(dev bdev.BlockDevice, capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		dev:      dev,
		entries:  make(map[uint64]*list.Element),
		lru:      list.New(),
	}
}

// Get returns the cached block for id, reading it from the device on a
// miss. Concurrent misses for the same id are deduplicated into a single
// disk read via singleflight, extending the cache's "at most one entry per
// block id" invariant to in-flight misses.
func (c *Cache) Get(id uint64) (*Block, error) {
	c.mu.Lock()
	if el, ok := c.entries[id]; ok {
		c.lru.MoveToFront(el)
		blk := el.Value.(*lruEntry).blk
		c.mu.Unlock()
		c.hits.Add(1)
		return blk, nil
	}
	c.mu.Unlock()
	c.misses.Add(1)

	v, err, _ := c.group.Do(keyOf(id), func() (interface{}, error) {
		// Re-check: another goroutine may have populated the entry
		// while we waited to enter the singleflight group.
		c.mu.Lock()
		if el, ok := c.entries[id]; ok {
			blk := el.Value.(*lruEntry).blk
			c.mu.Unlock()
			return blk, nil
		}
		c.mu.Unlock()

		blk := &Block{id: id}
		if err := c.dev.ReadBlock(id, blk.buf[:]); err != nil {
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if err := c.evictIfFullLocked(); err != nil {
			return nil, err
		}
		el := c.lru.PushFront(&lruEntry{id: id, blk: blk})
		c.entries[id] = el
		return blk, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Block), nil
}

// evictIfFullLocked evicts the least-recently-used entry, writing it back
// if dirty, when the cache is at capacity. c.mu must be held.
func (c *Cache) evictIfFullLocked() error {
	if c.lru.Len() < c.capacity {
		return nil
	}
	back := c.lru.Back()
	ent := back.Value.(*lruEntry)
	if err := c.writeBack(ent.blk); err != nil {
		return err
	}
	c.lru.Remove(back)
	delete(c.entries, ent.id)
	return nil
}

func (c *Cache) writeBack(blk *Block) error {
	blk.mu.Lock()
	defer blk.mu.Unlock()
	if !blk.dirty {
		return nil
	}
	if err := c.dev.WriteBlock(blk.id, blk.buf[:]); err != nil {
		return err
	}
	blk.dirty = false
	return nil
}

// SyncAll writes every dirty entry back to the device.
func (c *Cache) SyncAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for e := c.lru.Front(); e != nil; e = e.Next() {
		ent := e.Value.(*lruEntry)
		if err := c.writeBack(ent.blk); err != nil {
			return err
		}
	}
	return nil
}

// Len reports the number of blocks currently cached (for tests/metrics).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats reports cumulative hit/miss counts for internal/metrics.
func (c *Cache) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

func keyOf(id uint64) string {
	return strconv.FormatUint(id, 10)
}
