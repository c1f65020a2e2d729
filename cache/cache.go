// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package cache

import (
	"fmt"
	"sync"

	"golang.org/x/sys/cpu"
)

// DefaultShardCount is the number of index shards.
// Must be a power of 2 for fast modulo via bitwise AND.
const DefaultShardCount = 16

// shardMask is used for fast shard selection (DefaultShardCount - 1).
const shardMask = DefaultShardCount - 1

// indexShard is a single shard of the content index.
// Padding keeps neighbouring shard mutexes off the same cache line.
type indexShard[T any] struct {
	mu      sync.RWMutex
	entries map[uint64]*item[T]
	_       cpu.CacheLinePad
}

// Cache is a content-addressed cache of payloads guarded by lock masks.
//
// Each item is published under its content hash and holds a lock bundle
// naming the execution contexts that still read it. A hit extends that
// lock and returns the existing payload; a miss recycles an unlocked slot
// of the same layout or creates a new one, then fills it.
//
// Hits take only the read lock of one index shard plus lock-free bundle
// updates. Misses serialize on a single mutex.
//
// Hash collisions are not detected: two payloads with the same content hash
// resolve to the same item.
type Cache[T any] struct {
	store[T]
	shards [DefaultShardCount]indexShard[T]
}

// New creates a keyed cache.
func New[T any](cfg Config[T]) *Cache[T] {
	c := &Cache[T]{}
	c.init(cfg)
	for i := range c.shards {
		c.shards[i].entries = make(map[uint64]*item[T])
	}
	c.unpublish = c.remove
	return c
}

// getShard returns the shard for a content hash.
func (c *Cache[T]) getShard(hash uint64) *indexShard[T] {
	return &c.shards[(hash^hash>>32)&shardMask]
}

// RequireItem returns the item for contentHash, locked for lockBits.
//
// On a hit the item's lock is extended to include lockBits, onHit (if not
// nil) is called and the existing payload is returned; nothing is
// recomputed. On a miss a slot of layoutHash is taken, allocate runs if the
// slot has no payload yet, fill writes the content, and the item is
// published. fill never runs on an item another caller can see.
func (c *Cache[T]) RequireItem(contentHash, layoutHash uint64, lockBits LockMask,
	allocate Allocate[T], fill Fill[T], onHit OnHit[T]) (Slot, T, error) {
	if slot, payload, ok := c.hit(contentHash, lockBits); ok {
		c.stats.hits.Add(1)
		if onHit != nil {
			onHit(slot, payload)
		}
		return slot, payload, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another caller may have published the same content while we waited.
	if slot, payload, ok := c.hit(contentHash, lockBits); ok {
		c.stats.hits.Add(1)
		if onHit != nil {
			onHit(slot, payload)
		}
		return slot, payload, nil
	}

	c.stats.misses.Add(1)
	it, recycled := c.takeSlot(layoutHash)
	if err := c.install(it, recycled, layoutHash, lockBits, allocate); err != nil {
		var zero T
		return InvalidSlot, zero, err
	}
	if fill != nil {
		if err := fill(it.slot, it.payload); err != nil {
			c.giveBack(it)
			var zero T
			return InvalidSlot, zero, err
		}
	}
	it.contentHash = contentHash
	c.publish(it)
	c.log.Debug("cache: miss", "cache", c.name, "slot", it.slot, "recycled", recycled)
	return it.slot, it.payload, nil
}

// hit resolves contentHash and extends its lock to include lockBits.
// The shard read lock is held throughout so an evictor, which needs the
// write lock, cannot recycle the item underneath.
func (c *Cache[T]) hit(contentHash uint64, lockBits LockMask) (Slot, T, bool) {
	var zero T
	shard := c.getShard(contentHash)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	it, ok := shard.entries[contentHash]
	if !ok {
		return InvalidSlot, zero, false
	}
	for {
		cur := it.lockID.Load()
		if cur < 0 {
			return InvalidSlot, zero, false
		}
		held := c.locks.Handles(cur)
		if held == 0 {
			// Fully unlocked items are not resolvable.
			return InvalidSlot, zero, false
		}
		want := held | lockBits
		if want == held {
			return it.slot, it.payload, true
		}
		id, err := c.locks.RequireLock(want)
		if err != nil {
			c.log.Warn("cache: lock extension failed", "cache", c.name, "slot", it.slot, "err", err)
			return InvalidSlot, zero, false
		}
		if it.lockID.CompareAndSwap(cur, id) {
			c.locks.Release(cur)
			return it.slot, it.payload, true
		}
		c.locks.Release(id)
	}
}

func (c *Cache[T]) publish(it *item[T]) {
	shard := c.getShard(it.contentHash)
	shard.mu.Lock()
	shard.entries[it.contentHash] = it
	shard.mu.Unlock()
	it.indexed = true
}

// remove unpublishes an unlocked item. It re-checks the lock under the
// shard write lock, which excludes concurrent hits.
func (c *Cache[T]) remove(it *item[T]) bool {
	shard := c.getShard(it.contentHash)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if !c.unlocked(it) {
		return false
	}
	if shard.entries[it.contentHash] == it {
		delete(shard.entries, it.contentHash)
	}
	return true
}

// Lookup returns the slot published under contentHash if it is still
// locked by some context.
func (c *Cache[T]) Lookup(contentHash uint64) (Slot, bool) {
	shard := c.getShard(contentHash)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	it, ok := shard.entries[contentHash]
	if !ok {
		return InvalidSlot, false
	}
	id := it.lockID.Load()
	if id < 0 || c.locks.Handles(id) == 0 {
		return InvalidSlot, false
	}
	return it.slot, true
}

// Indexed returns the number of published items.
func (c *Cache[T]) Indexed() int {
	total := 0
	for i := range c.shards {
		shard := &c.shards[i]
		shard.mu.RLock()
		total += len(shard.entries)
		shard.mu.RUnlock()
	}
	return total
}

// ShardLen returns the number of entries in each shard.
// Useful for debugging load distribution.
func (c *Cache[T]) ShardLen() [DefaultShardCount]int {
	var lens [DefaultShardCount]int
	for i := range c.shards {
		shard := &c.shards[i]
		shard.mu.RLock()
		lens[i] = len(shard.entries)
		shard.mu.RUnlock()
	}
	return lens
}

// Clear drops every item and the whole index. With destroy set, payloads
// are destroyed; otherwise they are abandoned (the device-lost path, where
// the device already invalidated them). It returns the number destroyed.
func (c *Cache[T]) Clear(destroy bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.shards {
		shard := &c.shards[i]
		shard.mu.Lock()
		clear(shard.entries)
		shard.mu.Unlock()
	}
	return c.clear(destroy)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache[T]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stats.snapshot()
	st.Live = c.pool.Live()
	st.Capacity = c.pool.Cap()
	for _, free := range c.purged {
		st.Free += len(free)
	}
	st.Indexed = c.Indexed()
	return st
}

// Check verifies the slot storage and index invariants: every published
// item is live and indexed under its own hash.
func (c *Cache[T]) Check() error {
	if err := c.store.Check(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.shards {
		shard := &c.shards[i]
		shard.mu.RLock()
		for hash, it := range shard.entries {
			if it.contentHash != hash || !it.indexed || !c.valid(it.slot) {
				shard.mu.RUnlock()
				return fmt.Errorf("cache %s: index entry %#x -> slot %d is stale", c.name, hash, it.slot)
			}
		}
		shard.mu.RUnlock()
	}
	return nil
}
