// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package lockmask

import (
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// ErrTableFull is returned when every bundle slot is referenced.
var ErrTableFull = errors.New("lockmask: bundle table full")

// ResidentID is the bundle of permanently resident items.
const ResidentID int32 = 0

// DefaultCapacity is the bundle table size used when none is given.
const DefaultCapacity = 1024

const (
	shardBits  = 4
	shardCount = 1 << shardBits
)

// bundle is the shared lock record behind one mask value.
// refs is -1 while a claimer is installing a new mask.
type bundle struct {
	handles atomic.Uint64
	refs    atomic.Int32
}

type shard struct {
	mu sync.Mutex
	_  cpu.CacheLinePad
}

// Table is a bounded, append-only table of lock bundles.
//
// Acquiring an existing bundle is lock-free. Creating a bundle takes the
// shard mutex selected by the mask, so concurrent callers asking for the
// same mask never create two bundles for it.
//
// Table is safe for concurrent use.
type Table struct {
	bundles []bundle
	used    atomic.Int32
	shards  [shardCount]shard
}

// NewTable creates a table holding at most capacity bundles, including the
// resident bundle at index 0.
func NewTable(capacity int) *Table {
	if capacity < 2 {
		capacity = DefaultCapacity
	}
	t := &Table{bundles: make([]bundle, capacity)}
	t.bundles[ResidentID].handles.Store(uint64(Permanent))
	t.bundles[ResidentID].refs.Store(1)
	t.used.Store(1)
	return t
}

// RequireLock returns a bundle whose handles equal mask and takes a
// reference on it. Any mask containing Permanent maps to ResidentID.
func (t *Table) RequireLock(mask Mask) (int32, error) {
	if mask&Permanent != 0 {
		return ResidentID, nil
	}
	if id := t.find(mask); id >= 0 {
		return id, nil
	}

	s := &t.shards[shardOf(mask)]
	s.mu.Lock()
	defer s.mu.Unlock()

	if id := t.find(mask); id >= 0 {
		return id, nil
	}
	return t.claim(mask)
}

// Retain takes an extra reference on id.
func (t *Table) Retain(id int32) bool {
	if id == ResidentID {
		return true
	}
	return t.bundles[id].acquire()
}

// Release drops a reference on id. A bundle whose count reaches zero can be
// reclaimed for a different mask.
func (t *Table) Release(id int32) {
	if id == ResidentID || id < 0 || int(id) >= len(t.bundles) {
		return
	}
	b := &t.bundles[id]
	for {
		r := b.refs.Load()
		if r <= 0 {
			return
		}
		if b.refs.CompareAndSwap(r, r-1) {
			return
		}
	}
}

// Unlock clears the context bits of mask from every bundle.
func (t *Table) Unlock(mask Mask) {
	clearBits := uint64(mask & Contexts)
	if clearBits == 0 {
		return
	}
	n := t.used.Load()
	for i := int32(1); i < n; i++ {
		b := &t.bundles[i]
		for {
			h := b.handles.Load()
			if h&clearBits == 0 {
				break
			}
			if b.handles.CompareAndSwap(h, h&^clearBits) {
				break
			}
		}
	}
}

// Handles returns the current mask of bundle id.
func (t *Table) Handles(id int32) Mask {
	return Mask(t.bundles[id].handles.Load())
}

// HasAny reports whether bundle id still holds any bit of mask.
func (t *Table) HasAny(id int32, mask Mask) bool {
	return t.Handles(id)&mask != 0
}

// IsUnlocked reports whether bundle id no longer references any context.
// The resident bundle is never unlocked.
func (t *Table) IsUnlocked(id int32) bool {
	return id != ResidentID && t.Handles(id) == 0
}

// Refs returns the reference count of bundle id.
func (t *Table) Refs(id int32) int32 { return t.bundles[id].refs.Load() }

// Used returns the high-water mark of bundle slots.
func (t *Table) Used() int { return int(t.used.Load()) }

// Live returns the number of bundles with at least one reference,
// the resident bundle included.
func (t *Table) Live() int {
	n := t.used.Load()
	live := 0
	for i := int32(0); i < n; i++ {
		if t.bundles[i].refs.Load() > 0 {
			live++
		}
	}
	return live
}

// Capacity returns the maximum number of bundles.
func (t *Table) Capacity() int { return len(t.bundles) }

func (t *Table) find(mask Mask) int32 {
	n := t.used.Load()
	for i := int32(1); i < n; i++ {
		b := &t.bundles[i]
		if Mask(b.handles.Load()) != mask {
			continue
		}
		if !b.acquire() {
			continue
		}
		// Unlock may have narrowed the bundle between the load and acquire.
		if Mask(b.handles.Load()) == mask {
			return i
		}
		t.Release(i)
	}
	return -1
}

// claim installs mask in a free slot. Caller holds the mask's shard lock.
func (t *Table) claim(mask Mask) (int32, error) {
	n := t.used.Load()
	for i := int32(1); i < n; i++ {
		if t.bundles[i].install(mask) {
			return i, nil
		}
	}
	for {
		n = t.used.Load()
		if int(n) >= len(t.bundles) {
			return -1, ErrTableFull
		}
		if !t.used.CompareAndSwap(n, n+1) {
			continue
		}
		// another claimer may have seen the new slot first
		if t.bundles[n].install(mask) {
			return n, nil
		}
	}
}

func (b *bundle) acquire() bool {
	for {
		r := b.refs.Load()
		if r <= 0 {
			return false
		}
		if b.refs.CompareAndSwap(r, r+1) {
			return true
		}
	}
}

func (b *bundle) install(mask Mask) bool {
	if !b.refs.CompareAndSwap(0, -1) {
		return false
	}
	b.handles.Store(uint64(mask))
	b.refs.Store(1)
	return true
}

func shardOf(mask Mask) uint64 {
	return (uint64(mask) * 0x9e3779b97f4a7c15) >> (64 - shardBits)
}
