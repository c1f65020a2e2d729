// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package statetrack

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/gogpu/framecache/gpucore"
	"golang.org/x/sys/cpu"
)

// shardCount must be a power of two.
const shardCount = 16

// growSlack is added to an out-of-range handle before rounding the table up
// to the next power of two.
const growSlack = 16

// Whole selects every subresource of a resource.
const Whole = -1

// Tracker records the current state of every subresource of every tracked
// resource and emits the minimal set of transitions to reach a requested
// state.
//
// Records are addressed by small integer handles. Requests for different
// handles proceed in parallel; requests for the same handle serialize on one
// of 16 shard mutexes.
type Tracker struct {
	mu      sync.RWMutex
	records []*record

	shards [shardCount]struct {
		mu sync.Mutex
		_  cpu.CacheLinePad
	}
}

// New returns a tracker with room for capacity handles.
func New(capacity int) *Tracker {
	t := &Tracker{}
	if capacity > 0 {
		t.grow(uint32(capacity - 1))
	}
	return t
}

// Capacity returns the current table size.
func (t *Tracker) Capacity() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// Register starts tracking res under handle in the initial state, replacing
// whatever the handle tracked before.
func (t *Tracker) Register(handle uint32, res gpucore.Resource, initial gpucore.ResourceState) {
	r, unlock := t.acquire(handle)
	defer unlock()
	r.reset(res, initial)
}

// Forget stops tracking handle. The handle may be registered again later.
func (t *Tracker) Forget(handle uint32) {
	r, unlock := t.lookup(handle)
	if r == nil {
		return
	}
	defer unlock()
	r.reset(nil, gpucore.StateCommon)
	r.count = 0
}

// SetResourceState moves subresource sub of the resource tracked under
// handle to s, appending the transitions it needs to b. Whole (or any
// negative sub) selects the entire resource. A nil batch applies the state
// change without recording transitions.
//
// s may carry gpucore.Locked to pin the affected subresources until
// UnlockResourceState. Requests against pinned subresources are ignored.
//
// It returns the number of transitions appended.
func (t *Tracker) SetResourceState(b *Batch, res gpucore.Resource, handle uint32, sub int, s gpucore.ResourceState) int {
	r, unlock := t.acquire(handle)
	defer unlock()
	if r.count == 0 {
		r.reset(res, gpucore.StateCommon)
	}
	e := emitter{batch: b, res: r.resource, handle: handle}
	if sub < 0 {
		r.setWhole(&e, s.Unlocked(), s.IsLocked())
	} else if uint32(sub) < r.count {
		r.setOne(&e, uint32(sub), s.Unlocked(), s.IsLocked())
	}
	return e.n
}

// UnlockResourceState clears the pin on subresource sub (or every
// subresource for Whole) and reports whether anything was pinned.
func (t *Tracker) UnlockResourceState(handle uint32, sub int) bool {
	r, unlock := t.lookup(handle)
	if r == nil {
		return false
	}
	defer unlock()
	if r.lockCount == 0 {
		return false
	}
	if sub < 0 {
		r.locked = false
		r.pages.Each(func(_ int, p *page) bool {
			p.locked = false
			return true
		})
		r.fold()
		return true
	}
	if uint32(sub) >= r.count {
		return false
	}
	offset, bit := band(uint32(sub))
	i := -1
	if offset != 0 || r.sparseMask&bit == 0 {
		i = r.findPage(offset, bit)
	}
	if i < 0 {
		if !r.locked {
			return false
		}
		r.locked = false
	} else {
		p := *r.pages.At(i)
		if !p.locked {
			return false
		}
		r.removeBits(i, bit)
		r.addToPage(offset, bit, p.state, false)
	}
	r.fold()
	return true
}

// GetResourceState returns the most recently requested state of
// subresource sub. Whole returns the primary state. Unknown handles report
// gpucore.StateCommon.
func (t *Tracker) GetResourceState(handle uint32, sub int) gpucore.ResourceState {
	r, unlock := t.lookup(handle)
	if r == nil {
		return gpucore.StateCommon
	}
	defer unlock()
	if sub < 0 || uint32(sub) >= r.count {
		return r.primary
	}
	return r.stateOf(uint32(sub))
}

// IsLocked reports whether any subresource of handle is pinned.
func (t *Tracker) IsLocked(handle uint32) bool {
	r, unlock := t.lookup(handle)
	if r == nil {
		return false
	}
	defer unlock()
	return r.lockCount > 0
}

// Pages returns the number of sparse pages held by handle.
func (t *Tracker) Pages(handle uint32) int {
	r, unlock := t.lookup(handle)
	if r == nil {
		return 0
	}
	defer unlock()
	return r.pages.Len()
}

// Check verifies the internal invariants of every tracked record.
func (t *Tracker) Check() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for h, r := range t.records {
		s := &t.shards[h&(shardCount-1)]
		s.mu.Lock()
		err := r.check()
		s.mu.Unlock()
		if err != nil {
			return fmt.Errorf("statetrack: handle %d: %w", h, err)
		}
	}
	return nil
}

// acquire returns the record for handle, growing the table if needed, with
// its shard locked.
func (t *Tracker) acquire(handle uint32) (*record, func()) {
	t.mu.RLock()
	if int(handle) >= len(t.records) {
		t.mu.RUnlock()
		t.mu.Lock()
		t.grow(handle)
		t.mu.Unlock()
		t.mu.RLock()
	}
	r := t.records[handle]
	t.mu.RUnlock()
	s := &t.shards[handle&(shardCount-1)]
	s.mu.Lock()
	return r, s.mu.Unlock
}

// lookup is acquire without growth. It returns nil for untracked handles.
func (t *Tracker) lookup(handle uint32) (*record, func()) {
	t.mu.RLock()
	if int(handle) >= len(t.records) {
		t.mu.RUnlock()
		return nil, nil
	}
	r := t.records[handle]
	t.mu.RUnlock()
	s := &t.shards[handle&(shardCount-1)]
	s.mu.Lock()
	if r.count == 0 {
		s.mu.Unlock()
		return nil, nil
	}
	return r, s.mu.Unlock
}

// grow resizes the table to the next power of two at least handle+16.
// Callers hold the write lock.
func (t *Tracker) grow(handle uint32) {
	if int(handle) < len(t.records) {
		return
	}
	want := uint64(handle) + growSlack
	size := 1 << bits.Len64(want-1)
	records := make([]*record, size)
	copy(records, t.records)
	for i := len(t.records); i < size; i++ {
		records[i] = &record{}
	}
	t.records = records
}

func band(sub uint32) (offset, bit uint32) {
	return sub / gpucore.BandWidth * gpucore.BandWidth, 1 << (sub % gpucore.BandWidth)
}

type emitter struct {
	batch  *Batch
	res    gpucore.Resource
	handle uint32
	n      int
}

func (e *emitter) whole(before, after state) {
	e.n++
	if e.batch != nil {
		e.batch.add(gpucore.Transition{Resource: e.res, Handle: e.handle, Whole: true, Before: before, After: after})
	}
}

func (e *emitter) banded(offset, mask uint32, before, after state) {
	e.n++
	if e.batch != nil {
		e.batch.add(gpucore.Transition{Resource: e.res, Handle: e.handle, Offset: offset, Mask: mask, Before: before, After: after})
	}
}

func (r *record) setWhole(e *emitter, s state, lock bool) {
	if r.pages.Len() == 0 {
		if r.locked {
			return
		}
		if r.primary != s {
			e.whole(r.primary, s)
			r.primary = s
		}
		r.locked = lock
		r.recount()
		return
	}

	if !r.locked && r.primary != s {
		for b := uint32(0); b < r.bands(); b++ {
			offset := b * gpucore.BandWidth
			if m := r.primaryBits(offset); m != 0 {
				e.banded(offset, m, r.primary, s)
			}
		}
	}
	for i := 0; i < r.pages.Len(); i++ {
		p := r.pages.At(i)
		if p.locked {
			continue
		}
		if p.state != s {
			e.banded(p.offset, p.mask, p.state, s)
			p.state = s
		}
		p.locked = lock
	}
	if !r.locked {
		r.primary = s
		r.locked = lock
	}
	r.fold()
}

func (r *record) setOne(e *emitter, sub uint32, s state, lock bool) {
	offset, bit := band(sub)
	i := -1
	if offset != 0 || r.sparseMask&bit == 0 {
		i = r.findPage(offset, bit)
	}

	if i < 0 {
		if r.locked || (r.primary == s && !lock) {
			return
		}
		if r.primary != s {
			e.banded(offset, bit, r.primary, s)
		}
		if offset == 0 {
			r.sparseMask &^= bit
		}
		r.addToPage(offset, bit, s, lock)
		r.recount()
		return
	}

	p := *r.pages.At(i)
	if p.locked {
		return
	}
	if p.state != s {
		e.banded(offset, bit, p.state, s)
	}
	r.removeBits(i, bit)
	if s == r.primary && !lock && !r.locked {
		r.returnToPrimary(offset, bit)
	} else {
		r.addToPage(offset, bit, s, lock)
	}
	r.recount()
}
