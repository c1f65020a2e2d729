// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package statetrack

import (
	"fmt"

	"github.com/gogpu/framecache/gpucore"
	"github.com/gogpu/framecache/internal/smallvec"
)

type state = gpucore.ResourceState

// page tracks a set of subresources of one band that diverge from the
// record's primary state.
type page struct {
	offset uint32
	mask   uint32
	state  state
	locked bool
}

// record is the per-resource state machine.
//
// A subresource belongs to the primary band unless a page holds it. For band
// 0 the primary members are cached in sparseMask, so the common single-band
// case never scans pages.
type record struct {
	resource   gpucore.Resource
	count      uint32
	primary    state
	sparseMask uint32
	locked     bool
	lockCount  int32
	pages      smallvec.Vec[page]
}

func (r *record) reset(res gpucore.Resource, initial state) {
	r.resource = res
	r.count = 1
	if res != nil && res.Subresources() > 0 {
		r.count = res.Subresources()
	}
	r.primary = initial.Unlocked()
	r.sparseMask = r.bandMask(0)
	r.locked = false
	r.lockCount = 0
	r.pages.Clear()
}

func (r *record) bands() uint32 {
	return (r.count + gpucore.BandWidth - 1) / gpucore.BandWidth
}

// bandMask returns the bits of the band starting at offset that address
// real subresources.
func (r *record) bandMask(offset uint32) uint32 {
	if offset >= r.count {
		return 0
	}
	n := r.count - offset
	if n >= gpucore.BandWidth {
		return ^uint32(0)
	}
	return uint32(1)<<n - 1
}

// pageBits returns the union of page masks in the band at offset.
func (r *record) pageBits(offset uint32) uint32 {
	var bits uint32
	r.pages.Each(func(_ int, p *page) bool {
		if p.offset == offset {
			bits |= p.mask
		}
		return true
	})
	return bits
}

// primaryBits returns the primary members of the band at offset.
func (r *record) primaryBits(offset uint32) uint32 {
	if offset == 0 {
		return r.sparseMask
	}
	return r.bandMask(offset) &^ r.pageBits(offset)
}

// findPage returns the index of the page holding bit in the band at offset.
func (r *record) findPage(offset, bit uint32) int {
	for i := 0; i < r.pages.Len(); i++ {
		p := r.pages.At(i)
		if p.offset == offset && p.mask&bit != 0 {
			return i
		}
	}
	return -1
}

// addToPage moves bits into the page matching (offset, s, locked), creating
// one anchored at offset when none exists.
func (r *record) addToPage(offset, bits uint32, s state, locked bool) {
	for i := 0; i < r.pages.Len(); i++ {
		p := r.pages.At(i)
		if p.offset == offset && p.state == s && p.locked == locked {
			p.mask |= bits
			return
		}
	}
	r.pages.Push(page{offset: offset, mask: bits, state: s, locked: locked})
}

// removeBits drops bits from page i, deleting the page when it empties.
func (r *record) removeBits(i int, bits uint32) {
	p := r.pages.At(i)
	p.mask &^= bits
	if p.mask == 0 {
		r.pages.Remove(i)
	}
}

// returnToPrimary hands bits of the band at offset back to the primary band.
func (r *record) returnToPrimary(offset, bits uint32) {
	if offset == 0 {
		r.sparseMask |= bits
	}
}

// fold returns unlocked pages whose state matches the primary state to the
// primary band, one page at a time, and merges pages that became identical.
// A pinned primary band receives nothing.
func (r *record) fold() {
	if !r.locked {
		for i := 0; i < r.pages.Len(); {
			p := r.pages.At(i)
			if !p.locked && p.state == r.primary {
				r.returnToPrimary(p.offset, p.mask)
				r.pages.Remove(i)
				continue
			}
			i++
		}
	}
	r.mergePages()
	r.recount()
}

func (r *record) mergePages() {
	for i := 0; i < r.pages.Len(); i++ {
		a := r.pages.At(i)
		for j := i + 1; j < r.pages.Len(); {
			b := r.pages.At(j)
			if a.offset == b.offset && a.state == b.state && a.locked == b.locked {
				a.mask |= b.mask
				r.pages.Remove(j)
				a = r.pages.At(i)
				continue
			}
			j++
		}
	}
}

func (r *record) recount() {
	n := int32(0)
	if r.locked {
		n++
	}
	r.pages.Each(func(_ int, p *page) bool {
		if p.locked {
			n++
		}
		return true
	})
	r.lockCount = n
}

// stateOf returns the state of subresource sub.
func (r *record) stateOf(sub uint32) state {
	offset := sub / gpucore.BandWidth * gpucore.BandWidth
	bit := uint32(1) << (sub % gpucore.BandWidth)
	if offset == 0 && r.sparseMask&bit != 0 {
		return r.primary
	}
	if i := r.findPage(offset, bit); i >= 0 {
		return r.pages.At(i).state
	}
	return r.primary
}

// check verifies the record's invariants.
func (r *record) check() error {
	seen := make(map[uint32]uint32)
	for i := 0; i < r.pages.Len(); i++ {
		p := r.pages.At(i)
		if p.offset%gpucore.BandWidth != 0 {
			return fmt.Errorf("page %d offset %d is not band aligned", i, p.offset)
		}
		if p.mask == 0 {
			return fmt.Errorf("page %d is empty", i)
		}
		if p.mask&^r.bandMask(p.offset) != 0 {
			return fmt.Errorf("page %d mask %#x exceeds %d subresources", i, p.mask, r.count)
		}
		if seen[p.offset]&p.mask != 0 {
			return fmt.Errorf("page %d overlaps another page in band %d", i, p.offset)
		}
		seen[p.offset] |= p.mask
	}
	if want := r.bandMask(0) &^ seen[0]; r.sparseMask != want {
		return fmt.Errorf("sparse mask %#x, want %#x", r.sparseMask, want)
	}
	return nil
}
