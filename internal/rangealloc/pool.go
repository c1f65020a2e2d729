package rangealloc

import "math/bits"

// MinGrowth is the smallest capacity a Pool grows to.
const MinGrowth = 32

// segment sizes are 32, 32, 64, 128, ... so segment k (k >= 1) starts at
// index 1<<(k+4) and the segment of an index is a bit-length lookup.
const firstSegmentShift = 5

// Pool is a growable slab of T addressed by stable integer handles.
//
// Backing storage is segmented: growing the pool appends a new segment and
// never moves existing elements, so a *T obtained from At stays valid for
// the lifetime of the pool.
//
// Pool is not safe for concurrent use; owners serialize access.
type Pool[T any] struct {
	ranges   FreeRangeSet
	segments [][]T
}

// Acquire returns a free handle, doubling the pool (minimum MinGrowth) when
// the free-range set has nothing left.
func (p *Pool[T]) Acquire() int {
	r := p.ranges.Allocate(1)
	if r.Start < 0 {
		p.grow()
		r = p.ranges.Allocate(1)
	}
	return r.Start
}

// Release returns a handle to the pool. The element is reset to its zero
// value.
func (p *Pool[T]) Release(h int) {
	if h < 0 || h >= p.ranges.Capacity() {
		return
	}
	var zero T
	*p.At(h) = zero
	p.ranges.Return(Range{Start: h, Length: 1})
}

// At returns the element for handle h. h must be below Cap.
func (p *Pool[T]) At(h int) *T {
	seg, off := locate(h)
	return &p.segments[seg][off]
}

// Cap returns the number of handles the pool can address.
func (p *Pool[T]) Cap() int { return p.ranges.Capacity() }

// Live returns the number of handles currently acquired.
func (p *Pool[T]) Live() int { return p.ranges.Allocated() }

// IsLive reports whether h is currently acquired.
func (p *Pool[T]) IsLive(h int) bool {
	return h >= 0 && h < p.ranges.Capacity() && !p.ranges.IsFree(h)
}

// Check verifies the underlying free-range invariants.
func (p *Pool[T]) Check() error { return p.ranges.Check() }

// Reset drops every element and all storage.
func (p *Pool[T]) Reset() {
	p.ranges.Reset()
	p.segments = nil
}

func (p *Pool[T]) grow() {
	n := p.ranges.Capacity()
	if n < MinGrowth {
		n = MinGrowth
	}
	p.segments = append(p.segments, make([]T, n))
	p.ranges.Return(p.ranges.AddCapacity(n))
}

func locate(h int) (seg, off int) {
	if h < 1<<firstSegmentShift {
		return 0, h
	}
	seg = bits.Len(uint(h)) - firstSegmentShift
	return seg, h - 1<<(seg+firstSegmentShift-1)
}
