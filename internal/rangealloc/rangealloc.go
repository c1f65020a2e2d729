// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package rangealloc manages a growable index space as a sorted set of free
// intervals.
//
// A FreeRangeSet never grows by itself. The container that owns it decides
// when to grow (see Pool), adds the new space with AddCapacity and returns it
// to the set before retrying the allocation.
package rangealloc

import (
	"errors"
	"fmt"
	"sort"
)

// Range is a half-open interval [Start, Start+Length).
type Range struct {
	Start  int
	Length int
}

// Invalid is returned by Allocate when no free range is large enough.
var Invalid = Range{Start: -1, Length: -1}

// End returns the first index past the range.
func (r Range) End() int { return r.Start + r.Length }

// IsValid reports whether the range satisfies Start >= 0 and Length >= 0.
func (r Range) IsValid() bool { return r.Start >= 0 && r.Length >= 0 }

// String returns the range in [start,end) form.
func (r Range) String() string {
	if !r.IsValid() {
		return "[invalid]"
	}
	return fmt.Sprintf("[%d,%d)", r.Start, r.End())
}

// Errors reported by Check.
var (
	// ErrAccounting means free + allocated no longer equals capacity.
	ErrAccounting = errors.New("rangealloc: free plus allocated length differs from capacity")

	// ErrUnmerged means two free ranges touch and should have been merged.
	ErrUnmerged = errors.New("rangealloc: adjacent free ranges were not merged")

	// ErrUnsorted means the free list is out of order or overlapping.
	ErrUnsorted = errors.New("rangealloc: free ranges overlap or are out of order")
)

// FreeRangeSet is a sorted, non-overlapping set of free ranges.
//
// FreeRangeSet is not safe for concurrent use; owners serialize access.
type FreeRangeSet struct {
	free      []Range
	capacity  int
	allocated int
}

// Capacity returns the tracked size of the index space.
func (s *FreeRangeSet) Capacity() int { return s.capacity }

// Allocated returns the total length currently handed out.
func (s *FreeRangeSet) Allocated() int { return s.allocated }

// FreeLen returns the total length of all free ranges.
func (s *FreeRangeSet) FreeLen() int { return s.capacity - s.allocated }

// Ranges returns a copy of the free list in ascending order.
func (s *FreeRangeSet) Ranges() []Range {
	out := make([]Range, len(s.free))
	copy(out, s.free)
	return out
}

// Allocate takes count consecutive indices from the first free range that
// fits. It returns Invalid when nothing fits; it never grows the set.
func (s *FreeRangeSet) Allocate(count int) Range {
	if count <= 0 {
		return Invalid
	}
	for i := range s.free {
		r := &s.free[i]
		if r.Length < count {
			continue
		}
		out := Range{Start: r.Start, Length: count}
		if r.Length == count {
			s.free = append(s.free[:i], s.free[i+1:]...)
		} else {
			r.Start += count
			r.Length -= count
		}
		s.allocated += count
		return out
	}
	return Invalid
}

// AddCapacity extends the index space by n and returns the new interval.
// The caller returns it with Return once its own backing storage has grown.
func (s *FreeRangeSet) AddCapacity(n int) Range {
	if n <= 0 {
		return Range{Start: s.capacity}
	}
	r := Range{Start: s.capacity, Length: n}
	s.capacity += n
	// the new space counts as allocated until it is returned
	s.allocated += n
	return r
}

// Return gives a range back to the set, merging it with the free range on
// either side when they touch.
func (s *FreeRangeSet) Return(r Range) {
	if r.Length <= 0 || r.Start < 0 {
		return
	}
	s.allocated -= r.Length

	// i is the first free range starting after r.
	i := sort.Search(len(s.free), func(k int) bool { return s.free[k].Start > r.Start })

	mergeLeft := i > 0 && s.free[i-1].End() == r.Start
	mergeRight := i < len(s.free) && r.End() == s.free[i].Start

	switch {
	case mergeLeft && mergeRight:
		s.free[i-1].Length += r.Length + s.free[i].Length
		s.free = append(s.free[:i], s.free[i+1:]...)
	case mergeLeft:
		s.free[i-1].Length += r.Length
	case mergeRight:
		s.free[i].Start = r.Start
		s.free[i].Length += r.Length
	default:
		s.free = append(s.free, Range{})
		copy(s.free[i+1:], s.free[i:])
		s.free[i] = r
	}
}

// Find returns the position in the free list of the range containing index.
// When no free range contains it, Find returns -(insertion point)-1.
func (s *FreeRangeSet) Find(index int) int {
	lo, hi := 0, len(s.free)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		r := s.free[mid]
		switch {
		case index < r.Start:
			hi = mid
		case index >= r.End():
			lo = mid + 1
		default:
			return mid
		}
	}
	return -lo - 1
}

// IsFree reports whether index lies in a free range.
func (s *FreeRangeSet) IsFree(index int) bool { return s.Find(index) >= 0 }

// Reset forgets every range and drops capacity to zero.
func (s *FreeRangeSet) Reset() {
	s.free = s.free[:0]
	s.capacity = 0
	s.allocated = 0
}

// Check verifies the set's invariants.
func (s *FreeRangeSet) Check() error {
	total := 0
	for i, r := range s.free {
		if !r.IsValid() || r.Length == 0 || r.End() > s.capacity {
			return fmt.Errorf("%w: range %d is %v (capacity %d)", ErrUnsorted, i, r, s.capacity)
		}
		if i > 0 {
			prev := s.free[i-1]
			if prev.End() > r.Start {
				return fmt.Errorf("%w: %v then %v", ErrUnsorted, prev, r)
			}
			if prev.End() == r.Start {
				return fmt.Errorf("%w: %v then %v", ErrUnmerged, prev, r)
			}
		}
		total += r.Length
	}
	if total+s.allocated != s.capacity {
		return fmt.Errorf("%w: free %d + allocated %d != capacity %d",
			ErrAccounting, total, s.allocated, s.capacity)
	}
	return nil
}
