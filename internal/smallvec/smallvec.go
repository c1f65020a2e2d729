// Package smallvec provides a vector that keeps up to InlineCap elements in
// place and spills to the heap beyond that.
//
// The storage is an explicit tagged variant: while the vector is inline the
// heap slice is nil, and once it spills the inline array is unused. There is
// no aliasing between the two.
package smallvec

// InlineCap is the number of elements stored without a heap allocation.
const InlineCap = 2

type storage uint8

const (
	storageInline storage = iota
	storageHeap
)

// Vec is a small vector of T. The zero value is an empty inline vector.
type Vec[T any] struct {
	kind   storage
	n      int
	inline [InlineCap]T
	heap   []T
}

// Len returns the number of elements.
func (v *Vec[T]) Len() int {
	if v.kind == storageHeap {
		return len(v.heap)
	}
	return v.n
}

// Cap returns the current capacity.
func (v *Vec[T]) Cap() int {
	if v.kind == storageHeap {
		return cap(v.heap)
	}
	return InlineCap
}

// IsInline reports whether the elements live in the inline array.
func (v *Vec[T]) IsInline() bool { return v.kind == storageInline }

// At returns a pointer to element i. The pointer is invalidated by Push,
// Remove and Clear.
func (v *Vec[T]) At(i int) *T {
	if v.kind == storageHeap {
		return &v.heap[i]
	}
	if i >= v.n {
		panic("smallvec: index out of range")
	}
	return &v.inline[i]
}

// Push appends x, spilling to the heap when the inline array is full.
func (v *Vec[T]) Push(x T) {
	if v.kind == storageHeap {
		v.heap = append(v.heap, x)
		return
	}
	if v.n < InlineCap {
		v.inline[v.n] = x
		v.n++
		return
	}
	heap := make([]T, v.n, 2*InlineCap)
	copy(heap, v.inline[:v.n])
	v.heap = append(heap, x)
	v.inline = [InlineCap]T{}
	v.n = 0
	v.kind = storageHeap
}

// Remove deletes element i, keeping the order of the rest.
func (v *Vec[T]) Remove(i int) {
	var zero T
	if v.kind == storageHeap {
		copy(v.heap[i:], v.heap[i+1:])
		v.heap[len(v.heap)-1] = zero
		v.heap = v.heap[:len(v.heap)-1]
		return
	}
	if i >= v.n {
		panic("smallvec: index out of range")
	}
	copy(v.inline[i:v.n], v.inline[i+1:v.n])
	v.n--
	v.inline[v.n] = zero
}

// Clear removes every element. Heap capacity is kept.
func (v *Vec[T]) Clear() {
	if v.kind == storageHeap {
		clear(v.heap)
		v.heap = v.heap[:0]
		return
	}
	v.inline = [InlineCap]T{}
	v.n = 0
}

// Each calls fn for every element in order until fn returns false.
func (v *Vec[T]) Each(fn func(i int, x *T) bool) {
	n := v.Len()
	for i := 0; i < n; i++ {
		if !fn(i, v.At(i)) {
			return
		}
	}
}
