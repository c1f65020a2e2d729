// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package statetrack

import "github.com/gogpu/framecache/gpucore"

// Recorder receives pending transitions right before the commands that
// depend on them. Recorders must not retain the slice.
type Recorder interface {
	Transition(transitions []gpucore.Transition)
}

// Batch collects the transitions a recording context has not flushed yet.
//
// A Batch belongs to one execution context and is not safe for concurrent
// use.
type Batch struct {
	pending []gpucore.Transition
	flushed int
}

// Len returns the number of pending transitions.
func (b *Batch) Len() int { return len(b.pending) }

// Pending returns the pending transitions. The slice is reused after Flush.
func (b *Batch) Pending() []gpucore.Transition { return b.pending }

// Flushed returns the number of transitions flushed since the last Reset.
func (b *Batch) Flushed() int { return b.flushed }

// Flush hands every pending transition to r and empties the batch.
func (b *Batch) Flush(r Recorder) int {
	n := len(b.pending)
	if n == 0 {
		return 0
	}
	r.Transition(b.pending)
	clear(b.pending)
	b.pending = b.pending[:0]
	b.flushed += n
	return n
}

// Reset drops pending transitions without recording them.
func (b *Batch) Reset() {
	clear(b.pending)
	b.pending = b.pending[:0]
	b.flushed = 0
}

func (b *Batch) add(t gpucore.Transition) {
	b.pending = append(b.pending, t)
}
