// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package framecache

import (
	"fmt"
	"slices"

	"github.com/gogpu/framecache/cache"
	"github.com/gogpu/framecache/gpucore"
	"github.com/gogpu/framecache/internal/execctx"
	"github.com/gogpu/gputypes"
)

// UniformAlloc is a range of a uniform page holding one allocation.
type UniformAlloc struct {
	Page   UniformPageRef
	Offset uint64
	Size   uint64
}

// uniformStage is a uniform page and its staging copy in the frame's arena.
type uniformStage struct {
	slot  cache.Slot
	page  *uniformPage
	stage []byte
	used  int
}

// Frame records the work of one execution context. Items required through
// a frame stay locked, and cannot be recycled, until the frame's submission
// has completed on the device.
//
// A Frame is not safe for concurrent use.
type Frame struct {
	o     *Orchestrator
	set   *cacheSet
	ctx   *execctx.Context
	pages []uniformStage

	value     uint64
	submitted bool
	ended     bool
}

// Context returns the execution context id, which is the frame's lock bit.
func (f *Frame) Context() int { return f.ctx.ID() }

// Lock returns the frame's lock mask.
func (f *Frame) Lock() cache.LockMask { return f.ctx.Bit() }

// Value returns the completion value of the submission, zero before Submit.
func (f *Frame) Value() uint64 { return f.value }

// begin read-locks the orchestrator for one frame operation.
func (f *Frame) begin() error {
	set, err := f.o.acquire()
	if err != nil {
		return err
	}
	if set != f.set {
		f.o.mu.RUnlock()
		return fmt.Errorf("%w: frame predates a rebuild", ErrInvalidRef)
	}
	if f.ended {
		f.o.mu.RUnlock()
		return fmt.Errorf("%w: frame already ended", ErrInvalidRef)
	}
	return nil
}

func (f *Frame) end() { f.o.mu.RUnlock() }

// RequireBuffer returns a buffer holding data. Buffers are content
// addressed: a buffer with the same descriptor and data that is still
// locked by some frame is shared instead of uploaded again. desc.Size is
// raised to len(data) when smaller.
func (f *Frame) RequireBuffer(desc gpucore.BufferDesc, data []byte) (BufferRef, error) {
	if err := f.begin(); err != nil {
		return -1, err
	}
	defer f.end()

	desc.Size = max(desc.Size, uint64(len(data)))
	class := sizeClass(desc.Size)
	dev := f.o.dev
	slot, _, err := f.set.buffers.RequireItem(bufferKey(desc, data), bufferLayout(class, desc), f.ctx.Bit(),
		func(cache.Slot) (*bufferEntry, error) {
			res, err := dev.CreateBuffer(gpucore.BufferDesc{
				Label: desc.Label,
				Size:  class,
				Usage: bufferUsage(desc.Usage),
			})
			if err != nil {
				return nil, err
			}
			return &bufferEntry{res: res, class: class}, nil
		},
		func(_ cache.Slot, b *bufferEntry) error {
			if len(data) == 0 {
				return nil
			}
			return dev.WriteBuffer(b.res, 0, data)
		},
		nil)
	if err != nil {
		return -1, classify("require buffer", err)
	}
	return BufferRef(slot), nil
}

// AllocUniform stages data for a uniform buffer and returns where it will
// live. Allocations are 256-byte aligned ranges of uniform pages locked to
// the frame; the staged bytes are written to the pages on Submit, one
// upload per page.
func (f *Frame) AllocUniform(data []byte) (UniformAlloc, error) {
	if err := f.begin(); err != nil {
		return UniformAlloc{}, err
	}
	defer f.end()

	pageSize := f.o.opts.uniformPageSize
	if len(data) > pageSize {
		return UniformAlloc{}, fmt.Errorf("%w: %d > %d bytes", ErrUniformTooLarge, len(data), pageSize)
	}
	aligned := alignUniform(len(data))

	if n := len(f.pages); n == 0 || f.pages[n-1].used+aligned > pageSize {
		if err := f.addUniformPage(pageSize); err != nil {
			return UniformAlloc{}, err
		}
	}
	p := &f.pages[len(f.pages)-1]
	copy(p.stage[p.used:], data)
	alloc := UniformAlloc{
		Page:   UniformPageRef(p.slot),
		Offset: uint64(p.used),
		Size:   uint64(len(data)),
	}
	p.used += aligned
	return alloc, nil
}

func (f *Frame) addUniformPage(pageSize int) error {
	dev := f.o.dev
	slot, page, err := f.set.uniforms.RequireSlot(uint64(pageSize), f.ctx.Bit(),
		func(cache.Slot) (*uniformPage, error) {
			res, err := dev.CreateBuffer(gpucore.BufferDesc{
				Label: "framecache-uniforms",
				Size:  uint64(pageSize),
				Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
			})
			if err != nil {
				return nil, err
			}
			return &uniformPage{res: res}, nil
		})
	if err != nil {
		return classify("alloc uniform page", err)
	}
	f.pages = append(f.pages, uniformStage{
		slot:  slot,
		page:  page,
		stage: f.ctx.Arena().Require(pageSize),
	})
	return nil
}

func alignUniform(n int) int {
	if n == 0 {
		return UniformAlignment
	}
	return (n + UniformAlignment - 1) &^ (UniformAlignment - 1)
}

// RequireView returns a view of tex covering desc's subresource range.
// Views are shared by every frame and live as long as their texture.
func (f *Frame) RequireView(tex TextureRef, desc gpucore.ViewDesc) (ViewRef, error) {
	if err := f.begin(); err != nil {
		return -1, err
	}
	defer f.end()

	set := f.set
	entry, _, err := set.texture(tex)
	if err != nil {
		return -1, err
	}
	key := viewKey(entry.id, desc)
	dev := f.o.dev
	slot, _, err := set.views.RequireItem(key, key, cache.Permanent,
		func(slot cache.Slot) (*viewEntry, error) {
			view, err := dev.CreateView(entry.res, desc)
			if err != nil {
				return nil, err
			}
			set.texMu.Lock()
			defer set.texMu.Unlock()
			if ts := set.texSlots[entry.handle]; !ts.live || ts.entry != entry {
				// Disposed while the view was being created.
				dev.DestroyView(view)
				return nil, fmt.Errorf("%w: texture %d", ErrInvalidRef, tex)
			}
			entry.views = append(entry.views, slot)
			return &viewEntry{view: view, texture: entry.handle}, nil
		},
		nil, nil)
	if err != nil {
		return -1, classify("require view", err)
	}
	return ViewRef(slot), nil
}

// SetState requests state for subresource sub of tex (Whole for every
// subresource) and queues the transitions needed to get there. Nothing is
// queued when the subresource already holds state. state may carry
// gpucore.Locked to pin the subresource until UnlockState.
//
// It returns the number of transitions queued.
func (f *Frame) SetState(tex TextureRef, sub int, state gpucore.ResourceState) (int, error) {
	if err := f.begin(); err != nil {
		return 0, err
	}
	defer f.end()

	entry, _, err := f.set.texture(tex)
	if err != nil {
		return 0, err
	}
	return f.set.tracker.SetResourceState(f.ctx.Batch(), entry.res, entry.handle, sub, state), nil
}

// UnlockState releases a pin set with gpucore.Locked and reports whether
// one was held.
func (f *Frame) UnlockState(tex TextureRef, sub int) (bool, error) {
	if err := f.begin(); err != nil {
		return false, err
	}
	defer f.end()

	entry, _, err := f.set.texture(tex)
	if err != nil {
		return false, err
	}
	return f.set.tracker.UnlockResourceState(entry.handle, sub), nil
}

// Flush records the queued transitions into the frame's encoder. Call it
// before recording any command that depends on the new states. It returns
// the number of transitions recorded.
func (f *Frame) Flush() (int, error) {
	if err := f.begin(); err != nil {
		return 0, err
	}
	defer f.end()
	return f.ctx.Batch().Flush(f.ctx.Encoder()), nil
}

// Pending returns a copy of the transitions queued since the last Flush,
// or nil once the frame has ended.
func (f *Frame) Pending() []gpucore.Transition {
	if f.ended {
		return nil
	}
	return slices.Clone(f.ctx.Batch().Pending())
}

// Submit flushes queued transitions, uploads the staged uniform pages and
// submits the frame. It returns the completion value the frame will
// signal. The frame cannot be used for recording afterwards.
func (f *Frame) Submit() (uint64, error) {
	if err := f.begin(); err != nil {
		return 0, err
	}
	defer f.end()

	f.ctx.Batch().Flush(f.ctx.Encoder())
	for _, p := range f.pages {
		if p.used == 0 {
			continue
		}
		if err := f.o.dev.WriteBuffer(p.page.res, 0, p.stage[:p.used]); err != nil {
			f.abandon()
			return 0, classify("upload uniforms", err)
		}
	}
	value, err := f.set.contexts.PushAllocator(f.ctx)
	if err != nil {
		f.abandon()
		return 0, classify("submit", err)
	}
	f.value = value
	f.submitted = true
	f.ended = true
	f.pages = nil
	f.o.frames.Add(1)
	return value, nil
}

// Discard ends the frame without submitting it. Locks it took are released
// by the next Poll.
func (f *Frame) Discard() error {
	if err := f.begin(); err != nil {
		return err
	}
	defer f.end()
	f.abandon()
	return nil
}

func (f *Frame) abandon() {
	f.set.contexts.Abandon(f.ctx)
	f.ended = true
	f.pages = nil
}
