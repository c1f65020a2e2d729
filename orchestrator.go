// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package framecache

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/framecache/backend"
	"github.com/gogpu/framecache/cache"
	"github.com/gogpu/framecache/gpucore"
	"github.com/gogpu/framecache/internal/execctx"
	"github.com/gogpu/framecache/internal/lockmask"
	"github.com/gogpu/framecache/internal/rangealloc"
	"github.com/gogpu/framecache/internal/statetrack"
)

// MaxContexts is the largest number of frames that can be recording or in
// flight at once.
const MaxContexts = execctx.MaxContexts

// Whole selects every subresource of a texture in SetState and State.
const Whole = statetrack.Whole

// BufferRef names a content-addressed buffer. It is valid for the frame
// that required it.
type BufferRef int32

// TextureRef names a texture created with CreateTexture. It is valid until
// DisposeTexture.
type TextureRef int32

// ViewRef names a texture view. It is valid as long as its texture.
type ViewRef int32

// UniformPageRef names a uniform page buffer. It is valid for the frame
// that allocated from it.
type UniformPageRef int32

type bufferEntry struct {
	res   gpucore.Resource
	class uint64
}

type uniformPage struct {
	res gpucore.Resource
}

type textureEntry struct {
	id     uint64
	handle uint32
	res    gpucore.Resource
	desc   gpucore.TextureDesc

	// views is guarded by cacheSet.texMu.
	views []cache.Slot
}

type viewEntry struct {
	view    gpucore.View
	texture uint32
}

type textureSlot struct {
	slot  cache.Slot
	entry *textureEntry
	live  bool
}

// cacheSet is everything Rebuild tears down and recreates.
type cacheSet struct {
	gen      uint64
	locks    *lockmask.Table
	contexts *execctx.Allocator
	tracker  *statetrack.Tracker
	buffers  *cache.Cache[*bufferEntry]
	uniforms *cache.Keyless[*uniformPage]
	views    *cache.Cache[*viewEntry]
	textures *cache.Keyless[*textureEntry]

	texMu    sync.Mutex
	handles  rangealloc.FreeRangeSet
	texSlots []textureSlot
}

// Orchestrator owns the caches, the state tracker and the execution
// contexts of one device, and serves buffers, uniform allocations, views
// and texture states to frames.
//
// Orchestrator is safe for concurrent use. Each Frame is used by one
// goroutine at a time.
type Orchestrator struct {
	dev  backend.Device
	opts options
	log  *slog.Logger

	// mu guards dev, set and closed. Operations hold the read lock;
	// Rebuild and Close take the write lock.
	mu     sync.RWMutex
	set    *cacheSet
	closed bool

	// epoch keeps BeginFrame from reclaiming a context between the sweep
	// that completes it and the unlock of its bit.
	epoch sync.RWMutex

	nextTexture atomic.Uint64
	frames      atomic.Uint64
	rebuilds    atomic.Uint64
}

// New creates an orchestrator for dev, which must be initialized. A nil dev
// selects backend.InitDefault.
func New(dev backend.Device, opts ...Option) (*Orchestrator, error) {
	cfg := defaultOptions()
	for _, opt := range opts {
		opt(&cfg)
	}
	if dev == nil {
		d, err := backend.InitDefault()
		if err != nil {
			return nil, classify("init device", err)
		}
		dev = d
	}
	if err := dev.Health(); err != nil {
		return nil, classify("new", err)
	}
	log := cfg.logger
	if log == nil {
		log = Logger()
	}
	o := &Orchestrator{dev: dev, opts: cfg, log: log}
	o.set = o.build(1)
	log.Info("framecache: orchestrator created",
		"device", dev.Name(),
		"max_contexts", o.set.contexts.Cap(),
		"bundles", cfg.bundleCapacity)
	return o, nil
}

func (o *Orchestrator) build(gen uint64) *cacheSet {
	dev := o.dev
	locks := lockmask.NewTable(o.opts.bundleCapacity)
	s := &cacheSet{
		gen:   gen,
		locks: locks,
		contexts: execctx.New(dev, execctx.Config{
			MaxContexts:    o.opts.maxContexts,
			WaitTimeout:    o.opts.waitTimeout,
			MaxWaitRetries: o.opts.maxWaitRetries,
			ArenaPageSize:  o.opts.arenaPageSize,
			ArenaAlignment: o.opts.arenaAlignment,
			Logger:         o.log,
		}),
		tracker: statetrack.New(o.opts.trackerCapacity),
	}
	s.buffers = cache.New(cache.Config[*bufferEntry]{
		Name:    "buffers",
		Locks:   locks,
		Destroy: func(b *bufferEntry) { dev.DestroyResource(b.res) },
		Logger:  o.log,
	})
	s.uniforms = cache.NewKeyless(cache.Config[*uniformPage]{
		Name:    "uniforms",
		Locks:   locks,
		Destroy: func(p *uniformPage) { dev.DestroyResource(p.res) },
		Logger:  o.log,
	})
	s.views = cache.New(cache.Config[*viewEntry]{
		Name:    "views",
		Locks:   locks,
		Destroy: func(v *viewEntry) { dev.DestroyView(v.view) },
		Logger:  o.log,
	})
	s.textures = cache.NewKeyless(cache.Config[*textureEntry]{
		Name:  "textures",
		Locks: locks,
		Destroy: func(t *textureEntry) {
			dev.DestroyResource(t.res)
			s.releaseHandle(t.handle)
		},
		Logger: o.log,
	})
	return s
}

// teardown drops every cached resource. Payloads are destroyed only when
// destroy is set; after device loss they are already gone.
func (s *cacheSet) teardown(destroy bool) {
	s.views.Clear(destroy)
	s.buffers.Clear(destroy)
	s.uniforms.Clear(destroy)
	s.textures.Clear(destroy)
}

// acquire read-locks the orchestrator and returns the current cache set.
// Callers release with o.mu.RUnlock.
func (o *Orchestrator) acquire() (*cacheSet, error) {
	o.mu.RLock()
	if o.closed {
		o.mu.RUnlock()
		return nil, ErrClosed
	}
	return o.set, nil
}

func (s *cacheSet) allocHandle() uint32 {
	s.texMu.Lock()
	defer s.texMu.Unlock()
	r := s.handles.Allocate(1)
	if !r.IsValid() {
		n := max(s.handles.Capacity(), rangealloc.MinGrowth)
		s.handles.Return(s.handles.AddCapacity(n))
		r = s.handles.Allocate(1)
	}
	if c := s.handles.Capacity(); c > len(s.texSlots) {
		s.texSlots = append(s.texSlots, make([]textureSlot, c-len(s.texSlots))...)
	}
	return uint32(r.Start)
}

func (s *cacheSet) releaseHandle(h uint32) {
	s.tracker.Forget(h)
	s.texMu.Lock()
	defer s.texMu.Unlock()
	s.texSlots[h] = textureSlot{}
	s.handles.Return(rangealloc.Range{Start: int(h), Length: 1})
}

func (s *cacheSet) texture(ref TextureRef) (*textureEntry, cache.Slot, error) {
	s.texMu.Lock()
	defer s.texMu.Unlock()
	if ref < 0 || int(ref) >= len(s.texSlots) || !s.texSlots[ref].live {
		return nil, cache.InvalidSlot, fmt.Errorf("%w: texture %d", ErrInvalidRef, ref)
	}
	ts := s.texSlots[ref]
	return ts.entry, ts.slot, nil
}

// CreateTexture creates a permanently resident texture and starts tracking
// its state, initially gpucore.StateCommon.
func (o *Orchestrator) CreateTexture(desc gpucore.TextureDesc) (TextureRef, error) {
	set, err := o.acquire()
	if err != nil {
		return -1, err
	}
	defer o.mu.RUnlock()

	handle := set.allocHandle()
	id := o.nextTexture.Add(1)
	slot, entry, err := set.textures.RequireSlot(textureLayout(desc), cache.Permanent,
		func(cache.Slot) (*textureEntry, error) {
			res, err := o.dev.CreateTexture(desc)
			if err != nil {
				return nil, err
			}
			return &textureEntry{id: id, handle: handle, res: res, desc: desc.Normalized()}, nil
		})
	if err != nil {
		set.texMu.Lock()
		set.handles.Return(rangealloc.Range{Start: int(handle), Length: 1})
		set.texMu.Unlock()
		return -1, classify("create texture", err)
	}

	set.tracker.Register(handle, entry.res, gpucore.StateCommon)
	set.texMu.Lock()
	set.texSlots[handle] = textureSlot{slot: slot, entry: entry, live: true}
	set.texMu.Unlock()
	return TextureRef(handle), nil
}

// DisposeTexture schedules a texture and its views for destruction once
// every frame that is recording or in flight has completed. The ref is
// invalid immediately.
func (o *Orchestrator) DisposeTexture(ref TextureRef) error {
	set, err := o.acquire()
	if err != nil {
		return err
	}
	defer o.mu.RUnlock()

	set.texMu.Lock()
	if ref < 0 || int(ref) >= len(set.texSlots) || !set.texSlots[ref].live {
		set.texMu.Unlock()
		o.log.Warn("framecache: dispose of unknown texture", "ref", ref)
		return fmt.Errorf("%w: texture %d", ErrInvalidRef, ref)
	}
	ts := &set.texSlots[ref]
	ts.live = false
	slot, views := ts.slot, ts.entry.views
	ts.entry.views = nil
	set.texMu.Unlock()

	busy := set.contexts.BusyMask()
	var errs []error
	for _, v := range views {
		errs = append(errs, set.views.MarkDispose(v, busy))
	}
	errs = append(errs, set.textures.MarkDispose(slot, busy))
	if err := errors.Join(errs...); err != nil {
		return classify("dispose texture", err)
	}
	return nil
}

// DisposeBuffer schedules a buffer for destruction once every frame that
// is recording or in flight has completed. Frames that require the same
// content before then keep it alive until they complete.
func (o *Orchestrator) DisposeBuffer(ref BufferRef) error {
	set, err := o.acquire()
	if err != nil {
		return err
	}
	defer o.mu.RUnlock()

	if err := set.buffers.MarkDispose(cache.Slot(ref), set.contexts.BusyMask()); err != nil {
		o.log.Warn("framecache: dispose of unknown buffer", "ref", ref)
		return fmt.Errorf("%w: buffer %d: %w", ErrInvalidRef, ref, err)
	}
	return nil
}

// Texture returns the device texture of ref.
func (o *Orchestrator) Texture(ref TextureRef) (gpucore.Resource, error) {
	set, err := o.acquire()
	if err != nil {
		return nil, err
	}
	defer o.mu.RUnlock()
	e, _, err := set.texture(ref)
	if err != nil {
		return nil, err
	}
	return e.res, nil
}

// Buffer returns the device buffer of ref.
func (o *Orchestrator) Buffer(ref BufferRef) (gpucore.Resource, error) {
	set, err := o.acquire()
	if err != nil {
		return nil, err
	}
	defer o.mu.RUnlock()
	b, ok := set.buffers.Payload(cache.Slot(ref))
	if !ok {
		return nil, fmt.Errorf("%w: buffer %d", ErrInvalidRef, ref)
	}
	return b.res, nil
}

// View returns the device view of ref.
func (o *Orchestrator) View(ref ViewRef) (gpucore.View, error) {
	set, err := o.acquire()
	if err != nil {
		return nil, err
	}
	defer o.mu.RUnlock()
	v, ok := set.views.Payload(cache.Slot(ref))
	if !ok {
		return nil, fmt.Errorf("%w: view %d", ErrInvalidRef, ref)
	}
	return v.view, nil
}

// UniformBuffer returns the device buffer of a uniform page.
func (o *Orchestrator) UniformBuffer(ref UniformPageRef) (gpucore.Resource, error) {
	set, err := o.acquire()
	if err != nil {
		return nil, err
	}
	defer o.mu.RUnlock()
	p, ok := set.uniforms.Payload(cache.Slot(ref))
	if !ok {
		return nil, fmt.Errorf("%w: uniform page %d", ErrInvalidRef, ref)
	}
	return p.res, nil
}

// State returns the most recently requested state of a texture
// subresource. Whole returns the state of subresource 0.
func (o *Orchestrator) State(ref TextureRef, sub int) (gpucore.ResourceState, error) {
	set, err := o.acquire()
	if err != nil {
		return 0, err
	}
	defer o.mu.RUnlock()
	if _, _, err := set.texture(ref); err != nil {
		return 0, err
	}
	return set.tracker.GetResourceState(uint32(ref), sub), nil
}

// BeginFrame claims an execution context for recording. When every context
// is busy it sweeps completed frames once before giving up with
// ErrCapacityExceeded.
func (o *Orchestrator) BeginFrame() (*Frame, error) {
	set, err := o.acquire()
	if err != nil {
		return nil, err
	}
	defer o.mu.RUnlock()

	ctx, err := o.claim(set)
	if errors.Is(err, execctx.ErrCapacityExceeded) {
		if _, perr := o.poll(set); perr != nil {
			return nil, perr
		}
		ctx, err = o.claim(set)
	}
	if err != nil {
		return nil, classify("begin frame", err)
	}
	return &Frame{o: o, set: set, ctx: ctx}, nil
}

func (o *Orchestrator) claim(set *cacheSet) (*execctx.Context, error) {
	o.epoch.RLock()
	defer o.epoch.RUnlock()
	return set.contexts.RequireAllocator()
}

// Wait blocks until f's submission has completed on the device, then
// sweeps completed frames like Poll.
func (o *Orchestrator) Wait(f *Frame) error {
	set, err := o.acquire()
	if err != nil {
		return err
	}
	defer o.mu.RUnlock()
	if f.set != set || !f.submitted {
		return fmt.Errorf("%w: frame was not submitted to this cache set", ErrInvalidRef)
	}
	if err := set.contexts.AwaitValue(f.value); err != nil {
		o.log.Error("framecache: wait failed", "frame", f.value, "err", err)
		return classify("wait", err)
	}
	_, err = o.poll(set)
	return err
}

// WaitIdle blocks until every submitted frame has completed, then sweeps.
func (o *Orchestrator) WaitIdle() error {
	set, err := o.acquire()
	if err != nil {
		return err
	}
	defer o.mu.RUnlock()
	if err := set.contexts.WaitIdle(); err != nil {
		return classify("wait idle", err)
	}
	_, err = o.poll(set)
	return err
}

// Poll sweeps completed frames: their contexts are recycled, their lock
// bits are cleared from every cache, unlocked items are purged and
// disposals whose frames have all completed are carried out. It returns
// the number of frames that completed.
func (o *Orchestrator) Poll() (int, error) {
	set, err := o.acquire()
	if err != nil {
		return 0, err
	}
	defer o.mu.RUnlock()
	return o.poll(set)
}

func (o *Orchestrator) poll(set *cacheSet) (int, error) {
	if err := o.dev.Health(); err != nil {
		o.log.Warn("framecache: device unhealthy", "err", err)
		return 0, classify("poll", err)
	}

	o.epoch.Lock()
	done := set.contexts.CheckInflightFrames()
	if done != 0 {
		set.locks.Unlock(done)
	}
	o.epoch.Unlock()

	// Views go before textures so no view outlives its texture.
	set.views.PurgeUnlocked()
	set.buffers.PurgeUnlocked()
	set.uniforms.PurgeUnlocked()
	set.textures.PurgeUnlocked()
	return done.Count(), nil
}

// Rebuild tears down every cache, the state tracker and the execution
// contexts and creates them anew; it is the recovery path after device
// loss. A non-nil dev replaces the device. Every outstanding ref and frame
// is invalid afterwards.
func (o *Orchestrator) Rebuild(dev backend.Device) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	old := o.set
	healthy := o.dev.Health() == nil
	if healthy {
		if err := old.contexts.WaitIdle(); err != nil {
			o.log.Warn("framecache: rebuild without idle device", "err", err)
			healthy = false
		}
	}
	old.teardown(healthy)

	if dev != nil {
		o.dev = dev
	}
	if err := o.dev.Health(); err != nil {
		return classify("rebuild", err)
	}
	o.set = o.build(old.gen + 1)
	o.rebuilds.Add(1)
	o.log.Info("framecache: rebuilt", "generation", o.set.gen, "device", o.dev.Name(), "destroyed_old", healthy)
	return nil
}

// Close waits for in-flight frames, destroys every cached resource and
// makes the orchestrator unusable. It does not close the device.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true

	var waitErr error
	healthy := o.dev.Health() == nil
	if healthy {
		if waitErr = o.set.contexts.WaitIdle(); waitErr != nil {
			healthy = false
		}
	}
	o.set.teardown(healthy)
	o.log.Info("framecache: closed", "frames", o.frames.Load())
	if waitErr != nil {
		return classify("close", waitErr)
	}
	return nil
}

// Device returns the device the orchestrator drives.
func (o *Orchestrator) Device() backend.Device {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.dev
}

// bufferUsage adds the copy destination usage every cached buffer needs
// for uploads.
func bufferUsage(u gputypes.BufferUsage) gputypes.BufferUsage {
	return u | gputypes.BufferUsageCopyDst
}
