// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package execctx hands out execution contexts: recordable units of work
// that complete independently on the device.
//
// Each context owns one encoder, one transition batch and one scratch
// arena, and one bit of the lock mask. A context is idle, recording or in
// flight. Claiming an idle context is a compare-and-swap; contexts are
// created lazily up to a hard cap. Once the device's completion counter
// passes the value a context was submitted with, CheckInflightFrames rewinds
// it and reports its bit so the caches can drop the locks it held.
package execctx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/framecache/backend"
	"github.com/gogpu/framecache/internal/arena"
	"github.com/gogpu/framecache/internal/lockmask"
	"github.com/gogpu/framecache/internal/statetrack"
)

// Errors returned by the allocator.
var (
	// ErrCapacityExceeded is returned when every context is busy and the cap
	// has been reached.
	ErrCapacityExceeded = errors.New("execctx: context capacity exceeded")

	// ErrDeviceLost is returned when a wait gives up because the device is
	// gone or stopped making progress.
	ErrDeviceLost = errors.New("execctx: device lost")

	// ErrNotRecording is returned when a context that is not recording is
	// submitted.
	ErrNotRecording = errors.New("execctx: context is not recording")
)

// MaxContexts is the hard cap: one lock-mask bit per context.
const MaxContexts = lockmask.MaxContexts

// Defaults used for zero Config fields.
const (
	DefaultWaitTimeout    = 100 * time.Millisecond
	DefaultMaxWaitRetries = 50
)

// Context states.
const (
	stateIdle uint32 = iota
	stateRecording
	stateInflight
	stateCompleting
)

// Context is one execution context.
type Context struct {
	id       int
	state    atomic.Uint32
	expected atomic.Uint64
	head     atomic.Uint64

	encoder backend.Encoder
	batch   statetrack.Batch
	arena   *arena.Arena
}

// ID returns the context index, which is also its lock-mask bit.
func (c *Context) ID() int { return c.id }

// Bit returns the lock mask with only this context set.
func (c *Context) Bit() lockmask.Mask { return lockmask.Bit(c.id) }

// Encoder returns the context's command encoder.
func (c *Context) Encoder() backend.Encoder { return c.encoder }

// Batch returns the pending transitions of this context.
func (c *Context) Batch() *statetrack.Batch { return &c.batch }

// Arena returns the per-frame scratch arena. It is cleared when the
// context's work completes.
func (c *Context) Arena() *arena.Arena { return c.arena }

// Expected returns the completion value of the last submission.
func (c *Context) Expected() uint64 { return c.expected.Load() }

// Generation returns how many times the context has been claimed.
func (c *Context) Generation() uint64 { return c.head.Load() }

// IsRecording reports whether the context is claimed and not submitted.
func (c *Context) IsRecording() bool { return c.state.Load() == stateRecording }

// IsInflight reports whether the context is waiting for the device.
func (c *Context) IsInflight() bool { return c.state.Load() == stateInflight }

func (c *Context) rewind(log *slog.Logger) {
	if err := c.encoder.Reset(); err != nil {
		log.Warn("execctx: encoder reset failed", "context", c.id, "err", err)
	}
	c.batch.Reset()
	c.arena.Clear()
}

// Config configures an Allocator.
type Config struct {
	// MaxContexts caps the number of contexts. Zero or values above
	// MaxContexts select MaxContexts.
	MaxContexts int

	// WaitTimeout bounds each poll in AwaitAllocator.
	WaitTimeout time.Duration

	// MaxWaitRetries is the number of timed-out polls after which
	// AwaitAllocator reports ErrDeviceLost.
	MaxWaitRetries int

	// ArenaPageSize and ArenaAlignment configure the per-context arena.
	ArenaPageSize  int
	ArenaAlignment int

	// Logger receives lifecycle events. Nil discards them.
	Logger *slog.Logger
}

// Allocator owns the execution contexts of one device.
type Allocator struct {
	dev backend.Device
	cfg Config
	log *slog.Logger

	growMu   sync.Mutex
	contexts [MaxContexts]atomic.Pointer[Context]
	count    atomic.Int32

	submitMu sync.Mutex
	timeline uint64
}

// New creates an allocator for dev.
func New(dev backend.Device, cfg Config) *Allocator {
	if cfg.MaxContexts <= 0 || cfg.MaxContexts > MaxContexts {
		cfg.MaxContexts = MaxContexts
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	if cfg.MaxWaitRetries <= 0 {
		cfg.MaxWaitRetries = DefaultMaxWaitRetries
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(discard{})
	}
	return &Allocator{
		dev:      dev,
		cfg:      cfg,
		log:      log,
		timeline: dev.Completed(),
	}
}

// Len returns the number of contexts created so far.
func (a *Allocator) Len() int { return int(a.count.Load()) }

// Cap returns the context cap.
func (a *Allocator) Cap() int { return a.cfg.MaxContexts }

// Context returns context id, or nil if it has not been created.
func (a *Allocator) Context(id int) *Context {
	if id < 0 || id >= a.Len() {
		return nil
	}
	return a.contexts[id].Load()
}

// RequireAllocator claims an idle context for recording, creating one if
// every existing context is busy and the cap allows it.
func (a *Allocator) RequireAllocator() (*Context, error) {
	if c := a.claimIdle(); c != nil {
		return c, nil
	}

	a.growMu.Lock()
	defer a.growMu.Unlock()

	// Another goroutine may have released a context while we waited.
	if c := a.claimIdle(); c != nil {
		return c, nil
	}
	n := int(a.count.Load())
	if n >= a.cfg.MaxContexts {
		return nil, fmt.Errorf("%w: all %d contexts are busy", ErrCapacityExceeded, n)
	}
	enc, err := a.dev.NewEncoder(fmt.Sprintf("framecache-ctx-%d", n))
	if err != nil {
		return nil, fmt.Errorf("execctx: create encoder for context %d: %w", n, err)
	}
	c := &Context{
		id:      n,
		encoder: enc,
		arena:   arena.New(a.cfg.ArenaPageSize, a.cfg.ArenaAlignment),
	}
	c.state.Store(stateRecording)
	c.head.Store(1)
	a.contexts[n].Store(c)
	a.count.Store(int32(n + 1))
	a.log.Info("execctx: context created", "context", n, "contexts", n+1, "cap", a.cfg.MaxContexts)
	return c, nil
}

func (a *Allocator) claimIdle() *Context {
	n := int(a.count.Load())
	for i := 0; i < n; i++ {
		c := a.contexts[i].Load()
		if c.state.CompareAndSwap(stateIdle, stateRecording) {
			c.head.Add(1)
			return c
		}
	}
	return nil
}

// PushAllocator submits the context's encoder and assigns it the next value
// on the completion timeline. It returns that value.
//
// Values are assigned and submitted under one mutex so the device sees them
// in increasing order.
func (a *Allocator) PushAllocator(c *Context) (uint64, error) {
	if c.state.Load() != stateRecording {
		return 0, fmt.Errorf("%w: context %d", ErrNotRecording, c.id)
	}

	a.submitMu.Lock()
	defer a.submitMu.Unlock()

	value := a.timeline + 1
	if err := a.dev.Submit(c.encoder, value); err != nil {
		if errors.Is(err, backend.ErrDeviceLost) {
			return 0, fmt.Errorf("%w: submit context %d: %w", ErrDeviceLost, c.id, err)
		}
		return 0, fmt.Errorf("execctx: submit context %d: %w", c.id, err)
	}
	a.timeline = value
	c.expected.Store(value)
	c.state.Store(stateInflight)
	return value, nil
}

// Abandon gives up a recording context without submitting it. Its
// transitions are dropped and it is reported complete by the next
// CheckInflightFrames so that locks taken while recording are released.
func (a *Allocator) Abandon(c *Context) {
	if c.state.Load() != stateRecording {
		return
	}
	c.expected.Store(0)
	c.state.Store(stateInflight)
}

// AwaitAllocator blocks until the device has finished the context's last
// submission. Each poll is bounded by the configured timeout; after every
// timeout the device health is re-checked. It gives up with ErrDeviceLost
// when the device reports loss or the retry budget runs out.
func (a *Allocator) AwaitAllocator(c *Context) error {
	return a.await(context.Background(), c.expected.Load(), c.id)
}

// AwaitValue blocks until the completion counter reaches value. Unlike
// AwaitAllocator it is unaffected by the context being reclaimed after
// the submission completed.
func (a *Allocator) AwaitValue(value uint64) error {
	return a.await(context.Background(), value, -1)
}

// WaitIdle waits for every in-flight context.
func (a *Allocator) WaitIdle() error {
	return a.await(context.Background(), a.lastSubmitted(), -1)
}

func (a *Allocator) lastSubmitted() uint64 {
	a.submitMu.Lock()
	defer a.submitMu.Unlock()
	return a.timeline
}

func (a *Allocator) await(ctx context.Context, value uint64, id int) error {
	for retry := 1; ; retry++ {
		ok, err := a.dev.Wait(value, a.cfg.WaitTimeout)
		if err != nil {
			if errors.Is(err, backend.ErrDeviceLost) {
				return fmt.Errorf("%w: waiting for %d: %w", ErrDeviceLost, value, err)
			}
			return fmt.Errorf("execctx: wait for %d: %w", value, err)
		}
		if ok {
			return nil
		}
		if err := a.dev.Health(); err != nil {
			return fmt.Errorf("%w: waiting for %d: %w", ErrDeviceLost, value, err)
		}
		if retry >= a.cfg.MaxWaitRetries {
			return fmt.Errorf("%w: completion stuck at %d, waiting for %d after %d polls",
				ErrDeviceLost, a.dev.Completed(), value, retry)
		}
		a.log.LogAttrs(ctx, slog.LevelWarn, "execctx: wait timed out",
			slog.Int("context", id),
			slog.Uint64("value", value),
			slog.Uint64("completed", a.dev.Completed()),
			slog.Int("retry", retry))
	}
}

// CheckInflightFrames rewinds every in-flight context whose submission has
// completed and returns the mask of their bits.
func (a *Allocator) CheckInflightFrames() lockmask.Mask {
	completed := a.dev.Completed()
	var done lockmask.Mask
	n := int(a.count.Load())
	for i := 0; i < n; i++ {
		c := a.contexts[i].Load()
		if c.state.Load() != stateInflight || c.expected.Load() > completed {
			continue
		}
		if !c.state.CompareAndSwap(stateInflight, stateCompleting) {
			continue
		}
		c.rewind(a.log)
		c.state.Store(stateIdle)
		done |= c.Bit()
	}
	return done
}

// BusyMask returns the bits of every context that is recording or in
// flight, i.e. every context that may still reference a resource.
func (a *Allocator) BusyMask() lockmask.Mask {
	var m lockmask.Mask
	n := int(a.count.Load())
	for i := 0; i < n; i++ {
		if a.contexts[i].Load().state.Load() != stateIdle {
			m |= lockmask.Bit(i)
		}
	}
	return m
}

// Inflight returns the number of submitted contexts not yet rewound.
func (a *Allocator) Inflight() int {
	k := 0
	n := int(a.count.Load())
	for i := 0; i < n; i++ {
		if a.contexts[i].Load().state.Load() == stateInflight {
			k++
		}
	}
	return k
}

// discard is a slog.Handler that drops every record.
type discard struct{}

func (discard) Enabled(context.Context, slog.Level) bool  { return false }
func (discard) Handle(context.Context, slog.Record) error { return nil }
func (discard) WithAttrs([]slog.Attr) slog.Handler        { return discard{} }
func (discard) WithGroup(string) slog.Handler             { return discard{} }
