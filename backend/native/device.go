// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !nogpu

package native

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/framecache/backend"
	"github.com/gogpu/framecache/gpucore"
)

// closeTimeout bounds how long Close waits for in-flight work.
const closeTimeout = 5 * time.Second

var defaultProvider struct {
	mu       sync.Mutex
	provider gpucontext.DeviceProvider
}

// SetDeviceProvider sets the provider used by devices created through the
// backend registry. Devices created with NewFromProvider ignore it.
func SetDeviceProvider(p gpucontext.DeviceProvider) {
	defaultProvider.mu.Lock()
	defaultProvider.provider = p
	defaultProvider.mu.Unlock()
}

func currentProvider() gpucontext.DeviceProvider {
	defaultProvider.mu.Lock()
	defer defaultProvider.mu.Unlock()
	return defaultProvider.provider
}

// init registers the native device on package import.
func init() {
	backend.Register(backend.BackendNative, func() backend.Device {
		return NewFromProvider(currentProvider())
	})
}

// Option configures a Device.
type Option func(*Device)

// WithLogger sets the logger for device lifecycle events.
func WithLogger(l *slog.Logger) Option {
	return func(d *Device) {
		if l != nil {
			d.log = l
		}
	}
}

type submission struct {
	value uint64
	cmd   hal.CommandBuffer
}

// Device implements backend.Device on top of a borrowed HAL device.
//
// Thread Safety: Device is safe for concurrent use. Encoders are not.
type Device struct {
	provider gpucontext.DeviceProvider
	log      *slog.Logger

	mu          sync.Mutex
	device      hal.Device
	queue       hal.Queue
	fence       hal.Fence
	pending     []submission
	initialized bool

	completed atomic.Uint64
	lost      atomic.Bool
}

// NewFromProvider creates a device that will borrow p's HAL device on Init.
func NewFromProvider(p gpucontext.DeviceProvider, opts ...Option) *Device {
	d := &Device{
		provider: p,
		log:      slog.New(discard{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name returns "native".
func (d *Device) Name() string { return backend.BackendNative }

// Init resolves the provider's HAL device and creates the timeline fence.
func (d *Device) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.initialized {
		return nil
	}
	if d.provider == nil {
		return fmt.Errorf("%w: %w", backend.ErrBackendNotAvailable, ErrNoProvider)
	}

	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := d.provider.(halProvider)
	if !ok {
		return fmt.Errorf("%w: %w", backend.ErrBackendNotAvailable, ErrNoHAL)
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return fmt.Errorf("%w: %w", backend.ErrBackendNotAvailable, ErrNoHAL)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return fmt.Errorf("%w: %w", backend.ErrBackendNotAvailable, ErrNoHAL)
	}

	fence, err := device.CreateFence()
	if err != nil {
		return fmt.Errorf("native: create timeline fence: %w", err)
	}
	d.device = device
	d.queue = queue
	d.fence = fence
	d.initialized = true
	d.log.Info("native: device initialized")
	return nil
}

// Close waits for in-flight work, frees pending command buffers and the
// fence. The borrowed HAL device stays open; its owner closes it.
func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return
	}
	if n := len(d.pending); n > 0 && !d.lost.Load() {
		last := d.pending[n-1].value
		if ok, err := d.device.Wait(d.fence, last, closeTimeout); err != nil || !ok {
			d.log.Warn("native: close with unfinished work", "value", last, "err", err)
		}
	}
	for _, s := range d.pending {
		d.device.FreeCommandBuffer(s.cmd)
	}
	d.pending = nil
	d.device.DestroyFence(d.fence)
	d.fence = nil
	d.initialized = false
}

func (d *Device) ready() error {
	if d.lost.Load() {
		return backend.ErrDeviceLost
	}
	if !d.initialized {
		return backend.ErrNotInitialized
	}
	return nil
}

// CreateBuffer creates a HAL buffer.
func (d *Device) CreateBuffer(desc gpucore.BufferDesc) (gpucore.Resource, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ready(); err != nil {
		return nil, err
	}
	buf, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  desc.Size,
		Usage: desc.Usage,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: buffer %q: %w", backend.ErrCreateFailed, desc.Label, err)
	}
	return &Buffer{device: d, buf: buf, desc: desc}, nil
}

// CreateTexture creates a HAL texture.
func (d *Device) CreateTexture(desc gpucore.TextureDesc) (gpucore.Resource, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ready(); err != nil {
		return nil, err
	}
	n := desc.Normalized()
	tex, err := d.device.CreateTexture(&hal.TextureDescriptor{
		Label:         n.Label,
		Size:          hal.Extent3D{Width: n.Width, Height: n.Height, DepthOrArrayLayers: n.DepthOrArrayLayers},
		MipLevelCount: n.MipLevelCount,
		SampleCount:   n.SampleCount,
		Dimension:     n.Dimension,
		Format:        n.Format,
		Usage:         n.Usage,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: texture %q: %w", backend.ErrCreateFailed, desc.Label, err)
	}
	return &Texture{device: d, tex: tex, desc: n}, nil
}

// CreateView creates a HAL texture view.
func (d *Device) CreateView(res gpucore.Resource, desc gpucore.ViewDesc) (gpucore.View, error) {
	tex, ok := res.(*Texture)
	if !ok || tex.device != d {
		return nil, backend.ErrForeignResource
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ready(); err != nil {
		return nil, err
	}
	view, err := d.device.CreateTextureView(tex.tex, &hal.TextureViewDescriptor{
		Label:           desc.Label,
		Format:          desc.Format,
		BaseMipLevel:    desc.BaseMipLevel,
		MipLevelCount:   desc.MipLevelCount,
		BaseArrayLayer:  desc.BaseArrayLayer,
		ArrayLayerCount: desc.ArrayLayerCount,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: view %q: %w", backend.ErrCreateFailed, desc.Label, err)
	}
	return &View{device: d, view: view, label: desc.Label}, nil
}

// DestroyResource destroys a buffer or texture.
func (d *Device) DestroyResource(r gpucore.Resource) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return
	}
	switch r := r.(type) {
	case *Buffer:
		if r.device == d && r.buf != nil {
			d.device.DestroyBuffer(r.buf)
			r.buf = nil
		}
	case *Texture:
		if r.device == d && r.tex != nil {
			d.device.DestroyTexture(r.tex)
			r.tex = nil
		}
	}
}

// DestroyView destroys a texture view.
func (d *Device) DestroyView(v gpucore.View) {
	d.mu.Lock()
	defer d.mu.Unlock()
	view, ok := v.(*View)
	if !ok || view.device != d || view.view == nil || !d.initialized {
		return
	}
	d.device.DestroyTextureView(view.view)
	view.view = nil
}

// WriteBuffer queues an upload into buf.
func (d *Device) WriteBuffer(res gpucore.Resource, offset uint64, data []byte) error {
	buf, ok := res.(*Buffer)
	if !ok || buf.device != d {
		return backend.ErrForeignResource
	}
	if offset+uint64(len(data)) > buf.desc.Size {
		return fmt.Errorf("native: write of %d bytes at %d overflows buffer %q (%d bytes)",
			len(data), offset, buf.desc.Label, buf.desc.Size)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ready(); err != nil {
		return err
	}
	d.queue.WriteBuffer(buf.buf, offset, data)
	return nil
}

// NewEncoder creates a HAL command encoder.
func (d *Device) NewEncoder(label string) (backend.Encoder, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ready(); err != nil {
		return nil, err
	}
	enc, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return nil, fmt.Errorf("native: create encoder %q: %w", label, err)
	}
	return &Encoder{device: d, enc: enc, label: label}, nil
}

// Submit ends the encoder's recording and submits it, signalling the
// timeline fence with signal on completion. An encoder with nothing
// recorded still submits an empty command buffer so the fence advances.
func (d *Device) Submit(be backend.Encoder, signal uint64) error {
	enc, ok := be.(*Encoder)
	if !ok || enc.device != d {
		return backend.ErrForeignResource
	}
	if err := enc.begin(); err != nil {
		return err
	}
	cmd, err := enc.enc.EndEncoding()
	enc.recording = false
	if err != nil {
		return fmt.Errorf("native: end encoding %q: %w", enc.label, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ready(); err != nil {
		d.device.FreeCommandBuffer(cmd)
		return err
	}
	if err := d.queue.Submit([]hal.CommandBuffer{cmd}, d.fence, signal); err != nil {
		d.device.FreeCommandBuffer(cmd)
		return fmt.Errorf("native: submit %q: %w", enc.label, err)
	}
	d.pending = append(d.pending, submission{value: signal, cmd: cmd})
	d.reapLocked()
	return nil
}

// reapLocked frees the command buffers of finished submissions and
// advances the completion counter. Callers hold mu.
func (d *Device) reapLocked() {
	n := 0
	for n < len(d.pending) {
		s := d.pending[n]
		ok, err := d.device.Wait(d.fence, s.value, 0)
		if err != nil {
			d.loseLocked(err)
			return
		}
		if !ok {
			break
		}
		d.device.FreeCommandBuffer(s.cmd)
		if s.value > d.completed.Load() {
			d.completed.Store(s.value)
		}
		n++
	}
	d.pending = d.pending[n:]
}

func (d *Device) loseLocked(err error) {
	if d.lost.CompareAndSwap(false, true) {
		d.log.Error("native: device lost", "err", err)
	}
}

// Completed polls the fence and returns the completion counter.
func (d *Device) Completed() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.initialized && !d.lost.Load() {
		d.reapLocked()
	}
	return d.completed.Load()
}

// Wait blocks on the timeline fence until it reaches value or timeout
// elapses.
func (d *Device) Wait(value uint64, timeout time.Duration) (bool, error) {
	if d.completed.Load() >= value {
		return true, nil
	}
	d.mu.Lock()
	if err := d.ready(); err != nil {
		d.mu.Unlock()
		return false, err
	}
	device, fence := d.device, d.fence
	d.mu.Unlock()

	ok, err := device.Wait(fence, value, timeout)
	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		d.loseLocked(err)
		return false, fmt.Errorf("%w: %w", backend.ErrDeviceLost, err)
	}
	if d.initialized {
		d.reapLocked()
	}
	return ok, nil
}

// Health reports ErrDeviceLost once a fence wait has failed.
func (d *Device) Health() error {
	if d.lost.Load() {
		return backend.ErrDeviceLost
	}
	return nil
}

// Buffer is a HAL buffer.
type Buffer struct {
	device *Device
	buf    hal.Buffer
	desc   gpucore.BufferDesc
}

// Kind returns gpucore.KindBuffer.
func (b *Buffer) Kind() gpucore.ResourceKind { return gpucore.KindBuffer }

// Label returns the debug label.
func (b *Buffer) Label() string { return b.desc.Label }

// Subresources returns 1.
func (b *Buffer) Subresources() uint32 { return 1 }

// Raw returns the HAL buffer.
func (b *Buffer) Raw() hal.Buffer { return b.buf }

// Texture is a HAL texture.
type Texture struct {
	device *Device
	tex    hal.Texture
	desc   gpucore.TextureDesc
}

// Kind returns gpucore.KindTexture.
func (t *Texture) Kind() gpucore.ResourceKind { return gpucore.KindTexture }

// Label returns the debug label.
func (t *Texture) Label() string { return t.desc.Label }

// Subresources returns mips * layers.
func (t *Texture) Subresources() uint32 { return t.desc.Subresources() }

// Raw returns the HAL texture.
func (t *Texture) Raw() hal.Texture { return t.tex }

// View is a HAL texture view.
type View struct {
	device *Device
	view   hal.TextureView
	label  string
}

// Label returns the debug label.
func (v *View) Label() string { return v.label }

// Raw returns the HAL texture view.
func (v *View) Raw() hal.TextureView { return v.view }

// Encoder records texture barriers into a HAL command encoder.
type Encoder struct {
	device    *Device
	enc       hal.CommandEncoder
	label     string
	recording bool
	barriers  []hal.TextureBarrier
}

func (e *Encoder) begin() error {
	if e.recording {
		return nil
	}
	if err := e.enc.BeginEncoding(e.label); err != nil {
		return fmt.Errorf("native: begin encoding %q: %w", e.label, err)
	}
	e.recording = true
	return nil
}

// Transition records texture barriers for the texture transitions.
// Buffer transitions are dropped.
func (e *Encoder) Transition(transitions []gpucore.Transition) {
	e.barriers = e.barriers[:0]
	for _, t := range transitions {
		tex, ok := t.Resource.(*Texture)
		if !ok || tex.tex == nil {
			continue
		}
		e.barriers = appendBarriers(e.barriers, tex, t)
	}
	if len(e.barriers) == 0 {
		return
	}
	if err := e.begin(); err != nil {
		e.device.log.Warn("native: transitions dropped", "encoder", e.label, "err", err)
		return
	}
	e.enc.TransitionTextures(e.barriers)
}

// appendBarriers appends the barriers of one texture transition. A whole
// transition is one barrier over every subresource. A banded one gets a
// barrier per run of adjacent mips within a layer.
func appendBarriers(dst []hal.TextureBarrier, tex *Texture, t gpucore.Transition) []hal.TextureBarrier {
	usage := hal.TextureUsageTransition{
		OldUsage: TextureUsage(t.Before),
		NewUsage: TextureUsage(t.After),
	}
	if t.Whole {
		return append(dst, hal.TextureBarrier{Texture: tex.tex, Usage: usage})
	}

	mips := tex.desc.Normalized().MipLevelCount
	total := tex.desc.Subresources()
	first := len(dst)
	for _, idx := range t.Subresources() {
		if uint32(idx) >= total {
			break
		}
		mip, layer := uint32(idx)%mips, uint32(idx)/mips
		if n := len(dst); n > first {
			last := &dst[n-1].Range
			if last.BaseArrayLayer == layer && last.BaseMipLevel+last.MipLevelCount == mip {
				last.MipLevelCount++
				continue
			}
		}
		dst = append(dst, hal.TextureBarrier{
			Texture: tex.tex,
			Range: hal.TextureRange{
				BaseMipLevel:    mip,
				MipLevelCount:   1,
				BaseArrayLayer:  layer,
				ArrayLayerCount: 1,
			},
			Usage: usage,
		})
	}
	return dst
}

// Reset discards anything recorded since the last Submit.
func (e *Encoder) Reset() error {
	if e.recording {
		e.enc.DiscardEncoding()
		e.recording = false
	}
	e.barriers = e.barriers[:0]
	return nil
}

// discard is a slog.Handler that drops every record.
type discard struct{}

func (discard) Enabled(context.Context, slog.Level) bool  { return false }
func (discard) Handle(context.Context, slog.Record) error { return nil }
func (discard) WithAttrs([]slog.Attr) slog.Handler        { return discard{} }
func (discard) WithGroup(string) slog.Handler             { return discard{} }
