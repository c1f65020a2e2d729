package backend

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/framecache/gpucore"
)

// Backend name constants.
const (
	// BackendSoftware is the name of the in-memory software device.
	BackendSoftware = "software"
	// BackendNative is the name of the Pure Go GPU device (gogpu/wgpu HAL).
	BackendNative = "native"
)

// init registers the software device on package import.
func init() {
	Register(BackendSoftware, func() Device {
		return NewSoftwareDevice()
	})
}

// SoftwareOption configures a SoftwareDevice.
type SoftwareOption func(*SoftwareDevice)

// WithLatency makes submitted work complete asynchronously after d.
func WithLatency(d time.Duration) SoftwareOption {
	return func(s *SoftwareDevice) { s.latency = d }
}

// WithManualCompletion keeps submitted work pending until CompleteUpTo or
// CompleteAll is called.
func WithManualCompletion() SoftwareOption {
	return func(s *SoftwareDevice) { s.manual = true }
}

// SoftwareStats reports what a SoftwareDevice has been asked to do.
type SoftwareStats struct {
	LiveBuffers     int
	LiveTextures    int
	LiveViews       int
	Created         int
	Destroyed       int
	DoubleDestroys  int
	Submits         int
	Transitions     int
	BytesWritten    int
	PendingSubmits  int
	CompletedSignal uint64
}

// SoftwareDevice is an in-memory Device. Buffers are byte slices,
// textures are bookkeeping only, and the completion counter advances when
// submitted work "finishes": immediately, after a latency, or when the test
// says so.
//
// SoftwareDevice supports fault injection (FailCreates, LoseDevice) so the
// error paths of the cache can be exercised without a GPU.
type SoftwareDevice struct {
	latency time.Duration
	manual  bool

	mu          sync.Mutex
	initialized bool
	closed      bool
	failCreates int
	pending     []uint64
	live        map[*SoftwareResource]struct{}
	views       map[*SoftwareView]struct{}
	stats       SoftwareStats

	completed atomic.Uint64
	lost      atomic.Bool

	// advanced is closed and replaced whenever completed moves or the
	// device is lost.
	advanced chan struct{}
}

// NewSoftwareDevice creates a software device.
func NewSoftwareDevice(opts ...SoftwareOption) *SoftwareDevice {
	s := &SoftwareDevice{
		live:     make(map[*SoftwareResource]struct{}),
		views:    make(map[*SoftwareView]struct{}),
		advanced: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the backend identifier.
func (s *SoftwareDevice) Name() string {
	return BackendSoftware
}

// Init initializes the device.
func (s *SoftwareDevice) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = true
	s.closed = false
	return nil
}

// Close releases all device resources.
func (s *SoftwareDevice) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.initialized = false
	clear(s.live)
	clear(s.views)
	s.pending = nil
}

// FailCreates makes the next n resource creations fail with ErrCreateFailed.
func (s *SoftwareDevice) FailCreates(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCreates = n
}

// LoseDevice simulates a device-lost event. Pending work never completes,
// and every later operation fails with ErrDeviceLost.
func (s *SoftwareDevice) LoseDevice() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lost.Store(true)
	s.pending = nil
	s.broadcastLocked()
}

// Stats returns a snapshot of the device counters.
func (s *SoftwareDevice) Stats() SoftwareStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.LiveViews = len(s.views)
	st.PendingSubmits = len(s.pending)
	st.CompletedSignal = s.completed.Load()
	for r := range s.live {
		if r.kind == gpucore.KindBuffer {
			st.LiveBuffers++
		} else {
			st.LiveTextures++
		}
	}
	return st
}

// IsLive reports whether r was created by s and not destroyed yet.
func (s *SoftwareDevice) IsLive(r gpucore.Resource) bool {
	sr, ok := r.(*SoftwareResource)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, live := s.live[sr]
	return live
}

// CreateBuffer creates a buffer backed by a byte slice.
func (s *SoftwareDevice) CreateBuffer(desc gpucore.BufferDesc) (gpucore.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.createCheckLocked(desc.Label); err != nil {
		return nil, err
	}
	r := &SoftwareResource{
		kind:  gpucore.KindBuffer,
		label: desc.Label,
		count: 1,
		data:  make([]byte, desc.Size),
	}
	s.live[r] = struct{}{}
	s.stats.Created++
	return r, nil
}

// CreateTexture records a texture. No texel storage is allocated.
func (s *SoftwareDevice) CreateTexture(desc gpucore.TextureDesc) (gpucore.Resource, error) {
	desc = desc.Normalized()
	if desc.Width == 0 || desc.Height == 0 {
		return nil, fmt.Errorf("%w: texture %q has zero size", ErrCreateFailed, desc.Label)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.createCheckLocked(desc.Label); err != nil {
		return nil, err
	}
	r := &SoftwareResource{
		kind:    gpucore.KindTexture,
		label:   desc.Label,
		count:   desc.Subresources(),
		texture: desc,
	}
	s.live[r] = struct{}{}
	s.stats.Created++
	return r, nil
}

// CreateView creates a view onto a texture created by s.
func (s *SoftwareDevice) CreateView(tex gpucore.Resource, desc gpucore.ViewDesc) (gpucore.View, error) {
	sr, ok := tex.(*SoftwareResource)
	if !ok || sr.kind != gpucore.KindTexture {
		return nil, ErrForeignResource
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.createCheckLocked(desc.Label); err != nil {
		return nil, err
	}
	if _, live := s.live[sr]; !live {
		return nil, fmt.Errorf("%w: view of destroyed texture %q", ErrCreateFailed, sr.label)
	}
	v := &SoftwareView{label: desc.Label, texture: sr, desc: desc}
	s.views[v] = struct{}{}
	s.stats.Created++
	return v, nil
}

func (s *SoftwareDevice) createCheckLocked(label string) error {
	if s.lost.Load() {
		return ErrDeviceLost
	}
	if !s.initialized {
		return ErrNotInitialized
	}
	if s.failCreates > 0 {
		s.failCreates--
		return fmt.Errorf("%w: injected failure for %q", ErrCreateFailed, label)
	}
	return nil
}

// DestroyResource releases a buffer or texture.
func (s *SoftwareDevice) DestroyResource(r gpucore.Resource) {
	sr, ok := r.(*SoftwareResource)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, live := s.live[sr]; !live {
		s.stats.DoubleDestroys++
		return
	}
	delete(s.live, sr)
	sr.data = nil
	s.stats.Destroyed++
}

// DestroyView releases a view.
func (s *SoftwareDevice) DestroyView(v gpucore.View) {
	sv, ok := v.(*SoftwareView)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, live := s.views[sv]; !live {
		s.stats.DoubleDestroys++
		return
	}
	delete(s.views, sv)
	s.stats.Destroyed++
}

// WriteBuffer copies data into the buffer.
func (s *SoftwareDevice) WriteBuffer(buf gpucore.Resource, offset uint64, data []byte) error {
	if s.lost.Load() {
		return ErrDeviceLost
	}
	sr, ok := buf.(*SoftwareResource)
	if !ok || sr.kind != gpucore.KindBuffer {
		return ErrForeignResource
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, live := s.live[sr]; !live {
		return fmt.Errorf("backend: write to destroyed buffer %q", sr.label)
	}
	if offset+uint64(len(data)) > uint64(len(sr.data)) {
		return fmt.Errorf("backend: write of %d bytes at %d overflows buffer %q (%d bytes)",
			len(data), offset, sr.label, len(sr.data))
	}
	copy(sr.data[offset:], data)
	s.stats.BytesWritten += len(data)
	return nil
}

// NewEncoder creates an encoder that keeps recorded transitions in memory.
func (s *SoftwareDevice) NewEncoder(label string) (Encoder, error) {
	if s.lost.Load() {
		return nil, ErrDeviceLost
	}
	return &SoftwareEncoder{device: s, label: label}, nil
}

// Submit records the submission and schedules its completion.
func (s *SoftwareDevice) Submit(enc Encoder, signal uint64) error {
	se, ok := enc.(*SoftwareEncoder)
	if !ok || se.device != s {
		return ErrForeignResource
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lost.Load() {
		return ErrDeviceLost
	}
	if !s.initialized {
		return ErrNotInitialized
	}
	s.stats.Submits++
	s.stats.Transitions += len(se.transitions)
	se.submitted += len(se.transitions)
	se.transitions = se.transitions[:0]

	switch {
	case s.manual:
		s.pending = append(s.pending, signal)
	case s.latency > 0:
		s.pending = append(s.pending, signal)
		time.AfterFunc(s.latency, func() { s.CompleteUpTo(signal) })
	default:
		s.advanceLocked(signal)
	}
	return nil
}

// CompleteUpTo finishes every pending submission whose signal is at most
// value. Work finishes in submission order.
func (s *SoftwareDevice) CompleteUpTo(value uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lost.Load() {
		return
	}
	n := 0
	for n < len(s.pending) && s.pending[n] <= value {
		s.advanceLocked(s.pending[n])
		n++
	}
	s.pending = s.pending[n:]
}

// CompleteAll finishes every pending submission.
func (s *SoftwareDevice) CompleteAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lost.Load() {
		return
	}
	for _, v := range s.pending {
		s.advanceLocked(v)
	}
	s.pending = s.pending[:0]
}

func (s *SoftwareDevice) advanceLocked(value uint64) {
	if value <= s.completed.Load() {
		return
	}
	s.completed.Store(value)
	s.broadcastLocked()
}

func (s *SoftwareDevice) broadcastLocked() {
	close(s.advanced)
	s.advanced = make(chan struct{})
}

// Completed returns the completion counter.
func (s *SoftwareDevice) Completed() uint64 {
	return s.completed.Load()
}

// Wait blocks until the completion counter reaches value or timeout elapses.
func (s *SoftwareDevice) Wait(value uint64, timeout time.Duration) (bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		s.mu.Lock()
		done := s.completed.Load() >= value
		lost := s.lost.Load()
		ch := s.advanced
		s.mu.Unlock()
		if done {
			return true, nil
		}
		if lost {
			return false, ErrDeviceLost
		}
		select {
		case <-ch:
		case <-timer.C:
			return false, nil
		}
	}
}

// Health returns ErrDeviceLost once LoseDevice has been called.
func (s *SoftwareDevice) Health() error {
	if s.lost.Load() {
		return ErrDeviceLost
	}
	return nil
}

// SoftwareResource is a buffer or texture created by a SoftwareDevice.
type SoftwareResource struct {
	kind    gpucore.ResourceKind
	label   string
	count   uint32
	data    []byte
	texture gpucore.TextureDesc
}

// Kind returns the resource kind.
func (r *SoftwareResource) Kind() gpucore.ResourceKind { return r.kind }

// Label returns the debug label.
func (r *SoftwareResource) Label() string { return r.label }

// Subresources returns 1 for buffers and mips*layers for textures.
func (r *SoftwareResource) Subresources() uint32 { return r.count }

// Bytes returns the buffer contents. It is nil for textures and destroyed
// buffers.
func (r *SoftwareResource) Bytes() []byte { return r.data }

// TextureDesc returns the normalized descriptor of a texture.
func (r *SoftwareResource) TextureDesc() gpucore.TextureDesc { return r.texture }

// SoftwareView is a view created by a SoftwareDevice.
type SoftwareView struct {
	label   string
	texture *SoftwareResource
	desc    gpucore.ViewDesc
}

// Label returns the debug label.
func (v *SoftwareView) Label() string { return v.label }

// Texture returns the viewed texture.
func (v *SoftwareView) Texture() *SoftwareResource { return v.texture }

// Desc returns the view descriptor.
func (v *SoftwareView) Desc() gpucore.ViewDesc { return v.desc }

// SoftwareEncoder keeps recorded transitions until Submit.
type SoftwareEncoder struct {
	device      *SoftwareDevice
	label       string
	transitions []gpucore.Transition
	submitted   int
}

// Transition records a copy of transitions.
func (e *SoftwareEncoder) Transition(transitions []gpucore.Transition) {
	e.transitions = append(e.transitions, transitions...)
}

// Reset drops unsubmitted transitions.
func (e *SoftwareEncoder) Reset() error {
	clear(e.transitions)
	e.transitions = e.transitions[:0]
	return nil
}

// Recorded returns the transitions recorded since the last Submit or Reset.
func (e *SoftwareEncoder) Recorded() []gpucore.Transition { return e.transitions }

// Submitted returns the number of transitions submitted through e.
func (e *SoftwareEncoder) Submitted() int { return e.submitted }
