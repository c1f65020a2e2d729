package framecache

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/gogpu/gputypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/framecache/backend"
	"github.com/gogpu/framecache/gpucore"
)

func newSoftwareDevice(t *testing.T, opts ...backend.SoftwareOption) *backend.SoftwareDevice {
	t.Helper()
	dev := backend.NewSoftwareDevice(opts...)
	require.NoError(t, dev.Init())
	return dev
}

// newTestOrchestrator drives a device whose submissions complete only when
// the test calls CompleteAll or CompleteUpTo.
func newTestOrchestrator(t *testing.T, opts ...Option) (*Orchestrator, *backend.SoftwareDevice) {
	t.Helper()
	dev := newSoftwareDevice(t, backend.WithManualCompletion())
	opts = append([]Option{WithWaitTimeout(10 * time.Millisecond), WithMaxWaitRetries(3)}, opts...)
	o, err := New(dev, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		dev.CompleteAll()
		if err := o.Check(); !errors.Is(err, ErrClosed) {
			require.NoError(t, err)
		}
		o.Close()
	})
	return o, dev
}

func beginFrame(t *testing.T, o *Orchestrator) *Frame {
	t.Helper()
	f, err := o.BeginFrame()
	require.NoError(t, err)
	return f
}

func submit(t *testing.T, f *Frame) uint64 {
	t.Helper()
	v, err := f.Submit()
	require.NoError(t, err)
	return v
}

func bufferBytes(t *testing.T, o *Orchestrator, ref BufferRef, n int) []byte {
	t.Helper()
	res, err := o.Buffer(ref)
	require.NoError(t, err)
	return res.(*backend.SoftwareResource).Bytes()[:n]
}

var vertexDesc = gpucore.BufferDesc{Label: "vertices", Usage: gputypes.BufferUsageVertex}

var rgbaDesc = gpucore.TextureDesc{
	Label:         "albedo",
	Width:         64,
	Height:        64,
	MipLevelCount: 4,
	Format:        gputypes.TextureFormatRGBA8Unorm,
	Usage:         gputypes.TextureUsageTextureBinding | gputypes.TextureUsageRenderAttachment,
}

func TestNewRequiresHealthyDevice(t *testing.T) {
	dev := newSoftwareDevice(t)
	dev.LoseDevice()
	_, err := New(dev)
	require.ErrorIs(t, err, ErrDeviceLost)
	assert.True(t, IsFatal(err))
}

func TestRequireBufferDeduplicatesWithinFrame(t *testing.T) {
	o, dev := newTestOrchestrator(t)
	f := beginFrame(t, o)

	a := []byte("triangle strip")
	b := []byte("quad list")
	r1, err := f.RequireBuffer(vertexDesc, a)
	require.NoError(t, err)
	r2, err := f.RequireBuffer(vertexDesc, a)
	require.NoError(t, err)
	r3, err := f.RequireBuffer(vertexDesc, b)
	require.NoError(t, err)

	assert.Equal(t, r1, r2)
	assert.NotEqual(t, r1, r3)
	assert.Equal(t, a, bufferBytes(t, o, r1, len(a)))
	assert.Equal(t, b, bufferBytes(t, o, r3, len(b)))

	st := dev.Stats()
	assert.Equal(t, 2, st.Created)
	assert.Equal(t, len(a)+len(b), st.BytesWritten)

	res, err := o.Buffer(r1)
	require.NoError(t, err)
	assert.Len(t, res.(*backend.SoftwareResource).Bytes(), minBufferClass, "buffers are rounded to a size class")
}

func TestRequireBufferSharedAcrossInflightFrames(t *testing.T) {
	o, dev := newTestOrchestrator(t)
	data := []byte("shared mesh")

	f1 := beginFrame(t, o)
	r1, err := f1.RequireBuffer(vertexDesc, data)
	require.NoError(t, err)
	submit(t, f1)

	f2 := beginFrame(t, o)
	r2, err := f2.RequireBuffer(vertexDesc, data)
	require.NoError(t, err)
	submit(t, f2)
	assert.Equal(t, r1, r2)
	assert.Equal(t, 1, dev.Stats().Created)

	dev.CompleteAll()
	n, err := o.Poll()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Once no frame holds it, the content is gone but the slot is recycled
	// without creating a new buffer.
	f3 := beginFrame(t, o)
	r3, err := f3.RequireBuffer(vertexDesc, []byte("other mesh"))
	require.NoError(t, err)
	submit(t, f3)
	assert.Equal(t, r1, r3)
	assert.Equal(t, 1, dev.Stats().Created)

	st, err := o.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Buffers.Hits)
	assert.Equal(t, uint64(2), st.Buffers.Misses)
	assert.Equal(t, uint64(1), st.Buffers.Recycled)
	assert.Equal(t, uint64(3), st.Frames)
}

func TestRequireBufferUsageKeepsLayoutsApart(t *testing.T) {
	o, dev := newTestOrchestrator(t)
	f := beginFrame(t, o)
	data := []byte("indices")

	v, err := f.RequireBuffer(vertexDesc, data)
	require.NoError(t, err)
	i, err := f.RequireBuffer(gpucore.BufferDesc{Usage: gputypes.BufferUsageIndex}, data)
	require.NoError(t, err)
	assert.NotEqual(t, v, i)
	assert.Equal(t, 2, dev.Stats().Created)
}

func TestRequireBufferAllocationFailure(t *testing.T) {
	o, dev := newTestOrchestrator(t)
	f := beginFrame(t, o)

	dev.FailCreates(1)
	_, err := f.RequireBuffer(vertexDesc, []byte("x"))
	require.ErrorIs(t, err, ErrAllocationFailure)
	require.ErrorIs(t, err, backend.ErrCreateFailed)
	assert.True(t, IsFatal(err))

	_, err = f.RequireBuffer(vertexDesc, []byte("x"))
	require.NoError(t, err, "the frame stays usable after a failed creation")
}

func TestAllocUniform(t *testing.T) {
	o, dev := newTestOrchestrator(t, WithUniformPageSize(1024))
	f := beginFrame(t, o)

	d1 := bytes.Repeat([]byte{1}, 100)
	d2 := bytes.Repeat([]byte{2}, 300)
	d3 := bytes.Repeat([]byte{3}, 600)

	a1, err := f.AllocUniform(d1)
	require.NoError(t, err)
	a2, err := f.AllocUniform(d2)
	require.NoError(t, err)
	a3, err := f.AllocUniform(d3)
	require.NoError(t, err)

	assert.Equal(t, UniformAlloc{Page: a1.Page, Offset: 0, Size: 100}, a1)
	assert.Equal(t, UniformAlloc{Page: a1.Page, Offset: 256, Size: 300}, a2)
	assert.NotEqual(t, a1.Page, a3.Page, "600 bytes do not fit after 768")
	assert.Equal(t, uint64(0), a3.Offset)

	_, err = f.AllocUniform(make([]byte, 1025))
	require.ErrorIs(t, err, ErrUniformTooLarge)

	assert.Zero(t, dev.Stats().BytesWritten, "pages are uploaded on submit")
	submit(t, f)
	assert.Equal(t, 768+768, dev.Stats().BytesWritten)

	page, err := o.UniformBuffer(a1.Page)
	require.NoError(t, err)
	raw := page.(*backend.SoftwareResource).Bytes()
	assert.Equal(t, d1, raw[0:100])
	assert.Equal(t, d2, raw[256:556])
}

func TestUniformPagesRecycledAfterCompletion(t *testing.T) {
	o, dev := newTestOrchestrator(t, WithUniformPageSize(1024))

	f1 := beginFrame(t, o)
	a1, err := f1.AllocUniform([]byte("frame one"))
	require.NoError(t, err)
	submit(t, f1)

	// The first page is still read by frame one.
	f2 := beginFrame(t, o)
	a2, err := f2.AllocUniform([]byte("frame two"))
	require.NoError(t, err)
	submit(t, f2)
	assert.NotEqual(t, a1.Page, a2.Page)
	assert.Equal(t, 2, dev.Stats().Created)

	dev.CompleteAll()
	_, err = o.Poll()
	require.NoError(t, err)

	f3 := beginFrame(t, o)
	a3, err := f3.AllocUniform([]byte("frame three"))
	require.NoError(t, err)
	submit(t, f3)
	assert.Equal(t, a1.Page, a3.Page, "lowest purged page is reused first")
	assert.Equal(t, 2, dev.Stats().Created)
}

func TestRequireView(t *testing.T) {
	o, dev := newTestOrchestrator(t)
	tex, err := o.CreateTexture(rgbaDesc)
	require.NoError(t, err)

	f := beginFrame(t, o)
	mip0 := gpucore.ViewDesc{BaseMipLevel: 0, MipLevelCount: 1}
	mip1 := gpucore.ViewDesc{BaseMipLevel: 1, MipLevelCount: 1}

	v1, err := f.RequireView(tex, mip0)
	require.NoError(t, err)
	v2, err := f.RequireView(tex, mip0)
	require.NoError(t, err)
	v3, err := f.RequireView(tex, mip1)
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.NotEqual(t, v1, v3)
	submit(t, f)

	// Views are resident: completing the frame does not drop them.
	dev.CompleteAll()
	_, err = o.Poll()
	require.NoError(t, err)

	view, err := o.View(v1)
	require.NoError(t, err)
	texRes, err := o.Texture(tex)
	require.NoError(t, err)
	assert.Same(t, texRes, view.(*backend.SoftwareView).Texture())
	assert.Equal(t, 2, dev.Stats().LiveViews)

	_, err = beginFrame(t, o).RequireView(TextureRef(99), mip0)
	require.ErrorIs(t, err, ErrInvalidRef)
}

// ignoreResource compares transitions without the backend resource, which
// holds unexported device state.
var ignoreResource = cmpopts.IgnoreFields(gpucore.Transition{}, "Resource")

func TestSetState(t *testing.T) {
	o, dev := newTestOrchestrator(t)
	tex, err := o.CreateTexture(rgbaDesc)
	require.NoError(t, err)
	h := uint32(tex)

	f := beginFrame(t, o)
	n, err := f.SetState(tex, 1, gpucore.StateRenderTarget)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.SetState(tex, 1, gpucore.StateRenderTarget)
	require.NoError(t, err)
	assert.Zero(t, n, "no transition when the state already holds")

	n, err = f.SetState(tex, Whole, gpucore.StateShaderRead)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	want := []gpucore.Transition{
		{Handle: h, Offset: 0, Mask: 0b0010, Before: gpucore.StateCommon, After: gpucore.StateRenderTarget},
		{Handle: h, Offset: 0, Mask: 0b1101, Before: gpucore.StateCommon, After: gpucore.StateShaderRead},
		{Handle: h, Offset: 0, Mask: 0b0010, Before: gpucore.StateRenderTarget, After: gpucore.StateShaderRead},
	}
	got := f.Pending()
	if diff := cmp.Diff(want, got, ignoreResource); diff != "" {
		t.Errorf("pending transitions mismatch (-want +got):\n%s", diff)
	}
	res, err := o.Texture(tex)
	require.NoError(t, err)
	for _, tr := range got {
		assert.Same(t, res, tr.Resource)
	}

	flushed, err := f.Flush()
	require.NoError(t, err)
	assert.Equal(t, 3, flushed)
	assert.Empty(t, f.Pending())

	n, err = f.SetState(tex, Whole, gpucore.StateCopyDst)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "uniform state folds back into one whole transition")
	if diff := cmp.Diff([]gpucore.Transition{
		{Handle: h, Whole: true, Before: gpucore.StateShaderRead, After: gpucore.StateCopyDst},
	}, f.Pending(), ignoreResource); diff != "" {
		t.Errorf("whole transition mismatch (-want +got):\n%s", diff)
	}

	submit(t, f)
	assert.Equal(t, 4, dev.Stats().Transitions, "submit flushes what is left")

	for sub := range 4 {
		s, err := o.State(tex, sub)
		require.NoError(t, err)
		assert.Equal(t, gpucore.StateCopyDst, s)
	}
}

func TestLockedState(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	tex, err := o.CreateTexture(rgbaDesc)
	require.NoError(t, err)
	f := beginFrame(t, o)

	n, err := f.SetState(tex, Whole, gpucore.StateCopyDst|gpucore.Locked)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.SetState(tex, Whole, gpucore.StateShaderRead)
	require.NoError(t, err)
	assert.Zero(t, n, "pinned subresources ignore requests")
	s, err := o.State(tex, Whole)
	require.NoError(t, err)
	assert.Equal(t, gpucore.StateCopyDst, s)

	ok, err := f.UnlockState(tex, Whole)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.UnlockState(tex, Whole)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err = f.SetState(tex, Whole, gpucore.StateShaderRead)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, f.Discard())
}

func TestDisposeTextureWaitsForFrames(t *testing.T) {
	o, dev := newTestOrchestrator(t)
	tex, err := o.CreateTexture(rgbaDesc)
	require.NoError(t, err)

	f := beginFrame(t, o)
	_, err = f.RequireView(tex, gpucore.ViewDesc{})
	require.NoError(t, err)
	_, err = f.SetState(tex, Whole, gpucore.StateShaderRead)
	require.NoError(t, err)

	require.NoError(t, o.DisposeTexture(tex))
	_, err = o.Texture(tex)
	require.ErrorIs(t, err, ErrInvalidRef, "disposed refs are invalid immediately")
	require.ErrorIs(t, o.DisposeTexture(tex), ErrInvalidRef)

	submit(t, f)
	_, err = o.Poll()
	require.NoError(t, err)
	st := dev.Stats()
	assert.Equal(t, 1, st.LiveTextures, "frame still in flight")
	assert.Equal(t, 1, st.LiveViews)

	dev.CompleteAll()
	_, err = o.Poll()
	require.NoError(t, err)
	st = dev.Stats()
	assert.Zero(t, st.LiveTextures)
	assert.Zero(t, st.LiveViews)
	assert.Zero(t, st.DoubleDestroys)

	// The handle is recycled for the next texture, with fresh state.
	tex2, err := o.CreateTexture(rgbaDesc)
	require.NoError(t, err)
	assert.Equal(t, tex, tex2)
	s, err := o.State(tex2, Whole)
	require.NoError(t, err)
	assert.Equal(t, gpucore.StateCommon, s)
}

func TestDisposeTextureIdle(t *testing.T) {
	o, dev := newTestOrchestrator(t)
	tex, err := o.CreateTexture(rgbaDesc)
	require.NoError(t, err)

	require.NoError(t, o.DisposeTexture(tex))
	_, err = o.Poll()
	require.NoError(t, err)
	assert.Zero(t, dev.Stats().LiveTextures)
}

func TestDisposeBuffer(t *testing.T) {
	o, dev := newTestOrchestrator(t)
	f := beginFrame(t, o)
	ref, err := f.RequireBuffer(vertexDesc, []byte("mesh"))
	require.NoError(t, err)
	require.NoError(t, o.DisposeBuffer(ref))
	submit(t, f)

	_, err = o.Poll()
	require.NoError(t, err)
	assert.Equal(t, 1, dev.Stats().LiveBuffers)

	dev.CompleteAll()
	_, err = o.Poll()
	require.NoError(t, err)
	assert.Zero(t, dev.Stats().LiveBuffers)

	require.ErrorIs(t, o.DisposeBuffer(ref), ErrInvalidRef)
}

func TestDisposeCompletedBufferKeepsRecycledSlot(t *testing.T) {
	o, dev := newTestOrchestrator(t)
	f := beginFrame(t, o)
	ref, err := f.RequireBuffer(vertexDesc, []byte("aaaa"))
	require.NoError(t, err)
	submit(t, f)
	dev.CompleteAll()
	_, err = o.Poll()
	require.NoError(t, err)

	require.ErrorIs(t, o.DisposeBuffer(ref), ErrInvalidRef)

	f = beginFrame(t, o)
	again, err := f.RequireBuffer(vertexDesc, []byte("bbbb"))
	require.NoError(t, err)
	require.Equal(t, ref, again)
	submit(t, f)
	dev.CompleteAll()
	_, err = o.Poll()
	require.NoError(t, err)

	assert.Equal(t, 1, dev.Stats().LiveBuffers)
	st, err := o.Stats()
	require.NoError(t, err)
	assert.Zero(t, st.Buffers.Disposed)
}

func TestCapacityExceeded(t *testing.T) {
	o, dev := newTestOrchestrator(t, WithMaxContexts(2))

	f1 := beginFrame(t, o)
	beginFrame(t, o)
	submit(t, f1)

	_, err := o.BeginFrame()
	require.ErrorIs(t, err, ErrCapacityExceeded)
	assert.True(t, IsFatal(err))

	dev.CompleteAll()
	f3, err := o.BeginFrame()
	require.NoError(t, err, "BeginFrame sweeps completed frames before giving up")
	assert.Equal(t, f1.Context(), f3.Context())
}

func TestWait(t *testing.T) {
	dev := newSoftwareDevice(t, backend.WithLatency(2*time.Millisecond))
	o, err := New(dev)
	require.NoError(t, err)
	defer o.Close()

	f := beginFrame(t, o)
	require.ErrorIs(t, o.Wait(f), ErrInvalidRef, "not submitted yet")
	_, err = f.RequireBuffer(vertexDesc, []byte("wait"))
	require.NoError(t, err)
	v := submit(t, f)
	assert.Equal(t, v, f.Value())

	require.NoError(t, o.Wait(f))
	assert.GreaterOrEqual(t, dev.Completed(), v)
	st, err := o.Stats()
	require.NoError(t, err)
	assert.Zero(t, st.Inflight)

	_, err = f.RequireBuffer(vertexDesc, nil)
	require.ErrorIs(t, err, ErrInvalidRef, "submitted frames cannot record")
}

func TestWaitTimesOutAsDeviceLost(t *testing.T) {
	o, _ := newTestOrchestrator(t, WithWaitTimeout(time.Millisecond), WithMaxWaitRetries(2))
	f := beginFrame(t, o)
	submit(t, f)

	err := o.Wait(f)
	require.ErrorIs(t, err, ErrDeviceLost)
}

func TestDiscard(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	f := beginFrame(t, o)
	ref, err := f.RequireBuffer(vertexDesc, []byte("dropped"))
	require.NoError(t, err)
	require.NoError(t, f.Discard())

	n, err := o.Poll()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st, err := o.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, st.Buffers.Free, "discarded frame's buffer is reusable")
	assert.Zero(t, st.Frames)

	_, err = o.Buffer(ref)
	require.NoError(t, err, "slot keeps its buffer for reuse")
	require.ErrorIs(t, f.Discard(), ErrInvalidRef)
}

func TestPendingAfterSubmit(t *testing.T) {
	o, dev := newTestOrchestrator(t, WithMaxContexts(1))
	tex, err := o.CreateTexture(rgbaDesc)
	require.NoError(t, err)

	f := beginFrame(t, o)
	_, err = f.SetState(tex, 0, gpucore.StateRenderTarget)
	require.NoError(t, err)
	require.Len(t, f.Pending(), 1)
	submit(t, f)
	assert.Nil(t, f.Pending())

	dev.CompleteAll()
	next := beginFrame(t, o)
	require.Equal(t, f.Context(), next.Context())
	_, err = next.SetState(tex, Whole, gpucore.StateCopyDst)
	require.NoError(t, err)
	assert.NotEmpty(t, next.Pending())
	assert.Nil(t, f.Pending(), "ended frame must not see the reused context")
	submit(t, next)
}

func TestDeviceLostAndRebuild(t *testing.T) {
	o, dev := newTestOrchestrator(t)
	tex, err := o.CreateTexture(rgbaDesc)
	require.NoError(t, err)
	f := beginFrame(t, o)

	dev.LoseDevice()
	_, err = f.RequireBuffer(vertexDesc, []byte("lost"))
	require.ErrorIs(t, err, ErrDeviceLost)
	_, err = o.Poll()
	require.ErrorIs(t, err, ErrDeviceLost)
	assert.True(t, IsFatal(err))

	fresh := newSoftwareDevice(t)
	require.NoError(t, o.Rebuild(fresh))
	assert.Same(t, fresh, o.Device())

	_, err = o.Texture(tex)
	require.ErrorIs(t, err, ErrInvalidRef, "refs do not survive a rebuild")
	_, err = f.RequireBuffer(vertexDesc, []byte("stale"))
	require.ErrorIs(t, err, ErrInvalidRef, "frames do not survive a rebuild")

	f2 := beginFrame(t, o)
	_, err = f2.RequireBuffer(vertexDesc, []byte("fresh"))
	require.NoError(t, err)
	submit(t, f2)
	require.NoError(t, o.WaitIdle())

	st, err := o.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), st.Generation)
	assert.Equal(t, uint64(1), st.Rebuilds)
	assert.Equal(t, 1, fresh.Stats().Created)
	require.NoError(t, o.Check())
}

func TestRebuildHealthyDestroysEverything(t *testing.T) {
	o, dev := newTestOrchestrator(t)
	_, err := o.CreateTexture(rgbaDesc)
	require.NoError(t, err)
	f := beginFrame(t, o)
	_, err = f.RequireBuffer(vertexDesc, []byte("gone"))
	require.NoError(t, err)
	submit(t, f)
	dev.CompleteAll()

	require.NoError(t, o.Rebuild(nil))
	st := dev.Stats()
	assert.Zero(t, st.LiveBuffers)
	assert.Zero(t, st.LiveTextures)
	assert.Zero(t, st.DoubleDestroys)
}

func TestClose(t *testing.T) {
	o, dev := newTestOrchestrator(t)
	_, err := o.CreateTexture(rgbaDesc)
	require.NoError(t, err)
	f := beginFrame(t, o)
	submit(t, f)
	dev.CompleteAll()

	require.NoError(t, o.Close())
	require.NoError(t, o.Close(), "Close is idempotent")
	assert.Zero(t, dev.Stats().LiveTextures)

	_, err = o.BeginFrame()
	require.ErrorIs(t, err, ErrClosed)
	_, err = o.CreateTexture(rgbaDesc)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, o.Rebuild(nil), ErrClosed)
	_, err = o.Stats()
	require.ErrorIs(t, err, ErrClosed)
}

func TestConcurrentFrames(t *testing.T) {
	dev := newSoftwareDevice(t, backend.WithLatency(time.Millisecond))
	o, err := New(dev, WithMaxContexts(8), WithUniformPageSize(4096))
	require.NoError(t, err)
	defer o.Close()

	shared, err := o.CreateTexture(rgbaDesc)
	require.NoError(t, err)

	const workers, frames = 8, 25
	var g errgroup.Group
	for w := range workers {
		own, err := o.CreateTexture(rgbaDesc)
		require.NoError(t, err)
		g.Go(func() error {
			for i := range frames {
				f, err := o.BeginFrame()
				if errors.Is(err, ErrCapacityExceeded) {
					if err := o.WaitIdle(); err != nil {
						return err
					}
					f, err = o.BeginFrame()
				}
				if err != nil {
					return err
				}
				if _, err := f.RequireBuffer(vertexDesc, []byte("shared quad")); err != nil {
					return err
				}
				if _, err := f.RequireBuffer(vertexDesc, fmt.Appendf(nil, "worker %d frame %d", w, i)); err != nil {
					return err
				}
				if _, err := f.AllocUniform(make([]byte, 64)); err != nil {
					return err
				}
				if _, err := f.RequireView(shared, gpucore.ViewDesc{}); err != nil {
					return err
				}
				if _, err := f.SetState(own, i%4, gpucore.StateRenderTarget); err != nil {
					return err
				}
				if _, err := f.Submit(); err != nil {
					return err
				}
				if err := o.Wait(f); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.NoError(t, o.WaitIdle())
	require.NoError(t, o.Check())

	st, err := o.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(workers*frames), st.Frames)
	assert.Zero(t, st.Inflight)
	assert.LessOrEqual(t, st.Contexts, 8)
	assert.Equal(t, 1, st.Views.Indexed)
	assert.Zero(t, dev.Stats().DoubleDestroys)
}
