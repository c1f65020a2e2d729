package cache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/framecache/internal/lockmask"
)

type buffer struct {
	id        int
	contents  string
	destroyed bool
}

// harness counts allocations and destructions of fake buffers.
type harness struct {
	mu        sync.Mutex
	allocs    int
	fills     atomic.Int32
	destroyed []int
}

func (h *harness) allocate(Slot) (*buffer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.allocs++
	return &buffer{id: h.allocs}, nil
}

func (h *harness) fill(contents string) Fill[*buffer] {
	return func(_ Slot, b *buffer) error {
		h.fills.Add(1)
		b.contents = contents
		return nil
	}
}

func (h *harness) destroy(b *buffer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b.destroyed = true
	h.destroyed = append(h.destroyed, b.id)
}

func newTestCache(t *testing.T) (*Cache[*buffer], *harness) {
	t.Helper()
	h := &harness{}
	c := New(Config[*buffer]{Name: "test", Destroy: h.destroy})
	t.Cleanup(func() { require.NoError(t, c.Check()) })
	return c, h
}

const (
	layoutA = 0xa
	layoutB = 0xb
)

func TestSameHashSameEpochHits(t *testing.T) {
	c, h := newTestCache(t)

	s1, b1, err := c.RequireItem(1, layoutA, 0b01, h.allocate, h.fill("one"), nil)
	require.NoError(t, err)

	var hits int
	s2, b2, err := c.RequireItem(1, layoutA, 0b01, h.allocate, h.fill("other"), func(Slot, *buffer) { hits++ })
	require.NoError(t, err)

	assert.Equal(t, s1, s2)
	assert.Same(t, b1, b2)
	assert.Equal(t, "one", b2.contents)
	assert.EqualValues(t, 1, h.fills.Load())
	assert.Equal(t, 1, hits)

	st := c.Stats()
	assert.EqualValues(t, 1, st.Hits)
	assert.EqualValues(t, 1, st.Misses)
	assert.InDelta(t, 0.5, st.HitRate, 1e-9)
}

func TestHitExtendsLock(t *testing.T) {
	c, h := newTestCache(t)

	slot, _, err := c.RequireItem(7, layoutA, lockmask.Bit(0), h.allocate, h.fill("x"), nil)
	require.NoError(t, err)
	_, _, err = c.RequireItem(7, layoutA, lockmask.Bit(3), h.allocate, h.fill("x"), nil)
	require.NoError(t, err)

	assert.Equal(t, lockmask.Bit(0)|lockmask.Bit(3), c.LockOf(slot))

	c.Unlock(lockmask.Bit(0))
	assert.True(t, c.HasAny(slot, lockmask.Bit(3)))
	got, ok := c.Lookup(7)
	assert.True(t, ok)
	assert.Equal(t, slot, got)
}

func TestUnlockedItemIsNotResolvable(t *testing.T) {
	c, h := newTestCache(t)

	slot, _, err := c.RequireItem(1, layoutA, 0b01, h.allocate, h.fill("one"), nil)
	require.NoError(t, err)
	require.True(t, c.HasAny(slot, 0b01))

	c.Unlock(0b01)
	assert.False(t, c.HasAny(slot, 0b01))
	assert.False(t, c.HasAny(slot, lockmask.Contexts))
	_, ok := c.Lookup(1)
	assert.False(t, ok)

	// A new hash of the same layout takes the unlocked slot and reuses its
	// payload without allocating.
	s2, b2, err := c.RequireItem(2, layoutA, 0b10, h.allocate, h.fill("two"), nil)
	require.NoError(t, err)
	assert.Equal(t, slot, s2)
	assert.Equal(t, "two", b2.contents)
	assert.Equal(t, 1, h.allocs)
	assert.EqualValues(t, 1, c.Stats().Reused)

	_, ok = c.Lookup(1)
	assert.False(t, ok, "old content still published")
	got, ok := c.Lookup(2)
	assert.True(t, ok)
	assert.Equal(t, slot, got)
}

func TestUnlockedSameHashRefills(t *testing.T) {
	c, h := newTestCache(t)

	s1, _, err := c.RequireItem(1, layoutA, 0b01, h.allocate, h.fill("one"), nil)
	require.NoError(t, err)
	c.Unlock(0b01)

	s2, _, err := c.RequireItem(1, layoutA, 0b01, h.allocate, h.fill("one"), nil)
	require.NoError(t, err)
	assert.Equal(t, s1, s2)
	assert.EqualValues(t, 2, h.fills.Load())
	assert.Equal(t, 1, c.Stats().Indexed)
}

func TestLayoutsDoNotMix(t *testing.T) {
	c, h := newTestCache(t)

	sa, _, err := c.RequireItem(1, layoutA, 0b01, h.allocate, h.fill("a"), nil)
	require.NoError(t, err)
	c.Unlock(0b01)

	sb, _, err := c.RequireItem(2, layoutB, 0b01, h.allocate, h.fill("b"), nil)
	require.NoError(t, err)
	assert.NotEqual(t, sa, sb)
	assert.Equal(t, 2, h.allocs)
}

func TestPurgeRecyclesLowestSlotFirst(t *testing.T) {
	c, h := newTestCache(t)

	var slots []Slot
	for i := uint64(0); i < 3; i++ {
		s, _, err := c.RequireItem(100+i, layoutA, 0b1, h.allocate, h.fill("x"), nil)
		require.NoError(t, err)
		slots = append(slots, s)
	}
	require.Equal(t, []Slot{0, 1, 2}, slots)

	assert.Equal(t, 3, c.UnlockFrame(0b1))
	st := c.Stats()
	assert.Equal(t, 3, st.Free)
	assert.Equal(t, 0, st.Indexed)
	assert.Equal(t, 3, st.Live)

	for want := Slot(0); want < 3; want++ {
		s, _, err := c.RequireItem(200+uint64(want), layoutA, 0b10, h.allocate, h.fill("y"), nil)
		require.NoError(t, err)
		assert.Equal(t, want, s)
	}
	assert.Equal(t, 3, h.allocs)
	assert.EqualValues(t, 3, c.Stats().Recycled)
	assert.Empty(t, h.destroyed)
}

func TestPermanentSurvivesUnlock(t *testing.T) {
	c, h := newTestCache(t)

	slot, _, err := c.RequireItem(9, layoutA, Permanent, h.allocate, h.fill("p"), nil)
	require.NoError(t, err)

	c.UnlockFrame(lockmask.Contexts)
	got, ok := c.Lookup(9)
	require.True(t, ok)
	assert.Equal(t, slot, got)
	assert.Equal(t, Permanent, c.LockOf(slot))
}

func TestMarkDisposeWaitsForInflight(t *testing.T) {
	c, h := newTestCache(t)

	slot, b, err := c.RequireItem(5, layoutA, Permanent, h.allocate, h.fill("p"), nil)
	require.NoError(t, err)

	inflight := lockmask.Bit(1) | lockmask.Bit(2)
	require.NoError(t, c.MarkDispose(slot, inflight))
	assert.Equal(t, inflight, c.LockOf(slot))

	assert.Zero(t, c.UnlockFrame(lockmask.Bit(1)))
	assert.False(t, b.destroyed)
	_, ok := c.Lookup(5)
	assert.True(t, ok, "item must stay resolvable while contexts read it")

	assert.Equal(t, 1, c.UnlockFrame(lockmask.Bit(2)))
	assert.True(t, b.destroyed)
	assert.Equal(t, []int{1}, h.destroyed)
	assert.Equal(t, 0, c.Len())
	assert.EqualValues(t, 1, c.Stats().Disposed)

	_, ok = c.Payload(slot)
	assert.False(t, ok)
}

func TestMarkDisposeNothingInflight(t *testing.T) {
	c, h := newTestCache(t)

	slot, b, err := c.RequireItem(5, layoutA, Permanent, h.allocate, h.fill("p"), nil)
	require.NoError(t, err)
	require.NoError(t, c.MarkDispose(slot, 0))

	assert.Equal(t, 1, c.PurgeUnlocked())
	assert.True(t, b.destroyed)
}

func TestMarkDisposePurgedSlot(t *testing.T) {
	c, h := newTestCache(t)

	slot, _, err := c.RequireItem(5, layoutA, lockmask.Bit(0), h.allocate, h.fill("aaaa"), nil)
	require.NoError(t, err)
	require.Equal(t, 1, c.UnlockFrame(lockmask.Bit(0)))

	assert.ErrorIs(t, c.MarkDispose(slot, 0), ErrInvalidSlot)

	again, b, err := c.RequireItem(6, layoutA, lockmask.Bit(0), h.allocate, h.fill("bbbb"), nil)
	require.NoError(t, err)
	require.Equal(t, slot, again)
	assert.Equal(t, "bbbb", b.contents)

	assert.Equal(t, 1, c.UnlockFrame(lockmask.Bit(0)))
	assert.False(t, b.destroyed)
	assert.Empty(t, h.destroyed)
	assert.Zero(t, c.Stats().Disposed)
	assert.Equal(t, 1, c.Len())
}

func TestSubstitute(t *testing.T) {
	c, h := newTestCache(t)

	slot, _, err := c.RequireItem(3, layoutA, lockmask.Bit(0)|lockmask.Bit(4), h.allocate, h.fill("s"), nil)
	require.NoError(t, err)

	require.NoError(t, c.Substitute(slot, lockmask.Bit(4), lockmask.Bit(5)))
	assert.Equal(t, lockmask.Bit(0)|lockmask.Bit(5), c.LockOf(slot))

	require.NoError(t, c.Substitute(slot, lockmask.Contexts, Permanent))
	assert.Equal(t, Permanent, c.LockOf(slot))

	assert.ErrorIs(t, c.Substitute(99, 0, 1), ErrInvalidSlot)
	assert.ErrorIs(t, c.MarkDispose(-1, 0), ErrInvalidSlot)
}

func TestAllocateFailure(t *testing.T) {
	c, h := newTestCache(t)
	boom := errors.New("out of memory")

	_, _, err := c.RequireItem(1, layoutA, 0b1, func(Slot) (*buffer, error) { return nil, boom }, h.fill("x"), nil)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 0, c.Stats().Indexed)
	_, ok := c.Lookup(1)
	assert.False(t, ok)

	s, _, err := c.RequireItem(1, layoutA, 0b1, h.allocate, h.fill("x"), nil)
	require.NoError(t, err)
	assert.Equal(t, Slot(0), s)
}

func TestFillFailureKeepsPayload(t *testing.T) {
	c, h := newTestCache(t)
	boom := errors.New("upload failed")

	_, _, err := c.RequireItem(1, layoutA, 0b1, h.allocate, func(Slot, *buffer) error { return boom }, nil)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, c.Stats().Free)
	_, ok := c.Lookup(1)
	assert.False(t, ok)

	s, b, err := c.RequireItem(1, layoutA, 0b1, h.allocate, h.fill("ok"), nil)
	require.NoError(t, err)
	assert.Equal(t, Slot(0), s)
	assert.Equal(t, 1, b.id, "payload kept after fill failure")
}

func TestClear(t *testing.T) {
	c, h := newTestCache(t)
	for i := uint64(0); i < 4; i++ {
		_, _, err := c.RequireItem(i, layoutA, Permanent, h.allocate, h.fill("x"), nil)
		require.NoError(t, err)
	}

	assert.Equal(t, 4, c.Clear(true))
	assert.Len(t, h.destroyed, 4)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 0, c.Indexed())

	h.destroyed = nil
	_, _, err := c.RequireItem(1, layoutA, Permanent, h.allocate, h.fill("x"), nil)
	require.NoError(t, err)
	assert.Zero(t, c.Clear(false))
	assert.Empty(t, h.destroyed)
}

func TestSharedLockTable(t *testing.T) {
	locks := lockmask.NewTable(64)
	h := &harness{}
	a := New(Config[*buffer]{Name: "a", Locks: locks})
	b := New(Config[*buffer]{Name: "b", Locks: locks})

	sa, _, err := a.RequireItem(1, layoutA, 0b11, h.allocate, nil, nil)
	require.NoError(t, err)
	sb, _, err := b.RequireItem(1, layoutA, 0b11, h.allocate, nil, nil)
	require.NoError(t, err)

	// One bundle serves both items; unlocking through either cache
	// releases both.
	assert.Equal(t, 2, locks.Live())
	a.Unlock(0b11)
	assert.False(t, a.HasAny(sa, lockmask.Contexts))
	assert.False(t, b.HasAny(sb, lockmask.Contexts))
}

func TestConcurrentSameHashSingleItem(t *testing.T) {
	c, h := newTestCache(t)

	const workers = 16
	slots := make([]Slot, workers)
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			s, _, err := c.RequireItem(42, layoutA, lockmask.Bit(w%8), h.allocate, h.fill("shared"), nil)
			slots[w] = s
			return err
		})
	}
	require.NoError(t, g.Wait())

	for _, s := range slots {
		assert.Equal(t, slots[0], s)
	}
	assert.EqualValues(t, 1, h.fills.Load())
	assert.Equal(t, 1, h.allocs)

	var want LockMask
	for w := 0; w < 8; w++ {
		want |= lockmask.Bit(w)
	}
	assert.Equal(t, want, c.LockOf(slots[0]))
}

func TestConcurrentFrames(t *testing.T) {
	c, h := newTestCache(t)

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		g.Go(func() error {
			bit := lockmask.Bit(w)
			for frame := 0; frame < 50; frame++ {
				for k := uint64(0); k < 16; k++ {
					if _, _, err := c.RequireItem(k*31+uint64(frame%4), layoutA, bit, h.allocate, h.fill("f"), nil); err != nil {
						return err
					}
				}
				c.UnlockFrame(bit)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	c.UnlockFrame(lockmask.Contexts)

	st := c.Stats()
	assert.Equal(t, 0, st.Indexed)
	assert.Equal(t, st.Live, st.Free)
}

func TestKeylessReusesUnlockedSlots(t *testing.T) {
	h := &harness{}
	k := NewKeyless(Config[*buffer]{Name: "uniforms", Destroy: h.destroy})

	s0, _, err := k.RequireSlot(layoutA, 0b1, h.allocate)
	require.NoError(t, err)
	s1, _, err := k.RequireSlot(layoutA, 0b1, h.allocate)
	require.NoError(t, err)
	assert.NotEqual(t, s0, s1)

	k.Unlock(0b1)
	s2, _, err := k.RequireSlot(layoutA, 0b10, h.allocate)
	require.NoError(t, err)
	assert.Equal(t, s0, s2)
	assert.Equal(t, 2, h.allocs)

	assert.Equal(t, 1, k.UnlockFrame(0b1))
	s3, _, err := k.RequireSlot(layoutA, 0b10, h.allocate)
	require.NoError(t, err)
	assert.Equal(t, s1, s3)

	st := k.Stats()
	assert.Equal(t, 2, st.Live)
	assert.EqualValues(t, 4, st.Misses)
	require.NoError(t, k.Check())

	assert.Equal(t, 2, k.Clear(true))
	assert.Len(t, h.destroyed, 2)
}

func BenchmarkRequireItemHit(b *testing.B) {
	h := &harness{}
	c := New(Config[*buffer]{})
	fill := h.fill("bench")
	for i := uint64(0); i < 256; i++ {
		if _, _, err := c.RequireItem(i, layoutA, 0b1, h.allocate, fill, nil); err != nil {
			b.Fatal(err)
		}
	}
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		var i uint64
		for pb.Next() {
			_, _, _ = c.RequireItem(i&255, layoutA, 0b1, h.allocate, fill, nil)
			i++
		}
	})
}
