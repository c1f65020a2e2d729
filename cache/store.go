package cache

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/gogpu/framecache/internal/lockmask"
	"github.com/gogpu/framecache/internal/rangealloc"
)

// LockMask is the set of execution contexts that still read an item.
type LockMask = lockmask.Mask

// Permanent marks an item as resident: it is never unlocked by a frame.
const Permanent = lockmask.Permanent

// Slot is a stable handle to a cache slot. Slots survive storage growth;
// a slot is only recycled after its item is fully unlocked.
type Slot int32

// InvalidSlot is returned alongside errors.
const InvalidSlot Slot = -1

// noLock marks an empty slot.
const noLock int32 = -1

// Allocate performs the first-time setup of a slot's payload, typically
// creating the hardware resource.
type Allocate[T any] func(slot Slot) (T, error)

// Fill writes content into a freshly allocated or recycled payload.
type Fill[T any] func(slot Slot, payload T) error

// OnHit is called when a lookup is satisfied by an existing item.
type OnHit[T any] func(slot Slot, payload T)

// item is one cache slot.
//
// The hash fields and payload are written only under the store mutex while
// the item is unpublished; lockID is the only field touched without it.
type item[T any] struct {
	slot        Slot
	contentHash uint64
	layoutHash  uint64
	payload     T
	lockID      atomic.Int32
	allocated   bool
	indexed     bool
	dispose     bool
}

// Config configures a cache.
type Config[T any] struct {
	// Name labels log records.
	Name string

	// Locks is the bundle table shared by every cache of one orchestrator.
	// Nil creates a private table of lockmask.DefaultCapacity bundles.
	Locks *lockmask.Table

	// Destroy releases a payload. It runs for disposed items and on Clear.
	Destroy func(T)

	// Logger receives debug records for misses and growth. Nil discards.
	Logger *slog.Logger
}

// store is the slot machinery shared by the keyed and keyless caches.
type store[T any] struct {
	name    string
	locks   *lockmask.Table
	destroy func(T)
	log     *slog.Logger

	mu     sync.Mutex
	pool   rangealloc.Pool[item[T]]
	purged map[uint64][]Slot

	// unpublish removes an unlocked item from the content index. It
	// reports false when the item was relocked first.
	unpublish func(it *item[T]) bool

	stats counters
}

func (s *store[T]) init(cfg Config[T]) {
	s.name = cfg.Name
	s.locks = cfg.Locks
	if s.locks == nil {
		s.locks = lockmask.NewTable(lockmask.DefaultCapacity)
	}
	s.destroy = cfg.Destroy
	s.log = cfg.Logger
	if s.log == nil {
		s.log = slog.New(discard{})
	}
	s.purged = make(map[uint64][]Slot)
}

// Locks returns the bundle table used by the cache.
func (s *store[T]) Locks() *lockmask.Table { return s.locks }

// at returns the item of a slot. Callers hold mu.
func (s *store[T]) at(slot Slot) *item[T] {
	return s.pool.At(int(slot))
}

func (s *store[T]) valid(slot Slot) bool {
	return slot >= 0 && s.pool.IsLive(int(slot))
}

// unlocked reports whether it holds a lock whose bundle no longer
// references any context.
func (s *store[T]) unlocked(it *item[T]) bool {
	id := it.lockID.Load()
	return id != noLock && s.locks.IsUnlocked(id)
}

// takeSlot finds a slot for layout: a purged slot of that layout first,
// then the first unlocked slot of that layout in declaration order, then a
// new slot. Callers hold mu.
func (s *store[T]) takeSlot(layout uint64) (*item[T], bool) {
	if free := s.purged[layout]; len(free) > 0 {
		slot := free[0]
		if len(free) == 1 {
			delete(s.purged, layout)
		} else {
			s.purged[layout] = free[1:]
		}
		s.stats.recycled.Add(1)
		return s.at(slot), true
	}

	for h := 0; h < s.pool.Cap(); h++ {
		if !s.pool.IsLive(h) {
			continue
		}
		it := s.pool.At(h)
		if it.layoutHash != layout || it.dispose || !it.allocated || !s.unlocked(it) {
			continue
		}
		if !s.evict(it) {
			continue
		}
		s.stats.reused.Add(1)
		return it, true
	}

	before := s.pool.Cap()
	h := s.pool.Acquire()
	if s.pool.Cap() != before {
		s.log.Debug("cache: storage grown", "cache", s.name, "from", before, "to", s.pool.Cap())
	}
	it := s.pool.At(h)
	it.slot = Slot(h)
	it.lockID.Store(noLock)
	return it, false
}

// evict takes an unlocked item out of the index and drops its lock.
// Callers hold mu.
func (s *store[T]) evict(it *item[T]) bool {
	if it.indexed {
		if !s.unpublish(it) {
			return false
		}
		it.indexed = false
	}
	id := it.lockID.Swap(noLock)
	if id != noLock {
		s.locks.Release(id)
	}
	return true
}

// install locks a taken slot and runs allocate when the payload does not
// exist yet. On failure the slot is returned to the free lists.
func (s *store[T]) install(it *item[T], recycled bool, layout uint64, lockBits LockMask, allocate Allocate[T]) error {
	if recycled && it.layoutHash != layout {
		// Purged slots are filed by layout, so this is a programming error.
		panic(fmt.Sprintf("cache %s: slot %d layout %#x filed under %#x", s.name, it.slot, it.layoutHash, layout))
	}
	it.layoutHash = layout

	id, err := s.locks.RequireLock(lockBits)
	if err != nil {
		s.giveBack(it)
		return fmt.Errorf("cache %s: lock %v: %w", s.name, lockBits, err)
	}
	it.lockID.Store(id)

	if !it.allocated {
		payload, err := allocate(it.slot)
		if err != nil {
			s.giveBack(it)
			return err
		}
		it.payload = payload
		it.allocated = true
		s.stats.allocations.Add(1)
	}
	return nil
}

// giveBack returns a slot that could not be installed. Allocated payloads
// stay in the purged list of their layout; empty slots go back to the pool.
func (s *store[T]) giveBack(it *item[T]) {
	if id := it.lockID.Swap(noLock); id != noLock {
		s.locks.Release(id)
	}
	if it.allocated {
		s.file(it)
		return
	}
	s.pool.Release(int(it.slot))
}

// file records an empty allocated slot as reusable, keeping each layout
// list sorted so the lowest slot is reused first.
func (s *store[T]) file(it *item[T]) {
	free := s.purged[it.layoutHash]
	i := sort.Search(len(free), func(i int) bool { return free[i] >= it.slot })
	free = append(free, 0)
	copy(free[i+1:], free[i:])
	free[i] = it.slot
	s.purged[it.layoutHash] = free
}

// Unlock clears the context bits of mask from every lock bundle.
func (s *store[T]) Unlock(mask LockMask) {
	s.locks.Unlock(mask)
}

// UnlockFrame unlocks the contexts in mask and purges what became free.
// It returns the number of purged items.
func (s *store[T]) UnlockFrame(mask LockMask) int {
	s.Unlock(mask)
	return s.PurgeUnlocked()
}

// PurgeUnlocked resets every fully unlocked item to an empty, immediately
// reusable slot. Items marked for disposal are destroyed and their slots
// returned to storage. It returns the number of purged items.
func (s *store[T]) PurgeUnlocked() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for h := 0; h < s.pool.Cap(); h++ {
		if !s.pool.IsLive(h) {
			continue
		}
		it := s.pool.At(h)
		if !s.unlocked(it) || !s.evict(it) {
			continue
		}
		n++
		if it.dispose {
			if it.allocated && s.destroy != nil {
				s.destroy(it.payload)
			}
			s.stats.disposed.Add(1)
			s.pool.Release(h)
			continue
		}
		s.file(it)
	}
	if n > 0 {
		s.stats.purged.Add(uint64(n))
	}
	return n
}

// Substitute re-tags the lock of slot: the new mask is the current mask
// without oldBits, plus newMask. A Permanent item substituted with
// (Permanent, inflight) becomes unlockable once inflight completes.
func (s *store[T]) Substitute(slot Slot, oldBits, newMask LockMask) error {
	s.mu.Lock()
	if !s.valid(slot) {
		s.mu.Unlock()
		return fmt.Errorf("cache %s: slot %d: %w", s.name, slot, ErrInvalidSlot)
	}
	it := s.at(slot)
	s.mu.Unlock()
	return s.substitute(it, oldBits, newMask)
}

func (s *store[T]) substitute(it *item[T], oldBits, newMask LockMask) error {
	for {
		cur := it.lockID.Load()
		if cur == noLock {
			return fmt.Errorf("cache %s: slot %d is empty: %w", s.name, it.slot, ErrInvalidSlot)
		}
		want := (s.locks.Handles(cur) &^ oldBits) | newMask
		id, err := s.locks.RequireLock(want)
		if err != nil {
			return fmt.Errorf("cache %s: lock %v: %w", s.name, want, err)
		}
		if id == cur {
			s.locks.Release(id)
			return nil
		}
		if it.lockID.CompareAndSwap(cur, id) {
			s.locks.Release(cur)
			return nil
		}
		s.locks.Release(id)
	}
}

// MarkDispose schedules slot for destruction once every context in
// inflight has completed. The item stays resolvable until then. A slot
// that was already purged is left untouched.
func (s *store[T]) MarkDispose(slot Slot, inflight LockMask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.valid(slot) {
		return fmt.Errorf("cache %s: slot %d: %w", s.name, slot, ErrInvalidSlot)
	}
	it := s.at(slot)
	if err := s.substitute(it, Permanent, inflight&lockmask.Contexts); err != nil {
		return err
	}
	it.dispose = true
	return nil
}

// HasAny reports whether slot is still locked by any context of mask.
func (s *store[T]) HasAny(slot Slot, mask LockMask) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.valid(slot) {
		return false
	}
	id := s.at(slot).lockID.Load()
	return id != noLock && s.locks.HasAny(id, mask)
}

// LockOf returns the current lock mask of slot.
func (s *store[T]) LockOf(slot Slot) LockMask {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.valid(slot) {
		return 0
	}
	id := s.at(slot).lockID.Load()
	if id == noLock {
		return 0
	}
	return s.locks.Handles(id)
}

// Payload returns the payload of slot.
func (s *store[T]) Payload(slot Slot) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.valid(slot) || !s.at(slot).allocated {
		var zero T
		return zero, false
	}
	return s.at(slot).payload, true
}

// Len returns the number of slots in use, purged slots included.
func (s *store[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool.Live()
}

// Check verifies the slot storage invariants.
func (s *store[T]) Check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.pool.Check(); err != nil {
		return fmt.Errorf("cache %s: %w", s.name, err)
	}
	for layout, free := range s.purged {
		for i, slot := range free {
			if i > 0 && free[i-1] >= slot {
				return fmt.Errorf("cache %s: purged list %#x not sorted", s.name, layout)
			}
			it := s.at(slot)
			if it.lockID.Load() != noLock || it.indexed {
				return fmt.Errorf("cache %s: purged slot %d still locked or indexed", s.name, slot)
			}
		}
	}
	return nil
}

// clear drops every item, destroying payloads when destroy is set.
// Callers hold mu.
func (s *store[T]) clear(destroy bool) int {
	n := 0
	for h := 0; h < s.pool.Cap(); h++ {
		if !s.pool.IsLive(h) {
			continue
		}
		it := s.pool.At(h)
		if id := it.lockID.Swap(noLock); id != noLock {
			s.locks.Release(id)
		}
		if destroy && it.allocated && s.destroy != nil {
			s.destroy(it.payload)
			n++
		}
	}
	s.pool.Reset()
	clear(s.purged)
	return n
}

// Keyless is a cache without a content index. Slots are matched by layout
// only; it serves transient data that is rewritten every use.
type Keyless[T any] struct {
	store[T]
}

// NewKeyless creates a keyless cache.
func NewKeyless[T any](cfg Config[T]) *Keyless[T] {
	k := &Keyless[T]{}
	k.init(cfg)
	k.unpublish = func(*item[T]) bool { return true }
	return k
}

// RequireSlot returns a slot of the given layout locked for lockBits,
// reusing an unlocked one when possible.
func (k *Keyless[T]) RequireSlot(layoutHash uint64, lockBits LockMask, allocate Allocate[T]) (Slot, T, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	it, recycled := k.takeSlot(layoutHash)
	if err := k.install(it, recycled, layoutHash, lockBits, allocate); err != nil {
		var zero T
		return InvalidSlot, zero, err
	}
	k.stats.misses.Add(1)
	return it.slot, it.payload, nil
}

// Clear drops every slot. With destroy set, payloads are destroyed.
func (k *Keyless[T]) Clear(destroy bool) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.clear(destroy)
}

// Stats returns a snapshot of the cache counters.
func (k *Keyless[T]) Stats() Stats {
	k.mu.Lock()
	defer k.mu.Unlock()
	st := k.stats.snapshot()
	st.Live = k.pool.Live()
	st.Capacity = k.pool.Cap()
	for _, free := range k.purged {
		st.Free += len(free)
	}
	return st
}
