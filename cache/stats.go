package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
)

// ErrInvalidSlot is returned for slots that are not in use.
var ErrInvalidSlot = errors.New("cache: invalid slot")

// Stats holds cache statistics.
type Stats struct {
	// Live is the number of slots in use, purged slots included.
	Live int
	// Free is the number of purged slots ready for reuse.
	Free int
	// Capacity is the number of slots storage can hold without growing.
	Capacity int
	// Indexed is the number of published items (keyed caches only).
	Indexed int

	Hits        uint64
	Misses      uint64
	Allocations uint64

	// Recycled counts misses served from a purged slot.
	Recycled uint64

	// Reused counts misses served by the declaration-order scan.
	Reused uint64

	Purged   uint64
	Disposed uint64
	HitRate  float64
}

type counters struct {
	hits        atomic.Uint64
	misses      atomic.Uint64
	allocations atomic.Uint64
	recycled    atomic.Uint64
	reused      atomic.Uint64
	purged      atomic.Uint64
	disposed    atomic.Uint64
}

func (c *counters) snapshot() Stats {
	st := Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Allocations: c.allocations.Load(),
		Recycled:    c.recycled.Load(),
		Reused:      c.reused.Load(),
		Purged:      c.purged.Load(),
		Disposed:    c.disposed.Load(),
	}
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits) / float64(total)
	}
	return st
}

// ResetStats resets all statistics counters to zero.
func (s *store[T]) ResetStats() {
	s.stats.hits.Store(0)
	s.stats.misses.Store(0)
	s.stats.allocations.Store(0)
	s.stats.recycled.Store(0)
	s.stats.reused.Store(0)
	s.stats.purged.Store(0)
	s.stats.disposed.Store(0)
}

// discard is a slog.Handler that silently discards all log records.
type discard struct{}

func (discard) Enabled(context.Context, slog.Level) bool  { return false }
func (discard) Handle(context.Context, slog.Record) error { return nil }
func (discard) WithAttrs([]slog.Attr) slog.Handler        { return discard{} }
func (discard) WithGroup(string) slog.Handler             { return discard{} }
