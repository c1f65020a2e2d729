// Package arena provides a bump-pointer allocator over growable pages for
// short-lived per-frame scratch data.
//
// Clear rewinds every page without freeing it, so a frame that needs the
// same amount of scratch as the previous one allocates nothing.
package arena

// Default sizing.
const (
	// DefaultAlignment is the allocation alignment used when none is given.
	DefaultAlignment = 16

	// MinPageSize is the smallest page the arena creates.
	MinPageSize = 64 * 1024

	// pageAlignment rounds page sizes.
	pageAlignment = 4096
)

type page struct {
	buf  []byte
	used int
}

// Arena hands out aligned byte slices from a list of pages.
//
// Arena is not safe for concurrent use. Each execution context owns one.
type Arena struct {
	pages     []page
	active    int
	alignment int
	pageSize  int
	used      int
	peak      int
}

// New creates an arena. pageSize is raised to MinPageSize and rounded to 4 KiB;
// alignment must be a power of two and defaults to DefaultAlignment.
func New(pageSize, alignment int) *Arena {
	if alignment <= 0 || alignment&(alignment-1) != 0 {
		alignment = DefaultAlignment
	}
	if pageSize < MinPageSize {
		pageSize = MinPageSize
	}
	return &Arena{
		alignment: alignment,
		pageSize:  alignUp(pageSize, pageAlignment),
	}
}

// Require returns a slice of exactly size bytes, capped so appends cannot
// spill into neighbouring allocations. It is valid until the next Clear.
func (a *Arena) Require(size int) []byte {
	if size <= 0 {
		return nil
	}
	need := alignUp(size, a.alignment)

	for a.active < len(a.pages) {
		p := &a.pages[a.active]
		if len(p.buf)-p.used >= need {
			out := p.buf[p.used : p.used+size : p.used+size]
			p.used += need
			a.track(need)
			return out
		}
		// exhausted: move on, the tail of this page is wasted until Clear
		a.active++
	}

	n := a.pageSize
	if need > n {
		n = alignUp(need, pageAlignment)
	}
	a.pages = append(a.pages, page{buf: make([]byte, n), used: need})
	a.active = len(a.pages) - 1
	a.track(need)
	return a.pages[a.active].buf[:size:size]
}

// Copy stores data in the arena and returns the arena-owned copy.
func (a *Arena) Copy(data []byte) []byte {
	out := a.Require(len(data))
	copy(out, data)
	return out
}

// Clear rewinds all pages. Previously returned slices must not be used.
func (a *Arena) Clear() {
	for i := range a.pages {
		a.pages[i].used = 0
	}
	a.active = 0
	a.used = 0
}

// Used returns the bytes consumed since the last Clear, alignment included.
func (a *Arena) Used() int { return a.used }

// Capacity returns the total size of all pages.
func (a *Arena) Capacity() int {
	total := 0
	for i := range a.pages {
		total += len(a.pages[i].buf)
	}
	return total
}

// Pages returns the number of pages allocated so far.
func (a *Arena) Pages() int { return len(a.pages) }

// Peak returns the highest Used value observed.
func (a *Arena) Peak() int { return a.peak }

func (a *Arena) track(n int) {
	a.used += n
	if a.used > a.peak {
		a.peak = a.used
	}
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
