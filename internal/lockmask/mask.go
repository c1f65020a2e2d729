// Package lockmask tracks which in-flight execution contexts still reference
// a cached item.
//
// A Mask has one bit per execution context. Items share reference-counted
// bundles: every item locked by the same set of contexts points at the same
// bundle, so unlocking a context touches one word per bundle rather than one
// per item.
package lockmask

import (
	"fmt"
	"math/bits"
	"strings"
)

// Mask is a set of execution contexts. Zero means unlocked.
type Mask uint64

// MaxContexts is the number of context bits available in a Mask.
const MaxContexts = 63

// Permanent marks permanently resident items. Unlock never clears it.
const Permanent Mask = 1 << MaxContexts

// Contexts selects every context bit.
const Contexts Mask = Permanent - 1

// Bit returns the mask for context id.
func Bit(id int) Mask {
	if id < 0 || id >= MaxContexts {
		return 0
	}
	return 1 << uint(id)
}

// Has reports whether context id is in the mask.
func (m Mask) Has(id int) bool { return m&Bit(id) != 0 }

// Any reports whether m and o share a bit.
func (m Mask) Any(o Mask) bool { return m&o != 0 }

// IsZero reports whether no bit is set.
func (m Mask) IsZero() bool { return m == 0 }

// Count returns the number of set bits.
func (m Mask) Count() int { return bits.OnesCount64(uint64(m)) }

// Each calls fn for every context id in ascending order.
func (m Mask) Each(fn func(id int)) {
	rest := uint64(m & Contexts)
	for rest != 0 {
		id := bits.TrailingZeros64(rest)
		fn(id)
		rest &= rest - 1
	}
}

// String formats the mask as a list of context ids.
func (m Mask) String() string {
	if m == 0 {
		return "{}"
	}
	var b strings.Builder
	b.WriteByte('{')
	first := true
	m.Each(func(id int) {
		if !first {
			b.WriteByte(',')
		}
		first = false
		fmt.Fprintf(&b, "%d", id)
	})
	if m&Permanent != 0 {
		if !first {
			b.WriteByte(',')
		}
		b.WriteString("permanent")
	}
	b.WriteByte('}')
	return b.String()
}
