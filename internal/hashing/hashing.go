// Package hashing computes the content hashes used as cache keys.
//
// The hash mixes input in 8-byte little-endian blocks into a running
// multiplicative/additive accumulator. It is order dependent and fast, and
// it is not cryptographic: distinct inputs can collide.
package hashing

import (
	"encoding/binary"
	"math/bits"
)

const (
	prime64  = 0x100000001b3
	offset64 = 0xcbf29ce484222325
	mixMul1  = 0xff51afd7ed558ccd
	mixMul2  = 0xc4ceb9fe1a85ec53
)

// Seed is the initial accumulator value.
const Seed uint64 = offset64

// Hasher accumulates a hash incrementally. The zero value is not ready;
// use New.
type Hasher struct {
	h uint64
	n uint64
}

// New returns a Hasher starting from seed.
func New(seed uint64) Hasher { return Hasher{h: seed} }

// Write folds data into the hash.
func (s *Hasher) Write(data []byte) {
	s.h = mixBytes(s.h, data)
	s.n += uint64(len(data))
}

// WriteUint64 folds a single value as one block.
func (s *Hasher) WriteUint64(v uint64) {
	s.h = step(s.h, v)
	s.n += 8
}

// WriteUint32 folds a single 32-bit value as one block.
func (s *Hasher) WriteUint32(v uint32) { s.WriteUint64(uint64(v)) }

// Sum returns the finalized hash. The Hasher may keep being written to.
func (s *Hasher) Sum() uint64 { return finalize(s.h ^ s.n) }

// Bytes hashes data from seed.
func Bytes(data []byte, seed uint64) uint64 {
	return finalize(mixBytes(seed, data) ^ uint64(len(data)))
}

// Combine mixes two hashes in order: Combine(a, b) != Combine(b, a).
func Combine(a, b uint64) uint64 {
	return finalize(step(step(Seed, a), b))
}

func mixBytes(h uint64, data []byte) uint64 {
	for len(data) >= 8 {
		h = step(h, binary.LittleEndian.Uint64(data))
		data = data[8:]
	}
	for _, b := range data {
		h = (h ^ uint64(b)) * prime64
	}
	return h
}

func step(h, block uint64) uint64 {
	h = (h ^ block) * prime64
	return bits.RotateLeft64(h, 29) + offset64
}

func finalize(h uint64) uint64 {
	h ^= h >> 33
	h *= mixMul1
	h ^= h >> 33
	h *= mixMul2
	h ^= h >> 33
	return h
}
