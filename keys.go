// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package framecache

import (
	"math/bits"

	"github.com/gogpu/framecache/gpucore"
	"github.com/gogpu/framecache/internal/hashing"
)

// minBufferClass is the smallest buffer size class.
const minBufferClass = 256

// Seeds keep the key spaces of the different caches apart.
const (
	bufferSeed  = hashing.Seed ^ 0x62756666
	viewSeed    = hashing.Seed ^ 0x76696577
	textureSeed = hashing.Seed ^ 0x74657874
)

// sizeClass rounds n up to a power of two of at least minBufferClass.
// Buffers of one class and usage share slots.
func sizeClass(n uint64) uint64 {
	if n <= minBufferClass {
		return minBufferClass
	}
	return 1 << bits.Len64(n-1)
}

func bufferKey(desc gpucore.BufferDesc, data []byte) uint64 {
	h := hashing.New(bufferSeed)
	h.WriteUint64(desc.Size)
	h.WriteUint64(uint64(desc.Usage))
	h.Write(data)
	return h.Sum()
}

func bufferLayout(class uint64, desc gpucore.BufferDesc) uint64 {
	return hashing.Combine(class, uint64(desc.Usage))
}

// viewKey identifies a view by texture identity and subresource range.
// Texture ids are never reused, so a recycled tracker handle cannot hit a
// view of the texture it used to name.
func viewKey(textureID uint64, desc gpucore.ViewDesc) uint64 {
	h := hashing.New(viewSeed)
	h.WriteUint64(textureID)
	h.WriteUint64(uint64(desc.Format))
	h.WriteUint32(desc.BaseMipLevel)
	h.WriteUint32(desc.MipLevelCount)
	h.WriteUint32(desc.BaseArrayLayer)
	h.WriteUint32(desc.ArrayLayerCount)
	return h.Sum()
}

func textureLayout(desc gpucore.TextureDesc) uint64 {
	n := desc.Normalized()
	h := hashing.New(textureSeed)
	h.WriteUint32(n.Width)
	h.WriteUint32(n.Height)
	h.WriteUint32(n.DepthOrArrayLayers)
	h.WriteUint32(n.MipLevelCount)
	h.WriteUint32(n.SampleCount)
	h.WriteUint64(uint64(n.Dimension))
	h.WriteUint64(uint64(n.Format))
	h.WriteUint64(uint64(n.Usage))
	return h.Sum()
}
