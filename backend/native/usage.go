//go:build !nogpu

package native

import (
	"github.com/gogpu/gputypes"

	"github.com/gogpu/framecache/gpucore"
)

// TextureUsage maps a tracked state to the HAL texture usage it implies.
// StateCommon maps to zero, the undefined layout.
func TextureUsage(s gpucore.ResourceState) gputypes.TextureUsage {
	s = s.Unlocked()
	var u gputypes.TextureUsage
	if s&gpucore.StateShaderRead != 0 {
		u |= gputypes.TextureUsageTextureBinding
	}
	if s&gpucore.StateStorage != 0 {
		u |= gputypes.TextureUsageStorageBinding
	}
	if s&(gpucore.StateRenderTarget|gpucore.StateDepthWrite|gpucore.StateDepthRead|gpucore.StatePresent) != 0 {
		u |= gputypes.TextureUsageRenderAttachment
	}
	if s&gpucore.StateCopySrc != 0 {
		u |= gputypes.TextureUsageCopySrc
	}
	if s&gpucore.StateCopyDst != 0 {
		u |= gputypes.TextureUsageCopyDst
	}
	return u
}

// BufferUsage maps a tracked state to the HAL buffer usage it implies.
func BufferUsage(s gpucore.ResourceState) gputypes.BufferUsage {
	s = s.Unlocked()
	var u gputypes.BufferUsage
	if s&gpucore.StateVertexBuffer != 0 {
		u |= gputypes.BufferUsageVertex
	}
	if s&gpucore.StateIndexBuffer != 0 {
		u |= gputypes.BufferUsageIndex
	}
	if s&gpucore.StateUniform != 0 {
		u |= gputypes.BufferUsageUniform
	}
	if s&(gpucore.StateStorage|gpucore.StateShaderRead) != 0 {
		u |= gputypes.BufferUsageStorage
	}
	if s&gpucore.StateIndirect != 0 {
		u |= gputypes.BufferUsageIndirect
	}
	if s&gpucore.StateCopySrc != 0 {
		u |= gputypes.BufferUsageCopySrc
	}
	if s&gpucore.StateCopyDst != 0 {
		u |= gputypes.BufferUsageCopyDst
	}
	return u
}
