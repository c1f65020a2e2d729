package gpucore

import (
	"fmt"

	"github.com/gogpu/gputypes"
)

// ResourceKind tells buffers and textures apart.
type ResourceKind uint8

const (
	// KindBuffer is a linear GPU buffer.
	KindBuffer ResourceKind = iota + 1
	// KindTexture is a GPU texture with mip levels and array layers.
	KindTexture
)

// String returns the kind name.
func (k ResourceKind) String() string {
	switch k {
	case KindBuffer:
		return "buffer"
	case KindTexture:
		return "texture"
	default:
		return fmt.Sprintf("ResourceKind(%d)", uint8(k))
	}
}

// Resource is a backend-owned GPU resource handle.
//
// Implementations are created by a backend device and are opaque to the
// cache. Subresources reports how many individually tracked parts the
// resource has (1 for buffers, mips*layers for textures).
type Resource interface {
	Kind() ResourceKind
	Label() string
	Subresources() uint32
}

// View is a backend-owned texture view handle.
type View interface {
	Label() string
}

// BufferDesc describes a buffer to create.
type BufferDesc struct {
	// Label is an optional debug label.
	Label string

	// Size is the buffer size in bytes.
	Size uint64

	// Usage lists the ways the buffer will be used.
	Usage gputypes.BufferUsage
}

// TextureDesc describes a texture to create.
type TextureDesc struct {
	// Label is an optional debug label.
	Label string

	// Width and Height are in texels.
	Width  uint32
	Height uint32

	// DepthOrArrayLayers is the array layer count for 2D textures.
	// Zero is treated as one.
	DepthOrArrayLayers uint32

	// MipLevelCount is the number of mip levels. Zero is treated as one.
	MipLevelCount uint32

	// SampleCount is the MSAA sample count. Zero is treated as one.
	SampleCount uint32

	// Dimension defaults to 2D.
	Dimension gputypes.TextureDimension

	// Format is the texel format.
	Format gputypes.TextureFormat

	// Usage lists the ways the texture will be used.
	Usage gputypes.TextureUsage
}

// Normalized returns a copy with zero counts replaced by one and an unset
// dimension replaced by 2D.
func (d TextureDesc) Normalized() TextureDesc {
	if d.DepthOrArrayLayers == 0 {
		d.DepthOrArrayLayers = 1
	}
	if d.MipLevelCount == 0 {
		d.MipLevelCount = 1
	}
	if d.SampleCount == 0 {
		d.SampleCount = 1
	}
	if d.Dimension == 0 {
		d.Dimension = gputypes.TextureDimension2D
	}
	return d
}

// Subresources returns mips * layers for the texture.
func (d TextureDesc) Subresources() uint32 {
	n := d.Normalized()
	return n.MipLevelCount * n.DepthOrArrayLayers
}

// Subresource returns the subresource index of a mip level and array layer.
func (d TextureDesc) Subresource(mip, layer uint32) int {
	n := d.Normalized()
	return int(layer*n.MipLevelCount + mip)
}

// ViewDesc describes a view onto part of a texture.
type ViewDesc struct {
	// Label is an optional debug label.
	Label string

	// Format defaults to the texture's format.
	Format gputypes.TextureFormat

	// BaseMipLevel and MipLevelCount select mip levels. A zero count
	// selects every level from BaseMipLevel on.
	BaseMipLevel  uint32
	MipLevelCount uint32

	// BaseArrayLayer and ArrayLayerCount select array layers. A zero count
	// selects every layer from BaseArrayLayer on.
	BaseArrayLayer  uint32
	ArrayLayerCount uint32
}
