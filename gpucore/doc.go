// Package gpucore defines the vocabulary shared by the frame cache, the
// resource-state tracker and the device backends.
//
// Nothing in this package talks to a GPU. It describes resources
// ([BufferDesc], [TextureDesc], [ViewDesc]), the access states a resource can
// be in ([ResourceState]) and the state-transition commands ([Transition])
// that the tracker emits and a backend encoder records.
//
// # Subresources
//
// Textures are tracked per subresource. Subresource i of a texture with M mip
// levels addresses mip level i%M of array layer i/M. Buffers have exactly one
// subresource.
//
//	            mip 0   mip 1   mip 2
//	layer 0       0       1       2
//	layer 1       3       4       5
//
// # Transitions
//
// A [Transition] either covers the whole resource or a 32-wide band of
// subresources selected by a bit mask. Backends that cannot express partial
// barriers may widen a banded transition, but must never narrow one.
package gpucore
