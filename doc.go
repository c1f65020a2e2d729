// Package framecache keeps GPU resources alive exactly as long as in-flight
// work reads them, and tracks the hardware state of every texture
// subresource.
//
// # Overview
//
// A renderer records each frame on an execution context. Every context owns
// one bit of a 64-bit lock mask. Resources required while recording are
// locked with that bit; when the device reports the frame's submission
// complete, [Orchestrator.Poll] clears the bit everywhere and whatever is no
// longer locked becomes reusable.
//
// # Quick Start
//
//	orc, err := framecache.New(nil) // best available backend
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer orc.Close()
//
//	tex, _ := orc.CreateTexture(gpucore.TextureDesc{Width: 256, Height: 256, Format: gputypes.TextureFormatRGBA8Unorm})
//
//	f, _ := orc.BeginFrame()
//	vb, _ := f.RequireBuffer(gpucore.BufferDesc{Usage: gputypes.BufferUsageVertex}, vertices)
//	u, _ := f.AllocUniform(params)
//	f.SetState(tex, framecache.Whole, gpucore.StateShaderRead)
//	f.Flush()
//	// ... record draws using vb, u and tex ...
//	f.Submit()
//
//	orc.Poll() // once per frame
//
// # Caches
//
// Buffers and views are content addressed: requiring the same content again
// while some frame still holds it returns the same item. Uniform data is
// sub-allocated from pages that are uploaded once per frame. Textures are
// resident until [Orchestrator.DisposeTexture], which defers destruction
// until every frame that may still read them has completed.
//
// # Device loss
//
// Errors for which [IsFatal] reports true leave the cache set unusable.
// [Orchestrator.Rebuild] discards everything and starts over, optionally on
// a new device.
package framecache

// Version information
const (
	// Version is the current version of the library
	Version = "0.1.0"

	// VersionMajor is the major version
	VersionMajor = 0

	// VersionMinor is the minor version
	VersionMinor = 1

	// VersionPatch is the patch version
	VersionPatch = 0
)
