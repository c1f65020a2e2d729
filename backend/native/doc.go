// Package native provides a frame cache device backed by gogpu/wgpu HAL.
//
// The device does not open a GPU on its own. It borrows the hal.Device and
// hal.Queue of a host application through a gpucontext.DeviceProvider that
// also implements HalDevice() any and HalQueue() any:
//
//	native.SetDeviceProvider(app)
//	dev, err := backend.InitDefault() // "native" if the provider works
//
// Completion is tracked with one timeline fence per device: every Submit
// signals the next value and Wait blocks on it.
//
// Texture state transitions are recorded as HAL texture barriers. Banded
// (partial) transitions are widened to the whole texture. Buffer
// transitions are accepted and dropped; the HAL orders buffer access
// itself.
//
// Building with the nogpu tag leaves the package empty and the native
// backend unregistered.
package native
