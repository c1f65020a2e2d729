// Package backend provides the device abstraction the frame cache drives.
//
// A [Device] creates and destroys GPU resources, records state transitions
// through an [Encoder], and exposes a completion counter that advances as
// submitted work finishes. The frame cache never touches a graphics API
// directly.
//
// # Device Registration
//
// Devices are registered via init() functions and selected at runtime.
// The software device is automatically registered on import:
//
//	import _ "github.com/gogpu/framecache/backend"
//
// The native device registers itself when its package is imported:
//
//	import _ "github.com/gogpu/framecache/backend/native"
//
// # Device Selection
//
// Use InitDefault() to get the best device that initializes, or Get() to
// request a specific device by name:
//
//	dev, err := backend.InitDefault()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer dev.Close()
//
//	// Or request a specific device
//	dev := backend.Get("software")
//
// # Available Devices
//
// - "software": in-memory device with fault injection (always available)
// - "native": gogpu/wgpu HAL device, needs a gpucontext.DeviceProvider
package backend
