// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package backend

import (
	"errors"
	"time"

	"github.com/gogpu/framecache/gpucore"
)

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not available.
	ErrBackendNotAvailable = errors.New("backend: not available")

	// ErrNotInitialized is returned when operations are called before Init.
	ErrNotInitialized = errors.New("backend: not initialized")

	// ErrDeviceLost is returned once the device has invalidated its context.
	// Every resource created by the device is gone.
	ErrDeviceLost = errors.New("backend: device lost")

	// ErrCreateFailed is returned when the device refuses to create a resource.
	ErrCreateFailed = errors.New("backend: resource creation failed")

	// ErrForeignResource is returned when a resource, view or encoder was
	// created by a different device.
	ErrForeignResource = errors.New("backend: resource belongs to another device")
)

// Device is the collaborator contract the frame cache drives.
//
// It covers three concerns: resource creation, command recording and the
// completion counter. The completion counter is a single monotonically
// increasing value; Submit asks the device to advance it to signal once the
// submitted work has finished.
//
// Implementations must be safe for concurrent use, except that an Encoder
// is only used by one goroutine at a time.
type Device interface {
	// Name returns the backend identifier (e.g., "software", "native").
	Name() string

	// Init initializes the device.
	// This should be called before any other operation.
	Init() error

	// Close releases all device resources.
	// The device should not be used after Close is called.
	Close()

	// CreateBuffer creates a buffer.
	CreateBuffer(desc gpucore.BufferDesc) (gpucore.Resource, error)

	// CreateTexture creates a texture.
	CreateTexture(desc gpucore.TextureDesc) (gpucore.Resource, error)

	// CreateView creates a view onto a texture.
	CreateView(tex gpucore.Resource, desc gpucore.ViewDesc) (gpucore.View, error)

	// DestroyResource releases a buffer or texture. The caller guarantees
	// that no pending work references it.
	DestroyResource(r gpucore.Resource)

	// DestroyView releases a view.
	DestroyView(v gpucore.View)

	// WriteBuffer uploads data into a buffer at offset.
	WriteBuffer(buf gpucore.Resource, offset uint64, data []byte) error

	// NewEncoder creates a command encoder ready for recording.
	NewEncoder(label string) (Encoder, error)

	// Submit hands the recorded commands to the device. The completion
	// counter reaches signal once they have finished. The encoder may be
	// Reset and reused after Submit returns.
	Submit(enc Encoder, signal uint64) error

	// Completed returns the current completion counter.
	Completed() uint64

	// Wait blocks until the completion counter reaches value or timeout
	// elapses. It reports whether the value was reached.
	Wait(value uint64, timeout time.Duration) (bool, error)

	// Health returns ErrDeviceLost (possibly wrapped) once the device has
	// been lost, nil otherwise.
	Health() error
}

// Encoder records commands for one execution context.
type Encoder interface {
	// Transition records state transitions. The slice is not retained.
	Transition(transitions []gpucore.Transition)

	// Reset rewinds the encoder so it can record the next batch.
	Reset() error
}
