//go:build !nogpu

package native

import "errors"

// Package errors for the native device.
var (
	// ErrNoProvider is returned by Init when no device provider was set.
	ErrNoProvider = errors.New("native: no device provider")

	// ErrNoHAL is returned when the provider does not expose HAL types.
	ErrNoHAL = errors.New("native: provider does not expose hal.Device and hal.Queue")
)
