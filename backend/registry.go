package backend

import (
	"errors"
	"sort"
	"sync"
)

// Factory creates a new device instance.
type Factory func() Device

// registry holds registered devices.
var (
	registryMu sync.RWMutex
	factories  = make(map[string]Factory)
	// Priority order for device selection (first available wins).
	// Native > Software (Software is the fallback).
	priority = []string{BackendNative, BackendSoftware}
)

// Register registers a device factory with the given name.
// This is typically called from init() functions in backend packages.
// If a factory with the same name is already registered, it will be replaced.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[name] = factory
}

// Unregister removes a factory from the registry.
// This is useful for testing.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(factories, name)
}

// Available returns the registered names in sorted order.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsRegistered checks if a factory with the given name is registered.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := factories[name]
	return ok
}

// Get returns a device instance by name.
// Returns nil if the name is not registered.
func Get(name string) Device {
	registryMu.RLock()
	factory, ok := factories[name]
	registryMu.RUnlock()
	if !ok {
		return nil
	}
	return factory()
}

// Default returns a device from the highest-priority registered factory.
// Returns nil if no factories are registered.
func Default() Device {
	for _, name := range candidates() {
		if d := Get(name); d != nil {
			return d
		}
	}
	return nil
}

// InitDefault returns the first device, in priority order, whose Init
// succeeds. The errors of the devices that failed are joined into the
// returned error when none succeeds.
func InitDefault() (Device, error) {
	var errs []error
	for _, name := range candidates() {
		d := Get(name)
		if d == nil {
			continue
		}
		if err := d.Init(); err != nil {
			errs = append(errs, err)
			continue
		}
		return d, nil
	}
	if len(errs) == 0 {
		return nil, ErrBackendNotAvailable
	}
	return nil, errors.Join(append([]error{ErrBackendNotAvailable}, errs...)...)
}

// candidates lists registered names, priority names first.
func candidates() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(factories))
	seen := make(map[string]bool, len(priority))
	for _, name := range priority {
		if _, ok := factories[name]; ok {
			names = append(names, name)
			seen[name] = true
		}
	}
	rest := make([]string, 0, len(factories))
	for name := range factories {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(names, rest...)
}

// MustDefault returns the default device or panics.
func MustDefault() Device {
	d := Default()
	if d == nil {
		panic("backend: no device available")
	}
	return d
}
