package framecache

import (
	"errors"
	"fmt"

	"github.com/gogpu/framecache/backend"
	"github.com/gogpu/framecache/internal/execctx"
	"github.com/gogpu/framecache/internal/lockmask"
)

// Error kinds surfaced by the orchestrator. Lower-level errors are wrapped
// so that errors.Is matches both the kind and the original cause.
var (
	// ErrAllocationFailure is returned when the device fails to create a
	// resource.
	ErrAllocationFailure = errors.New("framecache: allocation failure")

	// ErrCapacityExceeded is returned when every execution context is in
	// use or the lock bundle table is full.
	ErrCapacityExceeded = errors.New("framecache: capacity exceeded")

	// ErrDeviceLost is returned once the device invalidated its context.
	// The orchestrator must be rebuilt.
	ErrDeviceLost = errors.New("framecache: device lost")

	// ErrClosed is returned by operations on a closed orchestrator.
	ErrClosed = errors.New("framecache: closed")

	// ErrInvalidRef is returned for refs that were never issued, were
	// disposed, or belong to a frame that already ended.
	ErrInvalidRef = errors.New("framecache: invalid ref")

	// ErrUniformTooLarge is returned by AllocUniform for data larger than a
	// uniform page.
	ErrUniformTooLarge = errors.New("framecache: uniform data exceeds page size")
)

// IsFatal reports whether err leaves the orchestrator unusable for the
// current frame driver: it must rebuild, reconfigure or stop.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAllocationFailure) ||
		errors.Is(err, ErrCapacityExceeded) ||
		errors.Is(err, ErrDeviceLost) ||
		errors.Is(err, ErrClosed)
}

// classify wraps err with the root kind it maps to.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, backend.ErrDeviceLost), errors.Is(err, execctx.ErrDeviceLost):
		return fmt.Errorf("framecache: %s: %w: %w", op, ErrDeviceLost, err)
	case errors.Is(err, execctx.ErrCapacityExceeded), errors.Is(err, lockmask.ErrTableFull):
		return fmt.Errorf("framecache: %s: %w: %w", op, ErrCapacityExceeded, err)
	case errors.Is(err, backend.ErrCreateFailed):
		return fmt.Errorf("framecache: %s: %w: %w", op, ErrAllocationFailure, err)
	default:
		return fmt.Errorf("framecache: %s: %w", op, err)
	}
}
