package framecache

import (
	"log/slog"
	"time"

	"github.com/gogpu/framecache/internal/arena"
	"github.com/gogpu/framecache/internal/execctx"
	"github.com/gogpu/framecache/internal/lockmask"
)

// Default configuration values.
const (
	// DefaultUniformPageSize is the size of one uniform page buffer.
	DefaultUniformPageSize = 64 << 10

	// UniformAlignment is the offset alignment of uniform allocations.
	UniformAlignment = 256

	// DefaultTrackerCapacity is the initial number of tracked textures.
	DefaultTrackerCapacity = 64
)

// Option configures an Orchestrator during creation.
//
// Example:
//
//	o, err := framecache.New(dev,
//	    framecache.WithMaxContexts(3),
//	    framecache.WithLogger(slog.Default()),
//	)
type Option func(*options)

// options holds optional configuration for Orchestrator creation.
type options struct {
	logger          *slog.Logger
	maxContexts     int
	arenaPageSize   int
	arenaAlignment  int
	uniformPageSize int
	waitTimeout     time.Duration
	maxWaitRetries  int
	bundleCapacity  int
	trackerCapacity int
}

// defaultOptions returns the default orchestrator options.
func defaultOptions() options {
	return options{
		logger:          nil, // Will be set to Logger() if nil
		maxContexts:     execctx.MaxContexts,
		arenaPageSize:   arena.MinPageSize,
		arenaAlignment:  arena.DefaultAlignment,
		uniformPageSize: DefaultUniformPageSize,
		waitTimeout:     execctx.DefaultWaitTimeout,
		maxWaitRetries:  execctx.DefaultMaxWaitRetries,
		bundleCapacity:  lockmask.DefaultCapacity,
		trackerCapacity: DefaultTrackerCapacity,
	}
}

// WithLogger sets the logger for one orchestrator, overriding the package
// logger set by SetLogger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMaxContexts caps the number of execution contexts, i.e. the number
// of frames that may be recording or in flight at once. Values outside
// 1..63 select 63.
func WithMaxContexts(n int) Option {
	return func(o *options) {
		o.maxContexts = n
	}
}

// WithArenaPageSize sets the page size of the per-context scratch arenas.
func WithArenaPageSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.arenaPageSize = n
		}
	}
}

// WithUniformPageSize sets the size of uniform page buffers. It is rounded
// up to UniformAlignment.
func WithUniformPageSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.uniformPageSize = (n + UniformAlignment - 1) &^ (UniformAlignment - 1)
		}
	}
}

// WithWaitTimeout bounds each poll while waiting for a frame.
func WithWaitTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.waitTimeout = d
		}
	}
}

// WithMaxWaitRetries sets how many timed-out polls a wait tolerates before
// the device is considered lost.
func WithMaxWaitRetries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxWaitRetries = n
		}
	}
}

// WithBundleCapacity sets the size of the lock bundle table shared by all
// caches.
func WithBundleCapacity(n int) Option {
	return func(o *options) {
		if n > 1 {
			o.bundleCapacity = n
		}
	}
}

// WithTrackerCapacity sets the initial size of the texture state table.
// The table grows on demand.
func WithTrackerCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.trackerCapacity = n
		}
	}
}
