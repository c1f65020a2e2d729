package framecache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/tailscale/hujson"
)

// ErrInvalidConfig is returned for configuration files that do not parse
// or hold out-of-range values.
var ErrInvalidConfig = errors.New("framecache: invalid config")

// Config is the file form of the orchestrator options. Files are JSON with
// comments and trailing commas allowed (HuJSON). Zero fields keep the
// defaults.
//
//	{
//	    // three frames in flight
//	    "max_contexts": 3,
//	    "uniform_page_size": 65536,
//	    "wait_timeout": "250ms",
//	}
type Config struct {
	MaxContexts     int    `json:"max_contexts,omitempty"`
	ArenaPageSize   int    `json:"arena_page_size,omitempty"`
	UniformPageSize int    `json:"uniform_page_size,omitempty"`
	WaitTimeout     string `json:"wait_timeout,omitempty"`
	MaxWaitRetries  int    `json:"max_wait_retries,omitempty"`
	BundleCapacity  int    `json:"bundle_capacity,omitempty"`
	TrackerCapacity int    `json:"tracker_capacity,omitempty"`
}

// ParseConfig parses a HuJSON configuration. Unknown fields are rejected.
func ParseConfig(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("%w: invalid JSONC: %w", ErrInvalidConfig, err)
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(standardized))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads and parses the configuration file at path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("framecache: read config: %w", err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	if c.MaxContexts < 0 || c.MaxContexts > MaxContexts {
		return fmt.Errorf("%w: max_contexts %d outside 0..%d", ErrInvalidConfig, c.MaxContexts, MaxContexts)
	}
	for name, v := range map[string]int{
		"arena_page_size":   c.ArenaPageSize,
		"uniform_page_size": c.UniformPageSize,
		"max_wait_retries":  c.MaxWaitRetries,
		"bundle_capacity":   c.BundleCapacity,
		"tracker_capacity":  c.TrackerCapacity,
	} {
		if v < 0 {
			return fmt.Errorf("%w: %s is negative", ErrInvalidConfig, name)
		}
	}
	if _, err := c.waitTimeout(); err != nil {
		return err
	}
	return nil
}

func (c Config) waitTimeout() (time.Duration, error) {
	if c.WaitTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.WaitTimeout)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%w: wait_timeout %q", ErrInvalidConfig, c.WaitTimeout)
	}
	return d, nil
}

// Options converts the set fields into orchestrator options.
func (c Config) Options() []Option {
	var opts []Option
	if c.MaxContexts > 0 {
		opts = append(opts, WithMaxContexts(c.MaxContexts))
	}
	if c.ArenaPageSize > 0 {
		opts = append(opts, WithArenaPageSize(c.ArenaPageSize))
	}
	if c.UniformPageSize > 0 {
		opts = append(opts, WithUniformPageSize(c.UniformPageSize))
	}
	if d, err := c.waitTimeout(); err == nil && d > 0 {
		opts = append(opts, WithWaitTimeout(d))
	}
	if c.MaxWaitRetries > 0 {
		opts = append(opts, WithMaxWaitRetries(c.MaxWaitRetries))
	}
	if c.BundleCapacity > 0 {
		opts = append(opts, WithBundleCapacity(c.BundleCapacity))
	}
	if c.TrackerCapacity > 0 {
		opts = append(opts, WithTrackerCapacity(c.TrackerCapacity))
	}
	return opts
}
