package framecache

import "github.com/gogpu/framecache/cache"

// Stats is a snapshot of orchestrator statistics.
type Stats struct {
	Buffers  cache.Stats
	Uniforms cache.Stats
	Views    cache.Stats
	Textures cache.Stats

	// Contexts is the number of execution contexts created so far.
	Contexts int
	// Inflight is the number of submitted frames not yet swept by Poll.
	Inflight int
	// Bundles is the number of lock bundles referenced by some item.
	Bundles int

	// Frames counts submitted frames across rebuilds.
	Frames uint64
	// Rebuilds counts completed Rebuild calls.
	Rebuilds uint64
	// Generation is the cache set generation, starting at 1.
	Generation uint64
}

// Stats returns a snapshot of the orchestrator's statistics.
func (o *Orchestrator) Stats() (Stats, error) {
	set, err := o.acquire()
	if err != nil {
		return Stats{}, err
	}
	defer o.mu.RUnlock()
	return Stats{
		Buffers:    set.buffers.Stats(),
		Uniforms:   set.uniforms.Stats(),
		Views:      set.views.Stats(),
		Textures:   set.textures.Stats(),
		Contexts:   set.contexts.Len(),
		Inflight:   set.contexts.Inflight(),
		Bundles:    set.locks.Live(),
		Frames:     o.frames.Load(),
		Rebuilds:   o.rebuilds.Load(),
		Generation: set.gen,
	}, nil
}

// Check verifies the internal invariants of every cache and the state
// tracker. It is meant for tests and debugging.
func (o *Orchestrator) Check() error {
	set, err := o.acquire()
	if err != nil {
		return err
	}
	defer o.mu.RUnlock()
	for _, check := range []func() error{
		set.buffers.Check,
		set.uniforms.Check,
		set.views.Check,
		set.textures.Check,
		set.tracker.Check,
	} {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}
