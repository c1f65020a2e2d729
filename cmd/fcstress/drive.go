package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gputypes"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/framecache"
	"github.com/gogpu/framecache/backend"
	"github.com/gogpu/framecache/gpucore"
)

// recreateEvery is how often a worker disposes and recreates its texture.
const recreateEvery = 16

// result counts what the workers did.
type result struct {
	frames      atomic.Uint64
	retries     atomic.Uint64
	recreated   atomic.Uint64
	rebuilds    atomic.Uint64
	completed   atomic.Uint64
	transitions atomic.Uint64
}

var targetDesc = gpucore.TextureDesc{
	Label:         "fcstress-target",
	Width:         256,
	Height:        256,
	MipLevelCount: 4,
	Format:        gputypes.TextureFormatRGBA8Unorm,
	Usage:         gputypes.TextureUsageTextureBinding | gputypes.TextureUsageRenderAttachment,
}

// driver runs the workers and owns the device-loss recovery.
type driver struct {
	orc  *framecache.Orchestrator
	opts options
	log  *slog.Logger
	res  *result

	// rebuild serializes recovery: the first worker to see a fatal error
	// rebuilds, the others wait and retry their frame.
	rebuild sync.Mutex
	gen     atomic.Uint64
}

func drive(ctx context.Context, orc *framecache.Orchestrator, opts options, log *slog.Logger) (*result, error) {
	d := &driver{orc: orc, opts: opts, log: log, res: &result{}}
	g, ctx := errgroup.WithContext(ctx)
	for w := range opts.workers {
		g.Go(func() error { return d.worker(ctx, w) })
	}
	if err := g.Wait(); err != nil {
		return d.res, err
	}
	if err := orc.WaitIdle(); err != nil {
		return d.res, err
	}
	return d.res, orc.Check()
}

func (d *driver) worker(ctx context.Context, id int) error {
	w := &workerState{id: id, tex: -1}
	for i := 0; i < d.opts.frames; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := d.step(w, i)
		switch {
		case err == nil:
		case errors.Is(err, framecache.ErrDeviceLost), errors.Is(err, framecache.ErrInvalidRef):
			if err := d.recover(w.gen, err); err != nil {
				return err
			}
			i--
			continue
		default:
			return fmt.Errorf("worker %d frame %d: %w", id, i, err)
		}

		n := d.res.frames.Add(1)
		if d.opts.loseAfter > 0 && n == uint64(d.opts.loseAfter) {
			if sw, ok := d.orc.Device().(*backend.SoftwareDevice); ok {
				d.log.Warn("fcstress: losing device", "frames", n)
				sw.LoseDevice()
			}
		}
		done, err := d.orc.Poll()
		if err != nil && !framecache.IsFatal(err) {
			return err
		}
		d.res.completed.Add(uint64(done))
	}
	return nil
}

type workerState struct {
	id  int
	gen uint64
	tex framecache.TextureRef
}

// step makes sure the worker owns a texture of the current generation and
// records one frame.
func (d *driver) step(w *workerState, index int) error {
	if g := d.gen.Load(); w.tex < 0 || g != w.gen {
		// Textures do not survive a rebuild.
		w.gen = g
		tex, err := d.orc.CreateTexture(targetDesc)
		if err != nil {
			return err
		}
		w.tex = tex
	} else if index > 0 && index%recreateEvery == 0 {
		if err := d.orc.DisposeTexture(w.tex); err != nil {
			return err
		}
		w.tex = -1
		tex, err := d.orc.CreateTexture(targetDesc)
		if err != nil {
			return err
		}
		w.tex = tex
		d.res.recreated.Add(1)
	}
	return d.frame(w.id, index, w.tex)
}

// frame records and submits one frame.
func (d *driver) frame(worker, index int, tex framecache.TextureRef) error {
	f, err := d.orc.BeginFrame()
	for errors.Is(err, framecache.ErrCapacityExceeded) {
		d.res.retries.Add(1)
		time.Sleep(max(d.opts.latency/4, 100*time.Microsecond))
		f, err = d.orc.BeginFrame()
	}
	if err != nil {
		return err
	}
	submitted := false
	defer func() {
		if !submitted {
			_ = f.Discard()
		}
	}()

	mesh := fmt.Appendf(nil, "mesh-%04d", (worker+index)%d.opts.meshes)
	if _, err := f.RequireBuffer(gpucore.BufferDesc{Label: "mesh", Usage: gputypes.BufferUsageVertex}, mesh); err != nil {
		return err
	}
	var params [64]byte
	params[0] = byte(worker)
	params[1] = byte(index)
	if _, err := f.AllocUniform(params[:]); err != nil {
		return err
	}
	sub := index % int(targetDesc.MipLevelCount)
	n, err := f.SetState(tex, sub, gpucore.StateRenderTarget)
	if err != nil {
		return err
	}
	if _, err := f.Flush(); err != nil {
		return err
	}
	m, err := f.SetState(tex, framecache.Whole, gpucore.StateShaderRead)
	if err != nil {
		return err
	}
	if _, err := f.RequireView(tex, gpucore.ViewDesc{BaseMipLevel: uint32(sub), MipLevelCount: 1}); err != nil {
		return err
	}
	d.res.transitions.Add(uint64(n + m))
	if _, err := f.Submit(); err != nil {
		return err
	}
	submitted = true
	return nil
}

// recover rebuilds the orchestrator on a fresh software device once per
// generation.
func (d *driver) recover(gen uint64, cause error) error {
	d.rebuild.Lock()
	defer d.rebuild.Unlock()
	if d.gen.Load() != gen {
		return nil
	}
	if errors.Is(cause, framecache.ErrInvalidRef) && d.orc.Device().Health() == nil {
		return cause
	}
	dev := backend.NewSoftwareDevice(backend.WithLatency(d.opts.latency))
	if err := dev.Init(); err != nil {
		return err
	}
	if err := d.orc.Rebuild(dev); err != nil {
		return err
	}
	d.gen.Add(1)
	d.res.rebuilds.Add(1)
	d.log.Info("fcstress: recovered from device loss", "cause", cause)
	return nil
}
