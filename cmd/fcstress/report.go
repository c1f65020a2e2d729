package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/natefinch/atomic"

	"github.com/gogpu/framecache"
	"github.com/gogpu/framecache/cache"
)

// report is the JSON summary of a run.
type report struct {
	Backend     string        `json:"backend"`
	Workers     int           `json:"workers"`
	Frames      uint64        `json:"frames"`
	Elapsed     time.Duration `json:"elapsed_ns"`
	FramesPerS  float64       `json:"frames_per_second"`
	Retries     uint64        `json:"capacity_retries"`
	Recreated   uint64        `json:"textures_recreated"`
	Rebuilds    uint64        `json:"rebuilds"`
	Transitions uint64        `json:"transitions"`
	Contexts    int           `json:"contexts"`
	Bundles     int           `json:"bundles"`

	Buffers  cacheReport `json:"buffers"`
	Uniforms cacheReport `json:"uniforms"`
	Views    cacheReport `json:"views"`
	Textures cacheReport `json:"textures"`
}

type cacheReport struct {
	Live     int     `json:"live"`
	Free     int     `json:"free"`
	Hits     uint64  `json:"hits"`
	Misses   uint64  `json:"misses"`
	Recycled uint64  `json:"recycled"`
	Reused   uint64  `json:"reused"`
	Disposed uint64  `json:"disposed"`
	HitRate  float64 `json:"hit_rate"`
}

func newCacheReport(st cache.Stats) cacheReport {
	return cacheReport{
		Live:     st.Live,
		Free:     st.Free,
		Hits:     st.Hits,
		Misses:   st.Misses,
		Recycled: st.Recycled,
		Reused:   st.Reused,
		Disposed: st.Disposed,
		HitRate:  st.HitRate,
	}
}

func newReport(o options, backendName string, elapsed time.Duration, res *result, st framecache.Stats) report {
	r := report{
		Backend:     backendName,
		Workers:     o.workers,
		Frames:      res.frames.Load(),
		Elapsed:     elapsed,
		Retries:     res.retries.Load(),
		Recreated:   res.recreated.Load(),
		Rebuilds:    res.rebuilds.Load(),
		Transitions: res.transitions.Load(),
		Contexts:    st.Contexts,
		Bundles:     st.Bundles,
		Buffers:     newCacheReport(st.Buffers),
		Uniforms:    newCacheReport(st.Uniforms),
		Views:       newCacheReport(st.Views),
		Textures:    newCacheReport(st.Textures),
	}
	if s := elapsed.Seconds(); s > 0 {
		r.FramesPerS = float64(r.Frames) / s
	}
	return r
}

func (r report) print(w io.Writer) {
	fmt.Fprintf(w, "%d frames on %s in %v (%.0f frames/s), %d contexts, %d rebuilds\n",
		r.Frames, r.Backend, r.Elapsed.Round(time.Millisecond), r.FramesPerS, r.Contexts, r.Rebuilds)
	for _, c := range []struct {
		name string
		cacheReport
	}{
		{"buffers", r.Buffers},
		{"uniforms", r.Uniforms},
		{"views", r.Views},
		{"textures", r.Textures},
	} {
		fmt.Fprintf(w, "  %-8s live=%-4d free=%-4d hits=%-6d misses=%-6d hit_rate=%.2f\n",
			c.name, c.Live, c.Free, c.Hits, c.Misses, c.HitRate)
	}
}

// write replaces path with the JSON report atomically, so a reader never
// sees a partial file.
func (r report) write(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	data = append(data, '\n')
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
