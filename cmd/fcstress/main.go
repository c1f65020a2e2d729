// Command fcstress drives an orchestrator with concurrent frames and reports
// cache statistics. It runs against the in-memory software device by
// default, or the native device when a provider is wired in.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/gogpu/framecache"
	"github.com/gogpu/framecache/backend"
	_ "github.com/gogpu/framecache/backend/native"
)

// options holds parsed command line options.
type options struct {
	config    string
	backend   string
	workers   int
	frames    int
	contexts  int
	meshes    int
	latency   time.Duration
	report    string
	verbose   bool
	loseAfter int
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, out, errOut io.Writer) int {
	opts, code := parseFlags(errOut, args)
	if code >= 0 {
		return code
	}

	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level}))

	orcOpts := []framecache.Option{framecache.WithLogger(log)}
	if opts.config != "" {
		cfg, err := framecache.LoadConfig(opts.config)
		if err != nil {
			fmt.Fprintln(errOut, "error:", err)
			return 1
		}
		orcOpts = append(orcOpts, cfg.Options()...)
	}
	if opts.contexts > 0 {
		orcOpts = append(orcOpts, framecache.WithMaxContexts(opts.contexts))
	}

	dev, err := openDevice(opts)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}
	defer dev.Close()

	orc, err := framecache.New(dev, orcOpts...)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}
	defer orc.Close()

	start := time.Now()
	res, err := drive(ctx, orc, opts, log)
	elapsed := time.Since(start)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}

	st, err := orc.Stats()
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}
	rep := newReport(opts, dev.Name(), elapsed, res, st)
	rep.print(out)
	if opts.report != "" {
		if err := rep.write(opts.report); err != nil {
			fmt.Fprintln(errOut, "error:", err)
			return 1
		}
	}
	return 0
}

// parseFlags returns the options and -1, or an exit code when the command
// should stop.
func parseFlags(errOut io.Writer, args []string) (options, int) {
	fs := flag.NewFlagSet("fcstress", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var o options
	fs.StringVarP(&o.config, "config", "c", "", "HuJSON orchestrator config file")
	fs.StringVarP(&o.backend, "backend", "b", backend.BackendSoftware, "device backend (software, native, or empty for the best available)")
	fs.IntVarP(&o.workers, "workers", "w", 4, "goroutines recording frames")
	fs.IntVarP(&o.frames, "frames", "n", 200, "frames per worker")
	fs.IntVar(&o.contexts, "contexts", 0, "max execution contexts (0 keeps the config value)")
	fs.IntVar(&o.meshes, "meshes", 16, "distinct buffer contents shared by the workers")
	fs.DurationVar(&o.latency, "latency", time.Millisecond, "software device completion latency")
	fs.StringVarP(&o.report, "report", "o", "", "write a JSON report to this file")
	fs.BoolVarP(&o.verbose, "verbose", "v", false, "debug logging")
	fs.IntVar(&o.loseAfter, "lose-after", 0, "simulate device loss after this many frames and rebuild (software only)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return options{}, 0
		}
		return options{}, 2
	}
	switch {
	case o.workers < 1:
		fmt.Fprintln(errOut, "error: --workers must be positive")
		return options{}, 2
	case o.frames < 1:
		fmt.Fprintln(errOut, "error: --frames must be positive")
		return options{}, 2
	case o.meshes < 1:
		fmt.Fprintln(errOut, "error: --meshes must be positive")
		return options{}, 2
	case o.contexts < 0 || o.contexts > framecache.MaxContexts:
		fmt.Fprintf(errOut, "error: --contexts must be within 0..%d\n", framecache.MaxContexts)
		return options{}, 2
	case o.loseAfter > 0 && o.backend != backend.BackendSoftware:
		fmt.Fprintln(errOut, "error: --lose-after needs the software backend")
		return options{}, 2
	}
	return o, -1
}

func openDevice(o options) (backend.Device, error) {
	switch o.backend {
	case "":
		return backend.InitDefault()
	case backend.BackendSoftware:
		dev := backend.NewSoftwareDevice(backend.WithLatency(o.latency))
		if err := dev.Init(); err != nil {
			return nil, err
		}
		return dev, nil
	default:
		dev := backend.Get(o.backend)
		if dev == nil {
			return nil, fmt.Errorf("%w: %q (available: %v)", backend.ErrBackendNotAvailable, o.backend, backend.Available())
		}
		if err := dev.Init(); err != nil {
			return nil, err
		}
		return dev, nil
	}
}
