// ════════════════════════════════════════════════════════════════════════════════════════════════
// schedsim - Main Entry Point
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Preemptive multiprocessor thread scheduler
// Component: Command line front end
//
// Description:
//   Drives the scheduler core from the command line. `run` plays a workload on a simulated
//   machine in virtual time, or on a live machine of runner goroutines against the wall clock.
//   Tunables, presets and persisted traces can be inspected with the other subcommands.
//
// Outputs:
//   - A JSON report on stdout (or --out)
//   - Optional SQLite trace database (--trace-db)
//   - Optional Prometheus endpoint (--metrics-addr)
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	rtdebug "runtime/debug"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"schedcore/debug"
	"schedcore/machine"
	"schedcore/sched"
	"schedcore/schedstats"
	"schedcore/sim"
	"schedcore/tracestore"
	"schedcore/tunables"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		debug.DropError("schedsim", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var level string
	var jsonLogs bool
	root := &cobra.Command{
		Use:           "schedsim",
		Short:         "Preemptive priority scheduler simulator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			debug.SetJSON(jsonLogs)
			debug.SetOutput(os.Stderr)
			return debug.SetLevel(level)
		},
	}
	root.PersistentFlags().StringVar(&level, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&jsonLogs, "json", false, "emit logs as JSON")

	root.AddCommand(newRunCommand(), newTunablesCommand(), newPresetsCommand(), newTraceCommand())
	return root
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// RUN
// ═══════════════════════════════════════════════════════════════════════════════════════════════

type runOptions struct {
	preset   string
	workload string
	topo     sched.Topology
	duration time.Duration

	ipiLatency time.Duration
	stacks     int

	tunablesPath string
	tu           *tunables.Tunables

	traceDB     string
	metricsAddr string
	out         string

	live      bool
	pin       bool
	hotWindow time.Duration
	gcPercent int
}

// knobFlags binds every tunable to fs on top of the defaults. The values
// are moved onto the file overrides by applyKnobs.
func knobFlags(fs *pflag.FlagSet) *tunables.Tunables {
	tu := tunables.Defaults()
	tunables.NewRegistry(tu).BindFlags(fs)
	return tu
}

// applyKnobs loads path and applies every knob flag the user set.
func applyKnobs(fs *pflag.FlagSet, path string, flagged *tunables.Tunables) (*tunables.Tunables, error) {
	tu, err := tunables.Load(path)
	if err != nil {
		return nil, err
	}
	reg, from := tunables.NewRegistry(tu), tunables.NewRegistry(flagged)
	for _, name := range reg.Names() {
		f := fs.Lookup(flagName(name))
		if f == nil || !f.Changed {
			continue
		}
		v, err := from.Get(name)
		if err != nil {
			return nil, err
		}
		if err := reg.Set(name, v); err != nil {
			return nil, err
		}
	}
	return tu, nil
}

func newRunCommand() *cobra.Command {
	o := &runOptions{}
	var flagged *tunables.Tunables
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a workload and print the report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tu, err := applyKnobs(cmd.Flags(), o.tunablesPath, flagged)
			if err != nil {
				return err
			}
			o.tu = tu
			return runWorkload(cmd.Context(), o)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&o.preset, "preset", "mixed", "built-in workload")
	fs.StringVar(&o.workload, "workload", "", "workload JSON file (overrides --preset)")
	fs.IntVar(&o.topo.Psets, "psets", 1, "processor sets")
	fs.IntVar(&o.topo.CPUsPerPset, "cpus-per-pset", 4, "logical cpus per set")
	fs.IntVar(&o.topo.ThreadsPerCore, "threads-per-core", 1, "hyperthreads per core")
	fs.DurationVar(&o.duration, "duration", time.Second, "run length")
	fs.DurationVar(&o.ipiLatency, "ipi-latency", sim.DefaultIPILatency, "simulated interrupt latency")
	fs.IntVar(&o.stacks, "stacks", 0, "kernel stack pool size (0 is unlimited)")
	fs.StringVar(&o.tunablesPath, "tunables", "", "tunables JSON file")
	fs.StringVar(&o.traceDB, "trace-db", "", "write scheduler trace events to this SQLite file")
	fs.StringVar(&o.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	fs.StringVar(&o.out, "out", "", "write the report here instead of stdout")
	fs.BoolVar(&o.live, "live", false, "run against the wall clock with one goroutine per cpu")
	fs.BoolVar(&o.pin, "pin", false, "pin live runners to host cpus")
	fs.DurationVar(&o.hotWindow, "hot-window", 0, "live runner spin window")
	fs.IntVar(&o.gcPercent, "gc-percent", 0, "GOGC for live runs (0 keeps the runtime setting)")
	flagged = knobFlags(fs)
	return cmd
}

func loadWorkload(o *runOptions) (*sim.Workload, error) {
	if o.workload != "" {
		return sim.LoadWorkload(o.workload)
	}
	return sim.Preset(o.preset)
}

func runWorkload(ctx context.Context, o *runOptions) error {
	w, err := loadWorkload(o)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cpus := o.topo.CPUs()
	var clock machine.Clock
	var manual *machine.ManualClock
	if o.live {
		clock = sim.NewWallClock()
	} else {
		manual = &machine.ManualClock{}
		clock = manual
	}

	var tracer machine.Tracer
	var store *tracestore.Store
	flushDone := make(chan struct{})
	flushCtx, stopFlush := context.WithCancel(context.Background())
	if o.traceDB != "" {
		store, err = tracestore.Open(tracestore.Options{Path: o.traceDB, CPUs: cpus, Clock: clock})
		if err != nil {
			stopFlush()
			return err
		}
		tracer = store
		go func() {
			store.Run(flushCtx, 100*time.Millisecond)
			close(flushDone)
		}()
	} else {
		close(flushDone)
	}

	var observer sched.Observer
	var srv *http.Server
	if o.metricsAddr != "" {
		metrics, err := schedstats.New(cpus)
		if err != nil {
			stopFlush()
			return err
		}
		observer = metrics
		ln, err := net.Listen("tcp", o.metricsAddr)
		if err != nil {
			stopFlush()
			return errors.Wrapf(err, "listen %s", o.metricsAddr)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				debug.DropError("metrics", err)
			}
		}()
		debug.NoteFields("metrics", "serving metrics", logrus.Fields{"addr": ln.Addr().String()})
	}

	var report *sim.Report
	if o.live {
		if o.gcPercent != 0 {
			defer rtdebug.SetGCPercent(rtdebug.SetGCPercent(o.gcPercent))
		}
		if err := raisePriority(); err != nil {
			debug.DropFields("schedsim", "running at normal priority", logrus.Fields{"err": err.Error()})
		}
		report, err = sim.RunLive(ctx, sim.LiveConfig{
			Topology:  o.topo,
			Tunables:  o.tu,
			Workload:  w,
			Duration:  o.duration,
			Pin:       o.pin,
			HotWindow: o.hotWindow,
			Clock:     clock,
			Tracer:    tracer,
			Observer:  observer,
		})
	} else {
		var m *sim.Simulator
		m, err = sim.New(sim.Config{
			Topology:   o.topo,
			Tunables:   o.tu,
			Workload:   w,
			Duration:   o.duration,
			IPILatency: o.ipiLatency,
			Stacks:     o.stacks,
			Clock:      manual,
			Tracer:     tracer,
			Observer:   observer,
		})
		if err == nil {
			report = m.Run()
		}
	}

	stopFlush()
	<-flushDone
	if store != nil {
		dropped := store.Dropped()
		err = errors.CombineErrors(err, store.Close())
		debug.NoteFields("trace", "trace written", logrus.Fields{
			"path":    o.traceDB,
			"events":  store.Written(),
			"dropped": dropped,
		})
	}
	if err != nil {
		return err
	}
	if err := writeReport(report, o.out); err != nil {
		return err
	}

	if srv != nil {
		debug.DropMessage("metrics", "run finished; serving metrics until interrupted")
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return errors.Wrap(srv.Shutdown(sctx), "metrics shutdown")
	}
	return nil
}

func writeReport(r *sim.Report, path string) error {
	raw, err := r.JSON()
	if err != nil {
		return errors.Wrap(err, "encoding report")
	}
	raw = append(raw, '\n')
	if path == "" {
		_, err = os.Stdout.Write(raw)
		return err
	}
	return errors.Wrapf(os.WriteFile(path, raw, 0o644), "writing report %s", path)
}
