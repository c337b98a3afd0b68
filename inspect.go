// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: inspect.go — tunables, presets and trace subcommands
//
// Purpose:
//   - `tunables` lists, reads and writes scheduler knobs.
//   - `presets` lists and prints the built-in workloads.
//   - `trace` queries a database written by `run --trace-db`.
// ─────────────────────────────────────────────────────────────────────────────

package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"schedcore/machine"
	"schedcore/sim"
	"schedcore/tracestore"
	"schedcore/tunables"
)

func flagName(knob string) string { return strings.ReplaceAll(knob, "_", "-") }

func newTunablesCommand() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "tunables",
		Short: "Inspect and edit scheduler tunables",
	}
	cmd.PersistentFlags().StringVar(&path, "tunables", "", "tunables JSON file (defaults when empty)")

	cmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Print every knob as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tu, err := tunables.Load(path)
			if err != nil {
				return err
			}
			return printTunables(cmd, tu)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get NAME...",
		Short: "Print the value of knobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tu, err := tunables.Load(path)
			if err != nil {
				return err
			}
			reg := tunables.NewRegistry(tu)
			for _, name := range args {
				v, err := reg.Get(name)
				if err != nil {
					return errors.WithHintf(err, "known tunables: %s", strings.Join(reg.Names(), ", "))
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s=%d\n", name, v)
			}
			return nil
		},
	})

	var write bool
	set := &cobra.Command{
		Use:   "set NAME=VALUE...",
		Short: "Change knobs and print the result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tu, err := tunables.Load(path)
			if err != nil {
				return err
			}
			reg := tunables.NewRegistry(tu)
			for _, arg := range args {
				name, val, ok := strings.Cut(arg, "=")
				if !ok {
					return errors.Newf("expected NAME=VALUE, got %q", arg)
				}
				v, err := strconv.ParseInt(val, 10, 64)
				if err != nil {
					return errors.Wrapf(err, "tunable %s", name)
				}
				if err := reg.Set(name, v); err != nil {
					return err
				}
			}
			if write {
				if path == "" {
					return errors.New("--write needs --tunables")
				}
				raw, err := tu.Marshal()
				if err != nil {
					return err
				}
				return errors.Wrapf(os.WriteFile(path, raw, 0o644), "writing %s", path)
			}
			return printTunables(cmd, tu)
		},
	}
	set.Flags().BoolVar(&write, "write", false, "save the result back to --tunables")
	cmd.AddCommand(set)
	return cmd
}

func printTunables(cmd *cobra.Command, tu *tunables.Tunables) error {
	raw, err := tu.Marshal()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(raw))
	return err
}

func newPresetsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "presets [NAME]",
		Short: "List the built-in workloads or print one as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				names := make([]string, 0, len(sim.Presets))
				for n := range sim.Presets {
					names = append(names, n)
				}
				sort.Strings(names)
				for _, n := range names {
					fmt.Fprintln(cmd.OutOrStdout(), n)
				}
				return nil
			}
			w, err := sim.Preset(args[0])
			if err != nil {
				return err
			}
			raw, err := w.Marshal()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(raw))
			return err
		},
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// TRACE QUERIES
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func openTrace(path string) (*tracestore.Store, error) {
	if path == "" {
		return nil, errors.New("--db is required")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(err, "trace database %s", path)
	}
	return tracestore.Open(tracestore.Options{Path: path, CPUs: 1, Clock: &machine.ManualClock{}})
}

func newTraceCommand() *cobra.Command {
	var db string
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Query a persisted scheduler trace",
	}
	cmd.PersistentFlags().StringVar(&db, "db", "", "trace database written by run --trace-db")

	cmd.AddCommand(&cobra.Command{
		Use:   "summary",
		Short: "Count events by kind",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openTrace(db)
			if err != nil {
				return err
			}
			defer store.Close()
			counts, err := store.Summary(context.Background())
			if err != nil {
				return err
			}
			for _, c := range counts {
				fmt.Fprintf(cmd.OutOrStdout(), "%-16s %d\n", c.Name, c.Count)
			}
			return nil
		},
	})

	var kind string
	var limit int
	events := &cobra.Command{
		Use:   "events",
		Short: "Print events in time order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var code machine.EventCode
			if kind != "" {
				c, ok := machine.ParseEventCode(kind)
				if !ok {
					return errors.Newf("unknown event kind %q", kind)
				}
				code = c
			}
			store, err := openTrace(db)
			if err != nil {
				return err
			}
			defer store.Close()
			evs, err := store.Events(context.Background(), code, limit)
			if err != nil {
				return err
			}
			for _, ev := range evs {
				fmt.Fprintf(cmd.OutOrStdout(), "%12d cpu%-3d %-16s %d %d %d %d\n",
					ev.TS, ev.CPU, ev.Code, ev.Args[0], ev.Args[1], ev.Args[2], ev.Args[3])
			}
			return nil
		},
	}
	events.Flags().StringVar(&kind, "kind", "", "only events of this kind (switch, setrun, ipi, ...)")
	events.Flags().IntVar(&limit, "limit", 100, "maximum events to print")
	cmd.AddCommand(events)
	return cmd
}
