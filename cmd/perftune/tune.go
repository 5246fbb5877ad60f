// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ajroetker/perftune/evaluate"
	"github.com/ajroetker/perftune/tuner"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func newTuneCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tune FILE",
		Short: "Tune every PerfTuning block of FILE and write the rewritten source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTune(cmd, v, args[0])
		},
	}
	def := tuner.DefaultOptions()
	f := cmd.Flags()
	f.StringP("output", "o", "", "rewritten source (default _FILE next to FILE)")
	f.Bool("in-place", false, "overwrite FILE")
	addEvalFlags(f, def)
	f.String("workdir", def.WorkDir, "root of the per-variant working directories")
	f.Bool("keep", false, "keep the working directories of every variant")
	f.Duration("build-timeout", def.BuildTimeout, "timeout of one harness build")
	f.Duration("run-timeout", def.RunTimeout, "timeout of one harness run")
	f.Int("jobs", 0, "variants measured at once (default GOMAXPROCS)")
	f.String("algorithm", "", "search algorithm, Exhaustive or Random (default from the search section)")
	f.Int("total-runs", 0, "maximum number of measured variants per block (default from the search section)")
	f.Bool("progress", true, "show a progress bar on stderr")
	f.Bool("table", false, "print the search results of every block")
	f.String("log", "", "write the search results of every block to this file")
	return cmd
}

// addEvalFlags declares the flags shared by the commands that build harnesses.
func addEvalFlags(f *pflag.FlagSet, def tuner.Options) {
	f.Bool("emulate", false, "measure variants with the built-in interpreter instead of the native compiler")
	f.String("metric", "steps", "emulated cost: steps (loop iterations, deterministic) or time")
	f.Bool("verify", def.Verify, "compare the results of every variant with the baseline")
	f.Float64("tolerance", def.Tolerance, "absolute and relative tolerance of the comparison with the baseline")
	f.String("cc", def.Harness.Compiler, "C compiler command for blocks without a build section")
	f.String("nvcc", def.Harness.CUDACompiler, "CUDA compiler command for blocks without a build section")
	f.String("libs", def.Harness.Libs, "libraries appended to the default compiler commands")
	f.Int("seed", def.Harness.Seed, "seed of the random input data")
}

// tunerOptions builds the tuner options from the flags, config and
// environment bound in v.
func tunerOptions(v *viper.Viper) (tuner.Options, error) {
	opts := tuner.DefaultOptions()
	opts.Emulate = v.GetBool("emulate")
	switch m := v.GetString("metric"); m {
	case "steps":
		opts.Metric = evaluate.MetricSteps
	case "time":
		opts.Metric = evaluate.MetricTime
	default:
		return opts, errors.Errorf("unknown metric %q, want steps or time", m)
	}
	opts.Verify = v.GetBool("verify")
	opts.Tolerance = v.GetFloat64("tolerance")
	opts.Harness.Compiler = v.GetString("cc")
	opts.Harness.CUDACompiler = v.GetString("nvcc")
	opts.Harness.Libs = v.GetString("libs")
	opts.Harness.Seed = v.GetInt("seed")
	opts.WorkDir = v.GetString("workdir")
	opts.KeepWorkDirs = v.GetBool("keep")
	opts.BuildTimeout = v.GetDuration("build-timeout")
	opts.RunTimeout = v.GetDuration("run-timeout")
	opts.Jobs = v.GetInt("jobs")
	opts.Algorithm = v.GetString("algorithm")
	opts.TotalRuns = v.GetInt("total-runs")
	return opts, nil
}

func runTune(cmd *cobra.Command, v *viper.Viper, path string) error {
	opts, err := tunerOptions(v)
	if err != nil {
		return err
	}
	if v.GetBool("progress") {
		opts.Progress = cmd.ErrOrStderr()
	}
	src, err := readSource(path)
	if err != nil {
		return err
	}
	out := outputPath(path, v.GetString("output"), v.GetBool("in-place"))

	tu := tuner.New(opts)
	defer tu.Close()
	report, runErr := tu.Run(cmd.Context(), src)
	if report != nil {
		if err := writeReport(cmd.OutOrStdout(), report, v.GetBool("table"), v.GetString("log")); err != nil {
			return err
		}
	}
	if runErr != nil {
		return errors.WithMessagef(runErr, "%s not rewritten", path)
	}
	if report.Output == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: no annotated block, nothing to write\n", path)
		return nil
	}
	if err := os.WriteFile(out, report.Output, 0o644); err != nil {
		return errors.Wrapf(err, "writing %s", out)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%s)\n", out, humanize.Bytes(uint64(len(report.Output))))
	return nil
}

// outputPath returns where the rewritten source of path goes.
func outputPath(path, output string, inPlace bool) string {
	switch {
	case inPlace:
		return path
	case output != "":
		return output
	}
	return filepath.Join(filepath.Dir(path), "_"+filepath.Base(path))
}

// writeReport prints the winner of every block, and the full result tables to
// w when table is set and to the log file when one is named.
func writeReport(w io.Writer, report *tuner.Report, table bool, logPath string) error {
	var log strings.Builder
	for _, b := range report.Blocks {
		if b.Winner != nil {
			fmt.Fprintf(w, "%s: %s\n", b.Block.Name(), b.Summary)
		}
		if b.Outcome == nil {
			continue
		}
		fmt.Fprintf(w, "  %s\n", b.Outcome.Summary())
		t := b.Outcome.Table()
		if table {
			fmt.Fprintln(w, t)
		}
		fmt.Fprintf(&log, "%s\n%s\n%s\n\n", b.Block.Name(), b.Outcome.Summary(), t)
	}
	if logPath == "" {
		return nil
	}
	return errors.Wrapf(os.WriteFile(logPath, []byte(log.String()), 0o644), "writing %s", logPath)
}
