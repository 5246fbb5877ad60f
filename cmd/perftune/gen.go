// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"

	"github.com/ajroetker/perftune/annot"
	"github.com/ajroetker/perftune/codegen"
	"github.com/ajroetker/perftune/harness"
	"github.com/ajroetker/perftune/rewrite"
	"github.com/ajroetker/perftune/space"
	"github.com/ajroetker/perftune/tuner"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newGenCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gen FILE",
		Short: "Print the variant of every tuned block of FILE for one assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := tunerOptions(v)
			if err != nil {
				return err
			}
			src, err := readSource(args[0])
			if err != nil {
				return err
			}
			src = rewrite.Strip(src)
			f, err := annot.Parse(src)
			if err != nil {
				return err
			}
			return generate(cmd.OutOrStdout(), src, f, v.GetInt("index"), v.GetInt("binding"), v.GetBool("harness"), opts.Harness)
		},
	}
	f := cmd.Flags()
	f.Int("index", 0, "enumeration index of the assignment")
	f.Int("binding", 0, "enumeration index of the input parameter binding")
	f.Bool("harness", false, "print the timing program and its build command instead of the variant")
	addEvalFlags(f, tuner.DefaultOptions())
	return cmd
}

// generate prints the variant (or harness) of every tuned block of f for the
// assignment with the given index. Blocks outside any PerfTuning block have no
// input bindings to time them with; only their variant is printed.
func generate(w io.Writer, src []byte, f *annot.File, index, binding int, withHarness bool, opts harness.Options) error {
	for _, root := range f.Roots {
		if root.Kind != annot.KindPerfTuning {
			fixed, err := tuner.Fix(src, root)
			if err != nil {
				return err
			}
			for _, b := range fixed {
				fmt.Fprintf(w, "/* %s: %s */\n", b.Block.Name(), b.Summary)
				fmt.Fprintln(w, b.Winner.Source())
			}
			continue
		}
		assignments, err := root.Tuning.Space().Expand()
		if err != nil {
			return errors.WithMessagef(err, "%s", root.Name())
		}
		if index < 0 || index >= len(assignments) {
			return errors.Errorf("%s: assignment index %d out of range [0, %d)", root.Name(), index, len(assignments))
		}
		bindings, err := space.Expand(root.Tuning.InputParams)
		if err != nil {
			return errors.WithMessagef(err, "%s", root.Name())
		}
		if binding < 0 || binding >= len(bindings) {
			return errors.Errorf("%s: binding index %d out of range [0, %d)", root.Name(), binding, len(bindings))
		}
		a := assignments[index]
		for _, block := range tuner.Targets(root) {
			v, err := codegen.Generate(src, block, a)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "/* %s: %s */\n", block.Name(), v.Summary())
			if !withHarness {
				fmt.Fprintln(w, v.Source())
				continue
			}
			h, err := harness.Build(src, root, v, bindings[binding], opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "/* %s\n   %s */\n%s\n", h.FileName, h.Command, h.Source)
		}
	}
	return nil
}
