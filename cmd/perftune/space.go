// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"

	"github.com/ajroetker/perftune/annot"
	"github.com/ajroetker/perftune/rewrite"
	"github.com/ajroetker/perftune/space"
	"github.com/ajroetker/perftune/tuner"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newSpaceCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "space FILE",
		Short: "Describe the parameter spaces of the PerfTuning blocks of FILE",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := readSource(args[0])
			if err != nil {
				return err
			}
			f, err := annot.Parse(rewrite.Strip(src))
			if err != nil {
				return err
			}
			return describe(cmd.OutOrStdout(), f, v.GetBool("list"))
		},
	}
	cmd.Flags().Bool("list", false, "list every assignment and whether the constraints admit it")
	return cmd
}

// describe prints the blocks, parameters and space sizes of f.
func describe(w io.Writer, f *annot.File, list bool) error {
	for _, root := range f.Roots {
		if root.Kind != annot.KindPerfTuning {
			fmt.Fprintf(w, "%s: not inside a PerfTuning block, generated with its literal parameters\n", root.Name())
			continue
		}
		spec := root.Tuning
		sp := spec.Space()
		fmt.Fprintf(w, "%s: %s assignments\n", root.Name(), humanize.Comma(int64(sp.Size())))
		for _, p := range spec.Params {
			fmt.Fprintf(w, "  param %s = %s (%s values)\n", p.Name, p.Domain, humanize.Comma(int64(p.Domain.Size())))
		}
		for _, c := range spec.Constraints {
			fmt.Fprintf(w, "  constraint %s = %s\n", c.Name, c.Text)
		}
		fmt.Fprintf(w, "  %s input bindings\n", humanize.Comma(int64(space.Size(spec.InputParams))))
		for _, p := range spec.InputParams {
			fmt.Fprintf(w, "  input param %s = %s\n", p.Name, p.Domain)
		}
		for _, b := range tuner.Targets(root) {
			note := ""
			if b.Rewritten {
				note = " (tuned before)"
			}
			fmt.Fprintf(w, "  tunes %s%s\n", b.Name(), note)
		}
		if !list {
			continue
		}
		assignments, err := sp.Expand()
		if err != nil {
			return err
		}
		bindings, err := space.Expand(spec.InputParams)
		if err != nil {
			return err
		}
		scope := bindings[0].Env(nil)
		for _, a := range assignments {
			ok, violated, err := sp.Admits(a, scope)
			if err != nil {
				return err
			}
			status := ""
			if !ok {
				status = "  # excluded by " + violated
			}
			fmt.Fprintf(w, "    %4d %s%s\n", a.Index, a, status)
		}
	}
	return nil
}
