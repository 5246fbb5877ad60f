// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

// Package tuner runs the whole tuning pipeline over one annotated source file:
// parse the annotations, search the parameter space of every tuned block and
// rewrite the file with the winning variants.
package tuner

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ajroetker/perftune/annot"
	"github.com/ajroetker/perftune/codegen"
	"github.com/ajroetker/perftune/evaluate"
	"github.com/ajroetker/perftune/harness"
	"github.com/ajroetker/perftune/rewrite"
	"github.com/ajroetker/perftune/search"
	"github.com/ajroetker/perftune/space"
	"github.com/ajroetker/perftune/workerpool"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"k8s.io/klog/v2"
)

// Options configure a Tuner.
type Options struct {
	// Jobs bounds the number of variants measured at once; 0 means GOMAXPROCS.
	Jobs int

	// Emulate measures variants with the in-process interpreter instead of
	// the native toolchain.
	Emulate bool
	Metric  evaluate.Metric
	// Verify compares the results of every variant with the baseline: the
	// written variables when emulated, their checksums when run natively.
	// Values within Tolerance, absolute or relative, are equal.
	Verify    bool
	Tolerance float64

	// WorkDir holds the per-variant working directories of native runs.
	WorkDir      string
	KeepWorkDirs bool
	BuildTimeout time.Duration
	RunTimeout   time.Duration

	Harness harness.Options

	// Algorithm and TotalRuns override the `search` section when set.
	Algorithm string
	TotalRuns int

	// Progress receives a progress bar per block; nil disables it.
	Progress io.Writer
}

// DefaultOptions returns the options used by the command line tool.
func DefaultOptions() Options {
	return Options{
		Metric:       evaluate.MetricSteps,
		Verify:       true,
		Tolerance:    1e-9,
		WorkDir:      filepath.Join(os.TempDir(), "perftune"),
		BuildTimeout: 5 * time.Minute,
		RunTimeout:   time.Minute,
		Harness:      harness.DefaultOptions(),
	}
}

// Tuner tunes annotated sources. It owns the worker pool and the result cache,
// shared by every block it tunes; Close releases them.
type Tuner struct {
	opts      Options
	pool      *workerpool.Pool
	evaluator evaluate.Evaluator
}

// New returns a tuner configured by opts.
func New(opts Options) *Tuner {
	var inner evaluate.Evaluator
	if opts.Emulate {
		e := evaluate.NewEmulator()
		e.Metric = opts.Metric
		e.Seed = uint64(opts.Harness.Seed)
		e.Verify = opts.Verify
		if opts.Tolerance > 0 {
			e.Tolerance = opts.Tolerance
		}
		inner = e
	} else {
		e := evaluate.NewExec(opts.WorkDir)
		e.Keep = opts.KeepWorkDirs
		if opts.BuildTimeout > 0 {
			e.BuildTimeout = opts.BuildTimeout
		}
		if opts.RunTimeout > 0 {
			e.RunTimeout = opts.RunTimeout
		}
		inner = e
	}
	return &Tuner{
		opts:      opts,
		pool:      workerpool.New(opts.Jobs),
		evaluator: evaluate.NewCached(inner),
	}
}

// Close releases the worker pool.
func (t *Tuner) Close() {
	t.pool.Close()
}

// BlockResult is the tuning outcome of one block. Tuning and Outcome are nil
// for a block outside any PerfTuning block.
type BlockResult struct {
	Tuning  *annot.Node
	Block   *annot.Node
	Outcome *search.Outcome
	Winner  *codegen.Variant
	Summary string
}

// Report is the outcome of a tuning run.
type Report struct {
	Blocks []BlockResult
	// Output is the rewritten source; nil if no block was tuned.
	Output []byte
}

// Run tunes every PerfTuning block of src and returns the rewritten source.
// Kernels inserted by an earlier run are removed first, so tuning a tuned file
// starts from the same baselines. Blocks outside any PerfTuning block have
// literal parameters: they are generated once and rewritten without being
// measured.
//
// Any fatal error, such as an empty parameter domain or a block without a
// viable variant, aborts the run before anything is rewritten. The report then
// holds the outcomes gathered so far and no output.
func (t *Tuner) Run(ctx context.Context, src []byte) (*Report, error) {
	src = rewrite.Strip(src)
	f, err := annot.Parse(src)
	if err != nil {
		return nil, err
	}
	type tuning struct {
		root     *annot.Node
		bindings []space.Assignment
		// fixed holds the variants of a root outside any PerfTuning block.
		fixed []BlockResult
	}
	var tunings []tuning
	for _, root := range f.Roots {
		if root.Kind != annot.KindPerfTuning {
			fixed, err := Fix(src, root)
			if err != nil {
				return nil, err
			}
			tunings = append(tunings, tuning{root: root, fixed: fixed})
			continue
		}
		bindings, err := space.Expand(root.Tuning.InputParams)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s: input_params", root.Name())
		}
		if _, err := root.Tuning.Space().Expand(); err != nil {
			return nil, errors.WithMessagef(err, "%s: performance_params", root.Name())
		}
		tunings = append(tunings, tuning{root: root, bindings: bindings})
	}

	report := &Report{}
	var edits []rewrite.Edit
	for _, tu := range tunings {
		if tu.root.Kind != annot.KindPerfTuning {
			for _, br := range tu.fixed {
				report.Blocks = append(report.Blocks, br)
				edits = append(edits, rewrite.Edit{Variant: br.Winner, Summary: br.Summary})
			}
			continue
		}
		for _, block := range Targets(tu.root) {
			br, err := t.tune(ctx, src, tu.root, block, tu.bindings)
			if br != nil {
				report.Blocks = append(report.Blocks, *br)
			}
			if err != nil {
				return report, err
			}
			edits = append(edits, rewrite.Edit{Variant: br.Winner, Summary: br.Summary})
		}
	}
	if len(edits) == 0 {
		return report, nil
	}
	if report.Output, err = rewrite.ApplyAll(src, edits); err != nil {
		return nil, err
	}
	return report, nil
}

// Fix generates the code blocks of root, a block outside any PerfTuning
// block. Its parameters are literals, so the empty assignment is the only
// point of its space and there is nothing to measure.
func Fix(src []byte, root *annot.Node) ([]BlockResult, error) {
	var out []BlockResult
	for _, block := range Targets(root) {
		v, err := codegen.Generate(src, block, space.Assignment{})
		if err != nil {
			return nil, err
		}
		klog.Infof("tuner: %s: %s, fixed parameters", block.Name(), v.Summary())
		out = append(out, BlockResult{Block: block, Winner: v, Summary: v.Summary() + ", not measured"})
	}
	return out, nil
}

// Targets returns the blocks of tuning that hold code: the tuning block
// itself when it has no nested blocks, its innermost blocks otherwise.
func Targets(tuning *annot.Node) []*annot.Node {
	all := append([]*annot.Node{tuning}, tuning.Blocks()...)
	return lo.Filter(all, func(n *annot.Node, _ int) bool { return n.Baseline() != nil })
}

// tune searches the space of tuning for block, with every other block of
// tuning at its baseline.
func (t *Tuner) tune(ctx context.Context, src []byte, tuning, block *annot.Node, bindings []space.Assignment) (*BlockResult, error) {
	klog.V(1).Infof("tuner: tuning %s (%d assignments, %d input bindings)", block.Name(), tuning.Tuning.Space().Size(), len(bindings))
	gen := codegen.NewGenerator(src, block)
	var vf *verifier
	if t.opts.Verify && !t.opts.Emulate {
		var err error
		if vf, err = newVerifier(src, tuning, gen, bindings, t.evaluator, t.opts); err != nil {
			klog.Warningf("tuner: %s: no baseline to verify against: %v", block.Name(), err)
		}
	}
	objective := func(ctx context.Context, a space.Assignment) evaluate.Result {
		v, err := gen.Generate(a)
		if err != nil {
			return evaluate.Result{Assignment: a, Status: evaluate.BuildFailure, Detail: err.Error()}
		}
		results := make([]evaluate.Result, 0, len(bindings))
		for i, binding := range bindings {
			h, err := harness.Build(src, tuning, v, binding, t.opts.Harness)
			if err != nil {
				return evaluate.Result{Assignment: a, Binding: binding, Status: evaluate.BuildFailure, Detail: err.Error()}
			}
			r := t.evaluator.Evaluate(ctx, h)
			if vf != nil && r.OK() {
				vf.check(ctx, i, &r)
			}
			if !r.OK() {
				return r
			}
			results = append(results, r)
		}
		return combine(a, results)
	}

	opts := search.OptionsFrom(tuning.Tuning.Search)
	opts.Progress = t.opts.Progress
	if t.opts.Algorithm != "" {
		opts.Algorithm = t.opts.Algorithm
	}
	if t.opts.TotalRuns > 0 {
		opts.TotalRuns = t.opts.TotalRuns
	}
	scope := bindings[0].Env(nil)
	outcome, err := search.Run(ctx, t.pool, tuning.Tuning.Space(), scope, objective, opts)
	if err != nil {
		var br *BlockResult
		if outcome != nil {
			br = &BlockResult{Tuning: tuning, Block: block, Outcome: outcome}
		}
		return br, errors.WithMessagef(err, "%s", block.Name())
	}
	winner, err := gen.Generate(outcome.Best.Assignment)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: regenerating the winner", block.Name())
	}
	br := &BlockResult{
		Tuning:  tuning,
		Block:   block,
		Outcome: outcome,
		Winner:  winner,
		Summary: fmt.Sprintf("%s, cost %s", winner.Summary(), strconv.FormatFloat(outcome.Best.Cost, 'g', 6, 64)),
	}
	klog.Infof("tuner: %s: %s", block.Name(), outcome.Summary())
	return br, nil
}

// combine merges the results of one assignment under every input binding: the
// cost is the sum of the per-binding costs.
func combine(a space.Assignment, results []evaluate.Result) evaluate.Result {
	if len(results) == 1 {
		return results[0]
	}
	out := evaluate.Result{Assignment: a, Status: evaluate.Success, CacheHit: true}
	for _, r := range results {
		out.Cost += r.Cost
		out.Costs = append(out.Costs, r.Costs...)
		out.Elapsed += r.Elapsed
		out.CacheHit = out.CacheHit && r.CacheHit
	}
	out.Checksums = results[0].Checksums
	return out
}
