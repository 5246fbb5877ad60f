// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package evaluate

import (
	"context"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/ajroetker/perftune/cloop"
	"github.com/ajroetker/perftune/harness"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/floats/scalar"
	"k8s.io/klog/v2"
)

// Metric is what the emulator reports as the cost of a run.
type Metric int

const (
	// MetricTime is the wall-clock time of the interpreted region, in seconds.
	MetricTime Metric = iota
	// MetricSteps is the number of loop iterations the interpreter ran. It is
	// deterministic, which makes tuning runs reproducible.
	MetricSteps
)

// Emulator runs the timed region of harnesses with the cloop interpreter.
// CUDA launches run every thread of every block sequentially.
type Emulator struct {
	Metric Metric
	// Seed seeds the generator filling random inputs; every repetition and
	// the verification run see the same data.
	Seed uint64
	// StepLimit bounds the loop iterations of one run; 0 means the
	// interpreter default.
	StepLimit int64
	// Verify compares the written variables with a run of the baseline;
	// differences beyond Tolerance (absolute or relative) fail the variant.
	Verify    bool
	Tolerance float64
}

// NewEmulator returns an emulator measuring steps and verifying results.
func NewEmulator() *Emulator {
	return &Emulator{Metric: MetricSteps, Seed: 1, Verify: true, Tolerance: 1e-9}
}

// Evaluate implements Evaluator.
func (e *Emulator) Evaluate(ctx context.Context, h *harness.Harness) Result {
	start := time.Now()
	r := newResult(h)
	defer func() { r.Elapsed = time.Since(start) }()
	if h.Program == nil {
		r.fail(BuildFailure, "the timed region cannot be interpreted")
		return r
	}

	var final *cloop.Env
	costs := make([]float64, 0, h.Repetitions)
	for range h.Repetitions {
		if ctx.Err() != nil {
			return canceled(&r, ctx)
		}
		env, cost, err := e.run(h, h.Program)
		if err != nil {
			r.fail(RuntimeFailure, "%v", err)
			return r
		}
		costs = append(costs, cost)
		final = env
	}
	r.Checksums = checksums(h, final)

	if e.Verify && h.Baseline != nil {
		want, _, err := e.run(h, h.Baseline)
		if err != nil {
			r.fail(RuntimeFailure, "baseline: %v", err)
			return r
		}
		if name, ok := e.compare(h, want, final); !ok {
			r.fail(RuntimeFailure, "%s differs from the baseline", name)
			return r
		}
	}
	r.succeed(costs)
	klog.V(1).Infof("evaluate: %s: emulated cost %g", h.Name(), r.Cost)
	return r
}

// run interprets stmts over freshly initialized inputs and returns the scope
// holding the inputs afterwards.
func (e *Emulator) run(h *harness.Harness, stmts []cloop.Stmt) (*cloop.Env, float64, error) {
	env := h.Scope(rand.New(rand.NewPCG(e.Seed, e.Seed)))
	in := cloop.NewInterp()
	in.StepLimit = e.StepLimit
	h.Variant.Bind(in)
	start := time.Now()
	if err := in.ExecList(cloop.NewEnv(env), stmts); err != nil {
		return nil, 0, err
	}
	if e.Metric == MetricSteps {
		return env, float64(in.Steps()), nil
	}
	return env, time.Since(start).Seconds(), nil
}

// compare checks the written arrays and every scalar input of got against
// want, returning the first name that differs.
func (e *Emulator) compare(h *harness.Harness, want, got *cloop.Env) (string, bool) {
	same := func(a, b float64) bool { return scalar.EqualWithinAbsOrRel(a, b, e.Tolerance, e.Tolerance) }
	for _, in := range h.Inputs {
		if in.IsArray() {
			if !slices.Contains(h.Written, in.Name) {
				continue
			}
			wa, _ := want.Array(in.Name)
			ga, _ := got.Array(in.Name)
			if !floats.EqualFunc(wa.Floats(), ga.Floats(), same) {
				return in.Name, false
			}
			continue
		}
		wv, _ := want.Scalar(in.Name)
		gv, _ := got.Scalar(in.Name)
		if !same(wv.Float(), gv.Float()) {
			return in.Name, false
		}
	}
	return "", true
}

func checksums(h *harness.Harness, env *cloop.Env) map[string]float64 {
	if env == nil || len(h.Written) == 0 {
		return nil
	}
	sums := make(map[string]float64, len(h.Written))
	for _, name := range h.Written {
		if arr, ok := env.Array(name); ok {
			sums[name] = floats.Sum(arr.Floats())
		}
	}
	return sums
}
