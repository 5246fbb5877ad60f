// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package tuner

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/ajroetker/perftune/annot"
	"github.com/ajroetker/perftune/codegen"
	"github.com/ajroetker/perftune/evaluate"
	"github.com/ajroetker/perftune/harness"
	"github.com/ajroetker/perftune/space"
	"gonum.org/v1/gonum/floats/scalar"
	"k8s.io/klog/v2"
)

// verifier checks natively measured variants against the baseline: the
// checksums of the arrays a variant writes must match those of the unchanged
// block under the same input binding. The baseline of each binding is built
// and run once, through the shared evaluator cache.
type verifier struct {
	evaluator evaluate.Evaluator
	tolerance float64
	baselines []*harness.Harness
	warned    []sync.Once
}

func newVerifier(src []byte, tuning *annot.Node, gen *codegen.Generator, bindings []space.Assignment, e evaluate.Evaluator, opts Options) (*verifier, error) {
	base := gen.Baseline()
	vf := &verifier{evaluator: e, tolerance: opts.Tolerance, warned: make([]sync.Once, len(bindings))}
	for _, b := range bindings {
		h, err := harness.Build(src, tuning, base, b, opts.Harness)
		if err != nil {
			return nil, err
		}
		vf.baselines = append(vf.baselines, h)
	}
	return vf, nil
}

// check turns r, measured under the i-th binding, into a RuntimeFailure when
// one of its checksums differs from the baseline's. A baseline that fails
// itself leaves r unchecked.
func (vf *verifier) check(ctx context.Context, i int, r *evaluate.Result) {
	want := vf.evaluator.Evaluate(ctx, vf.baselines[i])
	if !want.OK() {
		vf.warned[i].Do(func() {
			klog.Warningf("tuner: %s: %s, results under this binding are not verified", vf.baselines[i].Name(), want.Status)
		})
		return
	}
	for _, name := range slices.Sorted(maps.Keys(want.Checksums)) {
		expected := want.Checksums[name]
		got, ok := r.Checksums[name]
		switch {
		case !ok:
			r.Status, r.Detail = evaluate.RuntimeFailure, fmt.Sprintf("no checksum of %s, the baseline gives %g", name, expected)
		case !scalar.EqualWithinAbsOrRel(got, expected, vf.tolerance, vf.tolerance):
			r.Status, r.Detail = evaluate.RuntimeFailure, fmt.Sprintf("checksum of %s is %g, the baseline gives %g", name, got, expected)
		default:
			continue
		}
		klog.V(1).Infof("tuner: %s: %s", r.Assignment, r.Detail)
		return
	}
}
