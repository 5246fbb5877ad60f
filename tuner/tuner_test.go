// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package tuner

import (
	"context"
	"math/rand/v2"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/ajroetker/perftune/annot"
	"github.com/ajroetker/perftune/cloop"
	"github.com/ajroetker/perftune/evaluate"
	"github.com/ajroetker/perftune/harness"
	"github.com/ajroetker/perftune/search"
	"github.com/ajroetker/perftune/space"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/tools/txtar"
	"gonum.org/v1/gonum/floats"
)

func fixture(t *testing.T, name string) []byte {
	t.Helper()
	ar, err := txtar.ParseFile("testdata/scenarios.txtar")
	require.NoError(t, err)
	for _, f := range ar.Files {
		if f.Name == name {
			return f.Data
		}
	}
	t.Fatalf("no fixture %q", name)
	return nil
}

func emulated() *Tuner {
	opts := DefaultOptions()
	opts.Emulate = true
	opts.Jobs = 4
	return New(opts)
}

func TestAxpy(t *testing.T) {
	tu := emulated()
	defer tu.Close()
	src := fixture(t, "axpy.c")
	report, err := tu.Run(context.Background(), src)
	require.NoError(t, err)
	require.Len(t, report.Blocks, 1)
	b := report.Blocks[0]
	assert.Equal(t, annot.KindTransform, b.Block.Kind)
	assert.Equal(t, []float64{40, 20, 10}, []float64{b.Outcome.Results[0].Cost, b.Outcome.Results[1].Cost, b.Outcome.Results[2].Cost})
	assert.Equal(t, "U=4", b.Outcome.Best.Assignment.String())
	assert.Contains(t, b.Summary, "cost 10")

	out := string(report.Output)
	assert.True(t, strings.HasPrefix(out, "#include <stdio.h>\n\nvoid axpy(int n, double a, double *x, double *y) {\n  int i;\n  /*@ begin PerfTuning("))
	assert.True(t, strings.HasSuffix(out, "  /*@ end @*/\n  /*@ end @*/\n}\n"))
	assert.Contains(t, out, "  /*@ begin Loop(transform Unroll(ufactor=U)) @*/\n  "+annot.NotePrefix+" ")
	assert.Equal(t, 2, strings.Count(out, "/*@ end @*/"))
}

func TestIdempotence(t *testing.T) {
	for _, name := range []string{"axpy.c", "vecaxpbypcz.c"} {
		t.Run(name, func(t *testing.T) {
			tu := emulated()
			defer tu.Close()
			first, err := tu.Run(context.Background(), fixture(t, name))
			require.NoError(t, err)
			second, err := tu.Run(context.Background(), first.Output)
			require.NoError(t, err)
			assert.Equal(t, first.Blocks[0].Outcome.Best.Assignment, second.Blocks[0].Outcome.Best.Assignment)
			if diff := cmp.Diff(string(first.Output), string(second.Output)); diff != "" {
				t.Errorf("second run (-first +second):\n%s", diff)
			}

			// A fresh tuner, without the cached measurements, agrees.
			other := emulated()
			defer other.Close()
			third, err := other.Run(context.Background(), first.Output)
			require.NoError(t, err)
			if diff := cmp.Diff(string(first.Output), string(third.Output)); diff != "" {
				t.Errorf("fresh tuner (-first +fresh):\n%s", diff)
			}
		})
	}
}

func TestVecAXPBYPCZ(t *testing.T) {
	tu := emulated()
	defer tu.Close()
	report, err := tu.Run(context.Background(), fixture(t, "vecaxpbypcz.c"))
	require.NoError(t, err)
	require.Len(t, report.Blocks, 1)
	o := report.Blocks[0].Outcome
	require.Len(t, o.Results, 4)
	assert.Equal(t, 4, o.Count(evaluate.Success), "every variant matches the baseline")

	// Run the winning kernel over the harness inputs and check every element
	// of y against a*x + b*y + c*z computed on the initial data.
	b := report.Blocks[0]
	bindings, err := space.Expand(b.Tuning.Tuning.InputParams)
	require.NoError(t, err)
	h, err := harness.Build(fixture(t, "vecaxpbypcz.c"), b.Tuning, b.Winner, bindings[0], harness.DefaultOptions())
	require.NoError(t, err)
	require.NotNil(t, h.Program)
	initial := h.Scope(rand.New(rand.NewPCG(1, 1)))
	final := h.Scope(rand.New(rand.NewPCG(1, 1)))
	in := cloop.NewInterp()
	h.Variant.Bind(in)
	require.NoError(t, in.ExecList(cloop.NewEnv(final), h.Program))

	scalarOf := func(name string) float64 {
		v, ok := initial.Scalar(name)
		require.True(t, ok, name)
		return v.Float()
	}
	arrayOf := func(env *cloop.Env, name string) []float64 {
		arr, ok := env.Array(name)
		require.True(t, ok, name)
		return arr.Floats()
	}
	a, bb, c := scalarOf("a"), scalarOf("b"), scalarOf("c")
	x, y, z := arrayOf(initial, "x"), arrayOf(initial, "y"), arrayOf(initial, "z")
	require.Len(t, y, 1000)
	want := make([]float64, len(y))
	for i := range want {
		want[i] = a*x[i] + bb*y[i] + c*z[i]
	}
	assert.InDeltaSlice(t, want, arrayOf(final, "y"), 1e-12)
	assert.Equal(t, x, arrayOf(final, "x"), "x is read only")
	assert.InDelta(t, floats.Sum(want), o.Best.Checksums["y"], 1e-9)

	out := string(report.Output)
	assert.Equal(t, 1, strings.Count(out, "__global__"))
	assert.Contains(t, out, "<<<14, 32")
	assert.True(t, strings.HasPrefix(out, "/* perftune:prelude begin */\n"))
}

func TestMatMult(t *testing.T) {
	src := fixture(t, "matmult.c")
	for _, tt := range []struct {
		name string
		src  []byte
		size int
	}{
		{"full", src, 64},
		{"single block count", []byte(strings.Replace(string(src), "range(14,29,14)", "[14]", 1)), 32},
	} {
		t.Run(tt.name, func(t *testing.T) {
			tu := emulated()
			defer tu.Close()
			report, err := tu.Run(context.Background(), tt.src)
			require.NoError(t, err)
			require.Len(t, report.Blocks, 1)
			o := report.Blocks[0].Outcome
			require.Len(t, o.Results, tt.size)
			assert.Equal(t, tt.size, o.Count(evaluate.Success))
			require.NotNil(t, o.Best)
			for _, r := range o.Results {
				if r.Assignment.Index != o.Best.Assignment.Index {
					assert.GreaterOrEqual(t, r.Cost, o.Best.Cost)
				}
				if r.Cost == o.Best.Cost {
					assert.GreaterOrEqual(t, r.Assignment.Index, o.Best.Assignment.Index, "ties go to the lowest index")
				}
			}
			assert.Contains(t, o.Table(), "-use_fast_math")
		})
	}
}

func TestSpMV(t *testing.T) {
	tu := emulated()
	defer tu.Close()
	report, err := tu.Run(context.Background(), fixture(t, "spmv.c"))
	require.NoError(t, err)
	require.Len(t, report.Blocks, 1)
	o := report.Blocks[0].Outcome
	require.Len(t, o.Results, 4)
	// Five rows unrolled by three leave two residual rows; every variant
	// computes the same product as the baseline.
	assert.Equal(t, 4, o.Count(evaluate.Success))
	assert.Equal(t, annot.KindDomainSpec, report.Blocks[0].Block.Kind)
	sums := checksums(o.Results)
	for _, s := range sums[1:] {
		assert.InDelta(t, sums[0], s, 1e-12)
	}
}

// checksums returns the y checksum of every result.
func checksums(results []evaluate.Result) []float64 {
	out := make([]float64, len(results))
	for i, r := range results {
		out[i] = r.Checksums["y"]
	}
	return out
}

func TestFatalErrors(t *testing.T) {
	axpy := string(fixture(t, "axpy.c"))

	t.Run("empty domain", func(t *testing.T) {
		tu := emulated()
		defer tu.Close()
		report, err := tu.Run(context.Background(), []byte(strings.Replace(axpy, "[1, 2, 4]", "range(4, 1)", 1)))
		assert.True(t, errors.Is(err, space.ErrEmptyDomain), "%v", err)
		assert.ErrorContains(t, err, "PerfTuning block at line 5")
		assert.Nil(t, report)
	})

	t.Run("no viable variant", func(t *testing.T) {
		tu := emulated()
		defer tu.Close()
		report, err := tu.Run(context.Background(), []byte(strings.Replace(axpy, "[1, 2, 4]", "[0, -1]", 1)))
		assert.True(t, errors.Is(err, search.ErrNoViableVariant), "%v", err)
		assert.ErrorContains(t, err, "Loop block at line 18")
		require.NotNil(t, report)
		assert.Nil(t, report.Output)
		require.Len(t, report.Blocks, 1)
		assert.Equal(t, 2, report.Blocks[0].Outcome.Count(evaluate.BuildFailure))
	})

	t.Run("malformed", func(t *testing.T) {
		tu := emulated()
		defer tu.Close()
		_, err := tu.Run(context.Background(), []byte(strings.Replace(axpy, "/*@ end @*/\n}", "}", 1)))
		assert.True(t, errors.Is(err, annot.ErrMalformedAnnotation), "%v", err)
	})

	t.Run("canceled", func(t *testing.T) {
		tu := emulated()
		defer tu.Close()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		report, err := tu.Run(ctx, []byte(axpy))
		assert.ErrorIs(t, err, context.Canceled)
		assert.Nil(t, report.Output)
	})
}

func TestLiteralParameters(t *testing.T) {
	for _, tt := range []struct {
		name string
		kind annot.Kind
		want []string
	}{
		{"literal/vecAXPBYPCZ.c", annot.KindTransform, []string{
			"__global__ void perftune_kernel_0(",
			"perftune_kernel_0<<<14, 32",
			"cudaFuncSetCacheConfig(perftune_kernel_0, cudaFuncCachePreferShared);",
			"__shared__",
		}},
		{"literal/spmv.c", annot.KindDomainSpec, []string{
			"\nfor (i = 0; i <= m - 3; i += 3) {\n",
			"y0 = y0 + aa[j] * x[aj[j]] + aa[j + 1] * x[aj[j + 1]] + aa[j + 2] * x[aj[j + 2]];",
			"\nfor (; i <= m - 1; i++) {\n",
		}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			tu := emulated()
			defer tu.Close()
			src := fixture(t, tt.name)
			report, err := tu.Run(context.Background(), src)
			require.NoError(t, err)
			require.Len(t, report.Blocks, 1)
			b := report.Blocks[0]
			assert.Equal(t, tt.kind, b.Block.Kind)
			assert.Nil(t, b.Tuning)
			assert.Nil(t, b.Outcome, "a single candidate is not measured")
			require.NotNil(t, b.Winner)
			assert.Equal(t, 0, b.Winner.Assignment.Len())
			assert.True(t, strings.HasSuffix(b.Summary, ", not measured"), b.Summary)

			out := string(report.Output)
			assert.Contains(t, out, annot.NotePrefix+" "+b.Summary)
			for _, want := range tt.want {
				assert.Contains(t, out, want)
			}

			again, err := tu.Run(context.Background(), report.Output)
			require.NoError(t, err)
			if diff := cmp.Diff(out, string(again.Output)); diff != "" {
				t.Errorf("second run (-first +second):\n%s", diff)
			}
		})
	}

	t.Run("streams", func(t *testing.T) {
		tu := emulated()
		defer tu.Close()
		report, err := tu.Run(context.Background(), fixture(t, "literal/vecAXPBYPCZ.c"))
		require.NoError(t, err)
		out := string(report.Output)
		assert.Regexp(t, `cudaStream_t \w+\[2\];`, out)
		assert.True(t, strings.HasPrefix(out, "/* perftune:prelude begin */\n"))
		assert.Contains(t, report.Blocks[0].Summary, "CUDA(threads=32, blocks=14, streams=2, cacheBlocks=true, preferL1Size=16, unrollInner=1)")
	})

	t.Run("unbound parameter", func(t *testing.T) {
		tu := emulated()
		defer tu.Close()
		src := strings.Replace(string(fixture(t, "literal/spmv.c")), "out_unroll_factor = 3;", "out_unroll_factor = U;", 1)
		report, err := tu.Run(context.Background(), []byte(src))
		assert.ErrorContains(t, err, "SpMV block at line 2")
		assert.Nil(t, report)
	})
}

// fakeCompiler stands in for the C compiler. The artifact it writes prints a
// cost and a checksum of y chosen by the variant named in the harness header.
const fakeCompiler = `case "$(head -n 1 "$3")" in
*baseline*) cost=5 sum=10 ;;
*"(U=1)"*) cost=3 sum=10 ;;
*"(U=2)"*) cost=2 sum=10.000000000001 ;;
*"(U=4)"*) cost=1 sum=11 ;;
esac
printf '#!/bin/sh\necho perftune:time %s\necho perftune:checksum y %s\n' "$cost" "$sum" > "$2"
chmod +x "$2"
`

func TestNativeVerification(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	for _, tt := range []struct {
		name     string
		compiler string
		verify   bool
		best     string
		failed   int
	}{
		{"mismatch rejected", fakeCompiler, true, "U=2", 1},
		{"not verified", fakeCompiler, false, "U=4", 0},
		{"baseline fails", strings.Replace(fakeCompiler, "*baseline*) cost=5 sum=10 ;;", "*baseline*) exit 1 ;;", 1), true, "U=4", 0},
	} {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			cc := filepath.Join(dir, "cc.sh")
			require.NoError(t, os.WriteFile(cc, []byte(tt.compiler), 0o644))
			opts := DefaultOptions()
			opts.Jobs = 2
			opts.Verify = tt.verify
			opts.WorkDir = filepath.Join(dir, "work")
			opts.Harness.Compiler = "sh " + cc
			opts.Harness.Libs = ""
			tu := New(opts)
			defer tu.Close()

			report, err := tu.Run(context.Background(), fixture(t, "axpy.c"))
			require.NoError(t, err)
			require.Len(t, report.Blocks, 1)
			o := report.Blocks[0].Outcome
			assert.Equal(t, tt.best, o.Best.Assignment.String())
			assert.Equal(t, tt.failed, o.Count(evaluate.RuntimeFailure))
			if tt.failed > 0 {
				r := o.Results[2]
				assert.Equal(t, evaluate.RuntimeFailure, r.Status)
				assert.Equal(t, "checksum of y is 11, the baseline gives 10", r.Detail)
				assert.True(t, o.Results[1].OK(), "differences within the tolerance pass")
			}
		})
	}
}
