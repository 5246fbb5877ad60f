// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package harness

import (
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/ajroetker/perftune/annot"
	"github.com/ajroetker/perftune/cloop"
	"github.com/ajroetker/perftune/codegen"
	"github.com/ajroetker/perftune/space"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/tools/txtar"
)

func loadRegion(t *testing.T, name string) ([]byte, *annot.File) {
	t.Helper()
	ar, err := txtar.ParseFile("testdata/regions.txtar")
	require.NoError(t, err)
	for _, f := range ar.Files {
		if f.Name == name {
			parsed, err := annot.Parse(f.Data)
			require.NoError(t, err)
			return f.Data, parsed
		}
	}
	t.Fatalf("no file %q in testdata/regions.txtar", name)
	return nil, nil
}

func assignment(params []space.Param, index int) space.Assignment {
	all, err := space.Expand(params)
	if err != nil {
		panic(err)
	}
	return all[index]
}

func run(t *testing.T, h *Harness, stmts []cloop.Stmt, v *codegen.Variant) *cloop.Env {
	t.Helper()
	env := h.Scope(rand.New(rand.NewPCG(1, 1)))
	in := cloop.NewInterp()
	v.Bind(in)
	require.NoError(t, in.ExecList(cloop.NewEnv(env), stmts))
	return env
}

func TestBuild(t *testing.T) {
	src, f := loadRegion(t, "axpy.c")
	tuning, block := f.Roots[0], f.Roots[0].Children[0]
	// U=2, OPT=3.
	v, err := codegen.Generate(src, block, assignment(tuning.Tuning.Params, 3))
	require.NoError(t, err)
	binding := assignment(tuning.Tuning.InputParams, 0)
	h, err := Build(src, tuning, v, binding, DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, "perftune_harness.c", h.FileName)
	assert.Equal(t, "gcc -O3 -DUF=2 -o perftune_harness perftune_harness.c -lm", h.Command)
	assert.Equal(t, 3, h.Repetitions)
	assert.False(t, h.CPUClock)
	assert.Equal(t, []Local{{Name: "i", Type: "int"}}, h.Locals)
	assert.Equal(t, []string{"y"}, h.Written)
	assert.Equal(t, []string{"N", "a"}, h.Consts.Names)
	require.Len(t, h.Inputs, 2)
	assert.Equal(t, []int{100}, h.Inputs[0].Dims)
	assert.True(t, h.Inputs[1].Dynamic)

	for _, want := range []string{
		"static const int N = 100;",
		"static const double a = 2.5;",
		"static double x[100];",
		"static double *y;",
		"gettimeofday(&tv, NULL);",
		"srand(1);",
		"for (k = 0; k < 100; k++)\n    x[k] = (double) rand() / RAND_MAX;",
		"for (k = 0; k < 100; k++)\n    y[k] = 0;",
		"static void perftune_region(void) {\n  int i;\n",
		"for (i = 0; i <= N - 2; i += 2) {",
		"y = (double *) malloc(100 * sizeof(double));",
		"for (rep = 0; rep < 3; rep++) {",
		`printf("perftune:time %.9e\n", stop - start);`,
		`printf("perftune:checksum y %.17g\n", sum);`,
	} {
		assert.Contains(t, h.Source, want)
	}
	assert.NotContains(t, h.Source, "/*@")

	// The program computes what the baseline computes.
	require.NotNil(t, h.Program)
	require.NotNil(t, h.Baseline)
	got := run(t, h, h.Program, v)
	want := run(t, h, h.Baseline, v)
	gy, _ := got.Array("y")
	wy, _ := want.Array("y")
	assert.Equal(t, wy.F, gy.F)
	assert.NotZero(t, gy.F[99])

	// Same program, same key; another binding changes it.
	again, err := Build(src, tuning, v, binding, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, h.Key(), again.Key())
	other, err := Build(src, tuning, v, assignment(tuning.Tuning.InputParams, 1), DefaultOptions())
	require.NoError(t, err)
	assert.NotEqual(t, h.Key(), other.Key())
	assert.Contains(t, other.Source, "static double x[1000];")
}

func TestBuildSiblingBlocks(t *testing.T) {
	src, f := loadRegion(t, "two.c")
	tuning := f.Roots[0]
	require.Len(t, tuning.Blocks(), 2)
	second := tuning.Blocks()[1]
	v, err := codegen.Generate(src, second, assignment(tuning.Tuning.Params, 0))
	require.NoError(t, err)
	h, err := Build(src, tuning, v, assignment(tuning.Tuning.InputParams, 0), DefaultOptions())
	require.NoError(t, err)

	assert.True(t, h.CPUClock)
	assert.Contains(t, h.Source, "return (double) clock() / CLOCKS_PER_SEC;")
	assert.Equal(t, []Local{{Name: "i", Type: "int"}, {Name: "j", Type: "int"}}, h.Locals)
	assert.Equal(t, []string{"N", "U"}, h.Consts.Names)
	assert.Contains(t, h.Source, "static const int U = 3;")
	assert.Contains(t, h.Source, "static double s;")
	assert.Contains(t, h.Source, "x[k] = 1.5;")
	assert.Contains(t, h.Source, "idx[k] = rand() % 10;")
	assert.Contains(t, h.Source, "s = 0;")
	// The first block keeps its baseline, the second is unrolled.
	assert.Contains(t, h.Source, "for (i = 0; i <= N - 1; i++)\n    y[i] = 2 * x[i];")
	assert.Contains(t, h.Source, "for (j = 0; j <= N - 3; j += 3) {")
	assert.Equal(t, 1, strings.Count(h.Source, "y[i] = 2 * x[i];"))

	got := run(t, h, h.Program, v)
	want := run(t, h, h.Baseline, v)
	gs, _ := got.Scalar("s")
	ws, _ := want.Scalar("s")
	assert.Equal(t, ws.Float(), gs.Float())
	assert.NotZero(t, gs.Float())
	idx, _ := got.Array("idx")
	for _, k := range idx.I {
		assert.True(t, k >= 0 && k < 10)
	}
}

func TestBuildDeclaredLocals(t *testing.T) {
	src, f := loadRegion(t, "typed.c")
	tuning := f.Roots[0]
	v, err := codegen.Generate(src, tuning.Children[0], assignment(tuning.Tuning.Params, 0))
	require.NoError(t, err)
	h, err := Build(src, tuning, v, assignment(tuning.Tuning.InputParams, 0), DefaultOptions())
	require.NoError(t, err)

	assert.ElementsMatch(t, []Local{{Name: "t", Type: "double"}, {Name: "i", Type: "int"}}, h.Locals)
	assert.Contains(t, h.Source, "  double t;\n")
	assert.Contains(t, h.Source, "  int i;\n")

	x, _ := h.Scope(rand.New(rand.NewPCG(1, 1))).Array("x")
	sum := 0.0
	for _, e := range x.F {
		sum += e / 2
	}
	require.NotZero(t, sum)
	for _, stmts := range [][]cloop.Stmt{h.Baseline, h.Program} {
		env := run(t, h, stmts, v)
		got, _ := env.Scalar("t")
		assert.InDelta(t, sum, got.Float(), 1e-12, "t accumulates without truncation")
	}
}

func TestBuildCUDA(t *testing.T) {
	src, f := loadRegion(t, "cuda.c")
	tuning := f.Roots[0]
	v, err := codegen.Generate(src, tuning.Children[0], assignment(tuning.Tuning.Params, 0))
	require.NoError(t, err)
	h, err := Build(src, tuning, v, assignment(tuning.Tuning.InputParams, 0), DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, "perftune_harness.cu", h.FileName)
	assert.Equal(t, "nvcc -O3 -o perftune_harness perftune_harness.cu -lm", h.Command)
	assert.Contains(t, h.Source, "__global__ void perftune_kernel_1(")
	assert.Less(t, strings.Index(h.Source, "__global__"), strings.Index(h.Source, "static void perftune_region(void)"))

	got := run(t, h, h.Program, v)
	want := run(t, h, h.Baseline, v)
	gx, _ := got.Array("x")
	wx, _ := want.Array("x")
	assert.Equal(t, wx.F, gx.F)
}

func TestUnresolvedShape(t *testing.T) {
	src, f := loadRegion(t, "unresolved.c")
	tuning := f.Roots[0]
	v, err := codegen.Generate(src, tuning.Children[0], assignment(tuning.Tuning.Params, 0))
	require.NoError(t, err)
	_, err = Build(src, tuning, v, assignment(tuning.Tuning.InputParams, 0), DefaultOptions())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnresolvedShape), "got %v", err)
	assert.Contains(t, err.Error(), "M is not an input parameter")
}

func TestSubstitute(t *testing.T) {
	a := space.Assignment{
		Names:  []string{"CFLAGS", "U", "SCALE", "U2"},
		Values: []space.Value{space.String("-O3 -ffast-math"), space.Int(4), space.Float(0.5), space.Bool(true)},
	}
	tests := []struct {
		in, want string
	}{
		{"gcc @CFLAGS", "gcc -O3 -ffast-math"},
		{"-DU=@U -DU2=@U2", "-DU=4 -DU2=True"},
		{"-DSCALE=@SCALE", "-DSCALE=0.5"},
		{"@U@U", "44"},
		{"mail me@host -DX=@X", "mail me@host -DX=@X"},
		{"trailing @", "trailing @"},
		{"@1", "@1"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Substitute(tt.in, a))
		})
	}
}
