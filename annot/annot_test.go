// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package annot

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ajroetker/perftune/cloop"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/tools/txtar"
)

func loadSource(t *testing.T, name string) []byte {
	t.Helper()
	ar, err := txtar.ParseFile("testdata/sources.txtar")
	require.NoError(t, err)
	for _, f := range ar.Files {
		if f.Name == name {
			return f.Data
		}
	}
	t.Fatalf("no file %q in testdata/sources.txtar", name)
	return nil
}

func TestParseSpMV(t *testing.T) {
	src := loadSource(t, "spmv.c")
	f, err := Parse(src)
	require.NoError(t, err)
	require.Len(t, f.Roots, 1)
	n := f.Roots[0]
	assert.Equal(t, KindDomainSpec, n.Kind)
	assert.Equal(t, 2, n.Line)
	require.NotNil(t, n.Domain)
	assert.Nil(t, n.Tuning)
	assert.Nil(t, n.Transform)

	d := n.Domain
	assert.Equal(t, "m", d.NumRows)
	assert.Equal(t, "y", d.OutVector)
	assert.Equal(t, "x", d.InVector)
	assert.Equal(t, "aa", d.InMatrix)
	assert.Equal(t, "ai", d.RowInds)
	assert.Equal(t, "aj", d.ColInds)
	assert.Equal(t, "i", d.OutLoopVar)
	assert.Equal(t, "j", d.InLoopVar)
	assert.Equal(t, "double", d.ElmType)
	assert.Equal(t, "0", cloop.FormatExpr(d.InitVal))
	assert.Equal(t, "3", cloop.FormatExpr(d.OutUnrollFactor))
	assert.Equal(t, "3", cloop.FormatExpr(d.InUnrollFactor))

	base := n.Baseline()
	require.NotNil(t, base)
	assert.Equal(t, string(src[n.Body.Start:n.Body.End]), base.Text)
	assert.Contains(t, base.Text, "y[i] = y[i] + aa[j] * x[aj[j]];")
	assert.Equal(t, "/*@ end @*/", string(src[n.End.Start:n.End.End]))
	assert.True(t, strings.HasPrefix(string(src[n.Outer.Start:n.Outer.End]), "/*@ begin SpMV("))
}

func TestParseLoop(t *testing.T) {
	src := loadSource(t, "vecaxpbypcz.c")
	f, err := Parse(src)
	require.NoError(t, err)
	blocks := f.Blocks()
	require.Len(t, blocks, 1)
	n := blocks[0]
	assert.Equal(t, KindTransform, n.Kind)
	assert.Equal(t, 5, n.Line)
	tr := n.Transform
	require.NotNil(t, tr)
	assert.Equal(t, "CUDA", tr.Name)
	assert.Equal(t, "32", cloop.FormatExpr(tr.Arg("threadCount")))
	assert.Equal(t, "14", cloop.FormatExpr(tr.Arg("blockCount")))
	assert.Equal(t, "2", cloop.FormatExpr(tr.Arg("streamCount")))
	assert.Equal(t, "True", cloop.FormatExpr(tr.Arg("cacheBlocks")))
	assert.Equal(t, "16", cloop.FormatExpr(tr.Arg("preferL1Size")))
	assert.Nil(t, tr.Arg("unrollInner"))
	_, isFor := tr.Stmt.(*cloop.ForStmt)
	assert.True(t, isFor)
	assert.Contains(t, n.Baseline().Text, "y[i]=a*x[i]+b*y[i]+c*z[i];")
}

func TestParsePerfTuning(t *testing.T) {
	src := loadSource(t, "matmult.c")
	f, err := Parse(src)
	require.NoError(t, err)
	require.Len(t, f.Roots, 1)
	pt := f.Roots[0]
	assert.Equal(t, KindPerfTuning, pt.Kind)
	assert.Equal(t, 4, pt.Line)
	assert.Nil(t, pt.Baseline(), "only innermost blocks have a baseline")

	blocks := f.Blocks()
	require.Len(t, blocks, 2)
	loop := blocks[1]
	assert.Equal(t, KindTransform, loop.Kind)
	assert.Equal(t, 45, loop.Line)
	assert.Equal(t, []int{0, 1}, []int{pt.Ordinal, loop.Ordinal})
	assert.Same(t, pt, loop.Parent)
	assert.Equal(t, "TC", cloop.FormatExpr(loop.Transform.Arg("threadCount")))
	assert.Equal(t, "UIF", cloop.FormatExpr(loop.Transform.Arg("unrollInner")))

	ts := pt.Tuning
	require.NotNil(t, ts)
	var names []string
	for _, p := range ts.Params {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"TC", "BC", "UIF", "PL", "CFLAGS"}, names)
	assert.Equal(t, 64, ts.Space().Size())
	assert.Equal(t, "nvcc -arch=sm_20 @CFLAGS", ts.Build.Command)
	assert.True(t, ts.HasBuild)
	require.Len(t, ts.InputParams, 5)
	assert.Equal(t, "Nos", ts.InputParams[3].Name)

	require.Len(t, ts.InputVars, 3)
	a := ts.InputVars[0]
	assert.Equal(t, "A", a.Name)
	assert.Equal(t, "double", a.Type)
	assert.Equal(t, "static", a.Storage)
	assert.Equal(t, InitRandom, a.Init)
	require.Len(t, a.Shape, 1)
	assert.Equal(t, "m * n * p * Nos * dof", cloop.FormatExpr(a.Shape[0]))
	y, ok := ts.InputVar("y")
	require.True(t, ok)
	assert.Equal(t, InitZero, y.Init)

	assert.Equal(t, MethodBasicTimer, ts.Counter.Method)
	assert.Equal(t, 1, ts.Counter.Repetitions)
	assert.Equal(t, AlgorithmExhaustive, ts.Search.Algorithm)
}

func TestParseTuningSpecSections(t *testing.T) {
	ts, err := parseTuningSpec(`
  let SIZES = [64, 128];
  def performance_params {
    param U[] = range(1, 5);
    param N = SIZES;     # singleton spelling without brackets
    constraint small = U * N <= 256 or U == 1;
  }
  def input_params { param size[] = [1000, 2000] }
  def input_vars {
    decl dynamic unsigned int idx[size][2] = 7;
    decl double s = -1.5;
    decl float w[size];
  }
  def search {
    arg algorithm = 'random';
    arg total_runs = 5;
    arg time_limit = 2.5;
    arg prune_after = 3;
    arg seed = 42;
  }
  def performance_counter { arg method = 'CPU clock'; arg repetitions = 4; }
`, 10)
	require.NoError(t, err)
	assert.False(t, ts.HasBuild)
	require.Len(t, ts.Params, 2)
	assert.Equal(t, 2, ts.Params[1].Domain.Size())
	require.Len(t, ts.Constraints, 1)
	assert.Equal(t, "small", ts.Constraints[0].Name)

	require.Len(t, ts.InputVars, 3)
	idx := ts.InputVars[0]
	assert.Equal(t, "dynamic", idx.Storage)
	assert.Equal(t, "unsigned int", idx.Type)
	assert.Len(t, idx.Shape, 2)
	assert.Equal(t, InitLiteral, idx.Init)
	assert.Equal(t, 7.0, idx.Literal)
	assert.False(t, ts.InputVars[1].IsArray())
	assert.Equal(t, -1.5, ts.InputVars[1].Literal)
	assert.Equal(t, InitZero, ts.InputVars[2].Init)

	assert.Equal(t, AlgorithmRandom, ts.Search.Algorithm)
	assert.Equal(t, 5, ts.Search.TotalRuns)
	assert.Equal(t, 2500*time.Millisecond, ts.Search.TimeLimit)
	assert.Equal(t, 3, ts.Search.PruneAfter)
	assert.Equal(t, int64(42), ts.Search.Seed)
	assert.Equal(t, MethodCPUClock, ts.Counter.Method)
	assert.Equal(t, 4, ts.Counter.Repetitions)
}

func TestMalformed(t *testing.T) {
	tests := []struct {
		name string
		src  string
		line int
	}{
		{"end without begin", "int x;\n/*@ end @*/\n", 2},
		{"begin without end", "\n\n/*@ begin Loop(transform Unroll(ufactor=2)) @*/\nfor (i=0;i<n;i++) ;\n", 3},
		{"unknown module", "/*@ begin Tile(x=1) @*/ /*@ end @*/", 1},
		{"unbalanced parens", "\n/*@ begin Loop(transform Unroll(ufactor=2) @*/ x; /*@ end @*/", 2},
		{"unterminated marker", "/*@ begin Loop(", 1},
		{"unknown marker", "/*@ middle @*/", 1},
		{"missing input_vars", `/*@ begin PerfTuning(
  def build { arg build_command = 'gcc'; }
  def performance_params { param U[] = [1]; }
) @*/ x; /*@ end @*/`, 1},
		{"bad domain", `/*@ begin PerfTuning(
  def performance_params {
    param U[] = range(1, 4, 0);
  }
) @*/ x; /*@ end @*/`, 3},
		{"unknown arg", `/*@ begin PerfTuning(
  def build { arg compiler = 'gcc'; }
) @*/ x; /*@ end @*/`, 2},
		{"unknown transformation", "/*@ begin Loop(transform Tile(size=4)) @*/ x; /*@ end @*/", 1},
		{"unknown transform arg", "/*@ begin Loop(transform CUDA(warps=4)) @*/ x; /*@ end @*/", 1},
		{"spmv missing arg", "/*@ begin SpMV(num_rows = m;) @*/ x; /*@ end @*/", 1},
		{"nested perf tuning", "/*@ begin PerfTuning() @*/\n/*@ begin PerfTuning() @*/\n/*@ end @*/ /*@ end @*/", 2},
		{"block inside loop", "/*@ begin Loop(transform Unroll(ufactor=2)) @*/\n/*@ begin Loop(transform Unroll(ufactor=2)) @*/\n/*@ end @*/ /*@ end @*/", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.src))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedAnnotation), "got %v", err)
			assert.Contains(t, err.Error(), fmt.Sprintf("line %d:", tt.line))
		})
	}
}

func TestNoAnnotations(t *testing.T) {
	f, err := Parse([]byte("int main() { return 0; }\n"))
	require.NoError(t, err)
	assert.Empty(t, f.Blocks())
}
