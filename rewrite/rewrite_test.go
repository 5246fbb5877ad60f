// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package rewrite

import (
	"strings"
	"testing"

	"github.com/ajroetker/perftune/annot"
	"github.com/ajroetker/perftune/codegen"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const source = `#include <stdio.h>

/* copies x */
void f(int n, double *x, double *y) {
  int i;
  /*@ begin Loop(transform Unroll(ufactor=U)) @*/
  for (i = 0; i <= n - 1; i++)
    y[i] = x[i];
  /*@ end @*/
  /*@ begin Loop(transform Unroll(ufactor=U)) @*/
  for (i = 0; i <= n - 1; i++)
    x[i] = 0;
  /*@ end @*/
}
`

const (
	baseline    = "\n  for (i = 0; i <= n - 1; i++)\n    y[i] = x[i];\n  "
	variantBody = "y[0] = x[0];\nfor (i = 1; i <= n - 1; i++) {\n  y[i] = x[i];\n}"
	summary     = "Unroll(ufactor=2) for U=2, cost 5"
)

func parse(t *testing.T, src string) *annot.File {
	t.Helper()
	f, err := annot.Parse([]byte(src))
	require.NoError(t, err)
	require.Len(t, f.Roots, 2)
	return f
}

func TestApply(t *testing.T) {
	f := parse(t, source)
	block := f.Roots[0]
	v := &codegen.Variant{Block: block, Body: variantBody}
	out, err := Apply(f.Src, block, v, summary)
	require.NoError(t, err)

	note, ok := annot.FormatNote(summary, baseline, "  ")
	require.True(t, ok)
	want := strings.Replace(source, baseline,
		"\n  "+note+"\n  y[0] = x[0];\n  for (i = 1; i <= n - 1; i++) {\n    y[i] = x[i];\n  }\n  ", 1)
	if diff := cmp.Diff(want, string(out)); diff != "" {
		t.Errorf("rewritten source (-want +got):\n%s", diff)
	}

	// The rewritten block keeps its baseline, so rewriting it again with the
	// same variant reproduces the same file.
	again := parse(t, string(out))
	assert.True(t, again.Roots[0].Rewritten)
	assert.Equal(t, baseline, again.Roots[0].Baseline().Text)
	assert.False(t, again.Roots[1].Rewritten)
	out2, err := Apply(again.Src, again.Roots[0], &codegen.Variant{Block: again.Roots[0], Body: variantBody}, summary)
	require.NoError(t, err)
	if diff := cmp.Diff(string(out), string(out2)); diff != "" {
		t.Errorf("second rewrite (-first +second):\n%s", diff)
	}

	// A generic variant re-indents its baseline text.
	generic, err := Apply(f.Src, block, &codegen.Variant{Block: block, Body: baseline}, "baseline")
	require.NoError(t, err)
	assert.Contains(t, string(generic), "*/\n  for (i = 0; i <= n - 1; i++)\n    y[i] = x[i];\n  /*@ end @*/")
}

func TestApplyAllWithPreludes(t *testing.T) {
	f := parse(t, source)
	edits := []Edit{
		{Variant: &codegen.Variant{Block: f.Roots[0], Body: variantBody, Prelude: "__global__ void k6() {\n}\n"}, Summary: "first"},
		{Variant: &codegen.Variant{Block: f.Roots[1], Body: "x[0] = 0;", Prelude: "__global__ void k10() {\n}"}, Summary: "second"},
	}
	out, err := ApplyAll(f.Src, edits)
	require.NoError(t, err)
	text := string(out)

	assert.True(t, strings.HasPrefix(text, "#include <stdio.h>\n\n"+
		preludeBegin+"__global__ void k6() {\n}\n"+preludeEnd+
		preludeBegin+"__global__ void k10() {\n}\n"+preludeEnd+
		"/* copies x */\nvoid f("))
	assert.Contains(t, text, "/* perftune: second\n")
	assert.Contains(t, text, "\n  x[0] = 0;\n  /*@ end @*/\n}\n")

	// Stripping the kernels restores the line of the first block; the second
	// one moves with the rewritten body above it but keeps its ordinal. Tuning
	// the result again with the same winners is a fixed point.
	stripped := Strip(out)
	g := parse(t, string(stripped))
	assert.Equal(t, f.Roots[0].Line, g.Roots[0].Line)
	assert.Greater(t, g.Roots[1].Line, f.Roots[1].Line)
	assert.Equal(t, f.Roots[1].Ordinal, g.Roots[1].Ordinal)
	edits[0].Variant.Block, edits[1].Variant.Block = g.Roots[0], g.Roots[1]
	out2, err := ApplyAll(g.Src, edits)
	require.NoError(t, err)
	if diff := cmp.Diff(text, string(out2)); diff != "" {
		t.Errorf("second rewrite (-first +second):\n%s", diff)
	}

	assert.Equal(t, []byte(source), Strip([]byte(source)))
}

func TestApplyErrors(t *testing.T) {
	f := parse(t, source)

	_, err := Apply(f.Src, f.Roots[1], &codegen.Variant{Block: f.Roots[0]}, "x")
	assert.ErrorContains(t, err, "not Loop block at line 10")

	_, err = Apply(f.Src, f.Roots[0], &codegen.Variant{Block: f.Roots[0], Body: "y[0] = 0;"}, "two\nlines")
	assert.ErrorContains(t, err, "multi-line summary")

	nested, err := annot.Parse([]byte(`void g(double *y) {
  /*@ begin PerfTuning(
        def performance_params {
          param U[] = [1];
        }
  ) @*/
  /*@ begin Loop(transform Unroll(ufactor=U)) @*/
  y[0] = 0;
  /*@ end @*/
  /*@ end @*/
}
`))
	require.NoError(t, err)
	_, err = ApplyAll(nested.Src, []Edit{{Variant: &codegen.Variant{Block: nested.Roots[0], Body: "y[0] = 0;"}}})
	assert.ErrorContains(t, err, "nested blocks")

	fileScope, err := annot.Parse([]byte("/*@ begin Loop(transform Unroll(ufactor=U)) @*/\nint x;\n/*@ end @*/\n"))
	require.NoError(t, err)
	n := fileScope.Roots[0]
	_, err = Apply(fileScope.Src, n, &codegen.Variant{Block: n, Body: "int x;", Prelude: "__global__ void k() {}\n"}, "x")
	assert.ErrorContains(t, err, "not inside a function")
}
