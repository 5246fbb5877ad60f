// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package annot

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoteRoundTrip(t *testing.T) {
	baseline := "\n  for (i=0; i<=n-1; i++)\n    y[i] = x[i];\n"
	note, ok := FormatNote("U=4 cost=1.5ms", baseline, "  ")
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(note, NotePrefix))

	body := "\n  " + note + "\n  for (i=0; i<=n-4; i+=4) {\n  }\n"
	got, summary, ok := SplitNote(body)
	require.True(t, ok)
	assert.Equal(t, baseline, got)
	assert.Equal(t, "U=4 cost=1.5ms", summary)

	_, ok = FormatNote("x", "a = b; /* c */", "")
	assert.False(t, ok, "a baseline with a comment terminator cannot be embedded")

	_, _, ok = SplitNote("\n  for (;;) ;\n")
	assert.False(t, ok)
}

func TestParseRewrittenBlock(t *testing.T) {
	baseline := "\n  for (i=0; i<=n-1; i++)\n    y[i] = x[i];\n  "
	note, ok := FormatNote("ufactor=2", baseline, "  ")
	require.True(t, ok)
	src := "/*@ begin Loop(transform Unroll(ufactor=2)) @*/\n  " + note +
		"\n  y[0] = x[0];\n/*@ end @*/\n"
	f, err := Parse([]byte(src))
	require.NoError(t, err)
	n := f.Roots[0]
	assert.True(t, n.Rewritten)
	assert.Equal(t, baseline, n.Baseline().Text)
}

func TestEnclosingFunction(t *testing.T) {
	src := `#include <stdio.h>
#define N 10

/* helper */
static int twice(int x) { return 2 * x; }

// the kernel
void f(double *y) {
  int i;
  for (i = 0; i < N; i++) { y[i] = 0; }
}
`
	offset := strings.Index(src, "y[i] = 0")
	header, body, ok := EnclosingFunction([]byte(src), offset)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(src[header.Start:header.End], "// the kernel\nvoid f(double *y)"))
	assert.True(t, strings.HasPrefix(src[body.Start:body.End], "{\n  int i;"))
	assert.True(t, strings.HasSuffix(src[body.Start:body.End], "}\n}"))

	_, _, ok = EnclosingFunction([]byte(src), strings.Index(src, "#define"))
	assert.False(t, ok)

	header, _, ok = EnclosingFunction([]byte(src), strings.Index(src, "return 2"))
	require.True(t, ok)
	assert.Equal(t, "/* helper */\nstatic int twice(int x) ", src[header.Start:header.End])
}
