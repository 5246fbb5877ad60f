// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ajroetker/perftune/annot"
	"github.com/ajroetker/perftune/harness"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/tools/txtar"
)

func scenario(t *testing.T, name string) []byte {
	t.Helper()
	ar, err := txtar.ParseFile("../../tuner/testdata/scenarios.txtar")
	require.NoError(t, err)
	for _, f := range ar.Files {
		if f.Name == name {
			return f.Data
		}
	}
	t.Fatalf("no %s fixture", name)
	return nil
}

func axpy(t *testing.T) []byte {
	t.Helper()
	return scenario(t, "axpy.c")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestOutputPath(t *testing.T) {
	for _, tt := range []struct {
		name, path, output string
		inPlace            bool
		want               string
	}{
		{"default", "src/axpy.c", "", false, filepath.Join("src", "_axpy.c")},
		{"bare name", "axpy.c", "", false, "_axpy.c"},
		{"explicit", "src/axpy.c", "out.c", false, "out.c"},
		{"in place", "src/axpy.c", "out.c", true, "src/axpy.c"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, outputPath(tt.path, tt.output, tt.inPlace))
		})
	}
}

func TestDescribe(t *testing.T) {
	f, err := annot.Parse(axpy(t))
	require.NoError(t, err)

	var w bytes.Buffer
	require.NoError(t, describe(&w, f, true))
	out := w.String()
	assert.Contains(t, out, "PerfTuning block at line 5: 3 assignments")
	assert.Contains(t, out, "param U = ")
	assert.Contains(t, out, "1 input bindings")
	assert.Contains(t, out, "tunes Loop block at line 18\n")
	assert.Contains(t, out, "U=4")
	assert.NotContains(t, out, "excluded by")
}

func TestGenerate(t *testing.T) {
	src := axpy(t)
	f, err := annot.Parse(src)
	require.NoError(t, err)

	var w bytes.Buffer
	require.NoError(t, generate(&w, src, f, 2, 0, false, harness.DefaultOptions()))
	assert.True(t, strings.HasPrefix(w.String(), "/* Loop block at line 18: "), w.String())
	assert.Contains(t, w.String(), "U=4")

	w.Reset()
	require.NoError(t, generate(&w, src, f, 0, 0, true, harness.DefaultOptions()))
	assert.Contains(t, w.String(), "gcc -O3 -o "+harness.Artifact)
	assert.Contains(t, w.String(), harness.TimePrefix)

	assert.ErrorContains(t, generate(&w, src, f, 3, 0, false, harness.DefaultOptions()), "assignment index 3 out of range [0, 3)")
	assert.ErrorContains(t, generate(&w, src, f, 0, 1, false, harness.DefaultOptions()), "binding index 1 out of range [0, 1)")
}

func TestGenerateLiteralParameters(t *testing.T) {
	src := scenario(t, "literal/spmv.c")
	f, err := annot.Parse(src)
	require.NoError(t, err)

	var w bytes.Buffer
	require.NoError(t, generate(&w, src, f, 0, 0, true, harness.DefaultOptions()))
	assert.True(t, strings.HasPrefix(w.String(), "/* SpMV block at line 2: SpMV(out_unroll_factor=3, in_unroll_factor=3), not measured */\n"), w.String())
	assert.Contains(t, w.String(), "i += 3")
	assert.NotContains(t, w.String(), harness.TimePrefix)
}

func TestTuneLiteralParameters(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spmv.c")
	require.NoError(t, os.WriteFile(path, scenario(t, "literal/spmv.c"), 0o644))

	out, err := execute(t, "tune", "--emulate", "--progress=false", "--in-place", path)
	require.NoError(t, err, out)
	assert.Contains(t, out, "SpMV block at line 2: SpMV(out_unroll_factor=3, in_unroll_factor=3), not measured\n")
	rewritten, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(rewritten), annot.NotePrefix)
}

func TestTuneCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "axpy.c")
	require.NoError(t, os.WriteFile(path, axpy(t), 0o644))
	logPath := filepath.Join(dir, "search.log")

	out, err := execute(t, "tune", "--emulate", "--progress=false", "--jobs", "2", "--log", logPath, path)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Loop block at line 18: ")
	assert.Contains(t, out, "wrote "+filepath.Join(dir, "_axpy.c"))

	rewritten, err := os.ReadFile(filepath.Join(dir, "_axpy.c"))
	require.NoError(t, err)
	assert.Contains(t, string(rewritten), annot.NotePrefix)
	original, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, string(axpy(t)), string(original), "FILE is left alone without --in-place")

	log, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(log), "Assignment")
}

func TestTuneCommandErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "axpy.c")
	require.NoError(t, os.WriteFile(path, axpy(t), 0o644))

	_, err := execute(t, "tune", "--emulate", "--progress=false", "--metric", "cycles", path)
	assert.ErrorContains(t, err, `unknown metric "cycles"`)

	_, err = execute(t, "tune", "--emulate", "--progress=false", filepath.Join(dir, "missing.c"))
	assert.ErrorContains(t, err, "reading ")

	_, err = execute(t, "--config", filepath.Join(dir, "missing.yaml"), "space", path)
	assert.ErrorContains(t, err, "reading config")
}
