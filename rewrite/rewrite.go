// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

// Package rewrite substitutes tuned variants back into the annotated source.
//
// Only the bodies of the tuned blocks change: the annotation markers stay in
// place and every byte outside the blocks is preserved, except for the file
// scope code (CUDA kernels) inserted before the function enclosing a block.
// Each tuned body starts with a provenance note embedding the original
// baseline, so a rewritten file can be tuned again.
package rewrite

import (
	"bytes"
	"slices"
	"strings"

	"github.com/ajroetker/perftune/annot"
	"github.com/ajroetker/perftune/codegen"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	preludeBegin = "/* perftune:prelude begin */\n"
	preludeEnd   = "/* perftune:prelude end */\n\n"
)

// Edit is the winning variant of one block and the one-line summary written
// in its provenance note.
type Edit struct {
	Variant *codegen.Variant
	Summary string
}

// splice replaces src[start:end] with text; seq orders insertions at the same
// offset.
type splice struct {
	start, end, seq int
	text            string
}

// Apply rewrites the body of block n with variant v.
func Apply(src []byte, n *annot.Node, v *codegen.Variant, summary string) ([]byte, error) {
	if v.Block != n {
		return nil, errors.Errorf("variant was generated for %s, not %s", v.Block.Name(), n.Name())
	}
	return ApplyAll(src, []Edit{{Variant: v, Summary: summary}})
}

// ApplyAll rewrites every edited block of src at once. Blocks must not
// overlap.
func ApplyAll(src []byte, edits []Edit) ([]byte, error) {
	var splices []splice
	for i, e := range edits {
		n := e.Variant.Block
		base := n.Baseline()
		if base == nil {
			return nil, errors.Errorf("%s has nested blocks and cannot be rewritten", n.Name())
		}
		if strings.Contains(e.Summary, "\n") {
			return nil, errors.Errorf("%s: multi-line summary %q", n.Name(), e.Summary)
		}
		splices = append(splices, splice{start: n.Body.Start, end: n.Body.End, seq: i, text: body(src, n, e)})

		if e.Variant.Prelude == "" {
			continue
		}
		if strings.Contains(e.Variant.Prelude, preludeEnd) {
			return nil, errors.Errorf("%s: prelude contains the prelude end marker", n.Name())
		}
		header, _, ok := annot.EnclosingFunction(src, n.Body.Start)
		if !ok {
			return nil, errors.Errorf("%s is not inside a function definition, cannot insert its kernels", n.Name())
		}
		prelude := e.Variant.Prelude
		if !strings.HasSuffix(prelude, "\n") {
			prelude += "\n"
		}
		splices = append(splices, splice{start: header.Start, end: header.Start, seq: i, text: preludeBegin + prelude + preludeEnd})
	}

	slices.SortFunc(splices, func(a, b splice) int {
		if a.start != b.start {
			return b.start - a.start
		}
		return b.seq - a.seq
	})
	for i := 1; i < len(splices); i++ {
		if splices[i].end > splices[i-1].start {
			return nil, errors.New("edited blocks overlap")
		}
	}
	out := bytes.Clone(src)
	for _, s := range splices {
		out = slices.Concat(out[:s.start], []byte(s.text), out[s.end:])
	}
	return out, nil
}

// body returns the new body of the block edited by e: the provenance note and
// the variant, indented like the begin marker.
func body(src []byte, n *annot.Node, e Edit) string {
	indent := lineIndent(src, n.Begin.Start)
	old := string(src[n.Body.Start:n.Body.End])
	trailing := ""
	if i := strings.LastIndexByte(old, '\n'); i >= 0 && strings.TrimSpace(old[i+1:]) == "" {
		trailing = old[i+1:]
	}

	note, ok := annot.FormatNote(e.Summary, n.Baseline().Text, indent)
	if !ok {
		klog.Warningf("rewrite: %s: the baseline cannot be embedded in a comment, a second tuning run will start from the tuned code", n.Name())
		note = annot.NotePrefix + " " + e.Summary + " */"
	}
	var b strings.Builder
	b.WriteString("\n" + indent + note + "\n")
	for _, line := range strings.Split(dedent(e.Variant.Body), "\n") {
		if strings.TrimSpace(line) != "" {
			b.WriteString(indent + line)
		}
		b.WriteByte('\n')
	}
	b.WriteString(trailing)
	return b.String()
}

// lineIndent returns the leading blanks of the line holding offset.
func lineIndent(src []byte, offset int) string {
	start := bytes.LastIndexByte(src[:offset], '\n') + 1
	end := start
	for end < offset && (src[end] == ' ' || src[end] == '\t') {
		end++
	}
	return string(src[start:end])
}

// dedent removes the surrounding blank lines of s and the indentation common
// to its lines.
func dedent(s string) string {
	lines := strings.Split(s, "\n")
	for len(lines) > 0 && strings.TrimSpace(lines[0]) == "" {
		lines = lines[1:]
	}
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	common := ""
	first := true
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		lead := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
		if first {
			common, first = lead, false
			continue
		}
		for !strings.HasPrefix(lead, common) {
			common = common[:len(common)-1]
		}
	}
	for i, line := range lines {
		lines[i] = strings.TrimPrefix(line, common)
	}
	return strings.Join(lines, "\n")
}

// Strip removes the file scope code inserted by earlier rewrites, restoring
// the line numbers the blocks had when they were first tuned.
func Strip(src []byte) []byte {
	out := src
	for {
		i := bytes.Index(out, []byte(preludeBegin))
		if i < 0 {
			return out
		}
		j := bytes.Index(out[i:], []byte(preludeEnd))
		if j < 0 {
			klog.Warningf("rewrite: unterminated %q", strings.TrimSpace(preludeBegin))
			return out
		}
		out = slices.Concat(out[:i], out[i+j+len(preludeEnd):])
	}
}
