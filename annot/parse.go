// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package annot

import (
	"bytes"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrMalformedAnnotation is the cause of every annotation parse error.
var ErrMalformedAnnotation = errors.New("malformed annotation")

const (
	markerOpen  = "/*@"
	markerClose = "@*/"
)

// malformed returns an ErrMalformedAnnotation error located at line.
func malformed(line int, format string, args ...any) error {
	return errors.Wrapf(ErrMalformedAnnotation, "line %d: "+format, append([]any{line}, args...)...)
}

// lineIndex maps byte offsets to 1-based line numbers.
type lineIndex []int

func newLineIndex(src []byte) lineIndex {
	idx := lineIndex{0}
	for i, c := range src {
		if c == '\n' {
			idx = append(idx, i+1)
		}
	}
	return idx
}

func (l lineIndex) line(offset int) int {
	lo, hi := 0, len(l)
	for lo+1 < hi {
		mid := (lo + hi) / 2
		if l[mid] <= offset {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo + 1
}

// Parse finds every annotation of src and returns the annotation forest.
// Any structural problem is reported as ErrMalformedAnnotation with the line
// where it was found.
func Parse(src []byte) (*File, error) {
	f := &File{Src: src}
	lines := newLineIndex(src)
	var stack []*Node
	pos := 0
	for {
		rel := bytes.Index(src[pos:], []byte(markerOpen))
		if rel < 0 {
			break
		}
		start := pos + rel
		line := lines.line(start)
		relClose := bytes.Index(src[start+len(markerOpen):], []byte(markerClose))
		if relClose < 0 {
			return nil, malformed(line, "unterminated annotation marker")
		}
		contentStart := start + len(markerOpen)
		end := contentStart + relClose + len(markerClose)
		content := string(src[contentStart : contentStart+relClose])
		pos = end
		marker := Span{Start: start, End: end}

		trimmed := strings.TrimSpace(content)
		switch {
		case trimmed == "end":
			if len(stack) == 0 {
				return nil, malformed(line, "end marker without a matching begin")
			}
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if err := closeNode(f, n, marker, lines); err != nil {
				return nil, err
			}
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				n.Parent = parent
				parent.Children = append(parent.Children, n)
			} else {
				f.Roots = append(f.Roots, n)
			}
		case strings.HasPrefix(trimmed, "begin"):
			n, err := openNode(src, contentStart, content, marker, line)
			if err != nil {
				return nil, err
			}
			for _, open := range stack {
				if open.Kind != KindPerfTuning {
					return nil, malformed(line, "%s block cannot contain other annotations", open.Kind)
				}
				if n.Kind == KindPerfTuning {
					return nil, malformed(line, "PerfTuning blocks cannot be nested")
				}
			}
			stack = append(stack, n)
		default:
			return nil, malformed(line, "unknown annotation marker %q", trimmed)
		}
	}
	if len(stack) > 0 {
		n := stack[len(stack)-1]
		return nil, malformed(n.Line, "%s block has no end marker", n.Kind)
	}
	blocks := f.Blocks()
	for i, b := range blocks {
		b.Ordinal = i
	}
	klog.V(2).Infof("annot: parsed %d annotation blocks", len(blocks))
	return f, nil
}

var moduleKinds = map[string]Kind{
	"PerfTuning": KindPerfTuning,
	"Loop":       KindTransform,
	"SpMV":       KindDomainSpec,
}

// openNode parses `begin NAME ( ARGS )` and returns a node with its Begin and
// Args spans set.
func openNode(src []byte, contentStart int, content string, marker Span, line int) (*Node, error) {
	i := strings.Index(content, "begin") + len("begin")
	skipSpace := func() {
		for i < len(content) && isSpace(content[i]) {
			i++
		}
	}
	skipSpace()
	nameStart := i
	for i < len(content) && isWordChar(content[i]) {
		i++
	}
	name := content[nameStart:i]
	if name == "" {
		return nil, malformed(line, "begin marker without a module name")
	}
	kind, ok := moduleKinds[name]
	if !ok {
		return nil, malformed(line, "unknown module %q", name)
	}
	skipSpace()
	if i >= len(content) || content[i] != '(' {
		return nil, malformed(line, "expected '(' after module %s", name)
	}
	argsStart := i + 1
	argsEnd, err := matchParen(content, i)
	if err != nil {
		return nil, malformed(line, "%s arguments: %v", name, err)
	}
	if rest := strings.TrimSpace(content[argsEnd+1:]); rest != "" {
		return nil, malformed(line, "unexpected %q after %s arguments", rest, name)
	}
	return &Node{
		Kind:  kind,
		Line:  line,
		Begin: marker,
		Args:  Span{Start: contentStart + argsStart, End: contentStart + argsEnd},
	}, nil
}

// matchParen returns the index of the parenthesis closing the one at open,
// skipping quoted strings and `#` line comments.
func matchParen(s string, open int) (int, error) {
	depth := 0
	for i := open; i < len(s); i++ {
		switch c := s[i]; c {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i, nil
			}
		case '\'', '"':
			j := strings.IndexByte(s[i+1:], c)
			if j < 0 {
				return 0, errors.New("unterminated string")
			}
			i += j + 1
		case '#':
			j := strings.IndexByte(s[i:], '\n')
			if j < 0 {
				i = len(s)
			} else {
				i += j
			}
		}
	}
	return 0, errors.New("unbalanced parentheses")
}

func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\n' || c == '\r' }

func isWordChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// closeNode completes n once its end marker is found: spans, baseline child and
// the module arguments.
func closeNode(f *File, n *Node, marker Span, lines lineIndex) error {
	n.End = marker
	n.Body = Span{Start: n.Begin.End, End: marker.Start}
	n.Outer = Span{Start: n.Begin.Start, End: marker.End}
	if len(n.Children) == 0 {
		text := string(f.Src[n.Body.Start:n.Body.End])
		if embedded, _, ok := SplitNote(text); ok {
			text = embedded
			n.Rewritten = true
		}
		n.Children = append(n.Children, &Node{
			Kind:   KindBaseline,
			Line:   lines.line(n.Body.Start),
			Outer:  n.Body,
			Begin:  n.Body,
			Body:   n.Body,
			End:    n.Body,
			Args:   n.Body,
			Parent: n,
			Text:   text,
		})
	}

	args := string(f.Src[n.Args.Start:n.Args.End])
	argsLine := lines.line(n.Args.Start)
	var err error
	switch n.Kind {
	case KindPerfTuning:
		n.Tuning, err = parseTuningSpec(args, argsLine)
	case KindTransform:
		n.Transform, err = parseTransformSpec(args, argsLine)
	case KindDomainSpec:
		n.Domain, err = parseDomainSpec(args, argsLine)
	}
	return err
}
