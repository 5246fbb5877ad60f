// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package annot

import (
	"strings"
)

// NotePrefix starts the provenance comment written into a tuned block. The
// comment also carries the original baseline, so that tuning a rewritten file
// starts again from the same code.
const NotePrefix = "/* perftune:"

// noteBaseline separates the summary of a note from the embedded baseline.
const noteBaseline = "baseline:"

// FormatNote returns the provenance comment for a tuned block, or false if the
// baseline cannot be embedded in a C comment.
func FormatNote(summary, baseline, indent string) (string, bool) {
	if strings.Contains(baseline, "*/") {
		return "", false
	}
	return NotePrefix + " " + summary + "\n" + indent + "   " + noteBaseline + baseline + "*/", true
}

// SplitNote recognizes a body that starts with a provenance comment and returns
// the embedded baseline and the summary.
func SplitNote(body string) (baseline, summary string, ok bool) {
	rest := strings.TrimLeft(body, " \t\r\n")
	if !strings.HasPrefix(rest, NotePrefix) {
		return "", "", false
	}
	rest = rest[len(NotePrefix):]
	nl := strings.IndexByte(rest, '\n')
	if nl < 0 {
		return "", "", false
	}
	summary = strings.TrimSpace(rest[:nl])
	rest = strings.TrimLeft(rest[nl+1:], " \t")
	if !strings.HasPrefix(rest, noteBaseline) {
		return "", "", false
	}
	rest = rest[len(noteBaseline):]
	end := strings.Index(rest, "*/")
	if end < 0 {
		return "", "", false
	}
	return rest[:end], summary, true
}

// EnclosingFunction finds the top-level function definition whose body
// contains offset. Header spans from the end of the previous top-level
// declaration (comments included) to the opening brace; Body spans the braces.
func EnclosingFunction(src []byte, offset int) (header, body Span, ok bool) {
	depth := 0
	lastTop := 0 // End of the last top-level declaration or directive.
	open := -1
	atLineStart := true
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case c == '\n':
			atLineStart = true
			continue
		case c == ' ' || c == '\t' || c == '\r':
			continue
		case c == '#' && atLineStart && depth == 0:
			for i < len(src) && (src[i] != '\n' || src[i-1] == '\\') {
				i++
			}
			lastTop = i
			atLineStart = true
			continue
		case c == '/' && i+1 < len(src) && src[i+1] == '/':
			for i < len(src) && src[i] != '\n' {
				i++
			}
			atLineStart = true
			continue
		case c == '/' && i+1 < len(src) && src[i+1] == '*':
			end := strings.Index(string(src[i+2:]), "*/")
			if end < 0 {
				return Span{}, Span{}, false
			}
			i += 2 + end + 1
		case c == '"' || c == '\'':
			for i++; i < len(src) && src[i] != c; i++ {
				if src[i] == '\\' {
					i++
				}
			}
		case c == '{':
			if depth == 0 {
				open = i
			}
			depth++
		case c == '}':
			depth--
			if depth == 0 && open >= 0 {
				if open <= offset && offset <= i {
					start := lastTop
					for start < open && isSpace(src[start]) {
						start++
					}
					return Span{Start: start, End: open}, Span{Start: open, End: i + 1}, true
				}
				lastTop = i + 1
			}
			if depth < 0 {
				return Span{}, Span{}, false
			}
		case c == ';' && depth == 0:
			lastTop = i + 1
		}
		atLineStart = false
	}
	return Span{}, Span{}, false
}
