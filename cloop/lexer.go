// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package cloop

import (
	"strings"

	"github.com/pkg/errors"
)

// ErrSyntax is the cause of every lexing and parsing error.
var ErrSyntax = errors.New("syntax error")

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokInt
	tokFloat
	tokString
	tokPunct
)

type token struct {
	kind tokenKind
	text string
	line int
	pos  int // Byte offsets of the token in the source.
	end  int
}

// punctuators, longest first so that the greedy match picks "<<=" over "<<".
var punctuators = []string{
	"<<=", ">>=",
	"++", "--", "+=", "-=", "*=", "/=", "%=", "&=", "|=", "^=",
	"==", "!=", "<=", ">=", "&&", "||", "<<", ">>", "->",
	"+", "-", "*", "/", "%", "=", "<", ">", "!", "~", "&", "|", "^",
	"(", ")", "[", "]", "{", "}", ",", ";", "?", ":", ".",
}

var pythonOps = map[string]string{"and": "&&", "or": "||", "not": "!"}

// lexOptions tweak tokenization for the expression dialects embedded in annotations.
type lexOptions struct {
	// pythonOps maps `and`, `or` and `not` to &&, || and !, as accepted by
	// tuning-spec constraints.
	pythonOps bool
	// directives skips preprocessor lines, for scanning C source files.
	directives bool
}

func lex(src string, opts lexOptions) ([]token, error) {
	var toks []token
	line := 1
	i := 0
	for i < len(src) {
		c := src[i]
		start, count := i, len(toks)
		switch {
		case c == '\n':
			line++
			i++
		case c == ' ' || c == '\t' || c == '\r' || c == '\f' || c == '\v':
			i++
		case c == '/' && i+1 < len(src) && src[i+1] == '/':
			for i < len(src) && src[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(src) && src[i+1] == '*':
			end := strings.Index(src[i+2:], "*/")
			if end < 0 {
				return nil, errors.Wrapf(ErrSyntax, "line %d: unterminated comment", line)
			}
			line += strings.Count(src[i:i+2+end+2], "\n")
			i += 2 + end + 2
		case c == '#' && (opts.pythonOps || opts.directives):
			for i < len(src) && src[i] != '\n' {
				i++
			}
		case isIdentStart(c):
			j := i + 1
			for j < len(src) && isIdentChar(src[j]) {
				j++
			}
			word := src[i:j]
			if op, ok := pythonOps[word]; ok && opts.pythonOps {
				toks = append(toks, token{kind: tokPunct, text: op, line: line})
			} else {
				toks = append(toks, token{kind: tokIdent, text: word, line: line})
			}
			i = j
		case isDigit(c) || (c == '.' && i+1 < len(src) && isDigit(src[i+1])):
			j, isFloat := scanNumber(src, i)
			kind := tokInt
			if isFloat {
				kind = tokFloat
			}
			toks = append(toks, token{kind: kind, text: src[i:j], line: line})
			i = j
		case c == '"' || c == '\'':
			j := i + 1
			for j < len(src) && src[j] != c {
				if src[j] == '\\' {
					j++
				}
				if j < len(src) && src[j] == '\n' {
					line++
				}
				j++
			}
			if j >= len(src) {
				return nil, errors.Wrapf(ErrSyntax, "line %d: unterminated string", line)
			}
			toks = append(toks, token{kind: tokString, text: src[i+1 : j], line: line})
			i = j + 1
		default:
			matched := ""
			for _, p := range punctuators {
				if strings.HasPrefix(src[i:], p) {
					matched = p
					break
				}
			}
			if matched == "" {
				return nil, errors.Wrapf(ErrSyntax, "line %d: unexpected character %q", line, c)
			}
			toks = append(toks, token{kind: tokPunct, text: matched, line: line})
			i += len(matched)
		}
		if len(toks) > count {
			toks[count].pos, toks[count].end = start, i
		}
	}
	toks = append(toks, token{kind: tokEOF, line: line, pos: len(src), end: len(src)})
	return toks, nil
}

func scanNumber(src string, i int) (end int, isFloat bool) {
	j := i
	if strings.HasPrefix(src[j:], "0x") || strings.HasPrefix(src[j:], "0X") {
		j += 2
		for j < len(src) && isHexDigit(src[j]) {
			j++
		}
	} else {
		for j < len(src) && isDigit(src[j]) {
			j++
		}
		if j < len(src) && src[j] == '.' {
			isFloat = true
			j++
			for j < len(src) && isDigit(src[j]) {
				j++
			}
		}
		if j < len(src) && (src[j] == 'e' || src[j] == 'E') {
			k := j + 1
			if k < len(src) && (src[k] == '+' || src[k] == '-') {
				k++
			}
			if k < len(src) && isDigit(src[k]) {
				isFloat = true
				j = k
				for j < len(src) && isDigit(src[j]) {
					j++
				}
			}
		}
	}
	// Suffixes: f, F, l, L, u, U.
	for j < len(src) && strings.IndexByte("fFlLuU", src[j]) >= 0 {
		if src[j] == 'f' || src[j] == 'F' {
			isFloat = true
		}
		j++
	}
	return j, isFloat
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool { return isIdentStart(c) || isDigit(c) }

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isHexDigit(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// TokenKind classifies a Token.
type TokenKind int

// Token kinds returned by Tokenize.
const (
	TokenEOF    = TokenKind(tokEOF)
	TokenIdent  = TokenKind(tokIdent)
	TokenInt    = TokenKind(tokInt)
	TokenFloat  = TokenKind(tokFloat)
	TokenString = TokenKind(tokString)
	TokenPunct  = TokenKind(tokPunct)
)

// Token is a lexical token of the annotation languages. String tokens hold their
// unquoted text.
type Token struct {
	Kind     TokenKind
	Text     string
	Line     int
	Pos, End int // Byte offsets in the source, End exclusive.
}

// Tokenize splits tuning-spec text into tokens: C tokens plus single or double
// quoted strings, `#` line comments and the `and`/`or`/`not` operator spellings.
// The last token is always TokenEOF.
func Tokenize(src string) ([]Token, error) {
	toks, err := lex(src, lexOptions{pythonOps: true})
	if err != nil {
		return nil, err
	}
	out := make([]Token, len(toks))
	for i, t := range toks {
		out[i] = Token{Kind: TokenKind(t.kind), Text: t.text, Line: t.line, Pos: t.pos, End: t.end}
	}
	return out, nil
}

// TokenizeC splits C source into tokens, skipping comments and preprocessor
// lines. It is used to scan declarations around annotated regions.
func TokenizeC(src string) ([]Token, error) {
	toks, err := lex(src, lexOptions{directives: true})
	if err != nil {
		return nil, err
	}
	out := make([]Token, len(toks))
	for i, t := range toks {
		out[i] = Token{Kind: TokenKind(t.kind), Text: t.text, Line: t.line, Pos: t.pos, End: t.end}
	}
	return out, nil
}
