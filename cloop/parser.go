// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package cloop

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// typeWords are the base type keywords accepted in declarations and casts.
var typeWords = map[string]bool{
	"void": true, "char": true, "short": true, "int": true, "long": true,
	"float": true, "double": true, "unsigned": true, "signed": true,
	"size_t": true, "bool": true,
}

// qualifierWords may precede the base type of a declaration.
var qualifierWords = map[string]bool{
	"static": true, "register": true, "const": true, "volatile": true,
	"extern": true, "__shared__": true, "__device__": true, "__restrict__": true,
}

// IsTypeWord reports whether word is a base type keyword.
func IsTypeWord(word string) bool { return typeWords[word] }

// IsQualifier reports whether word is a declaration qualifier.
func IsQualifier(word string) bool { return qualifierWords[word] }

type parser struct {
	toks []token
	pos  int
}

func newParser(src string, opts lexOptions) (*parser, error) {
	toks, err := lex(src, opts)
	if err != nil {
		return nil, err
	}
	return &parser{toks: toks}, nil
}

// ParseStmts parses a sequence of statements.
func ParseStmts(src string) ([]Stmt, error) {
	p, err := newParser(src, lexOptions{})
	if err != nil {
		return nil, err
	}
	var list []Stmt
	for p.peek().kind != tokEOF {
		s, err := p.stmt()
		if err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, nil
}

// ParseStmt parses exactly one statement.
func ParseStmt(src string) (Stmt, error) {
	list, err := ParseStmts(src)
	if err != nil {
		return nil, err
	}
	if len(list) != 1 {
		return nil, errors.Wrapf(ErrSyntax, "expected one statement, got %d", len(list))
	}
	return list[0], nil
}

// ParseExpr parses a single C expression.
func ParseExpr(src string) (Expr, error) {
	return parseWholeExpr(src, lexOptions{})
}

// ParseCondition parses a boolean expression that may use the Python spellings
// `and`, `or` and `not` besides their C counterparts.
func ParseCondition(src string) (Expr, error) {
	return parseWholeExpr(src, lexOptions{pythonOps: true})
}

func parseWholeExpr(src string, opts lexOptions) (Expr, error) {
	p, err := newParser(src, opts)
	if err != nil {
		return nil, err
	}
	e, err := p.expr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, p.errorf(t, "unexpected %q after expression", t.text)
	}
	return e, nil
}

// ParseTransform parses the argument text of a Loop annotation:
//
//	transform NAME(key=value, ...) STMT
//
// STMT is optional; when missing Body is nil and callers fall back to the
// annotated code.
func ParseTransform(src string) (*TransformStmt, error) {
	p, err := newParser(src, lexOptions{})
	if err != nil {
		return nil, err
	}
	t, err := p.transform()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, p.errorf(tok, "unexpected %q after transformed statement", tok.text)
	}
	return t, nil
}

func (p *parser) transform() (*TransformStmt, error) {
	if _, err := p.expectWord("transform"); err != nil {
		return nil, err
	}
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	t := &TransformStmt{Name: name}
	if _, err := p.expect("("); err != nil {
		return nil, err
	}
	for !p.accept(")") {
		if len(t.Args) > 0 {
			if _, err := p.expect(","); err != nil {
				return nil, err
			}
		}
		key, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect("="); err != nil {
			return nil, err
		}
		value, err := p.ternary()
		if err != nil {
			return nil, err
		}
		t.Args = append(t.Args, KeyValue{Key: key, Value: value})
	}
	if p.peek().kind == tokEOF {
		return t, nil
	}
	if p.peekWord("transform") {
		inner, err := p.transform()
		if err != nil {
			return nil, err
		}
		t.Body = inner
		return t, nil
	}
	body, err := p.stmt()
	if err != nil {
		return nil, err
	}
	t.Body = body
	return t, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) peekAt(offset int) token {
	if p.pos+offset >= len(p.toks) {
		return p.toks[len(p.toks)-1]
	}
	return p.toks[p.pos+offset]
}

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) peekPunct(text string) bool {
	t := p.peek()
	return t.kind == tokPunct && t.text == text
}

func (p *parser) peekWord(word string) bool {
	t := p.peek()
	return t.kind == tokIdent && t.text == word
}

func (p *parser) accept(text string) bool {
	if p.peekPunct(text) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expect(text string) (token, error) {
	t := p.peek()
	if t.kind != tokPunct || t.text != text {
		return t, p.errorf(t, "expected %q, found %q", text, t.text)
	}
	return p.next(), nil
}

func (p *parser) expectWord(word string) (token, error) {
	t := p.peek()
	if t.kind != tokIdent || t.text != word {
		return t, p.errorf(t, "expected %q, found %q", word, t.text)
	}
	return p.next(), nil
}

func (p *parser) expectIdent() (string, error) {
	t := p.peek()
	if t.kind != tokIdent {
		return "", p.errorf(t, "expected identifier, found %q", t.text)
	}
	p.next()
	return t.text, nil
}

func (p *parser) errorf(t token, format string, args ...any) error {
	return errors.Wrapf(ErrSyntax, "line %d: "+format, append([]any{t.line}, args...)...)
}

func (p *parser) startsDecl() bool {
	t := p.peek()
	return t.kind == tokIdent && (typeWords[t.text] || qualifierWords[t.text])
}

func (p *parser) stmt() (Stmt, error) {
	t := p.peek()
	switch {
	case t.kind == tokPunct && t.text == ";":
		p.next()
		return &EmptyStmt{}, nil
	case t.kind == tokPunct && t.text == "{":
		return p.block()
	case t.kind == tokIdent && t.text == "for":
		return p.forStmt()
	case t.kind == tokIdent && t.text == "if":
		return p.ifStmt()
	case t.kind == tokIdent && t.text == "transform":
		return p.transform()
	case p.startsDecl():
		d, err := p.decl()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(";"); err != nil {
			return nil, err
		}
		return d, nil
	}
	e, err := p.expr()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(";"); err != nil {
		return nil, err
	}
	return &ExprStmt{X: e}, nil
}

func (p *parser) block() (*BlockStmt, error) {
	if _, err := p.expect("{"); err != nil {
		return nil, err
	}
	b := &BlockStmt{}
	for !p.accept("}") {
		if p.peek().kind == tokEOF {
			return nil, p.errorf(p.peek(), "unterminated block")
		}
		s, err := p.stmt()
		if err != nil {
			return nil, err
		}
		b.List = append(b.List, s)
	}
	return b, nil
}

func (p *parser) forStmt() (*ForStmt, error) {
	p.next() // for
	if _, err := p.expect("("); err != nil {
		return nil, err
	}
	f := &ForStmt{}
	if !p.accept(";") {
		if p.startsDecl() {
			d, err := p.decl()
			if err != nil {
				return nil, err
			}
			f.Init = d
		} else {
			e, err := p.expr()
			if err != nil {
				return nil, err
			}
			f.Init = &ExprStmt{X: e}
		}
		if _, err := p.expect(";"); err != nil {
			return nil, err
		}
	}
	if !p.accept(";") {
		e, err := p.expr()
		if err != nil {
			return nil, err
		}
		f.Cond = e
		if _, err := p.expect(";"); err != nil {
			return nil, err
		}
	}
	if !p.accept(")") {
		e, err := p.expr()
		if err != nil {
			return nil, err
		}
		f.Post = e
		if _, err := p.expect(")"); err != nil {
			return nil, err
		}
	}
	body, err := p.stmt()
	if err != nil {
		return nil, err
	}
	f.Body = body
	return f, nil
}

func (p *parser) ifStmt() (*IfStmt, error) {
	p.next() // if
	if _, err := p.expect("("); err != nil {
		return nil, err
	}
	cond, err := p.expr()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(")"); err != nil {
		return nil, err
	}
	then, err := p.stmt()
	if err != nil {
		return nil, err
	}
	s := &IfStmt{Cond: cond, Then: then}
	if p.peekWord("else") {
		p.next()
		s.Else, err = p.stmt()
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// decl parses a declaration without the trailing ';'.
func (p *parser) decl() (*DeclStmt, error) {
	d := &DeclStmt{}
	var typeParts []string
	for p.peek().kind == tokIdent {
		w := p.peek().text
		if qualifierWords[w] {
			d.Qualifiers = append(d.Qualifiers, w)
		} else if typeWords[w] {
			typeParts = append(typeParts, w)
		} else {
			break
		}
		p.next()
	}
	if len(typeParts) == 0 {
		return nil, p.errorf(p.peek(), "declaration without a type before %q", p.peek().text)
	}
	d.Type = strings.Join(typeParts, " ")
	for {
		var dcl Declarator
		for p.accept("*") {
			dcl.Pointer++
		}
		for p.peekWord("__restrict__") || p.peekWord("const") {
			p.next()
		}
		name, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		dcl.Name = name
		for p.accept("[") {
			dim, err := p.expr()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect("]"); err != nil {
				return nil, err
			}
			dcl.Dims = append(dcl.Dims, dim)
		}
		if p.accept("=") {
			dcl.Init, err = p.assignment()
			if err != nil {
				return nil, err
			}
		}
		d.Names = append(d.Names, dcl)
		if !p.accept(",") {
			break
		}
	}
	return d, nil
}

func (p *parser) expr() (Expr, error) { return p.assignment() }

var assignOps = map[string]bool{
	"=": true, "+=": true, "-=": true, "*=": true, "/=": true, "%=": true,
	"&=": true, "|=": true, "^=": true, "<<=": true, ">>=": true,
}

func (p *parser) assignment() (Expr, error) {
	lhs, err := p.ternary()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	if t.kind == tokPunct && assignOps[t.text] {
		p.next()
		rhs, err := p.assignment()
		if err != nil {
			return nil, err
		}
		return &AssignExpr{Op: t.text, LHS: lhs, RHS: rhs}, nil
	}
	return lhs, nil
}

func (p *parser) ternary() (Expr, error) {
	cond, err := p.binary(0)
	if err != nil {
		return nil, err
	}
	if !p.accept("?") {
		return cond, nil
	}
	then, err := p.assignment()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(":"); err != nil {
		return nil, err
	}
	els, err := p.ternary()
	if err != nil {
		return nil, err
	}
	return &CondExpr{Cond: cond, Then: then, Else: els}, nil
}

// binaryPrec is the C precedence of binary operators; larger binds tighter.
var binaryPrec = map[string]int{
	"||": 1,
	"&&": 2,
	"|":  3,
	"^":  4,
	"&":  5,
	"==": 6, "!=": 6,
	"<": 7, "<=": 7, ">": 7, ">=": 7,
	"<<": 8, ">>": 8,
	"+": 9, "-": 9,
	"*": 10, "/": 10, "%": 10,
}

// binary implements precedence climbing for left-associative operators.
func (p *parser) binary(minPrec int) (Expr, error) {
	x, err := p.unary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		prec, ok := binaryPrec[t.text]
		if t.kind != tokPunct || !ok || prec <= minPrec {
			return x, nil
		}
		p.next()
		y, err := p.binary(prec)
		if err != nil {
			return nil, err
		}
		x = &BinaryExpr{Op: t.text, X: x, Y: y}
	}
}

func (p *parser) unary() (Expr, error) {
	t := p.peek()
	if t.kind == tokPunct {
		switch t.text {
		case "-", "+", "!", "~", "++", "--":
			p.next()
			x, err := p.unary()
			if err != nil {
				return nil, err
			}
			return &UnaryExpr{Op: t.text, X: x}, nil
		case "(":
			if next := p.peekAt(1); next.kind == tokIdent && typeWords[next.text] {
				return p.cast()
			}
		}
	}
	return p.postfix()
}

func (p *parser) cast() (Expr, error) {
	p.next() // (
	var parts []string
	for p.peek().kind == tokIdent && (typeWords[p.peek().text] || p.peek().text == "const") {
		parts = append(parts, p.next().text)
	}
	for p.accept("*") {
		parts = append(parts, "*")
	}
	if _, err := p.expect(")"); err != nil {
		return nil, err
	}
	x, err := p.unary()
	if err != nil {
		return nil, err
	}
	return &CastExpr{Type: strings.Join(parts, " "), X: x}, nil
}

func (p *parser) postfix() (Expr, error) {
	x, err := p.primary()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.accept("["):
			idx, err := p.expr()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect("]"); err != nil {
				return nil, err
			}
			x = &IndexExpr{X: x, Index: idx}
		case p.accept("("):
			call := &CallExpr{Fun: x}
			for !p.accept(")") {
				if len(call.Args) > 0 {
					if _, err := p.expect(","); err != nil {
						return nil, err
					}
				}
				arg, err := p.assignment()
				if err != nil {
					return nil, err
				}
				call.Args = append(call.Args, arg)
			}
			x = call
		case p.accept("."):
			sel, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			x = &MemberExpr{X: x, Sel: sel}
		case p.peekPunct("++") || p.peekPunct("--"):
			op := p.next().text
			x = &UnaryExpr{Op: op, X: x, Postfix: true}
		default:
			return x, nil
		}
	}
}

func (p *parser) primary() (Expr, error) {
	t := p.next()
	switch t.kind {
	case tokIdent:
		return &Ident{Name: t.text}, nil
	case tokInt:
		v, err := parseIntLiteral(t.text)
		if err != nil {
			return nil, p.errorf(t, "bad integer literal %q", t.text)
		}
		return &IntLit{Value: v, Text: t.text}, nil
	case tokFloat:
		v, err := strconv.ParseFloat(strings.TrimRight(t.text, "fFlL"), 64)
		if err != nil {
			return nil, p.errorf(t, "bad floating point literal %q", t.text)
		}
		return &FloatLit{Value: v, Text: t.text}, nil
	case tokPunct:
		if t.text == "(" {
			x, err := p.expr()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(")"); err != nil {
				return nil, err
			}
			return &ParenExpr{X: x}, nil
		}
	}
	return nil, p.errorf(t, "unexpected %q", t.text)
}

func parseIntLiteral(text string) (int64, error) {
	text = strings.TrimRight(text, "lLuU")
	return strconv.ParseInt(text, 0, 64)
}
