// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package cloop

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Printer renders AST nodes as C source.
//
// Parentheses are emitted from operator precedence plus every ParenExpr kept from
// the source, so a printed tree always evaluates its operations in the same order
// as the tree itself.
type Printer struct {
	buf    bytes.Buffer
	indent string
	// Unit is the indentation added per nesting level. Defaults to two spaces.
	Unit string
}

// NewPrinter returns a printer whose first level is indented with indent.
func NewPrinter(indent string) *Printer {
	return &Printer{indent: indent, Unit: "  "}
}

// String returns everything printed so far.
func (p *Printer) String() string { return p.buf.String() }

// FormatExpr returns the C text of an expression.
func FormatExpr(e Expr) string {
	var p Printer
	p.expr(e, 0)
	return p.buf.String()
}

// FormatStmts returns the C text of a statement list, one statement per line,
// each line prefixed with indent.
func FormatStmts(list []Stmt, indent string) string {
	p := NewPrinter(indent)
	for _, s := range list {
		p.Stmt(s)
	}
	return p.String()
}

// FormatFunc returns the C text of a function definition.
func FormatFunc(f *FuncDecl) string {
	p := NewPrinter("")
	p.Func(f)
	return p.String()
}

// Func prints a function definition.
func (p *Printer) Func(f *FuncDecl) {
	p.buf.WriteString(p.indent)
	for _, q := range f.Qualifiers {
		p.buf.WriteString(q)
		p.buf.WriteByte(' ')
	}
	fmt.Fprintf(&p.buf, "%s %s(", f.Result, f.Name)
	for i, prm := range f.Params {
		if i > 0 {
			p.buf.WriteString(", ")
		}
		p.buf.WriteString(prm.Type)
		p.buf.WriteByte(' ')
		p.buf.WriteString(strings.Repeat("*", prm.Pointer))
		p.buf.WriteString(prm.Name)
	}
	p.buf.WriteString(") ")
	p.blockBody(f.Body)
	p.buf.WriteByte('\n')
}

// Stmt prints one statement followed by a newline.
func (p *Printer) Stmt(s Stmt) {
	p.buf.WriteString(p.indent)
	p.stmt(s)
	p.buf.WriteByte('\n')
}

func (p *Printer) push() { p.indent += p.unit() }

func (p *Printer) pop() { p.indent = p.indent[:len(p.indent)-len(p.unit())] }

func (p *Printer) unit() string {
	if p.Unit == "" {
		return "  "
	}
	return p.Unit
}

// stmt prints s without leading indentation or trailing newline.
func (p *Printer) stmt(s Stmt) {
	switch s := s.(type) {
	case *ExprStmt:
		p.expr(s.X, 0)
		p.buf.WriteByte(';')
	case *EmptyStmt:
		p.buf.WriteByte(';')
	case *BlockStmt:
		p.blockBody(s)
	case *IfStmt:
		p.buf.WriteString("if (")
		p.expr(s.Cond, 0)
		p.buf.WriteString(")")
		p.nested(s.Then)
		if s.Else != nil {
			if _, ok := s.Then.(*BlockStmt); ok {
				p.buf.WriteString(" else")
			} else {
				p.buf.WriteString("\n" + p.indent + "else")
			}
			if elif, ok := s.Else.(*IfStmt); ok {
				p.buf.WriteByte(' ')
				p.stmt(elif)
			} else {
				p.nested(s.Else)
			}
		}
	case *ForStmt:
		p.buf.WriteString("for (")
		switch init := s.Init.(type) {
		case *ExprStmt:
			p.expr(init.X, 0)
		case *DeclStmt:
			p.decl(init)
		}
		p.buf.WriteString("; ")
		if s.Cond != nil {
			p.expr(s.Cond, 0)
		}
		p.buf.WriteString("; ")
		if s.Post != nil {
			p.expr(s.Post, 0)
		}
		p.buf.WriteString(")")
		p.nested(s.Body)
	case *DeclStmt:
		p.decl(s)
		p.buf.WriteByte(';')
	case *ExternStmt:
		lines := strings.Split(strings.TrimRight(s.Text, "\n"), "\n")
		for i, line := range lines {
			if i > 0 {
				p.buf.WriteByte('\n')
				if line != "" {
					p.buf.WriteString(p.indent)
				}
			}
			p.buf.WriteString(line)
		}
	case *TransformStmt:
		fmt.Fprintf(&p.buf, "transform %s(", s.Name)
		for i, kv := range s.Args {
			if i > 0 {
				p.buf.WriteString(", ")
			}
			p.buf.WriteString(kv.Key)
			p.buf.WriteByte('=')
			p.expr(kv.Value, 0)
		}
		p.buf.WriteByte(')')
		if s.Body != nil {
			p.buf.WriteByte('\n')
			p.buf.WriteString(p.indent)
			p.stmt(s.Body)
		}
	default:
		fmt.Fprintf(&p.buf, "/* unknown statement %T */", s)
	}
}

// nested prints the body of a compound statement: blocks stay on the same line,
// single statements go on their own indented line.
func (p *Printer) nested(s Stmt) {
	if b, ok := s.(*BlockStmt); ok {
		p.buf.WriteByte(' ')
		p.blockBody(b)
		return
	}
	p.push()
	p.buf.WriteByte('\n')
	p.buf.WriteString(p.indent)
	p.stmt(s)
	p.pop()
}

func (p *Printer) blockBody(b *BlockStmt) {
	p.buf.WriteString("{\n")
	p.push()
	for _, s := range b.List {
		p.Stmt(s)
	}
	p.pop()
	p.buf.WriteString(p.indent)
	p.buf.WriteByte('}')
}

func (p *Printer) decl(d *DeclStmt) {
	for _, q := range d.Qualifiers {
		p.buf.WriteString(q)
		p.buf.WriteByte(' ')
	}
	p.buf.WriteString(d.Type)
	for i, n := range d.Names {
		if i > 0 {
			p.buf.WriteByte(',')
		}
		p.buf.WriteByte(' ')
		p.buf.WriteString(strings.Repeat("*", n.Pointer))
		p.buf.WriteString(n.Name)
		for _, dim := range n.Dims {
			p.buf.WriteByte('[')
			p.expr(dim, 0)
			p.buf.WriteByte(']')
		}
		if n.Init != nil {
			p.buf.WriteString(" = ")
			p.expr(n.Init, precAssign)
		}
	}
}

const (
	precAssign  = 1
	precTernary = 2
	precBinary  = 2 // Added to binaryPrec: "||" is 3, "*" is 12.
	precUnary   = 13
	precPostfix = 14
	precPrimary = 15
)

func exprPrec(e Expr) int {
	switch e := e.(type) {
	case *AssignExpr:
		return precAssign
	case *CondExpr:
		return precTernary
	case *BinaryExpr:
		return precBinary + binaryPrec[e.Op]
	case *UnaryExpr:
		if e.Postfix {
			return precPostfix
		}
		return precUnary
	case *CastExpr:
		return precUnary
	case *IndexExpr, *CallExpr, *MemberExpr:
		return precPostfix
	case *IntLit, *FloatLit:
		if literalIsNegative(e) {
			return precUnary
		}
		return precPrimary
	}
	return precPrimary
}

func literalIsNegative(e Expr) bool {
	switch e := e.(type) {
	case *IntLit:
		return e.Value < 0
	case *FloatLit:
		return e.Value < 0 || strings.HasPrefix(e.Text, "-")
	}
	return false
}

// expr prints e, wrapping it in parentheses when its precedence is below min.
func (p *Printer) expr(e Expr, min int) {
	if exprPrec(e) < min {
		p.buf.WriteByte('(')
		p.expr(e, 0)
		p.buf.WriteByte(')')
		return
	}
	switch e := e.(type) {
	case *IntLit:
		if e.Text != "" {
			p.buf.WriteString(e.Text)
		} else {
			p.buf.WriteString(strconv.FormatInt(e.Value, 10))
		}
	case *FloatLit:
		if e.Text != "" {
			p.buf.WriteString(e.Text)
		} else {
			p.buf.WriteString(formatFloat(e.Value))
		}
	case *Ident:
		p.buf.WriteString(e.Name)
	case *ParenExpr:
		p.buf.WriteByte('(')
		p.expr(e.X, 0)
		p.buf.WriteByte(')')
	case *IndexExpr:
		p.expr(e.X, precPostfix)
		p.buf.WriteByte('[')
		p.expr(e.Index, 0)
		p.buf.WriteByte(']')
	case *MemberExpr:
		p.expr(e.X, precPostfix)
		p.buf.WriteByte('.')
		p.buf.WriteString(e.Sel)
	case *CallExpr:
		p.expr(e.Fun, precPostfix)
		p.buf.WriteByte('(')
		for i, a := range e.Args {
			if i > 0 {
				p.buf.WriteString(", ")
			}
			p.expr(a, precAssign)
		}
		p.buf.WriteByte(')')
	case *UnaryExpr:
		if e.Postfix {
			p.expr(e.X, precPostfix)
			p.buf.WriteString(e.Op)
			return
		}
		p.buf.WriteString(e.Op)
		// Avoid printing "- -x" as "--x".
		if inner, ok := e.X.(*UnaryExpr); ok && !inner.Postfix && inner.Op[0] == e.Op[0] {
			p.buf.WriteByte(' ')
		} else if (e.Op == "-" || e.Op == "+") && literalIsNegative(e.X) {
			p.buf.WriteByte(' ')
		}
		p.expr(e.X, precUnary)
	case *CastExpr:
		fmt.Fprintf(&p.buf, "(%s) ", e.Type)
		p.expr(e.X, precUnary)
	case *BinaryExpr:
		prec := exprPrec(e)
		p.expr(e.X, prec)
		p.buf.WriteByte(' ')
		p.buf.WriteString(e.Op)
		p.buf.WriteByte(' ')
		p.expr(e.Y, prec+1)
	case *AssignExpr:
		p.expr(e.LHS, precUnary)
		p.buf.WriteByte(' ')
		p.buf.WriteString(e.Op)
		p.buf.WriteByte(' ')
		p.expr(e.RHS, precAssign)
	case *CondExpr:
		p.expr(e.Cond, precTernary+1)
		p.buf.WriteString(" ? ")
		p.expr(e.Then, precAssign)
		p.buf.WriteString(" : ")
		p.expr(e.Else, precTernary)
	default:
		fmt.Fprintf(&p.buf, "/* unknown expression %T */", e)
	}
}

// formatFloat prints v so that it reads back as a double with the same value.
func formatFloat(v float64) string {
	s := strconv.FormatFloat(v, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eEn") { // 'n' covers NaN and Inf.
		s += ".0"
	}
	return s
}
