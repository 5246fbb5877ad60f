// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package codegen

import (
	"github.com/ajroetker/perftune/cloop"
)

// assignFirst checks that a scalar is assigned before it is read on every path
// through a piece of code. Only such scalars can become per-thread locals of a
// kernel: their value never flows from one iteration to the next.
type assignFirst string

// stmt walks s with assigned telling whether the scalar holds a value of this
// iteration. It returns the state after s, and false if s may read the scalar
// while unassigned.
func (a assignFirst) stmt(s cloop.Stmt, assigned bool) (bool, bool) {
	ok := true
	switch s := s.(type) {
	case nil, *cloop.EmptyStmt:
	case *cloop.ExprStmt:
		return a.expr(s.X, assigned)
	case *cloop.BlockStmt:
		for _, c := range s.List {
			if assigned, ok = a.stmt(c, assigned); !ok {
				return false, false
			}
		}
	case *cloop.DeclStmt:
		for _, d := range s.Names {
			if d.Init != nil {
				if assigned, ok = a.expr(d.Init, assigned); !ok {
					return false, false
				}
			}
		}
	case *cloop.IfStmt:
		if assigned, ok = a.expr(s.Cond, assigned); !ok {
			return false, false
		}
		then, ok := a.stmt(s.Then, assigned)
		if !ok {
			return false, false
		}
		otherwise, ok := a.stmt(s.Else, assigned)
		if !ok {
			return false, false
		}
		return then && otherwise, true
	case *cloop.ForStmt:
		if assigned, ok = a.stmt(s.Init, assigned); !ok {
			return false, false
		}
		if s.Cond != nil {
			if assigned, ok = a.expr(s.Cond, assigned); !ok {
				return false, false
			}
		}
		// The body may not run: what it assigns does not count after the loop.
		after, ok := a.stmt(s.Body, assigned)
		if !ok {
			return false, false
		}
		if s.Post != nil {
			if _, ok = a.expr(s.Post, after); !ok {
				return false, false
			}
		}
	default:
		return assigned, assigned || !a.mentioned(s)
	}
	return assigned, true
}

// expr is stmt for an expression, evaluated left to right.
func (a assignFirst) expr(e cloop.Expr, assigned bool) (bool, bool) {
	ok := true
	switch e := e.(type) {
	case nil:
	case *cloop.Ident:
		return assigned, assigned || e.Name != string(a)
	case *cloop.AssignExpr:
		if id, isName := unparen(e.LHS).(*cloop.Ident); isName && id.Name == string(a) {
			if e.Op != "=" && !assigned {
				return false, false
			}
			if _, ok = a.expr(e.RHS, assigned); !ok {
				return false, false
			}
			return true, true
		}
		if assigned, ok = a.expr(e.LHS, assigned); !ok {
			return false, false
		}
		return a.expr(e.RHS, assigned)
	case *cloop.BinaryExpr:
		if assigned, ok = a.expr(e.X, assigned); !ok {
			return false, false
		}
		after, ok := a.expr(e.Y, assigned)
		if e.Op == "&&" || e.Op == "||" {
			return assigned, ok
		}
		return after, ok
	case *cloop.CondExpr:
		if assigned, ok = a.expr(e.Cond, assigned); !ok {
			return false, false
		}
		then, ok := a.expr(e.Then, assigned)
		if !ok {
			return false, false
		}
		otherwise, ok := a.expr(e.Else, assigned)
		return then && otherwise, ok
	case *cloop.UnaryExpr:
		return a.expr(e.X, assigned)
	case *cloop.ParenExpr:
		return a.expr(e.X, assigned)
	case *cloop.CastExpr:
		return a.expr(e.X, assigned)
	case *cloop.IndexExpr:
		if assigned, ok = a.expr(e.X, assigned); !ok {
			return false, false
		}
		return a.expr(e.Index, assigned)
	case *cloop.CallExpr:
		for _, arg := range e.Args {
			if assigned, ok = a.expr(arg, assigned); !ok {
				return false, false
			}
		}
	default:
		return assigned, assigned || !a.mentioned(e)
	}
	return assigned, true
}

// mentioned reports whether the scalar occurs anywhere in n.
func (a assignFirst) mentioned(n cloop.Node) bool {
	found := false
	cloop.Walk(n, func(m cloop.Node) bool {
		if id, ok := m.(*cloop.Ident); ok && id.Name == string(a) {
			found = true
		}
		if _, ok := m.(*cloop.MemberExpr); ok {
			return false
		}
		return !found
	})
	return found
}

func unparen(e cloop.Expr) cloop.Expr {
	for {
		p, ok := e.(*cloop.ParenExpr)
		if !ok {
			return e
		}
		e = p.X
	}
}

// identWords returns every identifier-like word of src, comments and strings
// included.
func identWords(src []byte) map[string]bool {
	words := make(map[string]bool)
	for i := 0; i < len(src); {
		if !isIdentByte(src[i], true) {
			i++
			continue
		}
		j := i + 1
		for j < len(src) && isIdentByte(src[j], false) {
			j++
		}
		words[string(src[i:j])] = true
		i = j
	}
	return words
}

func isIdentByte(c byte, first bool) bool {
	switch {
	case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return !first
	}
	return false
}
