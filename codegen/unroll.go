// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package codegen

import (
	"slices"

	"github.com/ajroetker/perftune/cloop"
	"github.com/pkg/errors"
)

func (g *Generator) unroll(v *Variant) error {
	list, err := g.baselineStmts()
	if err != nil {
		return err
	}
	i, err := singleLoop(list)
	if err != nil {
		return err
	}
	unrolled, err := unrollLoop(list[i].(*cloop.ForStmt), v.Spec.Unroll.Factor)
	if err != nil {
		return err
	}
	v.Stmts = splice(list, i, unrolled...)
	v.Body = cloop.FormatStmts(v.Stmts, "")
	return nil
}

// unrollLoop unrolls a canonical loop by factor:
//
//	for (i = L; i <= U - (factor-1); i += factor) { body(i) body(i+1) ... }
//	for (; i <= U; i++) body(i)
//
// The copies keep the statement order of the body. A loop variable declared in
// the loop header is hoisted into an enclosing block.
func unrollLoop(f *cloop.ForStmt, factor int) ([]cloop.Stmt, error) {
	l, err := cloop.AnalyzeLoop(f)
	if err != nil {
		return nil, err
	}
	if factor <= 1 {
		return []cloop.Stmt{cloop.Clone(f)}, nil
	}
	use := cloop.Uses(f.Body)
	if slices.Contains(use.WrittenScalar, l.Var) {
		return nil, errors.Errorf("loop variable %s is modified in the loop body", l.Var)
	}
	body := cloop.Body(f.Body)
	wrap := len(use.Declared) > 0
	var copies []cloop.Stmt
	for k := 0; k < factor; k++ {
		var stmts []cloop.Stmt
		for _, s := range body {
			if k == 0 {
				stmts = append(stmts, cloop.Clone(s))
			} else {
				stmts = append(stmts, cloop.Substitute(s, map[string]cloop.Expr{
					l.Var: cloop.Bin("+", cloop.Id(l.Var), cloop.Int(int64(k))),
				}))
			}
		}
		if wrap {
			copies = append(copies, cloop.Block(stmts...))
		} else {
			copies = append(copies, stmts...)
		}
	}
	main := &cloop.ForStmt{
		Cond: cloop.Bin("<=", cloop.Id(l.Var), cloop.Simplify(cloop.Bin("-", cloop.CloneExpr(l.Upper), cloop.Int(int64(factor-1))))),
		Post: &cloop.AssignExpr{Op: "+=", LHS: cloop.Id(l.Var), RHS: cloop.Int(int64(factor))},
		Body: cloop.Block(copies...),
	}
	residual := &cloop.ForStmt{
		Cond: cloop.Bin("<=", cloop.Id(l.Var), cloop.CloneExpr(l.Upper)),
		Post: &cloop.UnaryExpr{Op: "++", X: cloop.Id(l.Var), Postfix: true},
		Body: cloop.Clone(f.Body),
	}
	if decl, ok := f.Init.(*cloop.DeclStmt); ok {
		return []cloop.Stmt{cloop.Block(cloop.Clone(decl), main, residual)}, nil
	}
	main.Init = cloop.Assign("=", cloop.Id(l.Var), cloop.CloneExpr(l.Lower))
	return []cloop.Stmt{main, residual}, nil
}
