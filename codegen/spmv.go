// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package codegen

import (
	"fmt"

	"github.com/ajroetker/perftune/cloop"
)

// spmv generates the compressed-sparse-row product described by the block's
// domain names. Rows are processed outUnroll at a time, each with its own
// register accumulator; the products of a row are added in ascending j order,
// inUnroll per iteration, so every row sums exactly like the baseline does.
// Residual loops cover the rows and products left over by the unroll factors.
func (g *Generator) spmv(v *Variant) error {
	d := g.block.Domain
	p := v.Spec.SpMV
	names := namer{}
	if g.parseErr == nil {
		for n := range cloop.Idents(g.stmts...) {
			names[n] = true
		}
	}
	for _, n := range []string{d.NumRows, d.OutVector, d.InVector, d.InMatrix, d.RowInds, d.ColInds, d.OutLoopVar, d.InLoopVar} {
		names[n] = true
	}
	i, j := cloop.Id(d.OutLoopVar), cloop.Id(d.InLoopVar)
	offset := func(x *cloop.Ident, k int) cloop.Expr {
		return cloop.Simplify(cloop.Bin("+", cloop.Id(x.Name), cloop.Int(int64(k))))
	}

	// Accumulators are local to each row loop body, so both loops share names.
	accNames := make([]string, p.OutUnroll)
	for k := range accNames {
		accNames[k] = names.fresh(fmt.Sprintf("%s%d", d.OutVector, k))
	}

	// rowBody returns the statements computing rows i .. i+count-1.
	rowBody := func(count int) []cloop.Stmt {
		accs := accNames[:count]
		var out []cloop.Stmt
		for _, acc := range accs {
			out = append(out, cloop.Decl(d.ElmType, acc, cloop.CloneExpr(p.InitVal)))
		}
		for k, acc := range accs {
			row := offset(i, k)
			lower := cloop.Index(cloop.Id(d.RowInds), row)
			upper := cloop.Simplify(cloop.Bin("-", cloop.Index(cloop.Id(d.RowInds), offset(i, k+1)), cloop.Int(1)))
			// acc = acc + aa[j+0] * x[aj[j+0]] + ... + aa[j+n-1] * x[aj[j+n-1]]
			accumulate := func(n int) cloop.Stmt {
				var sum cloop.Expr = cloop.Id(acc)
				for l := 0; l < n; l++ {
					at := offset(j, l)
					product := cloop.Bin("*",
						cloop.Index(cloop.Id(d.InMatrix), at),
						cloop.Index(cloop.Id(d.InVector), cloop.Index(cloop.Id(d.ColInds), cloop.CloneExpr(at))))
					sum = cloop.Bin("+", sum, product)
				}
				return cloop.Assign("=", cloop.Id(acc), sum)
			}
			if p.InUnroll == 1 {
				out = append(out, &cloop.ForStmt{
					Init: cloop.Assign("=", cloop.Id(j.Name), lower),
					Cond: cloop.Bin("<=", cloop.Id(j.Name), upper),
					Post: increment(j.Name),
					Body: accumulate(1),
				})
				continue
			}
			out = append(out,
				&cloop.ForStmt{
					Init: cloop.Assign("=", cloop.Id(j.Name), lower),
					Cond: cloop.Bin("<=", cloop.Id(j.Name), cloop.Simplify(cloop.Bin("-", cloop.CloneExpr(upper), cloop.Int(int64(p.InUnroll-1))))),
					Post: stepBy(j.Name, p.InUnroll),
					Body: accumulate(p.InUnroll),
				},
				&cloop.ForStmt{
					Cond: cloop.Bin("<=", cloop.Id(j.Name), upper),
					Post: increment(j.Name),
					Body: accumulate(1),
				})
		}
		for k, acc := range accs {
			out = append(out, cloop.Assign("=", cloop.Index(cloop.Id(d.OutVector), offset(i, k)), cloop.Id(acc)))
		}
		return out
	}

	lastRow := cloop.Bin("-", cloop.Id(d.NumRows), cloop.Int(1))
	if p.OutUnroll == 1 {
		v.Stmts = []cloop.Stmt{&cloop.ForStmt{
			Init: cloop.Assign("=", cloop.Id(i.Name), cloop.Int(0)),
			Cond: cloop.Bin("<=", cloop.Id(i.Name), lastRow),
			Post: increment(i.Name),
			Body: cloop.Block(rowBody(1)...),
		}}
	} else {
		v.Stmts = []cloop.Stmt{
			&cloop.ForStmt{
				Init: cloop.Assign("=", cloop.Id(i.Name), cloop.Int(0)),
				Cond: cloop.Bin("<=", cloop.Id(i.Name), cloop.Simplify(cloop.Bin("-", cloop.CloneExpr(lastRow), cloop.Int(int64(p.OutUnroll-1))))),
				Post: stepBy(i.Name, p.OutUnroll),
				Body: cloop.Block(rowBody(p.OutUnroll)...),
			},
			&cloop.ForStmt{
				Cond: cloop.Bin("<=", cloop.Id(i.Name), cloop.CloneExpr(lastRow)),
				Post: increment(i.Name),
				Body: cloop.Block(rowBody(1)...),
			},
		}
	}
	v.Body = cloop.FormatStmts(v.Stmts, "")
	return nil
}

func increment(name string) cloop.Expr {
	return &cloop.UnaryExpr{Op: "++", X: cloop.Id(name), Postfix: true}
}

func stepBy(name string, n int) cloop.Expr {
	return &cloop.AssignExpr{Op: "+=", LHS: cloop.Id(name), RHS: cloop.Int(int64(n))}
}
