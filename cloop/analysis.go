// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package cloop

import (
	"slices"

	"github.com/pkg/errors"
)

// Loop describes a canonical counted loop: Var runs from Lower to Upper,
// inclusive, with unit step.
type Loop struct {
	Var   string
	Lower Expr
	Upper Expr // Inclusive.
	For   *ForStmt
}

// AnalyzeLoop recognizes the canonical form `for (v = L; v <= U; v++)` and its
// variations: `int v = L`, `v < U`, `v += 1`, `++v`, `v = v + 1`.
func AnalyzeLoop(f *ForStmt) (*Loop, error) {
	l := &Loop{For: f}
	switch init := f.Init.(type) {
	case *ExprStmt:
		a, ok := init.X.(*AssignExpr)
		if !ok || a.Op != "=" {
			return nil, errors.Errorf("loop initializer %s is not an assignment", FormatExpr(init.X))
		}
		id, ok := a.LHS.(*Ident)
		if !ok {
			return nil, errors.Errorf("loop variable %s is not a name", FormatExpr(a.LHS))
		}
		l.Var, l.Lower = id.Name, a.RHS
	case *DeclStmt:
		if len(init.Names) != 1 || init.Names[0].Init == nil || len(init.Names[0].Dims) > 0 {
			return nil, errors.New("loop declaration must declare exactly one initialized scalar")
		}
		l.Var, l.Lower = init.Names[0].Name, init.Names[0].Init
	default:
		return nil, errors.New("loop has no initializer")
	}

	cond, ok := f.Cond.(*BinaryExpr)
	if !ok {
		return nil, errors.Errorf("loop %s has no comparison condition", l.Var)
	}
	if id, ok := cond.X.(*Ident); !ok || id.Name != l.Var {
		return nil, errors.Errorf("loop condition %s does not test %s", FormatExpr(cond), l.Var)
	}
	switch cond.Op {
	case "<=":
		l.Upper = cond.Y
	case "<":
		l.Upper = Simplify(Bin("-", CloneExpr(cond.Y), Int(1)))
	default:
		return nil, errors.Errorf("loop condition operator %q is not supported", cond.Op)
	}

	if !isUnitIncrement(f.Post, l.Var) {
		return nil, errors.Errorf("loop %s does not increment by one", l.Var)
	}
	return l, nil
}

func isUnitIncrement(e Expr, v string) bool {
	isVar := func(x Expr) bool {
		id, ok := x.(*Ident)
		return ok && id.Name == v
	}
	isOne := func(x Expr) bool {
		lit, ok := x.(*IntLit)
		return ok && lit.Value == 1
	}
	switch e := e.(type) {
	case *UnaryExpr:
		return e.Op == "++" && isVar(e.X)
	case *AssignExpr:
		if !isVar(e.LHS) {
			return false
		}
		if e.Op == "+=" {
			return isOne(e.RHS)
		}
		if e.Op == "=" {
			b, ok := e.RHS.(*BinaryExpr)
			return ok && b.Op == "+" && ((isVar(b.X) && isOne(b.Y)) || (isOne(b.X) && isVar(b.Y)))
		}
	}
	return false
}

// TripCount returns Upper - Lower + 1, simplified.
func (l *Loop) TripCount() Expr {
	if b, ok := l.Upper.(*BinaryExpr); ok && b.Op == "-" {
		if one, ok := b.Y.(*IntLit); ok && one.Value == 1 {
			return Simplify(Bin("-", CloneExpr(b.X), CloneExpr(l.Lower)))
		}
	}
	return Simplify(Bin("+", Bin("-", CloneExpr(l.Upper), CloneExpr(l.Lower)), Int(1)))
}

// Simplify folds integer constants, merges chained constant offsets and drops
// `+ 0`, `- 0` and `* 1`. It never reorders non-constant operands.
func Simplify(e Expr) Expr {
	b, ok := e.(*BinaryExpr)
	if !ok {
		return e
	}
	x, y := Simplify(b.X), Simplify(b.Y)
	xl, xConst := x.(*IntLit)
	yl, yConst := y.(*IntLit)
	if xConst && yConst {
		if v, err := arith(b.Op, IntValue(xl.Value), IntValue(yl.Value)); err == nil {
			return Int(v.I)
		}
	}
	switch {
	case yConst && yl.Value == 0 && (b.Op == "+" || b.Op == "-"):
		return x
	case xConst && xl.Value == 0 && b.Op == "+":
		return y
	case yConst && yl.Value == 1 && b.Op == "*":
		return x
	}
	// (a + k1) - k2 and friends fold into a single offset.
	if inner, ok := x.(*BinaryExpr); ok && yConst && isAdditive(b.Op) && isAdditive(inner.Op) {
		if il, ok := inner.Y.(*IntLit); ok {
			k := signed(inner.Op, il.Value) + signed(b.Op, yl.Value)
			switch {
			case k == 0:
				return inner.X
			case k > 0:
				return Bin("+", inner.X, Int(k))
			default:
				return Bin("-", inner.X, Int(-k))
			}
		}
	}
	return &BinaryExpr{Op: b.Op, X: x, Y: y}
}

func isAdditive(op string) bool { return op == "+" || op == "-" }

func signed(op string, v int64) int64 {
	if op == "-" {
		return -v
	}
	return v
}

// Walk calls fn for every node of the tree rooted at n, in pre-order. If fn
// returns false the children of that node are skipped.
func Walk(n Node, fn func(Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	switch n := n.(type) {
	case *IndexExpr:
		Walk(n.X, fn)
		Walk(n.Index, fn)
	case *MemberExpr:
		Walk(n.X, fn)
	case *CallExpr:
		Walk(n.Fun, fn)
		for _, a := range n.Args {
			Walk(a, fn)
		}
	case *UnaryExpr:
		Walk(n.X, fn)
	case *BinaryExpr:
		Walk(n.X, fn)
		Walk(n.Y, fn)
	case *AssignExpr:
		Walk(n.LHS, fn)
		Walk(n.RHS, fn)
	case *ParenExpr:
		Walk(n.X, fn)
	case *CondExpr:
		Walk(n.Cond, fn)
		Walk(n.Then, fn)
		Walk(n.Else, fn)
	case *CastExpr:
		Walk(n.X, fn)
	case *ExprStmt:
		Walk(n.X, fn)
	case *BlockStmt:
		for _, s := range n.List {
			Walk(s, fn)
		}
	case *IfStmt:
		Walk(n.Cond, fn)
		Walk(n.Then, fn)
		if n.Else != nil {
			Walk(n.Else, fn)
		}
	case *ForStmt:
		if n.Init != nil {
			Walk(n.Init, fn)
		}
		if n.Cond != nil {
			Walk(n.Cond, fn)
		}
		if n.Post != nil {
			Walk(n.Post, fn)
		}
		Walk(n.Body, fn)
	case *DeclStmt:
		for _, d := range n.Names {
			for _, dim := range d.Dims {
				Walk(dim, fn)
			}
			if d.Init != nil {
				Walk(d.Init, fn)
			}
		}
	case *TransformStmt:
		for _, kv := range n.Args {
			Walk(kv.Value, fn)
		}
		if n.Body != nil {
			Walk(n.Body, fn)
		}
	case *FuncDecl:
		Walk(n.Body, fn)
	}
}

// Usage summarizes how a piece of code uses names. Slices are in first-use
// order.
type Usage struct {
	Scalars       []string // Names used as scalars, not declared inside the code.
	Arrays        []string // Names used with a subscript, not declared inside the code.
	WrittenScalar []string
	WrittenArrays []string
	Declared      []string // Names declared inside the code, including loop variables.
	Calls         []string
}

// ReadOnly reports whether array name is never written.
func (u *Usage) ReadOnly(name string) bool { return !slices.Contains(u.WrittenArrays, name) }

// Uses computes the Usage of the given statements.
func Uses(list ...Stmt) *Usage {
	u := &Usage{}
	add := func(s *[]string, name string) {
		if !slices.Contains(*s, name) {
			*s = append(*s, name)
		}
	}
	var lvalue func(e Expr)
	lvalue = func(e Expr) {
		switch e := e.(type) {
		case *Ident:
			add(&u.WrittenScalar, e.Name)
		case *IndexExpr:
			if name := arrayBase(e); name != "" {
				add(&u.WrittenArrays, name)
			}
		case *ParenExpr:
			lvalue(e.X)
		}
	}
	for _, s := range list {
		Walk(s, func(n Node) bool {
			switch n := n.(type) {
			case *DeclStmt:
				for _, d := range n.Names {
					add(&u.Declared, d.Name)
				}
			case *AssignExpr:
				lvalue(n.LHS)
			case *UnaryExpr:
				if n.Op == "++" || n.Op == "--" {
					lvalue(n.X)
				}
			case *CallExpr:
				if id, ok := n.Fun.(*Ident); ok {
					add(&u.Calls, id.Name)
					for _, a := range n.Args {
						Walk(a, func(m Node) bool { return visitRef(u, m, add) })
					}
					return false
				}
			case *MemberExpr:
				return false
			}
			return visitRef(u, n, add)
		})
	}
	u.Scalars = slices.DeleteFunc(u.Scalars, func(s string) bool { return slices.Contains(u.Declared, s) })
	u.Arrays = slices.DeleteFunc(u.Arrays, func(s string) bool { return slices.Contains(u.Declared, s) })
	return u
}

func visitRef(u *Usage, n Node, add func(*[]string, string)) bool {
	switch n := n.(type) {
	case *IndexExpr:
		if name := arrayBase(n); name != "" {
			add(&u.Arrays, name)
			// Visit subscripts only; the base is recorded above.
			e := Expr(n)
			for {
				ix, ok := e.(*IndexExpr)
				if !ok {
					break
				}
				Walk(ix.Index, func(m Node) bool { return visitRef(u, m, add) })
				e = ix.X
			}
			return false
		}
	case *Ident:
		add(&u.Scalars, n.Name)
	case *MemberExpr:
		return false
	}
	return true
}

// arrayBase returns the array name of a (possibly multi-dimensional) subscript.
func arrayBase(e *IndexExpr) string {
	var x Expr = e
	for {
		switch v := x.(type) {
		case *IndexExpr:
			x = v.X
		case *ParenExpr:
			x = v.X
		case *Ident:
			return v.Name
		default:
			return ""
		}
	}
}

// ArrayBase returns the name of the array subscripted by e, or "".
func ArrayBase(e *IndexExpr) string { return arrayBase(e) }

// InnermostLoop returns the deepest for loop nested in s (s itself if it has no
// nested loop), following the first loop found at each level.
func InnermostLoop(s Stmt) *ForStmt {
	var found *ForStmt
	Walk(s, func(n Node) bool {
		if f, ok := n.(*ForStmt); ok {
			found = f
		}
		return true
	})
	return found
}

// CloneExpr returns a deep copy of e.
func CloneExpr(e Expr) Expr {
	if e == nil {
		return nil
	}
	switch e := e.(type) {
	case *IntLit:
		c := *e
		return &c
	case *FloatLit:
		c := *e
		return &c
	case *Ident:
		return &Ident{Name: e.Name}
	case *IndexExpr:
		return &IndexExpr{X: CloneExpr(e.X), Index: CloneExpr(e.Index)}
	case *MemberExpr:
		return &MemberExpr{X: CloneExpr(e.X), Sel: e.Sel}
	case *CallExpr:
		args := make([]Expr, len(e.Args))
		for i, a := range e.Args {
			args[i] = CloneExpr(a)
		}
		return &CallExpr{Fun: CloneExpr(e.Fun), Args: args}
	case *UnaryExpr:
		return &UnaryExpr{Op: e.Op, X: CloneExpr(e.X), Postfix: e.Postfix}
	case *BinaryExpr:
		return &BinaryExpr{Op: e.Op, X: CloneExpr(e.X), Y: CloneExpr(e.Y)}
	case *AssignExpr:
		return &AssignExpr{Op: e.Op, LHS: CloneExpr(e.LHS), RHS: CloneExpr(e.RHS)}
	case *ParenExpr:
		return &ParenExpr{X: CloneExpr(e.X)}
	case *CondExpr:
		return &CondExpr{Cond: CloneExpr(e.Cond), Then: CloneExpr(e.Then), Else: CloneExpr(e.Else)}
	case *CastExpr:
		return &CastExpr{Type: e.Type, X: CloneExpr(e.X)}
	}
	panic(errors.Errorf("cloop.CloneExpr: unknown expression %T", e))
}

// Clone returns a deep copy of s.
func Clone(s Stmt) Stmt {
	if s == nil {
		return nil
	}
	switch s := s.(type) {
	case *ExprStmt:
		return &ExprStmt{X: CloneExpr(s.X)}
	case *EmptyStmt:
		return &EmptyStmt{}
	case *BlockStmt:
		return &BlockStmt{List: CloneList(s.List)}
	case *IfStmt:
		return &IfStmt{Cond: CloneExpr(s.Cond), Then: Clone(s.Then), Else: Clone(s.Else)}
	case *ForStmt:
		return &ForStmt{Init: Clone(s.Init), Cond: CloneExpr(s.Cond), Post: CloneExpr(s.Post), Body: Clone(s.Body)}
	case *DeclStmt:
		d := &DeclStmt{Qualifiers: slices.Clone(s.Qualifiers), Type: s.Type}
		for _, n := range s.Names {
			c := Declarator{Name: n.Name, Pointer: n.Pointer, Init: CloneExpr(n.Init)}
			for _, dim := range n.Dims {
				c.Dims = append(c.Dims, CloneExpr(dim))
			}
			d.Names = append(d.Names, c)
		}
		return d
	case *ExternStmt:
		c := *s
		return &c
	case *TransformStmt:
		t := &TransformStmt{Name: s.Name, Body: Clone(s.Body)}
		for _, kv := range s.Args {
			t.Args = append(t.Args, KeyValue{Key: kv.Key, Value: CloneExpr(kv.Value)})
		}
		return t
	}
	panic(errors.Errorf("cloop.Clone: unknown statement %T", s))
}

// CloneList deep-copies a statement list.
func CloneList(list []Stmt) []Stmt {
	out := make([]Stmt, len(list))
	for i, s := range list {
		out[i] = Clone(s)
	}
	return out
}

// Rewrite returns a copy of e where every sub-expression for which fn returns a
// non-nil replacement is replaced. Replacements are not visited again.
func Rewrite(e Expr, fn func(Expr) Expr) Expr {
	if e == nil {
		return nil
	}
	if r := fn(e); r != nil {
		return r
	}
	switch e := e.(type) {
	case *IndexExpr:
		return &IndexExpr{X: Rewrite(e.X, fn), Index: Rewrite(e.Index, fn)}
	case *MemberExpr:
		return &MemberExpr{X: Rewrite(e.X, fn), Sel: e.Sel}
	case *CallExpr:
		args := make([]Expr, len(e.Args))
		for i, a := range e.Args {
			args[i] = Rewrite(a, fn)
		}
		return &CallExpr{Fun: Rewrite(e.Fun, fn), Args: args}
	case *UnaryExpr:
		return &UnaryExpr{Op: e.Op, X: Rewrite(e.X, fn), Postfix: e.Postfix}
	case *BinaryExpr:
		return &BinaryExpr{Op: e.Op, X: Rewrite(e.X, fn), Y: Rewrite(e.Y, fn)}
	case *AssignExpr:
		return &AssignExpr{Op: e.Op, LHS: Rewrite(e.LHS, fn), RHS: Rewrite(e.RHS, fn)}
	case *ParenExpr:
		return &ParenExpr{X: Rewrite(e.X, fn)}
	case *CondExpr:
		return &CondExpr{Cond: Rewrite(e.Cond, fn), Then: Rewrite(e.Then, fn), Else: Rewrite(e.Else, fn)}
	case *CastExpr:
		return &CastExpr{Type: e.Type, X: Rewrite(e.X, fn)}
	}
	return CloneExpr(e)
}

// RewriteStmt applies Rewrite to every expression of a copy of s.
func RewriteStmt(s Stmt, fn func(Expr) Expr) Stmt {
	if s == nil {
		return nil
	}
	switch s := s.(type) {
	case *ExprStmt:
		return &ExprStmt{X: Rewrite(s.X, fn)}
	case *BlockStmt:
		b := &BlockStmt{}
		for _, c := range s.List {
			b.List = append(b.List, RewriteStmt(c, fn))
		}
		return b
	case *IfStmt:
		return &IfStmt{Cond: Rewrite(s.Cond, fn), Then: RewriteStmt(s.Then, fn), Else: RewriteStmt(s.Else, fn)}
	case *ForStmt:
		return &ForStmt{Init: RewriteStmt(s.Init, fn), Cond: Rewrite(s.Cond, fn), Post: Rewrite(s.Post, fn), Body: RewriteStmt(s.Body, fn)}
	case *DeclStmt:
		d := Clone(s).(*DeclStmt)
		for i := range d.Names {
			d.Names[i].Init = Rewrite(d.Names[i].Init, fn)
			for j := range d.Names[i].Dims {
				d.Names[i].Dims[j] = Rewrite(d.Names[i].Dims[j], fn)
			}
		}
		return d
	}
	return Clone(s)
}

// Substitute returns a copy of s with every reference to a name in subst
// replaced by a copy of its expression.
func Substitute(s Stmt, subst map[string]Expr) Stmt {
	return RewriteStmt(s, substituter(subst))
}

// SubstituteExpr is Substitute for expressions.
func SubstituteExpr(e Expr, subst map[string]Expr) Expr {
	return Rewrite(e, substituter(subst))
}

func substituter(subst map[string]Expr) func(Expr) Expr {
	return func(e Expr) Expr {
		if id, ok := e.(*Ident); ok {
			if r, found := subst[id.Name]; found {
				return CloneExpr(r)
			}
		}
		return nil
	}
}

// Body returns the statements of a loop body, unwrapping a block.
func Body(s Stmt) []Stmt {
	if b, ok := s.(*BlockStmt); ok {
		return b.List
	}
	return []Stmt{s}
}

// ReplaceStmt returns a copy of root in which the statement old, matched by
// identity, is replaced by repl. Inside a block the replacement statements are
// spliced into the list; elsewhere more than one statement is wrapped in a
// block.
func ReplaceStmt(root, old Stmt, repl ...Stmt) Stmt {
	single := func() Stmt {
		if len(repl) == 1 {
			return repl[0]
		}
		return Block(repl...)
	}
	if root == old {
		return single()
	}
	switch s := root.(type) {
	case *BlockStmt:
		b := &BlockStmt{}
		for _, c := range s.List {
			if c == old {
				b.List = append(b.List, repl...)
				continue
			}
			b.List = append(b.List, ReplaceStmt(c, old, repl...))
		}
		return b
	case *IfStmt:
		r := &IfStmt{Cond: s.Cond, Then: ReplaceStmt(s.Then, old, repl...)}
		if s.Else != nil {
			r.Else = ReplaceStmt(s.Else, old, repl...)
		}
		return r
	case *ForStmt:
		return &ForStmt{Init: s.Init, Cond: s.Cond, Post: s.Post, Body: ReplaceStmt(s.Body, old, repl...)}
	}
	return root
}

// Idents returns every name referenced or declared in the given statements.
func Idents(list ...Stmt) map[string]bool {
	names := make(map[string]bool)
	for _, s := range list {
		Walk(s, func(n Node) bool {
			switch n := n.(type) {
			case *Ident:
				names[n.Name] = true
			case *DeclStmt:
				for _, d := range n.Names {
					names[d.Name] = true
				}
			}
			return true
		})
	}
	return names
}
