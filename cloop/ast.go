// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

// Package cloop parses, prints, transforms and interprets the small subset of C
// that appears inside tuning annotations: loop nests, assignments, conditionals,
// local declarations and the expressions they use.
//
// It is not a C front end. Anything outside the subset is reported as a parse
// error, which callers surface as a malformed annotation.
package cloop

// Node is any AST node.
type Node interface {
	node()
}

// Expr is an expression node.
type Expr interface {
	Node
	exprNode()
}

// Stmt is a statement node.
type Stmt interface {
	Node
	stmtNode()
}

// IntLit is an integer literal. Text keeps the spelling used in the source.
type IntLit struct {
	Value int64
	Text  string
}

// FloatLit is a floating point literal. Text keeps the spelling used in the source,
// so that printing never changes the value of a constant.
type FloatLit struct {
	Value float64
	Text  string
}

// Ident is a reference to a variable or function name.
type Ident struct {
	Name string
}

// IndexExpr is an array subscript X[Index].
type IndexExpr struct {
	X     Expr
	Index Expr
}

// MemberExpr is a field selection X.Sel, used for CUDA builtins such as blockIdx.x.
type MemberExpr struct {
	X   Expr
	Sel string
}

// CallExpr is a function call.
type CallExpr struct {
	Fun  Expr
	Args []Expr
}

// UnaryExpr is a prefix or postfix unary operation: - + ! ~ ++ --.
type UnaryExpr struct {
	Op      string
	X       Expr
	Postfix bool
}

// BinaryExpr is an arithmetic, comparison or logical binary operation.
type BinaryExpr struct {
	Op   string
	X, Y Expr
}

// AssignExpr is an assignment or compound assignment (=, +=, -=, *=, /=, %=).
type AssignExpr struct {
	Op  string
	LHS Expr
	RHS Expr
}

// ParenExpr is an explicitly parenthesized expression. It is kept in the tree so
// that the printed code groups operations exactly like the source did.
type ParenExpr struct {
	X Expr
}

// CondExpr is the ternary operator Cond ? Then : Else.
type CondExpr struct {
	Cond, Then, Else Expr
}

// CastExpr is a C cast (Type) X.
type CastExpr struct {
	Type string
	X    Expr
}

func (*IntLit) node()     {}
func (*FloatLit) node()   {}
func (*Ident) node()      {}
func (*IndexExpr) node()  {}
func (*MemberExpr) node() {}
func (*CallExpr) node()   {}
func (*UnaryExpr) node()  {}
func (*BinaryExpr) node() {}
func (*AssignExpr) node() {}
func (*ParenExpr) node()  {}
func (*CondExpr) node()   {}
func (*CastExpr) node()   {}

func (*IntLit) exprNode()     {}
func (*FloatLit) exprNode()   {}
func (*Ident) exprNode()      {}
func (*IndexExpr) exprNode()  {}
func (*MemberExpr) exprNode() {}
func (*CallExpr) exprNode()   {}
func (*UnaryExpr) exprNode()  {}
func (*BinaryExpr) exprNode() {}
func (*AssignExpr) exprNode() {}
func (*ParenExpr) exprNode()  {}
func (*CondExpr) exprNode()   {}
func (*CastExpr) exprNode()   {}

// ExprStmt is an expression evaluated for its side effects.
type ExprStmt struct {
	X Expr
}

// BlockStmt is a brace-enclosed statement list.
type BlockStmt struct {
	List []Stmt
}

// IfStmt is an if statement; Else may be nil.
type IfStmt struct {
	Cond Expr
	Then Stmt
	Else Stmt
}

// ForStmt is a C for loop. Init is nil, an *ExprStmt or a *DeclStmt; Cond and Post
// may be nil.
type ForStmt struct {
	Init Stmt
	Cond Expr
	Post Expr
	Body Stmt
}

// Declarator is one declared name of a DeclStmt.
type Declarator struct {
	Name    string
	Pointer int    // Number of '*'.
	Dims    []Expr // Array dimensions, outermost first.
	Init    Expr   // May be nil.
}

// DeclStmt declares one or more variables of the same base type.
type DeclStmt struct {
	Qualifiers []string // static, register, const, __shared__, ...
	Type       string   // Base type, e.g. "double", "unsigned int".
	Names      []Declarator
}

// ExternStmt is an opaque piece of code: it is printed verbatim and, when
// interpreted, runs the hook registered under Name in Interp.Externs.
type ExternStmt struct {
	Name string
	Text string
}

// EmptyStmt is a lone ';'.
type EmptyStmt struct{}

// KeyValue is one argument of a transform directive.
type KeyValue struct {
	Key   string
	Value Expr
}

// TransformStmt is the `transform NAME(key=value, ...) STMT` form used inside Loop
// annotations.
type TransformStmt struct {
	Name string
	Args []KeyValue
	Body Stmt
}

func (*ExprStmt) node()      {}
func (*BlockStmt) node()     {}
func (*IfStmt) node()        {}
func (*ForStmt) node()       {}
func (*DeclStmt) node()      {}
func (*ExternStmt) node()    {}
func (*EmptyStmt) node()     {}
func (*TransformStmt) node() {}

func (*ExprStmt) stmtNode()      {}
func (*BlockStmt) stmtNode()     {}
func (*IfStmt) stmtNode()        {}
func (*ForStmt) stmtNode()       {}
func (*DeclStmt) stmtNode()      {}
func (*ExternStmt) stmtNode()    {}
func (*EmptyStmt) stmtNode()     {}
func (*TransformStmt) stmtNode() {}

// Arg returns the value of the named transform argument, or nil.
func (t *TransformStmt) Arg(key string) Expr {
	for _, kv := range t.Args {
		if kv.Key == key {
			return kv.Value
		}
	}
	return nil
}

// Helpers used by code generators to build trees.

// Id returns an identifier expression.
func Id(name string) *Ident { return &Ident{Name: name} }

// Int returns an integer literal.
func Int(v int64) *IntLit { return &IntLit{Value: v} }

// Bin returns a binary expression.
func Bin(op string, x, y Expr) *BinaryExpr { return &BinaryExpr{Op: op, X: x, Y: y} }

// Assign returns an assignment statement LHS op RHS.
func Assign(op string, lhs, rhs Expr) *ExprStmt {
	return &ExprStmt{X: &AssignExpr{Op: op, LHS: lhs, RHS: rhs}}
}

// Index returns the subscript expression x[idx].
func Index(x, idx Expr) *IndexExpr { return &IndexExpr{X: x, Index: idx} }

// Block wraps statements into a BlockStmt.
func Block(list ...Stmt) *BlockStmt { return &BlockStmt{List: list} }

// Decl returns a single-name declaration.
func Decl(typ, name string, init Expr, qualifiers ...string) *DeclStmt {
	return &DeclStmt{Qualifiers: qualifiers, Type: typ, Names: []Declarator{{Name: name, Init: init}}}
}

// Param is a function parameter.
type Param struct {
	Type    string
	Pointer int
	Name    string
}

// FuncDecl is a file-scope function definition, used for generated kernels.
type FuncDecl struct {
	Qualifiers []string // e.g. "__global__".
	Result     string
	Name       string
	Params     []Param
	Body       *BlockStmt
}

func (*FuncDecl) node() {}
