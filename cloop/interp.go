// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package cloop

import (
	"math"

	"github.com/pkg/errors"
)

// ErrStepLimit is returned when an interpreted program runs more loop iterations
// than Interp.StepLimit allows.
var ErrStepLimit = errors.New("step limit exceeded")

// DefaultStepLimit bounds the number of loop iterations of one interpretation.
const DefaultStepLimit = 1 << 32

// Builtin is a function callable from interpreted code.
type Builtin func(args []Value) (Value, error)

// Interp executes statements of the C subset against an Env.
//
// An Interp is not safe for concurrent use; create one per goroutine.
type Interp struct {
	// Externs run ExternStmt nodes by name.
	Externs map[string]func(env *Env) error

	// Funcs are the callable functions, by name.
	Funcs map[string]Builtin

	// StepLimit caps the number of loop iterations; 0 means DefaultStepLimit.
	StepLimit int64

	steps int64
}

// NewInterp returns an interpreter with the C math functions used by annotated
// loops, plus __syncthreads as a no-op.
func NewInterp() *Interp {
	unary := func(fn func(float64) float64) Builtin {
		return func(args []Value) (Value, error) {
			if len(args) != 1 {
				return Value{}, errors.Errorf("expected 1 argument, got %d", len(args))
			}
			return FloatValue(fn(args[0].Float())), nil
		}
	}
	return &Interp{
		Externs: make(map[string]func(env *Env) error),
		Funcs: map[string]Builtin{
			"sqrt":  unary(math.Sqrt),
			"fabs":  unary(math.Abs),
			"exp":   unary(math.Exp),
			"log":   unary(math.Log),
			"sin":   unary(math.Sin),
			"cos":   unary(math.Cos),
			"floor": unary(math.Floor),
			"ceil":  unary(math.Ceil),
			"pow": func(args []Value) (Value, error) {
				if len(args) != 2 {
					return Value{}, errors.Errorf("pow expects 2 arguments, got %d", len(args))
				}
				return FloatValue(math.Pow(args[0].Float(), args[1].Float())), nil
			},
			"abs": func(args []Value) (Value, error) {
				if len(args) != 1 {
					return Value{}, errors.Errorf("abs expects 1 argument, got %d", len(args))
				}
				v := args[0].Int()
				if v < 0 {
					v = -v
				}
				return IntValue(v), nil
			},
			"__syncthreads": func(args []Value) (Value, error) { return IntValue(0), nil },
		},
	}
}

// Steps returns the number of loop iterations run so far.
func (in *Interp) Steps() int64 { return in.steps }

func (in *Interp) tick() error {
	in.steps++
	limit := in.StepLimit
	if limit <= 0 {
		limit = DefaultStepLimit
	}
	if in.steps > limit {
		return errors.Wrapf(ErrStepLimit, "more than %d iterations", limit)
	}
	return nil
}

// ExecList runs statements in order in env.
func (in *Interp) ExecList(env *Env, list []Stmt) error {
	for _, s := range list {
		if err := in.Exec(env, s); err != nil {
			return err
		}
	}
	return nil
}

// Exec runs one statement.
func (in *Interp) Exec(env *Env, s Stmt) error {
	switch s := s.(type) {
	case *ExprStmt:
		_, err := in.Eval(env, s.X)
		return err
	case *EmptyStmt:
		return nil
	case *BlockStmt:
		return in.ExecList(NewEnv(env), s.List)
	case *IfStmt:
		c, err := in.Eval(env, s.Cond)
		if err != nil {
			return err
		}
		if c.Truth() {
			return in.Exec(env, s.Then)
		} else if s.Else != nil {
			return in.Exec(env, s.Else)
		}
		return nil
	case *ForStmt:
		scope := env
		if _, isDecl := s.Init.(*DeclStmt); isDecl {
			scope = NewEnv(env)
		}
		if s.Init != nil {
			if err := in.Exec(scope, s.Init); err != nil {
				return err
			}
		}
		for {
			if s.Cond != nil {
				c, err := in.Eval(scope, s.Cond)
				if err != nil {
					return err
				}
				if !c.Truth() {
					return nil
				}
			}
			if err := in.tick(); err != nil {
				return err
			}
			if err := in.Exec(scope, s.Body); err != nil {
				return err
			}
			if s.Post != nil {
				if _, err := in.Eval(scope, s.Post); err != nil {
					return err
				}
			}
		}
	case *DeclStmt:
		return in.declare(env, s)
	case *ExternStmt:
		hook, ok := in.Externs[s.Name]
		if !ok {
			return errors.Errorf("no interpreter hook for %q", s.Name)
		}
		return hook(env)
	case *TransformStmt:
		return errors.Errorf("transform %s cannot be interpreted directly", s.Name)
	}
	return errors.Errorf("cannot interpret statement %T", s)
}

// Invoke runs the body of f in env. The caller binds the parameters in env first.
func (in *Interp) Invoke(env *Env, f *FuncDecl) error {
	return in.ExecList(env, f.Body.List)
}

func (in *Interp) declare(env *Env, d *DeclStmt) error {
	t := ScalarTypeOf(d.Type)
	for _, n := range d.Names {
		switch {
		case len(n.Dims) > 0:
			dims := make([]int, len(n.Dims))
			for i, de := range n.Dims {
				v, err := in.Eval(env, de)
				if err != nil {
					return err
				}
				if v.Int() < 0 {
					return errors.Errorf("array %q has negative dimension %d", n.Name, v.Int())
				}
				dims[i] = int(v.Int())
			}
			if n.Init != nil {
				return errors.Errorf("array initializers are not supported (%q)", n.Name)
			}
			env.DefineArray(n.Name, NewArray(t, dims...))
		case n.Pointer > 0:
			// Only aliases of existing arrays are meaningful: `double *p = x;`.
			id, ok := n.Init.(*Ident)
			if !ok {
				return errors.Errorf("pointer %q must be initialized with an array name", n.Name)
			}
			arr, ok := env.Array(id.Name)
			if !ok {
				return errors.Errorf("pointer %q initialized with unknown array %q", n.Name, id.Name)
			}
			env.DefineArray(n.Name, arr)
		default:
			v := IntValue(0)
			if n.Init != nil {
				var err error
				v, err = in.Eval(env, n.Init)
				if err != nil {
					return err
				}
			}
			env.DefineScalar(n.Name, t, v)
		}
	}
	return nil
}

// Eval evaluates an expression.
func (in *Interp) Eval(env *Env, e Expr) (Value, error) {
	switch e := e.(type) {
	case *IntLit:
		return IntValue(e.Value), nil
	case *FloatLit:
		return FloatValue(e.Value), nil
	case *Ident:
		v, ok := env.Scalar(e.Name)
		if !ok {
			if env.Defined(e.Name) {
				return Value{}, errors.Errorf("array %q used as a scalar", e.Name)
			}
			return Value{}, errors.Errorf("undefined variable %q", e.Name)
		}
		return v, nil
	case *MemberExpr:
		name := memberName(e)
		v, ok := env.Scalar(name)
		if !ok {
			return Value{}, errors.Errorf("undefined builtin %q", name)
		}
		return v, nil
	case *ParenExpr:
		return in.Eval(env, e.X)
	case *IndexExpr:
		arr, idx, err := in.element(env, e)
		if err != nil {
			return Value{}, err
		}
		return arr.Get(idx)
	case *CallExpr:
		id, ok := e.Fun.(*Ident)
		if !ok {
			return Value{}, errors.Errorf("only direct calls are supported")
		}
		fn, ok := in.Funcs[id.Name]
		if !ok {
			return Value{}, errors.Errorf("unknown function %q", id.Name)
		}
		args := make([]Value, len(e.Args))
		for i, a := range e.Args {
			v, err := in.Eval(env, a)
			if err != nil {
				return Value{}, err
			}
			args[i] = v
		}
		v, err := fn(args)
		if err != nil {
			return Value{}, errors.WithMessagef(err, "calling %s", id.Name)
		}
		return v, nil
	case *CastExpr:
		v, err := in.Eval(env, e.X)
		if err != nil {
			return Value{}, err
		}
		return v.Convert(ScalarTypeOf(e.Type)), nil
	case *CondExpr:
		c, err := in.Eval(env, e.Cond)
		if err != nil {
			return Value{}, err
		}
		if c.Truth() {
			return in.Eval(env, e.Then)
		}
		return in.Eval(env, e.Else)
	case *UnaryExpr:
		return in.unary(env, e)
	case *BinaryExpr:
		return in.binary(env, e)
	case *AssignExpr:
		rhs, err := in.Eval(env, e.RHS)
		if err != nil {
			return Value{}, err
		}
		if e.Op != "=" {
			old, err := in.Eval(env, e.LHS)
			if err != nil {
				return Value{}, err
			}
			rhs, err = arith(e.Op[:len(e.Op)-1], old, rhs)
			if err != nil {
				return Value{}, err
			}
		}
		return in.store(env, e.LHS, rhs)
	}
	return Value{}, errors.Errorf("cannot evaluate expression %T", e)
}

func memberName(e *MemberExpr) string {
	if id, ok := e.X.(*Ident); ok {
		return id.Name + "." + e.Sel
	}
	return "?." + e.Sel
}

// element resolves a (possibly multi-dimensional) subscript into an array and a
// flat index.
func (in *Interp) element(env *Env, e *IndexExpr) (*Array, int, error) {
	var indices []Expr
	var base Expr = e
	for {
		ix, ok := base.(*IndexExpr)
		if !ok {
			break
		}
		indices = append([]Expr{ix.Index}, indices...)
		base = ix.X
	}
	for {
		p, ok := base.(*ParenExpr)
		if !ok {
			break
		}
		base = p.X
	}
	id, ok := base.(*Ident)
	if !ok {
		return nil, 0, errors.Errorf("subscripted value must be an array name")
	}
	arr, ok := env.Array(id.Name)
	if !ok {
		return nil, 0, errors.Errorf("undefined array %q", id.Name)
	}
	flat := 0
	for k, ie := range indices {
		v, err := in.Eval(env, ie)
		if err != nil {
			return nil, 0, err
		}
		stride := 1
		if len(arr.Dims) == len(indices) {
			for _, d := range arr.Dims[k+1:] {
				stride *= d
			}
		} else if len(indices) > 1 {
			return nil, 0, errors.Errorf("array %q has %d dimensions, subscripted with %d", id.Name, len(arr.Dims), len(indices))
		}
		flat += int(v.Int()) * stride
	}
	if flat < 0 || flat >= arr.Len() {
		return nil, 0, errors.Errorf("%s[%d] out of range [0, %d)", id.Name, flat, arr.Len())
	}
	return arr, flat, nil
}

func (in *Interp) store(env *Env, lhs Expr, v Value) (Value, error) {
	switch l := lhs.(type) {
	case *ParenExpr:
		return in.store(env, l.X, v)
	case *Ident:
		if err := env.SetScalar(l.Name, v); err != nil {
			return Value{}, err
		}
		stored, _ := env.Scalar(l.Name)
		return stored, nil
	case *IndexExpr:
		arr, idx, err := in.element(env, l)
		if err != nil {
			return Value{}, err
		}
		if err := arr.Set(idx, v); err != nil {
			return Value{}, err
		}
		return arr.Get(idx)
	}
	return Value{}, errors.Errorf("expression %s is not assignable", FormatExpr(lhs))
}

func (in *Interp) unary(env *Env, e *UnaryExpr) (Value, error) {
	if e.Op == "++" || e.Op == "--" {
		old, err := in.Eval(env, e.X)
		if err != nil {
			return Value{}, err
		}
		op := e.Op[:1]
		nv, err := arith(op, old, IntValue(1))
		if err != nil {
			return Value{}, err
		}
		stored, err := in.store(env, e.X, nv)
		if err != nil {
			return Value{}, err
		}
		if e.Postfix {
			return old, nil
		}
		return stored, nil
	}
	x, err := in.Eval(env, e.X)
	if err != nil {
		return Value{}, err
	}
	switch e.Op {
	case "-":
		if x.IsFloat {
			return FloatValue(-x.F), nil
		}
		return IntValue(-x.I), nil
	case "+":
		return x, nil
	case "!":
		return boolValue(!x.Truth()), nil
	case "~":
		if x.IsFloat {
			return Value{}, errors.Errorf("operator ~ on floating point value")
		}
		return IntValue(^x.I), nil
	}
	return Value{}, errors.Errorf("unknown unary operator %q", e.Op)
}

func (in *Interp) binary(env *Env, e *BinaryExpr) (Value, error) {
	x, err := in.Eval(env, e.X)
	if err != nil {
		return Value{}, err
	}
	switch e.Op {
	case "&&":
		if !x.Truth() {
			return IntValue(0), nil
		}
		y, err := in.Eval(env, e.Y)
		if err != nil {
			return Value{}, err
		}
		return boolValue(y.Truth()), nil
	case "||":
		if x.Truth() {
			return IntValue(1), nil
		}
		y, err := in.Eval(env, e.Y)
		if err != nil {
			return Value{}, err
		}
		return boolValue(y.Truth()), nil
	}
	y, err := in.Eval(env, e.Y)
	if err != nil {
		return Value{}, err
	}
	return arith(e.Op, x, y)
}

// arith applies a binary operator with C's usual arithmetic conversions,
// restricted to int and double.
func arith(op string, x, y Value) (Value, error) {
	if x.IsFloat || y.IsFloat {
		a, b := x.Float(), y.Float()
		switch op {
		case "+":
			return FloatValue(a + b), nil
		case "-":
			return FloatValue(a - b), nil
		case "*":
			return FloatValue(a * b), nil
		case "/":
			return FloatValue(a / b), nil
		case "<":
			return boolValue(a < b), nil
		case "<=":
			return boolValue(a <= b), nil
		case ">":
			return boolValue(a > b), nil
		case ">=":
			return boolValue(a >= b), nil
		case "==":
			return boolValue(a == b), nil
		case "!=":
			return boolValue(a != b), nil
		}
		return Value{}, errors.Errorf("operator %q on floating point values", op)
	}
	a, b := x.I, y.I
	switch op {
	case "+":
		return IntValue(a + b), nil
	case "-":
		return IntValue(a - b), nil
	case "*":
		return IntValue(a * b), nil
	case "/", "%":
		if b == 0 {
			return Value{}, errors.New("integer division by zero")
		}
		if op == "/" {
			return IntValue(a / b), nil
		}
		return IntValue(a % b), nil
	case "<":
		return boolValue(a < b), nil
	case "<=":
		return boolValue(a <= b), nil
	case ">":
		return boolValue(a > b), nil
	case ">=":
		return boolValue(a >= b), nil
	case "==":
		return boolValue(a == b), nil
	case "!=":
		return boolValue(a != b), nil
	case "&":
		return IntValue(a & b), nil
	case "|":
		return IntValue(a | b), nil
	case "^":
		return IntValue(a ^ b), nil
	case "<<":
		return IntValue(a << uint(b)), nil
	case ">>":
		return IntValue(a >> uint(b)), nil
	}
	return Value{}, errors.Errorf("unknown binary operator %q", op)
}
