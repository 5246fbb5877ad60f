// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

// Package codegen synthesizes the code variants of annotated blocks.
//
// For one parameter assignment a Generator turns the baseline of a block into
// a CUDA kernel plus its launch code, an unrolled sparse matrix-vector
// product, an unrolled loop, or the baseline itself. Transformations work on
// the cloop AST: baseline expressions are cloned, never rebuilt, so the order
// of floating point operations is the baseline's.
package codegen

import (
	"fmt"
	"math"
	"slices"

	"github.com/ajroetker/perftune/annot"
	"github.com/ajroetker/perftune/cloop"
	"github.com/ajroetker/perftune/space"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrBadArgument is returned when a transformation argument does not
// evaluate to a usable value under an assignment.
var ErrBadArgument = errors.New("invalid transformation argument")

// MaxUnroll bounds every unroll factor; larger factors only grow the code.
const MaxUnroll = 64

// Kind is the transformation a variant implements.
type Kind int

const (
	KindGeneric Kind = iota
	KindCUDA
	KindSpMV
	KindUnroll
)

func (k Kind) String() string {
	switch k {
	case KindCUDA:
		return "CUDA"
	case KindSpMV:
		return "SpMV"
	case KindUnroll:
		return "Unroll"
	default:
		return "generic"
	}
}

// CUDAParams is the launch geometry and the code shape of a CUDA variant.
type CUDAParams struct {
	Threads     int // Threads per block.
	Blocks      int
	Streams     int
	CacheBlocks bool
	PreferL1    int // KiB of the 64KiB on-chip memory preferred for L1.
	UnrollInner int
}

// SpMVParams are the unroll factors of an SpMV variant.
type SpMVParams struct {
	OutUnroll int
	InUnroll  int
	InitVal   cloop.Expr
}

// UnrollParams is the unroll factor of a CPU loop.
type UnrollParams struct {
	Factor int
}

// Spec is the transformation of one block resolved against one assignment.
// Only the field matching Kind is set.
type Spec struct {
	Kind   Kind
	CUDA   *CUDAParams
	SpMV   *SpMVParams
	Unroll *UnrollParams
}

func (s *Spec) String() string {
	switch s.Kind {
	case KindCUDA:
		c := s.CUDA
		return fmt.Sprintf("CUDA(threads=%d, blocks=%d, streams=%d, cacheBlocks=%t, preferL1Size=%d, unrollInner=%d)",
			c.Threads, c.Blocks, c.Streams, c.CacheBlocks, c.PreferL1, c.UnrollInner)
	case KindSpMV:
		return fmt.Sprintf("SpMV(out_unroll_factor=%d, in_unroll_factor=%d)", s.SpMV.OutUnroll, s.SpMV.InUnroll)
	case KindUnroll:
		return fmt.Sprintf("Unroll(ufactor=%d)", s.Unroll.Factor)
	}
	return "generic"
}

// Resolve evaluates the transformation arguments of block n under a.
func Resolve(n *annot.Node, a space.Assignment) (*Spec, error) {
	switch n.Kind {
	case annot.KindTransform:
		args := newArgs(n.Transform.Name, n.Transform.Arg, a)
		switch n.Transform.Name {
		case "CUDA":
			c := &CUDAParams{}
			var err error
			if c.Threads, err = args.integer("threadCount", 32, 1, 1024); err != nil {
				return nil, err
			}
			if c.Blocks, err = args.integer("blockCount", 14, 1, 65535); err != nil {
				return nil, err
			}
			if c.Streams, err = args.integer("streamCount", 1, 1, 1024); err != nil {
				return nil, err
			}
			if c.CacheBlocks, err = args.boolean("cacheBlocks", false); err != nil {
				return nil, err
			}
			if c.PreferL1, err = args.integer("preferL1Size", 16, 16, 48); err != nil {
				return nil, err
			}
			if !slices.Contains([]int{16, 32, 48}, c.PreferL1) {
				return nil, errors.Wrapf(ErrBadArgument, "CUDA: preferL1Size = %d, want 16, 32 or 48", c.PreferL1)
			}
			if c.UnrollInner, err = args.integer("unrollInner", 1, 1, MaxUnroll); err != nil {
				return nil, err
			}
			return &Spec{Kind: KindCUDA, CUDA: c}, nil
		case "Unroll":
			f, err := args.integer("ufactor", 1, 1, MaxUnroll)
			if err != nil {
				return nil, err
			}
			return &Spec{Kind: KindUnroll, Unroll: &UnrollParams{Factor: f}}, nil
		}
		return nil, errors.Errorf("unknown transformation %q", n.Transform.Name)
	case annot.KindDomainSpec:
		d := n.Domain
		exprs := map[string]cloop.Expr{"out_unroll_factor": d.OutUnrollFactor, "in_unroll_factor": d.InUnrollFactor}
		args := newArgs("SpMV", func(key string) cloop.Expr { return exprs[key] }, a)
		s := &SpMVParams{InitVal: cloop.SubstituteExpr(d.InitVal, literals(a))}
		var err error
		if s.OutUnroll, err = args.integer("out_unroll_factor", 1, 1, MaxUnroll); err != nil {
			return nil, err
		}
		if s.InUnroll, err = args.integer("in_unroll_factor", 1, 1, MaxUnroll); err != nil {
			return nil, err
		}
		return &Spec{Kind: KindSpMV, SpMV: s}, nil
	}
	return &Spec{Kind: KindGeneric}, nil
}

// literals maps every numeric parameter of a to its literal expression.
func literals(a space.Assignment) map[string]cloop.Expr {
	m := make(map[string]cloop.Expr)
	for i, name := range a.Names {
		if e, ok := a.Values[i].Expr(); ok {
			m[name] = e
		}
	}
	return m
}

// args evaluates the arguments of one transformation.
type args struct {
	module string
	arg    func(key string) cloop.Expr
	in     *cloop.Interp
	env    *cloop.Env
}

func newArgs(module string, arg func(string) cloop.Expr, a space.Assignment) *args {
	globals := cloop.NewEnv(nil)
	globals.DefineScalar("True", cloop.TypeInt, cloop.IntValue(1))
	globals.DefineScalar("False", cloop.TypeInt, cloop.IntValue(0))
	return &args{module: module, arg: arg, in: cloop.NewInterp(), env: a.Env(globals)}
}

func (x *args) eval(key string) (cloop.Value, bool, error) {
	e := x.arg(key)
	if e == nil {
		return cloop.Value{}, false, nil
	}
	v, err := x.in.Eval(x.env, e)
	if err != nil {
		return cloop.Value{}, true, errors.Wrapf(ErrBadArgument, "%s: %s = %s: %v", x.module, key, cloop.FormatExpr(e), err)
	}
	return v, true, nil
}

func (x *args) integer(key string, def, lo, hi int) (int, error) {
	v, ok, err := x.eval(key)
	if err != nil || !ok {
		return def, err
	}
	if v.IsFloat && v.F != math.Trunc(v.F) {
		return 0, errors.Wrapf(ErrBadArgument, "%s: %s = %s is not an integer", x.module, key, v)
	}
	n := v.Int()
	if n < int64(lo) || n > int64(hi) {
		return 0, errors.Wrapf(ErrBadArgument, "%s: %s = %d is outside [%d, %d]", x.module, key, n, lo, hi)
	}
	return int(n), nil
}

func (x *args) boolean(key string, def bool) (bool, error) {
	v, ok, err := x.eval(key)
	if err != nil || !ok {
		return def, err
	}
	return v.Truth(), nil
}

// Variant is the code generated for one block under one assignment.
type Variant struct {
	Kind       Kind
	Block      *annot.Node
	Assignment space.Assignment
	Spec       *Spec

	// Prelude is file-scope code the body depends on, such as CUDA kernels.
	Prelude string
	// Body replaces the code between the block markers. It is not indented.
	Body string
	// Stmts is Body as statements, nil for a generic variant whose baseline
	// is outside the cloop subset.
	Stmts []cloop.Stmt
	// Launch is set for CUDA variants.
	Launch *LaunchPlan
	// Baseline marks the unchanged block returned by Generator.Baseline.
	Baseline bool
}

// Source returns the prelude followed by the body.
func (v *Variant) Source() string { return v.Prelude + v.Body }

// IsCUDA reports whether the variant needs the CUDA toolchain.
func (v *Variant) IsCUDA() bool { return v.Kind == KindCUDA }

// Bind registers the hooks the interpreter needs to run the variant's
// statements.
func (v *Variant) Bind(in *cloop.Interp) {
	if v.Launch != nil {
		in.Externs[v.Launch.Name] = func(env *cloop.Env) error { return v.Launch.Run(in, env) }
	}
}

// Summary describes the variant for logs and provenance notes.
func (v *Variant) Summary() string {
	if v.Assignment.Len() == 0 {
		return v.Spec.String()
	}
	return v.Spec.String() + " for " + v.Assignment.String()
}

// Generator generates the variants of one block. The baseline and the
// surrounding declarations are analyzed once; Generate is safe for concurrent
// use.
type Generator struct {
	block  *annot.Node
	tuning *annot.TuningSpec
	decls  Decls
	// after holds the words of the enclosing function past the block.
	after map[string]bool

	stmts    []cloop.Stmt
	parseErr error
}

// NewGenerator prepares the generation of block, found in src.
func NewGenerator(src []byte, block *annot.Node) *Generator {
	g := &Generator{block: block}
	for p := block.Parent; p != nil; p = p.Parent {
		if p.Kind == annot.KindPerfTuning {
			g.tuning = p.Tuning
			break
		}
	}
	g.decls = DeclsAround(src, block)
	end := len(src)
	if _, body, ok := annot.EnclosingFunction(src, block.Body.Start); ok {
		end = body.End
	}
	g.after = identWords(src[min(block.Outer.End, end):end])

	if block.Kind == annot.KindTransform && block.Transform.Stmt != nil {
		g.stmts = []cloop.Stmt{block.Transform.Stmt}
	} else if base := block.Baseline(); base != nil {
		g.stmts, g.parseErr = cloop.ParseStmts(base.Text)
		if g.parseErr != nil {
			klog.V(1).Infof("codegen: %s baseline is outside the loop subset: %v", block.Name(), g.parseErr)
		}
	}
	return g
}

// Generate returns the variant of the block for assignment a.
func (g *Generator) Generate(a space.Assignment) (*Variant, error) {
	spec, err := Resolve(g.block, a)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s", g.block.Name())
	}
	v := &Variant{Kind: spec.Kind, Block: g.block, Assignment: a, Spec: spec}
	switch spec.Kind {
	case KindCUDA:
		err = g.cuda(v)
	case KindSpMV:
		err = g.spmv(v)
	case KindUnroll:
		err = g.unroll(v)
	default:
		err = g.generic(v)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "%s with %s", g.block.Name(), spec)
	}
	if klog.V(2).Enabled() {
		klog.Infof("codegen: %s, %s:\n%s", g.block.Name(), v.Summary(), v.Source())
	}
	return v, nil
}

// Generate is a shortcut for NewGenerator(src, n).Generate(a).
func Generate(src []byte, n *annot.Node, a space.Assignment) (*Variant, error) {
	return NewGenerator(src, n).Generate(a)
}

// Baseline returns the block unchanged, as a variant outside the space: the
// reference the results of the generated variants are checked against.
func (g *Generator) Baseline() *Variant {
	v := &Variant{Kind: KindGeneric, Block: g.block, Assignment: space.Assignment{Index: -1}, Spec: &Spec{Kind: KindGeneric}, Baseline: true}
	_ = g.generic(v)
	return v
}

func (g *Generator) generic(v *Variant) error {
	v.Body = g.block.Baseline().Text
	if g.parseErr == nil {
		v.Stmts = cloop.CloneList(g.stmts)
	}
	return nil
}

// baselineStmts returns a copy of the parsed baseline or the parse error.
func (g *Generator) baselineStmts() ([]cloop.Stmt, error) {
	if g.parseErr != nil {
		return nil, errors.WithMessage(g.parseErr, "parsing baseline")
	}
	return cloop.CloneList(g.stmts), nil
}

// singleLoop returns the index of the only for loop among list.
func singleLoop(list []cloop.Stmt) (int, error) {
	found := -1
	for i, s := range list {
		if _, ok := s.(*cloop.ForStmt); ok {
			if found >= 0 {
				return 0, errors.New("the block must contain a single loop nest")
			}
			found = i
		}
	}
	if found < 0 {
		return 0, errors.New("the block contains no for loop")
	}
	return found, nil
}

// splice returns list with the element at i replaced by repl.
func splice(list []cloop.Stmt, i int, repl ...cloop.Stmt) []cloop.Stmt {
	out := slices.Clone(list[:i])
	out = append(out, repl...)
	return append(out, list[i+1:]...)
}

// namer hands out identifiers that do not clash with the names of the block.
type namer map[string]bool

func (n namer) fresh(base string) string {
	name := base
	for n[name] {
		name += "_"
	}
	n[name] = true
	return name
}
