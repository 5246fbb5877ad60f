// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package codegen

import (
	"fmt"
	"slices"
	"strings"

	"github.com/ajroetker/perftune/cloop"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"k8s.io/klog/v2"
)

// sharedMemoryKiB is the on-chip memory split between L1 and shared memory.
const sharedMemoryKiB = 64

// LaunchPlan is the host side of a CUDA variant: which kernel runs over which
// part of the iteration space, with which arguments.
type LaunchPlan struct {
	// Name identifies the launch statement of the variant body (an ExternStmt).
	Name   string
	Kernel *cloop.FuncDecl
	// Lower and Upper are the inclusive loop bounds, evaluated in the scope
	// of the launch.
	Lower, Upper cloop.Expr
	// ScalarArgs and Arrays are the names passed to the kernel after the
	// chunk bounds, in parameter order.
	ScalarArgs []string
	Arrays     []string

	Threads, Blocks, Streams int

	// LoopVar is set to its exit value after the launch when SetLoopVar is
	// true, as the replaced loop would have left it.
	LoopVar    string
	SetLoopVar bool
}

// Run executes the launch with in, in the scope env: the iteration space is
// split in one contiguous chunk per stream, and the kernel runs once per
// thread of every block, sequentially. Device buffers alias the host arrays.
func (p *LaunchPlan) Run(in *cloop.Interp, env *cloop.Env) error {
	lbv, err := in.Eval(env, p.Lower)
	if err != nil {
		return errors.WithMessage(err, "lower bound")
	}
	ubv, err := in.Eval(env, p.Upper)
	if err != nil {
		return errors.WithMessage(err, "upper bound")
	}
	lb, ub := lbv.Int(), ubv.Int()

	params := p.Kernel.Params
	scalars := make([]cloop.Value, len(p.ScalarArgs))
	for k, name := range p.ScalarArgs {
		if scalars[k], err = in.Eval(env, cloop.Id(name)); err != nil {
			return errors.WithMessagef(err, "kernel argument %s", name)
		}
	}
	arrays := make([]*cloop.Array, len(p.Arrays))
	for k, name := range p.Arrays {
		arr, ok := env.Array(name)
		if !ok {
			return errors.Errorf("kernel argument %s is not an array", name)
		}
		arrays[k] = arr
	}

	if lb <= ub {
		streams := int64(p.Streams)
		chunk := (ub - lb + streams) / streams
		for s := int64(0); s < streams; s++ {
			from := lb + s*chunk
			to := min(from+chunk-1, ub)
			if from > to {
				continue
			}
			for b := 0; b < p.Blocks; b++ {
				for t := 0; t < p.Threads; t++ {
					tenv := cloop.NewEnv(nil)
					tenv.DefineScalar("blockIdx.x", cloop.TypeInt, cloop.IntValue(int64(b)))
					tenv.DefineScalar("threadIdx.x", cloop.TypeInt, cloop.IntValue(int64(t)))
					tenv.DefineScalar("blockDim.x", cloop.TypeInt, cloop.IntValue(int64(p.Threads)))
					tenv.DefineScalar("gridDim.x", cloop.TypeInt, cloop.IntValue(int64(p.Blocks)))
					tenv.DefineScalar(params[0].Name, cloop.TypeInt, cloop.IntValue(from))
					tenv.DefineScalar(params[1].Name, cloop.TypeInt, cloop.IntValue(to))
					for k, v := range scalars {
						prm := params[2+k]
						tenv.DefineScalar(prm.Name, cloop.ScalarTypeOf(prm.Type), v)
					}
					for k, arr := range arrays {
						tenv.DefineArray(params[2+len(scalars)+k].Name, arr)
					}
					if err := in.Invoke(tenv, p.Kernel); err != nil {
						return errors.WithMessagef(err, "kernel %s, stream %d, block %d, thread %d", p.Kernel.Name, s, b, t)
					}
				}
			}
		}
	}
	if p.SetLoopVar {
		exit := lb
		if lb <= ub {
			exit = ub + 1
		}
		if err := env.SetScalar(p.LoopVar, cloop.IntValue(exit)); err != nil {
			return errors.WithMessage(err, "setting the loop variable")
		}
	}
	return nil
}

// cudaArray is one array argument of a kernel.
type cudaArray struct {
	name, dev string
	info      varInfo
	length    cloop.Expr
	written   bool
}

func (g *Generator) cuda(v *Variant) error {
	prm := v.Spec.CUDA
	list, err := g.baselineStmts()
	if err != nil {
		return err
	}
	idx, err := singleLoop(list)
	if err != nil {
		return err
	}
	f := list[idx].(*cloop.ForStmt)
	loop, err := cloop.AnalyzeLoop(f)
	if err != nil {
		return err
	}
	use := cloop.Uses(f.Body)
	if slices.Contains(use.WrittenScalar, loop.Var) {
		return errors.Errorf("loop variable %s is modified in the loop body", loop.Var)
	}

	names := namer(cloop.Idents(list...))
	for n := range g.decls.Vars {
		names[n] = true
	}
	kernelName := names.fresh(fmt.Sprintf("perftune_kernel_%d", g.block.Ordinal))
	lbName, ubName := names.fresh("lb"), names.fresh("ub")
	tid, nthreads := names.fresh("tid"), names.fresh("nthreads")

	private := lo.Filter(use.WrittenScalar, func(n string, _ int) bool {
		return n != loop.Var && !slices.Contains(use.Declared, n)
	})
	for _, name := range private {
		if _, ok := assignFirst(name).stmt(f.Body, false); !ok {
			return errors.Errorf("scalar %s carries a value across iterations, it cannot be private to a kernel thread", name)
		}
		if cloop.Idents(list[idx+1:]...)[name] || g.after[name] {
			return errors.Errorf("scalar %s is used after the loop, its value would be lost in the kernel", name)
		}
	}
	scalars := lo.Filter(use.Scalars, func(n string, _ int) bool {
		return n != loop.Var && !slices.Contains(private, n) && !slices.Contains(use.Arrays, n) && !g.decls.Macros[n]
	})

	var arrays []*cudaArray
	for _, name := range use.Arrays {
		info := g.lookup(name, true)
		if len(info.Dims) > 1 {
			return errors.Errorf("multi-dimensional array %s cannot be passed to a kernel", name)
		}
		length, err := g.arrayLength(name, info, loop, f.Body)
		if err != nil {
			return err
		}
		arrays = append(arrays, &cudaArray{
			name:    name,
			dev:     names.fresh("dev_" + name),
			info:    info,
			length:  length,
			written: !use.ReadOnly(name),
		})
	}

	kernel := &cloop.FuncDecl{
		Qualifiers: []string{"__global__"},
		Result:     "void",
		Name:       kernelName,
		Params:     []cloop.Param{{Type: "int", Name: lbName}, {Type: "int", Name: ubName}},
	}
	for _, s := range scalars {
		kernel.Params = append(kernel.Params, cloop.Param{Type: g.lookup(s, false).Type, Name: s})
	}
	for _, a := range arrays {
		kernel.Params = append(kernel.Params, cloop.Param{Type: a.info.Type, Pointer: 1, Name: a.name})
	}

	body := []cloop.Stmt{
		cloop.Decl("int", tid, cloop.Bin("+", cloop.Bin("*", builtin("blockIdx"), builtin("blockDim")), builtin("threadIdx"))),
		cloop.Decl("int", nthreads, cloop.Bin("*", builtin("gridDim"), builtin("blockDim"))),
		cloop.Decl(g.lookup(loop.Var, false).Type, loop.Var, nil),
	}
	for _, s := range private {
		body = append(body, cloop.Decl(g.lookup(s, false).Type, s, nil))
	}

	loopBody := cloop.Clone(f.Body)
	if prm.UnrollInner > 1 {
		if inner := cloop.InnermostLoop(loopBody); inner != nil {
			unrolled, err := unrollLoop(inner, prm.UnrollInner)
			if err != nil {
				return errors.WithMessage(err, "unrollInner")
			}
			loopBody = cloop.ReplaceStmt(loopBody, inner, unrolled...)
		} else {
			klog.V(2).Infof("codegen: %s has no inner loop, unrollInner=%d ignored", g.block.Name(), prm.UnrollInner)
		}
	}
	var staging []cloop.Stmt
	if prm.CacheBlocks {
		capacity := (sharedMemoryKiB - prm.PreferL1) * 1024
		used := 0
		for _, a := range arrays {
			if a.written || !indexedBy(loopBody, a.name, loop.Var) {
				continue
			}
			size := prm.Threads * sizeOf(a.info.Type)
			if used+size > capacity {
				klog.V(2).Infof("codegen: %s: shared memory full after %d bytes, %s stays in global memory", g.block.Name(), used, a.name)
				break
			}
			used += size
			shared := names.fresh("shared_" + a.name)
			body = append(body, cloop.Decl(a.info.Type, shared, nil, "__shared__"))
			body[len(body)-1].(*cloop.DeclStmt).Names[0].Dims = []cloop.Expr{cloop.Int(int64(prm.Threads))}
			slot := cloop.Index(cloop.Id(shared), builtin("threadIdx"))
			staging = append(staging, cloop.Assign("=", slot, cloop.Index(cloop.Id(a.name), cloop.Id(loop.Var))))
			loopBody = cloop.RewriteStmt(loopBody, func(e cloop.Expr) cloop.Expr {
				if isElement(e, a.name, loop.Var) {
					return cloop.CloneExpr(slot)
				}
				return nil
			})
		}
	}
	body = append(body, &cloop.ForStmt{
		Init: cloop.Assign("=", cloop.Id(loop.Var), cloop.Bin("+", cloop.Id(lbName), cloop.Id(tid))),
		Cond: cloop.Bin("<=", cloop.Id(loop.Var), cloop.Id(ubName)),
		Post: &cloop.AssignExpr{Op: "+=", LHS: cloop.Id(loop.Var), RHS: cloop.Id(nthreads)},
		Body: cloop.Block(append(staging, cloop.Body(loopBody)...)...),
	})
	kernel.Body = cloop.Block(body...)

	_, declared := f.Init.(*cloop.DeclStmt)
	plan := &LaunchPlan{
		Name:       "cuda-launch:" + kernelName,
		Kernel:     kernel,
		Lower:      cloop.CloneExpr(loop.Lower),
		Upper:      cloop.CloneExpr(loop.Upper),
		ScalarArgs: scalars,
		Arrays:     lo.Map(arrays, func(a *cudaArray, _ int) string { return a.name }),
		Threads:    prm.Threads,
		Blocks:     prm.Blocks,
		Streams:    prm.Streams,
		LoopVar:    loop.Var,
		SetLoopVar: !declared,
	}
	host := &cloop.ExternStmt{Name: plan.Name, Text: g.hostCode(plan, arrays, prm, names)}

	v.Launch = plan
	v.Stmts = splice(list, idx, host)
	v.Prelude = cloop.FormatFunc(kernel) + "\n"
	v.Body = cloop.FormatStmts(v.Stmts, "")
	return nil
}

// hostCode renders the C host code of a launch.
func (g *Generator) hostCode(p *LaunchPlan, arrays []*cudaArray, prm *CUDAParams, names namer) string {
	var b strings.Builder
	lbName, ubName := p.Kernel.Params[0].Name, p.Kernel.Params[1].Name
	bytes := func(a *cudaArray) string {
		return fmt.Sprintf("%s * sizeof(%s)", parenthesized(a.length), a.info.Type)
	}
	b.WriteString("{\n")
	for _, a := range arrays {
		fmt.Fprintf(&b, "  %s *%s;\n", a.info.Type, a.dev)
	}
	fmt.Fprintf(&b, "  int %s = %s, %s = %s;\n", lbName, cloop.FormatExpr(p.Lower), ubName, cloop.FormatExpr(p.Upper))
	for _, a := range arrays {
		fmt.Fprintf(&b, "  cudaMalloc((void **)&%s, %s);\n", a.dev, bytes(a))
		fmt.Fprintf(&b, "  cudaMemcpy(%s, %s, %s, cudaMemcpyHostToDevice);\n", a.dev, a.name, bytes(a))
	}
	config := "cudaFuncCachePreferShared"
	if prm.PreferL1 > 16 {
		config = "cudaFuncCachePreferL1"
	}
	fmt.Fprintf(&b, "  cudaFuncSetCacheConfig(%s, %s);\n", p.Kernel.Name, config)

	args := append(slices.Clone(p.ScalarArgs), lo.Map(arrays, func(a *cudaArray, _ int) string { return a.dev })...)
	call := func(from, to, stream string) string {
		all := append([]string{from, to}, args...)
		launch := fmt.Sprintf("%d, %d", p.Blocks, p.Threads)
		if stream != "" {
			launch += ", 0, " + stream
		}
		return fmt.Sprintf("%s<<<%s>>>(%s);", p.Kernel.Name, launch, strings.Join(all, ", "))
	}
	if p.Streams == 1 {
		fmt.Fprintf(&b, "  if (%s <= %s)\n    %s\n", lbName, ubName, call(lbName, ubName, ""))
	} else {
		streams, s, chunk := names.fresh("streams"), names.fresh("s"), names.fresh("chunk")
		loName, hiName := names.fresh("lo"), names.fresh("hi")
		fmt.Fprintf(&b, "  cudaStream_t %s[%d];\n", streams, p.Streams)
		fmt.Fprintf(&b, "  int %s = (%s - %s + %d) / %d;\n", chunk, ubName, lbName, p.Streams, p.Streams)
		fmt.Fprintf(&b, "  int %s;\n", s)
		fmt.Fprintf(&b, "  for (%s = 0; %s < %d; %s++)\n    cudaStreamCreate(&%s[%s]);\n", s, s, p.Streams, s, streams, s)
		fmt.Fprintf(&b, "  for (%s = 0; %s < %d; %s++) {\n", s, s, p.Streams, s)
		fmt.Fprintf(&b, "    int %s = %s + %s * %s;\n", loName, lbName, s, chunk)
		fmt.Fprintf(&b, "    int %s = %s + %s - 1 < %s ? %s + %s - 1 : %s;\n", hiName, loName, chunk, ubName, loName, chunk, ubName)
		fmt.Fprintf(&b, "    if (%s <= %s)\n      %s\n", loName, hiName, call(loName, hiName, fmt.Sprintf("%s[%s]", streams, s)))
		b.WriteString("  }\n")
		fmt.Fprintf(&b, "  for (%s = 0; %s < %d; %s++)\n    cudaStreamSynchronize(%s[%s]);\n", s, s, p.Streams, s, streams, s)
		fmt.Fprintf(&b, "  for (%s = 0; %s < %d; %s++)\n    cudaStreamDestroy(%s[%s]);\n", s, s, p.Streams, s, streams, s)
	}
	b.WriteString("  cudaDeviceSynchronize();\n")
	for _, a := range arrays {
		if a.written {
			fmt.Fprintf(&b, "  cudaMemcpy(%s, %s, %s, cudaMemcpyDeviceToHost);\n", a.name, a.dev, bytes(a))
		}
	}
	for _, a := range arrays {
		fmt.Fprintf(&b, "  cudaFree(%s);\n", a.dev)
	}
	if p.SetLoopVar {
		fmt.Fprintf(&b, "  %s = %s > %s ? %s : %s + 1;\n", p.LoopVar, lbName, ubName, lbName, ubName)
	}
	b.WriteString("}")
	return b.String()
}

// arrayLength returns the number of elements of an array used by the loop:
// from its declaration, from the loop bounds when it is only ever indexed by
// the loop variable, or from the input_vars shape.
func (g *Generator) arrayLength(name string, info varInfo, loop *cloop.Loop, body cloop.Stmt) (cloop.Expr, error) {
	if d, ok := g.decls.Vars[name]; ok && len(d.Dims) == 1 && d.Dims[0] != nil {
		return cloop.CloneExpr(d.Dims[0]), nil
	}
	if indexedBy(body, name, loop.Var) {
		return cloop.Simplify(cloop.Bin("+", cloop.CloneExpr(loop.Upper), cloop.Int(1))), nil
	}
	if len(info.Dims) > 0 && !slices.Contains(info.Dims, nil) {
		var n cloop.Expr
		for _, dim := range info.Dims {
			if n == nil {
				n = cloop.CloneExpr(dim)
			} else {
				n = cloop.Bin("*", n, parenthesizedExpr(dim))
			}
		}
		return n, nil
	}
	return nil, errors.Errorf("cannot determine the length of array %s: declare it in input_vars", name)
}

// indexedBy reports whether every subscript of array name in s is exactly v.
func indexedBy(s cloop.Stmt, name, v string) bool {
	found, exact := false, true
	cloop.Walk(s, func(n cloop.Node) bool {
		ix, ok := n.(*cloop.IndexExpr)
		if !ok || cloop.ArrayBase(ix) != name {
			return true
		}
		found = true
		if !isElement(ix, name, v) {
			exact = false
		}
		return true
	})
	return found && exact
}

// isElement reports whether e is exactly name[v].
func isElement(e cloop.Expr, name, v string) bool {
	ix, ok := e.(*cloop.IndexExpr)
	if !ok {
		return false
	}
	base, ok := ix.X.(*cloop.Ident)
	if !ok || base.Name != name {
		return false
	}
	idx, ok := ix.Index.(*cloop.Ident)
	return ok && idx.Name == v
}

func builtin(obj string) *cloop.MemberExpr {
	return &cloop.MemberExpr{X: cloop.Id(obj), Sel: "x"}
}

// parenthesized formats e, in parentheses unless it is a name or a literal.
func parenthesized(e cloop.Expr) string {
	switch e.(type) {
	case *cloop.Ident, *cloop.IntLit, *cloop.ParenExpr:
		return cloop.FormatExpr(e)
	}
	return "(" + cloop.FormatExpr(e) + ")"
}

func parenthesizedExpr(e cloop.Expr) cloop.Expr {
	switch e.(type) {
	case *cloop.Ident, *cloop.IntLit, *cloop.ParenExpr, *cloop.IndexExpr:
		return cloop.CloneExpr(e)
	}
	return &cloop.ParenExpr{X: cloop.CloneExpr(e)}
}
