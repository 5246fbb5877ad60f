// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

// Package harness turns a code variant into a self-contained timing program.
//
// A Harness carries the rendered C (or CUDA) source, the build command and,
// for the in-process emulator, the same timed region as cloop statements
// together with a description of its input data.
package harness

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/ajroetker/perftune/annot"
	"github.com/ajroetker/perftune/cloop"
	"github.com/ajroetker/perftune/codegen"
	"github.com/ajroetker/perftune/space"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"k8s.io/klog/v2"
)

// ErrUnresolvedShape is returned when the shape of an input variable uses a
// name that no input parameter binds.
var ErrUnresolvedShape = errors.New("unresolved input variable shape")

const (
	// TimePrefix starts every timing line printed by a harness.
	TimePrefix = "perftune:time"
	// ChecksumPrefix starts the checksum line of each written array.
	ChecksumPrefix = "perftune:checksum"

	// Artifact is the executable built from a harness, relative to its
	// working directory.
	Artifact = "perftune_harness"

	variantPlaceholder = "__perftune_variant"
)

// Options configure the rendering of harnesses.
type Options struct {
	// Compiler and CUDACompiler are the build commands used when a PerfTuning
	// block has no build section.
	Compiler     string
	CUDACompiler string
	// Libs are appended to the default build commands.
	Libs string
	// Seed is passed to srand before the input data is filled.
	Seed int
}

// DefaultOptions returns the options used by the command line tool.
func DefaultOptions() Options {
	return Options{
		Compiler:     "gcc -O3",
		CUDACompiler: "nvcc -O3",
		Libs:         "-lm",
		Seed:         1,
	}
}

// Input is an input variable with its shape evaluated.
type Input struct {
	Name    string
	Type    string
	Dims    []int // Empty for scalars.
	Dynamic bool
	Init    annot.InitKind
	Literal float64
}

// Len returns the number of elements of the variable.
func (in Input) Len() int {
	n := 1
	for _, d := range in.Dims {
		n *= d
	}
	return n
}

// IsArray reports whether the variable has a shape.
func (in Input) IsArray() bool { return len(in.Dims) > 0 }

// Harness is a timing program for one variant and one input binding.
type Harness struct {
	Variant *codegen.Variant
	Binding space.Assignment

	// Consts are the values rendered as file-scope constants: every input
	// parameter and the performance parameters the timed region reads.
	Consts space.Assignment
	Inputs []Input
	// Locals are the scalars of the timed region that are neither inputs nor
	// parameters, with their type in the enclosing function (int when
	// undeclared).
	Locals []Local
	// Written are the input arrays the region writes, checksummed after the
	// last repetition.
	Written []string

	Repetitions int
	CPUClock    bool

	// FileName is the source file, Command the build command producing
	// Artifact from it; both relative to the working directory.
	FileName string
	Source   string
	Command  string

	// Program is the timed region with the variant in place, and Baseline the
	// region with every block at its baseline. Both are nil when the region
	// is outside the cloop subset.
	Program  []cloop.Stmt
	Baseline []cloop.Stmt
}

// Local is a scalar declared at the top of the timed region.
type Local struct {
	Name, Type string
}

// Name identifies the harness in logs.
func (h *Harness) Name() string {
	if h.Variant.Baseline {
		return fmt.Sprintf("%s, baseline", h.Variant.Block.Name())
	}
	return fmt.Sprintf("%s, variant %d (%s)", h.Variant.Block.Name(), h.Variant.Assignment.Index, h.Variant.Assignment)
}

// Key identifies what gets built and run: harnesses with the same key measure
// the same program.
func (h *Harness) Key() string {
	sum := sha256.Sum256([]byte(h.Command + "\x00" + h.Source))
	return hex.EncodeToString(sum[:])
}

// Build renders the harness of variant v, generated for a block nested in (or
// equal to) the PerfTuning block tuning of src, under the input parameter
// binding.
func Build(src []byte, tuning *annot.Node, v *codegen.Variant, binding space.Assignment, opts Options) (*Harness, error) {
	if tuning.Kind != annot.KindPerfTuning {
		return nil, errors.Errorf("%s is not a PerfTuning block", tuning.Name())
	}
	spec := tuning.Tuning
	h := &Harness{
		Variant:     v,
		Binding:     binding,
		Repetitions: max(spec.Counter.Repetitions, 1),
		CPUClock:    spec.Counter.Method == annot.MethodCPUClock,
		FileName:    Artifact + ".c",
	}
	if v.IsCUDA() {
		h.FileName = Artifact + ".cu"
	}

	var err error
	if h.Inputs, err = evalInputs(spec, binding); err != nil {
		return nil, errors.WithMessagef(err, "%s", tuning.Name())
	}

	baselineText := region(src, tuning, nil, "")
	if h.Baseline, err = cloop.ParseStmts(baselineText); err != nil {
		klog.V(1).Infof("harness: %s: timed region is outside the loop subset, it can only be measured natively: %v", tuning.Name(), err)
		h.Baseline = nil
	} else if h.Program, err = program(src, tuning, v); err != nil {
		klog.V(1).Infof("harness: %s: %v", tuning.Name(), err)
		h.Program = nil
	}
	h.classify(spec, binding, v, codegen.DeclsAround(src, tuning))

	h.Source = h.render(region(src, tuning, v.Block, "\n"+v.Body+"\n"), v, opts)
	h.Command = buildCommand(spec, v, binding, h.FileName, opts)
	if klog.V(2).Enabled() {
		klog.Infof("harness: %s: %s\n%s", h.Name(), h.Command, h.Source)
	}
	return h, nil
}

// Scope returns an interpreter scope for Program and Baseline: the constants,
// the input variables initialized like the C harness does (random values
// drawn from rng), and the undeclared locals set to zero.
func (h *Harness) Scope(rng *rand.Rand) *cloop.Env {
	env := h.Consts.Env(nil)
	for _, in := range h.Inputs {
		t := cloop.ScalarTypeOf(in.Type)
		value := func() cloop.Value {
			switch in.Init {
			case annot.InitRandom:
				if t.IsFloat() {
					return cloop.FloatValue(rng.Float64())
				}
				return cloop.IntValue(int64(rng.IntN(max(in.Len(), 1))))
			case annot.InitLiteral:
				return cloop.FloatValue(in.Literal).Convert(t)
			}
			return cloop.IntValue(0).Convert(t)
		}
		if !in.IsArray() {
			env.DefineScalar(in.Name, t, value())
			continue
		}
		arr := cloop.NewArray(t, in.Dims...)
		for k := range arr.Len() {
			_ = arr.Set(k, value())
		}
		env.DefineArray(in.Name, arr)
	}
	for _, l := range h.Locals {
		t := cloop.ScalarTypeOf(l.Type)
		env.DefineScalar(l.Name, t, cloop.IntValue(0).Convert(t))
	}
	return env
}

// evalInputs evaluates the shapes of the input variables.
func evalInputs(spec *annot.TuningSpec, binding space.Assignment) ([]Input, error) {
	in := cloop.NewInterp()
	env := binding.Env(nil)
	var inputs []Input
	for _, iv := range spec.InputVars {
		input := Input{Name: iv.Name, Type: iv.Type, Dynamic: iv.Storage == "dynamic", Init: iv.Init, Literal: iv.Literal}
		for _, dim := range iv.Shape {
			for name := range cloop.Idents(&cloop.ExprStmt{X: dim}) {
				if !env.Defined(name) {
					return nil, errors.Wrapf(ErrUnresolvedShape, "input variable %s: %s is not an input parameter", iv.Name, name)
				}
			}
			d, err := in.Eval(env, dim)
			if err != nil {
				return nil, errors.Wrapf(ErrUnresolvedShape, "input variable %s: %s: %v", iv.Name, cloop.FormatExpr(dim), err)
			}
			if d.Int() < 0 {
				return nil, errors.Wrapf(ErrUnresolvedShape, "input variable %s: dimension %s = %d", iv.Name, cloop.FormatExpr(dim), d.Int())
			}
			input.Dims = append(input.Dims, int(d.Int()))
		}
		inputs = append(inputs, input)
	}
	return inputs, nil
}

// region returns the body of n with the block target replaced by repl and
// every other nested block replaced by its baseline. Annotation markers are
// dropped.
func region(src []byte, n, target *annot.Node, repl string) string {
	if n == target {
		return repl
	}
	var b strings.Builder
	pos := n.Body.Start
	for _, c := range n.Children {
		if c.Kind == annot.KindBaseline {
			continue
		}
		b.Write(src[pos:c.Outer.Start])
		b.WriteString(region(src, c, target, repl))
		pos = c.Outer.End
	}
	if pos == n.Body.Start {
		if base := n.Baseline(); base != nil {
			return base.Text
		}
	}
	b.Write(src[pos:n.Body.End])
	return b.String()
}

// program parses the timed region with a placeholder where the variant goes,
// then splices in the variant statements.
func program(src []byte, tuning *annot.Node, v *codegen.Variant) ([]cloop.Stmt, error) {
	if v.Stmts == nil {
		return nil, errors.New("variant is outside the loop subset")
	}
	stmts, err := cloop.ParseStmts(region(src, tuning, v.Block, "\n"+variantPlaceholder+"();\n"))
	if err != nil {
		return nil, errors.WithMessage(err, "parsing the timed region")
	}
	root := cloop.Block(stmts...)
	var placeholder cloop.Stmt
	cloop.Walk(root, func(n cloop.Node) bool {
		if s, ok := n.(*cloop.ExprStmt); ok {
			if call, ok := s.X.(*cloop.CallExpr); ok {
				if id, ok := call.Fun.(*cloop.Ident); ok && id.Name == variantPlaceholder {
					placeholder = s
				}
			}
		}
		return placeholder == nil
	})
	if placeholder == nil {
		return nil, errors.New("variant placeholder not found in the timed region")
	}
	return cloop.ReplaceStmt(root, placeholder, cloop.CloneList(v.Stmts)...).(*cloop.BlockStmt).List, nil
}

// classify sorts the names of the timed region into constants, locals and
// written arrays.
func (h *Harness) classify(spec *annot.TuningSpec, binding space.Assignment, v *codegen.Variant, decls codegen.Decls) {
	h.Consts = space.Assignment{Index: binding.Index}
	h.Consts = h.Consts.Merge(binding)
	isInput := func(name string) bool {
		return slices.ContainsFunc(h.Inputs, func(in Input) bool { return in.Name == name })
	}
	if h.Baseline == nil {
		for _, in := range h.Inputs {
			if in.IsArray() {
				h.Written = append(h.Written, in.Name)
			}
		}
		return
	}
	use := cloop.Uses(h.Baseline...)
	for _, name := range use.Scalars {
		switch {
		case isInput(name):
		case slices.Contains(binding.Names, name):
		case slices.Contains(v.Assignment.Names, name):
			val, _ := v.Assignment.Get(name)
			h.Consts.Names = append(h.Consts.Names, name)
			h.Consts.Values = append(h.Consts.Values, val)
		default:
			l := Local{Name: name, Type: "int"}
			if d, ok := decls.Vars[name]; ok && !d.IsArray() {
				l.Type = d.Type
			}
			h.Locals = append(h.Locals, l)
		}
	}
	for _, name := range use.WrittenArrays {
		if isInput(name) {
			h.Written = append(h.Written, name)
		}
	}
}

// render returns the C source of the harness.
func (h *Harness) render(body string, v *codegen.Variant, opts Options) string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "/* perftune harness: %s */\n", h.Name())
	for _, inc := range []string{"stdio.h", "stdlib.h", "math.h", "time.h", "sys/time.h"} {
		fmt.Fprintf(&buf, "#include <%s>\n", inc)
	}
	buf.WriteString("\n")
	for i, name := range h.Consts.Names {
		val := h.Consts.Values[i]
		switch val.Kind {
		case space.KindFloat:
			fmt.Fprintf(&buf, "static const double %s = %s;\n", name, val)
		case space.KindString:
			fmt.Fprintf(&buf, "static const char %s[] = %q;\n", name, val.S)
		default:
			fmt.Fprintf(&buf, "static const int %s = %s;\n", name, val)
		}
	}
	for _, in := range h.Inputs {
		switch {
		case !in.IsArray():
			fmt.Fprintf(&buf, "static %s %s;\n", in.Type, in.Name)
		case in.Dynamic:
			fmt.Fprintf(&buf, "static %s *%s;\n", in.Type, in.Name)
		default:
			fmt.Fprintf(&buf, "static %s %s[%d];\n", in.Type, in.Name, in.Len())
		}
	}
	buf.WriteString("\n")
	if v.Prelude != "" {
		buf.WriteString(v.Prelude)
		buf.WriteString("\n")
	}

	buf.WriteString("static double perftune_now(void) {\n")
	if h.CPUClock {
		buf.WriteString("  return (double) clock() / CLOCKS_PER_SEC;\n")
	} else {
		buf.WriteString("  struct timeval tv;\n  gettimeofday(&tv, NULL);\n  return tv.tv_sec + tv.tv_usec * 1e-6;\n")
	}
	buf.WriteString("}\n\n")

	buf.WriteString("static void perftune_init(void) {\n  int k;\n")
	fmt.Fprintf(&buf, "  srand(%d);\n", opts.Seed)
	for _, in := range h.Inputs {
		fmt.Fprintf(&buf, "  %s\n", fill(in))
	}
	buf.WriteString("  (void) k;\n}\n\n")

	buf.WriteString("static void perftune_region(void) {\n")
	for _, typ := range lo.Uniq(lo.Map(h.Locals, func(l Local, _ int) string { return l.Type })) {
		names := lo.FilterMap(h.Locals, func(l Local, _ int) (string, bool) { return l.Name, l.Type == typ })
		fmt.Fprintf(&buf, "  %s %s;\n", typ, strings.Join(names, ", "))
	}
	buf.WriteString(body)
	if !strings.HasSuffix(body, "\n") {
		buf.WriteString("\n")
	}
	buf.WriteString("}\n\n")

	buf.WriteString("int main(void) {\n  int rep;\n")
	for _, in := range h.Inputs {
		if in.IsArray() && in.Dynamic {
			fmt.Fprintf(&buf, "  %s = (%s *) malloc(%d * sizeof(%s));\n", in.Name, in.Type, in.Len(), in.Type)
		}
	}
	fmt.Fprintf(&buf, "  for (rep = 0; rep < %d; rep++) {\n", h.Repetitions)
	buf.WriteString("    double start, stop;\n    perftune_init();\n    start = perftune_now();\n    perftune_region();\n    stop = perftune_now();\n")
	fmt.Fprintf(&buf, "    printf(\"%s %%.9e\\n\", stop - start);\n  }\n", TimePrefix)
	for _, name := range h.Written {
		in := h.input(name)
		fmt.Fprintf(&buf, "  {\n    int k;\n    double sum = 0;\n    for (k = 0; k < %d; k++)\n      sum += %s;\n", in.Len(), element(in, "k"))
		fmt.Fprintf(&buf, "    printf(\"%s %s %%.17g\\n\", sum);\n  }\n", ChecksumPrefix, name)
	}
	buf.WriteString("  return 0;\n}\n")
	return buf.String()
}

func (h *Harness) input(name string) Input {
	for _, in := range h.Inputs {
		if in.Name == name {
			return in
		}
	}
	return Input{Name: name}
}

// element addresses the flat element k of an input, whatever its rank.
func element(in Input, k string) string {
	if len(in.Dims) <= 1 || in.Dynamic {
		return fmt.Sprintf("%s[%s]", in.Name, k)
	}
	return fmt.Sprintf("((%s *) %s)[%s]", in.Type, in.Name, k)
}

// fill returns the C statement initializing one input variable. Random
// integers are drawn in [0, length) so that they are valid indices.
func fill(in Input) string {
	var value string
	isFloat := cloop.ScalarTypeOf(in.Type).IsFloat()
	switch in.Init {
	case annot.InitRandom:
		switch {
		case isFloat:
			value = fmt.Sprintf("(%s) rand() / RAND_MAX", in.Type)
		default:
			value = fmt.Sprintf("rand() %% %d", max(in.Len(), 1))
		}
	case annot.InitLiteral:
		value = cloop.FormatExpr(&cloop.FloatLit{Value: in.Literal})
		if !isFloat {
			value = fmt.Sprintf("%d", int64(in.Literal))
		}
	default:
		value = "0"
	}
	if !in.IsArray() {
		return fmt.Sprintf("%s = %s;", in.Name, value)
	}
	return fmt.Sprintf("for (k = 0; k < %d; k++)\n    %s = %s;", in.Len(), element(in, "k"), value)
}

// buildCommand returns the command compiling the harness source into Artifact.
func buildCommand(spec *annot.TuningSpec, v *codegen.Variant, binding space.Assignment, file string, opts Options) string {
	command, libs := opts.Compiler, opts.Libs
	if v.IsCUDA() {
		command = opts.CUDACompiler
	}
	if spec.HasBuild && strings.TrimSpace(spec.Build.Command) != "" {
		command, libs = spec.Build.Command, spec.Build.Libs
	}
	values := v.Assignment.Merge(binding)
	command = Substitute(command, values)
	libs = Substitute(libs, values)
	return strings.TrimSpace(fmt.Sprintf("%s -o %s %s %s", command, Artifact, file, libs))
}

// Substitute replaces every `@NAME` placeholder of s bound by a with the
// value: strings verbatim, numbers in their shortest form. Unbound
// placeholders are left in place.
func Substitute(s string, a space.Assignment) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '@' {
			b.WriteByte(s[i])
			continue
		}
		j := i + 1
		for j < len(s) && isNameChar(s[j], j == i+1) {
			j++
		}
		name := s[i+1 : j]
		if val, ok := a.Get(name); ok && name != "" {
			b.WriteString(val.String())
			i = j - 1
			continue
		}
		if name != "" {
			klog.Warningf("harness: build command placeholder @%s is not a parameter", name)
		}
		b.WriteByte('@')
	}
	return b.String()
}

func isNameChar(c byte, first bool) bool {
	switch {
	case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return !first
	}
	return false
}
