// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

// Package annot finds tuning annotations in C source and parses them into a
// forest of typed nodes.
//
// Annotations are C comments:
//
//	/*@ begin PerfTuning ( TSPEC ) @*/
//	  ... code, possibly with nested Loop or SpMV blocks ...
//	/*@ end @*/
//
// The text between the innermost begin/end pair is the baseline code that code
// variants replace.
package annot

import (
	"fmt"
	"time"

	"github.com/ajroetker/perftune/cloop"
	"github.com/ajroetker/perftune/space"
)

// Kind selects the variant of a Node.
type Kind int

const (
	// KindPerfTuning is a PerfTuning block: Tuning is set.
	KindPerfTuning Kind = iota
	// KindTransform is a Loop block: Transform is set.
	KindTransform
	// KindDomainSpec is an SpMV block: Domain is set.
	KindDomainSpec
	// KindBaseline is the literal code of an innermost block: Text is set.
	KindBaseline
)

func (k Kind) String() string {
	switch k {
	case KindPerfTuning:
		return "PerfTuning"
	case KindTransform:
		return "Loop"
	case KindDomainSpec:
		return "SpMV"
	default:
		return "baseline"
	}
}

// Span is a half-open byte range [Start, End) of the source.
type Span struct {
	Start, End int
}

// Len returns the length of the span in bytes.
func (s Span) Len() int { return s.End - s.Start }

// Node is one annotation block, or the baseline text of an innermost block.
// Only the field matching Kind is set. Nodes are immutable after parsing.
type Node struct {
	Kind Kind
	// Line is the 1-based line of the begin marker, or of the baseline text.
	Line int
	// Ordinal is the position of the block among all blocks of the file, in
	// source order. Unlike Line it survives rewriting earlier blocks.
	Ordinal int

	// Outer spans from the start of the begin marker to the end of the end
	// marker; Begin and End are the markers themselves; Body is the code between
	// them, and Args the text between the module parentheses. For a baseline
	// node all spans equal the baseline text.
	Outer, Begin, Body, End, Args Span

	Children []*Node
	Parent   *Node

	// Rewritten is set when the block body starts with a provenance note from
	// an earlier tuning run; the baseline is then the one embedded in the note.
	Rewritten bool

	Tuning    *TuningSpec
	Transform *TransformSpec
	Domain    *DomainSpec
	Text      string
}

// Baseline returns the baseline child of an innermost block, or nil.
func (n *Node) Baseline() *Node {
	for _, c := range n.Children {
		if c.Kind == KindBaseline {
			return c
		}
	}
	return nil
}

// Blocks returns the annotation blocks nested in n, in source order.
func (n *Node) Blocks() []*Node {
	var out []*Node
	for _, c := range n.Children {
		if c.Kind != KindBaseline {
			out = append(out, c)
			out = append(out, c.Blocks()...)
		}
	}
	return out
}

// Name returns the block's module name and line, for messages.
func (n *Node) Name() string {
	return fmt.Sprintf("%s block at line %d", n.Kind, n.Line)
}

// File is the annotation forest of one source file.
type File struct {
	Src   []byte
	Roots []*Node
}

// Blocks returns every annotation block in source order (pre-order).
func (f *File) Blocks() []*Node {
	var out []*Node
	for _, r := range f.Roots {
		out = append(out, r)
		out = append(out, r.Blocks()...)
	}
	return out
}

// BuildSpec is the `def build` section.
type BuildSpec struct {
	// Command is the compiler command; `@NAME` placeholders are replaced with
	// parameter values.
	Command       string
	Libs          string
	BatchCommand  string
	StatusCommand string
	NumProcs      int
}

// CounterSpec is the `def performance_counter` section.
type CounterSpec struct {
	Method      string // "basic timer", "wall clock" or "cpu clock".
	Repetitions int
}

// SearchSpec is the `def search` section.
type SearchSpec struct {
	Algorithm  string // "Exhaustive" or "Random".
	TotalRuns  int    // 0 means no limit.
	TimeLimit  time.Duration
	PruneAfter int // 0 disables pruning.
	Seed       int64
}

// InitKind is how an input variable is initialized.
type InitKind int

const (
	InitZero InitKind = iota
	InitRandom
	InitLiteral
)

// InputVar is one `decl` of the `def input_vars` section.
type InputVar struct {
	Name    string
	Type    string // C base type, e.g. "double".
	Storage string // "static" or "dynamic".
	// Shape holds one expression per array dimension over input parameter
	// names; empty for scalars.
	Shape   []cloop.Expr
	Init    InitKind
	Literal float64 // For InitLiteral.
}

// IsArray reports whether the variable has a shape.
func (v InputVar) IsArray() bool { return len(v.Shape) > 0 }

// TuningSpec is the parsed TSpec of a PerfTuning block.
type TuningSpec struct {
	Build       BuildSpec
	HasBuild    bool
	Params      []space.Param
	Constraints []space.Constraint
	InputParams []space.Param
	InputVars   []InputVar
	Counter     CounterSpec
	Search      SearchSpec
	Lets        space.Lets
}

// Space returns the performance parameter space of the block.
func (t *TuningSpec) Space() *space.Space {
	return &space.Space{Params: t.Params, Constraints: t.Constraints}
}

// InputVar returns the input variable called name.
func (t *TuningSpec) InputVar(name string) (InputVar, bool) {
	for _, v := range t.InputVars {
		if v.Name == name {
			return v, true
		}
	}
	return InputVar{}, false
}

// TransformSpec is the argument of a Loop block: one transformation, its
// arguments as expressions over performance parameters, and optionally the loop
// to transform. When Stmt is nil the baseline is transformed.
type TransformSpec struct {
	Name string // "CUDA" or "Unroll".
	Args []cloop.KeyValue
	Stmt cloop.Stmt
}

// Arg returns the expression of the named argument, or nil.
func (t *TransformSpec) Arg(key string) cloop.Expr {
	for _, kv := range t.Args {
		if kv.Key == key {
			return kv.Value
		}
	}
	return nil
}

// DomainSpec is the argument of an SpMV block: the names the baseline loop nest
// uses for each part of a compressed-sparse-row product, and the unroll
// factors.
type DomainSpec struct {
	NumRows    string
	OutVector  string
	InVector   string
	InMatrix   string
	RowInds    string
	ColInds    string
	OutLoopVar string
	InLoopVar  string
	ElmType    string
	InitVal    cloop.Expr

	OutUnrollFactor cloop.Expr
	InUnrollFactor  cloop.Expr
}
