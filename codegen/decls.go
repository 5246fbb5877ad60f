// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package codegen

import (
	"slices"
	"strings"

	"github.com/ajroetker/perftune/annot"
	"github.com/ajroetker/perftune/cloop"
	"github.com/ajroetker/perftune/space"
	"k8s.io/klog/v2"
)

// Decl is a variable declaration found around a block: function parameters
// and locals of the enclosing function.
type Decl struct {
	Name    string
	Type    string
	Pointer int
	// Dims has one entry per array dimension; an entry is nil when the
	// dimension is empty or outside the expression subset.
	Dims []cloop.Expr
}

// IsArray reports whether the name can be subscripted.
func (d Decl) IsArray() bool { return d.Pointer > 0 || len(d.Dims) > 0 }

// Decls holds the first declaration of every name, plus object-like macros.
type Decls struct {
	Vars   map[string]Decl
	Macros map[string]bool
}

// ScanDecls collects the declarations of a piece of C source. It recognizes
// `[qualifiers] type [*]name[dims] [= init], ...` in statements and parameter
// lists; anything it does not understand is skipped. Unscannable source
// yields no declarations.
func ScanDecls(src string) Decls {
	d := Decls{Vars: make(map[string]Decl), Macros: make(map[string]bool)}
	for _, line := range strings.Split(src, "\n") {
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) >= 2 && fields[0] == "#define" && !strings.Contains(fields[1], "(") {
			d.Macros[fields[1]] = true
		}
	}
	toks, err := cloop.TokenizeC(src)
	if err != nil {
		klog.V(1).Infof("codegen: cannot scan declarations: %v", err)
		return d
	}
	at := func(i int) cloop.Token {
		if i < len(toks) {
			return toks[i]
		}
		return toks[len(toks)-1]
	}
	isWord := func(t cloop.Token) bool { return t.Kind == cloop.TokenIdent }
	for i := 0; i < len(toks); i++ {
		if !isWord(toks[i]) || !cloop.IsTypeWord(toks[i].Text) {
			continue
		}
		j := i
		var words []string
		for isWord(at(j)) && cloop.IsTypeWord(at(j).Text) {
			words = append(words, at(j).Text)
			j++
		}
		typ := strings.Join(words, " ")
	declarators:
		for {
			decl := Decl{Type: typ}
			for at(j).Text == "*" || (isWord(at(j)) && cloop.IsQualifier(at(j).Text)) {
				if at(j).Text == "*" {
					decl.Pointer++
				}
				j++
			}
			if !isWord(at(j)) || cloop.IsTypeWord(at(j).Text) {
				break
			}
			decl.Name = at(j).Text
			j++
			if at(j).Text == "(" {
				break // A function.
			}
			for at(j).Text == "[" {
				k := matchBracket(toks, j)
				var dim cloop.Expr
				if k > j+1 {
					dim, _ = cloop.ParseExpr(src[toks[j+1].Pos:toks[k-1].End])
				}
				decl.Dims = append(decl.Dims, dim)
				j = k + 1
			}
			if _, seen := d.Vars[decl.Name]; !seen {
				d.Vars[decl.Name] = decl
			}
			if at(j).Text == "=" {
				j = skipInitializer(toks, j+1)
			}
			if at(j).Text != "," {
				break
			}
			j++
			if isWord(at(j)) && (cloop.IsTypeWord(at(j).Text) || cloop.IsQualifier(at(j).Text)) {
				break declarators // Next parameter of a parameter list.
			}
		}
		i = j - 1
	}
	return d
}

// DeclsAround scans the function enclosing block n of src, or all of src for
// a block at file scope. Rewritten blocks contribute their baseline only.
func DeclsAround(src []byte, n *annot.Node) Decls {
	scope := src
	if header, body, ok := annot.EnclosingFunction(src, n.Body.Start); ok {
		scope = src[header.Start:body.End]
	}
	return ScanDecls(string(baselineScope(scope)))
}

// baselineScope returns scope with the body of every rewritten block replaced
// by the baseline embedded in its note, so that the declarations written by an
// earlier tuning run neither shadow nor rename anything.
func baselineScope(scope []byte) []byte {
	f, err := annot.Parse(scope)
	if err != nil {
		klog.V(1).Infof("codegen: cannot recover the baselines around the block: %v", err)
		return scope
	}
	out := scope
	blocks := f.Blocks()
	for i := len(blocks) - 1; i >= 0; i-- {
		b := blocks[i]
		if base := b.Baseline(); base != nil && b.Rewritten {
			out = slices.Concat(out[:b.Body.Start], []byte(base.Text), out[b.Body.End:])
		}
	}
	return out
}

// matchBracket returns the index of the `]` closing the `[` at open, or the
// index of the EOF token.
func matchBracket(toks []cloop.Token, open int) int {
	depth := 0
	for k := open; k < len(toks); k++ {
		switch toks[k].Text {
		case "[":
			depth++
		case "]":
			depth--
			if depth == 0 {
				return k
			}
		}
		if toks[k].Kind == cloop.TokenEOF {
			return k
		}
	}
	return len(toks) - 1
}

// skipInitializer returns the index of the `,`, `;` or `)` ending the
// initializer that starts at i.
func skipInitializer(toks []cloop.Token, i int) int {
	depth := 0
	for ; i < len(toks); i++ {
		t := toks[i]
		if t.Kind == cloop.TokenEOF {
			return i
		}
		switch t.Text {
		case "(", "[", "{":
			depth++
		case ")", "]", "}":
			if depth == 0 {
				return i
			}
			depth--
		case ",", ";":
			if depth == 0 {
				return i
			}
		}
	}
	return len(toks) - 1
}

// varInfo is what the generator knows about one name of the block.
type varInfo struct {
	Type  string
	Array bool
	// Dims are the declared dimensions of an array, when known.
	Dims []cloop.Expr
}

// lookup resolves the type of name: input variables and input parameters of
// the enclosing PerfTuning block first, then declarations around the block.
// Unknown names default to int scalars, or double arrays when array is set.
func (g *Generator) lookup(name string, array bool) varInfo {
	if g.tuning != nil {
		if iv, ok := g.tuning.InputVar(name); ok {
			return varInfo{Type: iv.Type, Array: iv.IsArray(), Dims: iv.Shape}
		}
		for _, p := range g.tuning.InputParams {
			if p.Name != name {
				continue
			}
			if vals := p.Domain.Values(); len(vals) > 0 && vals[0].Kind == space.KindFloat {
				return varInfo{Type: "double"}
			}
			return varInfo{Type: "int"}
		}
	}
	if d, ok := g.decls.Vars[name]; ok {
		info := varInfo{Type: d.Type, Array: d.IsArray(), Dims: d.Dims}
		if d.Pointer > 1 || (d.Pointer > 0 && len(d.Dims) > 0) {
			info.Dims = nil
		}
		return info
	}
	if array {
		klog.V(1).Infof("codegen: %s: no declaration found for array %s, assuming double", g.block.Name(), name)
		return varInfo{Type: "double", Array: true}
	}
	return varInfo{Type: "int"}
}

// sizeOf returns the size in bytes of a C base type.
func sizeOf(typ string) int {
	fields := strings.Fields(typ)
	switch {
	case slices.Contains(fields, "double"):
		return 8
	case slices.Contains(fields, "char"):
		return 1
	case slices.Contains(fields, "short"):
		return 2
	case slices.Contains(fields, "long"), slices.Contains(fields, "size_t"):
		return 8
	}
	return 4
}
