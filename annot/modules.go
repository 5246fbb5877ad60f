// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package annot

import (
	"slices"
	"strings"

	"github.com/ajroetker/perftune/cloop"
)

// transformArgs lists the arguments accepted by each Loop transformation.
var transformArgs = map[string][]string{
	"CUDA":   {"threadCount", "blockCount", "streamCount", "cacheBlocks", "preferL1Size", "unrollInner"},
	"Unroll": {"ufactor"},
}

// parseTransformSpec parses `transform NAME(key=value, ...) [STMT]`.
func parseTransformSpec(src string, line int) (*TransformSpec, error) {
	t, err := cloop.ParseTransform(src)
	if err != nil {
		return nil, malformed(line, "Loop: %v", err)
	}
	allowed, ok := transformArgs[t.Name]
	if !ok {
		return nil, malformed(line, "Loop: unknown transformation %q", t.Name)
	}
	for i, kv := range t.Args {
		if !slices.Contains(allowed, kv.Key) {
			return nil, malformed(line, "Loop: %s has no argument %q", t.Name, kv.Key)
		}
		for _, prev := range t.Args[:i] {
			if prev.Key == kv.Key {
				return nil, malformed(line, "Loop: duplicate argument %q", kv.Key)
			}
		}
	}
	if _, nested := t.Body.(*cloop.TransformStmt); nested {
		return nil, malformed(line, "Loop: only one transformation per block is supported")
	}
	return &TransformSpec{Name: t.Name, Args: t.Args, Stmt: t.Body}, nil
}

// parseDomainSpec parses the `key = value;` list of an SpMV block.
func parseDomainSpec(src string, line int) (*DomainSpec, error) {
	toks, err := cloop.Tokenize(src)
	if err != nil {
		return nil, malformed(line, "SpMV: %v", err)
	}
	d := &DomainSpec{
		ElmType:         "double",
		InitVal:         cloop.Int(0),
		OutUnrollFactor: cloop.Int(1),
		InUnrollFactor:  cloop.Int(1),
	}
	names := map[string]*string{
		"num_rows":     &d.NumRows,
		"out_vector":   &d.OutVector,
		"in_vector":    &d.InVector,
		"in_matrix":    &d.InMatrix,
		"row_inds":     &d.RowInds,
		"col_inds":     &d.ColInds,
		"out_loop_var": &d.OutLoopVar,
		"in_loop_var":  &d.InLoopVar,
		"elm_type":     &d.ElmType,
	}
	exprs := map[string]*cloop.Expr{
		"init_val":          &d.InitVal,
		"out_unroll_factor": &d.OutUnrollFactor,
		"in_unroll_factor":  &d.InUnrollFactor,
	}
	seen := make(map[string]bool)
	i := 0
	for toks[i].Kind != cloop.TokenEOF {
		if toks[i].Kind == cloop.TokenPunct && toks[i].Text == ";" {
			i++
			continue
		}
		key := toks[i]
		if key.Kind != cloop.TokenIdent || toks[i+1].Text != "=" {
			return nil, malformed(line+key.Line-1, "SpMV: expected `name = value;`, found %q", key.Text)
		}
		if seen[key.Text] {
			return nil, malformed(line+key.Line-1, "SpMV: duplicate argument %q", key.Text)
		}
		seen[key.Text] = true
		i += 2
		start := i
		for toks[i].Kind != cloop.TokenEOF && toks[i].Text != ";" {
			i++
		}
		if i == start {
			return nil, malformed(line+key.Line-1, "SpMV: missing value for %s", key.Text)
		}
		text := src[toks[start].Pos:toks[i-1].End]
		switch {
		case key.Text == "option":
			// Storage options select code shapes this generator does not implement.
		case names[key.Text] != nil:
			var words []string
			for _, t := range toks[start:i] {
				if t.Kind != cloop.TokenIdent {
					return nil, malformed(line+key.Line-1, "SpMV: %s must be a name, got %q", key.Text, text)
				}
				words = append(words, t.Text)
			}
			if len(words) > 1 && key.Text != "elm_type" {
				return nil, malformed(line+key.Line-1, "SpMV: %s must be a single name, got %q", key.Text, text)
			}
			*names[key.Text] = strings.Join(words, " ")
		case exprs[key.Text] != nil:
			e, err := cloop.ParseExpr(text)
			if err != nil {
				return nil, malformed(line+key.Line-1, "SpMV: %s: %v", key.Text, err)
			}
			*exprs[key.Text] = e
		default:
			return nil, malformed(line+key.Line-1, "SpMV: unknown argument %q", key.Text)
		}
	}
	for _, required := range []string{"num_rows", "out_vector", "in_vector", "in_matrix", "row_inds", "col_inds", "out_loop_var", "in_loop_var"} {
		if !seen[required] {
			return nil, malformed(line, "SpMV: missing argument %s", required)
		}
	}
	return d, nil
}
