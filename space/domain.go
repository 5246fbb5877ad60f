// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

// Package space defines tuning parameter domains and expands them into the
// ordered list of parameter assignments to evaluate.
package space

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// ErrEmptyDomain is returned when a parameter domain has no values.
var ErrEmptyDomain = errors.New("empty parameter domain")

// Domain is a finite, ordered set of values.
type Domain interface {
	// Values enumerates the domain in its declared order.
	Values() []Value

	// Size returns len(Values()) without materializing them.
	Size() int

	String() string
}

// Range is Python's range(Start, Stop, Step): Stop is exclusive and Step may be
// negative but never zero.
type Range struct {
	Start, Stop, Step int64
}

// Size implements Domain.
func (r Range) Size() int {
	switch {
	case r.Step > 0 && r.Start < r.Stop:
		return int((r.Stop - r.Start + r.Step - 1) / r.Step)
	case r.Step < 0 && r.Start > r.Stop:
		return int((r.Start - r.Stop - r.Step - 1) / -r.Step)
	}
	return 0
}

// Values implements Domain.
func (r Range) Values() []Value {
	n := r.Size()
	out := make([]Value, n)
	for i := range n {
		out[i] = Int(r.Start + int64(i)*r.Step)
	}
	return out
}

func (r Range) String() string {
	return fmt.Sprintf("range(%d, %d, %d)", r.Start, r.Stop, r.Step)
}

// Enum is an explicit list of values.
type Enum []Value

// Size implements Domain.
func (e Enum) Size() int { return len(e) }

// Values implements Domain.
func (e Enum) Values() []Value { return e }

func (e Enum) String() string {
	return "[" + strings.Join(lo.Map(e, func(v Value, _ int) string { return v.GoString() }), ", ") + "]"
}

// Combiner turns one combination of a Product into a string.
type Combiner int

const (
	// Join joins the non-empty parts with a single space, so that optional
	// flags disappear cleanly from command lines.
	Join Combiner = iota
	// Concat concatenates the parts.
	Concat
)

func (c Combiner) String() string {
	if c == Concat {
		return "concat"
	}
	return "join"
}

func (c Combiner) combine(parts []Value) Value {
	strs := lo.Map(parts, func(v Value, _ int) string { return v.String() })
	if c == Concat {
		return String(strings.Join(strs, ""))
	}
	return String(strings.Join(lo.Compact(strs), " "))
}

// Product is the cartesian product of its domains, each combination combined
// into a string. The rightmost domain varies fastest.
type Product struct {
	Domains  []Domain
	Combiner Combiner
}

// Size implements Domain.
func (p *Product) Size() int {
	n := 1
	for _, d := range p.Domains {
		n *= d.Size()
	}
	return n
}

// Values implements Domain.
func (p *Product) Values() []Value {
	lists := lo.Map(p.Domains, func(d Domain, _ int) []Value { return d.Values() })
	var out []Value
	forEachCombination(lists, func(parts []Value) {
		out = append(out, p.Combiner.combine(parts))
	})
	return out
}

func (p *Product) String() string {
	inner := strings.Join(lo.Map(p.Domains, func(d Domain, _ int) string { return d.String() }), ", ")
	return fmt.Sprintf("map(%s, product(%s))", p.Combiner, inner)
}

// Ref is a domain bound by a `let` statement, referenced by name.
type Ref struct {
	Name   string
	Domain Domain
}

// Size implements Domain.
func (r *Ref) Size() int { return r.Domain.Size() }

// Values implements Domain.
func (r *Ref) Values() []Value { return r.Domain.Values() }

func (r *Ref) String() string { return r.Name }

// forEachCombination calls fn with every combination of one value per list,
// in odometer order: the last list varies fastest. fn must not retain parts.
func forEachCombination(lists [][]Value, fn func(parts []Value)) {
	for _, l := range lists {
		if len(l) == 0 {
			return
		}
	}
	idx := make([]int, len(lists))
	parts := make([]Value, len(lists))
	for {
		for i, l := range lists {
			parts[i] = l[idx[i]]
		}
		fn(parts)
		k := len(lists) - 1
		for k >= 0 {
			idx[k]++
			if idx[k] < len(lists[k]) {
				break
			}
			idx[k] = 0
			k--
		}
		if k < 0 {
			return
		}
	}
}
