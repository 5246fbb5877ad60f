// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package space

import (
	"math"

	"github.com/ajroetker/perftune/cloop"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Param is a named tuning parameter and its domain.
type Param struct {
	Name   string
	Domain Domain
}

// Size returns the number of assignments of params: the product of the domain
// sizes. It saturates at math.MaxInt.
func Size(params []Param) int {
	n := 1
	for _, p := range params {
		s := p.Domain.Size()
		if s == 0 {
			return 0
		}
		if n > math.MaxInt/s {
			return math.MaxInt
		}
		n *= s
	}
	return n
}

// Expand returns every assignment of params in enumeration order: the first
// parameter varies slowest and every domain keeps its declared order.
//
// It returns ErrEmptyDomain, naming the parameter, if any domain is empty.
func Expand(params []Param) ([]Assignment, error) {
	lists := make([][]Value, len(params))
	for i, p := range params {
		lists[i] = p.Domain.Values()
		if len(lists[i]) == 0 {
			return nil, errors.Wrapf(ErrEmptyDomain, "parameter %s = %s", p.Name, p.Domain)
		}
	}
	names := lo.Map(params, func(p Param, _ int) string { return p.Name })
	out := make([]Assignment, 0, Size(params))
	forEachCombination(lists, func(parts []Value) {
		out = append(out, Assignment{
			Index:  len(out),
			Names:  names,
			Values: append([]Value(nil), parts...),
		})
	})
	return out, nil
}

// Constraint excludes assignments for which its condition is false.
type Constraint struct {
	Name string
	Text string
	Cond cloop.Expr
}

// ParseConstraint parses a boolean condition over parameter names. Both C and
// Python spellings of the logical operators are accepted.
func ParseConstraint(name, text string) (Constraint, error) {
	e, err := cloop.ParseCondition(text)
	if err != nil {
		return Constraint{}, errors.WithMessagef(err, "constraint %s", name)
	}
	return Constraint{Name: name, Text: text, Cond: e}, nil
}

// Holds evaluates the constraint for assignment a. Names not bound by a are
// looked up in scope, which may be nil.
func (c Constraint) Holds(a Assignment, scope *cloop.Env) (bool, error) {
	v, err := cloop.NewInterp().Eval(a.Env(scope), c.Cond)
	if err != nil {
		return false, errors.WithMessagef(err, "evaluating constraint %s (%s) for %s", c.Name, c.Text, a)
	}
	return v.Truth(), nil
}

// Space is the full search space of one tuning block.
type Space struct {
	Params      []Param
	Constraints []Constraint
}

// Size returns the number of enumerated assignments, constraints ignored.
func (s *Space) Size() int { return Size(s.Params) }

// Expand enumerates every assignment of the space; constraints are not applied.
func (s *Space) Expand() ([]Assignment, error) { return Expand(s.Params) }

// Admits reports whether a satisfies every constraint. When it does not, the
// name of the first violated constraint is returned.
func (s *Space) Admits(a Assignment, scope *cloop.Env) (ok bool, violated string, err error) {
	for _, c := range s.Constraints {
		holds, err := c.Holds(a, scope)
		if err != nil {
			return false, c.Name, err
		}
		if !holds {
			return false, c.Name, nil
		}
	}
	return true, "", nil
}
