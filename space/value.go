// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package space

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ajroetker/perftune/cloop"
)

// Kind is the type of a parameter Value.
type Kind int

const (
	KindInt Kind = iota
	KindFloat
	KindString
	KindBool
)

// Value is one value of a parameter domain.
type Value struct {
	Kind Kind
	I    int64 // KindInt, and KindBool as 0 or 1.
	F    float64
	S    string
}

// Int returns an integer value.
func Int(i int64) Value { return Value{Kind: KindInt, I: i} }

// Float returns a floating point value.
func Float(f float64) Value { return Value{Kind: KindFloat, F: f} }

// String returns a string value.
func String(s string) Value { return Value{Kind: KindString, S: s} }

// Bool returns a boolean value.
func Bool(b bool) Value {
	if b {
		return Value{Kind: KindBool, I: 1}
	}
	return Value{Kind: KindBool}
}

// String formats the value the way it is substituted into build commands:
// strings verbatim, numbers in their shortest form, booleans as True/False.
func (v Value) String() string {
	switch v.Kind {
	case KindFloat:
		return strconv.FormatFloat(v.F, 'g', -1, 64)
	case KindString:
		return v.S
	case KindBool:
		if v.I != 0 {
			return "True"
		}
		return "False"
	default:
		return strconv.FormatInt(v.I, 10)
	}
}

// GoString quotes strings, used in logs and error messages.
func (v Value) GoString() string {
	if v.Kind == KindString {
		return strconv.Quote(v.S)
	}
	return v.String()
}

// Scalar converts a numeric or boolean value to an interpreter value. Strings
// have no scalar form.
func (v Value) Scalar() (cloop.Value, bool) {
	switch v.Kind {
	case KindInt, KindBool:
		return cloop.IntValue(v.I), true
	case KindFloat:
		return cloop.FloatValue(v.F), true
	}
	return cloop.Value{}, false
}

// Expr returns the value as a C literal expression; strings have none.
func (v Value) Expr() (cloop.Expr, bool) {
	switch v.Kind {
	case KindInt, KindBool:
		return &cloop.IntLit{Value: v.I}, true
	case KindFloat:
		return &cloop.FloatLit{Value: v.F}, true
	}
	return nil, false
}

// Assignment maps every parameter of a space to one value of its domain.
// Names are in declaration order.
type Assignment struct {
	// Index is the position of the assignment in enumeration order.
	Index  int
	Names  []string
	Values []Value
}

// Get returns the value bound to name.
func (a Assignment) Get(name string) (Value, bool) {
	for i, n := range a.Names {
		if n == name {
			return a.Values[i], true
		}
	}
	return Value{}, false
}

// Len returns the number of bound parameters.
func (a Assignment) Len() int { return len(a.Names) }

// String formats the assignment as `NAME=value` pairs in declaration order.
func (a Assignment) String() string {
	var b strings.Builder
	for i, n := range a.Names {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%#v", n, a.Values[i])
	}
	return b.String()
}

// Env returns an interpreter scope with every numeric or boolean parameter
// defined as a scalar, nested in parent.
func (a Assignment) Env(parent *cloop.Env) *cloop.Env {
	env := cloop.NewEnv(parent)
	for i, n := range a.Names {
		v := a.Values[i]
		if s, ok := v.Scalar(); ok {
			t := cloop.TypeInt
			if v.Kind == KindFloat {
				t = cloop.TypeDouble
			}
			env.DefineScalar(n, t, s)
		}
	}
	return env
}

// Merge returns an assignment with the bindings of a followed by those of b.
// The index of a is kept.
func (a Assignment) Merge(b Assignment) Assignment {
	m := Assignment{Index: a.Index}
	m.Names = append(append(m.Names, a.Names...), b.Names...)
	m.Values = append(append(m.Values, a.Values...), b.Values...)
	return m
}
