// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package cloop

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ScalarType is the storage class of an interpreted variable.
type ScalarType int

const (
	TypeInt ScalarType = iota
	TypeFloat
	TypeDouble
)

// String returns the C spelling of the type.
func (t ScalarType) String() string {
	switch t {
	case TypeFloat:
		return "float"
	case TypeDouble:
		return "double"
	default:
		return "int"
	}
}

// IsFloat reports whether t is a floating point type.
func (t ScalarType) IsFloat() bool { return t == TypeFloat || t == TypeDouble }

// ScalarTypeOf maps a C base type to its interpreted storage class.
// Every integer-like type (char, long, unsigned, size_t, ...) is TypeInt.
func ScalarTypeOf(cType string) ScalarType {
	fields := strings.Fields(cType)
	for _, f := range fields {
		switch f {
		case "double":
			return TypeDouble
		case "float":
			return TypeFloat
		}
	}
	return TypeInt
}

// Value is an interpreted scalar: either an integer or a floating point number.
type Value struct {
	I       int64
	F       float64
	IsFloat bool
}

// IntValue returns an integer value.
func IntValue(i int64) Value { return Value{I: i} }

// FloatValue returns a floating point value.
func FloatValue(f float64) Value { return Value{F: f, IsFloat: true} }

// Float returns v as a float64.
func (v Value) Float() float64 {
	if v.IsFloat {
		return v.F
	}
	return float64(v.I)
}

// Int returns v as an int64, truncating toward zero like a C conversion.
func (v Value) Int() int64 {
	if v.IsFloat {
		return int64(v.F)
	}
	return v.I
}

// Truth reports whether v is non-zero.
func (v Value) Truth() bool {
	if v.IsFloat {
		return v.F != 0
	}
	return v.I != 0
}

// Convert returns v stored as type t.
func (v Value) Convert(t ScalarType) Value {
	switch t {
	case TypeDouble:
		return FloatValue(v.Float())
	case TypeFloat:
		return FloatValue(float64(float32(v.Float())))
	default:
		return IntValue(v.Int())
	}
}

func (v Value) String() string {
	if v.IsFloat {
		return formatFloat(v.F)
	}
	return fmt.Sprint(v.I)
}

func boolValue(b bool) Value {
	if b {
		return IntValue(1)
	}
	return IntValue(0)
}

// Array is an interpreted C array, stored flat in row-major order.
type Array struct {
	Type ScalarType
	Dims []int
	F    []float64
	I    []int64
}

// NewArray allocates a zeroed array with the given dimensions.
func NewArray(t ScalarType, dims ...int) *Array {
	n := 1
	for _, d := range dims {
		n *= d
	}
	a := &Array{Type: t, Dims: append([]int(nil), dims...)}
	if t.IsFloat() {
		a.F = make([]float64, n)
	} else {
		a.I = make([]int64, n)
	}
	return a
}

// Len returns the total number of elements.
func (a *Array) Len() int {
	if a.Type.IsFloat() {
		return len(a.F)
	}
	return len(a.I)
}

// Get returns element i of the flattened array.
func (a *Array) Get(i int) (Value, error) {
	if i < 0 || i >= a.Len() {
		return Value{}, errors.Errorf("index %d out of range [0, %d)", i, a.Len())
	}
	if a.Type.IsFloat() {
		return FloatValue(a.F[i]), nil
	}
	return IntValue(a.I[i]), nil
}

// Set stores v, converted to the element type, at element i.
func (a *Array) Set(i int, v Value) error {
	if i < 0 || i >= a.Len() {
		return errors.Errorf("index %d out of range [0, %d)", i, a.Len())
	}
	v = v.Convert(a.Type)
	if a.Type.IsFloat() {
		a.F[i] = v.F
	} else {
		a.I[i] = v.I
	}
	return nil
}

// Floats returns the elements as float64 values.
func (a *Array) Floats() []float64 {
	if a.Type.IsFloat() {
		return a.F
	}
	out := make([]float64, len(a.I))
	for i, v := range a.I {
		out[i] = float64(v)
	}
	return out
}

// Clone returns a deep copy of a.
func (a *Array) Clone() *Array {
	c := &Array{Type: a.Type, Dims: append([]int(nil), a.Dims...)}
	c.F = append([]float64(nil), a.F...)
	c.I = append([]int64(nil), a.I...)
	return c
}

// variable is a binding in an Env: either a scalar or an array.
type variable struct {
	typ ScalarType
	val Value
	arr *Array
}

// Env is a lexical scope of interpreted variables.
type Env struct {
	parent *Env
	vars   map[string]*variable
}

// NewEnv returns a scope nested in parent, which may be nil.
func NewEnv(parent *Env) *Env {
	return &Env{parent: parent, vars: make(map[string]*variable)}
}

// DefineScalar declares a scalar in this scope.
func (e *Env) DefineScalar(name string, t ScalarType, v Value) {
	e.vars[name] = &variable{typ: t, val: v.Convert(t)}
}

// DefineArray declares an array in this scope.
func (e *Env) DefineArray(name string, a *Array) {
	e.vars[name] = &variable{typ: a.Type, arr: a}
}

func (e *Env) lookup(name string) (*variable, bool) {
	for s := e; s != nil; s = s.parent {
		if v, ok := s.vars[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// Defined reports whether name is visible from this scope.
func (e *Env) Defined(name string) bool {
	_, ok := e.lookup(name)
	return ok
}

// Scalar returns the value of a scalar visible from this scope.
func (e *Env) Scalar(name string) (Value, bool) {
	v, ok := e.lookup(name)
	if !ok || v.arr != nil {
		return Value{}, false
	}
	return v.val, true
}

// Array returns an array visible from this scope.
func (e *Env) Array(name string) (*Array, bool) {
	v, ok := e.lookup(name)
	if !ok || v.arr == nil {
		return nil, false
	}
	return v.arr, true
}

// SetScalar assigns an existing scalar, converting to its declared type.
func (e *Env) SetScalar(name string, val Value) error {
	v, ok := e.lookup(name)
	if !ok {
		return errors.Errorf("undefined variable %q", name)
	}
	if v.arr != nil {
		return errors.Errorf("cannot assign to array %q", name)
	}
	v.val = val.Convert(v.typ)
	return nil
}
