// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package space

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strs(d Domain) []string {
	var out []string
	for _, v := range d.Values() {
		out = append(out, v.String())
	}
	return out
}

func TestParseDomain(t *testing.T) {
	lets := Lets{"N": Enum{Int(4)}, "SIZES": Enum{Int(1), Int(2)}}
	tests := []struct {
		src  string
		want []string
	}{
		{"range(32,65,32)", []string{"32", "64"}},
		{"range(14,29,14)", []string{"14", "28"}},
		{"range(1,3)", []string{"1", "2"}},
		{"range(3)", []string{"0", "1", "2"}},
		{"range(10, 0, -3)", []string{"10", "7", "4", "1"}},
		{"range(N * 2)", []string{"0", "1", "2", "3", "4", "5", "6", "7"}},
		{"range(5, 5)", nil},
		{"[16,48]", []string{"16", "48"}},
		{"[-1, 2.5, 'a b', True]", []string{"-1", "2.5", "a b", "True"}},
		{"[N, ]", []string{"4"}},
		{"SIZES", []string{"1", "2"}},
		{"7", []string{"7"}},
		{"'nvcc -O3'", []string{"nvcc -O3"}},
		{"map(join, product(['', '-use_fast_math'], ['', '-Xptxas -dlcm=cg']))",
			[]string{"", "-Xptxas -dlcm=cg", "-use_fast_math", "-use_fast_math -Xptxas -dlcm=cg"}},
		{"map(concat, product(['a', 'b'], range(2)))", []string{"a0", "a1", "b0", "b1"}},
		{"product(['-O2', '-O3'], [''])", []string{"-O2", "-O3"}},
		{"map(concat, ['x', 'y'])", []string{"x", "y"}},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			d, err := ParseDomain(tt.src, lets)
			require.NoError(t, err)
			assert.Equal(t, tt.want, strs(d))
			assert.Equal(t, len(tt.want), d.Size())
		})
	}
}

func TestParseDomainErrors(t *testing.T) {
	for _, src := range []string{
		"range(1, 10, 0)",
		"range(1, 2, 3, 4)",
		"range(1.5)",
		"[1, 2",
		"UNDEFINED",
		"map(sum, [1])",
		"product()",
		"[1] [2]",
		"range(M)",
	} {
		t.Run(src, func(t *testing.T) {
			_, err := ParseDomain(src, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrBadDomain), "got %v", err)
		})
	}
}

func matMultParams(t *testing.T, bc string) []Param {
	t.Helper()
	var params []Param
	for _, p := range []struct{ name, src string }{
		{"TC", "range(32,65,32)"},
		{"BC", bc},
		{"UIF", "range(1,3)"},
		{"PL", "[16,48]"},
		{"CFLAGS", "map(join, product(['', '-use_fast_math'], ['', '-Xptxas -dlcm=cg']))"},
	} {
		d, err := ParseDomain(p.src, nil)
		require.NoError(t, err)
		params = append(params, Param{Name: p.name, Domain: d})
	}
	return params
}

func TestExpand(t *testing.T) {
	for _, tt := range []struct {
		bc   string
		want int
	}{
		{"range(14,29,14)", 64},
		{"[14]", 32},
	} {
		t.Run(tt.bc, func(t *testing.T) {
			params := matMultParams(t, tt.bc)
			assert.Equal(t, tt.want, Size(params))
			all, err := Expand(params)
			require.NoError(t, err)
			require.Len(t, all, tt.want)

			seen := make(map[string]bool)
			for i, a := range all {
				assert.Equal(t, i, a.Index)
				assert.Equal(t, []string{"TC", "BC", "UIF", "PL", "CFLAGS"}, a.Names)
				seen[a.String()] = true
			}
			assert.Len(t, seen, tt.want, "duplicate assignments")

			// First parameter varies slowest, last fastest.
			assert.Equal(t, `TC=32 BC=14 UIF=1 PL=16 CFLAGS=""`, all[0].String())
			assert.Equal(t, `TC=32 BC=14 UIF=1 PL=16 CFLAGS="-Xptxas -dlcm=cg"`, all[1].String())
			last := all[len(all)-1]
			tc, _ := last.Get("TC")
			assert.Equal(t, int64(64), tc.I)
			cflags, _ := last.Get("CFLAGS")
			assert.Equal(t, "-use_fast_math -Xptxas -dlcm=cg", cflags.S)
		})
	}
}

func TestExpandEmptyDomain(t *testing.T) {
	params := []Param{
		{Name: "A", Domain: Enum{Int(1), Int(2)}},
		{Name: "B", Domain: Range{Start: 5, Stop: 5, Step: 1}},
	}
	assert.Equal(t, 0, Size(params))
	all, err := Expand(params)
	assert.True(t, errors.Is(err, ErrEmptyDomain))
	assert.Nil(t, all)
}

func TestExpandNoParams(t *testing.T) {
	all, err := Expand(nil)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 0, all[0].Len())
}

func TestConstraints(t *testing.T) {
	params := matMultParams(t, "range(14,29,14)")
	c, err := ParseConstraint("occupancy", "TC * BC <= 1024 and not (UIF == 2 and PL == 48)")
	require.NoError(t, err)
	s := &Space{Params: params, Constraints: []Constraint{c}}
	all, err := s.Expand()
	require.NoError(t, err)

	admitted := 0
	for _, a := range all {
		ok, violated, err := s.Admits(a, nil)
		require.NoError(t, err)
		tc, _ := a.Get("TC")
		bc, _ := a.Get("BC")
		uif, _ := a.Get("UIF")
		pl, _ := a.Get("PL")
		want := tc.I*bc.I <= 1024 && !(uif.I == 2 && pl.I == 48)
		assert.Equal(t, want, ok, a.String())
		if !ok {
			assert.Equal(t, "occupancy", violated)
		} else {
			admitted++
		}
	}
	// TC*BC: 448, 896, 896, 1792 -> 3 of 4; UIF/PL: 3 of 4; 4 CFLAGS.
	assert.Equal(t, 3*3*4, admitted)

	bad, err := ParseConstraint("bad", "CFLAGS > 1")
	require.NoError(t, err)
	_, err = bad.Holds(all[0], nil)
	assert.Error(t, err, "string parameters have no scalar value")
}
