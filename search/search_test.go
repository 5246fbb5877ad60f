// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package search

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ajroetker/perftune/evaluate"
	"github.com/ajroetker/perftune/space"
	"github.com/ajroetker/perftune/workerpool"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ints(values ...int64) space.Enum {
	out := make(space.Enum, len(values))
	for i, v := range values {
		out[i] = space.Int(v)
	}
	return out
}

func get(a space.Assignment, name string) int64 {
	v, _ := a.Get(name)
	return v.I
}

// costFn turns a cost function into an objective counting its calls. A
// negative cost is a build failure.
func costFn(calls *atomic.Int32, f func(a space.Assignment) float64) Objective {
	return func(ctx context.Context, a space.Assignment) evaluate.Result {
		calls.Add(1)
		r := evaluate.Result{Assignment: a, Status: evaluate.Success}
		r.Cost = f(a)
		if r.Cost < 0 {
			r.Status, r.Detail = evaluate.BuildFailure, "error: bad unroll factor\nmore"
			return r
		}
		r.Costs = []float64{r.Cost}
		return r
	}
}

func TestRun(t *testing.T) {
	pool := workerpool.New(4)
	defer pool.Close()
	sp := &space.Space{Params: []space.Param{
		{Name: "U", Domain: ints(1, 2, 4, 8)},
		{Name: "T", Domain: ints(32, 64)},
	}}
	var calls atomic.Int32
	// U=2 and U=4 tie; the lower enumeration index wins.
	obj := costFn(&calls, func(a space.Assignment) float64 {
		switch u := get(a, "U"); {
		case u == 8:
			return -1
		case u == 2 || u == 4:
			return float64(get(a, "T"))
		default:
			return 100
		}
	})
	for range 5 {
		calls.Store(0)
		out, err := Run(context.Background(), pool, sp, nil, obj, Options{})
		require.NoError(t, err)
		require.Len(t, out.Results, 8)
		assert.Equal(t, int32(8), calls.Load())
		for i, r := range out.Results {
			assert.Equal(t, i, r.Assignment.Index)
		}
		require.NotNil(t, out.Best)
		assert.Equal(t, 2, out.Best.Assignment.Index)
		assert.Equal(t, "U=2 T=32", out.Best.Assignment.String())
		assert.Equal(t, 6, out.Count(evaluate.Success))
		assert.Equal(t, 2, out.Count(evaluate.BuildFailure))
	}
}

func TestRunConstraintsAndBudget(t *testing.T) {
	pool := workerpool.New(2)
	defer pool.Close()
	c, err := space.ParseConstraint("noTwo", "U != 2")
	require.NoError(t, err)
	sp := &space.Space{
		Params:      []space.Param{{Name: "U", Domain: ints(1, 2, 3, 4, 5)}},
		Constraints: []space.Constraint{c},
	}
	obj := func(calls *atomic.Int32) Objective {
		return costFn(calls, func(a space.Assignment) float64 { return float64(10 - get(a, "U")) })
	}

	t.Run("constraint", func(t *testing.T) {
		var calls atomic.Int32
		out, err := Run(context.Background(), pool, sp, nil, obj(&calls), Options{})
		require.NoError(t, err)
		assert.Equal(t, int32(4), calls.Load())
		assert.Equal(t, evaluate.Skipped, out.Results[1].Status)
		assert.Contains(t, out.Results[1].Detail, "constraint noTwo")
		assert.Equal(t, 4, out.Best.Assignment.Index)
	})

	t.Run("total runs", func(t *testing.T) {
		var calls atomic.Int32
		out, err := Run(context.Background(), pool, sp, nil, obj(&calls), Options{TotalRuns: 2})
		require.NoError(t, err)
		assert.Equal(t, int32(2), calls.Load())
		// U=1 and U=3 are the first two admitted assignments.
		assert.Equal(t, 2, out.Best.Assignment.Index)
		assert.Equal(t, 3, out.Count(evaluate.Skipped))
		assert.Contains(t, out.Results[4].Detail, "total_runs")
	})

	t.Run("random", func(t *testing.T) {
		measured := func(seed int64) []int {
			var calls atomic.Int32
			out, err := Run(context.Background(), pool, sp, nil, obj(&calls),
				Options{Algorithm: Random, TotalRuns: 2, Seed: seed})
			require.NoError(t, err)
			assert.Equal(t, int32(2), calls.Load())
			var idx []int
			for _, r := range out.Results {
				if r.OK() {
					idx = append(idx, r.Assignment.Index)
				}
			}
			return idx
		}
		first := measured(7)
		assert.Len(t, first, 2)
		assert.NotContains(t, first, 1)
		assert.Equal(t, first, measured(7))
	})

	t.Run("unknown algorithm", func(t *testing.T) {
		var calls atomic.Int32
		_, err := Run(context.Background(), pool, sp, nil, obj(&calls), Options{Algorithm: "Annealing"})
		assert.ErrorContains(t, err, "Annealing")
	})
}

func TestRunPruning(t *testing.T) {
	pool := workerpool.New(2)
	defer pool.Close()
	sp := &space.Space{Params: []space.Param{
		{Name: "A", Domain: ints(0, 1)},
		{Name: "B", Domain: ints(1, 2, 3, 4, 5, 6)},
	}}
	var calls atomic.Int32
	// Costs along each line: 1 0 1 2 3 4.
	obj := costFn(&calls, func(a space.Assignment) float64 {
		d := get(a, "B") - 2
		return float64(max(d, -d))
	})
	out, err := Run(context.Background(), pool, sp, nil, obj, Options{PruneAfter: 2})
	require.NoError(t, err)
	assert.Equal(t, int32(8), calls.Load())
	assert.Equal(t, 4, out.Count(evaluate.Skipped))
	for _, i := range []int{4, 5, 10, 11} {
		assert.Equal(t, evaluate.Skipped, out.Results[i].Status)
		assert.Contains(t, out.Results[i].Detail, "pruned")
	}
	assert.Equal(t, 1, out.Best.Assignment.Index)
}

func TestRunTimeLimit(t *testing.T) {
	pool := workerpool.New(1)
	defer pool.Close()
	sp := &space.Space{Params: []space.Param{{Name: "U", Domain: ints(1, 2, 3, 4, 5)}}}
	var calls atomic.Int32
	slow := costFn(&calls, func(a space.Assignment) float64 {
		time.Sleep(50 * time.Millisecond)
		return 1
	})
	out, err := Run(context.Background(), pool, sp, nil, slow, Options{TimeLimit: 20 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Count(evaluate.Success))
	assert.Equal(t, 4, out.Count(evaluate.Skipped))
	assert.Contains(t, out.Results[4].Detail, "time limit")
}

func TestRunFailures(t *testing.T) {
	pool := workerpool.New(2)
	defer pool.Close()
	sp := &space.Space{Params: []space.Param{{Name: "U", Domain: ints(1, 2, 3)}}}

	t.Run("no viable variant", func(t *testing.T) {
		var calls atomic.Int32
		out, err := Run(context.Background(), pool, sp, nil, costFn(&calls, func(space.Assignment) float64 { return -1 }), Options{})
		require.ErrorIs(t, err, ErrNoViableVariant)
		assert.ErrorContains(t, err, "3 failed to build")
		require.NotNil(t, out)
		assert.Nil(t, out.Best)
		assert.Len(t, out.Results, 3)
	})

	t.Run("empty domain", func(t *testing.T) {
		var calls atomic.Int32
		empty := &space.Space{Params: []space.Param{{Name: "U", Domain: space.Enum{}}}}
		_, err := Run(context.Background(), pool, empty, nil, costFn(&calls, func(space.Assignment) float64 { return 1 }), Options{})
		assert.True(t, errors.Is(err, space.ErrEmptyDomain))
		assert.Zero(t, calls.Load())
	})

	t.Run("canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		obj := func(ctx context.Context, a space.Assignment) evaluate.Result {
			cancel()
			return evaluate.Result{Assignment: a, Status: evaluate.Skipped}
		}
		out, err := Run(ctx, pool, sp, nil, obj, Options{})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Nil(t, out)
	})
}

func TestTable(t *testing.T) {
	pool := workerpool.New(1)
	defer pool.Close()
	sp := &space.Space{Params: []space.Param{{Name: "U", Domain: ints(1, 2, 3)}}}
	var calls atomic.Int32
	var progress bytes.Buffer
	out, err := Run(context.Background(), pool, sp, nil, costFn(&calls, func(a space.Assignment) float64 {
		if get(a, "U") == 3 {
			return -1
		}
		return 1500 * float64(get(a, "U"))
	}), Options{Progress: &progress})
	require.NoError(t, err)
	assert.NotEmpty(t, progress.String())

	table := out.Table()
	for _, want := range []string{"Assignment", "U=1", "U=3", "success", "build failure", "1.5 k", "error: bad unroll factor"} {
		assert.Contains(t, table, want)
	}
	assert.NotContains(t, table, "more")
	assert.Contains(t, out.Summary(), "3 assignments, 2 measured, 1 failed; best U=1 with cost 1.5 k")
}
