// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package workerpool

import (
	"context"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	pool := New(4)
	defer pool.Close()
	assert.Equal(t, 4, pool.NumWorkers())

	def := New(0)
	defer def.Close()
	assert.Equal(t, runtime.GOMAXPROCS(0), def.NumWorkers())
}

func TestForEach(t *testing.T) {
	for _, workers := range []int{1, 4, 16} {
		pool := New(workers)
		n := 100
		results := make([]int, n)
		err := pool.ForEach(context.Background(), n, func(_ context.Context, i int) {
			results[i] = i * 2
		})
		require.NoError(t, err)
		for i := range n {
			assert.Equal(t, i*2, results[i])
		}
		pool.Close()
	}
}

func TestForEachConcurrencyLimit(t *testing.T) {
	pool := New(3)
	defer pool.Close()
	var running, peak atomic.Int32
	err := pool.ForEach(context.Background(), 30, func(_ context.Context, i int) {
		now := running.Add(1)
		for {
			old := peak.Load()
			if now <= old || peak.CompareAndSwap(old, now) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		running.Add(-1)
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Positive(t, peak.Load())
}

func TestForEachZeroN(t *testing.T) {
	pool := New(4)
	defer pool.Close()
	called := false
	require.NoError(t, pool.ForEach(context.Background(), 0, func(context.Context, int) { called = true }))
	assert.False(t, called)
}

func TestForEachCanceled(t *testing.T) {
	pool := New(2)
	defer pool.Close()
	ctx, cancel := context.WithCancel(context.Background())
	var started atomic.Int32
	err := pool.ForEach(ctx, 1000, func(ctx context.Context, i int) {
		if started.Add(1) == 10 {
			cancel()
		}
	})
	assert.ErrorIs(t, err, context.Canceled)
	// Each worker may have been past its check when cancel was called.
	assert.LessOrEqual(t, started.Load(), int32(10+pool.NumWorkers()))
}

func TestCloseMultipleTimes(t *testing.T) {
	pool := New(4)
	pool.Close()
	pool.Close()
}

func TestClosedPoolFallback(t *testing.T) {
	pool := New(4)
	pool.Close()
	n := 100
	results := make([]int, n)
	require.NoError(t, pool.ForEach(context.Background(), n, func(_ context.Context, i int) {
		results[i] = i * 2
	}))
	for i := range n {
		assert.Equal(t, i*2, results[i])
	}
}

func BenchmarkForEach(b *testing.B) {
	pool := New(0)
	defer pool.Close()
	ctx := context.Background()
	for b.Loop() {
		_ = pool.ForEach(ctx, 1000, func(_ context.Context, i int) {
			_ = i * i
		})
	}
}
