// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

// Package workerpool provides a persistent worker pool bounding how many
// variants are built and measured at once. A Pool is created once per tuning
// run and reused for every block.
//
// Usage:
//
//	pool := workerpool.New(jobs)
//	defer pool.Close()
//
//	err := pool.ForEach(ctx, len(work), func(ctx context.Context, i int) {
//	    evaluate(ctx, work[i])
//	})
package workerpool

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
)

// Pool is a persistent worker pool. Workers are spawned once at creation and
// reused.
type Pool struct {
	numWorkers int
	workC      chan workItem
	closeOnce  sync.Once
	closed     atomic.Bool
}

// workItem is one worker's share of a ForEach call.
type workItem struct {
	fn      func()
	barrier *sync.WaitGroup
}

// New creates a worker pool with numWorkers workers; if numWorkers <= 0 it
// uses GOMAXPROCS.
func New(numWorkers int) *Pool {
	if numWorkers <= 0 {
		numWorkers = runtime.GOMAXPROCS(0)
	}
	p := &Pool{
		numWorkers: numWorkers,
		workC:      make(chan workItem, numWorkers*2),
	}
	for range numWorkers {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	for item := range p.workC {
		item.fn()
		item.barrier.Done()
	}
}

// NumWorkers returns the number of workers in the pool, the maximum number of
// items processed concurrently.
func (p *Pool) NumWorkers() int {
	return p.numWorkers
}

// Close shuts down the pool once pending work completes. Calling Close
// multiple times is safe.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.workC)
	})
}

// ForEach calls fn for every index in [0, n), in increasing order of start,
// at most NumWorkers at a time, and blocks until all calls return. Once ctx is
// done no further index is started and ForEach returns the context error.
// A closed pool runs the calls sequentially.
func (p *Pool) ForEach(ctx context.Context, n int, fn func(ctx context.Context, i int)) error {
	if n <= 0 {
		return ctx.Err()
	}
	var next atomic.Int32
	loop := func() {
		for ctx.Err() == nil {
			i := int(next.Add(1)) - 1
			if i >= n {
				return
			}
			fn(ctx, i)
		}
	}

	workers := min(p.numWorkers, n)
	if workers == 1 || p.closed.Load() {
		loop()
		return ctx.Err()
	}
	var wg sync.WaitGroup
	wg.Add(workers)
	for range workers {
		p.workC <- workItem{fn: loop, barrier: &wg}
	}
	wg.Wait()
	return ctx.Err()
}
