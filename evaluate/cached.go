// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package evaluate

import (
	"context"
	"sync"

	"github.com/ajroetker/perftune/harness"
	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"
)

// Cached evaluates every distinct harness once: assignments that generate the
// same program with the same build command share one measurement. Concurrent
// requests for the same harness wait for the first one.
type Cached struct {
	Evaluator Evaluator

	group   singleflight.Group
	mu      sync.Mutex
	results map[string]Result
}

// NewCached wraps e.
func NewCached(e Evaluator) *Cached {
	return &Cached{Evaluator: e, results: make(map[string]Result)}
}

// Evaluate implements Evaluator. Canceled evaluations are not cached.
func (c *Cached) Evaluate(ctx context.Context, h *harness.Harness) Result {
	key := h.Key()
	c.mu.Lock()
	r, found := c.results[key]
	c.mu.Unlock()
	if !found {
		ran := false
		v, _, _ := c.group.Do(key, func() (any, error) {
			c.mu.Lock()
			r, done := c.results[key]
			c.mu.Unlock()
			if done {
				return r, nil
			}
			ran = true
			r = c.Evaluator.Evaluate(ctx, h)
			if r.Status != Skipped {
				c.mu.Lock()
				c.results[key] = r
				c.mu.Unlock()
			}
			return r, nil
		})
		r, found = v.(Result), !ran
	}
	if found {
		klog.V(1).Infof("evaluate: %s: same program as %s, reusing its result", h.Name(), r.Assignment)
		r.CacheHit = true
	}
	r.Assignment, r.Binding = h.Variant.Assignment, h.Binding
	return r
}

// Len returns the number of distinct harnesses measured.
func (c *Cached) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)
}
