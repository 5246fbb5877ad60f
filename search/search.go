// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

// Package search explores the parameter space of one tuning block: it orders
// the assignments, applies the constraints and budgets, measures the rest on a
// worker pool and selects the cheapest successful variant.
package search

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/ajroetker/perftune/annot"
	"github.com/ajroetker/perftune/cloop"
	"github.com/ajroetker/perftune/evaluate"
	"github.com/ajroetker/perftune/space"
	"github.com/ajroetker/perftune/workerpool"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// ErrNoViableVariant is returned when no assignment was measured successfully.
var ErrNoViableVariant = errors.New("no viable variant")

// Algorithm names accepted in the `search` section.
const (
	Exhaustive = "Exhaustive"
	Random     = "Random"
)

// Objective measures one assignment. It is called concurrently.
type Objective func(ctx context.Context, a space.Assignment) evaluate.Result

// Options configure a search.
type Options struct {
	Algorithm string
	// TotalRuns bounds the number of measured assignments; 0 means no limit.
	TotalRuns int
	// TimeLimit stops dispatching new assignments once elapsed; 0 means no
	// limit. Measurements already running complete.
	TimeLimit time.Duration
	// PruneAfter abandons a line of assignments, differing only in the last
	// parameter, after that many consecutive worsening costs; 0 disables.
	PruneAfter int
	Seed       int64

	// Progress receives a progress bar; nil disables it.
	Progress io.Writer
}

// OptionsFrom returns the options declared in a `search` section.
func OptionsFrom(s annot.SearchSpec) Options {
	return Options{
		Algorithm:  s.Algorithm,
		TotalRuns:  s.TotalRuns,
		TimeLimit:  s.TimeLimit,
		PruneAfter: s.PruneAfter,
		Seed:       s.Seed,
	}
}

// Outcome is the result of a search.
type Outcome struct {
	// Best is the cheapest successful result; ties go to the lowest
	// enumeration index. It is nil when no assignment succeeded.
	Best *evaluate.Result
	// Results holds one result per enumerated assignment, by index.
	Results []evaluate.Result
	Elapsed time.Duration
}

// Count returns the number of results with the given status.
func (o *Outcome) Count(status evaluate.Status) int {
	return lo.CountBy(o.Results, func(r evaluate.Result) bool { return r.Status == status })
}

// store holds the results of a search; writes come from the pool's workers.
type store struct {
	mu      sync.Mutex
	results []evaluate.Result
	bar     *progressbar.ProgressBar
}

func (s *store) set(r evaluate.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[r.Assignment.Index] = r
	_ = s.bar.Add(1)
}

func (s *store) skip(a space.Assignment, format string, args ...any) {
	s.set(evaluate.Result{Assignment: a, Status: evaluate.Skipped, Detail: fmt.Sprintf(format, args...)})
}

// Run searches sp. Constraints are evaluated with scope as the parent of each
// assignment, so they may refer to input parameters.
//
// The returned outcome lists every enumerated assignment. When none succeeds
// the outcome is returned together with ErrNoViableVariant. If ctx is
// canceled, no new assignment is started and the context error is returned.
func Run(ctx context.Context, pool *workerpool.Pool, sp *space.Space, scope *cloop.Env, objective Objective, opts Options) (*Outcome, error) {
	start := time.Now()
	assignments, err := sp.Expand()
	if err != nil {
		return nil, err
	}
	st := &store{results: make([]evaluate.Result, len(assignments))}
	if opts.Progress != nil {
		st.bar = progressbar.NewOptions(len(assignments),
			progressbar.OptionSetWriter(opts.Progress),
			progressbar.OptionSetDescription("tuning"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("variants"),
			progressbar.OptionSetTheme(progressbar.ThemeASCII),
		)
	} else {
		st.bar = progressbar.DefaultSilent(int64(len(assignments)))
	}

	order, err := order(opts, assignments)
	if err != nil {
		return nil, err
	}
	admitted := make([]space.Assignment, 0, len(order))
	for _, a := range order {
		ok, violated, err := sp.Admits(a, scope)
		if err != nil {
			return nil, err
		}
		if !ok {
			st.skip(a, "excluded by constraint %s", violated)
			continue
		}
		admitted = append(admitted, a)
	}
	if opts.TotalRuns > 0 && len(admitted) > opts.TotalRuns {
		for _, a := range admitted[opts.TotalRuns:] {
			st.skip(a, "beyond total_runs = %d", opts.TotalRuns)
		}
		admitted = admitted[:opts.TotalRuns]
	}

	lines := group(admitted, opts.PruneAfter > 0)
	klog.V(1).Infof("search: %d assignments, %d admitted, %d lines", len(assignments), len(admitted), len(lines))
	err = pool.ForEach(ctx, len(lines), func(ctx context.Context, i int) {
		line := lines[i]
		worsening := 0
		var prev *evaluate.Result
		for j, a := range line {
			if opts.TimeLimit > 0 && time.Since(start) > opts.TimeLimit {
				for _, a := range line[j:] {
					st.skip(a, "time limit of %s reached", opts.TimeLimit)
				}
				return
			}
			r := objective(ctx, a)
			if ctx.Err() != nil {
				return
			}
			r.Assignment = a
			st.set(r)
			klog.V(1).Infof("search: %s", &r)

			switch {
			case !r.OK():
				worsening, prev = 0, nil
				continue
			case prev != nil && r.Cost > prev.Cost:
				worsening++
			default:
				worsening = 0
			}
			prev = &r
			if opts.PruneAfter > 0 && worsening >= opts.PruneAfter {
				for _, a := range line[j+1:] {
					st.skip(a, "pruned after %d worsening costs", worsening)
				}
				return
			}
		}
	})
	_ = st.bar.Finish()
	if err != nil {
		return nil, errors.WithMessage(err, "search canceled")
	}

	out := &Outcome{Results: st.results, Elapsed: time.Since(start)}
	for i := range out.Results {
		r := &out.Results[i]
		if r.OK() && (out.Best == nil || r.Cost < out.Best.Cost) {
			out.Best = r
		}
	}
	if out.Best == nil {
		return out, errors.Wrapf(ErrNoViableVariant, "%d assignments: %d skipped, %d failed to build, %d failed to run, %d timed out",
			len(out.Results), out.Count(evaluate.Skipped), out.Count(evaluate.BuildFailure),
			out.Count(evaluate.RuntimeFailure), out.Count(evaluate.Timeout))
	}
	return out, nil
}

// order returns the assignments in the order the algorithm visits them.
func order(opts Options, assignments []space.Assignment) ([]space.Assignment, error) {
	out := append([]space.Assignment(nil), assignments...)
	switch opts.Algorithm {
	case "", Exhaustive:
	case Random:
		seed := uint64(opts.Seed)
		rng := rand.New(rand.NewPCG(seed, seed))
		rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	default:
		return nil, errors.Errorf("unknown search algorithm %q, want %s or %s", opts.Algorithm, Exhaustive, Random)
	}
	return out, nil
}

// group splits assignments into lines. When lines is false every assignment
// is its own line; otherwise assignments agreeing on all but the last
// parameter share one, in visiting order.
func group(assignments []space.Assignment, lines bool) [][]space.Assignment {
	if !lines {
		return lo.Map(assignments, func(a space.Assignment, _ int) []space.Assignment {
			return []space.Assignment{a}
		})
	}
	key := func(a space.Assignment) string {
		if a.Len() == 0 {
			return ""
		}
		parts := lo.Map(a.Values[:a.Len()-1], func(v space.Value, _ int) string { return v.GoString() })
		return strings.Join(parts, "\x00")
	}
	var out [][]space.Assignment
	index := make(map[string]int)
	for _, a := range assignments {
		k := key(a)
		i, found := index[k]
		if !found {
			i = len(out)
			index[k] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], a)
	}
	return out
}
