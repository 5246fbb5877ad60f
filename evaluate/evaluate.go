// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

// Package evaluate measures harnesses.
//
// Two backends implement Evaluator: Exec builds the harness with the native
// toolchain and runs it, Emulator runs the timed region in-process with the
// cloop interpreter. Failures of a single variant are reported in the Result,
// never as errors.
package evaluate

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ajroetker/perftune/harness"
	"github.com/ajroetker/perftune/space"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// Status is the outcome of one evaluation.
type Status int

const (
	// Pending is the zero Status: nothing has been measured yet.
	Pending Status = iota
	Success
	BuildFailure
	RuntimeFailure
	Timeout
	// Skipped marks assignments that were never measured: excluded by a
	// constraint, pruned, past the search budget, or canceled.
	Skipped
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Success:
		return "success"
	case BuildFailure:
		return "build failure"
	case RuntimeFailure:
		return "runtime failure"
	case Timeout:
		return "timeout"
	case Skipped:
		return "skipped"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Result is the measurement of one variant under one input binding.
type Result struct {
	Assignment space.Assignment
	Binding    space.Assignment

	// Cost is the mean of Costs; lower is better. It is only meaningful when
	// Status is Success.
	Cost  float64
	Costs []float64
	// Checksums holds the sum of every written input array after the last
	// repetition.
	Checksums map[string]float64

	Status Status
	// Detail explains a failure: compiler output, exit status, mismatch.
	Detail string

	CacheHit bool
	Elapsed  time.Duration
}

// OK reports whether the variant was measured successfully.
func (r *Result) OK() bool { return r.Status == Success }

func (r *Result) String() string {
	if r.OK() {
		return fmt.Sprintf("%s: cost %g", r.Assignment, r.Cost)
	}
	return fmt.Sprintf("%s: %s", r.Assignment, r.Status)
}

// Evaluator measures a harness. Implementations must be safe for concurrent
// use.
type Evaluator interface {
	Evaluate(ctx context.Context, h *harness.Harness) Result
}

// newResult returns the result skeleton for h.
func newResult(h *harness.Harness) Result {
	return Result{Assignment: h.Variant.Assignment, Binding: h.Binding}
}

// fail sets the failure status and detail of r.
func (r *Result) fail(status Status, format string, args ...any) {
	r.Status = status
	r.Detail = fmt.Sprintf(format, args...)
}

// succeed records the per-repetition costs of r.
func (r *Result) succeed(costs []float64) {
	r.Status = Success
	r.Costs = costs
	r.Cost = stat.Mean(costs, nil)
}

// ParseOutput extracts the timing and checksum lines printed by a harness.
// Other lines are ignored.
func ParseOutput(out []byte) (costs []float64, checksums map[string]float64, err error) {
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case harness.TimePrefix:
			if len(fields) != 2 {
				return nil, nil, errors.Errorf("malformed timing line %q", sc.Text())
			}
			v, err := strconv.ParseFloat(fields[1], 64)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "timing line %q", sc.Text())
			}
			costs = append(costs, v)
		case harness.ChecksumPrefix:
			if len(fields) != 3 {
				return nil, nil, errors.Errorf("malformed checksum line %q", sc.Text())
			}
			v, err := strconv.ParseFloat(fields[2], 64)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "checksum line %q", sc.Text())
			}
			if checksums == nil {
				checksums = make(map[string]float64)
			}
			checksums[fields[1]] = v
		}
	}
	if err := sc.Err(); err != nil {
		return nil, nil, errors.Wrap(err, "reading harness output")
	}
	if len(costs) == 0 {
		return nil, nil, errors.Errorf("no %q line in the output", harness.TimePrefix)
	}
	return costs, checksums, nil
}

// canceled fills r for an evaluation interrupted by the caller.
func canceled(r *Result, ctx context.Context) Result {
	r.fail(Skipped, "canceled: %v", context.Cause(ctx))
	return *r
}
