// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package evaluate

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/ajroetker/perftune/harness"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Exec builds every harness with its build command and runs the artifact.
// Each evaluation gets its own directory under Root/RunID.
type Exec struct {
	Root  string
	RunID string

	BuildTimeout time.Duration
	RunTimeout   time.Duration

	// Shell runs the build command, as `Shell -c command`.
	Shell string
	// Keep leaves the working directories in place, for inspection.
	Keep bool
}

// NewExec returns an Exec backend rooted at root, with a fresh run id.
func NewExec(root string) *Exec {
	return &Exec{
		Root:         root,
		RunID:        uuid.NewString(),
		BuildTimeout: 5 * time.Minute,
		RunTimeout:   time.Minute,
		Shell:        "/bin/sh",
	}
}

// Dir returns the working directory of h.
func (e *Exec) Dir(h *harness.Harness) string {
	if h.Variant.Baseline {
		return filepath.Join(e.Root, e.RunID, fmt.Sprintf("line%d-baseline-input-%02d", h.Variant.Block.Line, h.Binding.Index))
	}
	return filepath.Join(e.Root, e.RunID, fmt.Sprintf("line%d-variant-%04d-input-%02d",
		h.Variant.Block.Line, h.Variant.Assignment.Index, h.Binding.Index))
}

// Evaluate implements Evaluator.
func (e *Exec) Evaluate(ctx context.Context, h *harness.Harness) Result {
	start := time.Now()
	r := newResult(h)
	defer func() { r.Elapsed = time.Since(start) }()
	e.evaluate(ctx, h, &r)
	return r
}

func (e *Exec) evaluate(ctx context.Context, h *harness.Harness, r *Result) {
	dir := e.Dir(h)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		r.fail(BuildFailure, "creating working directory: %v", err)
		return
	}
	if !e.Keep {
		defer func() {
			if err := os.RemoveAll(dir); err != nil {
				klog.Warningf("evaluate: removing %s: %v", dir, err)
			}
		}()
	}
	if err := os.WriteFile(filepath.Join(dir, h.FileName), []byte(h.Source), 0o644); err != nil {
		r.fail(BuildFailure, "writing %s: %v", h.FileName, err)
		return
	}

	klog.V(2).Infof("evaluate: %s: building in %s: %s", h.Name(), dir, h.Command)
	shell := e.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	out, status, err := e.run(ctx, e.BuildTimeout, dir, shell, "-c", h.Command)
	switch {
	case ctx.Err() != nil:
		canceled(r, ctx)
		return
	case status == Timeout:
		r.fail(Timeout, "build did not finish within %s", e.BuildTimeout)
		return
	case err != nil:
		r.fail(BuildFailure, "%v\n%s", err, out)
		return
	}

	out, status, err = e.run(ctx, e.RunTimeout, dir, filepath.Join(dir, harness.Artifact))
	switch {
	case ctx.Err() != nil:
		canceled(r, ctx)
		return
	case status == Timeout:
		r.fail(Timeout, "run did not finish within %s", e.RunTimeout)
		return
	case err != nil:
		r.fail(RuntimeFailure, "%v\n%s", err, out)
		return
	}
	costs, checksums, err := ParseOutput(out)
	if err != nil {
		r.fail(RuntimeFailure, "%v\n%s", err, out)
		return
	}
	r.Checksums = checksums
	r.succeed(costs)
}

// run executes name with args in dir and returns the combined output. The
// process runs in its own process group, killed as a whole when timeout
// expires or ctx is canceled; the status is then Timeout.
func (e *Exec) run(ctx context.Context, timeout time.Duration, dir, name string, args ...string) ([]byte, Status, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	isolate(cmd)
	cmd.WaitDelay = time.Second
	err := cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return out.Bytes(), Timeout, ctx.Err()
	}
	if err != nil {
		return out.Bytes(), RuntimeFailure, errors.Wrapf(err, "%s", filepath.Base(name))
	}
	return out.Bytes(), Success, nil
}
