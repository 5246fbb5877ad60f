// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

//go:build !unix

package evaluate

import "os/exec"

// isolate is a no-op: cancellation kills only the direct child.
func isolate(cmd *exec.Cmd) {}
