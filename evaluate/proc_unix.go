// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

//go:build unix

package evaluate

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// isolate starts cmd in a new process group and makes cancellation kill the
// whole group, so compilers and the programs they spawn do not outlive it.
func isolate(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
}
