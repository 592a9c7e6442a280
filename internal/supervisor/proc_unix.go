// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build !windows
// +build !windows

package supervisor

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcAttr puts the child in its own process group so the whole tree
// (llama-server workers, python subprocesses) can be signalled at once.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// terminateTree sends SIGTERM to the child's process group.
func terminateTree(pid int) error {
	return signalGroup(pid, unix.SIGTERM)
}

// killTree sends SIGKILL to the child's process group.
func killTree(pid int) error {
	return signalGroup(pid, unix.SIGKILL)
}

func signalGroup(pid int, sig unix.Signal) error {
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		// Group already gone; fall back to the leader in case it never got
		// its own group.
		err = unix.Kill(pid, sig)
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
	}
	return err
}
