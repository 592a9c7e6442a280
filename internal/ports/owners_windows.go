// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build windows
// +build windows

package ports

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"syscall"

	"golang.org/x/sys/windows"
)

// hiddenWindow keeps a console window from flashing up for helper commands.
func hiddenWindow() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: windows.CREATE_NO_WINDOW}
}

type netstatOwners struct{}

// SystemOwners returns the OwnerFinder for this OS. On Windows it parses
// netstat output.
func SystemOwners() OwnerFinder {
	return netstatOwners{}
}

func (netstatOwners) Owners(ctx context.Context, port int) ([]int, error) {
	cmd := exec.CommandContext(ctx, "netstat", "-ano")
	cmd.SysProcAttr = hiddenWindow()
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("netstat: %w", err)
	}
	return parseNetstatPIDs(string(out), port), nil
}

func (netstatOwners) Terminate(pid int) error {
	cmd := exec.Command("taskkill", "/PID", strconv.Itoa(pid), "/T", "/F")
	cmd.SysProcAttr = hiddenWindow()
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("taskkill %d: %w: %s", pid, err, out)
	}
	return nil
}
