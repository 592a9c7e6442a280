// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build !windows
// +build !windows

package ports

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"

	"golang.org/x/sys/unix"
)

type lsofOwners struct{}

// SystemOwners returns the OwnerFinder for this OS. On POSIX systems it
// shells out to lsof.
func SystemOwners() OwnerFinder {
	return lsofOwners{}
}

func (lsofOwners) Owners(ctx context.Context, port int) ([]int, error) {
	out, err := exec.CommandContext(ctx, "lsof", "-i", ":"+strconv.Itoa(port), "-t").Output()
	if err != nil {
		// lsof exits 1 when nothing matches.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, fmt.Errorf("lsof: %w", err)
	}
	return parseLsofPIDs(string(out)), nil
}

func (lsofOwners) Terminate(pid int) error {
	return unix.Kill(pid, unix.SIGTERM)
}
