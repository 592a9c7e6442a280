// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ports

import (
	"bufio"
	"sort"
	"strconv"
	"strings"
)

// parseLsofPIDs parses `lsof -t` output: one PID per line.
func parseLsofPIDs(out string) []int {
	seen := make(map[int]bool)
	var pids []int
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		pid, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
		if err != nil || pid <= 0 || seen[pid] {
			continue
		}
		seen[pid] = true
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}

// parseNetstatPIDs extracts owning PIDs from `netstat -ano` output for rows
// whose local address ends in :port. The PID is the last column.
func parseNetstatPIDs(out string, port int) []int {
	suffix := ":" + strconv.Itoa(port)
	seen := make(map[int]bool)
	var pids []int

	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		// Proto  Local  Foreign  [State]  PID
		if len(fields) < 4 {
			continue
		}
		proto := strings.ToUpper(fields[0])
		if proto != "TCP" && proto != "UDP" {
			continue
		}
		if !strings.HasSuffix(fields[1], suffix) {
			continue
		}
		pid, err := strconv.Atoi(fields[len(fields)-1])
		if err != nil || pid <= 0 || seen[pid] {
			continue
		}
		seen[pid] = true
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}
