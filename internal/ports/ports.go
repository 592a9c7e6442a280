// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ports finds a loopback TCP port a child server can bind.
//
// The preferred port is tried first. When it is taken the negotiator can
// reclaim it by terminating whatever process owns it, and otherwise scans
// upward for the next free port.
package ports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/jeranaias/baissd/internal/logging"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrExhausted is returned when no candidate port could be bound.
var ErrExhausted = errors.New("no available port")

// MinPort is the lowest port the scan will hand out.
const MinPort = 1024

// maxPort is the highest valid TCP port.
const maxPort = 65535

// DefaultReclaimWait is the pause between terminating a port owner and
// re-checking the port.
const DefaultReclaimWait = time.Second

// =============================================================================
// AVAILABILITY
// =============================================================================

// IsAvailable reports whether a listener could bind 127.0.0.1:port right now.
// The listener is closed immediately, so the answer is only a hint.
func IsAvailable(port int) bool {
	if port < 1 || port > maxPort {
		return false
	}
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// Lease is a port that was bindable at CheckedAt. It is not a reservation:
// another process may take the port before the child binds it.
type Lease struct {
	Port      int
	CheckedAt time.Time
}

// Recheck reports whether the leased port is still bindable.
func (l Lease) Recheck() bool {
	return IsAvailable(l.Port)
}

// =============================================================================
// OWNER LOOKUP
// =============================================================================

// OwnerFinder locates the processes listening on a port and terminates them.
// The OS-specific implementation is returned by SystemOwners.
type OwnerFinder interface {
	// Owners returns the PIDs holding port. An empty result is not an error.
	Owners(ctx context.Context, port int) ([]int, error)
	// Terminate asks the process to exit.
	Terminate(pid int) error
}

// =============================================================================
// NEGOTIATOR
// =============================================================================

// Options configures a Negotiator.
type Options struct {
	// Reclaim terminates the owner of a busy preferred port before scanning.
	Reclaim bool
	// ReclaimWait defaults to DefaultReclaimWait.
	ReclaimWait time.Duration
	// Owners defaults to SystemOwners().
	Owners OwnerFinder
	// Check defaults to IsAvailable.
	Check func(port int) bool
	Logger *slog.Logger
}

// Negotiator picks ports for child processes.
type Negotiator struct {
	reclaim     bool
	reclaimWait time.Duration
	owners      OwnerFinder
	check       func(int) bool
	log         *slog.Logger
	selfPID     int
}

// NewNegotiator creates a negotiator from opts.
func NewNegotiator(opts Options) *Negotiator {
	n := &Negotiator{
		reclaim:     opts.Reclaim,
		reclaimWait: opts.ReclaimWait,
		owners:      opts.Owners,
		check:       opts.Check,
		log:         logging.OrDiscard(opts.Logger),
		selfPID:     os.Getpid(),
	}
	if n.reclaimWait <= 0 {
		n.reclaimWait = DefaultReclaimWait
	}
	if n.owners == nil {
		n.owners = SystemOwners()
	}
	if n.check == nil {
		n.check = IsAvailable
	}
	return n
}

// FindAvailable returns preferred if it can be bound (possibly after
// reclaiming it), otherwise the first bindable port in
// preferred+1 .. preferred+maxAttempts. Candidates below MinPort or above
// 65535 are skipped but still count against maxAttempts.
func (n *Negotiator) FindAvailable(ctx context.Context, preferred, maxAttempts int) (Lease, error) {
	if n.check(preferred) {
		return n.lease(preferred), nil
	}

	if n.reclaim && preferred >= MinPort {
		if n.reclaimPort(ctx, preferred) && n.check(preferred) {
			n.log.Info("reclaimed preferred port", "port", preferred)
			return n.lease(preferred), nil
		}
	}

	for i := 1; i <= maxAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return Lease{}, err
		}
		port := preferred + i
		if port < MinPort || port > maxPort {
			continue
		}
		if n.check(port) {
			n.log.Debug("preferred port busy, using alternative", "preferred", preferred, "port", port)
			return n.lease(port), nil
		}
	}

	return Lease{}, fmt.Errorf("%w: tried %d and %d ports above it", ErrExhausted, preferred, maxAttempts)
}

func (n *Negotiator) lease(port int) Lease {
	return Lease{Port: port, CheckedAt: time.Now()}
}

// reclaimPort terminates the owners of port and waits for them to let go.
// It reports whether anything was terminated.
func (n *Negotiator) reclaimPort(ctx context.Context, port int) bool {
	pids, err := n.owners.Owners(ctx, port)
	if err != nil {
		n.log.Debug("port owner lookup failed", "port", port, "error", err)
		return false
	}

	killed := 0
	for _, pid := range pids {
		if pid <= 0 || pid == n.selfPID {
			continue
		}
		if err := n.owners.Terminate(pid); err != nil {
			n.log.Warn("failed to terminate port owner", "port", port, "pid", pid, "error", err)
			continue
		}
		n.log.Info("terminated port owner", "port", port, "pid", pid)
		killed++
	}
	if killed == 0 {
		return false
	}

	timer := time.NewTimer(n.reclaimWait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	}
	return true
}
