// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package supervisor

import (
	"errors"
	"fmt"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ErrorKind categorizes supervisor errors for handling.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindPortExhausted means no port could be negotiated for the role.
	KindPortExhausted
	// KindLaunchFailed means the process could not be spawned.
	KindLaunchFailed
	// KindStopTimeout means the process outlived both the grace period and
	// the force-kill wait.
	KindStopTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindPortExhausted:
		return "port exhausted"
	case KindLaunchFailed:
		return "launch failed"
	case KindStopTimeout:
		return "stop timeout"
	default:
		return "unknown"
	}
}

// Error is returned by Launch and Stop.
type Error struct {
	Kind    ErrorKind
	Role    Role
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s", e.Role, e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches the kind sentinels so callers can write errors.Is(err, ErrLaunchFailed).
func (e *Error) Is(target error) bool {
	switch target {
	case ErrLaunchFailed:
		return e.Kind == KindLaunchFailed
	case ErrPortExhausted:
		return e.Kind == KindPortExhausted
	case ErrStopTimeout:
		return e.Kind == KindStopTimeout
	}
	return false
}

// Sentinel errors for easy checking.
var (
	ErrLaunchFailed  = errors.New("launch failed")
	ErrPortExhausted = errors.New("port exhausted")
	ErrStopTimeout   = errors.New("process did not exit")
	// ErrProcessCrashed is logged when a process that exited outside Stop
	// is purged from the supervisor.
	ErrProcessCrashed = errors.New("process crashed")
)

// IsLaunchFailed checks if an error is a launch failure.
func IsLaunchFailed(err error) bool {
	return errors.Is(err, ErrLaunchFailed)
}

// IsPortExhausted checks if an error is a port negotiation failure.
func IsPortExhausted(err error) bool {
	return errors.Is(err, ErrPortExhausted)
}
