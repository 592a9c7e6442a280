// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes relay failures.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindSocketSetup means the socket could not be opened or the request
	// could not be sent. No content was delivered.
	KindSocketSetup
	// KindStream means the stream broke or the server reported an error
	// after the request was sent.
	KindStream
	// KindCancelled means the caller's context ended the stream.
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindSocketSetup:
		return "socket setup failed"
	case KindStream:
		return "stream failed"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is carried by Failed events and returned by Session.Wait.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
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

// ErrProtocolDecode wraps frames that could not be decoded. Such frames are
// logged and skipped, never surfaced as events.
var ErrProtocolDecode = errors.New("malformed frame")

// IsKind reports whether err is a relay *Error of kind k.
func IsKind(err error, k ErrorKind) bool {
	var re *Error
	return errors.As(err, &re) && re.Kind == k
}

func setupError(msg string, cause error) *Error {
	return &Error{Kind: KindSocketSetup, Message: msg, Cause: cause}
}

func streamError(format string, args ...any) *Error {
	return &Error{Kind: KindStream, Message: fmt.Sprintf(format, args...)}
}
