// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

// EventKind tags a ChunkEvent.
type EventKind int

const (
	EventTextDelta EventKind = iota
	EventPathScores
	EventCodeExecStatus
	EventCompleted
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventTextDelta:
		return "text"
	case EventPathScores:
		return "paths"
	case EventCodeExecStatus:
		return "code_exec"
	case EventCompleted:
		return "end"
	case EventFailed:
		return "error"
	default:
		return "unknown"
	}
}

// PathScore is a retrieved source document and its relevance score.
type PathScore struct {
	Path  string  `json:"path"`
	Score float64 `json:"score"`
}

// ChunkEvent is one item of a chat stream. Only the fields matching Kind
// are set.
//
// A stream is zero or more TextDelta, PathScores and CodeExecStatus events
// followed by exactly one Completed or Failed event.
type ChunkEvent struct {
	Kind EventKind

	// Text is set for EventTextDelta.
	Text string
	// Paths is set for EventPathScores.
	Paths []PathScore
	// CodeExecOK and CodeExecError are set for EventCodeExecStatus.
	CodeExecOK    bool
	CodeExecError string
	// Err is set for EventFailed and is usually a *Error.
	Err error
}

// Terminal reports whether no event can follow e.
func (e ChunkEvent) Terminal() bool {
	return e.Kind == EventCompleted || e.Kind == EventFailed
}

// TextDelta returns a text event.
func TextDelta(text string) ChunkEvent {
	return ChunkEvent{Kind: EventTextDelta, Text: text}
}

// PathScores returns a retrieval-sources event.
func PathScores(paths []PathScore) ChunkEvent {
	return ChunkEvent{Kind: EventPathScores, Paths: paths}
}

// CodeExecStatus returns a code-execution outcome event.
func CodeExecStatus(ok bool, errMsg string) ChunkEvent {
	return ChunkEvent{Kind: EventCodeExecStatus, CodeExecOK: ok, CodeExecError: errMsg}
}

// Completed returns the successful terminal event.
func Completed() ChunkEvent {
	return ChunkEvent{Kind: EventCompleted}
}

// Failed returns the failing terminal event.
func Failed(err error) ChunkEvent {
	return ChunkEvent{Kind: EventFailed, Err: err}
}
