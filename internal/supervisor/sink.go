// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package supervisor

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
)

// errorMarkers classify a process output line as an error.
var errorMarkers = []string{"ERROR", "Traceback", "Exception"}

// classifyLine returns the log level for one line of child output.
func classifyLine(line string) slog.Level {
	for _, m := range errorMarkers {
		if strings.Contains(line, m) {
			return slog.LevelError
		}
	}
	return slog.LevelInfo
}

// maxLineBytes bounds a buffered partial line so a child that never writes a
// newline cannot grow memory without limit.
const maxLineBytes = 64 * 1024

// lineSink is the io.Writer attached to a child's stdout or stderr. It splits
// the stream into lines, logs each one and keeps the most recent lines.
type lineSink struct {
	log    *slog.Logger
	stream string
	tail   *tailBuffer

	mu  sync.Mutex
	buf []byte
}

func newLineSink(log *slog.Logger, stream string, tail *tailBuffer) *lineSink {
	return &lineSink{log: log, stream: stream, tail: tail}
}

func (s *lineSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf = append(s.buf, p...)
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			break
		}
		s.emit(string(s.buf[:i]))
		s.buf = s.buf[i+1:]
	}
	if len(s.buf) > maxLineBytes {
		s.emit(string(s.buf))
		s.buf = nil
	}
	return len(p), nil
}

// Flush emits any trailing partial line.
func (s *lineSink) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) > 0 {
		s.emit(string(s.buf))
		s.buf = nil
	}
}

func (s *lineSink) emit(line string) {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return
	}
	if s.tail != nil {
		s.tail.Add(line)
	}
	s.log.Log(context.Background(), classifyLine(line), line, "stream", s.stream)
}

// tailBuffer keeps the last n lines written to it.
type tailBuffer struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

func newTailBuffer(n int) *tailBuffer {
	if n <= 0 {
		n = 1
	}
	return &tailBuffer{lines: make([]string, n)}
}

func (t *tailBuffer) Add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines[t.next] = line
	t.next = (t.next + 1) % len(t.lines)
	if t.next == 0 {
		t.full = true
	}
}

// Lines returns the buffered lines oldest first.
func (t *tailBuffer) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.full {
		return append([]string(nil), t.lines[:t.next]...)
	}
	out := make([]string, 0, len(t.lines))
	out = append(out, t.lines[t.next:]...)
	return append(out, t.lines[:t.next]...)
}
