// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/baissd/internal/sidecar"
	"github.com/jeranaias/baissd/internal/supervisor"
)

// Message is one turn of conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the input of StreamChat.
type ChatRequest struct {
	// Message is appended to History as a user turn when non-empty.
	Message   string
	History   []Message
	FilePaths []string
}

// chatPayload is the first frame sent on the chat socket.
type chatPayload struct {
	Messages     []Message `json:"messages"`
	URL          string    `json:"url"`
	EmbeddingURL string    `json:"embedding_url"`
	Paths        []string  `json:"paths"`
}

func (r *Relay) buildPayload(req ChatRequest) chatPayload {
	msgs := make([]Message, 0, len(req.History)+1)
	msgs = append(msgs, req.History...)
	if req.Message != "" {
		msgs = append(msgs, Message{Role: "user", Content: req.Message})
	}
	paths := req.FilePaths
	if paths == nil {
		paths = []string{}
	}
	return chatPayload{
		Messages:     msgs,
		URL:          r.serverURL(supervisor.RoleChat, r.opts.FallbackChatURL),
		EmbeddingURL: r.serverURL(supervisor.RoleEmbedding, r.opts.FallbackEmbeddingURL),
		Paths:        paths,
	}
}

// =============================================================================
// SESSION
// =============================================================================

// Session is one chat stream. It is created by StreamChat and never shared
// between requests.
//
// Callers must either drain Events until it is closed or cancel the context
// passed to StreamChat.
type Session struct {
	// ID identifies the session in logs and in the status API.
	ID string
	// Target is the sidecar address the session was opened against.
	Target    sidecar.Target
	StartedAt time.Time

	events chan ChunkEvent
	done   chan struct{}
	log    *slog.Logger

	mu        sync.Mutex
	text      strings.Builder
	lastPaths []PathScore
	err       error
}

// Events returns the stream. It is closed after the terminal event.
func (s *Session) Events() <-chan ChunkEvent {
	return s.events
}

// Done is closed when the session has finished and released its socket.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session finishes. It returns nil when the stream
// completed and the failure otherwise.
func (s *Session) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Text returns all text received so far.
func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String()
}

// LastPaths returns the most recent retrieval sources received.
func (s *Session) LastPaths() []PathScore {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PathScore(nil), s.lastPaths...)
}

// record applies a non-terminal event to the session state.
func (s *Session) record(ev ChunkEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch ev.Kind {
	case EventTextDelta:
		s.text.WriteString(ev.Text)
	case EventPathScores:
		s.lastPaths = append([]PathScore(nil), ev.Paths...)
	}
}

// deliver sends a non-terminal event. It returns false when ctx ended first.
func (s *Session) deliver(ctx context.Context, ev ChunkEvent) bool {
	s.record(ev)
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// finish sends the terminal event and closes the stream. Once ctx is done
// nobody may be reading, so a full buffer gives up its oldest event to make
// room for the terminal one.
func (s *Session) finish(ctx context.Context, ev ChunkEvent) {
	if ev.Kind == EventFailed {
		s.mu.Lock()
		s.err = ev.Err
		s.mu.Unlock()
	}

	select {
	case s.events <- ev:
	case <-ctx.Done():
		s.sendTerminal(ev)
	}
	close(s.events)
	close(s.done)
}

// sendTerminal queues ev without blocking. The session goroutine is the only
// sender and the buffer holds at least one event, so a freed slot stays free.
func (s *Session) sendTerminal(ev ChunkEvent) {
	for {
		select {
		case s.events <- ev:
			return
		default:
		}
		select {
		case dropped := <-s.events:
			s.log.Debug("dropping buffered event for terminal", "kind", dropped.Kind.String())
		default:
		}
	}
}

// =============================================================================
// STREAMING
// =============================================================================

// StreamChat opens a chat session. The sidecar address and the inference
// server URLs are resolved now; a later sidecar restart does not affect
// this session. Failures arrive as a Failed event, never as a return value.
func (r *Relay) StreamChat(ctx context.Context, req ChatRequest) *Session {
	s := &Session{
		ID:        uuid.NewString(),
		Target:    r.target(),
		StartedAt: time.Now(),
		events:    make(chan ChunkEvent, max(r.opts.EventBuffer, 1)),
		done:      make(chan struct{}),
	}
	s.log = r.log.With("session", s.ID)

	payload := r.buildPayload(req)
	go r.run(ctx, s, payload)
	return s
}

func (r *Relay) run(ctx context.Context, s *Session, payload chatPayload) {
	if s.Target.IsZero() {
		s.finish(ctx, Failed(setupError("sidecar address unknown", nil)))
		return
	}

	url := s.Target.ChatSocketURL()
	s.log.Debug("opening chat stream", "url", url, "messages", len(payload.Messages), "paths", len(payload.Paths))

	sock, err := r.open(ctx, url, payload, s.log)
	if err != nil {
		s.log.Warn("chat stream setup failed", "error", err)
		s.finish(ctx, Failed(err))
		return
	}
	sock.watch(ctx)

	terminal, graceful := r.receive(ctx, s, sock)
	if terminal.Kind == EventFailed && IsKind(terminal.Err, KindCancelled) {
		sock.sendCancel()
	}
	sock.close(graceful)

	switch terminal.Kind {
	case EventCompleted:
		s.log.Debug("chat stream completed", "elapsed", time.Since(s.StartedAt))
	default:
		s.log.Warn("chat stream failed", "error", terminal.Err)
	}
	s.finish(ctx, terminal)
}

// receive reads frames until the stream ends. It returns the terminal event
// and whether the socket is still open for a graceful close.
func (r *Relay) receive(ctx context.Context, s *Session, sock *socket) (ChunkEvent, bool) {
	cancelled := func() (ChunkEvent, bool) {
		return Failed(&Error{Kind: KindCancelled, Cause: ctx.Err()}), false
	}

	for {
		_, data, err := sock.conn.ReadMessage()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return cancelled()
			case isNormalClose(err):
				return Completed(), false
			default:
				return Failed(&Error{Kind: KindStream, Message: "receive failed", Cause: err}), false
			}
		}

		frame, err := decodeFrame(data, r.opts.LegacyCompletion)
		if err != nil {
			s.log.Warn("skipping frame", "error", err, "bytes", len(data))
			continue
		}

		for _, ev := range frame.events {
			if !s.deliver(ctx, ev) {
				return cancelled()
			}
		}
		if frame.terminal != nil {
			return *frame.terminal, true
		}
	}
}

// Collect drains a session and returns the full text. It is a convenience
// for callers that do not render incrementally.
func Collect(s *Session) (string, []PathScore, error) {
	for range s.Events() {
	}
	err := s.Wait()
	return s.Text(), s.LastPaths(), err
}
