// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package relay streams chat completions from the sidecar's websocket and
// turns its frames into an ordered, cancellable sequence of typed events.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jeranaias/baissd/internal/logging"
	"github.com/jeranaias/baissd/internal/sidecar"
	"github.com/jeranaias/baissd/internal/supervisor"
)

// =============================================================================
// DEPENDENCIES
// =============================================================================

// Conn is the subset of *websocket.Conn the relay uses.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// DialFunc opens a socket to url.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// ServerLocator resolves the URL of a supervised inference server.
// *supervisor.Supervisor implements it.
type ServerLocator interface {
	URL(role supervisor.Role) (string, bool)
}

// TargetSource returns the sidecar address at the time of the call.
// *sidecar.Endpoint implements it.
type TargetSource interface {
	Current() sidecar.Target
}

// =============================================================================
// RELAY
// =============================================================================

// Defaults applied by New for zero Options fields.
const (
	DefaultDialTimeout          = 5 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultEventBuffer          = 64
	DefaultFallbackChatURL      = "http://127.0.0.1:8080"
	DefaultFallbackEmbeddingURL = "http://127.0.0.1:8081"
)

// Options configures a Relay.
type Options struct {
	Servers ServerLocator
	Target  TargetSource

	// FallbackChatURL is sent when no chat server is running.
	FallbackChatURL string
	// FallbackEmbeddingURL is sent when no embedding server is running.
	FallbackEmbeddingURL string

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// LegacyCompletion ends a stream on a wrapped frame with success=false
	// whose message mentions "complete".
	LegacyCompletion bool
	// MaxFrameBytes caps one inbound frame (0 = no limit).
	MaxFrameBytes int64
	// EventBuffer is the capacity of each session's event channel.
	EventBuffer int

	// Dial defaults to a gorilla websocket dialer.
	Dial   DialFunc
	Logger *slog.Logger
}

// Relay opens chat and tree-indexing sessions against the sidecar.
type Relay struct {
	opts Options
	log  *slog.Logger
}

// New creates a Relay.
func New(opts Options) *Relay {
	if opts.FallbackChatURL == "" {
		opts.FallbackChatURL = DefaultFallbackChatURL
	}
	if opts.FallbackEmbeddingURL == "" {
		opts.FallbackEmbeddingURL = DefaultFallbackEmbeddingURL
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultEventBuffer
	}
	r := &Relay{opts: opts, log: logging.OrDiscard(opts.Logger)}
	if r.opts.Dial == nil {
		r.opts.Dial = r.dialWebsocket
	}
	return r
}

func (r *Relay) dialWebsocket(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: r.opts.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if r.opts.MaxFrameBytes > 0 {
		conn.SetReadLimit(r.opts.MaxFrameBytes)
	}
	return conn, nil
}

// serverURL resolves role through the locator, falling back to fallback.
func (r *Relay) serverURL(role supervisor.Role, fallback string) string {
	if r.opts.Servers != nil {
		if url, ok := r.opts.Servers.URL(role); ok {
			return url
		}
	}
	return fallback
}

// target snapshots the sidecar address.
func (r *Relay) target() sidecar.Target {
	if r.opts.Target == nil {
		return sidecar.Target{}
	}
	return r.opts.Target.Current()
}

// =============================================================================
// SOCKET
// =============================================================================

// cancelFrame is sent best-effort when the caller cancels a stream.
var cancelFrame = []byte(`{"action":"cancel","message":"Operation cancelled by client"}`)

// socket wraps one connection with the write deadline, the cancellation
// watcher and the single cleanup path every stream shares.
type socket struct {
	conn         Conn
	writeTimeout time.Duration
	log          *slog.Logger

	closeOnce sync.Once
	stopWatch chan struct{}
}

// open dials url and sends payload. On failure the connection, if any, is
// already closed and the error is a KindSocketSetup *Error.
func (r *Relay) open(ctx context.Context, url string, payload any, log *slog.Logger) (*socket, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, setupError("failed to encode request", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, r.opts.DialTimeout)
	conn, err := r.opts.Dial(dialCtx, url)
	cancel()
	if err != nil {
		return nil, setupError("failed to connect to "+url, err)
	}

	s := &socket{
		conn:         conn,
		writeTimeout: r.opts.WriteTimeout,
		log:          log,
		stopWatch:    make(chan struct{}),
	}
	if err := s.write(body); err != nil {
		s.close(false)
		return nil, setupError("failed to send request", err)
	}
	return s, nil
}

func (s *socket) write(data []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// netConner is implemented by *websocket.Conn.
type netConner interface {
	NetConn() net.Conn
}

// watch interrupts a blocked read as soon as ctx is done. A websocket
// connection's read deadline may only be set by its reader, so the deadline
// goes to the underlying network connection instead.
func (s *socket) watch(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			s.interrupt()
		case <-s.stopWatch:
		}
	}()
}

func (s *socket) interrupt() {
	if nc, ok := s.conn.(netConner); ok && nc.NetConn() != nil {
		_ = nc.NetConn().SetReadDeadline(time.Now())
		return
	}
	_ = s.conn.SetReadDeadline(time.Now())
}

// sendCancel tells the server the client gave up. Errors are ignored.
func (s *socket) sendCancel() {
	if err := s.write(cancelFrame); err != nil {
		s.log.Debug("failed to send cancel frame", "error", err)
	}
}

// close releases the connection exactly once. A graceful close sends a
// close frame first.
func (s *socket) close(graceful bool) {
	s.closeOnce.Do(func() {
		close(s.stopWatch)
		if graceful {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			_ = s.conn.WriteMessage(websocket.CloseMessage, msg)
		}
		if err := s.conn.Close(); err != nil {
			s.log.Debug("error closing socket", "error", err)
		}
	})
}

// isNormalClose reports whether err is the server closing the socket
// normally, which ends a stream successfully.
func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure)
}
