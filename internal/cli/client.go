// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jeranaias/baissd/internal/relay"
	"github.com/jeranaias/baissd/internal/server"
	"github.com/jeranaias/baissd/internal/storage"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrDaemonNotRunning is returned when nothing answers at the API address.
var ErrDaemonNotRunning = errors.New("baissd is not running (start it with 'baissd serve')")

// APIError is an error reply from the local API.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.StatusCode)
}

// StreamError is an "error" event of a chat or index stream.
type StreamError struct {
	Kind    string
	Message string
}

func (e *StreamError) Error() string {
	if e.Kind == "" {
		return e.Message
	}
	return e.Kind + ": " + e.Message
}

// =============================================================================
// CLIENT
// =============================================================================

// Client talks to a running baissd over its local HTTP API.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for addr, either host:port or a full URL.
func NewClient(addr string) *Client {
	base := strings.TrimRight(addr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	// No client timeout: chats stream for as long as the model talks.
	return &Client{base: base, http: &http.Client{}}
}

// Health returns GET /health.
func (c *Client) Health(ctx context.Context) (*server.HealthResponse, error) {
	var out server.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status returns GET /v1/status.
func (c *Client) Status(ctx context.Context) (*server.StatusResponse, error) {
	var out server.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/v1/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RestartSidecar asks the daemon to relaunch the sidecar.
func (c *Client) RestartSidecar(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/sidecar/restart", nil, nil)
}

// Conversations lists stored conversations, filtered by query when set.
func (c *Client) Conversations(ctx context.Context, query string, limit int) ([]storage.ConversationMeta, error) {
	v := url.Values{}
	if query != "" {
		v.Set("q", query)
	}
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/conversations"
	if len(v) > 0 {
		path += "?" + v.Encode()
	}
	var out struct {
		Conversations []storage.ConversationMeta `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// ExportConversation returns a conversation rendered as markdown.
func (c *Client) ExportConversation(ctx context.Context, id string) (string, error) {
	resp, err := c.send(ctx, http.MethodGet, "/v1/conversations/"+url.PathEscape(id)+"/export", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	return string(data), err
}

// ChatResult is the outcome of a completed chat.
type ChatResult struct {
	SessionID      string            `json:"session_id"`
	ConversationID string            `json:"conversation_id,omitempty"`
	MessageID      string            `json:"message_id,omitempty"`
	Text           string            `json:"text"`
	Paths          []relay.PathScore `json:"paths"`
}

// Chat streams a chat. onText receives every text delta as it arrives.
func (c *Client) Chat(ctx context.Context, req server.ChatRequest, onText func(string)) (*ChatResult, error) {
	req.Stream = nil
	resp, err := c.send(ctx, http.MethodPost, "/v1/chat", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var (
		res  ChatResult
		text strings.Builder
		done bool
	)
	err = readEvents(resp.Body, func(ev StreamEvent) error {
		switch ev.Event {
		case "session":
			res.SessionID = ev.ID
			res.ConversationID = ev.ConversationID
		case "text":
			text.WriteString(ev.Text)
			if onText != nil {
				onText(ev.Text)
			}
		case "paths":
			res.Paths = ev.Paths
		case "end":
			done = true
			res.MessageID = ev.MessageID
		case "error":
			done = true
			return &StreamError{Kind: ev.Kind, Message: ev.Error}
		}
		return nil
	})
	res.Text = text.String()
	if err != nil {
		return &res, err
	}
	if !done {
		return &res, errors.New("chat stream ended unexpectedly")
	}
	return &res, nil
}

// Index runs an indexing job, reporting status messages to progress.
func (c *Client) Index(ctx context.Context, req server.IndexRequest, progress func(string)) error {
	req.Stream = true
	resp, err := c.send(ctx, http.MethodPost, "/v1/index", req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	done := false
	err = readEvents(resp.Body, func(ev StreamEvent) error {
		switch ev.Event {
		case "progress":
			if progress != nil {
				progress(ev.Message)
			}
		case "end":
			done = true
		case "error":
			return &StreamError{Kind: ev.Kind, Message: ev.Error}
		}
		return nil
	})
	if err == nil && !done {
		err = errors.New("index stream ended unexpectedly")
	}
	return err
}

// do sends a JSON request and decodes a JSON reply into out (if non-nil).
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("invalid response from %s: %w", path, err)
	}
	return nil
}

// send performs a request and turns error replies into *APIError.
func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrDaemonNotRunning, err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var er server.ErrorResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&er); err == nil && er.Error.Message != "" {
			apiErr.Type = er.Error.Type
			apiErr.Message = er.Error.Message
		}
		return nil, apiErr
	}
	return resp, nil
}

// =============================================================================
// SERVER-SENT EVENTS
// =============================================================================

// StreamEvent is one server-sent event of a chat or index stream. Only the
// fields of its event type are set.
type StreamEvent struct {
	Event          string            `json:"-"`
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	MessageID      string            `json:"message_id"`
	Text           string            `json:"text"`
	Paths          []relay.PathScore `json:"paths"`
	OK             bool              `json:"ok"`
	Error          string            `json:"error"`
	Kind           string            `json:"kind"`
	Message        string            `json:"message"`
}

// readEvents parses a text/event-stream body, calling fn per event until the
// body ends or fn returns an error.
func readEvents(r io.Reader, fn func(StreamEvent) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var (
		event string
		data  strings.Builder
	)
	flush := func() error {
		defer func() {
			event = ""
			data.Reset()
		}()
		if data.Len() == 0 {
			return nil
		}
		var ev StreamEvent
		if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
			return fmt.Errorf("malformed event %q: %w", event, err)
		}
		ev.Event = event
		if ev.Event == "" {
			ev.Event = "message"
		}
		return fn(ev)
	}

	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
			// comment
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return flush()
}

// requestTimeout bounds the short control requests of the CLI.
const requestTimeout = 10 * time.Second
