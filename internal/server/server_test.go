// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/baissd/internal/config"
	"github.com/jeranaias/baissd/internal/daemon"
	"github.com/jeranaias/baissd/internal/health"
	"github.com/jeranaias/baissd/internal/relay"
	"github.com/jeranaias/baissd/internal/sidecar"
	"github.com/jeranaias/baissd/internal/storage"
	"github.com/jeranaias/baissd/internal/supervisor"
)

// =============================================================================
// FAKES
// =============================================================================

type fakeDaemon struct {
	status     daemon.Status
	restartErr error
	restarts   int
}

func (d *fakeDaemon) Status() daemon.Status { return d.status }

func (d *fakeDaemon) RestartSidecar(ctx context.Context) error {
	d.restarts++
	return d.restartErr
}

type fakeModels struct {
	models    map[string]sidecar.LocalModel
	err       error
	started   []string
	stopped   []string
	cancelled int
	updated   int
}

func (m *fakeModels) ListModels(ctx context.Context) (map[string]sidecar.LocalModel, error) {
	return m.models, m.err
}

func (m *fakeModels) StartModel(ctx context.Context, modelID string) (*sidecar.DownloadStarted, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.started = append(m.started, modelID)
	return &sidecar.DownloadStarted{ModelID: modelID, ProcessID: "proc-1"}, nil
}

func (m *fakeModels) StopModel(ctx context.Context, processID string) (*sidecar.DownloadStopped, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.stopped = append(m.stopped, processID)
	return &sidecar.DownloadStopped{ProcessID: processID, Stopped: true}, nil
}

func (m *fakeModels) Progress(ctx context.Context, processID string) (*sidecar.DownloadProgress, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &sidecar.DownloadProgress{ProcessID: processID, Percentage: 42.5, Status: "downloading"}, nil
}

func (m *fakeModels) Update(ctx context.Context) error {
	m.updated++
	return m.err
}

func (m *fakeModels) CancelTree(ctx context.Context) error {
	m.cancelled++
	return m.err
}

// =============================================================================
// HELPERS
// =============================================================================

const (
	textFrame  = `{"success":true,"response":{"choices":[{"messages":[{"content":[{"type":"text","text":"%s"}]}]}]}}`
	pathsFrame = `{"success":true,"response":{"choices":[{"paths":[{"path":"/docs/a.md","score":0.9},{"path":"/docs/b.md","score":0.4}]}]}}`
	endFrame   = `{"event":"end"}`
)

// fakeSidecar serves the chat and tree sockets. Every first frame a client
// sends is published on the returned channel.
func fakeSidecar(t *testing.T, frames ...string) (*relay.Relay, <-chan []byte) {
	t.Helper()
	return slowSidecar(t, 0, frames...)
}

// slowSidecar is fakeSidecar waiting delay before it answers.
func slowSidecar(t *testing.T, delay time.Duration, frames ...string) (*relay.Relay, <-chan []byte) {
	t.Helper()
	payloads := make(chan []byte, 8)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		payloads <- data
		time.Sleep(delay)
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		// Wait for the client to close.
		_, _, _ = conn.ReadMessage()
	}))
	t.Cleanup(srv.Close)

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, _ := strconv.Atoi(portStr)
	return relay.New(relay.Options{Target: sidecar.NewEndpoint(sidecar.NewTarget(host, port))}), payloads
}

// deadRelay points at a port nothing listens on.
func deadRelay(t *testing.T) *relay.Relay {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return relay.New(relay.Options{
		Target:      sidecar.NewEndpoint(sidecar.NewTarget("127.0.0.1", port)),
		DialTimeout: time.Second,
	})
}

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "baiss.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(New(opts).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

type sseEvent struct {
	Event string
	Data  map[string]any
}

func readSSE(t *testing.T, r io.Reader) []sseEvent {
	t.Helper()
	var (
		events []sseEvent
		cur    sseEvent
	)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &cur.Data))
		case line == "":
			if cur.Event != "" {
				events = append(events, cur)
			}
			cur = sseEvent{}
		}
	}
	require.NoError(t, sc.Err())
	return events
}

func eventNames(events []sseEvent) []string {
	names := make([]string, len(events))
	for i, e := range events {
		names[i] = e.Event
	}
	return names
}

// =============================================================================
// STATUS TESTS
// =============================================================================

func TestHealth(t *testing.T) {
	d := &fakeDaemon{status: daemon.Status{Health: health.Stats{Healthy: true}}}
	srv := newTestServer(t, Options{Daemon: d, Version: "1.2.3"})

	resp := do(t, http.MethodGet, srv.URL+"/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body HealthResponse
	decodeJSON(t, resp, &body)
	assert.Equal(t, HealthResponse{Status: "ok", SidecarHealthy: true, Version: "1.2.3"}, body)
}

func TestHealth_Degraded(t *testing.T) {
	d := &fakeDaemon{status: daemon.Status{
		Health:   health.Stats{Healthy: true},
		Degraded: map[string]string{"chat": "not configured"},
	}}
	srv := newTestServer(t, Options{Daemon: d})

	var body HealthResponse
	decodeJSON(t, do(t, http.MethodGet, srv.URL+"/health", ""), &body)
	assert.Equal(t, "degraded", body.Status)
}

func TestStatus(t *testing.T) {
	d := &fakeDaemon{status: daemon.Status{
		Sidecar: "127.0.0.1:9911",
		Servers: []supervisor.ServerHandle{{Role: supervisor.RoleSidecar, PID: 42, Host: "127.0.0.1", Port: 9911}},
	}}
	srv := newTestServer(t, Options{Daemon: d, Version: "1.2.3"})

	resp := do(t, http.MethodGet, srv.URL+"/v1/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body map[string]any
	decodeJSON(t, resp, &body)
	assert.Equal(t, "1.2.3", body["version"])
	assert.Equal(t, "127.0.0.1:9911", body["sidecar"])
	require.Len(t, body["servers"], 1)
}

func TestServers_EmptyIsArray(t *testing.T) {
	srv := newTestServer(t, Options{Daemon: &fakeDaemon{}})

	var body struct {
		Servers []supervisor.ServerHandle `json:"servers"`
	}
	resp := do(t, http.MethodGet, srv.URL+"/v1/servers", "")
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"servers":[]`)
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Empty(t, body.Servers)
}

func TestStatus_NoDaemon(t *testing.T) {
	srv := newTestServer(t, Options{})

	resp := do(t, http.MethodGet, srv.URL+"/v1/status", "")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var body ErrorResponse
	decodeJSON(t, resp, &body)
	assert.Equal(t, "upstream_error", body.Error.Type)
	assert.Equal(t, http.StatusServiceUnavailable, body.Error.Code)
}

func TestRestartSidecar(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"ok", nil, http.StatusOK},
		{"not launchable", fmt.Errorf("sidecar restart: %w", config.ErrNoSidecar), http.StatusConflict},
		{"external sidecar", fmt.Errorf("sidecar restart: %w", daemon.ErrSidecarNotManaged), http.StatusConflict},
		{"launch failed", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDaemon{restartErr: tt.err}
			srv := newTestServer(t, Options{Daemon: d})

			resp := do(t, http.MethodPost, srv.URL+"/v1/sidecar/restart", "")
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, 1, d.restarts)
		})
	}
}

func TestUnknownRouteAndMethod(t *testing.T) {
	srv := newTestServer(t, Options{Daemon: &fakeDaemon{}})

	assert.Equal(t, http.StatusNotFound, do(t, http.MethodGet, srv.URL+"/v1/nope", "").StatusCode)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, http.MethodPost, srv.URL+"/v1/status", "").StatusCode)
}

// =============================================================================
// CHAT TESTS
// =============================================================================

func TestChat_StreamsAndPersists(t *testing.T) {
	rl, payloads := fakeSidecar(t,
		fmt.Sprintf(textFrame, "Hello"),
		fmt.Sprintf(textFrame, " world"),
		pathsFrame,
		endFrame,
	)
	store := openStore(t)
	srv := newTestServer(t, Options{Relay: rl, Store: store})

	resp := do(t, http.MethodPost, srv.URL+"/v1/chat", `{"message":"What is in my docs?","paths":["/docs"]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readSSE(t, resp.Body)
	require.Equal(t, []string{"session", "text", "text", "paths", "end"}, eventNames(events))
	assert.Equal(t, "Hello", events[1].Data["text"])
	assert.Equal(t, " world", events[2].Data["text"])

	convID, _ := events[0].Data["conversation_id"].(string)
	require.NotEmpty(t, convID)
	assert.NotEmpty(t, events[0].Data["id"])
	assert.Equal(t, convID, events[4].Data["conversation_id"])
	msgID, _ := events[4].Data["message_id"].(string)
	require.NotEmpty(t, msgID)

	var payload struct {
		Messages []relay.Message `json:"messages"`
		Paths    []string        `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(<-payloads, &payload))
	assert.Equal(t, []relay.Message{{Role: "user", Content: "What is in my docs?"}}, payload.Messages)
	assert.Equal(t, []string{"/docs"}, payload.Paths)

	conv, err := store.Load(context.Background(), convID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "user", conv.Messages[0].Role)
	assert.Equal(t, "assistant", conv.Messages[1].Role)
	assert.Equal(t, "Hello world", conv.Messages[1].Content)
	assert.Equal(t, "What is in my docs?", conv.Title)

	paths, err := store.MessagePaths(context.Background(), msgID)
	require.NoError(t, err)
	assert.Equal(t, []storage.PathScore{{Path: "/docs/a.md", Score: 0.9}, {Path: "/docs/b.md", Score: 0.4}}, paths)
}

func TestChat_NonStreaming(t *testing.T) {
	rl, _ := fakeSidecar(t, fmt.Sprintf(textFrame, "Hi"), pathsFrame, endFrame)
	srv := newTestServer(t, Options{Relay: rl})

	resp := do(t, http.MethodPost, srv.URL+"/v1/chat", `{"message":"hello","stream":false}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body ChatResponse
	decodeJSON(t, resp, &body)
	assert.Equal(t, "Hi", body.Text)
	assert.NotEmpty(t, body.SessionID)
	assert.Empty(t, body.ConversationID)
	assert.Empty(t, body.MessageID)
	assert.Len(t, body.Paths, 2)
}

func TestChat_ContinuesStoredConversation(t *testing.T) {
	rl, payloads := fakeSidecar(t, fmt.Sprintf(textFrame, "Second answer"), endFrame)
	store := openStore(t)
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "")
	require.NoError(t, err)
	_, err = store.AppendMessage(ctx, conv.ID, "user", "first question")
	require.NoError(t, err)
	_, err = store.AppendMessage(ctx, conv.ID, "assistant", "first answer")
	require.NoError(t, err)

	srv := newTestServer(t, Options{Relay: rl, Store: store})
	body := fmt.Sprintf(`{"message":"second question","conversation_id":%q,"stream":false}`, conv.ID)
	resp := do(t, http.MethodPost, srv.URL+"/v1/chat", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		Messages []relay.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(<-payloads, &payload))
	assert.Equal(t, []relay.Message{
		{Role: "user", Content: "first question"},
		{Role: "assistant", Content: "first answer"},
		{Role: "user", Content: "second question"},
	}, payload.Messages)

	history, err := store.History(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, history, 4)
}

func TestChat_UnknownConversation(t *testing.T) {
	rl, _ := fakeSidecar(t, endFrame)
	srv := newTestServer(t, Options{Relay: rl, Store: openStore(t)})

	resp := do(t, http.MethodPost, srv.URL+"/v1/chat", `{"message":"hi","conversation_id":"conv_missing"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChat_ConversationWithoutStorage(t *testing.T) {
	rl, _ := fakeSidecar(t, endFrame)
	srv := newTestServer(t, Options{Relay: rl})

	resp := do(t, http.MethodPost, srv.URL+"/v1/chat", `{"message":"hi","conversation_id":"conv_1"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestChat_BadRequests(t *testing.T) {
	rl, _ := fakeSidecar(t, endFrame)
	srv := newTestServer(t, Options{Relay: rl})

	tests := []struct {
		name string
		body string
		want int
	}{
		{"empty message", `{"message":"   "}`, http.StatusBadRequest},
		{"malformed json", `{"message":`, http.StatusBadRequest},
		{"too large", `{"message":"` + strings.Repeat("a", MaxRequestBodySize) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, http.MethodPost, srv.URL+"/v1/chat", tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestChat_SidecarDown(t *testing.T) {
	srv := newTestServer(t, Options{Relay: deadRelay(t)})

	t.Run("json", func(t *testing.T) {
		resp := do(t, http.MethodPost, srv.URL+"/v1/chat", `{"message":"hi","stream":false}`)
		require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		var body ErrorResponse
		decodeJSON(t, resp, &body)
		assert.Contains(t, body.Error.Message, "socket setup failed")
	})

	t.Run("stream", func(t *testing.T) {
		resp := do(t, http.MethodPost, srv.URL+"/v1/chat", `{"message":"hi"}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		events := readSSE(t, resp.Body)
		require.Equal(t, []string{"session", "error"}, eventNames(events))
		assert.Equal(t, relay.KindSocketSetup.String(), events[1].Data["kind"])
	})
}

func TestChat_ServerErrorFrame(t *testing.T) {
	rl, _ := fakeSidecar(t, fmt.Sprintf(textFrame, "partial"), `{"event":"error","error":"model crashed"}`)
	store := openStore(t)
	srv := newTestServer(t, Options{Relay: rl, Store: store})

	resp := do(t, http.MethodPost, srv.URL+"/v1/chat", `{"message":"hi"}`)
	events := readSSE(t, resp.Body)
	require.Equal(t, []string{"session", "text", "error"}, eventNames(events))
	assert.Contains(t, events[2].Data["error"], "model crashed")
	assert.Equal(t, relay.KindStream.String(), events[2].Data["kind"])

	convID := events[0].Data["conversation_id"].(string)
	history, err := store.History(context.Background(), convID)
	require.NoError(t, err)
	assert.Len(t, history, 1, "failed replies are not stored")
}

// serveWithWriteTimeout runs a Server on a real listener so the http.Server
// timeouts apply.
func serveWithWriteTimeout(t *testing.T, opts Options, timeout time.Duration) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	opts.WriteTimeout = timeout
	s := New(opts)
	go func() { _ = s.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return "http://" + ln.Addr().String()
}

func TestChat_NonStreamingOutlivesWriteTimeout(t *testing.T) {
	rl, _ := slowSidecar(t, 400*time.Millisecond, fmt.Sprintf(textFrame, "late"), endFrame)
	url := serveWithWriteTimeout(t, Options{Relay: rl}, 100*time.Millisecond)

	resp := do(t, http.MethodPost, url+"/v1/chat", `{"message":"hello","stream":false}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body ChatResponse
	decodeJSON(t, resp, &body)
	assert.Equal(t, "late", body.Text)
}

// =============================================================================
// INDEX TESTS
// =============================================================================

func TestIndex(t *testing.T) {
	rl, payloads := fakeSidecar(t,
		`{"success":true,"message":"Indexing 3 files"}`,
		`{"success":true,"message":"Indexing complete"}`,
	)
	srv := newTestServer(t, Options{Relay: rl})

	resp := do(t, http.MethodPost, srv.URL+"/v1/index", `{"paths":["/docs"],"extensions":[".md"],"url":"http://127.0.0.1:8081"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		Paths      []string `json:"paths"`
		Extensions []string `json:"extensions"`
		URL        string   `json:"url"`
	}
	require.NoError(t, json.Unmarshal(<-payloads, &payload))
	assert.Equal(t, []string{"/docs"}, payload.Paths)
	assert.Equal(t, []string{".md"}, payload.Extensions)
	assert.Equal(t, "http://127.0.0.1:8081", payload.URL)
}

func TestIndex_OutlivesWriteTimeout(t *testing.T) {
	rl, _ := slowSidecar(t, 400*time.Millisecond, `{"success":true,"message":"Indexing complete"}`)
	url := serveWithWriteTimeout(t, Options{Relay: rl}, 100*time.Millisecond)

	resp := do(t, http.MethodPost, url+"/v1/index", `{"paths":["/docs"]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]bool
	decodeJSON(t, resp, &body)
	assert.True(t, body["indexed"])
}

func TestIndex_Streams(t *testing.T) {
	rl, _ := fakeSidecar(t,
		`{"success":true,"message":"Indexing 3 files"}`,
		`{"success":true,"message":"Indexing complete"}`,
	)
	srv := newTestServer(t, Options{Relay: rl})

	resp := do(t, http.MethodPost, srv.URL+"/v1/index", `{"paths":["/docs"],"stream":true}`)
	events := readSSE(t, resp.Body)
	require.Equal(t, []string{"progress", "progress", "end"}, eventNames(events))
	assert.Equal(t, "Indexing 3 files", events[0].Data["message"])
}

func TestIndex_RequiresPaths(t *testing.T) {
	rl, _ := fakeSidecar(t)
	srv := newTestServer(t, Options{Relay: rl})

	assert.Equal(t, http.StatusBadRequest, do(t, http.MethodPost, srv.URL+"/v1/index", `{"paths":[]}`).StatusCode)
}

func TestIndex_Cancel(t *testing.T) {
	models := &fakeModels{}
	srv := newTestServer(t, Options{Models: models})

	resp := do(t, http.MethodDelete, srv.URL+"/v1/index", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, models.cancelled)
}

// =============================================================================
// MODEL TESTS
// =============================================================================

func TestModels(t *testing.T) {
	models := &fakeModels{models: map[string]sidecar.LocalModel{
		"qwen": {ModelID: "qwen", Status: "completed", Percentage: 100},
	}}
	srv := newTestServer(t, Options{Models: models})

	t.Run("list", func(t *testing.T) {
		var body struct {
			Models map[string]sidecar.LocalModel `json:"models"`
		}
		decodeJSON(t, do(t, http.MethodGet, srv.URL+"/v1/models", ""), &body)
		require.Contains(t, body.Models, "qwen")
		assert.Equal(t, "completed", body.Models["qwen"].Status)
	})

	t.Run("start", func(t *testing.T) {
		resp := do(t, http.MethodPost, srv.URL+"/v1/models/start", `{"model_id":"org/model"}`)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		var body sidecar.DownloadStarted
		decodeJSON(t, resp, &body)
		assert.Equal(t, "proc-1", body.ProcessID)
		assert.Equal(t, []string{"org/model"}, models.started)
	})

	t.Run("start requires model", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, do(t, http.MethodPost, srv.URL+"/v1/models/start", `{}`).StatusCode)
	})

	t.Run("stop", func(t *testing.T) {
		resp := do(t, http.MethodPost, srv.URL+"/v1/models/stop", `{"process_id":"proc-1"}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, []string{"proc-1"}, models.stopped)
	})

	t.Run("progress", func(t *testing.T) {
		var body sidecar.DownloadProgress
		decodeJSON(t, do(t, http.MethodGet, srv.URL+"/v1/models/progress/proc-7", ""), &body)
		assert.Equal(t, "proc-7", body.ProcessID)
		assert.InDelta(t, 42.5, body.Percentage, 0.001)
	})

	t.Run("update", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, do(t, http.MethodPost, srv.URL+"/v1/sidecar/update", "").StatusCode)
		assert.Equal(t, 1, models.updated)
	})
}

func TestModels_SidecarErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not running", sidecar.ErrNotRunning, http.StatusServiceUnavailable},
		{"rejected", &sidecar.ClientError{Type: sidecar.ErrTypeRejected, Message: "unknown model"}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, Options{Models: &fakeModels{err: tt.err}})
			assert.Equal(t, tt.want, do(t, http.MethodGet, srv.URL+"/v1/models", "").StatusCode)
		})
	}
}

func TestModels_NotConfigured(t *testing.T) {
	srv := newTestServer(t, Options{})
	assert.Equal(t, http.StatusServiceUnavailable, do(t, http.MethodGet, srv.URL+"/v1/models", "").StatusCode)
}

// =============================================================================
// CONVERSATION TESTS
// =============================================================================

func seedConversation(t *testing.T, store *storage.Store, question, answer string) (*storage.Conversation, *storage.Message) {
	t.Helper()
	ctx := context.Background()
	conv, err := store.CreateConversation(ctx, "")
	require.NoError(t, err)
	_, err = store.AppendMessage(ctx, conv.ID, "user", question)
	require.NoError(t, err)
	msg, err := store.AppendMessage(ctx, conv.ID, "assistant", answer)
	require.NoError(t, err)
	require.NoError(t, store.SavePaths(ctx, msg.ID, []storage.PathScore{{Path: "/notes/go.md", Score: 0.75}}))
	return conv, msg
}

func TestConversations(t *testing.T) {
	store := openStore(t)
	conv, msg := seedConversation(t, store, "How do goroutines work?", "They are cheap threads.")
	seedConversation(t, store, "Explain SQLite WAL", "Write-ahead logging.")
	srv := newTestServer(t, Options{Store: store})

	t.Run("list", func(t *testing.T) {
		var body struct {
			Conversations []storage.ConversationMeta `json:"conversations"`
		}
		decodeJSON(t, do(t, http.MethodGet, srv.URL+"/v1/conversations", ""), &body)
		assert.Len(t, body.Conversations, 2)
	})

	t.Run("search", func(t *testing.T) {
		var body struct {
			Conversations []storage.ConversationMeta `json:"conversations"`
		}
		decodeJSON(t, do(t, http.MethodGet, srv.URL+"/v1/conversations?q=goroutines", ""), &body)
		require.Len(t, body.Conversations, 1)
		assert.Equal(t, conv.ID, body.Conversations[0].ID)
	})

	t.Run("invalid limit", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, do(t, http.MethodGet, srv.URL+"/v1/conversations?limit=x", "").StatusCode)
	})

	t.Run("get", func(t *testing.T) {
		var body storage.Conversation
		decodeJSON(t, do(t, http.MethodGet, srv.URL+"/v1/conversations/"+conv.ID, ""), &body)
		assert.Equal(t, conv.ID, body.ID)
		require.Len(t, body.Messages, 2)
		assert.Equal(t, "They are cheap threads.", body.Messages[1].Content)
	})

	t.Run("export", func(t *testing.T) {
		resp := do(t, http.MethodGet, srv.URL+"/v1/conversations/"+conv.ID+"/export", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/markdown"))
		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(raw), "/notes/go.md")
	})

	t.Run("message paths", func(t *testing.T) {
		var body struct {
			Paths []storage.PathScore `json:"paths"`
		}
		decodeJSON(t, do(t, http.MethodGet, srv.URL+"/v1/messages/"+msg.ID+"/paths", ""), &body)
		assert.Equal(t, []storage.PathScore{{Path: "/notes/go.md", Score: 0.75}}, body.Paths)
	})

	t.Run("unknown message", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, do(t, http.MethodGet, srv.URL+"/v1/messages/msg_nope/paths", "").StatusCode)
	})

	t.Run("delete", func(t *testing.T) {
		assert.Equal(t, http.StatusNoContent, do(t, http.MethodDelete, srv.URL+"/v1/conversations/"+conv.ID, "").StatusCode)
		assert.Equal(t, http.StatusNotFound, do(t, http.MethodGet, srv.URL+"/v1/conversations/"+conv.ID, "").StatusCode)
	})
}

func TestConversations_NoStore(t *testing.T) {
	srv := newTestServer(t, Options{})

	resp := do(t, http.MethodGet, srv.URL+"/v1/conversations", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// =============================================================================
// LIFECYCLE TESTS
// =============================================================================

func TestServeAndShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := New(Options{Daemon: &fakeDaemon{}})
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.ErrorIs(t, <-errCh, http.ErrServerClosed)
}

func TestShutdown_NotStarted(t *testing.T) {
	assert.NoError(t, New(Options{}).Shutdown(context.Background()))
}
