// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/baissd/internal/config"
	"github.com/jeranaias/baissd/internal/daemon"
	"github.com/jeranaias/baissd/internal/logging"
	"github.com/jeranaias/baissd/internal/relay"
	"github.com/jeranaias/baissd/internal/sidecar"
	"github.com/jeranaias/baissd/internal/storage"
	"github.com/jeranaias/baissd/internal/supervisor"
)

// ============================================================================
// CONSTANTS
// ============================================================================

// MaxRequestBodySize limits request body size to prevent memory exhaustion.
const MaxRequestBodySize = 1 * 1024 * 1024

// streamWriteTimeout bounds each write of a streaming response. It is
// extended after every event so long answers are not cut off by the
// server-wide write timeout.
const streamWriteTimeout = 60 * time.Second

// defaultWriteTimeout bounds plain JSON responses.
const defaultWriteTimeout = 120 * time.Second

// defaultListLimit caps conversation listings without an explicit limit.
const defaultListLimit = 50

// ============================================================================
// DEPENDENCIES
// ============================================================================

// Daemon is the part of *daemon.Daemon the API reports on and controls.
type Daemon interface {
	Status() daemon.Status
	RestartSidecar(ctx context.Context) error
}

// Relay opens sidecar sessions. *relay.Relay implements it.
type Relay interface {
	StreamChat(ctx context.Context, req relay.ChatRequest) *relay.Session
	IndexTree(ctx context.Context, req relay.TreeRequest) error
}

// Models is the sidecar control plane. *sidecar.Client implements it.
type Models interface {
	ListModels(ctx context.Context) (map[string]sidecar.LocalModel, error)
	StartModel(ctx context.Context, modelID string) (*sidecar.DownloadStarted, error)
	StopModel(ctx context.Context, processID string) (*sidecar.DownloadStopped, error)
	Progress(ctx context.Context, processID string) (*sidecar.DownloadProgress, error)
	Update(ctx context.Context) error
	CancelTree(ctx context.Context) error
}

// Options configures a Server.
type Options struct {
	// Addr is the listen address, e.g. 127.0.0.1:9910.
	Addr string
	// RateLimitPerMinute is the per-client request budget (0 disables).
	RateLimitPerMinute int
	Version            string
	// WriteTimeout bounds writing a response; 0 uses 120s. Chat and index
	// responses that wait on the sidecar are exempt.
	WriteTimeout time.Duration

	Daemon Daemon
	Relay  Relay
	Models Models
	// Store persists chats when set.
	Store  *storage.Store
	Logger *slog.Logger
}

// ============================================================================
// SERVER
// ============================================================================

// Server is the local HTTP API of baissd.
type Server struct {
	opts   Options
	log    *slog.Logger
	router *http.ServeMux

	mu     sync.Mutex
	server *http.Server
}

// New creates a new API server.
func New(opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = config.DefaultAPIAddr
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	s := &Server{
		opts:   opts,
		log:    logging.OrDiscard(opts.Logger),
		router: http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("GET /v1/status", s.handleStatus)
	s.router.HandleFunc("GET /v1/servers", s.handleServers)
	s.router.HandleFunc("POST /v1/sidecar/restart", s.handleRestart)
	s.router.HandleFunc("POST /v1/sidecar/update", s.handleUpdate)

	s.router.HandleFunc("POST /v1/chat", s.handleChat)
	s.router.HandleFunc("POST /v1/index", s.handleIndex)
	s.router.HandleFunc("DELETE /v1/index", s.handleCancelIndex)

	s.router.HandleFunc("GET /v1/models", s.handleListModels)
	s.router.HandleFunc("POST /v1/models/start", s.handleStartModel)
	s.router.HandleFunc("POST /v1/models/stop", s.handleStopModel)
	s.router.HandleFunc("GET /v1/models/progress/{id}", s.handleProgress)

	s.router.HandleFunc("GET /v1/conversations", s.handleListConversations)
	s.router.HandleFunc("GET /v1/conversations/{id}", s.handleGetConversation)
	s.router.HandleFunc("GET /v1/conversations/{id}/export", s.handleExportConversation)
	s.router.HandleFunc("DELETE /v1/conversations/{id}", s.handleDeleteConversation)
	s.router.HandleFunc("GET /v1/messages/{id}/paths", s.handleMessagePaths)
}

// Handler returns the router wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mws := []func(http.Handler) http.Handler{
		RecoveryMiddleware(s.log),
		RequestIDMiddleware(),
		SecurityHeadersMiddleware(),
		LoggingMiddleware(s.log),
	}
	if s.opts.RateLimitPerMinute > 0 {
		mws = append(mws, RateLimitMiddleware(NewRateLimiter(s.opts.RateLimitPerMinute), s.log))
	}
	return Chain(mws...)(s.router)
}

// Start listens on Options.Addr and serves until Shutdown. It returns
// http.ErrServerClosed after a clean shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      s.opts.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	s.log.Info("api server listening", "addr", ln.Addr().String(), "version", s.opts.Version)
	return srv.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.log.Info("api server shutting down")
	return srv.Shutdown(ctx)
}

// ============================================================================
// STATUS HANDLERS
// ============================================================================

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status         string `json:"status"` // "ok" or "degraded"
	SidecarHealthy bool   `json:"sidecar_healthy"`
	Version        string `json:"version,omitempty"`
}

// StatusResponse is the body of GET /v1/status.
type StatusResponse struct {
	Version string `json:"version,omitempty"`
	daemon.Status
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Version: s.opts.Version}
	if s.opts.Daemon != nil {
		st := s.opts.Daemon.Status()
		resp.SidecarHealthy = st.Health.Healthy
		if len(st.Degraded) > 0 || !st.Health.Healthy {
			resp.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.opts.Daemon == nil {
		writeError(w, http.StatusServiceUnavailable, "daemon not running")
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Version: s.opts.Version, Status: s.opts.Daemon.Status()})
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	if s.opts.Daemon == nil {
		writeError(w, http.StatusServiceUnavailable, "daemon not running")
		return
	}
	servers := s.opts.Daemon.Status().Servers
	if servers == nil {
		servers = []supervisor.ServerHandle{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": servers})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if s.opts.Daemon == nil {
		writeError(w, http.StatusServiceUnavailable, "daemon not running")
		return
	}
	if err := s.opts.Daemon.RestartSidecar(r.Context()); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, config.ErrNoSidecar) || errors.Is(err, daemon.ErrSidecarNotManaged) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"restarted": true, "sidecar": s.opts.Daemon.Status().Sidecar})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if !s.requireModels(w) {
		return
	}
	if err := s.opts.Models.Update(r.Context()); err != nil {
		writeSidecarError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": true})
}

// ============================================================================
// CHAT HANDLER
// ============================================================================

// ChatRequest is the body of POST /v1/chat.
type ChatRequest struct {
	Message string          `json:"message"`
	History []relay.Message `json:"history,omitempty"`
	// Paths restricts retrieval to these files or folders.
	Paths []string `json:"paths,omitempty"`
	// ConversationID continues a stored conversation. When History is empty
	// the stored messages are sent as history.
	ConversationID string `json:"conversation_id,omitempty"`
	// Stream defaults to true (server-sent events).
	Stream *bool `json:"stream,omitempty"`
}

// ChatResponse is the body of a non-streaming chat.
type ChatResponse struct {
	SessionID      string            `json:"session_id"`
	ConversationID string            `json:"conversation_id,omitempty"`
	MessageID      string            `json:"message_id,omitempty"`
	Text           string            `json:"text"`
	Paths          []relay.PathScore `json:"paths"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.opts.Relay == nil {
		writeError(w, http.StatusServiceUnavailable, "relay not available")
		return
	}

	var req ChatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" && len(req.History) == 0 {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	convID, history, err := s.prepareConversation(r.Context(), &req)
	if err != nil {
		writeStorageError(w, err)
		return
	}

	sess := s.opts.Relay.StreamChat(r.Context(), relay.ChatRequest{
		Message:   req.Message,
		History:   history,
		FilePaths: req.Paths,
	})

	if req.Stream != nil && !*req.Stream {
		s.chatJSON(w, r, sess, convID)
		return
	}
	s.chatSSE(w, r, sess, convID)
}

// prepareConversation resolves the history to send and records the user
// turn. It returns an empty ID when chats are not persisted.
func (s *Server) prepareConversation(ctx context.Context, req *ChatRequest) (string, []relay.Message, error) {
	store := s.opts.Store
	if store == nil {
		if req.ConversationID != "" {
			return "", nil, errStorageUnavailable
		}
		return "", req.History, nil
	}

	history := req.History
	convID := req.ConversationID
	if convID == "" {
		conv, err := store.CreateConversation(ctx, "")
		if err != nil {
			return "", nil, err
		}
		convID = conv.ID
	} else if len(history) == 0 {
		stored, err := store.History(ctx, convID)
		if err != nil {
			return "", nil, err
		}
		history = make([]relay.Message, 0, len(stored))
		for _, m := range stored {
			history = append(history, relay.Message{Role: m.Role, Content: m.Content})
		}
	}

	if req.Message != "" {
		if _, err := store.AppendMessage(ctx, convID, "user", req.Message); err != nil {
			return "", nil, err
		}
	}
	return convID, history, nil
}

// persistReply stores the assistant turn of a completed session.
func (s *Server) persistReply(ctx context.Context, convID string, sess *relay.Session) string {
	if s.opts.Store == nil || convID == "" {
		return ""
	}
	// The reply is kept even if the client hangs up right after the end.
	ctx = context.WithoutCancel(ctx)

	msg, err := s.opts.Store.AppendMessage(ctx, convID, "assistant", sess.Text())
	if err != nil {
		s.log.Error("failed to store reply", "conversation", convID, "error", err)
		return ""
	}
	paths := sess.LastPaths()
	if len(paths) > 0 {
		scores := make([]storage.PathScore, len(paths))
		for i, p := range paths {
			scores[i] = storage.PathScore{Path: p.Path, Score: p.Score}
		}
		if err := s.opts.Store.SavePaths(ctx, msg.ID, scores); err != nil {
			s.log.Error("failed to store paths", "message", msg.ID, "error", err)
		}
	}
	return msg.ID
}

func (s *Server) chatJSON(w http.ResponseWriter, r *http.Request, sess *relay.Session, convID string) {
	clearWriteDeadline(w)
	text, paths, err := relay.Collect(sess)
	if err != nil {
		status := http.StatusBadGateway
		if relay.IsKind(err, relay.KindSocketSetup) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}
	if paths == nil {
		paths = []relay.PathScore{}
	}
	writeJSON(w, http.StatusOK, ChatResponse{
		SessionID:      sess.ID,
		ConversationID: convID,
		MessageID:      s.persistReply(r.Context(), convID, sess),
		Text:           text,
		Paths:          paths,
	})
}

func (s *Server) chatSSE(w http.ResponseWriter, r *http.Request, sess *relay.Session, convID string) {
	sse := newSSEWriter(w)
	if err := sse.send("session", map[string]string{"id": sess.ID, "conversation_id": convID}); err != nil {
		return
	}

	for ev := range sess.Events() {
		var err error
		switch ev.Kind {
		case relay.EventTextDelta:
			err = sse.send(ev.Kind.String(), map[string]string{"text": ev.Text})
		case relay.EventPathScores:
			err = sse.send(ev.Kind.String(), map[string]any{"paths": ev.Paths})
		case relay.EventCodeExecStatus:
			err = sse.send(ev.Kind.String(), map[string]any{"ok": ev.CodeExecOK, "error": ev.CodeExecError})
		case relay.EventCompleted:
			msgID := s.persistReply(r.Context(), convID, sess)
			err = sse.send(ev.Kind.String(), map[string]string{"conversation_id": convID, "message_id": msgID})
		case relay.EventFailed:
			err = sse.send(ev.Kind.String(), map[string]string{"error": ev.Err.Error(), "kind": errorKind(ev.Err)})
		}
		if err != nil {
			// The client is gone; returning cancels the request context,
			// which cancels the session.
			s.log.Debug("chat stream write failed", "session", sess.ID, "error", err)
			return
		}
	}
}

func errorKind(err error) string {
	var re *relay.Error
	if errors.As(err, &re) {
		return re.Kind.String()
	}
	return relay.KindUnknown.String()
}

// ============================================================================
// INDEX HANDLERS
// ============================================================================

// IndexRequest is the body of POST /v1/index.
type IndexRequest struct {
	Paths      []string `json:"paths"`
	Extensions []string `json:"extensions,omitempty"`
	// URL overrides the embedding server.
	URL string `json:"url,omitempty"`
	// Stream sends status messages as server-sent events.
	Stream bool `json:"stream,omitempty"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if s.opts.Relay == nil {
		writeError(w, http.StatusServiceUnavailable, "relay not available")
		return
	}
	var req IndexRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Paths) == 0 {
		writeError(w, http.StatusBadRequest, "paths are required")
		return
	}

	tree := relay.TreeRequest{Paths: req.Paths, Extensions: req.Extensions, URL: req.URL}

	if !req.Stream {
		clearWriteDeadline(w)
		if err := s.opts.Relay.IndexTree(r.Context(), tree); err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"indexed": true})
		return
	}

	sse := newSSEWriter(w)
	tree.OnProgress = func(msg string) {
		_ = sse.send("progress", map[string]string{"message": msg})
	}
	if err := s.opts.Relay.IndexTree(r.Context(), tree); err != nil {
		_ = sse.send("error", map[string]string{"error": err.Error(), "kind": errorKind(err)})
		return
	}
	_ = sse.send("end", map[string]bool{"indexed": true})
}

func (s *Server) handleCancelIndex(w http.ResponseWriter, r *http.Request) {
	if !s.requireModels(w) {
		return
	}
	if err := s.opts.Models.CancelTree(r.Context()); err != nil {
		writeSidecarError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

// ============================================================================
// MODEL HANDLERS
// ============================================================================

type modelRequest struct {
	ModelID   string `json:"model_id"`
	ProcessID string `json:"process_id"`
}

func (s *Server) requireModels(w http.ResponseWriter) bool {
	if s.opts.Models == nil {
		writeError(w, http.StatusServiceUnavailable, "sidecar client not available")
		return false
	}
	return true
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	if !s.requireModels(w) {
		return
	}
	models, err := s.opts.Models.ListModels(r.Context())
	if err != nil {
		writeSidecarError(w, err)
		return
	}
	if models == nil {
		models = map[string]sidecar.LocalModel{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *Server) handleStartModel(w http.ResponseWriter, r *http.Request) {
	if !s.requireModels(w) {
		return
	}
	var req modelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ModelID == "" {
		writeError(w, http.StatusBadRequest, "model_id is required")
		return
	}
	started, err := s.opts.Models.StartModel(r.Context(), req.ModelID)
	if err != nil {
		writeSidecarError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, started)
}

func (s *Server) handleStopModel(w http.ResponseWriter, r *http.Request) {
	if !s.requireModels(w) {
		return
	}
	var req modelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ProcessID == "" {
		writeError(w, http.StatusBadRequest, "process_id is required")
		return
	}
	stopped, err := s.opts.Models.StopModel(r.Context(), req.ProcessID)
	if err != nil {
		writeSidecarError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stopped)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	if !s.requireModels(w) {
		return
	}
	progress, err := s.opts.Models.Progress(r.Context(), r.PathValue("id"))
	if err != nil {
		writeSidecarError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

// ============================================================================
// CONVERSATION HANDLERS
// ============================================================================

var errStorageUnavailable = errors.New("conversation storage not available")

func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.opts.Store == nil {
		writeStorageError(w, errStorageUnavailable)
		return false
	}
	return true
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	var (
		convs []storage.ConversationMeta
		err   error
	)
	if q := strings.TrimSpace(r.URL.Query().Get("q")); q != "" {
		convs, err = s.opts.Store.Search(r.Context(), q, limit)
	} else {
		convs, err = s.opts.Store.List(r.Context(), limit)
	}
	if err != nil {
		writeStorageError(w, err)
		return
	}
	if convs == nil {
		convs = []storage.ConversationMeta{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	conv, err := s.opts.Store.Load(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleExportConversation(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	conv, err := s.opts.Store.Load(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStorageError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(conv.ExportMarkdown()))
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	if err := s.opts.Store.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeStorageError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMessagePaths(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	paths, err := s.opts.Store.MessagePaths(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paths": paths})
}

// ============================================================================
// HELPERS
// ============================================================================

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	errType := "server_error"
	switch {
	case status == http.StatusTooManyRequests:
		errType = "rate_limit_error"
	case status == http.StatusNotFound:
		errType = "not_found_error"
	case status >= 400 && status < 500:
		errType = "invalid_request_error"
	case status == http.StatusBadGateway || status == http.StatusServiceUnavailable:
		errType = "upstream_error"
	}
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Message: message, Type: errType, Code: status}})
}

func writeStorageError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrConversationNotFound), errors.Is(err, storage.ErrMessageNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, errStorageUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeSidecarError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	if sidecar.IsNotRunning(err) {
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, err.Error())
}

// decodeBody decodes a size-limited JSON body, answering 400 on failure.
// clearWriteDeadline lifts the server write timeout for a response that is
// only written once a sidecar session ends. The request context still ends
// the session when the client goes away.
func clearWriteDeadline(w http.ResponseWriter) {
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// sseWriter writes server-sent events.
type sseWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	return &sseWriter{w: w, rc: http.NewResponseController(w)}
}

func (sw *sseWriter) send(event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	// Not every writer supports deadlines (httptest recorders do not).
	_ = sw.rc.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	return sw.rc.Flush()
}
