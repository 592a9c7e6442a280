// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sidecar addresses the Python sidecar: where it currently lives and
// the HTTP control plane it serves next to the chat socket.
package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ClientError represents an error from the sidecar control plane.
type ClientError struct {
	Type       ErrorType
	Message    string
	StatusCode int
	Cause      error
}

func (e *ClientError) Error() string {
	msg := e.Message
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *ClientError) Unwrap() error {
	return e.Cause
}

// ErrorType categorizes client errors for handling.
type ErrorType int

const (
	ErrTypeUnknown ErrorType = iota
	ErrTypeNotRunning
	ErrTypeHTTP
	ErrTypeRejected
	ErrTypeInvalidResponse
)

// ErrNotRunning is returned when the sidecar cannot be reached.
var ErrNotRunning = &ClientError{Type: ErrTypeNotRunning, Message: "sidecar is not running"}

// IsNotRunning checks if an error indicates the sidecar is unreachable.
func IsNotRunning(err error) bool {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr.Type == ErrTypeNotRunning
	}
	return false
}

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// ClientConfig holds configuration options for the control-plane client.
type ClientConfig struct {
	// Timeout for ordinary requests (default: 30s). The update call has no
	// timeout beyond its context.
	Timeout time.Duration
	// HealthTimeout bounds a health check (default: 3s).
	HealthTimeout time.Duration
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		Timeout:       30 * time.Second,
		HealthTimeout: 3 * time.Second,
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Client talks to whichever sidecar the Endpoint currently points at.
//
// The Client is thread-safe for concurrent use.
type Client struct {
	config       *ClientConfig
	endpoint     *Endpoint
	httpClient   *http.Client
	updateClient *http.Client
}

// NewClient creates a client with default configuration.
func NewClient(endpoint *Endpoint) *Client {
	return NewClientWithConfig(endpoint, DefaultConfig())
}

// NewClientWithConfig creates a client with custom configuration.
func NewClientWithConfig(endpoint *Endpoint, config *ClientConfig) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.HealthTimeout == 0 {
		config.HealthTimeout = 3 * time.Second
	}
	return &Client{
		config:       config,
		endpoint:     endpoint,
		httpClient:   &http.Client{Timeout: config.Timeout},
		updateClient: &http.Client{},
	}
}

// Endpoint returns the target holder the client reads from.
func (c *Client) Endpoint() *Endpoint {
	return c.endpoint
}

// =============================================================================
// HEALTH
// =============================================================================

// Health performs GET baiss-app/health. Any 2xx response is healthy.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.HealthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("baiss-app/health"), nil)
	if err != nil {
		return &ClientError{Type: ErrTypeUnknown, Message: "failed to build health request", Cause: err}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ClientError{Type: ErrTypeNotRunning, Message: "health check failed", Cause: err}
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ClientError{Type: ErrTypeHTTP, Message: "sidecar unhealthy", StatusCode: resp.StatusCode}
	}
	return nil
}

// =============================================================================
// MODELS
// =============================================================================

// StartModel asks the sidecar to fetch a model by ID or download URL.
func (c *Client) StartModel(ctx context.Context, modelID string) (*DownloadStarted, error) {
	var out DownloadStarted
	if err := c.post(ctx, c.httpClient, "models/start", map[string]string{"model_id": modelID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListModels returns the models the sidecar knows about, keyed by model ID.
func (c *Client) ListModels(ctx context.Context) (map[string]LocalModel, error) {
	out := make(map[string]LocalModel)
	if err := c.post(ctx, c.httpClient, "models/list", struct{}{}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StopModel cancels a download started by StartModel.
func (c *Client) StopModel(ctx context.Context, processID string) (*DownloadStopped, error) {
	var out DownloadStopped
	if err := c.post(ctx, c.httpClient, "models/stop", map[string]string{"process_id": processID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Progress reports how far a download has got.
func (c *Client) Progress(ctx context.Context, processID string) (*DownloadProgress, error) {
	var out DownloadProgress
	if err := c.post(ctx, c.httpClient, "models/progress", map[string]string{"process_id": processID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// =============================================================================
// MAINTENANCE
// =============================================================================

// Update triggers a self-update of the sidecar. It can run for minutes, so
// only ctx bounds it.
func (c *Client) Update(ctx context.Context) error {
	return c.post(ctx, c.updateClient, "baiss-app/update", nil, nil)
}

// CancelTree stops a running tree-structure indexing job.
func (c *Client) CancelTree(ctx context.Context) error {
	return c.post(ctx, c.httpClient, "files/stop_tree_structure_operation", nil, nil)
}

// =============================================================================
// HELPERS
// =============================================================================

func (c *Client) url(path string) string {
	return c.endpoint.Current().BaseURL() + path
}

// post sends body as JSON (or no body when nil) and decodes the envelope's
// data into out when out is non-nil.
func (c *Client) post(ctx context.Context, hc *http.Client, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &ClientError{Type: ErrTypeUnknown, Message: "failed to encode request", Cause: err}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), reader)
	if err != nil {
		return &ClientError{Type: ErrTypeUnknown, Message: "failed to build request", Cause: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		return &ClientError{Type: ErrTypeNotRunning, Message: fmt.Sprintf("POST %s failed", path), Cause: err}
	}
	defer drainAndClose(resp.Body)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to read response", Cause: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ClientError{
			Type:       ErrTypeHTTP,
			Message:    fmt.Sprintf("POST %s: %s", path, bytes.TrimSpace(raw)),
			StatusCode: resp.StatusCode,
		}
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &ClientError{Type: ErrTypeInvalidResponse, Message: fmt.Sprintf("POST %s: malformed response", path), Cause: err}
	}
	if !env.Success {
		msg := env.Error
		if msg == "" {
			msg = env.Message
		}
		return &ClientError{Type: ErrTypeRejected, Message: fmt.Sprintf("POST %s rejected: %s", path, msg), StatusCode: env.Status}
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &ClientError{Type: ErrTypeInvalidResponse, Message: fmt.Sprintf("POST %s: unexpected data", path), Cause: err}
	}
	return nil
}

func drainAndClose(r io.ReadCloser) {
	_, _ = io.Copy(io.Discard, r)
	_ = r.Close()
}
