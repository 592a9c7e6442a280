// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/jeranaias/baissd/internal/supervisor"
)

// TreeRequest starts indexing of a set of folders on the sidecar.
type TreeRequest struct {
	Paths      []string
	Extensions []string
	// URL is the embedding server; empty means the supervised embedding
	// server or the configured fallback.
	URL string
	// OnProgress receives the server's status messages, if set.
	OnProgress func(message string)
}

type treePayload struct {
	Paths      []string `json:"paths"`
	Extensions []string `json:"extensions"`
	URL        string   `json:"url"`
}

// treeFrame is a status message from the tree-structure socket.
type treeFrame struct {
	Event   string          `json:"event"`
	Success *bool           `json:"success"`
	Message string          `json:"message"`
	Error   json.RawMessage `json:"error"`
}

// IndexTree runs a tree-structure indexing job and blocks until the server
// reports it complete, closes the socket, fails or ctx is cancelled.
func (r *Relay) IndexTree(ctx context.Context, req TreeRequest) error {
	target := r.target()
	if target.IsZero() {
		return setupError("sidecar address unknown", nil)
	}

	payload := treePayload{
		Paths:      nonNil(req.Paths),
		Extensions: nonNil(req.Extensions),
		URL:        req.URL,
	}
	if payload.URL == "" {
		payload.URL = r.serverURL(supervisor.RoleEmbedding, r.opts.FallbackEmbeddingURL)
	}

	log := r.log.With("job", "tree", "paths", len(payload.Paths))
	start := time.Now()

	sock, err := r.open(ctx, target.TreeSocketURL(), payload, log)
	if err != nil {
		return err
	}
	sock.watch(ctx)

	graceful, err := r.receiveTree(ctx, sock, req.OnProgress)
	if IsKind(err, KindCancelled) {
		sock.sendCancel()
	}
	sock.close(graceful)

	if err != nil {
		log.Warn("tree indexing ended", "error", err)
		return err
	}
	log.Info("tree indexing complete", "elapsed", time.Since(start))
	return nil
}

func (r *Relay) receiveTree(ctx context.Context, sock *socket, progress func(string)) (bool, error) {
	for {
		_, data, err := sock.conn.ReadMessage()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return false, &Error{Kind: KindCancelled, Cause: ctx.Err()}
			case isNormalClose(err):
				return false, nil
			default:
				return false, &Error{Kind: KindStream, Message: "receive failed", Cause: err}
			}
		}

		var f treeFrame
		if err := json.Unmarshal(data, &f); err != nil {
			sock.log.Warn("skipping frame", "error", err)
			continue
		}

		switch strings.ToLower(f.Event) {
		case "end":
			return true, nil
		case "error":
			return true, streamError("server error: %s", firstNonEmpty(errorText(f.Error), f.Message))
		}

		if f.Message != "" && progress != nil {
			progress(f.Message)
		}
		if f.Success != nil && !*f.Success {
			if msg := errorText(f.Error); msg != "" {
				return true, streamError("server error: %s", msg)
			}
		}
		// The tree socket announces the end of a job in its status text.
		if strings.Contains(strings.ToLower(f.Message), "complete") {
			return true, nil
		}
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
