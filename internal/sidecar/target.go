// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sidecar

import (
	"net"
	"strconv"
	"sync/atomic"
)

// Paths served by the sidecar.
const (
	apiPrefix      = "/ai/api/v1/"
	chatSocketPath = "/api/v1/chatv2/pre_chat"
	treeSocketPath = "/api/v1/files/tree-structure/start"
)

// Target is the address of a running sidecar.
type Target struct {
	Host string
	Port int
}

// NewTarget returns the target for host:port.
func NewTarget(host string, port int) Target {
	return Target{Host: host, Port: port}
}

func (t Target) hostPort() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// BaseURL is the control-plane root, e.g. http://127.0.0.1:9911/ai/api/v1/
func (t Target) BaseURL() string {
	return "http://" + t.hostPort() + apiPrefix
}

// ChatSocketURL is the websocket URI of the streaming chat endpoint.
func (t Target) ChatSocketURL() string {
	return "ws://" + t.hostPort() + chatSocketPath
}

// TreeSocketURL is the websocket URI of the tree-indexing endpoint.
func (t Target) TreeSocketURL() string {
	return "ws://" + t.hostPort() + treeSocketPath
}

// IsZero reports whether the target has no port.
func (t Target) IsZero() bool {
	return t.Port == 0
}

func (t Target) String() string {
	return t.hostPort()
}

// Endpoint holds the current sidecar target. Readers snapshot it with
// Current; the health loop repoints it with Swap after a restart.
type Endpoint struct {
	p atomic.Pointer[Target]
}

// NewEndpoint returns an Endpoint pointing at t.
func NewEndpoint(t Target) *Endpoint {
	e := &Endpoint{}
	e.p.Store(&t)
	return e
}

// Current returns the target at the time of the call.
func (e *Endpoint) Current() Target {
	if t := e.p.Load(); t != nil {
		return *t
	}
	return Target{}
}

// Swap installs t and returns the previous target.
func (e *Endpoint) Swap(t Target) Target {
	if old := e.p.Swap(&t); old != nil {
		return *old
	}
	return Target{}
}
