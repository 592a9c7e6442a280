// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package health checks the sidecar and restarts it when it stops answering.
//
// A restart may move the sidecar to a different port. The new address is
// published through the shared sidecar.Endpoint, so sessions opened after the
// swap use it while sessions already streaming keep the address they started
// with.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeranaias/baissd/internal/logging"
	"github.com/jeranaias/baissd/internal/sidecar"
	"github.com/jeranaias/baissd/internal/supervisor"
)

// =============================================================================
// DEPENDENCIES
// =============================================================================

// Checker checks the sidecar. *sidecar.Client implements it.
type Checker interface {
	Health(ctx context.Context) error
}

// Supervisor is the subset of *supervisor.Supervisor the monitor needs.
type Supervisor interface {
	Stop(role supervisor.Role, grace time.Duration) error
	Launch(ctx context.Context, spec supervisor.LaunchSpec) (supervisor.ServerHandle, error)
}

// SpecFunc builds the sidecar launch spec at restart time, so the latest
// configuration is used.
type SpecFunc func() (supervisor.LaunchSpec, error)

// ErrRateLimited is returned by Check results when a restart was due but the
// per-minute budget was spent.
var ErrRateLimited = errors.New("sidecar restart rate limited")

// =============================================================================
// MONITOR
// =============================================================================

// Defaults applied by New for zero Options fields.
const (
	DefaultInterval     = 15 * time.Second
	DefaultCheckTimeout = 3 * time.Second
)

// Options configures a Monitor.
type Options struct {
	Checker    Checker
	Supervisor Supervisor
	Endpoint   *sidecar.Endpoint
	Spec       SpecFunc

	Interval     time.Duration
	CheckTimeout time.Duration
	// FailureThreshold is the number of consecutive failed checks that
	// triggers a restart (minimum 1).
	FailureThreshold int
	// RestartOnFailure disables automatic restarts when false. Restart can
	// still be called directly.
	RestartOnFailure bool
	// Managed reports whether baissd launched the sidecar. Automatic restarts
	// only apply to a managed sidecar; an external one is only reported
	// unhealthy. Nil means managed.
	Managed func() bool
	// MaxRestartsPerMinute bounds automatic restarts (0 = unlimited).
	MaxRestartsPerMinute int
	// StopGrace is passed to Supervisor.Stop (0 = supervisor default).
	StopGrace time.Duration

	Logger *slog.Logger
}

// Result is the outcome of one Check.
type Result struct {
	Healthy   bool
	Failures  int
	Restarted bool
	// Target is the sidecar address after the check.
	Target    sidecar.Target
	CheckedAt time.Time
	// Err is the health check or restart failure, if any.
	Err error
}

// Stats summarizes the monitor for status reporting.
type Stats struct {
	Healthy     bool      `json:"healthy"`
	Failures    int       `json:"consecutive_failures"`
	Restarts    int       `json:"restarts"`
	LastCheck   time.Time `json:"last_check"`
	LastRestart time.Time `json:"last_restart,omitempty"`
}

// Monitor runs the health/restart loop for the sidecar.
type Monitor struct {
	opts    Options
	log     *slog.Logger
	limiter *rate.Limiter

	// restartMu serializes restarts from the loop and from callers.
	restartMu sync.Mutex

	mu          sync.Mutex
	failures    int
	restarts    int
	healthy     bool
	lastCheck   time.Time
	lastRestart time.Time

	exits    chan struct{}
	interval chan time.Duration
}

// New creates a Monitor.
func New(opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = DefaultCheckTimeout
	}
	if opts.FailureThreshold < 1 {
		opts.FailureThreshold = 1
	}
	return &Monitor{
		opts:     opts,
		log:      logging.OrDiscard(opts.Logger).With("component", "health"),
		limiter:  newLimiter(opts.MaxRestartsPerMinute),
		exits:    make(chan struct{}, 1),
		interval: make(chan time.Duration, 1),
	}
}

func newLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
}

// Healthy reports whether the sidecar answers its health endpoint.
func (m *Monitor) Healthy(ctx context.Context) bool {
	return m.ping(ctx) == nil
}

func (m *Monitor) ping(ctx context.Context) error {
	if m.opts.Checker == nil {
		return errors.New("no health checker configured")
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.CheckTimeout)
	defer cancel()
	return m.opts.Checker.Health(ctx)
}

// Check pings the sidecar once and restarts the sidecar when the failure threshold is
// reached, subject to the restart rate limit.
func (m *Monitor) Check(ctx context.Context) Result {
	err := m.ping(ctx)
	now := time.Now()

	m.mu.Lock()
	m.lastCheck = now
	m.healthy = err == nil
	if err == nil {
		m.failures = 0
	} else {
		m.failures++
	}
	res := Result{Healthy: err == nil, Failures: m.failures, CheckedAt: now, Err: err}
	m.mu.Unlock()

	if res.Healthy {
		res.Target = m.target()
		return res
	}

	m.log.Warn("sidecar health check failed", "failures", res.Failures, "error", err)

	if !m.opts.RestartOnFailure || !m.managed() || res.Failures < m.opts.FailureThreshold {
		res.Target = m.target()
		return res
	}
	if !m.limiter.Allow() {
		m.log.Error("sidecar restart skipped", "error", ErrRateLimited)
		res.Err = ErrRateLimited
		res.Target = m.target()
		return res
	}

	if rerr := m.Restart(ctx); rerr != nil {
		res.Err = rerr
	} else {
		res.Restarted = true
	}
	res.Target = m.target()
	return res
}

func (m *Monitor) managed() bool {
	return m.opts.Managed == nil || m.opts.Managed()
}

// Restart stops the sidecar, launches it again and publishes the new
// address. Sessions already open keep their old address.
func (m *Monitor) Restart(ctx context.Context) error {
	if m.opts.Supervisor == nil || m.opts.Spec == nil || m.opts.Endpoint == nil {
		return errors.New("sidecar restart not configured")
	}

	m.restartMu.Lock()
	defer m.restartMu.Unlock()

	spec, err := m.opts.Spec()
	if err != nil {
		return fmt.Errorf("sidecar restart: %w", err)
	}

	m.log.Info("restarting sidecar")
	if err := m.opts.Supervisor.Stop(supervisor.RoleSidecar, m.opts.StopGrace); err != nil {
		m.log.Warn("sidecar did not stop cleanly", "error", err)
	}

	handle, err := m.opts.Supervisor.Launch(ctx, spec)
	if err != nil {
		m.log.Error("sidecar relaunch failed", "error", err)
		return fmt.Errorf("sidecar restart: %w", err)
	}

	next := sidecar.NewTarget(handle.Host, handle.Port)
	prev := m.opts.Endpoint.Swap(next)

	m.mu.Lock()
	m.failures = 0
	m.restarts++
	m.lastRestart = time.Now()
	m.mu.Unlock()

	m.log.Info("sidecar restarted", "pid", handle.PID, "from", prev.String(), "to", next.String())
	return nil
}

// NotifyExit wakes the loop when a supervised process exits. It matches
// supervisor.ExitFunc and never blocks.
func (m *Monitor) NotifyExit(role supervisor.Role, pid int, err error) {
	if role != supervisor.RoleSidecar {
		return
	}
	m.log.Warn("sidecar exited", "pid", pid, "error", err)
	select {
	case m.exits <- struct{}{}:
	default:
	}
}

// SetInterval changes the check interval of a running loop.
func (m *Monitor) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-m.interval:
	default:
	}
	m.interval <- d
}

// Run checks the sidecar every interval and right after it exits, until ctx
// is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	m.log.Debug("health loop started", "interval", m.opts.Interval)
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-m.interval:
			ticker.Reset(d)
			m.log.Info("health interval changed", "interval", d)
		case <-ticker.C:
			m.Check(ctx)
		case <-m.exits:
			m.Check(ctx)
		}
	}
}

// Stats returns a snapshot of the monitor state.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Healthy:     m.healthy,
		Failures:    m.failures,
		Restarts:    m.restarts,
		LastCheck:   m.lastCheck,
		LastRestart: m.lastRestart,
	}
}

func (m *Monitor) target() sidecar.Target {
	if m.opts.Endpoint == nil {
		return sidecar.Target{}
	}
	return m.opts.Endpoint.Current()
}
