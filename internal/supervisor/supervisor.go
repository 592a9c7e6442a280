// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package supervisor launches, tracks and stops the local child servers
// (the Python sidecar and the llama.cpp chat and embedding servers).
//
// Each role has at most one live process. Launching a role that is already
// running stops the old process first.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jeranaias/baissd/internal/logging"
	"github.com/jeranaias/baissd/internal/ports"
)

// =============================================================================
// TYPES
// =============================================================================

// Role names a supervised server.
type Role string

const (
	RoleSidecar   Role = "sidecar"
	RoleChat      Role = "chat"
	RoleEmbedding Role = "embedding"
)

// State is the lifecycle state of a ServerHandle.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateStopped
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON and TOML.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{StateStarting, StateRunning, StateStopped, StateCrashed} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// DefaultHost is the interface child servers bind.
const DefaultHost = "127.0.0.1"

// ServerHandle describes one supervised process.
type ServerHandle struct {
	Role      Role      `json:"role"`
	PID       int       `json:"pid"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	StartedAt time.Time `json:"started_at"`
	State     State     `json:"state"`
	// ExitError is set once a crashed process has been reaped.
	ExitError string `json:"exit_error,omitempty"`
}

// URL returns http://host:port for the handle.
func (h ServerHandle) URL() string {
	return "http://" + net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

// LaunchSpec describes how to start a role.
type LaunchSpec struct {
	Role    Role
	Command string
	// Args may contain PortPlaceholder, replaced by the negotiated port.
	Args []string
	// Host defaults to DefaultHost.
	Host          string
	PreferredPort int
	// MaxAttempts is the number of ports scanned above PreferredPort.
	MaxAttempts int
	// Env is appended to the current environment.
	Env []string
	Dir string
}

// ExitFunc is called from the reaper goroutine when a process exits
// without Stop having been called for it.
type ExitFunc func(role Role, pid int, err error)

// Options configures a Supervisor.
type Options struct {
	Negotiator *ports.Negotiator
	// StopGrace is used when Stop is called with a zero grace.
	StopGrace time.Duration
	// ForceKillWait bounds the wait after force-killing a process tree.
	ForceKillWait time.Duration
	// LaunchRetries bounds re-negotiation when a leased port is taken
	// before spawn.
	LaunchRetries int
	// LogTailLines is the number of output lines kept for crash reports.
	LogTailLines int
	OnExit       ExitFunc
	Logger       *slog.Logger
}

// Defaults applied by New for zero Options fields.
const (
	DefaultStopGrace     = 3000 * time.Millisecond
	DefaultForceKillWait = 2000 * time.Millisecond
	DefaultLaunchRetries = 3
	DefaultLogTailLines  = 50
	DefaultMaxAttempts   = 100
)

// process is the supervisor's private record of a running child.
type process struct {
	handle   ServerHandle
	cmd      *exec.Cmd
	done     chan struct{}
	exitErr  error
	stopping atomic.Bool
	tail     *tailBuffer
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Supervisor owns the child processes, keyed by role.
type Supervisor struct {
	negotiator    *ports.Negotiator
	stopGrace     time.Duration
	forceKillWait time.Duration
	launchRetries int
	tailLines     int
	onExit        ExitFunc
	log           *slog.Logger

	mu        sync.Mutex
	procs     map[Role]*process
	last      map[Role]ServerHandle
	tails     map[Role]*tailBuffer
	roleLocks map[Role]*sync.Mutex
}

// New creates a Supervisor.
func New(opts Options) *Supervisor {
	s := &Supervisor{
		negotiator:    opts.Negotiator,
		stopGrace:     opts.StopGrace,
		forceKillWait: opts.ForceKillWait,
		launchRetries: opts.LaunchRetries,
		tailLines:     opts.LogTailLines,
		onExit:        opts.OnExit,
		log:           logging.OrDiscard(opts.Logger),
		procs:         make(map[Role]*process),
		last:          make(map[Role]ServerHandle),
		tails:         make(map[Role]*tailBuffer),
		roleLocks:     make(map[Role]*sync.Mutex),
	}
	if s.negotiator == nil {
		s.negotiator = ports.NewNegotiator(ports.Options{Logger: opts.Logger})
	}
	if s.stopGrace <= 0 {
		s.stopGrace = DefaultStopGrace
	}
	if s.forceKillWait <= 0 {
		s.forceKillWait = DefaultForceKillWait
	}
	if s.launchRetries <= 0 {
		s.launchRetries = DefaultLaunchRetries
	}
	if s.tailLines <= 0 {
		s.tailLines = DefaultLogTailLines
	}
	return s
}

// SetOnExit replaces the exit hook. Used by components constructed after
// the supervisor, such as the health monitor.
func (s *Supervisor) SetOnExit(fn ExitFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExit = fn
}

// roleLock returns the mutex serialising Launch and Stop for role.
func (s *Supervisor) roleLock(role Role) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.roleLocks[role]
	if !ok {
		l = &sync.Mutex{}
		s.roleLocks[role] = l
	}
	return l
}

// =============================================================================
// LAUNCH
// =============================================================================

// Launch negotiates a port, spawns the process for spec.Role and records it
// as Running. Any existing process for the role is stopped first.
func (s *Supervisor) Launch(ctx context.Context, spec LaunchSpec) (ServerHandle, error) {
	if spec.Role == "" {
		return ServerHandle{}, &Error{Kind: KindLaunchFailed, Message: "role is required"}
	}
	if spec.Command == "" {
		return ServerHandle{}, &Error{Kind: KindLaunchFailed, Role: spec.Role, Message: "command is required"}
	}
	if spec.Host == "" {
		spec.Host = DefaultHost
	}
	if spec.MaxAttempts <= 0 {
		spec.MaxAttempts = DefaultMaxAttempts
	}

	lock := s.roleLock(spec.Role)
	lock.Lock()
	defer lock.Unlock()

	if err := s.stop(spec.Role, 0); err != nil {
		s.log.Warn("previous process did not stop cleanly", "role", spec.Role, "error", err)
	}

	lease, err := s.negotiate(ctx, spec)
	if err != nil {
		return ServerHandle{}, err
	}

	if err := ctx.Err(); err != nil {
		return ServerHandle{}, &Error{Kind: KindLaunchFailed, Role: spec.Role, Message: "launch cancelled", Cause: err}
	}

	proc, err := s.spawn(spec, lease.Port)
	if err != nil {
		return ServerHandle{}, err
	}

	s.mu.Lock()
	s.procs[spec.Role] = proc
	s.tails[spec.Role] = proc.tail
	delete(s.last, spec.Role)
	s.mu.Unlock()

	go s.reap(proc)

	s.log.Info("process started",
		"role", spec.Role,
		"pid", proc.handle.PID,
		"port", proc.handle.Port,
		"command", spec.Command)

	return proc.handle, nil
}

// negotiate leases a port and rechecks it, renegotiating a bounded number
// of times if the port was taken in between.
func (s *Supervisor) negotiate(ctx context.Context, spec LaunchSpec) (ports.Lease, error) {
	var lastPort int
	for attempt := 0; attempt <= s.launchRetries; attempt++ {
		lease, err := s.negotiator.FindAvailable(ctx, spec.PreferredPort, spec.MaxAttempts)
		if err != nil {
			return ports.Lease{}, &Error{
				Kind:    KindPortExhausted,
				Role:    spec.Role,
				Message: fmt.Sprintf("no port at or above %d", spec.PreferredPort),
				Cause:   err,
			}
		}
		if lease.Recheck() {
			return lease, nil
		}
		lastPort = lease.Port
		s.log.Debug("leased port taken before spawn, renegotiating", "role", spec.Role, "port", lease.Port)
	}
	return ports.Lease{}, &Error{
		Kind:    KindPortExhausted,
		Role:    spec.Role,
		Message: fmt.Sprintf("port %d kept being taken before spawn", lastPort),
		Cause:   ports.ErrExhausted,
	}
}

func (s *Supervisor) spawn(spec LaunchSpec, port int) (*process, error) {
	roleLog := s.log.With("role", string(spec.Role))
	tail := newTailBuffer(s.tailLines)
	stdout := newLineSink(roleLog, "stdout", tail)
	stderr := newLineSink(roleLog, "stderr", tail)

	cmd := exec.Command(spec.Command, expandArgs(spec.Args, port)...)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Dir = spec.Dir
	cmd.Stdin = nil
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Grandchildren may hold the output pipes open after the leader exits.
	cmd.WaitDelay = s.forceKillWait
	setProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return nil, &Error{
			Kind:    KindLaunchFailed,
			Role:    spec.Role,
			Message: fmt.Sprintf("failed to start %s", spec.Command),
			Cause:   err,
		}
	}

	proc := &process{
		handle: ServerHandle{
			Role:      spec.Role,
			PID:       cmd.Process.Pid,
			Host:      spec.Host,
			Port:      port,
			StartedAt: time.Now(),
			State:     StateStarting,
		},
		cmd:  cmd,
		done: make(chan struct{}),
		tail: tail,
	}
	// Spawned is all Running promises; readiness is the health loop's job.
	proc.handle.State = StateRunning

	go func() {
		<-proc.done
		stdout.Flush()
		stderr.Flush()
	}()

	return proc, nil
}

// reap waits for the process to exit and fires the exit hook when the exit
// was not requested through Stop.
func (s *Supervisor) reap(p *process) {
	err := p.cmd.Wait()
	p.exitErr = err
	close(p.done)

	if p.stopping.Load() {
		return
	}

	s.log.Warn("process exited unexpectedly",
		"role", p.handle.Role,
		"pid", p.handle.PID,
		"error", err,
		"tail", p.tail.Lines())

	s.mu.Lock()
	hook := s.onExit
	s.mu.Unlock()
	if hook != nil {
		hook(p.handle.Role, p.handle.PID, err)
	}
}

// =============================================================================
// STOP
// =============================================================================

// Stop terminates the process for role. It is a no-op returning nil when the
// role has no live process. A zero grace uses the configured default.
func (s *Supervisor) Stop(role Role, grace time.Duration) error {
	lock := s.roleLock(role)
	lock.Lock()
	defer lock.Unlock()
	return s.stop(role, grace)
}

// StopAll stops every supervised role concurrently.
func (s *Supervisor) StopAll(grace time.Duration) error {
	s.mu.Lock()
	roles := make([]Role, 0, len(s.procs))
	for role := range s.procs {
		roles = append(roles, role)
	}
	s.mu.Unlock()

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		first error
	)
	for _, role := range roles {
		wg.Add(1)
		go func(role Role) {
			defer wg.Done()
			if err := s.Stop(role, grace); err != nil {
				errMu.Lock()
				if first == nil {
					first = err
				}
				errMu.Unlock()
			}
		}(role)
	}
	wg.Wait()
	return first
}

// stop is Stop without the role lock; the caller holds it.
func (s *Supervisor) stop(role Role, grace time.Duration) error {
	if grace <= 0 {
		grace = s.stopGrace
	}

	s.mu.Lock()
	p, ok := s.procs[role]
	if ok {
		delete(s.procs, role)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	p.stopping.Store(true)
	defer func() {
		h := p.handle
		h.State = StateStopped
		s.mu.Lock()
		s.last[role] = h
		s.mu.Unlock()
	}()

	if p.exited() {
		return nil
	}

	pid := p.handle.PID
	if err := terminateTree(pid); err != nil {
		s.log.Debug("polite termination failed", "role", role, "pid", pid, "error", err)
	}

	if waitDone(p.done, grace) {
		s.log.Info("process stopped", "role", role, "pid", pid)
		return nil
	}

	s.log.Warn("process ignored termination, killing", "role", role, "pid", pid, "grace", grace)
	if err := killTree(pid); err != nil {
		s.log.Warn("force kill failed", "role", role, "pid", pid, "error", err)
	}

	if waitDone(p.done, s.forceKillWait) {
		return nil
	}
	return &Error{
		Kind:    KindStopTimeout,
		Role:    role,
		Message: fmt.Sprintf("pid %d still running after %s", pid, grace+s.forceKillWait),
	}
}

func waitDone(done <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// =============================================================================
// QUERIES
// =============================================================================

// live returns the process for role, purging it as crashed when it has
// exited outside Stop. Caller holds s.mu.
func (s *Supervisor) live(role Role) (*process, bool) {
	p, ok := s.procs[role]
	if !ok {
		return nil, false
	}
	if !p.exited() {
		return p, true
	}

	delete(s.procs, role)
	h := p.handle
	h.State = StateCrashed
	if p.exitErr != nil {
		h.ExitError = p.exitErr.Error()
	}
	s.last[role] = h
	s.log.Error("purged exited process",
		"role", role,
		"pid", h.PID,
		"error", fmt.Errorf("%w: %v", ErrProcessCrashed, p.exitErr))
	return nil, false
}

// Endpoint returns the host and port of role while its process is alive.
func (s *Supervisor) Endpoint(role Role) (host string, port int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.live(role)
	if !ok {
		return "", 0, false
	}
	return p.handle.Host, p.handle.Port, true
}

// URL returns http://host:port for role while its process is alive.
func (s *Supervisor) URL(role Role) (string, bool) {
	host, port, ok := s.Endpoint(role)
	if !ok {
		return "", false
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port)), true
}

// IsRunning reports whether role has a live process.
func (s *Supervisor) IsRunning(role Role) bool {
	_, _, ok := s.Endpoint(role)
	return ok
}

// Handle returns the live handle for role, or the last known handle of a
// stopped or crashed process.
func (s *Supervisor) Handle(role Role) (ServerHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.live(role); ok {
		return p.handle, true
	}
	h, ok := s.last[role]
	return h, ok
}

// Handles returns a snapshot of every live handle.
func (s *Supervisor) Handles() []ServerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	roles := make([]Role, 0, len(s.procs))
	for role := range s.procs {
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	out := make([]ServerHandle, 0, len(roles))
	for _, role := range roles {
		if p, ok := s.live(role); ok {
			out = append(out, p.handle)
		}
	}
	return out
}

// OutputTail returns the most recent output lines of the last process
// launched for role, including one that has since stopped or crashed.
func (s *Supervisor) OutputTail(role Role) []string {
	s.mu.Lock()
	tail, ok := s.tails[role]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return tail.Lines()
}
