// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package health

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/baissd/internal/relay"
	"github.com/jeranaias/baissd/internal/sidecar"
	"github.com/jeranaias/baissd/internal/supervisor"
)

// =============================================================================
// FAKES
// =============================================================================

type fakeChecker struct {
	mu  sync.Mutex
	err error
	n   int
}

func (p *fakeChecker) Health(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
	return p.err
}

func (p *fakeChecker) set(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *fakeChecker) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}

// fakeSupervisor relaunches the sidecar on consecutive ports.
type fakeSupervisor struct {
	mu        sync.Mutex
	nextPort  int
	stops     int
	launches  int
	launchErr error
}

func (s *fakeSupervisor) Stop(role supervisor.Role, grace time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	return nil
}

func (s *fakeSupervisor) Launch(ctx context.Context, spec supervisor.LaunchSpec) (supervisor.ServerHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.launchErr != nil {
		return supervisor.ServerHandle{}, s.launchErr
	}
	s.launches++
	port := s.nextPort
	s.nextPort++
	return supervisor.ServerHandle{
		Role:  spec.Role,
		PID:   1000 + s.launches,
		Host:  spec.Host,
		Port:  port,
		State: supervisor.StateRunning,
	}, nil
}

func (s *fakeSupervisor) counts() (stops, launches int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops, s.launches
}

func sidecarSpec() (supervisor.LaunchSpec, error) {
	return supervisor.LaunchSpec{
		Role:          supervisor.RoleSidecar,
		Command:       "python3",
		Args:          []string{"main.py", "--port", "{port}"},
		Host:          "127.0.0.1",
		PreferredPort: 9911,
	}, nil
}

func newMonitor(p Checker, sup Supervisor, ep *sidecar.Endpoint, mutate func(*Options)) *Monitor {
	opts := Options{
		Checker:          p,
		Supervisor:       sup,
		Endpoint:         ep,
		Spec:             sidecarSpec,
		FailureThreshold: 1,
		RestartOnFailure: true,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return New(opts)
}

var errDown = errors.New("connection refused")

// =============================================================================
// CHECK
// =============================================================================

func TestCheck_Healthy(t *testing.T) {
	ep := sidecar.NewEndpoint(sidecar.NewTarget("127.0.0.1", 9911))
	sup := &fakeSupervisor{nextPort: 9950}
	m := newMonitor(&fakeChecker{}, sup, ep, nil)

	res := m.Check(context.Background())
	assert.True(t, res.Healthy)
	assert.False(t, res.Restarted)
	assert.Zero(t, res.Failures)
	assert.Equal(t, 9911, res.Target.Port)

	_, launches := sup.counts()
	assert.Zero(t, launches)
	assert.True(t, m.Stats().Healthy)
}

func TestCheck_RestartsOnFailure(t *testing.T) {
	ep := sidecar.NewEndpoint(sidecar.NewTarget("127.0.0.1", 9911))
	sup := &fakeSupervisor{nextPort: 9950}
	m := newMonitor(&fakeChecker{err: errDown}, sup, ep, nil)

	res := m.Check(context.Background())
	assert.False(t, res.Healthy)
	assert.True(t, res.Restarted)
	require.NoError(t, res.Err)
	assert.Equal(t, 9950, res.Target.Port)
	assert.Equal(t, sidecar.NewTarget("127.0.0.1", 9950), ep.Current())

	stops, launches := sup.counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, launches)

	stats := m.Stats()
	assert.Equal(t, 1, stats.Restarts)
	assert.Zero(t, stats.Failures, "a successful restart resets the failure count")
	assert.False(t, stats.LastRestart.IsZero())
}

func TestCheck_WaitsForThreshold(t *testing.T) {
	ep := sidecar.NewEndpoint(sidecar.NewTarget("127.0.0.1", 9911))
	sup := &fakeSupervisor{nextPort: 9950}
	m := newMonitor(&fakeChecker{err: errDown}, sup, ep, func(o *Options) { o.FailureThreshold = 3 })

	for i := 1; i < 3; i++ {
		res := m.Check(context.Background())
		assert.Equal(t, i, res.Failures)
		assert.False(t, res.Restarted)
	}
	res := m.Check(context.Background())
	assert.True(t, res.Restarted)
}

func TestCheck_RecoveryResetsFailures(t *testing.T) {
	ep := sidecar.NewEndpoint(sidecar.NewTarget("127.0.0.1", 9911))
	p := &fakeChecker{err: errDown}
	m := newMonitor(p, &fakeSupervisor{nextPort: 9950}, ep, func(o *Options) { o.FailureThreshold = 2 })

	assert.Equal(t, 1, m.Check(context.Background()).Failures)
	p.set(nil)
	assert.Zero(t, m.Check(context.Background()).Failures)
	p.set(errDown)
	res := m.Check(context.Background())
	assert.Equal(t, 1, res.Failures)
	assert.False(t, res.Restarted)
}

func TestCheck_RestartDisabled(t *testing.T) {
	sup := &fakeSupervisor{nextPort: 9950}
	ep := sidecar.NewEndpoint(sidecar.NewTarget("127.0.0.1", 9911))
	m := newMonitor(&fakeChecker{err: errDown}, sup, ep, func(o *Options) { o.RestartOnFailure = false })

	res := m.Check(context.Background())
	assert.False(t, res.Restarted)
	assert.ErrorIs(t, res.Err, errDown)
	_, launches := sup.counts()
	assert.Zero(t, launches)
}

func TestCheck_ExternalSidecarIsNotRestarted(t *testing.T) {
	sup := &fakeSupervisor{nextPort: 9950}
	ep := sidecar.NewEndpoint(sidecar.NewTarget("127.0.0.1", 9911))
	m := newMonitor(&fakeChecker{err: errDown}, sup, ep, func(o *Options) {
		o.Managed = func() bool { return false }
	})

	for i := 0; i < 3; i++ {
		res := m.Check(context.Background())
		assert.False(t, res.Healthy)
		assert.False(t, res.Restarted)
		assert.ErrorIs(t, res.Err, errDown)
		assert.Equal(t, 9911, res.Target.Port)
	}
	stops, launches := sup.counts()
	assert.Zero(t, stops)
	assert.Zero(t, launches)
	assert.Equal(t, 3, m.Stats().Failures)
}

func TestCheck_RateLimited(t *testing.T) {
	sup := &fakeSupervisor{nextPort: 9950}
	ep := sidecar.NewEndpoint(sidecar.NewTarget("127.0.0.1", 9911))
	m := newMonitor(&fakeChecker{err: errDown}, sup, ep, func(o *Options) { o.MaxRestartsPerMinute = 2 })

	assert.True(t, m.Check(context.Background()).Restarted)
	assert.True(t, m.Check(context.Background()).Restarted)

	res := m.Check(context.Background())
	assert.False(t, res.Restarted)
	assert.ErrorIs(t, res.Err, ErrRateLimited)

	_, launches := sup.counts()
	assert.Equal(t, 2, launches)
}

func TestCheck_LaunchFailureKeepsTarget(t *testing.T) {
	sup := &fakeSupervisor{launchErr: &supervisor.Error{Kind: supervisor.KindPortExhausted, Role: supervisor.RoleSidecar}}
	ep := sidecar.NewEndpoint(sidecar.NewTarget("127.0.0.1", 9911))
	m := newMonitor(&fakeChecker{err: errDown}, sup, ep, nil)

	res := m.Check(context.Background())
	assert.False(t, res.Restarted)
	assert.True(t, supervisor.IsPortExhausted(res.Err))
	assert.Equal(t, 9911, ep.Current().Port)
}

func TestRestart_NotConfigured(t *testing.T) {
	m := New(Options{Checker: &fakeChecker{}})
	assert.Error(t, m.Restart(context.Background()))
}

func TestRestart_SpecError(t *testing.T) {
	ep := sidecar.NewEndpoint(sidecar.NewTarget("127.0.0.1", 9911))
	sup := &fakeSupervisor{nextPort: 9950}
	m := newMonitor(&fakeChecker{}, sup, ep, func(o *Options) {
		o.Spec = func() (supervisor.LaunchSpec, error) { return supervisor.LaunchSpec{}, errors.New("no entrypoint") }
	})

	err := m.Restart(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no entrypoint")
	stops, _ := sup.counts()
	assert.Zero(t, stops, "a sidecar that cannot be relaunched is left alone")
}

// =============================================================================
// HEALTHY
// =============================================================================

func TestHealthy_AgainstHTTP(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ai/api/v1/baiss-app/health", r.URL.Path)
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, _ := strconv.Atoi(portStr)

	client := sidecar.NewClient(sidecar.NewEndpoint(sidecar.NewTarget(host, port)))
	m := New(Options{Checker: client})

	assert.True(t, m.Healthy(context.Background()))
	status.Store(http.StatusServiceUnavailable)
	assert.False(t, m.Healthy(context.Background()))
}

// =============================================================================
// RUN
// =============================================================================

func TestRun_ReactsToSidecarExit(t *testing.T) {
	p := &fakeChecker{err: errDown}
	sup := &fakeSupervisor{nextPort: 9950}
	ep := sidecar.NewEndpoint(sidecar.NewTarget("127.0.0.1", 9911))
	m := newMonitor(p, sup, ep, func(o *Options) { o.Interval = time.Hour })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	// Other roles do not wake the loop.
	m.NotifyExit(supervisor.RoleChat, 42, errors.New("exit status 1"))
	m.NotifyExit(supervisor.RoleSidecar, 41, errors.New("exit status 1"))

	assert.Eventually(t, func() bool {
		_, launches := sup.counts()
		return launches == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 9950, ep.Current().Port)

	cancel()
	<-done
}

func TestRun_TicksAndSetInterval(t *testing.T) {
	p := &fakeChecker{}
	m := newMonitor(p, &fakeSupervisor{}, sidecar.NewEndpoint(sidecar.Target{}), func(o *Options) { o.Interval = time.Hour })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.SetInterval(10 * time.Millisecond)
	assert.Eventually(t, func() bool { return p.calls() >= 3 }, 5*time.Second, 10*time.Millisecond)
}

// =============================================================================
// RESTART AND OPEN SESSIONS
// =============================================================================

// blockingConn is a socket that delivers nothing until it is interrupted.
type blockingConn struct {
	once        sync.Once
	interrupted chan struct{}
}

func newBlockingConn() *blockingConn {
	return &blockingConn{interrupted: make(chan struct{})}
}

func (c *blockingConn) ReadMessage() (int, []byte, error) {
	<-c.interrupted
	return 0, nil, os.ErrDeadlineExceeded
}

func (c *blockingConn) WriteMessage(int, []byte) error { return nil }

func (c *blockingConn) SetReadDeadline(t time.Time) error {
	if !t.After(time.Now()) {
		c.once.Do(func() { close(c.interrupted) })
	}
	return nil
}

func (c *blockingConn) SetWriteDeadline(time.Time) error { return nil }
func (c *blockingConn) Close() error                     { return nil }

func TestRestart_NewSessionsUseNewTarget(t *testing.T) {
	ep := sidecar.NewEndpoint(sidecar.NewTarget("127.0.0.1", 9911))
	sup := &fakeSupervisor{nextPort: 9950}
	m := newMonitor(&fakeChecker{}, sup, ep, nil)

	var (
		mu     sync.Mutex
		dialed []string
	)
	r := relay.New(relay.Options{
		Target: ep,
		Dial: func(ctx context.Context, url string) (relay.Conn, error) {
			mu.Lock()
			dialed = append(dialed, url)
			mu.Unlock()
			return newBlockingConn(), nil
		},
	})

	ctx1, cancel1 := context.WithCancel(context.Background())
	inFlight := r.StreamChat(ctx1, relay.ChatRequest{Message: "first"})

	require.NoError(t, m.Restart(context.Background()))

	ctx2, cancel2 := context.WithCancel(context.Background())
	fresh := r.StreamChat(ctx2, relay.ChatRequest{Message: "second"})

	assert.Equal(t, 9911, inFlight.Target.Port)
	assert.Equal(t, 9950, fresh.Target.Port)

	cancel1()
	cancel2()
	assert.True(t, relay.IsKind(inFlight.Wait(), relay.KindCancelled))
	assert.True(t, relay.IsKind(fresh.Wait(), relay.KindCancelled))

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{
		"ws://127.0.0.1:9911/api/v1/chatv2/pre_chat",
		"ws://127.0.0.1:9950/api/v1/chatv2/pre_chat",
	}, dialed)
}
