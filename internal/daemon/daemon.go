// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package daemon assembles the supervisor, relay, health loop and store into
// one long-running baissd instance.
//
// Nothing that fails during Start is fatal. A server that cannot be launched
// is recorded as degraded and the daemon keeps running with whatever it has,
// which Status reports.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jeranaias/baissd/internal/config"
	"github.com/jeranaias/baissd/internal/health"
	"github.com/jeranaias/baissd/internal/logging"
	"github.com/jeranaias/baissd/internal/ports"
	"github.com/jeranaias/baissd/internal/relay"
	"github.com/jeranaias/baissd/internal/sidecar"
	"github.com/jeranaias/baissd/internal/storage"
	"github.com/jeranaias/baissd/internal/supervisor"
)

// Degraded component names used in Status besides the supervisor roles.
const (
	ComponentStorage = "storage"
	ComponentConfig  = "config"
)

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("daemon already started")
	// ErrSidecarNotManaged is returned when restarting a sidecar that baissd
	// did not launch.
	ErrSidecarNotManaged = errors.New("sidecar is managed externally")
)

// Options configures a Daemon.
type Options struct {
	Config *config.Config
	// ConfigPath is watched for changes when set.
	ConfigPath string
	Logger     *logging.Logger
	// Store overrides the database named in the config. The caller keeps
	// ownership of a Store passed here.
	Store *storage.Store
	// DisableStorage runs without a database.
	DisableStorage bool
	// OnReload is called with every config that was reloaded and applied.
	OnReload func(*config.Config)
	// Owners overrides the port-owner lookup used for reclaiming ports.
	Owners ports.OwnerFinder
}

// Status is a snapshot of the daemon.
type Status struct {
	StartedAt time.Time `json:"started_at"`
	Uptime    string    `json:"uptime"`
	// Sidecar is the address chat sessions are opened against.
	Sidecar string `json:"sidecar"`
	// SidecarManaged is false when baissd uses a sidecar it did not launch.
	SidecarManaged bool                      `json:"sidecar_managed"`
	Health         health.Stats              `json:"health"`
	Servers        []supervisor.ServerHandle `json:"servers"`
	// Degraded maps a role or component to the reason it is unavailable.
	Degraded map[string]string   `json:"degraded,omitempty"`
	// Output holds the last output lines of each degraded process role.
	Output   map[string][]string `json:"output,omitempty"`
	Database string              `json:"database,omitempty"`
}

// Daemon owns every long-lived component.
type Daemon struct {
	opts   Options
	log    *logging.Logger
	cfgMu  sync.RWMutex
	cfg    *config.Config
	sup    *supervisor.Supervisor
	ep     *sidecar.Endpoint
	client *sidecar.Client
	relay  *relay.Relay
	mon    *health.Monitor

	mu        sync.Mutex
	store     *storage.Store
	ownStore  bool
	degraded  map[string]string
	managed   bool
	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New builds the components without starting any process.
func New(opts Options) (*Daemon, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	cfg = cfg.Clone()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log := opts.Logger
	if log == nil {
		log = logging.New(cfg.Log, io.Discard)
	}
	base := log.Logger

	owners := opts.Owners
	if owners == nil {
		owners = ports.SystemOwners()
	}
	negotiator := ports.NewNegotiator(ports.Options{
		Reclaim:     cfg.Ports.Reclaim,
		ReclaimWait: cfg.Ports.ReclaimWait(),
		Owners:      owners,
		Logger:      base.With("component", "ports"),
	})

	sup := supervisor.New(supervisor.Options{
		Negotiator:    negotiator,
		StopGrace:     cfg.Supervisor.StopGrace(),
		ForceKillWait: cfg.Supervisor.ForceKillWait(),
		LaunchRetries: cfg.Supervisor.LaunchRetries,
		LogTailLines:  cfg.Supervisor.LogTailLines,
		Logger:        base.With("component", "supervisor"),
	})

	ep := sidecar.NewEndpoint(sidecar.NewTarget(cfg.Sidecar.Host, cfg.Sidecar.Port))
	client := sidecar.NewClientWithConfig(ep, &sidecar.ClientConfig{
		HealthTimeout: cfg.Health.CheckTimeout(),
	})

	rl := relay.New(relay.Options{
		Servers:              sup,
		Target:               ep,
		FallbackChatURL:      cfg.Inference.FallbackChatURL,
		FallbackEmbeddingURL: cfg.Inference.FallbackEmbeddingURL,
		DialTimeout:          cfg.Relay.DialTimeout(),
		WriteTimeout:         cfg.Relay.WriteTimeout(),
		LegacyCompletion:     cfg.Relay.LegacyCompletion,
		MaxFrameBytes:        cfg.Relay.MaxFrameBytes,
		Logger:               base.With("component", "relay"),
	})

	d := &Daemon{
		opts:     opts,
		log:      log,
		cfg:      cfg,
		sup:      sup,
		ep:       ep,
		client:   client,
		relay:    rl,
		store:    opts.Store,
		degraded: make(map[string]string),
	}

	d.mon = health.New(health.Options{
		Checker:              client,
		Supervisor:           sup,
		Endpoint:             ep,
		Spec:                 func() (supervisor.LaunchSpec, error) { return SidecarSpec(d.Config()) },
		Interval:             cfg.Health.Interval(),
		CheckTimeout:         cfg.Health.CheckTimeout(),
		FailureThreshold:     cfg.Health.FailureThreshold,
		RestartOnFailure:     cfg.Health.RestartOnFailure,
		Managed:              d.isManaged,
		MaxRestartsPerMinute: cfg.Health.MaxRestartsPerMinute,
		StopGrace:            cfg.Supervisor.StopGrace(),
		Logger:               base,
	})
	sup.SetOnExit(d.onExit)

	return d, nil
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Start opens the store, launches the inference servers and the sidecar and
// starts the background loops. Launch failures degrade the daemon; Start
// only fails when called twice.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.cancel != nil {
		d.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.startedAt = time.Now()
	d.mu.Unlock()

	cfg := d.Config()
	d.openStore(cfg)

	for _, role := range []supervisor.Role{supervisor.RoleChat, supervisor.RoleEmbedding} {
		d.launchInference(ctx, cfg, role)
	}
	d.launchSidecar(ctx, cfg)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.mon.Run(runCtx)
	}()

	if d.opts.ConfigPath != "" {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := config.Watch(runCtx, d.opts.ConfigPath, d.applyConfig); err != nil {
				d.log.Warn("config watch disabled", "error", err)
			}
		}()
	}

	st := d.Status()
	d.log.Info("baissd started", "sidecar", st.Sidecar, "servers", len(st.Servers), "degraded", len(st.Degraded))
	return nil
}

func (d *Daemon) openStore(cfg *config.Config) {
	if d.opts.DisableStorage || d.store != nil {
		return
	}
	path, err := cfg.DatabasePath()
	if err == nil {
		var store *storage.Store
		store, err = storage.Open(path)
		if err == nil {
			d.mu.Lock()
			d.store, d.ownStore = store, true
			d.mu.Unlock()
			d.log.Debug("conversation store opened", "path", path)
			return
		}
	}
	d.degrade(ComponentStorage, err)
}

func (d *Daemon) launchInference(ctx context.Context, cfg *config.Config, role supervisor.Role) {
	spec, err := InferenceSpec(cfg, role)
	if err != nil {
		fallback := cfg.Inference.FallbackChatURL
		if role == supervisor.RoleEmbedding {
			fallback = cfg.Inference.FallbackEmbeddingURL
		}
		d.degrade(string(role), fmt.Errorf("%w; using %s", err, fallback))
		return
	}
	if _, err := d.sup.Launch(ctx, spec); err != nil {
		d.degrade(string(role), err)
	}
}

func (d *Daemon) launchSidecar(ctx context.Context, cfg *config.Config) {
	if !cfg.Sidecar.Autostart {
		d.log.Info("sidecar autostart disabled, using configured address", "target", d.ep.Current().String())
		return
	}
	spec, err := SidecarSpec(cfg)
	if err != nil {
		d.log.Info("sidecar not launchable, using configured address", "target", d.ep.Current().String(), "reason", err)
		return
	}

	d.mu.Lock()
	d.managed = true
	d.mu.Unlock()

	handle, err := d.sup.Launch(ctx, spec)
	if err != nil {
		d.degrade(string(supervisor.RoleSidecar), err)
		return
	}
	d.ep.Swap(sidecar.NewTarget(handle.Host, handle.Port))
}

// Shutdown stops the background loops and every supervised process.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	loopsDone := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(loopsDone)
	}()

	var errs []error
	select {
	case <-loopsDone:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("background loops: %w", ctx.Err()))
	}

	if err := d.sup.StopAll(d.Config().Supervisor.StopGrace()); err != nil {
		errs = append(errs, err)
	}

	d.mu.Lock()
	store, own := d.store, d.ownStore
	d.store, d.ownStore = nil, false
	d.mu.Unlock()
	if own {
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}

	d.log.Info("baissd stopped")
	return errors.Join(errs...)
}

// =============================================================================
// RUNTIME
// =============================================================================

// onExit forwards crashes to the health loop and records the inference
// servers that died as degraded.
func (d *Daemon) onExit(role supervisor.Role, pid int, err error) {
	if role == supervisor.RoleSidecar {
		d.mon.NotifyExit(role, pid, err)
		return
	}
	d.degrade(string(role), fmt.Errorf("%w: pid %d: %v", supervisor.ErrProcessCrashed, pid, err))
}

// applyConfig is the config watch callback. Log level and health interval
// apply immediately; process settings apply at the next launch.
func (d *Daemon) applyConfig(cfg *config.Config, err error) {
	if err != nil {
		d.log.Warn("config reload failed, keeping previous config", "error", err)
		d.degrade(ComponentConfig, err)
		return
	}

	d.cfgMu.Lock()
	prev := d.cfg
	d.cfg = cfg
	d.cfgMu.Unlock()

	d.mu.Lock()
	delete(d.degraded, ComponentConfig)
	d.mu.Unlock()

	d.log.SetLevel(cfg.Log.Level)
	if cfg.Health.IntervalSecs != prev.Health.IntervalSecs {
		d.mon.SetInterval(cfg.Health.Interval())
	}
	d.log.Info("configuration reloaded", "log_level", cfg.Log.Level, "health_interval", cfg.Health.Interval())
	if d.opts.OnReload != nil {
		d.opts.OnReload(cfg)
	}
}

// RestartSidecar restarts the sidecar now, outside the health schedule. Only
// a sidecar launched by baissd can be restarted.
func (d *Daemon) RestartSidecar(ctx context.Context) error {
	if _, err := SidecarSpec(d.Config()); err != nil {
		return fmt.Errorf("sidecar restart: %w", err)
	}
	if !d.isManaged() {
		return fmt.Errorf("sidecar restart: %w (%s)", ErrSidecarNotManaged, d.ep.Current().String())
	}
	if err := d.mon.Restart(ctx); err != nil {
		d.degrade(string(supervisor.RoleSidecar), err)
		return err
	}
	d.mu.Lock()
	delete(d.degraded, string(supervisor.RoleSidecar))
	d.mu.Unlock()
	return nil
}

func (d *Daemon) isManaged() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.managed
}

func (d *Daemon) degrade(component string, err error) {
	d.log.Warn("running degraded", "component", component, "error", err)
	d.mu.Lock()
	d.degraded[component] = err.Error()
	d.mu.Unlock()
}

// Status returns a snapshot of the daemon.
func (d *Daemon) Status() Status {
	d.mu.Lock()
	st := Status{
		StartedAt:      d.startedAt,
		SidecarManaged: d.managed,
		Degraded:       make(map[string]string, len(d.degraded)),
	}
	for k, v := range d.degraded {
		st.Degraded[k] = v
	}
	if d.store != nil {
		st.Database = d.store.Path()
	}
	d.mu.Unlock()

	if !st.StartedAt.IsZero() {
		st.Uptime = time.Since(st.StartedAt).Round(time.Second).String()
	}
	st.Sidecar = d.ep.Current().String()
	st.Health = d.mon.Stats()
	st.Servers = d.sup.Handles()
	for _, h := range st.Servers {
		if h.State == supervisor.StateRunning {
			delete(st.Degraded, string(h.Role))
		}
	}
	for _, role := range []supervisor.Role{supervisor.RoleSidecar, supervisor.RoleChat, supervisor.RoleEmbedding} {
		if _, ok := st.Degraded[string(role)]; !ok {
			continue
		}
		if lines := d.sup.OutputTail(role); len(lines) > 0 {
			if st.Output == nil {
				st.Output = make(map[string][]string)
			}
			st.Output[string(role)] = lines
		}
	}
	if len(st.Degraded) == 0 {
		st.Degraded = nil
	}
	return st
}

// =============================================================================
// ACCESSORS
// =============================================================================

// Config returns the active configuration. Callers must not modify it.
func (d *Daemon) Config() *config.Config {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return d.cfg
}

// Relay returns the chat relay.
func (d *Daemon) Relay() *relay.Relay { return d.relay }

// Client returns the sidecar control-plane client.
func (d *Daemon) Client() *sidecar.Client { return d.client }

// Monitor returns the health monitor.
func (d *Daemon) Monitor() *health.Monitor { return d.mon }

// Supervisor returns the process supervisor.
func (d *Daemon) Supervisor() *supervisor.Supervisor { return d.sup }

// Endpoint returns the sidecar address holder.
func (d *Daemon) Endpoint() *sidecar.Endpoint { return d.ep }

// Store returns the conversation store, or nil when storage is unavailable.
func (d *Daemon) Store() *storage.Store {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.store
}

// Logger returns the daemon logger.
func (d *Daemon) Logger() *logging.Logger { return d.log }
