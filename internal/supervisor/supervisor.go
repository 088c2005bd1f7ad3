package supervisor

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/boardfleet/internal/lease"
	"github.com/nerrad567/boardfleet/internal/process"
	"github.com/nerrad567/boardfleet/internal/registry"
)

const (
	defaultHealthInterval = 3 * time.Second
	defaultLeaseTTL       = 15 * time.Second

	// leaseCallTimeout bounds one RenewLease round trip.
	leaseCallTimeout = 2 * time.Second
)

// Logger defines the logging interface used by the supervisor.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// LeaseRenewer pushes a lease token to the host serving baseURL.
type LeaseRenewer interface {
	RenewLease(ctx context.Context, baseURL, token string) (time.Time, error)
}

// LeaseOptions controls liveness leases.
type LeaseOptions struct {
	Enabled bool

	// Secret signs the tokens. A random one is generated when empty.
	Secret string

	TTL           time.Duration
	RenewInterval time.Duration
}

// Options configures a Supervisor.
type Options struct {
	// HealthInterval is the reconciliation period. Defaults to 3s.
	HealthInterval time.Duration

	// StopGrace is how long a stopping host may take before it is killed.
	// Zero kills immediately.
	StopGrace time.Duration

	// RestartSettle is the pause between stop and start in Restart.
	RestartSettle time.Duration

	// Autostart starts every registered service when Run begins.
	Autostart bool

	Lease   LeaseOptions
	Renewer LeaseRenewer

	Observers []Observer
}

type spawnFunc func(spec process.Spec, logger process.Logger) (*process.Handle, error)

// Supervisor owns the lifecycle of every registered service.
type Supervisor struct {
	reg       *registry.Registry
	opts      Options
	instances map[string]*instance
	issuer    *lease.Issuer
	logger    Logger
	spawn     spawnFunc

	obsMu     sync.RWMutex
	observers []Observer
}

// instance is the runtime record of one service. op serializes lifecycle
// operations on it; mu guards the fields below and is never held while
// waiting on the process.
type instance struct {
	desc registry.Descriptor
	op   sync.Mutex

	mu     sync.RWMutex
	snap   Snapshot
	handle *process.Handle
}

// New returns a supervisor over every service in reg. Nothing is started.
func New(reg *registry.Registry, opts Options) (*Supervisor, error) {
	if reg == nil {
		return nil, errors.New("supervisor: registry is required")
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = defaultHealthInterval
	}
	opts.StopGrace = max(opts.StopGrace, 0)
	opts.RestartSettle = max(opts.RestartSettle, 0)

	s := &Supervisor{
		reg:       reg,
		instances: make(map[string]*instance, reg.Len()),
		logger:    noopLogger{},
		spawn:     process.Start,
		observers: slices.Clone(opts.Observers),
	}

	if opts.Lease.Enabled {
		if opts.Lease.Secret == "" {
			secret, err := lease.GenerateSecret()
			if err != nil {
				return nil, fmt.Errorf("generating lease secret: %w", err)
			}
			opts.Lease.Secret = secret
		}
		if opts.Lease.TTL <= 0 {
			opts.Lease.TTL = defaultLeaseTTL
		}
		if opts.Lease.RenewInterval <= 0 || opts.Lease.RenewInterval >= opts.Lease.TTL {
			opts.Lease.RenewInterval = opts.Lease.TTL / 3
		}
		s.issuer = lease.NewIssuer(opts.Lease.Secret, opts.Lease.TTL)
	}
	s.opts = opts

	for _, d := range reg.List() {
		s.instances[d.ID] = &instance{desc: d, snap: newSnapshot(d)}
	}
	return s, nil
}

// SetLogger sets the logger for the supervisor and the processes it spawns.
func (s *Supervisor) SetLogger(logger Logger) {
	s.logger = logger
}

// AddObserver registers o for every later transition.
func (s *Supervisor) AddObserver(o Observer) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers = append(s.observers, o)
}

// LeaseSecret returns the secret hosts need to verify lease tokens, or ""
// when leases are disabled.
func (s *Supervisor) LeaseSecret() string {
	return s.opts.Lease.Secret
}

// ListDescriptors returns every registered descriptor in declaration order.
func (s *Supervisor) ListDescriptors() []registry.Descriptor {
	return s.reg.List()
}

// Descriptor returns the descriptor of id.
func (s *Supervisor) Descriptor(id string) (registry.Descriptor, error) {
	d, err := s.reg.Get(id)
	if err != nil {
		return registry.Descriptor{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return d, nil
}

// Statuses returns a snapshot of every service in declaration order.
func (s *Supervisor) Statuses() []Snapshot {
	descs := s.reg.List()
	out := make([]Snapshot, 0, len(descs))
	for _, d := range descs {
		out = append(out, s.instances[d.ID].snapshot())
	}
	return out
}

// Status returns the snapshot of id.
func (s *Supervisor) Status(id string) (Snapshot, error) {
	inst, err := s.get(id)
	if err != nil {
		return Snapshot{}, err
	}
	return inst.snapshot(), nil
}

// Start spawns id and enables auto-restart. It returns ErrAlreadyRunning,
// and spawns nothing, while the service has a live process.
func (s *Supervisor) Start(ctx context.Context, id string) error {
	inst, err := s.get(id)
	if err != nil {
		return err
	}
	inst.op.Lock()
	defer inst.op.Unlock()

	return s.start(ctx, inst, ActionStart)
}

// Stop terminates id, killing it once the grace period runs out. Stopping a
// stopped service succeeds. With disableAutoRestart the health loop won't
// bring the service back.
func (s *Supervisor) Stop(ctx context.Context, id string, disableAutoRestart bool) error {
	inst, err := s.get(id)
	if err != nil {
		return err
	}
	inst.op.Lock()
	defer inst.op.Unlock()

	return s.stop(ctx, inst, disableAutoRestart)
}

// Restart stops id if it runs, waits the settle delay and starts it again
// with auto-restart enabled. A ctx that is already done leaves the service
// untouched. Once the stop has happened the restart runs to completion even
// if ctx ends, so a departed caller cannot leave the service down.
func (s *Supervisor) Restart(ctx context.Context, id string) error {
	inst, err := s.get(id)
	if err != nil {
		return err
	}
	inst.op.Lock()
	defer inst.op.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)

	if err := s.stop(ctx, inst, false); err != nil {
		return err
	}
	if s.opts.RestartSettle > 0 {
		time.Sleep(s.opts.RestartSettle)
	}
	return s.start(ctx, inst, ActionRestart)
}

// Run reconciles services on every health tick and renews leases until
// ctx is cancelled. Services keep running when Run returns; call Shutdown
// to stop them.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.opts.Autostart {
		for _, d := range s.reg.List() {
			if err := s.Start(ctx, d.ID); err != nil && !errors.Is(err, ErrAlreadyRunning) {
				s.logger.Warn("autostart failed", "service_id", d.ID, "error", err)
			}
		}
	}

	health := time.NewTicker(s.opts.HealthInterval)
	defer health.Stop()

	var renew <-chan time.Time
	if s.issuer != nil {
		t := time.NewTicker(s.opts.Lease.RenewInterval)
		defer t.Stop()
		renew = t.C
	}

	s.logger.Info("supervisor running",
		"services", s.reg.Len(),
		"health_interval", s.opts.HealthInterval,
		"lease", s.issuer != nil,
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-health.C:
			s.reconcile(ctx)
		case <-renew:
			s.renewLeases(ctx)
		}
	}
}

// Shutdown stops every running service concurrently and disables their
// auto-restart.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, d := range s.reg.List() {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := s.Stop(ctx, id, true); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(d.ID)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (s *Supervisor) get(id string) (*instance, error) {
	inst, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return inst, nil
}

// start must be called with inst.op held.
func (s *Supervisor) start(_ context.Context, inst *instance, action Action) error {
	id := inst.desc.ID

	inst.mu.Lock()
	if inst.handle != nil && !inst.handle.Exited() {
		inst.mu.Unlock()
		return fmt.Errorf("%w: %s pid %d", ErrAlreadyRunning, id, inst.handle.PID())
	}
	inst.snap.AutoRestartEnabled = true
	inst.mu.Unlock()

	instanceID := uuid.NewString()
	h, err := s.spawn(s.spec(inst.desc, instanceID), s.logger)
	if err != nil {
		inst.mu.Lock()
		inst.handle = nil
		inst.snap.State = StateCrashed
		inst.snap.IsRunning = false
		inst.snap.ProcessID = 0
		inst.snap.LastExit = err.Error()
		snap := inst.snapshotLocked()
		inst.mu.Unlock()

		s.logger.Warn("spawning service failed", "service_id", id, "error", err)
		s.notify(Transition{ServiceID: id, InstanceID: instanceID, Action: ActionSpawnFailed, Detail: err.Error(), Snapshot: snap})
		return fmt.Errorf("starting %s: %w", id, err)
	}

	started := h.StartedAt()
	inst.mu.Lock()
	inst.handle = h
	inst.snap.State = StateRunning
	inst.snap.IsRunning = true
	inst.snap.ProcessID = h.PID()
	inst.snap.InstanceID = instanceID
	inst.snap.StartedAt = &started
	if action == ActionRestart {
		inst.snap.RestartCount++
	}
	snap := inst.snapshotLocked()
	inst.mu.Unlock()

	s.logger.Info("service started", "service_id", id, "pid", h.PID(), "instance", instanceID, "action", action)
	s.notify(Transition{ServiceID: id, InstanceID: instanceID, Action: action, PID: h.PID(), Snapshot: snap})
	return nil
}

// stop must be called with inst.op held.
func (s *Supervisor) stop(_ context.Context, inst *instance, disable bool) error {
	id := inst.desc.ID

	inst.mu.Lock()
	if disable {
		inst.snap.AutoRestartEnabled = false
	}
	h := inst.handle
	if h == nil || h.Exited() {
		inst.handle = nil
		inst.snap.State = StateStopped
		inst.snap.IsRunning = false
		inst.snap.ProcessID = 0
		inst.mu.Unlock()
		return nil
	}
	inst.snap.State = StateStopping
	instanceID := inst.snap.InstanceID
	inst.mu.Unlock()

	err := h.Stop(s.opts.StopGrace)

	inst.mu.Lock()
	inst.handle = nil
	inst.snap.State = StateStopped
	inst.snap.IsRunning = false
	inst.snap.ProcessID = 0
	inst.snap.LastExit = exitDetail(h)
	snap := inst.snapshotLocked()
	inst.mu.Unlock()

	s.logger.Info("service stopped", "service_id", id, "pid", h.PID())
	s.notify(Transition{ServiceID: id, InstanceID: instanceID, Action: ActionStop, PID: h.PID(), Detail: snap.LastExit, Snapshot: snap})
	if err != nil {
		return fmt.Errorf("stopping %s: %w", id, err)
	}
	return nil
}

// reconcile detects crashed processes and respawns those with auto-restart
// enabled. A service with an operation in progress is skipped this round.
func (s *Supervisor) reconcile(ctx context.Context) {
	for _, d := range s.reg.List() {
		inst := s.instances[d.ID]
		if !inst.op.TryLock() {
			continue
		}
		s.reconcileOne(ctx, inst)
		inst.op.Unlock()
	}
}

func (s *Supervisor) reconcileOne(ctx context.Context, inst *instance) {
	id := inst.desc.ID

	inst.mu.Lock()
	h := inst.handle
	crashed := inst.snap.State == StateRunning && h != nil && h.Exited()
	if crashed {
		inst.handle = nil
		inst.snap.State = StateCrashed
		inst.snap.IsRunning = false
		inst.snap.ProcessID = 0
		inst.snap.LastExit = exitDetail(h)
	}
	retry := inst.snap.State == StateCrashed && inst.snap.AutoRestartEnabled
	snap := inst.snapshotLocked()
	inst.mu.Unlock()

	if crashed {
		detail := fmt.Errorf("%w: %s", ErrProcessCrash, snap.LastExit).Error()
		s.logger.Warn("service crashed", "service_id", id, "pid", h.PID(), "exit", snap.LastExit, "auto_restart", retry)
		s.notify(Transition{ServiceID: id, InstanceID: snap.InstanceID, Action: ActionCrash, PID: h.PID(), Detail: detail, Snapshot: snap})
	}
	if retry {
		if err := s.start(ctx, inst, ActionRestart); err != nil {
			s.logger.Debug("auto-restart failed", "service_id", id, "error", err)
		}
	}
}

// renewLeases pushes a fresh token to every running host with a URL.
// Failures are logged only; the host's own lease decides what happens.
func (s *Supervisor) renewLeases(ctx context.Context) {
	if s.opts.Renewer == nil {
		return
	}
	for _, snap := range s.Statuses() {
		if !snap.IsRunning || snap.BaseURL == "" {
			continue
		}
		token, _, err := s.issuer.Issue(snap.ID, snap.InstanceID)
		if err != nil {
			s.logger.Error("issuing lease failed", "service_id", snap.ID, "error", err)
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, leaseCallTimeout)
		expires, err := s.opts.Renewer.RenewLease(callCtx, snap.BaseURL, token)
		cancel()
		if err != nil {
			s.logger.Debug("lease renewal failed", "service_id", snap.ID, "url", snap.BaseURL, "error", err)
			continue
		}
		s.logger.Debug("lease renewed", "service_id", snap.ID, "expires", expires)
	}
}

func (s *Supervisor) spec(d registry.Descriptor, instanceID string) process.Spec {
	env := make([]string, 0, len(d.Env)+3)
	for _, k := range slices.Sorted(maps.Keys(d.Env)) {
		env = append(env, k+"="+d.Env[k])
	}
	env = append(env, lease.EnvServiceID+"="+d.ID, lease.EnvInstanceID+"="+instanceID)
	if s.issuer != nil {
		env = append(env, lease.EnvSecret+"="+s.opts.Lease.Secret)
	}
	return process.Spec{
		Name:   d.ID,
		Binary: d.ExecutablePath,
		Args:   slices.Clone(d.StartupArguments),
		Env:    env,
	}
}

func (s *Supervisor) notify(t Transition) {
	if t.At.IsZero() {
		t.At = time.Now()
	}
	s.obsMu.RLock()
	observers := s.observers
	s.obsMu.RUnlock()

	for _, o := range observers {
		o.Observe(t)
	}
}

func (inst *instance) snapshot() Snapshot {
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	return inst.snapshotLocked()
}

// snapshotLocked reports an exited handle the way the next reconcile will
// record it, so a snapshot never pairs a dead pid with a running state.
func (inst *instance) snapshotLocked() Snapshot {
	snap := inst.snap
	snap.StartupArguments = slices.Clone(snap.StartupArguments)
	if h := inst.handle; h != nil && h.Exited() {
		snap.IsRunning = false
		snap.ProcessID = 0
		if snap.State == StateRunning {
			snap.State = StateCrashed
			snap.LastExit = exitDetail(h)
		}
	}
	return snap
}

func exitDetail(h *process.Handle) string {
	if err := h.ExitErr(); err != nil {
		return err.Error()
	}
	return fmt.Sprintf("exit status %d", h.ExitCode())
}
