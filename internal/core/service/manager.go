package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/melih/breakwater/internal/core/domain"
	"github.com/melih/breakwater/internal/core/ports"
)

// Config tunes the manager's lifecycle machinery. Zero values are replaced
// with working defaults by normalize.
type Config struct {
	// ProvisionAttempts is how many consecutive transient failures a
	// provisioning run survives before the App is marked degraded.
	ProvisionAttempts int
	// BackoffBase and BackoffMax bound the exponential delay between
	// provisioning retries.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// StartupGrace is how long an instance may sit in Provisioning or
	// Starting before the watchdog fails it.
	StartupGrace time.Duration
	// DrainTimeout force-stops a Draining instance that still reports
	// in-flight connections after this long.
	DrainTimeout time.Duration
	// Retention is how long Stopped and Failed records stay visible for
	// inspection before the sweeper deletes them.
	Retention time.Duration
	// SweepInterval is the cadence of the background maintenance pass.
	SweepInterval time.Duration
	// ReadyCallbackBase, when set, is the admin API base URL handed to
	// instances so they can push readiness instead of waiting for a probe.
	ReadyCallbackBase string
}

func (c *Config) normalize() {
	if c.ProvisionAttempts <= 0 {
		c.ProvisionAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = 8 * time.Second
	}
	if c.StartupGrace <= 0 {
		c.StartupGrace = 60 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 10 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
}

// Manager owns every App and Instance state change. All writes funnel
// through it, which is what makes the lifecycle invariants enforceable:
// probes, readiness callbacks, admin calls, and the data plane only report
// in, they never mutate state themselves.
type Manager struct {
	log   hclog.Logger
	store ports.Store
	prov  ports.Provisioner
	cfg   Config

	reg  *registry
	wait *waitQueue
	now  func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	hookMu sync.RWMutex
	hooks  []func(domain.Instance)
}

// New wires a Manager to its store and runtime. Call Recover before serving
// traffic and Run in a goroutine for background maintenance.
func New(log hclog.Logger, store ports.Store, prov ports.Provisioner, cfg Config) *Manager {
	cfg.normalize()
	if log == nil {
		log = hclog.NewNullLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		log:    log,
		store:  store,
		prov:   prov,
		cfg:    cfg,
		reg:    newRegistry(),
		wait:   newWaitQueue(),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
}

// OnInstanceChange registers a hook fired after every instance state
// change, outside the registry lock. The health checker uses it to start
// and stop probe loops. Register hooks before Recover so adopted instances
// are observed too.
func (m *Manager) OnInstanceChange(fn func(domain.Instance)) {
	m.hookMu.Lock()
	m.hooks = append(m.hooks, fn)
	m.hookMu.Unlock()
}

func (m *Manager) fireHooks(inst domain.Instance) {
	m.hookMu.RLock()
	hooks := m.hooks
	m.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(inst)
	}
}

// persistInstance writes through to the store. Persistence failures are
// logged, not propagated: the registry is authoritative while the process
// lives, and recovery re-probes everything after a restart, so a stale
// store record heals itself.
func (m *Manager) persistInstance(inst domain.Instance) {
	if err := m.store.PutInstance(context.Background(), inst); err != nil {
		m.log.Error("persist instance", "instance", inst.ID, "app", inst.AppID, "error", err)
	}
}

// Close stops background work and waits for in-flight provisioning and
// stop calls to finish. Running instances are left running; recovery
// re-adopts them on the next boot.
func (m *Manager) Close() {
	m.cancel()
	m.wait.wakeAll()
	m.wg.Wait()
}

// --- app administration ---

// CreateApp validates, persists, and registers a new App.
func (m *Manager) CreateApp(ctx context.Context, app domain.App) (domain.App, error) {
	app.Normalize()
	if err := app.Validate(); err != nil {
		return domain.App{}, err
	}
	if app.ID == "" {
		app.ID = uuid.NewString()
	}
	if app.CreatedAt.IsZero() {
		app.CreatedAt = m.now()
	}
	if !m.reg.tryInsertApp(app) {
		return domain.App{}, fmt.Errorf("%w: %s", domain.ErrAppExists, app.Name)
	}
	if err := m.store.PutApp(ctx, app); err != nil {
		m.reg.removeApp(app.ID)
		return domain.App{}, fmt.Errorf("persist app: %w", err)
	}
	m.log.Info("app created", "app", app.ID, "name", app.Name, "image", app.Image)
	return app, nil
}

// GetApp returns the App by id.
func (m *Manager) GetApp(id string) (domain.App, error) {
	app, ok := m.reg.app(id)
	if !ok {
		return domain.App{}, domain.ErrAppNotFound
	}
	return app, nil
}

// ResolveApp returns the App registered under the given name. The data
// plane uses it to map a request's subdomain to an App.
func (m *Manager) ResolveApp(name string) (domain.App, error) {
	app, ok := m.reg.appByName(name)
	if !ok {
		return domain.App{}, domain.ErrAppNotFound
	}
	return app, nil
}

// ListApps returns every registered App sorted by name.
func (m *Manager) ListApps() []domain.App {
	return m.reg.allApps()
}

// UpdateScale changes an App's instance bounds. It clears any degraded
// marker so the next demand triggers a fresh provisioning run.
func (m *Manager) UpdateScale(ctx context.Context, id string, min, max int) (domain.App, error) {
	app, ok := m.reg.app(id)
	if !ok {
		return domain.App{}, domain.ErrAppNotFound
	}
	app.MinInstances = min
	app.MaxInstances = max
	app.Normalize()
	if err := app.Validate(); err != nil {
		return domain.App{}, err
	}
	if err := m.store.PutApp(ctx, app); err != nil {
		return domain.App{}, fmt.Errorf("persist app: %w", err)
	}
	m.reg.upsertApp(app)
	m.reg.clearDegraded(id)
	m.log.Info("app scale updated", "app", id, "min", app.MinInstances, "max", app.MaxInstances)
	if err := m.EnsureCapacity(ctx, id, m.wait.depth(id)); err != nil {
		m.log.Warn("ensure capacity after scale update", "app", id, "error", err)
	}
	return app, nil
}

// ResetDegraded clears the degraded marker set when provisioning attempts
// ran out, letting the App scale again.
func (m *Manager) ResetDegraded(ctx context.Context, id string) error {
	if _, ok := m.reg.app(id); !ok {
		return domain.ErrAppNotFound
	}
	m.reg.clearDegraded(id)
	m.log.Info("app degraded flag cleared", "app", id)
	return m.EnsureCapacity(ctx, id, m.wait.depth(id))
}

// DeleteApp removes the App and winds down all of its instances: Ready
// instances drain, everything younger is failed and its runtime stopped.
func (m *Manager) DeleteApp(ctx context.Context, id string) error {
	app, ok := m.reg.removeApp(id)
	if !ok {
		return domain.ErrAppNotFound
	}
	if err := m.store.DeleteApp(ctx, id); err != nil {
		m.log.Error("delete app from store", "app", id, "error", err)
	}
	for _, inst := range m.reg.instancesOf(id) {
		switch inst.State {
		case domain.StateReady:
			m.drainInstance(inst.ID, "app deleted")
		case domain.StateProvisioning, domain.StateStarting:
			m.failInstance(inst, "app deleted")
		}
	}
	m.wait.wake(id)
	m.log.Info("app deleted", "app", id, "name", app.Name)
	return nil
}

// InstanceCounts breaks an App's instances down by state.
type InstanceCounts struct {
	Provisioning int `json:"provisioning"`
	Starting     int `json:"starting"`
	Ready        int `json:"ready"`
	Draining     int `json:"draining"`
	Stopped      int `json:"stopped"`
	Failed       int `json:"failed"`
}

// AppStatus is the operator view of one App.
type AppStatus struct {
	App        domain.App     `json:"app"`
	Degraded   bool           `json:"degraded"`
	LastError  string         `json:"last_error,omitempty"`
	QueueDepth int            `json:"queue_depth"`
	Instances  InstanceCounts `json:"instances"`
}

// Status reports the App plus its instance counts, queue depth, and
// degraded state.
func (m *Manager) Status(id string) (AppStatus, error) {
	app, ok := m.reg.app(id)
	if !ok {
		return AppStatus{}, domain.ErrAppNotFound
	}
	deg, lastErr := m.reg.degraded(id)
	c := m.reg.countsOf(id)
	return AppStatus{
		App:        app,
		Degraded:   deg,
		LastError:  lastErr,
		QueueDepth: m.wait.depth(id),
		Instances: InstanceCounts{
			Provisioning: c.provisioning,
			Starting:     c.starting,
			Ready:        c.ready,
			Draining:     c.draining,
			Stopped:      c.stopped,
			Failed:       c.failed,
		},
	}, nil
}

// Statuses reports every App, sorted by name.
func (m *Manager) Statuses() []AppStatus {
	apps := m.reg.allApps()
	out := make([]AppStatus, 0, len(apps))
	for _, app := range apps {
		st, err := m.Status(app.ID)
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	return out
}

// Instances returns the App's instances, every state included, oldest
// first.
func (m *Manager) Instances(appID string) []domain.Instance {
	return m.reg.instancesOf(appID)
}

// GetInstance returns one instance record.
func (m *Manager) GetInstance(id string) (domain.Instance, error) {
	inst, ok := m.reg.instance(id)
	if !ok {
		return domain.Instance{}, domain.ErrInstanceNotFound
	}
	return inst, nil
}

// ListReady returns the prebuilt Ready snapshot for the App. Callers must
// treat the slice as read-only.
func (m *Manager) ListReady(appID string) []domain.Instance {
	return m.reg.readySnapshot(appID)
}

// QueueDepth reports how many connections are parked waiting for the App.
func (m *Manager) QueueDepth(appID string) int {
	return m.wait.depth(appID)
}

// --- scaling ---

// requiredInstances translates demand into an instance count: at least
// MinInstances, at least one per PendingPerInstance waiting connections
// rounded up, never more than MaxInstances.
func requiredInstances(app domain.App, demand int) int {
	required := app.MinInstances
	if demand > 0 {
		perInstance := app.PendingPerInstance
		if perInstance <= 0 {
			perInstance = domain.DefaultPendingPerInstance
		}
		byDemand := (demand + perInstance - 1) / perInstance
		if byDemand > required {
			required = byDemand
		}
	}
	if required > app.MaxInstances {
		required = app.MaxInstances
	}
	return required
}

// EnsureCapacity starts a provisioning run if the App's live instance
// count (Provisioning, Starting, or Ready) is below what the demand
// requires. It is idempotent: at most one run is active per App, and the
// run itself re-evaluates demand before every launch.
func (m *Manager) EnsureCapacity(ctx context.Context, appID string, demand int) error {
	app, ok := m.reg.app(appID)
	if !ok {
		return domain.ErrAppNotFound
	}
	if deg, _ := m.reg.degraded(appID); deg {
		return domain.ErrAppDegraded
	}
	if m.reg.countsOf(appID).live() >= requiredInstances(app, demand) {
		return nil
	}
	if !m.reg.beginProvision(appID) {
		return nil
	}
	m.wg.Add(1)
	go m.provisionLoop(appID, demand)
	return nil
}

// provisionLoop launches instances one at a time until the App's live
// count covers demand. The demand the run was started for acts as a floor;
// connections parked after that raise it. Transient failures retry with
// exponential backoff; a fatal failure or exhausted attempts mark the App
// degraded and wake any parked waiters so they fail fast.
func (m *Manager) provisionLoop(appID string, demand int) {
	defer m.wg.Done()
	defer m.maybeRestartProvision(appID)
	defer m.reg.endProvision(appID)

	log := m.log.With("app", appID)
	bo := newBackoff(m.cfg.BackoffBase, m.cfg.BackoffMax)
	attempt := 0
	for {
		if m.ctx.Err() != nil {
			return
		}
		app, ok := m.reg.app(appID)
		if !ok {
			return
		}
		if deg, _ := m.reg.degraded(appID); deg {
			return
		}
		required := requiredInstances(app, max(m.wait.depth(appID), demand))
		if m.reg.countsOf(appID).live() >= required {
			return
		}

		attempt++
		inst, err := m.provisionOne(app)
		if err != nil {
			log.Warn("provisioning attempt failed", "attempt", attempt, "error", err)
			if domain.IsFatalProvision(err) || attempt >= m.cfg.ProvisionAttempts {
				m.reg.setDegraded(appID, err.Error())
				log.Error("cannot scale app, provisioning stopped until reset",
					"attempts", attempt, "error", err)
				m.wait.wake(appID)
				return
			}
			select {
			case <-time.After(bo.Next()):
			case <-m.ctx.Done():
				return
			}
			continue
		}
		log.Info("instance launched", "instance", inst.ID, "address", inst.Address)
		attempt = 0
		bo.Reset()
	}
}

// provisionOne records a Provisioning instance, asks the runtime to start
// it, and moves it to Starting with its address. Failed launches leave a
// Failed record behind for inspection.
func (m *Manager) provisionOne(app domain.App) (domain.Instance, error) {
	now := m.now()
	inst := domain.Instance{
		ID:             uuid.NewString(),
		AppID:          app.ID,
		State:          domain.StateProvisioning,
		CreatedAt:      now,
		StateChangedAt: now,
	}
	m.reg.addInstance(inst)
	m.persistInstance(inst)

	addr, err := m.prov.Start(m.ctx, ports.StartSpec{
		InstanceID:       inst.ID,
		AppID:            app.ID,
		ImageRef:         app.Image,
		Port:             app.Port,
		StartupDelayHint: app.StartupDelayHint,
		ReadyCallbackURL: m.readyCallbackURL(inst.ID),
	})
	if err != nil {
		if failed, terr := m.reg.transition(inst.ID, domain.StateFailed, m.now(), nil); terr == nil {
			m.persistInstance(failed)
			m.fireHooks(failed)
		}
		return domain.Instance{}, err
	}

	started, terr := m.reg.transition(inst.ID, domain.StateStarting, m.now(), func(i *domain.Instance) {
		i.Address = addr
	})
	if terr != nil {
		// The watchdog or an app deletion failed the record while Start
		// was in flight. The runtime side exists now, so undo it.
		if serr := m.prov.Stop(m.ctx, inst.ID); serr != nil {
			m.log.Warn("stop orphaned instance", "instance", inst.ID, "error", serr)
		}
		return domain.Instance{}, fmt.Errorf("instance %s overtaken during start: %w", inst.ID, terr)
	}
	m.persistInstance(started)
	m.fireHooks(started)
	return started, nil
}

// maybeRestartProvision closes the race between a provisioning run's exit
// check and a connection parking just after it. It runs after endProvision,
// so either the late caller's EnsureCapacity wins the guard or this
// recheck does; demand can no longer fall through the gap.
func (m *Manager) maybeRestartProvision(appID string) {
	if m.ctx.Err() != nil {
		return
	}
	app, ok := m.reg.app(appID)
	if !ok {
		return
	}
	if deg, _ := m.reg.degraded(appID); deg {
		return
	}
	if m.reg.countsOf(appID).live() >= requiredInstances(app, m.wait.depth(appID)) {
		return
	}
	if !m.reg.beginProvision(appID) {
		return
	}
	m.wg.Add(1)
	go m.provisionLoop(appID, 0)
}

func (m *Manager) readyCallbackURL(instanceID string) string {
	if m.cfg.ReadyCallbackBase == "" {
		return ""
	}
	return strings.TrimRight(m.cfg.ReadyCallbackBase, "/") + "/api/v1/instances/" + instanceID + "/ready"
}

// ScaleDown drains surplus idle instances: Ready, no in-flight
// connections, unrouted for longer than the App's IdleTimeout. The floor
// is MinInstances, and nothing is drained while connections wait.
func (m *Manager) ScaleDown(appID string) error {
	app, ok := m.reg.app(appID)
	if !ok {
		return domain.ErrAppNotFound
	}
	if m.wait.depth(appID) > 0 {
		return nil
	}
	surplus := m.reg.countsOf(appID).ready - app.MinInstances
	if surplus <= 0 {
		return nil
	}
	for _, inst := range m.reg.idleReady(appID, m.now().Add(-app.IdleTimeout)) {
		if surplus <= 0 {
			break
		}
		m.drainInstance(inst.ID, "idle")
		surplus--
	}
	return nil
}

// --- lifecycle reports ---

// ReportReady handles a readiness signal pushed by the instance itself.
// Starting instances become Ready and parked waiters wake. A signal that
// arrives while the record is still Provisioning is remembered; one that
// arrives after the instance left service is ignored.
func (m *Manager) ReportReady(instanceID string) error {
	inst, ok := m.reg.instance(instanceID)
	if !ok {
		return domain.ErrInstanceNotFound
	}
	switch inst.State {
	case domain.StateStarting:
		m.makeReady(instanceID, true)
	case domain.StateProvisioning, domain.StateReady:
		if marked, changed := m.reg.markReadyReported(instanceID); changed {
			m.persistInstance(marked)
		}
	default:
		m.log.Debug("ignoring stale readiness signal", "instance", instanceID, "state", inst.State)
	}
	return nil
}

// ReportProbeSuccess records a passing health probe. A Starting instance
// becomes Ready; a Ready instance has its failure streak reset.
func (m *Manager) ReportProbeSuccess(instanceID string) error {
	inst, ok := m.reg.recordProbe(instanceID, true, m.now())
	if !ok {
		return domain.ErrInstanceNotFound
	}
	if inst.State == domain.StateStarting {
		m.makeReady(instanceID, false)
	}
	return nil
}

// makeReady performs the Starting to Ready transition and wakes parked
// waiters. Losing the transition race to the watchdog is not an error;
// there is simply nothing to wake.
func (m *Manager) makeReady(instanceID string, viaCallback bool) {
	ready, err := m.reg.transition(instanceID, domain.StateReady, m.now(), func(i *domain.Instance) {
		i.FailureCount = 0
		if viaCallback {
			i.ReadyReported = true
		}
	})
	if err != nil {
		return
	}
	m.log.Info("instance ready", "instance", ready.ID, "app", ready.AppID, "address", ready.Address)
	m.persistInstance(ready)
	m.fireHooks(ready)
	m.wait.wake(ready.AppID)
}

// ReportProbeFailure records a failed health probe. Once a Ready
// instance's consecutive failures reach the App's threshold it is drained,
// exactly once; further failures find it already Draining. Starting
// instances are left to the startup grace watchdog.
func (m *Manager) ReportProbeFailure(instanceID string) error {
	inst, ok := m.reg.recordProbe(instanceID, false, m.now())
	if !ok {
		return domain.ErrInstanceNotFound
	}
	if inst.State != domain.StateReady {
		return nil
	}
	threshold := domain.DefaultFailureThreshold
	if app, ok := m.reg.app(inst.AppID); ok && app.HealthCheck.FailureThreshold > 0 {
		threshold = app.HealthCheck.FailureThreshold
	}
	if inst.FailureCount >= threshold {
		m.drainInstance(instanceID, fmt.Sprintf("%d consecutive probe failures", inst.FailureCount))
	}
	return nil
}

// drainInstance moves a Ready instance out of the routing set. With no
// in-flight connections it stops immediately; otherwise ConnFinished or
// the sweep completes the drain.
func (m *Manager) drainInstance(instanceID, reason string) {
	drained, err := m.reg.transition(instanceID, domain.StateDraining, m.now(), nil)
	if err != nil {
		return
	}
	m.log.Warn("draining instance", "instance", drained.ID, "app", drained.AppID, "reason", reason)
	m.persistInstance(drained)
	m.fireHooks(drained)
	if m.reg.inflight(instanceID) == 0 {
		m.stopAsync(drained)
	}
}

// failInstance marks an instance Failed and makes a best-effort attempt to
// stop whatever the runtime may have started for it.
func (m *Manager) failInstance(inst domain.Instance, reason string) {
	failed, err := m.reg.transition(inst.ID, domain.StateFailed, m.now(), nil)
	if err != nil {
		return
	}
	m.log.Warn("instance failed", "instance", failed.ID, "app", failed.AppID, "reason", reason)
	if serr := m.prov.Stop(m.ctx, failed.ID); serr != nil {
		m.log.Debug("stop failed instance runtime", "instance", failed.ID, "error", serr)
	}
	m.persistInstance(failed)
	m.fireHooks(failed)
	// The last live instance of a degraded App dying means parked waiters
	// have nothing left to wait for.
	if deg, _ := m.reg.degraded(failed.AppID); deg && m.reg.countsOf(failed.AppID).live() == 0 {
		m.wait.wake(failed.AppID)
	}
}

// stopInstance terminates a Draining instance's runtime and records it
// Stopped. Losing the transition race to a concurrent stop is fine; Stop
// on an already-gone runtime is defined as a no-op by the port.
func (m *Manager) stopInstance(inst domain.Instance) {
	if err := m.prov.Stop(m.ctx, inst.ID); err != nil {
		m.log.Warn("stop instance runtime", "instance", inst.ID, "app", inst.AppID, "error", err)
	}
	stopped, err := m.reg.transition(inst.ID, domain.StateStopped, m.now(), nil)
	if err != nil {
		return
	}
	m.log.Info("instance stopped", "instance", stopped.ID, "app", stopped.AppID)
	m.persistInstance(stopped)
	m.fireHooks(stopped)
}

func (m *Manager) stopAsync(inst domain.Instance) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.stopInstance(inst)
	}()
}

// --- data plane hooks ---

// ConnStarted records a connection routed to the instance.
func (m *Manager) ConnStarted(instanceID string) {
	m.reg.connStarted(instanceID, m.now())
}

// ConnFinished records a connection's end. The last connection leaving a
// Draining instance completes its drain.
func (m *Manager) ConnFinished(instanceID string) {
	state, remaining, ok := m.reg.connFinished(instanceID, m.now())
	if !ok || state != domain.StateDraining || remaining > 0 {
		return
	}
	if inst, found := m.reg.instance(instanceID); found {
		m.stopAsync(inst)
	}
}

// AwaitReady parks the caller until the App has at least one Ready
// instance, the context expires, or the App degrades with nothing left
// serving. Parking itself raises demand: the queue is registered first and
// capacity ensured second, so the provisioning machinery always sees this
// caller. The recheck after enqueue closes the window where readiness
// lands between the snapshot read and the registration.
func (m *Manager) AwaitReady(ctx context.Context, appID string) error {
	deadline, _ := ctx.Deadline()
	for {
		if len(m.reg.readySnapshot(appID)) > 0 {
			return nil
		}
		if _, ok := m.reg.app(appID); !ok {
			return domain.ErrAppNotFound
		}
		if deg, _ := m.reg.degraded(appID); deg && m.reg.countsOf(appID).live() == 0 {
			return domain.ErrAppDegraded
		}
		w := m.wait.enqueue(appID, m.now(), deadline)
		if len(m.reg.readySnapshot(appID)) > 0 {
			m.wait.remove(appID, w)
			return nil
		}
		// Degraded and not-found outcomes surface at the top of the loop;
		// here the call only converts queue depth into launches.
		_ = m.EnsureCapacity(ctx, appID, m.wait.depth(appID))
		select {
		case <-w.ch:
		case <-ctx.Done():
			m.wait.remove(appID, w)
			return fmt.Errorf("%w: %s", domain.ErrNoCapacity, ctx.Err())
		case <-m.ctx.Done():
			m.wait.remove(appID, w)
			return domain.ErrNoCapacity
		}
	}
}

// --- recovery and maintenance ---

// Recover rebuilds the registry from the store after a restart. Stored
// state is a hint, not truth: instances that claim to be Starting or Ready
// are announced to hooks so the health checker re-probes them, Provisioning
// records are orphans and fail immediately, Starting records older than the
// grace window fail, and Draining instances stop outright since their
// connections did not survive the restart.
func (m *Manager) Recover(ctx context.Context) error {
	apps, err := m.store.ListApps(ctx)
	if err != nil {
		return fmt.Errorf("recover apps: %w", err)
	}
	for _, app := range apps {
		app.Normalize()
		m.reg.upsertApp(app)
	}

	insts, err := m.store.ListInstances(ctx, "")
	if err != nil {
		return fmt.Errorf("recover instances: %w", err)
	}
	now := m.now()
	var adopted, failed, stopped int
	for _, inst := range insts {
		m.reg.addInstance(inst)
		switch inst.State {
		case domain.StateProvisioning:
			m.failInstance(inst, "orphaned by restart")
			failed++
		case domain.StateStarting:
			if now.Sub(inst.StateChangedAt) > m.cfg.StartupGrace {
				m.failInstance(inst, "startup grace exceeded across restart")
				failed++
				continue
			}
			m.fireHooks(inst)
			adopted++
		case domain.StateReady:
			// Adopted provisionally; the checker's first probe confirms or
			// starts the failure streak.
			m.fireHooks(inst)
			adopted++
		case domain.StateDraining:
			m.stopInstance(inst)
			stopped++
		}
	}
	m.log.Info("recovery complete", "apps", len(apps), "instances", len(insts),
		"adopted", adopted, "failed", failed, "stopped", stopped)
	return nil
}

// Run executes the maintenance sweep until the context or the manager
// closes: minimum-capacity upkeep, idle scale-down, the startup watchdog,
// drain completion, and terminal record retention.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	now := m.now()

	for _, inst := range m.reg.stuckStarting(now.Add(-m.cfg.StartupGrace)) {
		m.failInstance(inst, "startup grace exceeded")
	}
	for _, inst := range m.reg.drainsDue(now.Add(-m.cfg.DrainTimeout)) {
		m.stopInstance(inst)
	}
	for _, inst := range m.reg.expiredTerminal(now.Add(-m.cfg.Retention)) {
		if err := m.store.DeleteInstance(context.Background(), inst.ID); err != nil {
			m.log.Error("delete expired instance record", "instance", inst.ID, "error", err)
			continue
		}
		m.reg.removeInstance(inst.ID)
	}
	for _, id := range m.reg.appIDs() {
		if err := m.ScaleDown(id); err != nil && !errors.Is(err, domain.ErrAppNotFound) {
			m.log.Warn("scale down", "app", id, "error", err)
		}
		err := m.EnsureCapacity(ctx, id, m.wait.depth(id))
		if err != nil && !errors.Is(err, domain.ErrAppDegraded) && !errors.Is(err, domain.ErrAppNotFound) {
			m.log.Warn("ensure capacity", "app", id, "error", err)
		}
	}
}
