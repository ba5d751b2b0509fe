package service

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/melih/breakwater/internal/core/domain"
)

// appEntry is an App plus the runtime flags that never persist: the
// degraded marker set when provisioning attempts run out, and the guard
// that keeps provisioning single-flight per App.
type appEntry struct {
	app          domain.App
	degraded     bool
	lastErr      string
	provisioning bool
}

// instanceEntry is an Instance plus its connection bookkeeping. In-flight
// counts and routing times are rebuilt from zero after a restart; only the
// Instance record itself is durable.
type instanceEntry struct {
	inst       domain.Instance
	inflight   int
	lastRouted time.Time
}

// counts summarizes an App's instances by state.
type counts struct {
	provisioning int
	starting     int
	ready        int
	draining     int
	stopped      int
	failed       int
}

// live is how many instances are on their way to serving or already serve.
func (c counts) live() int {
	return c.provisioning + c.starting + c.ready
}

// registry is the single synchronized view of every App and Instance. The
// manager is its only writer; routing reads go through prebuilt snapshot
// slices that are replaced, never mutated, so readers are never blocked by
// a transition in progress.
type registry struct {
	mu        sync.RWMutex
	apps      map[string]*appEntry
	names     map[string]string // app name -> app id
	instances map[string]*instanceEntry
	ready     map[string][]domain.Instance // appID -> immutable Ready snapshot
}

func newRegistry() *registry {
	return &registry{
		apps:      make(map[string]*appEntry),
		names:     make(map[string]string),
		instances: make(map[string]*instanceEntry),
		ready:     make(map[string][]domain.Instance),
	}
}

// --- apps ---

func (r *registry) upsertApp(app domain.App) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.apps[app.ID]; ok {
		delete(r.names, cur.app.Name)
		cur.app = app
	} else {
		r.apps[app.ID] = &appEntry{app: app}
	}
	r.names[app.Name] = app.ID
}

// tryInsertApp registers a new App unless its id or name is already taken.
func (r *registry) tryInsertApp(app domain.App) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.apps[app.ID]; ok {
		return false
	}
	if _, ok := r.names[app.Name]; ok {
		return false
	}
	r.apps[app.ID] = &appEntry{app: app}
	r.names[app.Name] = app.ID
	return true
}

func (r *registry) allApps() []domain.App {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.App, 0, len(r.apps))
	for _, entry := range r.apps {
		out = append(out, entry.app)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *registry) removeApp(id string) (domain.App, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.apps[id]
	if !ok {
		return domain.App{}, false
	}
	delete(r.names, entry.app.Name)
	delete(r.apps, id)
	delete(r.ready, id)
	return entry.app, true
}

func (r *registry) app(id string) (domain.App, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.apps[id]
	if !ok {
		return domain.App{}, false
	}
	return entry.app, true
}

func (r *registry) appByName(name string) (domain.App, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.names[name]
	if !ok {
		return domain.App{}, false
	}
	return r.apps[id].app, true
}

func (r *registry) appIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.apps))
	for id := range r.apps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *registry) setDegraded(id, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.apps[id]; ok {
		entry.degraded = true
		entry.lastErr = reason
	}
}

func (r *registry) clearDegraded(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.apps[id]; ok {
		entry.degraded = false
		entry.lastErr = ""
	}
}

func (r *registry) degraded(id string) (bool, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.apps[id]
	if !ok {
		return false, ""
	}
	return entry.degraded, entry.lastErr
}

// beginProvision flips the App's single-flight provisioning guard. It
// returns false when a provisioning run is already active.
func (r *registry) beginProvision(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.apps[id]
	if !ok || entry.provisioning {
		return false
	}
	entry.provisioning = true
	return true
}

func (r *registry) endProvision(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.apps[id]; ok {
		entry.provisioning = false
	}
}

// --- instances ---

func (r *registry) addInstance(inst domain.Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[inst.ID] = &instanceEntry{inst: inst}
	if inst.State == domain.StateReady {
		r.rebuildReadyLocked(inst.AppID)
	}
}

func (r *registry) instance(id string) (domain.Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.instances[id]
	if !ok {
		return domain.Instance{}, false
	}
	return entry.inst, true
}

// instancesOf returns copies of the App's instances, every state included,
// oldest first. An empty appID returns everything.
func (r *registry) instancesOf(appID string) []domain.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Instance, 0, len(r.instances))
	for _, entry := range r.instances {
		if appID != "" && entry.inst.AppID != appID {
			continue
		}
		out = append(out, entry.inst)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *registry) removeInstance(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.instances[id]
	if !ok {
		return
	}
	delete(r.instances, id)
	if entry.inst.State == domain.StateReady {
		r.rebuildReadyLocked(entry.inst.AppID)
	}
}

// transition applies a legal state change, stamps StateChangedAt, lets the
// caller mutate dependent fields, and refreshes the Ready snapshot. The
// returned Instance is a copy safe to persist and hand to hooks.
func (r *registry) transition(id string, next domain.InstanceState, now time.Time, mutate func(*domain.Instance)) (domain.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.instances[id]
	if !ok {
		return domain.Instance{}, domain.ErrInstanceNotFound
	}
	cur := entry.inst.State
	if !cur.CanTransition(next) {
		return domain.Instance{}, fmt.Errorf("%w: %s -> %s (instance %s)",
			domain.ErrInvalidTransition, cur, next, id)
	}
	entry.inst.State = next
	entry.inst.StateChangedAt = now
	if mutate != nil {
		mutate(&entry.inst)
	}
	if cur == domain.StateReady || next == domain.StateReady {
		r.rebuildReadyLocked(entry.inst.AppID)
	}
	return entry.inst, nil
}

// recordProbe updates the health bookkeeping for one probe outcome and
// returns the updated copy. Consecutive failures reset on any success.
func (r *registry) recordProbe(id string, ok bool, now time.Time) (domain.Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, found := r.instances[id]
	if !found {
		return domain.Instance{}, false
	}
	entry.inst.LastProbeAt = now
	if ok {
		entry.inst.FailureCount = 0
	} else {
		entry.inst.FailureCount++
	}
	return entry.inst, true
}

// markReadyReported records a readiness signal that arrived before the
// instance could legally become Ready. The flag survives the next
// transitions so late signals are never lost, only deferred.
func (r *registry) markReadyReported(id string) (domain.Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.instances[id]
	if !ok {
		return domain.Instance{}, false
	}
	changed := !entry.inst.ReadyReported
	entry.inst.ReadyReported = true
	return entry.inst, changed
}

// readySnapshot returns the prebuilt Ready set for an App, sorted by
// instance id. Callers must treat the slice as read-only; it is replaced
// wholesale on every transition that touches the Ready set.
func (r *registry) readySnapshot(appID string) []domain.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ready[appID]
}

func (r *registry) rebuildReadyLocked(appID string) {
	var snapshot []domain.Instance
	for _, entry := range r.instances {
		if entry.inst.AppID == appID && entry.inst.State == domain.StateReady {
			snapshot = append(snapshot, entry.inst)
		}
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ID < snapshot[j].ID })
	if len(snapshot) == 0 {
		delete(r.ready, appID)
		return
	}
	r.ready[appID] = snapshot
}

func (r *registry) countsOf(appID string) counts {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var c counts
	for _, entry := range r.instances {
		if entry.inst.AppID != appID {
			continue
		}
		switch entry.inst.State {
		case domain.StateProvisioning:
			c.provisioning++
		case domain.StateStarting:
			c.starting++
		case domain.StateReady:
			c.ready++
		case domain.StateDraining:
			c.draining++
		case domain.StateStopped:
			c.stopped++
		case domain.StateFailed:
			c.failed++
		}
	}
	return c
}

// --- connection bookkeeping ---

func (r *registry) connStarted(id string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.instances[id]; ok {
		entry.inflight++
		entry.lastRouted = now
	}
}

// connFinished decrements the in-flight count and reports the state plus
// the remaining count, which the manager uses to complete drains.
func (r *registry) connFinished(id string, now time.Time) (domain.InstanceState, int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.instances[id]
	if !ok {
		return 0, 0, false
	}
	if entry.inflight > 0 {
		entry.inflight--
	}
	entry.lastRouted = now
	return entry.inst.State, entry.inflight, true
}

func (r *registry) inflight(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.instances[id]; ok {
		return entry.inflight
	}
	return 0
}

// --- sweep queries ---

// idleReady returns Ready instances with no in-flight connections whose
// last routed activity (or readiness, if never routed) is older than the
// cutoff; the longest-idle come first so they are drained preferentially.
func (r *registry) idleReady(appID string, cutoff time.Time) []domain.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	type idle struct {
		inst  domain.Instance
		since time.Time
	}
	var idles []idle
	for _, entry := range r.instances {
		if entry.inst.AppID != appID || entry.inst.State != domain.StateReady || entry.inflight > 0 {
			continue
		}
		since := entry.lastRouted
		if since.IsZero() {
			since = entry.inst.StateChangedAt
		}
		if since.Before(cutoff) {
			idles = append(idles, idle{inst: entry.inst, since: since})
		}
	}
	sort.Slice(idles, func(i, j int) bool {
		if !idles[i].since.Equal(idles[j].since) {
			return idles[i].since.Before(idles[j].since)
		}
		return idles[i].inst.ID < idles[j].inst.ID
	})
	out := make([]domain.Instance, len(idles))
	for i, e := range idles {
		out[i] = e.inst
	}
	return out
}

// drainsDue returns Draining instances that either finished their last
// connection or exceeded the force-stop cutoff.
func (r *registry) drainsDue(forceCutoff time.Time) []domain.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Instance
	for _, entry := range r.instances {
		if entry.inst.State != domain.StateDraining {
			continue
		}
		if entry.inflight == 0 || entry.inst.StateChangedAt.Before(forceCutoff) {
			out = append(out, entry.inst)
		}
	}
	return out
}

// stuckStarting returns instances that have sat in Provisioning or Starting
// since before the cutoff and should be failed by the watchdog.
func (r *registry) stuckStarting(cutoff time.Time) []domain.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Instance
	for _, entry := range r.instances {
		st := entry.inst.State
		if (st == domain.StateStarting || st == domain.StateProvisioning) &&
			entry.inst.StateChangedAt.Before(cutoff) {
			out = append(out, entry.inst)
		}
	}
	return out
}

// expiredTerminal returns Stopped and Failed instances whose retention
// window has elapsed; their records are due for deletion.
func (r *registry) expiredTerminal(cutoff time.Time) []domain.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Instance
	for _, entry := range r.instances {
		if entry.inst.State.Terminal() && entry.inst.StateChangedAt.Before(cutoff) {
			out = append(out, entry.inst)
		}
	}
	return out
}
