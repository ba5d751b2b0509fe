// Package store provides the persistence adapters behind ports.Store: an
// in-memory implementation for tests and ephemeral runs, and a JSON file
// implementation whose whole document is rewritten atomically on every
// mutation. Both keep records keyed by id and hand out copies, never
// internal references.
package store

import (
	"sort"

	"github.com/melih/breakwater/internal/core/domain"
)

// tables is the shared record container. It does no locking; the concrete
// stores wrap it with their own synchronization.
type tables struct {
	apps      map[string]domain.App
	instances map[string]domain.Instance
}

func newTables() tables {
	return tables{
		apps:      make(map[string]domain.App),
		instances: make(map[string]domain.Instance),
	}
}

func (t *tables) putApp(app domain.App) {
	t.apps[app.ID] = app
}

func (t *tables) getApp(id string) (domain.App, bool) {
	app, ok := t.apps[id]
	return app, ok
}

func (t *tables) listApps() []domain.App {
	out := make([]domain.App, 0, len(t.apps))
	for _, app := range t.apps {
		out = append(out, app)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (t *tables) deleteApp(id string) {
	delete(t.apps, id)
}

func (t *tables) putInstance(inst domain.Instance) {
	t.instances[inst.ID] = inst
}

func (t *tables) getInstance(id string) (domain.Instance, bool) {
	inst, ok := t.instances[id]
	return inst, ok
}

// listInstances filters by owning App when appID is non-empty. Results are
// ordered oldest first with the id as tie-breaker, which keeps recovery and
// API listings deterministic.
func (t *tables) listInstances(appID string) []domain.Instance {
	out := make([]domain.Instance, 0, len(t.instances))
	for _, inst := range t.instances {
		if appID != "" && inst.AppID != appID {
			continue
		}
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (t *tables) deleteInstance(id string) {
	delete(t.instances, id)
}
