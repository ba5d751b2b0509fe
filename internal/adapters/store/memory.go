package store

import (
	"context"
	"sync"

	"github.com/melih/breakwater/internal/core/domain"
)

// Memory is a mutex-guarded in-process Store. It backs tests and
// deployments that accept losing records on restart.
type Memory struct {
	mu sync.RWMutex
	t  tables
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{t: newTables()}
}

func (m *Memory) PutApp(_ context.Context, app domain.App) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.t.putApp(app)
	return nil
}

func (m *Memory) GetApp(_ context.Context, id string) (domain.App, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	app, ok := m.t.getApp(id)
	if !ok {
		return domain.App{}, domain.ErrAppNotFound
	}
	return app, nil
}

func (m *Memory) ListApps(_ context.Context) ([]domain.App, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.listApps(), nil
}

func (m *Memory) DeleteApp(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.t.deleteApp(id)
	return nil
}

func (m *Memory) PutInstance(_ context.Context, inst domain.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.t.putInstance(inst)
	return nil
}

func (m *Memory) GetInstance(_ context.Context, id string) (domain.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.t.getInstance(id)
	if !ok {
		return domain.Instance{}, domain.ErrInstanceNotFound
	}
	return inst, nil
}

func (m *Memory) ListInstances(_ context.Context, appID string) ([]domain.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.listInstances(appID), nil
}

func (m *Memory) DeleteInstance(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.t.deleteInstance(id)
	return nil
}
