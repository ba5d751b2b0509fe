package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/melih/breakwater/internal/core/domain"
)

// document is the serialized form of the whole store. The record counts
// this system deals in (tens of apps, hundreds of instances) make a single
// rewritten document simpler and safer than incremental formats.
type document struct {
	Apps      []domain.App      `json:"apps"`
	Instances []domain.Instance `json:"instances"`
}

// File is a Store persisted as one JSON document. Every mutation rewrites
// the file through a temp-file-plus-rename so a crash mid-write can never
// leave a torn document behind.
type File struct {
	mu   sync.RWMutex
	path string
	t    tables
}

// NewFile opens (or creates) the store at path. A missing file is an empty
// store; a present one is loaded in full.
func NewFile(path string) (*File, error) {
	f := &File{path: path, t: newTables()}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store file: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal store file %s: %w", path, err)
	}
	for _, app := range doc.Apps {
		f.t.putApp(app)
	}
	for _, inst := range doc.Instances {
		f.t.putInstance(inst)
	}
	return f, nil
}

// save writes the current tables to disk. Callers hold the write lock.
func (f *File) save() error {
	doc := document{
		Apps:      f.t.listApps(),
		Instances: f.t.listInstances(""),
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal store document: %w", err)
	}

	if dir := filepath.Dir(f.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create store directory: %w", err)
		}
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp store file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp) // best-effort cleanup
		return fmt.Errorf("rename store file: %w", err)
	}
	return nil
}

func (f *File) PutApp(_ context.Context, app domain.App) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t.putApp(app)
	return f.save()
}

func (f *File) GetApp(_ context.Context, id string) (domain.App, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	app, ok := f.t.getApp(id)
	if !ok {
		return domain.App{}, domain.ErrAppNotFound
	}
	return app, nil
}

func (f *File) ListApps(_ context.Context) ([]domain.App, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.t.listApps(), nil
}

func (f *File) DeleteApp(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t.deleteApp(id)
	return f.save()
}

func (f *File) PutInstance(_ context.Context, inst domain.Instance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t.putInstance(inst)
	return f.save()
}

func (f *File) GetInstance(_ context.Context, id string) (domain.Instance, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	inst, ok := f.t.getInstance(id)
	if !ok {
		return domain.Instance{}, domain.ErrInstanceNotFound
	}
	return inst, nil
}

func (f *File) ListInstances(_ context.Context, appID string) ([]domain.Instance, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.t.listInstances(appID), nil
}

func (f *File) DeleteInstance(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t.deleteInstance(id)
	return f.save()
}
