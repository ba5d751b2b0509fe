package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/melih/breakwater/internal/adapters/store"
	"github.com/melih/breakwater/internal/core/domain"
	"github.com/melih/breakwater/internal/core/ports"
)

func newTestManagerCfg(t *testing.T, prov ports.Provisioner, cfg Config) *Manager {
	t.Helper()
	m := New(hclog.NewNullLogger(), store.NewMemory(), prov, cfg)
	t.Cleanup(m.Close)
	return m
}

func fastHealth() domain.HealthCheckConfig {
	return domain.HealthCheckConfig{
		Path:             "/healthz",
		Interval:         3 * time.Millisecond,
		Timeout:          50 * time.Millisecond,
		FailureThreshold: 2,
	}
}

func hostport(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestCheckerPromotesStartingInstance(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	prov := &fakeProvisioner{addrFor: func(ports.StartSpec) string { return hostport(backend) }}
	m := newTestManager(t, prov)
	c := NewChecker(hclog.NewNullLogger(), m)
	t.Cleanup(c.Close)

	app := mustCreateApp(t, m, domain.App{
		Name: "probed", Image: "img", Port: 80, HealthCheck: fastHealth(),
	})
	if err := m.EnsureCapacity(context.Background(), app.ID, 1); err != nil {
		t.Fatalf("EnsureCapacity: %v", err)
	}
	inst := soleInstance(t, m, app.ID)
	waitState(t, m, inst.ID, domain.StateReady)

	got, _ := m.GetInstance(inst.ID)
	if got.ReadyReported {
		t.Error("probe-derived readiness must not be recorded as a pushed callback")
	}
	if got.LastProbeAt.IsZero() {
		t.Error("LastProbeAt not stamped")
	}
}

func TestCheckerDrainsUnhealthyInstance(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	prov := &fakeProvisioner{addrFor: func(ports.StartSpec) string { return hostport(backend) }}
	m := newTestManager(t, prov)
	c := NewChecker(hclog.NewNullLogger(), m)
	t.Cleanup(c.Close)

	app := mustCreateApp(t, m, domain.App{
		Name: "souring", Image: "img", Port: 80, HealthCheck: fastHealth(),
	})
	if err := m.EnsureCapacity(context.Background(), app.ID, 1); err != nil {
		t.Fatalf("EnsureCapacity: %v", err)
	}
	inst := soleInstance(t, m, app.ID)
	waitState(t, m, inst.ID, domain.StateReady)

	healthy.Store(false)
	waitState(t, m, inst.ID, domain.StateStopped)
	if got := len(m.ListReady(app.ID)); got != 0 {
		t.Errorf("ready instances after drain = %d, want 0", got)
	}
}

func TestCheckerStopsProbingAfterStop(t *testing.T) {
	var hits atomic.Int64
	var healthy atomic.Bool
	healthy.Store(true)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer backend.Close()

	prov := &fakeProvisioner{addrFor: func(ports.StartSpec) string { return hostport(backend) }}
	m := newTestManager(t, prov)
	c := NewChecker(hclog.NewNullLogger(), m)
	t.Cleanup(c.Close)

	app := mustCreateApp(t, m, domain.App{
		Name: "quiet", Image: "img", Port: 80, HealthCheck: fastHealth(),
	})
	if err := m.EnsureCapacity(context.Background(), app.ID, 1); err != nil {
		t.Fatalf("EnsureCapacity: %v", err)
	}
	inst := soleInstance(t, m, app.ID)
	waitState(t, m, inst.ID, domain.StateReady)

	healthy.Store(false)
	waitState(t, m, inst.ID, domain.StateStopped)

	// Let any in-flight probe land, then confirm the loop is gone.
	time.Sleep(20 * time.Millisecond)
	before := hits.Load()
	time.Sleep(50 * time.Millisecond)
	if after := hits.Load(); after != before {
		t.Errorf("probes continued after stop: %d -> %d", before, after)
	}
}

func TestSlowProbeDoesNotBlockOtherInstances(t *testing.T) {
	hung := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer hung.Close()
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	var launches atomic.Int32
	prov := &fakeProvisioner{addrFor: func(ports.StartSpec) string {
		if launches.Add(1) == 1 {
			return hostport(hung)
		}
		return hostport(healthy)
	}}
	m := newTestManager(t, prov)
	c := NewChecker(hclog.NewNullLogger(), m)
	t.Cleanup(c.Close)

	hc := fastHealth()
	hc.Timeout = 10 * time.Millisecond
	app := mustCreateApp(t, m, domain.App{
		Name: "mixed", Image: "img", Port: 80, MaxInstances: 2, HealthCheck: hc,
	})
	if err := m.EnsureCapacity(context.Background(), app.ID, 11); err != nil {
		t.Fatalf("EnsureCapacity: %v", err)
	}

	// The healthy instance becomes Ready while the hung one is still
	// waiting on its probe.
	eventually(t, func() bool { return len(m.ListReady(app.ID)) == 1 }, "healthy instance never became Ready")
	ready := m.ListReady(app.ID)[0]
	if ready.Address != hostport(healthy) {
		t.Errorf("ready instance address = %s, want the healthy backend %s", ready.Address, hostport(healthy))
	}
	for _, inst := range m.Instances(app.ID) {
		if inst.Address == hostport(hung) && inst.State != domain.StateStarting {
			t.Errorf("hung instance state = %s, want still Starting", inst.State)
		}
	}
}

func TestStartupGraceFailsUnresponsiveInstance(t *testing.T) {
	// A backend that never answers successfully keeps the instance in
	// Starting until the watchdog gives up on it.
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	cfg := testConfig()
	cfg.StartupGrace = 25 * time.Millisecond
	prov := &fakeProvisioner{addrFor: func(ports.StartSpec) string { return hostport(backend) }}
	m := newTestManagerCfg(t, prov, cfg)
	c := NewChecker(hclog.NewNullLogger(), m)
	t.Cleanup(c.Close)

	app := mustCreateApp(t, m, domain.App{
		Name: "wedged", Image: "img", Port: 80, HealthCheck: fastHealth(),
	})
	if err := m.EnsureCapacity(context.Background(), app.ID, 1); err != nil {
		t.Fatalf("EnsureCapacity: %v", err)
	}
	inst := soleInstance(t, m, app.ID)
	waitState(t, m, inst.ID, domain.StateStarting)

	time.Sleep(30 * time.Millisecond)
	m.sweep(context.Background())
	waitState(t, m, inst.ID, domain.StateFailed)
	if !prov.stopped(inst.ID) {
		t.Error("runtime of the failed instance never stopped")
	}
}
