package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/hashicorp/go-hclog"

	"github.com/melih/breakwater/internal/adapters/store"
	"github.com/melih/breakwater/internal/core/domain"
	"github.com/melih/breakwater/internal/core/ports"
	"github.com/melih/breakwater/internal/core/service"
)

type fakeLogs struct {
	by map[string]string
}

func (f fakeLogs) Logs(ctx context.Context, instanceID string, tail int) (io.ReadCloser, error) {
	s, ok := f.by[instanceID]
	if !ok {
		return nil, domain.ErrInstanceNotFound
	}
	return io.NopCloser(strings.NewReader(s)), nil
}

type adminFixture struct {
	app     *fiber.App
	mgr     *service.Manager
	runtime *scriptedRuntime
}

func newAdminFixture(t *testing.T, logs ports.LogStreamer) *adminFixture {
	t.Helper()
	runtime := &scriptedRuntime{addr: "127.0.0.1:9000"}
	mgr := service.New(hclog.NewNullLogger(), store.NewMemory(), runtime, service.Config{
		ProvisionAttempts: 3,
		BackoffBase:       time.Millisecond,
		BackoffMax:        2 * time.Millisecond,
		StartupGrace:      time.Minute,
		DrainTimeout:      time.Minute,
		Retention:         time.Hour,
		SweepInterval:     time.Hour,
	})
	t.Cleanup(mgr.Close)

	h := NewAdminHandler(mgr, logs)
	app := fiber.New()
	v1 := app.Group("/api").Group("/v1")
	h.Register(v1)
	app.Get("/healthz", h.Health)

	return &adminFixture{app: app, mgr: mgr, runtime: runtime}
}

func (f *adminFixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.app.Test(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestAdminCreateAndGetApp(t *testing.T) {
	f := newAdminFixture(t, nil)

	resp := f.do(t, http.MethodPost, "/api/v1/apps",
		`{"name":"blog","image":"blog:latest","port":8080,"idle_timeout":"90s"}`)
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("create: got status %d, want 201", resp.StatusCode)
	}
	created := decode[domain.App](t, resp)
	if created.ID == "" {
		t.Fatal("created app has no ID")
	}
	if created.IdleTimeout != 90*time.Second {
		t.Fatalf("IdleTimeout = %v, want 90s", created.IdleTimeout)
	}
	if created.PendingPerInstance != domain.DefaultPendingPerInstance {
		t.Fatalf("PendingPerInstance = %d, want default %d",
			created.PendingPerInstance, domain.DefaultPendingPerInstance)
	}

	resp = f.do(t, http.MethodGet, "/api/v1/apps/"+created.ID, "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("get: got status %d, want 200", resp.StatusCode)
	}
	status := decode[service.AppStatus](t, resp)
	if status.App.Name != "blog" || status.Degraded {
		t.Fatalf("unexpected status: %+v", status)
	}

	resp = f.do(t, http.MethodGet, "/api/v1/apps/no-such-app", "")
	resp.Body.Close()
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("get unknown: got status %d, want 404", resp.StatusCode)
	}
}

func TestAdminCreateAppRejectsBadInput(t *testing.T) {
	f := newAdminFixture(t, nil)

	cases := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{"name": `, fiber.StatusBadRequest},
		{"missing image", `{"name":"blog","port":8080}`, fiber.StatusBadRequest},
		{"bad duration", `{"name":"blog","image":"img","port":80,"idle_timeout":"soon"}`, fiber.StatusBadRequest},
		{"invalid name", `{"name":"Not_A_Label","image":"img","port":80}`, fiber.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, "/api/v1/apps", tc.body)
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Errorf("got status %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}

	resp := f.do(t, http.MethodPost, "/api/v1/apps", `{"name":"dup","image":"img","port":80}`)
	resp.Body.Close()
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("first create: got %d", resp.StatusCode)
	}
	resp = f.do(t, http.MethodPost, "/api/v1/apps", `{"name":"dup","image":"img","port":80}`)
	resp.Body.Close()
	if resp.StatusCode != fiber.StatusConflict {
		t.Fatalf("duplicate create: got status %d, want 409", resp.StatusCode)
	}
}

func TestAdminScaleApp(t *testing.T) {
	f := newAdminFixture(t, nil)

	resp := f.do(t, http.MethodPost, "/api/v1/apps", `{"name":"web","image":"img","port":80}`)
	created := decode[domain.App](t, resp)

	resp = f.do(t, http.MethodPost, "/api/v1/apps/"+created.ID+"/scale",
		`{"min_instances":2,"max_instances":5}`)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("scale: got status %d, want 200", resp.StatusCode)
	}
	updated := decode[domain.App](t, resp)
	if updated.MinInstances != 2 || updated.MaxInstances != 5 {
		t.Fatalf("scale bounds = %d/%d, want 2/5", updated.MinInstances, updated.MaxInstances)
	}

	resp = f.do(t, http.MethodPost, "/api/v1/apps/no-such-app/scale", `{"min_instances":1,"max_instances":1}`)
	resp.Body.Close()
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("scale unknown: got status %d, want 404", resp.StatusCode)
	}
}

func TestAdminInstanceLifecycle(t *testing.T) {
	f := newAdminFixture(t, nil)

	resp := f.do(t, http.MethodPost, "/api/v1/apps", `{"name":"api","image":"img","port":80}`)
	created := decode[domain.App](t, resp)

	if err := f.mgr.EnsureCapacity(context.Background(), created.ID, 1); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		insts := f.mgr.Instances(created.ID)
		return len(insts) == 1 && insts[0].State == domain.StateStarting
	}, "instance never reached Starting")

	resp = f.do(t, http.MethodGet, "/api/v1/apps/"+created.ID+"/instances", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("list instances: got status %d, want 200", resp.StatusCode)
	}
	insts := decode[[]domain.Instance](t, resp)
	if len(insts) != 1 || insts[0].State != domain.StateStarting {
		t.Fatalf("unexpected instances: %+v", insts)
	}
	instID := insts[0].ID

	resp = f.do(t, http.MethodPost, "/api/v1/instances/"+instID+"/ready", "")
	resp.Body.Close()
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("ready callback: got status %d, want 204", resp.StatusCode)
	}

	resp = f.do(t, http.MethodGet, "/api/v1/instances/"+instID, "")
	inst := decode[domain.Instance](t, resp)
	if inst.State != domain.StateReady || !inst.ReadyReported {
		t.Fatalf("after callback: state=%s readyReported=%v", inst.State, inst.ReadyReported)
	}

	resp = f.do(t, http.MethodPost, "/api/v1/instances/no-such-instance/ready", "")
	resp.Body.Close()
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("ready for unknown instance: got status %d, want 404", resp.StatusCode)
	}
}

func TestAdminDeleteApp(t *testing.T) {
	f := newAdminFixture(t, nil)

	resp := f.do(t, http.MethodPost, "/api/v1/apps", `{"name":"gone","image":"img","port":80}`)
	created := decode[domain.App](t, resp)

	resp = f.do(t, http.MethodDelete, "/api/v1/apps/"+created.ID, "")
	resp.Body.Close()
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("delete: got status %d, want 200", resp.StatusCode)
	}

	resp = f.do(t, http.MethodGet, "/api/v1/apps/"+created.ID, "")
	resp.Body.Close()
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("get after delete: got status %d, want 404", resp.StatusCode)
	}
}

func TestAdminInstanceLogs(t *testing.T) {
	fl := fakeLogs{by: map[string]string{}}
	f := newAdminFixture(t, fl)

	resp := f.do(t, http.MethodPost, "/api/v1/apps", `{"name":"logged","image":"img","port":80}`)
	created := decode[domain.App](t, resp)
	if err := f.mgr.EnsureCapacity(context.Background(), created.ID, 1); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(f.mgr.Instances(created.ID)) == 1 },
		"instance never appeared")
	instID := f.mgr.Instances(created.ID)[0].ID
	fl.by[instID] = "line one\nline two\n"

	resp = f.do(t, http.MethodGet, "/api/v1/instances/"+instID+"/logs?tail=2", "")
	defer resp.Body.Close()
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("logs: got status %d, want 200", resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "line one\nline two\n" {
		t.Fatalf("streamed logs = %q", b)
	}

	resp = f.do(t, http.MethodGet, "/api/v1/instances/no-such-instance/logs", "")
	resp.Body.Close()
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("unknown instance: got status %d, want 404", resp.StatusCode)
	}

	bare := newAdminFixture(t, nil)
	resp = bare.do(t, http.MethodGet, "/api/v1/instances/"+instID+"/logs", "")
	resp.Body.Close()
	if resp.StatusCode != fiber.StatusNotImplemented {
		t.Fatalf("logs without a streamer: got status %d, want 501", resp.StatusCode)
	}
}

func TestAdminHealthz(t *testing.T) {
	f := newAdminFixture(t, nil)
	resp := f.do(t, http.MethodGet, "/healthz", "")
	defer resp.Body.Close()
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("healthz: got status %d, want 200", resp.StatusCode)
	}
}
