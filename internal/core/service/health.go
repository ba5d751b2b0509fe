package service

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"

	"github.com/melih/breakwater/internal/core/domain"
)

// Checker runs one probe loop per Starting or Ready instance. It observes
// instance changes through the manager's hooks and only ever reports probe
// outcomes back; the manager decides what a failure streak means.
type Checker struct {
	log    hclog.Logger
	mgr    *Manager
	client *http.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	watches map[string]context.CancelFunc
}

// NewChecker subscribes to the manager's instance changes. Construct it
// before calling Manager.Recover so instances adopted from the store get
// probe loops too.
func NewChecker(log hclog.Logger, mgr *Manager) *Checker {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	client := cleanhttp.DefaultPooledClient()
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		// A redirect from the health endpoint still means the process is
		// up and answering; take the 3xx as the probe result.
		return http.ErrUseLastResponse
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Checker{
		log:     log,
		mgr:     mgr,
		client:  client,
		ctx:     ctx,
		cancel:  cancel,
		watches: make(map[string]context.CancelFunc),
	}
	mgr.OnInstanceChange(c.onInstanceChange)
	return c
}

// Close stops every probe loop and waits for them to exit.
func (c *Checker) Close() {
	c.cancel()
	c.wg.Wait()
	c.mu.Lock()
	c.watches = make(map[string]context.CancelFunc)
	c.mu.Unlock()
}

func (c *Checker) onInstanceChange(inst domain.Instance) {
	if inst.Probeable() && inst.Address != "" {
		c.ensureWatch(inst.ID)
		return
	}
	c.cancelWatch(inst.ID)
}

func (c *Checker) ensureWatch(instanceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.watches[instanceID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.watches[instanceID] = cancel
	c.wg.Add(1)
	go c.probeLoop(ctx, instanceID)
}

func (c *Checker) cancelWatch(instanceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cancel, ok := c.watches[instanceID]; ok {
		cancel()
		delete(c.watches, instanceID)
	}
}

// probeLoop probes one instance until it leaves the probeable states or
// the checker shuts down. The first probe fires immediately so a fresh
// instance is not stuck waiting a full interval to become Ready.
func (c *Checker) probeLoop(ctx context.Context, instanceID string) {
	defer c.wg.Done()
	defer c.cancelWatch(instanceID)

	for {
		inst, err := c.mgr.GetInstance(instanceID)
		if err != nil || !inst.Probeable() || inst.Address == "" {
			return
		}
		hc := healthConfigFor(c.mgr, inst.AppID)

		ok := c.probe(ctx, "http://"+inst.Address+hc.Path, hc.Timeout)
		if ctx.Err() != nil {
			return
		}
		if ok {
			if rerr := c.mgr.ReportProbeSuccess(instanceID); rerr != nil {
				return
			}
		} else {
			c.log.Debug("probe failed", "instance", instanceID, "address", inst.Address)
			if rerr := c.mgr.ReportProbeFailure(instanceID); rerr != nil {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(hc.Interval):
		}
	}
}

// probe issues one GET with its own timeout. Any 2xx or 3xx is healthy;
// connection errors, timeouts, and 4xx/5xx are not.
func (c *Checker) probe(ctx context.Context, url string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 400
}

func healthConfigFor(mgr *Manager, appID string) domain.HealthCheckConfig {
	if app, err := mgr.GetApp(appID); err == nil {
		return app.HealthCheck
	}
	return domain.HealthCheckConfig{
		Path:             domain.DefaultHealthPath,
		Interval:         domain.DefaultHealthInterval,
		Timeout:          domain.DefaultHealthTimeout,
		FailureThreshold: domain.DefaultFailureThreshold,
	}
}
