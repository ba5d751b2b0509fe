package http

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"

	"github.com/melih/breakwater/internal/core/domain"
)

// Control is the slice of the control plane the data plane needs: name
// resolution, the Ready snapshot, cold-start parking, and connection
// bookkeeping. It never mutates instance state directly.
type Control interface {
	ResolveApp(name string) (domain.App, error)
	ListReady(appID string) []domain.Instance
	AwaitReady(ctx context.Context, appID string) error
	ConnStarted(instanceID string)
	ConnFinished(instanceID string)
}

// ProxyConfig tunes the data plane.
type ProxyConfig struct {
	// Domain is the base domain apps are served under (app "blog" answers
	// on blog.<Domain>). Empty means the first host label is the app name.
	Domain string
	// ColdStartTimeout bounds how long a request waits for an instance
	// before giving up with 503.
	ColdStartTimeout time.Duration
	// MaxBufferedBody is the largest request body kept rewindable for the
	// one retry against another instance. Larger bodies stream straight
	// through and are never retried.
	MaxBufferedBody int64
}

func (c *ProxyConfig) normalize() {
	if c.ColdStartTimeout <= 0 {
		c.ColdStartTimeout = 30 * time.Second
	}
	if c.MaxBufferedBody <= 0 {
		c.MaxBufferedBody = 1 << 20
	}
}

// retryAfterSeconds is the hint clients get with a cold-start 503. By then
// an instance is usually seconds away, not another full timeout away.
const retryAfterSeconds = 5

// Proxy is the data plane: it maps the request's subdomain to an App,
// rotates across that App's Ready instances, parks requests through cold
// starts, and relays WebSocket upgrades byte for byte.
type Proxy struct {
	log       hclog.Logger
	ctl       Control
	cfg       ProxyConfig
	transport http.RoundTripper
	dialer    *net.Dialer

	cursors sync.Map // appID -> *uint64 rotation position
}

// NewProxy builds the data plane handler.
func NewProxy(log hclog.Logger, ctl Control, cfg ProxyConfig) *Proxy {
	cfg.normalize()
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Proxy{
		log:       log,
		ctl:       ctl,
		cfg:       cfg,
		transport: cleanhttp.DefaultPooledTransport(),
		dialer:    &net.Dialer{Timeout: 10 * time.Second},
	}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name, ok := p.subdomain(r.Host)
	if !ok {
		http.Error(w, "no app subdomain in host", http.StatusNotFound)
		return
	}
	app, err := p.ctl.ResolveApp(name)
	if err != nil {
		http.Error(w, fmt.Sprintf("app %q not found", name), http.StatusNotFound)
		return
	}

	if isWebSocketUpgrade(r) {
		p.serveWebSocket(w, r, app)
		return
	}
	p.serveHTTP(w, r, app)
}

// subdomain extracts the app name from the request host.
func (p *Proxy) subdomain(hostport string) (string, bool) {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))

	if p.cfg.Domain != "" {
		name, found := strings.CutSuffix(host, "."+strings.TrimPrefix(p.cfg.Domain, "."))
		if !found || name == "" || strings.Contains(name, ".") {
			return "", false
		}
		return name, true
	}

	parts := strings.Split(host, ".")
	if len(parts) < 2 {
		return "", false
	}
	sub := parts[0]
	if sub == "" || sub == "www" {
		return "", false
	}
	return sub, true
}

// rotate picks the next Ready instance for the App. The snapshot is
// immutable and id-sorted, so walking it with a per-App counter spreads
// consecutive requests across every Ready instance.
func (p *Proxy) rotate(appID string) (domain.Instance, bool) {
	ready := p.ctl.ListReady(appID)
	if len(ready) == 0 {
		return domain.Instance{}, false
	}
	cur, _ := p.cursors.LoadOrStore(appID, new(uint64))
	n := atomic.AddUint64(cur.(*uint64), 1)
	return ready[(n-1)%uint64(len(ready))], true
}

// acquire returns a Ready instance, parking through a cold start when none
// exists yet. The wait is bounded by ColdStartTimeout on top of whatever
// deadline the request already carries.
func (p *Proxy) acquire(ctx context.Context, app domain.App) (domain.Instance, error) {
	if inst, ok := p.rotate(app.ID); ok {
		return inst, nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.ColdStartTimeout)
	defer cancel()
	for {
		if err := p.ctl.AwaitReady(waitCtx, app.ID); err != nil {
			return domain.Instance{}, err
		}
		// A drain can race the wakeup; park again rather than fail.
		if inst, ok := p.rotate(app.ID); ok {
			return inst, nil
		}
	}
}

// serveHTTP forwards a plain HTTP request. A backend that fails before
// anything reaches the client gets one retry against a different Ready
// instance; after bytes flow, the failure is the client's to see.
func (p *Proxy) serveHTTP(w http.ResponseWriter, r *http.Request, app domain.App) {
	body, retriable, err := bufferBody(r, p.cfg.MaxBufferedBody)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	var lastErr error
	var firstID string
	for attempt := 0; attempt < 2; attempt++ {
		inst, aerr := p.acquire(r.Context(), app)
		if aerr != nil {
			if lastErr != nil {
				p.badGateway(w, app, lastErr)
			} else {
				p.respondUnavailable(w, app, aerr)
			}
			return
		}
		if attempt > 0 && inst.ID == firstID {
			// Nothing but the instance that just failed; no point retrying.
			break
		}

		p.ctl.ConnStarted(inst.ID)
		tripErr := func() error {
			defer p.ctl.ConnFinished(inst.ID)
			return p.forward(w, r, inst)
		}()
		if tripErr == nil {
			return
		}
		lastErr = tripErr
		firstID = inst.ID
		p.log.Warn("backend request failed", "app", app.Name, "instance", inst.ID,
			"address", inst.Address, "error", tripErr)

		if errors.Is(tripErr, context.Canceled) {
			return // client went away; nothing to answer
		}
		if !retriable {
			break
		}
		if body != nil {
			r.Body = io.NopCloser(bytes.NewReader(body))
		}
	}
	p.badGateway(w, app, lastErr)
}

// forward proxies one attempt. A nil return means a response reached the
// client (whatever its status); a non-nil return means the backend failed
// with nothing written, so the caller may retry elsewhere.
func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, inst domain.Instance) error {
	target := &url.URL{Scheme: "http", Host: inst.Address}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Transport = p.transport

	// Rewrite Host to the target so the instance sees a host it expects
	// rather than the public app domain.
	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		req.Host = target.Host
		req.URL.Host = target.Host
		req.URL.Scheme = target.Scheme
	}

	// The error handler only runs when the round trip failed before any
	// byte was written. Recording the error instead of answering 502 here
	// is what leaves room for the retry.
	var tripErr error
	proxy.ErrorHandler = func(_ http.ResponseWriter, _ *http.Request, err error) {
		tripErr = err
	}
	proxy.ServeHTTP(w, r)
	return tripErr
}

// bufferBody makes small request bodies rewindable so a failed first
// attempt can be retried. Absent bodies are trivially retriable; bodies of
// unknown or oversized length stream through exactly once.
func bufferBody(r *http.Request, limit int64) (body []byte, retriable bool, err error) {
	if r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0 {
		return nil, true, nil
	}
	if r.ContentLength < 0 || r.ContentLength > limit {
		return nil, false, nil
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, r.ContentLength))
	r.Body.Close()
	if err != nil {
		return nil, false, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, true, nil
}

// isWebSocketUpgrade detects an RFC 6455 handshake request.
func isWebSocketUpgrade(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	for _, v := range r.Header.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}

// serveWebSocket relays an upgrade request without understanding a byte of
// the protocol: forward the handshake, and once the backend answers 101,
// hijack the client connection and shovel bytes both ways until either
// side errors or closes. Before the handshake is forwarded a dead backend
// still gets the usual one retry; after it, never.
func (p *Proxy) serveWebSocket(w http.ResponseWriter, r *http.Request, app domain.App) {
	var lastErr error
	var firstID string
	for attempt := 0; attempt < 2; attempt++ {
		inst, aerr := p.acquire(r.Context(), app)
		if aerr != nil {
			if lastErr != nil {
				p.badGateway(w, app, lastErr)
			} else {
				p.respondUnavailable(w, app, aerr)
			}
			return
		}
		if attempt > 0 && inst.ID == firstID {
			break
		}

		done, tripErr := func() (bool, error) {
			p.ctl.ConnStarted(inst.ID)
			defer p.ctl.ConnFinished(inst.ID)
			return p.relayWebSocket(w, r, inst)
		}()
		if done {
			return
		}
		lastErr = tripErr
		firstID = inst.ID
		p.log.Warn("websocket handshake failed", "app", app.Name, "instance", inst.ID,
			"address", inst.Address, "error", tripErr)
		if errors.Is(tripErr, context.Canceled) {
			return
		}
	}
	p.badGateway(w, app, lastErr)
}

// relayWebSocket performs one handshake attempt against one instance.
// done reports whether the client received an answer (including a backend
// that declined the upgrade); when done is false nothing was written and
// the caller may retry.
func (p *Proxy) relayWebSocket(w http.ResponseWriter, r *http.Request, inst domain.Instance) (done bool, err error) {
	backend, err := p.dialer.DialContext(r.Context(), "tcp", inst.Address)
	if err != nil {
		return false, fmt.Errorf("dial backend: %w", err)
	}

	outReq := r.Clone(r.Context())
	outReq.URL.Scheme = "http"
	outReq.URL.Host = inst.Address
	outReq.Host = inst.Address
	outReq.RequestURI = ""

	if err := outReq.Write(backend); err != nil {
		backend.Close()
		return false, fmt.Errorf("write handshake: %w", err)
	}
	backendReader := bufio.NewReader(backend)
	resp, err := http.ReadResponse(backendReader, outReq)
	if err != nil {
		backend.Close()
		return false, fmt.Errorf("read handshake response: %w", err)
	}

	if resp.StatusCode != http.StatusSwitchingProtocols {
		// The backend answered but declined the upgrade; hand its verdict
		// to the client as a plain response.
		defer backend.Close()
		defer resp.Body.Close()
		copyHeader(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
		return true, nil
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		backend.Close()
		http.Error(w, "websocket relaying unsupported", http.StatusInternalServerError)
		return true, nil
	}
	clientConn, clientBuf, err := hj.Hijack()
	if err != nil {
		backend.Close()
		http.Error(w, "websocket relaying unsupported", http.StatusInternalServerError)
		return true, nil
	}
	defer clientConn.Close()
	defer backend.Close()

	if err := resp.Write(clientBuf); err != nil {
		return true, nil
	}
	if err := clientBuf.Flush(); err != nil {
		return true, nil
	}

	// Bytes already sitting in either buffered reader belong to the
	// stream; replay them ahead of their connections.
	var clientSrc io.Reader = clientConn
	if n := clientBuf.Reader.Buffered(); n > 0 {
		peeked, _ := clientBuf.Reader.Peek(n)
		clientSrc = io.MultiReader(bytes.NewReader(peeked), clientConn)
	}
	var backendSrc io.Reader = backend
	if n := backendReader.Buffered(); n > 0 {
		peeked, _ := backendReader.Peek(n)
		backendSrc = io.MultiReader(bytes.NewReader(peeked), backend)
	}

	errc := make(chan error, 2)
	go func() {
		_, cerr := io.Copy(backend, clientSrc)
		errc <- cerr
	}()
	go func() {
		_, cerr := io.Copy(clientConn, backendSrc)
		errc <- cerr
	}()
	// Either direction ending tears down both connections via the defers,
	// which unblocks the other copy.
	<-errc
	return true, nil
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func (p *Proxy) respondUnavailable(w http.ResponseWriter, app domain.App, err error) {
	switch {
	case errors.Is(err, domain.ErrAppNotFound):
		http.Error(w, fmt.Sprintf("app %q not found", app.Name), http.StatusNotFound)
	case errors.Is(err, domain.ErrAppDegraded):
		p.log.Warn("request refused, app degraded", "app", app.Name)
		http.Error(w, fmt.Sprintf("app %q cannot start instances until an operator resets it", app.Name),
			http.StatusServiceUnavailable)
	default:
		p.log.Warn("cold start deadline exceeded", "app", app.Name, "error", err)
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		http.Error(w, fmt.Sprintf("no instance of app %q became ready in time", app.Name),
			http.StatusServiceUnavailable)
	}
}

func (p *Proxy) badGateway(w http.ResponseWriter, app domain.App, err error) {
	http.Error(w, fmt.Sprintf("app %q: backend request failed: %v", app.Name, err),
		http.StatusBadGateway)
}
