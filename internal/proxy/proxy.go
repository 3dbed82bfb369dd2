// Package proxy forwards HTTP requests from control-plane clients to a
// registered engine node, for clients that cannot reach nodes directly.
// Built on net/http/httputil.ReverseProxy — no third-party reverse-proxy
// package appears anywhere in the example pack's dependency surface, so
// this one ambient concern is carried on the standard library (see
// DESIGN.md).
package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/freitascorp/meridian/internal/errs"
	"github.com/freitascorp/meridian/internal/registry"
	"github.com/freitascorp/meridian/pkg/resilience"
)

// hopByHopHeaders are stripped in both directions per RFC 7230 §6.1,
// plus the request-local "host" header.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade", "Host",
}

func stripHopByHop(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
	// HTTP/2 pseudo-headers never belong on a net/http Header, but a
	// naively-copied header map from an upstream hop could carry them.
	for name := range h {
		if strings.HasPrefix(name, ":") {
			h.Del(name)
		}
	}
}

// Response is a proxied HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Request describes an outbound proxy call.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Header  http.Header
	Body    io.Reader
}

// DefaultTimeout bounds every outbound proxied request.
const DefaultTimeout = 10 * time.Second

// Proxy forwards HTTP requests to registered nodes by ID.
type Proxy struct {
	nodes    *registry.Registry
	timeout  time.Duration
	client   *http.Client
	breakers breakerMap
	enabled  bool
}

// Config configures a Proxy.
type Config struct {
	Nodes   *registry.Registry
	Timeout time.Duration
	// Enabled gates the whole façade; when false every call fails
	// ProxyDisabled, letting operators turn off direct node access
	// cluster-wide without redeploying.
	Enabled bool
}

// New returns a Proxy.
func New(cfg Config) *Proxy {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Proxy{
		nodes:   cfg.Nodes,
		timeout: cfg.Timeout,
		client:  &http.Client{Timeout: cfg.Timeout},
		breakers: breakerMap{
			m: make(map[registry.NodeID]*resilience.CircuitBreaker),
		},
		enabled: cfg.Enabled,
	}
}

type breakerMap struct {
	mu sync.Mutex
	m  map[registry.NodeID]*resilience.CircuitBreaker
}

func (bm *breakerMap) get(id registry.NodeID) *resilience.CircuitBreaker {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	cb, ok := bm.m[id]
	if !ok {
		cb = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: string(id)})
		bm.m[id] = cb
	}
	return cb
}

// Forward proxies req to the node identified by nodeID.
func (p *Proxy) Forward(ctx context.Context, nodeID registry.NodeID, req Request) (*Response, error) {
	if !p.enabled {
		return nil, errs.New(errs.PermissionDenied, "proxy is disabled")
	}
	node, ok := p.nodes.Get(nodeID)
	if !ok {
		return nil, errs.New(errs.NotFound, "node %s not found", nodeID)
	}

	target, err := url.Parse("http://" + strings.TrimSuffix(node.AdvertiseAddress, "/"))
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "invalid advertise address for node %s", nodeID)
	}

	outHeader := req.Header.Clone()
	stripHopByHop(outHeader)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	u := *target
	u.Path = singleJoiningSlash(target.Path, req.Path)
	u.RawQuery = req.Query.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), req.Body)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "build proxy request")
	}
	httpReq.Header = outHeader

	breaker := p.breakers.get(nodeID)
	var resp *Response
	cbErr := breaker.Execute(func() error {
		httpResp, err := p.client.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return errs.Wrap(errs.Timeout, err, "proxy request to node %s timed out", nodeID)
			}
			return errs.Wrap(errs.Unavailable, err, "proxy request to node %s failed", nodeID)
		}
		defer httpResp.Body.Close()

		body, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return errs.Wrap(errs.Internal, err, "read proxy response body from node %s", nodeID)
		}

		inHeader := httpResp.Header.Clone()
		stripHopByHop(inHeader)
		resp = &Response{StatusCode: httpResp.StatusCode, Header: inHeader, Body: body}
		return nil
	})
	if cbErr != nil {
		var tagged *errs.Error
		if errors.As(cbErr, &tagged) {
			return nil, cbErr
		}
		// The circuit breaker itself rejected the call (open state):
		// not a node-reported failure, but the node is still unavailable.
		return nil, errs.Wrap(errs.Unavailable, cbErr, "proxy request to node %s failed", nodeID)
	}
	return resp, nil
}

// ReverseProxyHandler returns an httputil.ReverseProxy that forwards to
// the given node's advertise address, for mounting directly as an
// http.Handler (e.g. websocket upgrades, streaming responses) where the
// buffered Forward path above would be unsuitable.
func (p *Proxy) ReverseProxyHandler(nodeID registry.NodeID) (*httputil.ReverseProxy, error) {
	node, ok := p.nodes.Get(nodeID)
	if !ok {
		return nil, errs.New(errs.NotFound, "node %s not found", nodeID)
	}
	target, err := url.Parse("http://" + strings.TrimSuffix(node.AdvertiseAddress, "/"))
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "invalid advertise address for node %s", nodeID)
	}

	rp := httputil.NewSingleHostReverseProxy(target)
	baseDirector := rp.Director
	rp.Director = func(r *http.Request) {
		baseDirector(r)
		stripHopByHop(r.Header)
	}
	baseModify := rp.ModifyResponse
	rp.ModifyResponse = func(r *http.Response) error {
		stripHopByHop(r.Header)
		if baseModify != nil {
			return baseModify(r)
		}
		return nil
	}
	return rp, nil
}

func singleJoiningSlash(a, b string) string {
	aSlash := strings.HasSuffix(a, "/")
	bSlash := strings.HasPrefix(b, "/")
	switch {
	case aSlash && bSlash:
		return a + b[1:]
	case !aSlash && !bSlash:
		return a + "/" + b
	}
	return a + b
}
