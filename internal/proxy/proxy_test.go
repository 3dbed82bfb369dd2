package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freitascorp/meridian/internal/errs"
	"github.com/freitascorp/meridian/internal/registry"
)

func newTestNodeRegistry(t *testing.T, advertiseAddress string) (*registry.Registry, registry.NodeID) {
	t.Helper()
	nodes := registry.New(registry.Config{Store: registry.NewMemoryStore()})
	id, err := nodes.Register(context.Background(), registry.NodeInfo{AdvertiseAddress: advertiseAddress})
	require.NoError(t, err)
	return nodes, id
}

func TestForwardStripsHopByHopHeadersAndRoundTrips(t *testing.T) {
	var seenConnection string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenConnection = r.Header.Get("Connection")
		assert.Equal(t, "/containers/c1/stats", r.URL.Path)
		assert.Equal(t, "v=2", r.URL.RawQuery)
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok")
	}))
	defer upstream.Close()

	nodes, id := newTestNodeRegistry(t, strings.TrimPrefix(upstream.URL, "http://"))
	p := New(Config{Nodes: nodes, Enabled: true})

	header := http.Header{}
	header.Set("Connection", "close")
	resp, err := p.Forward(context.Background(), id, Request{
		Method: http.MethodGet,
		Path:   "/containers/c1/stats",
		Query:  url.Values{"v": {"2"}},
		Header: header,
	})
	require.NoError(t, err)
	assert.Empty(t, seenConnection)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(resp.Body))
	assert.Empty(t, resp.Header.Get("Connection"))
	assert.Equal(t, "yes", resp.Header.Get("X-Upstream"))
}

func TestForwardFailsWhenDisabled(t *testing.T) {
	nodes, id := newTestNodeRegistry(t, "127.0.0.1:1")
	p := New(Config{Nodes: nodes, Enabled: false})
	_, err := p.Forward(context.Background(), id, Request{Method: http.MethodGet, Path: "/x", Header: http.Header{}})
	require.Error(t, err)
	assert.Equal(t, errs.PermissionDenied, errs.KindOf(err))
}

func TestForwardFailsNodeNotFound(t *testing.T) {
	nodes := registry.New(registry.Config{Store: registry.NewMemoryStore()})
	p := New(Config{Nodes: nodes, Enabled: true})
	_, err := p.Forward(context.Background(), "missing", Request{Method: http.MethodGet, Path: "/x", Header: http.Header{}})
	require.Error(t, err)
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
}

func TestForwardFailsWhenNodeUnreachable(t *testing.T) {
	nodes, id := newTestNodeRegistry(t, "127.0.0.1:1")
	p := New(Config{Nodes: nodes, Enabled: true})
	_, err := p.Forward(context.Background(), id, Request{Method: http.MethodGet, Path: "/x", Header: http.Header{}})
	require.Error(t, err)
	assert.Equal(t, errs.Unavailable, errs.KindOf(err))
}
