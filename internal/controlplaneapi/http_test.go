package controlplaneapi

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freitascorp/meridian/internal/auth"
	"github.com/freitascorp/meridian/internal/matchrouter"
	"github.com/freitascorp/meridian/internal/proxy"
	"github.com/freitascorp/meridian/internal/registry"
	"github.com/freitascorp/meridian/internal/scheduler"
)

type fakeNodeClient struct{}

func (fakeNodeClient) CreateContainer(ctx context.Context, node *registry.Node, modules []string) (string, error) {
	return "container-1", nil
}
func (fakeNodeClient) CreateMatch(ctx context.Context, node *registry.Node, containerID string, modules []string, playerLimit int) (string, error) {
	return "local-match-1", nil
}
func (fakeNodeClient) DeleteContainer(ctx context.Context, node *registry.Node, containerID string) error {
	return nil
}
func (fakeNodeClient) DeleteMatch(ctx context.Context, node *registry.Node, containerID, localMatchID string) error {
	return nil
}

// allowAllValidator treats every non-empty token as a cluster-admin
// principal holding every scope this façade checks.
type allowAllValidator struct{}

func (allowAllValidator) Validate(ctx context.Context, token string) (*auth.Principal, error) {
	if token == "" {
		return nil, auth.ErrMissingToken()
	}
	return &auth.Principal{Subject: "test-admin", Scopes: []string{"*"}}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *registry.Registry) {
	t.Helper()
	nodes := registry.New(registry.Config{Store: registry.NewMemoryStore()})
	sched := scheduler.New(nodes)
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	router := matchrouter.New(matchrouter.Config{Nodes: nodes, Scheduler: sched, Client: fakeNodeClient{}, SignerKey: priv})
	prx := proxy.New(proxy.Config{Nodes: nodes, Enabled: true})

	srv := NewServer(Config{Nodes: nodes, Matches: router, Proxy: prx, Validator: allowAllValidator{}})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, nodes
}

func authed(req *http.Request) *http.Request {
	req.Header.Set("Authorization", "Bearer test-token")
	return req
}

func TestHealthzIsUnauthenticated(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRegisterNodeRequiresAuth(t *testing.T) {
	ts, _ := newTestServer(t)
	body, _ := json.Marshal(map[string]any{"advertiseAddress": "node-1:9000"})
	resp, err := http.Post(ts.URL+"/api/nodes", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRegisterAndListNodes(t *testing.T) {
	ts, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]any{"AdvertiseAddress": "node-1:9000", "Capacity": map[string]int{"activeContainers": 0, "maxContainers": 4}})
	req := authed(httptestPost(t, ts.URL+"/api/nodes", body))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	listReq := authed(httptestGet(t, ts.URL+"/api/nodes"))
	listResp, err := http.DefaultClient.Do(listReq)
	require.NoError(t, err)
	defer listResp.Body.Close()
	require.Equal(t, http.StatusOK, listResp.StatusCode)
	var nodes []registry.Node
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&nodes))
	require.Len(t, nodes, 1)
}

func TestCreateMatchEndToEnd(t *testing.T) {
	ts, nodes := newTestServer(t)
	_, err := nodes.Register(context.Background(), registry.NodeInfo{
		AdvertiseAddress: "node-1:9000",
		Capacity:         registry.Capacity{MaxContainers: 4},
	})
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]any{"modules": []string{"combat"}, "playerLimit": 4})
	req := authed(httptestPost(t, ts.URL+"/api/matches", body))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var entry matchrouter.Entry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entry))
	assert.Equal(t, matchrouter.StatusRunning, entry.Status)

	joinBody, _ := json.Marshal(map[string]string{"playerId": "p1"})
	joinReq := authed(httptestPost(t, ts.URL+"/api/matches/"+entry.ClusterMatchID+"/join", joinBody))
	joinResp, err := http.DefaultClient.Do(joinReq)
	require.NoError(t, err)
	defer joinResp.Body.Close()
	assert.Equal(t, http.StatusOK, joinResp.StatusCode)
}

func httptestPost(t *testing.T, url string, body []byte) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func httptestGet(t *testing.T, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	return req
}
