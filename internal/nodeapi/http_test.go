package nodeapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freitascorp/meridian/internal/auth"
)

// allowAllValidator treats every non-empty token as a cluster-admin
// principal holding every scope this façade checks.
type allowAllValidator struct{}

func (allowAllValidator) Validate(ctx context.Context, token string) (*auth.Principal, error) {
	if token == "" {
		return nil, auth.ErrMissingToken()
	}
	return &auth.Principal{Subject: "test-admin", Scopes: []string{"*"}}, nil
}

func authed(req *http.Request) *http.Request {
	req.Header.Set("Authorization", "Bearer test-token")
	return req
}

func newTestHTTPServer(t *testing.T) (*httptest.Server, *Manager) {
	t.Helper()
	m := newTestManager(t)
	srv := NewServer(m, nil, allowAllValidator{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, m
}

func TestHealthzReportsOK(t *testing.T) {
	ts, _ := newTestHTTPServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateContainerRequiresAuth(t *testing.T) {
	ts, _ := newTestHTTPServer(t)
	body, _ := json.Marshal(map[string]any{"modules": []string{}})
	resp, err := http.Post(ts.URL+"/api/containers", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateContainerStartTickAndStats(t *testing.T) {
	ts, _ := newTestHTTPServer(t)

	body, _ := json.Marshal(map[string]any{"modules": []string{"bundle://combat"}})
	req := authed(httptestPost(t, ts.URL+"/api/containers", body))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created struct {
		ContainerID string `json:"containerId"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created.ContainerID)

	tickReq := authed(httptestPost(t, ts.URL+"/api/containers/"+created.ContainerID+"/tick", nil))
	tickResp, err := http.DefaultClient.Do(tickReq)
	require.NoError(t, err)
	defer tickResp.Body.Close()
	require.Equal(t, http.StatusOK, tickResp.StatusCode)
	var tick struct {
		Tick uint64 `json:"tick"`
	}
	require.NoError(t, json.NewDecoder(tickResp.Body).Decode(&tick))
	assert.Equal(t, uint64(1), tick.Tick)

	statsReq := authed(httptestGet(t, ts.URL+"/api/containers/"+created.ContainerID+"/stats"))
	statsResp, err := http.DefaultClient.Do(statsReq)
	require.NoError(t, err)
	defer statsResp.Body.Close()
	assert.Equal(t, http.StatusOK, statsResp.StatusCode)
}

func TestContainerSubrouteUnknownContainerReturns404(t *testing.T) {
	ts, _ := newTestHTTPServer(t)
	req := authed(httptestGet(t, ts.URL+"/api/containers/ghost/stats"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateMatchAndSubmitCommand(t *testing.T) {
	ts, _ := newTestHTTPServer(t)

	body, _ := json.Marshal(map[string]any{"modules": []string{"bundle://combat"}})
	req := authed(httptestPost(t, ts.URL+"/api/containers", body))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var created struct {
		ContainerID string `json:"containerId"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()

	matchBody, _ := json.Marshal(map[string]any{"modules": []string{}, "playerLimit": 2})
	matchReq := authed(httptestPost(t, ts.URL+"/api/containers/"+created.ContainerID+"/matches", matchBody))
	matchResp, err := http.DefaultClient.Do(matchReq)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, matchResp.StatusCode)
	var match struct {
		MatchID string `json:"matchId"`
	}
	require.NoError(t, json.NewDecoder(matchResp.Body).Decode(&match))
	matchResp.Body.Close()

	cmdBody, _ := json.Marshal(map[string]any{
		"commandName": "noop",
		"matchId":     match.MatchID,
		"submitterId": "p1",
		"parameters":  map[string]float32{},
	})
	cmdReq := authed(httptestPost(t, ts.URL+"/api/containers/"+created.ContainerID+"/commands", cmdBody))
	cmdResp, err := http.DefaultClient.Do(cmdReq)
	require.NoError(t, err)
	defer cmdResp.Body.Close()
	assert.Equal(t, http.StatusAccepted, cmdResp.StatusCode)
}

func httptestPost(t *testing.T, url string, body []byte) *http.Request {
	t.Helper()
	var r *bytes.Reader
	if body != nil {
		r = bytes.NewReader(body)
	} else {
		r = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(http.MethodPost, url, r)
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
