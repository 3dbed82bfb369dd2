package nodeapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freitascorp/meridian/internal/auth"
)

func wsURL(httpURL string) string {
	return "ws" + httpURL[len("http"):]
}

func TestMatchSnapshotStreamReceivesFrameAfterTick(t *testing.T) {
	m := newTestManager(t)
	cid, err := m.CreateContainer([]string{"bundle://combat"})
	require.NoError(t, err)
	c, ok := m.Get(cid)
	require.True(t, ok)
	matchID, err := c.CreateMatch(nil, 4)
	require.NoError(t, err)

	srv := NewServer(m, nil, allowAllValidator{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	url := wsURL(ts.URL) + "/ws/containers/" + cid + "/matches/" + matchID + "/snapshot?token=test-token"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	_, err = c.Advance(t.Context())
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
}

func TestStreamUnknownContainerReturns404(t *testing.T) {
	m := newTestManager(t)
	srv := NewServer(m, nil, allowAllValidator{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/ws/containers/ghost/matches/m1/snapshot")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamMissingTokenIsRejected(t *testing.T) {
	m := newTestManager(t)
	cid, err := m.CreateContainer([]string{"bundle://combat"})
	require.NoError(t, err)
	c, ok := m.Get(cid)
	require.True(t, ok)
	matchID, err := c.CreateMatch(nil, 4)
	require.NoError(t, err)

	srv := NewServer(m, nil, allowAllValidator{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/ws/containers/" + cid + "/matches/" + matchID + "/snapshot")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStreamWrongBindingIsRejected(t *testing.T) {
	m := newTestManager(t)
	cid, err := m.CreateContainer([]string{"bundle://combat"})
	require.NoError(t, err)
	c, ok := m.Get(cid)
	require.True(t, ok)
	matchID, err := c.CreateMatch(nil, 4)
	require.NoError(t, err)

	srv := NewServer(m, nil, boundValidator{matchID: "some-other-match", playerID: "p1"})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	url := wsURL(ts.URL) + "/ws/containers/" + cid + "/matches/" + matchID + "/players/p1/snapshot?token=test-token"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

// boundValidator issues a match-scoped principal bound to a fixed
// (matchID, playerID) pair, for exercising RequireBinding rejections.
type boundValidator struct {
	matchID  string
	playerID string
}

func (v boundValidator) Validate(ctx context.Context, token string) (*auth.Principal, error) {
	if token == "" {
		return nil, auth.ErrMissingToken()
	}
	return &auth.Principal{
		Subject:  "player-" + v.playerID,
		Scopes:   []string{"*"},
		MatchID:  v.matchID,
		PlayerID: v.playerID,
	}, nil
}
