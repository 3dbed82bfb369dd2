package wsrelay

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freitascorp/meridian/internal/registry"
)

// newTestServer starts a Server behind an httptest.Server so tests dial
// a real ws:// URL instead of exercising net/http internals directly.
func newTestServer(t *testing.T) (*Server, *httptest.Server, string) {
	t.Helper()
	s := NewServer(ServerConfig{PingInterval: time.Hour}, nil)
	mux := s.buildMux()
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return s, ts, ts.URL
}

type echoExecutor struct{}

func (echoExecutor) Execute(ctx context.Context, cmd Command) (*Result, error) {
	switch cmd.Action {
	case "create_container":
		payload, _ := json.Marshal(map[string]string{"container_id": "c-1"})
		return &Result{Status: "ok", Payload: payload}, nil
	case "create_match":
		payload, _ := json.Marshal(map[string]string{"match_id": "m-local-1"})
		return &Result{Status: "ok", Payload: payload}, nil
	case "delete_container", "delete_match":
		return &Result{Status: "ok"}, nil
	default:
		return &Result{Status: "error", Error: "unknown action"}, nil
	}
}

func connectTestAgent(t *testing.T, wsURL string, nodeID registry.NodeID, exec Executor) *Agent {
	t.Helper()
	a := NewAgent(AgentConfig{NodeID: nodeID, RelayAddr: wsURL, ReconnectInterval: time.Hour, HeartbeatInterval: time.Hour}, exec, nil)
	go a.Run(context.Background())
	require.Eventually(t, a.IsConnected, 2*time.Second, 20*time.Millisecond)
	t.Cleanup(a.Stop)
	return a
}

func wsURLFor(httpURL string) string {
	if len(httpURL) > 4 && httpURL[:4] == "http" {
		return "ws" + httpURL[4:]
	}
	return httpURL
}

func TestNodeRegistersAndAppearsConnected(t *testing.T) {
	s, _, addr := newTestServer(t)
	connectTestAgent(t, wsURLFor(addr), "node-1", echoExecutor{})

	require.Eventually(t, func() bool {
		return len(s.ConnectedNodeIDs()) == 1
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, registry.NodeID("node-1"), s.ConnectedNodeIDs()[0])
}

func TestSendCommandRoundTrips(t *testing.T) {
	s, _, addr := newTestServer(t)
	connectTestAgent(t, wsURLFor(addr), "node-1", echoExecutor{})
	require.Eventually(t, func() bool { return len(s.ConnectedNodeIDs()) == 1 }, 2*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := s.SendCommand(ctx, "node-1", Command{Action: "create_container"})
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Status)
	var out struct {
		ContainerID string `json:"container_id"`
	}
	require.NoError(t, json.Unmarshal(result.Payload, &out))
	assert.Equal(t, "c-1", out.ContainerID)
}

func TestSendCommandFailsForUnknownNode(t *testing.T) {
	s, _, _ := newTestServer(t)
	_, err := s.SendCommand(context.Background(), "ghost", Command{Action: "stats"})
	require.Error(t, err)
}

func TestClientDrivesNodeClientInterface(t *testing.T) {
	s, _, addr := newTestServer(t)
	connectTestAgent(t, wsURLFor(addr), "node-1", echoExecutor{})
	require.Eventually(t, func() bool { return len(s.ConnectedNodeIDs()) == 1 }, 2*time.Second, 20*time.Millisecond)

	client := NewClient(s)
	node := &registry.Node{ID: "node-1"}

	containerID, err := client.CreateContainer(context.Background(), node, []string{"combat"})
	require.NoError(t, err)
	assert.Equal(t, "c-1", containerID)

	matchID, err := client.CreateMatch(context.Background(), node, containerID, []string{"combat"}, 4)
	require.NoError(t, err)
	assert.Equal(t, "m-local-1", matchID)

	require.NoError(t, client.DeleteMatch(context.Background(), node, containerID, matchID))
	require.NoError(t, client.DeleteContainer(context.Background(), node, containerID))
}
