package matchrouter

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freitascorp/meridian/internal/errs"
	"github.com/freitascorp/meridian/internal/registry"
	"github.com/freitascorp/meridian/internal/scheduler"
)

type fakeNodeClient struct {
	createContainerErr error
	createMatchErr      error
	deletedContainers   []string
	deletedMatches      []string
}

func (f *fakeNodeClient) CreateContainer(ctx context.Context, node *registry.Node, modules []string) (string, error) {
	if f.createContainerErr != nil {
		return "", f.createContainerErr
	}
	return "container-1", nil
}

func (f *fakeNodeClient) CreateMatch(ctx context.Context, node *registry.Node, containerID string, modules []string, playerLimit int) (string, error) {
	if f.createMatchErr != nil {
		return "", f.createMatchErr
	}
	return "local-match-1", nil
}

func (f *fakeNodeClient) DeleteContainer(ctx context.Context, node *registry.Node, containerID string) error {
	f.deletedContainers = append(f.deletedContainers, containerID)
	return nil
}

func (f *fakeNodeClient) DeleteMatch(ctx context.Context, node *registry.Node, containerID, localMatchID string) error {
	f.deletedMatches = append(f.deletedMatches, localMatchID)
	return nil
}

func newTestRouter(t *testing.T, client NodeClient) (*Router, *registry.Registry) {
	t.Helper()
	nodes := registry.New(registry.Config{Store: registry.NewMemoryStore()})
	sched := scheduler.New(nodes)
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return New(Config{
		Nodes:     nodes,
		Scheduler: sched,
		Client:    client,
		SignerKey: priv,
	}), nodes
}

func registerTestNode(t *testing.T, nodes *registry.Registry) registry.NodeID {
	t.Helper()
	id, err := nodes.Register(context.Background(), registry.NodeInfo{
		AdvertiseAddress: "node1.internal:7000",
		Capacity:         registry.Capacity{MaxContainers: 10},
	})
	require.NoError(t, err)
	return id
}

func TestCreateMatchSucceeds(t *testing.T) {
	client := &fakeNodeClient{}
	r, nodes := newTestRouter(t, client)
	registerTestNode(t, nodes)

	entry, err := r.CreateMatch(context.Background(), CreateRequest{Modules: []string{"combat"}, PlayerLimit: 4})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, entry.Status)
	assert.NotEmpty(t, entry.ClusterMatchID)
	assert.Len(t, entry.StreamURLs, 2)

	got, ok := r.Get(entry.ClusterMatchID)
	require.True(t, ok)
	assert.Equal(t, StatusRunning, got.Status)
}

func TestCreateMatchFailsAtCreateContainerNoRollbackNeeded(t *testing.T) {
	client := &fakeNodeClient{createContainerErr: assertErr("container provisioning failed")}
	r, nodes := newTestRouter(t, client)
	registerTestNode(t, nodes)

	_, err := r.CreateMatch(context.Background(), CreateRequest{Modules: []string{"combat"}})
	require.Error(t, err)
	assert.Equal(t, errs.Unavailable, errs.KindOf(err))
	assert.Empty(t, client.deletedContainers)
}

func TestCreateMatchFailsAtNodeCreateMatchRollsBackContainer(t *testing.T) {
	client := &fakeNodeClient{createMatchErr: assertErr("node rejected match create")}
	r, nodes := newTestRouter(t, client)
	registerTestNode(t, nodes)

	_, err := r.CreateMatch(context.Background(), CreateRequest{Modules: []string{"combat"}})
	require.Error(t, err)
	assert.Equal(t, errs.Unavailable, errs.KindOf(err))
	require.Len(t, client.deletedContainers, 1)
	assert.Equal(t, "container-1", client.deletedContainers[0])
}

func TestJoinMatchSucceedsAndReturnsToken(t *testing.T) {
	client := &fakeNodeClient{}
	r, nodes := newTestRouter(t, client)
	registerTestNode(t, nodes)

	entry, err := r.CreateMatch(context.Background(), CreateRequest{Modules: []string{"combat"}, PlayerLimit: 2})
	require.NoError(t, err)

	res, err := r.JoinMatch(context.Background(), entry.ClusterMatchID, "player-1")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Token)
	assert.Len(t, res.StreamURLs, 2)

	got, ok := r.Get(entry.ClusterMatchID)
	require.True(t, ok)
	assert.Equal(t, 1, got.PlayerCount)
}

func TestJoinMatchRejectsWhenFull(t *testing.T) {
	client := &fakeNodeClient{}
	r, nodes := newTestRouter(t, client)
	registerTestNode(t, nodes)

	entry, err := r.CreateMatch(context.Background(), CreateRequest{Modules: []string{"combat"}, PlayerLimit: 2})
	require.NoError(t, err)

	_, err = r.JoinMatch(context.Background(), entry.ClusterMatchID, "p1")
	require.NoError(t, err)
	_, err = r.JoinMatch(context.Background(), entry.ClusterMatchID, "p2")
	require.NoError(t, err)

	_, err = r.JoinMatch(context.Background(), entry.ClusterMatchID, "p3")
	require.Error(t, err)
	assert.Equal(t, errs.CapacityExceeded, errs.KindOf(err))

	require.NoError(t, r.LeaveMatch(context.Background(), entry.ClusterMatchID))
	res, err := r.JoinMatch(context.Background(), entry.ClusterMatchID, "p3")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Token)

	got, ok := r.Get(entry.ClusterMatchID)
	require.True(t, ok)
	assert.Equal(t, 2, got.PlayerCount)
}

type testErr string

func (e testErr) Error() string { return string(e) }

func assertErr(msg string) error { return testErr(msg) }
