package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freitascorp/meridian/internal/errs"
	"github.com/freitascorp/meridian/internal/registry"
)

func newTestNodes(t *testing.T) *registry.Registry {
	t.Helper()
	return registry.New(registry.Config{Store: registry.NewMemoryStore()})
}

func TestPickLowestSaturationTieBrokenByMostRecentHeartbeat(t *testing.T) {
	// n1: active=0,cap=10,seen=10:00; n2: active=0,cap=10,seen=10:05;
	// n3: active=5,cap=10,seen=10:10. pick() = n2.
	nodes := newTestNodes(t)
	ctx := context.Background()

	n1, err := nodes.Register(ctx, registry.NodeInfo{Capacity: registry.Capacity{MaxContainers: 10}})
	require.NoError(t, err)
	n2, err := nodes.Register(ctx, registry.NodeInfo{Capacity: registry.Capacity{MaxContainers: 10}})
	require.NoError(t, err)
	n3, err := nodes.Register(ctx, registry.NodeInfo{Capacity: registry.Capacity{ActiveContainers: 5, MaxContainers: 10}})
	require.NoError(t, err)
	require.NoError(t, nodes.Heartbeat(ctx, n3, registry.Metrics{Capacity: registry.Capacity{ActiveContainers: 5, MaxContainers: 10}}))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, nodes.Heartbeat(ctx, n2, registry.Metrics{Capacity: registry.Capacity{MaxContainers: 10}}))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, nodes.Heartbeat(ctx, n1, registry.Metrics{Capacity: registry.Capacity{MaxContainers: 10}}))
	// Re-heartbeat n2 last among the zero-saturation pair so it is most recent.
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, nodes.Heartbeat(ctx, n2, registry.Metrics{Capacity: registry.Capacity{MaxContainers: 10}}))

	sched := New(nodes)
	picked, err := sched.Pick(Request{})
	require.NoError(t, err)
	assert.Equal(t, n2, picked)
}

func TestPickPrefersPreferredNodeWhenCandidate(t *testing.T) {
	nodes := newTestNodes(t)
	ctx := context.Background()
	_, err := nodes.Register(ctx, registry.NodeInfo{Capacity: registry.Capacity{MaxContainers: 10}})
	require.NoError(t, err)
	preferred, err := nodes.Register(ctx, registry.NodeInfo{Capacity: registry.Capacity{ActiveContainers: 9, MaxContainers: 10}})
	require.NoError(t, err)
	require.NoError(t, nodes.Heartbeat(ctx, preferred, registry.Metrics{Capacity: registry.Capacity{ActiveContainers: 9, MaxContainers: 10}}))

	sched := New(nodes)
	picked, err := sched.Pick(Request{PreferredNodeID: preferred})
	require.NoError(t, err)
	assert.Equal(t, preferred, picked)
}

func TestPickIgnoresPreferredNodeWhenAtCapacity(t *testing.T) {
	nodes := newTestNodes(t)
	ctx := context.Background()
	other, err := nodes.Register(ctx, registry.NodeInfo{Capacity: registry.Capacity{MaxContainers: 10}})
	require.NoError(t, err)
	full, err := nodes.Register(ctx, registry.NodeInfo{Capacity: registry.Capacity{ActiveContainers: 10, MaxContainers: 10}})
	require.NoError(t, err)
	require.NoError(t, nodes.Heartbeat(ctx, full, registry.Metrics{Capacity: registry.Capacity{ActiveContainers: 10, MaxContainers: 10}}))

	sched := New(nodes)
	picked, err := sched.Pick(Request{PreferredNodeID: full})
	require.NoError(t, err)
	assert.Equal(t, other, picked)
}

func TestPickFailsNoCapacityWhenNoHealthyNodeHasRoom(t *testing.T) {
	nodes := newTestNodes(t)
	ctx := context.Background()
	id, err := nodes.Register(ctx, registry.NodeInfo{Capacity: registry.Capacity{ActiveContainers: 10, MaxContainers: 10}})
	require.NoError(t, err)
	require.NoError(t, nodes.Heartbeat(ctx, id, registry.Metrics{Capacity: registry.Capacity{ActiveContainers: 10, MaxContainers: 10}}))

	sched := New(nodes)
	_, err = sched.Pick(Request{})
	require.Error(t, err)
	assert.Equal(t, errs.CapacityExceeded, errs.KindOf(err))
}

func TestPickSkipsDegradedNodes(t *testing.T) {
	nodes := newTestNodes(t)
	ctx := context.Background()
	healthy, err := nodes.Register(ctx, registry.NodeInfo{Capacity: registry.Capacity{MaxContainers: 10}})
	require.NoError(t, err)
	drained, err := nodes.Register(ctx, registry.NodeInfo{Capacity: registry.Capacity{MaxContainers: 10}})
	require.NoError(t, err)
	require.NoError(t, nodes.Drain(ctx, drained))

	sched := New(nodes)
	picked, err := sched.Pick(Request{})
	require.NoError(t, err)
	assert.Equal(t, healthy, picked)
}
