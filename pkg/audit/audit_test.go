package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreAppendAndQuery(t *testing.T) {
	store := NewFileStore(t.TempDir())
	ctx := t.Context()

	require.NoError(t, store.Append(ctx, &Event{
		Type:      EventNodeRegister,
		Principal: "scheduler",
		Target:    &EventTarget{NodeID: "node-1"},
		Result:    &EventResult{Status: "success"},
	}))
	require.NoError(t, store.Append(ctx, &Event{
		Type:      EventScopeDenied,
		Principal: "player-42",
		Target:    &EventTarget{Scope: "cluster.admin"},
		Result:    &EventResult{Status: "denied"},
	}))

	all, err := store.Query(ctx, QueryOptions{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.NotEmpty(t, all[0].ID)
	assert.False(t, all[0].Timestamp.IsZero())
}

func TestFileStoreQueryFilters(t *testing.T) {
	store := NewFileStore(t.TempDir())
	ctx := t.Context()

	store.Append(ctx, &Event{Type: EventNodeRegister, Principal: "a"})
	store.Append(ctx, &Event{Type: EventNodeDeregister, Principal: "b"})

	byType, err := store.Query(ctx, QueryOptions{Type: EventNodeDeregister})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, "b", byType[0].Principal)

	byPrincipal, err := store.Query(ctx, QueryOptions{Principal: "a"})
	require.NoError(t, err)
	require.Len(t, byPrincipal, 1)
}

func TestFileStoreQueryIsAppendOnlyAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	s1 := NewFileStore(dir)
	s1.Append(t.Context(), &Event{Type: EventMatchCreate, Principal: "router"})

	s2 := NewFileStore(dir)
	events, err := s2.Query(t.Context(), QueryOptions{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.FileExists(t, filepath.Join(dir, "audit.jsonl"))
}

func TestLoggerHelpers(t *testing.T) {
	store := NewFileStore(t.TempDir())
	logger := NewLogger(store, "control-plane")
	ctx := t.Context()

	require.NoError(t, logger.LogNodeRegister(ctx, "node-7", &EventResult{Status: "success"}))
	require.NoError(t, logger.LogNodeDeregister(ctx, "node-7", true, &EventResult{Status: "success"}))
	require.NoError(t, logger.LogModuleInstall(ctx, "mod.physics", false, &EventResult{Status: "denied", Reason: "bad signature"}))
	require.NoError(t, logger.LogScopeDenied(ctx, "match.write", "missing scope"))
	require.NoError(t, logger.LogAutoscaleRecommendation(ctx, "saturation above threshold", 2))

	events, err := store.Query(ctx, QueryOptions{})
	require.NoError(t, err)
	require.Len(t, events, 5)

	expired, err := store.Query(ctx, QueryOptions{Type: EventNodeExpired})
	require.NoError(t, err)
	require.Len(t, expired, 1)

	rejected, err := store.Query(ctx, QueryOptions{Type: EventModuleReject})
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, "bad signature", rejected[0].Result.Reason)
}

func TestQueryRespectsSinceUntil(t *testing.T) {
	store := NewFileStore(t.TempDir())
	ctx := t.Context()
	now := time.Now()

	store.Append(ctx, &Event{Type: EventConfig, Timestamp: now.Add(-time.Hour)})
	store.Append(ctx, &Event{Type: EventConfig, Timestamp: now})

	recent, err := store.Query(ctx, QueryOptions{Since: now.Add(-time.Minute)})
	require.NoError(t, err)
	require.Len(t, recent, 1)
}
