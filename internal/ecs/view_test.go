package ecs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freitascorp/meridian/internal/errs"
)

func newTestViews(t *testing.T, maxEntities int) (*RawStore, *EntityFactory, func(module string) *ModuleView) {
	t.Helper()
	raw, f := newTestFactory(t, maxEntities)
	viewFor := func(module string) *ModuleView {
		return NewModuleView(raw, f, module, "m", 1)
	}
	return raw, f, viewFor
}

// TestPermissionTableExhaustive walks every cell of the
// owner/PRIVATE/READ/WRITE permission table.
func TestPermissionTableExhaustive(t *testing.T) {
	raw, _, viewFor := newTestViews(t, 8)
	require.NoError(t, raw.RegisterComponent(ComponentDef{Name: "PRIV", Owner: "a", Level: Private, Kind: KindFloat}))
	require.NoError(t, raw.RegisterComponent(ComponentDef{Name: "RD", Owner: "a", Level: Read, Kind: KindFloat}))
	require.NoError(t, raw.RegisterComponent(ComponentDef{Name: "WR", Owner: "a", Level: Write, Kind: KindFloat}))

	owner := viewFor("a")
	other := viewFor("b")

	e, err := owner.CreateEntity("m")
	require.NoError(t, err)

	// Owner always has full R/W/remove on its own components, regardless
	// of declared level.
	for _, comp := range []string{"PRIV", "RD", "WR"} {
		require.NoError(t, owner.AttachComponent(e, comp, 1))
		_, _, err := owner.GetComponent(e, comp)
		require.NoError(t, err)
		require.NoError(t, owner.RemoveComponent(e, comp))
		require.NoError(t, owner.AttachComponent(e, comp, 1))
	}

	// Other vs PRIVATE: denied entirely.
	_, _, err = other.GetComponent(e, "PRIV")
	require.Error(t, err)
	assert.Equal(t, errs.PermissionDenied, errs.KindOf(err))
	err = other.AttachComponent(e, "PRIV", 2)
	require.Error(t, err)
	assert.Equal(t, errs.PermissionDenied, errs.KindOf(err))
	err = other.RemoveComponent(e, "PRIV")
	require.Error(t, err)
	assert.Equal(t, errs.PermissionDenied, errs.KindOf(err))

	// Other vs READ: read-only.
	_, _, err = other.GetComponent(e, "RD")
	require.NoError(t, err)
	err = other.AttachComponent(e, "RD", 2)
	require.Error(t, err)
	assert.Equal(t, errs.PermissionDenied, errs.KindOf(err))
	err = other.RemoveComponent(e, "RD")
	require.Error(t, err)
	assert.Equal(t, errs.PermissionDenied, errs.KindOf(err))

	// Other vs WRITE: full R/W/remove.
	_, _, err = other.GetComponent(e, "WR")
	require.NoError(t, err)
	require.NoError(t, other.AttachComponent(e, "WR", 2))
	require.NoError(t, other.RemoveComponent(e, "WR"))
}

func TestGetEntitiesWithChecksEveryComponentReadability(t *testing.T) {
	raw, _, viewFor := newTestViews(t, 8)
	require.NoError(t, raw.RegisterComponent(ComponentDef{Name: "PRIV", Owner: "a", Level: Private, Kind: KindFloat}))
	require.NoError(t, raw.RegisterComponent(ComponentDef{Name: "RD", Owner: "a", Level: Read, Kind: KindFloat}))

	owner := viewFor("a")
	other := viewFor("b")

	e, err := owner.CreateEntity("m")
	require.NoError(t, err)
	require.NoError(t, owner.AttachComponent(e, "PRIV", 1))
	require.NoError(t, owner.AttachComponent(e, "RD", 1))

	_, err = other.GetEntitiesWith("RD")
	require.NoError(t, err)

	_, err = other.GetEntitiesWith("RD", "PRIV")
	require.Error(t, err)
	assert.Equal(t, errs.PermissionDenied, errs.KindOf(err))
}

func TestModuleViewCreateEntityRejectsForeignMatch(t *testing.T) {
	_, _, viewFor := newTestViews(t, 4)
	v := viewFor("a")
	_, err := v.CreateEntity("other-match")
	require.Error(t, err)
	assert.Equal(t, errs.InvalidArgument, errs.KindOf(err))
}
