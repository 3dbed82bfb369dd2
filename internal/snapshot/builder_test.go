package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freitascorp/meridian/internal/ecs"
	"github.com/freitascorp/meridian/internal/module"
)

func setupCombatModule(t *testing.T) (*ecs.EntityFactory, *module.Registry) {
	t.Helper()
	raw := ecs.NewRawStore(16)
	factory, err := ecs.NewEntityFactory(raw)
	require.NoError(t, err)

	loader := module.NewLoader()
	loader.RegisterStatic("bundle://combat", &staticFactory{build: func(ctx *module.Context) (*module.Descriptor, error) {
		id, _ := module.ParseIdentifier("combat:1.0")
		return &module.Descriptor{
			ID: id,
			Components: []ecs.ComponentDef{
				{Name: "POSITION_X", Owner: "combat", Level: ecs.Write, Kind: ecs.KindFloat},
			},
		}, nil
	}})
	reg := module.NewRegistry(loader)
	_, err = reg.Install("bundle://combat", nil, factory, ecs.Store(raw))
	require.NoError(t, err)

	return factory, reg
}

type staticFactory struct {
	build func(ctx *module.Context) (*module.Descriptor, error)
}

func (f *staticFactory) Build(ctx *module.Context) (*module.Descriptor, error) { return f.build(ctx) }

func TestBuildFullSnapshotNoCache(t *testing.T) {
	factory, reg := setupCombatModule(t)
	view := ecs.NewModuleView(factory.RawStore(), factory, "combat", "m1", 1)

	e1, err := view.CreateEntity("m1")
	require.NoError(t, err)
	require.NoError(t, view.AttachComponent(e1, "POSITION_X", 1.0))

	builder := NewBuilder(factory, reg)
	snap, err := builder.Build("m1", 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), snap.Tick)
	require.Len(t, snap.Modules, 1)
	require.Len(t, snap.Modules[0].Components, 1)
	assert.Equal(t, []float32{1.0}, snap.Modules[0].Components[0].Values)
}

func TestDeltaRoundTripScenario(t *testing.T) {
	// 3 entities, POSITION_X=[1,2,3] at tick 5; POSITION_X[1]=9 at tick 6;
	// delta 5->6 changes only index 1.
	factory, reg := setupCombatModule(t)
	view := ecs.NewModuleView(factory.RawStore(), factory, "combat", "m1", 1)

	ids := make([]ecs.EntityID, 3)
	for i, v := range []float32{1.0, 2.0, 3.0} {
		e, err := view.CreateEntity("m1")
		require.NoError(t, err)
		require.NoError(t, view.AttachComponent(e, "POSITION_X", v))
		ids[i] = e
	}

	builder := NewBuilder(factory, reg)
	base, err := builder.Build("m1", 5)
	require.NoError(t, err)

	require.NoError(t, view.AttachComponent(ids[1], "POSITION_X", 9.0))
	dirty := factory.ConsumeDirty("m1")
	builder.Notify(6, "m1", dirty)

	curr, err := builder.Build("m1", 6)
	require.NoError(t, err)

	delta := DeltaOf(base, curr)
	assert.Empty(t, delta.AddedEntities)
	assert.Empty(t, delta.RemovedEntities)
	changed := delta.ChangedComponents["combat"]["POSITION_X"]
	require.Len(t, changed, 1)
	assert.Equal(t, float32(9.0), changed[1])

	applied := Apply(base, delta)
	require.Len(t, applied.Modules, 1)
	assert.Equal(t, []float32{1.0, 9.0, 3.0}, applied.Modules[0].Components[0].Values)
}

func TestEmptyDeltaIsValidAndYieldsNoChange(t *testing.T) {
	factory, reg := setupCombatModule(t)
	view := ecs.NewModuleView(factory.RawStore(), factory, "combat", "m1", 1)
	e, err := view.CreateEntity("m1")
	require.NoError(t, err)
	require.NoError(t, view.AttachComponent(e, "POSITION_X", 4.0))

	builder := NewBuilder(factory, reg)
	base, err := builder.Build("m1", 1)
	require.NoError(t, err)

	delta := DeltaOf(base, base)
	assert.True(t, delta.Empty())

	applied := Apply(base, delta)
	assert.Equal(t, base.Modules[0].Components[0].Values, applied.Modules[0].Components[0].Values)
}

func TestPlayerScopedSnapshotEmptyWhenPlayerOwnsNothing(t *testing.T) {
	factory, reg := setupCombatModule(t)
	view := ecs.NewModuleView(factory.RawStore(), factory, "combat", "m1", 1)
	e, err := view.CreateEntity("m1")
	require.NoError(t, err)
	require.NoError(t, view.AttachComponent(e, "POSITION_X", 1.0))
	// OWNER_ID left unset on e.

	snap, err := BuildPlayerScoped(factory, reg, "m1", 42, 1)
	require.NoError(t, err)
	assert.Empty(t, snap.EntityIDs)
	require.Len(t, snap.Modules, 1)
	assert.Empty(t, snap.Modules[0].Components[0].Values)
}

func TestPlayerScopedSnapshotFiltersByOwner(t *testing.T) {
	factory, reg := setupCombatModule(t)
	view := ecs.NewModuleView(factory.RawStore(), factory, "combat", "m1", 1)

	owned, err := view.CreateEntity("m1")
	require.NoError(t, err)
	require.NoError(t, view.AttachComponent(owned, "POSITION_X", 5.0))
	require.NoError(t, view.AttachComponent(owned, ecs.ComponentOwnerID, 42))

	other, err := view.CreateEntity("m1")
	require.NoError(t, err)
	require.NoError(t, view.AttachComponent(other, "POSITION_X", 7.0))
	require.NoError(t, view.AttachComponent(other, ecs.ComponentOwnerID, 99))

	snap, err := BuildPlayerScoped(factory, reg, "m1", 42, 1)
	require.NoError(t, err)
	require.Len(t, snap.EntityIDs, 1)
	assert.Equal(t, uint64(owned), snap.EntityIDs[0])
	assert.Equal(t, []float32{5.0}, snap.Modules[0].Components[0].Values)
}
