package module

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freitascorp/meridian/internal/ecs"
	"github.com/freitascorp/meridian/internal/errs"
)

type fakeFactory struct {
	build func(ctx *Context) (*Descriptor, error)
}

func (f *fakeFactory) Build(ctx *Context) (*Descriptor, error) { return f.build(ctx) }

func combatFactory(version string) *fakeFactory {
	return &fakeFactory{build: func(ctx *Context) (*Descriptor, error) {
		id, err := ParseIdentifier("combat:" + version)
		if err != nil {
			return nil, err
		}
		return &Descriptor{
			ID:            id,
			Components:    []ecs.ComponentDef{{Name: "HP", Owner: "combat", Level: ecs.Write, Kind: ecs.KindFloat}},
			FlagComponent: "HP",
			Systems: []SystemDecl{
				{Name: "regen", Fn: func(ctx context.Context, tick uint64, store ecs.Store) error { return nil }},
			},
		}, nil
	}}
}

func newTestRegistry(t *testing.T) (*Registry, *ecs.EntityFactory) {
	t.Helper()
	raw := ecs.NewRawStore(16)
	ef, err := ecs.NewEntityFactory(raw)
	require.NoError(t, err)
	loader := NewLoader()
	return NewRegistry(loader), ef
}

func TestRegistryInstallAndGet(t *testing.T) {
	reg, ef := newTestRegistry(t)
	reg.loader.RegisterStatic("bundle://combat", combatFactory("1.0"))

	desc, err := reg.Install("bundle://combat", nil, ef, nil)
	require.NoError(t, err)
	assert.Equal(t, "combat", desc.ID.Name)

	got, ok := reg.Get("combat")
	require.True(t, ok)
	assert.Equal(t, desc, got)
}

func TestRegistryInstallDuplicateNameVersionFails(t *testing.T) {
	reg, ef := newTestRegistry(t)
	reg.loader.RegisterStatic("bundle://combat", combatFactory("1.0"))

	_, err := reg.Install("bundle://combat", nil, ef, nil)
	require.NoError(t, err)

	reg.loader.RegisterStatic("bundle://combat-again", combatFactory("1.0"))
	_, err = reg.Install("bundle://combat-again", nil, ef, nil)
	require.Error(t, err)
	assert.Equal(t, errs.AlreadyExists, errs.KindOf(err))
}

func TestRegistryInstallDuplicateNameDifferentVersionFails(t *testing.T) {
	reg, ef := newTestRegistry(t)
	reg.loader.RegisterStatic("bundle://combat-1", combatFactory("1.0"))
	reg.loader.RegisterStatic("bundle://combat-2", combatFactory("2.0"))

	_, err := reg.Install("bundle://combat-1", nil, ef, nil)
	require.NoError(t, err)

	_, err = reg.Install("bundle://combat-2", nil, ef, nil)
	require.Error(t, err)
	assert.Equal(t, errs.AlreadyExists, errs.KindOf(err))
}

func TestRegistryInstallUnknownBundleFails(t *testing.T) {
	reg, ef := newTestRegistry(t)
	_, err := reg.Install("bundle://does-not-exist", nil, ef, nil)
	require.Error(t, err)
}

func TestRegistryOrderedSortsByName(t *testing.T) {
	reg, ef := newTestRegistry(t)
	reg.loader.RegisterStatic("bundle://zeta", &fakeFactory{build: func(ctx *Context) (*Descriptor, error) {
		return &Descriptor{ID: Identifier{Name: "zeta", Major: 1}}, nil
	}})
	reg.loader.RegisterStatic("bundle://alpha", &fakeFactory{build: func(ctx *Context) (*Descriptor, error) {
		return &Descriptor{ID: Identifier{Name: "alpha", Major: 1}}, nil
	}})

	_, err := reg.Install("bundle://zeta", nil, ef, nil)
	require.NoError(t, err)
	_, err = reg.Install("bundle://alpha", nil, ef, nil)
	require.NoError(t, err)

	ordered := reg.Ordered()
	require.Len(t, ordered, 2)
	assert.Equal(t, "alpha", ordered[0].ID.Name)
	assert.Equal(t, "zeta", ordered[1].ID.Name)
}

func TestRegistryUninstallRemovesExportsAndEntry(t *testing.T) {
	reg, ef := newTestRegistry(t)
	reg.loader.RegisterStatic("bundle://combat", combatFactory("1.0"))
	_, err := reg.Install("bundle://combat", nil, ef, nil)
	require.NoError(t, err)

	require.NoError(t, reg.Uninstall("combat"))
	_, ok := reg.Get("combat")
	assert.False(t, ok)

	_, ok = reg.resolver.Exports("combat")
	assert.False(t, ok)
}
