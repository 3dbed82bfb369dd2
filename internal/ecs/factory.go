package ecs

import "github.com/freitascorp/meridian/internal/errs"

// EntityFactory is the privileged entity-lifecycle surface: unlike
// ModuleView, it is not scoped to a single module's permissions, and it
// is the only thing allowed to attach the built-in MATCH_ID/ENTITY_ID
// components. The container holds the sole EntityFactory for its store;
// modules only ever see a Store.
type EntityFactory struct {
	raw *RawStore
}

// NewEntityFactory wraps raw. Built-in components are registered here so
// every store has them regardless of which modules load afterward.
func NewEntityFactory(raw *RawStore) (*EntityFactory, error) {
	for _, def := range []ComponentDef{
		{Name: ComponentMatchID, Owner: "system", Level: Read, Kind: KindFloat},
		{Name: ComponentEntityID, Owner: "system", Level: Read, Kind: KindFloat},
		// Write, not Read: owning modules must be able to stamp OWNER_ID
		// on the entities a player should see (see internal/snapshot's
		// player-scoped filter).
		{Name: ComponentOwnerID, Owner: "system", Level: Write, Kind: KindFloat},
	} {
		if err := raw.RegisterComponent(def); err != nil {
			if errs.KindOf(err) != errs.AlreadyExists {
				return nil, err
			}
		}
	}
	return &EntityFactory{raw: raw}, nil
}

// CreateEntity allocates a new entity bound to matchID and stamps its
// MATCH_ID/ENTITY_ID components. matchHandle is the float32 encoding of
// matchID assigned by the container (see the container's matchHandle).
func (f *EntityFactory) CreateEntity(matchID string, matchHandle float32) (EntityID, error) {
	e, err := f.raw.createEntity(matchID)
	if err != nil {
		return 0, err
	}
	if err := f.raw.attachComponent(e, ComponentMatchID, matchHandle); err != nil {
		return 0, err
	}
	if err := f.raw.attachComponent(e, ComponentEntityID, float32(e)); err != nil {
		return 0, err
	}
	return e, nil
}

// DeleteEntity removes e and every component value attached to it.
func (f *EntityFactory) DeleteEntity(e EntityID) error {
	return f.raw.deleteEntity(e)
}

// RegisterComponent exposes raw's registration for module install-time
// setup.
func (f *EntityFactory) RegisterComponent(def ComponentDef) error {
	return f.raw.RegisterComponent(def)
}

// UnregisterComponent exposes raw's rollback for a module install that
// fails partway through registering its components.
func (f *EntityFactory) UnregisterComponent(name string) {
	f.raw.UnregisterComponent(name)
}

// EntitiesInMatch lists every entity bound to matchID.
func (f *EntityFactory) EntitiesInMatch(matchID string) []EntityID {
	return f.raw.EntitiesInMatch(matchID)
}

// ConsumeDirty returns and resets matchID's dirty info.
func (f *EntityFactory) ConsumeDirty(matchID string) *DirtyInfo {
	return f.raw.ConsumeDirty(matchID)
}

// RawStore exposes the underlying store for the snapshot pipeline, which
// needs permission-free column access to build full snapshots.
func (f *EntityFactory) RawStore() *RawStore {
	return f.raw
}

// ColumnValues returns, for every entity bound to matchID in ascending
// EntityID order, the value of component (NotPresent where absent).
// This bypasses module permission checks: it is the engine-internal
// primitive the snapshot pipeline uses to build aligned columns, never
// exposed to modules directly.
func (f *EntityFactory) ColumnValues(matchID, component string) (entityIDs []EntityID, values []float32, err error) {
	entities := f.raw.EntitiesInMatch(matchID)
	sortEntityIDs(entities)

	values = make([]float32, len(entities))
	for i, e := range entities {
		v, _, err := f.raw.getComponent(e, component)
		if err != nil {
			return nil, nil, err
		}
		values[i] = v
	}
	return entities, values, nil
}

func sortEntityIDs(ids []EntityID) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}
