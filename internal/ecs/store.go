package ecs

import (
	"sync"

	"github.com/freitascorp/meridian/internal/errs"
)

type column struct {
	def    ComponentDef
	values []float32
	has    *bitset // who-has-this index: which entity indices carry this component
}

// RawStore is the raw, unenforced columnar store for a single
// container: dense float32 columns plus a presence bitmap, guarded by a
// single reader-writer lock — writers only ever run from the tick loop
// or command-queue drain, so contention is low by construction.
type RawStore struct {
	mu          sync.RWMutex
	maxEntities int

	presence    *bitset
	entityMatch []string // index -> local match id, "" if entity slot unused
	columns     map[string]*column

	matchEntities map[string]*bitset // local match id -> entity index set

	dirty *dirtyTracker
}

// NewRawStore creates a store with capacity for maxEntities live
// entities.
func NewRawStore(maxEntities int) *RawStore {
	return &RawStore{
		maxEntities:   maxEntities,
		presence:      newBitset(maxEntities),
		entityMatch:   make([]string, maxEntities),
		columns:       make(map[string]*column),
		matchEntities: make(map[string]*bitset),
		dirty:         newDirtyTracker(),
	}
}

// RegisterComponent declares a component's ownership and permission
// level. Must be called (by the module loader) before the component is
// used; registering the same name twice is an error.
func (s *RawStore) RegisterComponent(def ComponentDef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.columns[def.Name]; exists {
		return errs.New(errs.AlreadyExists, "component %q already registered", def.Name)
	}
	s.columns[def.Name] = &column{
		def:    def,
		values: make([]float32, s.maxEntities),
		has:    newBitset(s.maxEntities),
	}
	for i := range s.columns[def.Name].values {
		s.columns[def.Name].values[i] = NotPresent
	}
	return nil
}

// UnregisterComponent removes a component's column entirely. Only valid
// for rolling back a failed module install before any value has been
// written to the column; it is not a general-purpose operation since
// RawStore has no way to tell whether other modules already reference
// values in it.
func (s *RawStore) UnregisterComponent(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.columns, name)
}

// ComponentDef returns a registered component's definition.
func (s *RawStore) ComponentDef(name string) (ComponentDef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.columns[name]
	if !ok {
		return ComponentDef{}, false
	}
	return c.def, true
}

func (s *RawStore) entityIndex(e EntityID) int { return int(e) }

func (s *RawStore) entityExists(e EntityID) bool {
	idx := s.entityIndex(e)
	return idx >= 0 && idx < s.maxEntities && s.presence.get(idx)
}

// createEntity allocates a free slot, marks presence, and associates the
// entity with matchID. It does not attach MATCH_ID/ENTITY_ID components
// — that is the entity factory's job (see factory.go); entity creation
// is only ever valid through the factory, never directly on the store.
func (s *RawStore) createEntity(matchID string) (EntityID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.presence.nextClear()
	if idx < 0 {
		return 0, errs.New(errs.CapacityExceeded, "presence bitmap full (max %d entities)", s.maxEntities)
	}
	s.presence.set(idx)
	s.entityMatch[idx] = matchID

	me, ok := s.matchEntities[matchID]
	if !ok {
		me = newBitset(s.maxEntities)
		s.matchEntities[matchID] = me
	}
	me.set(idx)

	entity := EntityID(idx)
	s.dirty.markAdded(matchID, entity)
	return entity, nil
}

// deleteEntity clears every column cell for e and frees its slot.
func (s *RawStore) deleteEntity(e EntityID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.entityIndex(e)
	if idx < 0 || idx >= s.maxEntities || !s.presence.get(idx) {
		return errs.New(errs.NotFound, "entity %d not found", e)
	}

	matchID := s.entityMatch[idx]
	for _, col := range s.columns {
		col.values[idx] = NotPresent
		col.has.clear(idx)
	}
	s.presence.clear(idx)
	s.entityMatch[idx] = ""
	if me, ok := s.matchEntities[matchID]; ok {
		me.clear(idx)
	}

	s.dirty.markRemoved(matchID, e)
	return nil
}

// attachComponent writes value into component's column for e, updating
// its who-has-this index and the match's dirty info. No permission
// check — callers enforce that via ModuleView.
func (s *RawStore) attachComponent(e EntityID, component string, value float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.entityIndex(e)
	if idx < 0 || idx >= s.maxEntities || !s.presence.get(idx) {
		return errs.New(errs.NotFound, "entity %d not found", e)
	}
	col, ok := s.columns[component]
	if !ok {
		return errs.New(errs.NotFound, "component %q not registered", component)
	}

	col.values[idx] = value
	col.has.set(idx)

	s.dirty.markModified(s.entityMatch[idx], e, component)
	return nil
}

// getComponent returns a component's value for e and whether it is
// present.
func (s *RawStore) getComponent(e EntityID, component string) (float32, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := s.entityIndex(e)
	if idx < 0 || idx >= s.maxEntities || !s.presence.get(idx) {
		return 0, false, errs.New(errs.NotFound, "entity %d not found", e)
	}
	col, ok := s.columns[component]
	if !ok {
		return 0, false, errs.New(errs.NotFound, "component %q not registered", component)
	}
	if !col.has.get(idx) {
		return NotPresent, false, nil
	}
	return col.values[idx], true, nil
}

// removeComponent clears a single component's value for e.
func (s *RawStore) removeComponent(e EntityID, component string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.entityIndex(e)
	if idx < 0 || idx >= s.maxEntities || !s.presence.get(idx) {
		return errs.New(errs.NotFound, "entity %d not found", e)
	}
	col, ok := s.columns[component]
	if !ok {
		return errs.New(errs.NotFound, "component %q not registered", component)
	}

	col.values[idx] = NotPresent
	col.has.clear(idx)
	s.dirty.markModified(s.entityMatch[idx], e, component)
	return nil
}

// getEntitiesWith returns the intersection of the who-has-this indexes
// of the listed components.
func (s *RawStore) getEntitiesWith(components ...string) ([]EntityID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(components) == 0 {
		return nil, nil
	}

	var result *bitset
	for _, name := range components {
		col, ok := s.columns[name]
		if !ok {
			return nil, errs.New(errs.NotFound, "component %q not registered", name)
		}
		if result == nil {
			result = col.has
			continue
		}
		result = result.and(col.has)
	}

	idxs := result.toSlice()
	out := make([]EntityID, len(idxs))
	for i, idx := range idxs {
		out[i] = EntityID(idx)
	}
	return out, nil
}

// EntitiesInMatch returns every entity whose MATCH_ID binds it to
// matchID — the store-level backing for match isolation: every entity
// has exactly one MATCH_ID, and this query returns exactly that set.
func (s *RawStore) EntitiesInMatch(matchID string) []EntityID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	me, ok := s.matchEntities[matchID]
	if !ok {
		return nil
	}
	idxs := me.toSlice()
	out := make([]EntityID, len(idxs))
	for i, idx := range idxs {
		out[i] = EntityID(idx)
	}
	return out
}

// ConsumeDirty returns and resets the dirty info for matchID.
func (s *RawStore) ConsumeDirty(matchID string) *DirtyInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty.consume(matchID)
}

// EntityCount returns the number of live entities.
func (s *RawStore) EntityCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.presence.count()
}

// MaxEntities returns the store's capacity.
func (s *RawStore) MaxEntities() int { return s.maxEntities }
