package snapshot

import (
	"sync"

	"github.com/freitascorp/meridian/internal/ecs"
	"github.com/freitascorp/meridian/internal/module"
)

// DefaultRebuildThreshold is the dirty-fraction above which a full
// rebuild replaces an incremental update.
const DefaultRebuildThreshold = 0.5

// DefaultMaxCacheAgeTicks forces a full rebuild once a cached snapshot
// is this many ticks stale, bounding how far an incremental chain can
// drift from a from-scratch build.
const DefaultMaxCacheAgeTicks = 600

type cacheEntry struct {
	snapshot *Snapshot
	builtAt  uint64
}

type accumulator struct {
	modified   map[ecs.EntityID]bool
	added      map[ecs.EntityID]bool
	removed    map[ecs.EntityID]bool
	components map[string]bool
}

func newAccumulator() *accumulator {
	return &accumulator{
		modified:   make(map[ecs.EntityID]bool),
		added:      make(map[ecs.EntityID]bool),
		removed:    make(map[ecs.EntityID]bool),
		components: make(map[string]bool),
	}
}

func (a *accumulator) merge(d *ecs.DirtyInfo) {
	if d == nil {
		return
	}
	for e := range d.Modified {
		a.modified[e] = true
	}
	for e := range d.Added {
		a.added[e] = true
		delete(a.removed, e)
	}
	for e := range d.Removed {
		a.removed[e] = true
		delete(a.modified, e)
		delete(a.added, e)
	}
	for c := range d.Components {
		a.components[c] = true
	}
}

func (a *accumulator) hasStructuralChange() bool {
	return len(a.added) > 0 || len(a.removed) > 0
}

func (a *accumulator) changeCount() int {
	seen := make(map[ecs.EntityID]bool, len(a.modified)+len(a.added)+len(a.removed))
	for e := range a.modified {
		seen[e] = true
	}
	for e := range a.added {
		seen[e] = true
	}
	for e := range a.removed {
		seen[e] = true
	}
	return len(seen)
}

func (a *accumulator) empty() bool {
	return len(a.modified) == 0 && len(a.added) == 0 && len(a.removed) == 0
}

// Builder constructs and caches full-match snapshots, implementing the
// full-vs-incremental rebuild rules. One Builder serves every match
// hosted by a single container.
type Builder struct {
	factory          *ecs.EntityFactory
	modules          *module.Registry
	rebuildThreshold float64
	maxCacheAgeTicks uint64
	historyDepth     int

	mu      sync.Mutex
	cache   map[string]*cacheEntry
	pending map[string]*accumulator
	// history retains recent built snapshots per match so the fan-out
	// broadcaster can compute a delta from whatever tick a particular
	// subscriber last saw, not just the single newest cached snapshot.
	history map[string][]*Snapshot
}

// DefaultHistoryDepth bounds how many past snapshots per match the
// builder retains for per-subscriber delta computation.
const DefaultHistoryDepth = 120

// NewBuilder returns a Builder over factory/modules using the default
// thresholds.
func NewBuilder(factory *ecs.EntityFactory, modules *module.Registry) *Builder {
	return &Builder{
		factory:          factory,
		modules:          modules,
		rebuildThreshold: DefaultRebuildThreshold,
		maxCacheAgeTicks: DefaultMaxCacheAgeTicks,
		historyDepth:     DefaultHistoryDepth,
		cache:            make(map[string]*cacheEntry),
		pending:          make(map[string]*accumulator),
		history:          make(map[string][]*Snapshot),
	}
}

// History returns the snapshot built for matchID at exactly tick, if
// still retained.
func (b *Builder) History(matchID string, tick uint64) (*Snapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.history[matchID] {
		if s.Tick == tick {
			return s, true
		}
	}
	return nil, false
}

func (b *Builder) remember(matchID string, snap *Snapshot) {
	hist := append(b.history[matchID], snap)
	if len(hist) > b.historyDepth {
		hist = hist[len(hist)-b.historyDepth:]
	}
	b.history[matchID] = hist
}

// Notify implements container.Listener: it accumulates matchID's dirty
// info since the last Build call. Registering a Builder as a container
// listener is how it learns about changes without re-consuming the
// container's own per-tick dirty tracking.
func (b *Builder) Notify(tick uint64, matchID string, dirty *ecs.DirtyInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acc, ok := b.pending[matchID]
	if !ok {
		acc = newAccumulator()
		b.pending[matchID] = acc
	}
	acc.merge(dirty)
}

// Build returns the match's snapshot at currentTick, applying the
// caching rule set: no cache or stale cache or high dirty fraction or
// any structural change ⇒ full rebuild; empty dirty info ⇒ cache hit;
// otherwise an incremental update over the cached columns.
func (b *Builder) Build(matchID string, currentTick uint64) (*Snapshot, error) {
	b.mu.Lock()
	entry := b.cache[matchID]
	acc := b.pending[matchID]
	delete(b.pending, matchID)
	b.mu.Unlock()

	totalEntities := len(b.factory.EntitiesInMatch(matchID))

	needsFull := entry == nil
	if entry != nil {
		age := currentTick - entry.builtAt
		if age > b.maxCacheAgeTicks {
			needsFull = true
		}
	}
	if acc != nil && acc.hasStructuralChange() {
		needsFull = true
	}
	if acc != nil && totalEntities > 0 {
		fraction := float64(acc.changeCount()) / float64(totalEntities)
		if fraction > b.rebuildThreshold {
			needsFull = true
		}
	}

	if !needsFull && entry != nil && (acc == nil || acc.empty()) {
		return entry.snapshot, nil
	}

	if needsFull {
		full, err := b.buildFull(matchID, currentTick)
		if err != nil {
			return nil, err
		}
		b.mu.Lock()
		b.cache[matchID] = &cacheEntry{snapshot: full, builtAt: currentTick}
		b.remember(matchID, full)
		b.mu.Unlock()
		return full, nil
	}

	updated, err := b.buildIncremental(entry.snapshot, matchID, currentTick, acc)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.cache[matchID] = &cacheEntry{snapshot: updated, builtAt: currentTick}
	b.remember(matchID, updated)
	b.mu.Unlock()
	return updated, nil
}

// buildFull iterates installed modules, and for each declared component
// gathers the dense vector aligned with the match's entity-id column.
func (b *Builder) buildFull(matchID string, tick uint64) (*Snapshot, error) {
	var entityIDs []ecs.EntityID
	var moduleCols []ModuleColumns

	for _, desc := range b.modules.Ordered() {
		mc := ModuleColumns{Name: desc.ID.Name, Version: desc.ID.String()}
		for _, comp := range desc.Components {
			ids, values, err := b.factory.ColumnValues(matchID, comp.Name)
			if err != nil {
				return nil, err
			}
			if entityIDs == nil {
				entityIDs = ids
			}
			mc.Components = append(mc.Components, ComponentColumn{Name: comp.Name, Values: values})
		}
		moduleCols = append(moduleCols, mc)
	}

	return &Snapshot{
		MatchID:   matchID,
		Tick:      tick,
		EntityIDs: toUint64s(entityIDs),
		Modules:   moduleCols,
	}, nil
}

// buildIncremental copies base's columns and overwrites just the
// modified entities' cells, leaving every other value untouched.
func (b *Builder) buildIncremental(base *Snapshot, matchID string, tick uint64, acc *accumulator) (*Snapshot, error) {
	indexOf := make(map[uint64]int, len(base.EntityIDs))
	for i, id := range base.EntityIDs {
		indexOf[id] = i
	}

	modules := make([]ModuleColumns, len(base.Modules))
	for mi, mc := range base.Modules {
		newMC := ModuleColumns{Name: mc.Name, Version: mc.Version}
		for _, col := range mc.Components {
			if !acc.components[col.Name] {
				newMC.Components = append(newMC.Components, col)
				continue
			}

			currentIDs, currentValues, err := b.factory.ColumnValues(matchID, col.Name)
			if err != nil {
				return nil, err
			}
			currentIndexOf := make(map[uint64]int, len(currentIDs))
			for i, id := range currentIDs {
				currentIndexOf[uint64(id)] = i
			}

			values := append([]float32(nil), col.Values...)
			for e := range acc.modified {
				baseIdx, inBase := indexOf[uint64(e)]
				currIdx, inCurrent := currentIndexOf[uint64(e)]
				if inBase && inCurrent {
					values[baseIdx] = currentValues[currIdx]
				}
			}
			newMC.Components = append(newMC.Components, ComponentColumn{Name: col.Name, Values: values})
		}
		modules[mi] = newMC
	}

	return &Snapshot{
		MatchID:   matchID,
		Tick:      tick,
		EntityIDs: append([]uint64(nil), base.EntityIDs...),
		Modules:   modules,
	}, nil
}

func toUint64s(ids []ecs.EntityID) []uint64 {
	out := make([]uint64, len(ids))
	for i, id := range ids {
		out[i] = uint64(id)
	}
	return out
}
