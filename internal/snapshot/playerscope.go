package snapshot

import (
	"github.com/freitascorp/meridian/internal/ecs"
	"github.com/freitascorp/meridian/internal/module"
)

// BuildPlayerScoped builds an uncached snapshot restricted to entities
// whose OWNER_ID equals ownerHandle. Player-scoped snapshots are always
// derived fresh from the live store, never cached — a player with no
// owned entities gets a snapshot with zero-length columns rather than
// an error.
func BuildPlayerScoped(factory *ecs.EntityFactory, modules *module.Registry, matchID string, ownerHandle float32, tick uint64) (*Snapshot, error) {
	ownerIDs, owners, err := factory.ColumnValues(matchID, ecs.ComponentOwnerID)
	if err != nil {
		return nil, err
	}

	owned := make(map[ecs.EntityID]bool)
	for i, id := range ownerIDs {
		if !ecs.IsNotPresent(owners[i]) && owners[i] == ownerHandle {
			owned[id] = true
		}
	}

	var entityIDs []uint64
	var moduleCols []ModuleColumns
	for _, desc := range modules.Ordered() {
		mc := ModuleColumns{Name: desc.ID.Name, Version: desc.ID.String()}
		for _, comp := range desc.Components {
			ids, values, err := factory.ColumnValues(matchID, comp.Name)
			if err != nil {
				return nil, err
			}
			filteredValues := make([]float32, 0, len(owned))
			var filteredIDs []uint64
			for i, id := range ids {
				if !owned[id] {
					continue
				}
				filteredValues = append(filteredValues, values[i])
				filteredIDs = append(filteredIDs, uint64(id))
			}
			if entityIDs == nil {
				entityIDs = filteredIDs
			}
			mc.Components = append(mc.Components, ComponentColumn{Name: comp.Name, Values: filteredValues})
		}
		moduleCols = append(moduleCols, mc)
	}

	return &Snapshot{
		MatchID:   matchID,
		Tick:      tick,
		EntityIDs: entityIDs,
		Modules:   moduleCols,
	}, nil
}
