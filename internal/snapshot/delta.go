package snapshot

// DeltaOf computes the changes needed to go from base to curr: added
// and removed entities by set difference on the entity-id vectors, and
// changed values for entities present in both. An empty base (nil or
// no entities) is the "full snapshot" case — every entity in curr is
// reported as added and every value as changed.
func DeltaOf(base, curr *Snapshot) *Delta {
	d := &Delta{
		MatchID:           curr.MatchID,
		ChangedComponents: make(map[string]map[string]map[int]float32),
	}
	if base != nil {
		d.FromTick = base.Tick
	}
	d.ToTick = curr.Tick

	baseSet := make(map[uint64]bool)
	if base != nil {
		for _, id := range base.EntityIDs {
			baseSet[id] = true
		}
	}
	currSet := make(map[uint64]bool, len(curr.EntityIDs))
	for _, id := range curr.EntityIDs {
		currSet[id] = true
	}

	for _, id := range curr.EntityIDs {
		if !baseSet[id] {
			d.AddedEntities = append(d.AddedEntities, id)
		}
	}
	if base != nil {
		for _, id := range base.EntityIDs {
			if !currSet[id] {
				d.RemovedEntities = append(d.RemovedEntities, id)
			}
		}
	}

	baseModules := indexModules(base)
	for _, mc := range curr.Modules {
		baseMC, ok := baseModules[mc.Name]
		for ci, col := range mc.Components {
			var baseCol *ComponentColumn
			if ok && ci < len(baseMC.Components) && baseMC.Components[ci].Name == col.Name {
				baseCol = &baseMC.Components[ci]
			}
			for i, id := range curr.EntityIDs {
				newVal := col.Values[i]
				if baseSet[id] {
					baseIdx, found := indexOf(base, id)
					if found && baseCol != nil && baseIdx < len(baseCol.Values) && baseCol.Values[baseIdx] == newVal {
						continue // unchanged
					}
				}
				setChange(d.ChangedComponents, mc.Name, col.Name, i, newVal)
			}
		}
	}

	return d
}

func indexModules(s *Snapshot) map[string]ModuleColumns {
	m := make(map[string]ModuleColumns)
	if s == nil {
		return m
	}
	for _, mc := range s.Modules {
		m[mc.Name] = mc
	}
	return m
}

func indexOf(s *Snapshot, id uint64) (int, bool) {
	if s == nil {
		return 0, false
	}
	for i, eid := range s.EntityIDs {
		if eid == id {
			return i, true
		}
	}
	return 0, false
}

func setChange(m map[string]map[string]map[int]float32, module, component string, entityIndex int, value float32) {
	byComponent, ok := m[module]
	if !ok {
		byComponent = make(map[string]map[int]float32)
		m[module] = byComponent
	}
	byEntity, ok := byComponent[component]
	if !ok {
		byEntity = make(map[int]float32)
		byComponent[component] = byEntity
	}
	byEntity[entityIndex] = value
}

// Apply applies delta to base, returning a new snapshot equal to the
// snapshot delta was computed against (the Delta round-trip invariant).
func Apply(base *Snapshot, delta *Delta) *Snapshot {
	entityIDs := append([]uint64(nil), base.EntityIDs...)
	removed := make(map[uint64]bool, len(delta.RemovedEntities))
	for _, id := range delta.RemovedEntities {
		removed[id] = true
	}
	kept := entityIDs[:0:0]
	for _, id := range entityIDs {
		if !removed[id] {
			kept = append(kept, id)
		}
	}
	kept = append(kept, delta.AddedEntities...)

	baseIndexOf := make(map[uint64]int, len(base.EntityIDs))
	for i, id := range base.EntityIDs {
		baseIndexOf[id] = i
	}

	modules := make([]ModuleColumns, len(base.Modules))
	for mi, mc := range base.Modules {
		newMC := ModuleColumns{Name: mc.Name, Version: mc.Version}
		changedByComponent := delta.ChangedComponents[mc.Name]
		for _, col := range mc.Components {
			newValues := make([]float32, len(kept))
			for newIdx, id := range kept {
				if baseIdx, ok := baseIndexOf[id]; ok && baseIdx < len(col.Values) {
					newValues[newIdx] = col.Values[baseIdx]
				}
			}
			if changedByComponent != nil {
				// entityIdx refers to the index in the snapshot the delta
				// targets, which after add/remove reconciliation is
				// kept's ordering (added entities are appended in the
				// same relative order DeltaOf observed).
				if changes, ok := changedByComponent[col.Name]; ok {
					for entityIdx, v := range changes {
						if entityIdx < len(newValues) {
							newValues[entityIdx] = v
						}
					}
				}
			}
			newMC.Components = append(newMC.Components, ComponentColumn{Name: col.Name, Values: newValues})
		}
		modules[mi] = newMC
	}

	return &Snapshot{
		MatchID:   delta.MatchID,
		Tick:      delta.ToTick,
		EntityIDs: kept,
		Modules:   modules,
	}
}

