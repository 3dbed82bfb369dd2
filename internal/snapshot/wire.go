package snapshot

import "strconv"

// Wire types mirror the logical snapshot/delta JSON shapes. JSON object
// keys must be strings, so entity indices in ChangedComponents become
// decimal strings on the wire even though Delta keeps them as ints.

type snapshotWire struct {
	MatchID string          `json:"matchId"`
	Tick    uint64          `json:"tick"`
	Modules []moduleWire    `json:"modules"`
}

type moduleWire struct {
	Name       string          `json:"name"`
	Version    string          `json:"version"`
	Components []componentWire `json:"components"`
}

type componentWire struct {
	Name   string    `json:"name"`
	Values []float32 `json:"values"`
}

type deltaWire struct {
	MatchID           string                                  `json:"matchId"`
	FromTick          uint64                                  `json:"fromTick"`
	ToTick            uint64                                  `json:"toTick"`
	ChangedComponents map[string]map[string]map[string]float32 `json:"changedComponents"`
	AddedEntities     []uint64                                `json:"addedEntities"`
	RemovedEntities   []uint64                                `json:"removedEntities"`
	ChangeCount       int                                     `json:"changeCount"`
}

func (s *Snapshot) toWire() snapshotWire {
	w := snapshotWire{MatchID: s.MatchID, Tick: s.Tick}
	for _, mc := range s.Modules {
		mw := moduleWire{Name: mc.Name, Version: mc.Version}
		for _, col := range mc.Components {
			mw.Components = append(mw.Components, componentWire{Name: col.Name, Values: col.Values})
		}
		w.Modules = append(w.Modules, mw)
	}
	return w
}

func (d *Delta) toWire() deltaWire {
	w := deltaWire{
		MatchID:           d.MatchID,
		FromTick:          d.FromTick,
		ToTick:            d.ToTick,
		ChangedComponents: make(map[string]map[string]map[string]float32, len(d.ChangedComponents)),
		AddedEntities:     d.AddedEntities,
		RemovedEntities:   d.RemovedEntities,
		ChangeCount:       d.ChangeCount(),
	}
	for module, byComponent := range d.ChangedComponents {
		wByComponent := make(map[string]map[string]float32, len(byComponent))
		for component, byEntity := range byComponent {
			wByEntity := make(map[string]float32, len(byEntity))
			for idx, v := range byEntity {
				wByEntity[strconv.Itoa(idx)] = v
			}
			wByComponent[component] = wByEntity
		}
		w.ChangedComponents[module] = wByComponent
	}
	return w
}
