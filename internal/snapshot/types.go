// Package snapshot implements per-match snapshot construction with
// incremental-rebuild caching, delta computation between two snapshots,
// and fan-out to open streams: github.com/coder/websocket carries the
// control tunnel, github.com/gorilla/websocket carries the
// higher-fanout player-facing streams this package broadcasts over,
// each behind its own per-connection fan-out loop.
package snapshot

// ComponentColumn is one component's dense value vector, aligned by
// index with Snapshot.EntityIDs.
type ComponentColumn struct {
	Name   string
	Values []float32
}

// ModuleColumns is one module's declared components, each a dense
// column aligned with Snapshot.EntityIDs.
type ModuleColumns struct {
	Name       string
	Version    string
	Components []ComponentColumn
}

// Snapshot is a full, point-in-time view of a match's entities and
// component values.
type Snapshot struct {
	MatchID   string
	Tick      uint64
	EntityIDs []uint64
	Modules   []ModuleColumns
}

// Delta is the set of changes between two ticks of the same match.
type Delta struct {
	MatchID string
	FromTick uint64
	ToTick   uint64
	// ChangedComponents[module][component][entityIndex] = newValue
	ChangedComponents map[string]map[string]map[int]float32
	AddedEntities     []uint64
	RemovedEntities   []uint64
}

// ChangeCount is the number of individual (entity, component) changes
// plus structural adds/removes, used by callers deciding whether a
// delta is worth sending.
func (d *Delta) ChangeCount() int {
	n := len(d.AddedEntities) + len(d.RemovedEntities)
	for _, byComponent := range d.ChangedComponents {
		for _, byEntity := range byComponent {
			n += len(byEntity)
		}
	}
	return n
}

// Empty reports whether the delta carries no changes at all.
func (d *Delta) Empty() bool {
	return d.ChangeCount() == 0
}
