// Package ecs implements columnar storage of (entity × component) →
// value, with O(1) access, per-component permission enforcement, and
// dirty tracking.
package ecs

import "math"

// EntityID is an opaque identifier, unique within a container, for the
// lifetime of the entity.
type EntityID uint64

// Kind tags a component's logical type. Storage stays a dense float32
// column regardless of Kind; Kind only changes how GetComponent's value
// is interpreted by callers that want precision instead of raw floats.
type Kind string

const (
	KindFloat Kind = "float"
	KindInt   Kind = "int"
	KindBool  Kind = "bool"
)

// PermissionLevel is a component's declared access level.
type PermissionLevel int

const (
	Private PermissionLevel = iota
	Read
	Write
)

func (l PermissionLevel) String() string {
	switch l {
	case Private:
		return "PRIVATE"
	case Read:
		return "READ"
	case Write:
		return "WRITE"
	default:
		return "UNKNOWN"
	}
}

// ComponentDef declares a component's name, owning module, and access
// level.
type ComponentDef struct {
	Name  string
	Owner string
	Level PermissionLevel
	Kind  Kind
}

// Built-in components attached by the entity factory to every entity.
const (
	ComponentMatchID  = "MATCH_ID"
	ComponentEntityID = "ENTITY_ID"
	// ComponentOwnerID is read by the player-scoped snapshot filter
	// (OWNER_ID == playerId); it is not attached automatically — owning
	// modules set it explicitly on entities a player should see.
	ComponentOwnerID = "OWNER_ID"
)

// notPresentBits is a quiet-NaN bit pattern reserved as the "value
// absent" sentinel, distinct from any value a system would compute
// (ordinary arithmetic NaNs use a different payload).
const notPresentBits uint32 = 0x7FA5A5A5

// NotPresent is the sentinel float32 value stored in a column cell for
// an entity that does not carry that component. Existence is primarily
// tracked by each column's own presence index, not by comparing against
// this sentinel — callers should rely on the returned "present" bool
// rather than float-comparing against NotPresent.
var NotPresent = math.Float32frombits(notPresentBits)

// floatBitsEqual compares float32 bit patterns, since NaN != NaN under
// normal float comparison.
func floatBitsEqual(a, b float32) bool {
	return math.Float32bits(a) == math.Float32bits(b)
}

// IsNotPresent reports whether v is the reserved not-present sentinel.
func IsNotPresent(v float32) bool {
	return floatBitsEqual(v, NotPresent)
}
