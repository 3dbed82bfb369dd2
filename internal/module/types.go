// Package module implements dynamically loadable, permission-scoped
// modules: a factory/descriptor pair rather than a single generic
// request/response struct, since a module declares many heterogeneous
// commands rather than one request/response shape.
package module

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/freitascorp/meridian/internal/ecs"
	"github.com/freitascorp/meridian/internal/errs"
)

// Identifier is a module's name plus semantic-ish version. Wire form is
// "name:version", e.g. "combat:1.2" or "combat:1.2.3".
type Identifier struct {
	Name  string
	Major int
	Minor int
	Patch int // -1 when unset
}

func (id Identifier) String() string {
	if id.Patch < 0 {
		return fmt.Sprintf("%s:%d.%d", id.Name, id.Major, id.Minor)
	}
	return fmt.Sprintf("%s:%d.%d.%d", id.Name, id.Major, id.Minor, id.Patch)
}

// key is the registry's uniqueness key, "name:major.minor.patch" with
// patch normalized to 0 so "1.2" and "1.2.0" collide on purpose.
func (id Identifier) key() string {
	return fmt.Sprintf("%s:%d.%d.%d", id.Name, id.Major, id.Minor, max0(id.Patch))
}

func max0(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// ParseIdentifier parses "name:version". Fails InvalidArgument if the
// colon is missing, either side is empty, or the version isn't
// dot-separated integers (1 or 2 dots).
func ParseIdentifier(s string) (Identifier, error) {
	name, version, found := strings.Cut(s, ":")
	if !found || name == "" || version == "" {
		return Identifier{}, errs.New(errs.InvalidArgument, "malformed module identifier %q: want \"name:version\"", s)
	}

	parts := strings.Split(version, ".")
	if len(parts) < 2 || len(parts) > 3 {
		return Identifier{}, errs.New(errs.InvalidArgument, "malformed module version %q: want major.minor[.patch]", version)
	}

	nums := make([]int, 3)
	nums[2] = -1
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Identifier{}, errs.New(errs.InvalidArgument, "malformed module version %q: non-numeric component %q", version, p)
		}
		nums[i] = n
	}

	return Identifier{Name: name, Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// ParamSchema describes one command parameter.
type ParamSchema struct {
	Kind     ecs.Kind
	Required bool
}

// CommandSpec declares a module command's name and typed parameter
// schema.
type CommandSpec struct {
	Name        string
	Description string
	Parameters  map[string]ParamSchema
	Handler     CommandHandler
}

// CommandHandler executes a validated command invocation against a
// module-scoped store.
type CommandHandler func(ctx context.Context, store ecs.Store, matchID string, params map[string]float32) error

// SystemFunc is a per-tick callback. Panics and errors are caught by the
// container and attributed to (module, system); they never abort the
// tick.
type SystemFunc func(ctx context.Context, tick uint64, store ecs.Store) error

// SystemDecl names a system for ordering and attribution in logs/metrics.
type SystemDecl struct {
	Name string
	Fn   SystemFunc
}

// Descriptor is everything a ModuleFactory must produce: components,
// the flag component marking entities this module governs, ordered
// systems, typed commands, and inter-module exports.
type Descriptor struct {
	ID             Identifier
	Components     []ecs.ComponentDef
	FlagComponent  string
	Systems        []SystemDecl
	Commands       []CommandSpec
	Exports        map[string]any
}

// Validate checks install-time well-formedness: component names unique
// within the module, every declared component owned by the module
// itself, and every command's parameter schema non-empty-keyed.
func (d *Descriptor) Validate() error {
	seen := make(map[string]bool, len(d.Components))
	for _, c := range d.Components {
		if c.Name == "" {
			return errs.New(errs.InvalidArgument, "module %s declares a component with an empty name", d.ID)
		}
		if seen[c.Name] {
			return errs.New(errs.InvalidArgument, "module %s declares component %q more than once", d.ID, c.Name)
		}
		seen[c.Name] = true
		if c.Owner != d.ID.Name {
			return errs.New(errs.InvalidArgument, "module %s declares component %q owned by %q, must own its own components", d.ID, c.Name, c.Owner)
		}
	}
	if d.FlagComponent != "" && !seen[d.FlagComponent] {
		return errs.New(errs.InvalidArgument, "module %s flag component %q is not among its declared components", d.ID, d.FlagComponent)
	}
	for _, cmd := range d.Commands {
		if cmd.Name == "" {
			return errs.New(errs.InvalidArgument, "module %s declares a command with an empty name", d.ID)
		}
		for pname := range cmd.Parameters {
			if pname == "" {
				return errs.New(errs.InvalidArgument, "module %s command %q declares a parameter with an empty name", d.ID, cmd.Name)
			}
		}
	}
	return nil
}
