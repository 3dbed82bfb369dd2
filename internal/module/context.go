package module

import (
	"github.com/freitascorp/meridian/internal/auth"
	"github.com/freitascorp/meridian/internal/ecs"
)

// Resolver looks up another installed module's exports by identifier,
// for modules that depend on each other's capabilities (e.g. a
// scoreboard module reading a combat module's damage export).
type Resolver interface {
	Exports(moduleName string) (map[string]any, bool)
}

// Context is the injector passed to a ModuleFactory at install time: the
// installing principal, the container's entity factory (for modules
// that spawn entities outside normal play, e.g. world seeding), a
// module-scoped store view, and the resolver for inter-module exports.
type Context struct {
	Principal *auth.Principal
	Factory   *ecs.EntityFactory
	Store     ecs.Store
	Resolver  Resolver
}

// Factory produces a module's Descriptor given a Context. A bundle
// (plugin .so, or a statically linked entry) exposes exactly one Factory
// under the well-known symbol name Symbol.
type Factory interface {
	Build(ctx *Context) (*Descriptor, error)
}

// Symbol is the exported identifier the plugin loader scans bundles for.
const Symbol = "ModuleFactory"
