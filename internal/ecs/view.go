package ecs

import "github.com/freitascorp/meridian/internal/errs"

// Store is the module-facing ECS contract. Every module interacts with
// the store only through a ModuleView, never through RawStore directly.
type Store interface {
	CreateEntity(matchID string) (EntityID, error)
	DeleteEntity(e EntityID) error
	AttachComponent(e EntityID, component string, value float32) error
	GetComponent(e EntityID, component string) (float32, bool, error)
	RemoveComponent(e EntityID, component string) error
	GetEntitiesWith(components ...string) ([]EntityID, error)
}

// ModuleView is the permission-enforcing decorator wrapping a RawStore
// with one module's identity. Implements the exhaustive owner/PRIVATE/
// READ/WRITE table: a module has full R/W/remove on its own components
// regardless of declared level; against another module's component, a
// PRIVATE level denies everything, READ allows only GetComponent, and
// WRITE allows read, write, and remove.
type ModuleView struct {
	raw      *RawStore
	factory  *EntityFactory
	module   string
	matchID  string
	handle   float32
}

// NewModuleView returns a Store scoped to moduleName, operating within
// matchID (whose float handle is supplied by the container so
// CreateEntity can stamp MATCH_ID without the view needing string
// columns).
func NewModuleView(raw *RawStore, factory *EntityFactory, moduleName, matchID string, handle float32) *ModuleView {
	return &ModuleView{raw: raw, factory: factory, module: moduleName, matchID: matchID, handle: handle}
}

func (v *ModuleView) checkLevel(component string, need PermissionLevel) error {
	def, ok := v.raw.ComponentDef(component)
	if !ok {
		return errs.New(errs.NotFound, "component %q not registered", component)
	}
	if def.Owner == v.module {
		return nil
	}
	switch def.Level {
	case Write:
		return nil
	case Read:
		if need == Read {
			return nil
		}
	case Private:
	}
	return errs.New(errs.PermissionDenied, "module %q has no %s access to component %q (owner %q, level %s)",
		v.module, levelName(need), component, def.Owner, def.Level)
}

func levelName(l PermissionLevel) string {
	if l == Read {
		return "read"
	}
	return "write"
}

// CreateEntity creates an entity bound to the view's match.
func (v *ModuleView) CreateEntity(matchID string) (EntityID, error) {
	if matchID != v.matchID {
		return 0, errs.New(errs.InvalidArgument, "module %q cannot create entities outside its bound match %q", v.module, v.matchID)
	}
	return v.factory.CreateEntity(matchID, v.handle)
}

// DeleteEntity removes e. Any module may delete any entity in its match;
// per-component ownership does not gate entity lifecycle, only the
// permission-checked component accessors (Attach/Get/Remove/GetEntitiesWith).
func (v *ModuleView) DeleteEntity(e EntityID) error {
	return v.factory.DeleteEntity(e)
}

func (v *ModuleView) AttachComponent(e EntityID, component string, value float32) error {
	if err := v.checkLevel(component, Write); err != nil {
		return err
	}
	return v.raw.attachComponent(e, component, value)
}

func (v *ModuleView) GetComponent(e EntityID, component string) (float32, bool, error) {
	if err := v.checkLevel(component, Read); err != nil {
		return 0, false, err
	}
	return v.raw.getComponent(e, component)
}

func (v *ModuleView) RemoveComponent(e EntityID, component string) error {
	if err := v.checkLevel(component, Write); err != nil {
		return err
	}
	return v.raw.removeComponent(e, component)
}

func (v *ModuleView) GetEntitiesWith(components ...string) ([]EntityID, error) {
	for _, c := range components {
		if err := v.checkLevel(c, Read); err != nil {
			return nil, err
		}
	}
	return v.raw.getEntitiesWith(components...)
}
