package module

import (
	"sort"
	"sync"

	"github.com/freitascorp/meridian/internal/auth"
	"github.com/freitascorp/meridian/internal/ecs"
	"github.com/freitascorp/meridian/internal/errs"
)

// Registry holds the modules installed into one container. Names must
// be unique per container (not per name-version — installing
// "combat:1.0" and "combat:2.0" into the same container is rejected,
// since both would try to own the same module name's components).
type Registry struct {
	mu       sync.RWMutex
	loader   *Loader
	byKey    map[string]*Descriptor // identifier key -> descriptor
	byName   map[string]*Descriptor // module name -> descriptor (one per container)
	resolver *exportResolver
}

type exportResolver struct {
	mu sync.RWMutex
	m  map[string]map[string]any
}

func newExportResolver() *exportResolver {
	return &exportResolver{m: make(map[string]map[string]any)}
}

func (r *exportResolver) Exports(moduleName string) (map[string]any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.m[moduleName]
	return e, ok
}

func (r *exportResolver) set(moduleName string, exports map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[moduleName] = exports
}

func (r *exportResolver) delete(moduleName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, moduleName)
}

// NewRegistry returns an empty registry backed by loader.
func NewRegistry(loader *Loader) *Registry {
	return &Registry{
		loader:   loader,
		byKey:    make(map[string]*Descriptor),
		byName:   make(map[string]*Descriptor),
		resolver: newExportResolver(),
	}
}

// Install loads bundlePath, builds its Descriptor, validates it, and
// registers its components with factory (the container's
// EntityFactory). Validation runs before any component is registered;
// if registering one component fails, the components already
// registered for this module are unregistered, so a failed install
// never leaves partial component registrations behind.
func (r *Registry) Install(bundlePath string, principal *auth.Principal, factory *ecs.EntityFactory, store ecs.Store) (*Descriptor, error) {
	f, err := r.loader.Load(bundlePath)
	if err != nil {
		return nil, err
	}

	ctx := &Context{Principal: principal, Factory: factory, Store: store, Resolver: r.resolver}
	desc, err := f.Build(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "module factory at %q failed to build", bundlePath)
	}

	if err := desc.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := desc.ID.key()
	if _, exists := r.byKey[key]; exists {
		return nil, errs.New(errs.AlreadyExists, "module %s is already installed", desc.ID)
	}
	if _, exists := r.byName[desc.ID.Name]; exists {
		return nil, errs.New(errs.AlreadyExists, "a module named %q is already installed in this container", desc.ID.Name)
	}

	registered := make([]string, 0, len(desc.Components))
	for _, c := range desc.Components {
		if err := factory.RegisterComponent(c); err != nil {
			for _, name := range registered {
				factory.UnregisterComponent(name)
			}
			return nil, errs.Wrap(errs.Internal, err, "registering components for module %s", desc.ID)
		}
		registered = append(registered, c.Name)
	}

	r.byKey[key] = desc
	r.byName[desc.ID.Name] = desc
	r.resolver.set(desc.ID.Name, desc.Exports)

	return desc, nil
}

// Get returns the installed descriptor for moduleName.
func (r *Registry) Get(moduleName string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[moduleName]
	return d, ok
}

// Uninstall removes a module's registration bookkeeping (its exports and
// registry entry); it does not unregister the module's components, so
// their columns remain allocated and other modules' entities may still
// reference already-written values in them.
func (r *Registry) Uninstall(moduleName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byName[moduleName]
	if !ok {
		return errs.New(errs.NotFound, "module %q not installed", moduleName)
	}
	delete(r.byName, moduleName)
	delete(r.byKey, d.ID.key())
	r.resolver.delete(moduleName)
	return nil
}

// Ordered returns installed modules sorted by name, the container's
// module-then-declared-order basis for running systems each tick.
func (r *Registry) Ordered() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, 0, len(r.byName))
	for _, d := range r.byName {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Name < out[j].ID.Name })
	return out
}
