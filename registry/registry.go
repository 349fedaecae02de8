package registry

import (
	"sort"
	"strings"
	"sync"

	"github.com/dicey-ipc/dicey/dicey"
	"github.com/dicey-ipc/dicey/wire"
)

const (
	// Well-known trait names materialized under /dicey.
	TraitIntrospection = "dicey.Introspection"
	TraitRegistry      = "dicey.Registry"
	TraitTrait         = "dicey.Trait"
	TraitEventManager  = "dicey.EventManager"
	TraitPluginManager = "dicey.PluginManager"
	TraitPlugin        = "dicey.Plugin"

	PathRegistry      = "/dicey/registry"
	PathServer        = "/dicey/server"
	pathTraitsPrefix  = "/dicey/registry/traits/"
	pathPluginsPrefix = "/dicey/plugins/"
)

// Registry is the server's object-and-trait directory. It owns a
// reusable scratch buffer for meta-path formatting: the buffer is a
// field on the Registry, not a process-global, and the field exists so
// formatting helpers have one place to pool buffers rather than
// allocating per call.
type Registry struct {
	mu      sync.RWMutex
	objects map[string]*Object
	traits  map[string]*Trait

	scratch strings.Builder
}

func New() *Registry {
	r := &Registry{
		objects: map[string]*Object{},
		traits:  map[string]*Trait{},
	}
	r.installBuiltinTraits()
	r.objects[PathRegistry] = r.newMetaObject(PathRegistry, TraitRegistry)
	r.objects[PathServer] = r.newMetaObject(PathServer, TraitEventManager)
	return r
}

func (r *Registry) newMetaObject(path, trait string) *Object {
	o := newObject(path)
	o.Traits[TraitIntrospection] = true
	o.Traits[trait] = true
	return o
}

// metaPath formats a meta-path using the registry's scratch buffer.
func (r *Registry) metaPath(prefix, name string) string {
	r.scratch.Reset()
	r.scratch.WriteString(prefix)
	r.scratch.WriteString(name)
	return r.scratch.String()
}

func (r *Registry) TraitMetaPath(traitName string) string {
	return r.metaPath(pathTraitsPrefix, traitName)
}

func (r *Registry) PluginMetaPath(pluginName string) string {
	return r.metaPath(pathPluginsPrefix, pluginName)
}

// AddObject registers a new object at path implementing traitSet. The
// introspection trait is implicitly added to every object.
func (r *Registry) AddObject(path string, traitSet []string) error {
	if !wire.ValidatePath(path) {
		return dicey.New(dicey.EPathMalformed)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.objects[path]; exists {
		return dicey.New(dicey.EExists)
	}
	for _, t := range traitSet {
		if _, ok := r.traits[t]; !ok {
			return dicey.Errorf(dicey.ETraitNotFound, "trait %q not registered", t)
		}
	}

	o := newObject(path)
	o.Traits[TraitIntrospection] = true
	for _, t := range traitSet {
		o.Traits[t] = true
	}
	r.objects[path] = o
	return nil
}

// AddObjectTrait adds an already-registered trait to an existing
// object's trait set, invalidating its cached introspection XML. Used
// to extend a meta-object (e.g. /dicey/server) with an optional trait
// such as dicey.PluginManager after construction.
func (r *Registry) AddObjectTrait(path, traitName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.objects[path]
	if !ok {
		return dicey.New(dicey.EPathNotFound)
	}
	if _, ok := r.traits[traitName]; !ok {
		return dicey.New(dicey.ETraitNotFound)
	}
	o.Traits[traitName] = true
	o.invalidateCache()
	return nil
}

// DeleteObject removes the object at path.
func (r *Registry) DeleteObject(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.objects[path]; !ok {
		return dicey.New(dicey.EPathNotFound)
	}
	delete(r.objects, path)
	return nil
}

// AddTrait registers a new trait and materializes its introspection
// meta-object at /dicey/registry/traits/<name>.
func (r *Registry) AddTrait(t *Trait) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.traits[t.Name]; exists {
		return dicey.New(dicey.EExists)
	}
	r.traits[t.Name] = t

	metaPath := r.metaPath(pathTraitsPrefix, t.Name)
	r.objects[metaPath] = r.newMetaObject(metaPath, TraitTrait)
	return nil
}

// GetObject returns the object at path, or EPathNotFound.
func (r *Registry) GetObject(path string) (*Object, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.objects[path]
	if !ok {
		return nil, dicey.New(dicey.EPathNotFound)
	}
	return o, nil
}

// GetTrait returns the trait by name, or ETraitNotFound.
func (r *Registry) GetTrait(name string) (*Trait, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.traits[name]
	if !ok {
		return nil, dicey.New(dicey.ETraitNotFound)
	}
	return t, nil
}

// GetElement looks up sel within the object at path, checking that the
// object actually implements the element's trait.
func (r *Registry) GetElement(path string, sel wire.Selector) (*Element, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.objects[path]
	if !ok {
		return nil, dicey.New(dicey.EPathNotFound)
	}
	if !o.Traits[sel.Trait] {
		return nil, dicey.New(dicey.EElementNotFound)
	}
	t, ok := r.traits[sel.Trait]
	if !ok {
		return nil, dicey.New(dicey.ETraitNotFound)
	}
	e, ok := t.Element(sel.Element)
	if !ok {
		return nil, dicey.New(dicey.EElementNotFound)
	}
	return e, nil
}

func (r *Registry) PathExists(path string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.objects[path]
	return ok
}

func (r *Registry) TraitExists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.traits[name]
	return ok
}

func (r *Registry) ElementExists(path string, sel wire.Selector) bool {
	_, err := r.GetElement(path, sel)
	return err == nil
}

// ObjectPaths returns every registered object path, sorted.
func (r *Registry) ObjectPaths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	paths := make([]string, 0, len(r.objects))
	for p := range r.objects {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// TraitNames returns every registered trait name, sorted.
func (r *Registry) TraitNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.traits))
	for n := range r.traits {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// WalkEvent identifies the callback invocation kind during Walk.
type WalkEvent int

const (
	ObjectStart WalkEvent = iota
	TraitStart
	ElementEvent
	TraitEnd
	ObjectEnd
)

// WalkFunc is invoked for each step of a Walk. Returning false
// short-circuits the walk.
type WalkFunc func(event WalkEvent, object *Object, traitName string, element *Element) bool

// Walk traverses the object at path, visiting each of its traits and
// their elements in a stable order.
func (r *Registry) Walk(path string, fn WalkFunc) error {
	r.mu.RLock()
	o, ok := r.objects[path]
	if !ok {
		r.mu.RUnlock()
		return dicey.New(dicey.EPathNotFound)
	}

	traitNames := make([]string, 0, len(o.Traits))
	for t := range o.Traits {
		traitNames = append(traitNames, t)
	}
	sort.Strings(traitNames)
	r.mu.RUnlock()

	if !fn(ObjectStart, o, "", nil) {
		return nil
	}
	for _, tn := range traitNames {
		r.mu.RLock()
		t, ok := r.traits[tn]
		r.mu.RUnlock()
		if !ok {
			continue
		}
		if !fn(TraitStart, o, tn, nil) {
			return nil
		}

		elemNames := make([]string, 0, len(t.Elements))
		for en := range t.Elements {
			elemNames = append(elemNames, en)
		}
		sort.Strings(elemNames)
		for _, en := range elemNames {
			e := t.Elements[en]
			if !fn(ElementEvent, o, tn, e) {
				return nil
			}
		}
		if !fn(TraitEnd, o, tn, nil) {
			return nil
		}
	}
	fn(ObjectEnd, o, "", nil)
	return nil
}

func (r *Registry) installBuiltinTraits() {
	for _, t := range []*Trait{
		introspectionTrait(),
		registryTrait(),
		traitIntrospectionTrait(),
		eventManagerTrait(),
	} {
		r.traits[t.Name] = t
		metaPath := r.metaPath(pathTraitsPrefix, t.Name)
		r.objects[metaPath] = r.newMetaObject(metaPath, TraitTrait)
	}
}
