// Package registry implements the server's object/trait/element
// directory and its self-describing meta-objects.
package registry

import (
	"github.com/dicey-ipc/dicey/dicey"
	"github.com/dicey-ipc/dicey/wire"
)

// ElementFlag is a bitset of modifiers on an Element.
type ElementFlag uint32

const (
	FlagReadOnly ElementFlag = 1 << iota
	FlagInternal
)

func (f ElementFlag) Has(bit ElementFlag) bool { return f&bit != 0 }

// Element is one named member of a Trait: a property, operation, or
// signal, together with its wire signature.
type Element struct {
	Name      string
	Kind      dicey.ElementKind
	Signature wire.Signature
	Flags     ElementFlag

	// Opcode distinguishes built-in elements so the server can dispatch
	// them to an internal handler instead of the application callback.
	// Zero for application-defined elements.
	Opcode int
}

// Trait is a named contract: a set of elements.
type Trait struct {
	Name     string
	Elements map[string]*Element
}

func NewTrait(name string) *Trait {
	return &Trait{Name: name, Elements: map[string]*Element{}}
}

func (t *Trait) AddElement(e *Element) {
	t.Elements[e.Name] = e
}

func (t *Trait) Element(name string) (*Element, bool) {
	e, ok := t.Elements[name]
	return e, ok
}

// Object is an addressable entity bound to a set of traits.
type Object struct {
	Path   string
	Traits map[string]bool

	// cachedXML holds the serialized introspection blob for this object,
	// computed lazily on first read and invalidated on any structural
	// change to Traits.
	cachedXML *string
}

func newObject(path string) *Object {
	return &Object{Path: path, Traits: map[string]bool{}}
}

func (o *Object) HasTrait(name string) bool { return o.Traits[name] }

func (o *Object) invalidateCache() { o.cachedXML = nil }
