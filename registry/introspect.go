package registry

import (
	"fmt"
	"strings"

	"github.com/dicey-ipc/dicey/dicey"
	"github.com/dicey-ipc/dicey/wire"
)

// Dispatch serves a built-in (Opcode != 0) element locally, without
// involving the application's request callback. path/sel identify the
// element being accessed; input is the request's value (unused for
// Get). The server calls this once it has confirmed the element is
// internal-tagged.
func (r *Registry) Dispatch(op dicey.Op, path string, sel wire.Selector, e *Element, input wire.Value) (wire.Value, error) {
	switch e.Opcode {
	case OpDataProperty:
		return r.dataOf(path)
	case OpXMLProperty:
		return wire.StrV(r.xmlOf(path)), nil
	case OpRegistryObjects:
		return pathArray(r.ObjectPaths()), nil
	case OpRegistryTraits:
		return strArray(r.TraitNames()), nil
	case OpElementExists:
		if len(input.Elems) != 2 {
			return wire.Value{}, dicey.New(dicey.EInval)
		}
		target, sel2 := input.Elems[0].Str, input.Elems[1].Sel
		return wire.BoolV(r.ElementExists(target, sel2)), nil
	case OpPathExists:
		return wire.BoolV(r.PathExists(input.Str)), nil
	case OpTraitExists:
		return wire.BoolV(r.TraitExists(input.Str)), nil
	case OpTraitOperations, OpTraitProperties, OpTraitSignals:
		name := traitNameFromMetaPath(path)
		t, err := r.GetTrait(name)
		if err != nil {
			return wire.Value{}, err
		}
		return traitElementList(t, e.Opcode), nil
	default:
		return wire.Value{}, dicey.Errorf(dicey.EElementNotFound, "no internal handler for opcode %d", e.Opcode)
	}
}

func traitNameFromMetaPath(path string) string {
	return strings.TrimPrefix(path, pathTraitsPrefix)
}

func pathArray(paths []string) wire.Value {
	elems := make([]wire.Value, len(paths))
	for i, p := range paths {
		elems[i] = wire.PathV(p)
	}
	return wire.ArrayV(wire.TPath, elems...)
}

func strArray(ss []string) wire.Value {
	elems := make([]wire.Value, len(ss))
	for i, s := range ss {
		elems[i] = wire.StrV(s)
	}
	return wire.ArrayV(wire.TStr, elems...)
}

func traitElementList(t *Trait, opcode int) wire.Value {
	var names []string
	for n, e := range t.Elements {
		switch opcode {
		case OpTraitOperations:
			if e.Kind == dicey.KindOperation {
				names = append(names, n)
			}
		case OpTraitProperties:
			if e.Kind == dicey.KindProperty {
				names = append(names, n)
			}
		case OpTraitSignals:
			if e.Kind == dicey.KindSignal {
				names = append(names, n)
			}
		}
	}

	elems := make([]wire.Value, 0, len(names))
	for _, n := range names {
		e := t.Elements[n]
		if opcode == OpTraitProperties {
			elems = append(elems, wire.TupleV(wire.StrV(t.Name), wire.StrV(n), wire.BoolV(e.Flags.Has(FlagReadOnly))))
		} else {
			elems = append(elems, wire.TupleV(wire.StrV(t.Name), wire.StrV(n)))
		}
	}
	return wire.ArrayV(wire.TTuple, elems...)
}

// dataOf builds the Data property value for the object at path:
// {@[{s[{sv}]}]} -- the object's path paired with a list of
// (trait name, list of (element name, value)) entries. Element values
// here are always Unit: invoking the underlying property/operation
// would require a live connection to the owning client, which
// Introspection.Data intentionally does not do (it describes shape,
// not current state).
func (r *Registry) dataOf(path string) (wire.Value, error) {
	o, err := r.GetObject(path)
	if err != nil {
		return wire.Value{}, err
	}

	var traitEntries []wire.Value
	err = r.Walk(path, func(event WalkEvent, object *Object, traitName string, element *Element) bool {
		switch event {
		case TraitStart:
			traitEntries = append(traitEntries, wire.PairV(wire.StrV(traitName), wire.Value{Tag: wire.TArray, ArrayType: wire.TPair}))
		case ElementEvent:
			last := &traitEntries[len(traitEntries)-1]
			pair := last.Elems[1]
			pair.Elems = append(pair.Elems, wire.PairV(wire.StrV(element.Name), wire.Unit()))
			last.Elems[1] = pair
		}
		return true
	})
	if err != nil {
		return wire.Value{}, err
	}
	_ = o
	return wire.PairV(wire.PathV(path), wire.Value{Tag: wire.TArray, ArrayType: wire.TPair, Elems: traitEntries}), nil
}

// xmlOf returns the object's cached "serialized metadata" string,
// computing and caching it on first read. Real XML rendering treats
// this as an opaque serializer; this produces a deterministic
// plain-text description sufficient for a client to display, and is
// invalidated whenever the object's trait set changes.
func (r *Registry) xmlOf(path string) string {
	r.mu.Lock()
	o, ok := r.objects[path]
	if !ok {
		r.mu.Unlock()
		return ""
	}
	if o.cachedXML != nil {
		cached := *o.cachedXML
		r.mu.Unlock()
		return cached
	}
	r.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "<object path=%q>\n", path)
	r.Walk(path, func(event WalkEvent, object *Object, traitName string, element *Element) bool {
		switch event {
		case TraitStart:
			fmt.Fprintf(&b, "  <trait name=%q>\n", traitName)
		case ElementEvent:
			fmt.Fprintf(&b, "    <element name=%q kind=%q sig=%q/>\n", element.Name, element.Kind, element.Signature.String())
		case TraitEnd:
			b.WriteString("  </trait>\n")
		}
		return true
	})
	b.WriteString("</object>")

	out := b.String()
	r.mu.Lock()
	if o2, ok := r.objects[path]; ok {
		o2.cachedXML = &out
	}
	r.mu.Unlock()
	return out
}

// InvalidateXML clears the cached introspection blob for path. Must be
// called whenever the object's trait set is mutated structurally.
// AddObjectTrait, the one registry call that does so, already
// invalidates the cache itself; AddObject/AddTrait/DeleteObject never
// mutate an existing object's trait set.
func (r *Registry) InvalidateXML(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.objects[path]; ok {
		o.invalidateCache()
	}
}
