package registry_test

import (
	"testing"

	"github.com/dicey-ipc/dicey/dicey"
	"github.com/dicey-ipc/dicey/registry"
	"github.com/dicey-ipc/dicey/wire"
)

func exampleTrait() *registry.Trait {
	t := registry.NewTrait("Example")
	t.AddElement(&registry.Element{
		Name: "P", Kind: dicey.KindProperty, Signature: mustSig("s"),
	})
	return t
}

func mustSig(s string) wire.Signature {
	sig, err := wire.ParseSignature(s)
	if err != nil {
		panic(err)
	}
	return sig
}

func TestAddTraitThenObjectExposesElement(t *testing.T) {
	r := registry.New()
	trait := exampleTrait()
	if err := r.AddTrait(trait); err != nil {
		t.Fatalf("AddTrait: %v", err)
	}
	if err := r.AddObject("/foo", []string{"Example"}); err != nil {
		t.Fatalf("AddObject: %v", err)
	}

	e, err := r.GetElement("/foo", wire.Selector{Trait: "Example", Element: "P"})
	if err != nil {
		t.Fatalf("GetElement: %v", err)
	}
	if e.Name != "P" {
		t.Fatalf("got element %+v", e)
	}
}

func TestDeleteObjectRemovesElements(t *testing.T) {
	r := registry.New()
	trait := exampleTrait()
	r.AddTrait(trait)
	r.AddObject("/foo", []string{"Example"})

	if err := r.DeleteObject("/foo"); err != nil {
		t.Fatalf("DeleteObject: %v", err)
	}
	if _, err := r.GetElement("/foo", wire.Selector{Trait: "Example", Element: "P"}); !dicey.IsCode(err, dicey.EPathNotFound) {
		t.Fatalf("expected EPathNotFound, got %v", err)
	}
}

func TestAddObjectUnknownTraitLeavesRegistryUnchanged(t *testing.T) {
	r := registry.New()
	before := len(r.ObjectPaths())

	err := r.AddObject("/foo", []string{"Nonexistent"})
	if !dicey.IsCode(err, dicey.ETraitNotFound) {
		t.Fatalf("expected ETraitNotFound, got %v", err)
	}
	if len(r.ObjectPaths()) != before {
		t.Fatalf("registry was mutated on failed AddObject")
	}
	if _, err := r.GetObject("/foo"); !dicey.IsCode(err, dicey.EPathNotFound) {
		t.Fatalf("object should not have been created")
	}
}

func TestAddObjectDuplicate(t *testing.T) {
	r := registry.New()
	r.AddObject("/foo", nil)
	if err := r.AddObject("/foo", nil); !dicey.IsCode(err, dicey.EExists) {
		t.Fatalf("expected EExists, got %v", err)
	}
}

func TestMetaObjectsCreatedOnInit(t *testing.T) {
	r := registry.New()
	if !r.PathExists(registry.PathRegistry) {
		t.Fatalf("missing %s", registry.PathRegistry)
	}
	if !r.PathExists(registry.PathServer) {
		t.Fatalf("missing %s", registry.PathServer)
	}
	for _, name := range []string{
		registry.TraitIntrospection,
		registry.TraitRegistry,
		registry.TraitTrait,
		registry.TraitEventManager,
	} {
		if !r.PathExists(r.TraitMetaPath(name)) {
			t.Fatalf("missing trait meta-object for %s", name)
		}
	}
}

func TestAddTraitCreatesMetaObject(t *testing.T) {
	r := registry.New()
	r.AddTrait(exampleTrait())
	if !r.PathExists(r.TraitMetaPath("Example")) {
		t.Fatalf("missing trait meta-object")
	}
}

func TestWalkShortCircuit(t *testing.T) {
	r := registry.New()
	r.AddTrait(exampleTrait())
	r.AddObject("/foo", []string{"Example"})

	var events int
	r.Walk("/foo", func(event registry.WalkEvent, o *registry.Object, traitName string, e *registry.Element) bool {
		events++
		return false
	})
	if events != 1 {
		t.Fatalf("expected walk to stop after first event, got %d calls", events)
	}
}
