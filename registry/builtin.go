package registry

import (
	"github.com/dicey-ipc/dicey/dicey"
	"github.com/dicey-ipc/dicey/wire"
)

// Opcodes for built-in elements, used by the server to route a Message
// to an internal handler instead of the application callback.
const (
	OpDataProperty = iota + 1
	OpXMLProperty
	OpRegistryObjects
	OpRegistryTraits
	OpElementExists
	OpPathExists
	OpTraitExists
	OpTraitOperations
	OpTraitProperties
	OpTraitSignals
	OpSubscribe
	OpUnsubscribe
	OpListPlugins
	OpHandshakeInternal
	OpPluginName
	OpPluginPath
	OpPluginCommand
	OpPluginReply
)

func sig(s string) wire.Signature {
	parsed, err := wire.ParseSignature(s)
	if err != nil {
		panic("registry: bad builtin signature " + s + ": " + err.Error())
	}
	return parsed
}

func introspectionTrait() *Trait {
	t := NewTrait(TraitIntrospection)
	t.AddElement(&Element{
		Name: "Data", Kind: dicey.KindProperty, Flags: FlagReadOnly | FlagInternal,
		Signature: sig("{@[{s[{sv}]}]}"), Opcode: OpDataProperty,
	})
	t.AddElement(&Element{
		Name: "XML", Kind: dicey.KindProperty, Flags: FlagReadOnly | FlagInternal,
		Signature: sig("s"), Opcode: OpXMLProperty,
	})
	return t
}

func registryTrait() *Trait {
	t := NewTrait(TraitRegistry)
	t.AddElement(&Element{
		Name: "Objects", Kind: dicey.KindProperty, Flags: FlagReadOnly | FlagInternal,
		Signature: sig("[@]"), Opcode: OpRegistryObjects,
	})
	t.AddElement(&Element{
		Name: "Traits", Kind: dicey.KindProperty, Flags: FlagReadOnly | FlagInternal,
		Signature: sig("[s]"), Opcode: OpRegistryTraits,
	})
	t.AddElement(&Element{
		Name: "ElementExists", Kind: dicey.KindOperation, Flags: FlagInternal,
		Signature: sig("(@%) -> b"), Opcode: OpElementExists,
	})
	t.AddElement(&Element{
		Name: "PathExists", Kind: dicey.KindOperation, Flags: FlagInternal,
		Signature: sig("@ -> b"), Opcode: OpPathExists,
	})
	t.AddElement(&Element{
		Name: "TraitExists", Kind: dicey.KindOperation, Flags: FlagInternal,
		Signature: sig("s -> b"), Opcode: OpTraitExists,
	})
	return t
}

func traitIntrospectionTrait() *Trait {
	t := NewTrait(TraitTrait)
	t.AddElement(&Element{
		Name: "Operations", Kind: dicey.KindProperty, Flags: FlagReadOnly | FlagInternal,
		Signature: sig("[(ss)]"), Opcode: OpTraitOperations,
	})
	t.AddElement(&Element{
		Name: "Properties", Kind: dicey.KindProperty, Flags: FlagReadOnly | FlagInternal,
		Signature: sig("[(ssb)]"), Opcode: OpTraitProperties,
	})
	t.AddElement(&Element{
		Name: "Signals", Kind: dicey.KindProperty, Flags: FlagReadOnly | FlagInternal,
		Signature: sig("[(ss)]"), Opcode: OpTraitSignals,
	})
	return t
}

func eventManagerTrait() *Trait {
	t := NewTrait(TraitEventManager)
	t.AddElement(&Element{
		Name: "Subscribe", Kind: dicey.KindOperation, Flags: FlagInternal,
		Signature: sig("(@%) -> u"), Opcode: OpSubscribe,
	})
	t.AddElement(&Element{
		Name: "Unsubscribe", Kind: dicey.KindOperation, Flags: FlagInternal,
		Signature: sig("(@%) -> u"), Opcode: OpUnsubscribe,
	})
	return t
}

// PluginManagerTrait returns the dicey.PluginManager trait, registered
// on /dicey/server only when plugin support is enabled.
func PluginManagerTrait() *Trait {
	t := NewTrait(TraitPluginManager)
	t.AddElement(&Element{
		Name: "ListPlugins", Kind: dicey.KindOperation, Flags: FlagInternal,
		Signature: sig("0 -> [(ss)]"), Opcode: OpListPlugins,
	})
	t.AddElement(&Element{
		Name: "HandshakeInternal", Kind: dicey.KindOperation, Flags: FlagInternal,
		Signature: sig("s -> @"), Opcode: OpHandshakeInternal,
	})
	return t
}

// PluginTrait returns the dicey.Plugin trait materialized at
// /dicey/plugins/<Name> for each spawned plugin.
func PluginTrait() *Trait {
	t := NewTrait(TraitPlugin)
	t.AddElement(&Element{
		Name: "Name", Kind: dicey.KindProperty, Flags: FlagReadOnly | FlagInternal,
		Signature: sig("s"), Opcode: OpPluginName,
	})
	t.AddElement(&Element{
		Name: "Path", Kind: dicey.KindProperty, Flags: FlagReadOnly | FlagInternal,
		Signature: sig("@"), Opcode: OpPluginPath,
	})
	t.AddElement(&Element{
		Name: "Command", Kind: dicey.KindSignal, Flags: FlagInternal,
		Signature: sig("(tcv)"), Opcode: OpPluginCommand,
	})
	t.AddElement(&Element{
		Name: "Reply", Kind: dicey.KindOperation, Flags: FlagInternal,
		Signature: sig("{tv} -> 0"), Opcode: OpPluginReply,
	})
	return t
}
