package wire

import (
	"github.com/dicey-ipc/dicey/dicey"
	"github.com/google/uuid"
)

// Type is a value's tag, one byte on the wire. Variant is a sentinel
// used only inside type descriptors; it never tags an actual encoded
// value.
type Type byte

const (
	TUnit Type = iota
	TBool
	TByte
	TFloat
	TI16
	TI32
	TI64
	TU16
	TU32
	TU64
	TUUID
	TBytes
	TStr
	TPath
	TError
	TSelector
	TPair
	TTuple
	TArray
	TVariant // descriptor-only sentinel, never a value tag
)

func (t Type) String() string {
	switch t {
	case TUnit:
		return "unit"
	case TBool:
		return "bool"
	case TByte:
		return "byte"
	case TFloat:
		return "float"
	case TI16:
		return "i16"
	case TI32:
		return "i32"
	case TI64:
		return "i64"
	case TU16:
		return "u16"
	case TU32:
		return "u32"
	case TU64:
		return "u64"
	case TUUID:
		return "uuid"
	case TBytes:
		return "bytes"
	case TStr:
		return "str"
	case TPath:
		return "path"
	case TError:
		return "error"
	case TSelector:
		return "selector"
	case TPair:
		return "pair"
	case TTuple:
		return "tuple"
	case TArray:
		return "array"
	case TVariant:
		return "variant"
	default:
		return "invalid"
	}
}

// Selector identifies an element within an object: a (trait, element)
// name pair.
type Selector struct {
	Trait   string
	Element string
}

func (s Selector) Valid() bool { return s.Trait != "" && s.Element != "" }

func (s Selector) String() string { return s.Trait + "/" + s.Element }

// ErrorValue is the payload of a Type=TError value: an error code plus
// an optional human message.
type ErrorValue struct {
	Code    dicey.Code
	Message string
}

// Value is a node in the typed value tree. Exactly one of the typed
// fields is meaningful, selected by Tag.
type Value struct {
	Tag Type

	Bool  bool
	Byte  byte
	Float float64
	I16   int16
	I32   int32
	I64   int64
	U16   uint16
	U32   uint32
	U64   uint64
	UUID  uuid.UUID

	Bytes []byte
	Str   string // also backs Path
	Sel   Selector
	Err   ErrorValue

	// Pair always has exactly 2 elements. Tuple has 0..N. Array has
	// 0..N elements all sharing ArrayType.
	Elems     []Value
	ArrayType Type
}

func Unit() Value                { return Value{Tag: TUnit} }
func BoolV(b bool) Value         { return Value{Tag: TBool, Bool: b} }
func ByteV(b byte) Value         { return Value{Tag: TByte, Byte: b} }
func FloatV(f float64) Value     { return Value{Tag: TFloat, Float: f} }
func Int16V(i int16) Value       { return Value{Tag: TI16, I16: i} }
func Int32V(i int32) Value       { return Value{Tag: TI32, I32: i} }
func Int64V(i int64) Value       { return Value{Tag: TI64, I64: i} }
func UInt16V(u uint16) Value     { return Value{Tag: TU16, U16: u} }
func UInt32V(u uint32) Value     { return Value{Tag: TU32, U32: u} }
func UInt64V(u uint64) Value     { return Value{Tag: TU64, U64: u} }
func UUIDV(u uuid.UUID) Value    { return Value{Tag: TUUID, UUID: u} }
func BytesV(b []byte) Value      { return Value{Tag: TBytes, Bytes: b} }
func StrV(s string) Value        { return Value{Tag: TStr, Str: s} }
func PathV(s string) Value       { return Value{Tag: TPath, Str: s} }
func SelectorV(s Selector) Value { return Value{Tag: TSelector, Sel: s} }
func ErrorV(code dicey.Code, msg string) Value {
	return Value{Tag: TError, Err: ErrorValue{Code: code, Message: msg}}
}
func PairV(a, b Value) Value      { return Value{Tag: TPair, Elems: []Value{a, b}} }
func TupleV(elems ...Value) Value { return Value{Tag: TTuple, Elems: elems} }
func ArrayV(inner Type, elems ...Value) Value {
	return Value{Tag: TArray, ArrayType: inner, Elems: elems}
}

// Validate recursively checks a parsed value tree's structural
// invariants. It is called once after a Message packet is parsed off
// the wire.
func (v Value) Validate() error {
	switch v.Tag {
	case TUnit, TBool, TByte, TFloat, TI16, TI32, TI64, TU16, TU32, TU64, TUUID:
		return nil
	case TBytes:
		if (v.Bytes == nil) != (len(v.Bytes) == 0) {
			// nil slice with zero length is fine; non-nil with zero
			// length is the only disallowed combination.
			if v.Bytes != nil && len(v.Bytes) == 0 {
				return dicey.New(dicey.EBadMsg)
			}
		}
		return nil
	case TStr, TPath:
		if v.Tag == TPath && !isValidPath(v.Str) {
			return dicey.New(dicey.EPathMalformed)
		}
		return nil
	case TError:
		return nil
	case TSelector:
		if !v.Sel.Valid() {
			return dicey.New(dicey.EBadMsg)
		}
		return nil
	case TPair:
		if len(v.Elems) != 2 {
			return dicey.New(dicey.EBadMsg)
		}
		for _, e := range v.Elems {
			if err := e.Validate(); err != nil {
				return err
			}
		}
		return nil
	case TTuple:
		for _, e := range v.Elems {
			if err := e.Validate(); err != nil {
				return err
			}
		}
		return nil
	case TArray:
		if v.ArrayType == TVariant {
			return dicey.New(dicey.EBadMsg)
		}
		for _, e := range v.Elems {
			if e.Tag != v.ArrayType {
				return dicey.New(dicey.EBadMsg)
			}
			if err := e.Validate(); err != nil {
				return err
			}
		}
		return nil
	default:
		return dicey.New(dicey.EBadMsg)
	}
}

// ValidatePath reports whether p is a well-formed object path: begins
// with '/', does not end with '/' (unless it is exactly "/"), and has
// no empty segments.
func ValidatePath(p string) bool {
	return isValidPath(p)
}

// isValidPath begins with '/', does not end with '/' (unless it is
// exactly "/"), and has no empty segments.
func isValidPath(p string) bool {
	if p == "" || p[0] != '/' {
		return false
	}
	if p == "/" {
		return true
	}
	if p[len(p)-1] == '/' {
		return false
	}
	start := 1
	for i := 1; i <= len(p); i++ {
		if i == len(p) || p[i] == '/' {
			if i == start {
				return false
			}
			start = i + 1
		}
	}
	return true
}
