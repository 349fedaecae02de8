package wire

import (
	"strings"

	"github.com/dicey-ipc/dicey/dicey"
)

// TypeDesc is one node of a parsed type descriptor: either an atomic
// tag, an array of one inner type, a tuple of zero or more types, or a
// pair of exactly two types.
type TypeDesc struct {
	Tag   Type
	Inner []TypeDesc // Array: len 1. Tuple: len N. Pair: len 2.
}

// Signature is a parsed element signature: an input type descriptor and
// an optional output type descriptor (properties/signals have no
// output; operations have "in -> out").
type Signature struct {
	Input  TypeDesc
	Output *TypeDesc
}

var atomChars = map[byte]Type{
	'0': TUnit,
	'b': TBool,
	'c': TByte,
	'f': TFloat,
	'n': TI16,
	'i': TI32,
	'x': TI64,
	'q': TU16,
	'u': TU32,
	't': TU64,
	'U': TUUID,
	'y': TBytes,
	's': TStr,
	'@': TPath,
	'e': TError,
	'%': TSelector,
	'v': TVariant,
}

var atomByTag = func() map[Type]byte {
	m := map[Type]byte{}
	for c, t := range atomChars {
		m[t] = c
	}
	return m
}()

// ParseSignature parses a full element signature string such as
// "(@%) -> b" or "[s]".
func ParseSignature(s string) (Signature, error) {
	if idx := strings.Index(s, " -> "); idx >= 0 {
		in, rest, err := parseType(s[:idx])
		if err != nil {
			return Signature{}, err
		}
		if rest != "" {
			return Signature{}, dicey.New(dicey.EInval)
		}
		out, rest, err := parseType(s[idx+4:])
		if err != nil {
			return Signature{}, err
		}
		if rest != "" {
			return Signature{}, dicey.New(dicey.EInval)
		}
		return Signature{Input: in, Output: &out}, nil
	}
	in, rest, err := parseType(s)
	if err != nil {
		return Signature{}, err
	}
	if rest != "" {
		return Signature{}, dicey.New(dicey.EInval)
	}
	return Signature{Input: in}, nil
}

func parseType(s string) (TypeDesc, string, error) {
	if s == "" {
		return TypeDesc{}, "", dicey.New(dicey.EInval)
	}

	switch s[0] {
	case '[':
		inner, rest, err := parseType(s[1:])
		if err != nil {
			return TypeDesc{}, "", err
		}
		if rest == "" || rest[0] != ']' {
			return TypeDesc{}, "", dicey.New(dicey.EInval)
		}
		return TypeDesc{Tag: TArray, Inner: []TypeDesc{inner}}, rest[1:], nil

	case '(':
		rest := s[1:]
		var elems []TypeDesc
		for {
			if rest == "" {
				return TypeDesc{}, "", dicey.New(dicey.EInval)
			}
			if rest[0] == ')' {
				return TypeDesc{Tag: TTuple, Inner: elems}, rest[1:], nil
			}
			var t TypeDesc
			var err error
			t, rest, err = parseType(rest)
			if err != nil {
				return TypeDesc{}, "", err
			}
			elems = append(elems, t)
		}

	case '{':
		first, rest, err := parseType(s[1:])
		if err != nil {
			return TypeDesc{}, "", err
		}
		second, rest, err := parseType(rest)
		if err != nil {
			return TypeDesc{}, "", err
		}
		if rest == "" || rest[0] != '}' {
			return TypeDesc{}, "", dicey.New(dicey.EInval)
		}
		return TypeDesc{Tag: TPair, Inner: []TypeDesc{first, second}}, rest[1:], nil

	default:
		tag, ok := atomChars[s[0]]
		if !ok {
			return TypeDesc{}, "", dicey.New(dicey.EInval)
		}
		return TypeDesc{Tag: tag}, s[1:], nil
	}
}

// String renders the descriptor back into signature grammar.
func (d TypeDesc) String() string {
	switch d.Tag {
	case TArray:
		return "[" + d.Inner[0].String() + "]"
	case TTuple:
		var b strings.Builder
		b.WriteByte('(')
		for _, e := range d.Inner {
			b.WriteString(e.String())
		}
		b.WriteByte(')')
		return b.String()
	case TPair:
		return "{" + d.Inner[0].String() + d.Inner[1].String() + "}"
	default:
		c, ok := atomByTag[d.Tag]
		if !ok {
			return "?"
		}
		return string(c)
	}
}

func (s Signature) String() string {
	if s.Output == nil {
		return s.Input.String()
	}
	return s.Input.String() + " -> " + s.Output.String()
}

// IsCompatible reports whether a value tagged valueTag may occupy a
// slot declared with descriptorTag: true iff the descriptor is Variant
// or matches exactly.
func IsCompatible(valueTag, descriptorTag Type) bool {
	return descriptorTag == TVariant || valueTag == descriptorTag
}

// ValueMatches reports whether v structurally matches the descriptor d,
// recursing into tuples/pairs/arrays. Used to validate inputs to
// properties/operations.
func ValueMatches(v Value, d TypeDesc) bool {
	if !IsCompatible(v.Tag, d.Tag) {
		return false
	}
	if d.Tag == TVariant {
		return true
	}
	switch d.Tag {
	case TArray:
		if v.Tag != TArray {
			return true // descriptor was Variant, already handled above
		}
		if !IsCompatible(v.ArrayType, d.Inner[0].Tag) && d.Inner[0].Tag != TVariant {
			return false
		}
		for _, e := range v.Elems {
			if !ValueMatches(e, d.Inner[0]) {
				return false
			}
		}
		return true
	case TTuple:
		if len(v.Elems) != len(d.Inner) {
			return false
		}
		for i, e := range v.Elems {
			if !ValueMatches(e, d.Inner[i]) {
				return false
			}
		}
		return true
	case TPair:
		if len(v.Elems) != 2 || len(d.Inner) != 2 {
			return false
		}
		return ValueMatches(v.Elems[0], d.Inner[0]) && ValueMatches(v.Elems[1], d.Inner[1])
	default:
		return true
	}
}

// ValueCanReturn reports whether v is an acceptable response value for
// an element whose output descriptor is out. An Error value is always
// an acceptable return regardless of the declared output type: a
// failed operation may always report its failure.
func ValueCanReturn(v Value, out TypeDesc) bool {
	if v.Tag == TError {
		return true
	}
	return ValueMatches(v, out)
}
