package wire

import (
	"encoding/binary"

	"github.com/dicey-ipc/dicey/dicey"
)

// byteOrder fixes the wire to little-endian. Conversion happens in the
// value codec here and in the packet header code (packet.go); View and
// MutView only move raw bytes, and nothing upstream of
// EncodeValue/DecodeValue needs to know or care about endianness.
var byteOrder = binary.LittleEndian

// EncodedSize returns the number of bytes v will occupy on the wire,
// including its 1-byte tag. Used to size buffers before encoding.
func EncodedSize(v Value) int {
	switch v.Tag {
	case TUnit:
		return 1
	case TBool, TByte:
		return 2
	case TFloat, TI64, TU64:
		return 9
	case TI16, TU16:
		return 3
	case TI32, TU32:
		return 5
	case TUUID:
		return 17
	case TBytes:
		return 1 + 4 + len(v.Bytes)
	case TStr, TPath:
		return 1 + len(v.Str) + 1
	case TSelector:
		return 1 + len(v.Sel.Trait) + 1 + len(v.Sel.Element) + 1
	case TError:
		return 1 + 2 + len(v.Err.Message) + 1
	case TPair:
		n := 1
		for _, e := range v.Elems {
			n += EncodedSize(e)
		}
		return n
	case TTuple:
		n := 1 + 2
		for _, e := range v.Elems {
			n += EncodedSize(e)
		}
		return n
	case TArray:
		n := 1 + 2 + 2
		for _, e := range v.Elems {
			n += encodedItemSize(e)
		}
		return n
	default:
		return 1
	}
}

// encodedItemSize is like EncodedSize but without the redundant tag
// byte, for array items whose tag is declared once up front.
func encodedItemSize(v Value) int {
	return EncodedSize(v) - 1
}

// EncodeValue writes v's tag and payload into mv.
func EncodeValue(mv *MutView, v Value) error {
	if err := mv.Write([]byte{byte(v.Tag)}); err != nil {
		return err
	}
	return encodePayload(mv, v)
}

func encodePayload(mv *MutView, v Value) error {
	switch v.Tag {
	case TUnit:
		return nil
	case TBool:
		b := byte(0)
		if v.Bool {
			b = 1
		}
		return mv.Write([]byte{b})
	case TByte:
		return mv.Write([]byte{v.Byte})
	case TFloat:
		var buf [8]byte
		byteOrder.PutUint64(buf[:], mathFloatBits(v.Float))
		return mv.Write(buf[:])
	case TI16:
		var buf [2]byte
		byteOrder.PutUint16(buf[:], uint16(v.I16))
		return mv.Write(buf[:])
	case TU16:
		var buf [2]byte
		byteOrder.PutUint16(buf[:], v.U16)
		return mv.Write(buf[:])
	case TI32:
		var buf [4]byte
		byteOrder.PutUint32(buf[:], uint32(v.I32))
		return mv.Write(buf[:])
	case TU32:
		var buf [4]byte
		byteOrder.PutUint32(buf[:], v.U32)
		return mv.Write(buf[:])
	case TI64:
		var buf [8]byte
		byteOrder.PutUint64(buf[:], uint64(v.I64))
		return mv.Write(buf[:])
	case TU64:
		var buf [8]byte
		byteOrder.PutUint64(buf[:], v.U64)
		return mv.Write(buf[:])
	case TUUID:
		return mv.Write(v.UUID[:])
	case TBytes:
		var buf [4]byte
		byteOrder.PutUint32(buf[:], uint32(len(v.Bytes)))
		if err := mv.Write(buf[:]); err != nil {
			return err
		}
		return mv.Write(v.Bytes)
	case TStr, TPath:
		return mv.WriteZString(v.Str)
	case TSelector:
		if err := mv.WriteZString(v.Sel.Trait); err != nil {
			return err
		}
		return mv.WriteZString(v.Sel.Element)
	case TError:
		var buf [2]byte
		byteOrder.PutUint16(buf[:], uint16(v.Err.Code))
		if err := mv.Write(buf[:]); err != nil {
			return err
		}
		return mv.WriteZString(v.Err.Message)
	case TPair:
		if len(v.Elems) != 2 {
			return dicey.New(dicey.EInval)
		}
		for _, e := range v.Elems {
			if err := EncodeValue(mv, e); err != nil {
				return err
			}
		}
		return nil
	case TTuple:
		var buf [2]byte
		byteOrder.PutUint16(buf[:], uint16(len(v.Elems)))
		if err := mv.Write(buf[:]); err != nil {
			return err
		}
		for _, e := range v.Elems {
			if err := EncodeValue(mv, e); err != nil {
				return err
			}
		}
		return nil
	case TArray:
		if v.ArrayType == TVariant {
			return dicey.New(dicey.EInval)
		}
		var buf [4]byte
		byteOrder.PutUint16(buf[:2], uint16(v.ArrayType))
		byteOrder.PutUint16(buf[2:], uint16(len(v.Elems)))
		if err := mv.Write(buf[:]); err != nil {
			return err
		}
		for _, e := range v.Elems {
			if e.Tag != v.ArrayType {
				return dicey.New(dicey.EInval)
			}
			if err := encodePayload(mv, e); err != nil {
				return err
			}
		}
		return nil
	default:
		return dicey.New(dicey.EInval)
	}
}

// DecodeValue reads one tagged value from v, advancing past it.
func DecodeValue(v *View) (Value, error) {
	tagByte, err := v.Take(1)
	if err != nil {
		return Value{}, dicey.Again
	}
	tag := Type(tagByte.data[0])
	return decodePayload(v, tag)
}

func decodePayload(v *View, tag Type) (Value, error) {
	switch tag {
	case TUnit:
		return Unit(), nil
	case TBool:
		b, err := v.Take(1)
		if err != nil {
			return Value{}, dicey.Again
		}
		return BoolV(b.data[0] != 0), nil
	case TByte:
		b, err := v.Take(1)
		if err != nil {
			return Value{}, dicey.Again
		}
		return ByteV(b.data[0]), nil
	case TFloat:
		b, err := v.Take(8)
		if err != nil {
			return Value{}, dicey.Again
		}
		return FloatV(mathFloatFromBits(byteOrder.Uint64(b.data))), nil
	case TI16:
		b, err := v.Take(2)
		if err != nil {
			return Value{}, dicey.Again
		}
		return Int16V(int16(byteOrder.Uint16(b.data))), nil
	case TU16:
		b, err := v.Take(2)
		if err != nil {
			return Value{}, dicey.Again
		}
		return UInt16V(byteOrder.Uint16(b.data)), nil
	case TI32:
		b, err := v.Take(4)
		if err != nil {
			return Value{}, dicey.Again
		}
		return Int32V(int32(byteOrder.Uint32(b.data))), nil
	case TU32:
		b, err := v.Take(4)
		if err != nil {
			return Value{}, dicey.Again
		}
		return UInt32V(byteOrder.Uint32(b.data)), nil
	case TI64:
		b, err := v.Take(8)
		if err != nil {
			return Value{}, dicey.Again
		}
		return Int64V(int64(byteOrder.Uint64(b.data))), nil
	case TU64:
		b, err := v.Take(8)
		if err != nil {
			return Value{}, dicey.Again
		}
		return UInt64V(byteOrder.Uint64(b.data)), nil
	case TUUID:
		b, err := v.Take(16)
		if err != nil {
			return Value{}, dicey.Again
		}
		var u [16]byte
		copy(u[:], b.data)
		return UUIDV(u), nil
	case TBytes:
		lb, err := v.Take(4)
		if err != nil {
			return Value{}, dicey.Again
		}
		n := byteOrder.Uint32(lb.data)
		data, err := v.Take(int(n))
		if err != nil {
			return Value{}, dicey.Again
		}
		if n == 0 {
			return BytesV(nil), nil
		}
		buf := make([]byte, n)
		copy(buf, data.data)
		return BytesV(buf), nil
	case TStr, TPath:
		s, err := v.TakeZString()
		if err != nil {
			return Value{}, dicey.Again
		}
		if tag == TPath {
			return PathV(s), nil
		}
		return StrV(s), nil
	case TSelector:
		trait, err := v.TakeZString()
		if err != nil {
			return Value{}, dicey.Again
		}
		elem, err := v.TakeZString()
		if err != nil {
			return Value{}, dicey.Again
		}
		return SelectorV(Selector{Trait: trait, Element: elem}), nil
	case TError:
		cb, err := v.Take(2)
		if err != nil {
			return Value{}, dicey.Again
		}
		code := dicey.Code(byteOrder.Uint16(cb.data))
		msg, err := v.TakeZString()
		if err != nil {
			return Value{}, dicey.Again
		}
		return ErrorV(code, msg), nil
	case TPair:
		a, err := DecodeValue(v)
		if err != nil {
			return Value{}, err
		}
		b, err := DecodeValue(v)
		if err != nil {
			return Value{}, err
		}
		return PairV(a, b), nil
	case TTuple:
		cb, err := v.Take(2)
		if err != nil {
			return Value{}, dicey.Again
		}
		n := int(byteOrder.Uint16(cb.data))
		elems := make([]Value, 0, n)
		for i := 0; i < n; i++ {
			e, err := DecodeValue(v)
			if err != nil {
				return Value{}, err
			}
			elems = append(elems, e)
		}
		return TupleV(elems...), nil
	case TArray:
		hb, err := v.Take(4)
		if err != nil {
			return Value{}, dicey.Again
		}
		inner := Type(byteOrder.Uint16(hb.data[:2]))
		n := int(byteOrder.Uint16(hb.data[2:]))
		if inner == TVariant {
			return Value{}, dicey.New(dicey.EBadMsg)
		}
		elems := make([]Value, 0, n)
		for i := 0; i < n; i++ {
			e, err := decodePayload(v, inner)
			if err != nil {
				return Value{}, err
			}
			elems = append(elems, e)
		}
		return ArrayV(inner, elems...), nil
	default:
		return Value{}, dicey.New(dicey.EBadMsg)
	}
}
