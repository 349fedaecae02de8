package wire

import (
	"github.com/dicey-ipc/dicey/dicey"
)

// PacketKind occupies the header's kind field. Hello and Bye have
// their own reserved values; a Message packet's kind is the dicey.Op
// being performed.
type PacketKind uint32

const (
	KindHello PacketKind = 0x01
	KindBye   PacketKind = 0x02
)

func (k PacketKind) IsMessage() bool {
	switch dicey.Op(k) {
	case dicey.OpGet, dicey.OpSet, dicey.OpExec, dicey.OpSignal, dicey.OpResponse:
		return true
	default:
		return false
	}
}

// ByeReason is the Bye packet's reason code.
type ByeReason uint32

const (
	ByeShutdown ByeReason = 1
	ByeError    ByeReason = 2
)

// Version is the Hello packet's protocol version, packed on the wire as
// major<<16 | revision.
type Version struct {
	Major    uint16
	Revision uint16
}

func (v Version) pack() uint32 {
	return uint32(v.Major)<<16 | uint32(v.Revision)
}

func unpackVersion(u uint32) Version {
	return Version{Major: uint16(u >> 16), Revision: uint16(u & 0xffff)}
}

// AtLeast reports whether v is >= other, comparing major first.
func (v Version) AtLeast(other Version) bool {
	if v.Major != other.Major {
		return v.Major > other.Major
	}
	return v.Revision >= other.Revision
}

// Packet is one parsed unit off the wire: a Hello, a Bye, or a Message.
// Exactly the fields relevant to Kind are populated.
type Packet struct {
	Kind PacketKind
	Seq  uint32

	Version Version   // Hello only
	Reason  ByeReason // Bye only

	Path  string   // Message only
	Sel   Selector // Message only
	Value Value    // Message only
}

func HelloPacket(seq uint32, v Version) Packet {
	return Packet{Kind: KindHello, Seq: seq, Version: v}
}

func ByePacket(seq uint32, reason ByeReason) Packet {
	return Packet{Kind: KindBye, Seq: seq, Reason: reason}
}

func MessagePacket(op dicey.Op, seq uint32, path string, sel Selector, val Value) Packet {
	return Packet{Kind: PacketKind(op), Seq: seq, Path: path, Sel: sel, Value: val}
}

// Op returns the message operation kind. Only meaningful when
// Kind.IsMessage() is true.
func (p Packet) Op() dicey.Op { return dicey.Op(p.Kind) }

const headerSize = 8 // u32 kind + u32 seq

// messageDataLen computes data_len: the encoded byte length of path
// (zstring), selector, and value together.
func messageDataLen(p Packet) int {
	n := len(p.Path) + 1
	n += len(p.Sel.Trait) + 1 + len(p.Sel.Element) + 1
	n += EncodedSize(p.Value)
	return n
}

// PacketEncodedSize returns the total wire length of the packet, including
// its header.
func PacketEncodedSize(p Packet) int {
	switch p.Kind {
	case KindHello:
		return headerSize + 4
	case KindBye:
		return headerSize + 4
	default:
		return headerSize + 4 + messageDataLen(p)
	}
}

// Encode serializes p into buf, which must be at least
// PacketEncodedSize(p) bytes.
func Encode(buf []byte, p Packet) (int, error) {
	mv := NewMutView(buf)
	var hdr [8]byte
	byteOrder.PutUint32(hdr[0:4], uint32(p.Kind))
	byteOrder.PutUint32(hdr[4:8], p.Seq)
	if err := mv.Write(hdr[:]); err != nil {
		return 0, err
	}

	switch p.Kind {
	case KindHello:
		var vb [4]byte
		byteOrder.PutUint32(vb[:], p.Version.pack())
		if err := mv.Write(vb[:]); err != nil {
			return 0, err
		}
	case KindBye:
		var rb [4]byte
		byteOrder.PutUint32(rb[:], uint32(p.Reason))
		if err := mv.Write(rb[:]); err != nil {
			return 0, err
		}
	default:
		dataLen := messageDataLen(p)
		var lb [4]byte
		byteOrder.PutUint32(lb[:], uint32(dataLen))
		if err := mv.Write(lb[:]); err != nil {
			return 0, err
		}
		if err := mv.WriteZString(p.Path); err != nil {
			return 0, err
		}
		if err := mv.WriteZString(p.Sel.Trait); err != nil {
			return 0, err
		}
		if err := mv.WriteZString(p.Sel.Element); err != nil {
			return 0, err
		}
		if err := EncodeValue(&mv, p.Value); err != nil {
			return 0, err
		}
	}
	return len(mv.Written()), nil
}

// Load parses at most one packet from the front of view. It returns
// dicey.Again (not a real error) when the view does not yet contain a
// complete packet; the caller should accumulate more bytes and retry.
// On success it returns the parsed packet and the remainder of view
// that follows it; view itself is left untouched so callers retry
// against the same chunk buffer contents.
func Load(view View) (Packet, View, error) {
	if view.Len() < headerSize {
		return Packet{}, view, dicey.Again
	}

	hdr, _ := view.Peek(headerSize)
	kind := PacketKind(byteOrder.Uint32(hdr.data[0:4]))
	seq := byteOrder.Uint32(hdr.data[4:8])

	switch {
	case kind == KindHello:
		if view.Len() < headerSize+4 {
			return Packet{}, view, dicey.Again
		}
		full, _ := view.Peek(headerSize + 4)
		version := unpackVersion(byteOrder.Uint32(full.data[headerSize:]))
		remainder := View{data: view.data, pos: view.pos + headerSize + 4}
		return Packet{Kind: kind, Seq: seq, Version: version}, remainder, nil

	case kind == KindBye:
		if view.Len() < headerSize+4 {
			return Packet{}, view, dicey.Again
		}
		full, _ := view.Peek(headerSize + 4)
		reason := ByeReason(byteOrder.Uint32(full.data[headerSize:]))
		remainder := View{data: view.data, pos: view.pos + headerSize + 4}
		return Packet{Kind: kind, Seq: seq, Reason: reason}, remainder, nil

	case kind.IsMessage():
		if view.Len() < headerSize+4 {
			return Packet{}, view, dicey.Again
		}
		lenHdr, _ := view.Peek(headerSize + 4)
		dataLen := int(byteOrder.Uint32(lenHdr.data[headerSize:]))
		total := headerSize + 4 + dataLen
		if view.Len() < total {
			return Packet{}, view, dicey.Again
		}

		body, _ := view.Peek(total)
		cursor := View{data: body.data, pos: headerSize + 4}

		path, err := cursor.TakeZString()
		if err != nil {
			return Packet{}, view, dicey.New(dicey.EBadMsg)
		}
		trait, err := cursor.TakeZString()
		if err != nil {
			return Packet{}, view, dicey.New(dicey.EBadMsg)
		}
		elem, err := cursor.TakeZString()
		if err != nil {
			return Packet{}, view, dicey.New(dicey.EBadMsg)
		}
		val, err := DecodeValue(&cursor)
		if err != nil {
			return Packet{}, view, dicey.New(dicey.EBadMsg)
		}
		if cursor.Len() != 0 {
			return Packet{}, view, dicey.New(dicey.EBadMsg)
		}
		if !isValidPath(path) {
			return Packet{}, view, dicey.New(dicey.EBadMsg)
		}
		if err := val.Validate(); err != nil {
			return Packet{}, view, dicey.New(dicey.EBadMsg)
		}

		remainder := View{data: view.data, pos: view.pos + total}
		return Packet{Kind: kind, Seq: seq, Path: path, Sel: Selector{Trait: trait, Element: elem}, Value: val}, remainder, nil

	default:
		return Packet{}, view, dicey.New(dicey.EBadMsg)
	}
}
