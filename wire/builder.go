package wire

import (
	"github.com/dicey-ipc/dicey/dicey"
)

// argList is a slice that grows 1.5x on demand. append() is a thin
// wrapper so the growth factor is centralized in one place instead of
// relying on Go's own (undocumented) slice growth heuristics.
type argList struct {
	items []Value
}

func (a *argList) append(v Value) {
	if len(a.items) == cap(a.items) {
		newCap := cap(a.items) + cap(a.items)/2
		if newCap < 4 {
			newCap = 4
		}
		grown := make([]Value, len(a.items), newCap)
		copy(grown, a.items)
		a.items = grown
	}
	a.items = append(a.items, v)
}

type containerKind int

const (
	containerNone containerKind = iota
	containerArray
	containerTuple
	containerPair
)

// ValueBuilder fluently assembles a Value tree. The zero value is
// idle; Set writes a leaf directly, while ArrayStart/TupleStart/
// PairStart open a container that accepts further Next calls until
// End closes it.
type ValueBuilder struct {
	done     bool
	leaf     *Value
	kind     containerKind
	inner    Type // array only
	wantPair bool
	args     argList
}

func NewValueBuilder() *ValueBuilder { return &ValueBuilder{} }

func (b *ValueBuilder) reset() {
	*b = ValueBuilder{}
}

// Set writes a leaf value, completing this builder immediately. Fails
// if a container was already started, or if the builder already holds
// a value.
func (b *ValueBuilder) Set(v Value) error {
	if b.done || b.kind != containerNone {
		return dicey.New(dicey.EInval)
	}
	b.leaf = &v
	b.done = true
	return nil
}

// ArrayStart declares the inner element type for an array being built
// via subsequent Next() calls.
func (b *ValueBuilder) ArrayStart(inner Type) error {
	if b.done || b.kind != containerNone {
		return dicey.New(dicey.EInval)
	}
	if inner == TVariant {
		return dicey.New(dicey.EInval)
	}
	b.kind = containerArray
	b.inner = inner
	return nil
}

func (b *ValueBuilder) TupleStart() error {
	if b.done || b.kind != containerNone {
		return dicey.New(dicey.EInval)
	}
	b.kind = containerTuple
	return nil
}

func (b *ValueBuilder) PairStart() error {
	if b.done || b.kind != containerNone {
		return dicey.New(dicey.EInval)
	}
	b.kind = containerPair
	return nil
}

// Next appends a child value to the currently open array/tuple/pair
// container. For arrays, child.Tag must equal the declared inner type
// (ValueTypeMismatch otherwise). For pairs, a third call fails.
func (b *ValueBuilder) Next(child Value) error {
	switch b.kind {
	case containerArray:
		if child.Tag != b.inner {
			return dicey.New(dicey.EValueTypeMismatch)
		}
	case containerTuple:
		// tuple accepts any tag, including Variant-described slots
	case containerPair:
		if len(b.args.items) >= 2 {
			return dicey.New(dicey.EInval)
		}
	default:
		return dicey.New(dicey.EInval)
	}
	b.args.append(child)
	return nil
}

// End finalizes the builder into a Value. Pair requires exactly two
// children; array/tuple accept zero or more.
func (b *ValueBuilder) End() (Value, error) {
	if b.done {
		v := *b.leaf
		b.reset()
		return v, nil
	}
	switch b.kind {
	case containerArray:
		v := ArrayV(b.inner, b.args.items...)
		b.reset()
		return v, nil
	case containerTuple:
		v := TupleV(b.args.items...)
		b.reset()
		return v, nil
	case containerPair:
		if len(b.args.items) != 2 {
			return Value{}, dicey.New(dicey.EInval)
		}
		v := PairV(b.args.items[0], b.args.items[1])
		b.reset()
		return v, nil
	default:
		return Value{}, dicey.New(dicey.EInval)
	}
}

// Discard abandons all accumulated children, freeing the builder for
// reuse. Required whenever a build is aborted partway through so
// partially-built children don't leak into the next use.
func (b *ValueBuilder) Discard() { b.reset() }

type messageBuilderState int

const (
	msgIdle messageBuilderState = iota
	msgPending
	msgValueBorrowed
	msgDone
)

// MessageBuilder fluently assembles an outbound Message packet: Begin,
// then SetSeq/SetPath/SetSelector and optionally ValueStart/.../
// ValueEnd, then Build (or Discard on error).
type MessageBuilder struct {
	state   messageBuilderState
	op      dicey.Op
	seq     uint32
	seqSet  bool
	path    string
	pathSet bool
	sel     Selector

	hasValue bool
	value    Value
	vb       *ValueBuilder
}

func NewMessageBuilder() *MessageBuilder { return &MessageBuilder{} }

func (b *MessageBuilder) Begin(op dicey.Op) error {
	if b.state != msgIdle {
		return dicey.New(dicey.EInval)
	}
	if !op.IsClientOriginated() && !op.IsServerOriginated() {
		return dicey.New(dicey.EInval)
	}
	b.op = op
	b.state = msgPending
	return nil
}

func (b *MessageBuilder) SetSeq(seq uint32) error {
	if b.state != msgPending {
		return dicey.New(dicey.EInval)
	}
	b.seq = seq
	b.seqSet = true
	return nil
}

func (b *MessageBuilder) SetPath(path string) error {
	if b.state != msgPending {
		return dicey.New(dicey.EInval)
	}
	if !isValidPath(path) {
		return dicey.New(dicey.EPathMalformed)
	}
	b.path = path
	b.pathSet = true
	return nil
}

func (b *MessageBuilder) SetSelector(sel Selector) error {
	if b.state != msgPending {
		return dicey.New(dicey.EInval)
	}
	if !sel.Valid() {
		return dicey.New(dicey.EInval)
	}
	b.sel = sel
	return nil
}

// ValueStart borrows a ValueBuilder for constructing the message's
// payload value. The MessageBuilder is locked (state moves to
// valueBorrowed) until ValueEnd is called.
func (b *MessageBuilder) ValueStart() (*ValueBuilder, error) {
	if b.state != msgPending {
		return nil, dicey.New(dicey.EInval)
	}
	if b.op == dicey.OpGet {
		return nil, dicey.New(dicey.EInval)
	}
	b.vb = NewValueBuilder()
	b.state = msgValueBorrowed
	return b.vb, nil
}

// ValueEnd finalizes the borrowed ValueBuilder and returns the
// MessageBuilder to the pending state.
func (b *MessageBuilder) ValueEnd() error {
	if b.state != msgValueBorrowed {
		return dicey.New(dicey.EInval)
	}
	v, err := b.vb.End()
	if err != nil {
		return err
	}
	b.value = v
	b.hasValue = true
	b.vb = nil
	b.state = msgPending
	return nil
}

// Build validates completeness (path set; selector valid; op valid;
// (op==Get) iff no value was built) and returns the finished packet.
func (b *MessageBuilder) Build() (Packet, error) {
	if b.state != msgPending {
		return Packet{}, dicey.New(dicey.EInval)
	}
	if !b.pathSet {
		return Packet{}, dicey.New(dicey.EInval)
	}
	if !b.sel.Valid() {
		return Packet{}, dicey.New(dicey.EInval)
	}
	if b.op == dicey.OpGet && b.hasValue {
		return Packet{}, dicey.New(dicey.EInval)
	}
	if b.op != dicey.OpGet && !b.hasValue {
		return Packet{}, dicey.New(dicey.EInval)
	}

	val := b.value
	if b.op == dicey.OpGet {
		val = Unit()
	}
	p := MessagePacket(b.op, b.seq, b.path, b.sel, val)
	b.state = msgDone
	return p, nil
}

// Discard abandons the in-progress build, freeing any accumulated
// value-tree children.
func (b *MessageBuilder) Discard() {
	if b.vb != nil {
		b.vb.Discard()
	}
	*b = MessageBuilder{}
}
