package server

import (
	"io"

	"github.com/dicey-ipc/dicey/dicey"
	"github.com/dicey-ipc/dicey/diceylog"
	"github.com/dicey-ipc/dicey/registry"
	"github.com/dicey-ipc/dicey/wire"
)

// handleRead feeds one readPump event into its client's chunk buffer
// and drains every complete packet it now holds. Mirrors the client's
// own readLoop accumulate/wire.Load/dispatch cycle, generalized to a
// per-client buffer the loop thread owns rather than a goroutine-local
// byte slice.
func (s *Server) handleRead(ev readEvent) {
	c, ok := s.clients[ev.id]
	if !ok {
		return
	}

	if len(ev.data) > 0 {
		dst := c.chunk.Reserve(len(ev.data))
		n := copy(dst, ev.data)
		c.chunk.Produced(n)
	}

	for {
		pkt, remainder, err := wire.Load(wire.NewView(c.chunk.Bytes()))
		if err == dicey.Again {
			break
		}
		if err != nil {
			s.protocolError(c, err)
			return
		}
		consumed := c.chunk.Len() - remainder.Len()
		s.dispatchPacket(c, pkt)
		if _, ok := s.clients[ev.id]; !ok {
			return // the packet handler already tore the client down
		}
		c.chunk.Consume(consumed)
	}

	if ev.err != nil {
		if ev.err == io.EOF {
			s.removeClient(ev.id)
		} else {
			s.protocolError(c, ev.err)
		}
	}
}

func (s *Server) dispatchPacket(c *clientRecord, pkt wire.Packet) {
	switch {
	case pkt.Kind == wire.KindHello:
		s.handleHello(c, pkt)
	case pkt.Kind == wire.KindBye:
		s.removeClient(c.id)
	case pkt.Kind.IsMessage():
		s.handleMessage(c, pkt)
	default:
		s.protocolError(c, dicey.New(dicey.EBadMsg))
	}
}

func (s *Server) handleHello(c *clientRecord, pkt wire.Packet) {
	if c.state != csConnected || pkt.Seq != 0 {
		s.protocolError(c, dicey.New(dicey.ESeqNumMismatch))
		return
	}
	if !pkt.Version.AtLeast(ProtocolVersion) {
		s.protocolError(c, dicey.New(dicey.EClientTooOld))
		return
	}
	if err := s.writePacket(c, wire.HelloPacket(0, ProtocolVersion)); err != nil {
		s.removeClient(c.id)
		return
	}
	c.state = csRunning
}

func (s *Server) handleMessage(c *clientRecord, pkt wire.Packet) {
	if c.state != csRunning {
		s.protocolError(c, dicey.New(dicey.ESeqNumMismatch))
		return
	}
	op := pkt.Op()
	if !op.IsClientOriginated() {
		s.respond(c, pkt, wire.Value{}, dicey.New(dicey.EBadMsg))
		return
	}

	e, err := s.reg.GetElement(pkt.Path, pkt.Sel)
	if err != nil {
		s.respond(c, pkt, wire.Value{}, err)
		return
	}
	if err := gateOpKind(op, e); err != nil {
		s.respond(c, pkt, wire.Value{}, err)
		return
	}
	if (op == dicey.OpSet || op == dicey.OpExec) && !wire.ValueMatches(pkt.Value, e.Signature.Input) {
		s.respond(c, pkt, wire.Value{}, dicey.New(dicey.EValueTypeMismatch))
		return
	}

	var result wire.Value
	if e.Flags.Has(registry.FlagInternal) {
		result, err = s.dispatchBuiltin(c, op, pkt.Path, pkt.Sel, e, pkt.Value)
	} else if s.onRequest != nil {
		result, err = s.onRequest(c.id, op, pkt.Path, pkt.Sel, pkt.Value)
	} else {
		err = dicey.New(dicey.EElementNotFound)
	}
	s.respond(c, pkt, result, err)
}

// gateOpKind enforces that Get only reaches properties, Set only
// reaches writable properties, and Exec only reaches operations.
func gateOpKind(op dicey.Op, e *registry.Element) error {
	switch op {
	case dicey.OpGet:
		if e.Kind != dicey.KindProperty {
			return dicey.Errorf(dicey.EInval, "Get on a %s", e.Kind)
		}
	case dicey.OpSet:
		if e.Kind != dicey.KindProperty {
			return dicey.Errorf(dicey.EInval, "Set on a %s", e.Kind)
		}
		if e.Flags.Has(registry.FlagReadOnly) {
			return dicey.New(dicey.EPropertyReadOnly)
		}
	case dicey.OpExec:
		if e.Kind != dicey.KindOperation {
			return dicey.Errorf(dicey.EInval, "Exec on a %s", e.Kind)
		}
	}
	return nil
}

// dispatchBuiltin routes an internal-tagged element to its handler.
// Subscribe/Unsubscribe and the plugin-manager opcodes are served by
// the server itself (the latter through its PluginHooks); everything
// else goes to the registry's own Dispatch.
func (s *Server) dispatchBuiltin(c *clientRecord, op dicey.Op, path string, sel wire.Selector, e *registry.Element, input wire.Value) (wire.Value, error) {
	switch e.Opcode {
	case registry.OpSubscribe:
		return s.subscribeBuiltin(c, input)
	case registry.OpUnsubscribe:
		return s.unsubscribeBuiltin(c, input)
	case registry.OpListPlugins:
		return s.listPluginsBuiltin()
	case registry.OpHandshakeInternal:
		return s.handshakeInternalBuiltin(c, input)
	case registry.OpPluginReply:
		return s.pluginReplyBuiltin(c, input)
	case registry.OpPluginName, registry.OpPluginPath:
		if s.pluginHooks == nil {
			return wire.Value{}, dicey.New(dicey.ENotFound)
		}
		return s.pluginHooks.PluginProperty(path, e.Opcode)
	default:
		return s.reg.Dispatch(op, path, sel, e, input)
	}
}

func (s *Server) listPluginsBuiltin() (wire.Value, error) {
	if s.pluginHooks == nil {
		return wire.Value{}, dicey.New(dicey.ENotFound)
	}
	infos := s.pluginHooks.ListPlugins()
	elems := make([]wire.Value, len(infos))
	for i, p := range infos {
		elems[i] = wire.TupleV(wire.StrV(p.Name), wire.StrV(p.Path))
	}
	return wire.ArrayV(wire.TTuple, elems...), nil
}

func (s *Server) handshakeInternalBuiltin(c *clientRecord, input wire.Value) (wire.Value, error) {
	if s.pluginHooks == nil {
		return wire.Value{}, dicey.New(dicey.ENotFound)
	}
	path, err := s.pluginHooks.Handshake(c.id, input.Str)
	if err != nil {
		return wire.Value{}, err
	}
	c.isPlugin = true
	c.pluginName = input.Str
	c.pluginPath = path
	return wire.PathV(path), nil
}

func (s *Server) pluginReplyBuiltin(c *clientRecord, input wire.Value) (wire.Value, error) {
	if s.pluginHooks == nil {
		return wire.Value{}, dicey.New(dicey.ENotFound)
	}
	if input.Tag != wire.TPair {
		return wire.Value{}, dicey.New(dicey.EInval)
	}
	jobID := input.Elems[0].U64
	result := input.Elems[1]
	if err := s.pluginHooks.Reply(c.id, jobID, result); err != nil {
		return wire.Value{}, err
	}
	return wire.Unit(), nil
}

func (s *Server) respond(c *clientRecord, req wire.Packet, val wire.Value, err error) {
	if err != nil {
		if de, ok := err.(*dicey.Error); ok {
			val = wire.ErrorV(de.Code, de.Message)
		} else {
			val = wire.ErrorV(dicey.EInval, err.Error())
		}
	}
	reply := wire.MessagePacket(dicey.OpResponse, req.Seq, req.Path, req.Sel, val)
	if werr := s.writePacket(c, reply); werr != nil {
		s.removeClient(c.id)
	}
}

func (s *Server) protocolError(c *clientRecord, err error) {
	diceylog.Info("server: client %d protocol error: %v", c.id, err)
	s.writePacket(c, wire.ByePacket(s.nextOddSeq(), wire.ByeError))
	s.removeClient(c.id)
}
