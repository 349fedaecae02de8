package server

import (
	"github.com/dicey-ipc/dicey/dicey"
	"github.com/dicey-ipc/dicey/wire"
)

// subKey encodes a subscription target exactly as published events are
// matched against it: "path#trait:element".
func subKey(path string, sel wire.Selector) string {
	return path + "#" + sel.Trait + ":" + sel.Element
}

func (s *Server) subscribeBuiltin(c *clientRecord, input wire.Value) (wire.Value, error) {
	path, sel, err := unpackPathSel(input)
	if err != nil {
		return wire.Value{}, err
	}
	key := subKey(path, sel)
	if s.subs[key] == nil {
		s.subs[key] = map[int]bool{}
	}
	s.subs[key][c.id] = true
	return wire.UInt32V(0), nil
}

func (s *Server) unsubscribeBuiltin(c *clientRecord, input wire.Value) (wire.Value, error) {
	path, sel, err := unpackPathSel(input)
	if err != nil {
		return wire.Value{}, err
	}
	key := subKey(path, sel)
	if set, ok := s.subs[key]; ok {
		delete(set, c.id)
		if len(set) == 0 {
			delete(s.subs, key)
		}
	}
	return wire.UInt32V(0), nil
}

func unpackPathSel(input wire.Value) (string, wire.Selector, error) {
	if input.Tag != wire.TTuple || len(input.Elems) != 2 {
		return "", wire.Selector{}, dicey.New(dicey.EInval)
	}
	return input.Elems[0].Str, input.Elems[1].Sel, nil
}

// Publish broadcasts an Event packet on path#sel to every subscribed
// client, per the server's single-threaded event-dispatch policy. It
// marshals onto the loop like any other mutating call.
func (s *Server) Publish(path string, sel wire.Selector, val wire.Value) error {
	req := &loopReq{kind: reqPublish, path: path, sel: sel, value: val, reply: make(chan error, 1)}
	s.loopCh <- req
	return <-req.reply
}

func (s *Server) publishOnLoop(path string, sel wire.Selector, val wire.Value) error {
	key := subKey(path, sel)
	set, ok := s.subs[key]
	if !ok {
		return nil
	}
	pkt := wire.MessagePacket(dicey.OpSignal, s.nextOddSeq(), path, sel, val)
	for id := range set {
		c, ok := s.clients[id]
		if !ok {
			continue
		}
		s.writePacket(c, pkt)
	}
	return nil
}
