package server

import (
	"net"

	"github.com/dicey-ipc/dicey/dicey"
	"github.com/dicey-ipc/dicey/registry"
	"github.com/dicey-ipc/dicey/wire"
)

var (
	disallowedSendErr = dicey.Errorf(dicey.EInval, "server may only send Response or Signal packets")
	clientNotFoundErr = dicey.New(dicey.EPeerNotFound)
)

// loopReqKind identifies a cross-thread mutating request. Every
// mutating public entry point marshals through the loop this way.
type loopReqKind int

const (
	reqAddObject loopReqKind = iota
	reqDeleteObject
	reqAddTrait
	reqSend
	reqKick
	reqPublish
	reqAdmit
	reqNextSeq
)

type loopReq struct {
	kind loopReqKind

	path   string
	traits []string
	trait  *registry.Trait

	clientID int
	packet   wire.Packet
	conn     net.Conn

	sel   wire.Selector
	value wire.Value

	reply    chan error
	idReply  chan int
	seqReply chan uint32
}

func (s *Server) handleLoopReq(req *loopReq) {
	var err error
	switch req.kind {
	case reqAddObject:
		err = s.reg.AddObject(req.path, req.traits)
	case reqDeleteObject:
		err = s.reg.DeleteObject(req.path)
	case reqAddTrait:
		err = s.reg.AddTrait(req.trait)
	case reqSend:
		err = s.sendOnLoop(req.clientID, req.packet)
	case reqKick:
		s.removeClient(req.clientID)
	case reqPublish:
		err = s.publishOnLoop(req.path, req.sel, req.value)
	case reqAdmit:
		id := s.admit(req.conn)
		if req.idReply != nil {
			req.idReply <- id
		}
		return
	case reqNextSeq:
		if req.seqReply != nil {
			req.seqReply <- s.nextOddSeq()
		}
		return
	}
	if req.reply != nil {
		req.reply <- err
	}
}

func (s *Server) sendOnLoop(clientID int, p wire.Packet) error {
	if !p.Kind.IsMessage() || !p.Op().IsServerOriginated() {
		return disallowedSendErr
	}
	c, ok := s.clients[clientID]
	if !ok {
		return clientNotFoundErr
	}
	return s.writePacket(c, p)
}

// AddObjectAsync registers path with the given trait set. done is
// invoked on a separate goroutine with the result once the loop has
// handled the request.
func (s *Server) AddObjectAsync(path string, traits []string, done func(error)) {
	s.submit(&loopReq{kind: reqAddObject, path: path, traits: traits}, done)
}

// AddObject is the synchronous wrapper over AddObjectAsync.
func (s *Server) AddObject(path string, traits []string) error {
	return s.submitSync(&loopReq{kind: reqAddObject, path: path, traits: traits})
}

// DeleteObjectAsync removes path.
func (s *Server) DeleteObjectAsync(path string, done func(error)) {
	s.submit(&loopReq{kind: reqDeleteObject, path: path}, done)
}

// DeleteObject is the synchronous wrapper over DeleteObjectAsync.
func (s *Server) DeleteObject(path string) error {
	return s.submitSync(&loopReq{kind: reqDeleteObject, path: path})
}

// AddTraitAsync registers a new trait.
func (s *Server) AddTraitAsync(t *registry.Trait, done func(error)) {
	s.submit(&loopReq{kind: reqAddTrait, trait: t}, done)
}

// AddTrait is the synchronous wrapper over AddTraitAsync.
func (s *Server) AddTrait(t *registry.Trait) error {
	return s.submitSync(&loopReq{kind: reqAddTrait, trait: t})
}

// SendAsync writes p to clientID. p must be a server-originated
// message (Response or Signal); anything else is rejected.
func (s *Server) SendAsync(clientID int, p wire.Packet, done func(error)) {
	s.submit(&loopReq{kind: reqSend, clientID: clientID, packet: p}, done)
}

// Send is the synchronous wrapper over SendAsync.
func (s *Server) Send(clientID int, p wire.Packet) error {
	return s.submitSync(&loopReq{kind: reqSend, clientID: clientID, packet: p})
}

// KickAsync forcibly disconnects a client.
func (s *Server) KickAsync(clientID int, done func(error)) {
	s.submit(&loopReq{kind: reqKick, clientID: clientID}, done)
}

// Kick is the synchronous wrapper over KickAsync.
func (s *Server) Kick(clientID int) error {
	return s.submitSync(&loopReq{kind: reqKick, clientID: clientID})
}

func (s *Server) submit(req *loopReq, done func(error)) {
	if done != nil {
		req.reply = make(chan error, 1)
		go func() {
			err := <-req.reply
			done(err)
		}()
	}
	s.loopCh <- req
}

func (s *Server) submitSync(req *loopReq) error {
	req.reply = make(chan error, 1)
	s.loopCh <- req
	return <-req.reply
}

// AdmitConn registers conn as a new client exactly as an accepted
// listener connection would be, running the same OnConnect admission
// check and arming the same read pump. It blocks until the loop thread
// has processed the admission and returns the assigned client ID, or
// -1 if OnConnect refused the connection. Used by the plugin manager
// to fold a spawned plugin's pipe into the ordinary client table
// instead of tracking it as a separate connection kind.
func (s *Server) AdmitConn(conn net.Conn) int {
	reply := make(chan int, 1)
	s.loopCh <- &loopReq{kind: reqAdmit, conn: conn, idReply: reply}
	return <-reply
}

// NextSeq allocates the next server-originated (odd) sequence number.
// Exposed so collaborators that send packets through Send/SendAsync
// directly -- such as the plugin manager's Command signals -- get
// properly monotonic seqs instead of reusing 0.
func (s *Server) NextSeq() uint32 {
	reply := make(chan uint32, 1)
	s.loopCh <- &loopReq{kind: reqNextSeq, seqReply: reply}
	return <-reply
}
