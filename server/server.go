// Package server implements the dicey server core: a listener, a
// sparse client table, the object/trait registry, and a
// single-threaded event loop that owns all three. Every mutating
// public entry point marshals onto the loop through an MPSC queue of
// loop requests; synchronous variants block the caller on a
// completion channel. Reader goroutines only forward raw bytes and
// never touch shared state.
package server

import (
	"net"
	"sync"
	"time"

	"github.com/dicey-ipc/dicey/dicey"
	"github.com/dicey-ipc/dicey/diceylog"
	"github.com/dicey-ipc/dicey/registry"
	"github.com/dicey-ipc/dicey/wire"
)

// ProtocolVersion is the Hello version this server speaks.
var ProtocolVersion = wire.Version{Major: 1, Revision: 0}

// OnConnect is invoked on the loop thread when a new client is
// admitted. Returning false refuses the connection: the server closes
// the handle and logs the refusal instead of running the handshake. No
// event or callback reports the refusal.
type OnConnect func(clientID int) bool

// OnRequest serves a non-built-in element. The server has already
// enforced op/kind gating; the callback returns the property/operation
// result or an error, which the server wraps into a Response.
type OnRequest func(clientID int, op dicey.Op, path string, sel wire.Selector, val wire.Value) (wire.Value, error)

// OnDisconnect is invoked on the loop thread once a client's record is
// removed while the server runs (Bye, read or protocol error, kick).
// Clients still connected at shutdown are closed without it.
type OnDisconnect func(clientID int)

// Server owns the listener, the client table, the registry, and the
// single loop goroutine that mutates all three.
type Server struct {
	reg *registry.Registry

	onConnect    OnConnect
	onRequest    OnRequest
	onDisconnect OnDisconnect

	ln net.Listener

	acceptCh chan net.Conn
	readCh   chan readEvent
	loopCh   chan *loopReq
	stopCh   chan struct{}
	doneCh   chan struct{}

	clients        map[int]*clientRecord
	nextID         int
	state          serverState
	subs           map[string]map[int]bool // "path#trait:element" -> client IDs
	pendingBye     map[int]bool            // clients sent Bye(Shutdown), awaiting write drain
	seqCounter     uint32                  // source for server-originated (odd) seq numbers
	pluginsEnabled bool
	pluginHooks    PluginHooks

	mu sync.Mutex // guards state for State() reads from outside the loop
}

type serverState int

const (
	Running serverState = iota
	Quitting
	Stopped
)

// New constructs a server around a fresh registry. Use the With*
// functional options to install callbacks before calling Serve.
func New(opts ...Option) *Server {
	s := &Server{
		reg:        registry.New(),
		acceptCh:   make(chan net.Conn, 16),
		readCh:     make(chan readEvent, 256),
		loopCh:     make(chan *loopReq, 256),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		clients:    map[int]*clientRecord{},
		subs:       map[string]map[int]bool{},
		pendingBye: map[int]bool{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Registry returns the server's object/trait directory, for read-only
// inspection. Mutating it outside AddObject/AddTrait/DeleteObject is
// unsafe once Serve is running.
func (s *Server) Registry() *registry.Registry { return s.reg }

// Serve accepts connections on ln until Stop/StopAndWait completes.
// It runs the accept loop and the event loop on the calling goroutine
// tree: the accept loop runs in its own goroutine; Serve itself blocks
// running the event loop and returns when the loop exits.
func (s *Server) Serve(ln net.Listener) error {
	s.ln = ln
	go s.acceptLoop()
	s.runLoop()
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		select {
		case s.acceptCh <- conn:
		case <-s.stopCh:
			conn.Close()
			return
		}
	}
}

// runLoop is the server's single event-loop thread. Every field on
// Server except the channels themselves is touched only here.
func (s *Server) runLoop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case conn := <-s.acceptCh:
			s.admit(conn)

		case ev := <-s.readCh:
			s.handleRead(ev)

		case req := <-s.loopCh:
			s.handleLoopReq(req)

		case <-ticker.C:
			// Reserved for future per-request deadline scanning; the
			// server itself has no client-request timeouts today (only
			// the plugin manager's handshake/quit timers do, and those
			// run their own timers independent of this tick).

		case <-s.stopCh:
			s.shutdown()
			return
		}
	}
}

// State reports the server's lifecycle state. Safe to call from any
// goroutine.
func (s *Server) State() serverState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Server) setState(st serverState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Server) shutdown() {
	s.setState(Quitting)
	for id, c := range s.clients {
		s.writePacket(c, wire.ByePacket(s.nextOddSeq(), wire.ByeShutdown))
		c.conn.Close()
		delete(s.clients, id)
	}
	if s.ln != nil {
		s.ln.Close()
	}
	s.setState(Stopped)
	diceylog.Info("server: stopped")
}

// Stop requests an asynchronous shutdown: Bye(Shutdown) to every
// client, then the listener and loop close. It returns immediately.
func (s *Server) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

// StopAndWait requests shutdown and blocks until the loop has fully
// drained, matching the "stop_and_wait" synchronous variant.
func (s *Server) StopAndWait() {
	s.Stop()
	<-s.doneCh
}

// nextOddSeq returns the next server-originated sequence number: odd,
// strictly increasing (1, 3, 5, ...).
func (s *Server) nextOddSeq() uint32 {
	seq := s.seqCounter | 1
	s.seqCounter += 2
	return seq
}
