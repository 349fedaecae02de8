package server_test

import (
	"net"
	"testing"
	"time"

	"github.com/dicey-ipc/dicey/dicey"
	"github.com/dicey-ipc/dicey/registry"
	"github.com/dicey-ipc/dicey/server"
	"github.com/dicey-ipc/dicey/wire"
)

// peer drives the raw wire protocol over a client connection, so these
// tests exercise the server without going through the client package.
type peer struct {
	t    *testing.T
	conn net.Conn
	buf  []byte
	seq  uint32
}

func dialPeer(t *testing.T, addr string) *peer {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &peer{t: t, conn: conn}
}

func (p *peer) send(pkt wire.Packet) {
	p.t.Helper()
	buf := make([]byte, wire.PacketEncodedSize(pkt))
	n, err := wire.Encode(buf, pkt)
	if err != nil {
		p.t.Fatalf("encode: %v", err)
	}
	if _, err := p.conn.Write(buf[:n]); err != nil {
		p.t.Fatalf("write: %v", err)
	}
}

func (p *peer) recv() wire.Packet {
	p.t.Helper()
	for {
		pkt, remainder, err := wire.Load(wire.NewView(p.buf))
		if err == nil {
			p.buf = append([]byte(nil), remainder.Remaining()...)
			return pkt
		}
		chunk := make([]byte, 4096)
		p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, rerr := p.conn.Read(chunk)
		if n > 0 {
			p.buf = append(p.buf, chunk[:n]...)
		}
		if rerr != nil {
			p.t.Fatalf("read: %v", rerr)
		}
	}
}

// tryRecv is like recv but reports failure instead of fataling, for
// asserting that nothing arrives.
func (p *peer) tryRecv(wait time.Duration) (wire.Packet, bool) {
	pkt, remainder, err := wire.Load(wire.NewView(p.buf))
	if err == nil {
		p.buf = append([]byte(nil), remainder.Remaining()...)
		return pkt, true
	}
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		chunk := make([]byte, 4096)
		p.conn.SetReadDeadline(deadline)
		n, rerr := p.conn.Read(chunk)
		if n > 0 {
			p.buf = append(p.buf, chunk[:n]...)
		}
		pkt, remainder, err := wire.Load(wire.NewView(p.buf))
		if err == nil {
			p.buf = append([]byte(nil), remainder.Remaining()...)
			return pkt, true
		}
		if rerr != nil {
			return wire.Packet{}, false
		}
	}
	return wire.Packet{}, false
}

func (p *peer) hello() {
	p.t.Helper()
	p.send(wire.HelloPacket(0, server.ProtocolVersion))
	reply := p.recv()
	if reply.Kind != wire.KindHello || reply.Seq != 0 {
		p.t.Fatalf("handshake reply = %+v", reply)
	}
}

func (p *peer) nextSeq() uint32 {
	p.seq += 2
	return p.seq
}

// request sends op/path/sel/val with the next even seq and returns the
// matching Response.
func (p *peer) request(op dicey.Op, path string, sel wire.Selector, val wire.Value) wire.Packet {
	p.t.Helper()
	seq := p.nextSeq()
	p.send(wire.MessagePacket(op, seq, path, sel, val))
	reply := p.recv()
	if reply.Op() != dicey.OpResponse || reply.Seq != seq {
		p.t.Fatalf("expected Response seq %d, got %+v", seq, reply)
	}
	return reply
}

func exampleTrait(t *testing.T) *registry.Trait {
	t.Helper()
	sig := func(s string) wire.Signature {
		parsed, err := wire.ParseSignature(s)
		if err != nil {
			t.Fatalf("ParseSignature(%q): %v", s, err)
		}
		return parsed
	}
	tr := registry.NewTrait("Example")
	tr.AddElement(&registry.Element{Name: "P", Kind: dicey.KindProperty, Signature: sig("s")})
	tr.AddElement(&registry.Element{Name: "RO", Kind: dicey.KindProperty, Signature: sig("s"), Flags: registry.FlagReadOnly})
	tr.AddElement(&registry.Element{Name: "Op", Kind: dicey.KindOperation, Signature: sig("s -> s")})
	tr.AddElement(&registry.Element{Name: "Sig", Kind: dicey.KindSignal, Signature: sig("s")})
	return tr
}

func startServer(t *testing.T, opts ...server.Option) (*server.Server, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := server.New(opts...)
	go srv.Serve(ln)
	t.Cleanup(srv.StopAndWait)
	return srv, ln.Addr().String()
}

// echoRequest serves Example/P as "hello" and echoes Exec inputs.
func echoRequest(clientID int, op dicey.Op, path string, sel wire.Selector, val wire.Value) (wire.Value, error) {
	switch op {
	case dicey.OpGet:
		return wire.StrV("hello"), nil
	case dicey.OpSet:
		return wire.Unit(), nil
	default:
		return val, nil
	}
}

func setupExample(t *testing.T) (*server.Server, string) {
	srv, addr := startServer(t, server.WithOnRequest(echoRequest))
	if err := srv.AddTrait(exampleTrait(t)); err != nil {
		t.Fatalf("AddTrait: %v", err)
	}
	if err := srv.AddObject("/foo", []string{"Example"}); err != nil {
		t.Fatalf("AddObject: %v", err)
	}
	return srv, addr
}

func TestHandshake(t *testing.T) {
	_, addr := setupExample(t)
	p := dialPeer(t, addr)
	p.send(wire.HelloPacket(0, wire.Version{Major: 1, Revision: 0}))
	reply := p.recv()
	if reply.Kind != wire.KindHello || reply.Seq != 0 {
		t.Fatalf("reply = %+v", reply)
	}
	if reply.Version != server.ProtocolVersion {
		t.Fatalf("version = %+v", reply.Version)
	}
}

func TestHelloTooOldGetsBye(t *testing.T) {
	_, addr := setupExample(t)
	p := dialPeer(t, addr)
	p.send(wire.HelloPacket(0, wire.Version{Major: 0, Revision: 9}))
	reply := p.recv()
	if reply.Kind != wire.KindBye || reply.Reason != wire.ByeError {
		t.Fatalf("expected Bye(Error), got %+v", reply)
	}
}

func TestMessageBeforeHelloGetsBye(t *testing.T) {
	_, addr := setupExample(t)
	p := dialPeer(t, addr)
	p.send(wire.MessagePacket(dicey.OpGet, 2, "/foo", wire.Selector{Trait: "Example", Element: "P"}, wire.Unit()))
	reply := p.recv()
	if reply.Kind != wire.KindBye {
		t.Fatalf("expected Bye, got %+v", reply)
	}
}

func TestGetPropertyRoundTrip(t *testing.T) {
	_, addr := setupExample(t)
	p := dialPeer(t, addr)
	p.hello()

	reply := p.request(dicey.OpGet, "/foo", wire.Selector{Trait: "Example", Element: "P"}, wire.Unit())
	if reply.Value.Tag != wire.TStr || reply.Value.Str != "hello" {
		t.Fatalf("value = %+v", reply.Value)
	}
}

func TestSetTypeMismatchKeepsConnectionAlive(t *testing.T) {
	_, addr := setupExample(t)
	p := dialPeer(t, addr)
	p.hello()

	reply := p.request(dicey.OpSet, "/foo", wire.Selector{Trait: "Example", Element: "P"}, wire.Int32V(5))
	if reply.Value.Tag != wire.TError || reply.Value.Err.Code != dicey.EValueTypeMismatch {
		t.Fatalf("expected EValueTypeMismatch error value, got %+v", reply.Value)
	}

	// the connection must stay Running after a per-request failure
	reply = p.request(dicey.OpGet, "/foo", wire.Selector{Trait: "Example", Element: "P"}, wire.Unit())
	if reply.Value.Tag != wire.TStr {
		t.Fatalf("connection unusable after type mismatch: %+v", reply.Value)
	}
}

func TestOpKindGating(t *testing.T) {
	_, addr := setupExample(t)
	p := dialPeer(t, addr)
	p.hello()

	cases := []struct {
		name string
		op   dicey.Op
		elem string
		val  wire.Value
		want dicey.Code
	}{
		{"set readonly", dicey.OpSet, "RO", wire.StrV("x"), dicey.EPropertyReadOnly},
		{"set operation", dicey.OpSet, "Op", wire.StrV("x"), dicey.EInval},
		{"exec property", dicey.OpExec, "P", wire.StrV("x"), dicey.EInval},
		{"get operation", dicey.OpGet, "Op", wire.Unit(), dicey.EInval},
		{"unknown element", dicey.OpGet, "Nope", wire.Unit(), dicey.EElementNotFound},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			reply := p.request(c.op, "/foo", wire.Selector{Trait: "Example", Element: c.elem}, c.val)
			if reply.Value.Tag != wire.TError || reply.Value.Err.Code != c.want {
				t.Fatalf("want %v, got %+v", c.want, reply.Value)
			}
		})
	}
}

func TestIntrospectionBuiltins(t *testing.T) {
	_, addr := setupExample(t)
	p := dialPeer(t, addr)
	p.hello()

	regSel := func(elem string) wire.Selector {
		return wire.Selector{Trait: registry.TraitRegistry, Element: elem}
	}

	reply := p.request(dicey.OpGet, registry.PathRegistry, regSel("Objects"), wire.Unit())
	if reply.Value.Tag != wire.TArray || reply.Value.ArrayType != wire.TPath {
		t.Fatalf("Objects = %+v", reply.Value)
	}
	var sawFoo bool
	for _, e := range reply.Value.Elems {
		if e.Str == "/foo" {
			sawFoo = true
		}
	}
	if !sawFoo {
		t.Fatalf("Objects missing /foo: %+v", reply.Value.Elems)
	}

	reply = p.request(dicey.OpExec, registry.PathRegistry, regSel("PathExists"), wire.PathV("/foo"))
	if reply.Value.Tag != wire.TBool || !reply.Value.Bool {
		t.Fatalf("PathExists(/foo) = %+v", reply.Value)
	}
	reply = p.request(dicey.OpExec, registry.PathRegistry, regSel("TraitExists"), wire.StrV("Example"))
	if reply.Value.Tag != wire.TBool || !reply.Value.Bool {
		t.Fatalf("TraitExists(Example) = %+v", reply.Value)
	}
	reply = p.request(dicey.OpExec, registry.PathRegistry, regSel("ElementExists"),
		wire.TupleV(wire.PathV("/foo"), wire.SelectorV(wire.Selector{Trait: "Example", Element: "P"})))
	if reply.Value.Tag != wire.TBool || !reply.Value.Bool {
		t.Fatalf("ElementExists = %+v", reply.Value)
	}

	reply = p.request(dicey.OpGet, "/foo",
		wire.Selector{Trait: registry.TraitIntrospection, Element: "XML"}, wire.Unit())
	if reply.Value.Tag != wire.TStr || reply.Value.Str == "" {
		t.Fatalf("XML = %+v", reply.Value)
	}
}

func TestSubscriptionRouting(t *testing.T) {
	srv, addr := setupExample(t)

	sub := dialPeer(t, addr)
	sub.hello()
	other := dialPeer(t, addr)
	other.hello()

	sel := wire.Selector{Trait: "Example", Element: "Sig"}
	reply := sub.request(dicey.OpExec, registry.PathServer,
		wire.Selector{Trait: registry.TraitEventManager, Element: "Subscribe"},
		wire.TupleV(wire.PathV("/foo"), wire.SelectorV(sel)))
	if reply.Value.Tag == wire.TError {
		t.Fatalf("Subscribe failed: %+v", reply.Value)
	}

	if err := srv.Publish("/foo", sel, wire.StrV("fired")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	ev := sub.recv()
	if ev.Op() != dicey.OpSignal || ev.Path != "/foo" || ev.Value.Str != "fired" {
		t.Fatalf("subscriber got %+v", ev)
	}
	if ev.Seq%2 != 1 {
		t.Fatalf("server-originated seq must be odd, got %d", ev.Seq)
	}
	if pkt, got := other.tryRecv(100 * time.Millisecond); got {
		t.Fatalf("unsubscribed client received %+v", pkt)
	}

	// after Unsubscribe the signal no longer arrives
	reply = sub.request(dicey.OpExec, registry.PathServer,
		wire.Selector{Trait: registry.TraitEventManager, Element: "Unsubscribe"},
		wire.TupleV(wire.PathV("/foo"), wire.SelectorV(sel)))
	if reply.Value.Tag == wire.TError {
		t.Fatalf("Unsubscribe failed: %+v", reply.Value)
	}
	if err := srv.Publish("/foo", sel, wire.StrV("again")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if pkt, got := sub.tryRecv(100 * time.Millisecond); got {
		t.Fatalf("unsubscribed client received %+v", pkt)
	}
}

func TestGracefulShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := server.New(server.WithOnRequest(echoRequest))
	go srv.Serve(ln)

	peers := make([]*peer, 3)
	for i := range peers {
		peers[i] = dialPeer(t, ln.Addr().String())
		peers[i].hello()
	}

	srv.StopAndWait()

	for i, p := range peers {
		pkt := p.recv()
		if pkt.Kind != wire.KindBye || pkt.Reason != wire.ByeShutdown {
			t.Fatalf("peer %d: expected Bye(Shutdown), got %+v", i, pkt)
		}
	}
}

func TestConnectionRefused(t *testing.T) {
	_, addr := startServer(t, server.WithOnConnect(func(clientID int) bool { return false }))

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// the server closes a refused connection without speaking
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	if n, err := conn.Read(buf); err == nil {
		t.Fatalf("expected closed connection, read %d bytes", n)
	}
}
