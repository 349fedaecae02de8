package client_test

import (
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/dicey-ipc/dicey/client"
	"github.com/dicey-ipc/dicey/dicey"
	"github.com/dicey-ipc/dicey/registry"
	"github.com/dicey-ipc/dicey/server"
	"github.com/dicey-ipc/dicey/transport"
	"github.com/dicey-ipc/dicey/wire"
)

// sockName builds a per-test transport name so parallel tests never
// collide on the same endpoint.
func sockName(t *testing.T) string {
	return fmt.Sprintf("dicey-test-%d-%s", os.Getpid(), strings.ReplaceAll(t.Name(), "/", "-"))
}

func startServer(t *testing.T) (string, *server.Server) {
	t.Helper()
	name := sockName(t)
	ln, err := transport.Listen(name)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := server.New(server.WithOnRequest(func(clientID int, op dicey.Op, path string, sel wire.Selector, val wire.Value) (wire.Value, error) {
		if op == dicey.OpGet {
			return wire.StrV("hello"), nil
		}
		return wire.Unit(), nil
	}))
	go srv.Serve(ln)
	t.Cleanup(srv.StopAndWait)

	tr := registry.NewTrait("Example")
	sig, err := wire.ParseSignature("s")
	if err != nil {
		t.Fatal(err)
	}
	tr.AddElement(&registry.Element{Name: "P", Kind: dicey.KindProperty, Signature: sig})
	if err := srv.AddTrait(tr); err != nil {
		t.Fatalf("AddTrait: %v", err)
	}
	if err := srv.AddObject("/foo", []string{"Example"}); err != nil {
		t.Fatalf("AddObject: %v", err)
	}
	return name, srv
}

func TestConnectHandshake(t *testing.T) {
	name, _ := startServer(t)

	events := make(chan client.Event, 8)
	c := client.New(func(ev client.Event) { events <- ev })
	if err := c.Connect(name); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	if got := c.State(); got != client.Running {
		t.Fatalf("state = %v, want Running", got)
	}
	select {
	case ev := <-events:
		if ev.Kind != client.EventConnect {
			t.Fatalf("first event = %+v, want Connect", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("Connect event never arrived")
	}
}

func TestRequestRoundTrip(t *testing.T) {
	name, _ := startServer(t)

	c := client.New(nil)
	if err := c.Connect(name); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	sel := wire.Selector{Trait: "Example", Element: "P"}
	val, err := c.Request(dicey.OpGet, "/foo", sel, wire.Unit(), time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if val.Tag != wire.TStr || val.Str != "hello" {
		t.Fatalf("value = %+v", val)
	}
}

func TestRequestAsyncCallback(t *testing.T) {
	name, _ := startServer(t)

	c := client.New(nil)
	if err := c.Connect(name); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	done := make(chan wire.Value, 1)
	c.RequestAsync(dicey.OpGet, "/foo", wire.Selector{Trait: "Example", Element: "P"}, wire.Unit(), time.Second,
		func(v wire.Value, err error) {
			if err != nil {
				t.Errorf("async request: %v", err)
			}
			done <- v
		})
	select {
	case v := <-done:
		if v.Str != "hello" {
			t.Fatalf("value = %+v", v)
		}
	case <-time.After(time.Second):
		t.Fatal("async callback never ran")
	}
}

func TestSignalDelivery(t *testing.T) {
	name, srv := startServer(t)

	events := make(chan client.Event, 8)
	c := client.New(func(ev client.Event) { events <- ev })
	if err := c.Connect(name); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	sel := wire.Selector{Trait: "Example", Element: "Sig"}
	if _, err := c.Request(dicey.OpExec, registry.PathServer,
		wire.Selector{Trait: registry.TraitEventManager, Element: "Subscribe"},
		wire.TupleV(wire.PathV("/foo"), wire.SelectorV(sel)), time.Second); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := srv.Publish("/foo", sel, wire.StrV("fired")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind != client.EventSignal {
				continue // skip the Connect event
			}
			if ev.Path != "/foo" || ev.Sel != sel || ev.Value.Str != "fired" {
				t.Fatalf("signal = %+v", ev)
			}
			return
		case <-deadline:
			t.Fatal("signal never delivered")
		}
	}
}

// scriptedServer speaks raw wire on a transport listener: it completes
// the Hello exchange, then hands every further packet to handle, which
// may return replies to send back. Used to provoke behaviors a healthy
// server never exhibits.
func scriptedServer(t *testing.T, name string, handle func(pkt wire.Packet) []wire.Packet) {
	t.Helper()
	ln, err := transport.Listen(name)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var acc []byte
		buf := make([]byte, 4096)
		send := func(p wire.Packet) {
			out := make([]byte, wire.PacketEncodedSize(p))
			n, err := wire.Encode(out, p)
			if err != nil {
				return
			}
			conn.Write(out[:n])
		}
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				acc = append(acc, buf[:n]...)
			}
			for {
				pkt, remainder, lerr := wire.Load(wire.NewView(acc))
				if lerr != nil {
					break
				}
				acc = append([]byte(nil), remainder.Remaining()...)
				if pkt.Kind == wire.KindHello {
					send(wire.HelloPacket(0, client.ProtocolVersion))
					continue
				}
				for _, reply := range handle(pkt) {
					send(reply)
				}
			}
			if err != nil {
				return
			}
		}
	}()
}

func TestRequestTimeoutThenLateReplyDropped(t *testing.T) {
	name := sockName(t)

	// withhold the first response entirely; when the retry arrives,
	// replay the stale seq first, then answer the live one.
	var firstSeq uint32
	nth := 0
	scriptedServer(t, name, func(pkt wire.Packet) []wire.Packet {
		nth++
		if nth == 1 {
			firstSeq = pkt.Seq
			return nil
		}
		return []wire.Packet{
			wire.MessagePacket(dicey.OpResponse, firstSeq, pkt.Path, pkt.Sel, wire.StrV("stale")),
			wire.MessagePacket(dicey.OpResponse, pkt.Seq, pkt.Path, pkt.Sel, wire.StrV("late")),
		}
	})

	events := make(chan client.Event, 8)
	c := client.New(func(ev client.Event) { events <- ev })
	if err := c.Connect(name); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	sel := wire.Selector{Trait: "Example", Element: "P"}
	_, err := c.Request(dicey.OpGet, "/foo", sel, wire.Unit(), 50*time.Millisecond)
	if !dicey.IsCode(err, dicey.ETimedOut) {
		t.Fatalf("expected ETimedOut, got %v", err)
	}

	// the retry's reply batch leads with the withheld seq: the client
	// must drop it silently rather than misdeliver it.
	val, err := c.Request(dicey.OpGet, "/foo", sel, wire.Unit(), time.Second)
	if err != nil {
		t.Fatalf("follow-up request after timeout: %v", err)
	}
	if val.Str != "late" {
		t.Fatalf("value = %+v", val)
	}
	if got := c.State(); got != client.Running {
		t.Fatalf("state = %v, want Running after per-request timeout", got)
	}
	select {
	case ev := <-events:
		if ev.Kind == client.EventError {
			t.Fatalf("unexpected error event: %+v", ev)
		}
	default:
	}
}

func TestServerByeEmitsEventAndDies(t *testing.T) {
	name := sockName(t)
	byeSent := make(chan struct{}, 1)
	scriptedServer(t, name, func(pkt wire.Packet) []wire.Packet {
		byeSent <- struct{}{}
		return []wire.Packet{wire.ByePacket(1, wire.ByeShutdown)}
	})

	events := make(chan client.Event, 8)
	c := client.New(func(ev client.Event) { events <- ev })
	if err := c.Connect(name); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// any request now triggers the scripted Bye
	c.RequestAsync(dicey.OpGet, "/foo", wire.Selector{Trait: "T", Element: "E"}, wire.Unit(), time.Second, func(wire.Value, error) {})
	<-byeSent

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == client.EventServerBye {
				if ev.Reason != wire.ByeShutdown {
					t.Fatalf("reason = %v", ev.Reason)
				}
				for c.State() != client.Dead {
					select {
					case <-deadline:
						t.Fatalf("state = %v after ServerBye, want Dead", c.State())
					case <-time.After(time.Millisecond):
					}
				}
				return
			}
		case <-deadline:
			t.Fatal("ServerBye event never arrived")
		}
	}
}

func TestDisconnect(t *testing.T) {
	name, _ := startServer(t)

	c := client.New(nil)
	if err := c.Connect(name); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if got := c.State(); got != client.Closed {
		t.Fatalf("state = %v, want Closed", got)
	}
}

func TestConnectFailsWithoutServer(t *testing.T) {
	c := client.New(nil)
	if err := c.Connect(sockName(t)); err == nil {
		t.Fatal("expected connect to fail with no listener")
	}
	if got := c.State(); got != client.Dead {
		t.Fatalf("state = %v, want Dead", got)
	}
}
