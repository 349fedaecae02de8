package plugin_test

import (
	"net"
	"testing"
	"time"

	"github.com/dicey-ipc/dicey/dicey"
	"github.com/dicey-ipc/dicey/plugin"
	"github.com/dicey-ipc/dicey/registry"
	"github.com/dicey-ipc/dicey/server"
	"github.com/dicey-ipc/dicey/wire"
)

// fakeProcess is a plugin.Process double driven entirely by tests, in
// place of a real *os.Process.
type fakeProcess struct {
	killed chan struct{}
	exitOK chan bool
	onKill func()
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{killed: make(chan struct{}, 1), exitOK: make(chan bool, 1)}
}

func (p *fakeProcess) Kill() error {
	select {
	case p.killed <- struct{}{}:
	default:
	}
	if p.onKill != nil {
		p.onKill()
	}
	return nil
}

func (p *fakeProcess) Wait() (bool, error) {
	return <-p.exitOK, nil
}

// fakeSpawner hands out one half of an in-memory pipe per Spawn call --
// the other half is pushed onto peers so the test can play the plugin
// process without ever forking one. Stands in for plugin.ExecSpawner.
type fakeSpawner struct {
	peers chan net.Conn
	procs chan *fakeProcess
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{
		peers: make(chan net.Conn, 8),
		procs: make(chan *fakeProcess, 8),
	}
}

func (f *fakeSpawner) Spawn(execPath string, args []string) (net.Conn, plugin.Process, error) {
	serverSide, pluginSide := net.Pipe()
	proc := newFakeProcess()
	proc.onKill = func() { pluginSide.Close() }
	f.peers <- pluginSide
	f.procs <- proc
	return serverSide, proc, nil
}

// peer drives the raw wire protocol over one end of a pipe, playing
// the role of a spawned plugin process talking back to the server.
type peer struct {
	t    *testing.T
	conn net.Conn
	buf  []byte
}

func newPeer(t *testing.T, conn net.Conn) *peer {
	return &peer{t: t, conn: conn}
}

func (p *peer) send(pkt wire.Packet) {
	t := p.t
	t.Helper()
	buf := make([]byte, wire.PacketEncodedSize(pkt))
	if _, err := wire.Encode(buf, pkt); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := p.conn.Write(buf); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (p *peer) recv() wire.Packet {
	t := p.t
	t.Helper()
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
			t.Fatalf("read: %v", rerr)
		}
	}
}

// handshake runs the Hello exchange and the HandshakeInternal Exec a
// real plugin performs on startup, returning the server's response.
func (p *peer) handshake(name string) wire.Packet {
	p.send(wire.HelloPacket(0, server.ProtocolVersion))
	hello := p.recv()
	if hello.Kind != wire.KindHello {
		p.t.Fatalf("expected Hello, got %v", hello.Kind)
	}

	req := wire.MessagePacket(dicey.OpExec, 2, registry.PathServer,
		wire.Selector{Trait: registry.TraitPluginManager, Element: "HandshakeInternal"},
		wire.StrV(name))
	p.send(req)
	return p.recv()
}

func setupServer(t *testing.T, mgr *plugin.Manager) (*server.Server, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := server.New(server.WithPluginHooks(mgr))
	mgr.Attach(srv)
	go srv.Serve(ln)
	return srv, func() { srv.StopAndWait() }
}

func spawnAndHandshake(t *testing.T, mgr *plugin.Manager, fs *fakeSpawner, name string) (string, error, *peer) {
	t.Helper()

	type spawnResult struct {
		name string
		err  error
	}
	done := make(chan spawnResult, 1)
	go func() {
		name, err := mgr.Spawn("fake-plugin-binary", nil)
		done <- spawnResult{name, err}
	}()

	conn := <-fs.peers
	p := newPeer(t, conn)
	resp := p.handshake(name)

	select {
	case r := <-done:
		return r.name, r.err, p
	case <-time.After(2 * time.Second):
		t.Fatalf("Spawn never returned; handshake response was %+v", resp)
		return "", nil, nil
	}
}

func TestSpawnHandshakeRegistersPluginObject(t *testing.T) {
	fs := newFakeSpawner()
	mgr := plugin.NewManager(plugin.WithSpawner(fs))
	srv, cleanup := setupServer(t, mgr)
	defer cleanup()

	name, err, _ := spawnAndHandshake(t, mgr, fs, "MyPlugin")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if name != "MyPlugin" {
		t.Fatalf("expected name MyPlugin, got %q", name)
	}

	path := srv.Registry().PluginMetaPath("MyPlugin")
	obj, err := srv.Registry().GetObject(path)
	if err != nil {
		t.Fatalf("plugin object not registered at %s: %v", path, err)
	}
	if obj == nil {
		t.Fatal("GetObject returned nil object with no error")
	}

	infos := mgr.ListPlugins()
	if len(infos) != 1 || infos[0].Name != "MyPlugin" || infos[0].Path != path {
		t.Fatalf("ListPlugins = %+v, want one entry for MyPlugin at %s", infos, path)
	}
}

func TestSpawnRejectsNonPascalCaseName(t *testing.T) {
	fs := newFakeSpawner()
	mgr := plugin.NewManager(plugin.WithSpawner(fs), plugin.WithHandshakeTimeout(200*time.Millisecond))
	_, cleanup := setupServer(t, mgr)
	defer cleanup()

	name, err, _ := spawnAndHandshake(t, mgr, fs, "not_pascal_case")
	if err == nil {
		t.Fatalf("expected Spawn to fail for an invalid plugin name, got name=%q", name)
	}
}

func TestSendWorkRoundTrips(t *testing.T) {
	fs := newFakeSpawner()
	mgr := plugin.NewManager(plugin.WithSpawner(fs))
	_, cleanup := setupServer(t, mgr)
	defer cleanup()

	_, err, p := spawnAndHandshake(t, mgr, fs, "Worker")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	result := make(chan wire.Value, 1)
	if err := mgr.SendWork("Worker", 7, wire.StrV("payload"), func(v wire.Value, err error) {
		if err != nil {
			t.Errorf("SendWork callback error: %v", err)
		}
		result <- v
	}); err != nil {
		t.Fatalf("SendWork: %v", err)
	}

	cmdPkt := p.recv()
	if cmdPkt.Op() != dicey.OpSignal || cmdPkt.Value.Tag != wire.TTuple {
		t.Fatalf("expected a Signal/Command tuple, got %+v", cmdPkt)
	}
	jobID := cmdPkt.Value.Elems[0].U64
	command := cmdPkt.Value.Elems[1].Byte
	if command != 7 {
		t.Fatalf("expected command byte 7, got %d", command)
	}

	reply := wire.MessagePacket(dicey.OpExec, 4, cmdPkt.Path,
		wire.Selector{Trait: registry.TraitPlugin, Element: "Reply"},
		wire.PairV(wire.UInt64V(jobID), wire.StrV("done")))
	p.send(reply)
	ack := p.recv()
	if ack.Op() != dicey.OpResponse {
		t.Fatalf("expected a Response to the Reply exec, got %+v", ack)
	}

	select {
	case v := <-result:
		if v.Tag != wire.TStr || v.Str != "done" {
			t.Fatalf("expected result str \"done\", got %+v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SendWork callback never ran")
	}
}
