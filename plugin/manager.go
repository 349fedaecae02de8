package plugin

import (
	"regexp"
	"sync"
	"time"

	"github.com/dicey-ipc/dicey/dicey"
	"github.com/dicey-ipc/dicey/diceylog"
	"github.com/dicey-ipc/dicey/registry"
	"github.com/dicey-ipc/dicey/server"
	"github.com/dicey-ipc/dicey/wire"
)

// State is a plugin's lifecycle, forward-only like the client/server
// connection state machines elsewhere in this module.
type State int

const (
	Spawned State = iota
	Running
	Quitting
	Complete
	Failed
)

func (s State) String() string {
	switch s {
	case Spawned:
		return "Spawned"
	case Running:
		return "Running"
	case Quitting:
		return "Quitting"
	case Complete:
		return "Complete"
	default:
		return "Failed"
	}
}

// EventKind identifies a plugin lifecycle notification.
type EventKind int

const (
	EventSpawned EventKind = iota
	EventReady
	EventTerminated
	EventQuitting
	EventQuit
	EventFailed
	EventUnresponsive
)

// Event is delivered to the Manager's event handler.
type Event struct {
	Kind EventKind
	Name string
	Err  error
}

// EventHandler receives plugin lifecycle events.
type EventHandler func(Event)

// HaltCommand is the well-known command byte sent with job ID
// math.MaxUint64 to ask a plugin to shut down cleanly.
const HaltCommand byte = 0xff

const haltJobID uint64 = ^uint64(0)

// pluginNamePattern is the "arbitrary rule" from the source: pascal
// case, no underscores -- a leading uppercase letter followed by one
// or more alphanumerics.
var pluginNamePattern = regexp.MustCompile(`^[A-Z][A-Za-z0-9]+$`)

func validateName(name string) error {
	if !pluginNamePattern.MatchString(name) {
		return dicey.New(dicey.EPluginInvalidName)
	}
	return nil
}

// Manager drives the spawn/handshake/work/quit lifecycle of subprocess
// plugins atop a Server's public API.
//
// A Manager is constructed independently of its Server (NewManager
// takes no server), since the server must be told about the manager's
// PluginHooks implementation at construction time; call Attach once
// the server exists.
type Manager struct {
	spawner          Spawner
	handshakeTimeout time.Duration
	killTimeout      time.Duration
	onEvent          EventHandler

	mu       sync.Mutex
	srv      *server.Server
	byName   map[string]*record
	byClient map[int]*record
}

type record struct {
	mu sync.Mutex

	name     string
	path     string
	clientID int
	proc     Process
	state    State

	timer          *time.Timer
	awaitHandshake chan error

	nextJobID uint64
	jobs      map[uint64]func(wire.Value, error)
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithSpawner overrides the default ExecSpawner, mainly for tests.
func WithSpawner(s Spawner) Option { return func(m *Manager) { m.spawner = s } }

// WithHandshakeTimeout overrides the default 1000ms handshake deadline.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(m *Manager) { m.handshakeTimeout = d }
}

// WithKillTimeout overrides the default 1000ms quit-to-kill deadline.
func WithKillTimeout(d time.Duration) Option {
	return func(m *Manager) { m.killTimeout = d }
}

// WithEventHandler installs the plugin lifecycle event callback.
func WithEventHandler(h EventHandler) Option { return func(m *Manager) { m.onEvent = h } }

// NewManager constructs a plugin manager. Pass it to server.New via
// server.WithPluginHooks, then call Attach with the resulting server
// before Spawn-ing anything.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		spawner:          ExecSpawner{},
		handshakeTimeout: 1000 * time.Millisecond,
		killTimeout:      1000 * time.Millisecond,
		byName:           map[string]*record{},
		byClient:         map[int]*record{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Attach binds the manager to the server it manages plugins for. Must
// be called exactly once, after the server was constructed with
// server.WithPluginHooks(m).
func (m *Manager) Attach(srv *server.Server) {
	m.mu.Lock()
	m.srv = srv
	m.mu.Unlock()
	srv.Registry().AddTrait(registry.PluginTrait())
}

func (m *Manager) emit(ev Event) {
	if m.onEvent != nil {
		m.onEvent(ev)
	}
}

// SpawnAsync launches execPath as a plugin and invokes done once the
// handshake completes (or times out/fails). The plugin's self-declared
// name is only known after Handshake returns it, so done reports name
// as "" on any error.
func (m *Manager) SpawnAsync(execPath string, args []string, done func(name string, err error)) {
	go func() {
		name, err := m.spawn(execPath, args)
		if done != nil {
			done(name, err)
		}
	}()
}

// Spawn is the synchronous wrapper over SpawnAsync.
func (m *Manager) Spawn(execPath string, args []string) (string, error) {
	return m.spawn(execPath, args)
}

func (m *Manager) spawn(execPath string, args []string) (string, error) {
	m.mu.Lock()
	srv := m.srv
	m.mu.Unlock()
	if srv == nil {
		return "", dicey.Errorf(dicey.EInval, "plugin manager not attached to a server")
	}

	conn, proc, err := m.spawner.Spawn(execPath, args)
	if err != nil {
		return "", err
	}

	clientID := srv.AdmitConn(conn)
	if clientID < 0 {
		proc.Kill()
		return "", dicey.New(dicey.EConnRefused)
	}

	done := make(chan error, 1)
	rec := &record{
		clientID:       clientID,
		proc:           proc,
		state:          Spawned,
		jobs:           map[uint64]func(wire.Value, error){},
		awaitHandshake: done,
	}

	// Register before anything else touches the connection: Handshake
	// looks rec up by clientID, and the read pump is already live by
	// the time AdmitConn returns, so the handshake Exec can arrive
	// before this function proceeds any further.
	m.mu.Lock()
	m.byClient[clientID] = rec
	m.mu.Unlock()

	m.emit(Event{Kind: EventSpawned})
	go m.watchExit(rec)

	rec.timer = time.AfterFunc(m.handshakeTimeout, func() {
		m.mu.Lock()
		_, stillPending := m.byClient[clientID]
		m.mu.Unlock()
		if !stillPending || rec.state != Spawned {
			return
		}
		m.emit(Event{Kind: EventUnresponsive, Name: rec.name})
		proc.Kill()
		select {
		case done <- dicey.New(dicey.ETimedOut):
		default:
		}
	})

	<-done
	if rec.state != Running {
		m.mu.Lock()
		delete(m.byClient, clientID)
		m.mu.Unlock()
		srv.Kick(clientID)
		return "", dicey.New(dicey.ETimedOut)
	}
	return rec.name, nil
}

func (m *Manager) watchExit(rec *record) {
	ok, _ := rec.proc.Wait()

	m.mu.Lock()
	name := rec.name
	srv := m.srv
	wasQuitting := rec.state == Quitting
	if rec.timer != nil {
		rec.timer.Stop()
	}
	delete(m.byClient, rec.clientID)
	if name != "" {
		delete(m.byName, name)
	}
	m.mu.Unlock()

	if rec.path != "" && srv != nil {
		srv.DeleteObjectAsync(rec.path, nil)
	}

	switch {
	case wasQuitting && ok:
		rec.state = Complete
		m.emit(Event{Kind: EventQuit, Name: name})
	case ok:
		rec.state = Complete
		m.emit(Event{Kind: EventTerminated, Name: name})
	default:
		rec.state = Failed
		m.emit(Event{Kind: EventFailed, Name: name})
	}
}

// Handshake implements server.PluginHooks: it is invoked inline on the
// server's loop thread while handling the plugin's HandshakeInternal
// Exec, so it must never block on a Server sync call.
func (m *Manager) Handshake(clientID int, name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}

	m.mu.Lock()
	rec, ok := m.byClient[clientID]
	if ok {
		if _, taken := m.byName[name]; taken {
			ok = false
		}
	}
	m.mu.Unlock()
	if !ok {
		return "", dicey.Errorf(dicey.EPluginInvalidName, "no pending plugin on client %d, or name %q already in use", clientID, name)
	}

	srv := m.srv
	path := srv.Registry().PluginMetaPath(name)
	if err := srv.Registry().AddObject(path, []string{registry.TraitPlugin}); err != nil {
		return "", err
	}

	rec.mu.Lock()
	rec.name = name
	rec.path = path
	rec.state = Running
	if rec.timer != nil {
		rec.timer.Stop()
	}
	rec.mu.Unlock()

	m.mu.Lock()
	m.byName[name] = rec
	m.mu.Unlock()

	select {
	case rec.awaitHandshake <- nil:
	default:
	}

	m.emit(Event{Kind: EventReady, Name: name})
	diceylog.Info("plugin: %q ready at %s", name, path)
	return path, nil
}

// ListPlugins implements server.PluginHooks.
func (m *Manager) ListPlugins() []server.PluginInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]server.PluginInfo, 0, len(m.byName))
	for name, rec := range m.byName {
		out = append(out, server.PluginInfo{Name: name, Path: rec.path})
	}
	return out
}

// PluginProperty implements server.PluginHooks, serving the readonly
// Name/Path properties of the dicey.Plugin trait.
func (m *Manager) PluginProperty(path string, opcode int) (wire.Value, error) {
	m.mu.Lock()
	var rec *record
	for _, r := range m.byName {
		if r.path == path {
			rec = r
			break
		}
	}
	m.mu.Unlock()
	if rec == nil {
		return wire.Value{}, dicey.New(dicey.EPathNotFound)
	}

	switch opcode {
	case registry.OpPluginName:
		return wire.StrV(rec.name), nil
	case registry.OpPluginPath:
		return wire.PathV(rec.path), nil
	default:
		return wire.Value{}, dicey.New(dicey.EElementNotFound)
	}
}

// Reply implements server.PluginHooks: it is invoked inline on the
// server's loop thread, so it only ever touches Manager/record state
// and invokes a local callback -- never a Server sync call.
func (m *Manager) Reply(clientID int, jobID uint64, result wire.Value) error {
	m.mu.Lock()
	rec, ok := m.byClient[clientID]
	m.mu.Unlock()
	if !ok {
		return dicey.New(dicey.EPeerNotFound)
	}

	rec.mu.Lock()
	cb, ok := rec.jobs[jobID]
	delete(rec.jobs, jobID)
	rec.mu.Unlock()
	if !ok {
		return dicey.New(dicey.ENotFound)
	}
	cb(result, nil)
	return nil
}

// SendWork dispatches command/payload as a Command signal to name's
// plugin object and invokes done with the plugin's Reply. Safe to call
// from any goroutine; it is never called from the server's loop thread.
func (m *Manager) SendWork(name string, command byte, payload wire.Value, done func(wire.Value, error)) error {
	m.mu.Lock()
	rec, ok := m.byName[name]
	srv := m.srv
	m.mu.Unlock()
	if !ok {
		return dicey.New(dicey.EPeerNotFound)
	}

	rec.mu.Lock()
	if rec.state != Running {
		rec.mu.Unlock()
		return dicey.Errorf(dicey.EInval, "plugin %q is not running", name)
	}
	rec.nextJobID++
	jobID := rec.nextJobID
	rec.jobs[jobID] = done
	rec.mu.Unlock()

	sel := wire.Selector{Trait: registry.TraitPlugin, Element: "Command"}
	val := wire.TupleV(wire.UInt64V(jobID), wire.ByteV(command), payload)
	pkt := wire.MessagePacket(dicey.OpSignal, srv.NextSeq(), rec.path, sel, val)
	return srv.Send(rec.clientID, pkt)
}

// QuitAsync asks the named plugin to halt, then kills it if it hasn't
// exited within the kill timeout.
func (m *Manager) QuitAsync(name string, done func(error)) {
	m.mu.Lock()
	rec, ok := m.byName[name]
	srv := m.srv
	m.mu.Unlock()
	if !ok {
		if done != nil {
			done(dicey.New(dicey.EPeerNotFound))
		}
		return
	}

	rec.mu.Lock()
	rec.state = Quitting
	rec.mu.Unlock()
	m.emit(Event{Kind: EventQuitting, Name: name})

	sel := wire.Selector{Trait: registry.TraitPlugin, Element: "Command"}
	val := wire.TupleV(wire.UInt64V(haltJobID), wire.ByteV(HaltCommand), wire.Unit())
	pkt := wire.MessagePacket(dicey.OpSignal, srv.NextSeq(), rec.path, sel, val)

	kill := time.AfterFunc(m.killTimeout, func() {
		rec.mu.Lock()
		stillQuitting := rec.state == Quitting
		rec.mu.Unlock()
		if stillQuitting {
			rec.proc.Kill()
		}
	})
	rec.mu.Lock()
	rec.timer = kill
	rec.mu.Unlock()

	srv.SendAsync(rec.clientID, pkt, func(sendErr error) {
		if done != nil {
			done(sendErr)
		}
	})
}

// Quit is the synchronous wrapper over QuitAsync.
func (m *Manager) Quit(name string) error {
	sem := make(chan error, 1)
	m.QuitAsync(name, func(err error) { sem <- err })
	return <-sem
}
