// diceyd is a standalone dicey server: it listens at a socket path,
// hosts the object/trait registry, and optionally spawns a set of
// subprocess plugins at startup. It is thin wiring over the server and
// plugin packages.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dicey-ipc/dicey/diceylog"
	"github.com/dicey-ipc/dicey/plugin"
	"github.com/dicey-ipc/dicey/server"
	"github.com/dicey-ipc/dicey/transport"
)

var (
	fSocket  = flag.String("socket", "/tmp/dicey.sock", "path (or platform transport name) to listen on")
	fVerbose = flag.Bool("v", false, "enable debug logging")
	fPlugins = flag.String("plugins", "", "comma-separated list of plugin executables to spawn at startup")
)

func main() {
	flag.Parse()

	if *fVerbose {
		diceylog.AddHandler("stderr", os.Stderr, diceylog.DEBUG)
	}

	mgr := plugin.NewManager(plugin.WithEventHandler(logPluginEvent))

	srv := server.New(
		server.WithPluginHooks(mgr),
		server.WithOnConnect(func(clientID int) bool {
			diceylog.Info("diceyd: client %d connected", clientID)
			return true
		}),
		server.WithOnDisconnect(func(clientID int) {
			diceylog.Info("diceyd: client %d disconnected", clientID)
		}),
	)
	mgr.Attach(srv)

	ln, err := transport.Listen(*fSocket)
	if err != nil {
		diceylog.Fatal("diceyd: listen %s: %v", *fSocket, err)
	}

	go func() {
		if err := srv.Serve(ln); err != nil {
			diceylog.Error("diceyd: serve: %v", err)
		}
	}()

	for _, exe := range splitList(*fPlugins) {
		name, err := mgr.Spawn(exe, nil)
		if err != nil {
			diceylog.Error("diceyd: spawn %s: %v", exe, err)
			continue
		}
		diceylog.Info("diceyd: plugin %q spawned from %s", name, exe)
	}

	diceylog.Info("diceyd: listening on %s", *fSocket)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	diceylog.Info("diceyd: shutting down")
	srv.StopAndWait()
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func logPluginEvent(ev plugin.Event) {
	if ev.Err != nil {
		diceylog.Error("diceyd: plugin %q: %s: %v", ev.Name, eventName(ev.Kind), ev.Err)
		return
	}
	diceylog.Info("diceyd: plugin %q: %s", ev.Name, eventName(ev.Kind))
}

func eventName(k plugin.EventKind) string {
	switch k {
	case plugin.EventSpawned:
		return "spawned"
	case plugin.EventReady:
		return "ready"
	case plugin.EventTerminated:
		return "terminated"
	case plugin.EventQuitting:
		return "quitting"
	case plugin.EventQuit:
		return "quit"
	case plugin.EventFailed:
		return "failed"
	case plugin.EventUnresponsive:
		return "unresponsive"
	default:
		return fmt.Sprintf("event(%d)", k)
	}
}
