// Package transport provides the local stream endpoints dicey runs
// over: a named pipe on Windows, an abstract Unix domain socket on
// Linux, and a filesystem Unix domain socket elsewhere. The Unix legs
// go through the stdlib net package directly; the Windows named-pipe
// leg uses go-winio.
package transport

import "net"

// Listen opens a listener at the given logical name, choosing the
// concrete transport for the current platform.
func Listen(name string) (net.Listener, error) {
	return listen(name)
}

// Dial connects to a listener previously opened with Listen(name).
func Dial(name string) (net.Conn, error) {
	return dial(name)
}
