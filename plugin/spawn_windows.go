//go:build windows

package plugin

import (
	"net"

	"github.com/dicey-ipc/dicey/dicey"
)

// Windows has no Socketpair equivalent in the standard library; wiring
// a named-pipe pair into a child's inherited handle table needs
// syscall-level DuplicateHandle plumbing. Left unimplemented rather
// than faked; see DESIGN.md.
func spawnProcess(execPath string, args []string) (net.Conn, Process, error) {
	return nil, nil, dicey.Errorf(dicey.EInval, "plugin spawning is not implemented on windows")
}
