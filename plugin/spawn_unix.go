//go:build !windows

package plugin

import (
	"net"
	"os"
	"os/exec"
	"syscall"
)

// spawnProcess forks execPath with a Unix domain socket pair wired in:
// one end becomes the child's fd PluginFD (stdout/stderr are the
// parent's so plugin logs still reach the terminal; stdin is not
// connected and reads from the null device), the
// other end is handed back as the parent's stream endpoint. A single
// bidirectional socket rather than a pipe per direction, since the
// plugin's control channel is full-duplex.
func spawnProcess(execPath string, args []string) (net.Conn, Process, error) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, err
	}

	parentFile := os.NewFile(uintptr(fds[0]), "dicey-plugin-parent")
	childFile := os.NewFile(uintptr(fds[1]), "dicey-plugin-child")

	cmd := exec.Command(execPath, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = make([]*os.File, PluginFD-3+1)
	cmd.ExtraFiles[PluginFD-3] = childFile

	if err := cmd.Start(); err != nil {
		parentFile.Close()
		childFile.Close()
		return nil, nil, err
	}
	childFile.Close() // the child now owns its copy

	conn, err := net.FileConn(parentFile)
	parentFile.Close() // net.FileConn dup'd the fd
	if err != nil {
		cmd.Process.Kill()
		return nil, nil, err
	}

	return conn, &cmdProcess{cmd: cmd}, nil
}
