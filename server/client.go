package server

import (
	"net"

	"github.com/dicey-ipc/dicey/chunkbuf"
	"github.com/dicey-ipc/dicey/diceylog"
	"github.com/dicey-ipc/dicey/wire"
)

type clientState int

const (
	csConnected clientState = iota
	csRunning
	csDead
)

// clientRecord is the server's per-connection state, touched only by
// the loop goroutine. The read goroutine below never reaches into it
// beyond its net.Conn.
type clientRecord struct {
	id    int
	conn  net.Conn
	state clientState
	chunk *chunkbuf.Buffer

	isPlugin   bool
	pluginName string
	pluginPath string
	// Outstanding plugin Command jobs are tracked by the plugin
	// package, not in this record.
}

type readEvent struct {
	id   int
	data []byte
	err  error
}

const readBufSize = 64 * 1024

// readPump is the sole reader goroutine for one connection. It never
// touches Server state directly: every byte read, and any read error,
// is forwarded to the loop over readCh so accumulation and parsing
// stay single-threaded.
func readPump(id int, conn net.Conn, readCh chan<- readEvent, stopCh <-chan struct{}) {
	buf := make([]byte, readBufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			cp := make([]byte, n)
			copy(cp, buf[:n])
			select {
			case readCh <- readEvent{id: id, data: cp}:
			case <-stopCh:
				return
			}
		}
		if err != nil {
			select {
			case readCh <- readEvent{id: id, err: err}:
			case <-stopCh:
			}
			return
		}
	}
}

func (s *Server) admit(conn net.Conn) int {
	id := s.nextID
	s.nextID++

	if s.onConnect != nil && !s.onConnect(id) {
		conn.Close()
		diceylog.Info("server: refused connection %d", id)
		return -1
	}

	c := &clientRecord{id: id, conn: conn, state: csConnected, chunk: chunkbuf.New()}
	s.clients[id] = c
	go readPump(id, conn, s.readCh, s.stopCh)
	return id
}

func (s *Server) writePacket(c *clientRecord, p wire.Packet) error {
	buf := make([]byte, wire.PacketEncodedSize(p))
	n, err := wire.Encode(buf, p)
	if err != nil {
		return err
	}
	_, err = c.conn.Write(buf[:n])
	return err
}

func (s *Server) removeClient(id int) {
	c, ok := s.clients[id]
	if !ok {
		return
	}
	c.conn.Close()
	delete(s.clients, id)
	for key, set := range s.subs {
		delete(set, id)
		if len(set) == 0 {
			delete(s.subs, key)
		}
	}
	delete(s.pendingBye, id)
	if s.onDisconnect != nil {
		s.onDisconnect(id)
	}
}
