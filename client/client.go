// Package client implements the dicey client core: a non-blocking
// connect/handshake/request/disconnect state machine driven by
// task.Engine, with both async (callback) and sync
// (semaphore-blocking) entry points over a single background
// event-loop goroutine.
package client

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/dicey-ipc/dicey/dicey"
	"github.com/dicey-ipc/dicey/reqindex"
	"github.com/dicey-ipc/dicey/task"
	"github.com/dicey-ipc/dicey/transport"
	"github.com/dicey-ipc/dicey/wire"
)

// State is the client connection lifecycle: forward-only, with Dead
// reachable from any post-Init state on a fatal error.
type State int

const (
	Uninit State = iota
	Init
	ConnectStarted
	Running
	Closing
	Closed
	Dead
)

func (s State) String() string {
	switch s {
	case Uninit:
		return "Uninit"
	case Init:
		return "Init"
	case ConnectStarted:
		return "ConnectStarted"
	case Running:
		return "Running"
	case Closing:
		return "Closing"
	case Closed:
		return "Closed"
	default:
		return "Dead"
	}
}

// EventKind identifies an asynchronous notification delivered to the
// application.
type EventKind int

const (
	EventConnect EventKind = iota
	EventServerBye
	EventError
	EventSignal
)

// Event is delivered to the handler passed to New.
type Event struct {
	Kind   EventKind
	Reason wire.ByeReason // ServerBye only
	Err    error          // Error only
	Path   string         // Signal only
	Sel    wire.Selector  // Signal only
	Value  wire.Value     // Signal only
}

// Handler receives asynchronous client events from the background loop.
type Handler func(Event)

// ProtocolVersion is the Hello version this client speaks.
var ProtocolVersion = wire.Version{Major: 1, Revision: 0}

// Client is the dicey client core. Exported methods are safe to call
// from any goroutine; all protocol state is owned by the single
// background loop goroutine started by Connect.
type Client struct {
	mu    sync.Mutex
	state State

	conn    net.Conn
	pending *reqindex.Index

	engine      *task.Engine
	helloTaskID int
	onEvent     Handler

	writeMu sync.Mutex
	readBuf []byte
}

// New constructs a client in the Init state. handler receives
// asynchronous events (Connect, ServerBye, Error, Signal).
func New(handler Handler) *Client {
	return &Client{
		state:   Init,
		pending: reqindex.New(),
		engine:  task.NewEngine(),
		onEvent: handler,
		readBuf: make([]byte, 64*1024),
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State returns the client's current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// allocSeq returns the next client-originated (even) sequence number,
// per the pending-request index's own monotonic bookkeeping: 2, 4,
// 6, ... Resets to 2 on overflow rather than aborting; seq is a
// correlation tag, not a counter the application observes.
func (c *Client) allocSeq() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq := c.pending.NextSeq()
	if seq == 0 {
		seq = 2
	}
	return seq
}

// ConnectAsync starts the dial/handshake connect task and invokes done
// when it completes (nil on success). The background loop goroutine is
// started here; Disconnect closes the transport but does not stop it.
func (c *Client) ConnectAsync(address string, done func(error)) {
	c.setState(ConnectStarted)
	go c.engine.Run()

	t := &task.Task{
		Timeout: 5 * time.Second,
		Steps: []task.Step{
			func(in task.Input) (task.StepResult, error) {
				conn, err := transport.Dial(address)
				if err != nil {
					return task.Fail, err
				}
				c.mu.Lock()
				c.conn = conn
				c.mu.Unlock()
				go c.readLoop()

				if err := c.writePacket(wire.HelloPacket(0, ProtocolVersion)); err != nil {
					return task.Fail, err
				}
				return task.Continue, nil
			},
			func(in task.Input) (task.StepResult, error) {
				if in == nil {
					return task.Retry, nil // park until the Hello reply arrives
				}
				if in == task.ErrTimeout {
					return task.Fail, dicey.New(dicey.ETimedOut)
				}
				pkt, ok := in.(wire.Packet)
				if !ok || pkt.Kind != wire.KindHello || pkt.Seq != 0 {
					return task.Fail, dicey.New(dicey.EBadMsg)
				}
				if !pkt.Version.AtLeast(ProtocolVersion) {
					return task.Fail, dicey.New(dicey.EClientTooOld)
				}
				return task.Continue, nil
			},
		},
		AtEnd: func(err error) {
			if err != nil {
				c.setState(Dead)
			} else {
				c.setState(Running)
				c.emit(Event{Kind: EventConnect})
			}
			if done != nil {
				done(err)
			}
		},
	}

	c.mu.Lock()
	c.helloTaskID = c.engine.Submit(t)
	c.mu.Unlock()
}

// Connect is the synchronous wrapper over ConnectAsync: it blocks the
// caller on a semaphore posted by the background loop's callback.
func (c *Client) Connect(address string) error {
	sem := make(chan error, 1)
	c.ConnectAsync(address, func(err error) { sem <- err })
	return <-sem
}

// RequestAsync is the two-step request task: assign seq, serialize,
// write, register pending response; resume on matching reply.
// timeout <= 0 means no per-request deadline.
func (c *Client) RequestAsync(op dicey.Op, path string, sel wire.Selector, val wire.Value, timeout time.Duration, done func(wire.Value, error)) {
	// seq is assigned inside step 1, on the loop thread, so concurrent
	// submissions can't race each other to the same sequence number.
	var seq uint32
	var reply wire.Value
	t := &task.Task{
		Timeout: timeout,
	}
	t.Steps = []task.Step{
		func(in task.Input) (task.StepResult, error) {
			seq = c.allocSeq()
			if err := c.writePacket(wire.MessagePacket(op, seq, path, sel, val)); err != nil {
				return task.Fail, err
			}
			c.mu.Lock()
			err := c.pending.Add(reqindex.Entry{Seq: seq, Op: op, Path: path, Sel: sel, Context: t.ID})
			c.mu.Unlock()
			if err != nil {
				return task.Fail, err
			}
			return task.Continue, nil
		},
		func(in task.Input) (task.StepResult, error) {
			if in == nil {
				return task.Retry, nil // park until the matching reply arrives
			}
			if in == task.ErrTimeout {
				c.mu.Lock()
				c.pending.Complete(seq)
				c.mu.Unlock()
				return task.Fail, dicey.New(dicey.ETimedOut)
			}
			pkt, ok := in.(wire.Packet)
			if !ok {
				return task.Fail, dicey.New(dicey.EBadMsg)
			}
			reply = pkt.Value
			return task.Continue, nil
		},
	}
	t.AtEnd = func(err error) {
		if err != nil {
			done(wire.Value{}, err)
			return
		}
		done(reply, nil)
	}
	c.engine.Submit(t)
}

// Request is the synchronous wrapper over RequestAsync.
func (c *Client) Request(op dicey.Op, path string, sel wire.Selector, val wire.Value, timeout time.Duration) (wire.Value, error) {
	type result struct {
		val wire.Value
		err error
	}
	sem := make(chan result, 1)
	c.RequestAsync(op, path, sel, val, timeout, func(v wire.Value, err error) {
		sem <- result{val: v, err: err}
	})
	r := <-sem
	return r.val, r.err
}

// DisconnectAsync is the two-step disconnect task: send Bye(Shutdown),
// then close the transport.
func (c *Client) DisconnectAsync(done func(error)) {
	c.setState(Closing)
	t := &task.Task{
		Steps: []task.Step{
			func(in task.Input) (task.StepResult, error) {
				seq := c.allocSeq()
				if err := c.writePacket(wire.ByePacket(seq, wire.ByeShutdown)); err != nil {
					return task.Fail, err
				}
				return task.Continue, nil
			},
			func(in task.Input) (task.StepResult, error) {
				c.mu.Lock()
				conn := c.conn
				c.mu.Unlock()
				if conn != nil {
					conn.Close()
				}
				return task.Continue, nil
			},
		},
		AtEnd: func(err error) {
			c.setState(Closed)
			if done != nil {
				done(err)
			}
		},
	}
	c.engine.Submit(t)
}

// Disconnect is the synchronous wrapper over DisconnectAsync.
func (c *Client) Disconnect() error {
	sem := make(chan error, 1)
	c.DisconnectAsync(func(err error) { sem <- err })
	return <-sem
}

func (c *Client) emit(ev Event) {
	if c.onEvent != nil {
		c.onEvent(ev)
	}
}

func (c *Client) writePacket(p wire.Packet) error {
	buf := make([]byte, wire.PacketEncodedSize(p))
	n, err := wire.Encode(buf, p)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.conn.Write(buf[:n])
	return err
}

// readLoop is the sole reader goroutine for the connection; it feeds
// inbound bytes through wire.Load and dispatches each parsed packet.
func (c *Client) readLoop() {
	var acc []byte
	for {
		n, err := c.conn.Read(c.readBuf)
		if err != nil {
			c.handleReadError(err)
			return
		}
		acc = append(acc, c.readBuf[:n]...)

		for {
			pkt, remainder, err := wire.Load(wire.NewView(acc))
			if err == dicey.Again {
				break
			}
			if err != nil {
				c.protocolError(err)
				return
			}
			consumed := len(acc) - remainder.Len()
			c.dispatch(pkt)
			acc = append([]byte{}, acc[consumed:]...)
		}
	}
}

func (c *Client) handleReadError(err error) {
	if st := c.State(); st == Closing || st == Closed {
		return // Disconnect closed the transport itself
	}
	if err == io.EOF {
		c.emit(Event{Kind: EventServerBye, Reason: wire.ByeShutdown})
	} else {
		c.emit(Event{Kind: EventError, Err: err})
	}
	c.setState(Dead)
}

func (c *Client) protocolError(err error) {
	c.emit(Event{Kind: EventError, Err: err})
	c.writePacket(wire.ByePacket(c.allocSeq(), wire.ByeError))
	c.setState(Dead)
}

func (c *Client) dispatch(pkt wire.Packet) {
	switch {
	case pkt.Kind == wire.KindHello && pkt.Seq == 0:
		c.mu.Lock()
		id := c.helloTaskID
		c.mu.Unlock()
		c.engine.Advance(id, pkt)

	case pkt.Kind == wire.KindBye:
		c.emit(Event{Kind: EventServerBye, Reason: pkt.Reason})
		c.setState(Dead)

	case pkt.Kind.IsMessage() && pkt.Op() == dicey.OpResponse:
		c.mu.Lock()
		entry, ok := c.pending.Get(pkt.Seq)
		c.mu.Unlock()
		if !ok {
			return // timed out already; drop the late reply silently
		}
		if taskID, ok := entry.Context.(int); ok {
			c.mu.Lock()
			c.pending.Complete(pkt.Seq)
			c.mu.Unlock()
			c.engine.Advance(taskID, pkt)
		}

	case pkt.Kind.IsMessage() && pkt.Op() == dicey.OpSignal:
		c.emit(Event{Kind: EventSignal, Path: pkt.Path, Sel: pkt.Sel, Value: pkt.Value})

	default:
		c.protocolError(dicey.New(dicey.EBadMsg))
	}
}
