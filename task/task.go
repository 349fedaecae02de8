// Package task implements the client-side task-sequence engine: an
// ordered list of step functions driven by a single event-loop
// goroutine, with thread-safe Submit/Advance/Fail entry points and
// deadline-based expiry.
package task

import (
	"sync/atomic"
	"time"

	"github.com/dicey-ipc/dicey/dicey"
)

// StepResult is returned by a Step function to tell the engine what to
// do next.
type StepResult int

const (
	// Continue advances to the next step immediately.
	Continue StepResult = iota
	// Retry keeps the task parked on the current step; an external
	// event (Advance) or a timeout will re-invoke it.
	Retry
	// Fail stops the task and invokes its AtEnd with the given error.
	Fail
)

// Input is delivered to a retrying step via Advance, or synthesized by
// the engine as ErrTimeout on expiry.
type Input interface{}

// ErrTimeout is the Input value delivered to a step when its task's
// deadline elapses while it is retrying.
var ErrTimeout = dicey.New(dicey.ETimedOut)

// Step is one unit of work in a task. On first invocation in is nil;
// on re-invocation after Retry, in is whatever was passed to Advance
// (or ErrTimeout).
type Step func(in Input) (StepResult, error)

// Task is an ordered sequence of steps plus bookkeeping.
type Task struct {
	ID      int
	Steps   []Step
	AtEnd   func(error)
	Timeout time.Duration
	Context interface{}

	cursor    int
	deadline  time.Time
	heapIndex int
}

// Engine runs tasks on a single goroutine, the caller's event loop
// thread: Submit/Advance/Fail are safe to call from any goroutine;
// they deliver work to the loop via a channel rather than touching
// Engine state directly.
type Engine struct {
	nextID atomic.Int64

	submitCh  chan *Task
	advanceCh chan advanceMsg
	failCh    chan failMsg
	tickCh    <-chan time.Time
	stopCh    chan struct{}

	pending    map[int]*Task
	byDeadline *deadlineHeap
}

type advanceMsg struct {
	id int
	in Input
}

type failMsg struct {
	id  int
	err error
}

func NewEngine() *Engine {
	return &Engine{
		submitCh:   make(chan *Task, 64),
		advanceCh:  make(chan advanceMsg, 64),
		failCh:     make(chan failMsg, 64),
		stopCh:     make(chan struct{}),
		pending:    map[int]*Task{},
		byDeadline: newDeadlineHeap(),
	}
}

// Submit enqueues a new task and returns its assigned ID. Thread-safe.
// t.ID is assigned before the task is handed to the loop, so steps may
// read it.
func (e *Engine) Submit(t *Task) int {
	t.ID = int(e.nextID.Add(1))
	e.submitCh <- t
	return t.ID
}

// Advance delivers in to the task identified by id, resuming it if it
// is currently retrying. Thread-safe; a stale/unknown id is ignored.
func (e *Engine) Advance(id int, in Input) {
	e.advanceCh <- advanceMsg{id: id, in: in}
}

// Fail aborts the task identified by id immediately with err. Thread-safe.
func (e *Engine) Fail(id int, err error) {
	e.failCh <- failMsg{id: id, err: err}
}

// Stop cancels every pending task (started or not) with ECancelled and
// halts the loop.
func (e *Engine) Stop() {
	close(e.stopCh)
}

// Run drives the engine loop. It returns when Stop is called. Callers
// run this on the client's single background event-loop goroutine.
func (e *Engine) Run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		e.rearm(timer)

		select {
		case t := <-e.submitCh:
			e.pending[t.ID] = t
			e.runSteps(t, nil)

		case m := <-e.advanceCh:
			if t, ok := e.pending[m.id]; ok {
				e.runSteps(t, m.in)
			}

		case m := <-e.failCh:
			if t, ok := e.pending[m.id]; ok {
				e.finish(t, m.err)
			}

		case <-timer.C:
			e.expireDue()

		case <-e.stopCh:
			for _, t := range e.pending {
				e.finish(t, dicey.New(dicey.ECancelled))
			}
			for {
				select {
				case t := <-e.submitCh:
					e.finish(t, dicey.New(dicey.ECancelled))
				default:
					return
				}
			}
		}
	}
}

func (e *Engine) rearm(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	if next, ok := e.byDeadline.peekDeadline(); ok {
		d := time.Until(next)
		if d < 0 {
			d = 0
		}
		timer.Reset(d)
	} else {
		timer.Reset(time.Hour)
	}
}

func (e *Engine) expireDue() {
	now := time.Now()
	for {
		t, ok := e.byDeadline.popDue(now)
		if !ok {
			break
		}
		if _, live := e.pending[t.ID]; !live {
			continue
		}
		e.runSteps(t, ErrTimeout)
	}
}

// runSteps advances t through as many Continue results as it can, then
// either parks it on Retry (arming its deadline) or finishes it.
func (e *Engine) runSteps(t *Task, in Input) {
	for t.cursor < len(t.Steps) {
		res, err := t.Steps[t.cursor](in)
		switch res {
		case Continue:
			t.cursor++
			in = nil
			continue
		case Retry:
			if t.Timeout > 0 {
				t.deadline = time.Now().Add(t.Timeout)
				e.byDeadline.push(t)
			}
			return
		case Fail:
			e.finish(t, err)
			return
		}
	}
	e.finish(t, nil)
}

func (e *Engine) finish(t *Task, err error) {
	delete(e.pending, t.ID)
	e.byDeadline.remove(t)
	if t.AtEnd != nil {
		t.AtEnd(err)
	}
}
