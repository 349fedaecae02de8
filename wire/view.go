package wire

import (
	"bytes"

	"github.com/dicey-ipc/dicey/dicey"
)

// View is a read cursor over a borrowed byte slice. It never copies or
// owns its backing array; it is cheap to pass by value.
type View struct {
	data []byte
	pos  int
}

// NewView wraps b for reading from the start.
func NewView(b []byte) View { return View{data: b} }

// Len returns the number of unread bytes remaining in the view.
func (v View) Len() int { return len(v.data) - v.pos }

// Remaining returns the unread suffix without advancing the cursor.
func (v View) Remaining() []byte { return v.data[v.pos:] }

// Advance moves the cursor forward by n bytes, failing EOverflow if
// that would run past the end of the view.
func (v *View) Advance(n int) error {
	if n < 0 || n > v.Len() {
		return dicey.New(dicey.EOverflow)
	}
	v.pos += n
	return nil
}

// Read copies len(dst) bytes into dst and advances the cursor,
// failing EOverflow if dst is longer than the remaining view.
func (v *View) Read(dst []byte) error {
	if len(dst) > v.Len() {
		return dicey.New(dicey.EOverflow)
	}
	copy(dst, v.data[v.pos:v.pos+len(dst)])
	v.pos += len(dst)
	return nil
}

// Take returns a sub-view of the next n bytes and advances past them.
func (v *View) Take(n int) (View, error) {
	if n < 0 || n > v.Len() {
		return View{}, dicey.New(dicey.EOverflow)
	}
	out := View{data: v.data[v.pos : v.pos+n]}
	v.pos += n
	return out, nil
}

// Peek returns a sub-view of the next n bytes without advancing.
func (v View) Peek(n int) (View, error) {
	if n < 0 || n > v.Len() {
		return View{}, dicey.New(dicey.EOverflow)
	}
	return View{data: v.data[v.pos : v.pos+n]}, nil
}

// AsZString scans for a NUL terminator within the view's remaining
// bytes and returns the string up to (not including) it, failing
// EBadMsg if no NUL appears before the view ends. The cursor is NOT
// advanced; callers that want to consume it call Advance(len(s)+1).
func (v View) AsZString() (string, error) {
	rem := v.Remaining()
	idx := bytes.IndexByte(rem, 0)
	if idx < 0 {
		return "", dicey.New(dicey.EBadMsg)
	}
	return string(rem[:idx]), nil
}

// TakeZString reads a NUL-terminated string and advances past it
// (including the NUL).
func (v *View) TakeZString() (string, error) {
	s, err := v.AsZString()
	if err != nil {
		return "", err
	}
	return s, v.Advance(len(s) + 1)
}

// MutView is a write cursor over a borrowed, already-allocated byte
// slice. Unlike View it never grows its backing array: callers size the
// buffer up front (typically via a Builder) and MutView only tracks the
// write position.
type MutView struct {
	data []byte
	pos  int
}

// NewMutView wraps buf for writing from the start.
func NewMutView(buf []byte) MutView { return MutView{data: buf} }

// Written returns the bytes written so far.
func (v MutView) Written() []byte { return v.data[:v.pos] }

// Len returns the remaining writable capacity.
func (v MutView) Len() int { return len(v.data) - v.pos }

// Write copies src into the view and advances, failing EOverflow if src
// doesn't fit.
func (v *MutView) Write(src []byte) error {
	if len(src) > v.Len() {
		return dicey.New(dicey.EOverflow)
	}
	copy(v.data[v.pos:], src)
	v.pos += len(src)
	return nil
}

// WriteChunks writes each slice in order, stopping at the first error.
func (v *MutView) WriteChunks(srcs ...[]byte) error {
	for _, s := range srcs {
		if err := v.Write(s); err != nil {
			return err
		}
	}
	return nil
}

// WriteZString writes s followed by a NUL terminator.
func (v *MutView) WriteZString(s string) error {
	if err := v.Write([]byte(s)); err != nil {
		return err
	}
	return v.Write([]byte{0})
}

// EnsureCap grows the view's backing buffer to at least n bytes of
// total capacity, but only when the view currently owns no buffer
// (data == nil); otherwise it fails EAgain. Callers that already have
// a buffer must use a chunk buffer / builder to grow, not re-enter
// EnsureCap.
func (v *MutView) EnsureCap(n int) error {
	if v.data != nil {
		return dicey.Again
	}
	v.data = make([]byte, n)
	return nil
}
