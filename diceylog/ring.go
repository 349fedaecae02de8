package diceylog

import (
	"container/ring"
	"fmt"
	"sync"
	"time"
)

// Ring is a fixed-size circular log handler, useful for exposing recent
// log lines over introspection without unbounded growth.
type Ring struct {
	size int

	mu sync.Mutex
	r  *ring.Ring
}

func NewRing(size int) *Ring {
	return &Ring{r: ring.New(size), size: size}
}

func (l *Ring) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.r.Value = time.Now().Format("2006/01/02 15:04:05") + " " + string(p)
	l.r = l.r.Next()
	return len(p), nil
}

// Dump returns the buffered lines in insertion order, oldest first.
func (l *Ring) Dump() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var lines []string
	l.r.Do(func(v interface{}) {
		if v != nil {
			lines = append(lines, fmt.Sprint(v))
		}
	})
	return lines
}
