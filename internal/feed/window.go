package feed

import (
	"sync"

	"qalgo-terminal/internal/common"
)

// Window keeps the most recent ticks in arrival order. It is safe for
// concurrent use.
type Window struct {
	mu    sync.RWMutex
	buf   []Tick
	start int
	n     int
}

// NewWindow returns a window holding up to size ticks. A non-positive size
// uses the default of 200.
func NewWindow(size int) *Window {
	if size <= 0 {
		size = common.FeedWindowSize
	}
	return &Window{buf: make([]Tick, size)}
}

// Push appends t, evicting the oldest tick when full.
func (w *Window) Push(t Tick) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.n < len(w.buf) {
		w.buf[(w.start+w.n)%len(w.buf)] = t
		w.n++
		return
	}
	w.buf[w.start] = t
	w.start = (w.start + 1) % len(w.buf)
}

// Ticks returns a copy of the window, oldest first.
func (w *Window) Ticks() []Tick {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Tick, w.n)
	for i := 0; i < w.n; i++ {
		out[i] = w.buf[(w.start+i)%len(w.buf)]
	}
	return out
}

// Last returns the newest tick.
func (w *Window) Last() (Tick, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.n == 0 {
		return Tick{}, false
	}
	return w.buf[(w.start+w.n-1)%len(w.buf)], true
}

func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.n
}

func (w *Window) Cap() int { return len(w.buf) }
