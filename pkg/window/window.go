// Package window is the fixed length sliding sample buffer used by the windowed workers.
package window

import "sync"

// Window is a ring buffer of the most recent samples with a scoring cadence:
// it becomes ready once it has been filled for the first time and then
// again every step samples.
// Push is safe to call from a different goroutine than Snapshot.
type Window struct {
	mu sync.Mutex

	buf  []float64
	pos  int
	step int

	// filled is set once len(buf) samples were pushed.
	filled bool
	// count is the number of samples since the first push or the last ready event.
	count int
	ready bool
}

// New generates a window holding size samples, ready every step samples after the first fill.
func New(size, step int) *Window {
	if size < 1 {
		size = 1
	}
	if step < 1 {
		step = 1
	}
	return &Window{buf: make([]float64, size), step: step}
}

// Push appends x, discarding the oldest sample.
// It returns true if the window became ready with this sample.
func (w *Window) Push(x float64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf[w.pos] = x
	w.pos = (w.pos + 1) % len(w.buf)
	w.count++

	switch {
	case !w.filled:
		if w.count < len(w.buf) {
			return false
		}
		w.filled = true
	case w.count < w.step:
		return false
	}

	w.count = 0
	w.ready = true
	return true
}

// Ready reports whether a new window is waiting to be processed.
func (w *Window) Ready() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// Take copies the window oldest first into dst and clears the ready flag.
// It returns false, leaving dst untouched, if the window is not ready.
func (w *Window) Take(dst []float64) ([]float64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.ready {
		return dst, false
	}
	w.ready = false
	return w.snapshot(dst), true
}

// Snapshot copies the window oldest first into dst, regardless of readiness.
func (w *Window) Snapshot(dst []float64) []float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshot(dst)
}

func (w *Window) snapshot(dst []float64) []float64 {
	dst = append(dst[:0], w.buf[w.pos:]...)
	return append(dst, w.buf[:w.pos]...)
}

// Filled reports whether the window was filled at least once.
func (w *Window) Filled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.filled
}

// Len returns the window capacity.
func (w *Window) Len() int {
	return len(w.buf)
}

// Reset empties the window.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for i := range w.buf {
		w.buf[i] = 0
	}
	w.pos, w.count = 0, 0
	w.filled, w.ready = false, false
}
