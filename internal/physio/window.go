package physio

import (
	"sync"
)

// DefaultWindowSize is the number of samples kept for trend analysis.
const DefaultWindowSize = 10

// Window is a thread-safe ring of the most recent samples. Pushing into a
// full window evicts the oldest sample.
type Window struct {
	samples []Sample
	size    int
	start   int
	count   int
	mu      sync.RWMutex
}

// NewWindow creates a window holding up to size samples.
func NewWindow(size int) *Window {
	if size < 1 {
		size = DefaultWindowSize
	}
	return &Window{
		samples: make([]Sample, size),
		size:    size,
	}
}

// Push appends a sample, evicting the oldest when full.
func (w *Window) Push(s Sample) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.count < w.size {
		w.samples[(w.start+w.count)%w.size] = s
		w.count++
		return
	}
	w.samples[w.start] = s
	w.start = (w.start + 1) % w.size
}

// Samples returns a copy of the held samples, oldest first.
func (w *Window) Samples() []Sample {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]Sample, w.count)
	for i := 0; i < w.count; i++ {
		out[i] = w.samples[(w.start+i)%w.size]
	}
	return out
}

// Len returns the number of held samples.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.count
}

// Cap returns the window capacity.
func (w *Window) Cap() int {
	return w.size
}

// Clear empties the window.
func (w *Window) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.start = 0
	w.count = 0
}
