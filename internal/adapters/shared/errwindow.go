package shared

import (
	"sync"
	"time"
)

// ErrorWindow counts failures over a sliding window so repeated
// authentication or format errors can be escalated to the supervisor while
// isolated ones stay local. The default policy is 5 failures in 60 seconds.
type ErrorWindow struct {
	limit  int
	window time.Duration

	mu    sync.Mutex
	times []time.Time
	now   func() time.Time
}

// NewErrorWindow builds a window tripping after limit failures within window.
func NewErrorWindow(limit int, window time.Duration) *ErrorWindow {
	return &ErrorWindow{limit: limit, window: window, now: time.Now}
}

// Record notes one failure and reports whether the threshold is now exceeded.
func (w *ErrorWindow) Record() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	cutoff := now.Add(-w.window)
	kept := w.times[:0]
	for _, t := range w.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.times = append(kept, now)
	return len(w.times) >= w.limit
}

// Reset clears the window, typically after a successful operation.
func (w *ErrorWindow) Reset() {
	w.mu.Lock()
	w.times = w.times[:0]
	w.mu.Unlock()
}
