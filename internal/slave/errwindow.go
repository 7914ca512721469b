package slave

import (
	"sync"
	"time"
)

// ErrorWindow counts network errors inside a sliding time window.
type ErrorWindow struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	times  []time.Time
	now    func() time.Time
}

// NewErrorWindow tolerates up to max errors within window.
func NewErrorWindow(max int, window time.Duration) *ErrorWindow {
	return &ErrorWindow{max: max, window: window, now: time.Now}
}

// Record adds an error and reports whether the count within the window now
// exceeds the threshold.
func (w *ErrorWindow) Record() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.expire(now)
	w.times = append(w.times, now)
	return len(w.times) > w.max
}

// Count returns the errors still inside the window.
func (w *ErrorWindow) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.expire(w.now())
	return len(w.times)
}

// Exceeded reports whether the unexpired errors are over the threshold.
func (w *ErrorWindow) Exceeded() bool {
	return w.Count() > w.max
}

// Reset forgets every recorded error.
func (w *ErrorWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.times = w.times[:0]
}

// Configure changes threshold and window, keeping recorded errors.
func (w *ErrorWindow) Configure(max int, window time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.max, w.window = max, window
}

func (w *ErrorWindow) expire(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.times) && !w.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.times = append(w.times[:0], w.times[i:]...)
	}
}
