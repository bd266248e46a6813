package logging

import (
	"sync"
	"time"
)

// DefaultThrottleWindow is the window used by reconnect and login loops.
const DefaultThrottleWindow = 60 * time.Second

// Throttle gates repeated log lines so that a key logs at most once per window.
//
// Reconnect loops and login retries use it to avoid log storms while a
// gateway is down: the first failure is logged, the rest are counted and
// the count is reported with the next line that passes.
//
// Thread Safety: safe for concurrent use.
type Throttle struct {
	window time.Duration
	now    func() time.Time

	mu         sync.Mutex
	last       map[string]time.Time
	suppressed map[string]int
}

// NewThrottle creates a throttle with the given window.
// A non-positive window falls back to DefaultThrottleWindow.
func NewThrottle(window time.Duration) *Throttle {
	if window <= 0 {
		window = DefaultThrottleWindow
	}
	return &Throttle{
		window:     window,
		now:        time.Now,
		last:       make(map[string]time.Time),
		suppressed: make(map[string]int),
	}
}

// Allow reports whether a line for key may be logged now.
// The second return value is the number of lines suppressed since the last allowed one.
func (t *Throttle) Allow(key string) (bool, int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if last, ok := t.last[key]; ok && now.Sub(last) < t.window {
		t.suppressed[key]++
		return false, 0
	}

	t.last[key] = now
	n := t.suppressed[key]
	delete(t.suppressed, key)
	return true, n
}

// Reset forgets key, so the next failure after a recovery is logged immediately.
func (t *Throttle) Reset(key string) {
	t.mu.Lock()
	delete(t.last, key)
	delete(t.suppressed, key)
	t.mu.Unlock()
}
