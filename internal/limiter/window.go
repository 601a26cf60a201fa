package limiter

import (
	"sync"
	"time"

	relayErrors "github.com/Shugur-Network/pubsub-relay/internal/errors"
)

// Clock returns the current time. Tests swap it to step through windows.
type Clock func() time.Time

// Window is a fixed-window message counter owned by one connection.
//
// The window opens on the first increment and restarts on the first increment
// that arrives after interval has elapsed since it opened. A rejected increment
// leaves the window untouched, so a throttled connection stays throttled until
// the interval runs out.
type Window struct {
	limit    int
	interval time.Duration
	now      Clock

	mu      sync.Mutex
	count   int
	started time.Time
}

// NewWindow returns a window admitting limit messages per interval.
func NewWindow(limit int, interval time.Duration) *Window {
	return NewWindowWithClock(limit, interval, time.Now)
}

// NewWindowWithClock is NewWindow with an injectable time source.
func NewWindowWithClock(limit int, interval time.Duration, now Clock) *Window {
	return &Window{limit: limit, interval: interval, now: now}
}

// Increment counts one message, returning a ThrottleExceeded error when the
// current window already holds limit messages.
func (w *Window) Increment() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if w.started.IsZero() || now.Sub(w.started) >= w.interval {
		w.started = now
		w.count = 0
	}

	if w.count >= w.limit {
		return relayErrors.ThrottleExceeded(w.limit, w.interval)
	}
	w.count++
	return nil
}

// Count returns the number of messages admitted in the current window.
func (w *Window) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}
