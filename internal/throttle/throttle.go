// Package throttle bounds how often a function runs while never losing the latest call.
//
// A call made after the interval has elapsed since the last invocation runs immediately.
// Calls inside the window are coalesced into a single trailing invocation that fires when
// the window closes and receives the arguments of the most recent call. At most one call
// is ever pending.
package throttle

import (
	"sync"
	"time"
)

// Throttler wraps fn with trailing-edge coalescing.
type Throttler[T any] struct {
	mu       sync.Mutex
	fn       func(T)
	interval time.Duration
	last     time.Time
	pending  *T
	timer    *time.Timer
	stopped  bool
}

// New returns a Throttler that runs fn at most once per interval.
func New[T any](fn func(T), interval time.Duration) *Throttler[T] {
	return &Throttler[T]{fn: fn, interval: interval}
}

// Call invokes fn now or schedules it for the end of the current window.
func (t *Throttler[T]) Call(args T) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	now := time.Now()
	if t.timer == nil && (t.last.IsZero() || now.Sub(t.last) >= t.interval) {
		t.last = now
		t.mu.Unlock()
		t.fn(args)
		return
	}
	t.pending = &args
	if t.timer == nil {
		t.timer = time.AfterFunc(t.interval-now.Sub(t.last), t.fire)
	}
	t.mu.Unlock()
}

// Flush runs a pending call immediately instead of waiting for the window to close.
func (t *Throttler[T]) Flush() {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	args, ok := t.takePendingLocked()
	t.mu.Unlock()
	if ok {
		t.fn(args)
	}
}

// Cancel drops a pending call without running it.
func (t *Throttler[T]) Cancel() {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.pending = nil
	t.mu.Unlock()
}

// Stop cancels any pending call and ignores every later Call.
func (t *Throttler[T]) Stop() {
	t.Cancel()
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

// Pending reports whether a trailing call is scheduled.
func (t *Throttler[T]) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending != nil
}

func (t *Throttler[T]) fire() {
	t.mu.Lock()
	t.timer = nil
	if t.stopped {
		t.mu.Unlock()
		return
	}
	args, ok := t.takePendingLocked()
	t.mu.Unlock()
	if ok {
		t.fn(args)
	}
}

func (t *Throttler[T]) takePendingLocked() (T, bool) {
	var zero T
	if t.pending == nil {
		return zero, false
	}
	args := *t.pending
	t.pending = nil
	t.last = time.Now()
	return args, true
}
