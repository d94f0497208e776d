package throttle

import (
	"sync"
	"time"
)

// Keyed keeps one Throttler per key, so every tracked entity gets its own window.
type Keyed[K comparable, T any] struct {
	mu         sync.Mutex
	fn         func(K, T)
	interval   time.Duration
	throttlers map[K]*Throttler[T]
}

// NewKeyed returns a Keyed throttle that runs fn at most once per interval for each key.
func NewKeyed[K comparable, T any](fn func(K, T), interval time.Duration) *Keyed[K, T] {
	return &Keyed[K, T]{
		fn:         fn,
		interval:   interval,
		throttlers: make(map[K]*Throttler[T]),
	}
}

// Call routes args through the throttler for key.
func (k *Keyed[K, T]) Call(key K, args T) {
	k.mu.Lock()
	throttler, ok := k.throttlers[key]
	if !ok {
		throttler = New(func(value T) { k.fn(key, value) }, k.interval)
		k.throttlers[key] = throttler
	}
	k.mu.Unlock()
	throttler.Call(args)
}

// Flush runs the pending call for key, if any.
func (k *Keyed[K, T]) Flush(key K) {
	k.mu.Lock()
	throttler, ok := k.throttlers[key]
	k.mu.Unlock()
	if ok {
		throttler.Flush()
	}
}

// Forget cancels the pending call for key and drops its throttler.
func (k *Keyed[K, T]) Forget(key K) {
	k.mu.Lock()
	throttler, ok := k.throttlers[key]
	delete(k.throttlers, key)
	k.mu.Unlock()
	if ok {
		throttler.Stop()
	}
}

// Stop cancels every pending call.
func (k *Keyed[K, T]) Stop() {
	k.mu.Lock()
	throttlers := k.throttlers
	k.throttlers = make(map[K]*Throttler[T])
	k.mu.Unlock()
	for _, throttler := range throttlers {
		throttler.Stop()
	}
}
