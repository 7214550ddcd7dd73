// Package eventemitter provides a small Node-style event emitter, the
// same shape as the kataras/go-events emitter that the reference
// ecosystem vendors for this purpose.
package eventemitter

import (
	"reflect"
	"sync"
)

// Listener receives the arguments passed to Emit.
type Listener func(args ...any)

type entry struct {
	fn  Listener
	ptr uintptr
}

// Emitter is a synchronous, order-preserving multi-event dispatcher.
// All methods are safe for concurrent use; listeners for a single event
// are invoked synchronously, in registration order, on the Emit caller's
// goroutine.
type Emitter struct {
	mu        sync.Mutex
	listeners map[string][]*entry
}

// New returns an empty Emitter.
func New() *Emitter {
	return &Emitter{listeners: make(map[string][]*entry)}
}

func ptrOf(fn Listener) uintptr {
	return reflect.ValueOf(fn).Pointer()
}

// On registers fn for evt. Alias: AddListener.
func (e *Emitter) On(evt string, fn Listener) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[evt] = append(e.listeners[evt], &entry{fn: fn, ptr: ptrOf(fn)})
}

// AddListener is an alias for On.
func (e *Emitter) AddListener(evt string, fn Listener) { e.On(evt, fn) }

// Once registers fn to run at most once for evt, then removes itself.
func (e *Emitter) Once(evt string, fn Listener) {
	if fn == nil {
		return
	}
	var once sync.Once
	var wrapped Listener
	wrapped = func(args ...any) {
		once.Do(func() {
			e.RemoveListener(evt, fn)
			fn(args...)
		})
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	// Register the wrapper under the original function's pointer so a
	// caller can still RemoveListener(evt, fn) before it fires.
	e.listeners[evt] = append(e.listeners[evt], &entry{fn: wrapped, ptr: ptrOf(fn)})
}

// Emit synchronously invokes every listener registered for evt, in the
// order they were added, with args.
func (e *Emitter) Emit(evt string, args ...any) {
	e.mu.Lock()
	entries := append([]*entry(nil), e.listeners[evt]...)
	e.mu.Unlock()

	for _, en := range entries {
		en.fn(args...)
	}
}

// RemoveListener removes fn (matched by function pointer) from evt's
// listener list. Returns whether anything was removed.
func (e *Emitter) RemoveListener(evt string, fn Listener) bool {
	if fn == nil {
		return false
	}
	target := ptrOf(fn)

	e.mu.Lock()
	defer e.mu.Unlock()

	list := e.listeners[evt]
	for i, en := range list {
		if en.ptr == target {
			e.listeners[evt] = append(list[:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveAllListeners drops every listener registered for evt.
func (e *Emitter) RemoveAllListeners(evt string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.listeners, evt)
}

// ListenerCount returns how many listeners are registered for evt.
func (e *Emitter) ListenerCount(evt string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners[evt])
}
