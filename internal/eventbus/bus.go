// Package eventbus provides a typed publish/subscribe registry.
//
// Subscriptions are invoked synchronously in registration order. Every
// Subscribe returns an Unsubscribe handle so components can detach their
// listeners on teardown instead of letting callback lists grow across
// connect/disconnect cycles.
package eventbus

import (
	"fmt"
	"log/slog"
	"sync"
)

// Unsubscribe removes a single subscription. Calling it more than once is a no-op.
type Unsubscribe func()

// PanicHook is called with the recovered value when a listener panics.
type PanicHook func(name string, recovered any)

// Bus is a typed listener registry. The zero value is not usable; use New.
type Bus[T any] struct {
	name    string
	onPanic PanicHook

	mu        sync.Mutex
	nextID    uint64
	listeners []listener[T]
}

type listener[T any] struct {
	id uint64
	fn func(T)
}

// New creates a bus. name is used in log records.
func New[T any](name string, onPanic PanicHook) *Bus[T] {
	return &Bus[T]{name: name, onPanic: onPanic}
}

// Subscribe registers fn and returns a handle that removes it.
func (b *Bus[T]) Subscribe(fn func(T)) Unsubscribe {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, listener[T]{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, l := range b.listeners {
		if l.id == id {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			return
		}
	}
}

// Publish calls every listener with v in registration order. A listener
// that panics is recovered and logged; the remaining listeners still run.
// Listeners added or removed during Publish take effect on the next call.
func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	snapshot := make([]listener[T], len(b.listeners))
	copy(snapshot, b.listeners)
	b.mu.Unlock()

	for _, l := range snapshot {
		b.call(l.fn, v)
	}
}

func (b *Bus[T]) call(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event listener panicked", "bus", b.name, "panic", fmt.Sprint(r))
			if b.onPanic != nil {
				b.onPanic(b.name, r)
			}
		}
	}()
	fn(v)
}

// Clear drops every subscription. Outstanding Unsubscribe handles become no-ops.
func (b *Bus[T]) Clear() {
	b.mu.Lock()
	b.listeners = nil
	b.mu.Unlock()
}

// Len returns the number of active subscriptions.
func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

// All combines handles into one that releases every subscription.
func All(handles ...Unsubscribe) Unsubscribe {
	return func() {
		for _, h := range handles {
			if h != nil {
				h()
			}
		}
	}
}
