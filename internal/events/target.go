// Package events contains a generic target for dispatching events to listeners.
package events

import (
	"sync"

	"github.com/google/uuid"
)

type (
	// A Listener is a function that listens for events of type T.
	Listener[T any] func(T)
	// A Handle represents a registered listener.
	Handle string
)

// A Target is a target for events.
//
// Listeners are added with AddListener with a function to be called when an
// event occurs. AddListener returns a Handle which can be used to remove the
// listener with RemoveListener.
//
// Dispatch invokes every registered listener synchronously, in registration
// order, on the caller's goroutine. Callers that need concurrent delivery are
// expected to hand off in their listener. Target is safe to use in its zero
// state and safe for concurrent use.
type Target[T any] struct {
	mu        sync.Mutex
	order     []Handle
	listeners map[Handle]Listener[T]
}

// AddListener adds a listener to the target.
func (t *Target[T]) AddListener(listener Listener[T]) Handle {
	// using a handle is necessary because a function can't be a map key.
	handle := Handle(uuid.NewString())

	t.mu.Lock()
	if t.listeners == nil {
		t.listeners = map[Handle]Listener[T]{}
	}
	t.listeners[handle] = listener
	t.order = append(t.order, handle)
	t.mu.Unlock()

	return handle
}

// RemoveListener removes a listener from the target.
func (t *Target[T]) RemoveListener(handle Handle) {
	t.mu.Lock()
	delete(t.listeners, handle)
	for i, h := range t.order {
		if h == handle {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
}

// Dispatch dispatches an event to all the registered listeners.
func (t *Target[T]) Dispatch(evt T) {
	t.mu.Lock()
	ls := make([]Listener[T], 0, len(t.order))
	for _, h := range t.order {
		if l, ok := t.listeners[h]; ok {
			ls = append(ls, l)
		}
	}
	t.mu.Unlock()

	for _, l := range ls {
		l(evt)
	}
}
