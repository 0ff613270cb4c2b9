package event

import "sync"

// Observers is an ordered list of synchronous callbacks. Notify calls them in
// registration order on the caller's goroutine; callers must not hold locks that
// a callback may need.
type Observers[T any] struct {
	mu     sync.Mutex
	nextID uint64
	items  []observer[T]
}

type observer[T any] struct {
	id uint64
	fn func(T)
}

// Add registers fn and returns a function that removes it. Removing twice is a no-op.
func (o *Observers[T]) Add(fn func(T)) func() {
	if fn == nil {
		return func() {}
	}
	o.mu.Lock()
	o.nextID++
	id := o.nextID
	o.items = append(o.items, observer[T]{id: id, fn: fn})
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		for i, item := range o.items {
			if item.id == id {
				o.items = append(o.items[:i:i], o.items[i+1:]...)
				return
			}
		}
	}
}

// Notify delivers value to a snapshot of the registered callbacks.
func (o *Observers[T]) Notify(value T) {
	o.mu.Lock()
	items := make([]observer[T], len(o.items))
	copy(items, o.items)
	o.mu.Unlock()

	for _, item := range items {
		item.fn(value)
	}
}

// Len reports the number of registered callbacks.
func (o *Observers[T]) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}
