package transport

import "sync"

type entry[T any] struct {
	id uint64
	fn func(T)
}

// listeners is an ordered set of callbacks with disposer handles.
type listeners[T any] struct {
	mu      sync.Mutex
	next    uint64
	entries []entry[T]
}

// add registers fn and returns an idempotent disposer.
func (l *listeners[T]) add(fn func(T)) func() {
	if fn == nil {
		return func() {}
	}
	l.mu.Lock()
	l.next++
	id := l.next
	l.entries = append(l.entries, entry[T]{id: id, fn: fn})
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { l.remove(id) })
	}
}

func (l *listeners[T]) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e.id == id {
			l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
			return
		}
	}
}

// emit calls every listener in registration order, outside the lock.
func (l *listeners[T]) emit(v T) {
	l.mu.Lock()
	fns := make([]func(T), len(l.entries))
	for i, e := range l.entries {
		fns[i] = e.fn
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

func (l *listeners[T]) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
