// Package observer provides subscriber lists with unsubscribe handles.
package observer

import (
	"sort"
	"sync"
)

// List is a set of callbacks receiving values of type T. Notify invokes
// callbacks outside the list's lock, in subscription order.
type List[T any] struct {
	mu   sync.Mutex
	next uint64
	subs map[uint64]func(T)
}

// Subscribe adds fn and returns a handle that removes it. Calling the
// handle more than once is harmless.
func (l *List[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	l.mu.Lock()
	if l.subs == nil {
		l.subs = make(map[uint64]func(T))
	}
	l.next++
	id := l.next
	l.subs[id] = fn
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
		})
	}
}

// Notify calls every subscriber with v. A panicking subscriber does not
// prevent the others from running.
func (l *List[T]) Notify(v T) {
	for _, fn := range l.snapshot() {
		call(fn, v)
	}
}

// Len returns the number of subscribers.
func (l *List[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

func (l *List[T]) snapshot() []func(T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	keys := make([]uint64, 0, len(l.subs))
	for k := range l.subs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	fns := make([]func(T), len(keys))
	for i, k := range keys {
		fns[i] = l.subs[k]
	}
	return fns
}

func call[T any](fn func(T), v T) {
	defer func() { _ = recover() }()
	fn(v)
}
