// Package observable provides a single-writer, multi-reader value whose
// subscribers see every update in order.
package observable

import (
	"context"
	"sync"
)

// Value holds the latest T and fans each update out to subscribers.
// Updates are never coalesced: a slow subscriber queues, it does not skip.
type Value[T any] struct {
	mu     sync.Mutex
	cur    T
	subs   map[uint64]*subscriber[T]
	nextID uint64
}

// New creates a Value holding initial.
func New[T any](initial T) *Value[T] {
	return &Value[T]{cur: initial, subs: make(map[uint64]*subscriber[T])}
}

// Get returns the latest value.
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cur
}

// Set publishes next to every subscriber.
func (v *Value[T]) Set(next T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.publishLocked(next)
}

// Update atomically replaces the value with fn(current) and returns it.
func (v *Value[T]) Update(fn func(T) T) T {
	v.mu.Lock()
	defer v.mu.Unlock()
	next := fn(v.cur)
	v.publishLocked(next)
	return next
}

func (v *Value[T]) publishLocked(next T) {
	v.cur = next
	for _, s := range v.subs {
		s.push(next)
	}
}

// Subscribe returns a channel that first yields the current value and then
// every subsequent update, in order. The channel is closed once ctx is done.
func (v *Value[T]) Subscribe(ctx context.Context) <-chan T {
	s := &subscriber[T]{signal: make(chan struct{}, 1)}
	out := make(chan T)

	v.mu.Lock()
	id := v.nextID
	v.nextID++
	s.push(v.cur)
	v.subs[id] = s
	v.mu.Unlock()

	go func() {
		defer close(out)
		defer v.remove(id)
		for {
			next, ok := s.pop()
			if !ok {
				select {
				case <-s.signal:
					continue
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- next:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Subscribers returns the number of live subscriptions.
func (v *Value[T]) Subscribers() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.subs)
}

func (v *Value[T]) remove(id uint64) {
	v.mu.Lock()
	delete(v.subs, id)
	v.mu.Unlock()
}

type subscriber[T any] struct {
	mu     sync.Mutex
	queue  []T
	signal chan struct{}
}

func (s *subscriber[T]) push(next T) {
	s.mu.Lock()
	s.queue = append(s.queue, next)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber[T]) pop() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	if len(s.queue) == 0 {
		return zero, false
	}
	next := s.queue[0]
	s.queue[0] = zero
	s.queue = s.queue[1:]
	return next, true
}
