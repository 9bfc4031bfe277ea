package store

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Notifier fans zero-payload change signals out to per-key subscribers and
// to whole-store listeners. Callbacks run synchronously on the notifying
// goroutine, outside the lock, so they may unsubscribe themselves.
type Notifier struct {
	mu     sync.Mutex
	next   uint64
	byKey  map[string]map[uint64]func()
	global map[uint64]func()
}

// NewNotifier creates an empty Notifier.
func NewNotifier() *Notifier {
	return &Notifier{
		byKey:  make(map[string]map[uint64]func()),
		global: make(map[uint64]func()),
	}
}

// Subscribe registers fn for changes to k. The returned func is idempotent.
func (n *Notifier) Subscribe(k string, fn func()) (unsubscribe func()) {
	n.mu.Lock()
	id := n.next
	n.next++
	subs := n.byKey[k]
	if subs == nil {
		subs = make(map[uint64]func())
		n.byKey[k] = subs
	}
	subs[id] = fn
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if subs := n.byKey[k]; subs != nil {
				delete(subs, id)
				if len(subs) == 0 {
					delete(n.byKey, k)
				}
			}
		})
	}
}

// SubscribeAll registers fn for every change.
func (n *Notifier) SubscribeAll(fn func()) (unsubscribe func()) {
	n.mu.Lock()
	id := n.next
	n.next++
	n.global[id] = fn
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.global, id)
			n.mu.Unlock()
		})
	}
}

// Notify signals subscribers of each key and every whole-store listener.
func (n *Notifier) Notify(keys ...string) {
	n.mu.Lock()
	var fns []func()
	for _, k := range keys {
		for _, fn := range n.byKey[k] {
			fns = append(fns, fn)
		}
	}
	for _, fn := range n.global {
		fns = append(fns, fn)
	}
	n.mu.Unlock()

	log.Trace().Strs("keys", keys).Int("callbacks", len(fns)).Msg("Store change")
	for _, fn := range fns {
		fn()
	}
}

// NotifyAllKeys signals every subscriber regardless of key.
func (n *Notifier) NotifyAllKeys() {
	n.mu.Lock()
	var fns []func()
	for _, subs := range n.byKey {
		for _, fn := range subs {
			fns = append(fns, fn)
		}
	}
	for _, fn := range n.global {
		fns = append(fns, fn)
	}
	n.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Subscribers returns the number of live per-key subscriptions.
func (n *Notifier) Subscribers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, subs := range n.byKey {
		total += len(subs)
	}
	return total
}

// watchSnapshots emits list() once and again after every change until ctx
// is done. Changes arriving while a listing is in flight collapse into a
// single follow-up listing; each snapshot supersedes the last, so nothing
// is lost.
func watchSnapshots(ctx context.Context, n *Notifier, list func(context.Context) ([]Media, error), fn func([]Media)) error {
	changed := make(chan struct{}, 1)
	unsubscribe := n.SubscribeAll(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	for {
		snapshot, err := list(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		fn(snapshot)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}
