// Package readiness reports when a captured media item has been fully
// written and is safe to hand off.
//
// A store marks an item "pending" while its write is in progress. The
// Watcher answers point-in-time questions (IsReady) and delivers a
// single-shot notification when a pending item becomes ready
// (NotifyWhenReady). Readiness is never cached: every answer comes from
// the store.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/fpang/capture-review/internal/capture"
)

// ErrStoreUnavailable wraps any failure to query the store at all, as
// opposed to the item simply not being ready yet.
var ErrStoreUnavailable = errors.New("media store unavailable")

// Store is the slice of a media store the watcher consumes.
type Store interface {
	// Pending reads the pending flag of ref. found is false when the store
	// has no row for ref yet.
	Pending(ctx context.Context, ref capture.Ref) (pending, found bool, err error)

	// Subscribe registers onChange for zero-payload change notifications
	// scoped to ref. onChange may run on any goroutine, concurrently with
	// itself, and more than once per change. The returned unsubscribe func
	// must be idempotent and safe to call from inside onChange.
	Subscribe(ctx context.Context, ref capture.Ref, onChange func()) (unsubscribe func(), err error)
}

// Watcher answers readiness questions against a Store.
type Watcher struct {
	store Store
}

// NewWatcher creates a Watcher backed by store.
func NewWatcher(store Store) *Watcher {
	return &Watcher{store: store}
}

// IsReady reports whether ref exists and is no longer pending. A missing
// row is "not visible yet", not an error.
func (w *Watcher) IsReady(ctx context.Context, ref capture.Ref) (bool, error) {
	pending, found, err := w.store.Pending(ctx, ref)
	if err != nil {
		return false, fmt.Errorf("%w: pending query for %s: %v", ErrStoreUnavailable, ref, err)
	}
	return found && !pending, nil
}

// NotifyWhenReady calls fn exactly once when ref becomes ready.
//
// If ref is already ready, fn runs synchronously before NotifyWhenReady
// returns and no subscription is created. If the initial query fails the
// error is returned and nothing is registered. Otherwise fn runs on the
// goroutine delivering the first change notification after which ref is
// ready. Cancelling ctx or calling Stop on the returned Watch prevents fn
// from running if it has not started yet.
func (w *Watcher) NotifyWhenReady(ctx context.Context, ref capture.Ref, fn func()) (*Watch, error) {
	ready, err := w.IsReady(ctx, ref)
	if err != nil {
		return nil, err
	}
	watch := &Watch{
		watcher: w,
		ref:     ref,
		fn:      fn,
		ctx:     ctx,
		done:    make(chan struct{}),
	}
	if ready {
		log.Debug().Str("ref", ref.String()).Msg("Media ready on first check")
		watch.fire()
		return watch, nil
	}

	log.Debug().Str("ref", ref.String()).Msg("Waiting for media to become ready")
	unsubscribe, err := w.store.Subscribe(ctx, ref, watch.onChange)
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe to %s: %v", ErrStoreUnavailable, ref, err)
	}
	watch.setUnsubscribe(unsubscribe)
	watch.armCancel()

	// The item may have turned ready between the first query and the
	// subscription taking effect.
	watch.onChange()
	return watch, nil
}

// WaitReady blocks until ref is ready or ctx is done.
func (w *Watcher) WaitReady(ctx context.Context, ref capture.Ref) error {
	ready := make(chan struct{})
	watch, err := w.NotifyWhenReady(ctx, ref, func() { close(ready) })
	if err != nil {
		return err
	}
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		watch.Stop()
		return ctx.Err()
	}
}

// Watch states.
const (
	stateWaiting int32 = iota
	stateFired
	stateStopped
)

// Watch is one outstanding NotifyWhenReady registration.
type Watch struct {
	watcher *Watcher
	ref     capture.Ref
	fn      func()
	ctx     context.Context

	// state is the single-shot guard: exactly one of fire and Stop wins
	// the transition out of stateWaiting.
	state atomic.Int32
	done  chan struct{}

	mu           sync.Mutex
	unsubscribe  func()
	released     bool
	stopOnCancel func() bool
}

// Stop tears the watch down. It reports whether it prevented the callback;
// false means the callback had already been claimed.
func (w *Watch) Stop() bool {
	if !w.state.CompareAndSwap(stateWaiting, stateStopped) {
		return false
	}
	log.Debug().Str("ref", w.ref.String()).Msg("Readiness watch stopped before media was ready")
	close(w.done)
	w.release()
	return true
}

// Done is closed once the watch has fired or been stopped.
func (w *Watch) Done() <-chan struct{} { return w.done }

// Fired reports whether the callback was claimed.
func (w *Watch) Fired() bool { return w.state.Load() == stateFired }

func (w *Watch) onChange() {
	if w.state.Load() != stateWaiting {
		return
	}
	ready, err := w.watcher.IsReady(w.ctx, w.ref)
	if err != nil {
		// Only the initial query is fatal; a failed recheck waits for the
		// next notification.
		log.Warn().Err(err).Str("ref", w.ref.String()).Msg("Readiness recheck failed")
		return
	}
	if ready {
		w.fire()
	}
}

func (w *Watch) fire() {
	if !w.state.CompareAndSwap(stateWaiting, stateFired) {
		return
	}
	close(w.done)
	w.release()
	log.Debug().Str("ref", w.ref.String()).Msg("Media ready")
	w.fn()
}

func (w *Watch) setUnsubscribe(fn func()) {
	w.mu.Lock()
	if w.released {
		// Fired or stopped before the subscription was recorded.
		w.mu.Unlock()
		fn()
		return
	}
	w.unsubscribe = fn
	w.mu.Unlock()
}

func (w *Watch) armCancel() {
	stop := context.AfterFunc(w.ctx, func() { w.Stop() })
	w.mu.Lock()
	if w.released {
		w.mu.Unlock()
		stop()
		return
	}
	w.stopOnCancel = stop
	w.mu.Unlock()
}

func (w *Watch) release() {
	w.mu.Lock()
	unsubscribe, stop := w.unsubscribe, w.stopOnCancel
	w.unsubscribe, w.stopOnCancel = nil, nil
	w.released = true
	w.mu.Unlock()

	if stop != nil {
		stop()
	}
	if unsubscribe != nil {
		unsubscribe()
	}
}
